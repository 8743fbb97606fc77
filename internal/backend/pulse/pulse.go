// Package pulse connects to a PulseAudio (or pipewire-pulse) server with
// github.com/jfreymuth/pulse. The server drives the stream: it calls back
// whenever it needs or has a period.
package pulse

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"

	"github.com/audiolibrelab/pcmstream/internal/audio"
)

const Name = "pulse"

// DefaultDevice selects the server's default sink or source
const DefaultDevice = "default"

// Backend opens PulseAudio sinks for playback and sources for capture
type Backend struct {
	// AppName is announced to the server as the client name
	AppName string
	// MediaName labels the stream in mixers
	MediaName string
}

func New(appName string) *Backend {
	return &Backend{AppName: appName, MediaName: appName}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) connect() (*pulse.Client, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName(b.AppName))
	if err != nil {
		return nil, audio.NewBackendError(Name, "connect", audio.ErrDeviceUnavailable, err)
	}
	return client, nil
}

func (b *Backend) Devices() ([]audio.DeviceInfo, error) {
	client, err := b.connect()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sinks, err := client.ListSinks()
	if err != nil {
		return nil, fmt.Errorf("failed to list sinks: %w", err)
	}
	sources, err := client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	devices := []audio.DeviceInfo{{ID: DefaultDevice, Description: "Server default", Capture: true, Playback: true}}
	for _, s := range sinks {
		devices = append(devices, audio.DeviceInfo{ID: s.ID(), Description: s.Name(), Playback: true})
	}
	for _, s := range sources {
		devices = append(devices, audio.DeviceInfo{ID: s.ID(), Description: s.Name(), Capture: true})
	}
	return devices, nil
}

func (b *Backend) Open(id string, dir audio.Direction) (audio.Stream, error) {
	client, err := b.connect()
	if err != nil {
		return nil, err
	}

	s := &stream{client: client, id: id, dir: dir, media: b.MediaName, done: make(chan struct{})}
	if id == DefaultDevice || id == "" {
		return s, nil
	}

	switch dir {
	case audio.Playback:
		s.sink, err = client.SinkByID(id)
	case audio.Capture:
		s.source, err = client.SourceByID(id)
	}
	if err != nil {
		client.Close()
		return nil, audio.NewBackendError(Name, "lookup "+id, audio.ErrDeviceUnavailable, err)
	}
	return s, nil
}

// playbackStream is the part of *pulse.PlaybackStream a stream drives
type playbackStream interface {
	Start()
	Stop()
	Drain()
	Close()
	Running() bool
	Error() error
	SampleRate() int
	Channels() int
}

type stream struct {
	client *pulse.Client
	id     string
	dir    audio.Direction
	media  string
	sink   *pulse.Sink
	source *pulse.Source

	cfg      audio.StreamConfig
	playback playbackStream
	record   *pulse.RecordStream
	scratch  []byte
	proc     audio.Processor

	// ended is set once the processor has no more playback data. The
	// server stream keeps running on silence so Drain can flush it.
	ended atomic.Bool

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Negotiate creates the server stream without starting it and reads
// back the rate and channel count the server accepted
func (s *stream) Negotiate(req audio.StreamConfig) (audio.StreamConfig, error) {
	if req.Channels != 1 && req.Channels != 2 {
		return audio.StreamConfig{}, fmt.Errorf("%w: pulse streams are mono or stereo, got %d channels", audio.ErrUnsupportedFormat, req.Channels)
	}
	if req.Format != audio.FormatU8 && req.Format != audio.FormatS16LE && req.Format != audio.FormatS32LE {
		return audio.StreamConfig{}, fmt.Errorf("%w: pulse backend handles u8, s16le and s32le, got %s", audio.ErrUnsupportedFormat, req.Format)
	}

	latency := req.FramesDuration(req.PeriodFrames * req.Periods).Seconds()
	var err error
	switch s.dir {
	case audio.Playback:
		opts := []pulse.PlaybackOption{
			pulse.PlaybackSampleRate(req.SampleRate),
			pulse.PlaybackLatency(latency),
			pulse.PlaybackMediaName(s.media),
		}
		if req.Channels == 1 {
			opts = append(opts, pulse.PlaybackMono)
		} else {
			opts = append(opts, pulse.PlaybackStereo)
		}
		if s.sink != nil {
			opts = append(opts, pulse.PlaybackSink(s.sink))
		}
		var pb *pulse.PlaybackStream
		if pb, err = s.client.NewPlayback(s.reader(req.Format), opts...); err == nil {
			s.playback = pb
		}
	case audio.Capture:
		opts := []pulse.RecordOption{
			pulse.RecordSampleRate(req.SampleRate),
			pulse.RecordLatency(latency),
			pulse.RecordMediaName(s.media),
		}
		if req.Channels == 1 {
			opts = append(opts, pulse.RecordMono)
		} else {
			opts = append(opts, pulse.RecordStereo)
		}
		if s.source != nil {
			opts = append(opts, pulse.RecordSource(s.source))
		}
		s.record, err = s.client.NewRecord(s.writer(req.Format), opts...)
	}
	if err != nil {
		return audio.StreamConfig{}, audio.NewBackendError(Name, "create stream", audio.ErrUnsupportedFormat, err)
	}

	actual := req
	if s.playback != nil {
		actual.SampleRate = s.playback.SampleRate()
		actual.Channels = s.playback.Channels()
	} else {
		actual.SampleRate = s.record.SampleRate()
		actual.Channels = s.record.Channels()
	}
	s.cfg = actual
	return actual, nil
}

func (s *stream) Prepare() error {
	if s.playback == nil && s.record == nil {
		return fmt.Errorf("%w: stream not negotiated", audio.ErrBackendRejected)
	}
	s.scratch = make([]byte, s.cfg.PeriodBytes())
	return nil
}

func (s *stream) Start(p audio.Processor) error {
	s.proc = p
	if s.playback != nil {
		s.playback.Start()
	} else {
		s.record.Start()
	}
	go s.watch()
	return nil
}

// watch polls the server stream for a stop the callbacks did not cause
func (s *stream) watch() {
	ticker := time.NewTicker(s.cfg.PeriodDuration())
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		var err error
		var running bool
		if s.playback != nil {
			err, running = s.playback.Error(), s.playback.Running()
		} else {
			err, running = s.record.Error(), s.record.Running()
		}
		if err != nil {
			s.finish(audio.NewBackendError(Name, "stream", audio.ErrNotRunning, err))
			return
		}
		if !running {
			s.finish(nil)
			return
		}
	}
}

func (s *stream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *stream) Done() <-chan struct{} {
	return s.done
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// process hands one server period to the processor. At the end of
// playback data the rest of the request is padded with silence and later
// requests get silence only, until Drain and Close.
func (s *stream) process(data []byte, frames int) (int, error) {
	if s.ended.Load() {
		s.silence(data[:frames*s.cfg.FrameSize()])
		return frames, nil
	}

	n, err := s.proc.Process(data, frames)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, audio.ErrEndOfStream):
		if s.playback == nil {
			s.finish(nil)
			return n, pulse.EndOfData
		}
		s.ended.Store(true)
		s.silence(data[n*s.cfg.FrameSize() : frames*s.cfg.FrameSize()])
		s.finish(nil)
		return frames, nil
	default:
		s.finish(err)
		return n, pulse.EndOfData
	}
}

func (s *stream) silence(b []byte) {
	step := s.cfg.Format.BytesPerSample()
	for i := 0; i+step <= len(b); i += step {
		s.cfg.Format.Encode(b[i:], 0)
	}
}

func (s *stream) buffer(samples int) []byte {
	need := samples * s.cfg.Format.BytesPerSample()
	if cap(s.scratch) < need {
		s.scratch = make([]byte, need)
	}
	return s.scratch[:need]
}

func (s *stream) reader(f audio.SampleFormat) pulse.Reader {
	switch f {
	case audio.FormatU8:
		return pulse.Uint8Reader(func(out []byte) (int, error) {
			n, err := s.process(out, len(out)/s.cfg.Channels)
			return n * s.cfg.Channels, err
		})
	case audio.FormatS32LE:
		return pulse.Int32Reader(func(out []int32) (int, error) {
			buf := s.buffer(len(out))
			n, err := s.process(buf, len(out)/s.cfg.Channels)
			for i := 0; i < n*s.cfg.Channels; i++ {
				out[i] = int32(f.Decode(buf[i*4:]))
			}
			return n * s.cfg.Channels, err
		})
	default:
		return pulse.Int16Reader(func(out []int16) (int, error) {
			buf := s.buffer(len(out))
			n, err := s.process(buf, len(out)/s.cfg.Channels)
			for i := 0; i < n*s.cfg.Channels; i++ {
				out[i] = int16(f.Decode(buf[i*2:]))
			}
			return n * s.cfg.Channels, err
		})
	}
}

func (s *stream) writer(f audio.SampleFormat) pulse.Writer {
	switch f {
	case audio.FormatU8:
		return pulse.Uint8Writer(func(in []byte) (int, error) {
			_, err := s.process(in, len(in)/s.cfg.Channels)
			return len(in), err
		})
	case audio.FormatS32LE:
		return pulse.Int32Writer(func(in []int32) (int, error) {
			buf := s.buffer(len(in))
			for i, v := range in {
				f.Encode(buf[i*4:], int(v))
			}
			_, err := s.process(buf, len(in)/s.cfg.Channels)
			return len(in), err
		})
	default:
		return pulse.Int16Writer(func(in []int16) (int, error) {
			buf := s.buffer(len(in))
			for i, v := range in {
				f.Encode(buf[i*2:], int(v))
			}
			_, err := s.process(buf, len(in)/s.cfg.Channels)
			return len(in), err
		})
	}
}

// Drain waits for the server to play what it has queued, then stops the
// reader callbacks
func (s *stream) Drain() error {
	if s.playback == nil {
		return nil
	}
	if s.playback.Running() {
		s.playback.Drain()
	}
	s.playback.Stop()
	return nil
}

func (s *stream) Close() error {
	s.finish(nil)
	if s.playback != nil {
		s.playback.Close()
	}
	if s.record != nil {
		s.record.Close()
	}
	s.client.Close()
	slog.Debug("Pulse stream closed", "device", s.id)
	return nil
}
