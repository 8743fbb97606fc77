// Package null provides a simulated audio device paced by the wall clock.
// Capture yields a sine tone, playback discards what it is given.
package null

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/audiolibrelab/pcmstream/internal/audio"
)

const (
	Name = "null"
	// DefaultDevice aliases the first configured device
	DefaultDevice = "default"
)

var (
	heldMu sync.Mutex
	held   = map[string]bool{}
)

// Backend is a set of simulated devices with a fixed list of hardware rates
type Backend struct {
	// IDs of the devices this backend exposes
	IDs []string
	// Rates the simulated hardware supports; requests snap to the nearest one
	Rates []int
	// Pace makes Acquire wait one period of wall-clock time per slot
	Pace bool
	// Tone is the capture signal frequency in Hz
	Tone float64
}

// New returns a backend with one duplex device running at 48 or 96 kHz
func New() *Backend {
	return &Backend{
		IDs:   []string{"null"},
		Rates: []int{48000, 96000},
		Pace:  true,
		Tone:  440,
	}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Devices() ([]audio.DeviceInfo, error) {
	devices := make([]audio.DeviceInfo, 0, len(b.IDs))
	for _, id := range b.IDs {
		devices = append(devices, audio.DeviceInfo{
			ID:          id,
			Description: "Simulated device",
			Capture:     true,
			Playback:    true,
		})
	}
	return devices, nil
}

func (b *Backend) Open(id string, dir audio.Direction) (audio.Stream, error) {
	if id == DefaultDevice && len(b.IDs) > 0 {
		id = b.IDs[0]
	}
	if !b.known(id) {
		return nil, fmt.Errorf("%w: no null device %q", audio.ErrDeviceUnavailable, id)
	}

	key := id + "/" + dir.String()
	heldMu.Lock()
	defer heldMu.Unlock()
	if held[key] {
		return nil, fmt.Errorf("%w: %s is already open for %s", audio.ErrDeviceUnavailable, id, dir)
	}
	held[key] = true

	return &stream{backend: b, id: id, key: key, dir: dir}, nil
}

func (b *Backend) known(id string) bool {
	for _, known := range b.IDs {
		if known == id {
			return true
		}
	}
	return false
}

// nearestRate picks the supported rate closest to want, preferring the higher one on ties
func (b *Backend) nearestRate(want int) int {
	if len(b.Rates) == 0 {
		return want
	}
	rates := append([]int(nil), b.Rates...)
	sort.Ints(rates)

	best := rates[0]
	for _, r := range rates[1:] {
		if abs(r-want) <= abs(best-want) {
			best = r
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type stream struct {
	backend *Backend
	id      string
	key     string
	dir     audio.Direction

	cfg        audio.StreamConfig
	buf        []byte
	tone       *audio.ToneSource
	next       time.Time
	prepared   bool
	checkedOut bool
	closed     bool

	// Rendered counts frames released by playback, Captured frames handed out
	Rendered int64
	Captured int64
}

func (s *stream) Negotiate(req audio.StreamConfig) (audio.StreamConfig, error) {
	if req.Channels > 8 {
		return audio.StreamConfig{}, fmt.Errorf("%w: null device supports up to 8 channels, got %d", audio.ErrUnsupportedFormat, req.Channels)
	}

	actual := req
	actual.SampleRate = s.backend.nearestRate(req.SampleRate)
	s.cfg = actual
	return actual, nil
}

func (s *stream) Prepare() error {
	if s.closed {
		return fmt.Errorf("%w: stream closed", audio.ErrBackendRejected)
	}
	if s.cfg.SampleRate == 0 {
		return fmt.Errorf("%w: stream not negotiated", audio.ErrBackendRejected)
	}

	s.buf = make([]byte, s.cfg.PeriodBytes())
	if s.dir == audio.Capture {
		s.tone = audio.NewToneSource(s.backend.Tone, 0.5, s.cfg)
	}
	s.next = time.Now()
	s.prepared = true
	return nil
}

func (s *stream) Acquire(timeout time.Duration) (audio.Slot, error) {
	if s.closed || !s.prepared {
		return audio.Slot{}, audio.ErrNotRunning
	}
	if s.checkedOut {
		return audio.Slot{}, fmt.Errorf("%w: previous slot was never released", audio.ErrNotRunning)
	}

	if s.backend.Pace {
		wait := time.Until(s.next)
		if wait > timeout {
			time.Sleep(timeout)
			return audio.Slot{}, audio.ErrWouldBlock
		}
		if wait > 0 {
			time.Sleep(wait)
		}
		s.next = s.next.Add(s.cfg.PeriodDuration())
	}

	frames := s.cfg.PeriodFrames
	if s.dir == audio.Capture {
		s.tone.ReadFrames(s.buf, frames)
		s.Captured += int64(frames)
	}
	s.checkedOut = true
	return audio.Slot{Data: s.buf, Frames: frames}, nil
}

func (s *stream) Release(slot audio.Slot, chunk audio.Chunk) error {
	if !s.checkedOut {
		return fmt.Errorf("%w: release without acquire", audio.ErrNotRunning)
	}
	s.checkedOut = false

	frameSize := s.cfg.FrameSize()
	if chunk.Stride != frameSize || chunk.Size%frameSize != 0 || chunk.Offset+chunk.Size > len(slot.Data) {
		return fmt.Errorf("%w: bad chunk offset=%d stride=%d size=%d", audio.ErrNotRunning, chunk.Offset, chunk.Stride, chunk.Size)
	}
	if s.dir == audio.Playback {
		s.Rendered += int64(chunk.Size / frameSize)
	}
	return nil
}

func (s *stream) Drain() error {
	if s.backend.Pace && s.dir == audio.Playback {
		if wait := time.Until(s.next); wait > 0 {
			time.Sleep(wait)
		}
	}
	return nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	heldMu.Lock()
	delete(held, s.key)
	heldMu.Unlock()
	return nil
}
