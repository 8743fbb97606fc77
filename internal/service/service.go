package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/pcmstream/internal/audio"
	"github.com/audiolibrelab/pcmstream/internal/backend"
	"github.com/audiolibrelab/pcmstream/internal/config"
)

// Service represents the core pcmstream operations
type Service interface {
	// Stream operations
	Record(ctx context.Context, device, output string) (*Result, error)
	Play(ctx context.Context, device, source string, policy audio.EndOfSource) (*Result, error)

	// Information operations
	Devices() ([]audio.DeviceInfo, error)
	Snapshot() (audio.Snapshot, bool)
	GetConfig() *config.Config
	GetLastError() string
}

// Result summarises a finished stream run
type Result struct {
	Reason   audio.ExitReason   `json:"reason"`
	Config   audio.StreamConfig `json:"config"`
	Frames   uint64             `json:"frames"`
	Duration time.Duration      `json:"duration"`
	Output   string             `json:"output,omitempty"`
}

// BackendFactory builds the backend registered under name
type BackendFactory func(name string) (audio.Backend, error)

// StreamService is the main service implementation
type StreamService struct {
	cfg        *config.Config
	observer   audio.Observer
	newBackend BackendFactory

	activeMu sync.RWMutex
	active   *audio.Session

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service. observer may be nil.
func New(cfg *config.Config, observer audio.Observer) *StreamService {
	return &StreamService{
		cfg:        cfg,
		observer:   observer,
		newBackend: backend.New,
	}
}

// WithBackendFactory replaces how backends are constructed
func (s *StreamService) WithBackendFactory(f BackendFactory) *StreamService {
	s.newBackend = f
	return s
}

// open resolves device against the configured definitions and opens a
// session on the matching backend
func (s *StreamService) open(device string, dir audio.Direction) (*audio.Session, error) {
	backendName, id, err := s.cfg.ResolveDevice(device, dir)
	if err != nil {
		return nil, err
	}

	b, err := s.newBackend(backendName)
	if err != nil {
		return nil, err
	}

	slog.Debug("Opening stream", "backend", b.Name(), "device", id, "direction", dir)
	return audio.Open(b, id, dir, audio.Options{
		Observer:       s.observer,
		AcquireTimeout: s.cfg.AcquireTimeout(),
	})
}

// Record captures from device into a WAV file until ctx is cancelled
func (s *StreamService) Record(ctx context.Context, device, output string) (*Result, error) {
	s.clearLastError()
	if output == "" {
		output = s.cfg.Capture.Output
	}

	req, err := s.cfg.StreamConfig()
	if err != nil {
		return nil, s.fail(err)
	}

	sess, err := s.open(device, audio.Capture)
	if err != nil {
		return nil, s.fail(err)
	}
	defer sess.Close()

	actual, err := sess.Negotiate(req)
	if err != nil {
		return nil, s.fail(err)
	}

	sink, err := audio.CreateWAVSink(output, actual)
	if err != nil {
		return nil, s.fail(err)
	}

	if err := sess.Prepare(); err != nil {
		sink.Close()
		return nil, s.fail(err)
	}

	s.setActive(sess)
	defer s.setActive(nil)

	slog.Info("Recording started - Press Ctrl+C to stop", "output", output, "config", actual.String())
	start := time.Now()
	reason, runErr := sess.Run(ctx, sink.Consume)

	closeErr := sess.Close()
	sinkErr := sink.Close()

	result := &Result{
		Reason:   reason,
		Config:   actual,
		Frames:   uint64(sink.Frames()),
		Duration: time.Since(start),
		Output:   output,
	}
	if err := errors.Join(runErr, closeErr, sinkErr); err != nil {
		return result, s.fail(err)
	}

	slog.Info("Recording finished", "output", output, "frames", result.Frames, "reason", reason,
		"seconds", fmt.Sprintf("%.2f", float64(result.Frames)/float64(actual.SampleRate)))
	return result, nil
}

// Play renders source (a WAV file, or a sine tone when empty) to device
// until the source ends under PolicyStop or ctx is cancelled
func (s *StreamService) Play(ctx context.Context, device, source string, policy audio.EndOfSource) (*Result, error) {
	s.clearLastError()

	req, err := s.cfg.StreamConfig()
	if err != nil {
		return nil, s.fail(err)
	}

	var wav *audio.WAVSource
	if source != "" {
		wav, err = audio.OpenWAVSource(source)
		if err != nil {
			return nil, s.fail(err)
		}
		defer wav.Close()
		req.Channels = wav.Channels()
		req.SampleRate = wav.SampleRate()
	}

	sess, err := s.open(device, audio.Playback)
	if err != nil {
		return nil, s.fail(err)
	}
	defer sess.Close()

	actual, err := sess.Negotiate(req)
	if err != nil {
		return nil, s.fail(err)
	}

	var src audio.Source
	if wav != nil {
		if actual.Channels != wav.Channels() {
			return nil, s.fail(fmt.Errorf("%w: %s has %d channels, device accepted %d", audio.ErrUnsupportedFormat, source, wav.Channels(), actual.Channels))
		}
		if actual.SampleRate != wav.SampleRate() {
			slog.Warn("Device rate differs from file, playback speed will change", "file_rate", wav.SampleRate(), "device_rate", actual.SampleRate)
		}
		wav.SetOutputFormat(actual.Format)
		src = wav
	} else {
		src = audio.NewToneSource(s.cfg.Playback.ToneHz, 0.5, actual)
		policy = audio.PolicyWrap
	}

	if err := sess.Prepare(); err != nil {
		return nil, s.fail(err)
	}

	s.setActive(sess)
	defer s.setActive(nil)

	name := source
	if name == "" {
		name = fmt.Sprintf("%.0f Hz tone", s.cfg.Playback.ToneHz)
	}
	slog.Info("Playback started", "source", name, "policy", policy, "config", actual.String())

	start := time.Now()
	reason, runErr := sess.Run(ctx, audio.Fill(src, policy, actual.FrameSize()))
	snap := sess.Snapshot()
	closeErr := sess.Close()

	result := &Result{
		Reason:   reason,
		Config:   actual,
		Frames:   snap.Stats.Frames,
		Duration: time.Since(start),
	}
	if err := errors.Join(runErr, closeErr); err != nil {
		return result, s.fail(err)
	}

	slog.Info("Playback finished", "frames", result.Frames, "reason", reason)
	return result, nil
}

// Devices lists endpoints of the configured backend
func (s *StreamService) Devices() ([]audio.DeviceInfo, error) {
	b, err := s.newBackend(s.cfg.Audio.Backend)
	if err != nil {
		return nil, err
	}
	devices, err := b.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s devices: %w", b.Name(), err)
	}
	return devices, nil
}

// BackendName resolves the configured backend, including "auto"
func (s *StreamService) BackendName() string {
	b, err := s.newBackend(s.cfg.Audio.Backend)
	if err != nil {
		return s.cfg.Audio.Backend
	}
	return b.Name()
}

// Snapshot returns the running session's state, if any
func (s *StreamService) Snapshot() (audio.Snapshot, bool) {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	if s.active == nil {
		return audio.Snapshot{}, false
	}
	return s.active.Snapshot(), true
}

func (s *StreamService) setActive(sess *audio.Session) {
	s.activeMu.Lock()
	s.active = sess
	s.activeMu.Unlock()
}

// GetConfig returns the current configuration
func (s *StreamService) GetConfig() *config.Config {
	return s.cfg
}

// GetLastError returns the last error message (thread-safe)
func (s *StreamService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *StreamService) fail(err error) error {
	s.setLastError(err.Error())
	return err
}

// setLastError sets the last error message (thread-safe)
func (s *StreamService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *StreamService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
