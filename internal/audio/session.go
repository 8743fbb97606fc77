package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const minAcquireTimeout = 20 * time.Millisecond

// PeriodFunc fills (playback) or drains (capture) one period. buf holds
// exactly frames interleaved frames. It returns how many frames it
// produced or consumed.
type PeriodFunc func(buf []byte, frames int) (int, error)

// Options tune a session
type Options struct {
	// Observer receives state changes and per-period timings
	Observer Observer
	// AcquireTimeout bounds one acquire call. Zero means two periods.
	AcquireTimeout time.Duration
}

// Stats counts what went through the exchange loop
type Stats struct {
	Periods    uint64        `json:"periods"`
	Frames     uint64        `json:"frames"`
	Transients uint64        `json:"transients"`
	LastPeriod time.Duration `json:"last_period_ns"`
	MaxPeriod  time.Duration `json:"max_period_ns"`
}

// Snapshot is a point-in-time copy of session information
type Snapshot struct {
	Backend   string       `json:"backend"`
	Device    string       `json:"device"`
	Direction string       `json:"direction"`
	State     State        `json:"state"`
	Config    StreamConfig `json:"config"`
	Stats     Stats        `json:"stats"`
}

// Session owns one capture or playback stream from open to close
type Session struct {
	backend  string
	device   string
	dir      Direction
	stream   Stream
	observer Observer
	timeout  time.Duration

	mu         sync.Mutex
	state      State
	config     StreamConfig
	negotiated bool
	closing    bool
	stats      Stats
}

// Open requests the endpoint from b and returns a session in CREATED state
func Open(b Backend, device string, dir Direction, opts Options) (*Session, error) {
	stream, err := b.Open(device, dir)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = NewBackendError(b.Name(), "open "+device, ErrDeviceUnavailable, err)
		}
		return nil, err
	}

	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	s := &Session{
		backend:  b.Name(),
		device:   device,
		dir:      dir,
		stream:   stream,
		observer: observer,
		timeout:  opts.AcquireTimeout,
		state:    StateCreated,
	}
	slog.Info("Audio device opened", "backend", s.backend, "device", device, "direction", dir)
	return s, nil
}

// Direction returns whether the session captures or plays
func (s *Session) Direction() Direction {
	return s.dir
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the negotiated stream configuration
func (s *Session) Config() StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Snapshot returns a copy of the session's state and counters
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Backend:   s.backend,
		Device:    s.device,
		Direction: s.dir.String(),
		State:     s.state,
		Config:    s.config,
		Stats:     s.stats,
	}
}

// Negotiate asks the backend to commit to req and adopts whatever it
// actually accepted
func (s *Session) Negotiate(req StreamConfig) (StreamConfig, error) {
	if err := req.Validate(); err != nil {
		return StreamConfig{}, err
	}

	s.mu.Lock()
	if s.state != StateCreated {
		st := s.state
		s.mu.Unlock()
		return StreamConfig{}, fmt.Errorf("%w: negotiate in state %s", ErrInvalidState, st)
	}
	s.mu.Unlock()

	actual, err := s.stream.Negotiate(req)
	if err != nil {
		if !errors.Is(err, ErrUnsupportedFormat) {
			err = NewBackendError(s.backend, "negotiate", ErrUnsupportedFormat, err)
		}
		return StreamConfig{}, err
	}
	if err := actual.Validate(); err != nil {
		return StreamConfig{}, fmt.Errorf("backend returned unusable config: %w", err)
	}

	if actual.SampleRate != req.SampleRate {
		slog.Info("Backend substituted sample rate", "device", s.device, "requested", req.SampleRate, "actual", actual.SampleRate)
	}
	if actual.PeriodFrames != req.PeriodFrames {
		slog.Debug("Backend adjusted period size", "device", s.device, "requested", req.PeriodFrames, "actual", actual.PeriodFrames)
	}

	s.mu.Lock()
	s.config = actual
	s.negotiated = true
	s.mu.Unlock()

	slog.Info("Stream format negotiated", "device", s.device, "config", actual.String())
	return actual, nil
}

// Prepare moves the backend into a state ready to exchange buffers
func (s *Session) Prepare() error {
	s.mu.Lock()
	if s.state != StateCreated || !s.negotiated {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: prepare requires a negotiated session, state %s", ErrInvalidState, st)
	}
	s.mu.Unlock()

	if err := s.stream.Prepare(); err != nil {
		if !errors.Is(err, ErrBackendRejected) {
			err = NewBackendError(s.backend, "prepare", ErrBackendRejected, err)
		}
		return err
	}
	return s.setState(StatePrepared)
}

// Run executes the buffer exchange loop until ctx is cancelled, the
// producer signals end of stream, or a fatal error occurs. On fatal
// errors the caller remains responsible for Close.
func (s *Session) Run(ctx context.Context, fn PeriodFunc) (ExitReason, error) {
	if err := s.setState(StateRunning); err != nil {
		return "", err
	}

	switch st := s.stream.(type) {
	case PullStream:
		return s.runPull(ctx, st, fn)
	case PushStream:
		return s.runPush(ctx, st, fn)
	default:
		return "", fmt.Errorf("%w: stream %T supports neither pull nor push", ErrFatalIO, s.stream)
	}
}

func (s *Session) runPull(ctx context.Context, ps PullStream, fn PeriodFunc) (ExitReason, error) {
	cfg := s.Config()
	timeout := s.acquireTimeout(cfg)

	for {
		if ctx.Err() != nil {
			return s.shutdown(ExitShutdown)
		}

		start := time.Now()
		slot, err := s.acquire(ps, timeout)
		if err != nil {
			return "", s.fail("acquire", err)
		}

		buf := newBuffer(slot, cfg.FrameSize())
		frames, perr := s.exchange(buf, fn)
		if perr != nil && !errors.Is(perr, ErrEndOfStream) {
			// Hand the slot back empty so the backend never sees half-written data
			if rerr := s.release(ps, buf, 0); rerr != nil {
				slog.Debug("Releasing buffer after error failed", "device", s.device, "error", rerr)
			}
			return "", s.fail("process", perr)
		}

		if err := s.release(ps, buf, frames); err != nil {
			return "", s.fail("release", err)
		}
		s.recordPeriod(frames, time.Since(start))

		if perr != nil {
			return s.shutdown(ExitEndOfStream)
		}
	}
}

// exchange runs the period callback over the frames the backend handed over
func (s *Session) exchange(buf *Buffer, fn PeriodFunc) (int, error) {
	frames := buf.slot.Frames
	need := frames * buf.frameSize
	if frames < 0 || len(buf.slot.Data) < need {
		return 0, fmt.Errorf("backend handed %d frames in a %d byte slot (frame size %d)", frames, len(buf.slot.Data), buf.frameSize)
	}
	if frames == 0 {
		return 0, nil
	}

	n, err := fn(buf.Bytes(), frames)
	if n < 0 || n > frames {
		return 0, fmt.Errorf("period callback returned %d frames for a %d frame buffer", n, frames)
	}
	if err == nil && s.dir == Capture && n != frames {
		return 0, fmt.Errorf("capture consumer took %d of %d frames", n, frames)
	}
	return n, err
}

// acquire takes one slot, retrying once on a transient failure
func (s *Session) acquire(ps PullStream, timeout time.Duration) (Slot, error) {
	slot, err := ps.Acquire(timeout)
	if err == nil || !IsTransient(err) {
		return slot, err
	}

	s.noteTransient("acquire", err)
	return ps.Acquire(timeout)
}

// release moves the slot out of buf and hands it back, retrying once on a
// transient failure
func (s *Session) release(ps PullStream, buf *Buffer, frames int) error {
	c := buf.chunk(frames)
	slot, err := buf.take()
	if err != nil {
		return err
	}

	err = ps.Release(slot, c)
	if err == nil || !IsTransient(err) {
		return err
	}

	s.noteTransient("release", err)
	return ps.Release(slot, c)
}

func (s *Session) runPush(ctx context.Context, ps PushStream, fn PeriodFunc) (ExitReason, error) {
	cfg := s.Config()
	proc := &pushProcessor{session: s, ctx: ctx, fn: fn, frameSize: cfg.FrameSize()}

	if err := ps.Start(proc); err != nil {
		return "", s.fail("start", err)
	}

	select {
	case <-ctx.Done():
		proc.quiesce(s.acquireTimeout(cfg))
		return s.shutdown(ExitShutdown)
	case <-ps.Done():
	}
	proc.quiesce(s.acquireTimeout(cfg))

	if err := ps.Err(); err != nil && !errors.Is(err, ErrEndOfStream) {
		return "", s.fail("stream", err)
	}
	if proc.endOfStream.Load() {
		return s.shutdown(ExitEndOfStream)
	}
	if proc.cancelled.Load() {
		return s.shutdown(ExitShutdown)
	}
	return s.shutdown(ExitBackendStopped)
}

// pushProcessor runs the per-period core from a backend-owned goroutine.
// mu is held for the whole of a Process call so quiesce can wait for an
// in-flight period before the loop returns.
type pushProcessor struct {
	session   *Session
	ctx       context.Context
	fn        PeriodFunc
	frameSize int

	mu          sync.Mutex
	stopped     bool
	cancelled   atomic.Bool
	endOfStream atomic.Bool
}

func (p *pushProcessor) Process(data []byte, frames int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return 0, ErrEndOfStream
	}
	if p.ctx.Err() != nil {
		p.cancelled.Store(true)
		p.stopped = true
		return 0, ErrEndOfStream
	}

	start := time.Now()
	buf := newBuffer(Slot{Data: data, Frames: frames}, p.frameSize)
	n, err := p.session.exchange(buf, p.fn)
	if _, terr := buf.take(); terr != nil {
		return 0, terr
	}

	if err != nil && !errors.Is(err, ErrEndOfStream) {
		return 0, err
	}
	p.session.recordPeriod(n, time.Since(start))
	if err != nil {
		p.endOfStream.Store(true)
	}
	return n, err
}

// quiesce stops further periods and waits up to timeout for one still
// running on the backend's goroutine. After it returns true fn is never
// called again.
func (p *pushProcessor) quiesce(timeout time.Duration) bool {
	idle := make(chan struct{})
	go func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(idle)
	}()

	select {
	case <-idle:
		return true
	case <-time.After(timeout):
		slog.Warn("Backend still inside the period callback", "device", p.session.device, "waited", timeout)
		return false
	}
}

// shutdown leaves the loop: playback drains on Close, capture closes now
func (s *Session) shutdown(reason ExitReason) (ExitReason, error) {
	slog.Info("Stream loop finished", "device", s.device, "reason", reason)
	if s.dir == Playback {
		if err := s.setState(StateDraining); err != nil {
			return reason, err
		}
		return reason, nil
	}
	if err := s.Close(); err != nil {
		return reason, err
	}
	return reason, nil
}

func (s *Session) fail(op string, err error) error {
	slog.Error("Stream loop aborted", "device", s.device, "op", op, "error", err)
	if errors.Is(err, ErrFatalIO) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrFatalIO, op, err)
}

func (s *Session) noteTransient(op string, err error) {
	slog.Warn("Transient backend failure, retrying once", "device", s.device, "op", op, "error", err)
	s.mu.Lock()
	s.stats.Transients++
	s.mu.Unlock()
	s.observer.TransientError(s.dir, op)
}

func (s *Session) recordPeriod(frames int, elapsed time.Duration) {
	s.mu.Lock()
	s.stats.Periods++
	s.stats.Frames += uint64(frames)
	s.stats.LastPeriod = elapsed
	if elapsed > s.stats.MaxPeriod {
		s.stats.MaxPeriod = elapsed
	}
	s.mu.Unlock()

	s.observer.PeriodExchanged(s.dir, frames, elapsed)
	slog.Debug("Period exchanged", "device", s.device, "frames", frames, "elapsed_ms", elapsed.Milliseconds())
}

func (s *Session) acquireTimeout(cfg StreamConfig) time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	t := 2 * cfg.PeriodDuration()
	if t < minAcquireTimeout {
		t = minAcquireTimeout
	}
	return t
}

func (s *Session) setState(to State) error {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = to
	s.mu.Unlock()

	slog.Debug("Session state changed", "device", s.device, "from", from, "to", to)
	s.observer.StateChanged(s.dir, from, to)
	return nil
}

// Close drains pending playback data and releases the backend. Closing a
// closed session does nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	st := s.state
	s.mu.Unlock()

	var errs []error
	if s.dir == Playback && (st == StateRunning || st == StateDraining) {
		if st == StateRunning {
			if err := s.setState(StateDraining); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Debug("Draining playback stream", "device", s.device)
		if err := s.stream.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain: %w", err))
		}
	}

	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	s.mu.Lock()
	from := s.state
	s.state = StateClosed
	s.mu.Unlock()
	s.observer.StateChanged(s.dir, from, StateClosed)

	slog.Info("Audio device closed", "backend", s.backend, "device", s.device)
	return errors.Join(errs...)
}
