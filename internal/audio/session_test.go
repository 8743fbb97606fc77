package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stereo16 = StreamConfig{Format: FormatS16LE, Channels: 2, SampleRate: 44100, PeriodFrames: 128, Periods: 4}

type fakeBackend struct {
	stream  Stream
	openErr error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake0", Capture: true, Playback: true}}, nil
}

func (f *fakeBackend) Open(id string, dir Direction) (Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

// fakePull hands out slots from a script. Frames lists how many frames each
// acquire reports; the last entry repeats.
type fakePull struct {
	rate         int
	frames       []int
	acquireErrs  []error
	releaseErrs  []error
	negotiateErr error
	prepareErr   error
	delay        time.Duration

	cfg      StreamConfig
	buf      []byte
	acquires int
	chunks   []Chunk
	drains   int
	closes   int
}

func (f *fakePull) Negotiate(req StreamConfig) (StreamConfig, error) {
	if f.negotiateErr != nil {
		return StreamConfig{}, f.negotiateErr
	}
	actual := req
	if f.rate != 0 {
		actual.SampleRate = f.rate
	}
	f.cfg = actual
	return actual, nil
}

func (f *fakePull) Prepare() error {
	if f.prepareErr != nil {
		return f.prepareErr
	}
	f.buf = make([]byte, f.cfg.PeriodBytes())
	return nil
}

func (f *fakePull) Acquire(timeout time.Duration) (Slot, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if len(f.acquireErrs) > 0 {
		err := f.acquireErrs[0]
		f.acquireErrs = f.acquireErrs[1:]
		if err != nil {
			return Slot{}, err
		}
	}

	frames := f.cfg.PeriodFrames
	if len(f.frames) > 0 {
		i := f.acquires
		if i >= len(f.frames) {
			i = len(f.frames) - 1
		}
		frames = f.frames[i]
	}
	f.acquires++
	return Slot{Data: f.buf, Frames: frames}, nil
}

func (f *fakePull) Release(slot Slot, chunk Chunk) error {
	if len(f.releaseErrs) > 0 {
		err := f.releaseErrs[0]
		f.releaseErrs = f.releaseErrs[1:]
		if err != nil {
			return err
		}
	}
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *fakePull) Drain() error {
	f.drains++
	return nil
}

func (f *fakePull) Close() error {
	f.closes++
	return nil
}

// fakePush calls the processor from its own goroutine until it returns an
// error or limit periods have been delivered. A detached fake closes
// without waiting for that goroutine.
type fakePush struct {
	cfg      StreamConfig
	limit    int
	detached bool

	mu     sync.Mutex
	err    error
	calls  int
	done   chan struct{}
	closes int
}

func (f *fakePush) Negotiate(req StreamConfig) (StreamConfig, error) {
	f.cfg = req
	return req, nil
}

func (f *fakePush) Prepare() error {
	f.done = make(chan struct{})
	return nil
}

func (f *fakePush) Start(p Processor) error {
	go func() {
		defer close(f.done)
		buf := make([]byte, f.cfg.PeriodBytes())
		for i := 0; f.limit == 0 || i < f.limit; i++ {
			_, err := p.Process(buf, f.cfg.PeriodFrames)
			f.mu.Lock()
			f.calls++
			f.mu.Unlock()
			if err != nil {
				f.mu.Lock()
				f.err = err
				f.mu.Unlock()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return nil
}

func (f *fakePush) Done() <-chan struct{} { return f.done }

func (f *fakePush) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errors.Is(f.err, ErrEndOfStream) {
		return nil
	}
	return f.err
}

func (f *fakePush) Drain() error { return nil }

func (f *fakePush) Close() error {
	if !f.detached {
		<-f.done
	}
	f.closes++
	return nil
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []State
	periods     int
	transients  int
}

func (o *recordingObserver) StateChanged(dir Direction, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
}

func (o *recordingObserver) PeriodExchanged(dir Direction, frames int, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.periods++
}

func (o *recordingObserver) TransientError(dir Direction, op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transients++
}

func openPrepared(t *testing.T, stream Stream, dir Direction, obs Observer) *Session {
	t.Helper()
	s, err := Open(&fakeBackend{stream: stream}, "fake0", dir, Options{Observer: obs})
	require.NoError(t, err)
	_, err = s.Negotiate(stereo16)
	require.NoError(t, err)
	require.NoError(t, s.Prepare())
	return s
}

// cancelAfter returns a period func that cancels ctx after n calls
func cancelAfter(n int, cancel context.CancelFunc) PeriodFunc {
	calls := 0
	return func(buf []byte, frames int) (int, error) {
		calls++
		if calls == n {
			cancel()
		}
		return frames, nil
	}
}

func TestSession_PlaybackLifecycle(t *testing.T) {
	fake := &fakePull{}
	obs := &recordingObserver{}
	s := openPrepared(t, fake, Playback, obs)
	assert.Equal(t, StatePrepared, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reason, err := s.Run(ctx, cancelAfter(3, cancel))
	require.NoError(t, err)
	assert.Equal(t, ExitShutdown, reason)
	assert.Equal(t, StateDraining, s.State())
	assert.Equal(t, uint64(3), s.Snapshot().Stats.Periods)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, fake.drains)
	assert.Equal(t, 1, fake.closes)

	// closing twice is a no-op
	require.NoError(t, s.Close())
	assert.Equal(t, 1, fake.closes)

	assert.Equal(t, []State{StatePrepared, StateRunning, StateDraining, StateClosed}, obs.transitions)
	assert.Equal(t, 3, obs.periods)
}

func TestSession_CaptureClosesOnShutdown(t *testing.T) {
	fake := &fakePull{}
	s := openPrepared(t, fake, Capture, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reason, err := s.Run(ctx, cancelAfter(2, cancel))
	require.NoError(t, err)
	assert.Equal(t, ExitShutdown, reason)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, fake.drains)
	assert.Equal(t, 1, fake.closes)
}

func TestSession_ChunkDescribesFrames(t *testing.T) {
	fake := &fakePull{}
	s := openPrepared(t, fake, Capture, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := s.Run(ctx, cancelAfter(1, cancel))
	require.NoError(t, err)

	require.Len(t, fake.chunks, 1)
	assert.Equal(t, Chunk{Offset: 0, Stride: 4, Size: 128 * 4}, fake.chunks[0])
}

func TestSession_UsesHandedOverFrameCount(t *testing.T) {
	fake := &fakePull{frames: []int{64, 128, 0, 17}}
	s := openPrepared(t, fake, Capture, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []int
	_, err := s.Run(ctx, func(buf []byte, frames int) (int, error) {
		assert.Len(t, buf, frames*4)
		seen = append(seen, frames)
		if len(seen) == 3 {
			cancel()
		}
		return frames, nil
	})
	require.NoError(t, err)

	// the empty slot is released without calling the consumer
	assert.Equal(t, []int{64, 128, 17}, seen)
	require.Len(t, fake.chunks, 4)
	assert.Equal(t, 0, fake.chunks[2].Size)
	assert.Equal(t, 17*4, fake.chunks[3].Size)
	assert.Equal(t, uint64(64+128+17), s.Snapshot().Stats.Frames)
}

func TestSession_AdoptsBackendRate(t *testing.T) {
	fake := &fakePull{rate: 48000}
	s, err := Open(&fakeBackend{stream: fake}, "fake0", Playback, Options{})
	require.NoError(t, err)

	req := stereo16
	req.SampleRate = 44100
	actual, err := s.Negotiate(req)
	require.NoError(t, err)
	assert.Equal(t, 48000, actual.SampleRate)
	assert.Equal(t, 48000, s.Config().SampleRate)
	assert.Equal(t, time.Duration(128)*time.Second/48000, s.Config().PeriodDuration())
}

func TestSession_TransientRetriedOnce(t *testing.T) {
	fake := &fakePull{acquireErrs: []error{ErrWouldBlock}}
	obs := &recordingObserver{}
	s := openPrepared(t, fake, Playback, obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := s.Run(ctx, cancelAfter(1, cancel))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Snapshot().Stats.Transients)
	assert.Equal(t, 1, obs.transients)
	require.NoError(t, s.Close())
}

func TestSession_SecondTransientIsFatal(t *testing.T) {
	fake := &fakePull{acquireErrs: []error{ErrWouldBlock, ErrWouldBlock}}
	s := openPrepared(t, fake, Capture, nil)
	defer s.Close()

	_, err := s.Run(context.Background(), func(buf []byte, frames int) (int, error) {
		return frames, nil
	})
	require.ErrorIs(t, err, ErrFatalIO)
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestSession_ReleaseRetry(t *testing.T) {
	fake := &fakePull{releaseErrs: []error{ErrWouldBlock}}
	s := openPrepared(t, fake, Capture, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := s.Run(ctx, cancelAfter(1, cancel))
	require.NoError(t, err)
	require.Len(t, fake.chunks, 1)
	assert.Equal(t, 128*4, fake.chunks[0].Size)
}

func TestSession_ProcessErrorReleasesEmptyBuffer(t *testing.T) {
	fake := &fakePull{}
	s := openPrepared(t, fake, Playback, nil)

	boom := errors.New("decoder exploded")
	_, err := s.Run(context.Background(), func(buf []byte, frames int) (int, error) {
		return frames / 2, boom
	})
	require.ErrorIs(t, err, ErrFatalIO)
	require.ErrorIs(t, err, boom)

	require.Len(t, fake.chunks, 1)
	assert.Equal(t, 0, fake.chunks[0].Size)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, fake.closes)
}

func TestSession_EndOfStreamReleasesPartialPeriod(t *testing.T) {
	fake := &fakePull{}
	s := openPrepared(t, fake, Playback, nil)

	calls := 0
	reason, err := s.Run(context.Background(), func(buf []byte, frames int) (int, error) {
		calls++
		if calls == 2 {
			return 50, ErrEndOfStream
		}
		return frames, nil
	})
	require.NoError(t, err)
	assert.Equal(t, ExitEndOfStream, reason)
	require.Len(t, fake.chunks, 2)
	assert.Equal(t, 50*4, fake.chunks[1].Size)
	assert.Equal(t, uint64(128+50), s.Snapshot().Stats.Frames)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, fake.drains)
}

func TestSession_CaptureMustConsumeAll(t *testing.T) {
	fake := &fakePull{}
	s := openPrepared(t, fake, Capture, nil)
	defer s.Close()

	_, err := s.Run(context.Background(), func(buf []byte, frames int) (int, error) {
		return frames - 1, nil
	})
	require.ErrorIs(t, err, ErrFatalIO)
}

func TestSession_CancellationIsBounded(t *testing.T) {
	fake := &fakePull{delay: 3 * time.Millisecond}
	s := openPrepared(t, fake, Capture, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	reason, err := s.Run(ctx, func(buf []byte, frames int) (int, error) {
		return frames, nil
	})
	require.NoError(t, err)
	assert.Equal(t, ExitShutdown, reason)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestSession_InvalidTransitions(t *testing.T) {
	fake := &fakePull{}
	s, err := Open(&fakeBackend{stream: fake}, "fake0", Playback, Options{})
	require.NoError(t, err)

	require.ErrorIs(t, s.Prepare(), ErrInvalidState)

	_, err = s.Run(context.Background(), func(buf []byte, frames int) (int, error) { return frames, nil })
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = s.Negotiate(stereo16)
	require.NoError(t, err)
	require.NoError(t, s.Prepare())

	_, err = s.Negotiate(stereo16)
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Prepare(), ErrInvalidState)
	assert.Equal(t, 0, fake.drains)
}

func TestSession_BackendErrorsAreClassified(t *testing.T) {
	_, err := Open(&fakeBackend{openErr: errors.New("no such card")}, "hw:9", Capture, Options{})
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Contains(t, err.Error(), "no such card")

	s, err := Open(&fakeBackend{stream: &fakePull{negotiateErr: errors.New("EINVAL")}}, "fake0", Capture, Options{})
	require.NoError(t, err)
	_, err = s.Negotiate(stereo16)
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "EINVAL", be.Diagnostic)

	s, err = Open(&fakeBackend{stream: &fakePull{prepareErr: errors.New("busy")}}, "fake0", Capture, Options{})
	require.NoError(t, err)
	_, err = s.Negotiate(stereo16)
	require.NoError(t, err)
	require.ErrorIs(t, s.Prepare(), ErrBackendRejected)
}

func TestSession_RejectsInvalidRequest(t *testing.T) {
	s, err := Open(&fakeBackend{stream: &fakePull{}}, "fake0", Capture, Options{})
	require.NoError(t, err)

	req := stereo16
	req.Channels = 0
	_, err = s.Negotiate(req)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestSession_PushEndOfStream(t *testing.T) {
	fake := &fakePush{}
	s := openPrepared(t, fake, Playback, nil)

	calls := 0
	reason, err := s.Run(context.Background(), func(buf []byte, frames int) (int, error) {
		calls++
		if calls == 4 {
			return 10, ErrEndOfStream
		}
		return frames, nil
	})
	require.NoError(t, err)
	assert.Equal(t, ExitEndOfStream, reason)
	assert.Equal(t, uint64(3*128+10), s.Snapshot().Stats.Frames)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_PushCancellation(t *testing.T) {
	fake := &fakePush{}
	s := openPrepared(t, fake, Capture, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	reason, err := s.Run(ctx, func(buf []byte, frames int) (int, error) {
		return frames, nil
	})
	require.NoError(t, err)
	assert.Equal(t, ExitShutdown, reason)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, fake.closes)
}

func TestSession_PushCancelWaitsForPeriodInFlight(t *testing.T) {
	fake := &fakePush{detached: true}
	s, err := Open(&fakeBackend{stream: fake}, "fake0", Playback, Options{AcquireTimeout: time.Second})
	require.NoError(t, err)
	_, err = s.Negotiate(stereo16)
	require.NoError(t, err)
	require.NoError(t, s.Prepare())

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	inside, calls := false, 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		reason ExitReason
		err    error
		inside bool
		calls  int
	}
	results := make(chan result, 1)
	go func() {
		reason, err := s.Run(ctx, func(buf []byte, frames int) (int, error) {
			mu.Lock()
			inside = true
			calls++
			mu.Unlock()
			once.Do(func() { close(entered) })
			<-release
			mu.Lock()
			inside = false
			mu.Unlock()
			return frames, nil
		})
		mu.Lock()
		results <- result{reason, err, inside, calls}
		mu.Unlock()
	}()

	<-entered
	cancel()

	select {
	case <-results:
		t.Fatal("Run returned while the period callback was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	r := <-results
	require.NoError(t, r.err)
	assert.Equal(t, ExitShutdown, r.reason)
	assert.False(t, r.inside)

	require.NoError(t, s.Close())
	time.Sleep(5 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, r.calls, calls)
	mu.Unlock()
}

func TestSession_PushCancelIsBoundedWhenCallbackHangs(t *testing.T) {
	fake := &fakePush{detached: true}
	s, err := Open(&fakeBackend{stream: fake}, "fake0", Capture, Options{AcquireTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = s.Negotiate(stereo16)
	require.NoError(t, err)
	require.NoError(t, s.Prepare())

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	var once sync.Once

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	start := time.Now()
	reason, err := s.Run(ctx, func(buf []byte, frames int) (int, error) {
		once.Do(func() { close(entered) })
		<-release
		return frames, nil
	})
	require.NoError(t, err)
	assert.Equal(t, ExitShutdown, reason)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSession_PushBackendStopped(t *testing.T) {
	fake := &fakePush{limit: 2}
	s := openPrepared(t, fake, Capture, nil)

	reason, err := s.Run(context.Background(), func(buf []byte, frames int) (int, error) {
		return frames, nil
	})
	require.NoError(t, err)
	assert.Equal(t, ExitBackendStopped, reason)
}

func TestBuffer_ReleaseInvalidatesHandle(t *testing.T) {
	b := newBuffer(Slot{Data: make([]byte, 16), Frames: 3}, 4)
	assert.Len(t, b.Bytes(), 12)
	assert.Equal(t, 3, b.Frames())
	assert.Equal(t, Chunk{Stride: 4, Size: 8}, b.chunk(2))

	_, err := b.take()
	require.NoError(t, err)
	assert.True(t, b.Released())
	assert.Nil(t, b.Bytes())
	assert.Zero(t, b.Frames())

	_, err = b.take()
	require.ErrorIs(t, err, ErrBufferReleased)
}
