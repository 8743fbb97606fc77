// Package alsa drives kernel PCM devices directly through github.com/yobert/alsa.
// The session pulls periods with blocking interleaved reads and writes.
package alsa

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	yalsa "github.com/yobert/alsa"

	"github.com/audiolibrelab/pcmstream/internal/audio"
)

const (
	Name = "alsa"
	// DefaultDevice opens the first PCM that supports the direction
	DefaultDevice = "default"

	anyDevice = -1
)

var formats = map[audio.SampleFormat]yalsa.FormatType{
	audio.FormatU8:    yalsa.U8,
	audio.FormatS16LE: yalsa.S16_LE,
	audio.FormatS16BE: yalsa.S16_BE,
	audio.FormatS32LE: yalsa.S32_LE,
	audio.FormatS32BE: yalsa.S32_BE,
}

// Backend opens "hw:C,D" PCM devices, or "default"
type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Devices() ([]audio.DeviceInfo, error) {
	cards, err := yalsa.OpenCards()
	if err != nil {
		return nil, fmt.Errorf("failed to open sound cards: %w", err)
	}
	defer yalsa.CloseCards(cards)

	var devices []audio.DeviceInfo
	index := map[string]int{}
	for _, card := range cards {
		pcms, err := card.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to list devices of card %d: %w", card.Number, err)
		}
		for _, d := range pcms {
			if d.Type != yalsa.PCM {
				continue
			}
			id := deviceID(card.Number, d.Number)
			i, seen := index[id]
			if !seen {
				i = len(devices)
				index[id] = i
				devices = append(devices, audio.DeviceInfo{ID: id, Description: d.Title})
			}
			devices[i].Capture = devices[i].Capture || d.Record
			devices[i].Playback = devices[i].Playback || d.Play
		}
	}
	return devices, nil
}

func (b *Backend) Open(id string, dir audio.Direction) (audio.Stream, error) {
	cardNum, devNum := anyDevice, anyDevice
	if id != DefaultDevice && id != "" {
		var err error
		cardNum, devNum, err = parseDeviceID(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
		}
	}

	cards, err := yalsa.OpenCards()
	if err != nil {
		return nil, audio.NewBackendError(Name, "open cards", audio.ErrDeviceUnavailable, err)
	}

	device, err := findDevice(cards, cardNum, devNum, dir)
	if err != nil {
		yalsa.CloseCards(cards)
		return nil, err
	}

	if err := device.Open(); err != nil {
		yalsa.CloseCards(cards)
		return nil, audio.NewBackendError(Name, "open "+id, audio.ErrDeviceUnavailable, err)
	}

	return &stream{id: id, dir: dir, cards: cards, device: device}, nil
}

func findDevice(cards []*yalsa.Card, cardNum, devNum int, dir audio.Direction) (*yalsa.Device, error) {
	for _, card := range cards {
		if cardNum != anyDevice && card.Number != cardNum {
			continue
		}
		pcms, err := card.Devices()
		if err != nil {
			return nil, audio.NewBackendError(Name, "list devices", audio.ErrDeviceUnavailable, err)
		}
		for _, d := range pcms {
			if d.Type != yalsa.PCM || (devNum != anyDevice && d.Number != devNum) {
				continue
			}
			if (dir == audio.Capture && d.Record) || (dir == audio.Playback && d.Play) {
				return d, nil
			}
		}
	}
	if cardNum == anyDevice {
		return nil, fmt.Errorf("%w: no %s PCM on any card", audio.ErrDeviceUnavailable, dir)
	}
	return nil, fmt.Errorf("%w: no %s PCM at %s", audio.ErrDeviceUnavailable, dir, deviceID(cardNum, devNum))
}

func deviceID(card, device int) string {
	return fmt.Sprintf("hw:%d,%d", card, device)
}

// parseDeviceID accepts "hw:C,D" and "hw:C" (device 0)
func parseDeviceID(id string) (int, int, error) {
	if !strings.HasPrefix(id, "hw:") {
		return 0, 0, fmt.Errorf("invalid PCM name %q: expected hw:card,device", id)
	}
	parts := strings.Split(strings.TrimPrefix(id, "hw:"), ",")
	if len(parts) > 2 {
		return 0, 0, fmt.Errorf("invalid PCM name %q: expected hw:card,device", id)
	}

	card, err := strconv.Atoi(parts[0])
	if err != nil || card < 0 {
		return 0, 0, fmt.Errorf("invalid card number %q", parts[0])
	}
	device := 0
	if len(parts) == 2 {
		device, err = strconv.Atoi(parts[1])
		if err != nil || device < 0 {
			return 0, 0, fmt.Errorf("invalid device number %q", parts[1])
		}
	}
	return card, device, nil
}

// pcmDevice is the part of *yalsa.Device a stream drives
type pcmDevice interface {
	NegotiateChannels(channels ...int) (int, error)
	NegotiateRate(rates ...int) (int, error)
	NegotiateFormat(formats ...yalsa.FormatType) (yalsa.FormatType, error)
	NegotiatePeriodSize(periodSizes ...int) (int, error)
	NegotiateBufferSize(bufferSizes ...int) (int, error)
	Prepare() error
	Read(buf []byte) error
	Write(buf []byte, frames int) error
	Close()
}

type stream struct {
	id     string
	dir    audio.Direction
	cards  []*yalsa.Card
	device pcmDevice

	cfg        audio.StreamConfig
	bufferSize int
	buf        []byte
	prepared   bool
	closed     bool

	// reading carries the result of a capture read still in flight after
	// an acquire timed out; the next acquire collects it
	reading chan error
}

// Negotiate sets interleaved hardware parameters. The device may move
// the rate and period size to its nearest supported values.
func (s *stream) Negotiate(req audio.StreamConfig) (audio.StreamConfig, error) {
	want, ok := formats[req.Format]
	if !ok {
		return audio.StreamConfig{}, fmt.Errorf("%w: %s is not available on ALSA", audio.ErrUnsupportedFormat, req.Format)
	}

	channels, err := s.device.NegotiateChannels(req.Channels)
	if err != nil {
		return audio.StreamConfig{}, audio.NewBackendError(Name, "set channels", audio.ErrUnsupportedFormat, err)
	}
	rate, err := s.device.NegotiateRate(req.SampleRate)
	if err != nil {
		return audio.StreamConfig{}, audio.NewBackendError(Name, "set rate", audio.ErrUnsupportedFormat, err)
	}
	if _, err := s.device.NegotiateFormat(want); err != nil {
		return audio.StreamConfig{}, audio.NewBackendError(Name, "set format", audio.ErrUnsupportedFormat, err)
	}
	period, err := s.device.NegotiatePeriodSize(req.PeriodFrames)
	if err != nil {
		return audio.StreamConfig{}, audio.NewBackendError(Name, "set period size", audio.ErrUnsupportedFormat, err)
	}
	bufferSize, err := s.device.NegotiateBufferSize(period * req.Periods)
	if err != nil {
		return audio.StreamConfig{}, audio.NewBackendError(Name, "set buffer size", audio.ErrUnsupportedFormat, err)
	}

	periods := bufferSize / period
	if periods < 1 {
		periods = 1
	}
	s.cfg = audio.StreamConfig{
		Format:       req.Format,
		Channels:     channels,
		SampleRate:   rate,
		PeriodFrames: period,
		Periods:      periods,
	}
	s.bufferSize = bufferSize
	return s.cfg, nil
}

func (s *stream) Prepare() error {
	if err := s.device.Prepare(); err != nil {
		return audio.NewBackendError(Name, "prepare", audio.ErrBackendRejected, err)
	}
	s.buf = make([]byte, s.cfg.PeriodBytes())
	s.prepared = true
	return nil
}

// Acquire reads one period for capture or hands out the write buffer for
// playback. A capture read that outlasts timeout keeps running and is
// collected by the next call.
func (s *stream) Acquire(timeout time.Duration) (audio.Slot, error) {
	if s.closed || !s.prepared {
		return audio.Slot{}, audio.ErrNotRunning
	}

	slot := audio.Slot{Data: s.buf, Frames: s.cfg.PeriodFrames}
	if s.dir == audio.Playback {
		return slot, nil
	}

	if s.reading == nil {
		done := make(chan error, 1)
		s.reading = done
		go func() {
			done <- s.device.Read(s.buf)
		}()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-s.reading:
		s.reading = nil
		if err != nil {
			return audio.Slot{}, s.classify("read", err)
		}
		return slot, nil
	case <-expired:
		return audio.Slot{}, audio.NewBackendError(Name, "read", audio.ErrWouldBlock,
			fmt.Errorf("no period within %s", timeout))
	}
}

func (s *stream) Release(slot audio.Slot, chunk audio.Chunk) error {
	if s.dir == audio.Capture || chunk.Size == 0 {
		return nil
	}

	frames := chunk.Size / chunk.Stride
	data := slot.Data[chunk.Offset : chunk.Offset+chunk.Size]
	if err := s.device.Write(data, frames); err != nil {
		return s.classify("write", err)
	}
	return nil
}

// errnos are the kernel codes the transfer ioctls report
var errnos = []syscall.Errno{
	syscall.EPIPE,
	syscall.ESTRPIPE,
	syscall.EAGAIN,
	syscall.EINTR,
	syscall.EBADFD,
	syscall.ENODEV,
}

// errnoOf recovers the kernel code from err. yobert/alsa formats it into
// the message ("<ioctl> failed: broken pipe") instead of wrapping it.
func errnoOf(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	msg := err.Error()
	for _, e := range errnos {
		if strings.HasSuffix(msg, "failed: "+e.Error()) {
			return e, true
		}
	}
	return 0, false
}

// classify turns xruns into retryable errors after re-preparing the device
func (s *stream) classify(op string, err error) error {
	errno, _ := errnoOf(err)
	switch errno {
	case syscall.EPIPE, syscall.ESTRPIPE:
		if perr := s.device.Prepare(); perr != nil {
			return audio.NewBackendError(Name, op+" recover", audio.ErrNotRunning, perr)
		}
		return audio.NewBackendError(Name, op+" xrun", audio.ErrWouldBlock, err)
	case syscall.EAGAIN, syscall.EINTR:
		return audio.NewBackendError(Name, op, audio.ErrWouldBlock, err)
	default:
		return audio.NewBackendError(Name, op, audio.ErrNotRunning, err)
	}
}

// Drain waits for the hardware buffer to play out; the device exposes no drain call
func (s *stream) Drain() error {
	if s.dir != audio.Playback || !s.prepared || s.closed {
		return nil
	}
	time.Sleep(s.cfg.FramesDuration(s.bufferSize))
	return nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.reading != nil {
		select {
		case <-s.reading:
		case <-time.After(s.cfg.FramesDuration(s.bufferSize)):
		}
		s.reading = nil
	}
	s.device.Close()
	yalsa.CloseCards(s.cards)
	return nil
}
