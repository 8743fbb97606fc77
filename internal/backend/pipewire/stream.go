package pipewire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/pcmstream/internal/audio"
)

const stopTimeout = 5 * time.Second

var catFormats = map[audio.SampleFormat]string{
	audio.FormatU8:    "u8",
	audio.FormatS16LE: "s16",
	audio.FormatS24LE: "s24",
	audio.FormatS32LE: "s32",
}

// stream is one pw-cat process moving raw interleaved frames over a pipe
type stream struct {
	id    string
	dir   audio.Direction
	media string

	cfg     audio.StreamConfig
	cmd     *exec.Cmd
	pipe    *os.File
	buf     []byte
	pending int
	exited  chan error

	stderrMu sync.Mutex
	stderr   strings.Builder
	closed   bool
}

// Negotiate records the format; pw-cat resamples and converts to the
// graph's rate itself, so the request is accepted as is
func (s *stream) Negotiate(req audio.StreamConfig) (audio.StreamConfig, error) {
	if _, ok := catFormats[req.Format]; !ok {
		return audio.StreamConfig{}, fmt.Errorf("%w: pw-cat handles u8, s16le, s24le and s32le, got %s", audio.ErrUnsupportedFormat, req.Format)
	}
	if req.Channels > 64 {
		return audio.StreamConfig{}, fmt.Errorf("%w: too many channels: %d", audio.ErrUnsupportedFormat, req.Channels)
	}
	s.cfg = req
	return req, nil
}

func (s *stream) args() []string {
	mode := "--record"
	if s.dir == audio.Playback {
		mode = "--playback"
	}

	args := []string{
		mode,
		"--raw",
		"--rate", fmt.Sprint(s.cfg.SampleRate),
		"--channels", fmt.Sprint(s.cfg.Channels),
		"--format", catFormats[s.cfg.Format],
		"--latency", fmt.Sprint(s.cfg.PeriodFrames),
		"-P", fmt.Sprintf("{ media.name = %q }", s.media),
	}
	if s.id != "" && s.id != DefaultDevice {
		args = append(args, "--target", s.id)
	}
	return append(args, "-")
}

// Prepare starts pw-cat with a pipe on the data side
func (s *stream) Prepare() error {
	if s.cfg.SampleRate == 0 {
		return fmt.Errorf("%w: stream not negotiated", audio.ErrBackendRejected)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return audio.NewBackendError(Name, "pipe", audio.ErrBackendRejected, err)
	}

	args := s.args()
	slog.Info("Starting pw-cat", "command", "pw-cat "+strings.Join(args, " "))

	cmd := exec.Command("pw-cat", args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PIPEWIRE_LATENCY=%d/%d", s.cfg.PeriodFrames, s.cfg.SampleRate))
	if s.dir == audio.Capture {
		cmd.Stdout = w
		s.pipe = r
	} else {
		cmd.Stdin = r
		s.pipe = w
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.Close()
		w.Close()
		return audio.NewBackendError(Name, "stderr pipe", audio.ErrBackendRejected, err)
	}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return audio.NewBackendError(Name, "start pw-cat", audio.ErrBackendRejected, err)
	}

	// the child owns its end now
	if s.dir == audio.Capture {
		w.Close()
	} else {
		r.Close()
	}

	s.cmd = cmd
	s.buf = make([]byte, s.cfg.PeriodBytes())
	s.supervise(cmd, stderr)
	return nil
}

// supervise collects pw-cat's stderr to EOF before reaping it, since
// Wait closes the pipe and would drop the last lines
func (s *stream) supervise(cmd *exec.Cmd, stderr io.ReadCloser) {
	s.exited = make(chan error, 1)
	go func() {
		s.readOutput(stderr)
		s.exited <- cmd.Wait()
	}()
}

// readOutput keeps pw-cat's stderr for error diagnostics
func (s *stream) readOutput(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		s.stderrMu.Lock()
		s.stderr.WriteString(line + "\n")
		s.stderrMu.Unlock()
		slog.Debug("pw-cat output", "line", line)
	}
}

func (s *stream) diagnostic() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return strings.TrimSpace(s.stderr.String())
}

func (s *stream) notRunning(op string, err error) error {
	if diag := s.diagnostic(); diag != "" {
		err = fmt.Errorf("%w: %s", err, diag)
	}
	return audio.NewBackendError(Name, op, audio.ErrNotRunning, err)
}

// Acquire reads up to one period of captured frames, or hands out the
// write buffer for playback. A capture timeout with at least one whole
// frame buffered yields a short slot.
func (s *stream) Acquire(timeout time.Duration) (audio.Slot, error) {
	if s.closed || s.cmd == nil {
		return audio.Slot{}, audio.ErrNotRunning
	}
	if s.dir == audio.Playback {
		return audio.Slot{Data: s.buf, Frames: s.cfg.PeriodFrames}, nil
	}

	frameSize := s.cfg.FrameSize()
	if err := s.pipe.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return audio.Slot{}, s.notRunning("set deadline", err)
	}

	for s.pending < len(s.buf) {
		n, err := s.pipe.Read(s.buf[s.pending:])
		s.pending += n
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if s.pending < frameSize {
				return audio.Slot{}, audio.ErrWouldBlock
			}
			break
		}
		return audio.Slot{}, s.notRunning("read", err)
	}

	frames := s.pending / frameSize
	return audio.Slot{Data: s.buf, Frames: frames}, nil
}

func (s *stream) Release(slot audio.Slot, chunk audio.Chunk) error {
	if s.dir == audio.Capture {
		// keep a trailing partial frame for the next read
		used := slot.Frames * s.cfg.FrameSize()
		rest := copy(s.buf, s.buf[used:s.pending])
		s.pending = rest
		return nil
	}

	if chunk.Size == 0 {
		return nil
	}
	if _, err := s.pipe.Write(slot.Data[chunk.Offset : chunk.Offset+chunk.Size]); err != nil {
		return s.notRunning("write", err)
	}
	return nil
}

// Drain closes pw-cat's stdin and waits for it to play what it holds
func (s *stream) Drain() error {
	if s.dir != audio.Playback || s.cmd == nil || s.closed {
		return nil
	}
	s.pipe.Close()

	select {
	case err := <-s.exited:
		s.cmd = nil
		if err != nil {
			return s.notRunning("drain", err)
		}
		return nil
	case <-time.After(s.cfg.FramesDuration(s.cfg.PeriodFrames*s.cfg.Periods) + stopTimeout):
		slog.Warn("pw-cat did not finish draining, stopping it", "node", s.id)
		return nil
	}
}

// Close interrupts pw-cat and waits for it, killing it after a timeout
func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.pipe != nil {
		s.pipe.Close()
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt to pw-cat", "error", err)
		s.cmd.Process.Kill()
	}

	select {
	case err := <-s.exited:
		if err != nil && !signalled(err) {
			return s.notRunning("close", err)
		}
	case <-time.After(stopTimeout):
		slog.Warn("pw-cat did not exit within timeout, force killing")
		s.cmd.Process.Kill()
		<-s.exited
	}
	s.cmd = nil
	return nil
}

// signalled reports an exit caused by our own interrupt
func signalled(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}
