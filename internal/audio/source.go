package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Source produces interleaved frames for playback. ReadFrames returns
// fewer frames than asked only when the source is exhausted, together
// with io.EOF.
type Source interface {
	ReadFrames(buf []byte, frames int) (int, error)
	Rewind() error
}

// EndOfSource selects what playback does when a finite source runs out
type EndOfSource string

const (
	// PolicyWrap seeks back to the start and keeps filling the period
	PolicyWrap EndOfSource = "wrap"
	// PolicyStop ends the stream after the last frames
	PolicyStop EndOfSource = "stop"
)

// ParseEndOfSource validates a policy name, defaulting to wrap
func ParseEndOfSource(s string) (EndOfSource, error) {
	switch EndOfSource(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyWrap:
		return PolicyWrap, nil
	case PolicyStop:
		return PolicyStop, nil
	}
	return "", fmt.Errorf("unknown end of source policy %q (valid: wrap, stop)", s)
}

var errEmptySource = errors.New("source has no frames")

// Fill turns src into a playback PeriodFunc. Under PolicyWrap an
// exhausted source is rewound and the same period keeps filling from its
// start; under PolicyStop the partial period is returned with ErrEndOfStream.
func Fill(src Source, policy EndOfSource, frameSize int) PeriodFunc {
	return func(buf []byte, frames int) (int, error) {
		filled := 0
		rewound := false
		for filled < frames {
			n, err := src.ReadFrames(buf[filled*frameSize:frames*frameSize], frames-filled)
			filled += n
			if n > 0 {
				rewound = false
			}

			switch {
			case err == nil:
				if n == 0 {
					return filled, errEmptySource
				}
			case errors.Is(err, io.EOF):
				if policy == PolicyStop {
					return filled, ErrEndOfStream
				}
				if rewound {
					return filled, errEmptySource
				}
				if err := src.Rewind(); err != nil {
					return filled, fmt.Errorf("rewind source: %w", err)
				}
				rewound = true
			default:
				return filled, err
			}
		}
		return filled, nil
	}
}

// WAVSource reads PCM frames from a WAV file and re-encodes them in the
// stream's sample format
type WAVSource struct {
	file     *os.File
	dec      *wav.Decoder
	out      SampleFormat
	channels int
	rate     int
	depth    int
	pcm      *goaudio.IntBuffer
}

// OpenWAVSource opens path and reads its format header
func OpenWAVSource(path string) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s is not a valid WAV file", path)
	}
	if dec.WavAudioFormat != 1 {
		f.Close()
		return nil, fmt.Errorf("%s: only PCM WAV is supported, format tag %d", path, dec.WavAudioFormat)
	}

	s := &WAVSource{
		file:     f,
		dec:      dec,
		channels: int(dec.NumChans),
		rate:     int(dec.SampleRate),
		depth:    int(dec.BitDepth),
	}
	s.out = s.NativeFormat()
	s.pcm = &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: s.channels, SampleRate: s.rate},
		SourceBitDepth: s.depth,
	}
	return s, nil
}

// Channels returns the channel count declared in the file
func (s *WAVSource) Channels() int { return s.channels }

// SampleRate returns the sample rate declared in the file
func (s *WAVSource) SampleRate() int { return s.rate }

// NativeFormat is the stream format matching the file's bit depth
func (s *WAVSource) NativeFormat() SampleFormat {
	switch s.depth {
	case 8:
		return FormatU8
	case 24:
		return FormatS24LE
	case 32:
		return FormatS32LE
	default:
		return FormatS16LE
	}
}

// SetOutputFormat selects the layout ReadFrames writes
func (s *WAVSource) SetOutputFormat(f SampleFormat) {
	s.out = f
}

func (s *WAVSource) ReadFrames(buf []byte, frames int) (int, error) {
	need := frames * s.channels
	if cap(s.pcm.Data) < need {
		s.pcm.Data = make([]int, need)
	}
	s.pcm.Data = s.pcm.Data[:need]

	n, err := s.dec.PCMBuffer(s.pcm)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("decode %s: %w", s.file.Name(), err)
	}

	got := n / s.channels
	bps := s.out.BytesPerSample()
	for i := 0; i < got*s.channels; i++ {
		v := s.pcm.Data[i]
		if s.depth == 8 {
			v -= 128
		}
		s.out.Encode(buf[i*bps:], rescale(v, s.depth, s.out.BitDepth))
	}

	if got < frames {
		return got, io.EOF
	}
	return got, nil
}

func (s *WAVSource) Rewind() error {
	return s.dec.Rewind()
}

func (s *WAVSource) Close() error {
	return s.file.Close()
}

// rescale moves a sample between bit depths by shifting
func rescale(v, from, to int) int {
	switch {
	case from == to:
		return v
	case from < to:
		return v << (to - from)
	default:
		return v >> (from - to)
	}
}

// ToneSource is an endless sine oscillator
type ToneSource struct {
	format    SampleFormat
	channels  int
	amplitude float64
	angle     float64
	offset    float64
}

// NewToneSource builds an oscillator at freq Hz with amplitude in 0..1
func NewToneSource(freq, amplitude float64, cfg StreamConfig) *ToneSource {
	return &ToneSource{
		format:    cfg.Format,
		channels:  cfg.Channels,
		amplitude: amplitude * float64(cfg.Format.MaxAmplitude()),
		offset:    2 * math.Pi * freq / float64(cfg.SampleRate),
	}
}

func (t *ToneSource) ReadFrames(buf []byte, frames int) (int, error) {
	bps := t.format.BytesPerSample()
	for i := 0; i < frames; i++ {
		v := int(t.amplitude * math.Sin(t.angle))
		t.angle += t.offset
		if t.angle > 2*math.Pi {
			t.angle -= 2 * math.Pi
		}
		for c := 0; c < t.channels; c++ {
			t.format.Encode(buf[(i*t.channels+c)*bps:], v)
		}
	}
	return frames, nil
}

func (t *ToneSource) Rewind() error {
	t.angle = 0
	return nil
}
