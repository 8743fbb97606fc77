package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Direction is the data flow of a stream relative to the host
type Direction int

const (
	Capture Direction = iota
	Playback
)

func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection accepts "capture"/"record" and "playback"/"play"
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "capture", "record":
		return Capture, nil
	case "playback", "play":
		return Playback, nil
	}
	return 0, fmt.Errorf("unknown direction %q (valid: capture, playback)", s)
}

// SampleFormat describes how a single sample is laid out in memory
type SampleFormat struct {
	BitDepth  int
	Signed    bool
	BigEndian bool
}

var (
	FormatU8    = SampleFormat{BitDepth: 8}
	FormatS16LE = SampleFormat{BitDepth: 16, Signed: true}
	FormatS16BE = SampleFormat{BitDepth: 16, Signed: true, BigEndian: true}
	FormatS24LE = SampleFormat{BitDepth: 24, Signed: true}
	FormatS32LE = SampleFormat{BitDepth: 32, Signed: true}
	FormatS32BE = SampleFormat{BitDepth: 32, Signed: true, BigEndian: true}
)

var formatNames = map[string]SampleFormat{
	"u8":    FormatU8,
	"s16le": FormatS16LE,
	"s16be": FormatS16BE,
	"s24le": FormatS24LE,
	"s32le": FormatS32LE,
	"s32be": FormatS32BE,
}

// ParseSampleFormat resolves a format name such as "s16le"
func ParseSampleFormat(name string) (SampleFormat, error) {
	f, ok := formatNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return SampleFormat{}, fmt.Errorf("%w: unknown sample format %q", ErrUnsupportedFormat, name)
	}
	return f, nil
}

// BytesPerSample returns the storage size of one sample
func (f SampleFormat) BytesPerSample() int {
	return f.BitDepth / 8
}

func (f SampleFormat) String() string {
	if f.BitDepth == 8 && !f.Signed {
		return "u8"
	}
	sign := "u"
	if f.Signed {
		sign = "s"
	}
	endian := "le"
	if f.BigEndian {
		endian = "be"
	}
	return fmt.Sprintf("%s%d%s", sign, f.BitDepth, endian)
}

// Valid reports whether the format is one of the supported layouts
func (f SampleFormat) Valid() bool {
	for _, known := range formatNames {
		if known == f {
			return true
		}
	}
	return false
}

// Decode reads one sample starting at b[0]. Unsigned 8-bit samples are
// re-centred around zero so every format decodes to a signed value.
func (f SampleFormat) Decode(b []byte) int {
	switch f.BitDepth {
	case 8:
		if f.Signed {
			return int(int8(b[0]))
		}
		return int(b[0]) - 128
	case 16:
		if f.BigEndian {
			return int(int16(binary.BigEndian.Uint16(b)))
		}
		return int(int16(binary.LittleEndian.Uint16(b)))
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return int(v)
	case 32:
		if f.BigEndian {
			return int(int32(binary.BigEndian.Uint32(b)))
		}
		return int(int32(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

// Encode writes one signed sample value into b using the format's layout
func (f SampleFormat) Encode(b []byte, v int) {
	switch f.BitDepth {
	case 8:
		if f.Signed {
			b[0] = byte(int8(v))
		} else {
			b[0] = byte(v + 128)
		}
	case 16:
		if f.BigEndian {
			binary.BigEndian.PutUint16(b, uint16(int16(v)))
		} else {
			binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		}
	case 24:
		b[0] = byte(v)
		b[1] = byte(v >> 8)
		b[2] = byte(v >> 16)
	case 32:
		if f.BigEndian {
			binary.BigEndian.PutUint32(b, uint32(int32(v)))
		} else {
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		}
	}
}

// MaxAmplitude is the largest positive sample value for the bit depth
func (f SampleFormat) MaxAmplitude() int {
	return 1<<(f.BitDepth-1) - 1
}

// StreamConfig holds the parameters of a negotiated stream. A session
// never mutates it after negotiation.
type StreamConfig struct {
	Format       SampleFormat
	Channels     int
	SampleRate   int
	PeriodFrames int
	Periods      int
}

// FrameSize is the byte length of one interleaved frame
func (c StreamConfig) FrameSize() int {
	return c.Channels * c.Format.BytesPerSample()
}

// PeriodBytes is the byte length of one full period
func (c StreamConfig) PeriodBytes() int {
	return c.PeriodFrames * c.FrameSize()
}

// ByteRate is the number of bytes per second of audio
func (c StreamConfig) ByteRate() int {
	return c.SampleRate * c.FrameSize()
}

// PeriodDuration is the wall-clock length of one period
func (c StreamConfig) PeriodDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.PeriodFrames) * time.Second / time.Duration(c.SampleRate)
}

// FramesDuration converts a frame count to wall-clock time at the stream rate
func (c StreamConfig) FramesDuration(frames int) time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

func (c StreamConfig) String() string {
	return fmt.Sprintf("%s %dch %dHz period=%d periods=%d", c.Format, c.Channels, c.SampleRate, c.PeriodFrames, c.Periods)
}

// Validate checks that the config can describe a real stream
func (c StreamConfig) Validate() error {
	if !c.Format.Valid() {
		return fmt.Errorf("%w: sample format %s", ErrUnsupportedFormat, c.Format)
	}
	if c.Channels < 1 {
		return fmt.Errorf("%w: channels must be >= 1, got %d", ErrUnsupportedFormat, c.Channels)
	}
	if c.SampleRate < 1 {
		return fmt.Errorf("%w: sample rate must be > 0, got %d", ErrUnsupportedFormat, c.SampleRate)
	}
	if c.PeriodFrames < 1 {
		return fmt.Errorf("%w: period frames must be > 0, got %d", ErrUnsupportedFormat, c.PeriodFrames)
	}
	if c.Periods < 1 {
		return fmt.Errorf("%w: periods must be > 0, got %d", ErrUnsupportedFormat, c.Periods)
	}
	return nil
}
