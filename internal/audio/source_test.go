package audio

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampSource is a mono s16le source whose sample values are 0..n-1
type rampSource struct {
	n       int
	pos     int
	rewinds int
}

func (r *rampSource) ReadFrames(buf []byte, frames int) (int, error) {
	got := 0
	for got < frames && r.pos < r.n {
		FormatS16LE.Encode(buf[got*2:], r.pos)
		r.pos++
		got++
	}
	if got < frames {
		return got, io.EOF
	}
	return got, nil
}

func (r *rampSource) Rewind() error {
	r.pos = 0
	r.rewinds++
	return nil
}

func samples(buf []byte, frames int) []int {
	out := make([]int, frames)
	for i := range out {
		out[i] = FormatS16LE.Decode(buf[i*2:])
	}
	return out
}

func TestFill_WrapIsSeamless(t *testing.T) {
	src := &rampSource{n: 10}
	fill := Fill(src, PolicyWrap, 2)

	var got []int
	buf := make([]byte, 4*2)
	for i := 0; i < 5; i++ {
		n, err := fill(buf, 4)
		require.NoError(t, err)
		require.Equal(t, 4, n)
		got = append(got, samples(buf, n)...)
	}

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, want, got)
	assert.Equal(t, 1, src.rewinds)
}

func TestFill_WrapSourceShorterThanPeriod(t *testing.T) {
	src := &rampSource{n: 3}
	fill := Fill(src, PolicyWrap, 2)
	buf := make([]byte, 8*2)

	n, err := fill(buf, 8)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0, 1}, samples(buf, n))

	n, err = fill(buf, 8)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1, 2, 0, 1, 2, 0}, samples(buf, n))
}

func TestFill_StopReturnsPartialPeriod(t *testing.T) {
	src := &rampSource{n: 10}
	fill := Fill(src, PolicyStop, 2)
	buf := make([]byte, 4*2)

	for i := 0; i < 2; i++ {
		n, err := fill(buf, 4)
		require.NoError(t, err)
		require.Equal(t, 4, n)
	}

	n, err := fill(buf, 4)
	require.ErrorIs(t, err, ErrEndOfStream)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{8, 9}, samples(buf, n))
	assert.Zero(t, src.rewinds)
}

func TestFill_EmptySourceFails(t *testing.T) {
	fill := Fill(&rampSource{}, PolicyWrap, 2)
	_, err := fill(make([]byte, 8), 4)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEndOfStream)
}

func TestParseEndOfSource(t *testing.T) {
	p, err := ParseEndOfSource("")
	require.NoError(t, err)
	assert.Equal(t, PolicyWrap, p)

	p, err = ParseEndOfSource(" STOP ")
	require.NoError(t, err)
	assert.Equal(t, PolicyStop, p)

	_, err = ParseEndOfSource("pingpong")
	require.Error(t, err)
}

func TestToneSource_FillsEveryChannel(t *testing.T) {
	cfg := StreamConfig{Format: FormatS16LE, Channels: 2, SampleRate: 48000, PeriodFrames: 64, Periods: 2}
	tone := NewToneSource(1000, 0.5, cfg)
	buf := make([]byte, cfg.PeriodBytes())

	n, err := tone.ReadFrames(buf, 64)
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	peak := 0
	for i := 0; i < 64; i++ {
		l := FormatS16LE.Decode(buf[i*4:])
		r := FormatS16LE.Decode(buf[i*4+2:])
		assert.Equal(t, l, r)
		if l > peak {
			peak = l
		}
	}
	assert.Greater(t, peak, 0)
	assert.LessOrEqual(t, peak, FormatS16LE.MaxAmplitude()/2+1)
}

func TestWAVSink_RoundTrip(t *testing.T) {
	cfg := StreamConfig{Format: FormatS16LE, Channels: 2, SampleRate: 48000, PeriodFrames: 100, Periods: 2}
	path := filepath.Join(t.TempDir(), "out.wav")

	sink, err := CreateWAVSink(path, cfg)
	require.NoError(t, err)

	period := make([]byte, cfg.PeriodBytes())
	for i := 0; i < cfg.PeriodFrames*cfg.Channels; i++ {
		FormatS16LE.Encode(period[i*2:], i-100)
	}
	for i := 0; i < 3; i++ {
		n, err := sink.Consume(period, cfg.PeriodFrames)
		require.NoError(t, err)
		require.Equal(t, cfg.PeriodFrames, n)
	}
	assert.Equal(t, int64(300), sink.Frames())
	require.NoError(t, sink.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 44+300*4, len(raw))
	assert.Equal(t, "RIFF", string(raw[0:4]))
	assert.Equal(t, uint32(len(raw)-8), binary.LittleEndian.Uint32(raw[4:8]))
	assert.Equal(t, "WAVE", string(raw[8:12]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(raw[20:22]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(raw[22:24]))
	assert.Equal(t, uint32(48000), binary.LittleEndian.Uint32(raw[24:28]))
	assert.Equal(t, uint32(48000*4), binary.LittleEndian.Uint32(raw[28:32]))
	assert.Equal(t, uint16(4), binary.LittleEndian.Uint16(raw[32:34]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(raw[34:36]))
	assert.Equal(t, uint32(len(raw)-44), binary.LittleEndian.Uint32(raw[40:44]))
	assert.Equal(t, period, raw[44:44+len(period)])

	src, err := OpenWAVSource(path)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, 2, src.Channels())
	assert.Equal(t, 48000, src.SampleRate())
	assert.Equal(t, FormatS16LE, src.NativeFormat())

	back := make([]byte, cfg.PeriodBytes())
	n, err := src.ReadFrames(back, cfg.PeriodFrames)
	require.NoError(t, err)
	assert.Equal(t, cfg.PeriodFrames, n)
	assert.Equal(t, period, back)
}

func TestWAVSink_EmptyCaptureHasValidHeader(t *testing.T) {
	cfg := StreamConfig{Format: FormatS24LE, Channels: 1, SampleRate: 44100, PeriodFrames: 64, Periods: 2}
	path := filepath.Join(t.TempDir(), "empty.wav")

	sink, err := CreateWAVSink(path, cfg)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, 44)
	assert.Zero(t, binary.LittleEndian.Uint32(raw[40:44]))
}

func TestWAVSink_RejectsEightBit(t *testing.T) {
	cfg := StreamConfig{Format: FormatU8, Channels: 1, SampleRate: 8000, PeriodFrames: 64, Periods: 2}
	_, err := CreateWAVSink(filepath.Join(t.TempDir(), "u8.wav"), cfg)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestWAVSource_ConvertsToStreamFormat(t *testing.T) {
	cfg := StreamConfig{Format: FormatS16LE, Channels: 1, SampleRate: 8000, PeriodFrames: 4, Periods: 1}
	path := filepath.Join(t.TempDir(), "in.wav")

	sink, err := CreateWAVSink(path, cfg)
	require.NoError(t, err)
	in := make([]byte, 8)
	for i, v := range []int{-32768, -1, 1, 32767} {
		FormatS16LE.Encode(in[i*2:], v)
	}
	_, err = sink.Consume(in, 4)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	src, err := OpenWAVSource(path)
	require.NoError(t, err)
	defer src.Close()
	src.SetOutputFormat(FormatS32BE)

	out := make([]byte, 4*4)
	n, err := src.ReadFrames(out, 4)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	assert.Equal(t, -32768<<16, FormatS32BE.Decode(out[0:]))
	assert.Equal(t, 32767<<16, FormatS32BE.Decode(out[12:]))

	n, err = src.ReadFrames(out, 4)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)

	require.NoError(t, src.Rewind())
	n, err = src.ReadFrames(out, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
