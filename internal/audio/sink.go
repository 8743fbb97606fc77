package audio

import (
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSink writes captured periods to a PCM WAV file. The RIFF and data
// chunk sizes are back-patched by the encoder on Close.
type WAVSink struct {
	file     *os.File
	enc      *wav.Encoder
	format   SampleFormat
	channels int
	pcm      *goaudio.IntBuffer
	frames   int64
}

// CreateWAVSink creates path for a stream described by cfg
func CreateWAVSink(path string, cfg StreamConfig) (*WAVSink, error) {
	if cfg.Format.BitDepth < 16 {
		return nil, fmt.Errorf("%w: WAV capture needs 16, 24 or 32 bit samples, got %s", ErrUnsupportedFormat, cfg.Format)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}

	return &WAVSink{
		file:     f,
		enc:      wav.NewEncoder(f, cfg.SampleRate, cfg.Format.BitDepth, cfg.Channels, 1),
		format:   cfg.Format,
		channels: cfg.Channels,
		pcm: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: cfg.Channels, SampleRate: cfg.SampleRate},
			SourceBitDepth: cfg.Format.BitDepth,
		},
	}, nil
}

// Consume is a capture PeriodFunc that appends every frame to the file
func (w *WAVSink) Consume(buf []byte, frames int) (int, error) {
	samples := frames * w.channels
	if cap(w.pcm.Data) < samples {
		w.pcm.Data = make([]int, samples)
	}
	w.pcm.Data = w.pcm.Data[:samples]

	bps := w.format.BytesPerSample()
	for i := range w.pcm.Data {
		w.pcm.Data[i] = w.format.Decode(buf[i*bps:])
	}

	if err := w.enc.Write(w.pcm); err != nil {
		return 0, fmt.Errorf("write %s: %w", w.file.Name(), err)
	}
	w.frames += int64(frames)
	return frames, nil
}

// Frames returns how many frames were written so far
func (w *WAVSink) Frames() int64 {
	return w.frames
}

// Path returns the output file name
func (w *WAVSink) Path() string {
	return w.file.Name()
}

// Close finalises the header and closes the file
func (w *WAVSink) Close() error {
	if w.frames == 0 {
		// the encoder only emits its header on the first write
		w.pcm.Data = w.pcm.Data[:0]
		if err := w.enc.Write(w.pcm); err != nil {
			w.file.Close()
			return fmt.Errorf("write header %s: %w", w.file.Name(), err)
		}
	}
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("finalise %s: %w", w.file.Name(), err)
	}
	return w.file.Close()
}
