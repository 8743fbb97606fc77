package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/audiolibrelab/pcmstream/internal/audio"
)

func TestCollector(t *testing.T) {
	c := New()

	c.PeriodExchanged(audio.Capture, 1024, 2*time.Millisecond)
	c.PeriodExchanged(audio.Capture, 512, 3*time.Millisecond)
	c.TransientError(audio.Capture, "acquire")

	if v := testutil.ToFloat64(c.periods.WithLabelValues("capture")); v != 2 {
		t.Errorf("periods = %v, want 2", v)
	}
	if v := testutil.ToFloat64(c.frames.WithLabelValues("capture")); v != 1536 {
		t.Errorf("frames = %v, want 1536", v)
	}
	if v := testutil.ToFloat64(c.transients.WithLabelValues("capture", "acquire")); v != 1 {
		t.Errorf("transients = %v, want 1", v)
	}
	if n := testutil.CollectAndCount(c.periodTiming); n != 1 {
		t.Errorf("period histogram series = %d, want 1", n)
	}
}

func TestCollector_StateIsOneHot(t *testing.T) {
	c := New()

	c.StateChanged(audio.Playback, audio.StateCreated, audio.StatePrepared)
	c.StateChanged(audio.Playback, audio.StatePrepared, audio.StateRunning)

	if v := testutil.ToFloat64(c.state.WithLabelValues("playback", "RUNNING")); v != 1 {
		t.Errorf("RUNNING = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.state.WithLabelValues("playback", "PREPARED")); v != 0 {
		t.Errorf("PREPARED = %v, want 0", v)
	}
}
