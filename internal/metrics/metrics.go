// Package metrics exports stream session activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/audiolibrelab/pcmstream/internal/audio"
)

const namespace = "pcmstream"

var states = []audio.State{
	audio.StateCreated,
	audio.StatePrepared,
	audio.StateRunning,
	audio.StateDraining,
	audio.StateClosed,
}

// Collector implements audio.Observer on top of its own registry
type Collector struct {
	registry *prometheus.Registry

	periods      *prometheus.CounterVec
	frames       *prometheus.CounterVec
	transients   *prometheus.CounterVec
	periodTiming *prometheus.HistogramVec
	state        *prometheus.GaugeVec
}

// New registers the session metrics plus Go runtime collectors
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		periods: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "periods_total",
			Help:      "Periods exchanged with the backend",
		}, []string{"direction"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames produced or consumed",
		}, []string{"direction"}),
		transients: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transient_errors_total",
			Help:      "Retried transient backend failures",
		}, []string{"direction", "op"}),
		periodTiming: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "period_seconds",
			Help:      "Time spent acquiring, processing and releasing one period",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"direction"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the session's current lifecycle state",
		}, []string{"direction", "state"}),
	}
}

// Registry returns the registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) StateChanged(dir audio.Direction, from, to audio.State) {
	for _, s := range states {
		v := 0.0
		if s == to {
			v = 1
		}
		c.state.WithLabelValues(dir.String(), string(s)).Set(v)
	}
}

func (c *Collector) PeriodExchanged(dir audio.Direction, frames int, elapsed time.Duration) {
	d := dir.String()
	c.periods.WithLabelValues(d).Inc()
	c.frames.WithLabelValues(d).Add(float64(frames))
	c.periodTiming.WithLabelValues(d).Observe(elapsed.Seconds())
}

func (c *Collector) TransientError(dir audio.Direction, op string) {
	c.transients.WithLabelValues(dir.String(), op).Inc()
}
