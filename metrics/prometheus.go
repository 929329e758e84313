// Package metrics exports coordinator events as Prometheus metrics.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/feefomit/chizhick"
	"github.com/feefomit/chizhick/readiness"
	"github.com/feefomit/chizhick/session"
)

const namespace = "chizhick"

var phases = []readiness.Phase{readiness.NotStarted, readiness.Preparing, readiness.Ready, readiness.Failed}

// SessionSource reports the upstream session. *chizhick.Coordinator
// implements it.
type SessionSource interface {
	Session() (session.Liveness, uint64)
}

// Prometheus implements chizhick.Hooks.
type Prometheus struct {
	reg prometheus.Registerer

	fetches    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	degraded   *prometheus.CounterVec
	restarts   prometheus.Counter
	generation prometheus.Collector
	phase      *prometheus.GaugeVec
	gateInUse  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		reg: reg,

		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Fetch calls by resource and outcome.",
		}, []string{"resource", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Fetch latency by outcome.",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 15, 30, 60, 180},
		}, []string{"outcome"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_degraded_total",
			Help:      "Shared cache calls that failed, by operation.",
		}, []string{"op"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_restarts_total",
			Help:      "Upstream sessions replaced after a crash.",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "warmup_phase",
			Help:      "1 for the current warmup phase, 0 for the others.",
		}, []string{"phase"}),
		gateInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_permits_in_use",
			Help:      "Upstream call permits currently held.",
		}),
	}
	for _, c := range []prometheus.Collector{p.fetches, p.duration, p.degraded, p.restarts, p.phase, p.gateInUse} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	p.WarmupPhase(readiness.NotStarted)
	return p, nil
}

// TrackSession exports the generation of src's live session, read at
// scrape time. It is separate from New because the coordinator takes the
// hooks as an option.
func (p *Prometheus) TrackSession(src SessionSource) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_generation",
		Help:      "Generation of the current upstream session, 0 before the first one.",
	}, func() float64 {
		_, gen := src.Session()
		return float64(gen)
	})
	if err := p.reg.Register(g); err != nil {
		return err
	}
	p.generation = g
	return nil
}

// FetchDone counts the call by resource and outcome and records its latency.
func (p *Prometheus) FetchDone(key string, outcome chizhick.Outcome, dur time.Duration) {
	o := outcome.String()
	p.fetches.WithLabelValues(resource(key), o).Inc()
	p.duration.WithLabelValues(o).Observe(dur.Seconds())
}

// CacheDegraded counts failed shared cache calls by operation.
func (p *Prometheus) CacheDegraded(op string, _ error) {
	p.degraded.WithLabelValues(op).Inc()
}

// UpstreamRestarted counts session restarts.
func (p *Prometheus) UpstreamRestarted(uint64) {
	p.restarts.Inc()
}

// WarmupPhase sets the gauge of phase to 1 and the others to 0.
func (p *Prometheus) WarmupPhase(phase readiness.Phase) {
	for _, ph := range phases {
		v := 0.0
		if ph == phase {
			v = 1
		}
		p.phase.WithLabelValues(ph.String()).Set(v)
	}
}

// GateInUse records the number of held upstream permits.
func (p *Prometheus) GateInUse(n int) {
	p.gateInUse.Set(float64(n))
}

// resource is the key namespace, e.g. "tree" for "tree:77".
func resource(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}

var _ chizhick.Hooks = (*Prometheus)(nil)
