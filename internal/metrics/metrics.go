package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orrn/continuousprint/internal/core"
)

// Recorder implements core.Recorder with prometheus collectors.
type Recorder struct {
	state    *prometheus.GaugeVec
	actions  *prometheus.CounterVec
	prints   *prometheus.CounterVec
	retries  prometheus.Counter
	cooldown *prometheus.HistogramVec
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cpq",
			Name:      "driver_state",
			Help:      "1 for the state the queue driver is in, 0 otherwise.",
		}, []string{"state"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpq",
			Name:      "actions_total",
			Help:      "Actions fed to the queue driver.",
		}, []string{"action", "changed"}),
		prints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpq",
			Name:      "prints_total",
			Help:      "Finished queue prints by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cpq",
			Name:      "print_retries_total",
			Help:      "Prints resumed after a detected failure.",
		}),
		cooldown: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cpq",
			Name:      "bed_cooldown_seconds",
			Help:      "Time spent waiting for the bed to cool.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(r.state, r.actions, r.prints, r.retries, r.cooldown)
	}
	for _, s := range core.AllStates() {
		r.state.WithLabelValues(s.String()).Set(0)
	}
	return r
}

func (r *Recorder) SetState(s core.State) {
	for _, st := range core.AllStates() {
		v := 0.0
		if st == s {
			v = 1
		}
		r.state.WithLabelValues(st.String()).Set(v)
	}
}

func (r *Recorder) IncAction(a core.Action, changed bool) {
	r.actions.WithLabelValues(a.String(), strconv.FormatBool(changed)).Inc()
}

func (r *Recorder) IncPrint(result string) {
	r.prints.WithLabelValues(result).Inc()
}

func (r *Recorder) IncRetry() {
	r.retries.Inc()
}

func (r *Recorder) ObserveCooldown(d time.Duration, res core.CooldownResult) {
	r.cooldown.WithLabelValues(res.String()).Observe(d.Seconds())
}
