// Package metrics exposes sync progress as prometheus collectors.
package metrics

import (
	"github.com/aristath/billsync/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "billsync"

// Collectors holds every sync metric
type Collectors struct {
	Runs            prometheus.Counter
	RunDuration     prometheus.Histogram
	PagesFetched    *prometheus.CounterVec
	PageFailures    *prometheus.CounterVec
	RecordsFetched  *prometheus.CounterVec
	AccountFailures *prometheus.CounterVec
	Balance         *prometheus.GaugeVec
	Ambiguities     *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		Runs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Completed sync runs",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a sync run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		PagesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pages_fetched_total",
			Help:      "Bill pages fetched",
		}, []string{"platform"}),
		PageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "page_failures_total",
			Help:      "Failed bill page attempts",
		}, []string{"platform"}),
		RecordsFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_fetched_total",
			Help:      "Bill records fetched",
		}, []string{"platform"}),
		AccountFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "account_failures_total",
			Help:      "Account errors by operation",
		}, []string{"platform", "op"}),
		Balance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "balance",
			Help:      "Last reported account balance",
		}, []string{"platform", "account"}),
		Ambiguities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "ambiguous_records_total",
			Help:      "Records with at least one unparsable field",
		}, []string{"platform"}),
	}
}

// Attach feeds the collectors from bus events and returns the unsubscribe func
func (c *Collectors) Attach(bus *events.Bus) func() {
	return bus.Subscribe(c.observe)
}

func (c *Collectors) observe(e *events.Event) {
	switch d := e.Data.(type) {
	case *events.PageFetchedData:
		c.PagesFetched.WithLabelValues(d.Platform).Inc()
		c.RecordsFetched.WithLabelValues(d.Platform).Add(float64(d.Records))
	case *events.PageFailedData:
		c.PageFailures.WithLabelValues(d.Platform).Inc()
	case *events.AccountFinishedData:
		if d.Balance != nil {
			c.Balance.WithLabelValues(d.Platform, d.Account).Set(*d.Balance)
		}
		if d.Op != "" {
			c.AccountFailures.WithLabelValues(d.Platform, d.Op).Inc()
		}
	case *events.RunFinishedData:
		c.Runs.Inc()
		c.RunDuration.Observe(d.Duration)
	}
}

// RecordAmbiguities counts records with unparsable fields for platform
func (c *Collectors) RecordAmbiguities(platform string, n int) {
	if n > 0 {
		c.Ambiguities.WithLabelValues(platform).Add(float64(n))
	}
}
