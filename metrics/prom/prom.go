package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/unkn0wn-root/modsync"
)

// Adapter implements modsync.Hooks and exports Prometheus counters.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits       prometheus.Counter
	matches    prometheus.Counter
	fallbacks  *prometheus.CounterVec
	degraded   *prometheus.CounterVec
	retries    prometheus.Counter
	failures   prometheus.Counter
	pruned     prometheus.Counter
	prunedB    prometheus.Counter
	bulkRuns   *prometheus.CounterVec
	bulkFailed prometheus.Gauge
	bulkDur    prometheus.Histogram
}

// New constructs a Prometheus hooks adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:     counter("cache_hits_total", "Entries served from cache by age"),
		matches:  counter("revision_matches_total", "Stale entries confirmed by a matching remote revision"),
		retries:  counter("job_retries_total", "Background jobs requeued after a failure"),
		failures: counter("job_failures_total", "Background jobs that exceeded the retry ceiling"),
		pruned:   counter("pruned_entries_total", "Entries evicted by the pruner"),
		prunedB:  counter("pruned_bytes_total", "Bytes freed by the pruner"),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "incremental_fallbacks_total",
				Help:        "Incremental fetches abandoned for a full fetch, by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		degraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "storage_degraded_total",
				Help:        "Cache storage failures absorbed by the engine, by operation",
				ConstLabels: constLabels,
			},
			[]string{"op"},
		),
		bulkRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "bulk_runs_total",
				Help:        "Finished bulk sync runs, by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		bulkFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "bulk_last_failed_targets",
			Help:        "Failed targets in the most recent bulk run",
			ConstLabels: constLabels,
		}),
		bulkDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "bulk_run_duration_seconds",
			Help:        "Wall time of bulk sync runs",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.matches, a.fallbacks, a.degraded, a.retries, a.failures,
		a.pruned, a.prunedB, a.bulkRuns, a.bulkFailed, a.bulkDur)
	return a
}

func (a *Adapter) CacheHit(string)      { a.hits.Inc() }
func (a *Adapter) RevisionMatch(string) { a.matches.Inc() }

func (a *Adapter) IncrementalFallback(_ string, reason string) {
	a.fallbacks.WithLabelValues(reason).Inc()
}

func (a *Adapter) StorageDegraded(op string, _ error) { a.degraded.WithLabelValues(op).Inc() }
func (a *Adapter) JobRetried(string, int, error)      { a.retries.Inc() }
func (a *Adapter) JobFailed(string, int, error)       { a.failures.Inc() }

func (a *Adapter) Pruned(evicted int, freed int64) {
	a.pruned.Add(float64(evicted))
	a.prunedB.Add(float64(freed))
}

func (a *Adapter) BulkRunFinished(total, failed int, elapsed time.Duration) {
	a.bulkRuns.WithLabelValues(outcome(total, failed)).Inc()
	a.bulkFailed.Set(float64(failed))
	a.bulkDur.Observe(elapsed.Seconds())
}

// outcome maps a run's counters to a stable label value.
func outcome(total, failed int) string {
	switch {
	case failed == 0:
		return "ok"
	case failed < total:
		return "partial"
	default:
		return "failed"
	}
}

// Compile-time check: ensure Adapter implements modsync.Hooks.
var _ modsync.Hooks = (*Adapter)(nil)
