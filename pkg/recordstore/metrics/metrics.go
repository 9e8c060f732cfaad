// Package metrics exposes the ambient Prometheus instrumentation for the
// transaction processor: commit/rollback/retry/abort/recovery counts and
// attempt-latency histograms, one set of series per collection.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the set of collectors the transaction processor updates. A
// nil *Recorder is valid and makes every method a no-op, so wiring metrics
// into pkg/recordstore is opt-in.
type Recorder struct {
	commits     *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
	retries     *prometheus.CounterVec
	aborts      *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
	recoveries  *prometheus.CounterVec
	attemptTime *prometheus.HistogramVec
}

// New registers the recordstore collectors against reg and returns a
// Recorder bound to them. Pass prometheus.DefaultRegisterer to use the
// global registry.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recordstore",
			Name:      "txn_commits_total",
			Help:      "Transactions committed, by collection and operation type.",
		}, []string{"collection", "op"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recordstore",
			Name:      "txn_rollbacks_total",
			Help:      "Transactions rolled back, by collection and operation type.",
		}, []string{"collection", "op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recordstore",
			Name:      "txn_retries_total",
			Help:      "Outer-loop retries triggered by an internal abort, by collection.",
		}, []string{"collection"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recordstore",
			Name:      "txn_aborts_total",
			Help:      "Internal aborts raised, by collection and reason.",
		}, []string{"collection", "reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recordstore",
			Name:      "duplicate_resolutions_total",
			Help:      "Duplicate-key conflicts resolved to an owning record, by collection and field.",
		}, []string{"collection", "field"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recordstore",
			Name:      "txn_recoveries_total",
			Help:      "Abandoned transactions found and driven to a terminal state, by a recovery sweep or a live operation, by collection and outcome.",
		}, []string{"collection", "outcome"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "recordstore",
			Name:      "txn_attempt_duration_seconds",
			Help:      "Wall time of a single transaction attempt, by collection and operation type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection", "op"}),
	}
	reg.MustRegister(r.commits, r.rollbacks, r.retries, r.aborts, r.duplicates, r.recoveries, r.attemptTime)
	return r
}

func (r *Recorder) Commit(collection, op string) {
	if r == nil {
		return
	}
	r.commits.WithLabelValues(collection, op).Inc()
}

func (r *Recorder) Rollback(collection, op string) {
	if r == nil {
		return
	}
	r.rollbacks.WithLabelValues(collection, op).Inc()
}

func (r *Recorder) Retry(collection string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(collection).Inc()
}

func (r *Recorder) Abort(collection, reason string) {
	if r == nil {
		return
	}
	r.aborts.WithLabelValues(collection, reason).Inc()
}

func (r *Recorder) DuplicateResolved(collection, field string) {
	if r == nil {
		return
	}
	r.duplicates.WithLabelValues(collection, field).Inc()
}

func (r *Recorder) Recovered(collection, outcome string) {
	if r == nil {
		return
	}
	r.recoveries.WithLabelValues(collection, outcome).Inc()
}

// ObserveAttempt returns a func that records one attempt's wall time, in
// seconds, against the collection/op histogram series.
func (r *Recorder) ObserveAttempt(collection, op string) func(seconds float64) {
	if r == nil {
		return func(float64) {}
	}
	return func(seconds float64) {
		r.attemptTime.WithLabelValues(collection, op).Observe(seconds)
	}
}
