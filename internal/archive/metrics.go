package archive

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	decisions       *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	submittedBytes  prometheus.Counter
	verifications   *prometheus.CounterVec
	catalogPopulate prometheus.Histogram
	runs            *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgsync_files_classified_total",
			Help: "Candidate files classified by the reconciler",
		}, []string{"decision"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgsync_submissions_total",
			Help: "Submission attempts by result",
		}, []string{"result"}),
		submittedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgsync_submitted_bytes_total",
			Help: "Bytes of new and updated files handed to the uploader",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgsync_verifications_total",
			Help: "Verification outcomes by state",
		}, []string{"state"}),
		catalogPopulate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pkgsync_catalog_populate_seconds",
			Help:    "Time to populate the catalog cache for one group",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgsync_runs_total",
			Help: "Archive and verify runs by job and result",
		}, []string{"job", "result"}),
	}

	reg.MustRegister(m.decisions, m.submissions, m.submittedBytes, m.verifications, m.catalogPopulate, m.runs)

	return m
}

func (m *Metrics) countDecision(kind DecisionKind) {
	if m == nil {
		return
	}

	m.decisions.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) countSubmission(s *UploadSession) {
	if m == nil {
		return
	}

	result := "ok"
	if !s.Succeeded() {
		result = "error"
	}

	m.submissions.WithLabelValues(result).Inc()
	m.submittedBytes.Add(float64(s.Bytes))
}

func (m *Metrics) countVerification(state VerifyState) {
	if m == nil {
		return
	}

	m.verifications.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) observeCatalogPopulate(d time.Duration) {
	if m == nil {
		return
	}

	m.catalogPopulate.Observe(d.Seconds())
}

// CountRun records the outcome of one scheduled or manual job.
func (m *Metrics) CountRun(job string, err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	m.runs.WithLabelValues(job, result).Inc()
}
