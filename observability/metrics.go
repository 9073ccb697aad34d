package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/songzhibin97/approval-engine/types"
)

var commitDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metrics holds the Prometheus instruments of the engine.
type Metrics struct {
	InstanceStartsTotal  *prometheus.CounterVec
	ActionsTotal         *prometheus.CounterVec
	ConflictsTotal       *prometheus.CounterVec
	TerminalTotal        *prometheus.CounterVec
	CommitDuration       *prometheus.HistogramVec
	DefinitionsPublished *prometheus.CounterVec
	EventPublishFailures *prometheus.CounterVec
}

// InitMetrics creates and registers all metric instruments with reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstanceStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_instance_starts_total",
			Help: "Total number of started approval instances.",
		}, []string{"definition_id"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_actions_total",
			Help: "Total number of approval actions by outcome.",
		}, []string{"definition_id", "action", "result"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_conflicts_total",
			Help: "Total number of actions that lost an optimistic concurrency race.",
		}, []string{"definition_id"}),
		TerminalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_instances_terminal_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"definition_id", "status"}),
		CommitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approval_commit_duration_seconds",
			Help:    "Duration of the instance compare-and-swap commit.",
			Buckets: commitDurationBuckets,
		}, []string{"definition_id"}),
		DefinitionsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_definitions_published_total",
			Help: "Total number of published definition versions.",
		}, []string{"definition_id"}),
		EventPublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_event_publish_failures_total",
			Help: "Total number of notifications that could not be queued.",
		}, []string{"event_type"}),
	}

	reg.MustRegister(
		m.InstanceStartsTotal,
		m.ActionsTotal,
		m.ConflictsTotal,
		m.TerminalTotal,
		m.CommitDuration,
		m.DefinitionsPublished,
		m.EventPublishFailures,
	)
	return m
}

// RecordAction counts an action. err is the error returned to the caller;
// its kind becomes the result label.
func (m *Metrics) RecordAction(definitionID string, action types.Action, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(types.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.ActionsTotal.WithLabelValues(definitionID, string(action), result).Inc()
	if types.KindOf(err) == types.KindConcurrentModification {
		m.ConflictsTotal.WithLabelValues(definitionID).Inc()
	}
}

// RecordStart counts a started instance.
func (m *Metrics) RecordStart(definitionID string) {
	if m == nil {
		return
	}
	m.InstanceStartsTotal.WithLabelValues(definitionID).Inc()
}

// RecordTerminal counts an instance that reached status.
func (m *Metrics) RecordTerminal(definitionID string, status types.Status) {
	if m == nil {
		return
	}
	m.TerminalTotal.WithLabelValues(definitionID, string(status)).Inc()
}

// ObserveCommit records how long a commit took.
func (m *Metrics) ObserveCommit(definitionID string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommitDuration.WithLabelValues(definitionID).Observe(d.Seconds())
}

// RecordPublish counts a published definition version.
func (m *Metrics) RecordPublish(definitionID string) {
	if m == nil {
		return
	}
	m.DefinitionsPublished.WithLabelValues(definitionID).Inc()
}

// RecordEventFailure counts a notification that was dropped.
func (m *Metrics) RecordEventFailure(eventType string) {
	if m == nil {
		return
	}
	m.EventPublishFailures.WithLabelValues(eventType).Inc()
}
