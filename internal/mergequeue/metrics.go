package mergequeue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/logfields"
)

const metricNamespace = "mergequeue"

const (
	queuesMetricName              = "queues_count"
	queuedPRsMetricName           = "queued_prs_count"
	unhealthyQueuesMetricName     = "unhealthy_queues_count"
	githubEventsMetricName        = "processed_github_events_total"
	integrationsMetricName        = "integrations_started_total"
	integrationFailuresMetricName = "integration_failures_total"
	lifecycleEventsMetricName     = "lifecycle_events_total"
)

const (
	baseBranchLabel    = "base_branch"
	eventTypeLabel     = "event_type"
	failureReasonLabel = "failure_reason"
	lifecycleTypeLabel = "type"
)

type metricCollector struct {
	logger              *zap.Logger
	queues              prometheus.Gauge
	queuedPRs           *prometheus.GaugeVec
	unhealthyQueues     prometheus.Gauge
	processedEvents     *prometheus.CounterVec
	integrations        *prometheus.CounterVec
	integrationFailures *prometheus.CounterVec
	lifecycleEvents     *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		queues: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      queuesMetricName,
				Help:      "count of existing merge queues",
			},
		),
		queuedPRs: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      queuedPRsMetricName,
				Help:      "count of pull requests waiting in a merge queue",
			},
			[]string{baseBranchLabel},
		),
		unhealthyQueues: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      unhealthyQueuesMetricName,
				Help:      "count of merge queues that are potentially deadlocked",
			},
		),
		processedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      githubEventsMetricName,
				Help:      "count of processed github webhook events",
			},
			[]string{eventTypeLabel},
		),
		integrations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      integrationsMetricName,
				Help:      "count of started pull request integrations",
			},
			[]string{baseBranchLabel},
		),
		integrationFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      integrationFailuresMetricName,
				Help:      "count of failed pull request integrations",
			},
			[]string{baseBranchLabel, failureReasonLabel},
		),
		lifecycleEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      lifecycleEventsMetricName,
				Help:      "count of merge queue lifecycle events",
			},
			[]string{lifecycleTypeLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) ProcessedEventsInc(eventType string) {
	cnt, err := m.processedEvents.GetMetricWith(prometheus.Labels{eventTypeLabel: eventType})
	if err != nil {
		m.logGetMetricFailed(githubEventsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) IntegrationsInc(baseBranch string) {
	cnt, err := m.integrations.GetMetricWith(prometheus.Labels{baseBranchLabel: baseBranch})
	if err != nil {
		m.logGetMetricFailed(integrationsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) IntegrationFailuresInc(baseBranch string, reason FailureReason) {
	cnt, err := m.integrationFailures.GetMetricWith(prometheus.Labels{
		baseBranchLabel:    baseBranch,
		failureReasonLabel: reason.String(),
	})
	if err != nil {
		m.logGetMetricFailed(integrationFailuresMetricName, err)
		return
	}

	cnt.Inc()
}

// RecordLifecycleEvent updates the queue gauges from a lifecycle event.
func (m *metricCollector) RecordLifecycleEvent(ev *LifecycleEvent) {
	cnt, err := m.lifecycleEvents.GetMetricWith(prometheus.Labels{lifecycleTypeLabel: ev.Type.String()})
	if err != nil {
		m.logGetMetricFailed(lifecycleEventsMetricName, err)
	} else {
		cnt.Inc()
	}

	switch ev.Type {
	case LifecycleCreated:
		m.queues.Inc()
		m.setQueuedPRs(ev.Branch, 0)

	case LifecycleStateChanged:
		m.setQueuedPRs(ev.Branch, len(ev.State.Queue))

	case LifecycleDestroyed:
		m.queues.Dec()
		m.queuedPRs.Delete(prometheus.Labels{baseBranchLabel: ev.Branch})
	}
}

func (m *metricCollector) setQueuedPRs(baseBranch string, cnt int) {
	gauge, err := m.queuedPRs.GetMetricWith(prometheus.Labels{baseBranchLabel: baseBranch})
	if err != nil {
		m.logGetMetricFailed(queuedPRsMetricName, err)
		return
	}

	gauge.Set(float64(cnt))
}

func (m *metricCollector) SetUnhealthyQueues(cnt int) {
	m.unhealthyQueues.Set(float64(cnt))
}
