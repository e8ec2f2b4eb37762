package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

const namespace = "cichain"

// Metrics implements ports.Metrics on a Prometheus registry.
type Metrics struct {
	registry         *prometheus.Registry
	stepDuration     *prometheus.HistogramVec
	creationDuration *prometheus.HistogramVec
	pipelineSize     *prometheus.HistogramVec
	failureReasons   *prometheus.CounterVec
	pipelinesCreated *prometheus.CounterVec
}

var _ ports.Metrics = (*Metrics)(nil)

// NewMetrics registers the pipeline metrics together with the Go and
// process collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_creation_step_duration_seconds",
			Help:      "Duration of each pipeline creation step.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 15, 20, 50, 240},
		}, []string{"step"}),
		creationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_creation_duration_seconds",
			Help:      "Duration of creating a pipeline, from the first step to persistence.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 240},
		}, []string{"source"}),
		pipelineSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_size_builds",
			Help:      "Number of jobs in created pipelines.",
			Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500, 1000},
		}, []string{"source"}),
		failureReasons: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failure_reasons_total",
			Help:      "Pipelines that failed to be created, by reason.",
		}, []string{"reason"}),
		pipelinesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_created_total",
			Help:      "Pipelines created, by source.",
		}, []string{"source"}),
	}
}

func (m *Metrics) ObserveStepDuration(step string, d time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) ObserveCreationDuration(source domain.Source, d time.Duration) {
	m.creationDuration.WithLabelValues(string(source)).Observe(d.Seconds())
}

func (m *Metrics) ObservePipelineSize(source domain.Source, jobs int) {
	m.pipelineSize.WithLabelValues(string(source)).Observe(float64(jobs))
}

func (m *Metrics) IncrementFailureReason(reason domain.FailureReason) {
	m.failureReasons.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) IncrementPipelinesCreated(source domain.Source) {
	m.pipelinesCreated.WithLabelValues(string(source)).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
