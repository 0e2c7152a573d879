package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalhub/engine/internal/models"
)

// Recorder observes deployment outcomes.
type Recorder interface {
	DeploymentFinished(d *models.Deployment)
	ItemApplied(typ models.ComponentType, ok bool)
	DeployBlocked(conflicts int)
}

// PrometheusRecorder is the Prometheus implementation of Recorder.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	deploymentsTotal   *prometheus.CounterVec
	deploymentDuration prometheus.Histogram
	itemsTotal         *prometheus.CounterVec
	blockedTotal       prometheus.Counter
	blockedConflicts   prometheus.Histogram
}

// NewPrometheusRecorder creates a recorder with its own registry, including
// Go runtime and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		deploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalhub_deployments_total",
			Help: "Executed deployments by final status.",
		}, []string{"status"}),
		deploymentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalhub_deployment_duration_seconds",
			Help:    "Wall time of executed deployments.",
			Buckets: prometheus.DefBuckets,
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalhub_deployment_items_total",
			Help: "Applied deployment items by component type and result.",
		}, []string{"component_type", "result"}),
		blockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalhub_deploy_conflicts_blocked_total",
			Help: "Deploy calls refused by the conflict gate.",
		}),
		blockedConflicts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalhub_deploy_blocking_conflicts",
			Help:    "Number of conflicts found on blocked deploy calls.",
			Buckets: []float64{1, 2, 5, 10, 25, 50},
		}),
	}

	registry.MustRegister(r.deploymentsTotal)
	registry.MustRegister(r.deploymentDuration)
	registry.MustRegister(r.itemsTotal)
	registry.MustRegister(r.blockedTotal)
	registry.MustRegister(r.blockedConflicts)
	return r
}

// Registry returns the Prometheus registry.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *PrometheusRecorder) DeploymentFinished(d *models.Deployment) {
	r.deploymentsTotal.WithLabelValues(string(d.Status)).Inc()
	r.deploymentDuration.Observe((time.Duration(d.DurationMs) * time.Millisecond).Seconds())
}

func (r *PrometheusRecorder) ItemApplied(typ models.ComponentType, ok bool) {
	result := "deployed"
	if !ok {
		result = "failed"
	}
	r.itemsTotal.WithLabelValues(string(typ), result).Inc()
}

func (r *PrometheusRecorder) DeployBlocked(conflicts int) {
	r.blockedTotal.Inc()
	r.blockedConflicts.Observe(float64(conflicts))
}

// Nop discards everything.
type Nop struct{}

func (Nop) DeploymentFinished(*models.Deployment)  {}
func (Nop) ItemApplied(models.ComponentType, bool) {}
func (Nop) DeployBlocked(int)                      {}
