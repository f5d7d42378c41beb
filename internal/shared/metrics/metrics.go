package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "voxq"

	classLabel  = "class"
	statusLabel = "status"
	reasonLabel = "reason"
	resultLabel = "result"
)

var queueDepthMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_depth",
		Help:      "number of queued tasks waiting for a slot per resource class",
	},
	[]string{classLabel},
)

var inflightMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_inflight",
		Help:      "number of tasks holding a budget unit per resource class",
	},
	[]string{classLabel},
)

var taskTransitionsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "task status transitions per resource class",
	},
	[]string{classLabel, statusLabel},
)

var admissionRejectionsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_rejections_total",
		Help:      "requests rejected by the rate limiter",
	},
	[]string{reasonLabel},
)

var webhookDeliveriesMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "completion webhook delivery outcomes",
	},
	[]string{resultLabel},
)

var taskExecutionMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_task_duration_seconds",
		Help:      "inference backend execution time per resource class and outcome",
		Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{classLabel, resultLabel},
)

func SetQueueDepth(class string, depth int) {
	queueDepthMetric.With(prometheus.Labels{classLabel: class}).Set(float64(depth))
}

func SetInflight(class string, n int) {
	inflightMetric.With(prometheus.Labels{classLabel: class}).Set(float64(n))
}

func IncTaskTransition(class, status string) {
	taskTransitionsMetric.With(prometheus.Labels{classLabel: class, statusLabel: status}).Inc()
}

func IncAdmissionRejection(reason string) {
	admissionRejectionsMetric.With(prometheus.Labels{reasonLabel: reason}).Inc()
}

func IncWebhookDelivery(result string) {
	webhookDeliveriesMetric.With(prometheus.Labels{resultLabel: result}).Inc()
}

func ObserveTaskExecution(class, result string, seconds float64) {
	taskExecutionMetric.With(prometheus.Labels{classLabel: class, resultLabel: result}).Observe(seconds)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(queueDepthMetric)
	prometheus.MustRegister(inflightMetric)
	prometheus.MustRegister(taskTransitionsMetric)
	prometheus.MustRegister(admissionRejectionsMetric)
	prometheus.MustRegister(webhookDeliveriesMetric)
	prometheus.MustRegister(taskExecutionMetric)
}
