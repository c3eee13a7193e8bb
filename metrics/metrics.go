package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal counts completed tasks by kind and outcome (ok, error, rejected)
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbdispatch_tasks_total",
			Help: "Total number of tasks completed by the worker pool",
		},
		[]string{"kind", "outcome"},
	)

	// TaskLatency tracks time from submission to completion by kind
	TaskLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqdbdispatch_task_latency_seconds",
			Help:    "Task latency from submission to completion in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// StatementsTotal counts submitted statements by file, line and kind hints
	StatementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbdispatch_statements_total",
			Help: "Total number of statements submitted",
		},
		[]string{"file", "line", "kind"},
	)

	// Reconnects counts session reconnect attempts by result (ok, error)
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbdispatch_reconnects_total",
			Help: "Total number of session reconnect attempts",
		},
		[]string{"result"},
	)

	// QueueDepth is the number of tasks waiting in the shared queue
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqdbdispatch_queue_depth",
			Help: "Tasks waiting in the shared queue",
		},
	)

	// TransactionsActive is the number of workers holding a transaction
	TransactionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqdbdispatch_transactions_active",
			Help: "Workers currently holding a transaction",
		},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(TasksTotal)
		prometheus.MustRegister(TaskLatency)
		prometheus.MustRegister(StatementsTotal)
		prometheus.MustRegister(Reconnects)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(TransactionsActive)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
