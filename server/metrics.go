package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics live on a registry owned by one Server so several servers (tests)
// can coexist in a process.
type metrics struct {
	registry *prometheus.Registry

	// outlineRequests counts outline drafts. Labels: result (ok, bad_request, error)
	outlineRequests *prometheus.CounterVec
	// reportStreams counts finished report streams. Labels: result (complete, failed, cancelled)
	reportStreams *prometheus.CounterVec
	// reportChunks counts payload frames written to clients.
	reportChunks prometheus.Counter
	// httpDuration measures handler latency. Labels: route, method, code
	httpDuration *prometheus.HistogramVec
	// sessions is the number of live editor sessions.
	sessions prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		outlineRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esg_report",
			Subsystem: "outline",
			Name:      "requests_total",
			Help:      "Outline generation requests by result",
		}, []string{"result"}),
		reportStreams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esg_report",
			Subsystem: "report",
			Name:      "streams_total",
			Help:      "Report streams by final result",
		}, []string{"result"}),
		reportChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "esg_report",
			Subsystem: "report",
			Name:      "chunks_total",
			Help:      "Payload frames written to report streams",
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "esg_report",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP handler latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"route", "method", "code"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "esg_report",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Editor sessions held in memory",
		}),
	}
}
