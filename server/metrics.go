package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the exported application metrics in prometheus format.
type Metrics struct {
	Pools     prometheus.Gauge
	Conns     prometheus.Gauge
	Regs      prometheus.Counter
	RegFail   prometheus.Counter
	Uptime    prometheus.CounterFunc
	reqStatus *prometheus.CounterVec
	reqTime   *prometheus.HistogramVec
}

func getMetrics() *Metrics {
	start := time.Now()

	return &Metrics{
		Pools: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "leasepool_pools",
			Help: "The total count of active pools",
		}),
		Conns: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "leasepool_connections",
			Help: "The total count of websocket connections",
		}),
		Regs: promauto.NewCounter(prometheus.CounterOpts{
			Name: "leasepool_registrations_total",
			Help: "The total count of websocket registrations",
		}),
		RegFail: promauto.NewCounter(prometheus.CounterOpts{
			Name: "leasepool_registrations_failed_total",
			Help: "The total count of websocket registrations that failed (auth problem)",
		}),
		reqStatus: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "leasepool_http_request_statuses_total",
			Help: "The status codes of ->client requests",
		}, []string{"code", "method"}),
		reqTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leasepool_http_request_time_seconds",
			Help:    "Duration of ->client HTTP requests",
			Buckets: []float64{.1, .5, 1, 3, 10, 30, 60, 180, 600},
		}, []string{"code", "method", "handler"}),
		Uptime: promauto.NewCounterFunc(prometheus.CounterOpts{
			Name: "leasepool_uptime_seconds_total",
			Help: "Seconds leasepool has been running",
		}, func() float64 { return time.Since(start).Seconds() }),
	}
}

func (m *Metrics) Wrap(next http.HandlerFunc, handler string) http.Handler {
	if m == nil {
		return next
	}

	return promhttp.InstrumentHandlerDuration(
		m.reqTime.MustCurryWith(prometheus.Labels{"handler": handler}),
		promhttp.InstrumentHandlerCounter(m.reqStatus, next),
	)
}
