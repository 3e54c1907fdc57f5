package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"plugin-rpc/message"
)

// Metrics holds the dispatch collectors.
type Metrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluginrpc",
			Name:      "dispatch_total",
			Help:      "Dispatched requests by method and outcome code (0 for success, -1 for deferred).",
		}, []string{"method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pluginrpc",
			Name:      "dispatch_seconds",
			Help:      "Time spent in the dispatch stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	for _, c := range []prometheus.Collector{m.Requests, m.Latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MetricsMiddleware counts dispatches and observes their latency.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			m.Latency.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

			code := "0"
			switch {
			case resp == nil:
				code = "-1"
			case resp.Error != nil:
				code = strconv.Itoa(resp.Error.Code)
			}
			m.Requests.WithLabelValues(req.Method, code).Inc()
			return resp
		}
	}
}
