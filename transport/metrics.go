package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "wallet"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "rpc_requests_total",
		Help:      "Outbound chain node requests by transport, method and outcome.",
	}, []string{"transport", "method", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "rpc_request_duration_seconds",
		Help:      "Latency of outbound chain node requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"transport", "method"})
)

// RegisterMetrics registers the transport collectors with reg. Collectors
// are updated whether or not they are registered.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{requestsTotal, requestDuration} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func observe(transport, method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(transport, method, outcome).Inc()
	requestDuration.WithLabelValues(transport, method).Observe(time.Since(start).Seconds())
}
