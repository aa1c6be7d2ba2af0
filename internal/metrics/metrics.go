// Package metrics exposes the debug counters the tunnel's reaper and
// engines maintain as Prometheus collectors, so that the flow-expiry
// and drop behavior called for in spec.md's end-to-end scenarios can be
// observed from outside the process instead of only from logs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every counter and gauge an engine reports. Both the
// client and server engines share one set, labeled by "side".
type Collectors struct {
	ActiveFlows      prometheus.Gauge
	PacketsForwarded prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	AuthFailures     prometheus.Counter
	FlowsReaped      prometheus.Counter
}

// NewCollectors builds and registers a Collectors set for one engine
// side ("client" or "server") against reg.
func NewCollectors(reg prometheus.Registerer, side string) *Collectors {
	c := &Collectors{
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rtptun",
			Name:        "active_flows",
			Help:        "Number of currently live flows.",
			ConstLabels: prometheus.Labels{"side": side},
		}),
		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rtptun",
			Name:        "packets_forwarded_total",
			Help:        "Number of payloads successfully forwarded.",
			ConstLabels: prometheus.Labels{"side": side},
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rtptun",
			Name:        "packets_dropped_total",
			Help:        "Number of packets dropped, by reason.",
			ConstLabels: prometheus.Labels{"side": side},
		}, []string{"reason"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rtptun",
			Name:        "auth_failures_total",
			Help:        "Number of AEAD tag verification failures.",
			ConstLabels: prometheus.Labels{"side": side},
		}),
		FlowsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rtptun",
			Name:        "flows_reaped_total",
			Help:        "Number of flows removed by the idle reaper.",
			ConstLabels: prometheus.Labels{"side": side},
		}),
	}

	reg.MustRegister(
		c.ActiveFlows,
		c.PacketsForwarded,
		c.PacketsDropped,
		c.AuthFailures,
		c.FlowsReaped,
	)

	return c
}

// Handler returns an HTTP handler serving the given gatherer in the
// Prometheus exposition format, for wiring into an optional
// --metrics-addr listener.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
