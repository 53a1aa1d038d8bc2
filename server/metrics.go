package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the prometheus instruments the handlers feed.
type Metrics struct {
	registry *prometheus.Registry

	TicketsIssued   *prometheus.CounterVec
	TicketsReaped   prometheus.Counter
	TokenGrants     *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	DeviceApprovals prometheus.Counter
}

// NewMetrics registers the instrument set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TicketsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketd_tickets_issued_total",
			Help: "Tickets issued by kind.",
		}, []string{"kind"}),
		TicketsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketd_tickets_reaped_total",
			Help: "Expired tickets removed by the cleaner.",
		}),
		TokenGrants: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketd_token_grants_total",
			Help: "Token endpoint grants by type and outcome.",
		}, []string{"grant", "outcome"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketd_backchannel_notifications_total",
			Help: "Backchannel delivery attempts by mode and outcome.",
		}, []string{"mode", "outcome"}),
		DeviceApprovals: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketd_device_approvals_total",
			Help: "Approved device user codes.",
		}),
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
