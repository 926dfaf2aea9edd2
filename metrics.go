package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects service counters on a private registry so tests can
// instantiate it repeatedly without collision panics.
type Metrics struct {
	registry *prometheus.Registry

	sessionsConnected prometheus.Gauge
	messagesReceived  prometheus.Counter
	messagesSent      prometheus.Counter
	sendFailures      prometheus.Counter
	reconnectsPlanned prometheus.Counter
	webhookDeliveries *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zapgate_sessions_connected",
			Help: "Number of sessions currently connected.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapgate_messages_received_total",
			Help: "Total inbound messages captured.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapgate_messages_sent_total",
			Help: "Total outbound messages sent.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapgate_send_failures_total",
			Help: "Total outbound sends that failed.",
		}),
		reconnectsPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapgate_reconnects_scheduled_total",
			Help: "Total automatic reconnect attempts scheduled.",
		}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapgate_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.sessionsConnected,
		m.messagesReceived,
		m.messagesSent,
		m.sendFailures,
		m.reconnectsPlanned,
		m.webhookDeliveries,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionUp()          { m.sessionsConnected.Inc() }
func (m *Metrics) SessionDown()        { m.sessionsConnected.Dec() }
func (m *Metrics) MessageReceived()    { m.messagesReceived.Inc() }
func (m *Metrics) MessageSent()        { m.messagesSent.Inc() }
func (m *Metrics) SendFailed()         { m.sendFailures.Inc() }
func (m *Metrics) ReconnectScheduled() { m.reconnectsPlanned.Inc() }

func (m *Metrics) WebhookDelivery(result string) {
	m.webhookDeliveries.WithLabelValues(result).Inc()
}
