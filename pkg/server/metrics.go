package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance has its
// own registry so several servers can run in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	activeSessions       prometheus.Gauge
	onlineUsers          prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec
	sessionsDisconnected *prometheus.CounterVec
	messagesReceived     *prometheus.CounterVec
	messagesSent         prometheus.Counter
	bytesSent            prometheus.Counter
	privateMessages      prometheus.Counter
	errors               *prometheus.CounterVec
	handlerDuration      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "friendchat_active_sessions",
			Help: "Open client connections, logged in or not",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "friendchat_online_users",
			Help: "Users present in the presence registry",
		}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendchat_sessions_created_total",
			Help: "Connections accepted, by transport",
		}, []string{"transport"}),
		sessionsDisconnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendchat_sessions_disconnected_total",
			Help: "Connections closed, by transport",
		}, []string{"transport"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendchat_messages_received_total",
			Help: "Client payloads handled, by request type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "friendchat_messages_sent_total",
			Help: "Payloads written to clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "friendchat_bytes_sent_total",
			Help: "Payload bytes written to clients",
		}),
		privateMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "friendchat_private_messages_total",
			Help: "Private messages persisted",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendchat_errors_total",
			Help: "Error responses sent to clients, by kind",
		}, []string{"kind"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "friendchat_handler_duration_seconds",
			Help:    "Time spent handling one client payload",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.onlineUsers,
		m.sessionsCreated,
		m.sessionsDisconnected,
		m.messagesReceived,
		m.messagesSent,
		m.bytesSent,
		m.privateMessages,
		m.errors,
		m.handlerDuration,
	)
	return m
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordOnlineUsers(count int) {
	m.onlineUsers.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionDisconnected(transport string) {
	m.sessionsDisconnected.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string, elapsed time.Duration) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
	m.handlerDuration.WithLabelValues(msgType).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordMessageSent(bytes int) {
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) RecordPrivateMessage() {
	m.privateMessages.Inc()
}

func (m *Metrics) RecordError(kind string) {
	m.errors.WithLabelValues(kind).Inc()
}
