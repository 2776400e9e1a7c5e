// Package metrics exposes forwarding counters and watcher gauges in the
// Prometheus exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "mailgram"

	forwarded      = "messages_forwarded_total"
	skipped        = "messages_skipped_total"
	deliveryErrors = "delivery_errors_total"
	reconnects     = "reconnects_total"
	apiCalls       = "bot_api_calls_total"
	apiDuration    = "bot_api_call_seconds"
	cursorUID      = "cursor_uid"
	watcherState   = "watcher_state"
)

// Metrics is the set of instruments the watchers and the delivery client
// report to.
type Metrics interface {
	ServePrometheus() http.Handler

	Forwarded(account string, units int)
	Skipped(account, reason string)
	DeliveryError(account, kind string)
	Reconnect(account string)
	APICall(method string, status int, d time.Duration)
	Cursor(account string, uid uint32)
	State(account string, state string)
}

type appMetrics struct {
	registry *prometheus.Registry

	forwarded      *prometheus.CounterVec
	units          *prometheus.CounterVec
	skipped        *prometheus.CounterVec
	deliveryErrors *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	apiCalls       *prometheus.CounterVec
	apiDuration    *prometheus.HistogramVec
	cursor         *prometheus.GaugeVec
	state          *prometheus.GaugeVec

	states []string
}

// New creates Metrics backed by a private registry. states lists every
// watcher state name so the state gauge can be reset to a one-hot value.
func New(states []string) Metrics {
	registry := prometheus.NewRegistry()

	m := &appMetrics{
		registry: registry,
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      forwarded,
			Help:      "Mail messages delivered to Telegram.",
		}, []string{"account"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_units_total",
			Help:      "Telegram messages, photos and documents sent.",
		}, []string{"account"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      skipped,
			Help:      "Mail messages skipped without delivery, by reason.",
		}, []string{"account", "reason"}),
		deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      deliveryErrors,
			Help:      "Failed deliveries by kind.",
		}, []string{"account", "kind"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      reconnects,
			Help:      "IMAP session (re)connect attempts.",
		}, []string{"account"}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      apiCalls,
			Help:      "Telegram Bot API calls by method and HTTP status.",
		}, []string{"method", "status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      apiDuration,
			Help:      "Telegram Bot API call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      cursorUID,
			Help:      "Last fully handled UID per account.",
		}, []string{"account"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      watcherState,
			Help:      "Current watcher state (1 for the active state).",
		}, []string{"account", "state"}),
		states: states,
	}

	registry.MustRegister(
		m.forwarded,
		m.units,
		m.skipped,
		m.deliveryErrors,
		m.reconnects,
		m.apiCalls,
		m.apiDuration,
		m.cursor,
		m.state,
	)

	return m
}

func (m *appMetrics) ServePrometheus() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *appMetrics) Forwarded(account string, units int) {
	m.forwarded.WithLabelValues(account).Inc()
	m.units.WithLabelValues(account).Add(float64(units))
}

func (m *appMetrics) Skipped(account, reason string) {
	m.skipped.WithLabelValues(account, reason).Inc()
}

func (m *appMetrics) DeliveryError(account, kind string) {
	m.deliveryErrors.WithLabelValues(account, kind).Inc()
}

func (m *appMetrics) Reconnect(account string) {
	m.reconnects.WithLabelValues(account).Inc()
}

func (m *appMetrics) APICall(method string, status int, d time.Duration) {
	m.apiCalls.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.apiDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *appMetrics) Cursor(account string, uid uint32) {
	m.cursor.WithLabelValues(account).Set(float64(uid))
}

func (m *appMetrics) State(account string, state string) {
	for _, s := range m.states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(account, s).Set(v)
	}
}

// Nop returns Metrics that record nothing.
func Nop() Metrics { return nopMetrics{} }

type nopMetrics struct{}

func (nopMetrics) ServePrometheus() http.Handler {
	return http.NotFoundHandler()
}

func (nopMetrics) Forwarded(string, int) {}
func (nopMetrics) Skipped(string, string) {}
func (nopMetrics) DeliveryError(string, string) {}
func (nopMetrics) Reconnect(string) {}
func (nopMetrics) APICall(string, int, time.Duration) {}
func (nopMetrics) Cursor(string, uint32) {}
func (nopMetrics) State(string, string) {}
