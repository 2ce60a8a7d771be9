package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds realtime instrumentation. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsActive prometheus.Gauge
	RoomsActive    prometheus.Gauge

	InboundEvents *prometheus.CounterVec
	ErrorsSent    *prometheus.CounterVec

	MessagesPersisted prometheus.Counter
	MessagesDuplicate prometheus.Counter
	SendFailures      *prometheus.CounterVec

	Deliveries    prometheus.Counter
	DeliveryDrops prometheus.Counter
	Evictions     prometheus.Counter

	StoreLatency *prometheus.HistogramVec
}

// NewMetrics registers realtime metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "forge_realtime_sessions_active",
			Help: "Currently connected websocket sessions",
		}),
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "forge_realtime_rooms_active",
			Help: "Rooms with at least one member",
		}),
		InboundEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_realtime_inbound_events_total",
				Help: "Inbound envelopes by type",
			},
			[]string{"type"},
		),
		ErrorsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_realtime_errors_sent_total",
				Help: "Error envelopes sent to sessions by code",
			},
			[]string{"code"},
		),
		MessagesPersisted: f.NewCounter(prometheus.CounterOpts{
			Name: "forge_messages_persisted_total",
			Help: "Messages persisted and broadcast",
		}),
		MessagesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "forge_messages_duplicate_total",
			Help: "Send requests resolved to an already stored message",
		}),
		SendFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_send_failures_total",
				Help: "Rejected send requests by kind",
			},
			[]string{"kind"}, // "invalid" or "storage"
		),
		Deliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "forge_fanout_deliveries_total",
			Help: "Broadcast envelopes enqueued to sessions",
		}),
		DeliveryDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "forge_fanout_drops_total",
			Help: "Broadcast envelopes dropped for closed or backpressured sessions",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "forge_realtime_evictions_total",
			Help: "Sessions disconnected because their outbound queue was full",
		}),
		StoreLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_store_latency_seconds",
				Help:    "Message store operation latency",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
			},
			[]string{"op"},
		),
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) roomOpened() {
	if m != nil {
		m.RoomsActive.Inc()
	}
}

func (m *Metrics) roomClosed() {
	if m != nil {
		m.RoomsActive.Dec()
	}
}

func (m *Metrics) inbound(typ string) {
	if m != nil {
		m.InboundEvents.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) errorSent(code string) {
	if m != nil {
		m.ErrorsSent.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) persisted(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.MessagesDuplicate.Inc()
		return
	}
	m.MessagesPersisted.Inc()
}

func (m *Metrics) sendFailed(kind string) {
	if m != nil {
		m.SendFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) delivered(ok, dropped int) {
	if m == nil {
		return
	}
	m.Deliveries.Add(float64(ok))
	m.DeliveryDrops.Add(float64(dropped))
}

func (m *Metrics) evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) observeStore(op string, start time.Time) {
	if m != nil {
		m.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
