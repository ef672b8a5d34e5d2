package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_bus_drop_total",
		Help: "Total number of in-memory bus message drops (backpressure)",
	}, []string{"topic"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_bus_dropped_total",
		Help: "Total number of in-memory bus message drops by topic and reason",
	}, []string{"topic", "reason"})

	busPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_bus_published_total",
		Help: "Messages published by topic and outcome",
	}, []string{"topic", "outcome"}) // outcome=success|failure

	busConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_bus_consumed_total",
		Help: "Messages consumed by topic and outcome",
	}, []string{"topic", "outcome"}) // outcome=ack|requeue|drop

	busReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_bus_reconnects_total",
		Help: "Total number of broker reconnect attempts",
	})

	busConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gleaner_bus_connected",
		Help: "Whether the broker connection is established (1) or not (0)",
	})
)

// IncBusDrop records a dropped bus message for the given topic.
func IncBusDrop(topic string) {
	IncBusDropReason(topic, "full")
}

// IncBusDropReason records a dropped bus message with a concrete reason.
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDropsTotal.WithLabelValues(topic).Inc()
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}

// IncBusPublished records a publish attempt outcome for the given topic.
func IncBusPublished(topic string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	busPublishedTotal.WithLabelValues(topic, outcome).Inc()
}

// IncBusConsumed records a consumed message outcome (ack, requeue, drop).
func IncBusConsumed(topic, outcome string) {
	busConsumedTotal.WithLabelValues(topic, outcome).Inc()
}

// IncBusReconnect records one broker reconnect attempt.
func IncBusReconnect() { busReconnectsTotal.Inc() }

// SetBusConnected flags the broker connection state.
func SetBusConnected(up bool) {
	if up {
		busConnected.Set(1)
		return
	}
	busConnected.Set(0)
}
