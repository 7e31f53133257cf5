// ABOUTME: Prometheus metrics for the gateway's realtime and message paths
// ABOUTME: Registered via promauto on the default registry, served at /metrics

package gateway

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_gateway_connected_sessions",
		Help: "Number of websocket sessions currently connected.",
	})

	metricWaitingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_gateway_waiting_conversations",
		Help: "Number of conversations currently in the waiting queue.",
	})

	metricMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_messages_total",
		Help: "Messages routed, by origin.",
	}, []string{"origin"}) // customer, agent, admin, bot

	metricWSEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_ws_events_total",
		Help: "Inbound websocket events handled, by event type.",
	}, []string{"event"})

	metricSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_gateway_send_duration_seconds",
		Help:    "Latency of the message send pipeline, persistence included.",
		Buckets: prometheus.DefBuckets,
	})
)

// updateWaitingDepth refreshes the queue depth gauge after a transition.
func (g *Gateway) updateWaitingDepth() {
	queue, err := g.store.ListWaitingConversations(context.Background())
	if err != nil {
		return
	}
	metricWaitingDepth.Set(float64(len(queue)))
}
