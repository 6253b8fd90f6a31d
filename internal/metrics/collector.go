// Package metrics exposes a pull-based Prometheus snapshot of the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's Prometheus instruments.
type Collector struct {
	liveSessions     prometheus.Gauge
	listeners        prometheus.Gauge
	framesMixedTotal prometheus.Counter
	framesDropped    *prometheus.CounterVec
	chatMessages     prometheus.Counter
	moderationTotal  *prometheus.CounterVec
	activeSources    *prometheus.GaugeVec
}

// NewCollector registers the engine instruments on the default registry.
func NewCollector() *Collector {
	return &Collector{
		liveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "onair_live_sessions",
			Help: "Number of sessions currently live",
		}),
		listeners: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "onair_connected_listeners",
			Help: "Number of connected listener connections",
		}),
		framesMixedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onair_frames_mixed_total",
			Help: "Total mixed output frames produced",
		}),
		framesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "onair_frames_dropped_total",
			Help: "Frames dropped, by reason (queue_full, malformed, jitter_overflow, stale)",
		}, []string{"reason"}),
		chatMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onair_chat_messages_total",
			Help: "Total chat messages accepted",
		}),
		moderationTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "onair_moderation_actions_total",
			Help: "Moderation actions applied, by action type",
		}, []string{"action"}),
		activeSources: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "onair_active_sources",
			Help: "Active mixer sources per session",
		}, []string{"broadcast_id"}),
	}
}

func (c *Collector) SessionLive()   { c.liveSessions.Inc() }
func (c *Collector) SessionEnded()  { c.liveSessions.Dec() }
func (c *Collector) ListenerJoin()  { c.listeners.Inc() }
func (c *Collector) ListenerLeave() { c.listeners.Dec() }

func (c *Collector) FrameMixed() { c.framesMixedTotal.Inc() }

func (c *Collector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) ChatMessage() { c.chatMessages.Inc() }

func (c *Collector) ModerationAction(action string) {
	c.moderationTotal.WithLabelValues(action).Inc()
}

func (c *Collector) SetActiveSources(broadcastID string, n int) {
	c.activeSources.WithLabelValues(broadcastID).Set(float64(n))
}

func (c *Collector) ClearSession(broadcastID string) {
	c.activeSources.DeleteLabelValues(broadcastID)
}
