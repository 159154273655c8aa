package api

import (
	"context"
	"log/slog"
	"time"

	"mercury/internal/bus"
	"mercury/pkg/types"
)

// streamedTopics is what WebSocket observers see. Order-book snapshots are
// deliberately absent: they arrive at full market-data rate and would
// swamp a dashboard connection.
var streamedTopics = []string{
	types.TopicSignalPrefix + "*",
	types.TopicRiskApprovedPrefix + "*",
	types.TopicRiskRejectedPrefix + "*",
	types.TopicOrderSubmitted,
	types.TopicOrderFilled,
	types.TopicOrderRejected,
	types.TopicPositionOpened,
	types.TopicExecutionComplete,
	types.TopicSettlementClaimed,
	types.TopicSettlementFailed,
	types.TopicCircuitBreaker,
	types.TopicMarketStalePrefix + "*",
	types.TopicMarketFreshPrefix + "*",
}

// Bridge forwards selected bus events to the WebSocket hub.
type Bridge struct {
	bus    *bus.Bus
	hub    *Hub
	logger *slog.Logger
	unsubs []func()
}

// NewBridge creates a bus-to-hub bridge. Call Start to attach.
func NewBridge(b *bus.Bus, hub *Hub, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:    b,
		hub:    hub,
		logger: logger.With("component", "api_bridge"),
	}
}

// Start subscribes to the streamed topics.
func (br *Bridge) Start() {
	for _, topic := range streamedTopics {
		br.unsubs = append(br.unsubs, br.bus.Subscribe(topic, br.forward))
	}
	br.logger.Info("event bridge attached", "topics", len(streamedTopics))
}

// Stop detaches from the bus.
func (br *Bridge) Stop() {
	for _, unsub := range br.unsubs {
		unsub()
	}
	br.unsubs = nil
}

func (br *Bridge) forward(_ context.Context, topic string, payload any) {
	br.hub.BroadcastEvent(StreamEvent{
		Type:      topic,
		Timestamp: time.Now(),
		Data:      payload,
	})
}
