package marketdata

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mercury/internal/book"
	"mercury/internal/bus"
	"mercury/internal/config"
)

func testConfig() config.MarketDataConfig {
	return config.MarketDataConfig{
		StaleThreshold: 50 * time.Millisecond,
		PingInterval:   20 * time.Second,
		PongTimeout:    10 * time.Second,
		ReconnectMin:   time.Second,
		ReconnectMax:   60 * time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// newRunning returns a service marked running without a live socket. Frames
// are injected through HandleMessage directly.
func newRunning(t *testing.T, b *bus.Bus) *Service {
	t.Helper()
	s := New("ws://unused", testConfig(), b, testLogger())
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return s
}

func TestSubscribeBeforeStart(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()

	s := New("ws://unused", testConfig(), b, testLogger())
	if err := s.SubscribeMarket("m1", "y1", "n1"); err != ErrNotRunning {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()
	s := newRunning(t, b)

	if err := s.SubscribeMarket("m1", "y1", "n1"); err != nil {
		t.Fatalf("SubscribeMarket: %v", err)
	}

	states := s.SubscriptionStates()
	if states["y1"] != SubPending || states["n1"] != SubPending {
		t.Fatalf("initial states = %v, want PENDING", states)
	}

	// First frame for y1 promotes it to ACTIVE; n1 stays PENDING.
	s.HandleMessage([]byte(`{"event_type":"book","asset_id":"y1","bids":[{"price":"0.40","size":"10"}],"asks":[{"price":"0.48","size":"100"}]}`))

	states = s.SubscriptionStates()
	if states["y1"] != SubActive {
		t.Errorf("y1 = %s, want ACTIVE", states["y1"])
	}
	if states["n1"] != SubPending {
		t.Errorf("n1 = %s, want PENDING", states["n1"])
	}
}

func TestSnapshotThenDelta(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()
	s := newRunning(t, b)
	s.SubscribeMarket("m1", "y1", "n1")

	s.HandleMessage([]byte(`{"event_type":"book","asset_id":"y1","bids":[{"price":"0.40","size":"10"}],"asks":[{"price":"0.48","size":"100"},{"price":"0.50","size":"50"}]}`))

	mb := s.Book("m1")
	if mb == nil {
		t.Fatal("book missing after subscribe")
	}
	ask, ok := mb.Yes.BestAsk()
	if !ok || ask.Price.String() != "0.48" {
		t.Fatalf("best ask = %v, want 0.48", ask.Price)
	}

	// Delta: size 0 removes the 0.48 level, 0.47 enters below it.
	s.HandleMessage([]byte(`{"event_type":"price_change","asset_id":"y1","price_changes":[
		{"asset_id":"y1","price":"0.48","size":"0","side":"SELL"},
		{"asset_id":"y1","price":"0.47","size":"25","side":"SELL"}]}`))

	ask, _ = mb.Yes.BestAsk()
	if ask.Price.String() != "0.47" {
		t.Errorf("best ask after delta = %v, want 0.47", ask.Price)
	}
	if !ask.Size.Equal(decimal.NewFromInt(25)) {
		t.Errorf("best ask size = %v, want 25", ask.Size)
	}
}

func TestBatchFrames(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()
	s := newRunning(t, b)
	s.SubscribeMarket("m1", "y1", "n1")

	s.HandleMessage([]byte(`[
		{"event_type":"book","asset_id":"y1","asks":[{"price":"0.48","size":"100"}]},
		{"event_type":"book","asset_id":"n1","asks":[{"price":"0.50","size":"100"}]}
	]`))

	mb := s.Book("m1")
	if !mb.HasArbitrage() {
		spread, ok := mb.ArbitrageSpread()
		t.Fatalf("no arbitrage after batch: spread=%v ok=%v", spread, ok)
	}
}

func TestSnapshotPublishedOnMutation(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()
	s := newRunning(t, b)
	s.SubscribeMarket("m1", "y1", "n1")

	got := make(chan any, 4)
	b.Subscribe("market.orderbook.m1", func(_ context.Context, _ string, payload any) {
		got <- payload
	})

	s.HandleMessage([]byte(`{"event_type":"book","asset_id":"y1","asks":[{"price":"0.48","size":"100"}]}`))

	select {
	case payload := <-got:
		snap, ok := payload.(book.MarketSnapshot)
		if !ok {
			t.Fatalf("payload type = %T, want book.MarketSnapshot", payload)
		}
		if snap.MarketID != "m1" {
			t.Errorf("snapshot market = %q, want m1", snap.MarketID)
		}
		if !snap.Yes.Asks[0].Price.Equal(decimal.NewFromFloat(0.48)) {
			t.Errorf("snapshot yes ask = %v, want 0.48", snap.Yes.Asks[0].Price)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published after mutation")
	}
}

func TestParseErrorsCountedNotFatal(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()
	s := newRunning(t, b)
	s.SubscribeMarket("m1", "y1", "n1")

	s.HandleMessage([]byte(`{invalid json`))
	s.HandleMessage([]byte(`{"event_type":"price_change","asset_id":"y1","price_changes":[{"asset_id":"y1","price":"not-a-number","size":"1","side":"SELL"}]}`))

	_, parseErrors, _ := s.Stats()
	if parseErrors != 2 {
		t.Errorf("parse errors = %d, want 2", parseErrors)
	}

	// Good frames still apply afterwards.
	s.HandleMessage([]byte(`{"event_type":"book","asset_id":"y1","asks":[{"price":"0.48","size":"100"}]}`))
	if ask, ok := s.Book("m1").Yes.BestAsk(); !ok || ask.Price.String() != "0.48" {
		t.Error("good frame not applied after parse errors")
	}
}

func TestPingPongHeartbeatOnly(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()
	s := newRunning(t, b)
	s.SubscribeMarket("m1", "y1", "n1")

	s.hbMu.Lock()
	s.missedPongs = 1
	s.hbMu.Unlock()

	s.HandleMessage([]byte("PONG"))

	s.hbMu.Lock()
	missed := s.missedPongs
	s.hbMu.Unlock()
	if missed != 0 {
		t.Errorf("missedPongs = %d after PONG, want 0", missed)
	}
	// Heartbeat frames must not count as parse errors or touch books.
	if _, parseErrors, _ := s.Stats(); parseErrors != 0 {
		t.Errorf("parse errors = %d, want 0", parseErrors)
	}
}

func TestStaleAndFreshEvents(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()
	s := newRunning(t, b)
	s.SubscribeMarket("m1", "y1", "n1")

	events := make(chan string, 8)
	b.Subscribe("market.*", func(_ context.Context, topic string, _ any) {
		if strings.HasPrefix(topic, "market.stale.") || strings.HasPrefix(topic, "market.fresh.") {
			events <- topic
		}
	})

	s.HandleMessage([]byte(`{"event_type":"book","asset_id":"y1","asks":[{"price":"0.48","size":"100"}]}`))

	// Wait past the 50ms stale threshold, then run one monitor pass.
	time.Sleep(80 * time.Millisecond)
	s.checkStale()

	select {
	case topic := <-events:
		if topic != "market.stale.m1" {
			t.Fatalf("first event = %q, want market.stale.m1", topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no stale event")
	}

	// Second pass must not re-announce.
	s.checkStale()

	// An update flips the market fresh again.
	s.HandleMessage([]byte(`{"event_type":"book","asset_id":"y1","asks":[{"price":"0.47","size":"100"}]}`))

	select {
	case topic := <-events:
		if topic != "market.fresh.m1" {
			t.Fatalf("event after update = %q, want market.fresh.m1", topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no fresh event")
	}
}

func TestNeverUpdatedMarketNotStale(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()
	s := newRunning(t, b)
	s.SubscribeMarket("m1", "y1", "n1")

	staleSeen := make(chan struct{}, 1)
	b.Subscribe("market.stale.m1", func(_ context.Context, _ string, _ any) {
		staleSeen <- struct{}{}
	})

	time.Sleep(80 * time.Millisecond)
	s.checkStale()

	select {
	case <-staleSeen:
		t.Fatal("pending market flagged stale before first update")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectReturnsActiveToPending(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()
	s := newRunning(t, b)
	s.SubscribeMarket("m1", "y1", "n1")

	s.HandleMessage([]byte(`{"event_type":"book","asset_id":"y1","asks":[{"price":"0.48","size":"100"}]}`))
	if s.SubscriptionStates()["y1"] != SubActive {
		t.Fatal("y1 not ACTIVE before disconnect")
	}

	// The reconnect path's state reset.
	s.mu.Lock()
	for token, state := range s.subs {
		if state == SubActive {
			s.subs[token] = SubPending
		}
	}
	s.mu.Unlock()

	states := s.SubscriptionStates()
	if states["y1"] != SubPending || states["n1"] != SubPending {
		t.Errorf("states after disconnect = %v, want all PENDING", states)
	}
}

func TestUnsubscribeMarket(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()
	s := newRunning(t, b)
	s.SubscribeMarket("m1", "y1", "n1")
	s.UnsubscribeMarket("m1")

	if s.Book("m1") != nil {
		t.Error("book survived unsubscribe")
	}
	if len(s.SubscriptionStates()) != 0 {
		t.Errorf("subs after unsubscribe = %v", s.SubscriptionStates())
	}
}
