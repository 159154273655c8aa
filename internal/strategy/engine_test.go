package strategy

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mercury/internal/book"
	"mercury/internal/bus"
	"mercury/internal/config"
	"mercury/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// fakeStrategy emits one canned signal per snapshot it sees.
type fakeStrategy struct {
	name    string
	markets map[string]struct{}

	mu      sync.Mutex
	enabled bool
	started bool
	stopped bool
	seen    []string
}

func newFake(name string, markets ...string) *fakeStrategy {
	set := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		set[m] = struct{}{}
	}
	return &fakeStrategy{name: name, markets: set, enabled: true}
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeStrategy) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

func (f *fakeStrategy) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

func (f *fakeStrategy) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeStrategy) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeStrategy) SubscribedMarkets() map[string]struct{} { return f.markets }

func (f *fakeStrategy) OnMarketData(marketID string, _ book.MarketSnapshot) []types.TradingSignal {
	f.mu.Lock()
	f.seen = append(f.seen, marketID)
	f.mu.Unlock()
	return []types.TradingSignal{{
		SignalID:      "sig-" + marketID,
		StrategyName:  f.name,
		MarketID:      marketID,
		Type:          types.SignalArbitrage,
		TargetSizeUSD: decimal.NewFromInt(10),
	}}
}

func (f *fakeStrategy) seenMarkets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func testSnapshot(marketID string) book.MarketSnapshot {
	return book.NewMarketBook(marketID, "y", "n").Snapshot(10)
}

func TestEngineRoutesSnapshotsToSignals(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()

	e := NewEngine(b, testLogger())
	fake := newFake("fake")
	if err := e.Register(fake); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	got := make(chan types.TradingSignal, 4)
	b.Subscribe("signal.fake", func(_ context.Context, _ string, payload any) {
		if sig, ok := payload.(types.TradingSignal); ok {
			got <- sig
		}
	})

	b.Publish(types.TopicOrderBookPrefix+"m1", testSnapshot("m1"))

	select {
	case sig := <-got:
		if sig.MarketID != "m1" || sig.SignalID != "sig-m1" {
			t.Errorf("signal = %+v, want market m1", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("no signal published")
	}
}

func TestEngineFiltersBySubscribedMarkets(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()

	e := NewEngine(b, testLogger())
	fake := newFake("fake", "m1")
	e.Register(fake)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	b.Publish(types.TopicOrderBookPrefix+"m2", testSnapshot("m2"))
	b.Publish(types.TopicOrderBookPrefix+"m1", testSnapshot("m1"))

	deadline := time.After(time.Second)
	for {
		seen := fake.seenMarkets()
		if len(seen) == 1 && seen[0] == "m1" {
			return
		}
		if len(seen) > 1 {
			t.Fatalf("strategy saw unsubscribed markets: %v", seen)
		}
		select {
		case <-deadline:
			t.Fatalf("strategy saw %v, want [m1]", seen)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngineControlEvents(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()

	e := NewEngine(b, testLogger())
	fake := newFake("fake")
	e.Register(fake)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	b.Publish(types.TopicStrategyDisable, types.StrategyControlEvent{Strategy: "fake"})
	waitFor(t, func() bool { return !fake.Enabled() }, "strategy not disabled")

	// Disable again: idempotent, no error.
	b.Publish(types.TopicStrategyDisable, types.StrategyControlEvent{Strategy: "fake"})

	b.Publish(types.TopicStrategyEnable, types.StrategyControlEvent{Strategy: "fake"})
	waitFor(t, func() bool { return fake.Enabled() }, "strategy not re-enabled")

	// All three commands ride one subscription queue, so the repeated
	// disable cannot apply after the enable that followed it.
	time.Sleep(50 * time.Millisecond)
	if !fake.Enabled() {
		t.Fatal("stale disable applied after enable")
	}
}

func TestEngineDisabledStrategySeesNothing(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()

	e := NewEngine(b, testLogger())
	fake := newFake("fake")
	fake.Disable()
	e.Register(fake)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	b.Publish(types.TopicOrderBookPrefix+"m1", testSnapshot("m1"))
	time.Sleep(50 * time.Millisecond)

	if seen := fake.seenMarkets(); len(seen) != 0 {
		t.Errorf("disabled strategy saw %v", seen)
	}
}

func TestEngineRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()

	e := NewEngine(b, testLogger())
	if err := e.Register(newFake("dup")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := e.Register(newFake("dup")); err == nil {
		t.Fatal("duplicate Register succeeded")
	}
}

func TestEngineSyncConfig(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()

	e := NewEngine(b, testLogger())
	fake := newFake("gabagool")
	e.Register(fake)

	e.SyncConfig(config.StrategiesConfig{Gabagool: config.GabagoolConfig{Enabled: false}})
	if fake.Enabled() {
		t.Error("strategy still enabled after reload with enabled=false")
	}

	e.SyncConfig(config.StrategiesConfig{Gabagool: config.GabagoolConfig{Enabled: true}})
	if !fake.Enabled() {
		t.Error("strategy not re-enabled after reload with enabled=true")
	}
}

func TestEngineStartStopLifecycle(t *testing.T) {
	t.Parallel()
	b := bus.New(testLogger())
	defer b.Close()

	e := NewEngine(b, testLogger())
	fake := newFake("fake")
	e.Register(fake)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !fake.started {
		t.Error("strategy not started")
	}

	e.Stop()
	if !fake.stopped {
		t.Error("strategy not stopped")
	}

	// Snapshots after Stop are ignored.
	b.Publish(types.TopicOrderBookPrefix+"m1", testSnapshot("m1"))
	time.Sleep(50 * time.Millisecond)
	if seen := fake.seenMarkets(); len(seen) != 0 {
		t.Errorf("stopped engine routed %v", seen)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
