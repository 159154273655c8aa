package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mercury/internal/config"
	"mercury/internal/marketdata"
	"mercury/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fakeRisk struct {
	state types.CircuitState
	pnl   decimal.Decimal
}

func (f *fakeRisk) State() types.CircuitState { return f.state }
func (f *fakeRisk) Snapshot() types.CircuitBreakerSnapshot {
	return types.CircuitBreakerSnapshot{State: f.state, DailyPnL: f.pnl}
}

type fakeMarketData struct {
	connected bool
}

func (f *fakeMarketData) Connected() bool { return f.connected }
func (f *fakeMarketData) Stats() (uint64, uint64, uint64) {
	return 100, 2, 1
}
func (f *fakeMarketData) SubscriptionStates() map[string]marketdata.SubscriptionState {
	return map[string]marketdata.SubscriptionState{"tok-1": marketdata.SubActive}
}

type fakeStrategies struct{}

func (fakeStrategies) Strategies() map[string]bool {
	return map[string]bool{"gabagool": true, "sleeper": false}
}

type fakeExecution struct{ inFlight int }

func (f *fakeExecution) InFlight() int { return f.inFlight }

type fakePositions struct {
	open []types.Position
	err  error
}

func (f *fakePositions) GetOpenPositions(context.Context) ([]types.Position, error) {
	return f.open, f.err
}
func (f *fakePositions) GetDailyStats(_ context.Context, date string) (types.DailyStats, error) {
	return types.DailyStats{
		Date:        date,
		TotalTrades: 3,
		TotalVolume: decimal.RequireFromString("29.99"),
		RealizedPnL: decimal.RequireFromString("0.61"),
	}, f.err
}

func healthyProviders() Providers {
	return Providers{
		Risk:       &fakeRisk{state: types.CircuitNormal},
		MarketData: &fakeMarketData{connected: true},
		Strategies: fakeStrategies{},
		Execution:  &fakeExecution{inFlight: 1},
		Positions:  &fakePositions{open: []types.Position{{PositionID: "pos-1"}}},
	}
}

func newHandlers(p Providers) *Handlers {
	return NewHandlers(p, config.Config{DryRun: true}, NewHub(testLogger()), testLogger())
}

func getHealth(t *testing.T, h *Handlers) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return rec.Code, resp
}

func TestHealthHealthy(t *testing.T) {
	t.Parallel()
	code, resp := getHealth(t, newHandlers(healthyProviders()))

	if code != http.StatusOK {
		t.Fatalf("code = %d, want 200", code)
	}
	if resp.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", resp.Status)
	}
	if !resp.WebsocketConnected || !resp.StoreConnected {
		t.Fatal("expected websocket and store connected")
	}
	if resp.OpenPositionsCount != 1 {
		t.Fatalf("open positions = %d, want 1", resp.OpenPositionsCount)
	}
	if len(resp.ActiveStrategies) != 1 || resp.ActiveStrategies[0] != "gabagool" {
		t.Fatalf("active strategies = %v", resp.ActiveStrategies)
	}
	if resp.Components["risk"].Status != "ok" {
		t.Fatalf("risk component = %+v", resp.Components["risk"])
	}
}

func TestHealthDegradedOnHalt(t *testing.T) {
	t.Parallel()
	p := healthyProviders()
	p.Risk = &fakeRisk{state: types.CircuitHalt}

	code, resp := getHealth(t, newHandlers(p))

	if code != http.StatusOK {
		t.Fatalf("code = %d, want 200 (degraded still answers)", code)
	}
	if resp.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", resp.Status)
	}
	if resp.CircuitBreakerState != types.CircuitHalt {
		t.Fatalf("circuit state = %q", resp.CircuitBreakerState)
	}
	if !strings.Contains(resp.Components["risk"].Detail, "HALT") {
		t.Fatalf("risk detail = %q", resp.Components["risk"].Detail)
	}
}

func TestHealthDegradedOnDisconnect(t *testing.T) {
	t.Parallel()
	p := healthyProviders()
	p.MarketData = &fakeMarketData{connected: false}

	code, resp := getHealth(t, newHandlers(p))

	if code != http.StatusOK || resp.Status != "degraded" {
		t.Fatalf("code = %d, status = %q", code, resp.Status)
	}
}

func TestHealthUnhealthyOnStoreError(t *testing.T) {
	t.Parallel()
	p := healthyProviders()
	p.Positions = &fakePositions{err: errors.New("database is locked")}

	code, resp := getHealth(t, newHandlers(p))

	if code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", code)
	}
	if resp.Status != "unhealthy" {
		t.Fatalf("status = %q, want unhealthy", resp.Status)
	}
	if resp.StoreConnected {
		t.Fatal("store must report disconnected")
	}
}

func TestMetricsDocument(t *testing.T) {
	t.Parallel()
	h := newHandlers(healthyProviders())

	rec := httptest.NewRecorder()
	h.HandleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"mercury_ws_frames_total 100",
		"mercury_ws_parse_errors_total 2",
		"mercury_ws_connected 1",
		"mercury_circuit_state 0",
		"mercury_executions_in_flight 1",
		"mercury_open_positions 1",
		"mercury_daily_volume_usd 29.99",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q in:\n%s", want, body)
		}
	}
}

func TestMetricsCircuitGauge(t *testing.T) {
	t.Parallel()
	p := healthyProviders()
	p.Risk = &fakeRisk{state: types.CircuitHalt, pnl: decimal.RequireFromString("-120.50")}
	h := newHandlers(p)

	rec := httptest.NewRecorder()
	h.HandleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "mercury_circuit_state 3") {
		t.Fatalf("halt gauge missing in:\n%s", body)
	}
	if !strings.Contains(body, "mercury_daily_pnl_usd -120.50") {
		t.Fatalf("daily pnl missing in:\n%s", body)
	}
}

func TestSnapshotDocument(t *testing.T) {
	t.Parallel()
	h := newHandlers(healthyProviders())

	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	var snap StatusSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.DryRun {
		t.Fatal("dry_run not carried from config")
	}
	if len(snap.OpenPositions) != 1 || snap.OpenPositions[0].PositionID != "pos-1" {
		t.Fatalf("open positions = %+v", snap.OpenPositions)
	}
	if snap.Subscriptions["tok-1"] != "ACTIVE" {
		t.Fatalf("subscriptions = %v", snap.Subscriptions)
	}
	if !snap.Strategies["gabagool"] {
		t.Fatal("gabagool missing from strategies")
	}
	if snap.InFlight != 1 {
		t.Fatalf("in flight = %d", snap.InFlight)
	}
	if time.Since(snap.Timestamp) > time.Minute {
		t.Fatalf("stale timestamp %v", snap.Timestamp)
	}
}
