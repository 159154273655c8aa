package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mercury/internal/config"
	"mercury/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Observability endpoint, bound to localhost in practice.
		return true
	},
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	providers Providers
	cfg       config.Config
	hub       *Hub
	startedAt time.Time
	logger    *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(providers Providers, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		providers: providers,
		cfg:       cfg,
		hub:       hub,
		startedAt: time.Now(),
		logger:    logger.With("component", "api_handlers"),
	}
}

// HandleHealth answers the aggregate health verdict with per-component
// detail. healthy/degraded → 200, unhealthy → 503.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := BuildHealth(r.Context(), h.providers, h.startedAt)

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode health failed", "error", err)
	}
}

// HandleMetrics writes a plain-text metrics document: one "name value"
// line per counter or gauge.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	write := func(name string, value any) {
		fmt.Fprintf(w, "%s %v\n", name, value)
	}

	write("mercury_uptime_seconds", int64(time.Since(h.startedAt).Seconds()))

	if md := h.providers.MarketData; md != nil {
		frames, parseErrors, reconnects := md.Stats()
		write("mercury_ws_frames_total", frames)
		write("mercury_ws_parse_errors_total", parseErrors)
		write("mercury_ws_reconnects_total", reconnects)
		write("mercury_ws_connected", boolGauge(md.Connected()))
	}

	if rk := h.providers.Risk; rk != nil {
		snap := rk.Snapshot()
		write("mercury_circuit_state", circuitGauge(snap.State))
		write("mercury_daily_pnl_usd", snap.DailyPnL.StringFixed(2))
		write("mercury_daily_trades_total", snap.DailyTrades)
		write("mercury_consecutive_failures", snap.ConsecutiveFailures)
	}

	if ex := h.providers.Execution; ex != nil {
		write("mercury_executions_in_flight", ex.InFlight())
	}

	if ps := h.providers.Positions; ps != nil {
		if open, err := ps.GetOpenPositions(r.Context()); err == nil {
			write("mercury_open_positions", len(open))
		}
		date := time.Now().UTC().Format("2006-01-02")
		if stats, err := ps.GetDailyStats(r.Context(), date); err == nil {
			write("mercury_daily_volume_usd", stats.TotalVolume.StringFixed(2))
			write("mercury_daily_realized_pnl_usd", stats.RealizedPnL.StringFixed(2))
			write("mercury_positions_opened_today", stats.PositionsOpened)
			write("mercury_positions_closed_today", stats.PositionsClosed)
		}
	}
}

// HandleSnapshot returns the full status document.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := BuildSnapshot(r.Context(), h.providers, h.cfg)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.logger.Error("encode snapshot failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection and registers an observer. The
// client first receives the current snapshot, then live events.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	observer := h.hub.Attach(conn)

	evt := StreamEvent{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Data:      BuildSnapshot(r.Context(), h.providers, h.cfg),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal initial snapshot failed", "error", err)
		return
	}

	if !observer.Send(data) {
		h.logger.Warn("initial snapshot dropped, observer backed up")
	}
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}

// circuitGauge maps circuit states to 0..3 for alert thresholds.
func circuitGauge(s types.CircuitState) int {
	switch s {
	case types.CircuitWarning:
		return 1
	case types.CircuitCaution:
		return 2
	case types.CircuitHalt:
		return 3
	default:
		return 0
	}
}
