// Package marketdata implements the WebSocket market-data service.
//
// The service owns a single long-lived WebSocket to the market channel and
// turns transport frames into order-book state:
//
//   - Subscription lifecycle per token: PENDING → ACTIVE on first message,
//     ERRORED on subscribe failure. On disconnect every ACTIVE subscription
//     re-enters PENDING and is resent after the next successful dial.
//   - Frame decoding: price_change deltas, full book snapshots (bids+asks),
//     explicit event_type messages, and top-level arrays as batches. Literal
//     PING/PONG frames update heartbeat state only. Parse failures increment
//     a counter and are dropped, never fatal.
//   - Book application: deltas update one side of the token's ladder, a
//     snapshot clears and replaces. After any mutation the canonical market
//     snapshot is published on the bus.
//   - Staleness: a monitor flags markets whose books stop updating and
//     announces recovery when updates resume.
//   - Connection health: PING every 20s, a PONG expected within 10s; two
//     missed PONGs or 60s of total silence force a reconnect. Reconnects
//     back off exponentially 1s → 60s and reset once traffic resumes.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"mercury/internal/book"
	"mercury/internal/bus"
	"mercury/internal/config"
	"mercury/pkg/types"
)

// ErrNotRunning is returned by SubscribeMarket before Start.
var ErrNotRunning = errors.New("marketdata: service not running")

const (
	writeTimeout   = 10 * time.Second
	silenceTimeout = 60 * time.Second // no frames at all → reconnect
	maxMissedPongs = 2
	snapshotDepth  = 10
)

// SubscriptionState tracks one token's subscription lifecycle.
type SubscriptionState string

const (
	SubPending SubscriptionState = "PENDING"
	SubActive  SubscriptionState = "ACTIVE"
	SubErrored SubscriptionState = "ERRORED"
)

type marketEntry struct {
	book  *book.MarketBook
	stale bool
}

// Service is the WebSocket subscription manager.
type Service struct {
	wsURL  string
	cfg    config.MarketDataConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	running bool
	markets map[string]*marketEntry // by market ID
	byToken map[string]*marketEntry
	subs    map[string]SubscriptionState // by token ID

	connMu sync.Mutex
	conn   *websocket.Conn

	hbMu        sync.Mutex
	lastMessage time.Time
	lastPong    time.Time
	missedPongs int

	statsMu     sync.Mutex
	parseErrors uint64
	reconnects  uint64
	frames      uint64
}

// New creates the market-data service.
func New(wsURL string, cfg config.MarketDataConfig, b *bus.Bus, logger *slog.Logger) *Service {
	return &Service{
		wsURL:   wsURL,
		cfg:     cfg,
		bus:     b,
		logger:  logger.With("component", "market_data"),
		markets: make(map[string]*marketEntry),
		byToken: make(map[string]*marketEntry),
		subs:    make(map[string]SubscriptionState),
	}
}

// Start marks the service running and launches the connection and staleness
// loops. Blocks only until the goroutines are started.
func (s *Service) Start(ctx context.Context, wg *sync.WaitGroup) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.staleMonitor(ctx)
	}()
}

// Stop marks the service stopped and closes the connection.
func (s *Service) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.closeConn()
}

// SubscribeMarket registers both tokens of a market. Subscriptions start
// PENDING and are sent when the socket is open.
func (s *Service) SubscribeMarket(marketID, yesToken, noToken string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	entry, ok := s.markets[marketID]
	if !ok {
		entry = &marketEntry{book: book.NewMarketBook(marketID, yesToken, noToken)}
		s.markets[marketID] = entry
		s.byToken[yesToken] = entry
		s.byToken[noToken] = entry
	}
	s.subs[yesToken] = SubPending
	s.subs[noToken] = SubPending
	s.mu.Unlock()

	if err := s.sendSubscribe([]string{yesToken, noToken}); err != nil {
		// Socket not up yet: stays PENDING, resent on next connect.
		s.logger.Debug("subscribe queued", "market", marketID, "reason", err)
	}
	return nil
}

// UnsubscribeMarket removes a market and its token subscriptions.
func (s *Service) UnsubscribeMarket(marketID string) {
	s.mu.Lock()
	entry, ok := s.markets[marketID]
	if !ok {
		s.mu.Unlock()
		return
	}
	yes, no := entry.book.YesTokenID, entry.book.NoTokenID
	delete(s.markets, marketID)
	delete(s.byToken, yes)
	delete(s.byToken, no)
	delete(s.subs, yes)
	delete(s.subs, no)
	s.mu.Unlock()

	msg := types.WSUnsubscribeMsg{Type: "unsubscribe", Channel: "market", AssetIDs: []string{yes, no}}
	if err := s.writeJSON(msg); err != nil {
		s.logger.Debug("unsubscribe not sent", "market", marketID, "reason", err)
	}
}

// Book returns the market's book, nil when the market is not subscribed.
func (s *Service) Book(marketID string) *book.MarketBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.markets[marketID]; ok {
		return entry.book
	}
	return nil
}

// SubscriptionStates returns a copy of the per-token lifecycle map.
func (s *Service) SubscriptionStates() map[string]SubscriptionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SubscriptionState, len(s.subs))
	for k, v := range s.subs {
		out[k] = v
	}
	return out
}

// Stats returns frame/parse-error/reconnect counters for health reporting.
func (s *Service) Stats() (frames, parseErrors, reconnects uint64) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.frames, s.parseErrors, s.reconnects
}

// Connected reports whether a WebSocket connection is currently up.
func (s *Service) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

// run is the connect/read/reconnect loop.
func (s *Service) run(ctx context.Context) {
	bo := &backoff.Backoff{
		Min:    s.cfg.ReconnectMin,
		Max:    s.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return
		}
		s.mu.RLock()
		running := s.running
		s.mu.RUnlock()
		if !running {
			return
		}

		err := s.connectAndRead(ctx, bo)
		if ctx.Err() != nil {
			return
		}

		wait := bo.Duration()
		s.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", wait)
		s.statsMu.Lock()
		s.reconnects++
		s.statsMu.Unlock()

		// All ACTIVE subscriptions fall back to PENDING for resend.
		s.mu.Lock()
		for token, state := range s.subs {
			if state == SubActive {
				s.subs[token] = SubPending
			}
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Service) connectAndRead(ctx context.Context, bo *backoff.Backoff) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer s.closeConn()

	s.hbMu.Lock()
	s.lastMessage = time.Now()
	s.lastPong = time.Now()
	s.missedPongs = 0
	s.hbMu.Unlock()

	if err := s.resendPending(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("websocket connected", "url", s.wsURL)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(silenceTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		bo.Reset()
		s.HandleMessage(msg)
	}
}

// resendPending sends one subscribe message covering every PENDING token.
func (s *Service) resendPending() error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.subs))
	for token, state := range s.subs {
		if state == SubPending {
			ids = append(ids, token)
		}
	}
	s.mu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return s.sendSubscribe(ids)
}

func (s *Service) sendSubscribe(ids []string) error {
	return s.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: ids})
}

// pingLoop sends a PING on the configured interval and forces a reconnect
// (by closing the connection) after two missed PONGs.
func (s *Service) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hbMu.Lock()
			if time.Since(s.lastPong) > s.cfg.PingInterval+s.cfg.PongTimeout {
				s.missedPongs++
			}
			missed := s.missedPongs
			s.hbMu.Unlock()

			if missed >= maxMissedPongs {
				s.logger.Warn("missed pongs, forcing reconnect", "missed", missed)
				conn.Close()
				return
			}
			if err := s.writeText("PING"); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// HandleMessage decodes one raw transport message and applies it. Exposed
// for the read loop and for tests; it never panics on malformed input.
func (s *Service) HandleMessage(data []byte) {
	s.hbMu.Lock()
	s.lastMessage = time.Now()
	s.hbMu.Unlock()
	s.statsMu.Lock()
	s.frames++
	s.statsMu.Unlock()

	switch string(data) {
	case "PING":
		if err := s.writeText("PONG"); err != nil {
			s.logger.Debug("pong not sent", "error", err)
		}
		return
	case "PONG":
		s.hbMu.Lock()
		s.lastPong = time.Now()
		s.missedPongs = 0
		s.hbMu.Unlock()
		return
	}

	trimmed := firstByte(data)
	if trimmed == '[' {
		var frames []types.WSFrame
		if err := json.Unmarshal(data, &frames); err != nil {
			s.recordParseError("batch", err)
			return
		}
		for _, f := range frames {
			s.applyFrame(f)
		}
		return
	}

	var frame types.WSFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.recordParseError("frame", err)
		return
	}
	s.applyFrame(frame)
}

func (s *Service) applyFrame(f types.WSFrame) {
	switch {
	case len(f.PriceChanges) > 0:
		s.applyPriceChanges(f)
	case len(f.Bids) > 0 || len(f.Asks) > 0 || f.EventType == "book":
		s.applySnapshot(f)
	case f.EventType != "":
		// last_trade_price, tick_size_change, etc: informational
		s.logger.Debug("ignoring event", "type", f.EventType)
	default:
		s.recordParseError("frame", errors.New("unrecognized frame shape"))
	}
}

func (s *Service) applyPriceChanges(f types.WSFrame) {
	// Group changes per asset so each token's book mutates once.
	byAsset := make(map[string][][2][]book.PriceLevel) // [bids, asks] batches
	for _, pc := range f.PriceChanges {
		price, err1 := decimal.NewFromString(pc.Price)
		size, err2 := decimal.NewFromString(pc.Size)
		if err1 != nil || err2 != nil {
			s.recordParseError("price_change", fmt.Errorf("price %q size %q", pc.Price, pc.Size))
			continue
		}
		assetID := pc.AssetID
		if assetID == "" {
			assetID = f.AssetID
		}
		lvl := book.PriceLevel{Price: price, Size: size, OrderCount: 1}
		var bids, asks []book.PriceLevel
		if pc.Side == string(types.SELL) {
			asks = []book.PriceLevel{lvl}
		} else {
			bids = []book.PriceLevel{lvl}
		}
		byAsset[assetID] = append(byAsset[assetID], [2][]book.PriceLevel{bids, asks})
	}

	for assetID, batches := range byAsset {
		entry := s.entryFor(assetID)
		if entry == nil {
			continue
		}
		tokenBook := entry.book.ByToken(assetID)
		var bids, asks []book.PriceLevel
		for _, b := range batches {
			bids = append(bids, b[0]...)
			asks = append(asks, b[1]...)
		}
		tokenBook.ApplyDelta(bids, asks)
		s.afterMutation(assetID, entry)
	}
}

func (s *Service) applySnapshot(f types.WSFrame) {
	entry := s.entryFor(f.AssetID)
	if entry == nil {
		return
	}
	bids, err := parseLevels(f.Bids)
	if err != nil {
		s.recordParseError("snapshot bids", err)
		return
	}
	asks, err := parseLevels(f.Asks)
	if err != nil {
		s.recordParseError("snapshot asks", err)
		return
	}
	entry.book.ByToken(f.AssetID).ApplySnapshot(bids, asks)
	s.afterMutation(f.AssetID, entry)
}

// afterMutation promotes the token's subscription to ACTIVE, clears market
// staleness, and publishes the canonical snapshot.
func (s *Service) afterMutation(assetID string, entry *marketEntry) {
	marketID := entry.book.MarketID

	s.mu.Lock()
	if s.subs[assetID] == SubPending {
		s.subs[assetID] = SubActive
	}
	wasStale := entry.stale
	entry.stale = false
	s.mu.Unlock()

	if wasStale {
		s.bus.Publish(types.TopicMarketFreshPrefix+marketID, types.StaleEvent{
			MarketID:   marketID,
			LastUpdate: entry.book.LastUpdate(),
			Timestamp:  time.Now(),
		})
		s.logger.Info("market fresh again", "market", marketID)
	}

	if entry.book.ByToken(assetID).IsCrossed() {
		s.logger.Warn("crossed book", "market", marketID, "asset", assetID)
	}

	s.bus.Publish(types.TopicOrderBookPrefix+marketID, entry.book.Snapshot(snapshotDepth))
}

// staleMonitor flags markets whose books stop updating.
func (s *Service) staleMonitor(ctx context.Context) {
	interval := s.cfg.StaleThreshold / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkStale()
		}
	}
}

func (s *Service) checkStale() {
	now := time.Now()

	type staleHit struct {
		marketID   string
		lastUpdate time.Time
	}
	var hits []staleHit

	s.mu.Lock()
	for marketID, entry := range s.markets {
		last := entry.book.LastUpdate()
		if last.IsZero() {
			continue // never updated: still PENDING, not stale
		}
		if !entry.stale && now.Sub(last) > s.cfg.StaleThreshold {
			entry.stale = true
			hits = append(hits, staleHit{marketID: marketID, lastUpdate: last})
		}
	}
	s.mu.Unlock()

	for _, h := range hits {
		s.logger.Warn("market stale", "market", h.marketID, "last_update", h.lastUpdate)
		s.bus.Publish(types.TopicMarketStalePrefix+h.marketID, types.StaleEvent{
			MarketID:   h.marketID,
			LastUpdate: h.lastUpdate,
			Timestamp:  now,
		})
	}
}

func (s *Service) entryFor(assetID string) *marketEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byToken[assetID]
}

func (s *Service) recordParseError(what string, err error) {
	s.statsMu.Lock()
	s.parseErrors++
	s.statsMu.Unlock()
	s.logger.Debug("dropped unparseable message", "what", what, "error", err)
}

func (s *Service) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errors.New("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Service) writeText(msg string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errors.New("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *Service) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func parseLevels(in []types.WSLevel) ([]book.PriceLevel, error) {
	out := make([]book.PriceLevel, 0, len(in))
	for _, lvl := range in {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lvl.Price, err)
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", lvl.Size, err)
		}
		out = append(out, book.PriceLevel{Price: price, Size: size, OrderCount: 1})
	}
	return out, nil
}

func firstByte(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
