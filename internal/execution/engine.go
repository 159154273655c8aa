// Package execution turns risk-approved signals into FOK order placements.
//
// For every risk.approved.<signal_id> event the engine runs the pipeline:
// expiry check, liquidity precheck against the live book, arbitrage validity
// re-check, share rounding to clean cent amounts, then dual-leg (or
// single-leg) placement. Fill-or-Kill legs either match atomically or die,
// so the only cross-leg hazard is one MATCHED and one rejected.
//
// The partial-fill invariant is HOLD, NEVER UNWIND: a MATCHED leg is never
// cancelled and never sold back. Selling at market locks in a loss the
// position would likely recover at resolution, where the winning side pays
// $1.00 per share. Only a still-LIVE counterpart leg gets cancelled; the
// held shares flow into a position and resolve through settlement.
//
// Retries are never issued here. A failed opportunity is the strategy's to
// re-signal.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mercury/internal/book"
	"mercury/internal/bus"
	"mercury/internal/config"
	"mercury/internal/exchange"
	"mercury/pkg/types"
)

// Execution outcome classifications persisted on the Trade.
const (
	StatusFullFill    = "full_fill"
	StatusPartialFill = "partial_fill"
	StatusNoFill      = "no_fill"
	StatusRejected    = "rejected"
)

const topAskDepth = 3

// Transport places and cancels orders. *exchange.Client satisfies it.
type Transport interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// BookSource exposes live market books. *marketdata.Service satisfies it.
type BookSource interface {
	Book(marketID string) *book.MarketBook
}

// Store persists the execution outcome atomically.
type Store interface {
	RecordExecution(ctx context.Context, trade types.Trade, position *types.Position, fills []types.Fill) error
}

// RiskRecorder receives execution accounting. *risk.Manager satisfies it.
type RiskRecorder interface {
	RecordFill(fill types.Fill)
	RecordSuccess()
	RecordFailure()
}

// Engine is the execution pipeline.
type Engine struct {
	cfg    config.ExecutionConfig
	bus    *bus.Bus
	client Transport
	books  BookSource
	store  Store
	risk   RiskRecorder
	dryRun bool
	logger *slog.Logger

	unsub func()
	now   func() time.Time

	mu       sync.Mutex
	inFlight int
}

// NewEngine wires the execution pipeline. store and risk may be nil in
// dry-run experiments; events still flow.
func NewEngine(
	cfg config.ExecutionConfig,
	dryRun bool,
	b *bus.Bus,
	client Transport,
	books BookSource,
	store Store,
	riskRec RiskRecorder,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:    cfg,
		bus:    b,
		client: client,
		books:  books,
		store:  store,
		risk:   riskRec,
		dryRun: dryRun,
		logger: logger.With("component", "execution"),
		now:    time.Now,
	}
}

// Start subscribes to approved signals.
func (e *Engine) Start(_ context.Context) error {
	e.unsub = e.bus.Subscribe(types.TopicRiskApprovedPrefix+"*", e.onApproved)
	e.logger.Info("execution engine started",
		"parallel", e.cfg.Parallel,
		"max_liquidity_pct", e.cfg.MaxLiquidityConsumptionPct,
		"dry_run", e.dryRun,
	)
	return nil
}

// Stop removes the bus subscription.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
}

// InFlight returns the number of executions currently in progress. The
// shutdown drain phase polls this.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

func (e *Engine) onApproved(ctx context.Context, topic string, payload any) {
	approved, ok := payload.(types.ApprovedSignal)
	if !ok {
		e.logger.Warn("unexpected approval payload", "topic", topic, "type", fmt.Sprintf("%T", payload))
		return
	}

	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	e.Execute(ctx, approved)
}

// Execute runs the full pipeline for one approved signal.
func (e *Engine) Execute(ctx context.Context, approved types.ApprovedSignal) {
	sig := approved.Signal
	start := e.now()

	if sig.Expired(e.now()) {
		e.completeAborted(sig, start, StatusRejected, "signal expired")
		return
	}

	approvedSize, err := decimal.NewFromString(approved.ApprovedSize)
	if err != nil || !approvedSize.IsPositive() {
		e.completeAborted(sig, start, StatusRejected, fmt.Sprintf("invalid approved size %q", approved.ApprovedSize))
		return
	}

	switch sig.Type {
	case types.SignalArbitrage:
		e.executeDualLeg(ctx, sig, approvedSize, start)
	case types.SignalBuyYes, types.SignalBuyNo:
		e.executeSingleLeg(ctx, sig, approvedSize, start)
	default:
		e.completeAborted(sig, start, StatusRejected, fmt.Sprintf("unsupported signal type %s", sig.Type))
	}
}

func (e *Engine) executeDualLeg(ctx context.Context, sig types.TradingSignal, approvedSize decimal.Decimal, start time.Time) {
	// Arbitrage validity: the opportunity must still exist at signal prices.
	if sig.YesPrice.Add(sig.NoPrice).GreaterThanOrEqual(decimal.NewFromInt(1)) {
		e.completeAborted(sig, start, StatusRejected, "ARBITRAGE_INVALID")
		return
	}

	// Both legs get ONE share count. Rounding each leg separately would
	// leave a sliver of unhedged shares, and the whole point of the pair
	// is that either side pays $1 per share on exactly matched inventory.
	numPairs := approvedSize.Div(sig.YesPrice.Add(sig.NoPrice))
	shares := roundPairShares(numPairs, sig.YesPrice, sig.NoPrice)
	if !shares.IsPositive() {
		e.completeAborted(sig, start, StatusRejected, "size rounds to zero")
		return
	}

	mb := e.books.Book(sig.MarketID)
	if mb == nil {
		e.completeAborted(sig, start, StatusRejected, "no order book for market")
		return
	}
	yesDepth := mb.Yes.AskSize(topAskDepth)
	noDepth := mb.No.AskSize(topAskDepth)

	if reason, ok := e.checkLiquidity("YES", shares, yesDepth); !ok {
		e.completeRejected(sig, start, reason, yesDepth, noDepth)
		return
	}
	if reason, ok := e.checkLiquidity("NO", shares, noDepth); !ok {
		e.completeRejected(sig, start, reason, yesDepth, noDepth)
		return
	}

	result := types.DualLegResult{
		MarketID:        sig.MarketID,
		PreFillYesDepth: yesDepth,
		PreFillNoDepth:  noDepth,
	}
	result.Yes, result.No = e.placeLegs(ctx, sig, shares)
	result.ExecutionMS = float64(e.now().Sub(start).Microseconds()) / 1000.0

	e.settleOutcome(ctx, sig, result)
}

// placeLegs submits both FOK legs at the same share count, concurrently or
// sequentially per config.
func (e *Engine) placeLegs(ctx context.Context, sig types.TradingSignal, shares decimal.Decimal) (yes, no types.Order) {
	yesReq := exchange.OrderRequest{
		TokenID:     sig.YesTokenID,
		Side:        types.BUY,
		Price:       sig.YesPrice,
		Size:        shares,
		TimeInForce: types.TifFOK,
	}
	noReq := exchange.OrderRequest{
		TokenID:     sig.NoTokenID,
		Side:        types.BUY,
		Price:       sig.NoPrice,
		Size:        shares,
		TimeInForce: types.TifFOK,
	}

	if e.cfg.Parallel {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			yes = e.placeLeg(ctx, yesReq)
		}()
		go func() {
			defer wg.Done()
			no = e.placeLeg(ctx, noReq)
		}()
		wg.Wait()
		return yes, no
	}

	yes = e.placeLeg(ctx, yesReq)
	no = e.placeLeg(ctx, noReq)
	return yes, no
}

// placeLeg submits one leg. Transport errors become a FAILED order; the
// classification logic treats that as a rejection for this leg only.
func (e *Engine) placeLeg(ctx context.Context, req exchange.OrderRequest) types.Order {
	e.bus.Publish(types.TopicOrderSubmitted, types.OrderEvent{Order: types.Order{
		TokenID:        req.TokenID,
		Side:           req.Side,
		RequestedPrice: req.Price,
		RequestedSize:  req.Size,
		SubmittedAt:    e.now(),
	}})

	order, err := e.client.PlaceOrder(ctx, req)
	if err != nil {
		e.logger.Warn("leg placement failed",
			"token", req.TokenID,
			"price", req.Price,
			"size", req.Size,
			"error", err,
		)
		return types.Order{
			TokenID:        req.TokenID,
			Side:           req.Side,
			Status:         types.OrderFailed,
			RequestedPrice: req.Price,
			RequestedSize:  req.Size,
			ErrorMsg:       err.Error(),
			SubmittedAt:    e.now(),
			CompletedAt:    e.now(),
		}
	}
	return order
}

// settleOutcome classifies the pair of leg statuses and applies the hold
// policy, persistence, and event flow.
func (e *Engine) settleOutcome(ctx context.Context, sig types.TradingSignal, result types.DualLegResult) {
	switch {
	case result.BothFilled():
		e.handleFullFill(ctx, sig, result)
	case result.HasPartialFill():
		e.handlePartialFill(ctx, sig, result)
	default:
		e.handleNoFill(sig, result)
	}
}

func (e *Engine) handleFullFill(ctx context.Context, sig types.TradingSignal, result types.DualLegResult) {
	e.logger.Info("full fill",
		"signal_id", sig.SignalID,
		"market", sig.MarketID,
		"yes_shares", result.Yes.FilledSize,
		"no_shares", result.No.FilledSize,
		"total_cost", result.TotalCost(),
		"guaranteed_pnl", result.GuaranteedPnL(),
		"execution_ms", result.ExecutionMS,
	)

	trade, position, fills := e.buildRecords(sig, result, StatusFullFill)
	e.persist(ctx, trade, &position, fills)
	e.publishFills(trade.TradeID, result)
	e.bus.Publish(types.TopicPositionOpened, types.PositionOpenedEvent{
		Position:    position,
		ConditionID: sig.MarketID,
	})

	if e.risk != nil {
		for _, f := range fills {
			e.risk.RecordFill(f)
		}
		e.risk.RecordSuccess()
	}
	e.complete(sig, trade.TradeID, StatusFullFill, result)
}

// handlePartialFill holds the matched leg. The counterpart is cancelled only
// if it is still LIVE; a MATCHED leg is never touched.
func (e *Engine) handlePartialFill(ctx context.Context, sig types.TradingSignal, result types.DualLegResult) {
	held, other := "YES", result.No
	if result.No.Status == types.OrderMatched {
		held, other = "NO", result.Yes
	}

	if other.Status == types.OrderLive && other.OrderID != "" {
		if err := e.client.CancelOrder(ctx, other.OrderID); err != nil {
			e.logger.Warn("counterpart cancel failed", "order_id", other.OrderID, "error", err)
		}
	}

	e.logger.Warn("PARTIAL FILL: Position held for resolution",
		"signal_id", sig.SignalID,
		"market", sig.MarketID,
		"held_side", held,
		"yes_filled", result.Yes.FilledSize,
		"no_filled", result.No.FilledSize,
		"unhedged_shares", result.UnhedgedShares(),
	)

	trade, position, fills := e.buildRecords(sig, result, StatusPartialFill)
	e.persist(ctx, trade, &position, fills)
	e.publishFills(trade.TradeID, result)
	e.bus.Publish(types.TopicPositionOpened, types.PositionOpenedEvent{
		Position:    position,
		ConditionID: sig.MarketID,
	})

	if e.risk != nil {
		for _, f := range fills {
			e.risk.RecordFill(f)
		}
		e.risk.RecordFailure()
	}
	e.complete(sig, trade.TradeID, StatusPartialFill, result)
}

func (e *Engine) handleNoFill(sig types.TradingSignal, result types.DualLegResult) {
	e.logger.Warn("no fill",
		"signal_id", sig.SignalID,
		"market", sig.MarketID,
		"yes_status", result.Yes.Status,
		"no_status", result.No.Status,
		"yes_error", result.Yes.ErrorMsg,
		"no_error", result.No.ErrorMsg,
	)

	e.bus.Publish(types.TopicOrderRejected, types.OrderEvent{Order: result.Yes})
	e.bus.Publish(types.TopicOrderRejected, types.OrderEvent{Order: result.No})

	if e.risk != nil {
		e.risk.RecordFailure()
	}
	e.complete(sig, "", StatusNoFill, result)
}

// executeSingleLeg places one directional FOK leg for BUY_YES/BUY_NO.
func (e *Engine) executeSingleLeg(ctx context.Context, sig types.TradingSignal, approvedSize decimal.Decimal, start time.Time) {
	side := "YES"
	tokenID, price := sig.YesTokenID, sig.YesPrice
	if sig.Type == types.SignalBuyNo {
		side = "NO"
		tokenID, price = sig.NoTokenID, sig.NoPrice
	}

	shares := roundSharesToCleanCost(approvedSize.Div(price), price)
	if !shares.IsPositive() {
		e.completeAborted(sig, start, StatusRejected, "size rounds to zero")
		return
	}

	mb := e.books.Book(sig.MarketID)
	if mb == nil {
		e.completeAborted(sig, start, StatusRejected, "no order book for market")
		return
	}
	depth := mb.Yes.AskSize(topAskDepth)
	if side == "NO" {
		depth = mb.No.AskSize(topAskDepth)
	}
	if reason, ok := e.checkLiquidity(side, shares, depth); !ok {
		if side == "YES" {
			e.completeRejected(sig, start, reason, depth, decimal.Zero)
		} else {
			e.completeRejected(sig, start, reason, decimal.Zero, depth)
		}
		return
	}

	order := e.placeLeg(ctx, exchange.OrderRequest{
		TokenID:     tokenID,
		Side:        types.BUY,
		Price:       price,
		Size:        shares,
		TimeInForce: types.TifFOK,
	})

	result := types.DualLegResult{MarketID: sig.MarketID}
	if side == "YES" {
		result.Yes = order
		result.PreFillYesDepth = depth
	} else {
		result.No = order
		result.PreFillNoDepth = depth
	}
	result.ExecutionMS = float64(e.now().Sub(start).Microseconds()) / 1000.0

	if order.Status != types.OrderMatched {
		e.handleNoFill(sig, result)
		return
	}

	trade, position, fills := e.buildRecords(sig, result, StatusFullFill)
	e.persist(ctx, trade, &position, fills)
	e.publishFills(trade.TradeID, result)
	e.bus.Publish(types.TopicPositionOpened, types.PositionOpenedEvent{
		Position:    position,
		ConditionID: sig.MarketID,
	})
	if e.risk != nil {
		for _, f := range fills {
			e.risk.RecordFill(f)
		}
		e.risk.RecordSuccess()
	}
	e.complete(sig, trade.TradeID, StatusFullFill, result)
}

// checkLiquidity enforces the top-of-book consumption cap for one side.
func (e *Engine) checkLiquidity(side string, shares, available decimal.Decimal) (string, bool) {
	maxPct := decimal.NewFromFloat(e.cfg.MaxLiquidityConsumptionPct)
	if !available.IsPositive() {
		return fmt.Sprintf("Insufficient liquidity: %s would consume 100%% (max %s%%)",
			side, maxPct.Mul(decimal.NewFromInt(100)).StringFixed(0)), false
	}
	consumption := shares.Div(available)
	if consumption.GreaterThan(maxPct) {
		return fmt.Sprintf("Insufficient liquidity: %s would consume %s%% (max %s%%)",
			side,
			consumption.Mul(decimal.NewFromInt(100)).StringFixed(1),
			maxPct.Mul(decimal.NewFromInt(100)).StringFixed(0)), false
	}
	return "", true
}

func (e *Engine) buildRecords(sig types.TradingSignal, result types.DualLegResult, status string) (types.Trade, types.Position, []types.Fill) {
	now := e.now()
	tradeID := "trade-" + shortID()
	positionID := "pos-" + shortID()

	trade := types.Trade{
		TradeID:         tradeID,
		MarketID:        sig.MarketID,
		Strategy:        sig.StrategyName,
		YesTokenID:      sig.YesTokenID,
		NoTokenID:       sig.NoTokenID,
		YesSize:         result.Yes.FilledSize,
		NoSize:          result.No.FilledSize,
		YesPrice:        sig.YesPrice,
		NoPrice:         sig.NoPrice,
		TotalCost:       result.TotalCost(),
		GuaranteedPnL:   result.GuaranteedPnL(),
		Status:          status,
		PreFillYesDepth: result.PreFillYesDepth,
		PreFillNoDepth:  result.PreFillNoDepth,
		ExecutionStatus: status,
		DryRun:          e.dryRun,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	position := types.Position{
		PositionID: positionID,
		MarketID:   sig.MarketID,
		TradeID:    tradeID,
		YesShares:  result.Yes.FilledSize,
		NoShares:   result.No.FilledSize,
		CostBasis:  result.TotalCost(),
		Status:     types.PositionOpen,
		OpenedAt:   now,
	}

	var fills []types.Fill
	for _, o := range []types.Order{result.Yes, result.No} {
		if o.Status != types.OrderMatched {
			continue
		}
		avg, _ := o.AverageFillPrice()
		fills = append(fills, types.Fill{
			FillID:         "fill-" + shortID(),
			TradeID:        tradeID,
			OrderID:        o.OrderID,
			TokenID:        o.TokenID,
			Side:           o.Side,
			RequestedSize:  o.RequestedSize,
			FilledSize:     o.FilledSize,
			RequestedPrice: o.RequestedPrice,
			FilledPrice:    avg,
			SlippageCents:  avg.Sub(o.RequestedPrice).Mul(decimal.NewFromInt(100)),
			LatencyMS:      result.ExecutionMS,
			Timestamp:      now,
		})
	}

	return trade, position, fills
}

func (e *Engine) persist(ctx context.Context, trade types.Trade, position *types.Position, fills []types.Fill) {
	if e.store == nil {
		return
	}
	if err := e.store.RecordExecution(ctx, trade, position, fills); err != nil {
		e.logger.Error("persist execution failed",
			"trade_id", trade.TradeID,
			"error", err,
		)
	}
}

func (e *Engine) publishFills(tradeID string, result types.DualLegResult) {
	for _, o := range []types.Order{result.Yes, result.No} {
		if o.Status == types.OrderMatched {
			e.bus.Publish(types.TopicOrderFilled, types.OrderEvent{TradeID: tradeID, Order: o})
		} else if o.Status.IsRejection() {
			e.bus.Publish(types.TopicOrderRejected, types.OrderEvent{TradeID: tradeID, Order: o})
		}
	}
}

func (e *Engine) complete(sig types.TradingSignal, tradeID, status string, result types.DualLegResult) {
	evt := types.ExecutionCompleteEvent{
		SignalID:    sig.SignalID,
		TradeID:     tradeID,
		MarketID:    sig.MarketID,
		Status:      status,
		ExecutionMS: result.ExecutionMS,
		DryRun:      e.dryRun,
	}
	if status == StatusFullFill {
		evt.GuaranteedPnL = result.GuaranteedPnL().StringFixed(4)
	}
	e.bus.Publish(types.TopicExecutionComplete, evt)
}

func (e *Engine) completeAborted(sig types.TradingSignal, start time.Time, status, reason string) {
	e.logger.Warn("execution aborted",
		"signal_id", sig.SignalID,
		"market", sig.MarketID,
		"status", status,
		"reason", reason,
	)
	e.bus.Publish(types.TopicExecutionComplete, types.ExecutionCompleteEvent{
		SignalID:    sig.SignalID,
		MarketID:    sig.MarketID,
		Status:      status,
		Reason:      reason,
		ExecutionMS: float64(e.now().Sub(start).Microseconds()) / 1000.0,
		DryRun:      e.dryRun,
	})
}

// completeRejected is the liquidity-abort variant: the depth figures that
// failed the precheck ride on the event so telemetry can see what the book
// looked like.
func (e *Engine) completeRejected(sig types.TradingSignal, start time.Time, reason string, yesDepth, noDepth decimal.Decimal) {
	e.logger.Warn("execution aborted",
		"signal_id", sig.SignalID,
		"market", sig.MarketID,
		"status", StatusRejected,
		"reason", reason,
		"yes_depth", yesDepth,
		"no_depth", noDepth,
	)
	e.bus.Publish(types.TopicExecutionComplete, types.ExecutionCompleteEvent{
		SignalID:        sig.SignalID,
		MarketID:        sig.MarketID,
		Status:          StatusRejected,
		Reason:          reason,
		PreFillYesDepth: yesDepth.String(),
		PreFillNoDepth:  noDepth.String(),
		ExecutionMS:     float64(e.now().Sub(start).Microseconds()) / 1000.0,
		DryRun:          e.dryRun,
	})
}

// roundPairShares rounds the pair count down until BOTH legs' costs land on
// whole cents. The walk moves one share count, never two, so YES and NO stay
// exactly matched.
func roundPairShares(pairs, yesPrice, noPrice decimal.Decimal) decimal.Decimal {
	shares := pairs.RoundDown(2)
	step := decimal.New(1, -2)
	for i := 0; i < 100 && shares.IsPositive(); i++ {
		yesCost := shares.Mul(yesPrice)
		noCost := shares.Mul(noPrice)
		if yesCost.Equal(yesCost.RoundDown(2)) && noCost.Equal(noCost.RoundDown(2)) {
			return shares
		}
		shares = shares.Sub(step)
	}
	if shares.IsNegative() {
		return decimal.Zero
	}
	return shares
}

// roundSharesToCleanCost rounds shares down until shares × price lands on a
// whole cent, so order amounts survive the 2-decimal money truncation.
func roundSharesToCleanCost(shares, price decimal.Decimal) decimal.Decimal {
	shares = shares.RoundDown(2)
	step := decimal.New(1, -2)
	for i := 0; i < 100 && shares.IsPositive(); i++ {
		cost := shares.Mul(price)
		if cost.Equal(cost.RoundDown(2)) {
			return shares
		}
		shares = shares.Sub(step)
	}
	if shares.IsNegative() {
		return decimal.Zero
	}
	return shares
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
