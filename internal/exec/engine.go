package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradesim/internal/config"
	"tradesim/internal/registry"
	"tradesim/internal/store"
	"tradesim/pkg/types"
)

// Engine is the order state machine. Orders are accepted synchronously
// (pre-trade checks, persistence, ACCEPTED event) and priced asynchronously
// after the simulated latency draw; a sweep loop revisits PENDING and
// PARTIAL orders for triggers, liquidity and timeouts.
type Engine struct {
	cfg    config.ExecConfig
	db     *store.Store
	oracle *Oracle
	reg    *registry.Registry
	logger *slog.Logger
	models *models

	accepting atomic.Bool
	inflight  sync.WaitGroup

	// life bounds the latency sleeps of scheduled fills. Request contexts
	// die as soon as the placement response is written, so the wait has to
	// ride on the engine's own lifetime instead.
	life     context.Context
	stopLife context.CancelFunc

	// fillMu serializes fill application; order flow is small enough that
	// one lock beats per-order bookkeeping.
	fillMu sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewEngine wires the engine. Start launches the sweep loop.
func NewEngine(cfg config.ExecConfig, db *store.Store, oracle *Oracle, reg *registry.Registry, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		db:     db,
		oracle: oracle,
		reg:    reg,
		logger: logger.With("component", "exec"),
		models: newModels(cfg),
		now:    time.Now,
	}
	e.life, e.stopLife = context.WithCancel(context.Background())
	e.sleep = func(ctx context.Context, d time.Duration) {
		if d <= 0 {
			return
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	e.accepting.Store(true)
	return e
}

// Start runs the pending sweep until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

// Stop refuses new orders, cuts pending latency waits short and waits for
// in-flight fills to finish.
func (e *Engine) Stop() {
	e.accepting.Store(false)
	e.stopLife()
	e.inflight.Wait()
}

// PlaceOrder runs pre-trade checks, persists the order and schedules the
// asynchronous fill. Domain rejections come back on the order record, not
// as an error; the returned order carries any margin warning in Reason.
func (e *Engine) PlaceOrder(ctx context.Context, o *types.Order) (*types.Order, error) {
	if !e.accepting.Load() {
		return nil, fmt.Errorf("engine stopped, not accepting orders")
	}
	if o.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = types.StatusPending
	o.CreatedAt = e.now()
	o.UpdatedAt = o.CreatedAt

	user, err := e.db.GetUser(o.UserID)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	if reason := e.preTradeReject(o, user); reason != "" {
		o.Status = types.StatusRejected
		o.Reason = reason
		if err := e.db.InsertOrder(o); err != nil {
			return nil, err
		}
		e.emitEvent(o, types.ExecRejected, 0, 0, reason)
		e.logger.Info("order rejected", "order", o.ID, "symbol", o.Symbol, "reason", reason)
		return o, nil
	}

	// Insufficient margin is a warning, not a rejection: the order is
	// accepted anyway and the response carries MARGIN_EXCEEDED.
	if e.marginExceeded(o, user) {
		o.Reason = types.ReasonMarginExceeded
	}

	if err := e.db.InsertOrder(o); err != nil {
		return nil, err
	}
	e.emitEvent(o, types.ExecAccepted, o.Quantity, o.Price, o.Reason)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.sleep(e.life, e.models.latency(o.Segment.Exchange()))
		e.tryFill(o.ID)
	}()

	return o, nil
}

// preTradeReject returns a rejection reason, or empty when the order passes.
func (e *Engine) preTradeReject(o *types.Order, user *types.UserAccount) string {
	if user.Blocked {
		return types.ReasonUserBlocked
	}
	if len(user.AllowedSegments) > 0 {
		allowed := false
		for _, seg := range user.AllowedSegments {
			if seg == o.Segment {
				allowed = true
				break
			}
		}
		if !allowed {
			return types.ReasonSegmentRestricted
		}
	}
	if o.Type.IsTriggered() && o.TriggerPrice <= 0 {
		return types.ReasonInvalidTrigger
	}
	if o.Type == types.OrderLimit && o.Price <= 0 {
		return types.ReasonInvalidTrigger
	}
	return ""
}

// marginExceeded estimates the margin the order needs against what is
// available. Estimation only; the true delta applies per fill.
func (e *Engine) marginExceeded(o *types.Order, user *types.UserAccount) bool {
	price := o.Price
	if price <= 0 {
		if book, ok := e.oracle.Snapshot(o.Symbol); ok {
			if o.Side == types.BUY {
				price = book.BestAsk
			} else {
				price = book.BestBid
			}
		}
	}
	if price <= 0 {
		return false
	}

	margin, err := e.db.GetMargin(o.UserID)
	if err != nil {
		return false
	}
	required := marginRequired(o.Product, price, o.Quantity, user.Multiplier)
	return required.GreaterThan(margin.Available)
}

// marginRequired is notional for NORMAL, notional/multiplier for MIS.
func marginRequired(product types.ProductType, price float64, qty int64, multiplier decimal.Decimal) decimal.Decimal {
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty))
	if product == types.ProductMIS && multiplier.IsPositive() {
		return notional.Div(multiplier)
	}
	return notional
}

// CancelOrder cancels a non-terminal order.
func (e *Engine) CancelOrder(orderID, userID string) error {
	e.fillMu.Lock()
	defer e.fillMu.Unlock()

	o, err := e.db.GetOrder(orderID)
	if err != nil {
		return err
	}
	if o.UserID != userID {
		return fmt.Errorf("order %s: not owned by %s", orderID, userID)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.Status)
	}
	o.Status = types.StatusCancelled
	o.UpdatedAt = e.now()
	return e.db.UpdateOrderStatus(o)
}

// ModifyOrder updates price/trigger/quantity on a still-pending order.
func (e *Engine) ModifyOrder(orderID, userID string, price, trigger float64, qty int64) error {
	e.fillMu.Lock()
	defer e.fillMu.Unlock()

	o, err := e.db.GetOrder(orderID)
	if err != nil {
		return err
	}
	if o.UserID != userID {
		return fmt.Errorf("order %s: not owned by %s", orderID, userID)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.Status)
	}
	if price > 0 {
		o.Price = price
	}
	if trigger > 0 {
		o.TriggerPrice = trigger
	}
	if qty >= o.FilledQty && qty > 0 {
		o.Quantity = qty
	}
	o.UpdatedAt = e.now()
	return e.db.UpdateOrderStatus(o)
}

// sweep revisits open orders: trigger evaluation, re-pricing, timeouts.
func (e *Engine) sweep() {
	orders, err := e.db.OpenOrders()
	if err != nil {
		e.logger.Warn("sweep load failed", "error", err)
		return
	}
	for _, o := range orders {
		timeout := e.cfg.FillTimeout[string(o.Segment.Exchange())]
		if timeout > 0 && e.now().Sub(o.CreatedAt) > timeout {
			e.timeoutOrder(o)
			continue
		}
		e.tryFill(o.ID)
	}
}

// timeoutOrder closes out an order that outlived its liquidity window:
// never-filled orders reject, partially filled ones cancel the remainder.
func (e *Engine) timeoutOrder(o *types.Order) {
	e.fillMu.Lock()
	defer e.fillMu.Unlock()

	cur, err := e.db.GetOrder(o.ID)
	if err != nil || cur.Status.Terminal() {
		return
	}
	if cur.FilledQty == 0 {
		cur.Status = types.StatusRejected
	} else {
		cur.Status = types.StatusCancelled
	}
	cur.Reason = types.ReasonNoLiquidityTimeout
	cur.UpdatedAt = e.now()
	if err := e.db.UpdateOrderStatus(cur); err != nil {
		e.logger.Warn("timeout update failed", "order", cur.ID, "error", err)
		return
	}
	e.emitEvent(cur, types.ExecRejected, cur.Remaining(), 0, types.ReasonNoLiquidityTimeout)
	e.logger.Info("order timed out", "order", cur.ID, "symbol", cur.Symbol, "filled", cur.FilledQty)
}

// tryFill prices one order against the oracle and applies at most one fill.
func (e *Engine) tryFill(orderID string) {
	e.fillMu.Lock()
	defer e.fillMu.Unlock()

	o, err := e.db.GetOrder(orderID)
	if err != nil || o.Status.Terminal() {
		return
	}

	book, ok := e.oracle.Snapshot(o.Symbol)
	if !ok {
		return
	}

	if o.Type.IsTriggered() {
		if !triggerFired(o, book) {
			return
		}
		e.activateTrigger(o)
	}

	pTop, topQty := book.BestAsk, book.AskQty
	if o.Side == types.SELL {
		pTop, topQty = book.BestBid, book.BidQty
	}
	if pTop <= 0 {
		return
	}

	// LIMIT fills only at or through the top of book.
	if o.Type == types.OrderLimit {
		if o.Side == types.BUY && o.Price < pTop {
			return
		}
		if o.Side == types.SELL && o.Price > pTop {
			return
		}
	}

	lot := e.lotSize(o.Symbol)
	fillQty := min(o.Remaining(), topQty)
	fillQty -= fillQty % lot
	if fillQty <= 0 {
		return
	}

	price := pTop + float64(o.Side.Sign())*e.models.slippage(book.Spread(), fillQty, topQty)
	if o.Type == types.OrderLimit {
		// Limit orders never fill worse than their limit.
		if o.Side == types.BUY && price > o.Price {
			price = o.Price
		}
		if o.Side == types.SELL && price < o.Price {
			price = o.Price
		}
	}

	if err := e.applyFill(o, fillQty, price); err != nil {
		e.logger.Error("apply fill failed", "order", o.ID, "error", err)
	}
}

// triggerFired checks whether the relevant side crossed the trigger.
// A SELL stop fires when the bid falls to the trigger; a BUY stop when the
// ask rises to it.
func triggerFired(o *types.Order, book Book) bool {
	if o.Side == types.SELL {
		return book.BestBid > 0 && book.BestBid <= o.TriggerPrice
	}
	return book.BestAsk > 0 && book.BestAsk >= o.TriggerPrice
}

// activateTrigger converts a fired trigger order to MARKET or LIMIT.
func (e *Engine) activateTrigger(o *types.Order) {
	if o.Type == types.OrderSLL || (o.Type != types.OrderSLM && o.Price > 0) {
		o.Type = types.OrderLimit
	} else {
		o.Type = types.OrderMarket
	}
	o.UpdatedAt = e.now()
	if err := e.db.UpdateOrderStatus(o); err != nil {
		e.logger.Warn("trigger activation persist failed", "order", o.ID, "error", err)
	}
	e.logger.Info("trigger activated", "order", o.ID, "symbol", o.Symbol, "as", o.Type)
}

// lotSize resolves the fill granularity: registry lot for the symbol, the
// underlying's lot for options, 1 for equities.
func (e *Engine) lotSize(symbol string) int64 {
	if e.reg != nil {
		if inst, ok := e.reg.BySymbol(symbol); ok && inst.LotSize > 0 {
			return int64(inst.LotSize)
		}
	}
	if underlying, _, _, _, ok := types.ParseOptionSymbol(symbol); ok {
		if e.reg != nil {
			if inst, ok := e.reg.BySymbol(underlying); ok && inst.LotSize > 0 {
				return int64(inst.LotSize)
			}
		}
		if d, ok := registry.LookupIndexDefault(underlying); ok && d.LotSize > 0 {
			return int64(d.LotSize)
		}
		if lot := registry.SpanLotFallback(underlying); lot > 0 {
			return int64(lot)
		}
	}
	return 1
}

// applyFill applies one fill atomically across order, trade, position,
// margin, wallet and ledger.
func (e *Engine) applyFill(o *types.Order, qty int64, price float64) error {
	user, err := e.db.GetUser(o.UserID)
	if err != nil {
		return err
	}
	plan, err := e.db.GetBrokeragePlan(user.BrokeragePlan)
	if err != nil {
		return err
	}

	turnover := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty))
	brokerage := plan.Charge(turnover)
	now := e.now()

	return e.db.WithTx(func(tx *store.Tx) error {
		// Order progress: weighted average fill, PARTIAL/EXECUTED status.
		prevFilled := o.FilledQty
		o.AvgFillPrice = (o.AvgFillPrice*float64(prevFilled) + price*float64(qty)) / float64(prevFilled+qty)
		o.FilledQty += qty
		if o.FilledQty >= o.Quantity {
			o.Status = types.StatusExecuted
		} else {
			o.Status = types.StatusPartial
		}
		o.UpdatedAt = now
		if err := tx.UpdateOrderFill(o); err != nil {
			return err
		}

		if err := tx.InsertTrade(types.Trade{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			UserID:    o.UserID,
			Symbol:    o.Symbol,
			Segment:   o.Segment,
			Side:      o.Side,
			Quantity:  qty,
			Price:     price,
			Brokerage: brokerage,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		// Position: averaging on same direction, realization on opposite.
		pos, err := tx.GetPosition(o.UserID, o.Symbol, o.Product)
		if err != nil {
			return err
		}
		entryPrice := pos.AvgPrice
		released := applyToPosition(pos, o.Side, qty, price)
		pos.Segment = o.Segment
		pos.UpdatedAt = now
		if err := tx.UpsertPosition(pos); err != nil {
			return err
		}

		// Margin: opening exposure blocks notional (leveraged for MIS),
		// closing releases what was blocked at the pre-fill average price.
		margin, err := tx.GetMargin(o.UserID)
		if err != nil {
			return err
		}
		opened := qty - released
		if opened > 0 {
			req := marginRequired(o.Product, price, opened, user.Multiplier)
			margin.Used = margin.Used.Add(req)
			margin.Available = margin.Available.Sub(req)
		}
		if released > 0 {
			rel := marginRequired(o.Product, entryPrice, released, user.Multiplier)
			if rel.GreaterThan(margin.Used) {
				rel = margin.Used
			}
			margin.Used = margin.Used.Sub(rel)
			margin.Available = margin.Available.Add(rel)
		}
		if err := tx.UpdateMargin(margin); err != nil {
			return err
		}

		// Ledger before wallet: the first entry seeds its running balance
		// from the pre-movement wallet.
		entry := types.LedgerEntry{
			UserID:    o.UserID,
			Kind:      types.LedgerTradePnL,
			Remarks:   fmt.Sprintf("%s %d %s @ %.2f", o.Side, qty, o.Symbol, price),
			CreatedAt: now,
		}
		wallet := user.Wallet
		if o.Side == types.BUY {
			entry.Debit = turnover.Add(brokerage)
			wallet = wallet.Sub(entry.Debit)
		} else {
			entry.Credit = turnover.Sub(brokerage)
			wallet = wallet.Add(entry.Credit)
		}
		if err := tx.AppendLedger(entry); err != nil {
			return err
		}
		if err := tx.UpdateWallet(o.UserID, wallet); err != nil {
			return err
		}
		user.Wallet = wallet

		evType := types.ExecPartialFill
		if o.Status == types.StatusExecuted {
			evType = types.ExecFullFill
		}
		return tx.InsertExecutionEvent(types.ExecutionEvent{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			UserID:    o.UserID,
			Type:      evType,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Quantity:  qty,
			Price:     price,
			CreatedAt: now,
		})
	})
}

// applyToPosition folds a fill into a position and returns how many units
// closed existing exposure (0 when extending).
func applyToPosition(p *types.Position, side types.Side, qty int64, price float64) (released int64) {
	delta := int64(side.Sign()) * qty

	switch {
	case p.Quantity == 0 || (p.Quantity > 0) == (delta > 0):
		// Extending: weighted average price.
		total := abs(p.Quantity) + qty
		p.AvgPrice = (p.AvgPrice*float64(abs(p.Quantity)) + price*float64(qty)) / float64(total)
		p.Quantity += delta
	default:
		// Reducing or flipping: realize PnL on the closed units.
		closed := min(abs(p.Quantity), qty)
		released = closed
		direction := int64(1)
		if p.Quantity < 0 {
			direction = -1
		}
		pnl := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(p.AvgPrice)).
			Mul(decimal.NewFromInt(closed * direction))
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.Quantity += delta
		if p.Quantity != 0 && (p.Quantity > 0) != (direction > 0) {
			// Flip: the remainder opens fresh at the fill price.
			p.AvgPrice = price
		}
	}

	if p.Quantity == 0 {
		p.Status = types.PositionClosed
		p.AvgPrice = 0
	} else {
		p.Status = types.PositionOpen
	}
	return released
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// SquareOff closes an open position with an opposite MARKET order.
func (e *Engine) SquareOff(ctx context.Context, userID, symbol string, product types.ProductType) (*types.Order, error) {
	positions, err := e.db.PositionsForUser(userID)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol != symbol || p.Product != product || p.Status != types.PositionOpen {
			continue
		}
		side := types.SELL
		if p.Quantity < 0 {
			side = types.BUY
		}
		return e.PlaceOrder(ctx, &types.Order{
			UserID:   userID,
			Symbol:   symbol,
			Segment:  p.Segment,
			Side:     side,
			Quantity: abs(p.Quantity),
			Type:     types.OrderMarket,
			Product:  product,
		})
	}
	return nil, fmt.Errorf("no open %s position on %s", product, symbol)
}

// ForceExit squares off every open position of a user; used by the admin
// surface and risk tooling.
func (e *Engine) ForceExit(ctx context.Context, userID string) (int, error) {
	positions, err := e.db.PositionsForUser(userID)
	if err != nil {
		return 0, err
	}
	exited := 0
	for _, p := range positions {
		if p.Status != types.PositionOpen {
			continue
		}
		if _, err := e.SquareOff(ctx, userID, p.Symbol, p.Product); err != nil {
			e.logger.Warn("force exit leg failed", "user", userID, "symbol", p.Symbol, "error", err)
			continue
		}
		exited++
	}
	return exited, nil
}

// ExecuteBasket places every leg of a draft basket and marks it executed.
func (e *Engine) ExecuteBasket(ctx context.Context, basketID string) ([]*types.Order, error) {
	basket, err := e.db.GetBasket(basketID)
	if err != nil {
		return nil, err
	}
	if basket.Status == store.BasketExecuted {
		return nil, fmt.Errorf("basket %s already executed", basketID)
	}

	orders := make([]*types.Order, 0, len(basket.Legs))
	for _, leg := range basket.Legs {
		o, err := e.PlaceOrder(ctx, &types.Order{
			UserID:       basket.UserID,
			Symbol:       leg.Symbol,
			Segment:      leg.Segment,
			Side:         leg.Side,
			Quantity:     leg.Quantity,
			Type:         leg.Type,
			Product:      leg.Product,
			Price:        leg.Price,
			TriggerPrice: leg.TriggerPrice,
			SuperOrderID: basketID,
		})
		if err != nil {
			return orders, fmt.Errorf("basket %s leg %s: %w", basketID, leg.Symbol, err)
		}
		orders = append(orders, o)
	}
	if err := e.db.MarkBasketExecuted(basketID); err != nil {
		return orders, err
	}
	return orders, nil
}

func (e *Engine) emitEvent(o *types.Order, evType types.ExecutionEventType, qty int64, price float64, reason string) {
	err := e.db.InsertExecutionEvent(types.ExecutionEvent{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		UserID:    o.UserID,
		Type:      evType,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Quantity:  qty,
		Price:     price,
		Reason:    reason,
		CreatedAt: e.now(),
	})
	if err != nil {
		e.logger.Warn("event insert failed", "order", o.ID, "error", err)
	}
}
