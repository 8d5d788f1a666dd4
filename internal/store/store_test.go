package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradesim/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubscriptionRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	sub := types.Subscription{
		Token:        "35002",
		Symbol:       "NIFTY 26DEC 25000 CE",
		Exchange:     types.NSE,
		Segment:      types.SegNSEFNO,
		Expiry:       "2026-12-26",
		Strike:       25000,
		OptionType:   types.Call,
		Tier:         types.TierB,
		Mode:         types.ModeQuote,
		ShardID:      2,
		SubscribedAt: time.Now(),
		Active:       true,
	}
	if err := s.UpsertSubscription(sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	subs, err := s.ActiveSubscriptions()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("len = %d, want 1", len(subs))
	}
	got := subs[0]
	if got.Token != "35002" || got.Tier != types.TierB || got.ShardID != 2 || got.Strike != 25000 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Deactivate drops it from the active set.
	if err := s.DeactivateSubscription("35002"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	subs, _ = s.ActiveSubscriptions()
	if len(subs) != 0 {
		t.Errorf("after deactivate len = %d, want 0", len(subs))
	}

	// Re-upsert reactivates the same row: still exactly one.
	sub.Active = true
	if err := s.UpsertSubscription(sub); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	subs, _ = s.ActiveSubscriptions()
	if len(subs) != 1 {
		t.Errorf("after resubscribe len = %d, want 1", len(subs))
	}
}

func TestWatchlistUniqueness(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	e := types.WatchlistEntry{UserID: "u1", Symbol: "HDFCBANK", Expiry: "EQ", Type: types.InstEquity}
	ins, err := s.AddWatchlistItem(e)
	if err != nil || !ins {
		t.Fatalf("first add = %v, %v", ins, err)
	}
	ins, err = s.AddWatchlistItem(e)
	if err != nil {
		t.Fatalf("dup add: %v", err)
	}
	if ins {
		t.Error("duplicate insert reported as new")
	}

	// Same symbol, different expiry is a distinct row.
	e2 := types.WatchlistEntry{UserID: "u1", Symbol: "HDFCBANK", Expiry: "2026-12-26", Type: types.InstFuture}
	if ins, _ := s.AddWatchlistItem(e2); !ins {
		t.Error("distinct expiry rejected")
	}

	items, err := s.Watchlist("u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].AddedOrder >= items[1].AddedOrder {
		t.Errorf("added_order not increasing: %d, %d", items[0].AddedOrder, items[1].AddedOrder)
	}

	if err := s.RemoveWatchlistItem("u1", "HDFCBANK", "EQ"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	items, _ = s.Watchlist("u1")
	if len(items) != 1 {
		t.Errorf("after remove len = %d, want 1", len(items))
	}
}

func TestOrderLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	now := time.Now()
	o := &types.Order{
		ID: "ord-1", UserID: "u1", Symbol: "RELIANCE", Segment: types.SegNSEEQ,
		Side: types.BUY, Quantity: 100, Type: types.OrderMarket, Product: types.ProductMIS,
		Status: types.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.InsertOrder(o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	open, err := s.OpenOrders()
	if err != nil || len(open) != 1 {
		t.Fatalf("open orders = %d, %v", len(open), err)
	}

	err = s.WithTx(func(tx *Tx) error {
		o.FilledQty = 60
		o.AvgFillPrice = 100.05
		o.Status = types.StatusPartial
		o.UpdatedAt = time.Now()
		if err := tx.UpdateOrderFill(o); err != nil {
			return err
		}
		return tx.InsertTrade(types.Trade{
			ID: "trd-1", OrderID: o.ID, UserID: o.UserID, Symbol: o.Symbol,
			Segment: o.Segment, Side: o.Side, Quantity: 60, Price: 100.05,
			Brokerage: decimal.NewFromInt(20), CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	got, err := s.GetOrder("ord-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FilledQty != 60 || got.Status != types.StatusPartial {
		t.Errorf("after fill: %+v", got)
	}
}

func TestTxRollbackLeavesStateConsistent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	now := time.Now()
	o := &types.Order{
		ID: "ord-rb", UserID: "u1", Symbol: "RELIANCE", Segment: types.SegNSEEQ,
		Side: types.BUY, Quantity: 10, Type: types.OrderMarket, Product: types.ProductNormal,
		Status: types.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.InsertOrder(o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	wantErr := errTest
	err := s.WithTx(func(tx *Tx) error {
		o.FilledQty = 10
		o.Status = types.StatusExecuted
		if err := tx.UpdateOrderFill(o); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("tx err = %v, want %v", err, wantErr)
	}

	got, _ := s.GetOrder("ord-rb")
	if got.FilledQty != 0 || got.Status != types.StatusPending {
		t.Errorf("rollback not applied: %+v", got)
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "boom" }

func TestLedgerRunningBalance(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	u := &types.UserAccount{
		UserID: "u1", Wallet: decimal.NewFromInt(100000), Multiplier: decimal.NewFromInt(5),
		AllowedSegments: []types.Segment{types.SegNSEEQ},
	}
	if err := s.UpsertUser(u); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	// Debit 6020, then credit 3000.
	err := s.WithTx(func(tx *Tx) error {
		return tx.AppendLedger(types.LedgerEntry{
			UserID: "u1", Kind: types.LedgerTradePnL,
			Credit: decimal.Zero, Debit: decimal.NewFromInt(6020),
			Remarks: "BUY 60 RELIANCE", CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("tx1: %v", err)
	}
	err = s.WithTx(func(tx *Tx) error {
		return tx.AppendLedger(types.LedgerEntry{
			UserID: "u1", Kind: types.LedgerTradePnL,
			Credit: decimal.NewFromInt(3000), Debit: decimal.Zero,
			Remarks: "SELL 30 RELIANCE", CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("tx2: %v", err)
	}

	entries, err := s.LedgerEntries("u1")
	if err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if !entries[0].RunningBalance.Equal(decimal.NewFromInt(93980)) {
		t.Errorf("running[0] = %s, want 93980", entries[0].RunningBalance)
	}
	if !entries[1].RunningBalance.Equal(decimal.NewFromInt(96980)) {
		t.Errorf("running[1] = %s, want 96980", entries[1].RunningBalance)
	}
}

func TestPositionAndMargin(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.WithTx(func(tx *Tx) error {
		p, err := tx.GetPosition("u1", "RELIANCE", types.ProductMIS)
		if err != nil {
			return err
		}
		if p.Quantity != 0 || p.Status != types.PositionClosed {
			t.Errorf("fresh position: %+v", p)
		}
		p.Quantity = 60
		p.AvgPrice = 100.05
		p.Segment = types.SegNSEEQ
		p.Status = types.PositionOpen
		p.UpdatedAt = time.Now()
		if err := tx.UpsertPosition(p); err != nil {
			return err
		}

		m, err := tx.GetMargin("u1")
		if err != nil {
			return err
		}
		m.Used = decimal.NewFromInt(1200)
		m.Available = decimal.NewFromInt(498800)
		return tx.UpdateMargin(m)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	open, err := s.OpenPositions()
	if err != nil || len(open) != 1 {
		t.Fatalf("open positions = %d, %v", len(open), err)
	}
	if open[0].Quantity != 60 || open[0].Status != types.PositionOpen {
		t.Errorf("position: %+v", open[0])
	}

	m, err := s.GetMargin("u1")
	if err != nil {
		t.Fatalf("margin: %v", err)
	}
	if !m.Used.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("margin used = %s", m.Used)
	}
}

func TestBrokeragePlanFallback(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	p, err := s.GetBrokeragePlan("nonexistent")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if p.Name != "default" {
		t.Errorf("plan = %q, want default", p.Name)
	}
	if !p.Flat.Equal(decimal.NewFromInt(20)) {
		t.Errorf("flat = %s, want 20", p.Flat)
	}
}

func TestBasketRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	b := &Basket{ID: "bk-1", UserID: "u1", Name: "straddle", CreatedAt: time.Now()}
	if err := s.CreateBasket(b); err != nil {
		t.Fatalf("create: %v", err)
	}
	leg := BasketLeg{
		BasketID: "bk-1", Symbol: "NIFTY 26DEC 25000 CE", Segment: types.SegNSEFNO,
		Side: types.SELL, Quantity: 75, Type: types.OrderMarket, Product: types.ProductNormal,
	}
	if err := s.AppendBasketLeg(leg); err != nil {
		t.Fatalf("leg: %v", err)
	}

	got, err := s.GetBasket("bk-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != BasketDraft || len(got.Legs) != 1 || got.Legs[0].Side != types.SELL {
		t.Errorf("basket: %+v", got)
	}

	if err := s.MarkBasketExecuted("bk-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	got, _ = s.GetBasket("bk-1")
	if got.Status != BasketExecuted {
		t.Errorf("status = %q", got.Status)
	}
}
