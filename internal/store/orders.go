package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradesim/pkg/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// InsertOrder persists a freshly accepted (or rejected) order.
func (s *Store) InsertOrder(o *types.Order) error {
	_, err := s.sql.Exec(`
		INSERT INTO mock_orders
		       (id, user_id, symbol, segment, side, quantity, filled_qty, order_type, product_type,
		        price, trigger_price, avg_fill, status, reason, super_id, super_leg, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Symbol, string(o.Segment), string(o.Side), o.Quantity, o.FilledQty,
		string(o.Type), string(o.Product), o.Price, o.TriggerPrice, o.AvgFillPrice,
		string(o.Status), o.Reason, o.SuperOrderID, o.SuperOrderLeg,
		fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderStatus transitions an order outside the fill path
// (cancel, reject, trigger activation, modify).
func (s *Store) UpdateOrderStatus(o *types.Order) error {
	_, err := s.sql.Exec(`
		UPDATE mock_orders
		   SET status = ?, reason = ?, price = ?, trigger_price = ?, order_type = ?,
		       quantity = ?, updated_at = ?
		 WHERE id = ?`,
		string(o.Status), o.Reason, o.Price, o.TriggerPrice, string(o.Type),
		o.Quantity, fmtTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder loads one order by id.
func (s *Store) GetOrder(id string) (*types.Order, error) {
	return scanOrder(s.sql.QueryRow(selectOrder+" WHERE id = ?", id))
}

// OpenOrders returns every PENDING or PARTIAL order for the sweep loop.
func (s *Store) OpenOrders() ([]*types.Order, error) {
	rows, err := s.sql.Query(selectOrder + " WHERE status IN ('PENDING','PARTIAL') ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	defer rows.Close()

	var orders []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// OrdersForUser returns a user's orders, newest first.
func (s *Store) OrdersForUser(userID string) ([]*types.Order, error) {
	rows, err := s.sql.Query(selectOrder+" WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("load user orders: %w", err)
	}
	defer rows.Close()

	var orders []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

const selectOrder = `
	SELECT id, user_id, symbol, segment, side, quantity, filled_qty, order_type, product_type,
	       price, trigger_price, avg_fill, status, reason, super_id, super_leg, created_at, updated_at
	  FROM mock_orders`

type rowScanner interface{ Scan(...any) error }

func scanOrder(row rowScanner) (*types.Order, error) {
	var o types.Order
	var seg, side, typ, prod, status, created, updated string
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &seg, &side, &o.Quantity, &o.FilledQty,
		&typ, &prod, &o.Price, &o.TriggerPrice, &o.AvgFillPrice, &status, &o.Reason,
		&o.SuperOrderID, &o.SuperOrderLeg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Segment = types.Segment(seg)
	o.Side = types.Side(side)
	o.Type = types.OrderType(typ)
	o.Product = types.ProductType(prod)
	o.Status = types.OrderStatus(status)
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	return &o, nil
}

// InsertExecutionEvent appends an engine lifecycle event.
func (s *Store) InsertExecutionEvent(ev types.ExecutionEvent) error {
	return insertExecutionEvent(s.sql, ev)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func insertExecutionEvent(db execer, ev types.ExecutionEvent) error {
	_, err := db.Exec(`
		INSERT INTO execution_events (id, order_id, user_id, event_type, symbol, side, quantity, price, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.OrderID, ev.UserID, string(ev.Type), ev.Symbol, string(ev.Side),
		ev.Quantity, ev.Price, ev.Reason, fmtTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution event: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Apply-fill transaction
// ————————————————————————————————————————————————————————————————————————

// Tx is one transactional boundary for the execution engine. Every mutation
// inside the closure passed to WithTx commits or rolls back atomically.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction.
func (s *Store) WithTx(fn func(*Tx) error) error {
	tx, err := s.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpdateOrderFill records fill progress on an order.
func (t *Tx) UpdateOrderFill(o *types.Order) error {
	_, err := t.tx.Exec(`
		UPDATE mock_orders
		   SET filled_qty = ?, avg_fill = ?, status = ?, reason = ?, updated_at = ?
		 WHERE id = ?`,
		o.FilledQty, o.AvgFillPrice, string(o.Status), o.Reason, fmtTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("update order fill %s: %w", o.ID, err)
	}
	return nil
}

// InsertTrade appends one fill.
func (t *Tx) InsertTrade(tr types.Trade) error {
	_, err := t.tx.Exec(`
		INSERT INTO mock_trades (id, order_id, user_id, symbol, segment, side, quantity, price, brokerage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.OrderID, tr.UserID, tr.Symbol, string(tr.Segment), string(tr.Side),
		tr.Quantity, tr.Price, tr.Brokerage.String(), fmtTime(tr.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetPosition loads (or zero-initializes) the position row for update.
func (t *Tx) GetPosition(userID, symbol string, product types.ProductType) (*types.Position, error) {
	var p types.Position
	var seg, pnl, status, updated string
	err := t.tx.QueryRow(`
		SELECT user_id, symbol, segment, product_type, quantity, avg_price, realized_pnl, status, updated_at
		  FROM mock_positions
		 WHERE user_id = ? AND symbol = ? AND product_type = ?`,
		userID, symbol, string(product)).
		Scan(&p.UserID, &p.Symbol, &seg, &p.Product, &p.Quantity, &p.AvgPrice, &pnl, &status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.Position{
			UserID:      userID,
			Symbol:      symbol,
			Product:     product,
			RealizedPnL: decimal.Zero,
			Status:      types.PositionClosed,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	p.Segment = types.Segment(seg)
	p.RealizedPnL, _ = decimal.NewFromString(pnl)
	p.Status = status
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// UpsertPosition writes a position row back.
func (t *Tx) UpsertPosition(p *types.Position) error {
	_, err := t.tx.Exec(`
		INSERT INTO mock_positions (user_id, symbol, segment, product_type, quantity, avg_price, realized_pnl, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol, product_type) DO UPDATE SET
		       segment=excluded.segment, quantity=excluded.quantity, avg_price=excluded.avg_price,
		       realized_pnl=excluded.realized_pnl, status=excluded.status, updated_at=excluded.updated_at`,
		p.UserID, p.Symbol, string(p.Segment), string(p.Product), p.Quantity, p.AvgPrice,
		p.RealizedPnL.String(), p.Status, fmtTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// GetMargin loads the margin row for update, zero-initialized when absent.
func (t *Tx) GetMargin(userID string) (*types.MarginAccount, error) {
	return getMargin(t.tx, userID)
}

func getMargin(db execer, userID string) (*types.MarginAccount, error) {
	var avail, used string
	err := db.QueryRow("SELECT available, used FROM margin_accounts WHERE user_id = ?", userID).
		Scan(&avail, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.MarginAccount{UserID: userID, Available: decimal.Zero, Used: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load margin: %w", err)
	}
	m := &types.MarginAccount{UserID: userID}
	m.Available, _ = decimal.NewFromString(avail)
	m.Used, _ = decimal.NewFromString(used)
	return m, nil
}

// UpdateMargin writes the margin row back.
func (t *Tx) UpdateMargin(m *types.MarginAccount) error {
	return updateMargin(t.tx, m)
}

func updateMargin(db execer, m *types.MarginAccount) error {
	_, err := db.Exec(`
		INSERT INTO margin_accounts (user_id, available, used) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET available=excluded.available, used=excluded.used`,
		m.UserID, m.Available.String(), m.Used.String())
	if err != nil {
		return fmt.Errorf("update margin: %w", err)
	}
	return nil
}

// UpdateWallet sets the user's wallet balance.
func (t *Tx) UpdateWallet(userID string, wallet decimal.Decimal) error {
	_, err := t.tx.Exec("UPDATE user_accounts SET wallet = ? WHERE user_id = ?",
		wallet.String(), userID)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return nil
}

// AppendLedger writes one ledger row, computing the running balance from the
// previous entry inside the same transaction.
func (t *Tx) AppendLedger(e types.LedgerEntry) error {
	var prev string
	err := t.tx.QueryRow(`
		SELECT running_balance FROM ledger_entries
		 WHERE user_id = ? ORDER BY id DESC LIMIT 1`, e.UserID).Scan(&prev)
	running := decimal.Zero
	if err == nil {
		running, _ = decimal.NewFromString(prev)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load ledger tail: %w", err)
	} else {
		// First entry starts from the wallet balance before this movement;
		// callers must append the ledger row before updating the wallet.
		var wallet string
		if werr := t.tx.QueryRow("SELECT wallet FROM user_accounts WHERE user_id = ?", e.UserID).
			Scan(&wallet); werr == nil {
			running, _ = decimal.NewFromString(wallet)
		}
	}
	running = running.Add(e.Credit).Sub(e.Debit)

	_, err = t.tx.Exec(`
		INSERT INTO ledger_entries (user_id, kind, credit, debit, running_balance, remarks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Kind, e.Credit.String(), e.Debit.String(), running.String(),
		e.Remarks, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

// InsertExecutionEvent appends an event within the transaction.
func (t *Tx) InsertExecutionEvent(ev types.ExecutionEvent) error {
	return insertExecutionEvent(t.tx, ev)
}

// GetUser loads the user account for pre-trade checks within the transaction.
func (t *Tx) GetUser(userID string) (*types.UserAccount, error) {
	return getUser(t.tx, userID)
}
