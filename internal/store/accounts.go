package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradesim/pkg/types"
)

// GetUser loads a user account.
func (s *Store) GetUser(userID string) (*types.UserAccount, error) {
	return getUser(s.sql, userID)
}

func getUser(db execer, userID string) (*types.UserAccount, error) {
	var u types.UserAccount
	var wallet, mult, segs string
	var blocked int
	err := db.QueryRow(`
		SELECT user_id, wallet, multiplier, blocked, allowed_segs, brokerage_plan
		  FROM user_accounts WHERE user_id = ?`, userID).
		Scan(&u.UserID, &wallet, &mult, &blocked, &segs, &u.BrokeragePlan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	u.Wallet, _ = decimal.NewFromString(wallet)
	u.Multiplier, _ = decimal.NewFromString(mult)
	u.Blocked = blocked != 0
	for _, seg := range strings.Split(segs, ",") {
		if seg = strings.TrimSpace(seg); seg != "" {
			u.AllowedSegments = append(u.AllowedSegments, types.Segment(seg))
		}
	}
	return &u, nil
}

// UpsertUser creates or updates a user account.
func (s *Store) UpsertUser(u *types.UserAccount) error {
	segs := make([]string, len(u.AllowedSegments))
	for i, seg := range u.AllowedSegments {
		segs[i] = string(seg)
	}
	blocked := 0
	if u.Blocked {
		blocked = 1
	}
	plan := u.BrokeragePlan
	if plan == "" {
		plan = "default"
	}
	_, err := s.sql.Exec(`
		INSERT INTO user_accounts (user_id, wallet, multiplier, blocked, allowed_segs, brokerage_plan)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		       wallet=excluded.wallet, multiplier=excluded.multiplier, blocked=excluded.blocked,
		       allowed_segs=excluded.allowed_segs, brokerage_plan=excluded.brokerage_plan`,
		u.UserID, u.Wallet.String(), u.Multiplier.String(), blocked,
		strings.Join(segs, ","), plan)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetMargin loads the margin account outside a transaction.
func (s *Store) GetMargin(userID string) (*types.MarginAccount, error) {
	return getMargin(s.sql, userID)
}

// UpdateMargin writes the margin account outside a transaction
// (admin recompute path).
func (s *Store) UpdateMargin(m *types.MarginAccount) error {
	return updateMargin(s.sql, m)
}

// GetBrokeragePlan loads a plan by name, falling back to the default plan.
func (s *Store) GetBrokeragePlan(name string) (types.BrokeragePlan, error) {
	if name == "" {
		name = "default"
	}
	var p types.BrokeragePlan
	var flat, pct, cap string
	err := s.sql.QueryRow("SELECT name, flat, percent, cap FROM brokerage_plans WHERE name = ?", name).
		Scan(&p.Name, &flat, &pct, &cap)
	if errors.Is(err, sql.ErrNoRows) && name != "default" {
		return s.GetBrokeragePlan("default")
	}
	if err != nil {
		return p, fmt.Errorf("load brokerage plan %s: %w", name, err)
	}
	p.Flat, _ = decimal.NewFromString(flat)
	p.Percent, _ = decimal.NewFromString(pct)
	p.Cap, _ = decimal.NewFromString(cap)
	return p, nil
}

// LedgerEntries returns a user's ledger, oldest first.
func (s *Store) LedgerEntries(userID string) ([]types.LedgerEntry, error) {
	rows, err := s.sql.Query(`
		SELECT id, user_id, kind, credit, debit, running_balance, remarks, created_at
		  FROM ledger_entries WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	var out []types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		var credit, debit, running, created string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &credit, &debit, &running, &e.Remarks, &created); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		e.Credit, _ = decimal.NewFromString(credit)
		e.Debit, _ = decimal.NewFromString(debit)
		e.RunningBalance, _ = decimal.NewFromString(running)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PositionsForUser returns every position row for a user.
func (s *Store) PositionsForUser(userID string) ([]*types.Position, error) {
	rows, err := s.sql.Query(`
		SELECT user_id, symbol, segment, product_type, quantity, avg_price, realized_pnl, status, updated_at
		  FROM mock_positions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// OpenPositions returns every OPEN position across users. The subscription
// fabric uses this to protect tokens at EOD cleanup.
func (s *Store) OpenPositions() ([]*types.Position, error) {
	rows, err := s.sql.Query(`
		SELECT user_id, symbol, segment, product_type, quantity, avg_price, realized_pnl, status, updated_at
		  FROM mock_positions WHERE status = 'OPEN'`)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func scanPositions(rows *sql.Rows) ([]*types.Position, error) {
	var out []*types.Position
	for rows.Next() {
		var p types.Position
		var seg, prod, pnl, updated string
		if err := rows.Scan(&p.UserID, &p.Symbol, &seg, &prod, &p.Quantity, &p.AvgPrice,
			&pnl, &p.Status, &updated); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Segment = types.Segment(seg)
		p.Product = types.ProductType(prod)
		p.RealizedPnL, _ = decimal.NewFromString(pnl)
		p.UpdatedAt = parseTime(updated)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SaveCredentials rotates the vendor credentials.
func (s *Store) SaveCredentials(clientID, accessToken string) error {
	_, err := s.sql.Exec(`
		INSERT INTO dhan_credentials (client_id, access_token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET access_token=excluded.access_token, updated_at=excluded.updated_at`,
		clientID, accessToken, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Credentials returns the stored vendor credentials, if any.
func (s *Store) Credentials() (clientID, accessToken string, ok bool) {
	err := s.sql.QueryRow("SELECT client_id, access_token FROM dhan_credentials ORDER BY updated_at DESC LIMIT 1").
		Scan(&clientID, &accessToken)
	return clientID, accessToken, err == nil
}

// AddNotification records an admin/user notification for later dispatch.
func (s *Store) AddNotification(userID, level, title, body string) {
	s.sql.Exec(`
		INSERT INTO notifications (user_id, level, title, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, level, title, body, fmtTime(time.Now()))
}
