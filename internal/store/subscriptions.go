package store

import (
	"fmt"
	"time"

	"tradesim/pkg/types"
)

// UpsertSubscription persists a subscription mutation. The token is the
// primary key, so re-subscribing an evicted token reactivates its row.
func (s *Store) UpsertSubscription(sub types.Subscription) error {
	active := 0
	if sub.Active {
		active = 1
	}
	_, err := s.sql.Exec(`
		INSERT INTO subscriptions
		       (token, symbol, exchange, segment, expiry, strike, option_type, tier, mode, ws_id, subscribed_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
		       symbol=excluded.symbol, exchange=excluded.exchange, segment=excluded.segment,
		       expiry=excluded.expiry, strike=excluded.strike, option_type=excluded.option_type,
		       tier=excluded.tier, mode=excluded.mode, ws_id=excluded.ws_id,
		       subscribed_at=excluded.subscribed_at, active=excluded.active`,
		sub.Token, sub.Symbol, string(sub.Exchange), string(sub.Segment), sub.Expiry,
		sub.Strike, string(sub.OptionType), string(sub.Tier), string(sub.Mode),
		sub.ShardID, fmtTime(sub.SubscribedAt), active,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.Token, err)
	}
	return nil
}

// DeactivateSubscription marks a token inactive.
func (s *Store) DeactivateSubscription(token string) error {
	_, err := s.sql.Exec("UPDATE subscriptions SET active = 0 WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("deactivate subscription %s: %w", token, err)
	}
	return nil
}

// ActiveSubscriptions returns every active=1 row for startup rehydration.
func (s *Store) ActiveSubscriptions() ([]types.Subscription, error) {
	rows, err := s.sql.Query(`
		SELECT token, symbol, exchange, segment, expiry, strike, option_type, tier, mode, ws_id, subscribed_at
		  FROM subscriptions
		 WHERE active = 1
		 ORDER BY subscribed_at`)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		var sub types.Subscription
		var ex, seg, tier, mode, ot, at string
		if err := rows.Scan(&sub.Token, &sub.Symbol, &ex, &seg, &sub.Expiry,
			&sub.Strike, &ot, &tier, &mode, &sub.ShardID, &at); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Exchange = types.Exchange(ex)
		sub.Segment = types.Segment(seg)
		sub.OptionType = types.OptionType(ot)
		sub.Tier = types.Tier(tier)
		sub.Mode = types.FeedMode(mode)
		sub.SubscribedAt = parseTime(at)
		sub.Active = true
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// LogSubscription appends an audit row for a subscribe/unsubscribe action.
func (s *Store) LogSubscription(token, symbol, action, reason string) {
	s.sql.Exec(`
		INSERT INTO subscription_log (token, symbol, action, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		token, symbol, action, reason, fmtTime(time.Now()))
}

// SaveATM persists the current ATM strike for (underlying, expiry).
func (s *Store) SaveATM(underlying, expiry string, atm float64) error {
	_, err := s.sql.Exec(`
		INSERT INTO atm_cache (underlying, expiry, atm, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(underlying, expiry) DO UPDATE SET atm=excluded.atm, updated_at=excluded.updated_at`,
		underlying, expiry, atm, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save atm %s/%s: %w", underlying, expiry, err)
	}
	return nil
}

// LoadATM returns the persisted ATM strike, or 0 when absent.
func (s *Store) LoadATM(underlying, expiry string) float64 {
	var atm float64
	s.sql.QueryRow("SELECT atm FROM atm_cache WHERE underlying = ? AND expiry = ?",
		underlying, expiry).Scan(&atm)
	return atm
}
