package store

import (
	"fmt"

	"tradesim/pkg/types"
)

// AddWatchlistItem inserts a watchlist row. Returns true if inserted,
// false when the (user, symbol, expiry) row already exists.
func (s *Store) AddWatchlistItem(e types.WatchlistEntry) (bool, error) {
	if e.Expiry == "" {
		e.Expiry = types.ExpiryEquity
	}
	res, err := s.sql.Exec(`
		INSERT OR IGNORE INTO watchlist (user_id, symbol, expiry, inst_type, added_order)
		VALUES (?, ?, ?, ?,
		        COALESCE((SELECT MAX(added_order) + 1 FROM watchlist WHERE user_id = ?), 1))`,
		e.UserID, e.Symbol, e.Expiry, string(e.Type), e.UserID)
	if err != nil {
		return false, fmt.Errorf("add watchlist item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveWatchlistItem deletes a watchlist row. Idempotent.
func (s *Store) RemoveWatchlistItem(userID, symbol, expiry string) error {
	if expiry == "" {
		expiry = types.ExpiryEquity
	}
	_, err := s.sql.Exec("DELETE FROM watchlist WHERE user_id = ? AND symbol = ? AND expiry = ?",
		userID, symbol, expiry)
	if err != nil {
		return fmt.Errorf("remove watchlist item: %w", err)
	}
	return nil
}

// Watchlist returns one user's rows in added order.
func (s *Store) Watchlist(userID string) ([]types.WatchlistEntry, error) {
	rows, err := s.sql.Query(`
		SELECT user_id, symbol, expiry, inst_type, added_order
		  FROM watchlist
		 WHERE user_id = ?
		 ORDER BY added_order`, userID)
	if err != nil {
		return nil, fmt.Errorf("load watchlist: %w", err)
	}
	defer rows.Close()
	return scanWatchlist(rows)
}

// AllWatchlistEntries returns every row across users; the subscription
// fabric unions these into the desired token set.
func (s *Store) AllWatchlistEntries() ([]types.WatchlistEntry, error) {
	rows, err := s.sql.Query(`
		SELECT user_id, symbol, expiry, inst_type, added_order
		  FROM watchlist
		 ORDER BY user_id, added_order`)
	if err != nil {
		return nil, fmt.Errorf("load watchlist: %w", err)
	}
	defer rows.Close()
	return scanWatchlist(rows)
}

func scanWatchlist(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]types.WatchlistEntry, error) {
	var out []types.WatchlistEntry
	for rows.Next() {
		var e types.WatchlistEntry
		var it string
		if err := rows.Scan(&e.UserID, &e.Symbol, &e.Expiry, &it, &e.AddedOrder); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		e.Type = types.InstrumentType(it)
		out = append(out, e)
	}
	return out, rows.Err()
}
