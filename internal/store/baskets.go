package store

import (
	"fmt"
	"time"

	"tradesim/pkg/types"
)

// Basket groups order legs created together and executed as one action.
type Basket struct {
	ID        string
	UserID    string
	Name      string
	Status    string // DRAFT or EXECUTED
	Legs      []BasketLeg
	CreatedAt time.Time
}

// BasketLeg is one order template inside a basket.
type BasketLeg struct {
	ID           int64
	BasketID     string
	Symbol       string
	Segment      types.Segment
	Side         types.Side
	Quantity     int64
	Type         types.OrderType
	Product      types.ProductType
	Price        float64
	TriggerPrice float64
}

// Basket statuses.
const (
	BasketDraft    = "DRAFT"
	BasketExecuted = "EXECUTED"
)

// CreateBasket inserts an empty basket.
func (s *Store) CreateBasket(b *Basket) error {
	if b.Status == "" {
		b.Status = BasketDraft
	}
	_, err := s.sql.Exec(`
		INSERT INTO mock_baskets (id, user_id, name, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.Name, b.Status, fmtTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("create basket: %w", err)
	}
	return nil
}

// AppendBasketLeg adds a leg to a draft basket.
func (s *Store) AppendBasketLeg(leg BasketLeg) error {
	_, err := s.sql.Exec(`
		INSERT INTO mock_basket_legs (basket_id, symbol, segment, side, quantity, order_type, product_type, price, trigger_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		leg.BasketID, leg.Symbol, string(leg.Segment), string(leg.Side), leg.Quantity,
		string(leg.Type), string(leg.Product), leg.Price, leg.TriggerPrice)
	if err != nil {
		return fmt.Errorf("append basket leg: %w", err)
	}
	return nil
}

// GetBasket loads a basket with its legs.
func (s *Store) GetBasket(id string) (*Basket, error) {
	var b Basket
	var created string
	err := s.sql.QueryRow("SELECT id, user_id, name, status, created_at FROM mock_baskets WHERE id = ?", id).
		Scan(&b.ID, &b.UserID, &b.Name, &b.Status, &created)
	if err != nil {
		return nil, ErrNotFound
	}
	b.CreatedAt = parseTime(created)

	rows, err := s.sql.Query(`
		SELECT id, basket_id, symbol, segment, side, quantity, order_type, product_type, price, trigger_price
		  FROM mock_basket_legs WHERE basket_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load basket legs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var leg BasketLeg
		var seg, side, typ, prod string
		if err := rows.Scan(&leg.ID, &leg.BasketID, &leg.Symbol, &seg, &side, &leg.Quantity,
			&typ, &prod, &leg.Price, &leg.TriggerPrice); err != nil {
			return nil, fmt.Errorf("scan basket leg: %w", err)
		}
		leg.Segment = types.Segment(seg)
		leg.Side = types.Side(side)
		leg.Type = types.OrderType(typ)
		leg.Product = types.ProductType(prod)
		b.Legs = append(b.Legs, leg)
	}
	return &b, rows.Err()
}

// MarkBasketExecuted flips a basket out of draft.
func (s *Store) MarkBasketExecuted(id string) error {
	_, err := s.sql.Exec("UPDATE mock_baskets SET status = ? WHERE id = ?", BasketExecuted, id)
	if err != nil {
		return fmt.Errorf("mark basket executed: %w", err)
	}
	return nil
}
