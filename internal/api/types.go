package api

import (
	"time"

	"tradesim/pkg/types"
)

// Event is the envelope for every WebSocket push.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// PlaceOrderRequest is the order entry payload.
type PlaceOrderRequest struct {
	UserID       string            `json:"user_id"`
	Symbol       string            `json:"symbol"`
	Segment      types.Segment     `json:"segment"`
	Side         types.Side        `json:"side"`
	Quantity     int64             `json:"quantity"`
	Type         types.OrderType   `json:"order_type"`
	Product      types.ProductType `json:"product"`
	Price        float64           `json:"price,omitempty"`
	TriggerPrice float64           `json:"trigger_price,omitempty"`
}

// ModifyOrderRequest updates a pending order in place.
type ModifyOrderRequest struct {
	UserID       string  `json:"user_id"`
	Price        float64 `json:"price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	Quantity     int64   `json:"quantity,omitempty"`
}

// SquareOffRequest closes one open position at market.
type SquareOffRequest struct {
	UserID  string            `json:"user_id"`
	Symbol  string            `json:"symbol"`
	Product types.ProductType `json:"product"`
}

// WatchlistRequest adds or removes a watchlist row. Expiry is "EQ" for
// equities, an "YYYY-MM-DD" expiry for derivative rows.
type WatchlistRequest struct {
	UserID string `json:"user_id"`
	Symbol string `json:"symbol"`
	Expiry string `json:"expiry"`
}

// BasketRequest creates an empty draft basket.
type BasketRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// BasketLegRequest appends one order template to a draft basket.
type BasketLegRequest struct {
	Symbol       string            `json:"symbol"`
	Segment      types.Segment     `json:"segment"`
	Side         types.Side        `json:"side"`
	Quantity     int64             `json:"quantity"`
	Type         types.OrderType   `json:"order_type"`
	Product      types.ProductType `json:"product"`
	Price        float64           `json:"price,omitempty"`
	TriggerPrice float64           `json:"trigger_price,omitempty"`
}

// MarketHoursRequest forces an exchange open or closed; "none" clears.
type MarketHoursRequest struct {
	Exchange types.Exchange `json:"exchange"`
	Override string         `json:"override"` // open, closed, none
}

// KillSwitchRequest toggles vendor feed connectivity.
type KillSwitchRequest struct {
	Enabled bool `json:"enabled"`
}

// InjectDepthRequest force-writes a depth snapshot for a symbol.
type InjectDepthRequest struct {
	Symbol  string  `json:"symbol"`
	LTP     float64 `json:"ltp"`
	BestBid float64 `json:"best_bid"`
	BestAsk float64 `json:"best_ask"`
	BidQty  int64   `json:"bid_qty"`
	AskQty  int64   `json:"ask_qty"`
}

// UserRequest targets one trading account.
type UserRequest struct {
	UserID string `json:"user_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
}
