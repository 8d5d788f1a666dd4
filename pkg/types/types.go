// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the terminal backend — instrument
// metadata, subscriptions, ticks, orders, positions, and ledger rows. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Exchange is the listing exchange of an instrument.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	MCX Exchange = "MCX"
	IDX Exchange = "IDX" // index pseudo-exchange
)

// Segment is the vendor exchange-segment code carried on every feed frame.
type Segment string

const (
	SegNSEEQ   Segment = "NSE_EQ"
	SegNSEFNO  Segment = "NSE_FNO"
	SegBSEEQ   Segment = "BSE_EQ"
	SegBSEFNO  Segment = "BSE_FNO"
	SegMCXComm Segment = "MCX_COMM"
	SegIndex   Segment = "IDX_I"
)

// Exchange maps a segment back to its listing exchange.
func (s Segment) Exchange() Exchange {
	switch s {
	case SegNSEEQ, SegNSEFNO:
		return NSE
	case SegBSEEQ, SegBSEFNO:
		return BSE
	case SegMCXComm:
		return MCX
	case SegIndex:
		return IDX
	default:
		return NSE
	}
}

// InstrumentType classifies a registry row.
type InstrumentType string

const (
	InstEquity InstrumentType = "equity"
	InstIndex  InstrumentType = "index"
	InstFuture InstrumentType = "fut"
	InstOption InstrumentType = "opt"
)

// OptionType is CE (call), PE (put), or empty for non-options.
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() int {
	if s == SELL {
		return -1
	}
	return 1
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderMarket  OrderType = "MARKET"
	OrderLimit   OrderType = "LIMIT"
	OrderSLM     OrderType = "SL-M"    // stop-loss market
	OrderSLL     OrderType = "SL-L"    // stop-loss limit
	OrderGTT     OrderType = "GTT"     // good-til-triggered
	OrderTrigger OrderType = "TRIGGER" // generic trigger order
)

// IsTriggered reports whether this order type waits on a trigger price
// before it becomes marketable.
func (t OrderType) IsTriggered() bool {
	switch t {
	case OrderSLM, OrderSLL, OrderGTT, OrderTrigger:
		return true
	}
	return false
}

// ProductType is the margin product of an order: intraday or carry.
type ProductType string

const (
	ProductMIS    ProductType = "MIS"    // intraday, leveraged
	ProductNormal ProductType = "NORMAL" // overnight / carry
)

// OrderStatus is the order state machine. Transitions are irreversible
// except PENDING<->PARTIAL; EXECUTED, CANCELLED and REJECTED are sticky.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status is sticky.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Tier separates user-driven (evictable) from always-on (protected)
// subscriptions.
type Tier string

const (
	TierA Tier = "A" // watchlist-driven, LRU-evictable, cleaned at EOD
	TierB Tier = "B" // indices / chain windows / MCX seeds, immortal per session
)

// FeedMode selects the vendor payload richness for a subscription.
type FeedMode string

const (
	ModeTicker FeedMode = "TICKER" // LTP only
	ModeQuote  FeedMode = "QUOTE"  // LTP + bid/ask + 5-level depth
)

// ————————————————————————————————————————————————————————————————————————
// Rejection reasons
// ————————————————————————————————————————————————————————————————————————

// Reason codes surfaced on order records and subscription results.
const (
	ReasonUserBlocked        = "USER_BLOCKED"
	ReasonSegmentRestricted  = "SEGMENT_RESTRICTED"
	ReasonInvalidTrigger     = "INVALID_TRIGGER"
	ReasonNoLiquidityTimeout = "NO_LIQUIDITY_TIMEOUT"
	ReasonNotAllowed         = "NOT_ALLOWED"
	ReasonCapacity           = "CAPACITY"
	ReasonMarginExceeded     = "MARGIN_EXCEEDED" // warning only, order still accepted
)

// ————————————————————————————————————————————————————————————————————————
// Instruments and subscriptions
// ————————————————————————————————————————————————————————————————————————

// ExpiryEquity is the sentinel expiry for equity watchlist rows.
const ExpiryEquity = "EQ"

// Instrument is one registry row, immutable at runtime.
type Instrument struct {
	Symbol     string         // canonical trading symbol, e.g. "NIFTY 26DEC 25000 CE"
	Underlying string         // underlying symbol, e.g. "NIFTY"
	Exchange   Exchange
	Segment    Segment
	SecurityID string         // vendor token, opaque integer string
	Type       InstrumentType
	Expiry     string         // "2026-12-26" or "" / "EQ" for equities
	Strike     float64
	OptionType OptionType
	LotSize    int
	StrikeStep float64
}

// SyntheticToken builds the placeholder token for an option leg the CSV has
// not resolved yet. Synthetic tokens are never sent to the vendor.
func SyntheticToken(ot OptionType, underlying string, strike float64, expiry string) string {
	return fmt.Sprintf("%s_%s_%g_%s", ot, underlying, strike, expiry)
}

// IsSyntheticToken reports whether a token is a synthetic leg key rather
// than a vendor security id.
func IsSyntheticToken(token string) bool {
	return len(token) > 3 && (token[:3] == "CE_" || token[:3] == "PE_")
}

// Subscription is one active vendor feed registration.
// At most one active subscription exists per token.
type Subscription struct {
	Token        string
	Symbol       string
	Exchange     Exchange
	Segment      Segment
	Expiry       string
	Strike       float64
	OptionType   OptionType
	Tier         Tier
	Mode         FeedMode
	ShardID      int // 1..N websocket shard
	SubscribedAt time.Time
	Active       bool
}

// WatchlistEntry is one user watchlist row.
// Unique on (UserID, Symbol, Expiry); Expiry is "EQ" for equity rows.
type WatchlistEntry struct {
	UserID     string
	Symbol     string
	Expiry     string
	Type       InstrumentType
	AddedOrder int
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// DepthLevel is one price level of the book.
type DepthLevel struct {
	Price float64 `json:"price"`
	Qty   int64   `json:"qty"`
}

// Depth is a normalized 5-level book snapshot.
type Depth struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

// BestBid returns the top bid level, or false when the side is empty.
func (d Depth) BestBid() (DepthLevel, bool) {
	if len(d.Bids) == 0 {
		return DepthLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the top ask level, or false when the side is empty.
func (d Depth) BestAsk() (DepthLevel, bool) {
	if len(d.Asks) == 0 {
		return DepthLevel{}, false
	}
	return d.Asks[0], true
}

// Tick is a normalized market-data event produced by the feed ingestor and
// consumed by the option-chain cache and the execution engine.
type Tick struct {
	Token      string     `json:"token"`
	Exchange   Exchange   `json:"exchange"`
	Segment    Segment    `json:"segment"`
	Symbol     string     `json:"symbol"`
	Underlying string     `json:"underlying,omitempty"`
	Expiry     string     `json:"expiry,omitempty"`
	Strike     float64    `json:"strike,omitempty"`
	OptionType OptionType `json:"option_type,omitempty"`
	LTP        float64    `json:"ltp"`
	Bid        float64    `json:"bid,omitempty"`
	Ask        float64    `json:"ask,omitempty"`
	Depth      *Depth     `json:"depth,omitempty"`
	Timestamp  time.Time  `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders, trades, positions
// ————————————————————————————————————————————————————————————————————————

// Order is a simulated order record.
type Order struct {
	ID              string
	UserID          string
	Symbol          string
	Segment         Segment
	Side            Side
	Quantity        int64
	FilledQty       int64
	Type            OrderType
	Product         ProductType
	Price           float64 // limit price; 0 for market orders
	TriggerPrice    float64
	AvgFillPrice    float64
	Status          OrderStatus
	Reason          string // rejection reason or margin warning
	SuperOrderID    string // parent basket / super-order, if any
	SuperOrderLeg   string // TARGET or STOPLOSS leg tag
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Quantity - o.FilledQty }

// Trade is one fill of an order.
type Trade struct {
	ID        string
	OrderID   string
	UserID    string
	Symbol    string
	Segment   Segment
	Side      Side
	Quantity  int64
	Price     float64
	Brokerage decimal.Decimal
	CreatedAt time.Time
}

// Position is the per-user holding for (symbol, product).
// Quantity is signed: positive long, negative short.
// Invariant: Status == OPEN iff Quantity != 0.
type Position struct {
	UserID      string
	Symbol      string
	Segment     Segment
	Product     ProductType
	Quantity    int64
	AvgPrice    float64
	RealizedPnL decimal.Decimal
	Status      string // OPEN or CLOSED
	UpdatedAt   time.Time
}

const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// LedgerEntry is one append-only wallet movement.
type LedgerEntry struct {
	ID             int64
	UserID         string
	Kind           string // PAYIN, PAYOUT, TRADE_PNL, ADJUST
	Credit         decimal.Decimal
	Debit          decimal.Decimal
	RunningBalance decimal.Decimal
	Remarks        string
	CreatedAt      time.Time
}

// Ledger entry kinds.
const (
	LedgerPayin    = "PAYIN"
	LedgerPayout   = "PAYOUT"
	LedgerTradePnL = "TRADE_PNL"
	LedgerAdjust   = "ADJUST"
)

// MarginAccount tracks per-user margin.
// Invariant: Available >= 0; Available = wallet*multiplier - Used.
type MarginAccount struct {
	UserID    string
	Available decimal.Decimal
	Used      decimal.Decimal
}

// UserAccount is the trading account settings the engine consults.
type UserAccount struct {
	UserID          string
	Wallet          decimal.Decimal
	Multiplier      decimal.Decimal // MIS leverage multiplier
	Blocked         bool
	AllowedSegments []Segment
	BrokeragePlan   string
}

// BrokeragePlan computes per-trade charges: flat + percent of turnover,
// capped at Cap. Zero Cap means uncapped.
type BrokeragePlan struct {
	Name    string
	Flat    decimal.Decimal
	Percent decimal.Decimal // of turnover, e.g. 0.0003
	Cap     decimal.Decimal
}

// Charge returns the brokerage for a given turnover.
func (p BrokeragePlan) Charge(turnover decimal.Decimal) decimal.Decimal {
	c := p.Flat.Add(turnover.Mul(p.Percent))
	if p.Cap.IsPositive() && c.GreaterThan(p.Cap) {
		return p.Cap
	}
	return c
}

// ————————————————————————————————————————————————————————————————————————
// Execution events
// ————————————————————————————————————————————————————————————————————————

// ExecutionEventType tags engine lifecycle notifications.
type ExecutionEventType string

const (
	ExecAccepted    ExecutionEventType = "ACCEPTED"
	ExecPartialFill ExecutionEventType = "PARTIAL_FILL"
	ExecFullFill    ExecutionEventType = "FULL_FILL"
	ExecRejected    ExecutionEventType = "REJECTED"
)

// ExecutionEvent is emitted after every order transition.
type ExecutionEvent struct {
	ID        string
	OrderID   string
	UserID    string
	Type      ExecutionEventType
	Symbol    string
	Side      Side
	Quantity  int64
	Price     float64
	Reason    string
	CreatedAt time.Time
}
