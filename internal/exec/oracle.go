// Package exec is the simulated execution engine: it prices orders against
// a pseudo-order-book derived from cached depth, applies latency and
// slippage models, and applies every fill atomically to order, trade,
// position, margin, wallet and ledger rows.
package exec

import (
	"time"

	"tradesim/internal/chain"
	"tradesim/internal/market"
	"tradesim/pkg/types"
)

// Book is the snapshot an order prices against.
type Book struct {
	BestBid    float64
	BestAsk    float64
	BidQty     int64
	AskQty     int64
	LastUpdate time.Time
}

// Spread returns ask-bid, 0 when either side is missing.
func (b Book) Spread() float64 {
	if b.BestBid <= 0 || b.BestAsk <= 0 {
		return 0
	}
	return b.BestAsk - b.BestBid
}

// Oracle resolves a symbol to its best book snapshot. Resolution order:
// cached market depth, then the option-chain leg when the symbol parses as
// "UNDERLYING EXPIRY STRIKE CE|PE", then last LTP with zero spread.
type Oracle struct {
	state  *market.State
	chains *chain.Cache
}

// NewOracle wires the two price sources.
func NewOracle(state *market.State, chains *chain.Cache) *Oracle {
	return &Oracle{state: state, chains: chains}
}

// Snapshot returns the book for a symbol; ok is false when no source knows
// the symbol at all.
func (o *Oracle) Snapshot(symbol string) (Book, bool) {
	if snap, ok := o.state.Get(symbol); ok {
		if snap.BestBid > 0 || snap.BestAsk > 0 {
			return Book{
				BestBid:    snap.BestBid,
				BestAsk:    snap.BestAsk,
				BidQty:     snap.BidQty,
				AskQty:     snap.AskQty,
				LastUpdate: snap.LastUpdate,
			}, true
		}
		if snap.LTP > 0 {
			return flatBook(snap.LTP, snap.LastUpdate), true
		}
	}

	if leg, ok := o.chainLeg(symbol); ok {
		if leg.Bid > 0 || leg.Ask > 0 {
			return Book{
				BestBid:    leg.Bid,
				BestAsk:    leg.Ask,
				BidQty:     leg.BidQty,
				AskQty:     leg.AskQty,
				LastUpdate: leg.LastUpdate,
			}, true
		}
		if leg.LTP > 0 {
			return flatBook(leg.LTP, leg.LastUpdate), true
		}
	}

	return Book{}, false
}

// flatBook treats the last price as both sides with zero spread.
func flatBook(ltp float64, ts time.Time) Book {
	return Book{BestBid: ltp, BestAsk: ltp, BidQty: 1, AskQty: 1, LastUpdate: ts}
}

// chainLeg parses an option symbol and looks the leg up in the chain cache.
func (o *Oracle) chainLeg(symbol string) (chain.OptionLeg, bool) {
	if o.chains == nil {
		return chain.OptionLeg{}, false
	}
	underlying, expiryTag, strike, ot, ok := types.ParseOptionSymbol(symbol)
	if !ok {
		return chain.OptionLeg{}, false
	}
	for _, expiry := range o.chains.Expiries(underlying) {
		if types.ExpiryMatchesTag(expiry, expiryTag) {
			return o.chains.Leg(underlying, expiry, strike, ot)
		}
	}
	return chain.OptionLeg{}, false
}
