package registry

import (
	"tradesim/pkg/types"
)

// Meta is the vendor identity a subscription needs.
type Meta struct {
	SecurityID string
	Segment    types.Segment
	Exchange   types.Exchange
	LotSize    int
	StrikeStep float64
	Mode       types.FeedMode
}

// Resolver maps symbolic subscription requests to vendor metadata.
//
// Search order for a request (symbol, expiry?, strike?, optType?):
//
//  1. scrip-master rows indexed by underlying + expiry + option type + strike
//  2. the option-token map built from the CSV
//  3. equity fallback through the NSE equity index
//  4. curated default tables (well-known indices, near-month MCX seeds)
//
// An option request that fails every option lookup resolves to nothing —
// it must never fall back to the underlying index security id.
type Resolver struct {
	reg *Registry
}

// NewResolver wraps a registry.
func NewResolver(reg *Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve returns vendor metadata for a symbolic request. ok is false when
// nothing safe could be resolved.
func (rv *Resolver) Resolve(symbol, expiry string, strike float64, ot types.OptionType) (Meta, bool) {
	// Option requests walk the option paths only.
	if ot == types.Call || ot == types.Put {
		return rv.resolveOption(symbol, expiry, strike, ot)
	}

	// Futures and dated requests.
	if expiry != "" && expiry != types.ExpiryEquity {
		if inst, ok := rv.reg.BySymbolExpiry(symbol, expiry); ok {
			return metaFromInstrument(inst), true
		}
		// Fall through to underlying scan for renamed contracts.
		for _, inst := range rv.reg.ByUnderlying(symbol) {
			if inst.Expiry == expiry && inst.Type == types.InstFuture {
				return metaFromInstrument(inst), true
			}
		}
	}

	// Equity fallback via the NSE equity registry.
	if inst, ok := rv.reg.BySymbol(symbol); ok {
		return metaFromInstrument(inst), true
	}

	// Curated defaults: indices first, then MCX placeholders.
	if d, ok := LookupIndexDefault(symbol); ok {
		return Meta{
			SecurityID: d.SecurityID,
			Segment:    d.Segment,
			Exchange:   d.Segment.Exchange(),
			LotSize:    d.LotSize,
			StrikeStep: d.StrikeStep,
			Mode:       types.ModeTicker,
		}, true
	}
	for _, inst := range rv.reg.BySegment(types.SegMCXComm) {
		if inst.Underlying == symbol && inst.Type == types.InstFuture {
			return metaFromInstrument(inst), true
		}
	}

	return Meta{}, false
}

func (rv *Resolver) resolveOption(underlying, expiry string, strike float64, ot types.OptionType) (Meta, bool) {
	// 1. Row scan: underlying + expiry + type + strike.
	for _, inst := range rv.reg.ByUnderlying(underlying) {
		if inst.Type == types.InstOption && inst.Expiry == expiry &&
			inst.OptionType == ot && inst.Strike == strike {
			return metaFromInstrument(inst), true
		}
	}

	// 2. Option-token map.
	if token := rv.reg.OptionToken(underlying, expiry, strike, ot); token != "" {
		if inst, ok := rv.reg.ByToken(token); ok {
			return metaFromInstrument(inst), true
		}
		seg := types.SegNSEFNO
		step := 0.0
		if d, ok := LookupIndexDefault(underlying); ok {
			step = d.StrikeStep
		}
		if MCXStrikeStep(underlying) > 0 {
			seg = types.SegMCXComm
			step = MCXStrikeStep(underlying)
		}
		return Meta{
			SecurityID: token,
			Segment:    seg,
			Exchange:   seg.Exchange(),
			LotSize:    SpanLotFallback(underlying),
			StrikeStep: step,
			Mode:       types.ModeQuote,
		}, true
	}

	// Option lookups never fall back to equity or index ids.
	return Meta{}, false
}

func metaFromInstrument(inst *types.Instrument) Meta {
	mode := types.ModeQuote
	if inst.Type == types.InstIndex || inst.Type == types.InstFuture {
		// Indices and most futures only need last price.
		mode = types.ModeTicker
	}
	if inst.Segment == types.SegMCXComm && inst.Type == types.InstFuture {
		// Commodity futures back the MCX watch cards; they need depth.
		mode = types.ModeQuote
	}
	step := inst.StrikeStep
	if step == 0 {
		if d, ok := LookupIndexDefault(inst.Underlying); ok {
			step = d.StrikeStep
		} else if s := MCXStrikeStep(inst.Underlying); s > 0 {
			step = s
		}
	}
	lot := inst.LotSize
	if lot == 0 {
		lot = SpanLotFallback(inst.Underlying)
	}
	return Meta{
		SecurityID: inst.SecurityID,
		Segment:    inst.Segment,
		Exchange:   inst.Exchange,
		LotSize:    lot,
		StrikeStep: step,
		Mode:       mode,
	}
}
