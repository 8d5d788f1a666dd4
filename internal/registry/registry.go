// Package registry loads and indexes the provider scrip master.
//
// The scrip master is a ~290k-row CSV published by the vendor
// (api-scrip-master-detailed.csv). It is parsed once at startup, streamed
// row by row, and indexed five ways: by symbol, by (symbol, expiry), by
// underlying, by segment, and as a set of F&O-eligible underlyings. A
// separate option-token map resolves (underlying, expiry, strike, CE|PE)
// to the vendor security id.
//
// Registry rows are immutable after load; all lookups are read-only and
// need no locking. Refresh() swaps the whole registry atomically.
package registry

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tradesim/pkg/types"
)

// optionKey indexes the option-token map.
type optionKey struct {
	Underlying string
	Expiry     string
	Strike     float64
	OptType    types.OptionType
}

// snapshot is one fully-built immutable index set.
type snapshot struct {
	bySymbol       map[string]*types.Instrument
	bySymbolExpiry map[string]map[string]*types.Instrument // symbol -> expiry -> row
	byUnderlying   map[string][]*types.Instrument
	bySegment      map[types.Segment][]*types.Instrument
	byToken        map[string]*types.Instrument
	optionTokens   map[optionKey]string
	fnoUnderlyings map[string]bool
	loadedAt       time.Time
	rows           int
}

// Registry holds the current scrip-master snapshot.
type Registry struct {
	cur atomic.Pointer[snapshot]
}

// Load parses the scrip master CSV at path and builds a registry.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scrip master: %w", err)
	}
	defer f.Close()

	r := &Registry{}
	snap, err := parse(f)
	if err != nil {
		return nil, err
	}
	r.cur.Store(snap)
	return r, nil
}

// Refresh re-reads the CSV and atomically swaps the index set.
// Readers holding old rows keep a consistent view.
func (r *Registry) Refresh(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open scrip master: %w", err)
	}
	defer f.Close()

	snap, err := parse(f)
	if err != nil {
		return err
	}
	r.cur.Store(snap)
	return nil
}

func parse(src io.Reader) (*snapshot, error) {
	rd := csv.NewReader(src)
	rd.ReuseRecord = true
	rd.FieldsPerRecord = -1

	header, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("read scrip master header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"SECURITY_ID", "SYMBOL_NAME", "SEGMENT"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("scrip master missing column %s", required)
		}
	}

	snap := &snapshot{
		bySymbol:       make(map[string]*types.Instrument),
		bySymbolExpiry: make(map[string]map[string]*types.Instrument),
		byUnderlying:   make(map[string][]*types.Instrument),
		bySegment:      make(map[types.Segment][]*types.Instrument),
		byToken:        make(map[string]*types.Instrument),
		optionTokens:   make(map[optionKey]string),
		fnoUnderlyings: make(map[string]bool),
		loadedAt:       time.Now(),
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Skip malformed rows; the provider file occasionally carries
			// unescaped quotes in display names.
			continue
		}

		inst := rowToInstrument(rec, field)
		if inst == nil {
			continue
		}
		snap.index(inst)
		snap.rows++
	}

	return snap, nil
}

func rowToInstrument(rec []string, field func([]string, string) string) *types.Instrument {
	secID := field(rec, "SECURITY_ID")
	symbol := field(rec, "SYMBOL_NAME")
	if secID == "" || symbol == "" {
		return nil
	}

	seg := types.Segment(field(rec, "SEGMENT"))
	switch seg {
	case types.SegNSEEQ, types.SegNSEFNO, types.SegBSEEQ, types.SegBSEFNO,
		types.SegMCXComm, types.SegIndex:
	default:
		return nil
	}

	inst := &types.Instrument{
		Symbol:     symbol,
		Underlying: field(rec, "UNDERLYING_SYMBOL"),
		Exchange:   seg.Exchange(),
		Segment:    seg,
		SecurityID: secID,
		Expiry:     normalizeExpiry(field(rec, "SM_EXPIRY_DATE")),
		OptionType: types.OptionType(field(rec, "OPTION_TYPE")),
	}
	if inst.Underlying == "" {
		inst.Underlying = symbol
	}

	switch strings.ToUpper(field(rec, "INSTRUMENT_TYPE")) {
	case "OPTIDX", "OPTSTK", "OPTFUT", "OP":
		inst.Type = types.InstOption
	case "FUTIDX", "FUTSTK", "FUTCOM":
		inst.Type = types.InstFuture
	case "INDEX", "IDX":
		inst.Type = types.InstIndex
	default:
		if seg == types.SegIndex {
			inst.Type = types.InstIndex
		} else {
			inst.Type = types.InstEquity
		}
	}

	if v := field(rec, "STRIKE_PRICE"); v != "" {
		inst.Strike, _ = strconv.ParseFloat(v, 64)
	}
	if v := field(rec, "LOT_SIZE"); v != "" {
		inst.LotSize, _ = strconv.Atoi(v)
	}
	if inst.LotSize == 0 {
		inst.LotSize = 1
	}
	if v := field(rec, "STRIKE_STEP"); v != "" {
		inst.StrikeStep, _ = strconv.ParseFloat(v, 64)
	}
	return inst
}

func (s *snapshot) index(inst *types.Instrument) {
	if _, dup := s.bySymbol[inst.Symbol]; !dup {
		s.bySymbol[inst.Symbol] = inst
	}
	s.byToken[inst.SecurityID] = inst

	if inst.Expiry != "" {
		m := s.bySymbolExpiry[inst.Symbol]
		if m == nil {
			m = make(map[string]*types.Instrument)
			s.bySymbolExpiry[inst.Symbol] = m
		}
		m[inst.Expiry] = inst
	}

	s.byUnderlying[inst.Underlying] = append(s.byUnderlying[inst.Underlying], inst)
	s.bySegment[inst.Segment] = append(s.bySegment[inst.Segment], inst)

	if inst.Type == types.InstOption || inst.Type == types.InstFuture {
		s.fnoUnderlyings[inst.Underlying] = true
	}
	if inst.Type == types.InstOption && inst.OptionType != "" {
		s.optionTokens[optionKey{
			Underlying: inst.Underlying,
			Expiry:     inst.Expiry,
			Strike:     inst.Strike,
			OptType:    inst.OptionType,
		}] = inst.SecurityID
	}
}

// normalizeExpiry converts the provider expiry formats into YYYY-MM-DD.
func normalizeExpiry(s string) string {
	if s == "" {
		return ""
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", "02-Jan-2006", "2Jan2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

// ————————————————————————————————————————————————————————————————————————
// Lookups
// ————————————————————————————————————————————————————————————————————————

// BySymbol returns the first registry row for a canonical symbol.
func (r *Registry) BySymbol(symbol string) (*types.Instrument, bool) {
	inst, ok := r.cur.Load().bySymbol[symbol]
	return inst, ok
}

// BySymbolExpiry returns the row for (symbol, expiry).
func (r *Registry) BySymbolExpiry(symbol, expiry string) (*types.Instrument, bool) {
	m, ok := r.cur.Load().bySymbolExpiry[symbol]
	if !ok {
		return nil, false
	}
	inst, ok := m[expiry]
	return inst, ok
}

// ByToken returns the row owning a vendor security id.
func (r *Registry) ByToken(token string) (*types.Instrument, bool) {
	inst, ok := r.cur.Load().byToken[token]
	return inst, ok
}

// ByUnderlying returns every row sharing an underlying symbol.
func (r *Registry) ByUnderlying(underlying string) []*types.Instrument {
	return r.cur.Load().byUnderlying[underlying]
}

// BySegment returns every row in a vendor segment.
func (r *Registry) BySegment(seg types.Segment) []*types.Instrument {
	return r.cur.Load().bySegment[seg]
}

// OptionToken resolves (underlying, expiry, strike, CE|PE) to a vendor
// security id. Returns "" when the CSV has no such contract.
func (r *Registry) OptionToken(underlying, expiry string, strike float64, ot types.OptionType) string {
	return r.cur.Load().optionTokens[optionKey{underlying, expiry, strike, ot}]
}

// IsFNOUnderlying reports whether the underlying has listed derivatives.
func (r *Registry) IsFNOUnderlying(underlying string) bool {
	return r.cur.Load().fnoUnderlyings[underlying]
}

// LotSize returns the contract lot size for a symbol, defaulting to 1 for
// equities and unknown symbols.
func (r *Registry) LotSize(symbol string) int {
	if inst, ok := r.BySymbol(symbol); ok && inst.LotSize > 0 {
		return inst.LotSize
	}
	return 1
}

// Rows returns the number of indexed scrip-master rows.
func (r *Registry) Rows() int { return r.cur.Load().rows }

// LoadedAt returns when the current snapshot was built.
func (r *Registry) LoadedAt() time.Time { return r.cur.Load().loadedAt }
