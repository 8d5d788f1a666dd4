package registry

import (
	"strings"
	"testing"

	"tradesim/pkg/types"
)

const sampleCSV = `EXCH_ID,SEGMENT,SECURITY_ID,UNDERLYING_SYMBOL,SYMBOL_NAME,INSTRUMENT_TYPE,SM_EXPIRY_DATE,STRIKE_PRICE,OPTION_TYPE,LOT_SIZE,STRIKE_STEP
NSE,NSE_EQ,1333,HDFCBANK,HDFCBANK,EQUITY,,,,1,
NSE,NSE_EQ,2885,RELIANCE,RELIANCE,EQUITY,,,,1,
IDX,IDX_I,13,NIFTY,NIFTY,INDEX,,,,1,
NSE,NSE_FNO,35001,NIFTY,NIFTY 26DEC FUT,FUTIDX,2026-12-26,,,75,50
NSE,NSE_FNO,35002,NIFTY,NIFTY 26DEC 25000 CE,OPTIDX,2026-12-26,25000,CE,75,50
NSE,NSE_FNO,35003,NIFTY,NIFTY 26DEC 25000 PE,OPTIDX,2026-12-26,25000,PE,75,50
MCX,MCX_COMM,429116,CRUDEOIL,CRUDEOIL 19NOV FUT,FUTCOM,2026-11-19,,,100,50
`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	snap, err := parse(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r := &Registry{}
	r.cur.Store(snap)
	return r
}

func TestRegistryIndexes(t *testing.T) {
	t.Parallel()
	r := testRegistry(t)

	if r.Rows() != 7 {
		t.Errorf("Rows() = %d, want 7", r.Rows())
	}

	inst, ok := r.BySymbol("HDFCBANK")
	if !ok || inst.SecurityID != "1333" || inst.Type != types.InstEquity {
		t.Errorf("BySymbol(HDFCBANK) = %+v, %v", inst, ok)
	}

	inst, ok = r.BySymbolExpiry("NIFTY 26DEC FUT", "2026-12-26")
	if !ok || inst.Type != types.InstFuture {
		t.Errorf("BySymbolExpiry future = %+v, %v", inst, ok)
	}

	if got := len(r.ByUnderlying("NIFTY")); got != 4 {
		t.Errorf("ByUnderlying(NIFTY) len = %d, want 4", got)
	}

	if !r.IsFNOUnderlying("NIFTY") {
		t.Error("IsFNOUnderlying(NIFTY) = false")
	}
	if r.IsFNOUnderlying("HDFCBANK") {
		t.Error("IsFNOUnderlying(HDFCBANK) = true, want false")
	}

	if tok := r.OptionToken("NIFTY", "2026-12-26", 25000, types.Call); tok != "35002" {
		t.Errorf("OptionToken CE = %q, want 35002", tok)
	}
	if tok := r.OptionToken("NIFTY", "2026-12-26", 24950, types.Call); tok != "" {
		t.Errorf("OptionToken for unlisted strike = %q, want empty", tok)
	}
}

func TestResolverOrder(t *testing.T) {
	t.Parallel()
	rv := NewResolver(testRegistry(t))

	// Option resolves through the registry row.
	meta, ok := rv.Resolve("NIFTY", "2026-12-26", 25000, types.Put)
	if !ok || meta.SecurityID != "35003" || meta.Mode != types.ModeQuote {
		t.Errorf("option resolve = %+v, %v", meta, ok)
	}

	// Unlisted option strike resolves to nothing, never to the index id.
	if meta, ok := rv.Resolve("NIFTY", "2026-12-26", 24975, types.Call); ok {
		t.Errorf("unlisted option resolved to %+v, want miss", meta)
	}

	// Equity fallback.
	meta, ok = rv.Resolve("RELIANCE", "", 0, "")
	if !ok || meta.SecurityID != "2885" || meta.Segment != types.SegNSEEQ {
		t.Errorf("equity resolve = %+v, %v", meta, ok)
	}

	// Curated index default for an index absent from the CSV.
	meta, ok = rv.Resolve("BANKNIFTY", "", 0, "")
	if !ok || meta.SecurityID != "25" || meta.Mode != types.ModeTicker {
		t.Errorf("index default resolve = %+v, %v", meta, ok)
	}

	// MCX future by underlying.
	meta, ok = rv.Resolve("CRUDEOIL", "", 0, "")
	if !ok || meta.Segment != types.SegMCXComm {
		t.Errorf("mcx resolve = %+v, %v", meta, ok)
	}

	// Dated future by (symbol, expiry).
	meta, ok = rv.Resolve("NIFTY 26DEC FUT", "2026-12-26", 0, "")
	if !ok || meta.SecurityID != "35001" || meta.Mode != types.ModeTicker {
		t.Errorf("future resolve = %+v, %v", meta, ok)
	}
}

func TestNormalizeExpiry(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"2026-12-26", "2026-12-26"},
		{"2026-12-26 14:30:00", "2026-12-26"},
		{"26-Dec-2026", "2026-12-26"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeExpiry(tt.in); got != tt.want {
			t.Errorf("normalizeExpiry(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
