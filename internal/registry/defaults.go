package registry

import "tradesim/pkg/types"

// Curated vendor metadata for instruments the scrip master either omits or
// that must resolve even before the CSV is loaded.

// IndexDefault carries the fixed vendor identity of a permitted index.
type IndexDefault struct {
	SecurityID string
	Segment    types.Segment
	StrikeStep float64
	LotSize    int
}

// indexDefaults lists the well-known indices the terminal always serves.
var indexDefaults = map[string]IndexDefault{
	"NIFTY":        {SecurityID: "13", Segment: types.SegIndex, StrikeStep: 50, LotSize: 75},
	"BANKNIFTY":    {SecurityID: "25", Segment: types.SegIndex, StrikeStep: 100, LotSize: 35},
	"FINNIFTY":     {SecurityID: "27", Segment: types.SegIndex, StrikeStep: 50, LotSize: 65},
	"MIDCPNIFTY":   {SecurityID: "442", Segment: types.SegIndex, StrikeStep: 25, LotSize: 140},
	"SENSEX":       {SecurityID: "51", Segment: types.SegIndex, StrikeStep: 100, LotSize: 20},
	"BANKEX":       {SecurityID: "69", Segment: types.SegIndex, StrikeStep: 100, LotSize: 30},
	"INDIA VIX":    {SecurityID: "21", Segment: types.SegIndex, StrikeStep: 0, LotSize: 1},
	"NIFTY NEXT50": {SecurityID: "38", Segment: types.SegIndex, StrikeStep: 100, LotSize: 25},
}

// IndexDefaults returns the curated index table.
func IndexDefaults() map[string]IndexDefault {
	out := make(map[string]IndexDefault, len(indexDefaults))
	for k, v := range indexDefaults {
		out[k] = v
	}
	return out
}

// IndexDefault returns the curated entry for an index symbol.
func LookupIndexDefault(symbol string) (IndexDefault, bool) {
	d, ok := indexDefaults[symbol]
	return d, ok
}

// mcxStrikeSteps gives strike steps for the curated MCX option families.
// The scrip master often carries zero for STRIKE_STEP on commodities.
var mcxStrikeSteps = map[string]float64{
	"CRUDEOIL":   50,
	"NATURALGAS": 5,
	"GOLD":       100,
	"GOLDM":      100,
	"SILVER":     250,
	"SILVERM":    250,
	"COPPER":     2.5,
	"ZINC":       1,
}

// MCXStrikeStep returns the curated strike step for an MCX underlying,
// or 0 when unknown.
func MCXStrikeStep(underlying string) float64 {
	return mcxStrikeSteps[underlying]
}

// spanLotFallback approximates derivative lot sizes when the scrip master
// row is missing, keyed by underlying.
var spanLotFallback = map[string]int{
	"NIFTY":      75,
	"BANKNIFTY":  35,
	"FINNIFTY":   65,
	"MIDCPNIFTY": 140,
	"SENSEX":     20,
	"CRUDEOIL":   100,
	"NATURALGAS": 1250,
	"GOLD":       100,
	"SILVER":     30,
}

// SpanLotFallback returns the approximate lot size for an underlying when
// the registry has no row, defaulting to 1.
func SpanLotFallback(underlying string) int {
	if n, ok := spanLotFallback[underlying]; ok {
		return n
	}
	return 1
}
