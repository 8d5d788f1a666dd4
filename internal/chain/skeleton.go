// Package chain keeps the authoritative option-chain cache: a two-level map
// underlying -> expiry -> Skeleton, each skeleton holding an ATM-centered
// strike window of CE/PE legs fed by live ticks and REST snapshots.
package chain

import (
	"math"
	"sort"
	"time"

	"tradesim/internal/dhan"
	"tradesim/pkg/types"
)

// synthFloor is the lowest price synthesis will emit; option premia never
// print at or below zero.
const synthFloor = 0.05

// OptionLeg is one side of a strike row. Token is the vendor security id
// when resolvable, else a synthetic key so the row shape stays stable.
type OptionLeg struct {
	Token       string       `json:"token"`
	LTP         float64      `json:"ltp"`
	Bid         float64      `json:"bid"`
	Ask         float64      `json:"ask"`
	BidQty      int64        `json:"bid_qty"`
	AskQty      int64        `json:"ask_qty"`
	OI          int64        `json:"oi"`
	Volume      int64        `json:"volume"`
	IV          float64      `json:"iv"`
	Greeks      dhan.Greeks  `json:"greeks"`
	Depth       *types.Depth `json:"depth,omitempty"`
	Synthesized bool         `json:"synthesized,omitempty"`
	LastUpdate  time.Time    `json:"last_update"`
}

// StrikeData is one strike row of the window.
type StrikeData struct {
	CE OptionLeg `json:"ce"`
	PE OptionLeg `json:"pe"`
}

// Skeleton is the cached chain for one (underlying, expiry).
type Skeleton struct {
	Underlying  string                 `json:"underlying"`
	Expiry      string                 `json:"expiry"`
	LotSize     int                    `json:"lot_size"`
	StrikeStep  float64                `json:"strike_step"`
	ATM         float64                `json:"atm"`
	Strikes     []float64              `json:"strikes"`
	Rows        map[float64]*StrikeData `json:"rows"`
	LastUpdated time.Time              `json:"last_updated"`
}

// leg returns the addressable leg for a side.
func (row *StrikeData) leg(ot types.OptionType) *OptionLeg {
	if ot == types.Put {
		return &row.PE
	}
	return &row.CE
}

// roundToStep snaps an underlying LTP to the nearest strike.
func roundToStep(ltp, step float64) float64 {
	if step <= 0 {
		return ltp
	}
	return math.Round(ltp/step) * step
}

// windowStrikes builds the strike ladder atm ± half·step, ATM included.
func windowStrikes(atm, step float64, half int) []float64 {
	strikes := make([]float64, 0, 2*half+1)
	for i := -half; i <= half; i++ {
		strike := atm + float64(i)*step
		if strike <= 0 {
			continue
		}
		strikes = append(strikes, strike)
	}
	return strikes
}

// contains reports whether a strike is inside the current ladder.
func (s *Skeleton) contains(strike float64) bool {
	if len(s.Strikes) == 0 {
		return false
	}
	return strike >= s.Strikes[0] && strike <= s.Strikes[len(s.Strikes)-1]
}

// snapshot deep-copies the skeleton so readers hold no lock.
func (s *Skeleton) snapshot() *Skeleton {
	out := *s
	out.Strikes = append([]float64(nil), s.Strikes...)
	out.Rows = make(map[float64]*StrikeData, len(s.Rows))
	for strike, row := range s.Rows {
		cp := *row
		if row.CE.Depth != nil {
			d := *row.CE.Depth
			cp.CE.Depth = &d
		}
		if row.PE.Depth != nil {
			d := *row.PE.Depth
			cp.PE.Depth = &d
		}
		out.Rows[strike] = &cp
	}
	return &out
}

// synthesizeSide fills strikes lacking a positive LTP on one side by linear
// interpolation between the two nearest priced strikes; beyond the priced
// range the nearest pair extrapolates, floored at synthFloor. Returns how
// many legs were filled.
func synthesizeSide(s *Skeleton, ot types.OptionType) int {
	type point struct {
		idx int
		ltp float64
	}
	var known []point
	for i, strike := range s.Strikes {
		leg := s.Rows[strike].leg(ot)
		if leg.LTP > 0 && !leg.Synthesized {
			known = append(known, point{idx: i, ltp: leg.LTP})
		}
	}
	if len(known) < 2 {
		return 0
	}

	filled := 0
	for i, strike := range s.Strikes {
		leg := s.Rows[strike].leg(ot)
		if leg.LTP > 0 && !leg.Synthesized {
			continue
		}

		// Bracket i between the two nearest priced points.
		lo := known[0]
		hi := known[1]
		for k := 0; k+1 < len(known); k++ {
			lo, hi = known[k], known[k+1]
			if i < known[k+1].idx {
				break
			}
		}
		if i > known[len(known)-1].idx {
			lo, hi = known[len(known)-2], known[len(known)-1]
		}

		slope := (hi.ltp - lo.ltp) / float64(hi.idx-lo.idx)
		price := lo.ltp + slope*float64(i-lo.idx)
		if price < synthFloor {
			price = synthFloor
		}
		leg.LTP = price
		leg.Synthesized = true
		filled++
	}
	return filled
}

// sortStrikes keeps the ladder ordered after a rebuild.
func sortStrikes(strikes []float64) []float64 {
	sort.Float64s(strikes)
	return strikes
}
