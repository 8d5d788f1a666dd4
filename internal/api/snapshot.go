package api

import (
	"time"

	"tradesim/internal/chain"
	"tradesim/internal/feed"
	"tradesim/pkg/types"
)

// ChainStrike is one strike row of a chain view, sorted by strike.
type ChainStrike struct {
	Strike float64         `json:"strike"`
	CE     chain.OptionLeg `json:"ce"`
	PE     chain.OptionLeg `json:"pe"`
}

// ChainView is the JSON shape of one (underlying, expiry) chain.
type ChainView struct {
	Underlying    string        `json:"underlying"`
	Expiry        string        `json:"expiry"`
	UnderlyingLTP float64       `json:"underlying_ltp"`
	ATM           float64       `json:"atm"`
	LotSize       int           `json:"lot_size"`
	StrikeStep    float64       `json:"strike_step"`
	Strikes       []ChainStrike `json:"strikes"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// TerminalSnapshot is the periodic WebSocket push: every cached chain plus
// the feed state.
type TerminalSnapshot struct {
	Chains      []ChainView            `json:"chains"`
	Feed        feed.Status            `json:"feed"`
	MarketsOpen map[types.Exchange]bool `json:"markets_open"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// chainView flattens a skeleton into its wire shape. The Rows map is keyed
// by float64 strike, which encoding/json cannot marshal directly.
func chainView(skel *chain.Skeleton, underlyingLTP float64) ChainView {
	view := ChainView{
		Underlying:    skel.Underlying,
		Expiry:        skel.Expiry,
		UnderlyingLTP: underlyingLTP,
		ATM:           skel.ATM,
		LotSize:       skel.LotSize,
		StrikeStep:    skel.StrikeStep,
		Strikes:       make([]ChainStrike, 0, len(skel.Strikes)),
		LastUpdated:   skel.LastUpdated,
	}
	for _, strike := range skel.Strikes {
		row, ok := skel.Rows[strike]
		if !ok {
			continue
		}
		view.Strikes = append(view.Strikes, ChainStrike{Strike: strike, CE: row.CE, PE: row.PE})
	}
	return view
}

// buildSnapshot assembles the periodic terminal snapshot.
func (s *Server) buildSnapshot() TerminalSnapshot {
	snap := TerminalSnapshot{GeneratedAt: time.Now()}

	if s.chains != nil {
		for _, underlying := range s.chains.Underlyings() {
			ltp := s.chains.UnderlyingLTP(underlying)
			for _, expiry := range s.chains.Expiries(underlying) {
				if skel, ok := s.chains.Get(underlying, expiry); ok {
					snap.Chains = append(snap.Chains, chainView(skel, ltp))
				}
			}
		}
	}
	if s.ingestor != nil {
		snap.Feed = s.ingestor.Status()
	}
	if s.clock != nil {
		snap.MarketsOpen = map[types.Exchange]bool{
			types.NSE: s.clock.IsOpen(types.NSE),
			types.BSE: s.clock.IsOpen(types.BSE),
			types.MCX: s.clock.IsOpen(types.MCX),
		}
	}
	return snap
}
