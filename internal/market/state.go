package market

import (
	"sync"
	"time"

	"tradesim/pkg/types"
)

// Snapshot is the per-symbol market view the execution engine prices from.
type Snapshot struct {
	Symbol     string
	LTP        float64
	BestBid    float64
	BestAsk    float64
	BidQty     int64
	AskQty     int64
	Depth      *types.Depth
	LastUpdate time.Time
}

// State mirrors the latest tick per symbol. One mutex guards the whole map:
// the tick bus consumer is the only writer, the execution engine reads.
type State struct {
	mu   sync.RWMutex
	byID map[string]Snapshot // keyed by canonical symbol
}

// NewState creates an empty market state cache.
func NewState() *State {
	return &State{byID: make(map[string]Snapshot)}
}

// Apply folds a normalized tick into the cache.
func (s *State) Apply(tick types.Tick) {
	if tick.Symbol == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.byID[tick.Symbol]
	snap.Symbol = tick.Symbol
	if tick.LTP > 0 {
		snap.LTP = tick.LTP
	}
	if tick.Bid > 0 {
		snap.BestBid = tick.Bid
	}
	if tick.Ask > 0 {
		snap.BestAsk = tick.Ask
	}
	if tick.Depth != nil {
		snap.Depth = tick.Depth
		if bid, ok := tick.Depth.BestBid(); ok {
			snap.BestBid, snap.BidQty = bid.Price, bid.Qty
		}
		if ask, ok := tick.Depth.BestAsk(); ok {
			snap.BestAsk, snap.AskQty = ask.Price, ask.Qty
		}
	}
	snap.LastUpdate = tick.Timestamp
	if snap.LastUpdate.IsZero() {
		snap.LastUpdate = time.Now()
	}
	s.byID[tick.Symbol] = snap
}

// Inject force-writes a snapshot (admin test hook).
func (s *State) Inject(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.LastUpdate.IsZero() {
		snap.LastUpdate = time.Now()
	}
	s.byID[snap.Symbol] = snap
}

// Get returns the snapshot for a symbol.
func (s *State) Get(symbol string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[symbol]
	return snap, ok
}

// LastTickAges returns per-symbol staleness for the feed debug endpoint.
func (s *State) LastTickAges(now time.Time) map[string]time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Duration, len(s.byID))
	for sym, snap := range s.byID {
		out[sym] = now.Sub(snap.LastUpdate)
	}
	return out
}
