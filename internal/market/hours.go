// Package market provides the trading calendar and the shared depth cache.
//
// Clock answers "is this exchange open right now" for NSE/BSE, MCX and the
// index pseudo-exchange, with per-exchange admin overrides used by tests and
// operations. MarketState mirrors the latest depth snapshot per symbol; it
// is written by the tick bus consumer and read by the execution engine.
package market

import (
	"sync"
	"time"

	"tradesim/pkg/types"
)

// ist is the exchange timezone. time.LoadLocation never fails for a zone
// compiled into the tzdata the binary ships with; fall back to a fixed
// offset if it does.
var ist = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}()

// Override forces an exchange open or closed regardless of the clock.
type Override int

const (
	OverrideNone Override = iota
	OverrideOpen
	OverrideClosed
)

// Clock tells whether an exchange is currently in its trading session.
type Clock struct {
	mu        sync.RWMutex
	overrides map[types.Exchange]Override
	now       func() time.Time // swapped in tests
}

// NewClock builds a market clock using wall time.
func NewClock() *Clock {
	return &Clock{
		overrides: make(map[types.Exchange]Override),
		now:       time.Now,
	}
}

// SetOverride forces an exchange open or closed (admin control).
func (c *Clock) SetOverride(ex types.Exchange, ov Override) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ov == OverrideNone {
		delete(c.overrides, ex)
		return
	}
	c.overrides[ex] = ov
}

// Overrides returns a copy of the active override set.
func (c *Clock) Overrides() map[types.Exchange]Override {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.Exchange]Override, len(c.overrides))
	for k, v := range c.overrides {
		out[k] = v
	}
	return out
}

// IsOpen reports whether the exchange is in its regular session.
func (c *Clock) IsOpen(ex types.Exchange) bool {
	c.mu.RLock()
	ov := c.overrides[ex]
	now := c.now().In(ist)
	c.mu.RUnlock()

	switch ov {
	case OverrideOpen:
		return true
	case OverrideClosed:
		return false
	}

	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}

	mins := now.Hour()*60 + now.Minute()
	switch ex {
	case types.MCX:
		// 09:00 - 23:30
		return mins >= 9*60 && mins < 23*60+30
	default:
		// NSE, BSE and indices: 09:15 - 15:30
		return mins >= 9*60+15 && mins < 15*60+30
	}
}

// AnyOpen reports whether any tracked exchange is open.
func (c *Clock) AnyOpen() bool {
	for _, ex := range []types.Exchange{types.NSE, types.BSE, types.MCX} {
		if c.IsOpen(ex) {
			return true
		}
	}
	return false
}
