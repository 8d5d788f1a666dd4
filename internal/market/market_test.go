package market

import (
	"testing"
	"time"

	"tradesim/pkg/types"
)

func clockAt(t *testing.T, value string) *Clock {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, ist)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	c := NewClock()
	c.now = func() time.Time { return ts }
	return c
}

func TestClockSessions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		at   string // IST, a Wednesday
		ex   types.Exchange
		open bool
	}{
		{"2026-08-26 10:30", types.NSE, true},
		{"2026-08-26 09:00", types.NSE, false},
		{"2026-08-26 15:29", types.NSE, true},
		{"2026-08-26 15:30", types.NSE, false},
		{"2026-08-26 22:00", types.MCX, true},
		{"2026-08-26 23:45", types.MCX, false},
		{"2026-08-30 10:30", types.NSE, false}, // Sunday
	}
	for _, tt := range tests {
		c := clockAt(t, tt.at)
		if got := c.IsOpen(tt.ex); got != tt.open {
			t.Errorf("IsOpen(%s) at %s = %v, want %v", tt.ex, tt.at, got, tt.open)
		}
	}
}

func TestClockOverride(t *testing.T) {
	t.Parallel()

	c := clockAt(t, "2026-08-30 03:00") // Sunday night
	if c.IsOpen(types.NSE) {
		t.Fatal("expected closed")
	}
	c.SetOverride(types.NSE, OverrideOpen)
	if !c.IsOpen(types.NSE) {
		t.Error("override open ignored")
	}
	c.SetOverride(types.NSE, OverrideNone)
	if c.IsOpen(types.NSE) {
		t.Error("override clear ignored")
	}

	c2 := clockAt(t, "2026-08-26 10:30")
	c2.SetOverride(types.NSE, OverrideClosed)
	if c2.IsOpen(types.NSE) {
		t.Error("override closed ignored")
	}
}

func TestStateApply(t *testing.T) {
	t.Parallel()

	st := NewState()
	st.Apply(types.Tick{
		Symbol: "HDFCBANK",
		LTP:    1650.5,
		Depth: &types.Depth{
			Bids: []types.DepthLevel{{Price: 1650.0, Qty: 120}},
			Asks: []types.DepthLevel{{Price: 1650.8, Qty: 90}},
		},
		Timestamp: time.Now(),
	})

	snap, ok := st.Get("HDFCBANK")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.BestBid != 1650.0 || snap.BidQty != 120 {
		t.Errorf("best bid = %v/%d", snap.BestBid, snap.BidQty)
	}
	if snap.BestAsk != 1650.8 || snap.AskQty != 90 {
		t.Errorf("best ask = %v/%d", snap.BestAsk, snap.AskQty)
	}

	// LTP-only tick keeps the previous depth.
	st.Apply(types.Tick{Symbol: "HDFCBANK", LTP: 1651.0, Timestamp: time.Now()})
	snap, _ = st.Get("HDFCBANK")
	if snap.LTP != 1651.0 || snap.BestBid != 1650.0 {
		t.Errorf("after ltp tick: %+v", snap)
	}
}
