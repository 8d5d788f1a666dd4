package types

import "testing"

func TestParseOptionSymbol(t *testing.T) {
	t.Parallel()
	cases := []struct {
		symbol     string
		underlying string
		tag        string
		strike     float64
		ot         OptionType
		ok         bool
	}{
		{"NIFTY 26DEC 25000 CE", "NIFTY", "26DEC", 25000, Call, true},
		{"BANKNIFTY 52000 PE", "BANKNIFTY", "", 52000, Put, true},
		{"NIFTY NEXT50 5JAN 70000 CE", "NIFTY NEXT50", "5JAN", 70000, Call, true},
		{"RELIANCE", "", "", 0, "", false},
		{"NIFTY 25000 XX", "", "", 0, "", false},
		{"NIFTY abc CE", "", "", 0, "", false},
	}
	for _, tc := range cases {
		underlying, tag, strike, ot, ok := ParseOptionSymbol(tc.symbol)
		if ok != tc.ok {
			t.Errorf("%q: ok = %v, want %v", tc.symbol, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if underlying != tc.underlying || tag != tc.tag || strike != tc.strike || ot != tc.ot {
			t.Errorf("%q: got (%q,%q,%v,%s)", tc.symbol, underlying, tag, strike, ot)
		}
	}
}

func TestExpiryMatchesTag(t *testing.T) {
	t.Parallel()
	if !ExpiryMatchesTag("2026-12-26", "26DEC") {
		t.Error("26DEC should match 2026-12-26")
	}
	if !ExpiryMatchesTag("2026-01-05", "5JAN") {
		t.Error("5JAN should match 2026-01-05")
	}
	if ExpiryMatchesTag("2026-12-26", "25DEC") {
		t.Error("25DEC should not match 2026-12-26")
	}
	if !ExpiryMatchesTag("2026-12-26", "") {
		t.Error("empty tag matches any expiry")
	}
}
