package types

import (
	"strconv"
	"strings"
	"time"
)

// ParseOptionSymbol splits "UNDERLYING [EXPIRY] STRIKE CE|PE" symbols, e.g.
// "NIFTY 26DEC 25000 CE". The expiry tag is optional; ok is false for
// anything that does not end in a strike plus option type.
func ParseOptionSymbol(symbol string) (underlying, expiryTag string, strike float64, ot OptionType, ok bool) {
	fields := strings.Fields(symbol)
	if len(fields) < 3 {
		return "", "", 0, "", false
	}

	last := fields[len(fields)-1]
	if last != string(Call) && last != string(Put) {
		return "", "", 0, "", false
	}
	ot = OptionType(last)

	strike, err := strconv.ParseFloat(fields[len(fields)-2], 64)
	if err != nil || strike <= 0 {
		return "", "", 0, "", false
	}

	rest := fields[:len(fields)-2]
	if len(rest) > 1 && looksLikeExpiryTag(rest[len(rest)-1]) {
		expiryTag = rest[len(rest)-1]
		rest = rest[:len(rest)-1]
	}
	underlying = strings.Join(rest, " ")
	return underlying, expiryTag, strike, ot, true
}

// looksLikeExpiryTag matches "26DEC" style day+month tags.
func looksLikeExpiryTag(s string) bool {
	if len(s) < 4 || len(s) > 5 {
		return false
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i >= 1 && i <= 2 && len(s)-i == 3
}

// ExpiryMatchesTag compares a full expiry ("2026-12-26") to a "26DEC" tag.
func ExpiryMatchesTag(expiry, tag string) bool {
	if tag == "" {
		return true
	}
	t, err := time.Parse("2006-01-02", expiry)
	if err != nil {
		return false
	}
	return strings.EqualFold(t.Format("2Jan"), tag)
}
