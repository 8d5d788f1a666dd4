// normalize.go turns raw vendor feed payloads into normalized ticks.
//
// The vendor emits several JSON shapes depending on feed mode and instrument
// family, so extraction is defensive: the security id is found by probing
// candidate keys recursively, the LTP by a fixed ordered key set, and depth
// by recognizing either {buy,sell} or {bids,asks} level arrays. Payloads
// that yield no id or no usable price are dropped with a counter.
package feed

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"tradesim/pkg/types"
)

// securityIDKeys are probed recursively, in order, for the instrument id.
var securityIDKeys = []string{
	"security_id", "securityId", "SecurityId", "token", "tk", "instrument_token",
}

// ltpKeys are probed in order at the top level and one level deep.
var ltpKeys = []string{
	"ltp", "LTP", "last_price", "lastPrice", "last_traded_price", "ltt_price",
}

var bidKeys = []string{"bid", "best_bid", "top_bid_price", "bbp"}
var askKeys = []string{"ask", "best_ask", "top_ask_price", "bap"}

// RawTick is a vendor payload reduced to its tradable fields, before
// enrichment with subscription metadata.
type RawTick struct {
	SecurityID string
	LTP        float64
	Bid        float64
	Ask        float64
	Depth      *types.Depth
	Timestamp  time.Time
}

// Normalize parses one raw feed payload. ok is false when the payload
// carries no security id; callers count those as dropped.
//
// An LTP of zero is returned as-is: whether a zero price is droppable
// depends on market state, which the ingestor decides.
func Normalize(raw []byte) (RawTick, bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return RawTick{}, false
	}

	id, ok := probeID(payload, 0)
	if !ok {
		return RawTick{}, false
	}

	tick := RawTick{SecurityID: id, Timestamp: time.Now()}
	tick.LTP, _ = probeFloat(payload, ltpKeys)
	tick.Bid, _ = probeFloat(payload, bidKeys)
	tick.Ask, _ = probeFloat(payload, askKeys)
	tick.Depth = probeDepth(payload)

	// No traded price on the wire: synthesize mid, or the one good side.
	if tick.LTP <= 0 {
		switch {
		case tick.Bid > 0 && tick.Ask > 0:
			tick.LTP = (tick.Bid + tick.Ask) / 2
		case tick.Bid > 0:
			tick.LTP = tick.Bid
		case tick.Ask > 0:
			tick.LTP = tick.Ask
		}
	}
	return tick, true
}

// probeID searches candidate id keys up to two levels deep. Vendor index
// packets nest the id under "data" or "quote".
func probeID(m map[string]any, depth int) (string, bool) {
	for _, key := range securityIDKeys {
		if v, ok := m[key]; ok {
			if id := asID(v); id != "" {
				return id, true
			}
		}
	}
	if depth >= 2 {
		return "", false
	}
	for _, v := range m {
		if child, ok := v.(map[string]any); ok {
			if id, ok := probeID(child, depth+1); ok {
				return id, true
			}
		}
	}
	return "", false
}

func asID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t <= 0 {
			return ""
		}
		return strconv.FormatInt(int64(t), 10)
	}
	return ""
}

// probeFloat checks keys at the top level, then one level deep.
func probeFloat(m map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		if f, ok := asFloat(m[key]); ok {
			return f, true
		}
	}
	for _, v := range m {
		child, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			if f, ok := asFloat(child[key]); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// probeDepth recognizes both vendor depth shapes.
func probeDepth(m map[string]any) *types.Depth {
	node := m
	if d, ok := m["depth"].(map[string]any); ok {
		node = d
	}

	bids := parseLevels(node["buy"])
	if bids == nil {
		bids = parseLevels(node["bids"])
	}
	asks := parseLevels(node["sell"])
	if asks == nil {
		asks = parseLevels(node["asks"])
	}
	if bids == nil && asks == nil {
		return nil
	}
	return &types.Depth{Bids: bids, Asks: asks}
}

func parseLevels(v any) []types.DepthLevel {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	levels := make([]types.DepthLevel, 0, len(arr))
	for _, item := range arr {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		price, okP := asFloat(row["price"])
		if !okP {
			price, okP = asFloat(row["p"])
		}
		qty, okQ := asFloat(row["quantity"])
		if !okQ {
			qty, okQ = asFloat(row["qty"])
			if !okQ {
				qty, _ = asFloat(row["q"])
			}
		}
		if !okP {
			continue
		}
		levels = append(levels, types.DepthLevel{Price: price, Qty: int64(qty)})
		if len(levels) == 5 {
			break
		}
	}
	if len(levels) == 0 {
		return nil
	}
	return levels
}
