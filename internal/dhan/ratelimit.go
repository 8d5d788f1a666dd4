// ratelimit.go serializes auxiliary REST traffic to the vendor.
//
// The vendor enforces hard per-channel request rates: the Quote API allows
// one request per second, the Data API (expiry lists, option chains) five.
// All REST callers funnel through a single Limiter so bursts from the
// chain bootstrap, the last-close fallback and user-driven refreshes never
// exceed the budget together.
//
// Vendor policy failures convert into channel-wide blocks: 401/403 parks a
// channel for 15 minutes, 429 for two.
package dhan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Channel selects which vendor REST budget a call draws from.
type Channel int

const (
	ChannelQuote Channel = iota // /marketfeed/quote
	ChannelData                 // /optionchain, /optionchain/expirylist
)

func (c Channel) String() string {
	if c == ChannelQuote {
		return "quote"
	}
	return "data"
}

// Block durations applied on vendor policy failures.
const (
	AuthBlock      = 900 * time.Second
	RateLimitBlock = 120 * time.Second
)

// ErrChannelBlocked is returned while a channel is parked after a vendor
// policy failure.
type ErrChannelBlocked struct {
	Channel Channel
	Until   time.Time
}

func (e *ErrChannelBlocked) Error() string {
	return fmt.Sprintf("dhan %s channel blocked until %s", e.Channel, e.Until.Format(time.TimeOnly))
}

// Limiter owns both channel budgets and their block state.
type Limiter struct {
	quote *rate.Limiter
	data  *rate.Limiter

	mu           sync.Mutex
	blockedUntil map[Channel]time.Time
}

// NewLimiter builds the standard vendor budgets: quote 1 rps, data 5 rps.
func NewLimiter() *Limiter {
	return &Limiter{
		quote:        rate.NewLimiter(rate.Limit(1), 1),
		data:         rate.NewLimiter(rate.Limit(5), 5),
		blockedUntil: make(map[Channel]time.Time),
	}
}

// Wait blocks until the channel budget admits one request, or returns
// ErrChannelBlocked / ctx error.
func (l *Limiter) Wait(ctx context.Context, ch Channel) error {
	l.mu.Lock()
	until := l.blockedUntil[ch]
	l.mu.Unlock()
	if time.Now().Before(until) {
		return &ErrChannelBlocked{Channel: ch, Until: until}
	}

	lim := l.quote
	if ch == ChannelData {
		lim = l.data
	}
	return lim.Wait(ctx)
}

// Block parks a channel for d.
func (l *Limiter) Block(ch Channel, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(l.blockedUntil[ch]) {
		l.blockedUntil[ch] = until
	}
}

// BlockedUntil reports the block deadline for a channel (zero when clear).
func (l *Limiter) BlockedUntil(ch Channel) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockedUntil[ch]
}
