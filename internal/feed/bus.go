// Package feed maintains the authoritative vendor market-data connection.
//
// It owns the WebSocket ingestor state machine (connect, stream, backoff,
// cooldown), tick normalization from raw vendor payloads, the bounded
// TickBus fan-out, deduplicated admin alerting, and the loopback TCP lock
// that keeps two ingestor processes from sharing vendor credentials.
package feed

import (
	"sync"
	"sync/atomic"

	"tradesim/pkg/types"
)

// TickBus multiplexes normalized ticks to downstream consumers.
//
// Each consumer gets its own bounded channel. Publishing never blocks the
// read loop: when a consumer lags, its oldest buffered tick is dropped and
// a counter incremented. Ticks for one token stay in arrival order within
// each consumer channel; cross-token ordering is not guaranteed.
type TickBus struct {
	mu      sync.RWMutex
	subs    []chan types.Tick
	size    int
	dropped atomic.Int64
}

// NewTickBus creates a bus whose consumer channels buffer size ticks.
func NewTickBus(size int) *TickBus {
	if size <= 0 {
		size = 1024
	}
	return &TickBus{size: size}
}

// Subscribe registers a consumer and returns its channel.
func (b *TickBus) Subscribe() <-chan types.Tick {
	ch := make(chan types.Tick, b.size)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers a tick to every consumer, dropping the oldest buffered
// tick of a lagging consumer rather than blocking.
func (b *TickBus) Publish(tick types.Tick) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- tick:
			continue
		default:
		}
		// Full: evict the oldest and retry once.
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case ch <- tick:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of ticks evicted due to back-pressure.
func (b *TickBus) Dropped() int64 {
	return b.dropped.Load()
}
