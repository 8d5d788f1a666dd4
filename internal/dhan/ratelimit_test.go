package dhan

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterWaitImmediate(t *testing.T) {
	t.Parallel()
	l := NewLimiter()

	// First data tokens are available without blocking.
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Wait(context.Background(), ChannelData); err != nil {
			t.Fatalf("Wait() error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst took %v, expected immediate", elapsed)
	}
}

func TestLimiterQuotePacing(t *testing.T) {
	t.Parallel()
	l := NewLimiter()

	// Burst 1, then the second token needs ~1s.
	if err := l.Wait(context.Background(), ChannelQuote); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, ChannelQuote); err == nil {
		t.Error("second quote token granted before refill")
	}
}

func TestLimiterBlock(t *testing.T) {
	t.Parallel()
	l := NewLimiter()

	l.Block(ChannelData, time.Minute)

	err := l.Wait(context.Background(), ChannelData)
	var blocked *ErrChannelBlocked
	if !errors.As(err, &blocked) {
		t.Fatalf("Wait() error = %v, want ErrChannelBlocked", err)
	}
	if blocked.Channel != ChannelData {
		t.Errorf("blocked channel = %v", blocked.Channel)
	}

	// Quote channel is unaffected.
	if err := l.Wait(context.Background(), ChannelQuote); err != nil {
		t.Errorf("quote Wait() error: %v", err)
	}

	// A shorter re-block never shrinks an existing block.
	until := l.BlockedUntil(ChannelData)
	l.Block(ChannelData, time.Second)
	if l.BlockedUntil(ChannelData).Before(until) {
		t.Error("shorter block shrank the existing one")
	}
}
