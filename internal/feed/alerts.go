package feed

import (
	"log/slog"
	"sync"
	"time"
)

// NotificationSink receives admin alerts; backed by the notifications table.
type NotificationSink interface {
	AddNotification(userID, level, title, body string)
}

// Alerter emits admin alerts, deduplicated per cause: repeats of the same
// cause within the min-gap window are counted and suppressed.
type Alerter struct {
	sink   NotificationSink
	minGap time.Duration
	logger *slog.Logger

	mu         sync.Mutex
	lastSent   map[string]time.Time
	suppressed map[string]int

	now func() time.Time
}

func NewAlerter(sink NotificationSink, minGap time.Duration, logger *slog.Logger) *Alerter {
	return &Alerter{
		sink:       sink,
		minGap:     minGap,
		logger:     logger.With("component", "alerter"),
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
		now:        time.Now,
	}
}

// Alert sends one admin alert for cause unless one was sent within the
// min-gap window. Returns whether the alert went out.
func (a *Alerter) Alert(level, cause, message string) bool {
	a.mu.Lock()
	now := a.now()
	if last, ok := a.lastSent[cause]; ok && now.Sub(last) < a.minGap {
		a.suppressed[cause]++
		a.mu.Unlock()
		return false
	}
	a.lastSent[cause] = now
	suppressed := a.suppressed[cause]
	a.suppressed[cause] = 0
	a.mu.Unlock()

	a.logger.Error("admin alert",
		"cause", cause,
		"message", message,
		"suppressed_since_last", suppressed,
	)
	if a.sink != nil {
		a.sink.AddNotification("admin", level, cause, message)
	}
	return true
}
