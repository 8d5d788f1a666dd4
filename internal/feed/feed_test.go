package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tradesim/internal/config"
	"tradesim/internal/market"
	"tradesim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// ————————————————————————————————————————————————————————————————————————
// TickBus
// ————————————————————————————————————————————————————————————————————————

func TestTickBusDeliversInOrder(t *testing.T) {
	t.Parallel()
	bus := NewTickBus(8)
	ch := bus.Subscribe()

	for i := 1; i <= 3; i++ {
		bus.Publish(types.Tick{Token: "13", LTP: float64(i)})
	}
	for i := 1; i <= 3; i++ {
		tick := <-ch
		if tick.LTP != float64(i) {
			t.Fatalf("tick %d: LTP = %v", i, tick.LTP)
		}
	}
}

func TestTickBusDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	bus := NewTickBus(2)
	ch := bus.Subscribe()

	for i := 1; i <= 5; i++ {
		bus.Publish(types.Tick{Token: "13", LTP: float64(i)})
	}

	// Oldest ticks evicted; the two newest remain, in order.
	first := <-ch
	second := <-ch
	if first.LTP != 4 || second.LTP != 5 {
		t.Errorf("surviving ticks = %v, %v; want 4, 5", first.LTP, second.LTP)
	}
	if bus.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", bus.Dropped())
	}
}

func TestTickBusNeverBlocksPublisher(t *testing.T) {
	t.Parallel()
	bus := NewTickBus(1)
	bus.Subscribe() // nobody reads

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(types.Tick{Token: "13", LTP: 1})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a lagging consumer")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Normalization
// ————————————————————————————————————————————————————————————————————————

func TestNormalizeProbesNestedSecurityID(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"data":{"security_id":"13","ltp":25000.5}}`)
	tick, ok := Normalize(raw)
	if !ok {
		t.Fatal("payload dropped")
	}
	if tick.SecurityID != "13" || tick.LTP != 25000.5 {
		t.Errorf("got id=%s ltp=%v", tick.SecurityID, tick.LTP)
	}
}

func TestNormalizeNumericIDAndAltLTPKey(t *testing.T) {
	t.Parallel()
	tick, ok := Normalize([]byte(`{"tk":1333,"last_price":2450.25}`))
	if !ok {
		t.Fatal("payload dropped")
	}
	if tick.SecurityID != "1333" || tick.LTP != 2450.25 {
		t.Errorf("got id=%s ltp=%v", tick.SecurityID, tick.LTP)
	}
}

func TestNormalizeSynthesizesMidWhenNoLTP(t *testing.T) {
	t.Parallel()
	tick, ok := Normalize([]byte(`{"security_id":"35002","bid":99.5,"ask":100.5}`))
	if !ok {
		t.Fatal("payload dropped")
	}
	if tick.LTP != 100 {
		t.Errorf("synthesized LTP = %v, want mid 100", tick.LTP)
	}
}

func TestNormalizeDepth(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"security_id": "35002",
		"ltp": 100,
		"depth": {
			"buy":  [{"price": 99.5, "quantity": 60}, {"price": 99.0, "quantity": 120}],
			"sell": [{"price": 100.5, "quantity": 40}]
		}
	}`)
	tick, ok := Normalize(raw)
	if !ok {
		t.Fatal("payload dropped")
	}
	if tick.Depth == nil {
		t.Fatal("depth not parsed")
	}
	if len(tick.Depth.Bids) != 2 || tick.Depth.Bids[0].Price != 99.5 || tick.Depth.Bids[0].Qty != 60 {
		t.Errorf("bids = %+v", tick.Depth.Bids)
	}
	if len(tick.Depth.Asks) != 1 || tick.Depth.Asks[0].Price != 100.5 {
		t.Errorf("asks = %+v", tick.Depth.Asks)
	}
}

func TestNormalizeDropsWithoutID(t *testing.T) {
	t.Parallel()
	if _, ok := Normalize([]byte(`{"ltp": 100}`)); ok {
		t.Error("payload without security id should drop")
	}
	if _, ok := Normalize([]byte(`not json`)); ok {
		t.Error("garbage payload should drop")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Alerter
// ————————————————————————————————————————————————————————————————————————

type sinkRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (s *sinkRecorder) AddNotification(userID, level, title, body string) {
	s.mu.Lock()
	s.calls = append(s.calls, title)
	s.mu.Unlock()
}

func TestAlerterDedupsPerCause(t *testing.T) {
	t.Parallel()
	sink := &sinkRecorder{}
	a := NewAlerter(sink, 5*time.Minute, testLogger())
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	now := base
	a.now = func() time.Time { return now }

	if !a.Alert("ERROR", "feed_cooldown", "first") {
		t.Fatal("first alert suppressed")
	}
	if a.Alert("ERROR", "feed_cooldown", "repeat") {
		t.Error("repeat within window not suppressed")
	}
	// Different cause is independent.
	if !a.Alert("ERROR", "synth_prices", "other cause") {
		t.Error("different cause suppressed")
	}
	// After the window the cause fires again.
	now = base.Add(6 * time.Minute)
	if !a.Alert("ERROR", "feed_cooldown", "after window") {
		t.Error("alert after window suppressed")
	}
	if len(sink.calls) != 3 {
		t.Errorf("sink got %d alerts, want 3", len(sink.calls))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Ingestor state machine
// ————————————————————————————————————————————————————————————————————————

func feedCfg() config.FeedConfig {
	return config.FeedConfig{
		Shards:        5,
		ShardCapacity: 5000,
		BackoffBase:   5 * time.Second,
		BackoffMax:    120 * time.Second,
		MaxFailures:   10,
		Cooldown:      660 * time.Second,
		MaxTargets:    300,
		AlertMinGap:   5 * time.Minute,
	}
}

func TestBackoffLadder(t *testing.T) {
	t.Parallel()
	ing := NewIngestor(feedCfg(), "ws://test", nil, NewTickBus(8), market.NewClock(), nil, testLogger())

	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 120 * time.Second, 120 * time.Second,
	}
	for i, w := range want {
		if got := ing.backoffFor(i + 1); got != w {
			t.Errorf("backoffFor(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestCooldownAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	sink := &sinkRecorder{}
	alerter := NewAlerter(sink, 5*time.Minute, testLogger())
	ing := NewIngestor(feedCfg(), "ws://test", nil, NewTickBus(8), market.NewClock(), alerter, testLogger())

	ing.dial = func(ctx context.Context, url string) (wsConn, error) {
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var sleeps []time.Duration
	ing.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		n := len(sleeps)
		mu.Unlock()
		// 9 backoff waits precede the 10th failure; the next sleep is the
		// cooldown itself.
		if n >= 10 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	ing.Start(ctx)
	sub := types.Subscription{
		Token: "13", Symbol: "NIFTY", Exchange: types.IDX, Segment: types.SegIndex,
		Tier: types.TierB, Mode: types.ModeTicker, ShardID: 1,
	}
	if err := ing.Subscribe(sub, "13"); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	<-ctx.Done()
	ing.Stop()

	mu.Lock()
	defer mu.Unlock()
	wantBackoffs := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 120 * time.Second, 120 * time.Second, 120 * time.Second,
		120 * time.Second,
	}
	if len(sleeps) < 10 {
		t.Fatalf("recorded %d sleeps, want at least 10", len(sleeps))
	}
	for i, w := range wantBackoffs {
		if sleeps[i] != w {
			t.Errorf("sleep %d = %v, want %v", i, sleeps[i], w)
		}
	}
	// The 10th failure skips backoff and parks in cooldown.
	if sleeps[9] > 660*time.Second || sleeps[9] < 650*time.Second {
		t.Errorf("cooldown sleep = %v, want ~660s", sleeps[9])
	}
	if len(sink.calls) != 1 {
		t.Errorf("admin alerts = %d, want exactly 1", len(sink.calls))
	}

	st := ing.Status()
	if len(st.Shards) != 1 || st.Shards[0].State != "COOLDOWN" {
		t.Errorf("shard state = %+v, want COOLDOWN", st.Shards)
	}
}

func TestSubscribeRejectsSyntheticTokens(t *testing.T) {
	t.Parallel()
	ing := NewIngestor(feedCfg(), "ws://test", nil, NewTickBus(8), market.NewClock(), nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)
	defer ing.Stop()

	sub := types.Subscription{
		Token: types.SyntheticToken(types.Call, "NIFTY", 25000, "2026-12-26"),
		Tier:  types.TierB, ShardID: 1,
	}
	if err := ing.Subscribe(sub, "99999"); err == nil {
		t.Error("synthetic token accepted by the vendor path")
	}
}

// Zero-LTP ticks on a closed market spawn a last-close REST fetch; Stop
// must join that fetch, so its throttle entry is always visible afterwards.
func TestStopJoinsLastCloseFetch(t *testing.T) {
	t.Parallel()
	clock := market.NewClock()
	clock.SetOverride(types.NSE, market.OverrideClosed)
	ing := NewIngestor(feedCfg(), "ws://test", nil, NewTickBus(8), clock, nil, testLogger())

	sub := types.Subscription{
		Token: "2885", Symbol: "RELIANCE", Exchange: types.NSE, Segment: types.SegNSEEQ,
		Tier: types.TierA, Mode: types.ModeQuote, ShardID: 1,
	}
	s := &shard{
		id:      1,
		targets: map[string]target{"2885": {sub: sub, securityID: "2885"}},
		kick:    make(chan struct{}, 1),
	}

	ing.handlePayload(s, []byte(`{"security_id":"2885","ltp":0}`))
	ing.Stop()

	ing.lastCloseMu.Lock()
	_, fetched := ing.lastCloseAt["2885"]
	ing.lastCloseMu.Unlock()
	if !fetched {
		t.Error("last-close fetch still in flight after Stop returned")
	}
}

func TestKillSwitchKeepsShardsIdle(t *testing.T) {
	t.Parallel()
	ing := NewIngestor(feedCfg(), "ws://test", nil, NewTickBus(8), market.NewClock(), nil, testLogger())

	var dials int32
	var mu sync.Mutex
	ing.dial = func(ctx context.Context, url string) (wsConn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("unexpected dial")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)
	ing.SetEnabled(false)

	sub := types.Subscription{
		Token: "13", Symbol: "NIFTY", Exchange: types.IDX, Segment: types.SegIndex,
		Tier: types.TierB, Mode: types.ModeTicker, ShardID: 1,
	}
	if err := ing.Subscribe(sub, "13"); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	ing.Stop()

	mu.Lock()
	defer mu.Unlock()
	if dials != 0 {
		t.Errorf("dialed %d times with kill-switch off", dials)
	}
}
