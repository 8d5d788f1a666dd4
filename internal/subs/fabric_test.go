package subs

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradesim/internal/config"
	"tradesim/internal/registry"
	"tradesim/pkg/types"
)

const sampleCSV = `EXCH_ID,SEGMENT,SECURITY_ID,UNDERLYING_SYMBOL,SYMBOL_NAME,INSTRUMENT_TYPE,SM_EXPIRY_DATE,STRIKE_PRICE,OPTION_TYPE,LOT_SIZE,STRIKE_STEP
NSE,NSE_EQ,1333,HDFCBANK,HDFCBANK,EQUITY,,,,1,
NSE,NSE_EQ,2885,RELIANCE,RELIANCE,EQUITY,,,,1,
IDX,IDX_I,13,NIFTY,NIFTY,INDEX,,,,1,
NSE,NSE_FNO,35001,NIFTY,NIFTY 26DEC FUT,FUTIDX,2026-12-26,,,75,50
NSE,NSE_FNO,35002,NIFTY,NIFTY 26DEC 25000 CE,OPTIDX,2026-12-26,25000,CE,75,50
NSE,NSE_FNO,35003,NIFTY,NIFTY 26DEC 25000 PE,OPTIDX,2026-12-26,25000,PE,75,50
NSE,NSE_FNO,35004,NIFTY,NIFTY 26DEC 25050 CE,OPTIDX,2026-12-26,25050,CE,75,50
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scrip.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Load(path)
	if err != nil {
		t.Fatalf("registry load: %v", err)
	}
	return reg
}

// fakeSink records ingestor calls.
type fakeSink struct {
	mu         sync.Mutex
	enabled    bool
	subscribed []string
	dropped    []string
}

func (s *fakeSink) Subscribe(sub types.Subscription, securityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, sub.Token)
	return nil
}

func (s *fakeSink) Unsubscribe(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, token)
}

func (s *fakeSink) Enabled() bool { return s.enabled }

// fakeStore is an in-memory SubStore.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]types.Subscription
	log  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]types.Subscription)}
}

func (s *fakeStore) UpsertSubscription(sub types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sub.Token] = sub
	return nil
}

func (s *fakeStore) DeactivateSubscription(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.rows[token]; ok {
		sub.Active = false
		s.rows[token] = sub
	}
	return nil
}

func (s *fakeStore) ActiveSubscriptions() ([]types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Subscription
	for _, sub := range s.rows {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *fakeStore) LogSubscription(token, symbol, action, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, action+":"+token+":"+reason)
}

type fakePositions struct {
	open []*types.Position
}

func (p *fakePositions) OpenPositions() ([]*types.Position, error) { return p.open, nil }

func fabricCfg(shards, capacity int) config.FeedConfig {
	return config.FeedConfig{
		Shards:          shards,
		ShardCapacity:   capacity,
		MaxTargets:      300,
		CriticalSymbols: []string{"NIFTY", "BANKNIFTY"},
	}
}

func newTestFabric(t *testing.T, cfg config.FeedConfig) (*Fabric, *fakeSink, *fakeStore) {
	t.Helper()
	sink := &fakeSink{enabled: true}
	store := newFakeStore()
	regCfg := config.RegistryConfig{
		Equities: []string{"HDFCBANK", "RELIANCE"},
		MCXWatch: []string{"CRUDEOIL"},
	}
	f := NewFabric(cfg, regCfg, testRegistry(t), store, sink, testLogger())
	return f, sink, store
}

func TestSubscribeResolvesAndPersists(t *testing.T) {
	t.Parallel()
	f, sink, store := newTestFabric(t, fabricCfg(5, 5000))

	res := f.Subscribe(Request{
		Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 25000,
		OptionType: types.Call, Tier: types.TierB,
	})
	if !res.OK {
		t.Fatalf("Subscribe() = %+v", res)
	}
	if res.Token != "35002" {
		t.Errorf("token = %s, want 35002", res.Token)
	}
	if res.ShardID != 1 {
		t.Errorf("shard = %d, want first-fit 1", res.ShardID)
	}
	if len(sink.subscribed) != 1 {
		t.Errorf("sink subscribes = %d, want 1", len(sink.subscribed))
	}
	if row, ok := store.rows["35002"]; !ok || !row.Active {
		t.Error("subscription not persisted active")
	}

	// Idempotent: same request lands on the same shard with no new sink call.
	again := f.Subscribe(Request{
		Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 25000,
		OptionType: types.Call, Tier: types.TierB,
	})
	if !again.OK || again.ShardID != res.ShardID {
		t.Errorf("re-subscribe = %+v", again)
	}
	if len(sink.subscribed) != 2 && len(sink.subscribed) != 1 {
		t.Errorf("unexpected sink calls: %v", sink.subscribed)
	}
}

func TestSubscribeOutsideUniverse(t *testing.T) {
	t.Parallel()
	f, _, _ := newTestFabric(t, fabricCfg(5, 5000))

	res := f.Subscribe(Request{Symbol: "PENNYSTOCK", Tier: types.TierA})
	if res.OK || res.Reason != types.ReasonNotAllowed {
		t.Errorf("Subscribe() = %+v, want NOT_ALLOWED", res)
	}
}

func TestSubscribeUnlistedStrikeNeverFallsBack(t *testing.T) {
	t.Parallel()
	f, _, _ := newTestFabric(t, fabricCfg(5, 5000))

	// 26000 CE is not in the registry; the index id must not be returned.
	res := f.Subscribe(Request{
		Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 26000,
		OptionType: types.Call, Tier: types.TierA,
	})
	if res.OK {
		t.Fatalf("unlisted strike resolved to token %s", res.Token)
	}
}

func TestCapacityEvictsLRUTierA(t *testing.T) {
	t.Parallel()
	f, sink, _ := newTestFabric(t, fabricCfg(1, 2))

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	now := base
	f.now = func() time.Time { return now }

	first := f.Subscribe(Request{Symbol: "HDFCBANK", Expiry: types.ExpiryEquity, Tier: types.TierA})
	now = now.Add(time.Minute)
	second := f.Subscribe(Request{Symbol: "RELIANCE", Expiry: types.ExpiryEquity, Tier: types.TierA})
	if !first.OK || !second.OK {
		t.Fatalf("seed subscribes failed: %+v %+v", first, second)
	}

	// Full shard: the oldest Tier-A entry (HDFCBANK) gives way.
	now = now.Add(time.Minute)
	third := f.Subscribe(Request{Symbol: "NIFTY", Tier: types.TierA})
	if !third.OK {
		t.Fatalf("Subscribe() after eviction = %+v", third)
	}
	if len(sink.dropped) != 1 || sink.dropped[0] != first.Token {
		t.Errorf("evicted = %v, want [%s]", sink.dropped, first.Token)
	}
	if _, ok := f.Lookup(first.Token); ok {
		t.Error("evicted token still active")
	}
}

func TestCapacityWithOnlyTierB(t *testing.T) {
	t.Parallel()
	f, _, _ := newTestFabric(t, fabricCfg(1, 2))

	f.Subscribe(Request{Symbol: "HDFCBANK", Expiry: types.ExpiryEquity, Tier: types.TierB})
	f.Subscribe(Request{Symbol: "RELIANCE", Expiry: types.ExpiryEquity, Tier: types.TierB})

	res := f.Subscribe(Request{Symbol: "NIFTY", Tier: types.TierB})
	if res.OK || res.Reason != types.ReasonCapacity {
		t.Errorf("Subscribe() = %+v, want CAPACITY", res)
	}
}

func TestEODCleanupProtectsOpenPositions(t *testing.T) {
	t.Parallel()
	f, sink, _ := newTestFabric(t, fabricCfg(5, 5000))

	held := f.Subscribe(Request{
		Symbol: "NIFTY 26DEC 25000 CE", Expiry: "2026-12-26", Strike: 25000,
		OptionType: types.Call, Tier: types.TierA,
	})
	if !held.OK {
		// The canonical symbol resolves through the underlying index path.
		held = f.Subscribe(Request{
			Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 25000,
			OptionType: types.Call, Tier: types.TierA,
		})
	}
	other := f.Subscribe(Request{Symbol: "HDFCBANK", Expiry: types.ExpiryEquity, Tier: types.TierA})
	seed := f.Subscribe(Request{Symbol: "NIFTY", Tier: types.TierB})
	if !held.OK || !other.OK || !seed.OK {
		t.Fatalf("setup failed: %+v %+v %+v", held, other, seed)
	}

	heldSub, _ := f.Lookup(held.Token)
	positions := &fakePositions{open: []*types.Position{{
		UserID: "u1", Symbol: heldSub.Symbol, Quantity: 75, Status: types.PositionOpen,
	}}}

	if err := f.UnsubscribeAllTierA(positions); err != nil {
		t.Fatalf("UnsubscribeAllTierA() error: %v", err)
	}

	if _, ok := f.Lookup(held.Token); !ok {
		t.Error("position-backed token was removed")
	}
	if _, ok := f.Lookup(other.Token); ok {
		t.Error("unprotected Tier-A token survived")
	}
	if _, ok := f.Lookup(seed.Token); !ok {
		t.Error("Tier-B seed was removed")
	}
	for _, dropped := range sink.dropped {
		if dropped == held.Token {
			t.Error("protected token pushed to ingestor unsubscribe")
		}
	}
}

// A chain-window subscription carries the underlying plus coordinates, not
// the display name the position stores. The cleanup still has to spare it.
func TestEODCleanupProtectsCoordinateSubscriptions(t *testing.T) {
	t.Parallel()
	f, sink, _ := newTestFabric(t, fabricCfg(5, 5000))

	held := f.Subscribe(Request{
		Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 25000,
		OptionType: types.Call, Tier: types.TierA,
	})
	other := f.Subscribe(Request{
		Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 25050,
		OptionType: types.Call, Tier: types.TierA,
	})
	if !held.OK || !other.OK {
		t.Fatalf("setup failed: %+v %+v", held, other)
	}

	positions := &fakePositions{open: []*types.Position{{
		UserID: "u1", Symbol: "NIFTY 26DEC 25000 CE", Quantity: 75, Status: types.PositionOpen,
	}}}
	if err := f.UnsubscribeAllTierA(positions); err != nil {
		t.Fatalf("UnsubscribeAllTierA() error: %v", err)
	}

	if _, ok := f.Lookup(held.Token); !ok {
		t.Error("position-backed coordinate token was removed")
	}
	if _, ok := f.Lookup(other.Token); ok {
		t.Error("neighbouring strike without a position survived")
	}
	for _, dropped := range sink.dropped {
		if dropped == held.Token {
			t.Error("protected token pushed to ingestor unsubscribe")
		}
	}
}

func TestSyncDesiredRejectedWhenDisabled(t *testing.T) {
	t.Parallel()
	f, sink, _ := newTestFabric(t, fabricCfg(5, 5000))
	sink.enabled = false

	if err := f.SyncDesired([]Request{{Symbol: "NIFTY", Tier: types.TierA}}); err == nil {
		t.Error("SyncDesired accepted with feed disabled")
	}
}

func TestSyncDesiredDiffs(t *testing.T) {
	t.Parallel()
	f, sink, _ := newTestFabric(t, fabricCfg(5, 5000))

	old := f.Subscribe(Request{Symbol: "HDFCBANK", Expiry: types.ExpiryEquity, Tier: types.TierA})
	seed := f.Subscribe(Request{Symbol: "NIFTY", Tier: types.TierB})
	if !old.OK || !seed.OK {
		t.Fatal("setup failed")
	}

	err := f.SyncDesired([]Request{
		{Symbol: "RELIANCE", Expiry: types.ExpiryEquity, Tier: types.TierA},
	})
	if err != nil {
		t.Fatalf("SyncDesired() error: %v", err)
	}

	if _, ok := f.Lookup(old.Token); ok {
		t.Error("stale Tier-A token survived sync")
	}
	if _, ok := f.Lookup(seed.Token); !ok {
		t.Error("Tier-B seed removed by sync")
	}
	found := false
	for _, tok := range sink.subscribed {
		if tok == "2885" { // RELIANCE
			found = true
		}
	}
	if !found {
		t.Error("desired token not subscribed")
	}
}

func TestTrimKeepsCriticalFirst(t *testing.T) {
	t.Parallel()
	cfg := fabricCfg(5, 5000)
	cfg.MaxTargets = 2
	f, _, _ := newTestFabric(t, cfg)

	desired := []Request{
		{Symbol: "HDFCBANK", Tier: types.TierA},
		{Symbol: "RELIANCE", Tier: types.TierA},
		{Symbol: "NIFTY", Tier: types.TierB},
	}
	kept := f.trim(desired)
	if len(kept) != 2 {
		t.Fatalf("trim kept %d, want 2", len(kept))
	}
	if kept[0].Symbol != "NIFTY" {
		t.Errorf("critical symbol not first: %+v", kept)
	}
}

func TestRehydrateReissuesSubscribes(t *testing.T) {
	t.Parallel()
	f, sink, store := newTestFabric(t, fabricCfg(5, 5000))

	store.UpsertSubscription(types.Subscription{
		Token: "35002", Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 25000,
		OptionType: types.Call, Tier: types.TierB, ShardID: 1,
		SubscribedAt: time.Now().Add(-time.Hour), Active: true,
	})
	store.UpsertSubscription(types.Subscription{
		Token: "99999", Symbol: "DELISTED", Expiry: "2026-01-01", Strike: 100,
		OptionType: types.Call, Tier: types.TierA, ShardID: 1,
		SubscribedAt: time.Now().Add(-time.Hour), Active: true,
	})

	if err := f.Rehydrate(); err != nil {
		t.Fatalf("Rehydrate() error: %v", err)
	}

	if _, ok := f.Lookup("35002"); !ok {
		t.Error("resolvable row not restored")
	}
	if _, ok := f.Lookup("99999"); ok {
		t.Error("unresolvable row restored")
	}
	if row := store.rows["99999"]; row.Active {
		t.Error("unresolvable row left active in store")
	}
	if len(sink.subscribed) == 0 {
		t.Error("no subscribes re-issued")
	}
}
