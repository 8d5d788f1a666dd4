package chain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradesim/internal/config"
	"tradesim/internal/dhan"
	"tradesim/internal/registry"
	"tradesim/internal/subs"
	"tradesim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// chainCSV lists NIFTY strikes 24850..25200 so window diffs resolve to real
// tokens on both sides.
func chainCSV() string {
	out := "EXCH_ID,SEGMENT,SECURITY_ID,UNDERLYING_SYMBOL,SYMBOL_NAME,INSTRUMENT_TYPE,SM_EXPIRY_DATE,STRIKE_PRICE,OPTION_TYPE,LOT_SIZE,STRIKE_STEP\n"
	out += "IDX,IDX_I,13,NIFTY,NIFTY,INDEX,,,,1,\n"
	id := 40000
	for strike := 24850; strike <= 25200; strike += 50 {
		for _, ot := range []string{"CE", "PE"} {
			out += fmt.Sprintf("NSE,NSE_FNO,%d,NIFTY,NIFTY 26DEC %d %s,OPTIDX,2026-12-26,%d,%s,75,50\n",
				id, strike, ot, strike, ot)
			id++
		}
	}
	return out
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scrip.csv")
	if err := os.WriteFile(path, []byte(chainCSV()), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Load(path)
	if err != nil {
		t.Fatalf("registry load: %v", err)
	}
	return reg
}

// fakeVendor serves canned chain snapshots.
type fakeVendor struct {
	mu         sync.Mutex
	expiries   []string
	lastPrice  float64
	chain      map[string]dhan.OptionPair
	chainErr   error
	chainCalls int
}

func (v *fakeVendor) ExpiryList(ctx context.Context, scrip int64, segment string) ([]string, error) {
	return v.expiries, nil
}

func (v *fakeVendor) OptionChain(ctx context.Context, scrip int64, segment, expiry string) (*dhan.OptionChainResponse, error) {
	v.mu.Lock()
	v.chainCalls++
	v.mu.Unlock()
	if v.chainErr != nil {
		return nil, v.chainErr
	}
	resp := &dhan.OptionChainResponse{Status: "success"}
	resp.Data.LastPrice = v.lastPrice
	resp.Data.Chain = v.chain
	return resp, nil
}

// fakeFabric records Tier-B diffs.
type fakeFabric struct {
	mu           sync.Mutex
	subscribed   []subs.Request
	unsubscribed []string
}

func (f *fakeFabric) Subscribe(req subs.Request) subs.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, req)
	return subs.Result{OK: true, ShardID: 1}
}

func (f *fakeFabric) Unsubscribe(token, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, token)
}

type fakeAlerts struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeAlerts) Alert(level, cause, message string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, cause)
	return true
}

type fakeATMStore struct {
	mu   sync.Mutex
	atms map[string]float64
}

func newFakeATMStore() *fakeATMStore { return &fakeATMStore{atms: make(map[string]float64)} }

func (s *fakeATMStore) SaveATM(u, e string, atm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atms[u+"/"+e] = atm
	return nil
}

func (s *fakeATMStore) LoadATM(u, e string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atms[u+"/"+e]
}

type alwaysOpen struct{}

func (alwaysOpen) IsOpen(types.Exchange) bool { return true }

func chainCfg() config.ChainConfig {
	return config.ChainConfig{
		IndexWindow:    2,
		WideIndexWindow: 3,
		StockWindow:    2,
		MCXWindow:      1,
		SynthInterval:  5 * time.Second,
		WarmupInterval: 20 * time.Second,
	}
}

func strikeKey(strike int) string { return fmt.Sprintf("%d.000000", strike) }

func newTestCache(t *testing.T, vendor *fakeVendor) (*Cache, *fakeFabric, *fakeAlerts, *fakeATMStore) {
	t.Helper()
	fabric := &fakeFabric{}
	alerts := &fakeAlerts{}
	store := newFakeATMStore()
	c := NewCache(chainCfg(), vendor, testRegistry(t), fabric, alwaysOpen{}, alerts, store, testLogger())
	return c, fabric, alerts, store
}

func bootstrappedCache(t *testing.T) (*Cache, *fakeFabric, *fakeAlerts) {
	t.Helper()
	vendor := &fakeVendor{
		expiries:  []string{"2026-12-26"},
		lastPrice: 25000,
		chain: map[string]dhan.OptionPair{
			strikeKey(24950): {CE: &dhan.OptionQuote{LastPrice: 10}},
			strikeKey(25000): {CE: &dhan.OptionQuote{LastPrice: 15, TopBidPrice: 14.5, TopAskPrice: 15.5}},
			strikeKey(25050): {CE: &dhan.OptionQuote{LastPrice: 20}},
		},
	}
	c, fabric, alerts, _ := newTestCache(t, vendor)
	c.Bootstrap(context.Background(), []string{"NIFTY"})
	return c, fabric, alerts
}

func TestBootstrapBuildsWindow(t *testing.T) {
	t.Parallel()
	c, fabric, _ := bootstrappedCache(t)

	skel, ok := c.Get("NIFTY", "2026-12-26")
	if !ok {
		t.Fatal("skeleton missing after bootstrap")
	}
	if skel.ATM != 25000 {
		t.Errorf("ATM = %v, want 25000", skel.ATM)
	}
	want := []float64{24900, 24950, 25000, 25050, 25100}
	if len(skel.Strikes) != len(want) {
		t.Fatalf("strikes = %v", skel.Strikes)
	}
	for i, s := range want {
		if skel.Strikes[i] != s {
			t.Errorf("strike[%d] = %v, want %v", i, skel.Strikes[i], s)
		}
	}
	if got := skel.Rows[25000].CE.LTP; got != 15 {
		t.Errorf("25000 CE LTP = %v, want 15", got)
	}
	if skel.Rows[25000].CE.Bid != 14.5 || skel.Rows[25000].CE.Ask != 15.5 {
		t.Errorf("25000 CE book = %v/%v", skel.Rows[25000].CE.Bid, skel.Rows[25000].CE.Ask)
	}

	// Every leg resolved a real token, so the full window subscribed Tier-B.
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	if len(fabric.subscribed) != 10 {
		t.Errorf("window subscribes = %d, want 10 (5 strikes x 2 sides)", len(fabric.subscribed))
	}
	for _, req := range fabric.subscribed {
		if req.Tier != types.TierB {
			t.Errorf("window subscribe tier = %s", req.Tier)
		}
	}
}

func TestBootstrapFallsBackToPersistedATM(t *testing.T) {
	t.Parallel()
	vendor := &fakeVendor{
		expiries: []string{"2026-12-26"},
		chainErr: fmt.Errorf("vendor down"),
	}
	c, _, _, store := newTestCache(t, vendor)
	store.SaveATM("NIFTY", "2026-12-26", 24950)

	c.Bootstrap(context.Background(), []string{"NIFTY"})

	skel, ok := c.Get("NIFTY", "2026-12-26")
	if !ok {
		t.Fatal("closing fallback produced no skeleton")
	}
	if skel.ATM != 24950 {
		t.Errorf("ATM = %v, want persisted 24950", skel.ATM)
	}
}

func TestSynthesisFillsEdges(t *testing.T) {
	t.Parallel()
	c, _, alerts := bootstrappedCache(t)

	// Force the synthesis pass via an option tick past the interval.
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }
	now = now.Add(10 * time.Second)

	c.ApplyTick(types.Tick{
		Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 25000,
		OptionType: types.Call, LTP: 15, Timestamp: now,
	})

	skel, _ := c.Get("NIFTY", "2026-12-26")
	if got := skel.Rows[24900].CE.LTP; got != 5 {
		t.Errorf("24900 CE synthesized = %v, want 5", got)
	}
	if got := skel.Rows[25100].CE.LTP; got != 25 {
		t.Errorf("25100 CE synthesized = %v, want 25", got)
	}
	if got := skel.Rows[24950].CE.LTP; got != 10 {
		t.Errorf("24950 CE changed to %v", got)
	}
	if !skel.Rows[24900].CE.Synthesized || skel.Rows[24950].CE.Synthesized {
		t.Error("synthesized flags wrong")
	}

	// Second pass past the interval must not re-alert.
	now = now.Add(10 * time.Second)
	c.ApplyTick(types.Tick{
		Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 25000,
		OptionType: types.Call, LTP: 15, Timestamp: now,
	})
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	count := 0
	for _, cause := range alerts.calls {
		if cause == "chain_synthesis" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("synthesis alerts = %d, want exactly 1", count)
	}
}

func TestATMShiftRebuildsWindow(t *testing.T) {
	t.Parallel()
	c, fabric, _ := bootstrappedCache(t)

	fabric.mu.Lock()
	fabric.subscribed = nil
	fabric.unsubscribed = nil
	fabric.mu.Unlock()

	// 25000 -> 25060 rounds to ATM 25050: one step up.
	c.ApplyTick(types.Tick{Symbol: "NIFTY", LTP: 25060, Timestamp: time.Now()})

	skel, _ := c.Get("NIFTY", "2026-12-26")
	if skel.ATM != 25050 {
		t.Fatalf("ATM = %v, want 25050", skel.ATM)
	}
	want := []float64{24950, 25000, 25050, 25100, 25150}
	for i, s := range want {
		if skel.Strikes[i] != s {
			t.Fatalf("strikes = %v, want %v", skel.Strikes, want)
		}
	}
	// Overlapping legs keep their prices.
	if got := skel.Rows[25000].CE.LTP; got != 15 {
		t.Errorf("preserved 25000 CE LTP = %v, want 15", got)
	}
	// New edge strike starts zero-priced with a real token.
	if got := skel.Rows[25150].CE.LTP; got != 0 {
		t.Errorf("new edge 25150 CE LTP = %v, want 0", got)
	}

	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	if len(fabric.subscribed) != 2 {
		t.Errorf("edge subscribes = %d, want 2 (25150 CE+PE)", len(fabric.subscribed))
	}
	for _, req := range fabric.subscribed {
		if req.Strike != 25150 {
			t.Errorf("subscribed strike = %v, want 25150", req.Strike)
		}
	}
	if len(fabric.unsubscribed) != 2 {
		t.Errorf("edge unsubscribes = %d, want 2 (24900 CE+PE)", len(fabric.unsubscribed))
	}

	// A second tick inside the new window must not rebuild again.
	c.ApplyTick(types.Tick{Symbol: "NIFTY", LTP: 25055, Timestamp: time.Now()})
	skel, _ = c.Get("NIFTY", "2026-12-26")
	if skel.ATM != 25050 {
		t.Errorf("ATM moved to %v on an in-window tick", skel.ATM)
	}
}

func TestOptionTickUpdatesLeg(t *testing.T) {
	t.Parallel()
	c, _, _ := bootstrappedCache(t)

	depth := &types.Depth{
		Bids: []types.DepthLevel{{Price: 19.5, Qty: 150}},
		Asks: []types.DepthLevel{{Price: 20.5, Qty: 225}},
	}
	ts := time.Now()
	c.ApplyTick(types.Tick{
		Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 25050,
		OptionType: types.Call, LTP: 20.25, Depth: depth, Timestamp: ts,
	})

	leg, ok := c.Leg("NIFTY", "2026-12-26", 25050, types.Call)
	if !ok {
		t.Fatal("leg missing")
	}
	if leg.LTP != 20.25 || leg.Bid != 19.5 || leg.Ask != 20.5 || leg.BidQty != 150 {
		t.Errorf("leg = %+v", leg)
	}

	// A tick for a strike outside the window drops silently.
	c.ApplyTick(types.Tick{
		Symbol: "NIFTY", Expiry: "2026-12-26", Strike: 30000,
		OptionType: types.Call, LTP: 1, Timestamp: ts,
	})
}

func TestNearestPrefersOnwardExpiry(t *testing.T) {
	t.Parallel()
	c, _, _ := bootstrappedCache(t)

	// Seed a past expiry by hand; Nearest must still pick the onward one.
	st := c.state("NIFTY")
	st.mu.Lock()
	st.skeletons["2026-01-01"] = &Skeleton{
		Underlying: "NIFTY", Expiry: "2026-01-01", StrikeStep: 50,
		Rows: map[float64]*StrikeData{},
	}
	st.mu.Unlock()

	skel, ok := c.Nearest("NIFTY")
	if !ok {
		t.Fatal("Nearest() found nothing")
	}
	if skel.Expiry != "2026-12-26" {
		t.Errorf("Nearest() expiry = %s, want 2026-12-26", skel.Expiry)
	}
}

func TestSelectExpiries(t *testing.T) {
	t.Parallel()
	today := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) // a Monday

	all := []string{
		"2026-08-20", // past, dropped
		"2026-08-25", // Tuesday
		"2026-08-27", // Thursday (last Thu of Aug 2026)
		"2026-09-01", // Tuesday
		"2026-09-24", // last Thursday of Sep 2026
	}

	cases := []struct {
		name string
		cfg  config.ChainConfig
		want []string
	}{
		{
			name: "weekly tuesday",
			cfg:  config.ChainConfig{WeeklyExpiryDay: map[string]string{"NIFTY": "TUE"}},
			want: []string{"2026-08-25", "2026-09-01"},
		},
		{
			name: "monthly only",
			cfg:  config.ChainConfig{MonthlyOnly: []string{"NIFTY"}},
			want: []string{"2026-08-27", "2026-09-24"},
		},
		{
			name: "default next two",
			cfg:  config.ChainConfig{},
			want: []string{"2026-08-25", "2026-08-27"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := &Cache{cfg: tc.cfg}
			got := c.selectExpiries("NIFTY", all, today)
			if len(got) != len(tc.want) {
				t.Fatalf("selectExpiries() = %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("selectExpiries() = %v, want %v", got, tc.want)
				}
			}
		})
	}
}
