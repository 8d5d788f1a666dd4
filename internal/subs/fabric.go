// Package subs implements the subscription fabric: it reconciles desired
// instrument tokens (watchlists, chain windows, index and MCX seeds) with
// active vendor subscriptions spread over bounded websocket shards.
//
// Tier A subscriptions come from user watchlists; they are LRU-evictable
// under capacity pressure and cleared at EOD. Tier B subscriptions back the
// option-chain windows, the default indices and the MCX watch set; they are
// immortal within a session. Every mutation persists, so a restart
// rehydrates the active set with freshly resolved vendor metadata.
package subs

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradesim/internal/config"
	"tradesim/internal/registry"
	"tradesim/pkg/types"
)

// FeedSink is the live feed ingestor surface the fabric drives.
type FeedSink interface {
	Subscribe(sub types.Subscription, securityID string) error
	Unsubscribe(token string)
	Enabled() bool
}

// SubStore persists subscription state; backed by the sqlite store.
type SubStore interface {
	UpsertSubscription(sub types.Subscription) error
	DeactivateSubscription(token string) error
	ActiveSubscriptions() ([]types.Subscription, error)
	LogSubscription(token, symbol, action, reason string)
}

// PositionSource answers which symbols hold open positions; used by the EOD
// cleanup to keep their feeds alive.
type PositionSource interface {
	OpenPositions() ([]*types.Position, error)
}

// Request is one symbolic subscribe intent.
type Request struct {
	Symbol     string
	Expiry     string
	Strike     float64
	OptionType types.OptionType
	Tier       types.Tier
}

// Result reports the outcome of a Subscribe call.
type Result struct {
	OK      bool
	Reason  string // set when !OK: NOT_ALLOWED or CAPACITY
	Token   string
	ShardID int
}

type entry struct {
	sub        types.Subscription
	securityID string
}

// Fabric owns the token -> shard map and all subscription rows.
type Fabric struct {
	cfg      config.FeedConfig
	reg      *registry.Registry
	resolver *registry.Resolver
	store    SubStore
	sink     FeedSink
	logger   *slog.Logger

	equities map[string]bool
	mcxWatch map[string]bool
	critical map[string]bool

	mu        sync.Mutex
	active    map[string]*entry // keyed by token
	shardLoad map[int]int

	now func() time.Time
}

// NewFabric wires the fabric. Curated equity and MCX universes come from
// the registry config; critical symbols from the feed config.
func NewFabric(cfg config.FeedConfig, regCfg config.RegistryConfig, reg *registry.Registry, store SubStore, sink FeedSink, logger *slog.Logger) *Fabric {
	f := &Fabric{
		cfg:       cfg,
		reg:       reg,
		resolver:  registry.NewResolver(reg),
		store:     store,
		sink:      sink,
		logger:    logger.With("component", "fabric"),
		equities:  make(map[string]bool),
		mcxWatch:  make(map[string]bool),
		critical:  make(map[string]bool),
		active:    make(map[string]*entry),
		shardLoad: make(map[int]int),
		now:       time.Now,
	}
	for _, s := range regCfg.Equities {
		f.equities[s] = true
	}
	for _, s := range regCfg.MCXWatch {
		f.mcxWatch[s] = true
	}
	for _, s := range cfg.CriticalSymbols {
		f.critical[s] = true
	}
	return f
}

// Subscribe resolves a symbolic request, assigns a shard, persists the row
// and pushes the subscribe to the ingestor. Idempotent per resolved token.
func (f *Fabric) Subscribe(req Request) Result {
	if !f.allowed(req) {
		return Result{Reason: types.ReasonNotAllowed}
	}

	meta, ok := f.resolver.Resolve(req.Symbol, req.Expiry, req.Strike, req.OptionType)
	if !ok {
		return Result{Reason: types.ReasonNotAllowed}
	}
	token := meta.SecurityID

	f.mu.Lock()
	if e, exists := f.active[token]; exists {
		// Tier upgrades stick; a watchlist add never downgrades a seed.
		if e.sub.Tier == types.TierA && req.Tier == types.TierB {
			e.sub.Tier = types.TierB
			f.persistLocked(e)
		}
		shard := e.sub.ShardID
		f.mu.Unlock()
		return Result{OK: true, Token: token, ShardID: shard}
	}

	shardID, ok := f.placeLocked()
	if !ok {
		if !f.evictLocked() {
			f.mu.Unlock()
			f.logger.Warn("subscribe rejected", "symbol", req.Symbol, "reason", types.ReasonCapacity)
			return Result{Reason: types.ReasonCapacity}
		}
		shardID, ok = f.placeLocked()
		if !ok {
			f.mu.Unlock()
			return Result{Reason: types.ReasonCapacity}
		}
	}

	sub := types.Subscription{
		Token:        token,
		Symbol:       req.Symbol,
		Exchange:     meta.Exchange,
		Segment:      meta.Segment,
		Expiry:       req.Expiry,
		Strike:       req.Strike,
		OptionType:   req.OptionType,
		Tier:         req.Tier,
		Mode:         meta.Mode,
		ShardID:      shardID,
		SubscribedAt: f.now(),
		Active:       true,
	}
	e := &entry{sub: sub, securityID: meta.SecurityID}
	f.active[token] = e
	f.shardLoad[shardID]++
	f.persistLocked(e)
	f.mu.Unlock()

	f.store.LogSubscription(token, req.Symbol, "SUBSCRIBE", string(req.Tier))
	if err := f.sink.Subscribe(sub, meta.SecurityID); err != nil {
		f.logger.Warn("ingestor subscribe failed", "token", token, "error", err)
	}
	return Result{OK: true, Token: token, ShardID: shardID}
}

// Unsubscribe removes a token; idempotent.
func (f *Fabric) Unsubscribe(token, reason string) {
	f.mu.Lock()
	e, ok := f.active[token]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.active, token)
	f.shardLoad[e.sub.ShardID]--
	f.mu.Unlock()

	if err := f.store.DeactivateSubscription(token); err != nil {
		f.logger.Warn("deactivate failed", "token", token, "error", err)
	}
	f.store.LogSubscription(token, e.sub.Symbol, "UNSUBSCRIBE", reason)
	f.sink.Unsubscribe(token)
}

// optionCoord identifies an option position by its chain coordinates, for
// matching against subscriptions created through the coordinate path.
type optionCoord struct {
	underlying string
	expiryTag  string
	strike     float64
	ot         types.OptionType
}

func (c optionCoord) matches(sub types.Subscription) bool {
	return c.underlying == sub.Symbol && c.strike == sub.Strike &&
		c.ot == sub.OptionType && types.ExpiryMatchesTag(sub.Expiry, c.expiryTag)
}

// UnsubscribeAllTierA is the EOD cleanup. Tokens whose symbol carries an
// open position keep their feed; everything else in Tier A goes. Option
// positions protect by chain coordinates too, because a window subscription
// carries the underlying symbol rather than the full display name.
func (f *Fabric) UnsubscribeAllTierA(positions PositionSource) error {
	protected := make(map[string]bool)
	var coords []optionCoord
	if positions != nil {
		open, err := positions.OpenPositions()
		if err != nil {
			return fmt.Errorf("eod cleanup: load positions: %w", err)
		}
		for _, p := range open {
			protected[p.Symbol] = true
			if u, tag, strike, ot, ok := types.ParseOptionSymbol(p.Symbol); ok {
				coords = append(coords, optionCoord{u, tag, strike, ot})
			}
		}
	}

	f.mu.Lock()
	var victims []string
	for token, e := range f.active {
		if e.sub.Tier != types.TierA {
			continue
		}
		if protected[e.sub.Symbol] || coordProtected(coords, e.sub) {
			continue
		}
		victims = append(victims, token)
	}
	f.mu.Unlock()

	for _, token := range victims {
		f.Unsubscribe(token, "EOD_CLEANUP")
	}
	f.logger.Info("eod cleanup done", "removed", len(victims), "protected", len(protected))
	return nil
}

func coordProtected(coords []optionCoord, sub types.Subscription) bool {
	for _, c := range coords {
		if c.matches(sub) {
			return true
		}
	}
	return false
}

// SyncDesired reconciles the desired set against the active set, issuing
// subscribe/unsubscribe diffs. Rejected outright when the kill-switch is
// off. Above MaxTargets the desired set is trimmed, critical symbols first.
func (f *Fabric) SyncDesired(desired []Request) error {
	if !f.sink.Enabled() {
		return fmt.Errorf("sync rejected: feed disabled")
	}

	desired = f.trim(desired)

	// Resolve the desired set to tokens.
	want := make(map[string]Request, len(desired))
	for _, req := range desired {
		meta, ok := f.resolver.Resolve(req.Symbol, req.Expiry, req.Strike, req.OptionType)
		if !ok {
			continue
		}
		want[meta.SecurityID] = req
	}

	f.mu.Lock()
	var extra []string
	for token, e := range f.active {
		if _, keep := want[token]; keep {
			delete(want, token)
			continue
		}
		// Tier-B seeds outside the desired set stay; they are owned by the
		// chain cache, not by SyncDesired callers.
		if e.sub.Tier == types.TierB {
			continue
		}
		extra = append(extra, token)
	}
	f.mu.Unlock()

	for _, token := range extra {
		f.Unsubscribe(token, "SYNC")
	}
	for _, req := range want {
		if res := f.Subscribe(req); !res.OK {
			f.logger.Warn("sync subscribe failed", "symbol", req.Symbol, "reason", res.Reason)
		}
	}
	return nil
}

// Rehydrate reloads active rows after a restart, re-resolving metadata
// (security ids roll over on expiry) and re-issuing subscribes.
func (f *Fabric) Rehydrate() error {
	rows, err := f.store.ActiveSubscriptions()
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}

	restored, dropped := 0, 0
	for _, old := range rows {
		meta, ok := f.resolver.Resolve(old.Symbol, old.Expiry, old.Strike, old.OptionType)
		if !ok {
			f.store.DeactivateSubscription(old.Token)
			f.store.LogSubscription(old.Token, old.Symbol, "UNSUBSCRIBE", "STALE_ON_RESTART")
			dropped++
			continue
		}
		if meta.SecurityID != old.Token {
			// Contract rolled over; retire the old row.
			f.store.DeactivateSubscription(old.Token)
			f.store.LogSubscription(old.Token, old.Symbol, "UNSUBSCRIBE", "ROLLED_OVER")
		}
		res := f.Subscribe(Request{
			Symbol:     old.Symbol,
			Expiry:     old.Expiry,
			Strike:     old.Strike,
			OptionType: old.OptionType,
			Tier:       old.Tier,
		})
		if res.OK {
			restored++
		} else {
			dropped++
		}
	}
	f.logger.Info("rehydrated subscriptions", "restored", restored, "dropped", dropped)
	return nil
}

// Active returns a snapshot of the active subscriptions, for the feed debug
// endpoint.
func (f *Fabric) Active() []types.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Subscription, 0, len(f.active))
	for _, e := range f.active {
		out = append(out, e.sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Lookup returns the active subscription for a token.
func (f *Fabric) Lookup(token string) (types.Subscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.active[token]
	if !ok {
		return types.Subscription{}, false
	}
	return e.sub, true
}

// allowed checks the permitted universe: F&O underlyings, known indices,
// curated equities, and the MCX watch set.
func (f *Fabric) allowed(req Request) bool {
	sym := req.Symbol
	if f.reg.IsFNOUnderlying(sym) || f.equities[sym] || f.mcxWatch[sym] {
		return true
	}
	if _, ok := registry.LookupIndexDefault(sym); ok {
		return true
	}
	if registry.MCXStrikeStep(sym) > 0 {
		return true
	}
	return false
}

// placeLocked finds the first shard with room. Shard ids are 1..N.
func (f *Fabric) placeLocked() (int, bool) {
	for id := 1; id <= f.cfg.Shards; id++ {
		if f.shardLoad[id] < f.cfg.ShardCapacity {
			return id, true
		}
	}
	return 0, false
}

// evictLocked drops the least recently subscribed Tier-A token. Returns
// false when nothing is evictable.
func (f *Fabric) evictLocked() bool {
	var oldest *entry
	for _, e := range f.active {
		if e.sub.Tier != types.TierA {
			continue
		}
		if oldest == nil || e.sub.SubscribedAt.Before(oldest.sub.SubscribedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return false
	}
	token := oldest.sub.Token
	delete(f.active, token)
	f.shardLoad[oldest.sub.ShardID]--

	if err := f.store.DeactivateSubscription(token); err != nil {
		f.logger.Warn("evict deactivate failed", "token", token, "error", err)
	}
	f.store.LogSubscription(token, oldest.sub.Symbol, "UNSUBSCRIBE", "LRU_EVICTED")
	f.sink.Unsubscribe(token)
	f.logger.Info("evicted for capacity", "token", token, "symbol", oldest.sub.Symbol)
	return true
}

// trim applies the global MaxTargets cap: critical symbols are kept first,
// then the remainder in request order until the cap.
func (f *Fabric) trim(desired []Request) []Request {
	if len(desired) <= f.cfg.MaxTargets {
		return desired
	}
	keep := make([]Request, 0, f.cfg.MaxTargets)
	for _, req := range desired {
		if f.critical[req.Symbol] && len(keep) < f.cfg.MaxTargets {
			keep = append(keep, req)
		}
	}
	for _, req := range desired {
		if len(keep) == f.cfg.MaxTargets {
			break
		}
		if !f.critical[req.Symbol] {
			keep = append(keep, req)
		}
	}
	f.logger.Warn("desired set trimmed", "requested", len(desired), "kept", len(keep))
	return keep
}

func (f *Fabric) persistLocked(e *entry) {
	if err := f.store.UpsertSubscription(e.sub); err != nil {
		f.logger.Warn("persist subscription failed", "token", e.sub.Token, "error", err)
	}
}
