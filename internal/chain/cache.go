package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"tradesim/internal/config"
	"tradesim/internal/dhan"
	"tradesim/internal/registry"
	"tradesim/internal/subs"
	"tradesim/pkg/types"
)

// VendorData is the slice of the vendor REST client the cache uses.
type VendorData interface {
	ExpiryList(ctx context.Context, scrip int64, segment string) ([]string, error)
	OptionChain(ctx context.Context, scrip int64, segment, expiry string) (*dhan.OptionChainResponse, error)
}

// Subscriber is the fabric surface the cache drives for Tier-B windows.
type Subscriber interface {
	Subscribe(req subs.Request) subs.Result
	Unsubscribe(token, reason string)
}

// AlertSink throttles admin alerts.
type AlertSink interface {
	Alert(level, cause, message string) bool
}

// ATMStore persists ATM strikes across restarts.
type ATMStore interface {
	SaveATM(underlying, expiry string, atm float64) error
	LoadATM(underlying, expiry string) float64
}

// MarketHours answers whether an exchange is currently open.
type MarketHours interface {
	IsOpen(ex types.Exchange) bool
}

// underlyingState carries everything for one underlying under its own lock.
type underlyingState struct {
	mu        sync.Mutex
	skeletons map[string]*Skeleton // keyed by expiry
	ltp       float64
	lastSynth map[string]time.Time // "expiry/CE" -> last synthesis pass
	alerted   map[string]bool      // expiry -> synthesis alert sent
	lastWarm  time.Time
}

// Cache is the option-chain cache.
type Cache struct {
	cfg      config.ChainConfig
	client   VendorData
	reg      *registry.Registry
	resolver *registry.Resolver
	fabric   Subscriber
	clock    MarketHours
	alerts   AlertSink
	store    ATMStore
	logger   *slog.Logger

	mu          sync.Mutex
	underlyings map[string]*underlyingState

	warm singleflight.Group
	now  func() time.Time
}

// NewCache wires the cache; Bootstrap populates it.
func NewCache(cfg config.ChainConfig, client VendorData, reg *registry.Registry, fabric Subscriber, clock MarketHours, alerts AlertSink, store ATMStore, logger *slog.Logger) *Cache {
	return &Cache{
		cfg:         cfg,
		client:      client,
		reg:         reg,
		resolver:    registry.NewResolver(reg),
		fabric:      fabric,
		clock:       clock,
		alerts:      alerts,
		store:       store,
		logger:      logger.With("component", "chain"),
		underlyings: make(map[string]*underlyingState),
		now:         time.Now,
	}
}

// Bootstrap builds skeletons for every given underlying. Live REST first;
// on failure the persisted ATM seeds an empty window so reads never 404.
func (c *Cache) Bootstrap(ctx context.Context, underlyings []string) {
	for _, u := range underlyings {
		if err := c.bootstrapUnderlying(ctx, u); err != nil {
			c.logger.Warn("bootstrap failed", "underlying", u, "error", err)
		}
	}
}

func (c *Cache) bootstrapUnderlying(ctx context.Context, underlying string) error {
	meta, ok := c.resolver.Resolve(underlying, "", 0, "")
	if !ok {
		return fmt.Errorf("bootstrap %s: unresolvable underlying", underlying)
	}
	scrip, err := strconv.ParseInt(meta.SecurityID, 10, 64)
	if err != nil {
		return fmt.Errorf("bootstrap %s: bad security id %q", underlying, meta.SecurityID)
	}

	expiries, err := c.fetchExpiries(ctx, scrip, string(meta.Segment))
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", underlying, err)
	}
	selected := c.selectExpiries(underlying, expiries, c.now())
	if len(selected) == 0 {
		return fmt.Errorf("bootstrap %s: no usable expiry in %v", underlying, expiries)
	}

	for _, expiry := range selected {
		if err := c.buildSkeleton(ctx, underlying, meta, scrip, expiry); err != nil {
			c.logger.Warn("skeleton build failed", "underlying", underlying, "expiry", expiry, "error", err)
		}
	}
	return nil
}

func (c *Cache) fetchExpiries(ctx context.Context, scrip int64, segment string) ([]string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		expiries, err := c.client.ExpiryList(ctx, scrip, segment)
		if err == nil {
			return expiries, nil
		}
		lastErr = err
		if attempt == 2 {
			break
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("expiry list: %w", lastErr)
}

// selectExpiries applies the per-underlying expiry policy: weekly-first
// indices take the next two expiries on their configured weekday,
// monthly-only the next two last-weekday-of-month expiries, everything else
// the next two upcoming.
func (c *Cache) selectExpiries(underlying string, all []string, today time.Time) []string {
	dates := make([]time.Time, 0, len(all))
	byDate := make(map[time.Time]string, len(all))
	day := today.Truncate(24 * time.Hour)
	for _, raw := range all {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			continue
		}
		if t.Before(day) {
			continue
		}
		dates = append(dates, t)
		byDate[t] = raw
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	pick := func(filter func(time.Time) bool) []string {
		var out []string
		for _, d := range dates {
			if filter(d) {
				out = append(out, byDate[d])
			}
			if len(out) == 2 {
				break
			}
		}
		return out
	}

	if wd, ok := c.cfg.WeeklyExpiryDay[underlying]; ok {
		want := parseWeekday(wd)
		if sel := pick(func(d time.Time) bool { return d.Weekday() == want }); len(sel) > 0 {
			return sel
		}
	}
	for _, m := range c.cfg.MonthlyOnly {
		if m != underlying {
			continue
		}
		// Monthly expiries land on the last occurrence of the expiry
		// weekday in the month; Thursday unless configured otherwise.
		want := time.Thursday
		if wd, ok := c.cfg.WeeklyExpiryDay[underlying]; ok {
			want = parseWeekday(wd)
		}
		if sel := pick(func(d time.Time) bool {
			return d.Weekday() == want && isLastWeekdayOfMonth(d)
		}); len(sel) > 0 {
			return sel
		}
	}
	return pick(func(time.Time) bool { return true })
}

func parseWeekday(s string) time.Weekday {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) > 3 {
		s = s[:3]
	}
	switch s {
	case "MON":
		return time.Monday
	case "TUE":
		return time.Tuesday
	case "WED":
		return time.Wednesday
	case "THU":
		return time.Thursday
	case "FRI":
		return time.Friday
	case "SAT":
		return time.Saturday
	}
	return time.Sunday
}

// isLastWeekdayOfMonth reports whether d is the last occurrence of its own
// weekday within its month.
func isLastWeekdayOfMonth(d time.Time) bool {
	return d.AddDate(0, 0, 7).Month() != d.Month()
}

// windowHalf picks the family window: MCX options, index options (wide for
// large caps), stock options.
func (c *Cache) windowHalf(underlying string) int {
	if registry.MCXStrikeStep(underlying) > 0 {
		return c.cfg.MCXWindow
	}
	if _, ok := registry.LookupIndexDefault(underlying); ok {
		for _, wide := range c.cfg.WideIndexUnderlyings {
			if wide == underlying {
				return c.cfg.WideIndexWindow
			}
		}
		return c.cfg.IndexWindow
	}
	return c.cfg.StockWindow
}

// buildSkeleton fetches the chain snapshot and materializes the window.
// When the live path fails, the persisted ATM seeds a zero-priced window.
func (c *Cache) buildSkeleton(ctx context.Context, underlying string, meta registry.Meta, scrip int64, expiry string) error {
	step := meta.StrikeStep
	if step <= 0 {
		step = 50
	}

	var resp *dhan.OptionChainResponse
	var err error
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	for attempt := 0; attempt < 3; attempt++ {
		resp, err = c.client.OptionChain(ctx, scrip, string(meta.Segment), expiry)
		if err == nil {
			break
		}
		if attempt == 2 {
			break
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	var atm float64
	if err == nil && resp.Data.LastPrice > 0 {
		atm = roundToStep(resp.Data.LastPrice, step)
	} else if persisted := c.store.LoadATM(underlying, expiry); persisted > 0 {
		// Closing fallback: build the window around yesterday's ATM.
		atm = persisted
		c.logger.Warn("live chain unavailable, using persisted atm",
			"underlying", underlying, "expiry", expiry, "atm", atm, "error", err)
	} else {
		return fmt.Errorf("chain %s/%s: no live price and no persisted atm: %w", underlying, expiry, err)
	}

	skel := &Skeleton{
		Underlying:  underlying,
		Expiry:      expiry,
		LotSize:     meta.LotSize,
		StrikeStep:  step,
		ATM:         atm,
		Strikes:     windowStrikes(atm, step, c.windowHalf(underlying)),
		Rows:        make(map[float64]*StrikeData),
		LastUpdated: c.now(),
	}
	for _, strike := range skel.Strikes {
		skel.Rows[strike] = c.newRow(underlying, expiry, strike)
	}
	if resp != nil {
		c.fillFromSnapshot(skel, resp, !c.clock.IsOpen(meta.Exchange))
	}

	state := c.state(underlying)
	state.mu.Lock()
	state.skeletons[expiry] = skel
	if resp != nil && resp.Data.LastPrice > 0 {
		state.ltp = resp.Data.LastPrice
	}
	state.mu.Unlock()

	c.store.SaveATM(underlying, expiry, atm)
	c.subscribeWindow(skel)
	c.logger.Info("skeleton built",
		"underlying", underlying, "expiry", expiry, "atm", atm, "strikes", len(skel.Strikes))
	return nil
}

// newRow creates a zero-priced strike row with resolved or synthetic tokens.
func (c *Cache) newRow(underlying, expiry string, strike float64) *StrikeData {
	row := &StrikeData{}
	for _, ot := range []types.OptionType{types.Call, types.Put} {
		leg := row.leg(ot)
		if meta, ok := c.resolver.Resolve(underlying, expiry, strike, ot); ok {
			leg.Token = meta.SecurityID
		} else {
			leg.Token = types.SyntheticToken(ot, underlying, strike, expiry)
		}
	}
	return row
}

// fillFromSnapshot copies vendor chain quotes into the window. With the
// market closed, previous close stands in for a missing LTP.
func (c *Cache) fillFromSnapshot(skel *Skeleton, resp *dhan.OptionChainResponse, closed bool) {
	now := c.now()
	for rawStrike, pair := range resp.Data.Chain {
		strike, err := strconv.ParseFloat(rawStrike, 64)
		if err != nil {
			continue
		}
		row, ok := skel.Rows[strike]
		if !ok {
			continue
		}
		apply := func(leg *OptionLeg, q *dhan.OptionQuote) {
			if q == nil {
				return
			}
			leg.LTP = q.LastPrice
			if leg.LTP <= 0 && closed {
				leg.LTP = q.PreviousClose
			}
			leg.Bid = q.TopBidPrice
			leg.Ask = q.TopAskPrice
			leg.BidQty = q.TopBidQuantity
			leg.AskQty = q.TopAskQuantity
			leg.OI = q.OI
			leg.Volume = q.Volume
			leg.IV = q.ImpliedVolatility
			leg.Greeks = q.Greeks
			leg.Synthesized = false
			leg.LastUpdate = now
		}
		apply(&row.CE, pair.CE)
		apply(&row.PE, pair.PE)
	}
}

// subscribeWindow pushes Tier-B subscribes for every resolvable leg.
// Synthetic tokens stay cache-local.
func (c *Cache) subscribeWindow(skel *Skeleton) {
	for _, strike := range skel.Strikes {
		row := skel.Rows[strike]
		for _, ot := range []types.OptionType{types.Call, types.Put} {
			if types.IsSyntheticToken(row.leg(ot).Token) {
				continue
			}
			res := c.fabric.Subscribe(subs.Request{
				Symbol:     skel.Underlying,
				Expiry:     skel.Expiry,
				Strike:     strike,
				OptionType: ot,
				Tier:       types.TierB,
			})
			if !res.OK {
				c.logger.Warn("window subscribe failed",
					"underlying", skel.Underlying, "strike", strike, "reason", res.Reason)
			}
		}
	}
}

func (c *Cache) state(underlying string) *underlyingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.underlyings[underlying]
	if !ok {
		st = &underlyingState{
			skeletons: make(map[string]*Skeleton),
			lastSynth: make(map[string]time.Time),
			alerted:   make(map[string]bool),
		}
		c.underlyings[underlying] = st
	}
	return st
}

// ApplyTick folds one tick into the cache. Option ticks update their leg;
// underlying ticks drive ATM tracking and window rebuilds.
func (c *Cache) ApplyTick(tick types.Tick) {
	if tick.OptionType == types.Call || tick.OptionType == types.Put {
		c.applyOptionTick(tick)
		return
	}
	c.applyUnderlyingTick(tick)
}

func (c *Cache) applyOptionTick(tick types.Tick) {
	underlying := tick.Underlying
	if underlying == "" {
		underlying = tick.Symbol
	}
	st := c.state(underlying)

	st.mu.Lock()
	defer st.mu.Unlock()
	skel, ok := st.skeletons[tick.Expiry]
	if !ok {
		return
	}
	row, ok := skel.Rows[tick.Strike]
	if !ok {
		return
	}

	leg := row.leg(tick.OptionType)
	if tick.LTP > 0 {
		leg.LTP = tick.LTP
		leg.Synthesized = false
	}
	if tick.Bid > 0 {
		leg.Bid = tick.Bid
	}
	if tick.Ask > 0 {
		leg.Ask = tick.Ask
	}
	if tick.Depth != nil {
		d := *tick.Depth
		leg.Depth = &d
		if b, ok := d.BestBid(); ok {
			leg.Bid, leg.BidQty = b.Price, b.Qty
		}
		if a, ok := d.BestAsk(); ok {
			leg.Ask, leg.AskQty = a.Price, a.Qty
		}
	}
	leg.LastUpdate = tick.Timestamp
	skel.LastUpdated = tick.Timestamp

	// Synthesis pass, at most every SynthInterval per (expiry, side).
	key := tick.Expiry + "/" + string(tick.OptionType)
	if c.now().Sub(st.lastSynth[key]) >= c.cfg.SynthInterval {
		st.lastSynth[key] = c.now()
		if filled := synthesizeSide(skel, tick.OptionType); filled > 0 && !st.alerted[tick.Expiry] {
			st.alerted[tick.Expiry] = true
			if c.alerts != nil {
				c.alerts.Alert("WARN", "chain_synthesis",
					fmt.Sprintf("%s %s: %d legs synthesized from neighbors", skel.Underlying, skel.Expiry, filled))
			}
		}
	}
}

// applyUnderlyingTick updates the ATM registry and rebuilds windows whose
// ATM moved a full step or left the ladder. The per-underlying lock makes
// the rebuild at-most-once per shift: the second tick observes the already
// recentered window.
func (c *Cache) applyUnderlyingTick(tick types.Tick) {
	st := c.state(tick.Symbol)

	st.mu.Lock()
	defer st.mu.Unlock()
	if tick.LTP <= 0 {
		return
	}
	st.ltp = tick.LTP

	for expiry, skel := range st.skeletons {
		newATM := roundToStep(tick.LTP, skel.StrikeStep)
		if math.Abs(newATM-skel.ATM) < skel.StrikeStep && skel.contains(newATM) {
			continue
		}
		c.rebuildWindowLocked(st, skel, newATM)
		c.store.SaveATM(tick.Symbol, expiry, newATM)
	}
}

// rebuildWindowLocked recenters a skeleton on newATM: overlapping strikes
// keep their legs, new edge strikes get zero-priced rows, vanished strikes
// drop, and the Tier-B diff goes to the fabric.
func (c *Cache) rebuildWindowLocked(st *underlyingState, skel *Skeleton, newATM float64) {
	oldRows := skel.Rows
	newStrikes := windowStrikes(newATM, skel.StrikeStep, c.windowHalf(skel.Underlying))

	newRows := make(map[float64]*StrikeData, len(newStrikes))
	var added []float64
	for _, strike := range newStrikes {
		if row, ok := oldRows[strike]; ok {
			newRows[strike] = row
			continue
		}
		newRows[strike] = c.newRow(skel.Underlying, skel.Expiry, strike)
		added = append(added, strike)
	}
	var droppedTokens []string
	for strike, row := range oldRows {
		if _, keep := newRows[strike]; keep {
			continue
		}
		for _, ot := range []types.OptionType{types.Call, types.Put} {
			if tok := row.leg(ot).Token; !types.IsSyntheticToken(tok) {
				droppedTokens = append(droppedTokens, tok)
			}
		}
	}

	oldATM := skel.ATM
	skel.ATM = newATM
	skel.Strikes = sortStrikes(newStrikes)
	skel.Rows = newRows
	skel.LastUpdated = c.now()

	c.logger.Info("window recentered",
		"underlying", skel.Underlying, "expiry", skel.Expiry,
		"old_atm", oldATM, "new_atm", newATM,
		"added", len(added), "dropped", len(droppedTokens))

	// Fabric diff outside the skeleton data but still under st.mu; the
	// fabric never calls back into the cache.
	for _, strike := range added {
		row := newRows[strike]
		for _, ot := range []types.OptionType{types.Call, types.Put} {
			if types.IsSyntheticToken(row.leg(ot).Token) {
				continue
			}
			c.fabric.Subscribe(subs.Request{
				Symbol:     skel.Underlying,
				Expiry:     skel.Expiry,
				Strike:     strike,
				OptionType: ot,
				Tier:       types.TierB,
			})
		}
	}
	for _, token := range droppedTokens {
		c.fabric.Unsubscribe(token, "ATM_SHIFT")
	}
}

// Get returns a snapshot for (underlying, expiry); ok is false only when
// the underlying has no cached expiry at all. A missing expiry falls back
// to the nearest available one and arms the warm-up refresh.
func (c *Cache) Get(underlying, expiry string) (*Skeleton, bool) {
	st := c.state(underlying)

	st.mu.Lock()
	if skel, ok := st.skeletons[expiry]; ok {
		out := skel.snapshot()
		st.mu.Unlock()
		return out, true
	}
	nearest := c.nearestLocked(st)
	st.mu.Unlock()

	c.warmUp(underlying)
	if nearest == nil {
		return nil, false
	}
	return nearest, true
}

// Nearest returns the snapshot for the earliest cached expiry on or after
// today, else the closest one available.
func (c *Cache) Nearest(underlying string) (*Skeleton, bool) {
	st := c.state(underlying)
	st.mu.Lock()
	defer st.mu.Unlock()
	skel := c.nearestLocked(st)
	if skel == nil {
		return nil, false
	}
	return skel, true
}

func (c *Cache) nearestLocked(st *underlyingState) *Skeleton {
	if len(st.skeletons) == 0 {
		return nil
	}
	today := c.now().Format("2006-01-02")
	var onward, closest string
	for expiry := range st.skeletons {
		if expiry >= today && (onward == "" || expiry < onward) {
			onward = expiry
		}
		if closest == "" || expiry < closest {
			closest = expiry
		}
	}
	pick := onward
	if pick == "" {
		pick = closest
	}
	return st.skeletons[pick].snapshot()
}

// warmUp triggers an async REST refresh for an underlying, at most once per
// WarmupInterval, collapsed through singleflight.
func (c *Cache) warmUp(underlying string) {
	st := c.state(underlying)
	st.mu.Lock()
	if c.now().Sub(st.lastWarm) < c.cfg.WarmupInterval {
		st.mu.Unlock()
		return
	}
	st.lastWarm = c.now()
	st.mu.Unlock()

	go c.warm.Do(underlying, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.bootstrapUnderlying(ctx, underlying); err != nil {
			c.logger.Warn("warm-up refresh failed", "underlying", underlying, "error", err)
		}
		return nil, nil
	})
}

// Underlyings lists underlyings with at least one cached expiry.
func (c *Cache) Underlyings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.underlyings))
	for u, st := range c.underlyings {
		st.mu.Lock()
		if len(st.skeletons) > 0 {
			out = append(out, u)
		}
		st.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Expiries lists cached expiries for an underlying, ascending.
func (c *Cache) Expiries(underlying string) []string {
	st := c.state(underlying)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.skeletons))
	for expiry := range st.skeletons {
		out = append(out, expiry)
	}
	sort.Strings(out)
	return out
}

// ATMStrike reports the current ATM for (underlying, expiry), 0 if absent.
func (c *Cache) ATMStrike(underlying, expiry string) float64 {
	st := c.state(underlying)
	st.mu.Lock()
	defer st.mu.Unlock()
	if skel, ok := st.skeletons[expiry]; ok {
		return skel.ATM
	}
	return 0
}

// UnderlyingLTP reports the last seen spot for an underlying.
func (c *Cache) UnderlyingLTP(underlying string) float64 {
	st := c.state(underlying)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ltp
}

// Leg locates one option leg snapshot by its coordinates; used by the
// execution oracle for option symbols.
func (c *Cache) Leg(underlying, expiry string, strike float64, ot types.OptionType) (OptionLeg, bool) {
	st := c.state(underlying)
	st.mu.Lock()
	defer st.mu.Unlock()
	skel, ok := st.skeletons[expiry]
	if !ok {
		return OptionLeg{}, false
	}
	row, ok := skel.Rows[strike]
	if !ok {
		return OptionLeg{}, false
	}
	return *row.leg(ot), true
}
