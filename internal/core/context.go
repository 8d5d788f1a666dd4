// Package core owns the dependency graph of the terminal backend. One Core
// constructs every subsystem in order, starts them under a shared errgroup
// and stops them in reverse. No package-level singletons.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tradesim/internal/api"
	"tradesim/internal/chain"
	"tradesim/internal/config"
	"tradesim/internal/dhan"
	"tradesim/internal/exec"
	"tradesim/internal/feed"
	"tradesim/internal/market"
	"tradesim/internal/registry"
	"tradesim/internal/store"
	"tradesim/internal/subs"
	"tradesim/pkg/types"
)

// Core is the assembled terminal backend.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger

	lock     *feed.ProcessLock
	db       *store.Store
	reg      *registry.Registry
	clock    *market.Clock
	state    *market.State
	bus      *feed.TickBus
	client   *dhan.Client
	ingestor *feed.Ingestor
	fabric   *subs.Fabric
	chains   *chain.Cache
	engine   *exec.Engine
	api      *api.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds the full dependency graph. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	c := &Core{cfg: cfg, logger: logger.With("component", "core")}

	// The loopback lock guards against a second instance opening vendor
	// sockets against the same account.
	lock, err := feed.AcquireLock(cfg.Feed.LockPort)
	if err != nil {
		return nil, err
	}
	c.lock = lock

	c.db, err = store.Open(cfg.Store.Path)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}

	c.reg, err = registry.Load(cfg.Registry.ScripMasterPath)
	if err != nil {
		c.db.Close()
		lock.Release()
		return nil, fmt.Errorf("load scrip master: %w", err)
	}
	logger.Info("scrip master loaded", "rows", c.reg.Rows())

	c.clock = market.NewClock()
	c.state = market.NewState()
	c.bus = feed.NewTickBus(4096)
	c.client = dhan.NewClient(cfg.Vendor, dhan.NewLimiter())

	// Rotated credentials in the store win over the config file.
	if clientID, token, ok := c.db.Credentials(); ok {
		c.client.SetCredentials(clientID, token)
		logger.Info("vendor credentials loaded from store")
	}

	alerter := feed.NewAlerter(c.db, cfg.Feed.AlertMinGap, logger)
	c.ingestor = feed.NewIngestor(cfg.Feed, cfg.Vendor.WSURL, c.client, c.bus, c.clock, alerter, logger)
	if config.FeedDisabled() {
		c.ingestor.SetEnabled(false)
		logger.Warn("feed kill switch active, vendor sockets disabled")
	}

	c.fabric = subs.NewFabric(cfg.Feed, cfg.Registry, c.reg, c.db, c.ingestor, logger)
	c.chains = chain.NewCache(cfg.Chain, c.client, c.reg, c.fabric, c.clock, alerter, c.db, logger)
	c.engine = exec.NewEngine(cfg.Exec, c.db, exec.NewOracle(c.state, c.chains), c.reg, logger)

	if cfg.API.Enabled {
		c.api = api.NewServer(cfg.API, api.Deps{
			Store:    c.db,
			Engine:   c.engine,
			Fabric:   c.fabric,
			Ingestor: c.ingestor,
			Chains:   c.chains,
			Clock:    c.clock,
			State:    c.state,
			Creds:    c.client,
			Vendor:   c.client,
			Logger:   logger,
		})
	}
	return c, nil
}

// Start brings every subsystem up and returns; Wait blocks on the group.
func (c *Core) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.group, ctx = errgroup.WithContext(ctx)

	// Consumers must subscribe before the ingestor publishes.
	ticks := c.bus.Subscribe()
	c.group.Go(func() error {
		c.consumeTicks(ctx, ticks)
		return nil
	})

	c.ingestor.Start(ctx)
	c.engine.Start(ctx)

	if err := c.fabric.Rehydrate(); err != nil {
		c.logger.Warn("subscription rehydrate failed", "error", err)
	}
	c.seedTierB()
	c.chains.Bootstrap(ctx, c.cfg.Chain.Underlyings)

	c.group.Go(func() error {
		c.runEODCleanup(ctx)
		return nil
	})

	if c.api != nil {
		c.group.Go(func() error { return c.api.Start(ctx) })
		c.group.Go(func() error {
			<-ctx.Done()
			return c.api.Stop()
		})
	}

	c.logger.Info("terminal backend started",
		"shards", c.cfg.Feed.Shards,
		"chain_underlyings", c.cfg.Chain.Underlyings,
		"api_enabled", c.cfg.API.Enabled)
	return nil
}

// Wait blocks until the group finishes.
func (c *Core) Wait() error {
	if c.group == nil {
		return nil
	}
	return c.group.Wait()
}

// Stop tears the backend down in reverse construction order.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.engine.Stop()
	c.ingestor.Stop()
	if c.group != nil {
		c.group.Wait()
	}
	c.db.Close()
	c.lock.Release()
	c.logger.Info("terminal backend stopped")
}

// consumeTicks fans the tick bus into the depth cache and the chain cache.
func (c *Core) consumeTicks(ctx context.Context, ticks <-chan types.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			c.state.Apply(tick)
			c.chains.ApplyTick(tick)
		}
	}
}

// seedTierB subscribes the always-on set: the critical indices and the MCX
// watch futures. Idempotent per resolved token.
func (c *Core) seedTierB() {
	seed := func(symbol string) {
		res := c.fabric.Subscribe(subs.Request{Symbol: symbol, Tier: types.TierB})
		if !res.OK {
			c.logger.Warn("tier-b seed refused", "symbol", symbol, "reason", res.Reason)
		}
	}
	for _, symbol := range c.cfg.Feed.CriticalSymbols {
		seed(symbol)
	}
	for _, symbol := range c.cfg.Registry.MCXWatch {
		seed(symbol)
	}
}

// ist is the trading calendar timezone for the EOD schedule.
var ist = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}()

// runEODCleanup fires the Tier-A cleanup at the configured IST wall time
// every day. Symbols with open positions keep their feeds.
func (c *Core) runEODCleanup(ctx context.Context) {
	for {
		next, err := nextOccurrence(c.cfg.Feed.EODTime, time.Now().In(ist))
		if err != nil {
			c.logger.Error("invalid eod_time, cleanup disabled", "value", c.cfg.Feed.EODTime)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := c.fabric.UnsubscribeAllTierA(c.db); err != nil {
				c.logger.Error("eod cleanup failed", "error", err)
			} else {
				c.logger.Info("eod tier-a cleanup done")
			}
		}
	}
}

// nextOccurrence resolves "HH:MM" to the next future wall-clock instant.
func nextOccurrence(hhmm string, now time.Time) (time.Time, error) {
	at, err := time.ParseInLocation("15:04", hhmm, now.Location())
	if err != nil {
		return time.Time{}, err
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}
