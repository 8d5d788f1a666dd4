// ingestor.go maintains the authoritative vendor WebSocket connections.
//
// One connection per shard, created on demand when the subscription fabric
// assigns tokens to it. Each shard runs the same state machine:
//
//	IDLE ── start ──► CONNECTING ── ok ──► STREAMING
//	  ▲                   │                   │
//	  │                 fail            disconnect/error
//	  │                   ▼                   ▼
//	  └──── COOLDOWN ◄── BACKOFF ◄────────────┘
//
// Reconnects follow a doubling ladder (5s, 10s, 20s, 40s, ... capped at
// 120s). After ten consecutive connect failures the shard parks in COOLDOWN
// (default 660s) and an admin alert goes out. The admin kill-switch is
// consulted before every connect and between reads; flipping it off drains
// and closes every connection.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradesim/internal/config"
	"tradesim/internal/dhan"
	"tradesim/internal/market"
	"tradesim/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	subscribeBatch   = 100             // instruments per control frame
	lastCloseTTL     = 6 * time.Hour   // closed-market REST fallback window
	idlePollInterval = 1 * time.Second // kill-switch re-check while idle
)

// State is the connection state of one shard.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateBackoff
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateBackoff:
		return "BACKOFF"
	case StateCooldown:
		return "COOLDOWN"
	}
	return "UNKNOWN"
}

// wsConn is the slice of *websocket.Conn the ingestor uses; swapped in tests.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens one vendor websocket connection.
type Dialer func(ctx context.Context, url string) (wsConn, error)

func gorillaDialer(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// target is one subscribed instrument on a shard.
type target struct {
	sub        types.Subscription
	securityID string
}

// Ingestor owns the vendor feed connections and the tick fan-out.
type Ingestor struct {
	cfg    config.FeedConfig
	wsURL  string
	client *dhan.Client
	bus    *TickBus
	clock  *market.Clock
	alert  *Alerter
	logger *slog.Logger

	dial Dialer
	now  func() time.Time
	// sleep is ctx-aware; swapped in tests to capture the backoff ladder.
	sleep func(ctx context.Context, d time.Duration) error

	enabled atomic.Bool // admin kill-switch; true = feed allowed

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	shards  map[int]*shard
	byToken map[string]int // token -> shard id, for unsubscribe routing
	wg      sync.WaitGroup

	droppedBadPayload atomic.Int64
	droppedZeroLTP    atomic.Int64

	lastCloseMu sync.Mutex
	lastCloseAt map[string]time.Time
}

type shard struct {
	id int

	mu        sync.Mutex
	conn      wsConn
	state     State
	failures  int
	coolUntil time.Time
	targets   map[string]target // keyed by vendor security id
	kick      chan struct{}     // wakes the runner out of idle
}

// NewIngestor wires the ingestor; Start must be called before Subscribe.
func NewIngestor(cfg config.FeedConfig, wsURL string, client *dhan.Client, bus *TickBus, clock *market.Clock, alert *Alerter, logger *slog.Logger) *Ingestor {
	ing := &Ingestor{
		cfg:         cfg,
		wsURL:       wsURL,
		client:      client,
		bus:         bus,
		clock:       clock,
		alert:       alert,
		logger:      logger.With("component", "ingestor"),
		dial:        gorillaDialer,
		now:         time.Now,
		shards:      make(map[int]*shard),
		byToken:     make(map[string]int),
		lastCloseAt: make(map[string]time.Time),
	}
	ing.sleep = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	ing.enabled.Store(!config.FeedDisabled())
	return ing
}

// Start arms the ingestor. Shard connections are created lazily as the
// fabric assigns tokens.
func (ing *Ingestor) Start(ctx context.Context) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.ctx != nil {
		return
	}
	ing.ctx, ing.cancel = context.WithCancel(ctx)
	ing.logger.Info("ingestor armed", "enabled", ing.enabled.Load(), "shards_max", ing.cfg.Shards)
}

// Stop closes every connection and joins all shard runners.
func (ing *Ingestor) Stop() {
	ing.mu.Lock()
	cancel := ing.cancel
	ing.ctx, ing.cancel = nil, nil
	shards := make([]*shard, 0, len(ing.shards))
	for _, s := range ing.shards {
		shards = append(shards, s)
	}
	ing.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range shards {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	}
	ing.wg.Wait()
	ing.logger.Info("ingestor stopped")
}

// SetEnabled flips the admin kill-switch. Disabling drains and closes every
// shard connection; enabling kicks idle runners back to CONNECTING.
func (ing *Ingestor) SetEnabled(on bool) {
	prev := ing.enabled.Swap(on)
	if prev == on {
		return
	}
	ing.logger.Warn("kill-switch toggled", "enabled", on)

	ing.mu.Lock()
	defer ing.mu.Unlock()
	for _, s := range ing.shards {
		s.mu.Lock()
		if !on && s.conn != nil {
			s.conn.Close()
		}
		select {
		case s.kick <- struct{}{}:
		default:
		}
		s.mu.Unlock()
	}
}

// Enabled reports the kill-switch position.
func (ing *Ingestor) Enabled() bool { return ing.enabled.Load() }

// Subscribe adds a token to its shard and sends the subscribe frame if the
// shard is streaming. Synthetic tokens never reach the vendor.
func (ing *Ingestor) Subscribe(sub types.Subscription, securityID string) error {
	if types.IsSyntheticToken(sub.Token) {
		return fmt.Errorf("synthetic token %s not subscribable", sub.Token)
	}
	if securityID == "" {
		return fmt.Errorf("subscribe %s: empty security id", sub.Token)
	}

	ing.mu.Lock()
	if ing.ctx == nil {
		ing.mu.Unlock()
		return fmt.Errorf("ingestor not started")
	}
	s := ing.ensureShardLocked(sub.ShardID)
	ing.byToken[sub.Token] = sub.ShardID
	ing.mu.Unlock()

	s.mu.Lock()
	s.targets[securityID] = target{sub: sub, securityID: securityID}
	conn, streaming := s.conn, s.state == StateStreaming
	s.mu.Unlock()

	if streaming {
		return ing.sendControl(conn, subscribeCode(sub.Mode), []dhan.WSInstrument{{
			ExchangeSegment: string(sub.Segment),
			SecurityID:      securityID,
		}})
	}
	return nil
}

// Unsubscribe removes a token; idempotent.
func (ing *Ingestor) Unsubscribe(token string) {
	ing.mu.Lock()
	shardID, ok := ing.byToken[token]
	delete(ing.byToken, token)
	s := ing.shards[shardID]
	ing.mu.Unlock()
	if !ok || s == nil {
		return
	}

	s.mu.Lock()
	var victim *target
	for id, tgt := range s.targets {
		if tgt.sub.Token == token {
			t := tgt
			victim = &t
			delete(s.targets, id)
			break
		}
	}
	conn, streaming := s.conn, s.state == StateStreaming
	s.mu.Unlock()

	if victim != nil && streaming {
		_ = ing.sendControl(conn, dhan.WSCodeUnsubscribe, []dhan.WSInstrument{{
			ExchangeSegment: string(victim.sub.Segment),
			SecurityID:      victim.securityID,
		}})
	}
}

// ensureShardLocked starts the runner for a shard id on first use.
// Caller holds ing.mu.
func (ing *Ingestor) ensureShardLocked(id int) *shard {
	if s, ok := ing.shards[id]; ok {
		return s
	}
	s := &shard{
		id:      id,
		targets: make(map[string]target),
		kick:    make(chan struct{}, 1),
	}
	ing.shards[id] = s
	ing.wg.Add(1)
	go ing.runShard(ing.ctx, s)
	return s
}

// runShard drives one shard through the connection state machine until the
// ingestor context is cancelled.
func (ing *Ingestor) runShard(ctx context.Context, s *shard) {
	defer ing.wg.Done()
	logger := ing.logger.With("shard", s.id)

	for ctx.Err() == nil {
		if !ing.enabled.Load() {
			s.setState(StateIdle)
			select {
			case <-ctx.Done():
				return
			case <-s.kick:
			case <-time.After(idlePollInterval):
			}
			continue
		}

		if until := s.cooldownUntil(); ing.now().Before(until) {
			s.setState(StateCooldown)
			if err := ing.sleep(ctx, until.Sub(ing.now())); err != nil {
				return
			}
			continue
		}

		s.setState(StateConnecting)
		conn, err := ing.dial(ctx, ing.wsURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ing.onConnectFailure(ctx, s, logger, err)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.failures = 0
		s.state = StateStreaming
		s.mu.Unlock()
		logger.Info("shard connected", "targets", s.targetCount())

		if err := ing.subscribeAll(s, conn); err != nil {
			logger.Warn("initial subscribe failed", "error", err)
		}

		err = ing.readLoop(ctx, s, conn)
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if !ing.enabled.Load() {
			logger.Info("shard drained", "reason", "kill-switch")
			continue
		}

		logger.Warn("shard disconnected", "error", err)
		ing.onConnectFailure(ctx, s, logger, err)
	}
}

// onConnectFailure advances the backoff ladder, entering COOLDOWN with an
// admin alert after MaxFailures consecutive failures.
func (ing *Ingestor) onConnectFailure(ctx context.Context, s *shard, logger *slog.Logger, cause error) {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	if failures >= ing.cfg.MaxFailures {
		s.coolUntil = ing.now().Add(ing.cfg.Cooldown)
		s.failures = 0
		s.state = StateCooldown
		s.mu.Unlock()
		logger.Error("entering cooldown", "failures", failures, "cooldown", ing.cfg.Cooldown)
		if ing.alert != nil {
			ing.alert.Alert("ERROR", "feed_cooldown",
				fmt.Sprintf("shard %d: %d consecutive connect failures, cooling down %s (last: %v)",
					s.id, failures, ing.cfg.Cooldown, cause))
		}
		return
	}
	s.state = StateBackoff
	s.mu.Unlock()

	wait := ing.backoffFor(failures)
	logger.Warn("reconnect backoff", "attempt", failures, "wait", wait, "error", cause)
	_ = ing.sleep(ctx, wait)
}

// backoffFor returns the wait before reconnect attempt n+1 (n = failures so
// far, 1-based): base, 2·base, 4·base, ... capped at BackoffMax.
func (ing *Ingestor) backoffFor(failures int) time.Duration {
	wait := ing.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= ing.cfg.BackoffMax {
			return ing.cfg.BackoffMax
		}
	}
	if wait > ing.cfg.BackoffMax {
		return ing.cfg.BackoffMax
	}
	return wait
}

// subscribeAll replays the shard's full target set in batched frames,
// grouped by feed mode.
func (ing *Ingestor) subscribeAll(s *shard, conn wsConn) error {
	s.mu.Lock()
	byMode := make(map[types.FeedMode][]dhan.WSInstrument)
	for _, tgt := range s.targets {
		byMode[tgt.sub.Mode] = append(byMode[tgt.sub.Mode], dhan.WSInstrument{
			ExchangeSegment: string(tgt.sub.Segment),
			SecurityID:      tgt.securityID,
		})
	}
	s.mu.Unlock()

	for mode, instruments := range byMode {
		code := subscribeCode(mode)
		for start := 0; start < len(instruments); start += subscribeBatch {
			end := min(start+subscribeBatch, len(instruments))
			if err := ing.sendControl(conn, code, instruments[start:end]); err != nil {
				return err
			}
		}
	}
	return nil
}

func subscribeCode(mode types.FeedMode) int {
	if mode == types.ModeQuote {
		return dhan.WSCodeSubscribeQuote
	}
	return dhan.WSCodeSubscribeTicker
}

func (ing *Ingestor) sendControl(conn wsConn, code int, instruments []dhan.WSInstrument) error {
	if conn == nil {
		return nil
	}
	msg := dhan.WSSubscribeMsg{
		RequestCode:     code,
		InstrumentCount: len(instruments),
		InstrumentList:  instruments,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("ws control frame: %w", err)
	}
	return nil
}

// readLoop pumps raw payloads until error, cancellation, or kill-switch.
func (ing *Ingestor) readLoop(ctx context.Context, s *shard, conn wsConn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !ing.enabled.Load() {
			return nil
		}
		conn.SetReadDeadline(ing.now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ing.handlePayload(s, raw)
	}
}

// handlePayload normalizes, enriches, and publishes one raw feed message.
func (ing *Ingestor) handlePayload(s *shard, raw []byte) {
	rt, ok := Normalize(raw)
	if !ok {
		ing.droppedBadPayload.Add(1)
		return
	}

	s.mu.Lock()
	tgt, known := s.targets[rt.SecurityID]
	s.mu.Unlock()
	if !known {
		ing.droppedBadPayload.Add(1)
		return
	}

	if rt.LTP <= 0 {
		if ing.clock.IsOpen(tgt.sub.Exchange) {
			ing.droppedZeroLTP.Add(1)
			return
		}
		// Market closed: backfill last close over REST, once per TTL.
		// Tracked so Stop joins the fetch like any shard runner.
		ing.wg.Add(1)
		go func() {
			defer ing.wg.Done()
			ing.publishLastClose(tgt)
		}()
		return
	}

	ing.bus.Publish(ing.enrich(tgt, rt))
}

func (ing *Ingestor) enrich(tgt target, rt RawTick) types.Tick {
	sub := tgt.sub
	return types.Tick{
		Token:      sub.Token,
		Exchange:   sub.Exchange,
		Segment:    sub.Segment,
		Symbol:     sub.Symbol,
		Expiry:     sub.Expiry,
		Strike:     sub.Strike,
		OptionType: sub.OptionType,
		LTP:        rt.LTP,
		Bid:        rt.Bid,
		Ask:        rt.Ask,
		Depth:      rt.Depth,
		Timestamp:  rt.Timestamp,
	}
}

// publishLastClose fetches the previous close over REST and publishes it as
// a one-shot tick. Throttled to once per token per TTL; draws on the quote
// rate-limit channel.
func (ing *Ingestor) publishLastClose(tgt target) {
	ing.lastCloseMu.Lock()
	if last, ok := ing.lastCloseAt[tgt.securityID]; ok && ing.now().Sub(last) < lastCloseTTL {
		ing.lastCloseMu.Unlock()
		return
	}
	ing.lastCloseAt[tgt.securityID] = ing.now()
	ing.lastCloseMu.Unlock()

	if ing.client == nil {
		return
	}
	id, err := strconv.ParseInt(tgt.securityID, 10, 64)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := ing.client.Quote(ctx, dhan.QuoteRequest{string(tgt.sub.Segment): {id}})
	if err != nil {
		ing.logger.Warn("last-close fetch failed", "token", tgt.sub.Token, "error", err)
		return
	}
	quote, ok := resp.Data[string(tgt.sub.Segment)][tgt.securityID]
	if !ok {
		return
	}
	ltp := quote.LastPrice
	if ltp <= 0 {
		ltp = quote.OHLC.Close
	}
	if ltp <= 0 {
		return
	}
	ing.bus.Publish(ing.enrich(tgt, RawTick{SecurityID: tgt.securityID, LTP: ltp, Timestamp: ing.now()}))
}

// ————————————————————————————————————————————————————————————————————————
// Status surface
// ————————————————————————————————————————————————————————————————————————

// ShardStatus is the debug view of one shard.
type ShardStatus struct {
	ID            int       `json:"id"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	Targets       int       `json:"targets"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// Status is the feed debug snapshot served by the HTTP layer.
type Status struct {
	Enabled           bool                 `json:"enabled"`
	Shards            []ShardStatus        `json:"shards"`
	DroppedBadPayload int64                `json:"dropped_bad_payload"`
	DroppedZeroLTP    int64                `json:"dropped_zero_ltp"`
	DroppedBackPress  int64                `json:"dropped_backpressure"`
	RESTBlockedUntil  map[string]time.Time `json:"rest_blocked_until,omitempty"`
}

// Status reports the current feed state.
func (ing *Ingestor) Status() Status {
	st := Status{
		Enabled:           ing.enabled.Load(),
		DroppedBadPayload: ing.droppedBadPayload.Load(),
		DroppedZeroLTP:    ing.droppedZeroLTP.Load(),
		DroppedBackPress:  ing.bus.Dropped(),
	}
	if ing.client != nil {
		lim := ing.client.Limiter()
		for _, ch := range []dhan.Channel{dhan.ChannelQuote, dhan.ChannelData} {
			if until := lim.BlockedUntil(ch); !until.IsZero() && until.After(time.Now()) {
				if st.RESTBlockedUntil == nil {
					st.RESTBlockedUntil = make(map[string]time.Time)
				}
				st.RESTBlockedUntil[ch.String()] = until
			}
		}
	}
	ing.mu.Lock()
	defer ing.mu.Unlock()
	for _, s := range ing.shards {
		s.mu.Lock()
		st.Shards = append(st.Shards, ShardStatus{
			ID:            s.id,
			State:         s.state.String(),
			Failures:      s.failures,
			Targets:       len(s.targets),
			CooldownUntil: s.coolUntil,
		})
		s.mu.Unlock()
	}
	return st
}

// ActiveTokens lists the tokens currently held by shard runners.
func (ing *Ingestor) ActiveTokens() []string {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	tokens := make([]string, 0, len(ing.byToken))
	for token := range ing.byToken {
		tokens = append(tokens, token)
	}
	return tokens
}

func (s *shard) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *shard) cooldownUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coolUntil
}

func (s *shard) targetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}
