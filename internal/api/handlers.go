package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradesim/internal/chain"
	"tradesim/internal/dhan"
	"tradesim/internal/market"
	"tradesim/internal/store"
	"tradesim/internal/subs"
	"tradesim/pkg/types"
)

// Handlers holds the HTTP handler dependencies. Subsystem pointers may be
// nil when the corresponding component is disabled; handlers answer 503.
type Handlers struct {
	db       *store.Store
	engine   OrderEngine
	fabric   SubscriptionFabric
	ingestor FeedControl
	chains   ChainSource
	clock    *market.Clock
	state    *market.State
	creds    CredentialSink
	vendor   MarginProxy
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps, hub *Hub) *Handlers {
	return &Handlers{
		db:       deps.Store,
		engine:   deps.Engine,
		fabric:   deps.Fabric,
		ingestor: deps.Ingestor,
		chains:   deps.Chains,
		clock:    deps.Clock,
		state:    deps.State,
		creds:    deps.Creds,
		vendor:   deps.Vendor,
		hub:      hub,
		logger:   deps.Logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// HandleHealth answers liveness probes.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// Orders

// HandlePlaceOrder accepts an order; rejections come back 200 with the
// REJECTED record so the frontend shows the reason inline.
func (h *Handlers) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "user_id and symbol are required")
		return
	}

	order, err := h.engine.PlaceOrder(r.Context(), &types.Order{
		UserID:       req.UserID,
		Symbol:       req.Symbol,
		Segment:      req.Segment,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Type:         req.Type,
		Product:      req.Product,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.hub.Broadcast(Event{Type: "order", Data: order})
	writeJSON(w, http.StatusOK, order)
}

// HandleGetOrder returns one order by id.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.db.GetOrder(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// HandleListOrders returns a user's orders, newest first.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}
	orders, err := h.db.OrdersForUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// HandleModifyOrder updates price/trigger/quantity on a pending order.
func (h *Handlers) HandleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req ModifyOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.engine.ModifyOrder(r.PathValue("id"), req.UserID, req.Price, req.TriggerPrice, req.Quantity); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "modified"})
}

// HandleCancelOrder cancels a non-terminal order.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if err := h.engine.CancelOrder(r.PathValue("id"), userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "cancelled"})
}

// HandleSquareOff closes one open position at market.
func (h *Handlers) HandleSquareOff(w http.ResponseWriter, r *http.Request) {
	var req SquareOffRequest
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := h.engine.SquareOff(r.Context(), req.UserID, req.Symbol, req.Product)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// Portfolio reads

// HandlePositions returns a user's positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}
	positions, err := h.db.PositionsForUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandleLedger returns a user's ledger, oldest first.
func (h *Handlers) HandleLedger(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}
	entries, err := h.db.LedgerEntries(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleMargin returns a user's margin account.
func (h *Handlers) HandleMargin(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}
	margin, err := h.db.GetMargin(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, margin)
}

// HandleMarginCalculator proxies a margin estimate to the vendor verbatim.
// The simulator's own margin math never feeds this endpoint.
func (h *Handlers) HandleMarginCalculator(w http.ResponseWriter, r *http.Request) {
	if h.vendor == nil {
		writeError(w, http.StatusServiceUnavailable, "vendor client disabled")
		return
	}
	var req dhan.MarginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.vendor.Margin(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Baskets

// HandleCreateBasket creates an empty draft basket.
func (h *Handlers) HandleCreateBasket(w http.ResponseWriter, r *http.Request) {
	var req BasketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	basket := &store.Basket{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Name:      req.Name,
		CreatedAt: time.Now(),
	}
	if err := h.db.CreateBasket(basket); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, basket)
}

// HandleAppendBasketLeg appends one order template to a draft basket.
func (h *Handlers) HandleAppendBasketLeg(w http.ResponseWriter, r *http.Request) {
	var req BasketLegRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	basket, err := h.db.GetBasket(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "basket not found")
		return
	}
	if basket.Status != store.BasketDraft {
		writeError(w, http.StatusConflict, "basket already executed")
		return
	}
	err = h.db.AppendBasketLeg(store.BasketLeg{
		BasketID:     id,
		Symbol:       req.Symbol,
		Segment:      req.Segment,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Type:         req.Type,
		Product:      req.Product,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "appended"})
}

// HandleGetBasket returns a basket with its legs.
func (h *Handlers) HandleGetBasket(w http.ResponseWriter, r *http.Request) {
	basket, err := h.db.GetBasket(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "basket not found")
		return
	}
	writeJSON(w, http.StatusOK, basket)
}

// HandleExecuteBasket places every leg of a draft basket.
func (h *Handlers) HandleExecuteBasket(w http.ResponseWriter, r *http.Request) {
	orders, err := h.engine.ExecuteBasket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// Watchlist

// HandleWatchlist returns a user's watchlist rows.
func (h *Handlers) HandleWatchlist(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}
	rows, err := h.db.Watchlist(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleAddWatchlist adds a watchlist row and subscribes its feed as Tier A.
func (h *Handlers) HandleAddWatchlist(w http.ResponseWriter, r *http.Request) {
	var req WatchlistRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "user_id and symbol are required")
		return
	}
	if req.Expiry == "" {
		req.Expiry = types.ExpiryEquity
	}

	added, err := h.db.AddWatchlistItem(types.WatchlistEntry{
		UserID: req.UserID,
		Symbol: req.Symbol,
		Expiry: req.Expiry,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, statusResponse{Status: "already present"})
		return
	}

	if h.fabric != nil {
		res := h.fabric.Subscribe(subs.Request{
			Symbol: req.Symbol,
			Expiry: req.Expiry,
			Tier:   types.TierA,
		})
		if !res.OK {
			h.logger.Warn("watchlist subscribe refused", "symbol", req.Symbol, "reason", res.Reason)
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "added"})
}

// HandleRemoveWatchlist removes a watchlist row. The feed subscription
// stays until LRU eviction or EOD reclaims it.
func (h *Handlers) HandleRemoveWatchlist(w http.ResponseWriter, r *http.Request) {
	var req WatchlistRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Expiry == "" {
		req.Expiry = types.ExpiryEquity
	}
	if err := h.db.RemoveWatchlistItem(req.UserID, req.Symbol, req.Expiry); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "removed"})
}

// Option chains

// HandleUnderlyings lists the underlyings with cached chains.
func (h *Handlers) HandleUnderlyings(w http.ResponseWriter, r *http.Request) {
	if h.chains == nil {
		writeError(w, http.StatusServiceUnavailable, "chain cache disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.chains.Underlyings())
}

// HandleExpiries lists the cached expiries of an underlying.
func (h *Handlers) HandleExpiries(w http.ResponseWriter, r *http.Request) {
	if h.chains == nil {
		writeError(w, http.StatusServiceUnavailable, "chain cache disabled")
		return
	}
	underlying := strings.ToUpper(r.PathValue("underlying"))
	writeJSON(w, http.StatusOK, h.chains.Expiries(underlying))
}

// HandleATM reports the current ATM strike for (underlying, expiry).
func (h *Handlers) HandleATM(w http.ResponseWriter, r *http.Request) {
	if h.chains == nil {
		writeError(w, http.StatusServiceUnavailable, "chain cache disabled")
		return
	}
	underlying := strings.ToUpper(r.PathValue("underlying"))
	atm := h.chains.ATMStrike(underlying, r.PathValue("expiry"))
	if atm == 0 {
		writeError(w, http.StatusNotFound, "no cached chain for that expiry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"atm": atm})
}

// HandleChain returns one chain; without an expiry path element the nearest
// expiry is served. A miss still answers 200 with an empty body shape while
// the cache warms up in the background.
func (h *Handlers) HandleChain(w http.ResponseWriter, r *http.Request) {
	if h.chains == nil {
		writeError(w, http.StatusServiceUnavailable, "chain cache disabled")
		return
	}
	underlying := strings.ToUpper(r.PathValue("underlying"))
	expiry := r.PathValue("expiry")

	var (
		skel  *chain.Skeleton
		found bool
	)
	if expiry == "" {
		skel, found = h.chains.Nearest(underlying)
	} else {
		skel, found = h.chains.Get(underlying, expiry)
	}
	if !found {
		writeJSON(w, http.StatusOK, ChainView{Underlying: underlying, Expiry: expiry})
		return
	}
	writeJSON(w, http.StatusOK, chainView(skel, h.chains.UnderlyingLTP(underlying)))
}

// Feed status and debug

// HandleFeedStatus returns the ingestor shard states and drop counters.
func (h *Handlers) HandleFeedStatus(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "feed disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.ingestor.Status())
}

// feedDebug is the desired-vs-active reconciliation view.
type feedDebug struct {
	Desired      []types.Subscription     `json:"desired"`
	ActiveTokens []string                 `json:"active_tokens"`
	TickAges     map[string]string        `json:"tick_ages"`
}

// HandleFeedDebug compares the fabric's desired set against the tokens the
// shard runners actually hold, with per-symbol tick staleness.
func (h *Handlers) HandleFeedDebug(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil || h.fabric == nil {
		writeError(w, http.StatusServiceUnavailable, "feed disabled")
		return
	}
	dbg := feedDebug{
		Desired:      h.fabric.Active(),
		ActiveTokens: h.ingestor.ActiveTokens(),
		TickAges:     make(map[string]string),
	}
	for symbol, age := range h.state.LastTickAges(time.Now()) {
		dbg.TickAges[symbol] = age.Round(time.Millisecond).String()
	}
	writeJSON(w, http.StatusOK, dbg)
}

// Admin

// HandleKillSwitch toggles vendor feed connectivity without dropping the
// desired subscription set.
func (h *Handlers) HandleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "feed disabled")
		return
	}
	var req KillSwitchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.ingestor.SetEnabled(req.Enabled)
	h.logger.Info("kill switch toggled", "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// HandleMarketHours forces an exchange open or closed; "none" restores the
// real calendar.
func (h *Handlers) HandleMarketHours(w http.ResponseWriter, r *http.Request) {
	var req MarketHoursRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var ov market.Override
	switch strings.ToLower(req.Override) {
	case "open":
		ov = market.OverrideOpen
	case "closed":
		ov = market.OverrideClosed
	case "none", "":
		ov = market.OverrideNone
	default:
		writeError(w, http.StatusBadRequest, "override must be open, closed or none")
		return
	}
	h.clock.SetOverride(req.Exchange, ov)
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// HandleInjectDepth force-writes a book snapshot; exercised by integration
// tooling to drive the execution engine without a live feed.
func (h *Handlers) HandleInjectDepth(w http.ResponseWriter, r *http.Request) {
	var req InjectDepthRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	h.state.Inject(market.Snapshot{
		Symbol:  req.Symbol,
		LTP:     req.LTP,
		BestBid: req.BestBid,
		BestAsk: req.BestAsk,
		BidQty:  req.BidQty,
		AskQty:  req.AskQty,
	})
	writeJSON(w, http.StatusOK, statusResponse{Status: "injected"})
}

// HandleRecomputeMargin resets a user's margin to wallet*multiplier - used.
func (h *Handlers) HandleRecomputeMargin(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := h.db.GetUser(req.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	margin, err := h.db.GetMargin(req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	margin.Available = user.Wallet.Mul(user.Multiplier).Sub(margin.Used)
	if err := h.db.UpdateMargin(margin); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, margin)
}

// HandleForceExit squares off all of a user's open positions.
func (h *Handlers) HandleForceExit(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	exited, err := h.engine.ForceExit(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"exited": exited})
}

// HandleEODCleanup drops Tier-A subscriptions except for symbols with open
// positions.
func (h *Handlers) HandleEODCleanup(w http.ResponseWriter, r *http.Request) {
	if h.fabric == nil {
		writeError(w, http.StatusServiceUnavailable, "feed disabled")
		return
	}
	if err := h.fabric.UnsubscribeAllTierA(h.db); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// HandleRotateCredentials persists new vendor credentials and applies them
// to the live client without a restart.
func (h *Handlers) HandleRotateCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID    string `json:"client_id"`
		AccessToken string `json:"access_token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "client_id and access_token are required")
		return
	}
	if err := h.db.SaveCredentials(req.ClientID, req.AccessToken); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.creds != nil {
		h.creds.SetCredentials(req.ClientID, req.AccessToken)
	}
	h.logger.Info("vendor credentials rotated", "client", req.ClientID)
	writeJSON(w, http.StatusOK, statusResponse{Status: "rotated"})
}

// HandleWebSocket upgrades the connection and pushes an initial snapshot.
func (h *Handlers) HandleWebSocket(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		client := NewClient(h.hub, conn)

		data, err := json.Marshal(Event{Type: "snapshot", Timestamp: time.Now(), Data: s.buildSnapshot()})
		if err != nil {
			h.logger.Error("marshal initial snapshot failed", "error", err)
			return
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("initial snapshot dropped, client buffer full")
		}
	}
}
