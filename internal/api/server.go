// Package api exposes the terminal's HTTP surface and the WebSocket push
// stream for connected frontends.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradesim/internal/chain"
	"tradesim/internal/config"
	"tradesim/internal/dhan"
	"tradesim/internal/feed"
	"tradesim/internal/market"
	"tradesim/internal/store"
	"tradesim/internal/subs"
	"tradesim/pkg/types"
)

// OrderEngine is the execution engine surface the API drives.
type OrderEngine interface {
	PlaceOrder(ctx context.Context, o *types.Order) (*types.Order, error)
	ModifyOrder(orderID, userID string, price, trigger float64, qty int64) error
	CancelOrder(orderID, userID string) error
	SquareOff(ctx context.Context, userID, symbol string, product types.ProductType) (*types.Order, error)
	ForceExit(ctx context.Context, userID string) (int, error)
	ExecuteBasket(ctx context.Context, basketID string) ([]*types.Order, error)
}

// SubscriptionFabric is the fabric surface the API drives.
type SubscriptionFabric interface {
	Subscribe(req subs.Request) subs.Result
	Active() []types.Subscription
	UnsubscribeAllTierA(positions subs.PositionSource) error
}

// FeedControl is the ingestor surface the API drives.
type FeedControl interface {
	Status() feed.Status
	ActiveTokens() []string
	SetEnabled(enabled bool)
}

// CredentialSink receives rotated vendor credentials.
type CredentialSink interface {
	SetCredentials(clientID, accessToken string)
}

// MarginProxy forwards margin-calculator requests to the vendor. The core
// never computes these numbers itself.
type MarginProxy interface {
	Margin(ctx context.Context, req dhan.MarginRequest) (*dhan.MarginResponse, error)
}

// ChainSource is the chain-cache read surface.
type ChainSource interface {
	Underlyings() []string
	Expiries(underlying string) []string
	Get(underlying, expiry string) (*chain.Skeleton, bool)
	Nearest(underlying string) (*chain.Skeleton, bool)
	ATMStrike(underlying, expiry string) float64
	UnderlyingLTP(underlying string) float64
}

// Deps bundles everything the API layer delegates to. Fabric, Ingestor and
// Chains may be nil when the feed is disabled.
type Deps struct {
	Store    *store.Store
	Engine   OrderEngine
	Fabric   SubscriptionFabric
	Ingestor FeedControl
	Chains   ChainSource
	Clock    *market.Clock
	State    *market.State
	Creds    CredentialSink
	Vendor   MarginProxy
	Logger   *slog.Logger
}

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.APIConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	upgrader websocket.Upgrader
	clock    *market.Clock
	ingestor FeedControl
	chains   ChainSource
	logger   *slog.Logger
}

// Snapshot push cadence: faster while any market is open.
const (
	openPushInterval   = time.Second
	closedPushInterval = 2 * time.Second
)

// NewServer wires routes, handlers and the client hub.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	hub := NewHub(deps.Logger)
	handlers := NewHandlers(deps, hub)

	s := &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		clock:    deps.Clock,
		ingestor: deps.Ingestor,
		chains:   deps.Chains,
		logger:   deps.Logger.With("component", "api-server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)

	mux.HandleFunc("POST /api/orders", handlers.HandlePlaceOrder)
	mux.HandleFunc("GET /api/orders", handlers.HandleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", handlers.HandleGetOrder)
	mux.HandleFunc("PATCH /api/orders/{id}", handlers.HandleModifyOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.HandleCancelOrder)
	mux.HandleFunc("POST /api/squareoff", handlers.HandleSquareOff)

	mux.HandleFunc("GET /api/positions", handlers.HandlePositions)
	mux.HandleFunc("GET /api/ledger", handlers.HandleLedger)
	mux.HandleFunc("GET /api/margin", handlers.HandleMargin)
	mux.HandleFunc("POST /api/margin-calculator", handlers.HandleMarginCalculator)

	mux.HandleFunc("POST /api/baskets", handlers.HandleCreateBasket)
	mux.HandleFunc("GET /api/baskets/{id}", handlers.HandleGetBasket)
	mux.HandleFunc("POST /api/baskets/{id}/legs", handlers.HandleAppendBasketLeg)
	mux.HandleFunc("POST /api/baskets/{id}/execute", handlers.HandleExecuteBasket)

	mux.HandleFunc("GET /api/watchlist", handlers.HandleWatchlist)
	mux.HandleFunc("POST /api/watchlist", handlers.HandleAddWatchlist)
	mux.HandleFunc("DELETE /api/watchlist", handlers.HandleRemoveWatchlist)

	mux.HandleFunc("GET /api/chain/underlyings", handlers.HandleUnderlyings)
	mux.HandleFunc("GET /api/chain/{underlying}", handlers.HandleChain)
	mux.HandleFunc("GET /api/chain/{underlying}/expiries", handlers.HandleExpiries)
	mux.HandleFunc("GET /api/chain/{underlying}/{expiry}", handlers.HandleChain)
	mux.HandleFunc("GET /api/chain/{underlying}/{expiry}/atm", handlers.HandleATM)

	mux.HandleFunc("GET /api/feed/status", handlers.HandleFeedStatus)
	mux.HandleFunc("GET /api/feed/debug", handlers.HandleFeedDebug)

	mux.HandleFunc("POST /api/admin/killswitch", handlers.HandleKillSwitch)
	mux.HandleFunc("POST /api/admin/market-hours", handlers.HandleMarketHours)
	mux.HandleFunc("POST /api/admin/inject-depth", handlers.HandleInjectDepth)
	mux.HandleFunc("POST /api/admin/recompute-margin", handlers.HandleRecomputeMargin)
	mux.HandleFunc("POST /api/admin/force-exit", handlers.HandleForceExit)
	mux.HandleFunc("POST /api/admin/eod-cleanup", handlers.HandleEODCleanup)
	mux.HandleFunc("POST /api/admin/credentials", handlers.HandleRotateCredentials)

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket(s))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub, the snapshot pusher and the HTTP listener; it blocks
// until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	go s.pushSnapshots(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// pushSnapshots broadcasts the terminal snapshot periodically, 1 Hz while
// any market is open and half that when everything is closed.
func (s *Server) pushSnapshots(ctx context.Context) {
	timer := time.NewTimer(s.pushInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if s.hub.ClientCount() > 0 {
				s.hub.Broadcast(Event{Type: "snapshot", Data: s.buildSnapshot()})
			}
			timer.Reset(s.pushInterval())
		}
	}
}

func (s *Server) pushInterval() time.Duration {
	if s.clock != nil && s.clock.AnyOpen() {
		return openPushInterval
	}
	return closedPushInterval
}

// isOriginAllowed applies the WebSocket origin policy: same-host and
// localhost origins pass by default, anything else needs the allowlist.
func isOriginAllowed(origin string, cfg config.APIConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}
