// Package api exposes the engine over HTTP: vault operations, the order
// book, the delayed-request queues, oracle pushes, governance, and a
// websocket event stream. Callers are identified by the X-Account header,
// which an authenticating gateway is expected to set upstream.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/perpx/vault-engine/internal/access"
	"github.com/perpx/vault-engine/internal/bank"
	"github.com/perpx/vault-engine/internal/metrics"
	"github.com/perpx/vault-engine/internal/oracle"
	"github.com/perpx/vault-engine/internal/orderbook"
	"github.com/perpx/vault-engine/internal/requests"
	"github.com/perpx/vault-engine/internal/router"
	"github.com/perpx/vault-engine/internal/store"
	"github.com/perpx/vault-engine/internal/vault"
)

// Deps gathers the engine components the server fronts.
type Deps struct {
	Vault  *vault.Vault
	Router *router.Router
	Book   *orderbook.Book
	Queue  *requests.Queue
	Ledger *bank.Ledger
	Access *access.Controller
	Store  store.Store
	Feed   *oracle.MemoryFeed
	Fast   *oracle.FastFeed
	Oracle *oracle.Aggregator
	Hub    *Hub

	RequestTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	deps Deps
}

// NewServer creates the server. Hub may be nil when the websocket stream
// is not wanted (tests).
func NewServer(deps Deps) *Server {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	return &Server{deps: deps}
}

// Routes assembles the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(s.deps.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS for browser tooling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Account")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "vault-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.Hub != nil {
			r.Get("/ws", s.deps.Hub.HandleWS)
		}

		r.Route("/vault", func(r chi.Router) {
			r.Post("/buy", s.buyUSDP)
			r.Post("/sell", s.sellUSDP)
			r.Post("/swap", s.swap)
			r.Post("/deposit", s.directPoolDeposit)
			r.Post("/withdraw-fees", s.withdrawFees)
		})

		r.Route("/positions", func(r chi.Router) {
			r.Get("/", s.listPositions)
			r.Get("/{key}", s.getPosition)
			r.Post("/increase", s.increasePosition)
			r.Post("/decrease", s.decreasePosition)
			r.Post("/liquidate", s.liquidatePosition)
		})

		r.Route("/tokens", func(r chi.Router) {
			r.Get("/", s.listTokens)
			r.Get("/{symbol}", s.getToken)
			r.Get("/{symbol}/price", s.getPrice)
		})
		r.Get("/usdp", s.getUsdpSupply)

		r.Route("/bank", func(r chi.Router) {
			r.Post("/deposit", s.bankDeposit)
			r.Get("/balances", s.bankBalances)
		})

		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", s.listPlugins)
			r.Post("/approve", s.approvePlugin)
			r.Post("/deny", s.denyPlugin)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", s.listOrders)

			r.Post("/swap", s.createSwapOrder)
			r.Put("/swap/{index}", s.updateSwapOrder)
			r.Delete("/swap/{index}", s.cancelSwapOrder)
			r.Post("/swap/{index}/execute", s.executeSwapOrder)

			r.Post("/increase", s.createIncreaseOrder)
			r.Put("/increase/{index}", s.updateIncreaseOrder)
			r.Delete("/increase/{index}", s.cancelIncreaseOrder)
			r.Post("/increase/{index}/execute", s.executeIncreaseOrder)

			r.Post("/decrease", s.createDecreaseOrder)
			r.Put("/decrease/{index}", s.updateDecreaseOrder)
			r.Delete("/decrease/{index}", s.cancelDecreaseOrder)
			r.Post("/decrease/{index}/execute", s.executeDecreaseOrder)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Get("/queue", s.queueState)

			r.Post("/increase", s.createIncreaseRequest)
			r.Post("/increase/{index}/execute", s.executeIncreaseRequest)
			r.Post("/increase/{index}/cancel", s.cancelIncreaseRequest)
			r.Post("/increase/execute-batch", s.executeIncreaseBatch)

			r.Post("/decrease", s.createDecreaseRequest)
			r.Post("/decrease/{index}/execute", s.executeDecreaseRequest)
			r.Post("/decrease/{index}/cancel", s.cancelDecreaseRequest)
			r.Post("/decrease/execute-batch", s.executeDecreaseBatch)
		})

		r.Route("/oracle", func(r chi.Router) {
			r.Post("/rounds", s.pushRounds)
			r.Post("/fast", s.pushFastPrices)
		})

		r.Route("/gov", func(r chi.Router) {
			r.Post("/fees", s.setFees)
			r.Post("/funding", s.setFunding)
			r.Post("/max-leverage", s.setMaxLeverage)
			r.Post("/flags", s.setFlags)
			r.Post("/tokens", s.setTokenConfig)
			r.Delete("/tokens/{symbol}", s.clearTokenConfig)
			r.Post("/buffer", s.setBufferAmount)
			r.Post("/max-global-short", s.setMaxGlobalShortSize)
			r.Post("/roles", s.setRole)
			r.Post("/plugins", s.addPlugin)
			r.Post("/adjustment", s.setAdjustment)
			r.Post("/spread", s.setSpread)
			r.Post("/requests/withdraw-fees", s.withdrawRequestFees)
		})

		r.Get("/events", s.listEvents)
	})

	return r
}

// account extracts the caller principal. Empty means the gateway did not
// authenticate the request.
func account(r *http.Request) string {
	return r.Header.Get("X-Account")
}

// requireAccount writes a 400 and returns "" when no principal is present.
func requireAccount(w http.ResponseWriter, r *http.Request) string {
	acct := account(r)
	if acct == "" {
		writeError(w, "X-Account header is required", http.StatusBadRequest)
	}
	return acct
}
