package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"swapbank/native/bank"
	"swapbank/observability"
	"swapbank/services/bankd/oracle"
)

// Bank is the engine surface served over HTTP.
type Bank interface {
	DepositNative(ctx context.Context, principal common.Address, amount *uint256.Int) (bank.Receipt, error)
	DepositAsset(ctx context.Context, principal, asset common.Address, amount *uint256.Int) (bank.Receipt, error)
	Withdraw(ctx context.Context, principal common.Address, amount *uint256.Int) (bank.Receipt, error)
	BalanceOf(principal, asset common.Address) *uint256.Int
	PreviewConversion(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error)
	CurrentReferencePrice(ctx context.Context) (bank.Price, error)
	RegisterAsset(ctx context.Context, desc bank.AssetDescriptor) error
	Describe(asset common.Address) (bank.AssetDescriptor, error)
	Assets() []bank.AssetDescriptor
	Totals() bank.Totals
	Records() []bank.BalanceRecord
	UnitAsset() common.Address
}

// Minter credits custody holdings. Used by the dev faucet only.
type Minter interface {
	Mint(token, account common.Address, amount *uint256.Int) error
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	ExportDir     string
	FaucetEnabled bool
}

// Dependencies wires the server to the engine and its middleware.
type Dependencies struct {
	Bank        Bank
	Minter      Minter
	Stream      http.Handler
	Principals  *PrincipalAuthenticator
	Admin       *AdminAuthenticator
	Limiter     *RateLimiter
	Idempotency *IdempotencyStore
	Sequencer   *Sequencer
	Health      func(ctx context.Context) error
	PriceStatus func() oracle.Status
	Logger      *slog.Logger
	Now         func() time.Time
}

// Server hosts the bank API.
type Server struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger
	now  func() time.Time
}

// New validates deps and constructs the server.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Bank == nil {
		return nil, fmt.Errorf("bank engine required")
	}
	if deps.Principals == nil {
		return nil, fmt.Errorf("principal authenticator required")
	}
	if deps.Sequencer == nil {
		return nil, fmt.Errorf("sequencer required")
	}
	if cfg.FaucetEnabled && deps.Minter == nil {
		return nil, fmt.Errorf("faucet requires a minter")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Server{cfg: cfg, deps: deps, log: logger, now: now}, nil
}

// Handler builds the routed handler tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Method(http.MethodGet, "/healthz", s.instrument("health", s.handleHealth))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodGet, "/price", s.instrument("price", s.handlePrice))
		r.Method(http.MethodGet, "/totals", s.instrument("totals", s.handleTotals))
		r.Method(http.MethodGet, "/assets", s.instrument("assets", s.handleAssets))
		r.Method(http.MethodGet, "/preview", s.instrument("preview", s.handlePreview))

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Principals.Middleware)
			r.Method(http.MethodGet, "/balances/{principal}", s.instrument("balance", s.handleBalance))
			r.Group(func(r chi.Router) {
				r.Use(s.deps.Limiter.Middleware, s.deps.Idempotency.Middleware)
				r.Method(http.MethodPost, "/deposits/native", s.instrument("deposit_native", s.handleDepositNative))
				r.Method(http.MethodPost, "/deposits", s.instrument("deposit_asset", s.handleDepositAsset))
				r.Method(http.MethodPost, "/withdrawals", s.instrument("withdraw", s.handleWithdraw))
			})
		})

		if s.deps.Stream != nil {
			r.With(s.deps.Admin.Middleware).Method(http.MethodGet, "/notifications/stream", s.deps.Stream)
		}
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.deps.Admin.Middleware)
		r.Method(http.MethodPost, "/assets", s.instrument("register_asset", s.handleRegisterAsset))
		r.Method(http.MethodPost, "/faucet", s.instrument("faucet", s.handleFaucet))
		r.Method(http.MethodPost, "/export", s.instrument("export", s.handleExport))
	})
	return r
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("bankd/server: listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) instrument(name string, fn http.HandlerFunc) http.Handler {
	return otelhttp.NewHandler(fn, "bankd."+name)
}

// observe records request metrics labelled by the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		observability.HTTP().Observe(route, r.Method, rec.status, s.now().Sub(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so websocket upgrades work.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// fail writes the error response for a failed operation and logs server-side
// failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := writeFailure(w, r, err)
	if status >= http.StatusInternalServerError {
		s.log.Error("bankd/server: "+op+" failed", "status", status, "error", err, "trace_id", traceIDFromContext(r.Context()))
		return
	}
	s.log.Debug("bankd/server: "+op+" rejected", "status", status, "reason", bank.ErrorReason(err))
}

func (s *Server) sequenced(ctx context.Context, fn func(context.Context) error) error {
	return s.deps.Sequencer.Do(ctx, fn)
}

func normalizeAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}
