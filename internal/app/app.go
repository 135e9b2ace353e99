// Package app wires the voicebot subsystems into a running server.
//
// The App owns the full lifecycle: New builds the HTTP surface around a
// [SessionRegistry], Run serves until its context ends, and Shutdown drains
// the probes, stops the listeners and cancels every live session.
//
// Routes:
//
//	POST /connect   negotiate the websocket URL: {"ws_url": "..."}
//	GET  /ws        websocket upgrade; one conversation per connection
//	GET  /healthz   liveness
//	GET  /readyz    readiness
//	GET  /metrics   Prometheus scrape endpoint
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/425732441/full-duplex-voice-demo/internal/config"
	"github.com/425732441/full-duplex-voice-demo/internal/health"
	"github.com/425732441/full-duplex-voice-demo/internal/observe"
	"github.com/425732441/full-duplex-voice-demo/internal/transport"
)

// ShutdownTimeout bounds the graceful shutdown Run performs when its context
// ends.
const ShutdownTimeout = 15 * time.Second

// localHosts get a plain ws:// URL from /connect.
var localHosts = []string{"localhost", "127.0.0.1", "0.0.0.0"}

// App owns the HTTP servers and the session registry.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *observe.Metrics
	registry *SessionRegistry
	health   *health.Handler
	bot      func() config.BotConfig

	// sessionCtx parents every session so Shutdown can end them even while
	// their HTTP handlers are still attached.
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	mu       sync.Mutex
	servers  []*http.Server
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithBotSource makes new sessions read their persona from fn, typically
// [config.Watcher.Current]. Default: the static cfg.Bot.
func WithBotSource(fn func() config.BotConfig) Option {
	return func(a *App) { a.bot = fn }
}

// New creates an App serving providers with cfg.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if err := providers.Check(context.Background()); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.bot == nil {
		bot := cfg.Bot
		a.bot = func() config.BotConfig { return bot }
	}
	a.sessionCtx, a.cancelSession = context.WithCancel(context.Background())

	a.registry = NewSessionRegistry(SessionRegistryConfig{
		Providers: providers,
		Pipeline:  cfg.Pipeline,
		Bot:       a.bot,
		Metrics:   a.metrics,
		Logger:    a.log,
	})
	a.health = health.New(
		health.Checker{Name: "providers", Check: providers.Check},
		health.Checker{Name: "sessions", Check: func(context.Context) error {
			if !a.registry.Accepting() {
				return ErrRegistryClosed
			}
			return nil
		}},
	)
	return a, nil
}

// Registry returns the session registry.
func (a *App) Registry() *SessionRegistry { return a.registry }

// Handler returns the HTTP handler for the main listener.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(a.metrics))
	r.Use(cors(a.cfg.Server.CORSOrigins))

	a.health.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/connect", a.handleConnect)
	if a.cfg.Server.WSMode != config.WSModeStandalone {
		r.Get("/ws", a.handleWebSocket)
	}
	return r
}

// wsHandler serves websocket upgrades on any path, for the standalone listener.
func (a *App) wsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/*", a.handleWebSocket)
	return r
}

type connectResponse struct {
	WSURL string `json:"ws_url"`
}

func (a *App) handleConnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, connectResponse{WSURL: a.websocketURL(r.Host)})
}

// websocketURL builds the URL a client reached at host should open.
func (a *App) websocketURL(host string) string {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}

	if a.cfg.Server.WSMode == config.WSModeStandalone {
		_, port, err := net.SplitHostPort(a.cfg.Server.StandaloneWSAddr)
		if err != nil || port == "" {
			port = strings.TrimPrefix(config.DefaultStandaloneWSAddr, ":")
		}
		return "ws://" + net.JoinHostPort(hostname, port)
	}

	scheme := a.cfg.Server.PublicScheme
	if scheme == "" {
		scheme = "wss"
		if slices.Contains(localHosts, hostname) {
			scheme = "ws"
		}
	}
	return scheme + "://" + host + "/ws"
}

func (a *App) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, originPatterns(a.cfg.Server.CORSOrigins))
	if err != nil {
		// Accept has already written the HTTP error.
		a.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	a.log.Info("client connected", "remote", r.RemoteAddr)

	// The session outlives neither the server nor the request.
	ctx, cancel := context.WithCancel(a.sessionCtx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	if err := a.registry.RunSession(ctx, conn); err != nil {
		a.log.Warn("session ended with error", "remote", r.RemoteAddr, "err", err)
	}
}

// Run serves until ctx is done, then shuts down gracefully. A listener
// failure shuts down the rest and is returned.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.servers = append(a.servers, a.newServer(a.cfg.Server.ListenAddr, a.Handler()))
	if a.cfg.Server.WSMode == config.WSModeStandalone {
		a.servers = append(a.servers, a.newServer(a.cfg.Server.StandaloneWSAddr, a.wsHandler()))
	}
	servers := slices.Clone(a.servers)
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			a.log.Info("listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: serve %s: %w", srv.Addr, err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
}

// Shutdown marks the server as draining, stops accepting connections, cancels
// every live session and waits for them until ctx expires. It is idempotent;
// later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.registry.Len())
		a.health.Drain()

		a.mu.Lock()
		servers := slices.Clone(a.servers)
		a.mu.Unlock()

		var errs []error
		// Hijacked websocket connections are not tracked by the server, so
		// sessions are cancelled explicitly.
		errs = append(errs, a.registry.Close(ctx))
		a.cancelSession()
		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: shutdown %s: %w", srv.Addr, err))
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// cors allows browser clients from origins ("*" allows any) to call the
// HTTP endpoints and answers preflight requests.
func cors(origins []string) func(http.Handler) http.Handler {
	all := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (all || slices.Contains(origins, origin)) {
				h := w.Header()
				if all {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originPatterns turns configured origins such as "https://app.example.com"
// into the host patterns the websocket handshake matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		patterns = append(patterns, o)
	}
	return patterns
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
