// Package app wires the Forge server runtime: config, logging, storage, identity, HTTP routes
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"forge/cmd/internal/identity"
	"forge/cmd/internal/realtime"
)

const shutdownTimeout = 10 * time.Second

// App is the Forge server runtime: it owns the HTTP server, the message store and the
// realtime engine.
type App struct {
	cfg Config
	log Logger

	store  realtime.MessageStore
	dbPool *pgxpool.Pool

	engine  *realtime.Engine
	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	resolver, err := newResolver(cfg)
	if err != nil {
		closeStore(store, pool)
		return nil, err
	}

	metrics := realtime.NewMetrics(reg)
	engine := realtime.NewEngine(log, store, nil,
		realtime.WithMetrics(metrics),
		realtime.WithStoreTimeout(cfg.StoreTimeout),
	)

	handler := newRouter(routes{
		log:      log,
		cfg:      cfg,
		engine:   engine,
		ws:       realtime.NewWSGateway(log, engine, resolver, cfg.Gateway),
		history:  realtime.NewHistoryHandler(log, engine, httpResolver(cfg, resolver)),
		gatherer: reg,
		metrics:  newHTTPMetrics(reg),
		inMemory: cfg.StoreKind() == StoreMemory,
	})

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		dbPool:  pool,
		engine:  engine,
		handler: handler,
	}, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.StoreKind(),
		"auth_required", a.cfg.AuthRequired,
		"ws_url", wsBaseURL(base)+"/ws",
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	closeStore(a.store, a.dbPool)
	a.log.Info("server.stopped")
	return err
}

// Close releases store resources without running the server.
func (a *App) Close() {
	closeStore(a.store, a.dbPool)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore opens the configured message store. The returned pool is non-nil only for
// Postgres, where the app owns the pool and the store does not.
func newStore(ctx context.Context, cfg Config, log Logger) (realtime.MessageStore, *pgxpool.Pool, error) {
	switch kind := cfg.StoreKind(); kind {
	case StoreMemory:
		log.Info("store.memory")
		return realtime.NewInMemoryStore(), nil, nil

	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("FORGE_STORE=postgres requires FORGE_DATABASE_URL")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		st, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		log.Info("store.postgres", "schema", cfg.DBSchema)
		return st, pool, nil

	case StoreSQLite:
		st, err := realtime.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		return st, nil, nil

	case StoreRedis:
		if cfg.RedisURL == "" {
			return nil, nil, errors.New("FORGE_STORE=redis requires FORGE_REDIS_URL")
		}
		st, err := realtime.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.redis")
		return st, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown FORGE_STORE %q", kind)
	}
}

func closeStore(store realtime.MessageStore, pool *pgxpool.Pool) {
	if store != nil {
		_ = store.Close()
	}
	if pool != nil {
		pool.Close()
	}
}

// newResolver builds the websocket identity policy:
//   - a JWT secret enables bearer tokens;
//   - header identities are accepted only outside production;
//   - anonymous sessions are allowed unless FORGE_AUTH_REQUIRED is set.
func newResolver(cfg Config) (identity.Resolver, error) {
	var chain []identity.Resolver

	if cfg.JWTSecret != "" {
		var opts []identity.JWTOption
		if cfg.JWTIssuer != "" {
			opts = append(opts, identity.WithIssuer(cfg.JWTIssuer))
		}
		jwtRes, err := identity.NewJWTResolver([]byte(cfg.JWTSecret), opts...)
		if err != nil {
			return nil, err
		}
		chain = append(chain, jwtRes)
	}

	if !cfg.Production() {
		chain = append(chain, identity.HeaderResolver{AllowAnonymous: !cfg.AuthRequired})
	}

	if len(chain) == 0 {
		return nil, errors.New("no identity resolver configured")
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return identity.Chain(chain...), nil
}

// httpResolver gates the history endpoint only when authentication is required.
func httpResolver(cfg Config, r identity.Resolver) identity.Resolver {
	if !cfg.AuthRequired {
		return nil
	}
	return r
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to ws(s).
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
