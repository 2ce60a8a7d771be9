package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forge/cmd/internal/realtime"
)

const readyzTimeout = 2 * time.Second

// routes holds everything the HTTP surface needs.
type routes struct {
	log      Logger
	cfg      Config
	engine   *realtime.Engine
	ws       *realtime.WSGateway
	history  *realtime.HistoryHandler
	gatherer prometheus.Gatherer
	metrics  *httpMetrics
	inMemory bool
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, rt.log) })
	r.Use(chimw.Recoverer)
	if rt.metrics != nil {
		r.Use(rt.metrics.WithMetrics)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && rt.inMemory {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
		defer cancel()
		if err := rt.engine.Ping(ctx); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.store.not_ready", "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	// The gateway enforces its own origin policy; CORS applies to the JSON API only.
	r.Handle("/ws", rt.ws)

	r.Route("/v1", func(r chi.Router) {
		r.Use(WithSecurityHeaders)
		r.Use(func(next http.Handler) http.Handler { return WithCORS(next, rt.cfg, rt.log) })
		r.Method(http.MethodGet, "/conversations/{"+realtime.HistoryURLParam+"}/messages", rt.history)
	})

	return r
}
