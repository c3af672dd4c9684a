// Package httpapi is the operator-facing HTTP surface of the sync worker:
// health, Prometheus metrics and a small authenticated admin API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/dmitrijs2005/membersync/internal/logging"
	"github.com/dmitrijs2005/membersync/internal/server/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Resyncer interface {
	Resync(ctx context.Context, id string) (string, error)
}

type UnlinkedLister interface {
	ListUnlinked(ctx context.Context, limit int) ([]models.DirectoryRecord, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Resyncer  Resyncer
	Records   UnlinkedLister
	Gatherer  prometheus.Gatherer
	// JWTSecret verifies operator tokens; empty leaves /v1 unmounted.
	JWTSecret []byte
	Logger    logging.Logger
	// Ready reports whether the event source is running; nil means always.
	Ready func() bool
}

func NewRouter(d Deps) chi.Router {
	h := &handler{deps: d, log: d.Logger.With("module", "http_api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	// without a secret no operator token can be verified
	if len(d.JWTSecret) == 0 {
		return r
	}

	r.Route("/v1", func(pr chi.Router) {
		pr.Use(h.operatorAuth)
		pr.Get("/records/unlinked", h.listUnlinked)
		pr.Post("/records/{id}/resync", h.resync)
	})

	return r
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
