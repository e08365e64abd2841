// Package httpapi hosts the kernel over HTTP: the action envelope, the
// public discovery document, the operator endpoints and observability.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"actionplane/internal/audit"
	"actionplane/internal/kernel"
	"actionplane/pkg/config"
	"actionplane/pkg/middleware"
	"actionplane/pkg/openapi"
)

type Server struct {
	log     *zap.SugaredLogger
	cfg     config.Config
	router  *kernel.Router
	sink    audit.Sink
	metrics *Metrics
	disc    http.HandlerFunc
	admin   *adminAuth
}

// NewServer assembles the HTTP host. sink may be nil (operator endpoints
// answer 503); metrics may be nil (a fresh collector set is created).
func NewServer(cfg config.Config, log *zap.SugaredLogger, router *kernel.Router, registry *kernel.Registry, sink audit.Sink, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Server{
		log:     log,
		cfg:     cfg,
		router:  router,
		sink:    sink,
		metrics: metrics,
		disc:    discoveryHandler(registry),
		admin:   newAdminAuth(cfg, log),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(chimw.RealIP)
	r.Use(middleware.Recover(s.log))
	r.Use(middleware.Tracing(s.cfg))

	r.Post("/v1/actions", s.handleInvoke)
	r.Get("/.well-known/actions.json", s.disc)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Group(func(g chi.Router) {
		g.Use(s.admin.wrap)
		g.Get("/admin/audit", s.handleAdminAudit)
		g.Get("/admin/usage/summary", s.handleAdminUsage)
	})
	return r
}

// discoveryHandler projects the registry into the public document served
// at /.well-known/actions.json. Built once; the registry never changes
// after startup.
func discoveryHandler(reg *kernel.Registry) http.HandlerFunc {
	b := openapi.NewBuilder("kernel-service", "1")
	for _, p := range reg.Packs() {
		b.AddPack(openapi.Pack{Namespace: p.Namespace, Title: p.Title, Description: p.Description})
	}
	for _, a := range reg.List() {
		b.AddAction(openapi.Action{
			Name:           a.Name,
			Description:    a.Description,
			Scope:          a.RequiredScope,
			SideEffecting:  a.SideEffecting,
			SupportsDryRun: a.SupportsDryRun,
			InputSchema:    a.InputSchema,
			OutputSchema:   a.OutputSchema,
		})
	}
	return b.ServeHandler()
}
