package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/signalhub/engine/internal/api/handlers"
	mw "github.com/signalhub/engine/internal/api/middleware"
)

type Dependencies struct {
	HMACSecret []byte
	// RateLimitRPS is the per-IP request rate; 0 disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	HealthHandler      *handlers.HealthHandler
	ProjectsHandler    *handlers.ProjectsHandler
	BucketsHandler     *handlers.BucketsHandler
	DeploymentsHandler *handlers.DeploymentsHandler
	ComponentsHandler  *handlers.ComponentsHandler
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(dep.RateLimitRPS, dep.RateLimitBurst))
	r.Use(chimid.Compress(5))

	// Health endpoints
	r.Get("/healthz", dep.HealthHandler.Liveness)
	r.Get("/readyz", dep.HealthHandler.Readiness)
	if dep.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", dep.Metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(protected chi.Router) {
			protected.Use(mw.Auth(dep.HMACSecret))

			protected.Route("/projects", func(pr chi.Router) {
				pr.Get("/", dep.ProjectsHandler.List)
				pr.Post("/", dep.ProjectsHandler.Create)

				pr.Route("/{projectID}", func(p chi.Router) {
					p.Get("/", dep.ProjectsHandler.Get)
					p.Get("/components", dep.ComponentsHandler.List)

					p.Route("/deployment-buckets", func(br chi.Router) {
						br.Post("/", dep.BucketsHandler.GetOrCreate)
						br.Get("/", dep.BucketsHandler.List)
						br.Get("/active", dep.BucketsHandler.GetActive)
						br.Post("/active/items", dep.BucketsHandler.Stage)

						br.Route("/{bucketID}", func(b chi.Router) {
							b.Get("/", dep.BucketsHandler.Get)
							b.Delete("/", dep.BucketsHandler.Discard)
							b.Post("/items", dep.BucketsHandler.AddItem)
							b.Delete("/items/{itemID}", dep.BucketsHandler.RemoveItem)
							b.Post("/check-conflicts", dep.BucketsHandler.CheckConflicts)
							b.Post("/deploy", dep.BucketsHandler.Deploy)
						})
					})

					p.Route("/deployments", func(dr chi.Router) {
						dr.Get("/", dep.DeploymentsHandler.List)
						dr.Get("/current", dep.DeploymentsHandler.Current)
						dr.Get("/{deploymentID}", dep.DeploymentsHandler.Get)
					})
				})
			})
		})
	})

	return r
}
