package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/toolbridge/internal/config"
	"github.com/gaspardpetit/toolbridge/internal/corr"
	"github.com/gaspardpetit/toolbridge/internal/metrics"
	"github.com/gaspardpetit/toolbridge/internal/resource"
	"github.com/gaspardpetit/toolbridge/internal/tools"
)

// Deps carries the bridge components exposed over HTTP.
type Deps struct {
	Registry  *prometheus.Registry
	Tools     *tools.Registry
	Tracker   *corr.Tracker
	Resources *resource.Registry
	Clients   func() int
	Version   string
	Events    http.HandlerFunc
	Ingress   http.HandlerFunc
	Attach    http.HandlerFunc
}

// New constructs the HTTP handler for the bridge.
func New(cfg config.BridgeConfig, deps Deps) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}
	if deps.Tracker == nil {
		deps.Tracker = corr.NewTracker()
	}
	if deps.Resources == nil {
		deps.Resources = resource.NewRegistry()
	}
	preg := deps.Registry
	if preg == nil {
		preg = prometheus.NewRegistry()
		metrics.Register(preg)
	}

	st := &StateHandler{
		Tools:     deps.Tools,
		Tracker:   deps.Tracker,
		Resources: deps.Resources,
		Clients:   deps.Clients,
		Version:   deps.Version,
	}
	r.Get("/healthz", Healthz)
	r.Get("/state", st.GetState)
	r.Get("/state/stream", st.GetStateStream)

	r.Group(func(g chi.Router) {
		if cfg.APIKey != "" {
			g.Use(BearerSecretMiddleware(cfg.APIKey))
		}
		if deps.Events != nil {
			g.Get(cfg.EventsPath, deps.Events)
		}
		if deps.Ingress != nil {
			g.With(deps.Resources.Middleware("http")).Post(cfg.IngressPath, deps.Ingress)
		}
		if deps.Attach != nil {
			g.Get(cfg.AttachPath, deps.Attach)
		}
	})

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}
