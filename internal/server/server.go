package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/praxisllmlab/relaygate/internal/audit"
	"github.com/praxisllmlab/relaygate/internal/backend"
	"github.com/praxisllmlab/relaygate/internal/config"
)

// Server is the chi-mounted HTTP surface: Config Store, Backend Registry,
// and Audit Sink wired behind the OpenAI-compatible routes spec.md defines.
type Server struct {
	Router chi.Router
}

// Deps are the dependencies NewServer wires into every route.
type Deps struct {
	Store    *config.Store
	Backends *backend.Registry
	Audit    audit.Sink
}

// NewServer builds a chi router with all routes configured.
func NewServer(deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	h := &Handlers{Store: deps.Store, Backends: deps.Backends, Audit: deps.Audit}

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.ChatCompletion)
		r.Post("/completions", h.handleGeneric(genericEndpoint{path: "/completions", auditName: "/v1/completions", streamable: true}))
		r.Post("/embeddings", h.handleGeneric(genericEndpoint{path: "/embeddings", auditName: "/v1/embeddings"}))
		r.Post("/rerank", h.handleGeneric(genericEndpoint{path: "/rerank", auditName: "/v1/rerank"}))
		r.Post("/score", h.handleGeneric(genericEndpoint{path: "/score", auditName: "/v1/score"}))
		r.Post("/classify", h.handleGeneric(genericEndpoint{path: "/classify", auditName: "/v1/classify"}))
		r.Post("/audio/transcriptions", h.AudioTranscription)
		r.Get("/models", h.ListModels)
	})

	return &Server{Router: r}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
