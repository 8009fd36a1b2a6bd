package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/swrcache/cache"
	appmw "github.com/briangreenhill/swrcache/internal/http/middleware"
	"github.com/briangreenhill/swrcache/internal/metrics"
	"github.com/briangreenhill/swrcache/internal/resource"
	"github.com/briangreenhill/swrcache/model"
)

// Check is a named dependency probe used by /readyz.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type Server struct {
	Router   *chi.Mux
	Cache    cache.Cache
	Registry *model.Registry
	Env      model.Environment
	Models   map[string]*resource.Model // by instance
	Checks   []Check
}

type ServerOptions struct {
	Cache    cache.Cache
	Registry *model.Registry
	Env      model.Environment
	Models   []*resource.Model
	Checks   []Check
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(appmw.Logging(opts.Logger))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:   r,
		Cache:    opts.Cache,
		Registry: opts.Registry,
		Env:      opts.Env,
		Models:   make(map[string]*resource.Model, len(opts.Models)),
		Checks:   opts.Checks,
	}
	for _, m := range opts.Models {
		s.Models[m.Instance()] = m
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("write health check response")
		}
	})
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", opts.Metrics.Handler())

	r.Route("/_cache", func(cr chi.Router) {
		cr.Get("/keys", s.handleCacheKeys)
		cr.Post("/set", s.handleCacheSet)
		cr.Post("/remove", s.handleCacheRemove)
		cr.Post("/update", s.handleCacheUpdate)
	})

	r.Route("/{instance}", func(ir chi.Router) {
		ir.Use(s.instanceModel)
		ir.Get("/resources/{id}", s.handleGetResource)
		ir.Post("/resources/state", s.handleSetResourceState)
		ir.Get("/active-authors", s.handleActiveAuthors)
	})

	return s
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	result := make(map[string]string, len(s.Checks))
	for _, c := range s.Checks {
		if err := c.Probe(ctx); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("check", c.Name).Msg("not ready")
			result[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		result[c.Name] = "ok"
	}
	writeJSON(w, r, status, result)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	log := hlog.FromRequest(r)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
	} else {
		log.Debug().Err(err).Msg(msg)
	}
	body := errorBody{Error: msg}
	if err != nil {
		body.Error = msg + ": " + err.Error()
	}
	writeJSON(w, r, status, body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
