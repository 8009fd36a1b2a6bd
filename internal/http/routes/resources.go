package routes

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/briangreenhill/swrcache/internal/datalayer"
	"github.com/briangreenhill/swrcache/internal/resource"
	"github.com/briangreenhill/swrcache/model"
)

type contextKey string

const modelKey contextKey = "resource_model"

func (s *Server) instanceModel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, ok := s.Models[chi.URLParam(r, "instance")]
		if !ok {
			writeError(w, r, http.StatusNotFound, "unknown instance", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), modelKey, m)))
	})
}

func modelFrom(r *http.Request) *resource.Model {
	return r.Context().Value(modelKey).(*resource.Model)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid resource id", nil)
		return
	}
	m := modelFrom(r)

	var res *resource.Resource
	if typ := r.URL.Query().Get("type"); typ != "" {
		res, err = m.GetResourceOfType(r.Context(), id, typ)
	} else {
		res, err = m.GetResource(r.Context(), id)
	}
	if err != nil {
		writeUpstreamError(w, r, "get resource", err)
		return
	}
	if res == nil {
		writeError(w, r, http.StatusNotFound, "resource not found", nil)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleActiveAuthors(w http.ResponseWriter, r *http.Request) {
	ids, err := modelFrom(r).GetActiveAuthorIDs(r.Context())
	if err != nil {
		writeUpstreamError(w, r, "get active authors", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ids)
}

func (s *Server) handleSetResourceState(w http.ResponseWriter, r *http.Request) {
	var p resource.SetStatePayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid body", err)
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid payload", err)
		return
	}
	if err := modelFrom(r).SetResourceState(r.Context(), p); err != nil {
		writeUpstreamError(w, r, "set resource state", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeUpstreamError maps model and data layer failures to gateway errors.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidValue):
		writeError(w, r, http.StatusBadGateway, msg+": invalid upstream value", err)
	case errors.Is(err, datalayer.ErrUpstream):
		writeError(w, r, http.StatusBadGateway, msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, msg, err)
	default:
		writeError(w, r, http.StatusInternalServerError, msg, err)
	}
}
