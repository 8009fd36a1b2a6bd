package routes

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/model"
)

type setRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type keysRequest struct {
	Keys []string `json:"keys"`
}

// keyResult is the per-key outcome of a batch operation.
type keyResult struct {
	Key   string `json:"key"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleCacheKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Cache.Keys(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "list keys", err)
		return
	}
	sort.Strings(keys)
	writeJSON(w, r, http.StatusOK, keys)
}

func (s *Server) handleCacheSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" || len(req.Value) == 0 {
		writeError(w, r, http.StatusBadRequest, "key and value required", err)
		return
	}
	spec, ok := s.Registry.Resolve(req.Key)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "no query owns key", nil)
		return
	}
	raw, err := spec.ValidateRaw(req.Value)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "value rejected by "+spec.DecoderName(), err)
		return
	}
	err = s.Cache.Set(r.Context(), cache.SetArgs{
		Key:      req.Key,
		Value:    raw,
		TTL:      spec.SwrPolicy().MaxAge,
		Source:   model.SourceOps,
		Priority: cache.PriorityHigh,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "set", err)
		return
	}
	writeJSON(w, r, http.StatusOK, keyResult{Key: req.Key, OK: true})
}

func (s *Server) handleCacheRemove(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if err := decodeBody(r, &req); err != nil || len(req.Keys) == 0 {
		writeError(w, r, http.StatusBadRequest, "keys required", err)
		return
	}
	results := make([]keyResult, 0, len(req.Keys))
	status := http.StatusOK
	for _, key := range req.Keys {
		if err := s.Cache.Remove(r.Context(), key); err != nil {
			status = http.StatusInternalServerError
			results = append(results, keyResult{Key: key, Error: err.Error()})
			continue
		}
		results = append(results, keyResult{Key: key, OK: true})
	}
	writeJSON(w, r, status, results)
}

// handleCacheUpdate refetches keys from the source right away, bypassing
// staleness checks.
func (s *Server) handleCacheUpdate(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if err := decodeBody(r, &req); err != nil || len(req.Keys) == 0 {
		writeError(w, r, http.StatusBadRequest, "keys required", err)
		return
	}
	results := make([]keyResult, 0, len(req.Keys))
	status := http.StatusOK
	for _, key := range req.Keys {
		err := model.Refresh(r.Context(), s.Env, s.Registry, key, model.RefreshOptions{
			Source:   model.SourceOps,
			Priority: cache.PriorityHigh,
		})
		if err != nil {
			code := http.StatusBadGateway
			if errors.Is(err, model.ErrKeyUnresolvable) {
				code = http.StatusBadRequest
			}
			if code > status {
				status = code
			}
			results = append(results, keyResult{Key: key, Error: err.Error()})
			continue
		}
		results = append(results, keyResult{Key: key, OK: true})
	}
	writeJSON(w, r, status, results)
}
