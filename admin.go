package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ericselin/swcache/cache"
	cachekey "github.com/ericselin/swcache/pkg/cache-key"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// AdminPrefix is the path under which the admin routes live.
// Requests below it are never intercepted.
const AdminPrefix = "/.swcache"

func (h *Host) routes() chi.Router {
	r := chi.NewRouter()
	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/tags", h.listTags)
		r.Get("/stores/{tag}/keys", h.listKeys)
		r.Post("/install", h.runPhase(h.lifecycle.Install))
		r.Post("/activate", h.runPhase(h.lifecycle.Activate))
		r.Handle("/metrics", promhttp.Handler())
	})
	r.HandleFunc("/*", h.intercept)
	return r
}

type tagsResponse struct {
	Current string   `json:"current"`
	Tags    []string `json:"tags"`
}

func (h *Host) listTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.cache.Tags(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not list stores")
		http.Error(w, "Could not list stores", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, tagsResponse{Current: h.tag, Tags: tags})
}

func (h *Host) listKeys(w http.ResponseWriter, r *http.Request) {
	store, err := cache.Existing(r.Context(), h.cache, chi.URLParam(r, "tag"))
	if errors.Is(err, cache.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not open store")
		http.Error(w, "Could not open store", http.StatusInternalServerError)
		return
	}
	keys, err := store.Keys(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not list keys")
		http.Error(w, "Could not list keys", http.StatusInternalServerError)
		return
	}
	entries := make([]cachekey.Identity, 0, len(keys))
	for _, key := range keys {
		id, err := cachekey.ParseKey(key)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("Skipping undecodable key")
			continue
		}
		entries = append(entries, id)
	}
	writeJSON(w, r, entries)
}

// runPhase reruns a lifecycle phase on request.
func (h *Host) runPhase(phase func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := phase(r.Context()); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Lifecycle phase failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response")
	}
}
