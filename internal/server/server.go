// Package server exposes the runtime over a small local HTTP API: cached
// images, the CDN mirror list and a few debug endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nimingban/internal/app"
	"nimingban/internal/cache"
	"nimingban/internal/client"
	"nimingban/internal/cookie"
	"nimingban/internal/dns"
	"nimingban/internal/site"
)

type server struct {
	rt  *app.Runtime
	log zerolog.Logger
}

// Handler returns the router for rt.
func Handler(rt *app.Runtime) http.Handler {
	s := &server{rt: rt, log: log.With().Str("component", "server").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/image", s.image)
	r.Get("/cdn-paths", s.cdnPaths)
	r.Post("/cdn-paths/refresh", s.refreshCDNPaths)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Post("/trim-memory", s.trimMemory)
		r.Get("/cookies", s.cookies)
	})
	return r
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Trace().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("Request")
	})
}

func (s *server) image(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	images, err := s.rt.Images()
	if err != nil {
		http.Error(w, "image cache unavailable", http.StatusServiceUnavailable)
		return
	}
	img, err := images.Get(r.Context(), key)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		status := statusFor(err)
		s.log.Debug().Err(err).Str("key", key).Int("status", status).Msg("Image unavailable")
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Bytes)))
	w.Header().Set("X-Image-Size", strconv.Itoa(img.Width)+"x"+strconv.Itoa(img.Height))
	_, _ = w.Write(img.Bytes)
}

func statusFor(err error) int {
	var resErr *dns.ResolutionError
	var decErr *cache.DecodeError
	var trErr *client.TransportError
	switch {
	case errors.Is(err, cache.ErrEmptyKey), errors.Is(err, client.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrClosed), errors.Is(err, client.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.As(err, &decErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &trErr) && trErr.Status == http.StatusNotFound:
		return http.StatusNotFound
	case errors.As(err, &resErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *server) cdnPaths(w http.ResponseWriter, _ *http.Request) {
	paths := s.rt.Site().CDNPaths()
	if paths == nil {
		paths = []site.CDNPath{}
	}
	writeJSON(w, http.StatusOK, paths)
}

func (s *server) refreshCDNPaths(w http.ResponseWriter, r *http.Request) {
	done := make(chan error, 1)
	s.rt.RefreshCDNPaths(func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		s.cdnPaths(w, r)
	case <-r.Context().Done():
	}
}

type statsResponse struct {
	Cache           *cache.Stats `json:"cache,omitempty"`
	PendingRequests int          `json:"pendingRequests"`
	Cookies         int          `json:"cookies"`
	CDNPaths        int          `json:"cdnPaths"`
}

func (s *server) stats(w http.ResponseWriter, _ *http.Request) {
	out := statsResponse{
		PendingRequests: s.rt.Client().Pending(),
		CDNPaths:        len(s.rt.Site().CDNPaths()),
	}
	if images, err := s.rt.Images(); err == nil {
		st := images.Stats()
		out.Cache = &st
	}
	if store, err := s.rt.Cookies(); err == nil {
		out.Cookies = store.Len()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) trimMemory(w http.ResponseWriter, _ *http.Request) {
	s.rt.TrimMemory()
	w.WriteHeader(http.StatusNoContent)
}

type cookieView struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path"`
	MaxAge   int64     `json:"maxAge"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"httpOnly"`
	Created  time.Time `json:"created"`
}

func (s *server) cookies(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	var u *url.URL
	if raw == "" {
		u = s.rt.Site().URL()
	} else {
		var err error
		if u, err = url.Parse(raw); err != nil || u.Host == "" {
			http.Error(w, "invalid url", http.StatusBadRequest)
			return
		}
	}
	store, err := s.rt.Cookies()
	if err != nil {
		http.Error(w, "cookie store unavailable", http.StatusServiceUnavailable)
		return
	}
	out := []cookieView{}
	for _, rec := range store.All(u) {
		out = append(out, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func viewOf(rec cookie.Record) cookieView {
	return cookieView{
		Name:     rec.Name,
		Value:    rec.Value,
		Domain:   rec.Domain,
		Path:     rec.Path,
		MaxAge:   rec.MaxAge,
		Secure:   rec.Secure,
		HTTPOnly: rec.HTTPOnly,
		Created:  rec.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
