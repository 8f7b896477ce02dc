package modwatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/modwatch/modreg"
	"github.com/hazyhaar/modwatch/reload"
)

// Handler returns the HTTP API. The shield stack (request ID, security
// headers, body cap, rate limit, maintenance switch) applies to every
// route; token auth applies to /api when admin.token_hash is configured.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range s.mws {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		if s.cfg.Admin.TokenHash != "" {
			r.Use(s.requireToken)
		}

		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, s.Status())
		})

		r.Get("/units", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, s.reg.Snapshot())
		})

		r.Post("/units/{name}/execute", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			params := map[string]any{}
			if r.Body != nil && r.ContentLength != 0 {
				if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
					writeError(w, 400, err)
					return
				}
			}
			result, err := s.reg.Execute(r.Context(), name, params)
			if err != nil {
				writeError(w, errStatus(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"unit": name, "result": result})
		})

		r.Post("/scan", func(w http.ResponseWriter, r *http.Request) {
			rep, err := s.sup.ScanNow(r.Context())
			if err != nil {
				writeError(w, errStatus(err), err)
				return
			}
			writeJSON(w, 200, rep)
		})

		r.Post("/supervisor/start", func(w http.ResponseWriter, _ *http.Request) {
			s.mu.Lock()
			closed, base := s.closed, s.baseCtx
			s.mu.Unlock()
			if closed || base == nil {
				writeJSON(w, 409, map[string]string{"error": "service not started"})
				return
			}
			if err := s.sup.Start(base); err != nil {
				writeError(w, errStatus(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "started"})
		})

		r.Post("/supervisor/stop", func(w http.ResponseWriter, _ *http.Request) {
			if err := s.sup.Stop(); err != nil {
				writeError(w, errStatus(err), err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "stopped"})
		})

		r.Get("/journal/recent", func(w http.ResponseWriter, r *http.Request) {
			scans, err := s.journal.Recent(r.Context(), queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, scans)
		})

		r.Get("/journal/units/{name}", func(w http.ResponseWriter, r *http.Request) {
			hist, err := s.journal.UnitHistory(r.Context(), chi.URLParam(r, "name"), queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, hist)
		})

		r.Get("/stream", func(w http.ResponseWriter, r *http.Request) {
			if s.hub == nil {
				writeJSON(w, 404, map[string]string{"error": "stream disabled"})
				return
			}
			s.hub.ServeHTTP(w, r)
		})
	})

	return r
}

// requireToken is the admin auth middleware: bearer header first, then a
// token query parameter for WebSocket clients that cannot set headers.
func (s *Service) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		} else {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeJSON(w, 401, map[string]string{"error": "missing token"})
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(s.cfg.Admin.TokenHash), []byte(token)) != nil {
			writeJSON(w, 401, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errStatus maps sentinel errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, modreg.ErrUnitNotFound):
		return 404
	case errors.Is(err, modreg.ErrMissingParams):
		return 400
	case errors.Is(err, modreg.ErrUnitInactive):
		return 409
	case errors.Is(err, reload.ErrRunning), errors.Is(err, reload.ErrNotRunning):
		return 409
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
