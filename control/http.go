package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/kit"
	"github.com/hazyhaar/flagswap/shield"
)

var errUnauthorized = errors.New("unauthorized")

// Handler serves the control API:
//
//	GET /healthz
//	GET /assets
//	GET /assets/{id}
//	GET /preference
//	PUT /preference   {"id": "pirate"}
//	GET /stats
//
// When tokenHash is set, writes need "Authorization: Bearer <token>"
// matching the bcrypt hash.
func (s *Service) Handler(tokenHash string) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.ControlStack() {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/assets", func(w http.ResponseWriter, r *http.Request) {
		list, err := s.ListAssets(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	r.Get("/assets/{id}", func(w http.ResponseWriter, r *http.Request) {
		info, err := s.Asset(r.Context(), asset.ID(chi.URLParam(r, "id")))
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	})

	r.Get("/preference", func(w http.ResponseWriter, r *http.Request) {
		sel, err := s.Selected(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sel)
	})

	r.With(RequireToken(tokenHash)).Put("/preference", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
			writeError(w, http.StatusBadRequest, errors.New("body must be {\"id\": \"<asset>\"}"))
			return
		}
		ctx := kit.WithTransport(r.Context(), "http")
		sel, err := kit.Logging(shield.GetLogger(ctx), "set_asset")(func(ctx context.Context, _ any) (any, error) {
			return s.Select(ctx, asset.ID(body.ID))
		})(ctx, nil)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, sel)
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Stats())
	})

	return r
}

// RequireToken rejects requests whose bearer token does not match hash.
// An empty hash lets every request through.
func RequireToken(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="flagswap"`)
				writeError(w, http.StatusUnauthorized, errUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func statusOf(err error) int {
	if isClientError(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
