// ABOUTME: HTTP middleware for the session API
// ABOUTME: Structured request logging, CORS, and per-agent bearer-key auth

package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tetherhq/tether-gateway/internal/store"
)

// requestLogger logs one line per request with a generated request id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

// cors applies the configured allow-list. An empty list allows any origin.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// requireAgentKey authenticates per-agent routes against the stored
// record's api key. A missing record is reported as not-found only after
// the key format check, so probes cannot distinguish the two cheaply.
func (s *Server) requireAgentKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			s.respondError(w, http.StatusUnauthorized, errMsg, "")
			return
		}

		agentID := chi.URLParam(r, "agentID")
		record, err := s.records.FindByAgentID(r.Context(), agentID)
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "session not found", "")
			return
		}
		if err != nil {
			s.logger.Error("auth lookup failed", "agent_id", agentID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "internal error", "")
			return
		}
		if record.APIKey != key {
			s.respondError(w, http.StatusUnauthorized, "invalid api key", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken pulls the token out of an Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}
