// ABOUTME: HTTP API for session provisioning and lifecycle control
// ABOUTME: chi router with request logging, CORS, and per-agent api-key auth

package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tetherhq/tether-gateway/internal/forward"
	"github.com/tetherhq/tether-gateway/internal/router"
	"github.com/tetherhq/tether-gateway/internal/session"
	"github.com/tetherhq/tether-gateway/internal/store"
)

// SessionManager is the registry surface the API consumes.
type SessionManager interface {
	CreateSession(ctx context.Context, params session.CreateParams) (*session.CreateResult, error)
	DeleteSession(ctx context.Context, agentID string) error
	ReconnectSession(ctx context.Context, agentID string, forceQR bool) (*session.ReconnectResult, error)
	GetStatus(ctx context.Context, agentID string) (*session.Status, error)
	// PairingImage returns the current QR PNG for a live session, or
	// (nil, false) when the session is unknown.
	PairingImage(agentID string) ([]byte, bool)
	SendMessage(ctx context.Context, agentID, conversationID, message string) (*router.DeliverResult, error)
}

// RecordFinder is the store surface the API consumes for auth and listing.
type RecordFinder interface {
	FindByAgentID(ctx context.Context, agentID string) (*store.SessionRecord, error)
	FindAllActive(ctx context.Context) ([]*store.SessionRecord, error)
}

// Server holds the API dependencies.
type Server struct {
	sessions       SessionManager
	records        RecordFinder
	allowedOrigins []string
	logger         *slog.Logger
}

// NewServer creates the API server.
func NewServer(sessions SessionManager, records RecordFinder, allowedOrigins []string, logger *slog.Logger) *Server {
	return &Server{
		sessions:       sessions,
		records:        records,
		allowedOrigins: allowedOrigins,
		logger:         logger.With("component", "httpapi"),
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.cors)
	r.Use(chimiddleware.Heartbeat("/health"))

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)

		r.Route("/{agentID}", func(r chi.Router) {
			r.Use(s.requireAgentKey)
			r.Get("/", s.handleStatus)
			r.Get("/qr", s.handleQR)
			r.Post("/reconnect", s.handleReconnect)
			r.Delete("/", s.handleDelete)
		})
	})

	r.Route("/api/v1/agents/{agentID}", func(r chi.Router) {
		r.Use(s.requireAgentKey)
		r.Post("/run", s.handleSendMessage)
	})

	return r
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, status int, message, code string) {
	s.respondJSON(w, status, errorBody{Error: message, Code: code})
}

// writeDomainError maps typed session errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *session.ConflictError:
		s.respondError(w, http.StatusConflict, e.Message, e.Code)
		return
	case *session.TimeoutError:
		s.respondError(w, http.StatusGatewayTimeout, e.Error(), "")
		return
	case *session.AuthFailedError:
		s.respondError(w, http.StatusBadGateway, e.Error(), "")
		return
	case *router.ReplySendError:
		s.respondError(w, http.StatusBadGateway, e.Error(), "")
		return
	case *forward.UpstreamError:
		s.respondError(w, http.StatusBadGateway, e.Error(), "")
		return
	}
	switch err {
	case forward.ErrNoEndpoint:
		s.respondError(w, http.StatusServiceUnavailable, err.Error(), "")
		return
	case session.ErrNotFound:
		s.respondError(w, http.StatusNotFound, "session not found", "")
	case session.ErrDestroyed:
		s.respondError(w, http.StatusGone, "session has been destroyed", "")
	default:
		s.logger.Error("request failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error", "")
	}
}

// defaultRequestTimeout bounds handler work that can involve pairing waits.
const defaultRequestTimeout = 3 * time.Minute

func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), defaultRequestTimeout)
}
