// ABOUTME: Route handlers for session provisioning and lifecycle control
// ABOUTME: Create, list, status, QR retrieval, reconnect, and delete

package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tetherhq/tether-gateway/internal/session"
)

type createRequest struct {
	AgentID     string `json:"agent_id"`
	UserID      string `json:"user_id"`
	APIKey      string `json:"api_key"`
	SessionName string `json:"session_name"`
}

type createResponse struct {
	AgentID     string     `json:"agent_id"`
	Ready       bool       `json:"ready"`
	EndpointURL string     `json:"endpoint_url"`
	QR          string     `json:"qr,omitempty"`
	QRExpiresAt *time.Time `json:"qr_expires_at,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.AgentID == "" {
		s.respondError(w, http.StatusBadRequest, "agent_id is required", "")
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	result, err := s.sessions.CreateSession(ctx, session.CreateParams{
		AgentID:     req.AgentID,
		UserID:      req.UserID,
		APIKey:      req.APIKey,
		SessionName: req.SessionName,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := createResponse{
		AgentID:     req.AgentID,
		Ready:       result.Ready,
		EndpointURL: result.EndpointURL,
		QRExpiresAt: result.QRExpiresAt,
	}
	if len(result.QRImage) > 0 {
		resp.QR = "data:image/png;base64," + base64.StdEncoding.EncodeToString(result.QRImage)
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.records.FindAllActive(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	type listEntry struct {
		AgentID         string     `json:"agent_id"`
		SessionName     string     `json:"session_name,omitempty"`
		Status          string     `json:"status"`
		LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	}
	entries := make([]listEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, listEntry{
			AgentID:         rec.AgentID,
			SessionName:     rec.SessionName,
			Status:          rec.Status,
			LastConnectedAt: rec.LastConnectedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"sessions": entries})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	status, err := s.sessions.GetStatus(r.Context(), agentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

// handleQR serves the current pairing image as PNG bytes.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	image, ok := s.sessions.PairingImage(agentID)
	if !ok {
		s.respondError(w, http.StatusNotFound, "session not found", "")
		return
	}
	if image == nil {
		s.respondError(w, http.StatusNotFound, "no pairing code available", "")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(image)
}

type sendMessageRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type sendMessageResponse struct {
	Status    string `json:"status"`
	Payload   any    `json:"payload"`
	ReplySent bool   `json:"reply_sent"`
	ReplyText string `json:"reply_text,omitempty"`
}

// handleSendMessage pushes an operator-submitted message through the
// agent's session: forward to the AI backend, relay the reply into the
// conversation, report both outcomes.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Message == "" {
		s.respondError(w, http.StatusBadRequest, "message is required", "")
		return
	}
	if req.SessionID == "" {
		s.respondError(w, http.StatusBadRequest, "session_id is required", "")
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	result, err := s.sessions.SendMessage(ctx, agentID, req.SessionID, req.Message)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, sendMessageResponse{
		Status:    "forwarded",
		Payload:   result.Payload,
		ReplySent: result.ReplySent,
		ReplyText: result.ReplyText,
	})
}

type reconnectResponse struct {
	AgentID     string     `json:"agent_id"`
	Ready       bool       `json:"ready"`
	QR          string     `json:"qr,omitempty"`
	QRExpiresAt *time.Time `json:"qr_expires_at,omitempty"`
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	forceQR := r.URL.Query().Get("force_qr") == "true"

	ctx, cancel := requestContext(r)
	defer cancel()

	result, err := s.sessions.ReconnectSession(ctx, agentID, forceQR)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := reconnectResponse{
		AgentID:     agentID,
		Ready:       result.Ready,
		QRExpiresAt: result.QRExpiresAt,
	}
	if len(result.QRImage) > 0 {
		resp.QR = "data:image/png;base64," + base64.StdEncoding.EncodeToString(result.QRImage)
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	ctx, cancel := requestContext(r)
	defer cancel()

	if err := s.sessions.DeleteSession(ctx, agentID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "agent_id": agentID})
}
