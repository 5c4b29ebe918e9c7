// ABOUTME: Registry owning all live sessions keyed by agent id
// ABOUTME: Creates, rehydrates, reconnects, and destroys sessions against the store

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetherhq/tether-gateway/internal/connector"
	"github.com/tetherhq/tether-gateway/internal/router"
	"github.com/tetherhq/tether-gateway/internal/store"
)

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	Store   store.SessionStore
	Dialer  connector.Dialer
	Router  *router.Router
	Timings Timings
	// AIBaseURL is the default base for generated endpoint URLs.
	AIBaseURL string
	// AppBaseURL, when set, overrides AIBaseURL for endpoint generation.
	AppBaseURL string
	Logger     *slog.Logger
}

// Registry is the single owner of live sessions. One session per agent id;
// repeat creates update the existing session's metadata instead of spawning
// a second connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store   store.SessionStore
	dial    connector.Dialer
	router  *router.Router
	timings Timings
	aiBase  string
	appBase string
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    cfg.Store,
		dial:     cfg.Dialer,
		router:   cfg.Router,
		timings:  cfg.Timings,
		aiBase:   cfg.AIBaseURL,
		appBase:  cfg.AppBaseURL,
		logger:   cfg.Logger.With("component", "session-registry"),
	}
}

// CreateParams describes a session creation request.
type CreateParams struct {
	AgentID     string
	UserID      string
	APIKey      string
	SessionName string
}

// CreateResult is the outcome of a session creation.
type CreateResult struct {
	Record      *store.SessionRecord
	QRImage     []byte
	QRExpiresAt *time.Time
	EndpointURL string
	Ready       bool
}

// CreateSession provisions a session for the agent: persists the record,
// starts (or updates) the live session, and waits for either a pairing
// image or an immediately-ready connection.
func (r *Registry) CreateSession(ctx context.Context, params CreateParams) (*CreateResult, error) {
	if params.AgentID == "" {
		return nil, errors.New("agent id is required")
	}

	apiKey := params.APIKey
	if apiKey == "" {
		apiKey = fmt.Sprintf("sk-default-%s-%d", params.AgentID, time.Now().Unix())
	}
	endpointURL := r.endpointURL(params.AgentID)

	record := &store.SessionRecord{
		AgentID:     params.AgentID,
		UserID:      params.UserID,
		APIKey:      apiKey,
		SessionName: params.SessionName,
		EndpointURL: endpointURL,
		Status:      store.StatusAwaitingQR,
	}
	saved, err := r.store.Upsert(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("persisting session record: %w", err)
	}

	meta := Metadata{
		UserID:      params.UserID,
		APIKey:      apiKey,
		EndpointURL: endpointURL,
		Name:        params.SessionName,
	}

	sess, created, err := r.ensureSession(ctx, params.AgentID, meta)
	if err != nil {
		return nil, err
	}
	if !created {
		sess.UpdateMetadata(meta)
		r.logger.Info("session already live, metadata updated", "agent_id", params.AgentID)
	}

	result := &CreateResult{Record: saved, EndpointURL: endpointURL}

	if sess.IsReady() {
		result.Ready = true
		return result, nil
	}

	challenge, err := sess.waitPairingOrReady(ctx, r.timings.PairingWaitTimeout, "pairing code")
	if err != nil {
		return nil, err
	}
	if challenge == nil {
		result.Ready = true
		return result, nil
	}
	result.QRImage = challenge.Image
	expires := challenge.ExpiresAt
	result.QRExpiresAt = &expires
	return result, nil
}

// ensureSession returns the live session for the agent, creating and
// starting one if absent. The created flag reports whether this call
// started it.
func (r *Registry) ensureSession(ctx context.Context, agentID string, meta Metadata) (*Session, bool, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[agentID]; ok {
		r.mu.Unlock()
		return existing, false, nil
	}
	sess := newSession(agentID, meta, r.store, r.dial, r.router, r.timings, r.logger)
	sess.hooks.onPairingExpired = r.pairingExpired
	r.sessions[agentID] = sess
	r.mu.Unlock()

	if err := sess.start(ctx); err != nil {
		r.mu.Lock()
		delete(r.sessions, agentID)
		r.mu.Unlock()
		return nil, false, err
	}

	r.logger.Info("session started", "agent_id", agentID)
	return sess, true, nil
}

// Get returns the live session for the agent, if any.
func (r *Registry) Get(agentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[agentID]
	return sess, ok
}

// PairingImage returns the live session's current QR image, or (nil,
// false) when no live session exists for the agent.
func (r *Registry) PairingImage(agentID string) ([]byte, bool) {
	sess, ok := r.Get(agentID)
	if !ok {
		return nil, false
	}
	return sess.PairingImage(), true
}

// DeleteSession destroys the live session and removes the stored record.
// The session stays registered until Destroy succeeds, so a concurrent
// create or reconnect never sees an empty slot while a live connection
// still exists.
func (r *Registry) DeleteSession(ctx context.Context, agentID string) error {
	r.mu.Lock()
	sess, live := r.sessions[agentID]
	r.mu.Unlock()

	if !live {
		if _, err := r.store.FindByAgentID(ctx, agentID); errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("loading session record: %w", err)
		}
	}

	if live {
		if err := sess.Destroy(ctx); err != nil {
			var conflictErr *ConflictError
			if errors.As(err, &conflictErr) {
				// Still registered; the caller can retry after the
				// in-flight operation settles.
				return err
			}
			r.logger.Warn("destroy reported an error, continuing deletion", "agent_id", agentID, "error", err)
		}
		r.mu.Lock()
		if r.sessions[agentID] == sess {
			delete(r.sessions, agentID)
		}
		r.mu.Unlock()
	}

	return r.store.DeleteByAgentID(ctx, agentID)
}

// SendMessage relays an operator-submitted message through the agent's
// live session. The session must be running and ready.
func (r *Registry) SendMessage(ctx context.Context, agentID, conversationID, message string) (*router.DeliverResult, error) {
	sess, ok := r.Get(agentID)
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Deliver(ctx, conversationID, message)
}

// ReconnectResult is the outcome of a reconnect request.
type ReconnectResult struct {
	// Ready means the session is connected; no pairing needed.
	Ready bool
	// QRImage, when set, must be scanned to complete the reconnect.
	QRImage     []byte
	QRExpiresAt *time.Time
}

// ReconnectSession re-establishes a session's connection. With forceQR the
// stored credentials are discarded and a fresh pairing is demanded;
// otherwise stored credentials are tried first and pairing is a fallback.
func (r *Registry) ReconnectSession(ctx context.Context, agentID string, forceQR bool) (*ReconnectResult, error) {
	record, err := r.store.FindByAgentID(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session record: %w", err)
	}

	meta := Metadata{
		UserID:      record.UserID,
		APIKey:      record.APIKey,
		EndpointURL: record.EndpointURL,
		Name:        record.SessionName,
	}

	sess, created, err := r.ensureSession(ctx, agentID, meta)
	if err != nil {
		return nil, err
	}

	if !created && sess.IsReady() && !forceQR {
		// Heal a stale stored status while refusing the no-op reconnect.
		if record.Status != store.StatusConnected {
			now := time.Now()
			if _, err := r.store.UpdateStatus(ctx, agentID, store.StatusUpdate{
				Status:          store.StatusConnected,
				LastConnectedAt: &now,
			}); err != nil {
				r.logger.Warn("failed to heal stale session status", "agent_id", agentID, "error", err)
			}
		}
		return nil, conflict(CodeAlreadyConnected, "session is already connected")
	}

	if _, err := r.store.UpdateStatus(ctx, agentID, store.StatusUpdate{Status: store.StatusReconnecting}); err != nil {
		r.logger.Warn("failed to persist reconnecting status", "agent_id", agentID, "error", err)
	}

	sess.AuthorizeReconnect()

	if forceQR {
		image, err := sess.RefreshPairing(ctx)
		if err != nil {
			return nil, err
		}
		if image == nil {
			return &ReconnectResult{Ready: true}, nil
		}
		return &ReconnectResult{QRImage: image, QRExpiresAt: sess.PairingExpiresAt()}, nil
	}

	err = sess.ReconnectStoredCredentials(ctx)
	if err == nil {
		return &ReconnectResult{Ready: true}, nil
	}

	var pairingErr *PairingRequiredError
	if errors.As(err, &pairingErr) {
		if image := sess.PairingImage(); image != nil {
			return &ReconnectResult{QRImage: image, QRExpiresAt: sess.PairingExpiresAt()}, nil
		}
		// The image was consumed or expired between signal and read;
		// fall back to a forced pairing refresh.
		sess.AuthorizeReconnect()
		image, refreshErr := sess.RefreshPairing(ctx)
		if refreshErr != nil {
			return nil, refreshErr
		}
		if image == nil {
			return &ReconnectResult{Ready: true}, nil
		}
		return &ReconnectResult{QRImage: image, QRExpiresAt: sess.PairingExpiresAt()}, nil
	}
	return nil, err
}

// Status is the merged live + stored view of a session.
type Status struct {
	AgentID            string     `json:"agent_id"`
	Status             string     `json:"status"`
	Live               bool       `json:"live"`
	SessionName        string     `json:"session_name,omitempty"`
	EndpointURL        string     `json:"endpoint_url,omitempty"`
	LastConnectedAt    *time.Time `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at,omitempty"`
	QRAvailable        bool       `json:"qr_available"`
	QRExpiresAt        *time.Time `json:"qr_expires_at,omitempty"`
}

// GetStatus merges the live state machine with the stored record. Live
// state wins where both exist.
func (r *Registry) GetStatus(ctx context.Context, agentID string) (*Status, error) {
	record, recordErr := r.store.FindByAgentID(ctx, agentID)
	sess, live := r.Get(agentID)

	if !live && errors.Is(recordErr, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if recordErr != nil && !errors.Is(recordErr, store.ErrNotFound) {
		return nil, fmt.Errorf("loading session record: %w", recordErr)
	}

	status := &Status{AgentID: agentID, Live: live}
	if record != nil {
		status.Status = record.Status
		status.SessionName = record.SessionName
		status.EndpointURL = record.EndpointURL
		status.LastConnectedAt = record.LastConnectedAt
		status.LastDisconnectedAt = record.LastDisconnectedAt
	}
	if live {
		status.Status = statusForState(sess.State(), status.Status)
		if image := sess.PairingImage(); image != nil {
			status.QRAvailable = true
			status.QRExpiresAt = sess.PairingExpiresAt()
		}
	}
	return status, nil
}

// statusForState maps a live lifecycle state onto the stored status
// vocabulary.
func statusForState(state State, stored string) string {
	switch state {
	case StateReady:
		return store.StatusConnected
	case StateAwaitingPairing:
		return store.StatusAwaitingQR
	case StateAuthFailed:
		return store.StatusAuthFailed
	case StateDestroyed:
		return store.StatusTerminated
	case StateDisconnected:
		return store.StatusDisconnected
	case StateInitializing:
		if stored != "" {
			return stored
		}
		return store.StatusAwaitingQR
	}
	return stored
}

// Bootstrap restores live sessions for every active stored record.
// Individual failures are logged, not fatal; the rest of the fleet still
// comes up.
func (r *Registry) Bootstrap(ctx context.Context) error {
	records, err := r.store.FindAllActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active sessions: %w", err)
	}

	for _, record := range records {
		meta := Metadata{
			UserID:      record.UserID,
			APIKey:      record.APIKey,
			EndpointURL: record.EndpointURL,
			Name:        record.SessionName,
		}
		if _, _, err := r.ensureSession(ctx, record.AgentID, meta); err != nil {
			r.logger.Error("failed to restore session", "agent_id", record.AgentID, "error", err)
			continue
		}
	}

	r.logger.Info("bootstrap complete", "restored", len(records))
	return nil
}

// Close disposes every live session without marking records terminated;
// they are restored on the next bootstrap.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown(ctx)
	}
}

// pairingExpired applies the expiry policy: a session that never
// authenticated is deleted outright; one that was ready before keeps its
// record and credentials purge so a later reconnect starts clean.
func (r *Registry) pairingExpired(sess *Session, everReady bool) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	agentID := sess.AgentID()
	if everReady {
		sess.resetAfterPairingExpiry(ctx)
		now := time.Now()
		if _, err := r.store.UpdateStatus(ctx, agentID, store.StatusUpdate{
			Status:             store.StatusDisconnected,
			LastDisconnectedAt: &now,
		}); err != nil {
			r.logger.Warn("failed to persist disconnect after pairing expiry", "agent_id", agentID, "error", err)
		}
		return
	}

	r.logger.Info("pairing expired before first authentication, deleting session", "agent_id", agentID)
	if err := r.DeleteSession(ctx, agentID); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("failed to delete session after pairing expiry", "agent_id", agentID, "error", err)
	}
}

// endpointURL builds the AI execute endpoint for the agent.
func (r *Registry) endpointURL(agentID string) string {
	base := r.appBase
	if base == "" {
		base = r.aiBase
	}
	return strings.TrimRight(base, "/") + "/api/v1/agents/" + agentID + "/execute"
}
