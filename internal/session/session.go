// ABOUTME: Per-agent session state machine owning the messaging-network connection
// ABOUTME: Handles pairing, authentication, disconnect classification, and guarded reconnects

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/tetherhq/tether-gateway/internal/connector"
	"github.com/tetherhq/tether-gateway/internal/router"
	"github.com/tetherhq/tether-gateway/internal/store"
)

// State is the lifecycle state of a session.
type State string

const (
	StateInitializing    State = "initializing"
	StateAwaitingPairing State = "awaiting_pairing"
	StateReady           State = "ready"
	StateDisconnected    State = "disconnected"
	StateAuthFailed      State = "auth_failed"
	StateDestroyed       State = "destroyed"
)

// pairingImageSize is the pixel width of rendered pairing QR images.
const pairingImageSize = 300

// expectedDisconnectWindow bounds how long an armed expected-disconnect
// reason stays live before auto-clearing.
const expectedDisconnectWindow = 30 * time.Second

// persistTimeout bounds fire-and-forget status writes.
const persistTimeout = 10 * time.Second

// PairingChallenge is one pairing artifact with its expiry.
type PairingChallenge struct {
	Image       []byte
	GeneratedAt time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the challenge has passed its expiry.
func (c *PairingChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Timings holds the session's timer configuration.
type Timings struct {
	// PairingExpiry is how long a pairing challenge stays scannable.
	PairingExpiry time.Duration
	// PairingWaitTimeout bounds waits for a fresh pairing code.
	PairingWaitTimeout time.Duration
	// ReconnectTimeout bounds the ready-versus-pairing race during a
	// stored-credential reconnect.
	ReconnectTimeout time.Duration
}

// Metadata is the caller-supplied identity of a session.
type Metadata struct {
	UserID      string
	APIKey      string
	EndpointURL string
	Name        string
}

// hooks are registry callbacks invoked on lifecycle boundaries.
type hooks struct {
	// onPairingExpired fires when a pairing challenge expires while the
	// session is still awaiting authentication.
	onPairingExpired func(s *Session, everReady bool)
	// onAuthFailure fires on an authentication-failure signal.
	onAuthFailure func(s *Session, reason string)
}

type signalKind int

const (
	signalPairing signalKind = iota
	signalReady
	signalAuthFailure
	signalDestroyed
)

type lifecycleSignal struct {
	kind      signalKind
	challenge *PairingChallenge
	message   string
}

// Session is the per-agent state machine. All mutation happens through its
// own event handlers and lock-guarded operations.
type Session struct {
	agentID string

	sessions store.SessionStore
	dial     connector.Dialer
	routes   *router.Router
	timings  Timings
	logger   *slog.Logger
	hooks    hooks

	// reconnectMu serializes the guarded operations (pairing refresh,
	// stored-credential reconnect, destroy). Contenders get a conflict
	// error via TryLock, never a queue slot.
	reconnectMu sync.Mutex

	mu                    sync.Mutex
	meta                  Metadata
	state                 State
	client                connector.Client
	challenge             *PairingChallenge
	hasEverBeenReady      bool
	awaitingAuth          bool
	reconnectAuthorized   bool
	expectedDisconnect    string
	connectedPersisted    bool
	disconnectedPersisted bool
	pairingTimer          *time.Timer
	expectedClearTimer    *time.Timer
	waiters               []chan lifecycleSignal
}

func newSession(agentID string, meta Metadata, sessions store.SessionStore, dial connector.Dialer, routes *router.Router, timings Timings, logger *slog.Logger) *Session {
	return &Session{
		agentID:  agentID,
		meta:     meta,
		state:    StateInitializing,
		sessions: sessions,
		dial:     dial,
		routes:   routes,
		timings:  timings,
		logger:   logger.With("agent_id", agentID),
	}
}

// start dials the initial connection and begins consuming its events.
func (s *Session) start(ctx context.Context) error {
	client, err := s.dial(s.agentID)
	if err != nil {
		return fmt.Errorf("dialing connector: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	if err := client.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing connection: %w", err)
	}
	go s.consumeEvents(client)
	return nil
}

// AgentID returns the session's stable key.
func (s *Session) AgentID() string {
	return s.agentID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsReady reports whether the session is fully usable.
func (s *Session) IsReady() bool {
	return s.State() == StateReady
}

// HasEverBeenReady reports whether the session authenticated at least once.
// Monotonic until destroy.
func (s *Session) HasEverBeenReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasEverBeenReady
}

// PairingImage returns the current pairing image, or nil if the session is
// ready or the challenge is absent or expired.
func (s *Session) PairingImage() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady || s.challenge == nil || s.challenge.Expired(time.Now()) {
		return nil
	}
	return s.challenge.Image
}

// PairingExpiresAt returns the current challenge's expiry, or nil.
func (s *Session) PairingExpiresAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady || s.challenge == nil || s.challenge.Expired(time.Now()) {
		return nil
	}
	t := s.challenge.ExpiresAt
	return &t
}

// UpdateMetadata refreshes the caller-supplied identity on a live session.
func (s *Session) UpdateMetadata(meta Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
}

// AuthorizeReconnect grants the reconnect token that permits a guarded
// operation to dispose a live connection. Revoked automatically when the
// operation settles.
func (s *Session) AuthorizeReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAuthorized = true
}

func (s *Session) revokeReconnectAuthorization() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAuthorized = false
}

// consumeEvents drains one connection's event stream. Events from a
// connection that is no longer current are dropped.
func (s *Session) consumeEvents(client connector.Client) {
	for ev := range client.Events() {
		s.mu.Lock()
		stale := s.client != client || s.state == StateDestroyed
		s.mu.Unlock()
		if stale {
			continue
		}
		s.handleEvent(client, ev)
	}
}

func (s *Session) handleEvent(client connector.Client, ev connector.Event) {
	switch ev.Type {
	case connector.EventPairingCode:
		s.handlePairingCode(ev.PairingCode)
	case connector.EventAuthenticated:
		s.logger.Info("session authenticated")
		s.mu.Lock()
		s.awaitingAuth = false
		s.mu.Unlock()
	case connector.EventReady:
		s.handleReady()
	case connector.EventAuthFailure:
		s.handleAuthFailure(ev.AuthError)
	case connector.EventDisconnected:
		s.handleDisconnected(client, ev.Reason)
	case connector.EventMessage:
		s.routeInbound(client, ev.Message)
	}
}

// handlePairingCode renders the code into a QR image, installs it as the
// current challenge, and schedules its expiry. Each emission supersedes
// any prior still-valid challenge.
func (s *Session) handlePairingCode(code string) {
	image, err := qrcode.Encode(code, qrcode.Medium, pairingImageSize)
	if err != nil {
		s.logger.Error("failed to render pairing code image", "error", err)
		return
	}

	now := time.Now()
	challenge := &PairingChallenge{
		Image:       image,
		GeneratedAt: now,
		ExpiresAt:   now.Add(s.timings.PairingExpiry),
	}

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.challenge = challenge
	s.state = StateAwaitingPairing
	s.awaitingAuth = true
	if s.pairingTimer != nil {
		s.pairingTimer.Stop()
	}
	s.pairingTimer = time.AfterFunc(s.timings.PairingExpiry, func() {
		s.pairingExpired(challenge)
	})
	s.notifyLocked(lifecycleSignal{kind: signalPairing, challenge: challenge})
	s.mu.Unlock()

	s.logger.Info("pairing code generated", "expires_at", challenge.ExpiresAt)

	s.persistStatus(store.StatusUpdate{Status: store.StatusAwaitingQR}, nil)
}

// pairingExpired fires when a challenge's expiry timer elapses. It no-ops
// if the challenge was superseded or the session moved past pairing.
func (s *Session) pairingExpired(challenge *PairingChallenge) {
	s.mu.Lock()
	if s.challenge != challenge || s.state == StateReady || !s.awaitingAuth {
		s.mu.Unlock()
		return
	}
	s.challenge = nil
	everReady := s.hasEverBeenReady
	s.mu.Unlock()

	s.logger.Info("pairing code expired", "ever_ready", everReady)

	if s.hooks.onPairingExpired != nil {
		s.hooks.onPairingExpired(s, everReady)
	}
}

func (s *Session) handleReady() {
	now := time.Now()

	s.mu.Lock()
	s.state = StateReady
	s.challenge = nil
	s.awaitingAuth = false
	s.hasEverBeenReady = true
	s.expectedDisconnect = ""
	s.disconnectedPersisted = false
	if s.pairingTimer != nil {
		s.pairingTimer.Stop()
		s.pairingTimer = nil
	}
	if s.expectedClearTimer != nil {
		s.expectedClearTimer.Stop()
		s.expectedClearTimer = nil
	}
	shouldPersist := !s.connectedPersisted
	if shouldPersist {
		s.connectedPersisted = true
	}
	s.notifyLocked(lifecycleSignal{kind: signalReady})
	s.mu.Unlock()

	s.logger.Info("session ready")

	if shouldPersist {
		s.persistStatus(store.StatusUpdate{Status: store.StatusConnected, LastConnectedAt: &now}, func() {
			// Leave the guard clear so a later equivalent transition can
			// retry persistence.
			s.mu.Lock()
			s.connectedPersisted = false
			s.mu.Unlock()
		})
	}
}

func (s *Session) handleAuthFailure(reason string) {
	now := time.Now()

	s.mu.Lock()
	if s.state != StateReady {
		s.state = StateAuthFailed
	}
	s.awaitingAuth = false
	s.notifyLocked(lifecycleSignal{kind: signalAuthFailure, message: reason})
	s.mu.Unlock()

	s.logger.Error("authentication failure", "reason", reason)

	s.persistStatus(store.StatusUpdate{Status: store.StatusAuthFailed, LastDisconnectedAt: &now}, nil)

	if s.hooks.onAuthFailure != nil {
		s.hooks.onAuthFailure(s, reason)
	}
}

// handleDisconnected classifies the drop. A disconnect expected as the
// side effect of an operation in progress is transitional: no persistence,
// no disposal. An uncontrolled drop persists once, disposes the
// connection, and waits for a manual reconnect.
func (s *Session) handleDisconnected(client connector.Client, reason connector.DisconnectReason) {
	now := time.Now()

	s.mu.Lock()
	if s.expectedDisconnect != "" {
		s.state = StateDisconnected
		expected := s.expectedDisconnect
		s.mu.Unlock()
		s.logger.Debug("controlled disconnect", "reason", reason, "operation", expected)
		return
	}

	s.state = StateDisconnected
	s.connectedPersisted = false
	shouldPersist := !s.disconnectedPersisted
	if shouldPersist {
		s.disconnectedPersisted = true
	}
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()

	s.logger.Warn("session disconnected", "reason", reason)

	if shouldPersist {
		s.persistStatus(store.StatusUpdate{Status: store.StatusDisconnected, LastDisconnectedAt: &now}, func() {
			s.mu.Lock()
			s.disconnectedPersisted = false
			s.mu.Unlock()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := client.Dispose(ctx, connector.DisposeOptions{
		PurgeCredentials: reason.Permanent(),
		SkipLogout:       true,
	}); err != nil {
		s.logger.Warn("failed to dispose dropped connection", "error", err)
	}
}

func (s *Session) routeInbound(client connector.Client, msg *connector.InboundEvent) {
	s.mu.Lock()
	target := router.Target{
		AgentID:     s.agentID,
		APIKey:      s.meta.APIKey,
		EndpointURL: s.meta.EndpointURL,
	}
	s.mu.Unlock()

	go s.routes.HandleInbound(context.Background(), client, msg, target)
}

// Deliver pushes an operator-submitted message through the session's
// connection: forward to the AI backend under typing, relay the reply into
// the conversation. Requires the session to be ready.
func (s *Session) Deliver(ctx context.Context, conversationID, message string) (*router.DeliverResult, error) {
	s.mu.Lock()
	state := s.state
	client := s.client
	target := router.Target{
		AgentID:     s.agentID,
		APIKey:      s.meta.APIKey,
		EndpointURL: s.meta.EndpointURL,
	}
	s.mu.Unlock()

	if state == StateDestroyed {
		return nil, ErrDestroyed
	}
	if state != StateReady || client == nil {
		return nil, conflict(CodeSessionNotReady, "session is not ready to send messages")
	}
	return s.routes.Deliver(ctx, client, conversationID, message, target)
}

// RefreshPairing is a guarded operation: it disposes the current
// connection with credential purge, rebuilds it, and waits for a fresh
// pairing code. Returns the new pairing image, or nil if authentication
// preempted the pairing.
func (s *Session) RefreshPairing(ctx context.Context) ([]byte, error) {
	if !s.reconnectMu.TryLock() {
		return nil, conflict(CodeReconnectInProgress, "a reconnect operation is already in progress")
	}
	defer s.reconnectMu.Unlock()
	defer s.revokeReconnectAuthorization()

	if err := s.rebuildConnection(ctx, true, "pairing_refresh"); err != nil {
		return nil, err
	}

	challenge, err := s.waitPairingOrReady(ctx, s.timings.PairingWaitTimeout, "pairing code")
	if err != nil {
		return nil, err
	}
	if challenge == nil {
		// Became ready before a pairing code was needed
		return nil, nil
	}
	return challenge.Image, nil
}

// ReconnectStoredCredentials is a guarded operation: it rebuilds the
// connection keeping stored credentials and races ready against a fresh
// pairing requirement. A pairing requirement surfaces as
// *PairingRequiredError.
func (s *Session) ReconnectStoredCredentials(ctx context.Context) error {
	if !s.reconnectMu.TryLock() {
		return conflict(CodeReconnectInProgress, "a reconnect operation is already in progress")
	}
	defer s.reconnectMu.Unlock()
	defer s.revokeReconnectAuthorization()

	if err := s.rebuildConnection(ctx, false, "stored_reconnect"); err != nil {
		return err
	}

	challenge, err := s.waitPairingOrReady(ctx, s.timings.ReconnectTimeout, "ready state")
	if err != nil {
		return err
	}
	if challenge != nil {
		return &PairingRequiredError{ImageAvailable: true}
	}
	return nil
}

// rebuildConnection disposes the current connection and dials a fresh one.
// Callers must hold reconnectMu.
func (s *Session) rebuildConnection(ctx context.Context, purgeCredentials bool, reason string) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.state == StateReady && !s.reconnectAuthorized {
		s.mu.Unlock()
		return conflict(CodeReconnectNotAuthorized, "refusing to dispose a ready connection without reconnect authorization")
	}
	old := s.client
	s.client = nil
	s.armExpectedDisconnectLocked(reason)
	s.state = StateInitializing
	s.challenge = nil
	s.awaitingAuth = false
	s.connectedPersisted = false
	s.disconnectedPersisted = false
	if s.pairingTimer != nil {
		s.pairingTimer.Stop()
		s.pairingTimer = nil
	}
	s.mu.Unlock()

	if old != nil {
		if err := old.Dispose(ctx, connector.DisposeOptions{PurgeCredentials: purgeCredentials}); err != nil {
			s.logger.Debug("dispose during rebuild failed, continuing", "error", err)
		}
	}

	client, err := s.dial(s.agentID)
	if err != nil {
		return fmt.Errorf("dialing connector: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	if err := client.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing connection: %w", err)
	}
	go s.consumeEvents(client)
	return nil
}

// armExpectedDisconnectLocked marks the next disconnect as the expected
// side effect of an operation, with an auto-clear window so a stale flag
// cannot mask a later real drop. Must be called with mu held.
func (s *Session) armExpectedDisconnectLocked(reason string) {
	s.expectedDisconnect = reason
	if s.expectedClearTimer != nil {
		s.expectedClearTimer.Stop()
	}
	s.expectedClearTimer = time.AfterFunc(expectedDisconnectWindow, func() {
		s.mu.Lock()
		if s.expectedDisconnect == reason {
			s.expectedDisconnect = ""
		}
		s.mu.Unlock()
	})
}

// resetAfterPairingExpiry tears down the connection of a previously-ready
// session whose pairing window lapsed, preserving the session for a later
// manual reconnect.
func (s *Session) resetAfterPairingExpiry(ctx context.Context) {
	if !s.reconnectMu.TryLock() {
		// An operation is already rebuilding the connection
		return
	}
	defer s.reconnectMu.Unlock()

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	client := s.client
	s.client = nil
	s.armExpectedDisconnectLocked("pairing_expired_cleanup")
	s.state = StateDisconnected
	s.mu.Unlock()

	if client != nil {
		if err := client.Dispose(ctx, connector.DisposeOptions{PurgeCredentials: true, SkipLogout: true}); err != nil {
			s.logger.Warn("failed to dispose connection after pairing expiry", "error", err)
		}
	}
}

// Destroy is a guarded operation: it disposes the connection with
// credential purge, cancels all timers, and leaves the session terminal.
// Every sub-step is best-effort.
func (s *Session) Destroy(ctx context.Context) error {
	if !s.reconnectMu.TryLock() {
		return conflict(CodeReconnectInProgress, "a reconnect operation is already in progress")
	}
	defer s.reconnectMu.Unlock()

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	client := s.client
	s.client = nil
	s.state = StateDestroyed
	s.challenge = nil
	s.awaitingAuth = false
	s.hasEverBeenReady = false
	s.reconnectAuthorized = false
	s.expectedDisconnect = ""
	if s.pairingTimer != nil {
		s.pairingTimer.Stop()
		s.pairingTimer = nil
	}
	if s.expectedClearTimer != nil {
		s.expectedClearTimer.Stop()
		s.expectedClearTimer = nil
	}
	s.notifyLocked(lifecycleSignal{kind: signalDestroyed})
	s.waiters = nil
	s.mu.Unlock()

	if client != nil {
		if err := client.Dispose(ctx, connector.DisposeOptions{PurgeCredentials: true}); err != nil {
			s.logger.Warn("error disposing connection during destroy", "error", err)
		}
	}

	s.logger.Info("session destroyed")
	return nil
}

// shutdown disposes the connection for process exit. Unlike Destroy it
// preserves credentials and writes no status, so the session is restored
// as-is on the next bootstrap.
func (s *Session) shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	client := s.client
	s.client = nil
	s.armExpectedDisconnectLocked("shutdown")
	if s.pairingTimer != nil {
		s.pairingTimer.Stop()
		s.pairingTimer = nil
	}
	s.mu.Unlock()

	if client != nil {
		if err := client.Dispose(ctx, connector.DisposeOptions{SkipLogout: true}); err != nil {
			s.logger.Debug("dispose during shutdown failed", "error", err)
		}
	}
}

// waitPairingOrReady blocks until a pairing challenge is issued, the
// session becomes ready (returns nil challenge), authentication fails, or
// the bound elapses.
func (s *Session) waitPairingOrReady(ctx context.Context, timeout time.Duration, waiting string) (*PairingChallenge, error) {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		return nil, nil
	}
	if c := s.challenge; c != nil && !c.Expired(time.Now()) {
		s.mu.Unlock()
		return c, nil
	}
	ch := make(chan lifecycleSignal, 4)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()
	defer s.dropWaiter(ch)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case sig := <-ch:
			switch sig.kind {
			case signalPairing:
				return sig.challenge, nil
			case signalReady:
				return nil, nil
			case signalAuthFailure:
				return nil, &AuthFailedError{Reason: sig.message}
			case signalDestroyed:
				return nil, ErrDestroyed
			}
		case <-deadline.C:
			return nil, &TimeoutError{Waiting: waiting}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// notifyLocked fans a signal out to all waiters. Must be called with mu
// held. Sends never block; a waiter that fell behind misses the signal.
func (s *Session) notifyLocked(sig lifecycleSignal) {
	for _, ch := range s.waiters {
		select {
		case ch <- sig:
		default:
		}
	}
}

func (s *Session) dropWaiter(ch chan lifecycleSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// persistStatus writes a status transition fire-and-forget. Failure is
// logged and reported to onFailure so write-once guards can be cleared.
func (s *Session) persistStatus(update store.StatusUpdate, onFailure func()) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := s.sessions.UpdateStatus(ctx, s.agentID, update); err != nil {
			s.logger.Warn("failed to persist session status", "status", update.Status, "error", err)
			if onFailure != nil {
				onFailure()
			}
		}
	}()
}
