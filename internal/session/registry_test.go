// ABOUTME: Tests for the session registry
// ABOUTME: Covers creation, reconnect, deletion, status merging, and expiry policy

package session

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherhq/tether-gateway/internal/connector"
	"github.com/tetherhq/tether-gateway/internal/store"
)

func newTestRegistry(t *testing.T, st store.SessionStore, timings Timings) (*Registry, *fakeDialer) {
	t.Helper()

	dialer := &fakeDialer{}
	reg := NewRegistry(RegistryConfig{
		Store:     st,
		Dialer:    dialer.dial,
		Router:    nil,
		Timings:   timings,
		AIBaseURL: "http://ai.internal:8300",
		Logger:    slog.Default(),
	})
	t.Cleanup(func() { reg.Close(context.Background()) })
	return reg, dialer
}

// createWithPairing drives a CreateSession call to completion by feeding
// the dialed connection a pairing code.
func createWithPairing(t *testing.T, reg *Registry, dialer *fakeDialer, params CreateParams) *CreateResult {
	t.Helper()

	before := dialer.count()
	type outcome struct {
		result *CreateResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := reg.CreateSession(context.Background(), params)
		done <- outcome{result, err}
	}()

	require.Eventually(t, func() bool { return dialer.count() > before }, 2*time.Second, 10*time.Millisecond)
	dialer.latest().Emit(connector.Event{Type: connector.EventPairingCode, PairingCode: "pair-" + params.AgentID})

	select {
	case out := <-done:
		require.NoError(t, out.err)
		return out.result
	case <-time.After(3 * time.Second):
		t.Fatal("create never settled")
		return nil
	}
}

func TestCreateSessionReturnsPairingImage(t *testing.T) {
	st := newMemStore()
	reg, dialer := newTestRegistry(t, st, testTimings())

	result := createWithPairing(t, reg, dialer, CreateParams{
		AgentID:     "agent-7",
		UserID:      "user-1",
		APIKey:      "sk-live-abc",
		SessionName: "support desk",
	})

	assert.NotEmpty(t, result.QRImage)
	assert.NotNil(t, result.QRExpiresAt)
	assert.False(t, result.Ready)
	assert.Equal(t, "http://ai.internal:8300/api/v1/agents/agent-7/execute", result.EndpointURL)

	rec, err := st.FindByAgentID(context.Background(), "agent-7")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc", rec.APIKey)
	assert.Equal(t, "support desk", rec.SessionName)
}

func TestCreateSessionGeneratesDefaultAPIKey(t *testing.T) {
	st := newMemStore()
	reg, dialer := newTestRegistry(t, st, testTimings())

	createWithPairing(t, reg, dialer, CreateParams{AgentID: "agent-8"})

	rec, err := st.FindByAgentID(context.Background(), "agent-8")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.APIKey, "sk-default-agent-8-"))
}

func TestCreateSessionRequiresAgentID(t *testing.T) {
	st := newMemStore()
	reg, _ := newTestRegistry(t, st, testTimings())

	_, err := reg.CreateSession(context.Background(), CreateParams{})
	require.Error(t, err)
}

func TestRepeatCreateReusesLiveSession(t *testing.T) {
	st := newMemStore()
	reg, dialer := newTestRegistry(t, st, testTimings())

	createWithPairing(t, reg, dialer, CreateParams{AgentID: "agent-9", SessionName: "first"})

	// Second create must not dial a second connection
	result, err := reg.CreateSession(context.Background(), CreateParams{AgentID: "agent-9", SessionName: "renamed"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.QRImage)
	assert.Equal(t, 1, dialer.count())

	rec, err := st.FindByAgentID(context.Background(), "agent-9")
	require.NoError(t, err)
	assert.Equal(t, "renamed", rec.SessionName)
}

func TestCreateSessionImmediatelyReady(t *testing.T) {
	st := newMemStore()
	reg, dialer := newTestRegistry(t, st, testTimings())

	done := make(chan *CreateResult, 1)
	go func() {
		result, err := reg.CreateSession(context.Background(), CreateParams{AgentID: "agent-10"})
		require.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool { return dialer.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	dialer.latest().Emit(connector.Event{Type: connector.EventReady})

	select {
	case result := <-done:
		assert.True(t, result.Ready)
		assert.Empty(t, result.QRImage)
	case <-time.After(3 * time.Second):
		t.Fatal("create never settled")
	}
}

func TestDeleteSessionRemovesLiveAndStored(t *testing.T) {
	st := newMemStore()
	reg, dialer := newTestRegistry(t, st, testTimings())

	createWithPairing(t, reg, dialer, CreateParams{AgentID: "agent-11"})

	require.NoError(t, reg.DeleteSession(context.Background(), "agent-11"))

	_, live := reg.Get("agent-11")
	assert.False(t, live)
	_, err := st.FindByAgentID(context.Background(), "agent-11")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, dialer.client(0).IsDisposed())
}

func TestDeleteConflictKeepsSessionRegistered(t *testing.T) {
	st := newMemStore()
	reg, dialer := newTestRegistry(t, st, testTimings())

	createWithPairing(t, reg, dialer, CreateParams{AgentID: "agent-20"})
	sess, ok := reg.Get("agent-20")
	require.True(t, ok)

	// Simulate an in-flight guarded operation holding the reconnect lock
	sess.reconnectMu.Lock()
	defer sess.reconnectMu.Unlock()

	err := reg.DeleteSession(context.Background(), "agent-20")
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, CodeReconnectInProgress, conflictErr.Code)

	// The live session never left the registry, so a concurrent create
	// cannot dial a duplicate connection into an empty slot.
	got, ok := reg.Get("agent-20")
	require.True(t, ok)
	assert.Same(t, sess, got)

	_, err = st.FindByAgentID(context.Background(), "agent-20")
	require.NoError(t, err)

	// A create landing while the delete is conflicted reuses the
	// registered session instead of starting a second one.
	result, err := reg.CreateSession(context.Background(), CreateParams{AgentID: "agent-20"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.QRImage)
	assert.Equal(t, 1, dialer.count())
}

func TestDeleteUnknownSession(t *testing.T) {
	st := newMemStore()
	reg, _ := newTestRegistry(t, st, testTimings())

	err := reg.DeleteSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconnectUnknownAgent(t *testing.T) {
	st := newMemStore()
	reg, _ := newTestRegistry(t, st, testTimings())

	_, err := reg.ReconnectSession(context.Background(), "nope", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconnectAlreadyConnected(t *testing.T) {
	st := newMemStore()
	reg, dialer := newTestRegistry(t, st, testTimings())

	createWithPairing(t, reg, dialer, CreateParams{AgentID: "agent-12"})
	dialer.latest().Emit(connector.Event{Type: connector.EventReady})
	sess, _ := reg.Get("agent-12")
	require.Eventually(t, func() bool { return sess.IsReady() }, 2*time.Second, 10*time.Millisecond)

	// Make the stored status stale so the conflict path also heals it
	_, err := st.UpdateStatus(context.Background(), "agent-12", store.StatusUpdate{Status: store.StatusDisconnected})
	require.NoError(t, err)

	_, err = reg.ReconnectSession(context.Background(), "agent-12", false)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, CodeAlreadyConnected, conflictErr.Code)

	require.Eventually(t, func() bool {
		return st.status("agent-12") == store.StatusConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectRehydratesFromStore(t *testing.T) {
	st := newMemStore()
	seedRecord(t, st, "agent-13")
	reg, dialer := newTestRegistry(t, st, testTimings())

	done := make(chan error, 1)
	go func() {
		_, err := reg.ReconnectSession(context.Background(), "agent-13", false)
		done <- err
	}()

	require.Eventually(t, func() bool { return dialer.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	dialer.latest().Emit(connector.Event{Type: connector.EventReady})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect never settled")
	}

	_, live := reg.Get("agent-13")
	assert.True(t, live)
}

func TestForceQRReconnectReturnsNewImage(t *testing.T) {
	st := newMemStore()
	reg, dialer := newTestRegistry(t, st, testTimings())

	createWithPairing(t, reg, dialer, CreateParams{AgentID: "agent-14"})
	dialer.latest().Emit(connector.Event{Type: connector.EventReady})
	sess, _ := reg.Get("agent-14")
	require.Eventually(t, func() bool { return sess.IsReady() }, 2*time.Second, 10*time.Millisecond)

	type outcome struct {
		result *ReconnectResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := reg.ReconnectSession(context.Background(), "agent-14", true)
		done <- outcome{result, err}
	}()

	require.Eventually(t, func() bool { return dialer.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	dialer.latest().Emit(connector.Event{Type: connector.EventPairingCode, PairingCode: "forced-fresh"})

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.NotEmpty(t, out.result.QRImage)
		assert.False(t, out.result.Ready)
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect never settled")
	}

	// Forced pairing discards the old connection's credentials
	require.Len(t, dialer.client(0).Disposed, 1)
	assert.True(t, dialer.client(0).Disposed[0].PurgeCredentials)
}

func TestPairingExpiryDeletesNeverReadySession(t *testing.T) {
	st := newMemStore()
	timings := testTimings()
	timings.PairingExpiry = 50 * time.Millisecond
	reg, dialer := newTestRegistry(t, st, timings)

	createWithPairing(t, reg, dialer, CreateParams{AgentID: "agent-15"})

	require.Eventually(t, func() bool {
		_, live := reg.Get("agent-15")
		if live {
			return false
		}
		_, err := st.FindByAgentID(context.Background(), "agent-15")
		return err == store.ErrNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPairingExpiryPreservesPreviouslyReadySession(t *testing.T) {
	st := newMemStore()
	timings := testTimings()
	timings.PairingExpiry = 80 * time.Millisecond
	reg, dialer := newTestRegistry(t, st, timings)

	createWithPairing(t, reg, dialer, CreateParams{AgentID: "agent-16"})
	dialer.latest().Emit(connector.Event{Type: connector.EventReady})
	sess, _ := reg.Get("agent-16")
	require.Eventually(t, func() bool { return sess.IsReady() }, 2*time.Second, 10*time.Millisecond)

	// A later pairing code (e.g. the device unlinked) that then expires
	// must preserve the record for a manual reconnect.
	dialer.latest().Emit(connector.Event{Type: connector.EventPairingCode, PairingCode: "relink-me"})

	require.Eventually(t, func() bool {
		return st.status("agent-16") == store.StatusDisconnected
	}, 3*time.Second, 10*time.Millisecond)

	_, err := st.FindByAgentID(context.Background(), "agent-16")
	require.NoError(t, err)
	_, live := reg.Get("agent-16")
	assert.True(t, live)
}

func TestGetStatusMergesLiveState(t *testing.T) {
	st := newMemStore()
	reg, dialer := newTestRegistry(t, st, testTimings())

	createWithPairing(t, reg, dialer, CreateParams{AgentID: "agent-17", SessionName: "desk"})

	status, err := reg.GetStatus(context.Background(), "agent-17")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaitingQR, status.Status)
	assert.True(t, status.Live)
	assert.True(t, status.QRAvailable)
	assert.Equal(t, "desk", status.SessionName)

	dialer.latest().Emit(connector.Event{Type: connector.EventReady})
	sess, _ := reg.Get("agent-17")
	require.Eventually(t, func() bool { return sess.IsReady() }, 2*time.Second, 10*time.Millisecond)

	status, err = reg.GetStatus(context.Background(), "agent-17")
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, status.Status)
	assert.False(t, status.QRAvailable)
}

func TestGetStatusUnknownAgent(t *testing.T) {
	st := newMemStore()
	reg, _ := newTestRegistry(t, st, testTimings())

	_, err := reg.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBootstrapRestoresActiveSessions(t *testing.T) {
	st := newMemStore()
	seedRecord(t, st, "agent-18")
	seedRecord(t, st, "agent-19")
	reg, dialer := newTestRegistry(t, st, testTimings())

	require.NoError(t, reg.Bootstrap(context.Background()))
	assert.Equal(t, 2, dialer.count())

	_, live := reg.Get("agent-18")
	assert.True(t, live)
	_, live = reg.Get("agent-19")
	assert.True(t, live)
}
