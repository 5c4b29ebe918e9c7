// ABOUTME: Tests for the SQLite session store
// ABOUTME: Covers upsert semantics, status transitions, lookup, and deletion

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(agentID string) *SessionRecord {
	return &SessionRecord{
		AgentID:     agentID,
		UserID:      "user-1",
		APIKey:      "sk-test-123",
		SessionName: "Session " + agentID,
		EndpointURL: "http://ai.example.org/api/v1/agents/" + agentID + "/execute",
	}
}

func TestUpsertInsertsNewRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Upsert(ctx, sampleRecord("agent-1"))
	require.NoError(t, err)

	assert.Equal(t, "agent-1", rec.AgentID)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "sk-test-123", rec.APIKey)
	assert.Equal(t, StatusAwaitingQR, rec.Status)
	assert.Nil(t, rec.LastConnectedAt)
	assert.Nil(t, rec.LastDisconnectedAt)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestUpsertUpdatesExistingRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, sampleRecord("agent-1"))
	require.NoError(t, err)

	updated := sampleRecord("agent-1")
	updated.SessionName = "Renamed"
	updated.APIKey = "sk-rotated"
	updated.Status = StatusReconnecting
	second, err := s.Upsert(ctx, updated)
	require.NoError(t, err)

	assert.Equal(t, "Renamed", second.SessionName)
	assert.Equal(t, "sk-rotated", second.APIKey)
	assert.Equal(t, StatusReconnecting, second.Status)
	// The original creation time survives updates
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	all, err := s.FindAllActive(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertPreservesTimestampsWhenNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	connected := time.Now().UTC().Truncate(time.Second)
	rec := sampleRecord("agent-1")
	rec.Status = StatusConnected
	rec.LastConnectedAt = &connected
	_, err := s.Upsert(ctx, rec)
	require.NoError(t, err)

	// A later upsert with nil timestamps must not erase the stored ones
	again, err := s.Upsert(ctx, sampleRecord("agent-1"))
	require.NoError(t, err)
	require.NotNil(t, again.LastConnectedAt)
	assert.Equal(t, connected, again.LastConnectedAt.UTC().Truncate(time.Second))
}

func TestFindByAgentIDNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.FindByAgentID(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindAllActiveExcludesTerminated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, sampleRecord("agent-1"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, sampleRecord("agent-2"))
	require.NoError(t, err)

	terminated := sampleRecord("agent-3")
	terminated.Status = StatusTerminated
	_, err = s.Upsert(ctx, terminated)
	require.NoError(t, err)

	records, err := s.FindAllActive(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "agent-1", records[0].AgentID)
	assert.Equal(t, "agent-2", records[1].AgentID)
}

func TestUpdateStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, sampleRecord("agent-1"))
	require.NoError(t, err)

	now := time.Now().UTC()
	rec, err := s.UpdateStatus(ctx, "agent-1", StatusUpdate{
		Status:          StatusConnected,
		LastConnectedAt: &now,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, rec.Status)
	require.NotNil(t, rec.LastConnectedAt)
	assert.Nil(t, rec.LastDisconnectedAt)

	// Timestamp-only update keeps the current status
	later := now.Add(time.Minute)
	rec, err = s.UpdateStatus(ctx, "agent-1", StatusUpdate{LastDisconnectedAt: &later})
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, rec.Status)
	require.NotNil(t, rec.LastDisconnectedAt)
	require.NotNil(t, rec.LastConnectedAt)
}

func TestUpdateStatusUnknownAgent(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpdateStatus(context.Background(), "ghost", StatusUpdate{Status: StatusConnected})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteByAgentID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, sampleRecord("agent-1"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteByAgentID(ctx, "agent-1"))
	_, err = s.FindByAgentID(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error
	require.NoError(t, s.DeleteByAgentID(ctx, "agent-1"))
}
