// ABOUTME: Store interface and data types for tether-gateway persistence
// ABOUTME: Defines SessionRecord and the SessionStore interface for durable status

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Persisted session status values
const (
	StatusAwaitingQR   = "awaiting_qr"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusAuthFailed   = "auth_failed"
	StatusReconnecting = "reconnecting"
	StatusTerminated   = "terminated"
)

// SessionRecord is the durable row for one agent session
type SessionRecord struct {
	AgentID            string
	UserID             string
	APIKey             string
	SessionName        string
	EndpointURL        string
	Status             string
	LastConnectedAt    *time.Time
	LastDisconnectedAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StatusUpdate carries the fields of a status transition. Nil timestamps
// leave the stored value untouched.
type StatusUpdate struct {
	Status             string
	LastConnectedAt    *time.Time
	LastDisconnectedAt *time.Time
}

// SessionStore defines the interface for durable session persistence
type SessionStore interface {
	// Upsert inserts or updates the record keyed by agent id
	Upsert(ctx context.Context, rec *SessionRecord) (*SessionRecord, error)

	// FindByAgentID returns the record or ErrNotFound
	FindByAgentID(ctx context.Context, agentID string) (*SessionRecord, error)

	// FindAllActive returns every non-terminated record
	FindAllActive(ctx context.Context) ([]*SessionRecord, error)

	// UpdateStatus applies a status transition to an existing record.
	// Returns ErrNotFound if no record exists for the agent.
	UpdateStatus(ctx context.Context, agentID string, update StatusUpdate) (*SessionRecord, error)

	// DeleteByAgentID removes the record; deleting a missing record is not an error
	DeleteByAgentID(ctx context.Context, agentID string) error

	// Close releases the underlying database
	Close() error
}
