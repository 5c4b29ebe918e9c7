// ABOUTME: Messaging-network client interface and lifecycle event types
// ABOUTME: Defines the contract every connector implementation must satisfy

package connector

import (
	"context"
	"errors"
	"time"
)

// ErrConversationNotFound indicates the conversation id could not be resolved.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrContactNotFound indicates the contact id could not be resolved.
var ErrContactNotFound = errors.New("contact not found")

// EventType identifies a lifecycle or message event emitted by a connection.
type EventType int

const (
	// EventPairingCode is emitted when the network issues a new pairing code.
	EventPairingCode EventType = iota
	// EventAuthenticated is emitted when device authentication succeeds.
	EventAuthenticated
	// EventReady is emitted when the connection is fully usable.
	EventReady
	// EventAuthFailure is emitted when authentication is rejected.
	EventAuthFailure
	// EventDisconnected is emitted when the connection drops.
	EventDisconnected
	// EventMessage is emitted for each inbound conversation message.
	EventMessage
)

// DisconnectReason classifies why a connection dropped.
type DisconnectReason string

const (
	ReasonLoggedOut    DisconnectReason = "logged_out"
	ReasonUnpaired     DisconnectReason = "unpaired"
	ReasonBanned       DisconnectReason = "banned"
	ReasonNetworkError DisconnectReason = "network_error"
	ReasonUnknown      DisconnectReason = "unknown"
)

// Permanent reports whether the reason indicates the stored credentials
// are invalidated and should be purged.
func (r DisconnectReason) Permanent() bool {
	switch r {
	case ReasonLoggedOut, ReasonUnpaired, ReasonBanned:
		return true
	}
	return false
}

// Event is one lifecycle or message event from a connection.
// Exactly the fields matching Type are populated.
type Event struct {
	Type        EventType
	PairingCode string           // EventPairingCode
	AuthError   string           // EventAuthFailure
	Reason      DisconnectReason // EventDisconnected
	Message     *InboundEvent    // EventMessage
}

// MessageType identifies the content kind of an inbound message.
type MessageType string

const (
	MessageTypeChat         MessageType = "chat"
	MessageTypeImage        MessageType = "image"
	MessageTypeVideo        MessageType = "video"
	MessageTypeAudio        MessageType = "audio"
	MessageTypeDocument     MessageType = "document"
	MessageTypeNotification MessageType = "notification"
)

// InboundEvent is a single inbound conversation message, normalized once
// at ingestion so downstream consumers never unwrap connector-specific
// shapes.
type InboundEvent struct {
	ID             string
	ConversationID string
	Sender         string
	Addressee      string
	Type           MessageType
	Body           string
	FromMe         bool
	HasMedia       bool
	IsBroadcast    bool
	IsStatus       bool
	IsGroup        bool
	MentionIDs     []string
	Timestamp      time.Time
}

// Participant is one member of a group conversation.
type Participant struct {
	ID     string
	Number string
}

// Conversation is a resolved chat context.
type Conversation struct {
	ID             string
	Name           string
	IsGroup        bool
	IsBroadcast    bool
	IsStatus       bool
	SupportsTyping bool
	Participants   []Participant
}

// Contact is a resolved sender identity.
type Contact struct {
	ID     string
	Name   string
	Number string
}

// Media is a downloaded message attachment.
type Media struct {
	Data     []byte
	Filename string
	MimeType string
}

// DisposeOptions controls connection teardown behavior.
type DisposeOptions struct {
	// PurgeCredentials removes stored authentication state so the next
	// connection must pair from scratch.
	PurgeCredentials bool
	// SkipLogout tears down resources without a network logout attempt.
	SkipLogout bool
}

// Client is a live connection to the messaging network for one agent.
// Implementations own the wire protocol; the session layer only consumes
// the event stream and invokes operations.
type Client interface {
	// Initialize starts the connection. Events begin flowing on the
	// Events channel after Initialize returns.
	Initialize(ctx context.Context) error

	// Events returns the event stream. The channel is closed when the
	// connection is disposed.
	Events() <-chan Event

	// Dispose tears the connection down. Logout is best-effort; resource
	// teardown is unconditional.
	Dispose(ctx context.Context, opts DisposeOptions) error

	// SendMessage sends text into a conversation.
	SendMessage(ctx context.Context, conversationID, text string) error

	// Conversation resolves a conversation by id.
	Conversation(ctx context.Context, id string) (*Conversation, error)

	// Contact resolves a contact by id.
	Contact(ctx context.Context, id string) (*Contact, error)

	// DownloadMedia fetches the attachment carried by an inbound event.
	DownloadMedia(ctx context.Context, ev *InboundEvent) (*Media, error)

	// Typing toggles the typing-presence signal in a conversation.
	Typing(ctx context.Context, conversationID string, on bool) error

	// OwnID returns the connection's own network identity, or empty if
	// not yet known.
	OwnID() string
}

// Dialer builds a fresh Client for an agent. The session layer uses it to
// rebuild connections during pairing refresh and reconnect.
type Dialer func(agentID string) (Client, error)
