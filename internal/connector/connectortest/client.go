// ABOUTME: Scripted in-memory connector.Client used by session and router tests
// ABOUTME: Records outbound calls and lets tests push lifecycle events

package connectortest

import (
	"context"
	"sync"

	"github.com/tetherhq/tether-gateway/internal/connector"
)

// SentMessage records one SendMessage call.
type SentMessage struct {
	ConversationID string
	Text           string
}

// TypingCall records one Typing call.
type TypingCall struct {
	ConversationID string
	On             bool
}

// Client is a fake connector.Client. Tests script conversations, contacts
// and media, push events with Emit, and inspect recorded calls.
type Client struct {
	mu sync.Mutex

	events chan connector.Event
	closed bool

	Conversations map[string]*connector.Conversation
	Contacts      map[string]*connector.Contact
	MediaByEvent  map[string]*connector.Media

	InitializeErr error
	SendErr       error
	TypingErr     error
	MediaErr      error

	Sent        []SentMessage
	TypingCalls []TypingCall
	Disposed    []connector.DisposeOptions
	Initialized int

	SelfID string
}

// New creates a fake client with empty scripts.
func New() *Client {
	return &Client{
		events:        make(chan connector.Event, 32),
		Conversations: make(map[string]*connector.Conversation),
		Contacts:      make(map[string]*connector.Contact),
		MediaByEvent:  make(map[string]*connector.Media),
	}
}

// Emit pushes an event onto the stream. No-op after dispose.
func (c *Client) Emit(ev connector.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Initialized++
	return c.InitializeErr
}

func (c *Client) Events() <-chan connector.Event {
	return c.events
}

func (c *Client) Dispose(ctx context.Context, opts connector.DisposeOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Disposed = append(c.Disposed, opts)
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// IsDisposed reports whether Dispose has been called.
func (c *Client) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) SendMessage(ctx context.Context, conversationID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, SentMessage{ConversationID: conversationID, Text: text})
	return nil
}

func (c *Client) Conversation(ctx context.Context, id string) (*connector.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.Conversations[id]
	if !ok {
		return nil, connector.ErrConversationNotFound
	}
	return conv, nil
}

func (c *Client) Contact(ctx context.Context, id string) (*connector.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	contact, ok := c.Contacts[id]
	if !ok {
		return nil, connector.ErrContactNotFound
	}
	return contact, nil
}

func (c *Client) DownloadMedia(ctx context.Context, ev *connector.InboundEvent) (*connector.Media, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MediaErr != nil {
		return nil, c.MediaErr
	}
	media, ok := c.MediaByEvent[ev.ID]
	if !ok {
		return nil, connector.ErrContactNotFound
	}
	return media, nil
}

func (c *Client) Typing(ctx context.Context, conversationID string, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TypingErr != nil {
		return c.TypingErr
	}
	c.TypingCalls = append(c.TypingCalls, TypingCall{ConversationID: conversationID, On: on})
	return nil
}

// SentMessages returns a copy of the recorded SendMessage calls, safe to
// read while the client is in use by other goroutines.
func (c *Client) SentMessages() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.Sent...)
}

// TypingRecords returns a copy of the recorded Typing calls.
func (c *Client) TypingRecords() []TypingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TypingCall(nil), c.TypingCalls...)
}

func (c *Client) OwnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SelfID
}
