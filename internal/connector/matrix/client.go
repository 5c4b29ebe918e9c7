// ABOUTME: Matrix implementation of the connector.Client interface
// ABOUTME: Provisioning-link pairing, sync-loop event mapping, typing, and media download

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/tetherhq/tether-gateway/internal/connector"
)

// Config wires a Matrix connector.
type Config struct {
	// Homeserver is the Matrix homeserver base URL.
	Homeserver string
	// CredentialsDir holds one provisioned-credential file per agent.
	CredentialsDir string
	// ProvisionBaseURL is the public base of the pairing web flow; the
	// pairing code handed to the session layer is a one-time URL under it.
	ProvisionBaseURL string
	Logger           *slog.Logger
}

const (
	// credentialPollInterval is how often the pairing wait re-checks the
	// credential file.
	credentialPollInterval = 2 * time.Second
	// pairingReissueInterval is how often a fresh pairing link is emitted
	// while the agent stays unprovisioned.
	pairingReissueInterval = 2 * time.Minute
	// typingTimeout is how long one typing signal stays visible.
	typingTimeout = 30 * time.Second
	// networkTimeout bounds individual Matrix API calls made outside a
	// caller-supplied context.
	networkTimeout = 10 * time.Second
)

// NewDialer returns a connector.Dialer producing Matrix clients.
func NewDialer(cfg Config) connector.Dialer {
	return func(agentID string) (connector.Client, error) {
		if cfg.Homeserver == "" {
			return nil, errors.New("matrix homeserver is not configured")
		}
		if err := os.MkdirAll(cfg.CredentialsDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating credentials dir: %w", err)
		}
		return &Client{
			agentID: agentID,
			cfg:     cfg,
			events:  make(chan connector.Event, 64),
			logger:  cfg.Logger.With("component", "matrix-connector", "agent_id", agentID),
		}, nil
	}
}

// Client is one agent's Matrix connection.
type Client struct {
	agentID string
	cfg     Config
	events  chan connector.Event
	logger  *slog.Logger

	mu       sync.Mutex
	mx       *mautrix.Client
	selfID   string
	closed   bool
	cancel   context.CancelFunc
	mediaURI map[string]id.ContentURIString
}

// Initialize starts the connection. With stored credentials it connects
// directly; otherwise it emits a pairing link and waits for the
// provisioning flow to drop a credential file.
func (c *Client) Initialize(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return errors.New("client already disposed")
	}
	c.cancel = cancel
	c.mediaURI = make(map[string]id.ContentURIString)
	c.mu.Unlock()

	creds, err := loadCredentials(c.cfg.CredentialsDir, c.agentID)
	if err != nil && !errors.Is(err, errNoCredentials) {
		return err
	}

	if creds != nil {
		go c.connect(runCtx, creds)
		return nil
	}

	go c.awaitProvisioning(runCtx)
	return nil
}

// awaitProvisioning emits pairing links and polls for the credential file.
func (c *Client) awaitProvisioning(ctx context.Context) {
	c.emit(ctx, connector.Event{Type: connector.EventPairingCode, PairingCode: c.pairingLink()})

	poll := time.NewTicker(credentialPollInterval)
	defer poll.Stop()
	reissue := time.NewTicker(pairingReissueInterval)
	defer reissue.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reissue.C:
			c.emit(ctx, connector.Event{Type: connector.EventPairingCode, PairingCode: c.pairingLink()})
		case <-poll.C:
			creds, err := loadCredentials(c.cfg.CredentialsDir, c.agentID)
			if errors.Is(err, errNoCredentials) {
				continue
			}
			if err != nil {
				c.logger.Warn("credential file unreadable, continuing to poll", "error", err)
				continue
			}
			c.connect(ctx, creds)
			return
		}
	}
}

// pairingLink builds a one-time provisioning URL. Each call carries a
// fresh nonce so superseded links cannot be replayed.
func (c *Client) pairingLink() string {
	base := strings.TrimRight(c.cfg.ProvisionBaseURL, "/")
	return fmt.Sprintf("%s/pair/%s?nonce=%s", base, c.agentID, uuid.NewString())
}

// connect authenticates with the stored credentials and starts the sync
// loop.
func (c *Client) connect(ctx context.Context, creds *credentials) {
	mx, err := mautrix.NewClient(c.cfg.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		c.logger.Error("failed to create matrix client", "error", err)
		c.emit(ctx, connector.Event{Type: connector.EventAuthFailure, AuthError: err.Error()})
		return
	}
	if creds.DeviceID != "" {
		mx.DeviceID = id.DeviceID(creds.DeviceID)
	}

	whoCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	whoami, err := mx.Whoami(whoCtx)
	cancel()
	if err != nil {
		if isTokenError(err) {
			c.logger.Warn("stored access token rejected", "error", err)
			c.emit(ctx, connector.Event{Type: connector.EventAuthFailure, AuthError: err.Error()})
			c.emit(ctx, connector.Event{Type: connector.EventDisconnected, Reason: connector.ReasonLoggedOut})
			return
		}
		c.logger.Error("whoami failed", "error", err)
		c.emit(ctx, connector.Event{Type: connector.EventDisconnected, Reason: connector.ReasonNetworkError})
		return
	}

	c.mu.Lock()
	c.mx = mx
	c.selfID = whoami.UserID.String()
	c.mu.Unlock()

	c.emit(ctx, connector.Event{Type: connector.EventAuthenticated})

	syncer, ok := mx.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		c.emit(ctx, connector.Event{Type: connector.EventAuthFailure, AuthError: fmt.Sprintf("unexpected syncer type: %T", mx.Syncer)})
		return
	}
	syncer.OnEventType(event.EventMessage, c.handleMessageEvent)

	c.emit(ctx, connector.Event{Type: connector.EventReady})
	c.logger.Info("matrix connection ready", "user_id", c.selfID)

	err = mx.SyncWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("sync loop ended", "error", err)
		reason := connector.ReasonNetworkError
		if isTokenError(err) {
			reason = connector.ReasonLoggedOut
		}
		c.emit(ctx, connector.Event{Type: connector.EventDisconnected, Reason: reason})
	}
}

// handleMessageEvent maps one Matrix room message onto the normalized
// inbound shape.
func (c *Client) handleMessageEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	inbound := &connector.InboundEvent{
		ID:             evt.ID.String(),
		ConversationID: evt.RoomID.String(),
		Sender:         evt.Sender.String(),
		Addressee:      evt.RoomID.String(),
		Type:           messageType(content.MsgType),
		Body:           content.Body,
		FromMe:         evt.Sender.String() == c.OwnID(),
		Timestamp:      time.UnixMilli(evt.Timestamp),
	}
	if content.Mentions != nil {
		for _, uid := range content.Mentions.UserIDs {
			inbound.MentionIDs = append(inbound.MentionIDs, uid.String())
		}
	}
	if content.URL != "" {
		inbound.HasMedia = true
		c.mu.Lock()
		c.mediaURI[inbound.ID] = content.URL
		c.mu.Unlock()
	}

	c.emit(ctx, connector.Event{Type: connector.EventMessage, Message: inbound})
}

// messageType maps Matrix msgtypes onto the connector vocabulary.
func messageType(t event.MessageType) connector.MessageType {
	switch t {
	case event.MsgText, event.MsgEmote:
		return connector.MessageTypeChat
	case event.MsgImage:
		return connector.MessageTypeImage
	case event.MsgVideo:
		return connector.MessageTypeVideo
	case event.MsgAudio:
		return connector.MessageTypeAudio
	case event.MsgFile:
		return connector.MessageTypeDocument
	case event.MsgNotice:
		return connector.MessageTypeNotification
	}
	return connector.MessageTypeNotification
}

// Events returns the event stream.
func (c *Client) Events() <-chan connector.Event {
	return c.events
}

// emit delivers an event unless the client is disposed.
func (c *Client) emit(ctx context.Context, ev connector.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// Dispose stops the sync loop, optionally logs out, and optionally purges
// the stored credentials. Teardown itself never fails; only credential
// purge errors are reported.
func (c *Client) Dispose(ctx context.Context, opts connector.DisposeOptions) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	mx := c.mx
	c.mx = nil
	cancel := c.cancel
	close(c.events)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if mx != nil && !opts.SkipLogout {
		logoutCtx, cancelLogout := context.WithTimeout(ctx, networkTimeout)
		if _, err := mx.Logout(logoutCtx); err != nil {
			c.logger.Debug("logout failed", "error", err)
		}
		cancelLogout()
	}

	if opts.PurgeCredentials {
		if err := purgeCredentials(c.cfg.CredentialsDir, c.agentID); err != nil {
			return fmt.Errorf("purging credentials: %w", err)
		}
		c.logger.Info("stored credentials purged")
	}
	return nil
}

// SendMessage sends text into a room.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) error {
	mx, err := c.client()
	if err != nil {
		return err
	}
	_, err = mx.SendText(ctx, id.RoomID(conversationID), text)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Conversation resolves a room into the normalized conversation shape.
// A room with more than two members counts as a group.
func (c *Client) Conversation(ctx context.Context, convID string) (*connector.Conversation, error) {
	mx, err := c.client()
	if err != nil {
		return nil, err
	}
	roomID := id.RoomID(convID)

	members, err := mx.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", connector.ErrConversationNotFound, convID)
	}

	conv := &connector.Conversation{
		ID:             convID,
		IsGroup:        len(members.Joined) > 2,
		SupportsTyping: true,
	}
	for uid := range members.Joined {
		conv.Participants = append(conv.Participants, connector.Participant{
			ID:     uid.String(),
			Number: uid.Localpart(),
		})
	}

	var nameContent event.RoomNameEventContent
	if err := mx.StateEvent(ctx, roomID, event.StateRoomName, "", &nameContent); err == nil {
		conv.Name = nameContent.Name
	}
	return conv, nil
}

// Contact resolves a user id into the normalized contact shape.
func (c *Client) Contact(ctx context.Context, contactID string) (*connector.Contact, error) {
	mx, err := c.client()
	if err != nil {
		return nil, err
	}
	uid := id.UserID(contactID)

	contact := &connector.Contact{
		ID:     contactID,
		Number: uid.Localpart(),
	}
	if resp, err := mx.GetDisplayName(ctx, uid); err == nil && resp != nil {
		contact.Name = resp.DisplayName
	}
	if contact.Name == "" {
		contact.Name = uid.Localpart()
	}
	return contact, nil
}

// DownloadMedia fetches the attachment behind an inbound event.
func (c *Client) DownloadMedia(ctx context.Context, ev *connector.InboundEvent) (*connector.Media, error) {
	mx, err := c.client()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	uriStr, ok := c.mediaURI[ev.ID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("event %s carries no media", ev.ID)
	}

	uri, err := uriStr.Parse()
	if err != nil {
		return nil, fmt.Errorf("parsing media uri: %w", err)
	}
	data, err := mx.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}

	return &connector.Media{
		Data:     data,
		Filename: uri.FileID,
		MimeType: mimeTypeFor(ev.Type),
	}, nil
}

// Typing toggles the typing indicator in a room.
func (c *Client) Typing(ctx context.Context, conversationID string, on bool) error {
	mx, err := c.client()
	if err != nil {
		return err
	}
	var timeout time.Duration
	if on {
		timeout = typingTimeout
	}
	_, err = mx.UserTyping(ctx, id.RoomID(conversationID), on, timeout)
	return err
}

// OwnID returns the connection's Matrix user id, or empty before auth.
func (c *Client) OwnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

func (c *Client) client() (*mautrix.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mx == nil {
		return nil, errors.New("matrix connection is not established")
	}
	return c.mx, nil
}

// mimeTypeFor gives a coarse fallback mime type by message kind.
func mimeTypeFor(t connector.MessageType) string {
	switch t {
	case connector.MessageTypeImage:
		return "image/png"
	case connector.MessageTypeVideo:
		return "video/mp4"
	case connector.MessageTypeAudio:
		return "audio/ogg"
	}
	return "application/octet-stream"
}

// isTokenError reports whether a Matrix API error means the access token
// is no longer valid.
func isTokenError(err error) bool {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.RespError != nil {
		code := httpErr.RespError.ErrCode
		return code == "M_UNKNOWN_TOKEN" || code == "M_MISSING_TOKEN"
	}
	return strings.Contains(err.Error(), "M_UNKNOWN_TOKEN")
}
