// ABOUTME: Classifies and filters inbound conversation events for AI forwarding
// ABOUTME: Applies the drop pipeline, then forwards eligible messages and relays replies

package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tetherhq/tether-gateway/internal/connector"
	"github.com/tetherhq/tether-gateway/internal/dedupe"
	"github.com/tetherhq/tether-gateway/internal/forward"
	"github.com/tetherhq/tether-gateway/internal/media"
)

// Target identifies the agent session an inbound event belongs to.
type Target struct {
	AgentID     string
	APIKey      string
	EndpointURL string
}

// Forwarder posts a message to the AI backend.
type Forwarder interface {
	Forward(ctx context.Context, req forward.Request) (*forward.Result, error)
}

// MediaStore persists inbound attachments. Failures are non-fatal.
type MediaStore interface {
	SaveMedia(ctx context.Context, data []byte, filename, mimetype string, meta media.Meta) (string, error)
}

// Router drives the inbound-event filter pipeline. Each step short-circuits
// on the first match; the order is deliberate.
type Router struct {
	forwarder Forwarder
	media     MediaStore
	seen      *dedupe.Cache
	typing    *TypingCoordinator
	logger    *slog.Logger
}

// New creates a router. The media store may be nil, in which case
// attachments are not persisted.
func New(forwarder Forwarder, mediaStore MediaStore, seen *dedupe.Cache, typing *TypingCoordinator, logger *slog.Logger) *Router {
	return &Router{
		forwarder: forwarder,
		media:     mediaStore,
		seen:      seen,
		typing:    typing,
		logger:    logger,
	}
}

// HandleInbound processes one inbound event for the given target session.
// Dropped events are logged, never escalated; forwarding failures are
// logged and the event is not reprocessed.
func (r *Router) HandleInbound(ctx context.Context, client connector.Client, ev *connector.InboundEvent, target Target) {
	logger := r.logger.With("agent_id", target.AgentID)

	if ev == nil || ev.FromMe {
		return
	}
	if isBroadcastOrStatus(ev) {
		logger.Debug("ignoring broadcast or status event", "event_id", ev.ID)
		return
	}

	// Redelivered events are processed once
	if r.seen != nil && r.seen.Seen(target.AgentID+":"+ev.ID) {
		logger.Debug("ignoring redelivered event", "event_id", ev.ID)
		return
	}

	conv, err := client.Conversation(ctx, ev.ConversationID)
	if err != nil {
		logger.Warn("failed to resolve conversation, dropping event", "conversation_id", ev.ConversationID, "error", err)
		return
	}
	contact, err := client.Contact(ctx, ev.Sender)
	if err != nil {
		logger.Warn("failed to resolve contact, dropping event", "sender", ev.Sender, "error", err)
		return
	}

	// Flags on the raw event and the resolved conversation can disagree;
	// re-check at the conversation level.
	if conv.IsBroadcast || conv.IsStatus {
		logger.Debug("ignoring broadcast conversation", "conversation_id", conv.ID)
		return
	}

	if conv.IsGroup && !r.mentionsSelf(client, ev, conv, logger) {
		return
	}

	if ev.HasMedia {
		r.saveAttachment(ctx, client, ev, conv, contact, logger)
	}

	if ev.Type != connector.MessageTypeChat {
		logger.Debug("ignoring non-text event", "type", ev.Type)
		return
	}

	body := strings.TrimSpace(ev.Body)
	if body == "" {
		return
	}

	conversationID := conv.ID
	if conversationID == "" {
		conversationID = contact.ID
	}

	logger.Info("forwarding message to AI",
		"conversation_id", conversationID,
		"from", contact.Number,
		"length", len(body),
	)

	result, err := r.typing.Run(ctx, presenceFor(client, conv), func(ctx context.Context) (*forward.Result, error) {
		return r.forwarder.Forward(ctx, forward.Request{
			Endpoint:       target.EndpointURL,
			APIKey:         target.APIKey,
			Message:        body,
			ConversationID: conversationID,
		})
	})
	if err != nil {
		logger.Error("AI forwarding failed", "conversation_id", conversationID, "error", err)
		return
	}

	if result.Reply == "" {
		logger.Debug("AI response carried no reply text", "conversation_id", conversationID)
		return
	}

	if err := client.SendMessage(ctx, conversationID, result.Reply); err != nil {
		logger.Error("failed to send AI reply back to conversation", "conversation_id", conversationID, "error", err)
	}
}

// DeliverResult is the outcome of an operator-submitted delivery.
type DeliverResult struct {
	// Payload is the AI backend's decoded response.
	Payload any
	// ReplyText is the extracted reply, empty if none was found.
	ReplyText string
	// ReplySent reports whether the reply reached the conversation.
	ReplySent bool
}

// ReplySendError means the AI backend answered but the reply could not be
// delivered into the conversation.
type ReplySendError struct {
	Err error
}

func (e *ReplySendError) Error() string {
	return "failed to send AI reply to conversation: " + e.Err.Error()
}

func (e *ReplySendError) Unwrap() error {
	return e.Err
}

// Deliver forwards an operator-submitted message to the AI backend under
// the typing indicator and relays the reply into the conversation. Unlike
// HandleInbound it skips the drop pipeline: the caller chose the
// conversation explicitly. A failed conversation lookup only loses the
// typing indicator; the forward still happens.
func (r *Router) Deliver(ctx context.Context, client connector.Client, conversationID, message string, target Target) (*DeliverResult, error) {
	logger := r.logger.With("agent_id", target.AgentID, "conversation_id", conversationID)

	var presence Presence
	if conv, err := client.Conversation(ctx, conversationID); err != nil {
		logger.Debug("conversation lookup failed, forwarding without typing indicator", "error", err)
	} else {
		presence = presenceFor(client, conv)
	}

	result, err := r.typing.Run(ctx, presence, func(ctx context.Context) (*forward.Result, error) {
		return r.forwarder.Forward(ctx, forward.Request{
			Endpoint:       target.EndpointURL,
			APIKey:         target.APIKey,
			Message:        message,
			ConversationID: conversationID,
		})
	})
	if err != nil {
		return nil, err
	}

	delivery := &DeliverResult{Payload: result.Payload, ReplyText: result.Reply}
	if result.Reply == "" {
		logger.Debug("AI response carried no reply text")
		return delivery, nil
	}

	if err := client.SendMessage(ctx, conversationID, result.Reply); err != nil {
		return nil, &ReplySendError{Err: err}
	}
	delivery.ReplySent = true

	logger.Info("delivered message and relayed AI reply", "reply_length", len(result.Reply))
	return delivery, nil
}

// presenceFor returns a typing presence for the conversation, or nil when
// the conversation cannot express typing.
func presenceFor(client connector.Client, conv *connector.Conversation) Presence {
	if !conv.SupportsTyping {
		return nil
	}
	return &conversationPresence{client: client, conversationID: conv.ID}
}

// isBroadcastOrStatus checks explicit flags plus address-pattern
// heuristics, since some networks tag broadcast traffic inconsistently.
func isBroadcastOrStatus(ev *connector.InboundEvent) bool {
	if ev.IsBroadcast || ev.IsStatus {
		return true
	}
	for _, addr := range []string{ev.ConversationID, ev.Addressee} {
		if strings.HasSuffix(addr, "@broadcast") || strings.HasPrefix(addr, "status@") {
			return true
		}
	}
	return false
}

// mentionsSelf reports whether a group event explicitly mentions the
// agent's own identity, via structured mention ids or by matching @tokens
// in the body against the participant roster.
func (r *Router) mentionsSelf(client connector.Client, ev *connector.InboundEvent, conv *connector.Conversation, logger *slog.Logger) bool {
	selfID := client.OwnID()
	if selfID == "" {
		logger.Debug("own identity unknown, skipping group event")
		return false
	}

	for _, id := range ev.MentionIDs {
		if id == selfID {
			return true
		}
	}

	selfNumber := bareNumber(selfID)
	for _, token := range mentionTokens(ev.Body) {
		if token == selfNumber {
			return true
		}
		for _, p := range conv.Participants {
			if bareNumber(p.Number) == token && p.ID == selfID {
				return true
			}
		}
	}

	logger.Debug("ignoring group event without mention", "conversation_id", conv.ID)
	return false
}

// mentionTokens extracts the numeric identifiers following @ markers.
func mentionTokens(body string) []string {
	var tokens []string
	for _, field := range strings.Fields(body) {
		if !strings.HasPrefix(field, "@") {
			continue
		}
		token := bareNumber(strings.TrimPrefix(field, "@"))
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// bareNumber reduces an identifier to its digits: "123@host" -> "123",
// "+1 (234) 567" -> "1234567".
func bareNumber(id string) string {
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	var b strings.Builder
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// saveAttachment downloads and persists the event's media best-effort.
func (r *Router) saveAttachment(ctx context.Context, client connector.Client, ev *connector.InboundEvent, conv *connector.Conversation, contact *connector.Contact, logger *slog.Logger) {
	if r.media == nil {
		return
	}

	m, err := client.DownloadMedia(ctx, ev)
	if err != nil {
		logger.Warn("failed to download media attachment", "event_id", ev.ID, "error", err)
		return
	}

	meta := media.Meta{ConversationID: conv.ID, From: contact.Number}
	if _, err := r.media.SaveMedia(ctx, m.Data, m.Filename, m.MimeType, meta); err != nil {
		logger.Warn("failed to store media attachment", "event_id", ev.ID, "error", err)
	}
}
