// ABOUTME: Typing-presence coordinator wrapping in-flight AI forwarding calls
// ABOUTME: Signals typing on an interval until the wrapped operation settles

package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/tetherhq/tether-gateway/internal/forward"
)

// Presence expresses typing state in a conversation. A nil Presence means
// the conversation cannot show typing and the wrapped operation runs bare.
type Presence interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TypingCoordinator runs operations under a cooperative typing loop.
type TypingCoordinator struct {
	interval time.Duration
	logger   *slog.Logger
}

// NewTypingCoordinator creates a coordinator with the given signal interval.
func NewTypingCoordinator(interval time.Duration, logger *slog.Logger) *TypingCoordinator {
	return &TypingCoordinator{interval: interval, logger: logger}
}

// Run executes op while repeatedly signalling typing on the presence.
// The loop is cancelled deterministically when op settles; the presence is
// then cleared best-effort. The operation's own error is returned after
// cleanup. A failed typing signal stops the loop without affecting op.
func (t *TypingCoordinator) Run(ctx context.Context, p Presence, op func(context.Context) (*forward.Result, error)) (*forward.Result, error) {
	if p == nil {
		return op(ctx)
	}

	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		for {
			if err := p.Start(ctx); err != nil {
				t.logger.Debug("typing signal failed, stopping loop", "error", err)
				return
			}
			select {
			case <-done:
				return
			case <-time.After(t.interval):
			}
		}
	}()

	result, err := op(ctx)

	close(done)
	<-exited

	if stopErr := p.Stop(ctx); stopErr != nil {
		t.logger.Debug("failed to clear typing state", "error", stopErr)
	}

	return result, err
}

// conversationPresence adapts a connector client + conversation id to the
// Presence interface.
type conversationPresence struct {
	client         TypingClient
	conversationID string
}

// TypingClient is the subset of the connector client needed for presence.
type TypingClient interface {
	Typing(ctx context.Context, conversationID string, on bool) error
}

func (p *conversationPresence) Start(ctx context.Context) error {
	return p.client.Typing(ctx, p.conversationID, true)
}

func (p *conversationPresence) Stop(ctx context.Context) error {
	return p.client.Typing(ctx, p.conversationID, false)
}
