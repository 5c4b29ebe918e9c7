// ABOUTME: Tests for the typing-presence coordinator
// ABOUTME: Covers the nil-presence fast path, interval refresh, and failure handling

package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherhq/tether-gateway/internal/forward"
)

type fakePresence struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
	stopErr  error
}

func (p *fakePresence) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return p.startErr
}

func (p *fakePresence) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return p.stopErr
}

func (p *fakePresence) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

func TestRunWithoutPresence(t *testing.T) {
	c := NewTypingCoordinator(10*time.Millisecond, slog.Default())

	result, err := c.Run(context.Background(), nil, func(ctx context.Context) (*forward.Result, error) {
		return &forward.Result{Reply: "ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Reply)
}

func TestRunRefreshesTypingOnInterval(t *testing.T) {
	c := NewTypingCoordinator(10*time.Millisecond, slog.Default())
	p := &fakePresence{}

	result, err := c.Run(context.Background(), p, func(ctx context.Context) (*forward.Result, error) {
		time.Sleep(35 * time.Millisecond)
		return &forward.Result{Reply: "slow"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "slow", result.Reply)

	starts, stops := p.counts()
	assert.GreaterOrEqual(t, starts, 2)
	assert.Equal(t, 1, stops)
}

func TestRunFastOperationSignalsOnce(t *testing.T) {
	c := NewTypingCoordinator(time.Minute, slog.Default())
	p := &fakePresence{}

	_, err := c.Run(context.Background(), p, func(ctx context.Context) (*forward.Result, error) {
		return &forward.Result{}, nil
	})
	require.NoError(t, err)

	starts, stops := p.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestRunReturnsOperationError(t *testing.T) {
	c := NewTypingCoordinator(time.Minute, slog.Default())
	p := &fakePresence{}
	opErr := errors.New("backend exploded")

	_, err := c.Run(context.Background(), p, func(ctx context.Context) (*forward.Result, error) {
		return nil, opErr
	})
	assert.ErrorIs(t, err, opErr)

	_, stops := p.counts()
	assert.Equal(t, 1, stops)
}

func TestRunStartFailureDoesNotAffectOperation(t *testing.T) {
	c := NewTypingCoordinator(time.Minute, slog.Default())
	p := &fakePresence{startErr: errors.New("presence unavailable")}

	result, err := c.Run(context.Background(), p, func(ctx context.Context) (*forward.Result, error) {
		return &forward.Result{Reply: "still fine"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "still fine", result.Reply)
}

func TestRunStopFailureIsSwallowed(t *testing.T) {
	c := NewTypingCoordinator(time.Minute, slog.Default())
	p := &fakePresence{stopErr: errors.New("cannot clear")}

	result, err := c.Run(context.Background(), p, func(ctx context.Context) (*forward.Result, error) {
		return &forward.Result{Reply: "r"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "r", result.Reply)
}
