package publish

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryline/gatewatch/internal/gate"
)

func TestPublisherNewestWins(t *testing.T) {
	p := NewPublisher()
	p.Publish(gate.Snapshot{FrameID: 1})
	p.Publish(gate.Snapshot{FrameID: 2})
	p.Publish(gate.Snapshot{FrameID: 3})

	s, ok := p.TryNext()
	require.True(t, ok)
	assert.EqualValues(t, 3, s.FrameID, "slow consumers see the latest snapshot")

	published, dropped, delivered := p.Stats()
	assert.EqualValues(t, 3, published)
	assert.EqualValues(t, 2, dropped)
	assert.EqualValues(t, 1, delivered)
}

func TestTryNextEmpty(t *testing.T) {
	p := NewPublisher()
	_, ok := p.TryNext()
	assert.False(t, ok)
}

func TestNextBlocksUntilPublish(t *testing.T) {
	p := NewPublisher()
	p.Publish(gate.Snapshot{FrameID: 9})
	s, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 9, s.FrameID)
}

func TestNextHonorsContext(t *testing.T) {
	p := NewPublisher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
