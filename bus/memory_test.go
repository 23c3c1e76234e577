package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workersql/workersql/protocol"
)

func TestMemoryBusDeliveryOrder(t *testing.T) {
	var ctx = context.Background()
	var b = NewMemory(16)

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, b.Publish(ctx, protocol.InvalidateEvent{
			ID: id, TenantID: "t1", Keys: []string{"t1:users"},
		}))
	}

	var msgs, err = b.Consume(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "e1", msgs[0].Event.ID)
	require.Equal(t, "e2", msgs[1].Event.ID)
	require.Equal(t, 1, msgs[0].Attempt)

	msgs, err = b.Consume(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "e3", msgs[0].Event.ID)
}

func TestMemoryBusConsumeBlocksUntilCancelled(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var _, err = NewMemory(1).Consume(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusNackRedelivers(t *testing.T) {
	var ctx = context.Background()
	var b = NewMemory(16)

	require.NoError(t, b.Publish(ctx, protocol.InvalidateEvent{ID: "e1"}))

	var msgs, err = b.Consume(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, b.Nack(ctx, msgs[0]))

	msgs, err = b.Consume(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "e1", msgs[0].Event.ID)
	require.Equal(t, 2, msgs[0].Attempt)
}

func TestMemoryBusDeadLetters(t *testing.T) {
	var ctx = context.Background()
	var b = NewMemory(16)

	require.NoError(t, b.Publish(ctx, protocol.InvalidateEvent{ID: "poison"}))
	var msgs, err = b.Consume(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, b.DeadLetter(ctx, msgs[0]))

	dead, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "poison", dead[0].ID)
}
