package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBlockWithTimeoutDeliversFIFO(t *testing.T) {
	q := New[int]("test", 4, BlockWithTimeout)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.True(t, q.Put(ctx, i, time.Second))
	}
	for i := 0; i < 4; i++ {
		v, ok := q.Get(ctx)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestBlockWithTimeoutReturnsFalseWhenFull(t *testing.T) {
	q := New[int]("test", 1, BlockWithTimeout)
	ctx := context.Background()

	require.True(t, q.Put(ctx, 1, time.Second))
	require.False(t, q.Put(ctx, 2, 10*time.Millisecond))
}

func TestBlockWithTimeoutRespectsContextCancellation(t *testing.T) {
	q := New[int]("test", 1, BlockWithTimeout)
	require.True(t, q.Put(context.Background(), 1, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, q.Put(ctx, 2, time.Second))
}

func TestDropOldestEvictsHeadUnderPressure(t *testing.T) {
	q := New[int]("test", 2, DropOldest)
	ctx := context.Background()

	require.True(t, q.Put(ctx, 1, 0))
	require.True(t, q.Put(ctx, 2, 0))
	require.True(t, q.Put(ctx, 3, 0))

	require.Equal(t, int64(1), q.Dropped())

	v, ok := q.Get(ctx)
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestCloseDrainsBufferedItemsBeforeSignalingDone(t *testing.T) {
	q := New[int]("test", 4, BlockWithTimeout)
	ctx := context.Background()

	require.True(t, q.Put(ctx, 7, time.Second))
	q.Close()

	v, ok := q.Get(ctx)
	require.True(t, ok)
	require.Equal(t, 7, v)

	_, ok = q.Get(ctx)
	require.False(t, ok)
}

func TestNewClampsNonPositiveCapacity(t *testing.T) {
	q := New[int]("test", 0, BlockWithTimeout)
	require.True(t, q.Put(context.Background(), 1, time.Second))
}
