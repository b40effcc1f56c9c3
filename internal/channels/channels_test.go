package channels

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flowsentinel/sentryflow/internal/store/kv"
	"github.com/stretchr/testify/require"
)

func TestPublishStampsPerProducerSequence(t *testing.T) {
	store := kv.NewMemStore()
	f := New(store)
	ctx := context.Background()

	msgs, cancel, err := store.Subscribe(ctx, NewFlow)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.Publish(ctx, NewFlow, "profiler", "flow.v1", json.RawMessage(`{"a":1}`)))
	require.NoError(t, f.Publish(ctx, NewFlow, "profiler", "flow.v1", json.RawMessage(`{"a":2}`)))

	var env1, env2 Envelope
	require.NoError(t, json.Unmarshal((<-msgs).Payload, &env1))
	require.NoError(t, json.Unmarshal((<-msgs).Payload, &env2))

	require.Equal(t, uint64(0), env1.Sequence)
	require.Equal(t, uint64(1), env2.Sequence)
}

func TestPublishSequencesAreIndependentPerProducer(t *testing.T) {
	store := kv.NewMemStore()
	f := New(store)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, NewFlow, "producer-a", "t", nil))
	require.NoError(t, f.Publish(ctx, NewFlow, "producer-b", "t", nil))
	require.NoError(t, f.Publish(ctx, NewFlow, "producer-a", "t", nil))

	require.Equal(t, uint64(2), f.seq["producer-a"])
	require.Equal(t, uint64(1), f.seq["producer-b"])
}

func TestFilterDefaultsToEveryoneWhenTargetsEmpty(t *testing.T) {
	env := Envelope{}
	require.True(t, Filter(env, "anyone"))
}

func TestFilterHonorsExplicitTargets(t *testing.T) {
	env := Envelope{Targets: []string{"mod-a", "mod-b"}}
	require.True(t, Filter(env, "mod-a"))
	require.False(t, Filter(env, "mod-c"))
}

func TestTrackerRoutesOnlyDeclaredLogicalChannels(t *testing.T) {
	store := kv.NewMemStore()
	f := New(store)
	ctx := context.Background()

	decl := Declaration{"flows": NewFlow, "windows": NewTimeWindow}
	tr, err := NewTracker(ctx, f, "detector-x", decl)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, f.Publish(ctx, NewFlow, "profiler", "flow.v1", json.RawMessage(`{}`)))
	require.NoError(t, f.Publish(ctx, NewTimeWindow, "profiler", "tw.v1", json.RawMessage(`{}`)))
	time.Sleep(10 * time.Millisecond)

	tr.Poll()
	require.True(t, tr.AnyArrived())

	_, ok := tr.GetMsg("flows")
	require.True(t, ok)
	_, ok = tr.GetMsg("windows")
	require.True(t, ok)
	_, ok = tr.GetMsg("flows")
	require.False(t, ok)
}

func TestTrackerSkipsEnvelopesNotTargetedAtSubscriber(t *testing.T) {
	store := kv.NewMemStore()
	f := New(store)
	ctx := context.Background()

	decl := Declaration{"flows": NewFlow}
	tr, err := NewTracker(ctx, f, "detector-x", decl)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, f.Publish(ctx, NewFlow, "profiler", "flow.v1", json.RawMessage(`{}`), "someone-else"))
	time.Sleep(10 * time.Millisecond)

	tr.Poll()
	require.False(t, tr.AnyArrived())
}

func TestResetIterationClearsArrivedBits(t *testing.T) {
	store := kv.NewMemStore()
	f := New(store)
	ctx := context.Background()

	decl := Declaration{"flows": NewFlow}
	tr, err := NewTracker(ctx, f, "detector-x", decl)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, f.Publish(ctx, NewFlow, "profiler", "flow.v1", json.RawMessage(`{}`)))
	time.Sleep(10 * time.Millisecond)
	tr.Poll()
	require.True(t, tr.AnyArrived())

	tr.ResetIteration()
	require.False(t, tr.AnyArrived())
}
