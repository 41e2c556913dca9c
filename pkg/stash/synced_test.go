package stash

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionOpenSeedsFromRangeScan(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seeded := store.seed(&Document{ID: "models:r1", Fields: map[string]any{"name": "R"}})
	store.seed(&Document{ID: "snapshots:s1", Fields: map[string]any{"name": "S"}})

	session := NewSession(store)
	t.Cleanup(func() { session.Close() })

	models, err := session.Open(ctx, "models")
	require.NoError(t, err)

	snap := models.Snapshot()
	require.Len(t, snap, 1, "only the opened group is seeded")
	require.Contains(t, snap, "models:r1")
	assert.Equal(t, "R", snap["models:r1"].Fields["name"])
	assert.Equal(t, seeded.Rev, snap["models:r1"].Rev)

	// Reads are local: no further store traffic.
	calls := store.rangeCalls
	_ = models.Snapshot()
	_ = models.Get("models:r1")
	assert.Equal(t, calls, store.rangeCalls)
}

func TestSessionOpenIsIdempotentPerGroup(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	session := NewSession(store)
	t.Cleanup(func() { session.Close() })

	first, err := session.Open(ctx, "models")
	require.NoError(t, err)
	second, err := session.Open(ctx, "models")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, store.rangeCalls, "re-opening must not re-scan")
}

func TestMutateOptimisticThenReconciled(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed(&Document{ID: "models:r1", Fields: map[string]any{"name": "R"}})

	session := NewSession(store)
	t.Cleanup(func() { session.Close() })
	models, err := session.Open(ctx, "models")
	require.NoError(t, err)

	err = models.Mutate(ctx, Key("models:r1"), setField("models:r1", "name", "R2"))
	require.NoError(t, err)

	got := models.Get("models:r1")
	require.NotNil(t, got)
	assert.Equal(t, "R2", got.Fields["name"])
	assert.Equal(t, store.rev("models:r1"), got.Rev)
}

func TestMutatePanickingTransformReturnsError(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed(&Document{ID: "models:r1", Fields: map[string]any{"name": "R"}})

	session := NewSession(store)
	t.Cleanup(func() { session.Close() })
	models, err := session.Open(ctx, "models")
	require.NoError(t, err)

	// Nothing was persisted, so the caller must see a rejection,
	// never a nil error.
	err = models.Mutate(ctx, Key("models:r1"), func(docs Docs) (Docs, error) {
		panic("transform blew up")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transform blew up")

	// The session stays usable after the panic.
	err = models.Mutate(ctx, Key("models:r1"), setField("models:r1", "name", "R2"))
	require.NoError(t, err)
	assert.Equal(t, "R2", models.Get("models:r1").Fields["name"])
}

func TestMutateQueuedSequentially(t *testing.T) {
	// The second mutation's transform sees the first's optimistic
	// result as its input, not the pre-first state.
	ctx := context.Background()
	store := newMemStore()
	store.seed(&Document{ID: "models:r1", Fields: map[string]any{"tags": []any{}}})

	session := NewSession(store)
	t.Cleanup(func() { session.Close() })
	models, err := session.Open(ctx, "models")
	require.NoError(t, err)

	appendTag := func(tag string) Transform {
		return func(docs Docs) (Docs, error) {
			doc := docs["models:r1"].Clone()
			doc.Fields["tags"] = append(doc.Fields["tags"].([]any), tag)
			return Docs{"models:r1": doc}, nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, models.Mutate(ctx, Key("models:r1"), appendTag("first")))
	}()
	// Give the first Mutate a head start so queue order is deterministic.
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		require.NoError(t, models.Mutate(ctx, Key("models:r1"), appendTag("second")))
	}()
	wg.Wait()

	got := models.Get("models:r1")
	require.NotNil(t, got)
	assert.Equal(t, []any{"first", "second"}, got.Fields["tags"])
}

func TestConvergenceUnderConflict(t *testing.T) {
	// Two sessions over the same store edit the same document
	// concurrently. Both mutations settle and the final state reflects
	// both document-level effects.
	ctx := context.Background()
	store := newMemStore()
	store.seed(&Document{ID: "models:r1", Fields: map[string]any{"a": float64(0), "b": float64(0)}})

	sessionA := NewSession(store)
	t.Cleanup(func() { sessionA.Close() })
	sessionB := NewSession(store)
	t.Cleanup(func() { sessionB.Close() })

	cacheA, err := sessionA.Open(ctx, "models")
	require.NoError(t, err)
	cacheB, err := sessionB.Open(ctx, "models")
	require.NoError(t, err)

	bump := func(field string) Transform {
		return func(docs Docs) (Docs, error) {
			doc := docs["models:r1"].Clone()
			doc.Fields[field] = doc.Fields[field].(float64) + 1
			return Docs{"models:r1": doc}, nil
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			require.NoError(t, cacheA.Mutate(ctx, Key("models:r1"), bump("a")))
		}()
		go func() {
			defer wg.Done()
			require.NoError(t, cacheB.Mutate(ctx, Key("models:r1"), bump("b")))
		}()
		wg.Wait()
	}

	// The store holds the truth: every increment landed exactly once.
	final, err := store.Fetch(ctx, []string{"models:r1"})
	require.NoError(t, err)
	require.NotNil(t, final[0])
	assert.Equal(t, float64(5), final[0].Fields["a"])
	assert.Equal(t, float64(5), final[0].Fields["b"])
}

func TestRemoteChangesReachSubscribers(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	session := NewSession(store)
	t.Cleanup(func() { session.Close() })

	models, err := session.Open(ctx, "models")
	require.NoError(t, err)

	notified := make(chan Docs, 8)
	token := models.Subscribe(func(old, new Docs) { notified <- new })
	defer models.Unsubscribe(token)

	store.overwrite(&Document{ID: "models:r1", Fields: map[string]any{"name": "R"}})

	select {
	case state := <-notified:
		require.Contains(t, state, "models:r1")
		assert.Equal(t, "R", state["models:r1"].Fields["name"])
	case <-time.After(2 * time.Second):
		t.Fatal("remote change never reached the subscriber")
	}
}

func TestMutatePrefixIsolation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed(&Document{ID: "models:r1", Fields: map[string]any{"name": "R"}})
	store.seed(&Document{ID: "snapshots:s1", Fields: map[string]any{"name": "S"}})

	session := NewSession(store)
	t.Cleanup(func() { session.Close() })

	models, err := session.Open(ctx, "models")
	require.NoError(t, err)
	snapshots, err := session.Open(ctx, "snapshots")
	require.NoError(t, err)

	before := snapshots.Snapshot()
	err = models.Mutate(ctx, Key("models:r1"), setField("models:r1", "name", "R2"))
	require.NoError(t, err)

	assert.Equal(t, before, snapshots.Snapshot(), "mutating one group must not alter another")
}
