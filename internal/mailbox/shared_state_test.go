package mailbox

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSharedStateInitAndMerge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ss := NewSharedState(s)

		require.NoError(t, ss.Init(ctx, map[string]any{"project_goal": "build a landing page", "status": "started"}))

		merged, err := ss.Merge(ctx, map[string]any{"palette": []any{"navy", "sand"}, "status": "designing"})
		require.NoError(t, err)
		assert.Equal(t, "designing", merged["status"])

		state, err := ss.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "build a landing page", state["project_goal"])
		assert.Equal(t, "designing", state["status"])
		assert.Equal(t, []any{"navy", "sand"}, state["palette"])
	})
}

func TestSharedStateLoadAbsent(t *testing.T) {
	state, err := NewSharedState(NewMemoryStore()).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestSharedStateLoadCorrupt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, SharedStateKey, []byte("{not json")))

	ss := NewSharedState(s)
	state, err := ss.Load(ctx)
	assert.ErrorIs(t, err, ErrCorruptState)
	assert.NotNil(t, state)
	assert.Empty(t, state)

	// Merging over a corrupt document recovers it.
	_, err = ss.Merge(ctx, map[string]any{"a": "b"})
	require.NoError(t, err)
	state, err = ss.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "b"}, state)
}

func TestSharedStateLoadNull(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, SharedStateKey, []byte("null")))

	state, err := NewSharedState(s).Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, state)
}

func TestSharedStateConcurrentMergesKeepAllKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ss := NewSharedState(s)
		require.NoError(t, ss.Init(ctx, nil))

		keys := []string{"hero", "footer", "pricing", "faq"}
		var wg sync.WaitGroup
		for _, k := range keys {
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				_, err := ss.Merge(ctx, map[string]any{k: "done"})
				assert.NoError(t, err)
			}(k)
		}
		wg.Wait()

		state, err := ss.Load(ctx)
		require.NoError(t, err)
		for _, k := range keys {
			assert.Equal(t, "done", state[k], "lost update for %s", k)
		}
	})
}

func TestRender(t *testing.T) {
	assert.Equal(t, "{}", Render(nil))
	assert.Equal(t, "{\n  \"status\": \"started\"\n}", Render(map[string]any{"status": "started"}))
}

func stateValue() *rapid.Generator[any] {
	return rapid.OneOf(
		rapid.Map(rapid.IntRange(-1000, 1000), func(i int) any { return float64(i) }),
		rapid.Map(rapid.StringMatching(`[a-z ]{0,12}`), func(s string) any { return s }),
		rapid.Map(rapid.Bool(), func(b bool) any { return b }),
		rapid.Map(rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,5}`), 0, 4), func(xs []string) any {
			out := make([]any, len(xs))
			for i, x := range xs {
				out[i] = x
			}
			return out
		}),
	)
}

func stateMap() *rapid.Generator[map[string]any] {
	return rapid.MapOfN(rapid.StringMatching(`[a-z_]{1,8}`), stateValue(), 0, 6)
}

func TestMergeIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		base := stateMap().Draw(t, "base")
		update := stateMap().Draw(t, "update")

		ss := NewSharedState(NewMemoryStore())
		if err := ss.Init(ctx, base); err != nil {
			t.Fatalf("init: %v", err)
		}

		if _, err := ss.Merge(ctx, update); err != nil {
			t.Fatalf("merge: %v", err)
		}
		once, err := ss.Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}

		if _, err := ss.Merge(ctx, update); err != nil {
			t.Fatalf("merge: %v", err)
		}
		twice, err := ss.Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}

		assert.Equal(t, once, twice)
		for k, v := range update {
			assert.Equal(t, v, once[k])
		}
		for k, v := range base {
			if _, overwritten := update[k]; !overwritten {
				assert.Equal(t, v, once[k])
			}
		}
	})
}
