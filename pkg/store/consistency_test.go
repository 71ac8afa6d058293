package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachEngine runs fn against a fresh directory for every engine.
func forEachEngine(t *testing.T, fn func(t *testing.T, engine, dir string)) {
	for _, engine := range []string{EngineLog, EnginePebble} {
		t.Run(engine, func(t *testing.T) {
			fn(t, engine, t.TempDir())
		})
	}
}

func mustGet(t *testing.T, e Engine, key string) (string, bool) {
	t.Helper()
	v, found, err := e.Get(context.Background(), []byte(key))
	require.NoError(t, err)
	return string(v), found
}

func TestDataConsistency(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine, dir string) {
		ctx := context.Background()
		e, err := Open(Options{Engine: engine, Path: dir})
		require.NoError(t, err)
		defer e.Close()

		require.NoError(t, e.Put(ctx, []byte("key1"), []byte("value1")))
		v, found := mustGet(t, e, "key1")
		assert.True(t, found)
		assert.Equal(t, "value1", v)

		require.NoError(t, e.Put(ctx, []byte("key1"), []byte("value1_updated")))
		v, _ = mustGet(t, e, "key1")
		assert.Equal(t, "value1_updated", v)

		require.NoError(t, e.Put(ctx, []byte("empty"), []byte{}))
		v, found = mustGet(t, e, "empty")
		assert.True(t, found, "an empty value is still a value")
		assert.Equal(t, "", v)

		require.NoError(t, e.Delete(ctx, []byte("key1")))
		_, found = mustGet(t, e, "key1")
		assert.False(t, found)

		// deleting twice is fine
		require.NoError(t, e.Delete(ctx, []byte("key1")))
		require.NoError(t, e.Delete(ctx, []byte("never-written")))
	})
}

func TestDataPersistence(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine, dir string) {
		ctx := context.Background()

		e1, err := Open(Options{Engine: engine, Path: dir})
		require.NoError(t, err)
		require.NoError(t, e1.Put(ctx, []byte("persistent_key"), []byte("persistent_value")))
		require.NoError(t, e1.Put(ctx, []byte("gone"), []byte("x")))
		require.NoError(t, e1.Delete(ctx, []byte("gone")))
		require.NoError(t, e1.Close())

		e2, err := Open(Options{Engine: engine, Path: dir})
		require.NoError(t, err)
		defer e2.Close()

		v, found := mustGet(t, e2, "persistent_key")
		assert.True(t, found, "persistent key not found after restart")
		assert.Equal(t, "persistent_value", v)

		_, found = mustGet(t, e2, "gone")
		assert.False(t, found, "deletes survive restart")
	})
}

func TestConcurrentConsistency(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine, dir string) {
		e, err := Open(Options{Engine: engine, Path: dir})
		require.NoError(t, err)
		defer e.Close()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				key := fmt.Sprintf("concurrent_key_%d", id)
				value := fmt.Sprintf("concurrent_value_%d", id)
				assert.NoError(t, e.Put(context.Background(), []byte(key), []byte(value)))
			}(i)
		}
		wg.Wait()

		for i := 0; i < 10; i++ {
			v, found := mustGet(t, e, fmt.Sprintf("concurrent_key_%d", i))
			assert.True(t, found)
			assert.Equal(t, fmt.Sprintf("concurrent_value_%d", i), v)
		}
	})
}
