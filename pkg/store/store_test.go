package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/metrics"
)

func TestOpen_Engines(t *testing.T) {
	for _, engine := range []string{EngineLog, EnginePebble} {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "node-8080")

			e, err := Open(Options{Engine: engine, Path: path})
			require.NoError(t, err)

			require.NoError(t, e.Put(ctx, []byte("foo"), []byte("bar")))
			require.NoError(t, e.Close())

			ro, err := Open(Options{Engine: engine, Path: path, ReadOnly: true})
			require.NoError(t, err)
			defer ro.Close()

			v, found, err := ro.Get(ctx, []byte("foo"))
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("bar"), v)

			assert.ErrorIs(t, ro.Put(ctx, []byte("foo"), []byte("baz")), dberrors.ErrReadOnly)
			assert.ErrorIs(t, ro.Delete(ctx, []byte("foo")), dberrors.ErrReadOnly)

			v, _, _ = ro.Get(ctx, []byte("foo"))
			assert.Equal(t, []byte("bar"), v)
		})
	}
}

func TestOpen_UnknownEngine(t *testing.T) {
	_, err := Open(Options{Engine: "sled", Path: t.TempDir()})
	assert.ErrorIs(t, err, dberrors.ErrValidation)
}

func TestInstrument_RecordsErrors(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()

	path := t.TempDir()
	rw, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	e, err := Open(Options{Path: path, ReadOnly: true, Metrics: reg})
	require.NoError(t, err)
	defer e.Close()

	_, _, err = e.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Error(t, e.Put(ctx, []byte("k"), []byte("v")))

	var buf bytes.Buffer
	reg.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `shardkv_storage_errors_total{code="read_only",op="put"} 1`)
	assert.Contains(t, buf.String(), `shardkv_storage_duration_seconds_bucket{op="get"`)
}
