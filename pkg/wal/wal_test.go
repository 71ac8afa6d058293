package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, w *WAL) ([]Entry, int64) {
	t.Helper()
	var out []Entry
	n, err := w.Replay(func(e Entry) error {
		out = append(out, e)
		return nil
	})
	require.NoError(t, err)
	return out, n
}

func TestWAL_AppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.log")

	w, err := Open(path, false)
	require.NoError(t, err)

	require.NoError(t, w.Append(Entry{SeqNum: 1, Key: []byte("a"), Value: []byte("1"), Meta: OpPut}))
	require.NoError(t, w.AppendAll([]Entry{
		{SeqNum: 2, Key: []byte("b"), Value: []byte{}, Meta: OpPut},
		{SeqNum: 3, Key: []byte("a"), Meta: OpDelete},
	}))
	require.NoError(t, w.Close())

	w, err = Open(path, false)
	require.NoError(t, err)
	defer w.Close()

	entries, n := collect(t, w)
	require.Len(t, entries, 3)
	assert.Equal(t, w.Size(), n)

	assert.Equal(t, uint64(1), entries[0].SeqNum)
	assert.Equal(t, []byte("a"), entries[0].Key)
	assert.Equal(t, []byte("1"), entries[0].Value)
	assert.Equal(t, OpPut, entries[0].Meta)

	assert.Equal(t, []byte("b"), entries[1].Key)
	assert.NotNil(t, entries[1].Value)
	assert.Empty(t, entries[1].Value)

	assert.Equal(t, OpDelete, entries[2].Meta)
}

func TestWAL_TornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.log")

	w, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{SeqNum: 1, Key: []byte("k1"), Value: []byte("v1"), Meta: OpPut}))
	require.NoError(t, w.Append(Entry{SeqNum: 2, Key: []byte("k2"), Value: []byte("v2"), Meta: OpPut}))
	intact := w.Size()
	require.NoError(t, w.Close())

	// simulate a crash in the middle of a third write
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path, false)
	require.NoError(t, err)
	defer w.Close()

	entries, n := collect(t, w)
	require.Len(t, entries, 2)
	assert.Equal(t, intact, n)

	require.NoError(t, w.Truncate(n))
	require.NoError(t, w.Append(Entry{SeqNum: 3, Key: []byte("k3"), Value: []byte("v3"), Meta: OpPut}))

	entries, _ = collect(t, w)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("k3"), entries[2].Key)
}

func TestWAL_ChecksumMismatchStopsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.log")

	w, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{SeqNum: 1, Key: []byte("k1"), Value: []byte("v1"), Meta: OpPut}))
	first := w.Size()
	require.NoError(t, w.Append(Entry{SeqNum: 2, Key: []byte("k2"), Value: []byte("v2"), Meta: OpPut}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	w, err = Open(path, true)
	require.NoError(t, err)
	defer w.Close()

	entries, n := collect(t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, first, n)
}

func TestWAL_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "records.log")

	w, err := Open(path, true)
	require.NoError(t, err)

	entries, n := collect(t, w)
	assert.Empty(t, entries)
	assert.Zero(t, n)

	assert.ErrorIs(t, w.Append(Entry{SeqNum: 1, Key: []byte("k")}), ErrReadOnly)
	assert.ErrorIs(t, w.Truncate(0), ErrReadOnly)
	require.NoError(t, w.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "read-only open must not create files")
}

func TestWAL_ClosedRejectsWrites(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "records.log"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Append(Entry{SeqNum: 1, Key: []byte("k")}), ErrClosed)
	require.NoError(t, w.Close())
}

func recordDirSyncs(t *testing.T) *[]string {
	t.Helper()
	var synced []string
	prev := dirSyncer
	dirSyncer = func(dir string) error {
		synced = append(synced, dir)
		return SyncDir(dir)
	}
	t.Cleanup(func() { dirSyncer = prev })
	return &synced
}

func TestWAL_OpenSyncsNewDirectoryEntries(t *testing.T) {
	synced := recordDirSyncs(t)

	root := t.TempDir()
	dir := filepath.Join(root, "data", "node-8080")
	path := filepath.Join(dir, "records.log")

	w, err := Open(path, false)
	require.NoError(t, err)

	// the new file lives in dir; dir and data were created under root
	assert.ElementsMatch(t, []string{dir, filepath.Join(root, "data"), root}, *synced)
	require.NoError(t, w.Append(Entry{SeqNum: 1, Key: []byte("k"), Value: []byte("v"), Meta: OpPut}))
	require.NoError(t, w.Close())

	*synced = nil
	w, err = Open(path, false)
	require.NoError(t, err)
	defer w.Close()
	assert.Empty(t, *synced, "reopening an existing log creates no entries")

	entries, _ := collect(t, w)
	require.Len(t, entries, 1)
}

func TestWAL_OpenSyncsParentOfNewFile(t *testing.T) {
	synced := recordDirSyncs(t)

	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "records.log"), false)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, []string{dir}, *synced)
}

func TestWAL_OpenFailsWhenDirectorySyncFails(t *testing.T) {
	prev := dirSyncer
	dirSyncer = func(string) error { return os.ErrPermission }
	t.Cleanup(func() { dirSyncer = prev })

	_, err := Open(filepath.Join(t.TempDir(), "records.log"), false)
	assert.ErrorIs(t, err, os.ErrPermission)
}
