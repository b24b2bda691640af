package changelog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T, dir string) *WALFile {
	t.Helper()
	w, err := OpenWALFile(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWALFile_AppendAndReadBack(t *testing.T) {
	t.Parallel()

	w := openTestWAL(t, t.TempDir())

	lsn1, err := w.Append(100, "notes", "n1", map[string]any{"title": "hello", "pinned": true})
	require.NoError(t, err)
	lsn2, err := w.Append(100, "notes", "n2", nil)
	require.NoError(t, err)
	lsn3, err := w.Commit(100)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), lsn1)
	assert.Equal(t, uint64(2), lsn2)
	assert.Equal(t, uint64(3), lsn3)

	records, err := w.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, KindData, records[0].Kind)
	assert.Equal(t, uint64(100), records[0].TxnID)
	assert.Equal(t, "notes", records[0].Collection)
	assert.Equal(t, "n1", records[0].EntityID)
	assert.Equal(t, map[string]any{"title": "hello", "pinned": true}, records[0].AfterImage)

	assert.Equal(t, KindData, records[1].Kind)
	assert.Nil(t, records[1].AfterImage)

	assert.Equal(t, KindCommit, records[2].Kind)
	assert.Equal(t, uint64(100), records[2].TxnID)
}

func TestWALFile_ReadFromSkipsConsumed(t *testing.T) {
	t.Parallel()

	w := openTestWAL(t, t.TempDir())
	_, err := w.Append(1, "notes", "n1", map[string]any{})
	require.NoError(t, err)
	_, err = w.Commit(1)
	require.NoError(t, err)

	records, err := w.ReadFrom(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = w.ReadFrom(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, KindCommit, records[0].Kind)
}

func TestWALFile_SurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := OpenWALFile(dir)
	require.NoError(t, err)
	_, err = w.Append(7, "tags", "t1", map[string]any{"name": "urgent"})
	require.NoError(t, err)
	_, err = w.Commit(7)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened := openTestWAL(t, dir)
	records, err := reopened.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "tags", records[0].Collection)

	// LSNs keep climbing after reopen.
	lsn, err := reopened.Append(8, "tags", "t2", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), lsn)
}

func TestWALFile_RejectsForeignFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	garbage := make([]byte, walHeaderSize)
	copy(garbage, "XXXX")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wal.dat"), garbage, 0o644))

	_, err := OpenWALFile(dir)
	assert.ErrorIs(t, err, ErrWALCorrupted)
}

func TestWALFile_ClosedRejectsOperations(t *testing.T) {
	t.Parallel()

	w, err := OpenWALFile(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append(1, "notes", "n1", nil)
	assert.ErrorIs(t, err, ErrWALClosed)
	_, err = w.Commit(1)
	assert.ErrorIs(t, err, ErrWALClosed)
	_, err = w.ReadFrom(context.Background(), 0)
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.ErrorIs(t, w.Sync(), ErrWALClosed)
	assert.NoError(t, w.Close())
}

func TestWALFile_FailedGrowPoisonsFile(t *testing.T) {
	t.Parallel()

	w := openTestWAL(t, t.TempDir())
	_, err := w.Append(1, "notes", "n1", map[string]any{"title": "hello"})
	require.NoError(t, err)

	// Close the descriptor behind the mapping so the grow path fails at
	// Truncate, then shrink the bookkeeping size to force a grow on the
	// next append.
	require.NoError(t, w.file.Close())
	w.size = w.header.NextOffset + 1

	_, err = w.Append(2, "notes", "n2", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWALClosed)

	// The mapping is gone; every later call must fail typed instead of
	// touching it.
	_, err = w.Append(3, "notes", "n3", nil)
	assert.ErrorIs(t, err, ErrWALClosed)
	_, err = w.Commit(1)
	assert.ErrorIs(t, err, ErrWALClosed)
	_, err = w.ReadFrom(context.Background(), 0)
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.ErrorIs(t, w.Sync(), ErrWALClosed)
	assert.NoError(t, w.Close())
}

func TestWALFile_GrowsBeyondInitialSize(t *testing.T) {
	t.Parallel()

	w := openTestWAL(t, t.TempDir())

	// Large enough post-images to force at least one remap.
	big := make([]byte, 512*1024)
	for i := range big {
		big[i] = byte(i % 251)
	}
	for i := 0; i < 12; i++ {
		_, err := w.Append(uint64(i), "blobs", "b", map[string]any{"data": big})
		require.NoError(t, err)
	}
	_, err := w.Commit(11)
	require.NoError(t, err)

	records, err := w.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 13)
	assert.Equal(t, big, records[11].AfterImage["data"])
}
