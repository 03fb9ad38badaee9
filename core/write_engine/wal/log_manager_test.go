package wal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupLogManager(t *testing.T) (*LogManager, string) {
	t.Helper()
	tempDir := t.TempDir()

	lm, err := NewLogManager(tempDir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = lm.Close() })
	return lm, tempDir
}

func TestAppendAssignsSequentialLSNs(t *testing.T) {
	lm, _ := setupLogManager(t)

	for i := 0; i < 3; i++ {
		lsn, err := lm.Append([]byte(fmt.Sprintf("record %d", i+1)))
		require.NoError(t, err)
		require.Equal(t, LSN(i+1), lsn, "LSN should be sequential and 1-based")
	}
	require.Equal(t, LSN(3), lm.CurrentLSN())
}

func TestFlushUntilAdvancesDurability(t *testing.T) {
	lm, _ := setupLogManager(t)

	lsn, err := lm.Append([]byte("record"))
	require.NoError(t, err)
	require.Equal(t, LSN(0), lm.LastFlushedLSN())

	require.NoError(t, lm.FlushUntil(lsn))
	require.Equal(t, lsn, lm.LastFlushedLSN())

	// Flushing an already durable prefix is a no-op.
	require.NoError(t, lm.FlushUntil(lsn))
	require.Equal(t, lsn, lm.LastFlushedLSN())
}

func TestTailLSNSurvivesRestart(t *testing.T) {
	tempDir := t.TempDir()

	lm1, err := NewLogManager(tempDir, zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := lm1.Append([]byte(fmt.Sprintf("record %d", i+1)))
		require.NoError(t, err)
	}
	require.NoError(t, lm1.Close())

	lm2, err := NewLogManager(tempDir, zap.NewNop())
	require.NoError(t, err)
	defer lm2.Close()

	require.Equal(t, LSN(5), lm2.CurrentLSN())
	lsn, err := lm2.Append([]byte("after restart"))
	require.NoError(t, err)
	require.Equal(t, LSN(6), lsn)
}

func TestRegisterDirtyKeepsFirstLSN(t *testing.T) {
	lm, _ := setupLogManager(t)

	lm.RegisterDirty(1, 0, 5)
	lm.RegisterDirty(1, 0, 9)

	pages := lm.CheckpointDirtyPages()
	require.Len(t, pages, 1)
	require.Equal(t, DirtyPage{FileID: 1, PageIndex: 0, LSN: 5}, pages[0])
}

func TestCheckpointDirtyPagesIsOrdered(t *testing.T) {
	lm, _ := setupLogManager(t)

	lm.RegisterDirty(2, 1, 3)
	lm.RegisterDirty(1, 7, 2)
	lm.RegisterDirty(1, 0, 1)

	pages := lm.CheckpointDirtyPages()
	require.Equal(t, []DirtyPage{
		{FileID: 1, PageIndex: 0, LSN: 1},
		{FileID: 1, PageIndex: 7, LSN: 2},
		{FileID: 2, PageIndex: 1, LSN: 3},
	}, pages)
}

func TestClearDirtyDropsPage(t *testing.T) {
	lm, _ := setupLogManager(t)

	lm.RegisterDirty(1, 0, 1)
	lm.RegisterDirty(1, 1, 2)
	lm.ClearDirty(1, 0)

	pages := lm.CheckpointDirtyPages()
	require.Len(t, pages, 1)
	require.Equal(t, uint64(1), pages[0].PageIndex)
}

func TestCloseFlushesBufferedRecords(t *testing.T) {
	tempDir := t.TempDir()

	lm, err := NewLogManager(tempDir, zap.NewNop())
	require.NoError(t, err)
	_, err = lm.Append([]byte("this must survive a restart"))
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	reopened, err := NewLogManager(tempDir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, LSN(1), reopened.CurrentLSN())
	require.Equal(t, LSN(1), reopened.LastFlushedLSN())
}
