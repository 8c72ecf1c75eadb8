package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUpsertSourceCreatesAndUpdates(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	sf, err := c.UpsertSource(ctx, "a.txt", "/src", "aaa", 10, 100)
	require.NoError(t, err)
	require.NotZero(t, sf.ID)

	sf2, err := c.UpsertSource(ctx, "a.txt", "/src", "bbb", 20, 200)
	require.NoError(t, err)
	require.Equal(t, sf.ID, sf2.ID)
	require.Equal(t, "bbb", sf2.Hash)
	require.Equal(t, int64(20), sf2.FileSize)
}

func TestGetSourceByPathMissing(t *testing.T) {
	c := openTest(t)
	_, ok, err := c.GetSourceByPath(context.Background(), "nope.txt", "/src")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertBackupLinksSource(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	sf, err := c.UpsertSource(ctx, "a.txt", "/src", "aaa", 10, 100)
	require.NoError(t, err)

	bf, err := c.UpsertBackup(ctx, sf.ID, "a.txt", "/dst", 100)
	require.NoError(t, err)
	require.Equal(t, sf.ID, bf.SourceID)

	got, ok, err := c.GetBackupForSource(ctx, "a.txt", "/dst")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bf.ID, got.ID)
}

func TestSourceFileUniqueness(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	_, err := c.UpsertSource(ctx, "a.txt", "/src", "aaa", 10, 100)
	require.NoError(t, err)

	var count int
	row := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_files WHERE file_name = ? AND file_path = ?`, "a.txt", "/src")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)

	_, err = c.UpsertSource(ctx, "a.txt", "/src", "ccc", 30, 300)
	require.NoError(t, err)
	row = c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_files WHERE file_name = ? AND file_path = ?`, "a.txt", "/src")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestHistoryRingBounded(t *testing.T) {
	c := openTest(t)
	for i := 0; i < historyLimit+10; i++ {
		c.AppendHistory(RunSummary{ID: NewRunID(), StartedAt: time.Now(), State: "Completed"})
	}
	require.Len(t, c.ListHistory(0), historyLimit)
}

func TestListHistoryRespectsLimit(t *testing.T) {
	c := openTest(t)
	c.AppendHistory(RunSummary{ID: "1"})
	c.AppendHistory(RunSummary{ID: "2"})
	c.AppendHistory(RunSummary{ID: "3"})

	got := c.ListHistory(2)
	require.Len(t, got, 2)
	require.Equal(t, "2", got[0].ID)
	require.Equal(t, "3", got[1].ID)
}
