package snapshot

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentshelf/internal/models"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := models.Snapshot{
		Owned: []models.DocumentRecord{
			{ID: "a", Title: "First", PageCount: 4, UploadedAt: captured.Add(-time.Hour)},
			{ID: "b", Title: "Second", FileSize: models.UnknownFileSize},
		},
		Favorited:  []models.DocumentRecord{{ID: "c", Title: "Starred", Favorite: true}},
		CapturedAt: captured,
	}
	require.NoError(t, store.Save(ctx, "user-1", snap))

	loaded, err := store.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, loaded.CapturedAt.Equal(captured))
	require.Len(t, loaded.Owned, 2)
	assert.Equal(t, "a", loaded.Owned[0].ID, "collection order survives")
	assert.Equal(t, 4, loaded.Owned[0].PageCount)
	require.Len(t, loaded.Favorited, 1)
	assert.True(t, loaded.Favorited[0].Favorite)
}

func TestLoadMissingUser(t *testing.T) {
	store := openStore(t)
	snap, err := store.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, snap.Owned)
	assert.Empty(t, snap.Favorited)
	assert.True(t, snap.CapturedAt.IsZero())
}

func TestSaveReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	first := models.Snapshot{
		Owned:      []models.DocumentRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		CapturedAt: time.Now(),
	}
	require.NoError(t, store.Save(ctx, "user-1", first))

	second := models.Snapshot{
		Owned:      []models.DocumentRecord{{ID: "d"}},
		CapturedAt: time.Now(),
	}
	require.NoError(t, store.Save(ctx, "user-1", second))

	loaded, err := store.Load(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, loaded.Owned, 1)
	assert.Equal(t, "d", loaded.Owned[0].ID)
}

func TestCacheBinary(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	path, err := store.CacheBinary(ctx, "doc-1", []byte("%PDF-1.4 pretend"))
	require.NoError(t, err)

	got, ok := store.BinaryPath(ctx, "doc-1")
	assert.True(t, ok)
	assert.Equal(t, path, got)

	_, ok = store.BinaryPath(ctx, "doc-unknown")
	assert.False(t, ok)

	// A registered path whose file vanished is treated as absent.
	require.NoError(t, os.Remove(path))
	_, ok = store.BinaryPath(ctx, "doc-1")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.Save(ctx, "user-1", models.Snapshot{
		Owned:      []models.DocumentRecord{{ID: "a"}},
		CapturedAt: time.Now(),
	}))
	path, err := store.CacheBinary(ctx, "a", []byte("data"))
	require.NoError(t, err)
	require.NoError(t, store.RecordOpened(ctx, "user-1", models.OpenedDocument{ID: "a", Title: "A"}))

	// Clear must tolerate binaries already deleted out from under it.
	require.NoError(t, os.Remove(path))
	require.NoError(t, store.Clear(ctx, "user-1"))

	snap, err := store.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, snap.Owned)
	_, ok := store.BinaryPath(ctx, "a")
	assert.False(t, ok)
	opened, err := store.PreviouslyOpened(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestPreviouslyOpenedMRU(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		require.NoError(t, store.RecordOpened(ctx, "user-1", models.OpenedDocument{
			ID:       fmt.Sprintf("doc-%d", i),
			Title:    fmt.Sprintf("Doc %d", i),
			OpenedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	opened, err := store.PreviouslyOpened(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, opened, models.MaxPreviouslyOpened, "six opens keep only the five most recent")
	assert.Equal(t, "doc-5", opened[0].ID, "most recent first")
	assert.Equal(t, "doc-1", opened[4].ID, "oldest entry trimmed")
}

func TestRecordOpenedDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordOpened(ctx, "user-1", models.OpenedDocument{ID: "doc", Title: "v1", OpenedAt: base}))
	require.NoError(t, store.RecordOpened(ctx, "user-1", models.OpenedDocument{ID: "doc", Title: "v2", OpenedAt: base.Add(time.Minute)}))

	opened, err := store.PreviouslyOpened(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, opened, 1)
	assert.Equal(t, "v2", opened[0].Title)
}

func TestUnauthenticatedOpsAreNoOps(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	assert.NoError(t, store.Save(ctx, "", models.Snapshot{Owned: []models.DocumentRecord{{ID: "a"}}}))
	snap, err := store.Load(ctx, "")
	assert.NoError(t, err)
	assert.Empty(t, snap.Owned)
	assert.NoError(t, store.Clear(ctx, ""))
	assert.NoError(t, store.RecordOpened(ctx, "", models.OpenedDocument{ID: "a"}))
}
