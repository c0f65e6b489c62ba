package library

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentshelf/internal/catalog"
	"github.com/Lllllllleong/documentshelf/internal/models"
	"github.com/Lllllllleong/documentshelf/internal/snapshot"
	"github.com/Lllllllleong/documentshelf/internal/testsupport"
)

// fakeCatalog is an in-memory Catalog with controllable failures and an
// optional gate that holds queries open, for coalescing tests.
type fakeCatalog struct {
	mu          sync.Mutex
	owned       []models.DocumentRecord
	favorited   []models.DocumentRecord
	ownedErr    error
	favoriteErr error
	binaries    map[string][]byte
	gate        chan struct{}

	ownedCalls  int
	favCalls    int
	rangeCalls  int
	patches     map[string]map[string]any
	favoriteOps []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		binaries: make(map[string][]byte),
		patches:  make(map[string]map[string]any),
	}
}

func (f *fakeCatalog) waitGate(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeCatalog) QueryByOwner(ctx context.Context, userID string) ([]models.DocumentRecord, error) {
	f.mu.Lock()
	f.ownedCalls++
	records, err := append([]models.DocumentRecord(nil), f.owned...), f.ownedErr
	f.mu.Unlock()
	if gateErr := f.waitGate(ctx); gateErr != nil {
		return nil, gateErr
	}
	return records, err
}

func (f *fakeCatalog) QueryFavorites(ctx context.Context, userID string) ([]models.DocumentRecord, error) {
	f.mu.Lock()
	f.favCalls++
	records, err := append([]models.DocumentRecord(nil), f.favorited...), f.favoriteErr
	f.mu.Unlock()
	if gateErr := f.waitGate(ctx); gateErr != nil {
		return nil, gateErr
	}
	return records, err
}

func (f *fakeCatalog) FindByStoragePath(ctx context.Context, storagePath string) (models.DocumentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range append(append([]models.DocumentRecord(nil), f.owned...), f.favorited...) {
		if r.StoragePath == storagePath {
			return r, nil
		}
	}
	return models.DocumentRecord{}, &catalog.Error{Kind: catalog.KindNotFound, Op: "find"}
}

func (f *fakeCatalog) GetBinary(ctx context.Context, storagePath string) ([]byte, error) {
	return f.GetBinaryRange(ctx, storagePath, 0, -1)
}

func (f *fakeCatalog) GetBinaryRange(ctx context.Context, storagePath string, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls++
	data, ok := f.binaries[storagePath]
	if !ok {
		return nil, &catalog.Error{Kind: catalog.KindNotFound, Op: "get binary"}
	}
	if length > 0 && int64(len(data)) > length {
		data = data[offset : offset+length]
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeCatalog) PatchRecord(ctx context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[id] = fields
	return nil
}

func (f *fakeCatalog) SetFavorite(ctx context.Context, userID, id string, favorite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := id + ":off"
	if favorite {
		op = id + ":on"
		for _, r := range f.owned {
			if r.ID == id {
				f.favorited = append(f.favorited, r)
			}
		}
	} else {
		kept := f.favorited[:0]
		for _, r := range f.favorited {
			if r.ID != id {
				kept = append(kept, r)
			}
		}
		f.favorited = kept
	}
	f.favoriteOps = append(f.favoriteOps, op)
	return nil
}

func (f *fakeCatalog) counts() (owned, favorites, ranges int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ownedCalls, f.favCalls, f.rangeCalls
}

func newTestEngine(t *testing.T, cat catalog.Catalog) *Engine {
	t.Helper()
	store, err := snapshot.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	thumbs := snapshot.NewThumbnailCache(50, time.Hour)
	return NewEngine(cat, store, thumbs, Config{FetchRate: 10000})
}

func drainEvents(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		default:
			return events
		}
	}
}

func enrichedEvents(events []Event) []models.RecordEnriched {
	var out []models.RecordEnriched
	for _, e := range events {
		if re, ok := e.(models.RecordEnriched); ok {
			out = append(out, re)
		}
	}
	return out
}

const user = "user-1"

func TestRefreshFromEmptyStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cat := newFakeCatalog()
	cat.owned = []models.DocumentRecord{
		{ID: "a", Title: "Counted", StoragePath: "documents/a.pdf", PageCount: 9, UploadedAt: now.Add(-time.Hour)},
		{ID: "b", Title: "Uncounted 1", StoragePath: "documents/b.pdf", UploadedAt: now.Add(-2 * time.Hour)},
		{ID: "c", Title: "Uncounted 2", StoragePath: "documents/c.pdf", UploadedAt: now.Add(-3 * time.Hour)},
	}
	cat.binaries["documents/b.pdf"] = testsupport.MinimalPDF(4)
	cat.binaries["documents/c.pdf"] = testsupport.MinimalPDF(11)

	engine := newTestEngine(t, cat)
	engine.now = func() time.Time { return now }
	events := engine.Subscribe()

	unified, err := engine.Refresh(ctx, user, false)
	require.NoError(t, err)
	require.Len(t, unified, 3)
	assert.Equal(t, "a", unified[0].ID, "sorted newest first")

	_, _, fresh := engine.GetSnapshot(ctx, user)
	assert.True(t, fresh, "freshly refreshed snapshot reports fresh")

	engine.Close()

	owned, _, _ := engine.GetSnapshot(ctx, user)
	pageCounts := map[string]int{}
	for _, r := range owned {
		pageCounts[r.ID] = r.PageCount
	}
	assert.Equal(t, 9, pageCounts["a"], "known page count untouched")
	assert.Equal(t, 4, pageCounts["b"])
	assert.Equal(t, 11, pageCounts["c"])

	enriched := enrichedEvents(drainEvents(events))
	assert.Len(t, enriched, 2, "one event per newly resolved record")

	cat.mu.Lock()
	defer cat.mu.Unlock()
	assert.Contains(t, cat.patches, "b", "resolved page count pushed back to the catalog")
	assert.Contains(t, cat.patches, "c")
	assert.NotContains(t, cat.patches, "a")
}

func TestRefreshCoalescing(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog()
	cat.owned = []models.DocumentRecord{{ID: "a"}}
	cat.gate = make(chan struct{})

	engine := newTestEngine(t, cat)

	results := make(chan int, 5)
	go func() {
		unified, _ := engine.Refresh(ctx, user, false)
		results <- len(unified)
	}()
	// Wait for the first refresh to be in flight before piling on.
	require.Eventually(t, func() bool {
		owned, _, _ := cat.counts()
		return owned == 1
	}, time.Second, time.Millisecond)

	for i := 0; i < 4; i++ {
		go func() {
			unified, _ := engine.Refresh(ctx, user, false)
			results <- len(unified)
		}()
	}
	time.Sleep(10 * time.Millisecond) // let the followers reach the in-flight check
	close(cat.gate)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, <-results)
	}
	owned, favorites, _ := cat.counts()
	assert.Equal(t, 1, owned, "five concurrent refreshes issue one fan-out")
	assert.Equal(t, 1, favorites)
	engine.Close()
}

func TestRefreshPartialDegradation(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog()
	cat.owned = []models.DocumentRecord{{ID: "a", PageCount: 1}, {ID: "b", PageCount: 2}}
	cat.favoriteErr = &catalog.Error{Kind: catalog.KindNetwork, Op: "query favorites"}

	engine := newTestEngine(t, cat)
	unified, err := engine.Refresh(ctx, user, false)
	require.NoError(t, err, "one failed side degrades, it does not fail the refresh")
	assert.Len(t, unified, 2)
	engine.Close()
}

func TestRefreshBothFailNoSnapshot(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog()
	cat.ownedErr = &catalog.Error{Kind: catalog.KindNetwork, Op: "query owned"}
	cat.favoriteErr = &catalog.Error{Kind: catalog.KindNetwork, Op: "query favorites"}

	engine := newTestEngine(t, cat)
	_, err := engine.Refresh(ctx, user, false)
	assert.ErrorIs(t, err, ErrUnavailable)
	engine.Close()
}

func TestRefreshBothFailKeepsPriorSnapshot(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog()
	cat.owned = []models.DocumentRecord{{ID: "a", PageCount: 1}}

	engine := newTestEngine(t, cat)
	_, err := engine.Refresh(ctx, user, false)
	require.NoError(t, err)

	cat.mu.Lock()
	cat.ownedErr = &catalog.Error{Kind: catalog.KindNetwork, Op: "query owned"}
	cat.favoriteErr = &catalog.Error{Kind: catalog.KindNetwork, Op: "query favorites"}
	cat.mu.Unlock()

	unified, err := engine.Refresh(ctx, user, true)
	require.NoError(t, err)
	assert.Len(t, unified, 1, "stale snapshot keeps serving when the remote is down")
	engine.Close()
}

func TestRefreshNeverRegressesEnrichment(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog()
	cat.owned = []models.DocumentRecord{
		{ID: "a", Title: "Doc", StoragePath: "documents/a.pdf", PageCount: 0},
	}
	cat.binaries["documents/a.pdf"] = testsupport.MinimalPDF(7)

	engine := newTestEngine(t, cat)
	_, err := engine.Refresh(ctx, user, false)
	require.NoError(t, err)
	engine.Wait() // enrichment resolves page count 7

	// The remote still reports pageCount 0; a second refresh must not undo
	// the enrichment result.
	unified, err := engine.Refresh(ctx, user, true)
	require.NoError(t, err)
	require.Len(t, unified, 1)
	assert.Equal(t, 7, unified[0].PageCount)
	engine.Close()
}

func TestToggleFavorite(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog()
	rec := models.DocumentRecord{ID: "a", Title: "Doc", PageCount: 3}
	cat.owned = []models.DocumentRecord{rec}

	engine := newTestEngine(t, cat)
	_, err := engine.Refresh(ctx, user, false)
	require.NoError(t, err)
	events := engine.Subscribe()

	engine.ToggleFavorite(ctx, user, rec, true)
	engine.Wait() // let the remote patch-back land before the next refresh
	owned, favorited, _ := engine.GetSnapshot(ctx, user)
	require.Len(t, owned, 1, "favoriting copies, it does not move")
	assert.True(t, owned[0].Favorite)
	require.Len(t, favorited, 1)
	assert.True(t, favorited[0].Favorite)

	unified, err := engine.Refresh(ctx, user, false)
	require.NoError(t, err)
	assert.Len(t, unified, 1, "unified view holds one entry per id")

	engine.ToggleFavorite(ctx, user, rec, false)
	engine.Wait()
	owned, favorited, _ = engine.GetSnapshot(ctx, user)
	assert.Len(t, owned, 1, "unfavoriting removes from favorited only")
	assert.Empty(t, favorited)

	engine.Close()

	var toggles []models.FavoriteToggled
	for _, e := range drainEvents(events) {
		if ft, ok := e.(models.FavoriteToggled); ok {
			toggles = append(toggles, ft)
		}
	}
	require.Len(t, toggles, 2)
	assert.True(t, toggles[0].Favorite)
	assert.False(t, toggles[1].Favorite)

	cat.mu.Lock()
	defer cat.mu.Unlock()
	assert.Equal(t, []string{"a:on", "a:off"}, cat.favoriteOps, "relation pushed remotely best-effort")
}

func TestEnrichIdempotent(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog()
	engine := newTestEngine(t, cat)

	records := []models.DocumentRecord{
		{ID: "a", StoragePath: "documents/a.pdf", PageCount: 5, Thumbnail: []byte{1}},
		{ID: "b", StoragePath: "documents/b.pdf", PageCount: 2, Thumbnail: []byte{2}},
	}
	events := engine.Subscribe()

	engine.Enrich(ctx, user, records)
	engine.Enrich(ctx, user, records)

	engine.Close()
	assert.Empty(t, enrichedEvents(drainEvents(events)), "fully enriched records produce no events")
	_, _, ranges := cat.counts()
	assert.Zero(t, ranges, "no remote fetches for fully enriched records")
}

func TestSnapshotGoesStale(t *testing.T) {
	ctx := context.Background()
	cat := newFakeCatalog()
	cat.owned = []models.DocumentRecord{{ID: "a", PageCount: 1}}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := newTestEngine(t, cat)
	engine.now = func() time.Time { return now }

	_, err := engine.Refresh(ctx, user, false)
	require.NoError(t, err)

	_, _, fresh := engine.GetSnapshot(ctx, user)
	assert.True(t, fresh)

	engine.now = func() time.Time { return now.Add(models.FreshnessWindow) }
	_, _, fresh = engine.GetSnapshot(ctx, user)
	assert.False(t, fresh, "snapshot is stale at exactly the freshness window")
	engine.Close()
}

func TestUnauthenticatedNoOps(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newFakeCatalog())

	owned, favorited, fresh := engine.GetSnapshot(ctx, "")
	assert.Empty(t, owned)
	assert.Empty(t, favorited)
	assert.False(t, fresh)

	unified, err := engine.Refresh(ctx, "", false)
	assert.NoError(t, err)
	assert.Nil(t, unified)

	engine.ToggleFavorite(ctx, "", models.DocumentRecord{ID: "a"}, true)
	engine.Close()
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cat := newFakeCatalog()
	cat.owned = []models.DocumentRecord{{ID: "a", Title: "Doc", PageCount: 3}}

	store, err := snapshot.Open(dir)
	require.NoError(t, err)
	engine := NewEngine(cat, store, snapshot.NewThumbnailCache(10, time.Hour), Config{})
	_, err = engine.Refresh(ctx, user, false)
	require.NoError(t, err)
	engine.Close()
	require.NoError(t, store.Close())

	// A new engine over the same directory serves the snapshot before any
	// network activity.
	store2, err := snapshot.Open(dir)
	require.NoError(t, err)
	defer store2.Close()
	broken := newFakeCatalog()
	broken.ownedErr = &catalog.Error{Kind: catalog.KindNetwork, Op: "query owned"}
	broken.favoriteErr = &catalog.Error{Kind: catalog.KindNetwork, Op: "query favorites"}
	engine2 := NewEngine(broken, store2, snapshot.NewThumbnailCache(10, time.Hour), Config{})

	owned, _, _ := engine2.GetSnapshot(ctx, user)
	require.Len(t, owned, 1)
	assert.Equal(t, "Doc", owned[0].Title)
	engine2.Close()
}
