// Package library is the reconciliation core: it keeps the local snapshot of
// a user's owned and favorited documents in sync with the remote catalog and
// tops up missing page counts and thumbnails in the background.
//
// Every mutation of the shared snapshot funnels through the engine's mutex;
// remote fan-out and enrichment workers hand their results back through that
// single path, so UI-observable state never shows duplicates or half-merged
// collections.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Lllllllleong/documentshelf/internal/catalog"
	"github.com/Lllllllleong/documentshelf/internal/models"
	"github.com/Lllllllleong/documentshelf/internal/snapshot"
)

// ErrUnavailable is returned when both remote queries fail and no prior
// snapshot exists, leaving nothing to show. Callers present an empty state
// with a retry affordance.
var ErrUnavailable = errors.New("library unavailable: remote queries failed and no snapshot is cached")

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	// QueryTimeout bounds each remote collection query.
	QueryTimeout time.Duration
	// EnrichConcurrency bounds simultaneous extractions.
	EnrichConcurrency int
	// PrefixBytes is how much of a binary a partial enrichment fetch pulls.
	PrefixBytes int64
	// FetchRate limits remote range fetches issued by enrichment.
	FetchRate rate.Limit
}

func (c Config) withDefaults() Config {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.EnrichConcurrency <= 0 {
		c.EnrichConcurrency = 5
	}
	if c.PrefixBytes <= 0 {
		c.PrefixBytes = 200 * 1024
	}
	if c.FetchRate <= 0 {
		c.FetchRate = 4
	}
	return c
}

// Engine owns the snapshot lifecycle: load, staleness, refresh, merge,
// persist, and the derived unified view.
type Engine struct {
	catalog catalog.Catalog
	store   *snapshot.Store
	thumbs  *snapshot.ThumbnailCache
	events  *Publisher
	limiter *rate.Limiter
	config  Config

	// now is swappable so freshness boundaries are testable.
	now func() time.Time

	mu       sync.Mutex
	snaps    map[string]models.Snapshot
	loaded   map[string]bool
	inflight map[string]*refreshCall

	// background tracks fire-and-forget work so Wait can drain it.
	background sync.WaitGroup
}

type refreshCall struct {
	done    chan struct{}
	records []models.DocumentRecord
	err     error
}

// NewEngine wires the engine to its collaborators.
func NewEngine(cat catalog.Catalog, store *snapshot.Store, thumbs *snapshot.ThumbnailCache, config Config) *Engine {
	config = config.withDefaults()
	return &Engine{
		catalog:  cat,
		store:    store,
		thumbs:   thumbs,
		events:   &Publisher{},
		limiter:  rate.NewLimiter(config.FetchRate, 1),
		config:   config,
		now:      time.Now,
		snaps:    make(map[string]models.Snapshot),
		loaded:   make(map[string]bool),
		inflight: make(map[string]*refreshCall),
	}
}

// Subscribe exposes the engine's event stream.
func (e *Engine) Subscribe() <-chan Event { return e.events.Subscribe() }

// Close shuts the event stream down after background work drains.
func (e *Engine) Close() {
	e.background.Wait()
	e.events.Close()
}

// Wait blocks until all fire-and-forget work spawned so far has finished.
func (e *Engine) Wait() { e.background.Wait() }

// GetSnapshot returns the cached collections and whether they are still
// fresh. It never fails and never touches the network: with no user or no
// cache it reports empty collections and fresh=false.
func (e *Engine) GetSnapshot(ctx context.Context, userID string) (owned, favorited []models.DocumentRecord, fresh bool) {
	if userID == "" {
		return nil, nil, false
	}
	snap := e.currentSnapshot(ctx, userID)
	return cloneRecords(snap.Owned), cloneRecords(snap.Favorited), snap.Fresh(e.now())
}

// PreviouslyOpened returns the user's recently-opened documents.
func (e *Engine) PreviouslyOpened(ctx context.Context, userID string) ([]models.OpenedDocument, error) {
	return e.store.PreviouslyOpened(ctx, userID)
}

// RecordOpened notes that the user opened a document.
func (e *Engine) RecordOpened(ctx context.Context, userID string, rec models.DocumentRecord) error {
	return e.store.RecordOpened(ctx, userID, models.OpenedDocument{
		ID:          rec.ID,
		Title:       rec.Title,
		StoragePath: rec.StoragePath,
		OpenedAt:    e.now(),
	})
}

// Refresh pulls both collections from the remote catalog, merges them with
// the snapshot without regressing enrichment results, persists the result,
// and returns the unified view. Concurrent unforced refreshes for the same
// user coalesce onto the in-flight fetch.
func (e *Engine) Refresh(ctx context.Context, userID string, force bool) ([]models.DocumentRecord, error) {
	if userID == "" {
		return nil, nil
	}

	e.mu.Lock()
	if call, ok := e.inflight[userID]; ok && !force {
		e.mu.Unlock()
		select {
		case <-call.done:
			return call.records, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	e.inflight[userID] = call
	e.mu.Unlock()

	records, err := e.doRefresh(ctx, userID)

	e.mu.Lock()
	if e.inflight[userID] == call {
		delete(e.inflight, userID)
	}
	e.mu.Unlock()

	call.records, call.err = records, err
	close(call.done)
	return records, err
}

func (e *Engine) doRefresh(ctx context.Context, userID string) ([]models.DocumentRecord, error) {
	logCtx := slog.With("userId", userID)

	var owned, favorited []models.DocumentRecord
	var ownedErr, favErr error

	// Fan out both collection queries; each side degrades to empty on
	// failure so one broken query never blanks the whole library.
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		qctx, cancel := context.WithTimeout(gctx, e.config.QueryTimeout)
		defer cancel()
		owned, ownedErr = e.catalog.QueryByOwner(qctx, userID)
		return nil
	})
	eg.Go(func() error {
		qctx, cancel := context.WithTimeout(gctx, e.config.QueryTimeout)
		defer cancel()
		favorited, favErr = e.catalog.QueryFavorites(qctx, userID)
		return nil
	})
	_ = eg.Wait()

	if ownedErr != nil {
		logCtx.Error("Owned query failed; continuing with empty set.", "error", ownedErr, "userFacing", catalog.UserFacing(ownedErr))
	}
	if favErr != nil {
		logCtx.Error("Favorites query failed; continuing with empty set.", "error", favErr, "userFacing", catalog.UserFacing(favErr))
	}

	prior := e.currentSnapshot(ctx, userID)
	if ownedErr != nil && favErr != nil {
		if len(prior.Owned) == 0 && len(prior.Favorited) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ownedErr)
		}
		// Keep serving the stale snapshot rather than an empty library.
		return prior.Unified(), nil
	}

	owned = models.DeduplicateByID(owned)
	favorited = models.DeduplicateByID(favorited)
	markFavorites(owned, favorited)

	// Fill-empty-fields merge: a record that already holds enrichment keeps
	// it even though the remote fetch knows nothing about thumbnails.
	known := recordIndex(prior)
	fillFromPrior(owned, known)
	fillFromPrior(favorited, known)

	snap := models.Snapshot{Owned: owned, Favorited: favorited, CapturedAt: e.now()}

	e.mu.Lock()
	e.snaps[userID] = snap
	e.loaded[userID] = true
	e.mu.Unlock()

	if err := e.store.Save(ctx, userID, snap); err != nil {
		// In-memory state stays authoritative for this session.
		logCtx.Error("Failed to persist snapshot.", "error", err)
	}

	unified := snap.Unified()
	e.events.publish(models.SnapshotUpdated{Records: cloneRecords(unified), Fresh: true})

	// Enrichment re-runs after every refresh; it is idempotent, so records
	// the refresh carried over fully enriched are skipped immediately.
	e.spawn(func() {
		e.Enrich(context.Background(), userID, unified)
	})

	return cloneRecords(unified), nil
}

// ToggleFavorite applies the favorite change locally at once and pushes the
// relation to the remote catalog best-effort. Favoriting an owned document
// copies it into the favorited collection; unfavoriting removes it from the
// favorited collection only.
func (e *Engine) ToggleFavorite(ctx context.Context, userID string, rec models.DocumentRecord, favorite bool) {
	if userID == "" {
		return
	}
	e.currentSnapshot(ctx, userID) // make sure the persisted snapshot is loaded

	e.mu.Lock()
	snap := e.snaps[userID]
	for i := range snap.Owned {
		if snap.Owned[i].ID == rec.ID {
			snap.Owned[i].Favorite = favorite
		}
	}
	if favorite {
		found := false
		for i := range snap.Favorited {
			if snap.Favorited[i].ID == rec.ID {
				snap.Favorited[i].Favorite = true
				found = true
			}
		}
		if !found {
			copyRec := rec
			copyRec.Favorite = true
			snap.Favorited = append(snap.Favorited, copyRec)
		}
	} else {
		kept := snap.Favorited[:0]
		for _, f := range snap.Favorited {
			if f.ID != rec.ID {
				kept = append(kept, f)
			}
		}
		snap.Favorited = kept
	}
	e.snaps[userID] = snap
	unified := snap.Unified()
	e.mu.Unlock()

	if err := e.store.Save(ctx, userID, snap); err != nil {
		slog.Error("Failed to persist favorite toggle.", "userId", userID, "docId", rec.ID, "error", err)
	}
	e.events.publish(models.FavoriteToggled{ID: rec.ID, Favorite: favorite})
	e.events.publish(models.SnapshotUpdated{Records: cloneRecords(unified), Fresh: false})

	e.spawn(func() {
		rctx, cancel := context.WithTimeout(context.Background(), e.config.QueryTimeout)
		defer cancel()
		if err := e.catalog.SetFavorite(rctx, userID, rec.ID, favorite); err != nil {
			slog.Error("Favorite patch-back failed.", "userId", userID, "docId", rec.ID, "error", err)
		}
	})
}

// Clear wipes the user's local cache, on sign-out or cache invalidation.
func (e *Engine) Clear(ctx context.Context, userID string) error {
	e.mu.Lock()
	delete(e.snaps, userID)
	delete(e.loaded, userID)
	e.mu.Unlock()
	return e.store.Clear(ctx, userID)
}

// currentSnapshot returns the in-memory snapshot, loading it from the local
// store on first use.
func (e *Engine) currentSnapshot(ctx context.Context, userID string) models.Snapshot {
	e.mu.Lock()
	if e.loaded[userID] {
		snap := e.snaps[userID]
		e.mu.Unlock()
		return snap
	}
	e.mu.Unlock()

	snap, err := e.store.Load(ctx, userID)
	if err != nil {
		slog.Error("Failed to load snapshot from local store.", "userId", userID, "error", err)
		snap = models.Snapshot{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded[userID] {
		e.snaps[userID] = snap
		e.loaded[userID] = true
	}
	return e.snaps[userID]
}

// updateRecord applies fn to every copy of the record across both
// collections under the engine's lock, then persists. This is the single
// serialized write path enrichment results funnel through.
func (e *Engine) updateRecord(ctx context.Context, userID, docID string, fn func(*models.DocumentRecord)) {
	e.mu.Lock()
	snap := e.snaps[userID]
	for i := range snap.Owned {
		if snap.Owned[i].ID == docID {
			fn(&snap.Owned[i])
		}
	}
	for i := range snap.Favorited {
		if snap.Favorited[i].ID == docID {
			fn(&snap.Favorited[i])
		}
	}
	e.snaps[userID] = snap
	e.mu.Unlock()

	if err := e.store.Save(ctx, userID, snap); err != nil {
		slog.Error("Failed to persist enrichment result.", "userId", userID, "docId", docID, "error", err)
	}
}

func (e *Engine) spawn(fn func()) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		fn()
	}()
}

// markFavorites flags owned records that also appear in the favorited set.
func markFavorites(owned, favorited []models.DocumentRecord) {
	favIDs := make(map[string]struct{}, len(favorited))
	for i := range favorited {
		favorited[i].Favorite = true
		favIDs[favorited[i].ID] = struct{}{}
	}
	for i := range owned {
		if _, ok := favIDs[owned[i].ID]; ok {
			owned[i].Favorite = true
		}
	}
}

func recordIndex(snap models.Snapshot) map[string]models.DocumentRecord {
	idx := make(map[string]models.DocumentRecord, len(snap.Owned)+len(snap.Favorited))
	for _, r := range snap.Favorited {
		idx[r.ID] = r
	}
	for _, r := range snap.Owned {
		if prev, ok := idx[r.ID]; ok {
			r.MergeFrom(prev)
		}
		idx[r.ID] = r
	}
	return idx
}

func fillFromPrior(records []models.DocumentRecord, known map[string]models.DocumentRecord) {
	for i := range records {
		if prev, ok := known[records[i].ID]; ok {
			records[i].MergeFrom(prev)
		}
	}
}

func cloneRecords(records []models.DocumentRecord) []models.DocumentRecord {
	if records == nil {
		return nil
	}
	out := make([]models.DocumentRecord, len(records))
	copy(out, records)
	return out
}

// readLocalBinary loads a cached binary from disk, tolerating races with
// Clear removing the file.
func readLocalBinary(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cached binary: %w", err)
	}
	return data, nil
}
