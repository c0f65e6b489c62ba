// shelfsync runs one reconciliation pass from the command line: load the
// local snapshot, refresh it from the remote catalog, let enrichment settle,
// and report what the library now holds.
package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Lllllllleong/documentshelf/internal/catalog"
	"github.com/Lllllllleong/documentshelf/internal/gcp"
	"github.com/Lllllllleong/documentshelf/internal/library"
	"github.com/Lllllllleong/documentshelf/internal/models"
	"github.com/Lllllllleong/documentshelf/internal/snapshot"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(context.Background()); err != nil {
		slog.Error("Sync failed.", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	userID := gcp.GetEnv("SHELF_USER", "")
	if userID == "" {
		slog.Error("SHELF_USER environment variable must be set")
		os.Exit(2)
	}

	config, err := catalog.ConfigFromEnv()
	if err != nil {
		return err
	}
	fsClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return err
	}
	defer fsClient.Close()
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return err
	}
	defer storageClient.Close()

	cacheDir := gcp.GetEnv("SHELF_CACHE_DIR", "")
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return err
		}
		cacheDir = filepath.Join(base, "documentshelf")
	}
	store, err := snapshot.Open(cacheDir)
	if err != nil {
		return err
	}
	defer store.Close()

	thumbs := snapshot.NewThumbnailCache(100, models.FreshnessWindow*6)
	engine := library.NewEngine(catalog.New(fsClient, storageClient, config), store, thumbs, library.Config{})

	events := engine.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			switch ev := event.(type) {
			case models.SnapshotUpdated:
				slog.Info("Snapshot updated.", "records", len(ev.Records), "fresh", ev.Fresh)
			case models.RecordEnriched:
				slog.Info("Record enriched.", "docId", ev.ID, "pageCount", ev.PageCount, "thumbnail", len(ev.Thumbnail) > 0)
			}
		}
	}()

	owned, favorited, fresh := engine.GetSnapshot(ctx, userID)
	slog.Info("Loaded local snapshot.", "owned", len(owned), "favorited", len(favorited), "fresh", fresh)

	if !fresh {
		unified, err := engine.Refresh(ctx, userID, false)
		if err != nil {
			return err
		}
		slog.Info("Refreshed from remote catalog.", "unified", len(unified))
	}

	// Let background enrichment and patch-backs finish before reporting.
	engine.Close()
	<-done

	owned, favorited, fresh = engine.GetSnapshot(ctx, userID)
	unresolved := 0
	for _, rec := range append(owned, favorited...) {
		if rec.PageCount == 0 {
			unresolved++
		}
	}
	slog.Info("Sync complete.",
		"owned", len(owned),
		"favorited", len(favorited),
		"fresh", fresh,
		"unresolvedPageCounts", unresolved,
	)
	return nil
}
