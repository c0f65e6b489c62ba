package library

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentshelf/internal/models"
	"github.com/Lllllllleong/documentshelf/internal/pdfmeta"
)

// Enrich tops up missing page counts and thumbnails for the given records.
// It is fire-and-forget and idempotent: already-enriched records are skipped,
// per-record failures are swallowed and retried on the next pass, and every
// write funnels through the engine's serialized update path.
func (e *Engine) Enrich(ctx context.Context, userID string, records []models.DocumentRecord) {
	if userID == "" {
		return
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.config.EnrichConcurrency)
	for _, rec := range records {
		rec := rec
		if !e.needsEnrichment(rec) {
			continue
		}
		eg.Go(func() error {
			e.enrichOne(gctx, userID, rec)
			return nil
		})
	}
	_ = eg.Wait()
}

func (e *Engine) needsEnrichment(rec models.DocumentRecord) bool {
	if rec.StoragePath == "" {
		return false
	}
	hasThumb := len(rec.Thumbnail) > 0 || e.thumbs.Has(rec.StoragePath)
	return rec.PageCount == 0 || !hasThumb
}

func (e *Engine) enrichOne(ctx context.Context, userID string, rec models.DocumentRecord) {
	logCtx := slog.With("userId", userID, "docId", rec.ID, "storagePath", rec.StoragePath)

	data, source := e.binaryBytes(ctx, logCtx, rec)
	if data == nil {
		return
	}

	meta, err := pdfmeta.Extract(data)
	if err != nil {
		// A prefix that does not parse yet is normal; the record stays
		// unresolved and the next pass tries again.
		logCtx.Info("Extraction failed; record stays unresolved.", "source", source, "error", err)
		return
	}

	hadThumb := len(rec.Thumbnail) > 0 || e.thumbs.Has(rec.StoragePath)
	pageCountDiscovered := rec.PageCount == 0 && meta.PageCount > 0
	thumbDiscovered := len(meta.Thumbnail) > 0 && !hadThumb
	if !pageCountDiscovered && !thumbDiscovered {
		// Nothing improved; stay silent so repeated passes over the same
		// records produce no extra writes or events.
		return
	}

	if thumbDiscovered {
		e.thumbs.Put(rec.StoragePath, meta.Thumbnail)
	}
	e.updateRecord(ctx, userID, rec.ID, func(r *models.DocumentRecord) {
		if r.PageCount == 0 && meta.PageCount > 0 {
			r.PageCount = meta.PageCount
		}
		if len(r.Thumbnail) == 0 && len(meta.Thumbnail) > 0 {
			r.Thumbnail = meta.Thumbnail
		}
	})

	e.events.publish(models.RecordEnriched{
		ID:        rec.ID,
		PageCount: meta.PageCount,
		Thumbnail: meta.Thumbnail,
	})
	logCtx.Info("Record enriched.", "pageCount", meta.PageCount, "thumbnail", thumbDiscovered, "source", source)

	if pageCountDiscovered {
		e.spawn(func() {
			pctx, cancel := context.WithTimeout(context.Background(), e.config.QueryTimeout)
			defer cancel()
			if err := e.catalog.PatchRecord(pctx, rec.ID, map[string]any{"pageCount": meta.PageCount}); err != nil {
				logCtx.Error("Page count patch-back failed.", "error", err)
			}
		})
	}
}

// binaryBytes sources the record's bytes: the full locally cached binary if
// one exists, otherwise a rate-limited partial fetch of the file's prefix.
func (e *Engine) binaryBytes(ctx context.Context, logCtx *slog.Logger, rec models.DocumentRecord) ([]byte, string) {
	if path, ok := e.store.BinaryPath(ctx, rec.ID); ok {
		data, err := readLocalBinary(path)
		if err == nil {
			return data, "local"
		}
		logCtx.Warn("Cached binary unreadable; falling back to remote prefix.", "path", path, "error", err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, ""
	}
	data, err := e.catalog.GetBinaryRange(ctx, rec.StoragePath, 0, e.config.PrefixBytes)
	if err != nil {
		logCtx.Info("Partial fetch failed; record stays unresolved.", "error", err)
		return nil, ""
	}
	return data, "remote-prefix"
}
