// Package enrichfn is the server-side half of metadata enrichment: a Cloud
// Function that reacts to a finalized upload, extracts the page count, and
// patches the Firestore record so clients never have to. Client-side
// enrichment stays in place for documents uploaded before this function
// existed; both paths only ever fill an unset page count, so they cannot
// fight each other.
package enrichfn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/documentshelf/internal/catalog"
	"github.com/Lllllllleong/documentshelf/internal/gcp"
	"github.com/Lllllllleong/documentshelf/internal/pdfmeta"
)

// GCSEvent is the payload of a GCS object-finalize event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Function holds the dependencies for the enrichment logic.
type Function struct {
	catalog catalog.Catalog
}

// New constructs the function, reading configuration from the environment.
func New(ctx context.Context) (*Function, error) {
	config, err := catalog.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	fsClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	f := &Function{catalog: catalog.New(fsClient, storageClient, config)}
	slog.Info("Enrichment function initialized.", "bucket", config.Bucket, "collection", config.DocumentsCollection)
	return f, nil
}

// NewWithCatalog wires the function to an existing catalog, for tests.
func NewWithCatalog(cat catalog.Catalog) *Function {
	return &Function{catalog: cat}
}

// Process extracts the page count for the finalized object and patches the
// owning record if its page count is still unknown.
func (f *Function) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing finalized object.")

	rec, err := f.catalog.FindByStoragePath(ctx, e.Name)
	if err != nil {
		if catalog.IsNotFound(err) {
			// Object without a catalog record, e.g. an in-progress upload.
			logCtx.Info("No record for object; skipping.")
			return nil
		}
		logCtx.Error("Failed to resolve record for object.", "error", err)
		return err
	}
	if rec.PageCount > 0 {
		logCtx.Info("Record already has a page count; skipping.", "docId", rec.ID, "pageCount", rec.PageCount)
		return nil
	}

	data, err := f.catalog.GetBinary(ctx, e.Name)
	if err != nil {
		logCtx.Error("Failed to download object.", "docId", rec.ID, "error", err)
		return err
	}

	meta, err := pdfmeta.Extract(data)
	if err != nil {
		// Corrupt uploads are not this function's problem to fix; leaving
		// the record unresolved keeps it eligible for client-side retries.
		logCtx.Warn("Object is not an extractable PDF.", "docId", rec.ID, "error", err)
		return nil
	}

	if err := f.catalog.PatchRecord(ctx, rec.ID, map[string]any{"pageCount": meta.PageCount}); err != nil {
		logCtx.Error("Failed to patch page count.", "docId", rec.ID, "error", err)
		return err
	}
	logCtx.Info("Patched page count.", "docId", rec.ID, "pageCount", meta.PageCount)
	return nil
}
