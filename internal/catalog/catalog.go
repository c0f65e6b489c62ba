// Package catalog talks to the remote document store: Firestore for records
// and Cloud Storage for the PDF binaries. Everything the rest of the library
// knows about the remote side goes through the Catalog interface so tests can
// substitute a fake.
package catalog

import (
	"context"

	"github.com/Lllllllleong/documentshelf/internal/models"
)

// Catalog is the remote side of the library: record queries, blob fetches and
// best-effort metadata patches.
type Catalog interface {
	// QueryByOwner returns the documents uploaded by the given user.
	QueryByOwner(ctx context.Context, userID string) ([]models.DocumentRecord, error)
	// QueryFavorites returns the documents the user has marked favorite.
	QueryFavorites(ctx context.Context, userID string) ([]models.DocumentRecord, error)
	// FindByStoragePath resolves the record whose binary lives at the given path.
	FindByStoragePath(ctx context.Context, storagePath string) (models.DocumentRecord, error)

	// GetBinary fetches the full PDF for the given storage path.
	GetBinary(ctx context.Context, storagePath string) ([]byte, error)
	// GetBinaryRange fetches length bytes starting at offset. A shorter slice
	// is returned without error when the object ends early.
	GetBinaryRange(ctx context.Context, storagePath string, offset, length int64) ([]byte, error)

	// PatchRecord merges the given fields into the record. Best-effort.
	PatchRecord(ctx context.Context, id string, fields map[string]any) error
	// SetFavorite adds or removes the per-user favorite relation for a document.
	SetFavorite(ctx context.Context, userID, id string, favorite bool) error
}

// recordFromData converts the untyped Firestore field map into a
// DocumentRecord, tolerating the loose typing the backend hands back.
func recordFromData(id string, data map[string]any) models.DocumentRecord {
	rec := models.DocumentRecord{
		ID:              id,
		Title:           stringField(data, "title"),
		Category:        stringField(data, "category"),
		StoragePath:     stringField(data, "storagePath"),
		UploaderID:      stringField(data, "uploaderId"),
		PageCount:       intField(data, "pageCount"),
		SubjectName:     stringField(data, "subjectName"),
		SubjectCode:     stringField(data, "subjectCode"),
		FileSize:        stringField(data, "fileSize"),
		InstitutionID:   stringField(data, "institutionId"),
		InstitutionName: stringField(data, "institutionName"),
		UploadedAt:      timeField(data, "uploadedAt"),
	}
	if rec.FileSize == "" {
		rec.FileSize = models.UnknownFileSize
	}
	return rec
}
