package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/documentshelf/internal/gcp"
	"github.com/Lllllllleong/documentshelf/internal/models"
)

// Config holds the remote layout the catalog talks to.
type Config struct {
	ProjectID           string
	Bucket              string
	DocumentsCollection string
	FavoritesCollection string
}

// ConfigFromEnv reads the catalog configuration from the environment.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		ProjectID:           gcp.GetEnv("PROJECT_ID", ""),
		Bucket:              gcp.GetEnv("SHELF_BUCKET", ""),
		DocumentsCollection: gcp.GetEnv("FIRESTORE_COLLECTION", "documents"),
		FavoritesCollection: gcp.GetEnv("FAVORITES_COLLECTION", "favorites"),
	}
	if cfg.ProjectID == "" {
		return Config{}, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if cfg.Bucket == "" {
		return Config{}, fmt.Errorf("SHELF_BUCKET environment variable must be set")
	}
	return cfg, nil
}

// FirestoreCatalog implements Catalog on Firestore records and Cloud Storage
// blobs. It holds no mutable state of its own; every method is safe for
// concurrent use.
type FirestoreCatalog struct {
	fs     *firestore.Client
	bucket *storage.BucketHandle
	config Config
}

// New builds a FirestoreCatalog from already-constructed clients.
func New(fs *firestore.Client, sc *storage.Client, config Config) *FirestoreCatalog {
	return &FirestoreCatalog{
		fs:     fs,
		bucket: sc.Bucket(config.Bucket),
		config: config,
	}
}

func (c *FirestoreCatalog) QueryByOwner(ctx context.Context, userID string) ([]models.DocumentRecord, error) {
	docs, err := c.fs.Collection(c.config.DocumentsCollection).
		Where("uploaderId", "==", userID).
		OrderBy("uploadedAt", firestore.Desc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, classify("query owned", err)
	}
	records := make([]models.DocumentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, recordFromData(doc.Ref.ID, doc.Data()))
	}
	return records, nil
}

func (c *FirestoreCatalog) QueryFavorites(ctx context.Context, userID string) ([]models.DocumentRecord, error) {
	favs, err := c.fs.Collection(c.config.FavoritesCollection).
		Where("userId", "==", userID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, classify("query favorites", err)
	}
	refs := make([]*firestore.DocumentRef, 0, len(favs))
	for _, fav := range favs {
		docID, ok := fav.Data()["documentId"].(string)
		if !ok || docID == "" {
			continue
		}
		refs = append(refs, c.fs.Collection(c.config.DocumentsCollection).Doc(docID))
	}
	if len(refs) == 0 {
		return nil, nil
	}
	docs, err := c.fs.GetAll(ctx, refs)
	if err != nil {
		return nil, classify("resolve favorites", err)
	}
	records := make([]models.DocumentRecord, 0, len(docs))
	for _, doc := range docs {
		if !doc.Exists() {
			// Favorite relation pointing at a deleted document.
			continue
		}
		rec := recordFromData(doc.Ref.ID, doc.Data())
		rec.Favorite = true
		records = append(records, rec)
	}
	return records, nil
}

func (c *FirestoreCatalog) FindByStoragePath(ctx context.Context, storagePath string) (models.DocumentRecord, error) {
	docs, err := c.fs.Collection(c.config.DocumentsCollection).
		Where("storagePath", "==", storagePath).
		Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return models.DocumentRecord{}, classify("find by storage path", err)
	}
	if len(docs) == 0 {
		return models.DocumentRecord{}, &Error{Kind: KindNotFound, Op: "find by storage path", Err: fmt.Errorf("no record for %s", storagePath)}
	}
	return recordFromData(docs[0].Ref.ID, docs[0].Data()), nil
}

// GetBinary streams the whole object, retrying transient failures with
// exponential backoff before giving up.
func (c *FirestoreCatalog) GetBinary(ctx context.Context, storagePath string) ([]byte, error) {
	const maxRetries = 4
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		data, err := c.readObject(ctx, storagePath, 0, -1)
		if err == nil {
			return data, nil
		}
		if IsNotFound(err) {
			return nil, err
		}
		lastErr = err
		slog.Warn("Binary fetch failed, will retry.",
			"storagePath", storagePath,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, classify("get binary", ctx.Err())
		}
	}
	return nil, fmt.Errorf("fetch of %s failed after all retries: %w", storagePath, lastErr)
}

// GetBinaryRange reads a byte range without retries; range fetches are
// best-effort prefix reads the enricher simply reattempts on a later pass.
func (c *FirestoreCatalog) GetBinaryRange(ctx context.Context, storagePath string, offset, length int64) ([]byte, error) {
	return c.readObject(ctx, storagePath, offset, length)
}

func (c *FirestoreCatalog) readObject(ctx context.Context, storagePath string, offset, length int64) ([]byte, error) {
	reader, err := c.bucket.Object(storagePath).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, classify("open object reader", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, classify("read object", err)
	}
	return data, nil
}

func (c *FirestoreCatalog) PatchRecord(ctx context.Context, id string, fields map[string]any) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	updates := make([]firestore.Update, 0, len(fields))
	for _, k := range keys {
		updates = append(updates, firestore.Update{Path: k, Value: fields[k]})
	}
	if _, err := c.fs.Collection(c.config.DocumentsCollection).Doc(id).Update(ctx, updates); err != nil {
		return classify("patch record", err)
	}
	return nil
}

func (c *FirestoreCatalog) SetFavorite(ctx context.Context, userID, id string, favorite bool) error {
	ref := c.fs.Collection(c.config.FavoritesCollection).Doc(userID + "_" + id)
	if favorite {
		_, err := ref.Set(ctx, map[string]any{
			"userId":     userID,
			"documentId": id,
			"markedAt":   time.Now(),
		})
		if err != nil {
			return classify("set favorite", err)
		}
		return nil
	}
	if _, err := ref.Delete(ctx); err != nil {
		return classify("remove favorite", err)
	}
	return nil
}
