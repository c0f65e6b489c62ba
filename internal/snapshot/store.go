// Package snapshot persists the per-user local copy of the remote library:
// the two record collections with their capture timestamp, the map of locally
// cached binaries, and the recently-opened MRU list. Everything here is
// synchronous and local; no method ever touches the network.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Lllllllleong/documentshelf/internal/models"
)

// Store manages snapshot persistence backed by SQLite plus a directory of
// cached binaries.
type Store struct {
	db  *sql.DB
	dir string
}

// Open initializes or connects to the snapshot database under dir and
// applies the schema.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "binaries"), 0o755); err != nil {
		return nil, fmt.Errorf("ensure cache directories: %w", err)
	}

	dbPath := filepath.Join(dir, "shelf.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, dir: dir}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the persisted snapshot for the user, or a zero snapshot when
// nothing has been cached yet.
func (s *Store) Load(ctx context.Context, userID string) (models.Snapshot, error) {
	var snap models.Snapshot
	if userID == "" {
		return snap, nil
	}

	var capturedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT captured_at FROM snapshot_meta WHERE user_id = ?`, userID,
	).Scan(&capturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("load snapshot meta: %w", err)
	}
	if snap.CapturedAt, err = time.Parse(time.RFC3339Nano, capturedAt); err != nil {
		return snap, fmt.Errorf("parse captured_at: %w", err)
	}

	for _, collection := range []string{"owned", "favorited"} {
		records, err := s.loadCollection(ctx, userID, collection)
		if err != nil {
			return models.Snapshot{}, err
		}
		if collection == "owned" {
			snap.Owned = records
		} else {
			snap.Favorited = records
		}
	}
	return snap, nil
}

func (s *Store) loadCollection(ctx context.Context, userID, collection string) ([]models.DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM snapshot_records
         WHERE user_id = ? AND collection = ? ORDER BY position`,
		userID, collection,
	)
	if err != nil {
		return nil, fmt.Errorf("load %s records: %w", collection, err)
	}
	defer rows.Close()

	var records []models.DocumentRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", collection, err)
		}
		var rec models.DocumentRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", collection, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Save replaces the user's snapshot wholesale inside a single transaction.
func (s *Store) Save(ctx context.Context, userID string, snap models.Snapshot) error {
	if userID == "" {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshot_records WHERE user_id = ?`, userID,
	); err != nil {
		return fmt.Errorf("clear previous records: %w", err)
	}

	insert := func(collection string, records []models.DocumentRecord) error {
		for i, rec := range records {
			encoded, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode record %s: %w", rec.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO snapshot_records (user_id, collection, position, record)
                 VALUES (?, ?, ?, ?)`,
				userID, collection, i, string(encoded),
			); err != nil {
				return fmt.Errorf("insert %s record %s: %w", collection, rec.ID, err)
			}
		}
		return nil
	}
	if err := insert("owned", snap.Owned); err != nil {
		return err
	}
	if err := insert("favorited", snap.Favorited); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (user_id, captured_at) VALUES (?, ?)
         ON CONFLICT (user_id) DO UPDATE SET captured_at = excluded.captured_at`,
		userID, snap.CapturedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("save snapshot meta: %w", err)
	}

	return tx.Commit()
}

// Clear removes the user's snapshot rows, MRU list, and every cached binary
// file. Missing files are tolerated; the clear itself must always succeed.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT doc_id, path FROM binary_paths`)
	if err != nil {
		return fmt.Errorf("list cached binaries: %w", err)
	}
	type cached struct{ id, path string }
	var binaries []cached
	for rows.Next() {
		var c cached
		if err := rows.Scan(&c.id, &c.path); err != nil {
			rows.Close()
			return fmt.Errorf("scan cached binary: %w", err)
		}
		binaries = append(binaries, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list cached binaries: %w", err)
	}

	for _, b := range binaries {
		if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove cached binary during clear.", "docId", b.id, "error", err)
		}
	}

	stmts := []string{
		`DELETE FROM snapshot_records WHERE user_id = ?`,
		`DELETE FROM snapshot_meta WHERE user_id = ?`,
		`DELETE FROM previously_opened WHERE user_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt, userID); err != nil {
			return fmt.Errorf("clear snapshot rows: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM binary_paths`); err != nil {
		return fmt.Errorf("clear binary path map: %w", err)
	}
	return nil
}

// CacheBinary writes the document's bytes into the managed binaries
// directory and registers the path. The write is atomic: data lands in a
// temp file first and is renamed into place.
func (s *Store) CacheBinary(ctx context.Context, docID string, data []byte) (string, error) {
	dir := filepath.Join(s.dir, "binaries")
	tmp := filepath.Join(dir, uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write binary temp file: %w", err)
	}
	final := filepath.Join(dir, docID+".pdf")
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize binary file: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO binary_paths (doc_id, path) VALUES (?, ?)
         ON CONFLICT (doc_id) DO UPDATE SET path = excluded.path`,
		docID, final,
	); err != nil {
		return "", fmt.Errorf("register binary path: %w", err)
	}
	return final, nil
}

// BinaryPath returns the local path of the document's cached binary, if the
// file is still present on disk.
func (s *Store) BinaryPath(ctx context.Context, docID string) (string, bool) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT path FROM binary_paths WHERE doc_id = ?`, docID,
	).Scan(&path)
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// RecordOpened pushes the document onto the user's recently-opened list,
// trimming the list to its bound oldest-first.
func (s *Store) RecordOpened(ctx context.Context, userID string, doc models.OpenedDocument) error {
	if userID == "" {
		return nil
	}
	if doc.OpenedAt.IsZero() {
		doc.OpenedAt = time.Now()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO previously_opened (user_id, doc_id, title, storage_path, opened_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (user_id, doc_id) DO UPDATE SET
             title = excluded.title,
             storage_path = excluded.storage_path,
             opened_at = excluded.opened_at`,
		userID, doc.ID, doc.Title, doc.StoragePath, doc.OpenedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("record opened document: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM previously_opened
         WHERE user_id = ? AND doc_id NOT IN (
             SELECT doc_id FROM previously_opened
             WHERE user_id = ? ORDER BY opened_at DESC LIMIT ?
         )`,
		userID, userID, models.MaxPreviouslyOpened,
	); err != nil {
		return fmt.Errorf("trim opened list: %w", err)
	}
	return nil
}

// PreviouslyOpened returns the user's recently-opened documents, most recent
// first.
func (s *Store) PreviouslyOpened(ctx context.Context, userID string) ([]models.OpenedDocument, error) {
	if userID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, title, storage_path, opened_at FROM previously_opened
         WHERE user_id = ? ORDER BY opened_at DESC LIMIT ?`,
		userID, models.MaxPreviouslyOpened,
	)
	if err != nil {
		return nil, fmt.Errorf("load opened list: %w", err)
	}
	defer rows.Close()

	var docs []models.OpenedDocument
	for rows.Next() {
		var doc models.OpenedDocument
		var openedAt string
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.StoragePath, &openedAt); err != nil {
			return nil, fmt.Errorf("scan opened entry: %w", err)
		}
		if doc.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt); err != nil {
			return nil, fmt.Errorf("parse opened_at: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
