package models

import (
	"sort"
	"time"
)

// UnknownFileSize is the sentinel used when the remote record carries no
// formatted size for a document.
const UnknownFileSize = "Unknown"

// DocumentRecord is the client-side view of a document stored in Firestore.
// The binary itself lives in Cloud Storage under StoragePath; Thumbnail and
// PageCount are enrichment results derived from it and may be absent until an
// enrichment pass resolves them.
type DocumentRecord struct {
	ID              string    `firestore:"-" json:"id"`
	Title           string    `firestore:"title,omitempty" json:"title"`
	Category        string    `firestore:"category,omitempty" json:"category"`
	StoragePath     string    `firestore:"storagePath,omitempty" json:"storagePath"`
	UploaderID      string    `firestore:"uploaderId,omitempty" json:"uploaderId"`
	Favorite        bool      `firestore:"-" json:"favorite"`
	PageCount       int       `firestore:"pageCount,omitempty" json:"pageCount"`
	SubjectName     string    `firestore:"subjectName,omitempty" json:"subjectName,omitempty"`
	SubjectCode     string    `firestore:"subjectCode,omitempty" json:"subjectCode,omitempty"`
	FileSize        string    `firestore:"fileSize,omitempty" json:"fileSize"`
	InstitutionID   string    `firestore:"institutionId,omitempty" json:"institutionId,omitempty"`
	InstitutionName string    `firestore:"institutionName,omitempty" json:"institutionName,omitempty"`
	UploadedAt      time.Time `firestore:"uploadedAt,omitempty" json:"uploadedAt"`

	// Thumbnail holds encoded PNG bytes for the first page. It is kept in
	// memory and in the thumbnail cache only, never written to Firestore.
	Thumbnail []byte `firestore:"-" json:"-"`
}

// Enriched reports whether the record already carries both enrichment
// results, making another extraction attempt a no-op.
func (d DocumentRecord) Enriched() bool {
	return d.PageCount > 0 && len(d.Thumbnail) > 0
}

// MergeFrom fills d's empty enrichment fields from prev without ever
// regressing a known page count or an existing thumbnail. Remote fields
// (title, paths, timestamps) always come from d, the fresher fetch.
func (d *DocumentRecord) MergeFrom(prev DocumentRecord) {
	if d.PageCount == 0 && prev.PageCount > 0 {
		d.PageCount = prev.PageCount
	}
	if len(d.Thumbnail) == 0 && len(prev.Thumbnail) > 0 {
		d.Thumbnail = prev.Thumbnail
	}
}

// FreshnessWindow is the maximum snapshot age before a refresh is warranted.
const FreshnessWindow = 5 * time.Minute

// Snapshot is the per-user local copy of the remote library, replaced
// wholesale on every successful refresh.
type Snapshot struct {
	Owned      []DocumentRecord `json:"owned"`
	Favorited  []DocumentRecord `json:"favorited"`
	CapturedAt time.Time        `json:"capturedAt"`
}

// Fresh reports whether the snapshot is still inside the freshness window at
// the given instant. A snapshot aged exactly FreshnessWindow is stale.
func (s Snapshot) Fresh(now time.Time) bool {
	if s.CapturedAt.IsZero() {
		return false
	}
	return now.Sub(s.CapturedAt) < FreshnessWindow
}

// Unified returns owned ∪ favorited, deduplicated by ID and sorted by upload
// time descending. The first occurrence post-sort wins, so enrichment present
// on either copy survives via MergeFrom before callers combine collections.
func (s Snapshot) Unified() []DocumentRecord {
	combined := make([]DocumentRecord, 0, len(s.Owned)+len(s.Favorited))
	combined = append(combined, s.Owned...)
	combined = append(combined, s.Favorited...)
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].UploadedAt.After(combined[j].UploadedAt)
	})
	return DeduplicateByID(combined)
}

// DeduplicateByID keeps the first occurrence of each ID, preserving order.
func DeduplicateByID(records []DocumentRecord) []DocumentRecord {
	seen := make(map[string]struct{}, len(records))
	out := records[:0:0]
	for _, r := range records {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// MaxPreviouslyOpened bounds the recently-opened MRU list.
const MaxPreviouslyOpened = 5

// OpenedDocument is one entry of the per-user recently-opened list.
type OpenedDocument struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	StoragePath string    `json:"storagePath"`
	OpenedAt    time.Time `json:"openedAt"`
}
