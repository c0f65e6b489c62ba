package models

// These structs are the typed payloads the library publishes to the UI and
// other subscribers. Consumers re-render on receipt; ordering is only
// guaranteed to be monotonic per document (enrichment fills, never regresses).

// SnapshotUpdated carries the recomputed unified view after a refresh or a
// favorite toggle.
type SnapshotUpdated struct {
	Records []DocumentRecord `json:"records"`
	Fresh   bool             `json:"fresh"`
}

// RecordEnriched announces newly discovered metadata for a single document.
type RecordEnriched struct {
	ID        string `json:"id"`
	PageCount int    `json:"pageCount"`
	Thumbnail []byte `json:"-"`
}

// FavoriteToggled announces a local favorite state change.
type FavoriteToggled struct {
	ID       string `json:"id"`
	Favorite bool   `json:"favorite"`
}
