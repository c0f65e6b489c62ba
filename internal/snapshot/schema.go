package snapshot

// Schema for the local snapshot database. Records are stored as JSON blobs
// per user and collection; order within a collection is the position column.
const schema = `
CREATE TABLE IF NOT EXISTS snapshot_records (
    user_id    TEXT NOT NULL,
    collection TEXT NOT NULL CHECK (collection IN ('owned', 'favorited')),
    position   INTEGER NOT NULL,
    record     TEXT NOT NULL,
    PRIMARY KEY (user_id, collection, position)
);

CREATE TABLE IF NOT EXISTS snapshot_meta (
    user_id     TEXT PRIMARY KEY,
    captured_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS binary_paths (
    doc_id TEXT PRIMARY KEY,
    path   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS previously_opened (
    user_id      TEXT NOT NULL,
    doc_id       TEXT NOT NULL,
    title        TEXT NOT NULL,
    storage_path TEXT NOT NULL,
    opened_at    TEXT NOT NULL,
    PRIMARY KEY (user_id, doc_id)
);
`
