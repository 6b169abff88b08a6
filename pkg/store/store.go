// Package store persists Uploads, Chunks, and CatalogEntries: the shared
// relational store behind the Upload Coordinator (C3), Assembler (C4),
// Progress Broadcaster (C6), and Maintenance Scheduler (C7). It is an
// explicit capability object per the redesign note in spec §9 — never a
// package-level singleton — backed by database/sql over modernc.org/sqlite,
// in the style of perkeep's pkg/index/sqlindex.Storage.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"romvault.dev/romvault/pkg/platform"
	"romvault.dev/romvault/pkg/romid"
)

// State is an Upload's lifecycle state, per spec §3.
type State string

const (
	StateInitiated  State = "INITIATED"
	StateUploading  State = "UPLOADING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
	StateExpired    State = "EXPIRED"
)

// Terminal reports whether s is one of the terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// Upload is the persisted row for one upload session, per spec §3.
type Upload struct {
	ID                romid.ID
	OriginalName      string
	SanitizedName     string
	DeclaredSize      int64
	DeclaredDigest    romid.Digest // zero if not supplied
	ChunkSize         int64
	TotalChunks       int
	DetectedPlatform  platform.ID
	MIMEHint          string
	TempScope         romid.ID
	State             State
	UploadedChunks    int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
	ProcessingError   string // empty when nil
	FinalPath         string // empty when nil
	ExtractedMetadata []byte // nil when unset; JSON blob
}

// Chunk is the persisted row for one (upload, index) pair, per spec §3.
type Chunk struct {
	UploadID     romid.ID
	Index        int
	ExpectedSize int64
	Received     bool
	Digest       romid.Digest
	Path         string
	ReceivedAt   time.Time
}

// CatalogEntry is the persisted row for one successfully ingested
// artifact, per spec §3.
type CatalogEntry struct {
	ID            romid.ID
	ContentDigest romid.Digest
	SanitizedName string
	PlatformID    platform.ID
	FinalPath     string
	Size          int64
	HeaderSummary string
	Metadata      []byte // JSON blob
	CreatedAt     time.Time
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = fmt.Errorf("store: not found")

// ErrDuplicateDigest is returned by InsertCatalogEntry when content_digest
// already exists; it is the race-safe signal behind the dedup resolution
// in spec §9 ("the loser observes constraint violation").
var ErrDuplicateDigest = fmt.Errorf("store: duplicate content digest")

// Store wraps an *sql.DB. Like perkeep's sqlindex.Storage, a single mutex
// protects writes: SQLite's single-writer model means concurrent INSERT/
// UPDATE calls otherwise surface as spurious "database is locked" errors,
// which matters here because C3 (chunk receipt), C4 (assembly), and C7
// (maintenance) all write concurrently.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or reuses) the sqlite database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across conns
	s := &Store{db: db}
	if err := s.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) createSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS uploads (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		sanitized_name TEXT NOT NULL,
		declared_size INTEGER NOT NULL,
		declared_digest TEXT NOT NULL DEFAULT '',
		chunk_size INTEGER NOT NULL,
		total_chunks INTEGER NOT NULL,
		detected_platform TEXT NOT NULL,
		mime_hint TEXT NOT NULL DEFAULT '',
		temp_scope TEXT NOT NULL,
		state TEXT NOT NULL,
		uploaded_chunks_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		processing_error TEXT NOT NULL DEFAULT '',
		final_path TEXT NOT NULL DEFAULT '',
		extracted_metadata BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS uploads_state_idx ON uploads(state)`,
	`CREATE INDEX IF NOT EXISTS uploads_expires_idx ON uploads(expires_at)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		upload_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		expected_size INTEGER NOT NULL,
		received INTEGER NOT NULL DEFAULT 0,
		digest TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		received_at DATETIME,
		PRIMARY KEY (upload_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_entries (
		id TEXT PRIMARY KEY,
		content_digest TEXT NOT NULL,
		sanitized_name TEXT NOT NULL,
		platform_id TEXT NOT NULL,
		final_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		header_summary TEXT NOT NULL DEFAULT '',
		metadata BLOB,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS catalog_entries_digest_idx ON catalog_entries(content_digest)`,
	`CREATE INDEX IF NOT EXISTS catalog_entries_platform_idx ON catalog_entries(platform_id)`,
}
