package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"romvault.dev/romvault/pkg/platform"
	"romvault.dev/romvault/pkg/romid"
)

// FindCatalogByDigest looks up a CatalogEntry by its unique content
// digest; used by C3.Initiate (reject AlreadyIngested before chunking
// starts) and C4 step 8 (reject AlreadyIngested after assembly).
func (s *Store) FindCatalogByDigest(ctx context.Context, digest romid.Digest) (*CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, content_digest, sanitized_name, platform_id, final_path, size, header_summary, metadata, created_at
		FROM catalog_entries WHERE content_digest = ?`, digest.String())
	e, err := scanCatalogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find catalog entry: %w", err)
	}
	return e, nil
}

func scanCatalogEntry(row *sql.Row) (*CatalogEntry, error) {
	var e CatalogEntry
	var digest, platformID string
	err := row.Scan(&e.ID, &digest, &e.SanitizedName, &platformID, &e.FinalPath, &e.Size, &e.HeaderSummary, &e.Metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if d, ok := romid.ParseDigest(digest); ok {
		e.ContentDigest = d
	}
	e.PlatformID = platform.ID(platformID)
	return &e, nil
}

// InsertCatalogEntry inserts e, relying on the unique index on
// content_digest to resolve the concurrent-dedup race from spec §9: if
// another upload of the same content committed first, this returns
// ErrDuplicateDigest and the caller (C4) transitions its own Upload to
// FAILED with AlreadyIngested.
func (s *Store) InsertCatalogEntry(ctx context.Context, e *CatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO catalog_entries
		(id, content_digest, sanitized_name, platform_id, final_path, size, header_summary, metadata, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ContentDigest.String(), e.SanitizedName, string(e.PlatformID), e.FinalPath, e.Size, e.HeaderSummary, e.Metadata, e.CreatedAt)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrDuplicateDigest
		}
		return fmt.Errorf("store: insert catalog entry: %w", err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as plain
	// strings rather than a typed sentinel; matching on the SQLite
	// wording is the same approach perkeep's sqlindex callers take
	// for driver-specific error text.
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// PlatformStateCount is one row of the C7 catalog-stats rollup.
type PlatformStateCount struct {
	PlatformID platform.ID
	State      State
	Count      int
}

// RollupCatalogStats counts catalog entries by platform, and upload rows
// (in every state) by platform and state, for the weekly C7 "Catalog
// stats" job.
func (s *Store) RollupCatalogStats(ctx context.Context) ([]PlatformStateCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PlatformStateCount
	rows, err := s.db.QueryContext(ctx, `SELECT platform_id, COUNT(*) FROM catalog_entries GROUP BY platform_id`)
	if err != nil {
		return nil, fmt.Errorf("store: rollup catalog: %w", err)
	}
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan catalog rollup: %w", err)
		}
		out = append(out, PlatformStateCount{PlatformID: platform.ID(p), State: StateCompleted, Count: n})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT detected_platform, state, COUNT(*) FROM uploads GROUP BY detected_platform, state`)
	if err != nil {
		return nil, fmt.Errorf("store: rollup uploads: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p, st string
		var n int
		if err := rows.Scan(&p, &st, &n); err != nil {
			return nil, fmt.Errorf("store: scan upload rollup: %w", err)
		}
		out = append(out, PlatformStateCount{PlatformID: platform.ID(p), State: State(st), Count: n})
	}
	return out, rows.Err()
}

// Vacuum runs the sqlite equivalent of the "database compaction" weekly
// job: VACUUM reclaims free pages, ANALYZE refreshes the query planner's
// statistics.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `ANALYZE`); err != nil {
		return fmt.Errorf("store: analyze: %w", err)
	}
	return nil
}

// now is overridable in tests.
var now = func() time.Time { return time.Now().UTC() }
