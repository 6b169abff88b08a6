package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"romvault.dev/romvault/pkg/platform"
	"romvault.dev/romvault/pkg/romid"
)

// CreateUpload inserts a new Upload row along with its pre-created Chunk
// rows, matching C3.Initiate's "pre-creates Chunk rows with expected
// sizes" step. Both inserts happen in one transaction so a crash between
// them can never leave an Upload without its Chunks.
func (s *Store) CreateUpload(ctx context.Context, u *Upload, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO uploads
		(id, original_name, sanitized_name, declared_size, declared_digest,
		 chunk_size, total_chunks, detected_platform, mime_hint, temp_scope,
		 state, uploaded_chunks_count, created_at, updated_at, expires_at,
		 processing_error, final_path, extracted_metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.OriginalName, u.SanitizedName, u.DeclaredSize, digestOrEmpty(u.DeclaredDigest),
		u.ChunkSize, u.TotalChunks, string(u.DetectedPlatform), u.MIMEHint, u.TempScope,
		string(u.State), u.UploadedChunks, u.CreatedAt, u.UpdatedAt, u.ExpiresAt,
		u.ProcessingError, u.FinalPath, u.ExtractedMetadata)
	if err != nil {
		return fmt.Errorf("store: insert upload: %w", err)
	}

	for _, c := range chunks {
		_, err = tx.ExecContext(ctx, `INSERT INTO chunks
			(upload_id, idx, expected_size, received, digest, path, received_at)
			VALUES (?,?,?,?,?,?,?)`,
			c.UploadID, c.Index, c.ExpectedSize, boolToInt(c.Received), digestOrEmpty(c.Digest), c.Path, nullTime(c.ReceivedAt))
		if err != nil {
			return fmt.Errorf("store: insert chunk %d: %w", c.Index, err)
		}
	}
	return tx.Commit()
}

// GetUpload loads a single Upload by id.
func (s *Store) GetUpload(ctx context.Context, id romid.ID) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUploadLocked(ctx, id)
}

func (s *Store) getUploadLocked(ctx context.Context, id romid.ID) (*Upload, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, original_name, sanitized_name, declared_size, declared_digest,
		chunk_size, total_chunks, detected_platform, mime_hint, temp_scope,
		state, uploaded_chunks_count, created_at, updated_at, expires_at,
		processing_error, final_path, extracted_metadata
		FROM uploads WHERE id = ?`, id)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get upload: %w", err)
	}
	return u, nil
}

func scanUpload(row *sql.Row) (*Upload, error) {
	var u Upload
	var declaredDigest, platformID, state string
	var extracted []byte
	err := row.Scan(
		&u.ID, &u.OriginalName, &u.SanitizedName, &u.DeclaredSize, &declaredDigest,
		&u.ChunkSize, &u.TotalChunks, &platformID, &u.MIMEHint, &u.TempScope,
		&state, &u.UploadedChunks, &u.CreatedAt, &u.UpdatedAt, &u.ExpiresAt,
		&u.ProcessingError, &u.FinalPath, &extracted)
	if err != nil {
		return nil, err
	}
	if d, ok := romid.ParseDigest(declaredDigest); ok {
		u.DeclaredDigest = d
	}
	u.DetectedPlatform = platform.ID(platformID)
	u.State = State(state)
	u.ExtractedMetadata = extracted
	return &u, nil
}

// UpdateUpload persists the full row for u. Callers (the Upload
// Coordinator) are responsible for serializing updates to the same id via
// their own per-upload mutex; this call alone is not a compare-and-swap.
func (s *Store) UpdateUpload(ctx context.Context, u *Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE uploads SET
		state = ?, uploaded_chunks_count = ?, updated_at = ?, expires_at = ?,
		processing_error = ?, final_path = ?, extracted_metadata = ?,
		detected_platform = ?
		WHERE id = ?`,
		string(u.State), u.UploadedChunks, u.UpdatedAt, u.ExpiresAt,
		u.ProcessingError, u.FinalPath, u.ExtractedMetadata,
		string(u.DetectedPlatform), u.ID)
	if err != nil {
		return fmt.Errorf("store: update upload: %w", err)
	}
	return nil
}

// DeleteUpload removes an Upload row and its Chunk rows. Callers must
// already have released the upload's temp scope on disk; this only
// clears the database side.
func (s *Store) DeleteUpload(ctx context.Context, id romid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE upload_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete upload: %w", err)
	}
	return tx.Commit()
}

// FindByFingerprint looks up an in-flight or recently-terminal Upload
// matching fp, used to detect duplicate concurrent initiations of the
// same content (name+size path only; digest-based dedup against the
// catalog is FindCatalogByDigest).
func (s *Store) FindByFingerprint(ctx context.Context, sanitizedName string, size int64) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT
		id, original_name, sanitized_name, declared_size, declared_digest,
		chunk_size, total_chunks, detected_platform, mime_hint, temp_scope,
		state, uploaded_chunks_count, created_at, updated_at, expires_at,
		processing_error, final_path, extracted_metadata
		FROM uploads WHERE sanitized_name = ? AND declared_size = ?
		AND state NOT IN ('FAILED','CANCELLED','EXPIRED') LIMIT 1`, sanitizedName, size)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find by fingerprint: %w", err)
	}
	return u, nil
}

// ListActive returns every Upload not in a terminal state, plus FAILED
// ones (whose chunks are kept for diagnosis until the expiry sweep reaps
// them): the set C7 must treat as off-limits to file deletion per §4.7's
// safety rule.
func (s *Store) ListActive(ctx context.Context) ([]*Upload, error) {
	return s.listByStateClause(ctx, `state NOT IN ('COMPLETED','CANCELLED','EXPIRED')`)
}

// ListExpiredOrStaleTerminal returns Uploads the expiry sweep should
// reap: those past expires_at, or terminal (FAILED/CANCELLED) and stale
// past retention.
func (s *Store) ListExpiredOrStaleTerminal(ctx context.Context, now time.Time, retention time.Duration) ([]*Upload, error) {
	cutoff := now.Add(-retention)
	return s.listByClause(ctx,
		`(expires_at < ? AND state NOT IN ('COMPLETED','FAILED','CANCELLED','EXPIRED'))
		 OR (state IN ('FAILED','CANCELLED') AND updated_at < ?)`,
		now, cutoff)
}

func (s *Store) listByStateClause(ctx context.Context, whereClause string) ([]*Upload, error) {
	return s.listByClause(ctx, whereClause)
}

func (s *Store) listByClause(ctx context.Context, whereClause string, args ...interface{}) ([]*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, original_name, sanitized_name, declared_size, declared_digest,
		chunk_size, total_chunks, detected_platform, mime_hint, temp_scope,
		state, uploaded_chunks_count, created_at, updated_at, expires_at,
		processing_error, final_path, extracted_metadata
		FROM uploads WHERE `+whereClause, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list uploads: %w", err)
	}
	defer rows.Close()

	var out []*Upload
	for rows.Next() {
		var u Upload
		var declaredDigest, platformID, state string
		var extracted []byte
		if err := rows.Scan(
			&u.ID, &u.OriginalName, &u.SanitizedName, &u.DeclaredSize, &declaredDigest,
			&u.ChunkSize, &u.TotalChunks, &platformID, &u.MIMEHint, &u.TempScope,
			&state, &u.UploadedChunks, &u.CreatedAt, &u.UpdatedAt, &u.ExpiresAt,
			&u.ProcessingError, &u.FinalPath, &extracted); err != nil {
			return nil, fmt.Errorf("store: scan upload: %w", err)
		}
		if d, ok := romid.ParseDigest(declaredDigest); ok {
			u.DeclaredDigest = d
		}
		u.DetectedPlatform = platform.ID(platformID)
		u.State = State(state)
		u.ExtractedMetadata = extracted
		out = append(out, &u)
	}
	return out, rows.Err()
}

func digestOrEmpty(d romid.Digest) string {
	if !d.Valid() {
		return ""
	}
	return d.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
