package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"romvault.dev/romvault/pkg/romid"
)

// GetChunk loads a single Chunk row.
func (s *Store) GetChunk(ctx context.Context, uploadID romid.ID, index int) (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT upload_id, idx, expected_size, received, digest, path, received_at
		FROM chunks WHERE upload_id = ? AND idx = ?`, uploadID, index)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chunk: %w", err)
	}
	return c, nil
}

func scanChunk(row *sql.Row) (*Chunk, error) {
	var c Chunk
	var digest string
	var receivedAt sql.NullTime
	var received int
	err := row.Scan(&c.UploadID, &c.Index, &c.ExpectedSize, &received, &digest, &c.Path, &receivedAt)
	if err != nil {
		return nil, err
	}
	c.Received = received != 0
	if d, ok := romid.ParseDigest(digest); ok {
		c.Digest = d
	}
	if receivedAt.Valid {
		c.ReceivedAt = receivedAt.Time
	}
	return &c, nil
}

// ListChunks returns every Chunk for uploadID, ordered by index.
func (s *Store) ListChunks(ctx context.Context, uploadID romid.ID) ([]*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT upload_id, idx, expected_size, received, digest, path, received_at
		FROM chunks WHERE upload_id = ? ORDER BY idx ASC`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("store: list chunks: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		var c Chunk
		var digest string
		var receivedAt sql.NullTime
		var received int
		if err := rows.Scan(&c.UploadID, &c.Index, &c.ExpectedSize, &received, &digest, &c.Path, &receivedAt); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		c.Received = received != 0
		if d, ok := romid.ParseDigest(digest); ok {
			c.Digest = d
		}
		if receivedAt.Valid {
			c.ReceivedAt = receivedAt.Time
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkChunkReceived atomically marks chunk (uploadID, index) received and
// bumps the parent Upload's uploaded_chunks_count and state in a single
// transaction, so a crash can never observe one change without the other
// — the durability half of C3's chunk-receipt invariant in spec §3/§4.3.
// It returns the upload's post-write uploaded_chunks_count and whether
// this call was the one that incremented it (false if the chunk was
// already received, the idempotent path).
func (s *Store) MarkChunkReceived(ctx context.Context, uploadID romid.ID, index int, digest romid.Digest, path string, newState State) (count int, incremented bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var alreadyReceived int
	err = tx.QueryRowContext(ctx, `SELECT received FROM chunks WHERE upload_id = ? AND idx = ?`, uploadID, index).Scan(&alreadyReceived)
	if err != nil {
		return 0, false, fmt.Errorf("store: check chunk: %w", err)
	}
	if alreadyReceived != 0 {
		var cnt int
		if err := tx.QueryRowContext(ctx, `SELECT uploaded_chunks_count FROM uploads WHERE id = ?`, uploadID).Scan(&cnt); err != nil {
			return 0, false, fmt.Errorf("store: read count: %w", err)
		}
		return cnt, false, tx.Commit()
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `UPDATE chunks SET received = 1, digest = ?, path = ?, received_at = ?
		WHERE upload_id = ? AND idx = ?`, digest.String(), path, now, uploadID, index)
	if err != nil {
		return 0, false, fmt.Errorf("store: update chunk: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE uploads SET uploaded_chunks_count = uploaded_chunks_count + 1,
		state = ?, updated_at = ? WHERE id = ?`, string(newState), now, uploadID)
	if err != nil {
		return 0, false, fmt.Errorf("store: update upload count: %w", err)
	}

	var cnt int
	if err := tx.QueryRowContext(ctx, `SELECT uploaded_chunks_count FROM uploads WHERE id = ?`, uploadID).Scan(&cnt); err != nil {
		return 0, false, fmt.Errorf("store: read count: %w", err)
	}
	return cnt, true, tx.Commit()
}
