package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"romvault.dev/romvault/pkg/platform"
	"romvault.dev/romvault/pkg/romid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "romvault.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testUpload(id romid.ID) *Upload {
	now := time.Now().UTC().Truncate(time.Second)
	return &Upload{
		ID:               id,
		OriginalName:     "Game.nes",
		SanitizedName:    "Game.nes",
		DeclaredSize:     40,
		ChunkSize:        16,
		TotalChunks:      3,
		DetectedPlatform: platform.ID("nes"),
		TempScope:        romid.NewID(),
		State:            StateInitiated,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
	}
}

func TestCreateAndGetUpload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := testUpload(romid.NewID())
	chunks := []Chunk{
		{UploadID: u.ID, Index: 0, ExpectedSize: 16},
		{UploadID: u.ID, Index: 1, ExpectedSize: 16},
		{UploadID: u.ID, Index: 2, ExpectedSize: 8},
	}
	if err := s.CreateUpload(ctx, u, chunks); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}

	got, err := s.GetUpload(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if got.SanitizedName != u.SanitizedName || got.TotalChunks != 3 {
		t.Errorf("got %+v, want matching %+v", got, u)
	}

	cs, err := s.ListChunks(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(cs) != 3 || cs[2].ExpectedSize != 8 {
		t.Errorf("unexpected chunks: %+v", cs)
	}
}

func TestMarkChunkReceivedIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := testUpload(romid.NewID())
	chunks := []Chunk{{UploadID: u.ID, Index: 0, ExpectedSize: 16}}
	if err := s.CreateUpload(ctx, u, chunks); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}

	digest := romid.FromBytes([]byte("chunk-bytes"))
	count, inc, err := s.MarkChunkReceived(ctx, u.ID, 0, digest, "path", StateUploading)
	if err != nil {
		t.Fatalf("MarkChunkReceived: %v", err)
	}
	if count != 1 || !inc {
		t.Fatalf("first call: count=%d inc=%v, want 1 true", count, inc)
	}

	count, inc, err = s.MarkChunkReceived(ctx, u.ID, 0, digest, "path", StateUploading)
	if err != nil {
		t.Fatalf("MarkChunkReceived (retry): %v", err)
	}
	if count != 1 || inc {
		t.Fatalf("retry call: count=%d inc=%v, want 1 false", count, inc)
	}
}

func TestCatalogUniqueDigest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	digest := romid.FromBytes([]byte("rom-content"))
	e := &CatalogEntry{
		ID:            romid.NewID(),
		ContentDigest: digest,
		SanitizedName: "Game.nes",
		PlatformID:    platform.ID("nes"),
		FinalPath:     "/roms/nes/Game.nes",
		Size:          40,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.InsertCatalogEntry(ctx, e); err != nil {
		t.Fatalf("InsertCatalogEntry: %v", err)
	}

	dup := *e
	dup.ID = romid.NewID()
	err := s.InsertCatalogEntry(ctx, &dup)
	if err != ErrDuplicateDigest {
		t.Fatalf("InsertCatalogEntry (dup) = %v, want ErrDuplicateDigest", err)
	}

	found, err := s.FindCatalogByDigest(ctx, digest)
	if err != nil {
		t.Fatalf("FindCatalogByDigest: %v", err)
	}
	if found.ID != e.ID {
		t.Errorf("found wrong entry: %+v", found)
	}
}

func TestListExpiredOrStaleTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := testUpload(romid.NewID())
	expired.ExpiresAt = now.Add(-time.Minute)
	expired.State = StateUploading
	if err := s.CreateUpload(ctx, expired, nil); err != nil {
		t.Fatalf("CreateUpload(expired): %v", err)
	}

	fresh := testUpload(romid.NewID())
	fresh.ExpiresAt = now.Add(time.Hour)
	if err := s.CreateUpload(ctx, fresh, nil); err != nil {
		t.Fatalf("CreateUpload(fresh): %v", err)
	}

	rows, err := s.ListExpiredOrStaleTerminal(ctx, now, 24*time.Hour)
	if err != nil {
		t.Fatalf("ListExpiredOrStaleTerminal: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != expired.ID {
		t.Errorf("got %v, want only %v", rows, expired.ID)
	}
}
