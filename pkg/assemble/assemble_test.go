package assemble

import (
	"archive/zip"
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"romvault.dev/romvault/pkg/content"
	"romvault.dev/romvault/pkg/metadata"
	"romvault.dev/romvault/pkg/platform"
	"romvault.dev/romvault/pkg/progress"
	"romvault.dev/romvault/pkg/romerr"
	"romvault.dev/romvault/pkg/romid"
	"romvault.dev/romvault/pkg/store"
)

// pseudoRandomBytes returns deterministic, poorly-compressible bytes so
// archive fixtures don't trip the bomb-ratio guard.
func pseudoRandomBytes(n int) []byte {
	r := rand.New(rand.NewSource(7))
	b := make([]byte, n)
	r.Read(b)
	return b
}

type testEnv struct {
	st  *store.Store
	ct  *content.Store
	hub *progress.Hub
	a   *Assembler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "romvault.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ct, err := content.New(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("content.New: %v", err)
	}

	hub := progress.NewHub(0, nil)
	enricher, err := metadata.New([]metadata.Source{metadata.FallbackSource{}}, 2, time.Second, 0, 1000)
	if err != nil {
		t.Fatalf("metadata.New: %v", err)
	}
	a := New(st, ct, hub, enricher, 0)
	return &testEnv{st: st, ct: ct, hub: hub, a: a}
}

// seedUpload creates an Upload+Chunk row set and writes data as a single
// already-received chunk, mirroring the state C3 leaves behind right
// before handing off to C4.
func (e *testEnv) seedUpload(t *testing.T, originalName string, data []byte, declaredDigest romid.Digest) *store.Upload {
	t.Helper()
	ctx := context.Background()

	scope, err := e.ct.NewScope()
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	chunkPath, err := e.ct.ChunkPath(scope, 0)
	if err != nil {
		t.Fatalf("ChunkPath: %v", err)
	}
	digest, err := e.ct.WriteChunk(chunkPath, data)
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	platformID, _ := platform.ClassifyByExtension(originalName)
	now := time.Now().UTC()
	u := &store.Upload{
		ID:               romid.NewID(),
		OriginalName:     originalName,
		SanitizedName:    originalName,
		DeclaredSize:     int64(len(data)),
		DeclaredDigest:   declaredDigest,
		ChunkSize:        int64(len(data)),
		TotalChunks:      1,
		DetectedPlatform: platformID,
		TempScope:        scope,
		State:            store.StateProcessing,
		UploadedChunks:   1,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
	}
	chunks := []store.Chunk{{
		UploadID: u.ID, Index: 0, ExpectedSize: int64(len(data)),
		Received: true, Digest: digest, Path: chunkPath, ReceivedAt: now,
	}}
	if err := e.st.CreateUpload(ctx, u, chunks); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	return u
}

func nesROM(totalSize int) []byte {
	header := append([]byte("NES\x1a"), make([]byte, 12)...)
	data := make([]byte, totalSize)
	copy(data, header)
	return data
}

func TestRunCompletesSimpleUpload(t *testing.T) {
	env := newTestEnv(t)
	data := nesROM(64)
	u := env.seedUpload(t, "game.nes", data, romid.Digest{})

	env.a.process(context.Background(), u.ID)

	got, err := env.st.GetUpload(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if got.State != store.StateCompleted {
		t.Fatalf("state = %v, want COMPLETED (processing_error=%q)", got.State, got.ProcessingError)
	}
	if got.FinalPath == "" {
		t.Fatal("FinalPath not set")
	}
	if _, err := os.Stat(got.FinalPath); err != nil {
		t.Fatalf("final file missing: %v", err)
	}

	entry, err := env.st.FindCatalogByDigest(context.Background(), romid.FromBytes(data))
	if err != nil {
		t.Fatalf("FindCatalogByDigest: %v", err)
	}
	if entry.PlatformID != "nes" {
		t.Fatalf("PlatformID = %v, want nes", entry.PlatformID)
	}
}

func TestRunFailsOnSizeMismatch(t *testing.T) {
	env := newTestEnv(t)
	data := nesROM(64)
	u := env.seedUpload(t, "game.nes", data, romid.Digest{})
	u.DeclaredSize = 999 // force mismatch against the actually-written chunk
	if err := env.st.UpdateUpload(context.Background(), u); err != nil {
		t.Fatalf("UpdateUpload: %v", err)
	}

	env.a.process(context.Background(), u.ID)

	got, err := env.st.GetUpload(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if got.State != store.StateFailed {
		t.Fatalf("state = %v, want FAILED", got.State)
	}
	if got.ProcessingError != string(romerr.KindSizeMismatch) {
		t.Fatalf("ProcessingError = %q, want %q", got.ProcessingError, romerr.KindSizeMismatch)
	}
}

func TestRunFailsOnDigestMismatch(t *testing.T) {
	env := newTestEnv(t)
	data := nesROM(64)
	wrongDigest := romid.FromBytes([]byte("not the real content"))
	u := env.seedUpload(t, "game.nes", data, wrongDigest)

	env.a.process(context.Background(), u.ID)

	got, err := env.st.GetUpload(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if got.ProcessingError != string(romerr.KindDigestMismatch) {
		t.Fatalf("ProcessingError = %q, want %q", got.ProcessingError, romerr.KindDigestMismatch)
	}
}

func TestRunFailsOnAlreadyIngested(t *testing.T) {
	env := newTestEnv(t)
	data := nesROM(64)
	digest := romid.FromBytes(data)

	if err := env.st.InsertCatalogEntry(context.Background(), &store.CatalogEntry{
		ID: romid.NewID(), ContentDigest: digest, SanitizedName: "game.nes",
		PlatformID: "nes", FinalPath: "/roms/nes/game.nes", Size: int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed existing catalog entry: %v", err)
	}

	u := env.seedUpload(t, "game.nes", data, romid.Digest{})
	env.a.process(context.Background(), u.ID)

	got, err := env.st.GetUpload(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if got.ProcessingError != string(romerr.KindAlreadyIngested) {
		t.Fatalf("ProcessingError = %q, want %q", got.ProcessingError, romerr.KindAlreadyIngested)
	}
}

func TestRunExtractsArchiveAndPicksMainFile(t *testing.T) {
	env := newTestEnv(t)

	romContent := pseudoRandomBytes(2048)
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, err := zw.Create("game.sfc")
	if err != nil {
		t.Fatalf("Create entry: %v", err)
	}
	if _, err := w.Write(romContent); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	w2, err := zw.Create("readme.txt")
	if err != nil {
		t.Fatalf("Create entry: %v", err)
	}
	if _, err := w2.Write([]byte("read me")); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}

	u := env.seedUpload(t, "bundle.zip", buf.Bytes(), romid.Digest{})
	env.a.process(context.Background(), u.ID)

	got, err := env.st.GetUpload(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUpload: %v", err)
	}
	if got.State != store.StateCompleted {
		t.Fatalf("state = %v, want COMPLETED (processing_error=%q)", got.State, got.ProcessingError)
	}
	if filepath.Ext(got.FinalPath) != ".sfc" {
		t.Fatalf("FinalPath = %q, want .sfc extension", got.FinalPath)
	}

	entry, err := env.st.FindCatalogByDigest(context.Background(), romid.FromBytes(romContent))
	if err != nil {
		t.Fatalf("FindCatalogByDigest: %v", err)
	}
	if entry.PlatformID != "snes" {
		t.Fatalf("PlatformID = %v, want snes", entry.PlatformID)
	}
}

func TestRunEmitsTerminalEventOnCompletion(t *testing.T) {
	env := newTestEnv(t)
	data := nesROM(64)
	u := env.seedUpload(t, "game.nes", data, romid.Digest{})

	sub := env.hub.Subscribe(u.ID)
	defer sub.Unsubscribe()

	env.a.process(context.Background(), u.ID)

	select {
	case ev := <-sub.Events:
		if ev.Type != progress.EventCompleted {
			t.Fatalf("event type = %v, want completed", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
}
