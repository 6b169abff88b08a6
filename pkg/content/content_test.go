package content

import (
	"archive/zip"
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"romvault.dev/romvault/pkg/platform"
	"romvault.dev/romvault/pkg/romid"
)

// pseudoRandomBytes returns deterministic, poorly-compressible bytes so
// archive fixtures don't accidentally trip the bomb-ratio guard.
func pseudoRandomBytes(n int) []byte {
	r := rand.New(rand.NewSource(42))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tempRoot := t.TempDir()
	romRoot := t.TempDir()
	s, err := New(tempRoot, romRoot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestScopeLifecycle(t *testing.T) {
	s := newTestStore(t)
	scope, err := s.NewScope()
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	p, err := s.ChunkPath(scope, 0)
	if err != nil {
		t.Fatalf("ChunkPath: %v", err)
	}
	if filepath.Dir(p) != filepath.Join(s.tempRoot, string(scope)) {
		t.Errorf("ChunkPath = %q, unexpected parent", p)
	}
	if err := s.ReleaseScope(scope); err != nil {
		t.Fatalf("ReleaseScope: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.tempRoot, string(scope))); !os.IsNotExist(err) {
		t.Errorf("scope directory still exists after release")
	}
}

func TestWriteChunkAndAssemble(t *testing.T) {
	s := newTestStore(t)
	scope, err := s.NewScope()
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}

	parts := [][]byte{[]byte("hello "), []byte("world")}
	var paths []string
	for i, p := range parts {
		path, err := s.ChunkPath(scope, i)
		if err != nil {
			t.Fatalf("ChunkPath: %v", err)
		}
		digest, err := s.WriteChunk(path, p)
		if err != nil {
			t.Fatalf("WriteChunk: %v", err)
		}
		if digest != romid.FromBytes(p) {
			t.Errorf("digest mismatch for chunk %d", i)
		}
		paths = append(paths, path)
	}

	out, err := s.AssembledPath(scope)
	if err != nil {
		t.Fatalf("AssembledPath: %v", err)
	}
	if err := s.Assemble(paths, out); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("assembled = %q, want %q", got, "hello world")
	}

	digest, err := s.StreamDigest(out)
	if err != nil {
		t.Fatalf("StreamDigest: %v", err)
	}
	if digest != romid.FromBytes([]byte("hello world")) {
		t.Errorf("stream digest mismatch")
	}
}

func TestProbeSignatureNES(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "game.nes")
	data := append([]byte("NES\x1a"), make([]byte, 32)...)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ok, err := s.ProbeSignature(path, platform.FamilyNES)
	if err != nil {
		t.Fatalf("ProbeSignature: %v", err)
	}
	if !ok {
		t.Errorf("expected NES signature match")
	}

	bad := filepath.Join(dir, "bad.nes")
	if err := os.WriteFile(bad, []byte("nope"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ok, err = s.ProbeSignature(bad, platform.FamilyNES)
	if err != nil {
		t.Fatalf("ProbeSignature: %v", err)
	}
	if ok {
		t.Errorf("expected NES signature mismatch")
	}
}

func TestFinalPathConfinement(t *testing.T) {
	s := newTestStore(t)
	p, err := s.FinalPath(platform.ID("nes"), "../../etc/passwd", ".nes")
	if err != nil {
		t.Fatalf("FinalPath: %v", err)
	}
	if filepath.Dir(filepath.Dir(p)) != s.romRoot {
		t.Errorf("final path %q escaped romRoot %q", p, s.romRoot)
	}
}

func TestExtractArchive(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "game.zip")

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, err := zw.Create("rom.sfc")
	if err != nil {
		t.Fatalf("Create entry: %v", err)
	}
	content := pseudoRandomBytes(1024)
	if _, err := w.Write(content); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	outDir := t.TempDir()
	names, err := s.ExtractArchive(archivePath, outDir, 1<<20)
	if err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if len(names) != 1 || names[0] != "rom.sfc" {
		t.Fatalf("names = %v, want [rom.sfc]", names)
	}
	got, err := os.ReadFile(filepath.Join(outDir, "rom.sfc"))
	if err != nil {
		t.Fatalf("ReadFile extracted: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("extracted content mismatch")
	}
}

func TestExtractArchiveRejectsOversizedTotal(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "big.zip")

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, err := zw.Create("big.bin")
	if err != nil {
		t.Fatalf("Create entry: %v", err)
	}
	content := pseudoRandomBytes(4096)
	if _, err := w.Write(content); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	outDir := t.TempDir()
	_, err = s.ExtractArchive(archivePath, outDir, 1024)
	if err == nil {
		t.Fatal("expected ArchiveBomb error for oversized total")
	}
}
