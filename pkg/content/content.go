// Package content implements the Content Store (C2): scoped temp
// allocation, chunk/assembled/final path derivation, durable chunk
// writes, streaming digest computation, signature probing, and
// size-capped archive extraction. It owns no state beyond a configured
// root pair and never touches the catalog/upload store directly — the
// same separation-of-concerns perkeep draws between blobserver.Storage
// (bytes on disk) and the index (metadata), per spec §4.2.
package content

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"romvault.dev/romvault/internal/magicsig"
	"romvault.dev/romvault/internal/pathsafe"
	"romvault.dev/romvault/pkg/platform"
	"romvault.dev/romvault/pkg/romerr"
	"romvault.dev/romvault/pkg/romid"
)

// Store is the C2 capability object: a pair of roots (temp scratch space
// and the final ROM tree) plus the operations that move bytes between
// them. It holds no mutable state of its own; every operation is keyed
// by caller-supplied paths/scopes, mirroring localdisk.DiskStorage's
// stateless-beyond-root design.
type Store struct {
	tempRoot string
	romRoot  string
}

// New returns a Store rooted at tempRoot (chunk/assembly scratch space)
// and romRoot (the final catalog tree). Both must already exist.
func New(tempRoot, romRoot string) (*Store, error) {
	for _, dir := range []string{tempRoot, romRoot} {
		fi, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("content: stat root %q: %w", dir, err)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("content: root %q is not a directory", dir)
		}
	}
	return &Store{tempRoot: tempRoot, romRoot: romRoot}, nil
}

// NewScope allocates a fresh temp-scope token and creates its directory
// under tempRoot. The token is a private, unguessable directory name —
// an upload owns it exclusively until ReleaseScope.
func (s *Store) NewScope() (romid.ID, error) {
	token := romid.NewID()
	dir, err := pathsafe.Confine(s.tempRoot, string(token))
	if err != nil {
		return "", romerr.Wrap(romerr.KindPathUnsafe, "scope path", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("content: create scope %q: %w", token, err)
	}
	return token, nil
}

// ReleaseScope removes scope's directory and everything under it. Safe
// to call on an already-removed scope.
func (s *Store) ReleaseScope(scope romid.ID) error {
	dir, err := pathsafe.Confine(s.tempRoot, string(scope))
	if err != nil {
		return romerr.Wrap(romerr.KindPathUnsafe, "scope path", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("content: release scope %q: %w", scope, err)
	}
	return nil
}

// ChunkPath returns the on-disk path for chunk index within scope.
func (s *Store) ChunkPath(scope romid.ID, index int) (string, error) {
	p, err := pathsafe.Confine(s.tempRoot, string(scope), fmt.Sprintf("chunk-%d", index))
	if err != nil {
		return "", romerr.Wrap(romerr.KindPathUnsafe, "chunk path", err)
	}
	return p, nil
}

// AssembledPath returns the path the concatenated upload is written to
// before validation.
func (s *Store) AssembledPath(scope romid.ID) (string, error) {
	p, err := pathsafe.Confine(s.tempRoot, string(scope), "assembled")
	if err != nil {
		return "", romerr.Wrap(romerr.KindPathUnsafe, "assembled path", err)
	}
	return p, nil
}

// ExtractDir returns a fresh scoped directory (under scope) for archive
// extraction, per the file-system layout's "temp/extract_<uuid>/..."
// entry.
func (s *Store) ExtractDir(scope romid.ID) (string, error) {
	p, err := pathsafe.Confine(s.tempRoot, string(scope), "extract_"+romid.NewID().String())
	if err != nil {
		return "", romerr.Wrap(romerr.KindPathUnsafe, "extract dir", err)
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return "", fmt.Errorf("content: create extract dir: %w", err)
	}
	return p, nil
}

// FinalPath derives the published location for a catalog entry:
// <romRoot>/<platformID>/<sanitizedTitle><ext>, confined to romRoot.
func (s *Store) FinalPath(platformID platform.ID, title, ext string) (string, error) {
	name := pathsafe.Sanitize(title)
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	p, err := pathsafe.Confine(s.romRoot, string(platformID), name+ext)
	if err != nil {
		return "", romerr.Wrap(romerr.KindPathUnsafe, "final path", err)
	}
	return p, nil
}

// WriteChunk durably writes data to path: write, fsync, then atomic
// rename into place, the same pattern localdisk.ReceiveBlob uses so a
// crash mid-write never leaves a partial chunk visible at path. It
// returns the digest of the written bytes.
func (s *Store) WriteChunk(path string, data []byte) (romid.Digest, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return romid.Digest{}, romerr.Wrap(romerr.KindChunkWriteFailed, "mkdir", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return romid.Digest{}, romerr.Wrap(romerr.KindChunkWriteFailed, "create temp", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return romid.Digest{}, romerr.Wrap(romerr.KindChunkWriteFailed, "write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return romid.Digest{}, romerr.Wrap(romerr.KindChunkWriteFailed, "fsync", err)
	}
	if err := tmp.Close(); err != nil {
		return romid.Digest{}, romerr.Wrap(romerr.KindChunkWriteFailed, "close", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return romid.Digest{}, romerr.Wrap(romerr.KindChunkWriteFailed, "rename", err)
	}
	success = true
	return romid.FromBytes(data), nil
}

// Assemble streams the ordered chunk files into out_path, failing with
// AssemblyIO on any read/write error, per §4.2.
func (s *Store) Assemble(orderedChunkPaths []string, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
		return romerr.Wrap(romerr.KindAssemblyIO, "mkdir", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return romerr.Wrap(romerr.KindAssemblyIO, "create assembled file", err)
	}
	defer out.Close()

	for _, cp := range orderedChunkPaths {
		if err := copyChunkInto(out, cp); err != nil {
			return romerr.Wrap(romerr.KindAssemblyIO, "copy "+cp, err)
		}
	}
	if err := out.Sync(); err != nil {
		return romerr.Wrap(romerr.KindAssemblyIO, "fsync assembled file", err)
	}
	return nil
}

func copyChunkInto(out io.Writer, chunkPath string) error {
	in, err := os.Open(chunkPath)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(out, in)
	return err
}

// StreamDigest computes the single-pass SHA-256 digest of the file at
// path.
func (s *Store) StreamDigest(path string) (romid.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return romid.Digest{}, romerr.Wrap(romerr.KindAssemblyIO, "open for digest", err)
	}
	defer f.Close()

	h := romid.NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return romid.Digest{}, romerr.Wrap(romerr.KindAssemblyIO, "hash", err)
	}
	return romid.FromHash(h), nil
}

// ProbeSignature reads the leading magicsig.ProbeSize bytes of path and
// compares them to the magic registered for fam. Per §4.4 step
// 6 this is advisory: callers record the boolean as signature_warning
// rather than treating a mismatch as fatal.
func (s *Store) ProbeSignature(path string, fam platform.HeaderFamily) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("content: open for signature probe: %w", err)
	}
	defer f.Close()

	buf := make([]byte, magicsig.ProbeSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, fmt.Errorf("content: read for signature probe: %w", err)
	}
	return magicsig.Probe(string(fam), buf[:n]), nil
}

// RenameFinal moves src to dst, which must already be under romRoot
// (FinalPath enforces that). Creates dst's parent directory if absent.
func (s *Store) RenameFinal(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("content: mkdir final dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("content: rename into final path: %w", err)
	}
	return nil
}
