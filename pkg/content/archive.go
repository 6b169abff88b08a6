package content

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	kflate "github.com/klauspost/compress/flate"

	"romvault.dev/romvault/internal/pathsafe"
	"romvault.dev/romvault/pkg/romerr"
)

// bombRatio is the compressed->uncompressed ratio above which an archive
// member is rejected as a bomb, per §4.2/§9 testable property 6.
const bombRatio = 100

func init() {
	// Decompress DEFLATE members with klauspost/compress/flate rather
	// than archive/zip's built-in compress/flate: same format, faster
	// decoder, and it's the compression library already present in the
	// dependency graph for this concern.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return kflate.NewReader(r)
	})
}

// ExtractArchive extracts path (a zip archive) into outDir, refusing
// archive-bomb ratios: any member whose uncompressed size exceeds
// bombRatio times its compressed size, or whose running total exceeds
// maxTotal, fails with ArchiveBomb before any of its bytes are written
// to disk. Returns the sanitized names of every extracted member.
func (s *Store) ExtractArchive(path, outDir string, maxTotal int64) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, romerr.Wrap(romerr.KindAssemblyIO, "open archive", err)
	}
	defer r.Close()

	var names []string
	var total int64
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := checkBomb(f, maxTotal, &total); err != nil {
			return nil, err
		}

		safeName := pathsafe.Sanitize(filepath.Base(f.Name))
		dstPath, err := pathsafe.Confine(outDir, safeName)
		if err != nil {
			return nil, romerr.Wrap(romerr.KindPathUnsafe, "archive member path", err)
		}

		if err := extractOne(f, dstPath); err != nil {
			return nil, err
		}
		names = append(names, safeName)
	}
	return names, nil
}

func checkBomb(f *zip.File, maxTotal int64, runningTotal *int64) error {
	uncompressed := int64(f.UncompressedSize64)
	compressed := int64(f.CompressedSize64)
	if compressed > 0 && uncompressed > bombRatio*compressed {
		return romerr.New(romerr.KindArchiveBomb, fmt.Sprintf("member %q: ratio %d exceeds %dx", f.Name, uncompressed/compressed, bombRatio))
	}
	*runningTotal += uncompressed
	if *runningTotal > maxTotal {
		return romerr.New(romerr.KindArchiveBomb, fmt.Sprintf("total extracted size %d exceeds cap %d", *runningTotal, maxTotal))
	}
	return nil
}

func extractOne(f *zip.File, dstPath string) error {
	rc, err := f.Open()
	if err != nil {
		return romerr.Wrap(romerr.KindAssemblyIO, "open archive member", err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o700); err != nil {
		return romerr.Wrap(romerr.KindAssemblyIO, "mkdir for member", err)
	}
	out, err := os.Create(dstPath)
	if err != nil {
		return romerr.Wrap(romerr.KindAssemblyIO, "create member file", err)
	}
	defer out.Close()

	// Limit the copy to the member's declared uncompressed size plus a
	// small margin: checkBomb already validated the declared size, this
	// guards against a deflate stream that lies about its own length.
	limited := io.LimitReader(rc, int64(f.UncompressedSize64)+1)
	if _, err := io.Copy(out, limited); err != nil {
		return romerr.Wrap(romerr.KindAssemblyIO, "copy archive member", err)
	}
	return nil
}
