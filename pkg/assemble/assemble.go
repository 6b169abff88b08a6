// Package assemble implements the Assembler & Validator (C4): the
// eleven-step pipeline that turns a fully-chunked Upload into a
// CatalogEntry — concatenation, size/digest verification, archive
// extraction, header parsing, dedup, metadata enrichment, and the final
// atomic publish. It runs on its own worker pool so a slow assembly
// never blocks chunk reception, grounded on perkeep's
// pkg/schema/filewriter.go streaming-hash pattern generalized from
// fixed-size blobs to an upload's declared chunk size.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"romvault.dev/romvault/pkg/content"
	"romvault.dev/romvault/pkg/metadata"
	"romvault.dev/romvault/pkg/platform"
	"romvault.dev/romvault/pkg/progress"
	"romvault.dev/romvault/pkg/romerr"
	"romvault.dev/romvault/pkg/romheader"
	"romvault.dev/romvault/pkg/romid"
	"romvault.dev/romvault/pkg/store"
)

// headerProbeBytes bounds how much of the main file is read for header
// parsing: the deepest fixed offset any family looks at is the SNES HiROM
// header at 0xFFC0, whose 32 bytes end at 0x10000, so this covers every
// family (the PSX ISO descriptor sector ends at 0x8800) without reading an
// entire multi-hundred-MB disc image into memory.
const headerProbeBytes = 0x10000

// Assembler is the C4 capability object: a bounded worker pool consuming
// upload ids handed off by the Upload Coordinator.
type Assembler struct {
	store     *store.Store
	content   *content.Store
	hub       *progress.Hub
	enricher  *metadata.Enricher
	log       *slog.Logger
	workQueue chan romid.ID
	done      chan struct{}
}

// New builds an Assembler with workers goroutines draining its internal
// queue. Callers must call Start to begin processing.
func New(st *store.Store, ct *content.Store, hub *progress.Hub, enricher *metadata.Enricher, queueDepth int) *Assembler {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Assembler{
		store:     st,
		content:   ct,
		hub:       hub,
		enricher:  enricher,
		log:       slog.Default().With("component", "assemble"),
		workQueue: make(chan romid.ID, queueDepth),
		done:      make(chan struct{}),
	}
}

// Start launches workers goroutines that each pull from the internal
// queue until Stop is called. C4 runs on its own pool, isolated from C3,
// per §5's scheduling model.
func (a *Assembler) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		go a.worker(ctx)
	}
}

// Stop signals every worker to exit after draining in-flight work.
func (a *Assembler) Stop() { close(a.done) }

func (a *Assembler) worker(ctx context.Context) {
	for {
		select {
		case <-a.done:
			return
		case <-ctx.Done():
			return
		case uploadID := <-a.workQueue:
			a.process(ctx, uploadID)
		}
	}
}

// Enqueue implements upload.Assembler: C3 hands off an upload_id the
// instant every chunk has arrived, never blocking on C4's own work.
func (a *Assembler) Enqueue(uploadID romid.ID) {
	select {
	case a.workQueue <- uploadID:
	default:
		// Queue full: spawn a detached send so ReceiveChunk's caller is
		// never blocked by C4 backpressure (C3 must stay responsive).
		go func() { a.workQueue <- uploadID }()
	}
}

// process runs the full §4.4 pipeline for uploadID. Any step failure
// transitions the Upload to FAILED and preserves its chunks for
// diagnosis until the expiry sweep reaps them.
func (a *Assembler) process(ctx context.Context, uploadID romid.ID) {
	u, err := a.store.GetUpload(ctx, uploadID)
	if err != nil {
		a.log.Error("assemble: load upload failed", "upload", uploadID, "err", err)
		return
	}

	if err := a.run(ctx, u); err != nil {
		a.fail(ctx, u, err)
		return
	}
}

func (a *Assembler) run(ctx context.Context, u *store.Upload) error {
	// Step 1: acquire ordered chunk paths; verify all received.
	chunks, err := a.store.ListChunks(ctx, u.ID)
	if err != nil {
		return romerr.Wrap(romerr.KindAssemblyIO, "list chunks", err)
	}
	paths := make([]string, len(chunks))
	for i, c := range chunks {
		if !c.Received {
			return romerr.New(romerr.KindAssemblyIO, fmt.Sprintf("chunk %d never received", c.Index))
		}
		paths[i] = c.Path
	}

	// Step 2: concatenate.
	assembledPath, err := a.content.AssembledPath(u.TempScope)
	if err != nil {
		return err
	}
	if err := a.content.Assemble(paths, assembledPath); err != nil {
		return err
	}

	// Step 3: size check.
	fi, err := os.Stat(assembledPath)
	if err != nil {
		return romerr.Wrap(romerr.KindAssemblyIO, "stat assembled file", err)
	}
	if fi.Size() != u.DeclaredSize {
		return romerr.New(romerr.KindSizeMismatch, fmt.Sprintf("got %d want %d", fi.Size(), u.DeclaredSize))
	}

	// Step 4: digest check.
	digest, err := a.content.StreamDigest(assembledPath)
	if err != nil {
		return err
	}
	if u.DeclaredDigest.Valid() && digest != u.DeclaredDigest {
		return romerr.New(romerr.KindDigestMismatch, "")
	}

	mainPath := assembledPath
	var archiveMembers []string

	// Step 5: archive extraction.
	if platform.IsArchive(u.OriginalName) {
		extractDir, err := a.content.ExtractDir(u.TempScope)
		if err != nil {
			return err
		}
		names, err := a.content.ExtractArchive(assembledPath, extractDir, platform.ArchiveSizeCap())
		if err != nil {
			return err
		}
		archiveMembers = names

		main, ok := chooseMainFile(extractDir, names)
		if !ok {
			return romerr.New(romerr.KindNoRecognizedContent, u.OriginalName)
		}
		mainPath = main
		digest, err = a.content.StreamDigest(mainPath)
		if err != nil {
			return err
		}
	}

	platformID := u.DetectedPlatform
	if mainPath != assembledPath {
		if pid, ok := platform.ClassifyByExtension(mainPath); ok {
			platformID = pid
		}
	}
	spec, _ := platform.SpecFor(platformID)

	// Step 6: signature probe, non-fatal.
	signatureOK, probeErr := a.content.ProbeSignature(mainPath, spec.HeaderFamily)
	if probeErr != nil {
		a.log.Warn("signature probe failed", "upload", u.ID, "err", probeErr)
	}
	signatureWarning := probeErr == nil && !signatureOK

	// Step 7: header parse.
	headerInfo, _ := parseHeader(mainPath, spec.HeaderFamily)

	// Step 8: dedup against the catalog.
	existing, err := a.store.FindCatalogByDigest(ctx, digest)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("assemble: check existing catalog entry: %w", err)
	}
	if existing != nil {
		return romerr.New(romerr.KindAlreadyIngested, existing.ID.String())
	}

	// Step 9: metadata enrichment, soft-budgeted.
	enrichCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	title := headerInfo.Title
	if title == "" {
		title = u.SanitizedName
	}
	declaredDigestHex := ""
	if u.DeclaredDigest.Valid() {
		declaredDigestHex = u.DeclaredDigest.String()
	}
	record := a.enricher.Enrich(enrichCtx, title, platformID, headerInfo.Region, declaredDigestHex)
	cancel()

	// Step 10: derive final path and publish.
	finalTitle := record.Title
	if finalTitle == "" {
		finalTitle = u.SanitizedName
	}
	// The published extension follows the actual main file: for a plain
	// upload that's the original name's extension, but for an archive
	// upload mainPath points at the extracted member (original name is
	// still "game.zip").
	ext := filepath.Ext(mainPath)
	if mainPath == assembledPath {
		ext = filepath.Ext(u.OriginalName)
	}
	finalPath, err := a.content.FinalPath(platformID, finalTitle, ext)
	if err != nil {
		return err
	}
	if err := a.content.RenameFinal(mainPath, finalPath); err != nil {
		return romerr.Wrap(romerr.KindAssemblyIO, "publish final file", err)
	}

	// Step 11: persist CatalogEntry and transition to COMPLETED.
	entry := &store.CatalogEntry{
		ID:            romid.NewID(),
		ContentDigest: digest,
		SanitizedName: u.SanitizedName,
		PlatformID:    platformID,
		FinalPath:     finalPath,
		Size:          fi.Size(),
		HeaderSummary: headerSummary(headerInfo, signatureWarning, archiveMembers),
		CreatedAt:     time.Now().UTC(),
	}
	if err := a.store.InsertCatalogEntry(ctx, entry); err != nil {
		if err == store.ErrDuplicateDigest {
			return romerr.New(romerr.KindAlreadyIngested, digest.String())
		}
		return fmt.Errorf("assemble: persist catalog entry: %w", err)
	}

	u.State = store.StateCompleted
	u.FinalPath = finalPath
	u.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateUpload(ctx, u); err != nil {
		return fmt.Errorf("assemble: transition to completed: %w", err)
	}
	if err := a.content.ReleaseScope(u.TempScope); err != nil {
		a.log.Warn("release scope on completion failed", "upload", u.ID, "err", err)
	}
	a.hub.Publish(u.ID, progress.Event{Type: progress.EventCompleted, State: string(store.StateCompleted), CatalogEntryID: entry.ID})
	return nil
}

func (a *Assembler) fail(ctx context.Context, u *store.Upload, cause error) {
	kind := romerr.KindOf(cause)
	u.State = store.StateFailed
	u.ProcessingError = string(kind)
	u.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateUpload(ctx, u); err != nil {
		a.log.Error("assemble: persist failure state", "upload", u.ID, "err", err)
	}
	a.log.Warn("assembly failed", "upload", u.ID, "kind", kind, "err", cause)
	a.hub.Publish(u.ID, progress.Event{Type: progress.EventFailed, State: string(store.StateFailed), ErrorKind: string(kind), ErrorDetail: cause.Error()})
}

// chooseMainFile picks the largest extracted member whose extension is
// registered with C1, per §4.4 step 5.
func chooseMainFile(dir string, names []string) (string, bool) {
	var best string
	var bestSize int64 = -1
	for _, name := range names {
		if _, ok := platform.ClassifyByExtension(name); !ok {
			continue
		}
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if fi.Size() > bestSize {
			bestSize = fi.Size()
			best = p
		}
	}
	return best, best != ""
}

func parseHeader(path string, fam platform.HeaderFamily) (romheader.Info, bool) {
	f, err := os.Open(path)
	if err != nil {
		return romheader.Info{}, false
	}
	defer f.Close()

	buf := make([]byte, headerProbeBytes)
	n, _ := f.Read(buf)
	return romheader.Parse(fam, buf[:n])
}

func headerSummary(info romheader.Info, signatureWarning bool, archiveMembers []string) string {
	var b strings.Builder
	if info.Title != "" {
		b.WriteString("title=" + info.Title + "; ")
	}
	if info.Region != "" {
		b.WriteString("region=" + info.Region + "; ")
	}
	if info.Version != "" {
		b.WriteString("version=" + info.Version + "; ")
	}
	if info.Checksum != "" {
		b.WriteString("checksum=" + info.Checksum + "; ")
	}
	if signatureWarning {
		b.WriteString("signature_warning=true; ")
	}
	if len(archiveMembers) > 0 {
		b.WriteString(fmt.Sprintf("archive_members=%d; ", len(archiveMembers)))
	}
	return strings.TrimSuffix(b.String(), "; ")
}
