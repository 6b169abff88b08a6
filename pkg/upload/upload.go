// Package upload implements the Upload Coordinator (C3): the chunked
// upload state machine, idempotent chunk receipt, fingerprint dedup at
// initiation, and hand-off to the assembler on last-chunk arrival. It is
// grounded on perkeep's blobserver.Storage receive path generalized from
// a single atomic blob write to a multi-chunk resumable one, with
// per-upload serialization modeled on pkg/syncutil's mutex-per-key idiom.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"romvault.dev/romvault/pkg/content"
	"romvault.dev/romvault/pkg/platform"
	"romvault.dev/romvault/pkg/progress"
	"romvault.dev/romvault/pkg/romerr"
	"romvault.dev/romvault/pkg/romid"
	"romvault.dev/romvault/pkg/store"
)

// Assembler is the C4 hand-off contract: C3 enqueues an upload_id once
// every chunk has arrived and never blocks on C4's own processing.
type Assembler interface {
	Enqueue(uploadID romid.ID)
}

// Coordinator is the C3 capability object.
type Coordinator struct {
	store     *store.Store
	content   *content.Store
	hub       *progress.Hub
	assembler Assembler
	log       *slog.Logger

	uploadTimeout time.Duration

	keysMu sync.Mutex
	keys   map[romid.ID]*sync.Mutex // per-upload serialization, perkeep syncutil-style

	startedMu sync.Mutex
	started   map[romid.ID]time.Time // for speed/ETA derivation
}

// New builds a Coordinator. SetAssembler must be called once the
// assembler is constructed (it in turn depends on this Coordinator's
// Store for some setups); wiring order is broken this way to avoid an
// import cycle between pkg/upload and pkg/assemble.
func New(st *store.Store, ct *content.Store, hub *progress.Hub, uploadTimeout time.Duration) *Coordinator {
	return &Coordinator{
		store:         st,
		content:       ct,
		hub:           hub,
		log:           slog.Default().With("component", "upload"),
		uploadTimeout: uploadTimeout,
		keys:          make(map[romid.ID]*sync.Mutex),
		started:       make(map[romid.ID]time.Time),
	}
}

// SetAssembler wires the C4 hand-off target.
func (c *Coordinator) SetAssembler(a Assembler) { c.assembler = a }

func (c *Coordinator) lockFor(id romid.ID) *sync.Mutex {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	m, ok := c.keys[id]
	if !ok {
		m = &sync.Mutex{}
		c.keys[id] = m
	}
	return m
}

func (c *Coordinator) forgetLock(id romid.ID) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	delete(c.keys, id)
}

// Initiate begins a new upload per §4.3.
func (c *Coordinator) Initiate(ctx context.Context, originalName string, declaredSize int64, declaredDigest romid.Digest, chunkSize int64, mimeHint string) (*store.Upload, error) {
	// Archives (zip/7z/rar) are accepted even though they aren't
	// themselves a registered platform extension; their real platform
	// is only known after C4 extracts and inspects their contents, per
	// §4.1 ("ambiguous archive content is resolved by C4 after
	// extraction") and example E5.
	platformID, ok := platform.ClassifyByExtension(originalName)
	if !ok && !platform.IsArchive(originalName) {
		return nil, romerr.New(romerr.KindUnsupportedFormat, originalName)
	}
	maxSize := platform.MaxSize(platformID)
	if platformID == "" {
		maxSize = platform.ArchiveSizeCap()
	}
	if declaredSize > maxSize {
		return nil, romerr.New(romerr.KindOversizeForPlatform, fmt.Sprintf("%d > %d", declaredSize, maxSize))
	}

	if declaredDigest.Valid() {
		if existing, err := c.store.FindCatalogByDigest(ctx, declaredDigest); err == nil && existing != nil {
			return nil, romerr.New(romerr.KindAlreadyIngested, existing.ID.String())
		} else if err != nil && err != store.ErrNotFound {
			return nil, fmt.Errorf("upload: check existing catalog entry: %w", err)
		}
	}

	scope, err := c.content.NewScope()
	if err != nil {
		return nil, fmt.Errorf("upload: allocate scope: %w", err)
	}

	totalChunks := int((declaredSize + chunkSize - 1) / chunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}
	now := time.Now().UTC()
	u := &store.Upload{
		ID:               romid.NewID(),
		OriginalName:     originalName,
		SanitizedName:    sanitizedNameOf(originalName),
		DeclaredSize:     declaredSize,
		DeclaredDigest:   declaredDigest,
		ChunkSize:        chunkSize,
		TotalChunks:      totalChunks,
		DetectedPlatform: platformID,
		MIMEHint:         mimeHint,
		TempScope:        scope,
		State:            store.StateInitiated,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(c.uploadTimeout),
	}

	chunks := make([]store.Chunk, totalChunks)
	remaining := declaredSize
	for i := 0; i < totalChunks; i++ {
		size := chunkSize
		if remaining < chunkSize {
			size = remaining
		}
		chunks[i] = store.Chunk{UploadID: u.ID, Index: i, ExpectedSize: size}
		remaining -= size
	}

	if err := c.store.CreateUpload(ctx, u, chunks); err != nil {
		c.content.ReleaseScope(scope)
		return nil, fmt.Errorf("upload: persist: %w", err)
	}

	c.startedMu.Lock()
	c.started[u.ID] = now
	c.startedMu.Unlock()

	c.hub.Publish(u.ID, progress.Event{Type: progress.EventInitial, FileName: u.SanitizedName, State: string(u.State), TotalChunks: totalChunks})
	return u, nil
}

func sanitizedNameOf(original string) string {
	// Defer the true sanitization to internal/pathsafe at the call site
	// that owns root-confinement; Initiate only needs a stable display
	// name, so this is intentionally the identity function plus a guard
	// against empty input.
	if original == "" {
		return "unnamed"
	}
	return original
}

// ReceiveChunk accepts one chunk per §4.3.
func (c *Coordinator) ReceiveChunk(ctx context.Context, uploadID romid.ID, index int, data []byte) (accepted bool, complete bool, err error) {
	lock := c.lockFor(uploadID)
	lock.Lock()
	defer lock.Unlock()

	u, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, false, romerr.New(romerr.KindNotFound, uploadID.String())
		}
		return false, false, fmt.Errorf("upload: load: %w", err)
	}
	if u.State == store.StateExpired || time.Now().UTC().After(u.ExpiresAt) {
		return false, false, romerr.New(romerr.KindExpired, uploadID.String())
	}
	if u.State == store.StateCancelled {
		return false, false, romerr.New(romerr.KindCancelled, uploadID.String())
	}
	if u.State != store.StateInitiated && u.State != store.StateUploading {
		return false, false, romerr.New(romerr.KindNotAcceptingChunks, string(u.State))
	}

	chunk, err := c.store.GetChunk(ctx, uploadID, index)
	if err != nil {
		return false, false, fmt.Errorf("upload: load chunk: %w", err)
	}

	digest := romid.FromBytes(data)
	if chunk.Received && chunk.Digest == digest {
		return true, u.UploadedChunks == u.TotalChunks, nil
	}
	if int64(len(data)) != chunk.ExpectedSize {
		return false, false, romerr.New(romerr.KindChunkSizeMismatch, fmt.Sprintf("index %d: got %d want %d", index, len(data), chunk.ExpectedSize))
	}
	if chunk.Received {
		return false, false, romerr.New(romerr.KindDigestMismatch, fmt.Sprintf("index %d already received with different content", index))
	}

	path, err := c.content.ChunkPath(u.TempScope, index)
	if err != nil {
		return false, false, err
	}
	writtenDigest, err := c.content.WriteChunk(path, data)
	if err != nil {
		return false, false, err
	}

	newState := store.StateUploading
	count, incremented, err := c.store.MarkChunkReceived(ctx, uploadID, index, writtenDigest, path, newState)
	if err != nil {
		return false, false, fmt.Errorf("upload: mark chunk received: %w", err)
	}

	c.emitProgress(u, count, incremented)

	if count == u.TotalChunks {
		u.State = store.StateProcessing
		u.UploadedChunks = count
		u.UpdatedAt = time.Now().UTC()
		if err := c.store.UpdateUpload(ctx, u); err != nil {
			return true, false, fmt.Errorf("upload: transition to processing: %w", err)
		}
		c.hub.Publish(uploadID, progress.Event{Type: progress.EventProcessing, State: string(store.StateProcessing)})
		c.assembler.Enqueue(uploadID)
		return true, true, nil
	}
	return true, false, nil
}

func (c *Coordinator) emitProgress(u *store.Upload, uploadedChunks int, incremented bool) {
	if !incremented {
		return
	}
	c.startedMu.Lock()
	startedAt, ok := c.started[u.ID]
	c.startedMu.Unlock()
	if !ok {
		startedAt = u.CreatedAt
	}

	elapsed := time.Since(startedAt).Seconds()
	var speed float64
	var eta time.Duration
	if elapsed > 0 {
		bytesSoFar := float64(uploadedChunks) * float64(u.ChunkSize)
		speed = bytesSoFar / elapsed
		if speed > 0 {
			remainingBytes := float64(u.TotalChunks-uploadedChunks) * float64(u.ChunkSize)
			eta = time.Duration(remainingBytes/speed) * time.Second
		}
	}
	progressFrac := float64(uploadedChunks) / float64(u.TotalChunks)

	c.hub.Publish(u.ID, progress.Event{
		Type:           progress.EventProgress,
		FileName:       u.SanitizedName,
		State:          string(store.StateUploading),
		UploadedChunks: uploadedChunks,
		TotalChunks:    u.TotalChunks,
		Progress:       progressFrac,
		SpeedBytesPerS: speed,
		ETA:            eta,
	})
}

// Cancel transitions uploadID to CANCELLED per §4.3.
func (c *Coordinator) Cancel(ctx context.Context, uploadID romid.ID) error {
	lock := c.lockFor(uploadID)
	lock.Lock()
	defer lock.Unlock()

	u, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		if err == store.ErrNotFound {
			return romerr.New(romerr.KindNotFound, uploadID.String())
		}
		return fmt.Errorf("upload: load: %w", err)
	}
	if u.State == store.StateCompleted {
		return romerr.New(romerr.KindAlreadyCompleted, uploadID.String())
	}
	if u.State.Terminal() {
		return nil // already CANCELLED/FAILED/EXPIRED: idempotent
	}

	u.State = store.StateCancelled
	u.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateUpload(ctx, u); err != nil {
		return fmt.Errorf("upload: transition to cancelled: %w", err)
	}
	if err := c.content.ReleaseScope(u.TempScope); err != nil {
		c.log.Warn("release scope on cancel failed", "upload", uploadID, "err", err)
	}
	c.forgetLock(uploadID)
	c.hub.Publish(uploadID, progress.Event{Type: progress.EventCancelled, State: string(store.StateCancelled)})
	return nil
}

// Status returns a snapshot of uploadID, per §4.3.
func (c *Coordinator) Status(ctx context.Context, uploadID romid.ID) (*store.Upload, error) {
	u, err := c.store.GetUpload(ctx, uploadID)
	if err == store.ErrNotFound {
		return nil, romerr.New(romerr.KindNotFound, uploadID.String())
	}
	return u, err
}

// Snapshot implements progress.snapshotFunc for late subscribers: it
// synthesizes an Event reflecting the upload's current persisted state.
func (c *Coordinator) Snapshot(uploadID romid.ID) (progress.Event, bool) {
	u, err := c.store.GetUpload(context.Background(), uploadID)
	if err != nil {
		return progress.Event{}, false
	}
	return progress.Event{
		Type:           progress.EventProgress,
		FileName:       u.SanitizedName,
		State:          string(u.State),
		UploadedChunks: u.UploadedChunks,
		TotalChunks:    u.TotalChunks,
		Progress:       float64(u.UploadedChunks) / float64(max(u.TotalChunks, 1)),
	}, true
}
