// Package maintenance implements the Maintenance Scheduler (C7): a
// single-threaded cooperative loop of periodic jobs — expiry sweep, temp
// reclamation, catalog stats, disk probe, and database compaction — each
// job running to completion before the next starts. It is grounded on
// perkeep's pkg/importer.Host start/stop loop, the closest teacher analog
// to "several independently-cadenced background jobs sharing one Store",
// adapted here into a multi-job scheduler with one time.Ticker per job.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"romvault.dev/romvault/pkg/content"
	"romvault.dev/romvault/pkg/progress"
	"romvault.dev/romvault/pkg/store"
)

// Cadences and thresholds match the §4.7 job table exactly.
const (
	ExpirySweepInterval  = 15 * time.Minute
	TempReclaimInterval  = time.Hour
	CatalogStatsInterval = 7 * 24 * time.Hour
	DiskProbeInterval    = 6 * time.Hour
	CompactionInterval   = 7 * 24 * time.Hour

	extractDirMaxAge   = time.Hour
	diskWarnThreshold  = 0.80
	diskErrorThreshold = 0.90

	// defaultTerminalRetention is "now − 24 h" from §4.7's expiry-sweep
	// row; Config (§6) exposes this as retentionDays for terminal rows
	// that have sat FAILED/CANCELLED past this long.
	defaultTerminalRetention = 24 * time.Hour
)

// Scheduler is the C7 capability object: a cooperative loop over
// independently-cadenced jobs, all reading/writing through the same
// *store.Store C3 and C4 use, so "active uploads" is always the
// database's current truth rather than a separately-tracked set.
type Scheduler struct {
	store     *store.Store
	content   *content.Store
	hub       *progress.Hub // may be nil: publishing then becomes a no-op
	tempRoot  string
	roots     []string // storage roots probed for disk usage (§4.7 disk probe)
	retention time.Duration
	log       *slog.Logger
}

// New builds a Scheduler. retention <= 0 uses defaultTerminalRetention.
// roots are the filesystem roots the disk probe reports on (typically
// tempRoot and the configured romDir). hub may be nil if the caller
// doesn't need expiry to emit a terminal progress event.
func New(st *store.Store, ct *content.Store, hub *progress.Hub, tempRoot string, roots []string, retention time.Duration) *Scheduler {
	if retention <= 0 {
		retention = defaultTerminalRetention
	}
	return &Scheduler{
		store:     st,
		content:   ct,
		hub:       hub,
		tempRoot:  tempRoot,
		roots:     roots,
		retention: retention,
		log:       slog.Default().With("component", "maintenance"),
	}
}

// Run blocks, driving every job on its own ticker until ctx is
// cancelled. A mutex shared by all jobs serializes them: each job runs to
// completion before any other job (or its own next tick) starts, and a
// job whose tick arrives meanwhile waits. store.Store's own mutex makes
// individual reads/writes safe concurrently with C3.
func (s *Scheduler) Run(ctx context.Context) {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"expiry_sweep", ExpirySweepInterval, s.runExpirySweep},
		{"temp_reclamation", TempReclaimInterval, s.runTempReclamation},
		{"catalog_stats", CatalogStatsInterval, s.runCatalogStats},
		{"disk_probe", DiskProbeInterval, s.runDiskProbe},
		{"database_compaction", CompactionInterval, s.runCompaction},
	}

	var serial sync.Mutex
	for _, j := range jobs {
		run := j.run
		go s.loop(ctx, j.name, j.interval, func(ctx context.Context) {
			serial.Lock()
			defer serial.Unlock()
			run(ctx)
		})
	}
	<-ctx.Done()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, name, run)
		}
	}
}

// runJob wraps one job tick: a panic or error inside the job is logged
// and the job simply retries on its next tick, per §8's maintenance
// error policy — never propagated, never crashes the loop.
func (s *Scheduler) runJob(ctx context.Context, name string, run func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("maintenance job panicked", "job", name, "panic", r)
		}
	}()
	start := time.Now()
	run(ctx)
	s.log.Info("maintenance job completed", "job", name, "elapsed", time.Since(start))
}

// runExpirySweep reaps Uploads past expires_at or stale-terminal past
// retention: release their temp scope, then delete the row. Safety: only
// rows the store itself classifies as expired/stale-terminal are ever
// touched, so a live upload can never be deleted out from under C3.
func (s *Scheduler) runExpirySweep(ctx context.Context) {
	uploads, err := s.store.ListExpiredOrStaleTerminal(ctx, time.Now().UTC(), s.retention)
	if err != nil {
		s.log.Error("expiry sweep: list failed", "err", err)
		return
	}
	for _, u := range uploads {
		wasExpiring := !u.State.Terminal()
		if wasExpiring {
			u.State = store.StateExpired
			u.UpdatedAt = time.Now().UTC()
			if err := s.store.UpdateUpload(ctx, u); err != nil {
				s.log.Warn("expiry sweep: mark expired failed", "upload", u.ID, "err", err)
				continue
			}
			if s.hub != nil {
				s.hub.Publish(u.ID, progress.Event{Type: progress.EventExpired, State: string(store.StateExpired)})
			}
		}
		if err := s.content.ReleaseScope(u.TempScope); err != nil {
			s.log.Warn("expiry sweep: release scope failed", "upload", u.ID, "err", err)
		}
		if err := s.store.DeleteUpload(ctx, u.ID); err != nil {
			s.log.Warn("expiry sweep: delete row failed", "upload", u.ID, "err", err)
			continue
		}
		s.log.Info("expiry sweep: reaped upload", "upload", u.ID, "was_expiring", wasExpiring)
	}
}

// runTempReclamation walks the temp root and removes every top-level
// directory that is not the scope of an Upload returned by ListActive and
// has not been modified for an hour — the §4.7 "orphan reclamation" job.
// Extraction directories go with the orphaned scope that holds them;
// those inside a live scope are left alone, whatever their age, and so
// are plain files directly under the temp root. A scope created after
// ListActive runs is protected by the one-hour grace window.
func (s *Scheduler) runTempReclamation(ctx context.Context) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Error("temp reclamation: list active failed", "err", err)
		return
	}
	liveScopes := make(map[string]bool, len(active))
	for _, u := range active {
		liveScopes[string(u.TempScope)] = true
	}

	entries, err := os.ReadDir(s.tempRoot)
	if err != nil {
		s.log.Error("temp reclamation: read temp root failed", "err", err)
		return
	}
	now := time.Now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if liveScopes[name] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		// Give a freshly-allocated scope a grace window before treating
		// it as orphaned — NewScope and CreateUpload aren't atomic with
		// each other, so a scope can briefly exist with no Upload row.
		if now.Sub(info.ModTime()) < extractDirMaxAge {
			continue
		}
		path := filepath.Join(s.tempRoot, name)
		if err := os.RemoveAll(path); err != nil {
			s.log.Warn("temp reclamation: remove orphan failed", "path", path, "err", err)
			continue
		}
		s.log.Info("temp reclamation: removed orphaned scope", "path", path)
	}
}

// runCatalogStats rolls up counts by platform and state and emits a
// structured log line, the §4.7 weekly "Catalog stats" job.
func (s *Scheduler) runCatalogStats(ctx context.Context) {
	rollup, err := s.store.RollupCatalogStats(ctx)
	if err != nil {
		s.log.Error("catalog stats: rollup failed", "err", err)
		return
	}
	for _, r := range rollup {
		s.log.Info("catalog stats", "platform", r.PlatformID, "state", r.State, "count", r.Count)
	}
}

// runDiskProbe reads free/used bytes on every configured storage root,
// warning at 80% used and erroring at 90%, per §4.7.
func (s *Scheduler) runDiskProbe(ctx context.Context) {
	for _, root := range s.roots {
		used, total, err := diskUsage(root)
		if err != nil {
			s.log.Error("disk probe: statfs failed", "root", root, "err", err)
			continue
		}
		if total == 0 {
			continue
		}
		frac := float64(used) / float64(total)
		fields := []any{
			"root", root,
			"used", humanize.Bytes(used),
			"total", humanize.Bytes(total),
			"used_pct", fmt.Sprintf("%.1f%%", frac*100),
		}
		switch {
		case frac >= diskErrorThreshold:
			s.log.Error("disk probe: usage critical", fields...)
		case frac >= diskWarnThreshold:
			s.log.Warn("disk probe: usage high", fields...)
		default:
			s.log.Info("disk probe", fields...)
		}
	}
}

func diskUsage(root string) (used, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %q: %w", root, err)
	}
	total = st.Blocks * uint64(st.Bsize)
	free := st.Bfree * uint64(st.Bsize)
	return total - free, total, nil
}

// runCompaction runs the weekly "database compaction" job: VACUUM +
// ANALYZE, per §4.7.
func (s *Scheduler) runCompaction(ctx context.Context) {
	if err := s.store.Vacuum(ctx); err != nil {
		s.log.Error("database compaction: vacuum failed", "err", err)
	}
}
