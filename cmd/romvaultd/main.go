// Command romvaultd is the ingestion daemon: it wires the Platform
// Registry, Content Store, Upload Coordinator, Assembler, Metadata
// Enricher, Progress Broadcaster, and Maintenance Scheduler into one
// running process and serves the §6 Upload API over HTTP. It plays the
// role perkeep's cmd/perkeepd main.go plays for that project's
// blobserver/index/importer stack — a thin composition root, not a
// capability object itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"romvault.dev/romvault/pkg/assemble"
	"romvault.dev/romvault/pkg/config"
	"romvault.dev/romvault/pkg/content"
	"romvault.dev/romvault/pkg/httpapi"
	"romvault.dev/romvault/pkg/maintenance"
	"romvault.dev/romvault/pkg/metadata"
	"romvault.dev/romvault/pkg/progress"
	"romvault.dev/romvault/pkg/romid"
	"romvault.dev/romvault/pkg/store"
	"romvault.dev/romvault/pkg/upload"
)

var (
	flagConfig  = flag.String("config", "", "path to a JSON or TOML config file (optional; ROMVAULT_* env vars and built-in defaults fill in the rest)")
	flagAddr    = flag.String("listen", ":8080", "address to serve the upload API on")
	flagDB      = flag.String("db", "romvault.db", "path to the sqlite catalog database")
	flagWorkers = flag.Int("assembler-workers", 4, "number of concurrent C4 assembly workers")
)

func main() {
	flag.Parse()
	log := slog.Default()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "err", err)
		os.Exit(1)
	}

	for _, dir := range []string{cfg.TempDir, cfg.RomDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("create storage root", "dir", dir, "err", err)
			os.Exit(1)
		}
	}

	st, err := store.Open(filepath.Clean(*flagDB))
	if err != nil {
		log.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	ct, err := content.New(cfg.TempDir, cfg.RomDir)
	if err != nil {
		log.Error("open content store", "err", err)
		os.Exit(1)
	}

	// hub needs the coordinator's Snapshot for late subscribers, and the
	// coordinator needs the hub to publish to: break the cycle with a
	// forward-declared variable the closure captures by reference.
	var coordinator *upload.Coordinator
	hub := progress.NewHub(cfg.ProgressQueueDepth, func(id romid.ID) (progress.Event, bool) {
		return coordinator.Snapshot(id)
	})
	coordinator = upload.New(st, ct, hub, cfg.UploadTimeout)

	enricher, err := metadata.New([]metadata.Source{metadata.FallbackSource{}}, len(cfg.MetadataSources)+1, metadata.DefaultPerSourceTimeout, metadata.DefaultCacheSize, metadata.DefaultSourceRateLimit)
	if err != nil {
		log.Error("build metadata enricher", "err", err)
		os.Exit(1)
	}

	asm := assemble.New(st, ct, hub, enricher, 64)
	coordinator.SetAssembler(asm)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	asm.Start(ctx, *flagWorkers)
	defer asm.Stop()

	scheduler := maintenance.New(st, ct, hub, cfg.TempDir, []string{cfg.TempDir, cfg.RomDir}, time.Duration(cfg.RetentionDays)*24*time.Hour)
	go scheduler.Run(ctx)

	api := httpapi.New(coordinator, hub, st, cfg.ChunkSize)
	srv := &http.Server{
		Addr:    *flagAddr,
		Handler: api.Routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("romvaultd listening", "addr", *flagAddr, "tempDir", cfg.TempDir, "romDir", cfg.RomDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("serve", "err", err)
		os.Exit(1)
	}
	fmt.Println("romvaultd: shutdown complete")
}
