// Package config loads the §6 configuration options into a typed Config
// struct. It is grounded on perkeep's pkg/jsonconfig.Obj — a loosely
// typed map plus Required*/Optional* accessors that collect errors as
// they go instead of failing on the first bad key — adapted here to load
// directly into a fixed Config shape rather than a generic driver-config
// tree, since this system has one config object, not a pluggable
// storage-driver graph.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the §6 "Configuration options" set.
type Config struct {
	MaxFileSize          int64         `json:"maxFileSize" toml:"max_file_size"`
	ChunkSize            int64         `json:"chunkSize" toml:"chunk_size"`
	UploadTimeout        time.Duration `json:"uploadTimeout" toml:"upload_timeout"`
	TempDir              string        `json:"tempDir" toml:"temp_dir"`
	RomDir               string        `json:"romDir" toml:"rom_dir"`
	MaxConcurrentUploads int           `json:"maxConcurrentUploads" toml:"max_concurrent_uploads"`
	MetadataSources      []string      `json:"metadataSources" toml:"metadata_sources"`
	ArchiveBombRatio     float64       `json:"archiveBombRatio" toml:"archive_bomb_ratio"`
	ProgressQueueDepth   int           `json:"progressQueueDepth" toml:"progress_queue_depth"`
	RetentionDays        int           `json:"retentionDays" toml:"retention_days"`
}

// Defaults returns the configuration perkeep-style deployments ship with
// when no file or environment override is present.
func Defaults() Config {
	return Config{
		MaxFileSize:          4 << 30, // 4 GiB, comfortably above the largest registered platform.MaxSize
		ChunkSize:            4 << 20, // 4 MiB
		UploadTimeout:        2 * time.Hour,
		TempDir:              "/var/lib/romvault/temp",
		RomDir:               "/var/lib/romvault/roms",
		MaxConcurrentUploads: 4,
		MetadataSources:      nil,
		ArchiveBombRatio:     100,
		ProgressQueueDepth:   64,
		RetentionDays:        1,
	}
}

// raw is the loosely-typed decode target for either file format, mirroring
// jsonconfig.Obj's "decode into map[string]interface{}, then walk keys with
// accessors that note errors instead of panicking" approach.
type raw map[string]any

// errs accumulates per-key problems the way jsonconfig.Obj.appendError
// does, so one typo doesn't hide every other one behind it.
type errs []error

func (e *errs) add(err error) { *e = append(*e, err) }

func (e errs) err() error {
	switch len(e) {
	case 0:
		return nil
	case 1:
		return e[0]
	default:
		msgs := make([]string, len(e))
		for i, err := range e {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("config: multiple errors: %s", strings.Join(msgs, "; "))
	}
}

// Load reads a JSON or TOML config file (by extension: .toml, else JSON),
// overlays it onto Defaults(), then applies ROMVAULT_* environment
// overrides. A missing path is not an error — Defaults() with only
// environment overrides applied is returned.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg), nil
			}
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}

		var r raw
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if err := toml.Unmarshal(data, &r); err != nil {
				return cfg, fmt.Errorf("config: parse toml %s: %w", path, err)
			}
			// TOML files spell keys in snake_case (Config's toml tags);
			// map them onto the camelCase keys applyRaw looks up.
			camel := make(raw, len(r))
			for k, v := range r {
				parts := strings.Split(k, "_")
				for j := 1; j < len(parts); j++ {
					if parts[j] != "" {
						parts[j] = strings.ToUpper(parts[j][:1]) + parts[j][1:]
					}
				}
				camel[strings.Join(parts, "")] = v
			}
			r = camel
		} else {
			if err := json.Unmarshal(data, &r); err != nil {
				return cfg, fmt.Errorf("config: parse json %s: %w", path, err)
			}
		}

		var e errs
		cfg = applyRaw(cfg, r, &e)
		if err := e.err(); err != nil {
			return cfg, err
		}
	}

	return applyEnv(cfg), nil
}

// applyRaw overlays recognized keys from r onto base, collecting a typed
// error per malformed or unrecognized key instead of stopping at the
// first one (jsonconfig.Obj's Validate()/lookForUnknownKeys style).
func applyRaw(base Config, r raw, e *errs) Config {
	known := map[string]bool{}
	str := func(key string, dst *string) {
		known[key] = true
		v, ok := r[key]
		if !ok {
			return
		}
		s, ok := v.(string)
		if !ok {
			e.add(fmt.Errorf("config key %q must be a string", key))
			return
		}
		*dst = s
	}
	i64 := func(key string, dst *int64) {
		known[key] = true
		v, ok := r[key]
		if !ok {
			return
		}
		n, ok := asNumber(v)
		if !ok {
			e.add(fmt.Errorf("config key %q must be a number", key))
			return
		}
		*dst = int64(n)
	}
	i := func(key string, dst *int) {
		known[key] = true
		v, ok := r[key]
		if !ok {
			return
		}
		n, ok := asNumber(v)
		if !ok {
			e.add(fmt.Errorf("config key %q must be a number", key))
			return
		}
		*dst = int(n)
	}
	f := func(key string, dst *float64) {
		known[key] = true
		v, ok := r[key]
		if !ok {
			return
		}
		n, ok := asNumber(v)
		if !ok {
			e.add(fmt.Errorf("config key %q must be a number", key))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		known[key] = true
		v, ok := r[key]
		if !ok {
			return
		}
		switch t := v.(type) {
		case string:
			d, err := time.ParseDuration(t)
			if err != nil {
				e.add(fmt.Errorf("config key %q: %w", key, err))
				return
			}
			*dst = d
		default:
			n, ok := asNumber(v)
			if !ok {
				e.add(fmt.Errorf("config key %q must be a duration string or a number of seconds", key))
				return
			}
			*dst = time.Duration(n * float64(time.Second))
		}
	}
	list := func(key string, dst *[]string) {
		known[key] = true
		v, ok := r[key]
		if !ok {
			return
		}
		items, ok := v.([]any)
		if !ok {
			e.add(fmt.Errorf("config key %q must be a list of strings", key))
			return
		}
		out := make([]string, 0, len(items))
		for idx, it := range items {
			s, ok := it.(string)
			if !ok {
				e.add(fmt.Errorf("config key %q index %d must be a string", key, idx))
				continue
			}
			out = append(out, s)
		}
		*dst = out
	}

	i64("maxFileSize", &base.MaxFileSize)
	i64("chunkSize", &base.ChunkSize)
	dur("uploadTimeout", &base.UploadTimeout)
	str("tempDir", &base.TempDir)
	str("romDir", &base.RomDir)
	i("maxConcurrentUploads", &base.MaxConcurrentUploads)
	list("metadataSources", &base.MetadataSources)
	f("archiveBombRatio", &base.ArchiveBombRatio)
	i("progressQueueDepth", &base.ProgressQueueDepth)
	i("retentionDays", &base.RetentionDays)

	for k := range r {
		if !known[k] {
			e.add(fmt.Errorf("unknown config key %q", k))
		}
	}
	return base
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// envOverrides maps ROMVAULT_* environment variables onto Config fields,
// the way cmd/romvaultd's flag wiring layers on top of a loaded file per
// SPEC_FULL.md's ambient-stack note.
var envOverrides = []struct {
	env   string
	apply func(*Config, string) error
}{
	{"ROMVAULT_MAX_FILE_SIZE", func(c *Config, v string) error { return setInt64(&c.MaxFileSize, v) }},
	{"ROMVAULT_CHUNK_SIZE", func(c *Config, v string) error { return setInt64(&c.ChunkSize, v) }},
	{"ROMVAULT_UPLOAD_TIMEOUT", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.UploadTimeout = d
		return nil
	}},
	{"ROMVAULT_TEMP_DIR", func(c *Config, v string) error { c.TempDir = v; return nil }},
	{"ROMVAULT_ROM_DIR", func(c *Config, v string) error { c.RomDir = v; return nil }},
	{"ROMVAULT_MAX_CONCURRENT_UPLOADS", func(c *Config, v string) error { return setInt(&c.MaxConcurrentUploads, v) }},
	{"ROMVAULT_METADATA_SOURCES", func(c *Config, v string) error {
		c.MetadataSources = strings.Split(v, ",")
		return nil
	}},
	{"ROMVAULT_ARCHIVE_BOMB_RATIO", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.ArchiveBombRatio = f
		return nil
	}},
	{"ROMVAULT_PROGRESS_QUEUE_DEPTH", func(c *Config, v string) error { return setInt(&c.ProgressQueueDepth, v) }},
	{"ROMVAULT_RETENTION_DAYS", func(c *Config, v string) error { return setInt(&c.RetentionDays, v) }},
}

func setInt64(dst *int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func applyEnv(cfg Config) Config {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.env)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(&cfg, v); err != nil {
			// An unparsable override is skipped: the value from the
			// file or Defaults() stays in place, and Load reports
			// nothing about it.
			continue
		}
	}
	return cfg
}

// Validate checks the loaded Config against the invariants §5/§6 require
// (positive sizes, a usable chunk size, non-empty directories).
func (c Config) Validate() error {
	var e errs
	if c.MaxFileSize <= 0 {
		e.add(fmt.Errorf("maxFileSize must be positive"))
	}
	if c.ChunkSize <= 0 {
		e.add(fmt.Errorf("chunkSize must be positive"))
	}
	if c.ChunkSize > c.MaxFileSize {
		e.add(fmt.Errorf("chunkSize must not exceed maxFileSize"))
	}
	if c.TempDir == "" {
		e.add(fmt.Errorf("tempDir must not be empty"))
	}
	if c.RomDir == "" {
		e.add(fmt.Errorf("romDir must not be empty"))
	}
	if c.MaxConcurrentUploads <= 0 {
		e.add(fmt.Errorf("maxConcurrentUploads must be positive"))
	}
	if c.ArchiveBombRatio <= 1 {
		e.add(fmt.Errorf("archiveBombRatio must be greater than 1"))
	}
	if c.ProgressQueueDepth <= 0 {
		e.add(fmt.Errorf("progressQueueDepth must be positive"))
	}
	if c.RetentionDays <= 0 {
		e.add(fmt.Errorf("retentionDays must be positive"))
	}
	return e.err()
}
