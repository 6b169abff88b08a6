// Package metadata implements the Metadata Enricher (C5): a
// priority-ordered set of pluggable Source lookups fanned out with
// bounded concurrency, merged by a deterministic scoring algorithm, and
// cached by (platform, title). It is grounded on perkeep's
// pkg/importer.Importer polymorphism — a common capability interface
// multiple third-party integrations implement — generalized from
// "import a user's library" to "search one provider for ROM metadata".
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go4.org/syncutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"romvault.dev/romvault/pkg/platform"
)

// Candidate is one source's answer for a title/platform lookup.
type Candidate struct {
	Source            string
	SourcePriority    int
	Title             string
	AlternativeTitles []string
	Year              int
	Developer         string
	Publisher         string
	Genre             string
	Rating            string
	Description       string
	ArtworkURLs       []string
	Screenshots       []string
}

// Record is the merged metadata result C4 attaches to a CatalogEntry.
type Record struct {
	Title       string
	Developer   string
	Publisher   string
	Genre       string
	Rating      string
	Description string
	ArtworkURLs []string
	Screenshots []string
	Confidence  float64
}

// Source is the pluggable metadata-provider contract, per §4.5's
// "polymorphic over the capability" requirement.
type Source interface {
	Name() string
	Priority() int // lower runs first
	Search(ctx context.Context, title string, platformID platform.ID, region string, declaredDigest string) ([]Candidate, error)
}

const (
	// DefaultCacheSize bounds the in-memory LRU cache, per §4.5 step 1
	// ("capped by LRU at a configured entry limit").
	DefaultCacheSize = 4096
	// DefaultPerSourceTimeout is the soft per-source budget from §4.4
	// step 9 ("soft 30 s per-source budget").
	DefaultPerSourceTimeout = 30 * time.Second
	// DefaultMaxScreenshots caps the merged screenshot list, per §4.5
	// step 4.
	DefaultMaxScreenshots = 10
	// DefaultSourceRateLimit bounds calls per second made to any single
	// source, so a burst of ingests can't hammer a rate-limited external
	// metadata API. Sources that need no pacing simply never fill their
	// bucket's backlog.
	DefaultSourceRateLimit = 5.0
)

type cacheKey struct {
	platformID platform.ID
	titleLower string
}

// Enricher is the C5 capability object.
type Enricher struct {
	sources          []Source
	cache            *lru.Cache[cacheKey, Record]
	perSourceTimeout time.Duration
	gate             *syncutil.Gate           // bounds concurrent source fan-out (max_sources)
	limiters         map[string]*rate.Limiter // per-source call pacing
	log              *slog.Logger
}

// New builds an Enricher. sources are sorted by Priority ascending.
// maxSources bounds concurrent fan-out across the source list;
// cacheSize <= 0 uses DefaultCacheSize. sourceRateLimit <= 0 uses
// DefaultSourceRateLimit calls/second, applied independently per source
// so one slow/rate-limited provider never throttles the others.
func New(sources []Source, maxSources int, perSourceTimeout time.Duration, cacheSize int, sourceRateLimit float64) (*Enricher, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if perSourceTimeout <= 0 {
		perSourceTimeout = DefaultPerSourceTimeout
	}
	if maxSources <= 0 {
		maxSources = 4
	}
	if sourceRateLimit <= 0 {
		sourceRateLimit = DefaultSourceRateLimit
	}
	cache, err := lru.New[cacheKey, Record](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("metadata: build cache: %w", err)
	}

	ordered := append([]Source(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority() < ordered[j].Priority() })

	limiters := make(map[string]*rate.Limiter, len(ordered))
	for _, src := range ordered {
		// Burst of 1: pacing, not batching — a source that's been idle
		// doesn't get to fire a cluster of calls back-to-back.
		limiters[src.Name()] = rate.NewLimiter(rate.Limit(sourceRateLimit), 1)
	}

	return &Enricher{
		sources:          ordered,
		cache:            cache,
		perSourceTimeout: perSourceTimeout,
		gate:             syncutil.NewGate(maxSources),
		limiters:         limiters,
		log:              slog.Default().With("component", "metadata"),
	}, nil
}

// Enrich resolves title/platformID/region into a merged Record, per the
// §4.5 request flow. It never returns an error: absence of any usable
// source candidate is non-fatal and yields a low-confidence local
// fallback record (§4.4 step 9, §4.5 "Failure semantics").
func (e *Enricher) Enrich(ctx context.Context, title string, platformID platform.ID, region string, declaredDigest string) Record {
	key := cacheKey{platformID: platformID, titleLower: strings.ToLower(title)}
	if cached, ok := e.cache.Get(key); ok {
		return cached
	}

	candidates := e.collect(ctx, title, platformID, region, declaredDigest)
	record := merge(title, candidates)
	e.cache.Add(key, record)
	return record
}

func (e *Enricher) collect(ctx context.Context, title string, platformID platform.ID, region, declaredDigest string) []Candidate {
	var (
		g       errgroup.Group
		results = make([][]Candidate, len(e.sources))
	)
	for i, src := range e.sources {
		i, src := i, src
		g.Go(func() error {
			e.gate.Start()
			defer e.gate.Done()

			callCtx, cancel := context.WithTimeout(ctx, e.perSourceTimeout)
			defer cancel()

			if lim := e.limiters[src.Name()]; lim != nil {
				if err := lim.Wait(callCtx); err != nil {
					e.log.Warn("metadata source rate-limit wait failed", "source", src.Name(), "err", err)
					return nil
				}
			}

			cs, err := src.Search(callCtx, title, platformID, region, declaredDigest)
			if err != nil {
				e.log.Warn("metadata source failed", "source", src.Name(), "err", err)
				return nil // individual source failure is logged and skipped, never fatal
			}
			for ci := range cs {
				cs[ci].Source = src.Name()
				cs[ci].SourcePriority = src.Priority()
			}
			results[i] = cs
			return nil
		})
	}
	g.Wait() // errgroup.Group.Go never returns an error above; Wait just joins

	var all []Candidate
	for _, cs := range results {
		all = append(all, cs...)
	}
	return all
}

// score implements §4.5 step 3's scoring rubric.
func score(requestedTitle string, requestedYear int, c Candidate) float64 {
	var s float64
	lowerReq := strings.ToLower(requestedTitle)
	lowerCand := strings.ToLower(c.Title)

	switch {
	case lowerReq == lowerCand:
		s += 0.3
	case strings.Contains(lowerCand, lowerReq) || strings.Contains(lowerReq, lowerCand):
		s += 0.2
	}

	for _, alt := range c.AlternativeTitles {
		if strings.EqualFold(alt, requestedTitle) {
			s += 0.25
			break
		}
	}

	if requestedYear > 0 && c.Year > 0 {
		diff := requestedYear - c.Year
		if diff < 0 {
			diff = -diff
		}
		if diff <= 1 {
			s += 0.15
		}
	}

	s += priorityBonus(c.SourcePriority)
	return s
}

// priorityBonus assigns the §4.5 step 3 "+0.10/0.08/0.06/0" ladder by
// source rank (0-indexed priority tiers; anything past the third tier
// gets no bonus).
func priorityBonus(priority int) float64 {
	switch priority {
	case 0:
		return 0.10
	case 1:
		return 0.08
	case 2:
		return 0.06
	default:
		return 0
	}
}

// merge ranks candidates, takes the top result, and fills missing
// fields from lower-ranked candidates without overwriting non-empty
// top-result fields, per §4.5 step 4.
func merge(requestedTitle string, candidates []Candidate) Record {
	if len(candidates) == 0 {
		return Record{Title: requestedTitle, Confidence: 0.3} // local fallback, §4.5
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return score(requestedTitle, 0, candidates[i]) > score(requestedTitle, 0, candidates[j])
	})

	top := candidates[0]
	rec := Record{
		Title:       top.Title,
		Developer:   top.Developer,
		Publisher:   top.Publisher,
		Genre:       top.Genre,
		Rating:      top.Rating,
		Description: top.Description,
		ArtworkURLs: append([]string(nil), top.ArtworkURLs...),
		Screenshots: append([]string(nil), top.Screenshots...),
		Confidence:  score(requestedTitle, 0, top),
	}

	for _, c := range candidates[1:] {
		if rec.Developer == "" {
			rec.Developer = c.Developer
		}
		if rec.Publisher == "" {
			rec.Publisher = c.Publisher
		}
		if rec.Genre == "" {
			rec.Genre = c.Genre
		}
		if rec.Rating == "" {
			rec.Rating = c.Rating
		}
		if rec.Description == "" {
			rec.Description = c.Description
		}
		if len(rec.ArtworkURLs) == 0 {
			rec.ArtworkURLs = append([]string(nil), c.ArtworkURLs...)
		}
		if len(rec.Screenshots) == 0 {
			rec.Screenshots = append([]string(nil), c.Screenshots...)
		}
	}
	if len(rec.Screenshots) > DefaultMaxScreenshots {
		rec.Screenshots = rec.Screenshots[:DefaultMaxScreenshots]
	}
	return rec
}

// FallbackSource is the always-present low-confidence source required
// by §4.5 ("at least one fallback source with confidence 0.3 is always
// present"): it never calls out, returning the sanitized title as its
// only candidate.
type FallbackSource struct{}

func (FallbackSource) Name() string     { return "local-fallback" }
func (FallbackSource) Priority() int    { return 99 }
func (FallbackSource) Search(_ context.Context, title string, _ platform.ID, _ string, _ string) ([]Candidate, error) {
	return []Candidate{{Title: title, SourcePriority: 99}}, nil
}
