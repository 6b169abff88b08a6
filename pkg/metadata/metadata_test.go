package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"romvault.dev/romvault/pkg/platform"
)

type stubSource struct {
	name       string
	priority   int
	candidates []Candidate
	err        error
	delay      time.Duration
}

func (s stubSource) Name() string  { return s.name }
func (s stubSource) Priority() int { return s.priority }
func (s stubSource) Search(ctx context.Context, title string, platformID platform.ID, region, digest string) ([]Candidate, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.candidates, nil
}

func TestEnrichMergesAcrossSources(t *testing.T) {
	primary := stubSource{
		name: "primary", priority: 0,
		candidates: []Candidate{{Title: "Super Game", Developer: "Acme"}},
	}
	secondary := stubSource{
		name: "secondary", priority: 1,
		candidates: []Candidate{{Title: "Super Game", Publisher: "Widgets Inc", Screenshots: []string{"a.png"}}},
	}
	e, err := New([]Source{secondary, primary}, 4, time.Second, 0, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := e.Enrich(context.Background(), "Super Game", platform.ID("snes"), "", "")
	if rec.Title != "Super Game" {
		t.Errorf("Title = %q", rec.Title)
	}
	if rec.Developer != "Acme" {
		t.Errorf("Developer = %q, want Acme (from primary)", rec.Developer)
	}
	if rec.Publisher != "Widgets Inc" {
		t.Errorf("Publisher = %q, want filled from secondary", rec.Publisher)
	}
}

func TestEnrichSkipsFailingSource(t *testing.T) {
	failing := stubSource{name: "flaky", priority: 0, err: errors.New("boom")}
	fallback := FallbackSource{}
	e, err := New([]Source{failing, fallback}, 4, time.Second, 0, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := e.Enrich(context.Background(), "Mystery Quest", platform.ID("nes"), "", "")
	if rec.Title != "Mystery Quest" {
		t.Errorf("Title = %q, want fallback title", rec.Title)
	}
}

func TestEnrichNoSourcesReturnsLowConfidenceFallback(t *testing.T) {
	e, err := New(nil, 4, time.Second, 0, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := e.Enrich(context.Background(), "Unknown Title", platform.ID("gba"), "", "")
	if rec.Confidence != 0.3 {
		t.Errorf("Confidence = %v, want 0.3", rec.Confidence)
	}
	if rec.Title != "Unknown Title" {
		t.Errorf("Title = %q", rec.Title)
	}
}

func TestEnrichUsesCacheOnSecondLookup(t *testing.T) {
	calls := 0
	counting := &countingSource{}
	e, err := New([]Source{counting}, 4, time.Second, 0, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = e.Enrich(context.Background(), "Cached Game", platform.ID("nes"), "", "")
	_ = e.Enrich(context.Background(), "Cached Game", platform.ID("nes"), "", "")
	calls = counting.calls
	if calls != 1 {
		t.Errorf("source called %d times, want 1 (second lookup should hit cache)", calls)
	}
}

type countingSource struct {
	calls int
}

func (c *countingSource) Name() string  { return "counting" }
func (c *countingSource) Priority() int { return 0 }
func (c *countingSource) Search(ctx context.Context, title string, platformID platform.ID, region, digest string) ([]Candidate, error) {
	c.calls++
	return []Candidate{{Title: title}}, nil
}
