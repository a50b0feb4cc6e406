// Package source reaches genealogical sources: tiered adapters behind a
// compliance gate (robots.txt, per-domain rate limits), a document cache and
// an evidence-class classifier.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ppiankov/lineage/internal/model"
)

// ErrUnavailable is returned when a document no longer exists at its source
var ErrUnavailable = errors.New("document unavailable")

// Compliance is the access policy an adapter declares
type Compliance struct {
	RobotsTxt bool          // Honor robots.txt for the adapter's URLs
	RateLimit float64       // Requests per second against the domain; 0 uses the default
	Burst     int           // Burst size for RateLimit
	CacheTTL  time.Duration // How long fetched documents may be reused; 0 disables caching
}

// Hit is one search result
type Hit struct {
	Adapter string `json:"adapter"`
	ID      string `json:"id"` // Passed to Fetch
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchPage is one page of results. An empty NextToken ends the search.
type SearchPage struct {
	Hits      []Hit
	NextToken string
}

// Document is a fetched source document
type Document struct {
	Adapter      string              `json:"adapter"`
	ID           string              `json:"id"`
	URL          string              `json:"url"`
	Title        string              `json:"title,omitempty"`
	RawText      string              `json:"raw_text"`
	HTMLSnippets []string            `json:"html_snippets,omitempty"`
	Citations    []string            `json:"citations,omitempty"` // URLs the document links to
	ContentHash  string              `json:"content_hash"`
	Class        model.EvidenceClass `json:"class,omitempty"` // Set by adapters that know the record type
	FetchedAt    time.Time           `json:"fetched_at"`
	FromCache    bool                `json:"-"`
}

// Adapter is one genealogical source
type Adapter interface {
	Name() string
	Tier() model.Tier
	Domain() string
	Compliance() Compliance

	// Search returns one page of results for query. token is empty for the
	// first page and the previous page's NextToken afterwards.
	Search(ctx context.Context, query, token string) (SearchPage, error)

	// Fetch retrieves a document by hit id or URL
	Fetch(ctx context.Context, id string) (*Document, error)
}

// Results iterates the hits of a search lazily, requesting pages only as
// they are consumed
type Results struct {
	ctx     context.Context
	adapter Adapter
	query   string
	token   string
	page    []Hit
	pos     int
	started bool
	done    bool
	hit     Hit
	err     error
}

// NewResults starts a lazy search of adapter for query
func NewResults(ctx context.Context, adapter Adapter, query string) *Results {
	return &Results{ctx: ctx, adapter: adapter, query: query}
}

// Next advances to the next hit. It returns false at the end of the results
// or on error; check Err.
func (r *Results) Next() bool {
	for r.pos >= len(r.page) {
		if r.done || r.err != nil {
			return false
		}
		if r.started && r.token == "" {
			r.done = true
			return false
		}
		page, err := r.adapter.Search(r.ctx, r.query, r.token)
		if err != nil {
			r.err = fmt.Errorf("search %s: %w", r.adapter.Name(), err)
			return false
		}
		if r.started && page.NextToken == r.token {
			page.NextToken = ""
		}
		r.started = true
		r.page, r.pos, r.token = page.Hits, 0, page.NextToken
	}
	r.hit = r.page[r.pos]
	if r.hit.Adapter == "" {
		r.hit.Adapter = r.adapter.Name()
	}
	r.pos++
	return true
}

// Hit returns the current hit
func (r *Results) Hit() Hit { return r.hit }

// Err returns the error that stopped iteration, if any
func (r *Results) Err() error { return r.err }

// Take collects up to n hits
func Take(r *Results, n int) ([]Hit, error) {
	var hits []Hit
	for len(hits) < n && r.Next() {
		hits = append(hits, r.Hit())
	}
	return hits, r.Err()
}

// Registry holds the configured adapters
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding adapters
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter; names must be unique
func (r *Registry) Register(a Adapter) error {
	if _, ok := r.adapters[a.Name()]; ok {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	if a.Tier() < model.TierOpenWeb || a.Tier() > model.MaxTier {
		return fmt.Errorf("adapter %q: tier %d out of range", a.Name(), a.Tier())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Get returns the adapter called name
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// ByTier returns the adapters of tier t ordered by name
func (r *Registry) ByTier(t model.Tier) []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		if a.Tier() == t {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of adapters
func (r *Registry) Len() int { return len(r.adapters) }
