package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ppiankov/lineage/internal/cache"
	"github.com/ppiankov/lineage/internal/model"
)

// Client is the single path from the engine to any adapter: every search
// and fetch passes the compliance gate, and fetched documents go through
// the cache and the evidence classifier
type Client struct {
	registry   *Registry
	gate       *Gate
	cache      cache.Cache
	classifier *Classifier
	logger     *slog.Logger
}

// NewClient wires the source layer together. A nil cache disables caching.
func NewClient(registry *Registry, gate *Gate, c cache.Cache, classifier *Classifier, logger *slog.Logger) *Client {
	if c == nil {
		c = cache.Nop{}
	}
	return &Client{
		registry:   registry,
		gate:       gate,
		cache:      c,
		classifier: classifier,
		logger:     logger.With("component", "source"),
	}
}

// Registry returns the adapters the client serves
func (c *Client) Registry() *Registry { return c.registry }

// Search returns up to limit hits for query from adapter, rate limited
// against the adapter's domain
func (c *Client) Search(ctx context.Context, a Adapter, query string, limit int) ([]Hit, error) {
	if a.Domain() != "" {
		if err := c.gate.Wait(ctx, a, a.Domain(), 0); err != nil {
			return nil, err
		}
	}
	return Take(NewResults(ctx, a, query), limit)
}

// Fetch retrieves the document of hit. A fresh fetch bypasses the cache;
// revisits use it to detect changed content.
func (c *Client) Fetch(ctx context.Context, hit Hit, fresh bool) (*Document, error) {
	a, ok := c.registry.Get(hit.Adapter)
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q", hit.Adapter)
	}
	target := hit.URL
	if target == "" {
		target = hit.ID
	}
	delay, err := c.gate.Admit(ctx, a, target)
	if err != nil {
		return nil, err
	}

	ttl := a.Compliance().CacheTTL
	key := cache.Key(a.Name(), hit.ID)
	if ttl > 0 && !fresh {
		if raw, ok := c.cache.Get(key); ok {
			var doc Document
			if err := json.Unmarshal(raw, &doc); err == nil {
				doc.FromCache = true
				c.logger.Debug("document cache hit", "adapter", a.Name(), "id", hit.ID)
				return &doc, nil
			}
		}
	}

	if err := c.gate.Wait(ctx, a, target, delay); err != nil {
		return nil, err
	}
	doc, err := a.Fetch(ctx, hit.ID)
	if err != nil {
		return nil, err
	}
	if doc.Adapter == "" {
		doc.Adapter = a.Name()
	}
	if doc.ContentHash == "" {
		doc.ContentHash = model.ContentHash(doc.RawText)
	}
	if doc.Class == "" && c.classifier != nil {
		doc.Class = c.classifier.Classify(doc.URL)
	}

	if ttl > 0 {
		if raw, err := json.Marshal(doc); err == nil {
			if err := c.cache.Set(key, raw, ttl); err != nil {
				c.logger.Warn("document cache write failed", "adapter", a.Name(), "error", err)
			}
		}
	}
	return doc, nil
}
