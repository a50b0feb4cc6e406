package worker

import (
	"context"
	"sort"
	"time"

	"github.com/ppiankov/lineage/internal/source"
)

// Fetcher retrieves the document behind a search hit
type Fetcher interface {
	Fetch(ctx context.Context, hit source.Hit, fresh bool) (*source.Document, error)
}

// FetchJob fetches one hit under its own deadline
type FetchJob struct {
	Index   int
	Hit     source.Hit
	Fresh   bool
	Timeout time.Duration
	Fetcher Fetcher
}

// Execute runs the fetch
func (j *FetchJob) Execute(ctx context.Context) Result {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	doc, err := j.Fetcher.Fetch(ctx, j.Hit, j.Fresh)
	return &FetchResult{Index: j.Index, Hit: j.Hit, Document: doc, Error: err}
}

// FetchResult is the outcome of one FetchJob
type FetchResult struct {
	Index    int
	Hit      source.Hit
	Document *source.Document
	Error    error
}

// GetError returns the fetch error
func (r *FetchResult) GetError() error { return r.Error }

// FetchAll fetches hits concurrently and returns one result per hit in hit
// order, so documents are reintegrated deterministically. Hits whose job
// never ran because ctx ended get ctx's error. fresh bypasses caches.
func FetchAll(ctx context.Context, f Fetcher, hits []source.Hit, fresh bool, workers int, timeout time.Duration) []*FetchResult {
	if len(hits) == 0 {
		return nil
	}
	if workers > len(hits) {
		workers = len(hits)
	}
	pool := NewPool(ctx, workers)
	pool.Start()
	for i, h := range hits {
		if !pool.Submit(&FetchJob{Index: i, Hit: h, Fresh: fresh, Timeout: timeout, Fetcher: f}) {
			break
		}
	}

	out := make([]*FetchResult, len(hits))
	for _, r := range pool.Wait() {
		fr := r.(*FetchResult)
		out[fr.Index] = fr
	}
	for i := range out {
		if out[i] == nil {
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			out[i] = &FetchResult{Index: i, Hit: hits[i], Error: err}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
