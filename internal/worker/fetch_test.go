package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/lineage/internal/source"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fresh []bool
	delay map[string]time.Duration
	fail  map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, hit source.Hit, fresh bool) (*source.Document, error) {
	f.mu.Lock()
	f.calls = append(f.calls, hit.ID)
	f.fresh = append(f.fresh, fresh)
	f.mu.Unlock()
	if d := f.delay[hit.ID]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.fail[hit.ID]; err != nil {
		return nil, err
	}
	return &source.Document{Adapter: hit.Adapter, ID: hit.ID, URL: hit.URL}, nil
}

func hits(n int) []source.Hit {
	out := make([]source.Hit, n)
	for i := range out {
		id := fmt.Sprintf("doc-%d", i)
		out[i] = source.Hit{Adapter: "static", ID: id, URL: "https://example.org/" + id}
	}
	return out
}

func TestFetchAllKeepsHitOrder(t *testing.T) {
	f := &fakeFetcher{delay: map[string]time.Duration{"doc-0": 20 * time.Millisecond}}
	in := hits(6)
	out := FetchAll(context.Background(), f, in, false, 3, time.Second)
	if len(out) != len(in) {
		t.Fatalf("got %d results, want %d", len(out), len(in))
	}
	for i, r := range out {
		if r.Index != i || r.Hit.ID != in[i].ID {
			t.Errorf("result %d = %+v, want hit %s", i, r, in[i].ID)
		}
		if r.Error != nil || r.Document == nil || r.Document.ID != in[i].ID {
			t.Errorf("result %d: document %+v, error %v", i, r.Document, r.Error)
		}
	}
}

func TestFetchAllPerCallTimeout(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeFetcher{
		delay: map[string]time.Duration{"doc-1": time.Minute},
		fail:  map[string]error{"doc-2": boom},
	}
	out := FetchAll(context.Background(), f, hits(3), false, 2, 20*time.Millisecond)
	if out[0].Error != nil {
		t.Errorf("doc-0 error = %v", out[0].Error)
	}
	if !errors.Is(out[1].Error, context.DeadlineExceeded) {
		t.Errorf("doc-1 error = %v, want deadline exceeded", out[1].Error)
	}
	if !errors.Is(out[2].Error, boom) {
		t.Errorf("doc-2 error = %v, want boom", out[2].Error)
	}
}

func TestFetchAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := FetchAll(ctx, &fakeFetcher{}, hits(4), false, 2, time.Second)
	if len(out) != 4 {
		t.Fatalf("got %d results, want 4", len(out))
	}
	for _, r := range out {
		if r.Error == nil && r.Document == nil {
			t.Errorf("result %d has neither a document nor an error", r.Index)
		}
	}
}

func TestFetchAllEmpty(t *testing.T) {
	if out := FetchAll(context.Background(), &fakeFetcher{}, nil, false, 4, time.Second); out != nil {
		t.Errorf("FetchAll(nil) = %v, want nil", out)
	}
}

func TestFetchAllPassesFresh(t *testing.T) {
	f := &fakeFetcher{}
	FetchAll(context.Background(), f, hits(2), true, 2, time.Second)
	if len(f.fresh) != 2 || !f.fresh[0] || !f.fresh[1] {
		t.Errorf("fresh flags = %v, want all true", f.fresh)
	}
}
