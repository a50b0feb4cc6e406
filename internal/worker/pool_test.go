package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockResult struct {
	err error
}

func (r *mockResult) GetError() error {
	return r.err
}

type mockJob struct {
	duration  time.Duration
	shouldErr bool
	executed  *int32
	running   *int32
	peak      *int32
}

func (j *mockJob) Execute(ctx context.Context) Result {
	if j.executed != nil {
		atomic.AddInt32(j.executed, 1)
	}
	if j.running != nil {
		n := atomic.AddInt32(j.running, 1)
		defer atomic.AddInt32(j.running, -1)
		for {
			p := atomic.LoadInt32(j.peak)
			if n <= p || atomic.CompareAndSwapInt32(j.peak, p, n) {
				break
			}
		}
	}
	if j.duration > 0 {
		select {
		case <-time.After(j.duration):
		case <-ctx.Done():
			return &mockResult{err: ctx.Err()}
		}
	}
	if j.shouldErr {
		return &mockResult{err: errors.New("job error")}
	}
	return &mockResult{}
}

func TestNewPool(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{{5, 5}, {0, 1}, {-1, 1}}
	for _, tt := range tests {
		if p := NewPool(context.Background(), tt.in); p.workers != tt.want {
			t.Errorf("NewPool(%d).workers = %d, want %d", tt.in, p.workers, tt.want)
		}
	}
}

func TestPoolExecutesEveryJob(t *testing.T) {
	pool := NewPool(context.Background(), 2)
	pool.Start()

	var executed int32
	count := 50
	for i := 0; i < count; i++ {
		if !pool.Submit(&mockJob{executed: &executed}) {
			t.Fatalf("Submit(%d) refused", i)
		}
	}
	results := pool.Wait()
	if len(results) != count {
		t.Errorf("got %d results, want %d", len(results), count)
	}
	if atomic.LoadInt32(&executed) != int32(count) {
		t.Errorf("executed %d jobs, want %d", executed, count)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(context.Background(), 3)
	pool.Start()

	var running, peak int32
	for i := 0; i < 12; i++ {
		pool.Submit(&mockJob{duration: 10 * time.Millisecond, running: &running, peak: &peak})
	}
	pool.Wait()
	if p := atomic.LoadInt32(&peak); p > 3 || p < 1 {
		t.Errorf("peak concurrency = %d, want 1..3", p)
	}
}

func TestPoolReportsErrors(t *testing.T) {
	pool := NewPool(context.Background(), 2)
	pool.Start()
	pool.Submit(&mockJob{shouldErr: true})
	pool.Submit(&mockJob{})

	failed := 0
	for _, r := range pool.Wait() {
		if r.GetError() != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("got %d failed results, want 1", failed)
	}
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewPool(context.Background(), 1)
	pool.Start()
	pool.Shutdown()
	if pool.Submit(&mockJob{}) {
		t.Error("Submit() after Shutdown() accepted a job")
	}
}

func TestPoolParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 1)
	pool.Start()
	pool.Submit(&mockJob{duration: time.Minute})

	done := make(chan []Result)
	go func() { done <- pool.Wait() }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case results := <-done:
		for _, r := range results {
			if !errors.Is(r.GetError(), context.Canceled) {
				t.Errorf("result error = %v, want context.Canceled", r.GetError())
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not return after the parent context was cancelled")
	}
}

func TestResultCollector(t *testing.T) {
	c := NewResultCollector()
	c.Add(&mockResult{})
	c.Add(&mockResult{err: errors.New("x")})
	got := c.Results()
	if len(got) != 2 {
		t.Fatalf("Results() len = %d, want 2", len(got))
	}
	got[0] = nil
	if c.Results()[0] == nil {
		t.Error("Results() must return a copy")
	}
}
