package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/novelty"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSet() *Set {
	cfg := model.DefaultConfig().Queue
	s := NewSet(cfg, novelty.NewGuard(time.Hour))
	tick := epoch
	s.SetClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
	return s
}

func frontier(id, query string, tier model.Tier, priority float64) *model.FrontierItem {
	return &model.FrontierItem{ItemMeta: model.ItemMeta{ID: id, Query: query, Tier: tier, Priority: priority}}
}

func clue(id, query string, priority float64) *model.ClueItem {
	return &model.ClueItem{ItemMeta: model.ItemMeta{ID: id, Query: query, Priority: priority}, Reason: "test"}
}

func popIDs(t *testing.T, s *Set, maxTier model.Tier) []string {
	t.Helper()
	var ids []string
	for {
		item, ok := s.Pop(maxTier)
		if !ok {
			return ids
		}
		ids = append(ids, item.Meta().ID)
		s.Complete(item)
	}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPushDuplicateQueryIsIdempotent(t *testing.T) {
	s := newTestSet()
	if err := s.Push(frontier("a", "Thomas Vincent 1977", 0, 0.5)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	err := s.Push(frontier("b", "  vincent THOMAS 1977", 0, 0.9))
	if !errors.Is(err, ErrRejected) {
		t.Errorf("duplicate Push() error = %v, want ErrRejected", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d after duplicate push, want 1", s.Len())
	}

	// Same item twice is also a no-op
	if err := s.Push(frontier("a", "Thomas Vincent 1977", 0, 0.5)); !errors.Is(err, ErrRejected) {
		t.Errorf("re-push of pending item error = %v, want ErrRejected", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d after re-push, want 1", s.Len())
	}
}

func TestSameQueryAtHigherTierIsNewWork(t *testing.T) {
	s := newTestSet()
	if err := s.Push(frontier("web", "Thomas Vincent 1977", 0, 0.5)); err != nil {
		t.Fatal(err)
	}
	if err := s.Push(frontier("index", "Thomas Vincent 1977", 1, 0.5)); err != nil {
		t.Errorf("Push() at tier 1 error = %v, want admitted", err)
	}
	if err := s.Push(frontier("index-again", "vincent thomas 1977", 1, 0.5)); !errors.Is(err, ErrRejected) {
		t.Errorf("duplicate tier-1 Push() error = %v, want ErrRejected", err)
	}
}

func TestPopOrdering(t *testing.T) {
	s := newTestSet()
	items := []model.QueueItem{
		frontier("low", "q low", 0, 0.2),
		frontier("tier1-high", "q tier1 high", 1, 0.7),
		frontier("tier0-high", "q tier0 high", 0, 0.7),
		frontier("first-mid", "q first mid", 0, 0.5),
		frontier("second-mid", "q second mid", 0, 0.5),
	}
	for _, it := range items {
		if err := s.Push(it); err != nil {
			t.Fatalf("Push(%s) error = %v", it.Meta().ID, err)
		}
	}

	got := popIDs(t, s, model.MaxTier)
	want := []string{"tier0-high", "tier1-high", "first-mid", "second-mid", "low"}
	if !equalIDs(got, want) {
		t.Errorf("pop order = %v, want %v", got, want)
	}
}

func TestPopFIFOWithinEqualKeys(t *testing.T) {
	s := newTestSet()
	// A frozen clock forces the insertion sequence to break the tie
	s.SetClock(func() time.Time { return epoch })
	for _, id := range []string{"one", "two", "three"} {
		if err := s.Push(frontier(id, "query "+id, 0, 0.5)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	got := popIDs(t, s, model.MaxTier)
	if want := []string{"one", "two", "three"}; !equalIDs(got, want) {
		t.Errorf("pop order = %v, want %v", got, want)
	}
}

func TestTier2HeldBackWhileLowerTiersPending(t *testing.T) {
	s := newTestSet()
	s.Push(frontier("archive", "credentialed archive", 2, 0.99))
	s.Push(frontier("web", "open web", 0, 0.1))

	item, ok := s.Pop(model.MaxTier)
	if !ok || item.Meta().ID != "web" {
		t.Fatalf("Pop() = %v, want the tier-0 item first", item)
	}

	// The tier-0 item is in flight, not pending, so tier 2 may now run
	item, ok = s.Pop(model.MaxTier)
	if !ok || item.Meta().ID != "archive" {
		t.Errorf("Pop() = %v, want the tier-2 item", item)
	}
}

func TestPopRespectsMaxTier(t *testing.T) {
	s := newTestSet()
	s.Push(frontier("t1", "tier one", 1, 0.9))
	if _, ok := s.Pop(model.TierOpenWeb); ok {
		t.Error("Pop(0) should not return a tier-1 item")
	}
	if _, ok := s.Pop(model.TierOpenAPI); !ok {
		t.Error("Pop(1) should return the tier-1 item")
	}
}

func TestHighValueCluePromotedToFrontier(t *testing.T) {
	s := newTestSet()
	s.Push(clue("hot", "search Arthur Vincent", 0.85))
	s.Push(clue("cold", "search Mary Vincent", 0.4))

	if got := s.LaneLen(model.KindFrontier); got != 1 {
		t.Errorf("frontier len = %d, want 1", got)
	}
	if got := s.LaneLen(model.KindClue); got != 1 {
		t.Errorf("clue len = %d, want 1", got)
	}

	item, _ := s.Pop(model.MaxTier)
	if _, ok := item.(*model.ClueItem); !ok || item.Meta().ID != "hot" {
		t.Errorf("Pop() = %#v, want the promoted clue", item)
	}
}

func TestRetryBackoffAndDiscard(t *testing.T) {
	s := newTestSet()
	s.Push(frontier("flaky", "flaky query", 0, 0.8))
	cause := errors.New("timeout")

	for attempt := 1; attempt <= 5; attempt++ {
		item, ok := s.Pop(model.MaxTier)
		if !ok {
			t.Fatalf("attempt %d: Pop() returned nothing", attempt)
		}
		if s.Retry(item, cause) {
			t.Fatalf("attempt %d: discarded too early", attempt)
		}
		if got := item.Meta().RetryCount; got != attempt {
			t.Errorf("RetryCount = %d, want %d", got, attempt)
		}
	}

	item, _ := s.Pop(model.MaxTier)
	want := 0.8
	for i := 0; i < 5; i++ {
		want *= 0.5
	}
	if got := item.Meta().Priority; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("priority after 5 retries = %v, want %v", got, want)
	}

	if !s.Retry(item, cause) {
		t.Fatal("sixth failure should discard the item")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after discard, want 0", s.Len())
	}
	discarded := s.Discarded()
	if len(discarded) != 1 || discarded[0].Meta().Status != model.ItemDiscarded {
		t.Fatalf("Discarded() = %v", discarded)
	}
	if discarded[0].Meta().LastError == "" {
		t.Error("discarded item should keep its cause")
	}
}

func TestDiscardPendingAndInFlight(t *testing.T) {
	s := newTestSet()
	s.Push(frontier("pending", "blocked pending", 0, 0.5))
	s.Push(frontier("inflight", "blocked inflight", 0, 0.9))

	item, _ := s.Pop(model.MaxTier)
	s.Discard(item, "robots.txt disallows")
	s.Discard(s.Pending()[0], "domain blocked")

	if s.Len() != 0 || s.InFlight() != 0 {
		t.Errorf("Len() = %d, InFlight() = %d; want 0, 0", s.Len(), s.InFlight())
	}
	if len(s.Discarded()) != 2 {
		t.Errorf("Discarded() = %d items, want 2", len(s.Discarded()))
	}
	if err := s.Push(frontier("again", "blocked pending", 0, 0.5)); !errors.Is(err, ErrRejected) {
		t.Errorf("discarded query pushed again: error = %v, want ErrRejected", err)
	}
}

func TestAddedAndPendingAtOrBelow(t *testing.T) {
	s := newTestSet()
	s.Push(frontier("a", "a", 0, 0.5))
	s.Push(frontier("b", "b", 1, 0.5))
	s.Push(frontier("c", "c", 2, 0.5))

	if s.Added() != 3 {
		t.Errorf("Added() = %d, want 3", s.Added())
	}
	s.ResetAdded()
	if s.Added() != 0 {
		t.Errorf("Added() after reset = %d, want 0", s.Added())
	}
	if got := s.PendingAtOrBelow(model.TierOpenWeb); got != 1 {
		t.Errorf("PendingAtOrBelow(0) = %d, want 1", got)
	}
	if got := s.PendingAtOrBelow(model.TierOpenAPI); got != 2 {
		t.Errorf("PendingAtOrBelow(1) = %d, want 2", got)
	}
}

func TestSnapshotRestoreRequeuesInFlight(t *testing.T) {
	s := newTestSet()
	s.Push(frontier("f1", "frontier one", 0, 0.6))
	s.Push(clue("c1", "clue one", 0.3))
	s.Push(&model.RevisitItem{ItemMeta: model.ItemMeta{ID: "r1", Query: "revisit one", Priority: 0.4}, URL: "https://example.org/x"})
	s.Push(frontier("gone", "gone", 0, 0.1))

	inflight, _ := s.Pop(model.MaxTier)
	if inflight.Meta().ID != "f1" {
		t.Fatalf("Pop() = %s, want f1", inflight.Meta().ID)
	}
	gone := s.Pending()[len(s.Pending())-1]
	s.Discard(gone, "blocked")

	st, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	var decoded State
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}

	restored := NewSet(model.DefaultConfig().Queue, novelty.NewGuard(time.Hour))
	if err := restored.Restore(decoded); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.Len() != 3 {
		t.Errorf("restored Len() = %d, want 3 (in-flight item re-queued)", restored.Len())
	}
	if restored.LaneLen(model.KindRevisit) != 1 {
		t.Errorf("restored revisit lane = %d, want 1", restored.LaneLen(model.KindRevisit))
	}
	if len(restored.Discarded()) != 1 {
		t.Errorf("restored Discarded() = %d, want 1", len(restored.Discarded()))
	}
	if err := restored.Push(frontier("dup", "frontier one", 0, 0.5)); !errors.Is(err, ErrRejected) {
		t.Errorf("restored guard should reject duplicate query, got %v", err)
	}

	got := popIDs(t, restored, model.MaxTier)
	if want := []string{"f1", "r1", "c1"}; !equalIDs(got, want) {
		t.Errorf("restored pop order = %v, want %v", got, want)
	}
}

func TestClaimTakesPendingItemInFlight(t *testing.T) {
	s := newTestSet()
	s.Push(frontier("a", "first", 0, 0.9))
	s.Push(frontier("b", "second", 0, 0.5))

	item, ok := s.Claim("b")
	if !ok || item.Meta().ID != "b" {
		t.Fatalf("Claim(b) = %v, %v", item, ok)
	}
	if item.Meta().Status != model.ItemInFlight {
		t.Errorf("claimed status = %s, want in_flight", item.Meta().Status)
	}
	if s.Len() != 1 || s.InFlight() != 1 {
		t.Errorf("Len() = %d, InFlight() = %d; want 1, 1", s.Len(), s.InFlight())
	}
	if _, ok := s.Claim("b"); ok {
		t.Error("Claim() of an in-flight item should fail")
	}
	got := popIDs(t, s, model.MaxTier)
	if want := []string{"a"}; !equalIDs(got, want) {
		t.Errorf("pop order after claim = %v, want %v", got, want)
	}
}
