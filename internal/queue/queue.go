// Package queue holds the Frontier, Clue and Revisit work queues of a
// research session. Every push passes the novelty guard, dispatch order is
// strict, and failed work is retried with a priority penalty and finally
// discarded into a list that is reported, never dropped.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/novelty"
)

// ErrRejected is returned by Push for a query the guard has already seen
var ErrRejected = errors.New("query rejected as duplicate")

var lanes = []model.ItemKind{model.KindFrontier, model.KindClue, model.KindRevisit}

// Set is the three ordered queues of one session. It is owned by a single
// orchestrator loop and is not safe for concurrent use.
type Set struct {
	cfg   model.QueueConfig
	guard *novelty.Guard
	now   func() time.Time

	heaps     map[model.ItemKind]*[model.MaxTier + 1]itemHeap
	byID      map[string]*entry
	inFlight  map[string]*entry
	discarded []model.QueueItem
	seq       uint64
	added     int
}

// NewSet creates empty queues guarded by g
func NewSet(cfg model.QueueConfig, g *novelty.Guard) *Set {
	s := &Set{
		cfg:      cfg,
		guard:    g,
		now:      time.Now,
		heaps:    make(map[model.ItemKind]*[model.MaxTier + 1]itemHeap, len(lanes)),
		byID:     make(map[string]*entry),
		inFlight: make(map[string]*entry),
	}
	for _, lane := range lanes {
		s.heaps[lane] = &[model.MaxTier + 1]itemHeap{}
	}
	return s
}

// SetClock overrides the time source
func (s *Set) SetClock(now func() time.Time) { s.now = now }

// Guard returns the novelty guard of the set
func (s *Set) Guard() *novelty.Guard { return s.guard }

func (s *Set) laneFor(item model.QueueItem) model.ItemKind {
	switch it := item.(type) {
	case *model.ClueItem:
		if it.Priority >= s.cfg.HighValueThreshold {
			return model.KindFrontier
		}
		return model.KindClue
	case *model.RevisitItem:
		return model.KindRevisit
	default:
		return model.KindFrontier
	}
}

// Push enqueues item. Missing ids and creation times are filled in. A query
// already pending or recently completed is rejected with ErrRejected.
func (s *Set) Push(item model.QueueItem) error {
	m := item.Meta()
	if m.Tier < 0 || m.Tier > model.MaxTier {
		return fmt.Errorf("push %s item: tier %d out of range", item.Kind(), m.Tier)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, ok := s.byID[m.ID]; ok {
		return ErrRejected
	}
	if _, ok := s.inFlight[m.ID]; ok {
		return ErrRejected
	}
	if !s.guard.Admit(m.ID, noveltyKey(m)) {
		return ErrRejected
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.Status = model.ItemPending

	s.seq++
	s.insert(&entry{item: item, lane: s.laneFor(item), seq: s.seq})
	s.added++
	return nil
}

// noveltyKey scopes a query to its tier: the same search asked of a higher
// tier of sources is separate work
func noveltyKey(m *model.ItemMeta) string {
	if m.Tier == model.TierOpenWeb {
		return m.Query
	}
	return fmt.Sprintf("%s tier%d", m.Query, m.Tier)
}

func (s *Set) insert(e *entry) {
	h := &s.heaps[e.lane][e.item.Meta().Tier]
	heap.Push(h, e)
	s.byID[e.item.Meta().ID] = e
}

// Pop removes the next item eligible for maxTier. Tier-2 items are held back
// while any Tier-0 or Tier-1 item is pending.
func (s *Set) Pop(maxTier model.Tier) (model.QueueItem, bool) {
	lowPending := s.PendingAtOrBelow(model.TierOpenAPI) > 0

	var best *entry
	for _, lane := range lanes {
		for t := model.TierOpenWeb; t <= model.MaxTier && t <= maxTier; t++ {
			if t == model.TierCredentialed && lowPending {
				continue
			}
			head := s.heaps[lane][t].peek()
			if head != nil && (best == nil || before(head, best)) {
				best = head
			}
		}
	}
	if best == nil {
		return nil, false
	}

	heap.Remove(&s.heaps[best.lane][best.item.Meta().Tier], best.index)
	m := best.item.Meta()
	delete(s.byID, m.ID)
	m.Status = model.ItemInFlight
	s.inFlight[m.ID] = best
	return best.item, true
}

// Claim moves the pending item with the given id in flight. A resumed
// session uses it to take back the item it was processing.
func (s *Set) Claim(id string) (model.QueueItem, bool) {
	e, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&s.heaps[e.lane][e.item.Meta().Tier], e.index)
	delete(s.byID, id)
	e.item.Meta().Status = model.ItemInFlight
	s.inFlight[id] = e
	return e.item, true
}

// Complete marks a dispatched item done
func (s *Set) Complete(item model.QueueItem) {
	m := item.Meta()
	delete(s.inFlight, m.ID)
	m.Status = model.ItemCompleted
	s.guard.Complete(m.ID, noveltyKey(m))
}

// Retry re-queues a failed item with an incremented retry count and a
// backoff-penalized priority. Once the retry count exceeds MaxRetries the
// item is discarded instead; the return value reports that.
func (s *Set) Retry(item model.QueueItem, cause error) (discarded bool) {
	m := item.Meta()
	e, ok := s.inFlight[m.ID]
	if !ok {
		s.seq++
		e = &entry{item: item, lane: s.laneFor(item), seq: s.seq}
	}
	delete(s.inFlight, m.ID)

	m.RetryCount++
	if cause != nil {
		m.LastError = cause.Error()
	}
	if m.RetryCount > s.cfg.MaxRetries {
		s.discard(item, fmt.Sprintf("retries exhausted after %d attempts: %s", m.RetryCount, m.LastError))
		return true
	}

	m.Priority *= s.cfg.BackoffFactor
	m.Status = model.ItemPending
	s.insert(e)
	return false
}

// Discard removes item immediately, pending or in flight, and keeps it in
// the discarded list. Used for compliance violations, which are never retried.
func (s *Set) Discard(item model.QueueItem, reason string) {
	m := item.Meta()
	if e, ok := s.byID[m.ID]; ok {
		heap.Remove(&s.heaps[e.lane][m.Tier], e.index)
		delete(s.byID, m.ID)
	}
	delete(s.inFlight, m.ID)
	s.discard(item, reason)
}

func (s *Set) discard(item model.QueueItem, reason string) {
	m := item.Meta()
	m.Status = model.ItemDiscarded
	m.LastError = reason
	s.discarded = append(s.discarded, item)
	s.guard.Complete(m.ID, noveltyKey(m))
}

// Len returns the number of pending items across all queues
func (s *Set) Len() int { return len(s.byID) }

// LaneLen returns the number of pending items in one queue
func (s *Set) LaneLen(lane model.ItemKind) int {
	hs, ok := s.heaps[lane]
	if !ok {
		return 0
	}
	n := 0
	for t := range hs {
		n += hs[t].Len()
	}
	return n
}

// InFlight returns the number of dispatched, unfinished items
func (s *Set) InFlight() int { return len(s.inFlight) }

// PendingAtOrBelow counts pending items whose tier is at most tier
func (s *Set) PendingAtOrBelow(tier model.Tier) int {
	n := 0
	for _, lane := range lanes {
		for t := model.TierOpenWeb; t <= tier && t <= model.MaxTier; t++ {
			n += s.heaps[lane][t].Len()
		}
	}
	return n
}

// Added returns how many items were pushed since the last ResetAdded
func (s *Set) Added() int { return s.added }

// ResetAdded starts a new pass for the escalation criterion
func (s *Set) ResetAdded() { s.added = 0 }

// Discarded returns the discarded items in discard order
func (s *Set) Discarded() []model.QueueItem {
	return append([]model.QueueItem(nil), s.discarded...)
}

// Pending returns pending items in dispatch order without removing them
func (s *Set) Pending() []model.QueueItem {
	all := make([]*entry, 0, len(s.byID))
	for _, e := range s.byID {
		all = append(all, e)
	}
	sortEntries(all)
	out := make([]model.QueueItem, len(all))
	for i, e := range all {
		out[i] = e.item
	}
	return out
}
