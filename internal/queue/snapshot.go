package queue

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/novelty"
)

// SnapshotEntry is one persisted pending item with its queue and order
type SnapshotEntry struct {
	Lane model.ItemKind    `json:"lane"`
	Seq  uint64            `json:"seq"`
	Item model.EncodedItem `json:"item"`
}

// State is the persisted form of a Set
type State struct {
	Entries   []SnapshotEntry     `json:"entries"`
	Discarded []model.EncodedItem `json:"discarded"`
	Seq       uint64              `json:"seq"`
	Added     int                 `json:"added"`
	Guard     novelty.State       `json:"guard"`
}

func sortEntries(es []*entry) {
	sort.Slice(es, func(i, j int) bool { return before(es[i], es[j]) })
}

// Snapshot captures pending and in-flight items, discarded items and the guard.
// In-flight items are recorded as pending so a restore re-queues them.
func (s *Set) Snapshot() (State, error) {
	all := make([]*entry, 0, len(s.byID)+len(s.inFlight))
	for _, e := range s.byID {
		all = append(all, e)
	}
	for _, e := range s.inFlight {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	st := State{Seq: s.seq, Added: s.added, Guard: s.guard.Snapshot()}
	for _, e := range all {
		enc, err := model.EncodeItem(e.item)
		if err != nil {
			return State{}, fmt.Errorf("snapshot queue: %w", err)
		}
		st.Entries = append(st.Entries, SnapshotEntry{Lane: e.lane, Seq: e.seq, Item: enc})
	}
	for _, item := range s.discarded {
		enc, err := model.EncodeItem(item)
		if err != nil {
			return State{}, fmt.Errorf("snapshot discarded: %w", err)
		}
		st.Discarded = append(st.Discarded, enc)
	}
	return st, nil
}

// Restore replaces the set's contents with st
func (s *Set) Restore(st State) error {
	fresh := NewSet(s.cfg, s.guard)
	fresh.now = s.now
	s.guard.Restore(st.Guard)

	for _, se := range st.Entries {
		item, err := se.Item.Decode()
		if err != nil {
			return fmt.Errorf("restore queue: %w", err)
		}
		lane := se.Lane
		if _, ok := fresh.heaps[lane]; !ok {
			lane = fresh.laneFor(item)
		}
		m := item.Meta()
		if m.Tier < 0 || m.Tier > model.MaxTier {
			return fmt.Errorf("restore queue: item %s tier %d out of range", m.ID, m.Tier)
		}
		m.Status = model.ItemPending
		e := &entry{item: item, lane: lane, seq: se.Seq}
		heap.Push(&fresh.heaps[lane][m.Tier], e)
		fresh.byID[m.ID] = e
		// An in-flight item's reservation survives through its own id
		s.guard.Admit(m.ID, noveltyKey(m))
	}
	for _, enc := range st.Discarded {
		item, err := enc.Decode()
		if err != nil {
			return fmt.Errorf("restore discarded: %w", err)
		}
		fresh.discarded = append(fresh.discarded, item)
	}
	fresh.seq = st.Seq
	fresh.added = st.Added

	s.heaps = fresh.heaps
	s.byID = fresh.byID
	s.inFlight = fresh.inFlight
	s.discarded = fresh.discarded
	s.seq = fresh.seq
	s.added = fresh.added
	return nil
}
