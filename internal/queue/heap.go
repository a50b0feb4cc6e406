package queue

import (
	"container/heap"

	"github.com/ppiankov/lineage/internal/model"
)

type entry struct {
	item  model.QueueItem
	lane  model.ItemKind
	seq   uint64
	index int
}

// before is the dispatch order: priority desc, tier asc, created asc, insertion asc
func before(a, b *entry) bool {
	am, bm := a.item.Meta(), b.item.Meta()
	if am.Priority != bm.Priority {
		return am.Priority > bm.Priority
	}
	if am.Tier != bm.Tier {
		return am.Tier < bm.Tier
	}
	if !am.CreatedAt.Equal(bm.CreatedAt) {
		return am.CreatedAt.Before(bm.CreatedAt)
	}
	return a.seq < b.seq
}

// itemHeap implements heap.Interface over entries
type itemHeap []*entry

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return before(h[i], h[j]) }

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h *itemHeap) peek() *entry {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

var _ heap.Interface = (*itemHeap)(nil)
