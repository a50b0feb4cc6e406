package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemKind tags the queue item variant
type ItemKind string

const (
	KindFrontier ItemKind = "frontier"
	KindClue     ItemKind = "clue"
	KindRevisit  ItemKind = "revisit"
)

// ItemStatus is the lifecycle state of a queue item
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemInFlight  ItemStatus = "in_flight"
	ItemCompleted ItemStatus = "completed"
	ItemDiscarded ItemStatus = "discarded"
)

// ItemMeta is shared by every queue item variant
type ItemMeta struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subject_id"`
	Query      string     `json:"query"`
	Tier       Tier       `json:"tier"`
	Priority   float64    `json:"priority"`
	CreatedAt  time.Time  `json:"created_at"`
	RetryCount int        `json:"retry_count"`
	Status     ItemStatus `json:"status"`
	LastError  string     `json:"last_error,omitempty"`
}

// QueueItem is the closed set of pending-work variants: *FrontierItem,
// *ClueItem and *RevisitItem. The unexported method keeps the set closed so
// type switches over it are exhaustive.
type QueueItem interface {
	Meta() *ItemMeta
	Kind() ItemKind
	queueItem()
}

// FrontierItem is a search to run against sources of its tier
type FrontierItem struct {
	ItemMeta
	Adapter string `json:"adapter,omitempty"` // Restrict to one adapter; empty means all adapters of the tier
}

// ClueItem is a lead derived from evidence: a relative to search for, a
// conflict needing a primary record, a hypothesis to test
type ClueItem struct {
	ItemMeta
	Reason      string `json:"reason"`
	SourceRefID string `json:"source_ref_id,omitempty"` // SourceRecord the clue was derived from
	Field       Field  `json:"field,omitempty"`
}

// RevisitItem re-fetches an already visited source
type RevisitItem struct {
	ItemMeta
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
	Adapter  string `json:"adapter"`
	Reason   string `json:"reason"`
}

func (i *FrontierItem) Meta() *ItemMeta { return &i.ItemMeta }
func (i *ClueItem) Meta() *ItemMeta     { return &i.ItemMeta }
func (i *RevisitItem) Meta() *ItemMeta  { return &i.ItemMeta }

func (i *FrontierItem) Kind() ItemKind { return KindFrontier }
func (i *ClueItem) Kind() ItemKind     { return KindClue }
func (i *RevisitItem) Kind() ItemKind  { return KindRevisit }

func (*FrontierItem) queueItem() {}
func (*ClueItem) queueItem()     {}
func (*RevisitItem) queueItem()  {}

// EncodedItem is the persisted form of a QueueItem
type EncodedItem struct {
	Kind ItemKind        `json:"kind"`
	Item json.RawMessage `json:"item"`
}

// EncodeItem wraps a QueueItem with its kind tag
func EncodeItem(item QueueItem) (EncodedItem, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return EncodedItem{}, fmt.Errorf("marshal %s item: %w", item.Kind(), err)
	}
	return EncodedItem{Kind: item.Kind(), Item: raw}, nil
}

// Decode restores the tagged QueueItem
func (e EncodedItem) Decode() (QueueItem, error) {
	var item QueueItem
	switch e.Kind {
	case KindFrontier:
		item = &FrontierItem{}
	case KindClue:
		item = &ClueItem{}
	case KindRevisit:
		item = &RevisitItem{}
	default:
		return nil, fmt.Errorf("unknown queue item kind %q", e.Kind)
	}
	if err := json.Unmarshal(e.Item, item); err != nil {
		return nil, fmt.Errorf("unmarshal %s item: %w", e.Kind, err)
	}
	return item, nil
}
