package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/source"
	"github.com/ppiankov/lineage/internal/store"
	"github.com/ppiankov/lineage/internal/worker"
)

// failure classifies an adapter error
type failure int

const (
	failOther failure = iota
	failTransient
	failCompliance
	failUnavailable
)

func classify(err error) failure {
	var cv *model.ComplianceViolation
	var tf *model.TransientFetchError
	switch {
	case errors.As(err, &cv):
		return failCompliance
	case errors.As(err, &tf), errors.Is(err, context.DeadlineExceeded):
		return failTransient
	case errors.Is(err, source.ErrUnavailable):
		return failUnavailable
	}
	return failOther
}

// crawl dispatches the next item of the current tier: searches its
// adapters, fetches the hits and records a source for each document
func (s *Session) crawl(ctx context.Context) (State, error) {
	s.queues.ResetAdded()
	item, ok := s.queues.Pop(s.cp.Tier)
	if !ok {
		return StateStopEvaluation, nil
	}
	m := item.Meta()
	s.current, s.cp.CurrentID = item, m.ID
	s.cp.WorkUnits++
	s.cp.Work = &work{}
	log := s.logger.With("item", m.ID, "kind", item.Kind(), "tier", m.Tier)
	log.Info("crawling", "query", m.Query)

	var (
		hits       []source.Hit
		fresh      bool
		transient  error
		refusedAll bool
		refused    int
		err        error
	)
	switch it := item.(type) {
	case *model.FrontierItem:
		hits, transient, refusedAll, err = s.search(ctx, it, it.Adapter)
	case *model.ClueItem:
		hits, transient, refusedAll, err = s.search(ctx, it, "")
	case *model.RevisitItem:
		adapter := it.Adapter
		if _, ok := s.o.sources.Registry().Get(adapter); !ok {
			return StateStopEvaluation, s.discard(ctx, item, fmt.Sprintf("adapter %q is not configured", adapter))
		}
		hits, fresh = []source.Hit{{Adapter: adapter, ID: it.URL, URL: it.URL}}, true
	default:
		return "", fmt.Errorf("unknown queue item %T", item)
	}
	if err != nil {
		return "", err
	}

	results := worker.FetchAll(ctx, s.o.sources, hits, fresh, s.o.fetchWorkers, s.cp.Config.CallTimeout)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, r := range results {
		if r.Error != nil {
			switch classify(r.Error) {
			case failCompliance:
				refused++
				if err := s.auditPolicy(ctx, item, r.Error); err != nil {
					return "", err
				}
			case failTransient:
				transient = r.Error
				log.Warn("fetch failed", "url", r.Hit.URL, "error", r.Error)
			case failUnavailable:
				log.Info("document unavailable", "url", r.Hit.URL)
			default:
				log.Warn("fetch failed", "url", r.Hit.URL, "error", r.Error)
			}
			continue
		}
		rec, err := s.recordSource(ctx, r.Document)
		if err != nil {
			return "", err
		}
		s.cp.Work.Documents = append(s.cp.Work.Documents, document{
			SourceID:  rec.ID,
			URL:       r.Document.URL,
			Text:      r.Document.RawText,
			Citations: r.Document.Citations,
		})
	}
	if transient != nil {
		s.cp.Work.Retry = transient.Error()
	}

	if len(s.cp.Work.Documents) > 0 {
		return StateFactExtraction, nil
	}
	if transient == nil && (refusedAll || (len(hits) > 0 && refused == len(hits))) {
		return StateStopEvaluation, s.discard(ctx, item, "refused by source policy")
	}
	if err := s.finishItem(ctx); err != nil {
		return "", err
	}
	return StateStopEvaluation, nil
}

// search queries the adapters of the item's tier, or only the named one, and
// returns the hits with duplicates removed. A transient failure of any
// adapter is returned separately so the item can be retried. refusedAll
// reports that every adapter refused the search on policy grounds.
func (s *Session) search(ctx context.Context, item model.QueueItem, adapter string) (hits []source.Hit, transient error, refusedAll bool, err error) {
	m := item.Meta()
	registry := s.o.sources.Registry()
	adapters := registry.ByTier(m.Tier)
	if adapter != "" {
		a, ok := registry.Get(adapter)
		if !ok {
			return nil, nil, false, nil
		}
		adapters = []source.Adapter{a}
	}
	refused := 0

	seen := make(map[string]bool)
	for _, a := range adapters {
		callCtx, cancel := s.callContext(ctx)
		found, serr := s.o.sources.Search(callCtx, a, m.Query, s.cp.Config.MaxResultsPerQuery)
		cancel()
		if err := ctx.Err(); err != nil {
			return nil, nil, false, err
		}
		if serr != nil {
			switch classify(serr) {
			case failCompliance:
				refused++
				if err := s.auditPolicy(ctx, item, serr); err != nil {
					return nil, nil, false, err
				}
			case failTransient:
				transient = serr
				s.logger.Warn("search failed", "adapter", a.Name(), "query", m.Query, "error", serr)
			default:
				s.logger.Warn("search failed", "adapter", a.Name(), "query", m.Query, "error", serr)
			}
		}
		for _, h := range found {
			key := h.Adapter + "\x00" + h.URL
			if !seen[key] {
				seen[key] = true
				hits = append(hits, h)
			}
		}
	}
	return hits, transient, len(adapters) > 0 && refused == len(adapters), nil
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cp.Config.CallTimeout > 0 {
		return context.WithTimeout(ctx, s.cp.Config.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Session) auditPolicy(ctx context.Context, item model.QueueItem, err error) error {
	var cv *model.ComplianceViolation
	errors.As(err, &cv)
	s.logger.Warn("refused by source policy", "url", cv.URL, "rule", cv.Rule)
	return s.audit(ctx, &model.AuditEntry{
		Key:       fmt.Sprintf("policy:%s:%s:%s", item.Meta().ID, cv.URL, cv.Rule),
		EntityID:  item.Meta().SubjectID,
		Action:    model.AuditPolicyRejected,
		After:     cv.URL,
		Rationale: cv.Error(),
	})
}

// recordSource stores the source record of doc. Unchanged content reuses the
// latest record of the URL; changed content becomes a new version linked to
// the previous one.
func (s *Session) recordSource(ctx context.Context, doc *source.Document) (*model.SourceRecord, error) {
	prev, err := s.o.store.LatestSource(ctx, doc.URL)
	switch {
	case err == nil && prev.ContentHash == doc.ContentHash:
		return prev, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, &model.StorageFailure{Op: "load source", Err: err}
	}

	class := doc.Class
	if !class.Valid() {
		class = model.ClassUnverifiedAuthored
	}
	tier := model.TierOpenWeb
	if a, ok := s.o.sources.Registry().Get(doc.Adapter); ok {
		tier = a.Tier()
	}
	rec := &model.SourceRecord{
		ID:          sourceID(doc.URL, doc.ContentHash),
		URL:         doc.URL,
		Domain:      hostOf(doc.URL),
		Adapter:     doc.Adapter,
		Tier:        tier,
		AccessedAt:  s.o.now(),
		ContentHash: doc.ContentHash,
		Class:       class,
		PriorWeight: class.PriorWeight(),
	}
	if existing, err := s.o.store.GetSource(ctx, rec.ID); err == nil {
		return existing, nil
	}
	if prev != nil {
		rec.PreviousVersionID = prev.ID
	}
	if err := s.o.store.SaveSource(ctx, rec); err != nil {
		return nil, &model.StorageFailure{Op: "save source", Err: err}
	}
	before := ""
	if prev != nil {
		before = prev.ContentHash
	}
	if err := s.audit(ctx, &model.AuditEntry{
		Key:      "source:" + rec.ID,
		EntityID: s.current.Meta().SubjectID,
		Action:   model.AuditSourceStored,
		Before:   before,
		After:    rec.URL + " " + rec.ContentHash,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

func sourceID(rawURL, contentHash string) string {
	sum := sha256.Sum256([]byte(rawURL + "\x00" + contentHash))
	return "src_" + hex.EncodeToString(sum[:])[:32]
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
