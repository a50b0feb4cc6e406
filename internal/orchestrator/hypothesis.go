package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/queue"
	"github.com/ppiankov/lineage/internal/resolve"
	"github.com/ppiankov/lineage/internal/store"
)

// Clue priorities
const (
	relativePriority   = 0.6
	conflictPriority   = 0.85
	overturnPriority   = 0.9
	stalePriority      = 0.2
	hypothesisBase     = 0.3
	hypothesisMaxBoost = 0.4
)

// checkConflicts re-resolves every entity the item touched, projects the
// results onto the persons and looks for duplicate persons
func (s *Session) checkConflicts(ctx context.Context) (State, error) {
	w := s.cp.Work
	for _, id := range w.Touched {
		outcomes, err := s.o.engine.ResolveEntity(ctx, id)
		if err != nil {
			return "", err
		}
		for _, out := range outcomes {
			if out.Conflicting() {
				w.Conflicts = append(w.Conflicts, out.Assertion.Key())
			}
			if out.Overturned && out.Previous != nil && s.wroteDuringCheck(out) {
				src, err := s.sourceOf(ctx, out.Previous)
				if err != nil {
					return "", err
				}
				w.Overturned = append(w.Overturned, overturn{EntityID: out.Assertion.EntityID, Field: out.Assertion.Field, SourceID: src})
			}
		}
		if _, err := s.o.engine.Project(ctx, id, s.o.classifier); err != nil {
			return "", err
		}
		if _, err := s.o.resolver.Candidates(ctx, id); err != nil {
			return "", err
		}
	}
	return StateHypothesisGeneration, nil
}

// recordVersions notes the assertion versions of every touched entity so a
// replayed conflict check can tell its own earlier writes apart
func (s *Session) recordVersions(ctx context.Context) error {
	w := s.cp.Work
	w.Versions = make(map[string]int)
	for _, id := range w.Touched {
		canonical, err := s.o.store.ResolveID(ctx, id)
		if err != nil {
			return &model.StorageFailure{Op: "resolve id", Err: err}
		}
		assertions, err := s.o.store.ListAssertions(ctx, canonical)
		if err != nil {
			return &model.StorageFailure{Op: "list assertions", Err: err}
		}
		for _, a := range assertions {
			w.Versions[versionKey(a.Key())] = a.Version
		}
	}
	return nil
}

// wroteDuringCheck reports whether out's latest revision was written by this
// item's conflict check, either now or before a replay
func (s *Session) wroteDuringCheck(out *resolve.Outcome) bool {
	if out.Changed {
		return true
	}
	return out.Assertion != nil && out.Assertion.Version > s.cp.Work.Versions[versionKey(out.Assertion.Key())]
}

// sourceOf returns the source of a claim backing the value of a
func (s *Session) sourceOf(ctx context.Context, a *model.Assertion) (string, error) {
	want := model.NormalizeValue(a.Field, a.Value)
	for _, id := range a.ClaimIDs {
		c, err := s.o.store.GetClaim(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", &model.StorageFailure{Op: "load claim", Err: err}
		}
		if model.NormalizeValue(c.Field, c.Value) == want {
			return c.SourceID, nil
		}
	}
	return "", nil
}

// hypothesize turns what the item found into new work: searches for named
// relatives, primary records for conflicts, re-verification of overturned
// values and the verifier's hypotheses
func (s *Session) hypothesize(ctx context.Context) (State, error) {
	w := s.cp.Work
	tier := s.current.Meta().Tier

	for _, r := range w.Relatives {
		s.enqueue(ctx, &model.ClueItem{
			ItemMeta:    model.ItemMeta{SubjectID: r.PersonID, Query: r.Name, Tier: tier, Priority: relativePriority},
			Reason:      "search " + r.Name,
			SourceRefID: r.SourceID,
			Field:       r.Field,
		})
	}

	next := tier
	if next < model.Tier(s.cp.Config.MaxTier) {
		next++
	}
	for _, k := range w.Conflicts {
		name, err := s.nameOf(ctx, k.EntityID)
		if err != nil {
			return "", err
		}
		record := recordKind(k.Field)
		s.enqueue(ctx, &model.ClueItem{
			ItemMeta: model.ItemMeta{SubjectID: k.EntityID, Query: name + " " + record + " record", Tier: next, Priority: conflictPriority},
			Reason:   "seek primary " + record + " record",
			Field:    k.Field,
		})
	}

	for _, ov := range w.Overturned {
		if ov.SourceID == "" {
			continue
		}
		s.enqueue(ctx, &model.ClueItem{
			ItemMeta:    model.ItemMeta{SubjectID: ov.EntityID, Query: fmt.Sprintf("re-verify %s %s", ov.Field, ov.SourceID), Tier: tier, Priority: overturnPriority},
			Reason:      fmt.Sprintf("re-verify overturned %s", ov.Field),
			SourceRefID: ov.SourceID,
			Field:       ov.Field,
		})
	}

	subjectID := s.current.Meta().SubjectID
	for _, h := range w.Hypotheses {
		query := h.SuggestedQuery
		if query == "" {
			query = h.Value
		}
		if query == "" {
			continue
		}
		conf := h.Confidence
		if conf < 0 || conf > 1 {
			conf = 0
		}
		s.enqueue(ctx, &model.ClueItem{
			ItemMeta: model.ItemMeta{SubjectID: subjectID, Query: query, Tier: tier, Priority: hypothesisBase + hypothesisMaxBoost*conf},
			Reason:   h.Statement,
			Field:    h.Field,
		})
	}
	return StateRevisitScheduling, nil
}

// enqueue pushes a clue. A high-value clue pointing at a source already
// visited becomes a revisit of that source.
func (s *Session) enqueue(ctx context.Context, c *model.ClueItem) {
	if c.SourceRefID != "" && c.Priority >= s.o.queueCfg.HighValueThreshold {
		if rec, err := s.o.store.GetSource(ctx, c.SourceRefID); err == nil {
			s.push(revisitOf(rec, c.SubjectID, c.Reason, c.Priority))
			return
		}
	}
	s.push(c)
}

func (s *Session) push(item model.QueueItem) {
	if err := s.queues.Push(item); err != nil {
		if !errors.Is(err, queue.ErrRejected) {
			s.logger.Warn("push failed", "query", item.Meta().Query, "error", err)
		}
		return
	}
	s.logger.Debug("work queued", "kind", item.Kind(), "query", item.Meta().Query, "priority", item.Meta().Priority)
}

func revisitOf(rec *model.SourceRecord, subjectID, reason string, priority float64) *model.RevisitItem {
	return &model.RevisitItem{
		ItemMeta: model.ItemMeta{SubjectID: subjectID, Query: "revisit " + rec.URL, Tier: rec.Tier, Priority: priority},
		SourceID: rec.ID,
		URL:      rec.URL,
		Adapter:  rec.Adapter,
		Reason:   reason,
	}
}

// recordKind names the record that settles a field
func recordKind(f model.Field) string {
	switch f {
	case model.FieldBirthDate, model.FieldBirthYear, model.FieldBirthPlace:
		return "birth"
	case model.FieldDeathDate, model.FieldDeathPlace:
		return "death"
	case model.FieldFather, model.FieldMother:
		return "baptism"
	case model.FieldSpouse:
		return "marriage"
	}
	return string(f)
}

func (s *Session) nameOf(ctx context.Context, id string) (string, error) {
	p, err := s.o.store.GetPerson(ctx, id)
	if err != nil {
		return "", &model.StorageFailure{Op: "load person", Err: err}
	}
	return p.PrimaryName(), nil
}

// scheduleRevisits queues a revisit of every source behind the subject's
// claims that has not been accessed for RevisitAfter, then finishes the
// current item
func (s *Session) scheduleRevisits(ctx context.Context) (State, error) {
	if after := s.cp.Config.RevisitAfter; after > 0 {
		subjectID := s.current.Meta().SubjectID
		_, claims, err := s.o.engine.Claims(ctx, subjectID, "")
		if err != nil {
			return "", err
		}
		urls := make(map[string]bool)
		for _, c := range claims {
			urls[c.SourceURL] = true
		}
		sorted := make([]string, 0, len(urls))
		for u := range urls {
			sorted = append(sorted, u)
		}
		sort.Strings(sorted)

		now := s.o.now()
		for _, u := range sorted {
			rec, err := s.o.store.LatestSource(ctx, u)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return "", &model.StorageFailure{Op: "load source", Err: err}
			}
			if now.Sub(rec.AccessedAt) < after {
				continue
			}
			s.push(revisitOf(rec, subjectID, "last accessed "+rec.AccessedAt.Format("2006-01-02"), stalePriority))
		}
	}
	if err := s.finishItem(ctx); err != nil {
		return "", err
	}
	return StateStopEvaluation, nil
}
