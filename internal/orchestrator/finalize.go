package orchestrator

import (
	"context"
	"sort"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/privacy"
	"github.com/ppiankov/lineage/internal/report"
)

// Finalize assembles the research bundle of a subject from the store: the
// subject's family as far as it is connected, every assertion, claim and
// source behind it, merges, rejections and the audit trail. Living persons
// are redacted.
func (o *Orchestrator) Finalize(ctx context.Context, subjectID string) (*model.ResearchBundle, error) {
	return o.finalize(ctx, subjectID)
}

// Finalize assembles the session's bundle, including its discarded work
func (s *Session) Finalize(ctx context.Context) (*model.ResearchBundle, error) {
	b, err := s.o.finalize(ctx, s.cp.SubjectID)
	if err != nil {
		return nil, err
	}
	b.SessionID = s.cp.ID
	b.StopReason = s.cp.StopReason
	for _, item := range s.queues.Discarded() {
		enc, err := model.EncodeItem(item)
		if err != nil {
			return nil, err
		}
		b.Discarded = append(b.Discarded, enc)
	}
	b.Signals = report.Signals(b)
	return b, nil
}

func (o *Orchestrator) finalize(ctx context.Context, subjectID string) (*model.ResearchBundle, error) {
	canonical, err := o.store.ResolveID(ctx, subjectID)
	if err != nil {
		return nil, &model.StorageFailure{Op: "resolve id", Err: err}
	}
	g, err := o.resolver.Graph(ctx)
	if err != nil {
		return nil, err
	}

	// Family reachable from the subject over parent and spouse edges
	members := map[string]bool{canonical: true}
	queue := []string{canonical}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range [][]string{g.Parents(id), g.Children(id), g.Spouses(id)} {
			for _, n := range next {
				if !members[n] {
					members[n] = true
					queue = append(queue, n)
				}
			}
		}
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Every raw id that resolves into the family
	canonicalOf := make(map[string]string)
	for _, id := range ids {
		canonicalOf[id] = id
		aliases, err := o.store.Aliases(ctx, id)
		if err != nil {
			return nil, &model.StorageFailure{Op: "list aliases", Err: err}
		}
		for _, a := range aliases {
			canonicalOf[a] = id
		}
	}

	b := &model.ResearchBundle{SubjectID: canonical, GeneratedAt: o.now()}
	// Living status is classified afresh for every export
	living := make(map[string]bool)
	assertionsOf := make(map[string][]model.Assertion)
	for _, id := range ids {
		p, err := o.store.GetPerson(ctx, id)
		if err != nil {
			return nil, &model.StorageFailure{Op: "load person", Err: err}
		}
		assertions, err := o.store.ListAssertions(ctx, id)
		if err != nil {
			return nil, &model.StorageFailure{Op: "list assertions", Err: err}
		}
		assertionsOf[id] = assertions
		p.Living = o.living(p, assertions)
		living[id] = p.Living
		b.Persons = append(b.Persons, *p)
	}

	rels, err := o.store.Relationships(ctx, "")
	if err != nil {
		return nil, &model.StorageFailure{Op: "list relationships", Err: err}
	}
	for _, r := range rels {
		from, okFrom := canonicalOf[r.From]
		to, okTo := canonicalOf[r.To]
		if okFrom && okTo {
			r.From, r.To = from, to
			b.Relationships = append(b.Relationships, r)
		}
	}

	sourceIDs := make(map[string]bool)
	for _, id := range ids {
		for _, a := range assertionsOf[id] {
			if living[id] {
				a = privacy.RedactAssertion(a)
			}
			b.Assertions = append(b.Assertions, a)
			if a.Status == model.StatusConflicting {
				b.Conflicts = append(b.Conflicts, a)
			}
		}

		_, claims, err := o.engine.Claims(ctx, id, "")
		if err != nil {
			return nil, err
		}
		for _, c := range claims {
			sourceIDs[c.SourceID] = true
			if living[id] {
				var keep bool
				if c, keep = privacy.RedactClaim(c); !keep {
					continue
				}
			}
			b.Claims = append(b.Claims, c)
		}
	}
	sort.Slice(b.Claims, func(i, j int) bool { return b.Claims[i].ID < b.Claims[j].ID })

	srcs := make([]string, 0, len(sourceIDs))
	for id := range sourceIDs {
		srcs = append(srcs, id)
	}
	sort.Strings(srcs)
	for _, id := range srcs {
		src, err := o.store.GetSource(ctx, id)
		if err != nil {
			return nil, &model.StorageFailure{Op: "load source", Err: err}
		}
		b.Sources = append(b.Sources, *src)
	}

	merges, err := o.store.ListMerges(ctx)
	if err != nil {
		return nil, &model.StorageFailure{Op: "list merges", Err: err}
	}
	for _, m := range merges {
		for _, member := range m.MemberIDs {
			if _, ok := canonicalOf[member]; ok {
				b.Merges = append(b.Merges, m)
				break
			}
		}
	}

	seen := make(map[int64]bool)
	for raw, id := range canonicalOf {
		entries, err := o.store.Audit(ctx, raw)
		if err != nil {
			return nil, &model.StorageFailure{Op: "list audit", Err: err}
		}
		for _, e := range entries {
			if seen[e.Seq] {
				continue
			}
			seen[e.Seq] = true
			if living[id] {
				e = privacy.RedactAudit(e)
			}
			b.Audit = append(b.Audit, e)
		}
	}
	sort.Slice(b.Audit, func(i, j int) bool { return b.Audit[i].Seq < b.Audit[j].Seq })
	for _, e := range b.Audit {
		if e.Action == model.AuditClaimRejected || e.Action == model.AuditPolicyRejected {
			b.Rejections = append(b.Rejections, e)
		}
	}

	for i, p := range b.Persons {
		if p.Living {
			b.Persons[i] = privacy.Redact(p)
		}
		if p.ID == canonical {
			b.Subject = b.Persons[i]
		}
	}
	b.Signals = report.Signals(b)
	return b, nil
}

// living classifies p; without a classifier every person is treated as living
func (o *Orchestrator) living(p *model.Person, assertions []model.Assertion) bool {
	if o.classifier == nil {
		return true
	}
	return o.classifier.Classify(p, assertions).Living
}
