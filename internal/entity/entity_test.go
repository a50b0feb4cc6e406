package entity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/resolve"
	"github.com/ppiankov/lineage/internal/store"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	store    *store.MemoryStore
	resolver *Resolver
}

func newFixture(t *testing.T, autoMerge bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := model.DefaultConfig()
	cfg.Entity.AutoMerge = autoMerge
	st := store.NewMemoryStore()
	engine := resolve.NewEngine(st, cfg.Resolution, logger)
	r := NewResolver(st, engine, nil, cfg.Entity, logger)
	r.SetClock(func() time.Time { return t0 })
	return &fixture{ctx: context.Background(), store: st, resolver: r}
}

type personFixture struct {
	id, name, birth, place string
	created                int
}

func (f *fixture) person(t *testing.T, s personFixture) {
	t.Helper()
	p := &model.Person{ID: s.id, BirthPlace: s.place, CreatedAt: t0.Add(time.Duration(s.created) * time.Hour)}
	p.AddName(model.NameBirth, s.name)
	if s.birth != "" {
		iv, ok := model.ParseDate(s.birth)
		if !ok {
			t.Fatalf("bad test date %q", s.birth)
		}
		p.Birth = iv
	}
	if err := f.store.SavePerson(f.ctx, p); err != nil {
		t.Fatalf("SavePerson() error = %v", err)
	}
}

func (f *fixture) verified(t *testing.T, id string, field model.Field, value string) {
	t.Helper()
	a := &model.Assertion{EntityID: id, Field: field, Value: value, Status: model.StatusVerified, Confidence: 0.9, Version: 1}
	if err := f.store.PutAssertion(f.ctx, a, 0); err != nil {
		t.Fatalf("PutAssertion() error = %v", err)
	}
}

func (f *fixture) parentEdge(t *testing.T, parent, child string) {
	t.Helper()
	r := &model.Relationship{ID: parent + ">" + child, From: parent, To: child, Kind: model.RelationParent}
	if err := f.store.SaveRelationship(f.ctx, r); err != nil {
		t.Fatalf("SaveRelationship() error = %v", err)
	}
}

func (f *fixture) claim(t *testing.T, subject string, field model.Field, value string) {
	t.Helper()
	src := &model.SourceRecord{
		ID:          "src-" + subject + string(field),
		URL:         "https://example.org/" + subject,
		ContentHash: model.ContentHash(subject + string(field)),
		Class:       model.ClassCensus,
		PriorWeight: model.ClassCensus.PriorWeight(),
	}
	if err := f.store.SaveSource(f.ctx, src); err != nil {
		t.Fatalf("SaveSource() error = %v", err)
	}
	c := &model.EvidenceClaim{
		SubjectID:            subject,
		Field:                field,
		Value:                value,
		SourceID:             src.ID,
		SourceURL:            src.URL,
		CitationSnippet:      value,
		ExtractionConfidence: 1,
		PriorWeight:          src.PriorWeight,
		IsFact:               true,
	}
	c.ID = model.ClaimID(c.SourceID, c.SubjectID, c.Field, c.Value, c.CitationSnippet)
	if err := f.store.SaveClaim(f.ctx, c); err != nil {
		t.Fatalf("SaveClaim() error = %v", err)
	}
}

func TestGraphAncestry(t *testing.T) {
	g := NewGraph([]model.Relationship{
		{From: "grandfather", To: "father", Kind: model.RelationParent},
		{From: "father", To: "son", Kind: model.RelationParent},
		{From: "father", To: "mother", Kind: model.RelationSpouse},
	}, nil)

	if !g.IsAncestor("grandfather", "son") {
		t.Error("grandfather should be an ancestor of son")
	}
	if g.IsAncestor("son", "grandfather") {
		t.Error("son is not an ancestor of grandfather")
	}
	if !g.MergeWouldCycle("son", "grandfather") {
		t.Error("merging son into grandfather must be refused")
	}
	if !g.ParentEdgeWouldCycle("son", "grandfather") || g.ParentEdgeWouldCycle("grandfather", "son") {
		t.Error("ParentEdgeWouldCycle() wrong direction")
	}
	if got := g.Generations("son"); got != 2 {
		t.Errorf("Generations(son) = %d, want 2", got)
	}
	if got := g.Spouses("mother"); len(got) != 1 || got[0] != "father" {
		t.Errorf("Spouses(mother) = %v", got)
	}
}

func TestGraphCanonicalizesAndSurvivesCycles(t *testing.T) {
	aliases := map[string]string{"dup": "a"}
	g := NewGraph([]model.Relationship{
		{From: "a", To: "b", Kind: model.RelationParent},
		{From: "b", To: "dup", Kind: model.RelationParent},
	}, func(id string) string {
		if c, ok := aliases[id]; ok {
			return c
		}
		return id
	})
	// corrupt data: a is its own ancestor through the alias; the walk still ends
	if !g.IsAncestor("a", "a") {
		t.Error("expected the aliased cycle to be visible")
	}
}

func TestEvaluateDuplicate(t *testing.T) {
	f := newFixture(t, false)
	f.person(t, personFixture{id: "p1", name: "Thomas Vincent", birth: "1977", place: "Leeds"})
	f.person(t, personFixture{id: "p2", name: "Vincent, Thomas", birth: "Feb 1977", place: "Leeds", created: 1})
	f.verified(t, "p1", model.FieldFather, "Arthur Vincent")
	f.verified(t, "p2", model.FieldFather, "Arthur Vincent")

	c, err := f.resolver.Evaluate(f.ctx, "p2", "p1")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if c.Decision != model.DecisionMergeWithReview {
		t.Errorf("decision = %s (%.2f), want merge_with_review", c.Decision, c.Similarity)
	}
	if c.CanonicalID != "p1" || c.ID != ClusterID("p1", "p2") {
		t.Errorf("canonical/id = %s/%s", c.CanonicalID, c.ID)
	}
	if len(c.WhyNotMerge) == 0 || !c.Reversible {
		t.Errorf("cluster must be reversible with a why-not-merge note: %+v", c)
	}
	for _, k := range []string{"name", "date", "place", "kinship"} {
		if _, ok := c.Features[k]; !ok {
			t.Errorf("feature %s missing", k)
		}
	}
}

func TestEvaluateContradiction(t *testing.T) {
	f := newFixture(t, false)
	f.person(t, personFixture{id: "p1", name: "Thomas Vincent", birth: "1977", place: "Leeds"})
	f.person(t, personFixture{id: "p2", name: "Thomas Vincent", birth: "1952", place: "Leeds", created: 1})
	f.verified(t, "p1", model.FieldBirthYear, "1977")
	f.verified(t, "p2", model.FieldBirthYear, "1952")

	c, err := f.resolver.Evaluate(f.ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if c.Decision != model.DecisionReview {
		t.Errorf("decision = %s (%.3f), want review", c.Decision, c.Similarity)
	}
	if !strings.Contains(strings.Join(c.WhyNotMerge, "; "), "does not overlap") {
		t.Errorf("WhyNotMerge = %v, want the date contradiction", c.WhyNotMerge)
	}
}

func TestEvaluateSeparate(t *testing.T) {
	f := newFixture(t, false)
	f.person(t, personFixture{id: "p1", name: "Thomas Vincent", birth: "1977"})
	f.person(t, personFixture{id: "p2", name: "Mary Oakes", birth: "1900", created: 1})

	c, err := f.resolver.Evaluate(f.ctx, "p1", "p2")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if c.Decision != model.DecisionSeparate {
		t.Errorf("decision = %s (%.2f), want separate", c.Decision, c.Similarity)
	}
}

func TestEvaluateSamePerson(t *testing.T) {
	f := newFixture(t, false)
	f.person(t, personFixture{id: "p1", name: "Thomas Vincent"})
	if _, err := f.resolver.Evaluate(f.ctx, "p1", "p1"); !errors.Is(err, ErrSamePerson) {
		t.Errorf("Evaluate(p1, p1) error = %v, want ErrSamePerson", err)
	}
}

func TestCandidatesProposeOnce(t *testing.T) {
	f := newFixture(t, false)
	f.person(t, personFixture{id: "p1", name: "Thomas Vincent", birth: "1977", place: "Leeds"})
	f.person(t, personFixture{id: "p2", name: "Thomas Vincent", birth: "1977", place: "Leeds", created: 1})
	f.person(t, personFixture{id: "p3", name: "Mary Oakes", birth: "1900", created: 2})

	got, err := f.resolver.Candidates(f.ctx, "p1")
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if len(got) != 1 || got[0].Status != model.MergeProposed {
		t.Fatalf("Candidates() = %+v, want one proposal", got)
	}
	if id, _ := f.store.ResolveID(f.ctx, "p2"); id != "p2" {
		t.Error("a proposal must not alias anything")
	}

	if _, err := f.resolver.Candidates(f.ctx, "p1"); err != nil {
		t.Fatalf("second Candidates() error = %v", err)
	}
	audit, _ := f.store.Audit(f.ctx, "p1")
	proposed := 0
	for _, e := range audit {
		if e.Action == model.AuditMergeProposed {
			proposed++
		}
	}
	if proposed != 1 {
		t.Errorf("merge_proposed entries = %d, want 1", proposed)
	}
}

func TestCandidatesAutoMerge(t *testing.T) {
	f := newFixture(t, true)
	f.person(t, personFixture{id: "p1", name: "Thomas Vincent", birth: "1977", place: "Leeds"})
	f.person(t, personFixture{id: "p2", name: "Thomas Vincent", birth: "1977", place: "Leeds", created: 1})
	f.verified(t, "p1", model.FieldFather, "Arthur Vincent")
	f.verified(t, "p2", model.FieldFather, "Arthur Vincent")

	got, err := f.resolver.Candidates(f.ctx, "p2")
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if len(got) != 1 || got[0].Status != model.MergeExecuted {
		t.Fatalf("Candidates() = %+v, want one executed merge", got)
	}
	if id, _ := f.store.ResolveID(f.ctx, "p2"); id != "p1" {
		t.Errorf("ResolveID(p2) = %s, want p1", id)
	}
}

func TestMergeAndUnmerge(t *testing.T) {
	f := newFixture(t, false)
	f.person(t, personFixture{id: "p1", name: "Thomas Vincent"})
	f.person(t, personFixture{id: "p2", name: "Thomas Vincent", created: 1})
	f.claim(t, "p1", model.FieldBirthPlace, "Leeds")
	f.claim(t, "p2", model.FieldFather, "Arthur Vincent")

	c, err := f.resolver.Merge(f.ctx, "p2", "p1")
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if c.Status != model.MergeExecuted || c.CanonicalID != "p1" {
		t.Fatalf("cluster = %+v", c)
	}
	p, err := f.store.GetPerson(f.ctx, "p2")
	if err != nil || p.ID != "p1" {
		t.Fatalf("GetPerson(p2) = %v, %v; want the canonical record", p, err)
	}
	if rec, err := f.store.GetPersonRecord(f.ctx, "p2"); err != nil || rec.ID != "p2" {
		t.Errorf("member record must survive the merge: %v, %v", rec, err)
	}
	father, err := f.store.GetAssertion(f.ctx, "p1", model.FieldFather)
	if err != nil || father.Value != "Arthur Vincent" || father.Status != model.StatusVerified {
		t.Fatalf("merged father = %+v, %v", father, err)
	}

	c, err = f.resolver.Unmerge(f.ctx, c.ID)
	if err != nil {
		t.Fatalf("Unmerge() error = %v", err)
	}
	if c.Status != model.MergeReverted {
		t.Errorf("status = %s, want reverted", c.Status)
	}
	if id, _ := f.store.ResolveID(f.ctx, "p2"); id != "p2" {
		t.Errorf("ResolveID(p2) = %s after unmerge", id)
	}
	father, err = f.store.GetAssertion(f.ctx, "p1", model.FieldFather)
	if err != nil || father.Value != "" || father.Status != model.StatusUnverified {
		t.Errorf("p1 father after unmerge = %+v, %v; want retracted", father, err)
	}
	own, err := f.store.GetAssertion(f.ctx, "p2", model.FieldFather)
	if err != nil || own.Value != "Arthur Vincent" {
		t.Errorf("p2 father after unmerge = %+v, %v", own, err)
	}

	if _, err := f.resolver.Unmerge(f.ctx, c.ID); !errors.Is(err, ErrNotExecuted) {
		t.Errorf("second Unmerge() error = %v, want ErrNotExecuted", err)
	}

	var actions []model.AuditAction
	audit, _ := f.store.Audit(f.ctx, "p1")
	for _, e := range audit {
		if e.Actor == Actor {
			actions = append(actions, e.Action)
		}
	}
	want := []model.AuditAction{model.AuditMergeProposed, model.AuditMergeExecuted, model.AuditMergeReverted}
	if len(actions) != len(want) {
		t.Fatalf("merge audit = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
}

func TestMergeRefusesAncestryCycle(t *testing.T) {
	f := newFixture(t, false)
	f.person(t, personFixture{id: "father", name: "Arthur Vincent"})
	f.person(t, personFixture{id: "son", name: "Arthur Vincent", created: 1})
	f.parentEdge(t, "father", "son")

	c, err := f.resolver.Evaluate(f.ctx, "father", "son")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if c.Decision == model.DecisionMergeWithReview {
		t.Error("a parent and child must never be recommended for merge")
	}
	if _, err := f.resolver.Merge(f.ctx, "father", "son"); !errors.Is(err, ErrMergeCycle) {
		t.Errorf("Merge() error = %v, want ErrMergeCycle", err)
	}
	if id, _ := f.store.ResolveID(f.ctx, "son"); id != "son" {
		t.Error("refused merge left an alias behind")
	}
}
