package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/privacy"
	"github.com/ppiankov/lineage/internal/resolve"
	"github.com/ppiankov/lineage/internal/store"
)

// Actor is recorded on audit entries written by the resolver
const Actor = "entity-resolver"

var (
	// ErrSamePerson is returned when both ids already resolve to one person
	ErrSamePerson = errors.New("ids resolve to the same person")

	// ErrMergeCycle is returned when a merge would create an ancestry cycle
	ErrMergeCycle = errors.New("merge would create an ancestry cycle")

	// ErrNotExecuted is returned when unmerging a cluster that is not executed
	ErrNotExecuted = errors.New("merge cluster is not executed")
)

var clusterNamespace = uuid.MustParse("6f1c9a52-3d0e-4b8e-9a57-2f4c1d7e8b10")

// Resolver scores person pairs and executes reversible merges
type Resolver struct {
	store      store.Store
	engine     *resolve.Engine
	classifier *privacy.Classifier
	cfg        model.EntityConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewResolver creates an entity resolver. After a merge or unmerge the
// affected persons are re-resolved through engine and re-projected with
// classifier; classifier may be nil.
func NewResolver(st store.Store, engine *resolve.Engine, classifier *privacy.Classifier, cfg model.EntityConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:      st,
		engine:     engine,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger.With("component", "entity"),
		now:        time.Now,
	}
}

// SetClock overrides the time source
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// ClusterID is the deterministic id of the cluster over a pair of persons
func ClusterID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "merge-" + uuid.NewSHA1(clusterNamespace, []byte(a+"|"+b)).String()
}

func (r *Resolver) resolver(ctx context.Context) func(string) string {
	return func(id string) string {
		c, err := r.store.ResolveID(ctx, id)
		if err != nil {
			return id
		}
		return c
	}
}

// Graph loads the kinship graph with every id canonicalized
func (r *Resolver) Graph(ctx context.Context) (*Graph, error) {
	rels, err := r.store.Relationships(ctx, "")
	if err != nil {
		return nil, &model.StorageFailure{Op: "list relationships", Err: err}
	}
	return NewGraph(rels, r.resolver(ctx)), nil
}

func (r *Resolver) profile(ctx context.Context, id string, g *Graph) (*profile, error) {
	p, err := r.store.GetPerson(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load person %s: %w", id, err)
	}
	assertions, err := r.store.ListAssertions(ctx, p.ID)
	if err != nil {
		return nil, &model.StorageFailure{Op: "list assertions", Err: err}
	}
	byField := make(map[model.Field]model.Assertion, len(assertions))
	for _, a := range assertions {
		byField[a.Field] = a
	}
	return &profile{id: p.ID, person: p, assertions: byField, parents: g.Parents(p.ID)}, nil
}

// Evaluate scores whether a and b are the same person. The returned cluster
// is not stored.
func (r *Resolver) Evaluate(ctx context.Context, a, b string) (*model.MergeCluster, error) {
	g, err := r.Graph(ctx)
	if err != nil {
		return nil, err
	}
	return r.evaluate(ctx, a, b, g)
}

func (r *Resolver) evaluate(ctx context.Context, a, b string, g *Graph) (*model.MergeCluster, error) {
	pa, err := r.profile(ctx, a, g)
	if err != nil {
		return nil, err
	}
	pb, err := r.profile(ctx, b, g)
	if err != nil {
		return nil, err
	}
	if pa.id == pb.id {
		return nil, fmt.Errorf("%s and %s: %w", a, b, ErrSamePerson)
	}

	name := nameScore(pa, pb)
	date, dateKnown := dateScore(pa, pb)
	place, placeKnown := placeScore(pa, pb)
	kin, kinKnown := kinshipScore(pa, pb)
	sim := WeightName*name + WeightDate*date + WeightPlace*place + WeightKinship*kin
	sim = math.Round(sim*10000) / 10000

	hard := contradictions(pa, pb, g)
	decision := model.DecisionSeparate
	switch {
	case sim >= r.cfg.MergeThreshold && len(hard) == 0:
		decision = model.DecisionMergeWithReview
	case sim >= r.cfg.ReviewThreshold:
		decision = model.DecisionReview
	}

	canonical, other := pa, pb
	if pb.person.CreatedAt.Before(pa.person.CreatedAt) ||
		(pb.person.CreatedAt.Equal(pa.person.CreatedAt) && pb.id < pa.id) {
		canonical, other = pb, pa
	}
	members := []string{pa.id, pb.id}
	sort.Strings(members)

	why := append([]string(nil), hard...)
	if name < 0.85 {
		why = append(why, fmt.Sprintf("name similarity only %.2f", name))
	}
	if !dateKnown {
		why = append(why, "no dates to compare")
	} else if date < 0.5 {
		why = append(why, fmt.Sprintf("dates diverge (score %.2f)", date))
	}
	if !placeKnown {
		why = append(why, "no places to compare")
	} else if place < 0.5 {
		why = append(why, fmt.Sprintf("places differ (score %.2f)", place))
	}
	if !kinKnown {
		why = append(why, "no parents to compare")
	} else if kin < 0.5 {
		why = append(why, fmt.Sprintf("parents differ (score %.2f)", kin))
	}
	if len(why) == 0 {
		why = append(why, "no shared primary record proves identity; a reviewer must confirm")
	}

	now := r.now()
	return &model.MergeCluster{
		ID:          ClusterID(pa.id, pb.id),
		CanonicalID: canonical.id,
		MemberIDs:   members,
		Similarity:  sim,
		Features: map[string]float64{
			"name":    name,
			"date":    date,
			"place":   place,
			"kinship": kin,
		},
		Decision: decision,
		Rationale: fmt.Sprintf("name=%.2f date=%.2f place=%.2f kinship=%.2f similarity=%.2f; keep %s, alias %s",
			name, date, place, kin, sim, canonical.id, other.id),
		WhyNotMerge: why,
		Reversible:  true,
		Status:      model.MergeProposed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Candidates evaluates personID against every other active person and
// records a proposal for each pair that is not clearly separate. Pairs that
// already have a cluster keep it. With AutoMerge, merge_with_review
// proposals are executed.
func (r *Resolver) Candidates(ctx context.Context, personID string) ([]*model.MergeCluster, error) {
	g, err := r.Graph(ctx)
	if err != nil {
		return nil, err
	}
	canonical, err := r.store.ResolveID(ctx, personID)
	if err != nil {
		return nil, &model.StorageFailure{Op: "resolve id", Err: err}
	}
	persons, err := r.store.ListPersons(ctx)
	if err != nil {
		return nil, &model.StorageFailure{Op: "list persons", Err: err}
	}

	var out []*model.MergeCluster
	for _, p := range persons {
		if p.ID == canonical || p.Archived {
			continue
		}
		if id, err := r.store.ResolveID(ctx, p.ID); err != nil || id != p.ID {
			continue
		}

		existing, err := r.store.GetMerge(ctx, ClusterID(canonical, p.ID))
		if err == nil {
			if existing.Status == model.MergeProposed {
				out = append(out, existing)
			}
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return out, &model.StorageFailure{Op: "load merge", Err: err}
		}

		c, err := r.evaluate(ctx, canonical, p.ID, g)
		if err != nil {
			return out, err
		}
		if c.Decision == model.DecisionSeparate {
			continue
		}
		if err := r.propose(ctx, c); err != nil {
			return out, err
		}
		if r.cfg.AutoMerge && c.Decision == model.DecisionMergeWithReview {
			executed, err := r.Execute(ctx, c.ID)
			if err != nil {
				return out, err
			}
			c = executed
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Resolver) propose(ctx context.Context, c *model.MergeCluster) error {
	if err := r.store.SaveMerge(ctx, c); err != nil {
		return &model.StorageFailure{Op: "save merge", Err: err}
	}
	entry := &model.AuditEntry{
		Key:       "merge:" + c.ID + ":proposed",
		EntityID:  c.CanonicalID,
		Actor:     Actor,
		Action:    model.AuditMergeProposed,
		After:     fmt.Sprintf("%s %v %.2f", c.Decision, c.MemberIDs, c.Similarity),
		Rationale: c.Rationale,
		At:        c.CreatedAt,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return &model.StorageFailure{Op: "append audit", Err: err}
	}
	r.logger.Info("merge proposed", "cluster", c.ID, "decision", c.Decision, "similarity", c.Similarity)
	return nil
}

// Merge evaluates a and b, records the cluster and executes it regardless of
// the recommendation. Ancestry cycles are still refused.
func (r *Resolver) Merge(ctx context.Context, a, b string) (*model.MergeCluster, error) {
	c, err := r.Evaluate(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if existing, err := r.store.GetMerge(ctx, c.ID); err == nil {
		existing.Similarity, existing.Features = c.Similarity, c.Features
		existing.Decision, existing.WhyNotMerge, existing.Rationale = c.Decision, c.WhyNotMerge, c.Rationale
		if err := r.store.SaveMerge(ctx, existing); err != nil {
			return nil, &model.StorageFailure{Op: "save merge", Err: err}
		}
	} else if err := r.propose(ctx, c); err != nil {
		return nil, err
	}
	return r.Execute(ctx, c.ID)
}

// Execute aliases every member of a stored cluster to its canonical id.
// Member records are left untouched so the merge can be reverted.
func (r *Resolver) Execute(ctx context.Context, clusterID string) (*model.MergeCluster, error) {
	c, err := r.store.GetMerge(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("load merge %s: %w", clusterID, err)
	}
	if c.Status == model.MergeExecuted {
		return c, nil
	}

	g, err := r.Graph(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range c.MemberIDs {
		if m != c.CanonicalID && g.MergeWouldCycle(m, c.CanonicalID) {
			return nil, fmt.Errorf("%s into %s: %w", m, c.CanonicalID, ErrMergeCycle)
		}
	}

	for _, m := range c.MemberIDs {
		if m == c.CanonicalID {
			continue
		}
		if err := r.store.SetAlias(ctx, m, c.CanonicalID); err != nil {
			return nil, &model.StorageFailure{Op: "set alias", Err: err}
		}
	}
	c.Status = model.MergeExecuted
	c.UpdatedAt = r.now()
	if err := r.store.SaveMerge(ctx, c); err != nil {
		return nil, &model.StorageFailure{Op: "save merge", Err: err}
	}
	entry := &model.AuditEntry{
		EntityID:  c.CanonicalID,
		Actor:     Actor,
		Action:    model.AuditMergeExecuted,
		Before:    fmt.Sprintf("%v", c.MemberIDs),
		After:     c.CanonicalID,
		Rationale: c.Rationale,
		At:        c.UpdatedAt,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return nil, &model.StorageFailure{Op: "append audit", Err: err}
	}
	r.logger.Info("merge executed", "cluster", c.ID, "canonical", c.CanonicalID)

	if err := r.refresh(ctx, c.CanonicalID); err != nil {
		return c, err
	}
	return c, nil
}

// Unmerge reverts an executed cluster: aliases are removed and every member
// is re-resolved from its own claims
func (r *Resolver) Unmerge(ctx context.Context, clusterID string) (*model.MergeCluster, error) {
	c, err := r.store.GetMerge(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("load merge %s: %w", clusterID, err)
	}
	if c.Status != model.MergeExecuted {
		return nil, fmt.Errorf("unmerge %s (%s): %w", clusterID, c.Status, ErrNotExecuted)
	}
	for _, m := range c.MemberIDs {
		if m == c.CanonicalID {
			continue
		}
		if err := r.store.RemoveAlias(ctx, m); err != nil {
			return nil, &model.StorageFailure{Op: "remove alias", Err: err}
		}
	}
	c.Status = model.MergeReverted
	c.UpdatedAt = r.now()
	if err := r.store.SaveMerge(ctx, c); err != nil {
		return nil, &model.StorageFailure{Op: "save merge", Err: err}
	}
	entry := &model.AuditEntry{
		EntityID: c.CanonicalID,
		Actor:    Actor,
		Action:   model.AuditMergeReverted,
		Before:   c.CanonicalID,
		After:    fmt.Sprintf("%v", c.MemberIDs),
		At:       c.UpdatedAt,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return nil, &model.StorageFailure{Op: "append audit", Err: err}
	}
	r.logger.Info("merge reverted", "cluster", c.ID)

	for _, m := range c.MemberIDs {
		if err := r.refresh(ctx, m); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (r *Resolver) refresh(ctx context.Context, personID string) error {
	if r.engine == nil {
		return nil
	}
	if _, err := r.engine.ResolveEntity(ctx, personID); err != nil {
		return err
	}
	if _, err := r.engine.Project(ctx, personID, r.classifier); err != nil {
		return err
	}
	return nil
}
