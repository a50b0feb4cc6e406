package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/store"
)

// maxWriteAttempts bounds reload-and-retry on assertion version conflicts
const maxWriteAttempts = 3

// Actor is recorded on audit entries written by the engine
const Actor = "conflict-engine"

// Outcome describes what a resolution did to an assertion
type Outcome struct {
	Assertion  *model.Assertion
	Previous   *model.Assertion // nil for a new assertion
	Changed    bool

	// Overturned reports that the latest revision replaced a Verified value
	// by a different one. Without Changed the revision is an earlier write
	// and Previous is rebuilt from its History.
	Overturned bool
}

// Conflicting reports whether the resolved assertion is in conflict
func (o *Outcome) Conflicting() bool {
	return o.Assertion != nil && o.Assertion.Status == model.StatusConflicting
}

// Engine is the only writer of assertions
type Engine struct {
	store  store.Store
	cfg    model.ResolutionConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a conflict resolution engine over st
func NewEngine(st store.Store, cfg model.ResolutionConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "resolve"),
		now:    time.Now,
	}
}

// SetClock overrides the time source
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Claims gathers the claims about an entity and every id merged into it
func (e *Engine) Claims(ctx context.Context, entityID string, field model.Field) (string, []model.EvidenceClaim, error) {
	canonical, err := e.store.ResolveID(ctx, entityID)
	if err != nil {
		return "", nil, &model.StorageFailure{Op: "resolve id", Err: err}
	}
	aliases, err := e.store.Aliases(ctx, canonical)
	if err != nil {
		return "", nil, &model.StorageFailure{Op: "list aliases", Err: err}
	}

	var all []model.EvidenceClaim
	for _, id := range append([]string{canonical}, aliases...) {
		claims, err := e.store.ClaimsFor(ctx, id, field)
		if err != nil {
			return "", nil, &model.StorageFailure{Op: "list claims", Err: err}
		}
		all = append(all, claims...)
	}
	return canonical, all, nil
}

// Resolve recomputes the assertion for (entityID, field) from every retained
// claim and writes it with a version check. A concurrent writer causes a
// reload and retry; after maxWriteAttempts the write fails as a StorageFailure.
func (e *Engine) Resolve(ctx context.Context, entityID string, field model.Field) (*Outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		out, err := e.resolveOnce(ctx, entityID, field)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		e.logger.Warn("assertion version conflict, retrying", "entity", entityID, "field", field, "attempt", attempt)
	}
	return nil, &model.StorageFailure{Op: fmt.Sprintf("write assertion %s/%s", entityID, field), Err: lastErr}
}

func (e *Engine) resolveOnce(ctx context.Context, entityID string, field model.Field) (*Outcome, error) {
	canonical, claims, err := e.Claims(ctx, entityID, field)
	if err != nil {
		return nil, err
	}

	prev, err := e.store.GetAssertion(ctx, canonical, field)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, &model.StorageFailure{Op: "load assertion", Err: err}
	}
	if errors.Is(err, store.ErrNotFound) {
		prev = nil
	}
	if len(claims) == 0 && prev == nil {
		return &Outcome{}, nil
	}

	var d Decision
	if len(claims) == 0 {
		// every supporting claim left with an unmerged alias
		d = Decision{Status: model.StatusUnverified, Rationale: "no claims remain for this entity"}
	} else {
		d = Combine(field, claims, prev, e.cfg)
	}
	if prev != nil && sameDecision(prev, d) {
		out := &Outcome{Assertion: prev, Previous: prev}
		if rev, ok := lastOverturn(prev); ok {
			out.Overturned = true
			out.Previous = &model.Assertion{
				EntityID:   prev.EntityID,
				Field:      prev.Field,
				Value:      rev.Value,
				Confidence: rev.Confidence,
				Method:     rev.Method,
				Status:     rev.Status,
				Version:    rev.Version,
				ClaimIDs:   prev.ClaimIDs,
				UpdatedAt:  rev.At,
			}
		}
		return out, nil
	}

	now := e.now()
	next := &model.Assertion{
		EntityID:   canonical,
		Field:      field,
		Value:      d.Value,
		Confidence: d.Confidence,
		Method:     d.Method,
		Status:     d.Status,
		Version:    1,
		ClaimIDs:   d.ClaimIDs,
		Candidates: d.Candidates,
		UpdatedAt:  now,
	}
	expected := 0
	if prev != nil {
		expected = prev.Version
		next.Version = prev.Version + 1
		next.History = append(append([]model.AssertionRevision(nil), prev.History...), model.AssertionRevision{
			Version:    prev.Version,
			Value:      prev.Value,
			Confidence: prev.Confidence,
			Status:     prev.Status,
			Method:     prev.Method,
			At:         prev.UpdatedAt,
		})
	}
	if len(next.History) > 0 {
		next.History[len(next.History)-1].Rationale = "superseded: " + d.Rationale
	}

	if err := e.store.PutAssertion(ctx, next, expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		return nil, &model.StorageFailure{Op: "put assertion", Err: err}
	}

	rationale := d.Rationale
	if field.IsContact() {
		rationale = fmt.Sprintf("%s by %s", d.Status, d.Method)
	}
	entry := &model.AuditEntry{
		Key:       fmt.Sprintf("assertion:%s:%s:v%d", canonical, field, next.Version),
		EntityID:  canonical,
		Actor:     Actor,
		Action:    model.AuditAssertionResolved,
		Before:    describe(prev),
		After:     describe(next),
		Rationale: rationale,
		At:        now,
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		return nil, &model.StorageFailure{Op: "append audit", Err: err}
	}

	out := &Outcome{Assertion: next, Previous: prev, Changed: true}
	if prev != nil && prev.Status == model.StatusVerified && next.Value != "" &&
		model.NormalizeValue(field, next.Value) != model.NormalizeValue(field, prev.Value) {
		out.Overturned = true
	}

	e.logger.Debug("assertion resolved",
		"entity", canonical, "field", field, "value", model.LoggedValue(field, next.Value),
		"status", next.Status, "confidence", next.Confidence, "version", next.Version)
	return out, nil
}

// ResolveEntity re-resolves every field that has claims for the entity and
// its aliases or an existing assertion, in field order
func (e *Engine) ResolveEntity(ctx context.Context, entityID string) ([]*Outcome, error) {
	canonical, claims, err := e.Claims(ctx, entityID, "")
	if err != nil {
		return nil, err
	}
	existing, err := e.store.ListAssertions(ctx, canonical)
	if err != nil {
		return nil, &model.StorageFailure{Op: "list assertions", Err: err}
	}
	seen := make(map[model.Field]bool)
	var fields []model.Field
	for _, c := range claims {
		if !seen[c.Field] {
			seen[c.Field] = true
			fields = append(fields, c.Field)
		}
	}
	for _, a := range existing {
		if !seen[a.Field] {
			seen[a.Field] = true
			fields = append(fields, a.Field)
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })

	var outs []*Outcome
	for _, f := range fields {
		out, err := e.Resolve(ctx, entityID, f)
		if err != nil {
			return outs, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// lastOverturn returns the revision a replaced when that revision held a
// different Verified value
func lastOverturn(a *model.Assertion) (model.AssertionRevision, bool) {
	if len(a.History) == 0 || a.Value == "" {
		return model.AssertionRevision{}, false
	}
	rev := a.History[len(a.History)-1]
	if rev.Status != model.StatusVerified || rev.Value == "" ||
		model.NormalizeValue(a.Field, rev.Value) == model.NormalizeValue(a.Field, a.Value) {
		return model.AssertionRevision{}, false
	}
	return rev, true
}

func sameDecision(a *model.Assertion, d Decision) bool {
	if a.Value != d.Value || a.Status != d.Status || a.Method != d.Method || a.Confidence != d.Confidence {
		return false
	}
	if len(a.ClaimIDs) != len(d.ClaimIDs) {
		return false
	}
	for i := range a.ClaimIDs {
		if a.ClaimIDs[i] != d.ClaimIDs[i] {
			return false
		}
	}
	return true
}

func describe(a *model.Assertion) string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("%q %s %.3f v%d", model.LoggedValue(a.Field, a.Value), a.Status, a.Confidence, a.Version)
}
