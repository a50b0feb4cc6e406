package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ppiankov/lineage/internal/firewall"
	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/store"
)

// relativeNamespace derives stable ids for relatives named by a claim
var relativeNamespace = uuid.MustParse("5f1d3a0e-8a52-4c4e-9d0b-6b1f0c3e7a21")

// extract runs every fetched document through the verifier and the
// firewall and stores the accepted fields as claims
func (s *Session) extract(ctx context.Context) (State, error) {
	w := s.cp.Work
	subjectID := s.current.Meta().SubjectID
	subject, err := s.o.store.GetPerson(ctx, subjectID)
	if err != nil {
		return "", &model.StorageFailure{Op: "load person", Err: err}
	}

	for _, d := range w.Documents {
		rec, err := s.o.store.GetSource(ctx, d.SourceID)
		if err != nil {
			return "", &model.StorageFailure{Op: "load source", Err: err}
		}
		in := model.VerificationInput{
			URL:         d.URL,
			RawText:     d.Text,
			SubjectName: subject.PrimaryName(),
			Citations:   d.Citations,
		}
		var proposed []model.Hypothesis
		in.ExtractedFields, proposed = s.o.proposer.Extract(in)

		callCtx, cancel := s.callContext(ctx)
		out, err := s.o.verifier.Verify(callCtx, in)
		cancel()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if classify(err) == failTransient {
				w.Retry = err.Error()
			}
			s.logger.Warn("verification failed", "url", d.URL, "verifier", s.o.verifier.Name(), "error", err)
			continue
		}

		out.Hypotheses = mergeHypotheses(out.Hypotheses, proposed)
		res := s.o.firewall.Check(in, out)
		for _, rej := range res.Rejected {
			if err := s.auditRejection(ctx, subject.ID, rec, rej); err != nil {
				return "", err
			}
		}
		for _, f := range res.Accepted {
			if err := s.storeClaim(ctx, subject.ID, rec, f); err != nil {
				return "", err
			}
		}
		w.Hypotheses = append(w.Hypotheses, res.Hypotheses...)
		s.logger.Info("document processed", "url", d.URL, "accepted", len(res.Accepted),
			"rejected", len(res.Rejected), "hypotheses", len(res.Hypotheses))
	}
	if err := s.recordVersions(ctx); err != nil {
		return "", err
	}
	return StateConflictCheck, nil
}

// mergeHypotheses appends the proposed hypotheses the verifier did not
// return itself; both still pass the firewall
func mergeHypotheses(returned, proposed []model.Hypothesis) []model.Hypothesis {
	seen := make(map[string]bool, len(returned))
	for _, h := range returned {
		seen[model.NormalizeText(h.Statement)] = true
	}
	for _, h := range proposed {
		k := model.NormalizeText(h.Statement)
		if seen[k] {
			continue
		}
		seen[k] = true
		returned = append(returned, h)
	}
	return returned
}

func (s *Session) auditRejection(ctx context.Context, subjectID string, rec *model.SourceRecord, rej firewall.Rejection) error {
	sum := sha256.Sum256([]byte(rej.Kind + "\x00" + rej.Value + "\x00" + rej.Snippet))
	rationale := fmt.Sprintf("%s from %s", rej.Err().Error(), rec.URL)
	if rej.Field.IsContact() {
		rationale = fmt.Sprintf("%s rejected from %s", rej.Field, rec.URL)
	}
	return s.audit(ctx, &model.AuditEntry{
		Key:       fmt.Sprintf("rejected:%s:%s:%s", rec.ID, rej.Field, hex.EncodeToString(sum[:8])),
		EntityID:  subjectID,
		Action:    model.AuditClaimRejected,
		After:     fmt.Sprintf("%s=%s", rej.Field, model.LoggedValue(rej.Field, rej.Value)),
		Rationale: rationale,
	})
}

// storeClaim saves an accepted field as a claim about subjectID. A claim
// naming a relative also creates the relative and the kinship edge.
func (s *Session) storeClaim(ctx context.Context, subjectID string, rec *model.SourceRecord, f model.ExtractedField) error {
	c := &model.EvidenceClaim{
		ID:                   model.ClaimID(rec.ID, subjectID, f.Field, f.Value, f.CitationSnippet),
		SubjectID:            subjectID,
		Field:                f.Field,
		Value:                f.Value,
		SourceID:             rec.ID,
		SourceURL:            rec.URL,
		CitationSnippet:      f.CitationSnippet,
		ExtractionConfidence: f.Confidence,
		PriorWeight:          rec.PriorWeight,
		IsFact:               true,
		ExtractedAt:          s.o.now(),
	}
	if err := s.saveClaim(ctx, c); err != nil {
		return err
	}
	s.cp.Work.touch(subjectID)
	if f.Field.IsRelationship() {
		return s.linkRelative(ctx, c)
	}
	return nil
}

// saveClaim stores c unless a claim with its id exists
func (s *Session) saveClaim(ctx context.Context, c *model.EvidenceClaim) error {
	if _, err := s.o.store.GetClaim(ctx, c.ID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return &model.StorageFailure{Op: "load claim", Err: err}
	}
	if err := s.o.store.SaveClaim(ctx, c); err != nil {
		return &model.StorageFailure{Op: "save claim", Err: err}
	}
	s.cp.Work.NewClaims++
	rationale := fmt.Sprintf("%q at %s", c.CitationSnippet, c.SourceURL)
	if c.Field.IsContact() {
		rationale = "cited at " + c.SourceURL
	}
	return s.audit(ctx, &model.AuditEntry{
		Key:       fmt.Sprintf("claim:%s:%s", c.Field, c.ID),
		EntityID:  c.SubjectID,
		Action:    model.AuditClaimStored,
		After:     fmt.Sprintf("%s=%s", c.Field, model.LoggedValue(c.Field, c.Value)),
		Rationale: rationale,
	})
}

// linkRelative creates the person named by a relationship claim, a name
// claim for them from the same citation and the edge between the two.
// A parent edge that would make a person their own ancestor is refused.
func (s *Session) linkRelative(ctx context.Context, c *model.EvidenceClaim) error {
	relID := uuid.NewSHA1(relativeNamespace, []byte(c.SubjectID+"\x00"+string(c.Field)+"\x00"+model.NormalizeText(c.Value))).String()
	now := s.o.now()
	if _, err := s.o.store.GetPersonRecord(ctx, relID); errors.Is(err, store.ErrNotFound) {
		p := &model.Person{ID: relID, CreatedAt: now, UpdatedAt: now}
		p.AddName(model.NameBirth, c.Value)
		p.Living = s.o.living(p, nil)
		if err := s.o.store.SavePerson(ctx, p); err != nil {
			return &model.StorageFailure{Op: "save person", Err: err}
		}
		if err := s.audit(ctx, &model.AuditEntry{
			Key:       "person:" + relID + ":created",
			EntityID:  relID,
			Action:    model.AuditPersonCreated,
			After:     c.Value,
			Rationale: fmt.Sprintf("%s of %s per claim %s", c.Field, c.SubjectID, c.ID),
		}); err != nil {
			return err
		}
	} else if err != nil {
		return &model.StorageFailure{Op: "load person", Err: err}
	}

	name := &model.EvidenceClaim{
		ID:                   model.ClaimID(c.SourceID, relID, model.FieldName, c.Value, c.CitationSnippet),
		SubjectID:            relID,
		Field:                model.FieldName,
		Value:                c.Value,
		SourceID:             c.SourceID,
		SourceURL:            c.SourceURL,
		CitationSnippet:      c.CitationSnippet,
		ExtractionConfidence: c.ExtractionConfidence,
		PriorWeight:          c.PriorWeight,
		IsFact:               true,
		ExtractedAt:          c.ExtractedAt,
	}
	if err := s.saveClaim(ctx, name); err != nil {
		return err
	}
	s.cp.Work.touch(relID)

	rel := &model.Relationship{ClaimID: c.ID, CreatedAt: now, Role: string(c.Field)}
	switch c.Field {
	case model.FieldFather, model.FieldMother:
		rel.From, rel.To, rel.Kind = relID, c.SubjectID, model.RelationParent
		g, err := s.o.resolver.Graph(ctx)
		if err != nil {
			return err
		}
		parent, err := s.o.store.ResolveID(ctx, relID)
		if err != nil {
			return &model.StorageFailure{Op: "resolve id", Err: err}
		}
		child, err := s.o.store.ResolveID(ctx, c.SubjectID)
		if err != nil {
			return &model.StorageFailure{Op: "resolve id", Err: err}
		}
		if g.ParentEdgeWouldCycle(parent, child) {
			s.logger.Warn("parent edge refused", "parent", parent, "child", child, "claim", c.ID)
			return s.audit(ctx, &model.AuditEntry{
				Key:       "cycle:" + c.ID,
				EntityID:  c.SubjectID,
				Action:    model.AuditClaimRejected,
				After:     fmt.Sprintf("%s=%s", c.Field, c.Value),
				Rationale: "parent edge would create an ancestry cycle",
			})
		}
	case model.FieldSpouse:
		rel.From, rel.To, rel.Kind = c.SubjectID, relID, model.RelationSpouse
	default:
		return nil
	}
	rel.ID = relationshipID(rel.From, rel.To, rel.Kind)
	if err := s.o.store.SaveRelationship(ctx, rel); err != nil {
		return &model.StorageFailure{Op: "save relationship", Err: err}
	}
	s.cp.Work.Relatives = append(s.cp.Work.Relatives, relative{
		PersonID: relID,
		Name:     c.Value,
		Field:    c.Field,
		SourceID: c.SourceID,
	})
	return nil
}

func relationshipID(from, to string, kind model.RelationKind) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{from, to, string(kind)}, "\x00")))
	return "rel_" + hex.EncodeToString(sum[:])[:32]
}
