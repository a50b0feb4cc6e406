package resolve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/privacy"
)

// Projection reports what Project changed on a person
type Projection struct {
	Person         *model.Person
	Changed        bool
	Privacy        privacy.Status
	PrivacyChanged bool
}

// Project writes the verified assertions of a person onto its record and
// re-runs the privacy classifier. Persons are only ever mutated here.
func (e *Engine) Project(ctx context.Context, personID string, classifier *privacy.Classifier) (*Projection, error) {
	p, err := e.store.GetPerson(ctx, personID)
	if err != nil {
		return nil, &model.StorageFailure{Op: "load person", Err: err}
	}
	assertions, err := e.store.ListAssertions(ctx, p.ID)
	if err != nil {
		return nil, &model.StorageFailure{Op: "list assertions", Err: err}
	}

	before := fingerprint(p)
	wasLiving := p.Living

	byField := make(map[model.Field]model.Assertion, len(assertions))
	var confSum float64
	var verified int
	for _, a := range assertions {
		byField[a.Field] = a
		if a.Status == model.StatusVerified {
			confSum += a.Confidence
			verified++
		}
	}

	if a, ok := verifiedValue(byField, model.FieldName); ok {
		p.AddName(model.NameBirth, a.Value)
	}
	if a, ok := verifiedValue(byField, model.FieldBirthDate); ok {
		e.projectDate(ctx, &p.Birth, a)
	} else if a, ok := verifiedValue(byField, model.FieldBirthYear); ok {
		e.projectDate(ctx, &p.Birth, a)
	} else if retracted(byField, model.FieldBirthDate, model.FieldBirthYear) {
		p.Birth = model.DateInterval{}
	}
	if a, ok := verifiedValue(byField, model.FieldDeathDate); ok {
		e.projectDate(ctx, &p.Death, a)
	} else if retracted(byField, model.FieldDeathDate) {
		p.Death = model.DateInterval{}
	}
	if a, ok := verifiedValue(byField, model.FieldBirthPlace); ok {
		p.BirthPlace = a.Value
	} else if retracted(byField, model.FieldBirthPlace) {
		p.BirthPlace = ""
	}
	if a, ok := verifiedValue(byField, model.FieldDeathPlace); ok {
		p.DeathPlace = a.Value
	} else if retracted(byField, model.FieldDeathPlace) {
		p.DeathPlace = ""
	}
	if a, ok := verifiedValue(byField, model.FieldIdentifier); ok {
		if p.Contact == nil {
			p.Contact = make(map[string]string)
		}
		p.Contact[contactKind(a.Value)] = a.Value
	}
	if verified > 0 {
		p.Confidence = confSum / float64(verified)
	}

	proj := &Projection{Person: p}
	if classifier != nil {
		proj.Privacy = classifier.Classify(p, assertions)
		p.Living = proj.Privacy.Living
		proj.PrivacyChanged = p.Living != wasLiving
	}

	if fingerprint(p) == before {
		return proj, nil
	}
	proj.Changed = true
	now := e.now()
	p.UpdatedAt = now
	if err := e.store.SavePerson(ctx, p); err != nil {
		return nil, &model.StorageFailure{Op: "save person", Err: err}
	}

	entries := []*model.AuditEntry{{
		EntityID: p.ID,
		Actor:    Actor,
		Action:   model.AuditPersonProjected,
		Before:   before,
		After:    fingerprint(p),
		At:       now,
	}}
	if proj.PrivacyChanged {
		entries = append(entries, &model.AuditEntry{
			EntityID:  p.ID,
			Actor:     "privacy-classifier",
			Action:    model.AuditPrivacyEvaluated,
			Before:    fmt.Sprintf("living=%v", wasLiving),
			After:     fmt.Sprintf("living=%v", p.Living),
			Rationale: fmt.Sprintf("%s: %s", proj.Privacy.Rule, proj.Privacy.Reason),
			At:        now,
		})
	}
	for _, entry := range entries {
		if err := e.store.AppendAudit(ctx, entry); err != nil {
			return nil, &model.StorageFailure{Op: "append audit", Err: err}
		}
	}
	return proj, nil
}

func verifiedValue(byField map[model.Field]model.Assertion, f model.Field) (model.Assertion, bool) {
	a, ok := byField[f]
	if !ok || a.Status != model.StatusVerified || a.Value == "" {
		return model.Assertion{}, false
	}
	return a, true
}

// retracted reports whether some field has an assertion and none is verified.
// A projected value without a verified assertion behind it is cleared.
func retracted(byField map[model.Field]model.Assertion, fields ...model.Field) bool {
	found := false
	for _, f := range fields {
		if _, ok := verifiedValue(byField, f); ok {
			return false
		}
		if _, ok := byField[f]; ok {
			found = true
		}
	}
	return found
}

// projectDate sets an interval from a verified date value. Confirmed is set
// only when a primary source supports the value; without it a full date is
// never treated as a point.
func (e *Engine) projectDate(ctx context.Context, dst *model.DateInterval, a model.Assertion) {
	iv, ok := model.ParseDate(a.Value)
	if !ok {
		return
	}
	iv.Confirmed = e.primarySupport(ctx, a)
	*dst = iv
}

func (e *Engine) primarySupport(ctx context.Context, a model.Assertion) bool {
	var support []string
	for _, c := range a.Candidates {
		if model.NormalizeValue(a.Field, c.Value) == model.NormalizeValue(a.Field, a.Value) {
			support = c.ClaimIDs
			break
		}
	}
	for _, id := range support {
		c, err := e.store.GetClaim(ctx, id)
		if err != nil {
			continue
		}
		src, err := e.store.GetSource(ctx, c.SourceID)
		if err != nil {
			continue
		}
		if src.Class.IsPrimary() {
			return true
		}
	}
	return false
}

// contactKind names the contact entry an identifier value is stored under
func contactKind(v string) string {
	if strings.Contains(v, "@") {
		return "email"
	}
	return "phone"
}

// fingerprint summarizes a person for change detection and the audit log.
// Contact values appear only as a digest.
func fingerprint(p *model.Person) string {
	return fmt.Sprintf("names=%v birth=%s/%v death=%s/%v bp=%q dp=%q living=%v conf=%.4f contact=%s",
		p.Names, p.Birth.String(), p.Birth.Confirmed, p.Death.String(), p.Death.Confirmed,
		p.BirthPlace, p.DeathPlace, p.Living, p.Confidence, contactDigest(p.Contact))
}

func contactDigest(contact map[string]string) string {
	if len(contact) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(contact))
	for k := range contact {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k + "\x00" + contact[k] + "\x00"))
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
