package privacy

import (
	"strings"

	"github.com/ppiankov/lineage/internal/model"
)

const redacted = "[redacted]"

// Redact returns the exportable form of a living person: birth generalized
// to its decade and contact fields removed. Names are preserved for tree
// construction. Non-living persons are returned unchanged.
func Redact(p model.Person) model.Person {
	if !p.Living {
		return p
	}
	p.Names = append([]model.NameVariant(nil), p.Names...)
	p.Birth = p.Birth.Decade()
	p.Contact = nil
	return p
}

// RedactAssertion generalizes birth values and drops identifier values of a
// living person's assertion
func RedactAssertion(a model.Assertion) model.Assertion {
	switch {
	case a.Field == model.FieldBirthDate || a.Field == model.FieldBirthYear:
		a.Value = decadeOf(a.Value)
		cands := make([]model.Candidate, len(a.Candidates))
		for i, c := range a.Candidates {
			c.Value = decadeOf(c.Value)
			cands[i] = c
		}
		a.Candidates = cands
		hist := make([]model.AssertionRevision, len(a.History))
		for i, h := range a.History {
			h.Value = decadeOf(h.Value)
			hist[i] = h
		}
		a.History = hist
	case a.Field == model.FieldIdentifier:
		a.Value = redacted
		a.Candidates = nil
		a.History = nil
	}
	return a
}

// RedactClaim returns the exportable form of a living person's claim and
// false when the claim must not be exported at all
func RedactClaim(c model.EvidenceClaim) (model.EvidenceClaim, bool) {
	switch c.Field {
	case model.FieldIdentifier:
		return c, false
	case model.FieldBirthDate, model.FieldBirthYear:
		c.Value = decadeOf(c.Value)
		c.CitationSnippet = redacted
	}
	return c, true
}

// sensitiveKeys mark audit entries whose values describe a birth date or
// a modern identifier
var sensitiveKeys = []string{
	":" + string(model.FieldBirthDate) + ":",
	":" + string(model.FieldBirthYear) + ":",
	":" + string(model.FieldIdentifier) + ":",
}

// RedactAudit blanks the values a living person's audit entry may carry:
// projections always, resolutions and rejections of sensitive fields
func RedactAudit(e model.AuditEntry) model.AuditEntry {
	sensitive := e.Action == model.AuditPersonProjected
	for _, k := range sensitiveKeys {
		if strings.Contains(e.Key, k) {
			sensitive = true
		}
	}
	if !sensitive {
		return e
	}
	if e.Before != "" {
		e.Before = redacted
	}
	if e.After != "" {
		e.After = redacted
	}
	if e.Action != model.AuditPersonProjected {
		e.Rationale = redacted
	}
	return e
}

func decadeOf(value string) string {
	if value == "" {
		return ""
	}
	iv, ok := model.ParseDate(value)
	if !ok {
		return redacted
	}
	return iv.Decade().String()
}
