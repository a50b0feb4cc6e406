package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Field names a genealogical attribute of a person
type Field string

const (
	FieldName       Field = "name"
	FieldBirthDate  Field = "birth_date"
	FieldBirthYear  Field = "birth_year"
	FieldBirthPlace Field = "birth_place"
	FieldDeathDate  Field = "death_date"
	FieldDeathPlace Field = "death_place"
	FieldFather     Field = "father"
	FieldMother     Field = "mother"
	FieldSpouse     Field = "spouse"
	FieldLiving     Field = "living"            // Explicit "living" flag stated by a source
	FieldIdentifier Field = "modern_identifier" // Email, phone or similar present in source
)

// IsDate reports whether values of the field are dates
func (f Field) IsDate() bool {
	return f == FieldBirthDate || f == FieldBirthYear || f == FieldDeathDate
}

// IsRelationship reports whether the field names another person
func (f Field) IsRelationship() bool {
	return f == FieldFather || f == FieldMother || f == FieldSpouse
}

// IsPlace reports whether the field is a place
func (f Field) IsPlace() bool {
	return f == FieldBirthPlace || f == FieldDeathPlace
}

// IsContact reports whether values of the field identify how to reach a
// person. Such values are sealed at rest and withheld from audit and logs.
func (f Field) IsContact() bool {
	return f == FieldIdentifier
}

// Withheld stands in for contact values in audit entries and log lines
const Withheld = "[withheld]"

// LoggedValue returns v, or Withheld when values of f are contact details
func LoggedValue(f Field, v string) string {
	if f.IsContact() && v != "" {
		return Withheld
	}
	return v
}

// KnownField reports whether f is a field this engine understands
func KnownField(f Field) bool {
	switch f {
	case FieldName, FieldBirthDate, FieldBirthYear, FieldBirthPlace, FieldDeathDate,
		FieldDeathPlace, FieldFather, FieldMother, FieldSpouse, FieldLiving, FieldIdentifier:
		return true
	}
	return false
}

// EvidenceClaim is one atomic, citation-backed field statement from a
// single source. Claims are created only after passing the firewall and are
// never modified or deleted.
type EvidenceClaim struct {
	ID                   string    `json:"id"`
	SubjectID            string    `json:"subject_id"`
	Field                Field     `json:"field"`
	Value                string    `json:"value"`
	SourceID             string    `json:"source_id"`
	SourceURL            string    `json:"source_url"`
	CitationSnippet      string    `json:"citation_snippet"`
	ExtractionConfidence float64   `json:"extraction_confidence"`
	PriorWeight          float64   `json:"prior_weight"`
	IsFact               bool      `json:"is_fact"`
	ExtractedAt          time.Time `json:"extracted_at"`
}

// EffectiveWeight is the probability that the claim is correct: the
// extraction confidence times the source prior
func (c EvidenceClaim) EffectiveWeight() float64 {
	return c.PriorWeight * c.ExtractionConfidence
}

// ClaimID derives a deterministic claim id so a replayed extraction of the
// same source never produces a second copy of a claim
func ClaimID(sourceID, subjectID string, field Field, value, snippet string) string {
	h := sha256.New()
	for _, part := range []string{sourceID, subjectID, string(field), NormalizeValue(field, value), NormalizeText(snippet)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "clm_" + hex.EncodeToString(h.Sum(nil))[:32]
}
