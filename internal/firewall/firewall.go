// Package firewall validates verification output against the source text
// before any of it is trusted. Every failed check is itemized; failing
// fields are returned in a rejected bucket, never dropped and never passed.
package firewall

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/lineage/internal/model"
)

// Check names
const (
	CheckMissingCitation     = "missing_citation"
	CheckSnippetNotVerbatim  = "snippet_not_verbatim"
	CheckValueNotInSource    = "value_not_in_source"
	CheckHypothesisNotFlag   = "hypothesis_not_flagged"
	CheckFactFlagMismatch    = "fact_flag_mismatch"
	CheckConfidenceRange     = "confidence_out_of_range"
	CheckUnknownURL          = "unknown_url"
	CheckRelationshipNoProof = "relationship_without_evidence"
	CheckFlaggedByVerifier   = "flagged_by_verifier"
	CheckUnknownField        = "unknown_field"
)

// kinshipCues are words that tie a named relative to the subject
var kinshipCues = map[string]bool{
	"son": true, "daughter": true, "child": true, "children": true,
	"father": true, "mother": true, "parent": true, "parents": true,
	"married": true, "wife": true, "husband": true, "spouse": true,
	"widow": true, "widower": true, "wed": true, "nee": true,
}

// Rejection is one field or hypothesis that failed the firewall
type Rejection struct {
	Kind       string            `json:"kind"` // field, hypothesis
	Field      model.Field       `json:"field"`
	Value      string            `json:"value"`
	Snippet    string            `json:"citation_snippet"`
	Violations []model.Violation `json:"violations"`
}

// Err converts the rejection to the typed error reported in the audit log
func (r Rejection) Err() *model.ExtractionRejected {
	return &model.ExtractionRejected{Field: r.Field, Value: r.Value, Violations: r.Violations}
}

// Result is the firewall's verdict over one verification output
type Result struct {
	Accepted   []model.ExtractedField
	Hypotheses []model.Hypothesis
	Rejected   []Rejection
}

// Firewall is stateless; one instance can be shared across sessions
type Firewall struct{}

// New creates a firewall
func New() *Firewall {
	return &Firewall{}
}

type sourceText struct {
	normalized string
	tokens     map[string]bool
	allowed    map[string]bool
	flags      []model.HallucinationFlag
}

// Check validates out against in
func (f *Firewall) Check(in model.VerificationInput, out *model.VerificationOutput) Result {
	src := sourceText{
		normalized: " " + model.NormalizeText(in.RawText) + " ",
		tokens:     make(map[string]bool),
		allowed:    map[string]bool{strings.TrimSpace(in.URL): true},
	}
	for _, tok := range model.Tokens(in.RawText) {
		src.tokens[tok] = true
	}
	for _, u := range in.Citations {
		src.allowed[strings.TrimSpace(u)] = true
	}

	var res Result
	if out == nil {
		return res
	}
	src.flags = out.HallucinationFlags

	for _, fld := range out.VerifiedFields {
		if v := src.checkField(fld); len(v) > 0 {
			res.Rejected = append(res.Rejected, Rejection{
				Kind: "field", Field: fld.Field, Value: fld.Value, Snippet: fld.CitationSnippet, Violations: v,
			})
			continue
		}
		res.Accepted = append(res.Accepted, fld)
	}

	for _, h := range out.Hypotheses {
		if v := src.checkHypothesis(h); len(v) > 0 {
			res.Rejected = append(res.Rejected, Rejection{
				Kind: "hypothesis", Field: h.Field, Value: h.Value, Snippet: h.CitationSnippet, Violations: v,
			})
			continue
		}
		res.Hypotheses = append(res.Hypotheses, h)
	}
	return res
}

func (s *sourceText) checkField(fld model.ExtractedField) []model.Violation {
	var vs []model.Violation
	add := func(check, format string, args ...any) {
		vs = append(vs, model.Violation{Check: check, Detail: fmt.Sprintf(format, args...)})
	}

	if !model.KnownField(fld.Field) {
		add(CheckUnknownField, "field %q is not a known attribute", fld.Field)
	}
	snippet := strings.TrimSpace(fld.CitationSnippet)
	if snippet == "" {
		add(CheckMissingCitation, "verified field carries no citation snippet")
	} else if !s.contains(snippet) {
		add(CheckSnippetNotVerbatim, "snippet %q does not appear in the source text", snippet)
	}
	if detail := s.valueMissing(fld.Field, fld.Value); detail != "" {
		add(CheckValueNotInSource, "%s", detail)
	}
	if !fld.IsFact {
		add(CheckFactFlagMismatch, "verified field is not marked is_fact=true")
	}
	if !inRange(fld.Confidence) {
		add(CheckConfidenceRange, "confidence %v outside [0,1]", fld.Confidence)
	}
	if u := strings.TrimSpace(fld.SourceURL); u != "" && !s.allowed[u] {
		add(CheckUnknownURL, "url %s was not supplied in the input", u)
	}
	if fld.Field.IsRelationship() && snippet != "" {
		if detail := relationshipEvidence(snippet, fld.Value); detail != "" {
			add(CheckRelationshipNoProof, "%s", detail)
		}
	}
	for _, flag := range s.flags {
		if flag.Field != fld.Field {
			continue
		}
		if flag.Value == "" || model.NormalizeValue(fld.Field, flag.Value) == model.NormalizeValue(fld.Field, fld.Value) {
			add(CheckFlaggedByVerifier, "verifier flagged %s: %s", fld.Field, flag.Reason)
		}
	}
	return vs
}

func (s *sourceText) checkHypothesis(h model.Hypothesis) []model.Violation {
	var vs []model.Violation
	if h.IsFact {
		vs = append(vs, model.Violation{Check: CheckHypothesisNotFlag, Detail: "hypothesis must carry is_fact=false"})
	}
	if !inRange(h.Confidence) {
		vs = append(vs, model.Violation{Check: CheckConfidenceRange, Detail: fmt.Sprintf("confidence %v outside [0,1]", h.Confidence)})
	}
	if snippet := strings.TrimSpace(h.CitationSnippet); snippet != "" && !s.contains(snippet) {
		vs = append(vs, model.Violation{Check: CheckSnippetNotVerbatim, Detail: fmt.Sprintf("snippet %q does not appear in the source text", snippet)})
	}
	return vs
}

func inRange(c float64) bool {
	return !math.IsNaN(c) && c >= 0 && c <= 1
}

// contains reports whether text is a normalized substring on token boundaries
func (s *sourceText) contains(text string) bool {
	n := model.NormalizeText(text)
	if n == "" {
		return false
	}
	return strings.Contains(s.normalized, " "+n+" ")
}

// valueMissing returns a detail message when the value's literal tokens are
// absent from the source, or "" when they are present
func (s *sourceText) valueMissing(field model.Field, value string) string {
	if strings.TrimSpace(value) == "" {
		return "empty value"
	}
	switch {
	case field == model.FieldLiving:
		return ""
	case field.IsDate():
		return s.dateMissing(value)
	}
	for _, tok := range model.Tokens(value) {
		if !s.tokens[tok] {
			return fmt.Sprintf("token %q of %q not found in source", tok, value)
		}
	}
	return ""
}

func (s *sourceText) dateMissing(value string) string {
	iv, ok := model.ParseDate(value)
	if !ok {
		return fmt.Sprintf("date %q is not parseable", value)
	}

	yearFound := false
	for y := iv.Earliest.Year(); y <= iv.Latest.Year(); y++ {
		if s.tokens[strconv.Itoa(y)] {
			yearFound = true
			break
		}
	}
	if !yearFound {
		return fmt.Sprintf("year of %q not found in source", value)
	}

	if iv.Precision == model.PrecisionMonth || iv.Precision == model.PrecisionDay {
		if !s.monthPresent(iv.Earliest.Month()) {
			return fmt.Sprintf("month of %q not found in source", value)
		}
	}
	if iv.Precision == model.PrecisionDay && !s.dayPresent(iv.Earliest.Day()) {
		return fmt.Sprintf("day of %q not found in source", value)
	}
	return ""
}

// dayPresent accepts "14", "04" and ordinal forms such as "14th"
func (s *sourceText) dayPresent(d int) bool {
	n := strconv.Itoa(d)
	suffix := "th"
	switch {
	case d%100 >= 11 && d%100 <= 13:
	case d%10 == 1:
		suffix = "st"
	case d%10 == 2:
		suffix = "nd"
	case d%10 == 3:
		suffix = "rd"
	}
	for _, form := range []string{n, fmt.Sprintf("%02d", d), n + suffix} {
		if s.tokens[form] {
			return true
		}
	}
	return false
}

func (s *sourceText) monthPresent(m time.Month) bool {
	name := strings.ToLower(m.String())
	for _, form := range []string{name, name[:3], fmt.Sprintf("%02d", int(m)), strconv.Itoa(int(m))} {
		if s.tokens[form] {
			return true
		}
	}
	return s.tokens["sept"] && m == time.September
}

// relationshipEvidence requires the snippet to name the relative and carry a kinship cue
func relationshipEvidence(snippet, relative string) string {
	tokens := make(map[string]bool)
	cue := false
	for _, tok := range model.Tokens(snippet) {
		tokens[tok] = true
		if kinshipCues[tok] {
			cue = true
		}
	}
	for _, tok := range model.Tokens(relative) {
		if !tokens[tok] {
			return fmt.Sprintf("snippet does not name %q", relative)
		}
	}
	if !cue {
		return "snippet has no kinship statement"
	}
	return ""
}
