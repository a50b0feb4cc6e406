package verify

import (
	"context"
	"regexp"
	"strings"

	"github.com/ppiankov/lineage/internal/extract"
	"github.com/ppiankov/lineage/internal/model"
)

// Confidence of rule matches in sentences naming the subject, and in
// sentences that refer to the subject by pronoun
const (
	directConfidence  = 1.0
	pronounConfidence = 0.9
)

const (
	datePat  = `((?:(?:abt|about|circa|ca|c)\.?\s+)?(?:\d{1,2}\s+[A-Z][a-z]{2,8}\.?,?\s+\d{4}|[A-Z][a-z]{2,8}\.?\s+\d{1,2},?\s+\d{4}|[A-Z][a-z]{2,8}\.?,?\s+\d{4}|\d{4}-\d{2}(?:-\d{2})?|\d{4}))`
	namePat  = `([A-Z][\p{L}'’-]+(?:\s+(?:[A-Z]\.|[A-Z][\p{L}'’-]+))*)`
	placePat = `([A-Z][\p{L}'’-]+(?:(?:,\s*|\s+)[A-Z][\p{L}'’-]+)*)`
)

var (
	bornDate   = regexp.MustCompile(`(?:\b[Bb]orn|\bb\.)\s*(?:on\s+|in\s+)?` + datePat)
	diedDate   = regexp.MustCompile(`(?:\b[Dd]ied|\bd\.)\s*(?:on\s+|in\s+)?` + datePat)
	bornPlace  = regexp.MustCompile(`(?:\b[Bb]orn|\bb\.)([^;]{0,80}?)\b(?:in|at)\s+` + placePat)
	diedPlace  = regexp.MustCompile(`(?:\b[Dd]ied|\bd\.)([^;]{0,80}?)\b(?:in|at)\s+` + placePat)
	childOf    = regexp.MustCompile(`\b(?:[Ss]on|[Dd]aughter|[Cc]hild)\s+of\s+(?:the\s+late\s+)?` + namePat + `(?:\s+and\s+(?:the\s+late\s+)?` + namePat + `)?`)
	fatherIs   = regexp.MustCompile(`\b(?:[Hh]is|[Hh]er|[Tt]heir|[Tt]he)\s+father,?\s+(?:was\s+)?` + namePat)
	motherIs   = regexp.MustCompile(`\b(?:[Hh]is|[Hh]er|[Tt]heir|[Tt]he)\s+mother,?\s+(?:was\s+)?` + namePat)
	marriedTo  = regexp.MustCompile(`\b[Mm]arried\s+(?:to\s+)?` + namePat)
	spouseOf   = regexp.MustCompile(`\b(?:[Ww]ife|[Hh]usband|[Ww]idow|[Ww]idower)\s+of\s+(?:the\s+late\s+)?` + namePat)
	livingNow  = regexp.MustCompile(`\b(?:is|was)\s+(?:still\s+)?(?:living|alive)\b`)
	emailAddr  = regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)+`)
	phoneNum   = regexp.MustCompile(`\+?\d[\d ().-]{7,}\d`)
	pronounLed = regexp.MustCompile(`^(?:He|She|His|Her)\b`)
	eventWords = regexp.MustCompile(`(?i)\b(?:died|d\.|married|buried|born|b\.)`)
)

var months = map[string]bool{
	"january": true, "february": true, "march": true, "april": true, "may": true, "june": true,
	"july": true, "august": true, "september": true, "october": true, "november": true, "december": true,
	"jan": true, "feb": true, "mar": true, "apr": true, "jun": true, "jul": true, "aug": true,
	"sep": true, "sept": true, "oct": true, "nov": true, "dec": true,
}

// Rules extracts facts with fixed sentence patterns. It is deterministic
// and needs no network, so it serves offline sessions and tests.
type Rules struct{}

// NewRules creates the rule-based verifier
func NewRules() *Rules {
	return &Rules{}
}

// Name returns "rules"
func (r *Rules) Name() string { return "rules" }

// Verify keeps the proposed fields whose snippets occur in the document,
// flags the rest, and adds everything the patterns find in sentences about
// the subject
func (r *Rules) Verify(ctx context.Context, in model.VerificationInput) (*model.VerificationOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &model.VerificationOutput{}
	seen := make(map[string]bool)
	add := func(f model.ExtractedField) {
		k := string(f.Field) + "\x00" + model.NormalizeValue(f.Field, f.Value)
		if seen[k] {
			return
		}
		seen[k] = true
		out.VerifiedFields = append(out.VerifiedFields, f)
	}

	text := " " + model.NormalizeText(in.RawText) + " "
	for _, f := range in.ExtractedFields {
		snippet := model.NormalizeText(f.CitationSnippet)
		if snippet == "" || !strings.Contains(text, " "+snippet+" ") {
			out.HallucinationFlags = append(out.HallucinationFlags, model.HallucinationFlag{
				Field: f.Field, Value: f.Value, Reason: "citation snippet not found in document",
			})
			continue
		}
		add(f)
	}

	fields, hyps := r.Extract(in)
	for _, f := range fields {
		add(f)
	}
	out.Hypotheses = hyps
	return out, nil
}

// Extract applies the patterns to the sentences of in.RawText that name
// the subject or continue a sentence that did
func (r *Rules) Extract(in model.VerificationInput) ([]model.ExtractedField, []model.Hypothesis) {
	subject := model.Tokens(in.SubjectName)
	self := model.NormalizeText(in.SubjectName)
	var fields []model.ExtractedField
	var hyps []model.Hypothesis

	about := false
	for _, s := range extract.SplitSentences(in.RawText) {
		conf := 0.0
		switch {
		case names(s, subject):
			about, conf = true, directConfidence
		case about && pronounLed.MatchString(s):
			conf = pronounConfidence
		default:
			about = false
			continue
		}
		emit := func(f model.Field, v string) {
			// The subject is never their own relative
			if f.IsRelationship() && model.NormalizeText(v) == self {
				return
			}
			fields = append(fields, model.ExtractedField{
				Field:           f,
				Value:           strings.TrimSpace(v),
				CitationSnippet: s,
				Confidence:      conf,
				IsFact:          true,
				SourceURL:       in.URL,
			})
		}

		if v, f, ok := firstDate(bornDate, s, model.FieldBirthDate, model.FieldBirthYear); ok {
			emit(f, v)
		}
		if v, f, ok := firstDate(diedDate, s, model.FieldDeathDate, model.FieldDeathDate); ok {
			emit(f, v)
		}
		if v, ok := firstPlace(bornPlace, s); ok {
			emit(model.FieldBirthPlace, v)
		}
		if v, ok := firstPlace(diedPlace, s); ok {
			emit(model.FieldDeathPlace, v)
		}

		if m := childOf.FindStringSubmatch(s); m != nil {
			if m[2] != "" {
				emit(model.FieldFather, m[1])
				emit(model.FieldMother, m[2])
			} else {
				hyps = append(hyps, model.Hypothesis{
					Statement:       m[1] + " is a parent of " + in.SubjectName,
					Value:           m[1],
					SuggestedQuery:  m[1],
					CitationSnippet: s,
					Confidence:      0.5,
				})
			}
		}
		if m := fatherIs.FindStringSubmatch(s); m != nil {
			emit(model.FieldFather, m[1])
		}
		if m := motherIs.FindStringSubmatch(s); m != nil {
			emit(model.FieldMother, m[1])
		}
		if m := marriedTo.FindStringSubmatch(s); m != nil {
			emit(model.FieldSpouse, m[1])
		} else if m := spouseOf.FindStringSubmatch(s); m != nil {
			emit(model.FieldSpouse, m[1])
		}

		if livingNow.MatchString(s) {
			emit(model.FieldLiving, "true")
		}
		if m := emailAddr.FindString(s); m != "" {
			emit(model.FieldIdentifier, m)
		} else if m := phoneNum.FindString(s); digits(m) >= 10 {
			emit(model.FieldIdentifier, m)
		}
	}
	return fields, hyps
}

// names reports whether sentence s contains the subject's first and last
// name tokens
func names(s string, subject []string) bool {
	if len(subject) == 0 {
		return false
	}
	toks := make(map[string]bool)
	for _, t := range model.Tokens(s) {
		toks[t] = true
	}
	return toks[subject[0]] && toks[subject[len(subject)-1]]
}

// firstDate returns the first parseable date matched by re, as a full-date
// field when it has month precision or better and a year field otherwise
func firstDate(re *regexp.Regexp, s string, full, year model.Field) (string, model.Field, bool) {
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		iv, ok := model.ParseDate(m[1])
		if !ok {
			continue
		}
		if iv.Precision == model.PrecisionYear {
			return m[1], year, true
		}
		return m[1], full, true
	}
	return "", "", false
}

// firstPlace returns the place of the first match whose gap between the
// event word and "in" mentions no other event and whose place is not a month
func firstPlace(re *regexp.Regexp, s string) (string, bool) {
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		if eventWords.MatchString(m[1]) {
			continue
		}
		place := strings.TrimRight(m[2], ",")
		if first := model.Tokens(place); len(first) == 0 || months[first[0]] {
			continue
		}
		return place, true
	}
	return "", false
}

func digits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
