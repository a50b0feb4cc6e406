// Package privacy decides whether a person must be treated as living and
// redacts what a living person's record may expose.
package privacy

import (
	"strings"
	"time"

	"github.com/ppiankov/lineage/internal/model"
)

// Rule names the classifier rule that decided a status
type Rule string

const (
	RuleVerifiedDeath Rule = "verified_death"
	RuleLivingFlag    Rule = "living_flag"
	RuleYoung         Rule = "under_living_age_limit"
	RuleOld           Rule = "over_deceased_age_limit"
	RuleIdentifiers   Rule = "modern_identifiers"
	RuleDefault       Rule = "fail_safe_default"
)

// Status is the outcome of classification
type Status struct {
	Living bool   `json:"is_living"`
	Rule   Rule   `json:"rule"`
	MinAge int    `json:"min_age,omitempty"` // -1 when birth is unknown
	Reason string `json:"reason"`
}

// Classifier applies the ordered living-person rules. Results are never
// cached; callers re-run it whenever a relevant assertion changes.
type Classifier struct {
	cfg model.PrivacyConfig
	now func() time.Time
}

// NewClassifier creates a classifier with the given age limits
func NewClassifier(cfg model.PrivacyConfig) *Classifier {
	return &Classifier{cfg: cfg, now: time.Now}
}

// SetClock overrides the time source
func (c *Classifier) SetClock(now func() time.Time) { c.now = now }

// RelevantField reports whether a change to f can change the living status
func RelevantField(f model.Field) bool {
	switch f {
	case model.FieldDeathDate, model.FieldBirthDate, model.FieldBirthYear, model.FieldLiving, model.FieldIdentifier:
		return true
	}
	return false
}

// Classify evaluates the rules in order; the first match wins
func (c *Classifier) Classify(p *model.Person, assertions []model.Assertion) Status {
	byField := make(map[model.Field]model.Assertion, len(assertions))
	for _, a := range assertions {
		byField[a.Field] = a
	}

	if a, ok := byField[model.FieldDeathDate]; ok && a.Status == model.StatusVerified && a.Value != "" {
		return Status{Living: false, Rule: RuleVerifiedDeath, MinAge: -1, Reason: "verified death date " + a.Value}
	}

	if a, ok := byField[model.FieldLiving]; ok && a.Status != model.StatusConflicting && truthy(a.Value) {
		return Status{Living: true, Rule: RuleLivingFlag, MinAge: -1, Reason: "source states the person is living"}
	}

	if birth, ok := birthInterval(p, byField); ok {
		age := completedYears(birth.Latest, c.now())
		if age < c.cfg.LivingAgeLimit {
			return Status{Living: true, Rule: RuleYoung, MinAge: age, Reason: "minimum age below living age limit"}
		}
		if age >= c.cfg.DeceasedAgeLimit {
			return Status{Living: false, Rule: RuleOld, MinAge: age, Reason: "minimum age at or above deceased age limit"}
		}
	}

	if len(p.Contact) > 0 {
		return Status{Living: true, Rule: RuleIdentifiers, MinAge: -1, Reason: "contact fields present"}
	}
	if a, ok := byField[model.FieldIdentifier]; ok && a.Value != "" {
		return Status{Living: true, Rule: RuleIdentifiers, MinAge: -1, Reason: "modern identifier in sources"}
	}

	return Status{Living: true, Rule: RuleDefault, MinAge: -1, Reason: "no evidence of death"}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "living", "alive", "1":
		return true
	}
	return false
}

// birthInterval prefers the projected birth, then any resolved birth assertion
func birthInterval(p *model.Person, byField map[model.Field]model.Assertion) (model.DateInterval, bool) {
	if p.Birth.Known() {
		return p.Birth, true
	}
	for _, f := range []model.Field{model.FieldBirthDate, model.FieldBirthYear} {
		a, ok := byField[f]
		if !ok || a.Value == "" {
			continue
		}
		if iv, ok := model.ParseDate(a.Value); ok {
			return iv, true
		}
	}
	return model.DateInterval{}, false
}

// completedYears is the age in whole years of someone born on birth
func completedYears(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.YearDay() < birth.YearDay() {
		years--
	}
	return years
}
