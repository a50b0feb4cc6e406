package entity

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/xrash/smetrics"

	"github.com/ppiankov/lineage/internal/model"
)

// Feature weights of the aggregate similarity
const (
	WeightName    = 0.40
	WeightDate    = 0.25
	WeightPlace   = 0.15
	WeightKinship = 0.20
)

// neutral is the score of a feature with no evidence on either side
const neutral = 0.5

// dateDecayYears is the gap at which date similarity falls to 1/e
const dateDecayYears = 5.0

// profile is what the resolver compares for one person
type profile struct {
	id         string
	person     *model.Person
	assertions map[model.Field]model.Assertion
	parents    []string
}

func (p *profile) verified(f model.Field) (model.Assertion, bool) {
	a, ok := p.assertions[f]
	return a, ok && a.Status == model.StatusVerified && a.Value != ""
}

// interval is the known date of a profile from its projection or assertions
func (p *profile) interval(fields ...model.Field) (model.DateInterval, bool) {
	for _, f := range fields {
		if a, ok := p.assertions[f]; ok && a.Value != "" {
			if iv, ok := model.ParseDate(a.Value); ok {
				return iv, true
			}
		}
	}
	return model.DateInterval{}, false
}

func (p *profile) birth() (model.DateInterval, bool) {
	if p.person.Birth.Known() {
		return p.person.Birth, true
	}
	return p.interval(model.FieldBirthDate, model.FieldBirthYear)
}

func (p *profile) death() (model.DateInterval, bool) {
	if p.person.Death.Known() {
		return p.person.Death, true
	}
	return p.interval(model.FieldDeathDate)
}

func (p *profile) names() []string {
	var out []string
	for _, n := range p.person.Names {
		if v := model.NormalizeText(n.Value); v != "" {
			out = append(out, v)
		}
	}
	if a, ok := p.assertions[model.FieldName]; ok && a.Value != "" {
		out = append(out, model.NormalizeText(a.Value))
	}
	return out
}

func jaroWinkler(a, b string) float64 {
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

func sortedTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// nameScore is the best Jaro-Winkler match over all name variants, comparing
// both the full strings and their sorted token sets
func nameScore(a, b *profile) float64 {
	best := 0.0
	for _, x := range a.names() {
		for _, y := range b.names() {
			s := math.Max(jaroWinkler(x, y), jaroWinkler(sortedTokens(x), sortedTokens(y)))
			best = math.Max(best, s)
		}
	}
	return best
}

func intervalScore(a, b model.DateInterval) float64 {
	if a.Overlaps(b) {
		return 1
	}
	return math.Exp(-a.GapYears(b) / dateDecayYears)
}

func dateScore(a, b *profile) (float64, bool) {
	var sum float64
	var n int
	if x, ok := a.birth(); ok {
		if y, ok := b.birth(); ok {
			sum += intervalScore(x, y)
			n++
		}
	}
	if x, ok := a.death(); ok {
		if y, ok := b.death(); ok {
			sum += intervalScore(x, y)
			n++
		}
	}
	if n == 0 {
		return neutral, false
	}
	return sum / float64(n), true
}

func jaccard(a, b string) float64 {
	ta, tb := model.Tokens(a), model.Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]int)
	for _, t := range ta {
		set[t] |= 1
	}
	for _, t := range tb {
		set[t] |= 2
	}
	inter := 0
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

func placeOf(p *profile, projected string, f model.Field) string {
	if projected != "" {
		return projected
	}
	if a, ok := p.assertions[f]; ok {
		return a.Value
	}
	return ""
}

func placeScore(a, b *profile) (float64, bool) {
	var sum float64
	var n int
	pairs := [][2]string{
		{placeOf(a, a.person.BirthPlace, model.FieldBirthPlace), placeOf(b, b.person.BirthPlace, model.FieldBirthPlace)},
		{placeOf(a, a.person.DeathPlace, model.FieldDeathPlace), placeOf(b, b.person.DeathPlace, model.FieldDeathPlace)},
	}
	for _, pr := range pairs {
		if pr[0] == "" || pr[1] == "" {
			continue
		}
		sum += jaccard(pr[0], pr[1])
		n++
	}
	if n == 0 {
		return neutral, false
	}
	return sum / float64(n), true
}

// kinshipScore compares parents known through the graph and through
// father/mother assertions
func kinshipScore(a, b *profile) (float64, bool) {
	var sum float64
	var n int

	if len(a.parents) > 0 && len(b.parents) > 0 {
		shared := 0
		for _, x := range a.parents {
			for _, y := range b.parents {
				if x == y {
					shared++
				}
			}
		}
		if shared > 0 {
			sum++
		}
		n++
	}
	for _, f := range []model.Field{model.FieldFather, model.FieldMother} {
		x, okA := a.assertions[f]
		y, okB := b.assertions[f]
		if !okA || !okB || x.Value == "" || y.Value == "" {
			continue
		}
		sum += jaroWinkler(model.NormalizeText(x.Value), model.NormalizeText(y.Value))
		n++
	}
	if n == 0 {
		return neutral, false
	}
	return sum / float64(n), true
}

// contradictions lists the hard reasons two profiles cannot be one person
func contradictions(a, b *profile, g *Graph) []string {
	var out []string
	for _, f := range []model.Field{model.FieldBirthDate, model.FieldBirthYear, model.FieldDeathDate} {
		x, okA := a.verified(f)
		y, okB := b.verified(f)
		if !okA || !okB {
			continue
		}
		ix, ok1 := model.ParseDate(x.Value)
		iy, ok2 := model.ParseDate(y.Value)
		if ok1 && ok2 && !ix.Overlaps(iy) {
			out = append(out, fmt.Sprintf("verified %s %s does not overlap %s", f, x.Value, y.Value))
		}
	}
	for _, f := range []model.Field{model.FieldFather, model.FieldMother} {
		x, okA := a.verified(f)
		y, okB := b.verified(f)
		if okA && okB && model.NormalizeText(x.Value) != model.NormalizeText(y.Value) {
			out = append(out, fmt.Sprintf("verified %s differs: %s vs %s", f, x.Value, y.Value))
		}
	}
	if g.MergeWouldCycle(a.id, b.id) {
		out = append(out, "merge would make a person their own ancestor")
	}
	return out
}
