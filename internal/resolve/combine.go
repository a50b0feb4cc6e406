// Package resolve combines competing evidence claims into versioned
// assertions and projects verified assertions onto persons.
package resolve

import (
	"fmt"
	"math"
	"sort"

	"github.com/ppiankov/lineage/internal/model"
)

const (
	minWeight = 0.01
	maxWeight = 0.99
)

// Weight is the clamped effective probability that a claim is correct
func Weight(c model.EvidenceClaim) float64 {
	w := c.EffectiveWeight()
	if math.IsNaN(w) {
		return minWeight
	}
	return math.Min(maxWeight, math.Max(minWeight, w))
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Decision is the pure result of combining claims for one field
type Decision struct {
	Value      string
	Confidence float64
	Status     model.AssertionStatus
	Method     model.ResolutionMethod
	Candidates []model.Candidate
	ClaimIDs   []string
	Rationale  string
}

type group struct {
	key      string
	display  string
	dispW    float64
	logOdds  float64
	claimIDs []string
}

// Combine resolves claims for one field. The result depends only on the set
// of claims, never on their order. prior is the current assertion, if any;
// a conflict retains its value.
func Combine(field model.Field, claims []model.EvidenceClaim, prior *model.Assertion, cfg model.ResolutionConfig) Decision {
	// Summing in id order keeps the floating point result independent of arrival order
	ordered := append([]model.EvidenceClaim(nil), claims...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	groups := make(map[string]*group)
	var ids []string
	for _, c := range ordered {
		if !c.IsFact {
			continue
		}
		key := model.NormalizeValue(field, c.Value)
		w := Weight(c)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key}
			groups[key] = g
		}
		g.logOdds += logit(w)
		g.claimIDs = append(g.claimIDs, c.ID)
		// The displayed spelling comes from the strongest claim, ties by value
		if g.display == "" || w > g.dispW || (w == g.dispW && c.Value < g.display) {
			g.display, g.dispW = c.Value, w
		}
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)

	if len(ids) == 0 {
		d := Decision{Status: model.StatusUnverified, Rationale: "no fact claims"}
		if prior != nil {
			d.Value, d.Confidence = prior.Value, prior.Confidence
		}
		return d
	}

	cands := make([]model.Candidate, 0, len(groups))
	for _, g := range groups {
		sort.Strings(g.claimIDs)
		cands = append(cands, model.Candidate{
			Value:     g.display,
			Posterior: sigmoid(g.logOdds),
			LogOdds:   g.logOdds,
			ClaimIDs:  g.claimIDs,
		})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Posterior != cands[j].Posterior {
			return cands[i].Posterior > cands[j].Posterior
		}
		return model.NormalizeValue(field, cands[i].Value) < model.NormalizeValue(field, cands[j].Value)
	})

	d := Decision{Candidates: cands, ClaimIDs: ids}
	top := cands[0]

	if len(ids) == 1 {
		d.Value, d.Confidence = top.Value, top.Posterior
		d.Status, d.Method = model.StatusVerified, model.MethodSingleSource
		d.Rationale = fmt.Sprintf("single claim with effective weight %.3f", top.Posterior)
		return d
	}

	if len(cands) == 1 {
		d.Value, d.Confidence, d.Method = top.Value, top.Posterior, model.MethodBayesianMerge
		if top.Posterior >= cfg.DecisionThreshold {
			d.Status = model.StatusVerified
			d.Rationale = fmt.Sprintf("%d agreeing claims, posterior %.3f", len(ids), top.Posterior)
		} else {
			d.Status = model.StatusTentative
			d.Rationale = fmt.Sprintf("%d agreeing claims, posterior %.3f below threshold %.2f", len(ids), top.Posterior, cfg.DecisionThreshold)
		}
		return d
	}

	second := cands[1]
	margin := top.Posterior - second.Posterior
	if margin < cfg.Epsilon || top.Posterior < cfg.DecisionThreshold {
		d.Status, d.Method = model.StatusConflicting, model.MethodConflictRetained
		if prior != nil {
			d.Value, d.Confidence = prior.Value, prior.Confidence
		}
		d.Rationale = fmt.Sprintf("%q (%.3f) vs %q (%.3f): margin %.3f, threshold %.2f; prior value retained",
			top.Value, top.Posterior, second.Value, second.Posterior, margin, cfg.DecisionThreshold)
		return d
	}

	d.Value, d.Confidence = top.Value, top.Posterior
	d.Status, d.Method = model.StatusVerified, model.MethodBayesianMerge
	d.Rationale = fmt.Sprintf("%q posterior %.3f over %q %.3f", top.Value, top.Posterior, second.Value, second.Posterior)
	return d
}
