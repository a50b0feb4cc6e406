// Package report derives diagnostic signals from a research bundle and
// renders bundles as JSON, Markdown and a terminal summary.
package report

import (
	"fmt"

	"github.com/ppiankov/lineage/internal/model"
)

// primaryClasses are the evidence classes counted as primary records
var primaryClasses = map[model.EvidenceClass]bool{
	model.ClassOfficialPrimary: true,
	model.ClassReligiousRecord: true,
	model.ClassCensus:          true,
}

// Signals generates the diagnostic signals of a bundle. Signals describe
// the research; they never change it.
func Signals(b *model.ResearchBundle) []model.Signal {
	signals := []model.Signal{primaryShare(b)}
	for _, s := range []model.Signal{conflicts(b), discarded(b), rejections(b), pendingMerges(b), livingPersons(b)} {
		if s.Type != "" {
			signals = append(signals, s)
		}
	}
	return signals
}

// primaryShare reports how many sources are primary records
func primaryShare(b *model.ResearchBundle) model.Signal {
	if len(b.Sources) == 0 {
		return model.Signal{
			Type:        model.SignalPrimaryShare,
			Severity:    model.SeverityCritical,
			Description: "No sources consulted",
			Data:        map[string]any{"sources": 0},
		}
	}
	primary := 0
	byClass := make(map[string]int)
	for _, s := range b.Sources {
		byClass[string(s.Class)]++
		if primaryClasses[s.Class] {
			primary++
		}
	}
	ratio := float64(primary) / float64(len(b.Sources))

	severity := model.SeverityInfo
	if primary == 0 {
		severity = model.SeverityWarning
	}
	return model.Signal{
		Type:        model.SignalPrimaryShare,
		Severity:    severity,
		Description: fmt.Sprintf("Primary records: %d/%d sources (%.0f%%)", primary, len(b.Sources), ratio*100),
		Data: map[string]any{
			"primary":  primary,
			"total":    len(b.Sources),
			"ratio":    ratio,
			"by_class": byClass,
		},
	}
}

func conflicts(b *model.ResearchBundle) model.Signal {
	if len(b.Conflicts) == 0 {
		return model.Signal{}
	}
	fields := make([]string, 0, len(b.Conflicts))
	for _, a := range b.Conflicts {
		fields = append(fields, a.EntityID+"/"+string(a.Field))
	}
	return model.Signal{
		Type:        model.SignalConflicts,
		Severity:    model.SeverityWarning,
		Description: fmt.Sprintf("%d assertions hold unresolved conflicting evidence", len(b.Conflicts)),
		Data:        map[string]any{"conflicts": len(b.Conflicts), "fields": fields},
	}
}

func discarded(b *model.ResearchBundle) model.Signal {
	if len(b.Discarded) == 0 {
		return model.Signal{}
	}
	return model.Signal{
		Type:        model.SignalDiscarded,
		Severity:    model.SeverityInfo,
		Description: fmt.Sprintf("%d work items were discarded after failures or policy refusals", len(b.Discarded)),
		Data:        map[string]any{"discarded": len(b.Discarded)},
	}
}

func rejections(b *model.ResearchBundle) model.Signal {
	if len(b.Rejections) == 0 {
		return model.Signal{}
	}
	byAction := make(map[string]int)
	for _, e := range b.Rejections {
		byAction[string(e.Action)]++
	}
	severity := model.SeverityInfo
	if len(b.Claims) > 0 && len(b.Rejections) > len(b.Claims) {
		severity = model.SeverityWarning
	}
	return model.Signal{
		Type:        model.SignalRejections,
		Severity:    severity,
		Description: fmt.Sprintf("%d extractions or fetches were rejected", len(b.Rejections)),
		Data:        map[string]any{"rejections": len(b.Rejections), "claims": len(b.Claims), "by_action": byAction},
	}
}

func pendingMerges(b *model.ResearchBundle) model.Signal {
	var pending []string
	for _, m := range b.Merges {
		if m.Status == model.MergeProposed && m.Decision != model.DecisionSeparate {
			pending = append(pending, m.ID)
		}
	}
	if len(pending) == 0 {
		return model.Signal{}
	}
	return model.Signal{
		Type:        model.SignalPendingMerges,
		Severity:    model.SeverityWarning,
		Description: fmt.Sprintf("%d proposed merges await review", len(pending)),
		Data:        map[string]any{"clusters": pending},
	}
}

func livingPersons(b *model.ResearchBundle) model.Signal {
	living := 0
	for _, p := range b.Persons {
		if p.Living {
			living++
		}
	}
	if living == 0 {
		return model.Signal{}
	}
	return model.Signal{
		Type:        model.SignalLivingPersons,
		Severity:    model.SeverityInfo,
		Description: fmt.Sprintf("%d possibly living persons are redacted", living),
		Data:        map[string]any{"living": living},
	}
}
