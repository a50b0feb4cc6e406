package orchestrator

import (
	"context"
	"fmt"

	"github.com/ppiankov/lineage/internal/model"
)

// evaluateStop checks the stop conditions in order: budget, confidence,
// diminishing returns, empty frontier. Otherwise the crawl continues, one
// tier up once the current tier is exhausted.
func (s *Session) evaluateStop(ctx context.Context) (State, error) {
	reason, detail, err := s.stopReason(ctx)
	if err != nil {
		return "", err
	}
	if reason != "" {
		s.cp.StopReason = reason
		s.logger.Info("session stopped", "reason", reason, "detail", detail, "work_units", s.cp.WorkUnits)
		if err := s.audit(ctx, &model.AuditEntry{
			Key:       "session:" + s.cp.ID + ":stopped",
			EntityID:  s.cp.SubjectID,
			Action:    model.AuditSessionStopped,
			After:     string(reason),
			Rationale: detail,
		}); err != nil {
			return "", err
		}
		return StateCompleted, nil
	}

	if s.cp.Tier < model.Tier(s.cp.Config.MaxTier) && s.queues.PendingAtOrBelow(s.cp.Tier) == 0 && s.queues.Added() == 0 {
		s.cp.Tier++
		s.logger.Info("escalating tier", "tier", s.cp.Tier)
		if err := s.queueRelatives(ctx); err != nil {
			return "", err
		}
	}
	return StateTierCrawl, nil
}

func (s *Session) stopReason(ctx context.Context) (model.StopReason, string, error) {
	cfg := s.cp.Config
	if s.cp.WorkUnits >= cfg.MaxWorkUnits {
		return model.StopBudgetExhausted, fmt.Sprintf("%d work units used", s.cp.WorkUnits), nil
	}
	if !s.cp.Deadline.IsZero() && s.o.now().After(s.cp.Deadline) {
		return model.StopBudgetExhausted, "session timeout reached", nil
	}

	if cfg.TargetConfidence > 0 {
		subject, err := s.o.store.GetPerson(ctx, s.cp.SubjectID)
		if err != nil {
			return "", "", &model.StorageFailure{Op: "load person", Err: err}
		}
		if subject.Confidence >= cfg.TargetConfidence {
			g, err := s.o.resolver.Graph(ctx)
			if err != nil {
				return "", "", err
			}
			if gens := g.Generations(subject.ID); gens >= cfg.TargetGenerations {
				return model.StopConfidenceAchieved, fmt.Sprintf("confidence %.2f over %d generations", subject.Confidence, gens), nil
			}
		}
	}

	if n := cfg.DiminishingWindow; n > 0 && len(s.cp.Discoveries) >= n {
		sum := 0
		for _, d := range s.cp.Discoveries[len(s.cp.Discoveries)-n:] {
			sum += d
		}
		if avg := float64(sum) / float64(n); avg < cfg.DiminishingThreshold {
			return model.StopDiminishingReturns, fmt.Sprintf("%.2f new claims per item over the last %d items", avg, n), nil
		}
	}

	if s.queues.PendingAtOrBelow(model.Tier(cfg.MaxTier)) == 0 {
		return model.StopFrontierEmpty, "no work left up to tier " + fmt.Sprint(cfg.MaxTier), nil
	}
	return "", "", nil
}

// queueRelatives searches the new tier for the subject's parents and
// spouses already known from lower tiers
func (s *Session) queueRelatives(ctx context.Context) error {
	g, err := s.o.resolver.Graph(ctx)
	if err != nil {
		return err
	}
	subject, err := s.o.store.ResolveID(ctx, s.cp.SubjectID)
	if err != nil {
		return &model.StorageFailure{Op: "resolve id", Err: err}
	}
	ids := append(g.Parents(subject), g.Spouses(subject)...)
	for _, id := range ids {
		name, err := s.nameOf(ctx, id)
		if err != nil {
			return err
		}
		s.push(&model.FrontierItem{ItemMeta: model.ItemMeta{
			SubjectID: id,
			Query:     name,
			Tier:      s.cp.Tier,
			Priority:  relativePriority,
		}})
	}
	return nil
}
