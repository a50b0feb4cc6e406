package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/lineage/internal/entity"
	"github.com/ppiankov/lineage/internal/firewall"
	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/novelty"
	"github.com/ppiankov/lineage/internal/privacy"
	"github.com/ppiankov/lineage/internal/queue"
	"github.com/ppiankov/lineage/internal/resolve"
	"github.com/ppiankov/lineage/internal/source"
	"github.com/ppiankov/lineage/internal/store"
	"github.com/ppiankov/lineage/internal/verify"
)

// Actor is recorded on audit entries written by the orchestrator
const Actor = "orchestrator"

// ErrCompleted is returned by Step on a session that has stopped
var ErrCompleted = errors.New("session completed")

// Deps are the components a session drives
type Deps struct {
	Store      store.Store
	Sources    *source.Client
	Verifier   verify.Verifier // nil uses the rule verifier
	Engine     *resolve.Engine
	Resolver   *entity.Resolver
	Classifier *privacy.Classifier
	Logger     *slog.Logger
}

// Orchestrator creates and resumes research sessions. Sessions are
// independent; one orchestrator can serve several concurrently.
type Orchestrator struct {
	store        store.Store
	sources      *source.Client
	verifier     verify.Verifier
	proposer     *verify.Rules
	firewall     *firewall.Firewall
	engine       *resolve.Engine
	resolver     *entity.Resolver
	classifier   *privacy.Classifier
	queueCfg     model.QueueConfig
	fetchWorkers int
	logger       *slog.Logger
	now          func() time.Time
}

// New creates an orchestrator
func New(cfg *model.Config, d Deps) *Orchestrator {
	rules := verify.NewRules()
	v := d.Verifier
	if v == nil {
		v = rules
	}
	return &Orchestrator{
		store:        d.Store,
		sources:      d.Sources,
		verifier:     v,
		proposer:     rules,
		firewall:     firewall.New(),
		engine:       d.Engine,
		resolver:     d.Resolver,
		classifier:   d.Classifier,
		queueCfg:     cfg.Queue,
		fetchWorkers: cfg.Concurrency.FetchWorkers,
		logger:       d.Logger.With("component", "orchestrator"),
		now:          time.Now,
	}
}

// SetClock overrides the time source
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Session is one research run. It is driven by a single goroutine.
type Session struct {
	o       *Orchestrator
	cp      checkpoint
	queues  *queue.Set
	current model.QueueItem
	logger  *slog.Logger
}

// NewSession starts a session for seed and checkpoints it
func (o *Orchestrator) NewSession(ctx context.Context, seed Seed, cfg model.SessionConfig) (*Session, error) {
	if seed.Name == "" {
		return nil, fmt.Errorf("seed has no name")
	}
	if cfg.MaxWorkUnits <= 0 {
		return nil, &model.ConfigError{Key: "session.max_work_units", Reason: "must be positive"}
	}
	if cfg.MaxTier < 0 || cfg.MaxTier > int(model.MaxTier) {
		return nil, &model.ConfigError{Key: "session.max_tier", Reason: fmt.Sprintf("must be between 0 and %d", model.MaxTier)}
	}
	now := o.now()
	cp := checkpoint{
		ID:        uuid.NewString(),
		SubjectID: uuid.NewString(),
		Seed:      seed,
		Config:    cfg,
		State:     StateSeeded,
		StartedAt: now,
	}
	if cfg.Timeout > 0 {
		cp.Deadline = now.Add(cfg.Timeout)
	}
	s := o.session(cp, o.newQueues())
	if err := s.checkpoint(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("session started", "subject", cp.SubjectID, "seed", seed.Name)
	return s, nil
}

// Resume loads a checkpointed session. Work in flight when the checkpoint
// was written is picked up where it stopped.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*Session, error) {
	raw, err := o.store.LoadSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, err)
		}
		return nil, &model.StorageFailure{Op: "load session", Err: err}
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	queues := o.newQueues()
	if err := queues.Restore(cp.Queues); err != nil {
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}
	s := o.session(cp, queues)
	if cp.CurrentID != "" {
		item, ok := queues.Claim(cp.CurrentID)
		if !ok {
			return nil, fmt.Errorf("restore session %s: item %s is missing", id, cp.CurrentID)
		}
		s.current = item
	} else if cp.State.midItem() {
		return nil, fmt.Errorf("restore session %s: state %s without an item", id, cp.State)
	}
	s.logger.Info("session resumed", "state", cp.State, "work_units", cp.WorkUnits)
	return s, nil
}

func (o *Orchestrator) newQueues() *queue.Set {
	q := queue.NewSet(o.queueCfg, novelty.NewGuard(o.queueCfg.RecentTTL))
	q.SetClock(o.now)
	return q
}

func (o *Orchestrator) session(cp checkpoint, queues *queue.Set) *Session {
	return &Session{o: o, cp: cp, queues: queues, logger: o.logger.With("session", cp.ID)}
}

func (s *Session) ID() string                   { return s.cp.ID }
func (s *Session) SubjectID() string            { return s.cp.SubjectID }
func (s *Session) State() State                 { return s.cp.State }
func (s *Session) Tier() model.Tier             { return s.cp.Tier }
func (s *Session) WorkUnits() int               { return s.cp.WorkUnits }
func (s *Session) StopReason() model.StopReason { return s.cp.StopReason }
func (s *Session) Queues() *queue.Set           { return s.queues }
func (s *Session) Done() bool                   { return s.cp.State == StateCompleted }

// Step runs the current state once and checkpoints the session. Recoverable
// failures are handled inside the step; the returned errors are storage
// failures, cancellation and invalid transitions.
func (s *Session) Step(ctx context.Context) error {
	from := s.cp.State
	var (
		next State
		err  error
	)
	switch from {
	case StateSeeded:
		next, err = s.seed(ctx)
	case StateTierCrawl:
		next, err = s.crawl(ctx)
	case StateFactExtraction:
		next, err = s.extract(ctx)
	case StateConflictCheck:
		next, err = s.checkConflicts(ctx)
	case StateHypothesisGeneration:
		next, err = s.hypothesize(ctx)
	case StateRevisitScheduling:
		next, err = s.scheduleRevisits(ctx)
	case StateStopEvaluation:
		next, err = s.evaluateStop(ctx)
	case StateCompleted:
		return ErrCompleted
	default:
		return fmt.Errorf("unknown state: %s", from)
	}
	if err != nil {
		return err
	}
	if err := ValidateTransition(from, next); err != nil {
		return err
	}
	s.cp.State = next
	s.logger.Debug("state transition", "from", from, "to", next)
	return s.checkpoint(ctx)
}

// Run steps the session until it completes
func (s *Session) Run(ctx context.Context) error {
	for !s.Done() {
		if err := s.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) checkpoint(ctx context.Context) error {
	qs, err := s.queues.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot queues: %w", err)
	}
	s.cp.Queues = qs
	raw, err := json.Marshal(s.cp)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.o.store.SaveSession(ctx, s.cp.ID, raw); err != nil {
		return &model.StorageFailure{Op: "save session", Err: err}
	}
	return nil
}

// seed creates the subject and queues a first search at every tier the
// session may reach. Higher tiers wait until the tiers below are exhausted.
func (s *Session) seed(ctx context.Context) (State, error) {
	now := s.o.now()
	if _, err := s.o.store.GetPersonRecord(ctx, s.cp.SubjectID); errors.Is(err, store.ErrNotFound) {
		p := &model.Person{ID: s.cp.SubjectID, CreatedAt: now, UpdatedAt: now}
		p.AddName(model.NameBirth, s.cp.Seed.Name)
		p.Living = s.o.living(p, nil)
		if err := s.o.store.SavePerson(ctx, p); err != nil {
			return "", &model.StorageFailure{Op: "save person", Err: err}
		}
		if err := s.audit(ctx, &model.AuditEntry{
			Key:       "person:" + p.ID + ":created",
			EntityID:  p.ID,
			Action:    model.AuditPersonCreated,
			After:     s.cp.Seed.Name,
			Rationale: "research seed",
		}); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", &model.StorageFailure{Op: "load person", Err: err}
	}

	query := s.cp.Seed.query()
	for t := model.TierOpenWeb; t <= model.Tier(s.cp.Config.MaxTier); t++ {
		item := &model.FrontierItem{ItemMeta: model.ItemMeta{
			ID:        fmt.Sprintf("%s:seed:%d", s.cp.ID, t),
			SubjectID: s.cp.SubjectID,
			Query:     query,
			Tier:      t,
			Priority:  1.0,
		}}
		if err := s.queues.Push(item); err != nil && !errors.Is(err, queue.ErrRejected) {
			return "", err
		}
	}
	s.cp.Tier = model.TierOpenWeb
	return StateTierCrawl, nil
}

// audit appends an orchestrator entry
func (s *Session) audit(ctx context.Context, e *model.AuditEntry) error {
	e.Actor = Actor
	if e.At.IsZero() {
		e.At = s.o.now()
	}
	if err := s.o.store.AppendAudit(ctx, e); err != nil {
		return &model.StorageFailure{Op: "append audit", Err: err}
	}
	return nil
}

// finishItem completes or retries the current item and records how much it
// discovered
func (s *Session) finishItem(ctx context.Context) error {
	item, w := s.current, s.cp.Work
	if item == nil {
		return nil
	}
	newClaims := 0
	if w != nil {
		newClaims = w.NewClaims
	}
	if w != nil && w.Retry != "" {
		if s.queues.Retry(item, errors.New(w.Retry)) {
			if err := s.auditDiscard(ctx, item); err != nil {
				return err
			}
		}
	} else {
		s.queues.Complete(item)
	}
	s.cp.Discoveries = append(s.cp.Discoveries, newClaims)
	s.current, s.cp.CurrentID, s.cp.Work = nil, "", nil
	return nil
}

func (s *Session) discard(ctx context.Context, item model.QueueItem, reason string) error {
	s.queues.Discard(item, reason)
	s.cp.Discoveries = append(s.cp.Discoveries, 0)
	s.current, s.cp.CurrentID, s.cp.Work = nil, "", nil
	return s.auditDiscard(ctx, item)
}

func (s *Session) auditDiscard(ctx context.Context, item model.QueueItem) error {
	m := item.Meta()
	s.logger.Warn("work item discarded", "item", m.ID, "query", m.Query, "reason", m.LastError)
	return s.audit(ctx, &model.AuditEntry{
		Key:       "item:" + m.ID + ":discarded",
		EntityID:  m.SubjectID,
		Action:    model.AuditItemDiscarded,
		Before:    string(item.Kind()) + " " + m.Query,
		Rationale: m.LastError,
	})
}
