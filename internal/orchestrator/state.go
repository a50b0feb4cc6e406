// Package orchestrator runs research sessions: a state machine that crawls
// sources tier by tier, turns verified extractions into evidence claims,
// resolves conflicts and decides what to search next and when to stop.
package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/queue"
)

// State is a step of the research state machine
type State string

const (
	StateSeeded               State = "seeded"
	StateTierCrawl            State = "tier_crawl"
	StateFactExtraction       State = "fact_extraction"
	StateConflictCheck        State = "conflict_check"
	StateHypothesisGeneration State = "hypothesis_generation"
	StateRevisitScheduling    State = "revisit_scheduling"
	StateStopEvaluation       State = "stop_evaluation"
	StateCompleted            State = "completed"
)

// transitions defines the valid state moves
var transitions = map[State][]State{
	StateSeeded:               {StateTierCrawl},
	StateTierCrawl:            {StateFactExtraction, StateStopEvaluation},
	StateFactExtraction:       {StateConflictCheck},
	StateConflictCheck:        {StateHypothesisGeneration},
	StateHypothesisGeneration: {StateRevisitScheduling},
	StateRevisitScheduling:    {StateStopEvaluation},
	StateStopEvaluation:       {StateTierCrawl, StateCompleted},
	StateCompleted:            {},
}

// ValidateTransition checks whether moving from one state to another is allowed
func ValidateTransition(from, to State) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("unknown state: %s", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

// midItem reports whether the state works on a dispatched queue item
func (s State) midItem() bool {
	switch s {
	case StateFactExtraction, StateConflictCheck, StateHypothesisGeneration, StateRevisitScheduling:
		return true
	}
	return false
}

// Seed is the starting point of a session
type Seed struct {
	Name  string `json:"name"`
	Born  string `json:"born,omitempty"`
	Died  string `json:"died,omitempty"`
	Place string `json:"place,omitempty"`
}

// ParseSeed reads a seed line such as "Thomas Vincent, b. Feb 1977, Leeds".
// Parts after the name are a birth date (b. or born), a death date (d. or
// died) or a place.
func ParseSeed(line string) (Seed, error) {
	parts := strings.Split(line, ",")
	seed := Seed{Name: strings.TrimSpace(parts[0])}
	if seed.Name == "" {
		return Seed{}, fmt.Errorf("seed %q has no name", line)
	}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		lower := strings.ToLower(p)
		switch {
		case p == "":
		case strings.HasPrefix(lower, "b."):
			seed.Born = strings.TrimSpace(p[2:])
		case strings.HasPrefix(lower, "born "):
			seed.Born = strings.TrimSpace(p[5:])
		case strings.HasPrefix(lower, "d."):
			seed.Died = strings.TrimSpace(p[2:])
		case strings.HasPrefix(lower, "died "):
			seed.Died = strings.TrimSpace(p[5:])
		default:
			seed.Place = p
		}
	}
	if seed.Born != "" {
		if _, ok := model.ParseDate(seed.Born); !ok {
			return Seed{}, fmt.Errorf("seed %q: cannot read birth date %q", line, seed.Born)
		}
	}
	if seed.Died != "" {
		if _, ok := model.ParseDate(seed.Died); !ok {
			return Seed{}, fmt.Errorf("seed %q: cannot read death date %q", line, seed.Died)
		}
	}
	return seed, nil
}

// query is the first search for the seeded person
func (s Seed) query() string {
	q := s.Name
	if d, ok := model.ParseDate(s.Born); ok {
		q += fmt.Sprintf(" %d", d.Earliest.Year())
	}
	return q
}

// checkpoint is the persisted state of a session. It is written after every
// step, so a resumed session repeats at most the step that was interrupted.
type checkpoint struct {
	ID          string              `json:"id"`
	SubjectID   string              `json:"subject_id"`
	Seed        Seed                `json:"seed"`
	Config      model.SessionConfig `json:"config"`
	State       State               `json:"state"`
	Tier        model.Tier          `json:"tier"`
	WorkUnits   int                 `json:"work_units"`
	StartedAt   time.Time           `json:"started_at"`
	Deadline    time.Time           `json:"deadline,omitempty"`
	StopReason  model.StopReason    `json:"stop_reason,omitempty"`
	CurrentID   string              `json:"current_id,omitempty"`
	Work        *work               `json:"work,omitempty"`
	Discoveries []int               `json:"discoveries,omitempty"` // New claims per processed item
	Queues      queue.State         `json:"queues"`
}

// work carries the results of the current item between states
type work struct {
	Documents  []document           `json:"documents,omitempty"`
	Retry      string               `json:"retry,omitempty"` // Transient failure; the item is retried once its documents are processed
	Touched    []string             `json:"touched,omitempty"`
	Relatives  []relative           `json:"relatives,omitempty"`
	Hypotheses []model.Hypothesis   `json:"hypotheses,omitempty"`
	Conflicts  []model.AssertionKey `json:"conflicts,omitempty"`
	Overturned []overturn           `json:"overturned,omitempty"`
	NewClaims  int                  `json:"new_claims"`

	// Versions holds the assertion versions of touched entities before
	// conflict checking, keyed by versionKey
	Versions map[string]int `json:"versions,omitempty"`
}

func versionKey(k model.AssertionKey) string {
	return k.EntityID + "/" + string(k.Field)
}

type document struct {
	SourceID  string   `json:"source_id"`
	URL       string   `json:"url"`
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
}

type relative struct {
	PersonID string      `json:"person_id"`
	Name     string      `json:"name"`
	Field    model.Field `json:"field"`
	SourceID string      `json:"source_id"`
}

type overturn struct {
	EntityID string      `json:"entity_id"`
	Field    model.Field `json:"field"`
	SourceID string      `json:"source_id"` // Source of the replaced value
}

func (w *work) touch(id string) {
	for _, t := range w.Touched {
		if t == id {
			return
		}
	}
	w.Touched = append(w.Touched, id)
}
