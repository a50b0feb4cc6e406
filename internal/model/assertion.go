package model

import "time"

// AssertionStatus is the resolution state of an Assertion
type AssertionStatus string

const (
	StatusVerified    AssertionStatus = "verified"
	StatusUnverified  AssertionStatus = "unverified"
	StatusConflicting AssertionStatus = "conflicting"
	StatusTentative   AssertionStatus = "tentative"
)

// ResolutionMethod records how an Assertion's value was chosen
type ResolutionMethod string

const (
	MethodSingleSource     ResolutionMethod = "single-source"
	MethodBayesianMerge    ResolutionMethod = "bayesian-merge"
	MethodConflictRetained ResolutionMethod = "conflict-retained"
)

// Assertion is the current resolved belief for one (entity, field). Only the
// conflict resolution engine writes assertions; every write bumps Version
// and pushes the previous state onto History.
type Assertion struct {
	EntityID   string              `json:"entity_id"`
	Field      Field               `json:"field"`
	Value      string              `json:"value"`
	Confidence float64             `json:"confidence"`
	Method     ResolutionMethod    `json:"resolution_method"`
	Status     AssertionStatus     `json:"status"`
	Version    int                 `json:"version"`
	ClaimIDs   []string            `json:"claim_ids"`
	Candidates []Candidate         `json:"candidates,omitempty"`
	History    []AssertionRevision `json:"history,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Candidate is one competing value with its combined posterior
type Candidate struct {
	Value     string   `json:"value"`
	Posterior float64  `json:"posterior"`
	LogOdds   float64  `json:"log_odds"`
	ClaimIDs  []string `json:"claim_ids"`
}

// AssertionRevision is a retained prior state of an Assertion
type AssertionRevision struct {
	Version    int              `json:"version"`
	Value      string           `json:"value"`
	Confidence float64          `json:"confidence"`
	Status     AssertionStatus  `json:"status"`
	Method     ResolutionMethod `json:"resolution_method"`
	Rationale  string           `json:"rationale,omitempty"`
	At         time.Time        `json:"at"`
}

// Key returns the (entity, field) identity of the assertion
func (a *Assertion) Key() AssertionKey {
	return AssertionKey{EntityID: a.EntityID, Field: a.Field}
}

// AssertionKey identifies an Assertion
type AssertionKey struct {
	EntityID string `json:"entity_id"`
	Field    Field  `json:"field"`
}
