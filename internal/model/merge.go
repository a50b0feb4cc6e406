package model

import "time"

// MergeDecision is the Entity Resolver's recommendation
type MergeDecision string

const (
	DecisionMergeWithReview MergeDecision = "merge_with_review"
	DecisionReview          MergeDecision = "review"
	DecisionSeparate        MergeDecision = "separate"
)

// MergeStatus tracks the lifecycle of a MergeCluster
type MergeStatus string

const (
	MergeProposed MergeStatus = "proposed"
	MergeExecuted MergeStatus = "executed"
	MergeReverted MergeStatus = "reverted"
)

// MergeCluster records a proposed or executed identity merge. Members are
// never deleted: obsolete ids stay resolvable as aliases of CanonicalID and
// the merge can always be reverted.
type MergeCluster struct {
	ID          string             `json:"id"`
	CanonicalID string             `json:"canonical_id"`
	MemberIDs   []string           `json:"member_ids"`
	Similarity  float64            `json:"similarity"`
	Features    map[string]float64 `json:"features"`
	Decision    MergeDecision      `json:"decision"`
	Rationale   string             `json:"rationale"`
	WhyNotMerge []string           `json:"why_not_merge"`
	Reversible  bool               `json:"reversible"`
	Status      MergeStatus        `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}
