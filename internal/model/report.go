package model

import "time"

// ResearchBundle is the finalized, privacy-redacted output of a session.
// Unresolved conflicts, firewall rejections and discarded work are
// first-class parts of the bundle.
type ResearchBundle struct {
	SubjectID     string          `json:"subject_id"`
	SessionID     string          `json:"session_id,omitempty"`
	GeneratedAt   time.Time       `json:"generated_at"`
	StopReason    StopReason      `json:"stop_reason,omitempty"`
	Subject       Person          `json:"subject"`
	Persons       []Person        `json:"persons"`
	Relationships []Relationship  `json:"relationships"`
	Assertions    []Assertion     `json:"assertions"`
	Conflicts     []Assertion     `json:"conflicts"`
	Claims        []EvidenceClaim `json:"claims"`
	Sources       []SourceRecord  `json:"sources"`
	Merges        []MergeCluster  `json:"merges"`
	Discarded     []EncodedItem   `json:"discarded"`
	Rejections    []AuditEntry    `json:"rejections"`
	Audit         []AuditEntry    `json:"audit"`
	Signals       []Signal        `json:"signals,omitempty"`
}

// StopReason explains why a session reached Completed
type StopReason string

const (
	StopBudgetExhausted    StopReason = "budget_exhausted"
	StopConfidenceAchieved StopReason = "confidence_achieved"
	StopDiminishingReturns StopReason = "diminishing_returns"
	StopFrontierEmpty      StopReason = "frontier_empty"
)

// Signal is a transparent diagnostic about a bundle
type Signal struct {
	Type        SignalType     `json:"type"`
	Severity    SignalSeverity `json:"severity"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// SignalType classifies a diagnostic signal
type SignalType string

const (
	SignalConflicts     SignalType = "unresolved_conflicts"
	SignalDiscarded     SignalType = "discarded_work"
	SignalRejections    SignalType = "firewall_rejections"
	SignalPrimaryShare  SignalType = "primary_source_share"
	SignalPendingMerges SignalType = "pending_merge_review"
	SignalLivingPersons SignalType = "living_persons_redacted"
)

// SignalSeverity indicates the importance of the signal
type SignalSeverity string

const (
	SeverityInfo     SignalSeverity = "info"
	SeverityWarning  SignalSeverity = "warning"
	SeverityCritical SignalSeverity = "critical"
)
