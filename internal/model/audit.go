package model

import "time"

// AuditAction names the kind of mutation recorded
type AuditAction string

const (
	AuditPersonCreated     AuditAction = "person_created"
	AuditSourceStored      AuditAction = "source_stored"
	AuditClaimStored       AuditAction = "claim_stored"
	AuditClaimRejected     AuditAction = "claim_rejected"
	AuditAssertionResolved AuditAction = "assertion_resolved"
	AuditPersonProjected   AuditAction = "person_projected"
	AuditPrivacyEvaluated  AuditAction = "privacy_evaluated"
	AuditMergeProposed     AuditAction = "merge_proposed"
	AuditMergeExecuted     AuditAction = "merge_executed"
	AuditMergeReverted     AuditAction = "merge_reverted"
	AuditItemDiscarded     AuditAction = "item_discarded"
	AuditPolicyRejected    AuditAction = "policy_rejected"
	AuditSessionStopped    AuditAction = "session_stopped"
)

// AuditEntry is an immutable record of one mutation. Seq is assigned by the
// store and totally orders entries. Key, when set, makes the append
// idempotent: a second entry with the same key is dropped.
type AuditEntry struct {
	Seq       int64       `json:"seq"`
	Key       string      `json:"key,omitempty"`
	EntityID  string      `json:"entity_id"`
	Actor     string      `json:"actor"`
	Action    AuditAction `json:"action"`
	Before    string      `json:"before,omitempty"`
	After     string      `json:"after,omitempty"`
	Rationale string      `json:"rationale,omitempty"`
	At        time.Time   `json:"at"`
}
