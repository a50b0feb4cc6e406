package model

import (
	"errors"
	"fmt"
	"strings"
)

// Report-only conditions. They are valid outcomes, never session failures.
var (
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrMergeAmbiguous     = errors.New("merge ambiguous: review required")
)

// TransientFetchError is a retryable failure of a fetch, search or
// verification call (timeouts, 5xx, connection resets)
type TransientFetchError struct {
	Op  string
	URL string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient %s failure for %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// ComplianceViolation is a policy rejection (robots.txt disallow, blocked
// domain). It is never retried.
type ComplianceViolation struct {
	URL    string
	Rule   string
	Reason string
}

func (e *ComplianceViolation) Error() string {
	return fmt.Sprintf("compliance violation (%s) for %s: %s", e.Rule, e.URL, e.Reason)
}

// Violation is one failed firewall check
type Violation struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

// ExtractionRejected reports a claim stopped by the hallucination firewall
type ExtractionRejected struct {
	Field      Field
	Value      string
	Violations []Violation
}

func (e *ExtractionRejected) Error() string {
	checks := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		checks = append(checks, v.Check)
	}
	return fmt.Sprintf("extraction rejected for %s=%q: %s", e.Field, e.Value, strings.Join(checks, ", "))
}

// StorageFailure is fatal to the current iteration; the session resumes
// from its last durable checkpoint
type StorageFailure struct {
	Op  string
	Err error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageFailure) Unwrap() error { return e.Err }

// ConfigError is an unrecoverable configuration problem
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// IsSessionFatal reports whether err must stop a research session
func IsSessionFatal(err error) bool {
	var sf *StorageFailure
	var ce *ConfigError
	return errors.As(err, &sf) || errors.As(err, &ce)
}
