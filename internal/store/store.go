// Package store is the durable Evidence Store: source records, evidence
// claims, versioned assertions, persons and their kinship edges, merge
// clusters with aliases, the audit log and session checkpoints.
package store

import (
	"context"
	"errors"

	"github.com/ppiankov/lineage/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an assertion write carries a stale version
	ErrVersionConflict = errors.New("assertion version conflict")

	// ErrImmutable is returned when a write would change an immutable record
	ErrImmutable = errors.New("record is immutable")
)

// Reader is the read-only snapshot interface exposed to downstream consumers
type Reader interface {
	// GetPerson returns the person, following merge aliases to the canonical record
	GetPerson(ctx context.Context, id string) (*model.Person, error)

	// GetPersonRecord returns the stored record for id without alias resolution
	GetPersonRecord(ctx context.Context, id string) (*model.Person, error)

	// ResolveID follows merge aliases to the canonical id
	ResolveID(ctx context.Context, id string) (string, error)

	// Aliases returns ids currently aliased to canonicalID
	Aliases(ctx context.Context, canonicalID string) ([]string, error)

	ListPersons(ctx context.Context) ([]model.Person, error)
	Relationships(ctx context.Context, personID string) ([]model.Relationship, error)

	GetSource(ctx context.Context, id string) (*model.SourceRecord, error)
	LatestSource(ctx context.Context, url string) (*model.SourceRecord, error)
	ListSources(ctx context.Context) ([]model.SourceRecord, error)

	GetClaim(ctx context.Context, id string) (*model.EvidenceClaim, error)

	// ClaimsFor lists claims about subjectID; an empty field lists all fields
	ClaimsFor(ctx context.Context, subjectID string, field model.Field) ([]model.EvidenceClaim, error)

	GetAssertion(ctx context.Context, entityID string, field model.Field) (*model.Assertion, error)

	// ListAssertions lists assertions of entityID; empty lists all entities
	ListAssertions(ctx context.Context, entityID string) ([]model.Assertion, error)

	GetMerge(ctx context.Context, id string) (*model.MergeCluster, error)
	ListMerges(ctx context.Context) ([]model.MergeCluster, error)

	// Audit lists audit entries in Seq order; empty entityID lists all
	Audit(ctx context.Context, entityID string) ([]model.AuditEntry, error)

	LoadSession(ctx context.Context, id string) ([]byte, error)
}

// Store is the mutable Evidence Store
type Store interface {
	Reader

	// SavePerson inserts or updates a person record
	SavePerson(ctx context.Context, p *model.Person) error

	// SaveSource inserts an immutable source record. Saving an identical
	// record again is a no-op; a different record under the same id fails
	// with ErrImmutable.
	SaveSource(ctx context.Context, s *model.SourceRecord) error

	// SaveClaim inserts an immutable claim with the same semantics as SaveSource
	SaveClaim(ctx context.Context, c *model.EvidenceClaim) error

	// PutAssertion writes a if the stored version equals expectedVersion
	// (0 for a new assertion) and fails with ErrVersionConflict otherwise
	PutAssertion(ctx context.Context, a *model.Assertion, expectedVersion int) error

	SaveRelationship(ctx context.Context, r *model.Relationship) error
	SaveMerge(ctx context.Context, m *model.MergeCluster) error
	SetAlias(ctx context.Context, aliasID, canonicalID string) error
	RemoveAlias(ctx context.Context, aliasID string) error

	// AppendAudit assigns e.Seq and appends it; an entry whose Key was
	// already appended is dropped
	AppendAudit(ctx context.Context, e *model.AuditEntry) error

	SaveSession(ctx context.Context, id string, data []byte) error

	Close() error
}
