package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ppiankov/lineage/internal/model"
)

// maxAliasHops bounds alias chains so a corrupted alias table cannot loop
const maxAliasHops = 32

// MemoryStore is an in-process Store used for tests and ephemeral sessions
type MemoryStore struct {
	mu            sync.RWMutex
	persons       map[string]model.Person
	relationships map[string]model.Relationship
	sources       map[string]model.SourceRecord
	sourceOrder   []string
	claims        map[string]model.EvidenceClaim
	claimOrder    []string
	assertions    map[model.AssertionKey]model.Assertion
	merges        map[string]model.MergeCluster
	aliases       map[string]string
	audit         []model.AuditEntry
	auditKeys     map[string]bool
	sessions      map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		persons:       make(map[string]model.Person),
		relationships: make(map[string]model.Relationship),
		sources:       make(map[string]model.SourceRecord),
		claims:        make(map[string]model.EvidenceClaim),
		assertions:    make(map[model.AssertionKey]model.Assertion),
		merges:        make(map[string]model.MergeCluster),
		aliases:       make(map[string]string),
		auditKeys:     make(map[string]bool),
		sessions:      make(map[string][]byte),
	}
}

func (s *MemoryStore) resolve(id string) string {
	for i := 0; i < maxAliasHops; i++ {
		next, ok := s.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

// GetPerson returns the canonical person for id
func (s *MemoryStore) GetPerson(ctx context.Context, id string) (*model.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[s.resolve(id)]
	if !ok {
		return nil, fmt.Errorf("person %s: %w", id, ErrNotFound)
	}
	return clonePerson(p), nil
}

// GetPersonRecord returns the stored record for id
func (s *MemoryStore) GetPersonRecord(ctx context.Context, id string) (*model.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[id]
	if !ok {
		return nil, fmt.Errorf("person %s: %w", id, ErrNotFound)
	}
	return clonePerson(p), nil
}

// ResolveID follows aliases to the canonical id
func (s *MemoryStore) ResolveID(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolve(id), nil
}

// Aliases lists ids that resolve to canonicalID
func (s *MemoryStore) Aliases(ctx context.Context, canonicalID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for alias := range s.aliases {
		if s.resolve(alias) == canonicalID {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListPersons returns every stored person record ordered by creation
func (s *MemoryStore) ListPersons(ctx context.Context) ([]model.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Person, 0, len(s.persons))
	for _, p := range s.persons {
		out = append(out, *clonePerson(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SavePerson upserts a person
func (s *MemoryStore) SavePerson(ctx context.Context, p *model.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[p.ID] = *clonePerson(*p)
	return nil
}

// Relationships lists edges touching personID, or all edges when empty
func (s *MemoryStore) Relationships(ctx context.Context, personID string) ([]model.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Relationship
	for _, r := range s.relationships {
		if personID == "" || r.From == personID || r.To == personID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRelationship stores an edge; saving the same id twice is a no-op
func (s *MemoryStore) SaveRelationship(ctx context.Context, r *model.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.relationships[r.ID]; ok {
		return nil
	}
	s.relationships[r.ID] = *r
	return nil
}

// GetSource returns a source record
func (s *MemoryStore) GetSource(ctx context.Context, id string) (*model.SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return &src, nil
}

// LatestSource returns the most recently stored version for url
func (s *MemoryStore) LatestSource(ctx context.Context, url string) (*model.SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.sourceOrder) - 1; i >= 0; i-- {
		src := s.sources[s.sourceOrder[i]]
		if src.URL == url {
			return &src, nil
		}
	}
	return nil, fmt.Errorf("source for %s: %w", url, ErrNotFound)
}

// ListSources returns sources in insertion order
func (s *MemoryStore) ListSources(ctx context.Context) ([]model.SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SourceRecord, 0, len(s.sourceOrder))
	for _, id := range s.sourceOrder {
		out = append(out, s.sources[id])
	}
	return out, nil
}

// SaveSource inserts an immutable source record
func (s *MemoryStore) SaveSource(ctx context.Context, src *model.SourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sources[src.ID]; ok {
		if sameSource(existing, *src) {
			return nil
		}
		return fmt.Errorf("source %s: %w", src.ID, ErrImmutable)
	}
	s.sources[src.ID] = *src
	s.sourceOrder = append(s.sourceOrder, src.ID)
	return nil
}

// GetClaim returns a claim
func (s *MemoryStore) GetClaim(ctx context.Context, id string) (*model.EvidenceClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[id]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

// ClaimsFor lists claims for a subject in insertion order
func (s *MemoryStore) ClaimsFor(ctx context.Context, subjectID string, field model.Field) ([]model.EvidenceClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.EvidenceClaim
	for _, id := range s.claimOrder {
		c := s.claims[id]
		if subjectID != "" && c.SubjectID != subjectID {
			continue
		}
		if field != "" && c.Field != field {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// SaveClaim inserts an immutable claim
func (s *MemoryStore) SaveClaim(ctx context.Context, c *model.EvidenceClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.claims[c.ID]; ok {
		if sameClaim(existing, *c) {
			return nil
		}
		return fmt.Errorf("claim %s: %w", c.ID, ErrImmutable)
	}
	s.claims[c.ID] = *c
	s.claimOrder = append(s.claimOrder, c.ID)
	return nil
}

// GetAssertion returns the assertion for (entityID, field)
func (s *MemoryStore) GetAssertion(ctx context.Context, entityID string, field model.Field) (*model.Assertion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assertions[model.AssertionKey{EntityID: entityID, Field: field}]
	if !ok {
		return nil, fmt.Errorf("assertion %s/%s: %w", entityID, field, ErrNotFound)
	}
	return cloneAssertion(a), nil
}

// ListAssertions lists assertions ordered by entity and field
func (s *MemoryStore) ListAssertions(ctx context.Context, entityID string) ([]model.Assertion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Assertion
	for k, a := range s.assertions {
		if entityID == "" || k.EntityID == entityID {
			out = append(out, *cloneAssertion(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID == out[j].EntityID {
			return out[i].Field < out[j].Field
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

// PutAssertion performs a version-checked write
func (s *MemoryStore) PutAssertion(ctx context.Context, a *model.Assertion, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := a.Key()
	current := 0
	if existing, ok := s.assertions[key]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("assertion %s/%s at version %d, expected %d: %w", key.EntityID, key.Field, current, expectedVersion, ErrVersionConflict)
	}
	s.assertions[key] = *cloneAssertion(*a)
	return nil
}

// GetMerge returns a merge cluster
func (s *MemoryStore) GetMerge(ctx context.Context, id string) (*model.MergeCluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.merges[id]
	if !ok {
		return nil, fmt.Errorf("merge %s: %w", id, ErrNotFound)
	}
	return cloneMerge(m), nil
}

// ListMerges lists merge clusters ordered by creation
func (s *MemoryStore) ListMerges(ctx context.Context) ([]model.MergeCluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MergeCluster, 0, len(s.merges))
	for _, m := range s.merges {
		out = append(out, *cloneMerge(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveMerge upserts a merge cluster
func (s *MemoryStore) SaveMerge(ctx context.Context, m *model.MergeCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges[m.ID] = *cloneMerge(*m)
	return nil
}

// SetAlias points aliasID at canonicalID
func (s *MemoryStore) SetAlias(ctx context.Context, aliasID, canonicalID string) error {
	if aliasID == canonicalID {
		return fmt.Errorf("alias %s points at itself", aliasID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolve(canonicalID) == aliasID {
		return fmt.Errorf("alias %s -> %s would form a cycle", aliasID, canonicalID)
	}
	s.aliases[aliasID] = canonicalID
	return nil
}

// RemoveAlias deletes the alias for aliasID
func (s *MemoryStore) RemoveAlias(ctx context.Context, aliasID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aliases, aliasID)
	return nil
}

// Audit lists entries in Seq order
func (s *MemoryStore) Audit(ctx context.Context, entityID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AuditEntry
	for _, e := range s.audit {
		if entityID == "" || e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

// AppendAudit appends an entry unless its key was already recorded
func (s *MemoryStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Key != "" {
		if s.auditKeys[e.Key] {
			return nil
		}
		s.auditKeys[e.Key] = true
	}
	e.Seq = int64(len(s.audit) + 1)
	s.audit = append(s.audit, *e)
	return nil
}

// LoadSession returns a saved session checkpoint
func (s *MemoryStore) LoadSession(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// SaveSession stores a session checkpoint
func (s *MemoryStore) SaveSession(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = append([]byte(nil), data...)
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }

func clonePerson(p model.Person) *model.Person {
	p.Names = append([]model.NameVariant(nil), p.Names...)
	if p.Contact != nil {
		contact := make(map[string]string, len(p.Contact))
		for k, v := range p.Contact {
			contact[k] = v
		}
		p.Contact = contact
	}
	return &p
}

func cloneAssertion(a model.Assertion) *model.Assertion {
	a.ClaimIDs = append([]string(nil), a.ClaimIDs...)
	a.History = append([]model.AssertionRevision(nil), a.History...)
	candidates := make([]model.Candidate, len(a.Candidates))
	for i, c := range a.Candidates {
		c.ClaimIDs = append([]string(nil), c.ClaimIDs...)
		candidates[i] = c
	}
	a.Candidates = candidates
	return &a
}

func cloneMerge(m model.MergeCluster) *model.MergeCluster {
	m.MemberIDs = append([]string(nil), m.MemberIDs...)
	m.WhyNotMerge = append([]string(nil), m.WhyNotMerge...)
	if m.Features != nil {
		features := make(map[string]float64, len(m.Features))
		for k, v := range m.Features {
			features[k] = v
		}
		m.Features = features
	}
	return &m
}

var _ Store = (*MemoryStore)(nil)

// sameSource reports whether two records describe the same fetched content.
// AccessedAt is ignored so a replayed fetch is recognized as the same record.
func sameSource(a, b model.SourceRecord) bool {
	return a.URL == b.URL && a.ContentHash == b.ContentHash && a.Class == b.Class
}

func sameClaim(a, b model.EvidenceClaim) bool {
	return a.SubjectID == b.SubjectID && a.Field == b.Field && a.Value == b.Value &&
		a.SourceID == b.SourceID && a.CitationSnippet == b.CitationSnippet && a.IsFact == b.IsFact
}
