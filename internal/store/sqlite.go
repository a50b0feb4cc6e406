package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ppiankov/lineage/internal/model"
)

//go:embed schema.sql
var schema string

// GetSchemaSQL returns the schema so tests run against the same DDL as production
func GetSchemaSQL() string {
	return schema
}

// timeLayout sorts lexically in time order
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Sealer encrypts contact-identifying fields before they reach disk
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// sealedPrefix marks a record column that holds a sealed JSON document
const sealedPrefix = "sealed:"

// SQLiteStore is the durable Store backed by SQLite. Records are stored as
// JSON documents; contact fields go through the Sealer into their own column,
// and claims and assertions about contact fields are sealed whole.
type SQLiteStore struct {
	db     *sql.DB
	sealer Sealer
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string, sealer Sealer, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_foreign_keys=on&_busy_timeout=5000"
	} else {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	if sealer == nil {
		logger.Warn("contact fields will be stored unsealed", "path", path)
	}

	return &SQLiteStore{db: db, sealer: sealer, logger: logger.With("component", "store")}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func mapErr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func stamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// encode marshals v, sealing the document when sensitive and a sealer is set
func (s *SQLiteStore) encode(v any, sensitive bool) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if !sensitive || s.sealer == nil {
		return string(raw), nil
	}
	box, err := s.sealer.Seal(raw)
	if err != nil {
		return "", fmt.Errorf("seal record: %w", err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// decode unmarshals a record column written by encode
func (s *SQLiteStore) decode(raw string, dst any) error {
	data := []byte(raw)
	if rest, ok := strings.CutPrefix(raw, sealedPrefix); ok {
		if s.sealer == nil {
			return errors.New("record is sealed and no seal key is configured")
		}
		box, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return fmt.Errorf("sealed record: %w", err)
		}
		if data, err = s.sealer.Open(box); err != nil {
			return fmt.Errorf("open sealed record: %w", err)
		}
	}
	return json.Unmarshal(data, dst)
}

func (s *SQLiteStore) getJSON(ctx context.Context, dst any, what, query string, args ...any) error {
	var raw string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return mapErr(err, what)
	}
	if err := s.decode(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func queryJSON[T any](ctx context.Context, s *SQLiteStore, what, query string, args ...any) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		var v T
		if err := s.decode(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", what, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- persons ---

func (s *SQLiteStore) sealContact(contact map[string]string) ([]byte, error) {
	if len(contact) == 0 {
		return nil, nil
	}
	plain, err := json.Marshal(contact)
	if err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return plain, nil
	}
	return s.sealer.Seal(plain)
}

func (s *SQLiteStore) openContact(blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	plain := blob
	if s.sealer != nil {
		var err error
		if plain, err = s.sealer.Open(blob); err != nil {
			return nil, err
		}
	}
	var contact map[string]string
	if err := json.Unmarshal(plain, &contact); err != nil {
		return nil, err
	}
	return contact, nil
}

func (s *SQLiteStore) scanPerson(raw string, blob []byte) (*model.Person, error) {
	var p model.Person
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode person: %w", err)
	}
	contact, err := s.openContact(blob)
	if err != nil {
		return nil, fmt.Errorf("open contact of %s: %w", p.ID, err)
	}
	p.Contact = contact
	return &p, nil
}

func (s *SQLiteStore) resolve(ctx context.Context, id string) (string, error) {
	for i := 0; i < maxAliasHops; i++ {
		var next string
		err := s.db.QueryRowContext(ctx, "SELECT canonical_id FROM aliases WHERE alias_id = ?", id).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("resolve alias %s: %w", id, err)
		}
		id = next
	}
	return id, nil
}

// GetPerson returns the canonical person for id
func (s *SQLiteStore) GetPerson(ctx context.Context, id string) (*model.Person, error) {
	canonical, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.GetPersonRecord(ctx, canonical)
}

// GetPersonRecord returns the stored record for id
func (s *SQLiteStore) GetPersonRecord(ctx context.Context, id string) (*model.Person, error) {
	var raw string
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT record, contact FROM persons WHERE id = ?", id).Scan(&raw, &blob)
	if err != nil {
		return nil, mapErr(err, "person "+id)
	}
	return s.scanPerson(raw, blob)
}

// ResolveID follows aliases to the canonical id
func (s *SQLiteStore) ResolveID(ctx context.Context, id string) (string, error) {
	return s.resolve(ctx, id)
}

// Aliases lists ids that resolve to canonicalID
func (s *SQLiteStore) Aliases(ctx context.Context, canonicalID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT alias_id FROM aliases ORDER BY alias_id")
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	var all []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		all = append(all, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}

	var out []string
	for _, alias := range all {
		target, err := s.resolve(ctx, alias)
		if err != nil {
			return nil, err
		}
		if target == canonicalID {
			out = append(out, alias)
		}
	}
	return out, nil
}

// ListPersons returns every stored person record ordered by creation
func (s *SQLiteStore) ListPersons(ctx context.Context) ([]model.Person, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT record, contact FROM persons ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()

	var out []model.Person
	for rows.Next() {
		var raw string
		var blob []byte
		if err := rows.Scan(&raw, &blob); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		p, err := s.scanPerson(raw, blob)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SavePerson upserts a person; contact fields are sealed into their own column
func (s *SQLiteStore) SavePerson(ctx context.Context, p *model.Person) error {
	rec := *p
	rec.Contact = nil
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode person: %w", err)
	}
	blob, err := s.sealContact(p.Contact)
	if err != nil {
		return fmt.Errorf("seal contact of %s: %w", p.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO persons (id, record, contact, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, contact = excluded.contact`,
		p.ID, string(raw), blob, stamp(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save person %s: %w", p.ID, err)
	}
	return nil
}

// --- relationships ---

// Relationships lists edges touching personID, or all edges when empty
func (s *SQLiteStore) Relationships(ctx context.Context, personID string) ([]model.Relationship, error) {
	if personID == "" {
		return queryJSON[model.Relationship](ctx, s, "relationships",
			"SELECT record FROM relationships ORDER BY id")
	}
	return queryJSON[model.Relationship](ctx, s, "relationships",
		"SELECT record FROM relationships WHERE from_id = ? OR to_id = ? ORDER BY id", personID, personID)
}

// SaveRelationship stores an edge; saving the same id twice is a no-op
func (s *SQLiteStore) SaveRelationship(ctx context.Context, r *model.Relationship) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode relationship: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO relationships (id, from_id, to_id, kind, record) VALUES (?, ?, ?, ?, ?)",
		r.ID, r.From, r.To, string(r.Kind), string(raw),
	)
	if err != nil {
		return fmt.Errorf("save relationship %s: %w", r.ID, err)
	}
	return nil
}

// --- sources ---

// GetSource returns a source record
func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*model.SourceRecord, error) {
	var src model.SourceRecord
	if err := s.getJSON(ctx, &src, "source "+id, "SELECT record FROM sources WHERE id = ?", id); err != nil {
		return nil, err
	}
	return &src, nil
}

// LatestSource returns the most recently stored version for url
func (s *SQLiteStore) LatestSource(ctx context.Context, url string) (*model.SourceRecord, error) {
	var src model.SourceRecord
	err := s.getJSON(ctx, &src, "source for "+url,
		"SELECT record FROM sources WHERE url = ? ORDER BY seq DESC LIMIT 1", url)
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// ListSources returns sources in insertion order
func (s *SQLiteStore) ListSources(ctx context.Context) ([]model.SourceRecord, error) {
	return queryJSON[model.SourceRecord](ctx, s, "sources", "SELECT record FROM sources ORDER BY seq")
}

// SaveSource inserts an immutable source record
func (s *SQLiteStore) SaveSource(ctx context.Context, src *model.SourceRecord) error {
	existing, err := s.GetSource(ctx, src.ID)
	switch {
	case err == nil:
		if sameSource(*existing, *src) {
			return nil
		}
		return fmt.Errorf("source %s: %w", src.ID, ErrImmutable)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode source: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sources (id, url, content_hash, record) VALUES (?, ?, ?, ?)",
		src.ID, src.URL, src.ContentHash, string(raw),
	)
	if err != nil {
		return fmt.Errorf("save source %s: %w", src.ID, err)
	}
	return nil
}

// --- claims ---

// GetClaim returns a claim
func (s *SQLiteStore) GetClaim(ctx context.Context, id string) (*model.EvidenceClaim, error) {
	var c model.EvidenceClaim
	if err := s.getJSON(ctx, &c, "claim "+id, "SELECT record FROM claims WHERE id = ?", id); err != nil {
		return nil, err
	}
	return &c, nil
}

// ClaimsFor lists claims for a subject in insertion order
func (s *SQLiteStore) ClaimsFor(ctx context.Context, subjectID string, field model.Field) ([]model.EvidenceClaim, error) {
	query := "SELECT record FROM claims WHERE 1 = 1"
	var args []any
	if subjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, subjectID)
	}
	if field != "" {
		query += " AND field = ?"
		args = append(args, string(field))
	}
	return queryJSON[model.EvidenceClaim](ctx, s, "claims", query+" ORDER BY seq", args...)
}

// SaveClaim inserts an immutable claim; its source must already be stored
func (s *SQLiteStore) SaveClaim(ctx context.Context, c *model.EvidenceClaim) error {
	existing, err := s.GetClaim(ctx, c.ID)
	switch {
	case err == nil:
		if sameClaim(*existing, *c) {
			return nil
		}
		return fmt.Errorf("claim %s: %w", c.ID, ErrImmutable)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	raw, err := s.encode(c, c.Field.IsContact())
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO claims (id, subject_id, field, source_id, record) VALUES (?, ?, ?, ?, ?)",
		c.ID, c.SubjectID, string(c.Field), c.SourceID, raw,
	)
	if err != nil {
		return fmt.Errorf("save claim %s: %w", c.ID, err)
	}
	return nil
}

// --- assertions ---

// GetAssertion returns the assertion for (entityID, field)
func (s *SQLiteStore) GetAssertion(ctx context.Context, entityID string, field model.Field) (*model.Assertion, error) {
	var a model.Assertion
	err := s.getJSON(ctx, &a, fmt.Sprintf("assertion %s/%s", entityID, field),
		"SELECT record FROM assertions WHERE entity_id = ? AND field = ?", entityID, string(field))
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAssertions lists assertions ordered by entity and field
func (s *SQLiteStore) ListAssertions(ctx context.Context, entityID string) ([]model.Assertion, error) {
	if entityID == "" {
		return queryJSON[model.Assertion](ctx, s, "assertions",
			"SELECT record FROM assertions ORDER BY entity_id, field")
	}
	return queryJSON[model.Assertion](ctx, s, "assertions",
		"SELECT record FROM assertions WHERE entity_id = ? ORDER BY field", entityID)
}

// PutAssertion performs a version-checked write. The check and the write are
// a single statement, so concurrent sessions sharing the file cannot both win.
func (s *SQLiteStore) PutAssertion(ctx context.Context, a *model.Assertion, expectedVersion int) error {
	raw, err := s.encode(a, a.Field.IsContact())
	if err != nil {
		return fmt.Errorf("encode assertion: %w", err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO assertions (entity_id, field, version, record) VALUES (?, ?, ?, ?)",
			a.EntityID, string(a.Field), a.Version, raw,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE assertions SET version = ?, record = ? WHERE entity_id = ? AND field = ? AND version = ?",
			a.Version, raw, a.EntityID, string(a.Field), expectedVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("put assertion %s/%s: %w", a.EntityID, a.Field, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put assertion %s/%s: %w", a.EntityID, a.Field, err)
	}
	if n == 0 {
		s.logger.Debug("assertion version conflict", "entity", a.EntityID, "field", a.Field, "expected", expectedVersion)
		return fmt.Errorf("assertion %s/%s expected version %d: %w", a.EntityID, a.Field, expectedVersion, ErrVersionConflict)
	}
	return nil
}

// --- merges and aliases ---

// GetMerge returns a merge cluster
func (s *SQLiteStore) GetMerge(ctx context.Context, id string) (*model.MergeCluster, error) {
	var m model.MergeCluster
	if err := s.getJSON(ctx, &m, "merge "+id, "SELECT record FROM merges WHERE id = ?", id); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMerges lists merge clusters ordered by creation
func (s *SQLiteStore) ListMerges(ctx context.Context) ([]model.MergeCluster, error) {
	return queryJSON[model.MergeCluster](ctx, s, "merges", "SELECT record FROM merges ORDER BY created_at, id")
}

// SaveMerge upserts a merge cluster
func (s *SQLiteStore) SaveMerge(ctx context.Context, m *model.MergeCluster) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode merge: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merges (id, created_at, record) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record`,
		m.ID, stamp(m.CreatedAt), string(raw),
	)
	if err != nil {
		return fmt.Errorf("save merge %s: %w", m.ID, err)
	}
	return nil
}

// SetAlias points aliasID at canonicalID
func (s *SQLiteStore) SetAlias(ctx context.Context, aliasID, canonicalID string) error {
	if aliasID == canonicalID {
		return fmt.Errorf("alias %s points at itself", aliasID)
	}
	target, err := s.resolve(ctx, canonicalID)
	if err != nil {
		return err
	}
	if target == aliasID {
		return fmt.Errorf("alias %s -> %s would form a cycle", aliasID, canonicalID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO aliases (alias_id, canonical_id) VALUES (?, ?)
		ON CONFLICT(alias_id) DO UPDATE SET canonical_id = excluded.canonical_id`,
		aliasID, canonicalID,
	)
	if err != nil {
		return fmt.Errorf("set alias %s: %w", aliasID, err)
	}
	return nil
}

// RemoveAlias deletes the alias for aliasID
func (s *SQLiteStore) RemoveAlias(ctx context.Context, aliasID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM aliases WHERE alias_id = ?", aliasID); err != nil {
		return fmt.Errorf("remove alias %s: %w", aliasID, err)
	}
	return nil
}

// --- audit ---

// Audit lists entries in Seq order
func (s *SQLiteStore) Audit(ctx context.Context, entityID string) ([]model.AuditEntry, error) {
	query := "SELECT seq, record FROM audit ORDER BY seq"
	var args []any
	if entityID != "" {
		query = "SELECT seq, record FROM audit WHERE entity_id = ? ORDER BY seq"
		args = append(args, entityID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var seq int64
		var raw string
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		var e model.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode audit: %w", err)
		}
		e.Seq = seq
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendAudit appends an entry unless its key was already recorded
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	e.Seq = 0
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit: %w", err)
	}
	key := sql.NullString{String: e.Key, Valid: e.Key != ""}
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO audit (key, entity_id, record) VALUES (?, ?, ?)",
		key, e.EntityID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	e.Seq = seq
	return nil
}

// --- sessions ---

// LoadSession returns a saved session checkpoint
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx, "SELECT data FROM sessions WHERE id = ?", id).Scan(&data); err != nil {
		return nil, mapErr(err, "session "+id)
	}
	return data, nil
}

// SaveSession stores a session checkpoint
func (s *SQLiteStore) SaveSession(ctx context.Context, id string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		id, data, stamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
