package model

import "time"

// Person is a researched individual. Fields other than ID and CreatedAt are
// projections of resolved Assertions; a Person is never deleted, only merged
// (via aliases) or archived.
type Person struct {
	ID         string            `json:"id"`
	Names      []NameVariant     `json:"names"`
	Birth      DateInterval      `json:"birth"`
	Death      DateInterval      `json:"death"`
	BirthPlace string            `json:"birth_place,omitempty"`
	DeathPlace string            `json:"death_place,omitempty"`
	Living     bool              `json:"is_living"`
	Confidence float64           `json:"confidence"`
	Archived   bool              `json:"archived,omitempty"`
	Contact    map[string]string `json:"contact,omitempty"` // Contact-identifying fields (email, phone, address)
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NameType classifies a name variant
type NameType string

const (
	NameBirth   NameType = "birth"
	NameMarried NameType = "married"
	NameAlias   NameType = "alias"
)

// NameVariant is one typed spelling of a person's name
type NameVariant struct {
	Type  NameType `json:"type"`
	Value string   `json:"value"`
}

// PrimaryName returns the first birth name, falling back to any variant
func (p *Person) PrimaryName() string {
	for _, n := range p.Names {
		if n.Type == NameBirth {
			return n.Value
		}
	}
	if len(p.Names) > 0 {
		return p.Names[0].Value
	}
	return ""
}

// AddName adds a name variant if an equal one (case-insensitive) is not already present.
// Returns true when the set changed.
func (p *Person) AddName(t NameType, value string) bool {
	key := NormalizeText(value)
	if key == "" {
		return false
	}
	for _, n := range p.Names {
		if n.Type == t && NormalizeText(n.Value) == key {
			return false
		}
	}
	p.Names = append(p.Names, NameVariant{Type: t, Value: value})
	return true
}

// RelationKind is the type of a kinship edge
type RelationKind string

const (
	RelationParent RelationKind = "parent" // From is the parent of To
	RelationSpouse RelationKind = "spouse"
)

// Relationship is a typed edge in the kinship arena. Edges reference Person
// ids only, so contradictory or cyclic claims cannot corrupt the graph.
type Relationship struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Kind      RelationKind `json:"kind"`
	Role      string       `json:"role,omitempty"` // father, mother, husband, wife
	ClaimID   string       `json:"claim_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
