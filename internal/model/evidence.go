package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SourceRecord is a fetched source document. Records are immutable; a
// re-fetch whose content changed is stored as a new record linked to the
// previous version.
type SourceRecord struct {
	ID                string        `json:"id"`
	URL               string        `json:"url"`
	Domain            string        `json:"domain"`
	Adapter           string        `json:"adapter"`
	Tier              Tier          `json:"tier"`
	AccessedAt        time.Time     `json:"accessed_at"`
	ContentHash       string        `json:"content_hash"`
	Class             EvidenceClass `json:"evidence_class"`
	PriorWeight       float64       `json:"prior_weight"`
	PreviousVersionID string        `json:"previous_version_id,omitempty"`
}

// Tier is the source-access classification governing crawl order
type Tier int

const (
	TierOpenWeb      Tier = 0 // Open web pages
	TierOpenAPI      Tier = 1 // Open APIs and indexes
	TierCredentialed Tier = 2 // Credentialed archives
)

// MaxTier is the highest tier the engine escalates to
const MaxTier = TierCredentialed

func (t Tier) String() string {
	switch t {
	case TierOpenWeb:
		return "tier0-open-web"
	case TierOpenAPI:
		return "tier1-open-api"
	case TierCredentialed:
		return "tier2-credentialed"
	default:
		return "unknown"
	}
}

// EvidenceClass categorizes a source by reliability
type EvidenceClass string

const (
	ClassOfficialPrimary    EvidenceClass = "official_primary"    // Civil registration, vital records
	ClassReligiousRecord    EvidenceClass = "religious_record"    // Parish registers
	ClassCensus             EvidenceClass = "census"              // Census enumerations
	ClassNewspaper          EvidenceClass = "newspaper"           // Obituaries, notices
	ClassCompiledGenealogy  EvidenceClass = "compiled_genealogy"  // Published genealogies, memorial indexes
	ClassUserTree           EvidenceClass = "user_tree"           // User-contributed trees
	ClassUnverifiedAuthored EvidenceClass = "unverified_authored" // Blogs, forums
)

// priorWeights maps each evidence class to its fixed reliability prior
var priorWeights = map[EvidenceClass]float64{
	ClassOfficialPrimary:    0.95,
	ClassReligiousRecord:    0.90,
	ClassCensus:             0.80,
	ClassNewspaper:          0.70,
	ClassCompiledGenealogy:  0.65,
	ClassUserTree:           0.50,
	ClassUnverifiedAuthored: 0.35,
}

// PriorWeight returns the fixed reliability prior of the class
func (c EvidenceClass) PriorWeight() float64 {
	if w, ok := priorWeights[c]; ok {
		return w
	}
	return priorWeights[ClassUnverifiedAuthored]
}

// Valid reports whether the class is known
func (c EvidenceClass) Valid() bool {
	_, ok := priorWeights[c]
	return ok
}

// IsPrimary reports whether the class is an official primary record
func (c EvidenceClass) IsPrimary() bool {
	return c == ClassOfficialPrimary || c == ClassReligiousRecord
}

// ContentHash returns the SHA-256 hex digest of raw content
func ContentHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
