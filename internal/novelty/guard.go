// Package novelty deduplicates research queries across pending and recently
// completed work so the same search never re-enters the queues.
package novelty

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/text/unicode/norm"
)

// hashPrefix versions the normalization; bump it when Normalize changes
const hashPrefix = "lineage:q1:"

// Normalize folds a query so case, whitespace, punctuation and token order
// do not matter: "Vincent, Thomas" and "thomas   VINCENT" are the same query.
func Normalize(query string) string {
	folded := norm.NFKC.String(query)
	tokens := strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// Hash returns the versioned SHA-256 of the normalized query
func Hash(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return hashPrefix + hex.EncodeToString(sum[:])
}

// Guard tracks which query hashes are pending and which completed recently.
// A pending hash is owned by one item id; that item may be re-admitted (a
// retry), any other item with the same query is rejected.
type Guard struct {
	mu      sync.Mutex
	pending map[string]string // hash -> owning item id
	recent  *gocache.Cache
	ttl     time.Duration
}

// NewGuard creates a guard that remembers completed queries for ttl
func NewGuard(ttl time.Duration) *Guard {
	cleanup := ttl
	if cleanup <= 0 || cleanup > 10*time.Minute {
		cleanup = 10 * time.Minute
	}
	return &Guard{
		pending: make(map[string]string),
		recent:  gocache.New(ttl, cleanup),
		ttl:     ttl,
	}
}

// Admit reserves query for itemID. It returns false when another item holds
// the same normalized query or it completed within the TTL.
func (g *Guard) Admit(itemID, query string) bool {
	h := Hash(query)
	g.mu.Lock()
	defer g.mu.Unlock()

	if owner, ok := g.pending[h]; ok {
		return owner == itemID
	}
	if _, ok := g.recent.Get(h); ok {
		return false
	}
	g.pending[h] = itemID
	return true
}

// Complete moves the query from pending to recently completed
func (g *Guard) Complete(itemID, query string) {
	h := Hash(query)
	g.mu.Lock()
	defer g.mu.Unlock()

	if owner, ok := g.pending[h]; ok && owner == itemID {
		delete(g.pending, h)
	}
	g.recent.Set(h, itemID, gocache.DefaultExpiration)
}

// Release drops a pending reservation without remembering it
func (g *Guard) Release(itemID, query string) {
	h := Hash(query)
	g.mu.Lock()
	defer g.mu.Unlock()

	if owner, ok := g.pending[h]; ok && owner == itemID {
		delete(g.pending, h)
	}
}

// Seen reports whether query is pending or recently completed
func (g *Guard) Seen(query string) bool {
	h := Hash(query)
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pending[h]; ok {
		return true
	}
	_, ok := g.recent.Get(h)
	return ok
}

// Pending returns the number of reserved hashes
func (g *Guard) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// State is the persisted form of a Guard
type State struct {
	Pending map[string]string    `json:"pending"`
	Recent  map[string]time.Time `json:"recent"` // hash -> expiry
}

// Snapshot captures pending and unexpired completed hashes
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := State{
		Pending: make(map[string]string, len(g.pending)),
		Recent:  make(map[string]time.Time),
	}
	for h, id := range g.pending {
		st.Pending[h] = id
	}
	for h, item := range g.recent.Items() {
		exp := time.Time{}
		if item.Expiration > 0 {
			exp = time.Unix(0, item.Expiration).UTC()
		}
		st.Recent[h] = exp
	}
	return st
}

// Restore replaces the guard's contents with st; expired entries are dropped
func (g *Guard) Restore(st State) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pending = make(map[string]string, len(st.Pending))
	for h, id := range st.Pending {
		g.pending[h] = id
	}
	g.recent.Flush()
	now := time.Now()
	for h, exp := range st.Recent {
		switch {
		case exp.IsZero():
			g.recent.Set(h, "", gocache.NoExpiration)
		case exp.After(now):
			g.recent.Set(h, "", exp.Sub(now))
		}
	}
}
