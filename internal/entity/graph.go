// Package entity decides whether two person records describe the same
// individual and executes reversible merges between them.
package entity

import (
	"sort"

	"github.com/ppiankov/lineage/internal/model"
)

// Graph is the kinship arena: person ids and typed edges, no object links.
// Ids are canonicalized through resolve so merged persons share edges.
type Graph struct {
	parents  map[string]map[string]bool // child -> parents
	children map[string]map[string]bool // parent -> children
	spouses  map[string]map[string]bool
}

// NewGraph builds a graph from relationship edges. resolve maps any id to
// its canonical id; nil means ids are used as stored.
func NewGraph(rels []model.Relationship, resolve func(string) string) *Graph {
	if resolve == nil {
		resolve = func(id string) string { return id }
	}
	g := &Graph{
		parents:  make(map[string]map[string]bool),
		children: make(map[string]map[string]bool),
		spouses:  make(map[string]map[string]bool),
	}
	for _, r := range rels {
		from, to := resolve(r.From), resolve(r.To)
		if from == to {
			continue
		}
		switch r.Kind {
		case model.RelationParent:
			link(g.parents, to, from)
			link(g.children, from, to)
		case model.RelationSpouse:
			link(g.spouses, from, to)
			link(g.spouses, to, from)
		}
	}
	return g
}

func link(m map[string]map[string]bool, a, b string) {
	if m[a] == nil {
		m[a] = make(map[string]bool)
	}
	m[a][b] = true
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Parents returns the parent ids of id
func (g *Graph) Parents(id string) []string { return keys(g.parents[id]) }

// Children returns the child ids of id
func (g *Graph) Children(id string) []string { return keys(g.children[id]) }

// Spouses returns the spouse ids of id
func (g *Graph) Spouses(id string) []string { return keys(g.spouses[id]) }

// Ancestors returns every id reachable through parent edges from id. The
// visited set makes the walk terminate even on corrupt cyclic data.
func (g *Graph) Ancestors(id string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for p := range g.parents[cur] {
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return seen
}

// IsAncestor reports whether a is an ancestor of b
func (g *Graph) IsAncestor(a, b string) bool {
	return g.Ancestors(b)[a]
}

// MergeWouldCycle reports whether treating a and b as one person would make
// that person their own ancestor
func (g *Graph) MergeWouldCycle(a, b string) bool {
	return g.IsAncestor(a, b) || g.IsAncestor(b, a)
}

// ParentEdgeWouldCycle reports whether adding parent -> child would create
// an ancestry cycle
func (g *Graph) ParentEdgeWouldCycle(parent, child string) bool {
	return parent == child || g.IsAncestor(child, parent)
}

// Generations returns the number of ancestor generations above id
func (g *Graph) Generations(id string) int {
	depth := 0
	frontier := map[string]bool{id: true}
	seen := map[string]bool{id: true}
	for len(frontier) > 0 {
		next := make(map[string]bool)
		for cur := range frontier {
			for p := range g.parents[cur] {
				if !seen[p] {
					seen[p] = true
					next[p] = true
				}
			}
		}
		if len(next) == 0 {
			break
		}
		depth++
		frontier = next
	}
	return depth
}
