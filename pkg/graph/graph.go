package graph

import (
	"fmt"
	"sort"

	"github.com/cuemby/burrow/pkg/types"
)

// Dep is one declared dependency edge, used when persisting and when
// rebuilding the graph from unit configuration.
type Dep struct {
	Relation Relation `msgpack:"relation"`
	Target   string   `msgpack:"target"`
}

// Graph stores both directions of every dependency edge between units,
// keyed by unit id. Inserting (a R b) automatically records the inverse
// (b inverse(R) a) so reverse queries are O(1).
type Graph struct {
	edges map[string]map[Relation]map[string]struct{}
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{edges: make(map[string]map[Relation]map[string]struct{})}
}

// AddEdge inserts (source, rel, target) and its inverse. Self-edges are
// rejected with an EInval error kind.
func (g *Graph) AddEdge(source string, rel Relation, target string) error {
	if !Known(rel) {
		return types.NewError(types.ErrInvalidData, fmt.Sprintf("unknown relation %q", rel))
	}
	if source == target {
		return types.NewError(types.ErrActionEInval, fmt.Sprintf("self dependency %s %s %s", source, rel, target))
	}
	g.insert(source, rel, target)
	g.insert(target, rel.Inverse(), source)
	return nil
}

func (g *Graph) insert(source string, rel Relation, target string) {
	rels, ok := g.edges[source]
	if !ok {
		rels = make(map[Relation]map[string]struct{})
		g.edges[source] = rels
	}
	set, ok := rels[rel]
	if !ok {
		set = make(map[string]struct{})
		rels[rel] = set
	}
	set[target] = struct{}{}
}

// RemoveUnit drops every edge touching id, both as source and as target.
func (g *Graph) RemoveUnit(id string) {
	for rel, set := range g.edges[id] {
		inv := rel.Inverse()
		for target := range set {
			if trels, ok := g.edges[target]; ok {
				if tset, ok := trels[inv]; ok {
					delete(tset, id)
					if len(tset) == 0 {
						delete(trels, inv)
					}
				}
			}
		}
	}
	delete(g.edges, id)
}

// Get returns the targets of (source, rel), sorted.
func (g *Graph) Get(source string, rel Relation) []string {
	set := g.edges[source][rel]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the edge (source, rel, target) exists.
func (g *Graph) Has(source string, rel Relation, target string) bool {
	_, ok := g.edges[source][rel][target]
	return ok
}

// GetAtom returns the union of Get(source, r) over every relation r whose
// atom set contains atom, sorted and deduplicated. This is the dominant
// graph query.
func (g *Graph) GetAtom(source string, atom Atom) []string {
	seen := make(map[string]struct{})
	for _, rel := range RelationsFor(atom) {
		for t := range g.edges[source][rel] {
			seen[t] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Units returns every unit id that holds at least one edge, sorted.
func (g *Graph) Units() []string {
	out := make([]string, 0, len(g.edges))
	for id := range g.edges {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Edges returns the source-side edge list for id, sorted, for persistence.
func (g *Graph) Edges(id string) []Dep {
	var out []Dep
	for rel, set := range g.edges[id] {
		for t := range set {
			out = append(out, Dep{Relation: rel, Target: t})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relation != out[j].Relation {
			return out[i].Relation < out[j].Relation
		}
		return out[i].Target < out[j].Target
	})
	return out
}
