package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRelationInverses tests that every relation has a defined inverse and
// that the pairing is symmetric
func TestRelationInverses(t *testing.T) {
	for _, r := range Relations() {
		inv := r.Inverse()
		assert.True(t, Known(inv), "inverse of %s must be known", r)
		assert.Equal(t, r, inv.Inverse(), "inverse must be symmetric for %s", r)
	}
}

// TestAtomMappingConsistency tests that the reverse atom view matches the
// forward relation-to-atom table
func TestAtomMappingConsistency(t *testing.T) {
	for _, r := range Relations() {
		for _, a := range r.Atoms() {
			assert.Contains(t, RelationsFor(a), r,
				"relation %s contributes %s so the reverse view must list it", r, a)
		}
	}
	for a, rels := range atomRelations {
		for _, r := range rels {
			assert.True(t, r.HasAtom(a), "reverse view lists %s for %s", r, a)
		}
	}
}

// TestRelationAtomContent spot-checks the constant mapping
func TestRelationAtomContent(t *testing.T) {
	tests := []struct {
		relation Relation
		atom     Atom
		has      bool
	}{
		{Requires, AtomPullInStart, true},
		{Wants, AtomPullInStartIgnored, true},
		{Wants, AtomPullInStart, false},
		{Requisite, AtomPullInVerify, true},
		{Conflicts, AtomPullInStop, true},
		{RequiredBy, AtomPropagateStop, true},
		{RequiredBy, AtomPropagateStartFailure, true},
		{BindsTo, AtomCannotBeActiveWithout, true},
		{UpheldBy, AtomStartSteadily, true},
		{Before, AtomBefore, true},
		{After, AtomAfter, true},
		{After, AtomBefore, false},
		{ReloadPropagatedFrom, AtomPropagatesReloadTo, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.has, tt.relation.HasAtom(tt.atom), "%s / %s", tt.relation, tt.atom)
	}
}

// TestGraphInverseInsertion tests that adding an edge records both
// directions
func TestGraphInverseInsertion(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("a.service", Requires, "b.service"))

	assert.Equal(t, []string{"b.service"}, g.Get("a.service", Requires))
	assert.Equal(t, []string{"a.service"}, g.Get("b.service", RequiredBy))
	assert.True(t, g.Has("b.service", RequiredBy, "a.service"))
}

func TestGraphBeforeAfterSymmetry(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("a.service", After, "b.service"))
	assert.True(t, g.Has("b.service", Before, "a.service"))
}

// TestGraphRejectsSelfEdge tests that self dependencies fail with EInval
func TestGraphRejectsSelfEdge(t *testing.T) {
	g := New()
	err := g.AddEdge("a.service", Requires, "a.service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "einval")
}

// TestGraphGetAtom tests the atom union query
func TestGraphGetAtom(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("a.service", Requires, "b.service"))
	require.NoError(t, g.AddEdge("a.service", BindsTo, "c.service"))
	require.NoError(t, g.AddEdge("a.service", Wants, "d.service"))

	// PullInStart is witnessed by Requires and BindsTo, not Wants.
	assert.Equal(t, []string{"b.service", "c.service"}, g.GetAtom("a.service", AtomPullInStart))
	assert.Equal(t, []string{"d.service"}, g.GetAtom("a.service", AtomPullInStartIgnored))
}

// TestGraphRemoveUnit tests that removal drops edges in both directions
func TestGraphRemoveUnit(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("a.service", Requires, "b.service"))
	require.NoError(t, g.AddEdge("c.service", Wants, "b.service"))

	g.RemoveUnit("b.service")

	assert.Empty(t, g.Get("a.service", Requires))
	assert.Empty(t, g.Get("c.service", Wants))
	assert.Empty(t, g.Edges("b.service"))
}

func TestGraphEdgesSorted(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("a.service", Wants, "z.service"))
	require.NoError(t, g.AddEdge("a.service", Wants, "b.service"))
	require.NoError(t, g.AddEdge("a.service", After, "b.service"))

	edges := g.Edges("a.service")
	require.Len(t, edges, 3)
	assert.Equal(t, Dep{Relation: After, Target: "b.service"}, edges[0])
	assert.Equal(t, Dep{Relation: Wants, Target: "b.service"}, edges[1])
	assert.Equal(t, Dep{Relation: Wants, Target: "z.service"}, edges[2])
}
