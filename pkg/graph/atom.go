package graph

// Atom is a behavioral predicate derived from one or more relations. The
// planner and the propagation engine reason in atoms, never in raw
// relations.
type Atom string

const (
	AtomPullInStart                     Atom = "PullInStart"
	AtomPullInStartIgnored              Atom = "PullInStartIgnored"
	AtomPullInVerify                    Atom = "PullInVerify"
	AtomPullInStop                      Atom = "PullInStop"
	AtomPullInStopIgnored               Atom = "PullInStopIgnored"
	AtomAddStopWhenUnneededQueue        Atom = "AddStopWhenUnneededQueue"
	AtomPinsStopWhenUnneeded            Atom = "PinsStopWhenUnneeded"
	AtomCannotBeActiveWithout           Atom = "CannotBeActiveWithout"
	AtomAddCannotBeActiveWithoutQueue   Atom = "AddCannotBeActiveWithoutQueue"
	AtomStartSteadily                   Atom = "StartSteadily"
	AtomAddStartWhenUpheldQueue         Atom = "AddStartWhenUpheldQueue"
	AtomRetroActiveStartReplace         Atom = "RetroActiveStartReplace"
	AtomRetroActiveStartFail            Atom = "RetroActiveStartFail"
	AtomRetroActiveStopOnStart          Atom = "RetroActiveStopOnStart"
	AtomRetroActiveStopOnStop           Atom = "RetroActiveStopOnStop"
	AtomPropagateStop                   Atom = "PropagateStop"
	AtomPropagateRestart                Atom = "PropagateRestart"
	AtomPropagateStartFailure           Atom = "PropagateStartFailure"
	AtomPropagateStopFailure            Atom = "PropagateStopFailure"
	AtomPropagateInactiveStartAsFailure Atom = "PropagateInactiveStartAsFailure"
	AtomAddDefaultTargetDependencyQueue Atom = "AddDefaultTargetDependencyQueue"
	AtomDefaultTargetDependencies       Atom = "DefaultTargetDependencies"
	AtomOnSuccess                       Atom = "OnSuccess"
	AtomOnFailure                       Atom = "OnFailure"
	AtomBefore                          Atom = "Before"
	AtomAfter                           Atom = "After"
	AtomTriggers                        Atom = "Triggers"
	AtomTriggeredBy                     Atom = "TriggeredBy"
	AtomPropagatesReloadTo              Atom = "PropagatesReloadTo"
	AtomJoinsNamespaceOf                Atom = "JoinsNamespaceOf"
	AtomReferences                      Atom = "References"
	AtomInSlice                         Atom = "InSlice"
	AtomSliceOf                         Atom = "SliceOf"
)

// relationAtoms enumerates the atoms each relation contributes. The mapping
// is a compile-time constant, not data-driven. Relations absent from the
// table contribute nothing (ReloadPropagatedFrom, OnSuccessOf, OnFailureOf,
// StopPropagatedFrom).
var relationAtoms = map[Relation][]Atom{
	Requires: {
		AtomPullInStart, AtomRetroActiveStartReplace,
		AtomAddStopWhenUnneededQueue, AtomAddDefaultTargetDependencyQueue,
	},
	Requisite: {
		AtomPullInVerify, AtomAddStopWhenUnneededQueue,
		AtomAddDefaultTargetDependencyQueue,
	},
	Wants: {
		AtomPullInStartIgnored, AtomRetroActiveStartFail,
		AtomAddStopWhenUnneededQueue, AtomDefaultTargetDependencies,
	},
	BindsTo: {
		AtomPullInStart, AtomRetroActiveStartReplace,
		AtomCannotBeActiveWithout, AtomAddStopWhenUnneededQueue,
		AtomAddDefaultTargetDependencyQueue,
	},
	PartOf: {
		AtomAddDefaultTargetDependencyQueue,
	},
	Upholds: {
		AtomPullInStartIgnored, AtomRetroActiveStartReplace,
		AtomAddStartWhenUpheldQueue, AtomAddStopWhenUnneededQueue,
		AtomAddDefaultTargetDependencyQueue,
	},
	RequiredBy: {
		AtomPropagateStop, AtomPropagateRestart, AtomPropagateStartFailure,
		AtomPinsStopWhenUnneeded, AtomDefaultTargetDependencies,
	},
	RequisiteOf: {
		AtomPropagateStop, AtomPropagateRestart, AtomPropagateStartFailure,
		AtomPropagateInactiveStartAsFailure, AtomPinsStopWhenUnneeded,
		AtomDefaultTargetDependencies,
	},
	WantedBy: {
		AtomDefaultTargetDependencies, AtomPinsStopWhenUnneeded,
	},
	BoundBy: {
		AtomRetroActiveStopOnStop, AtomPropagateStop, AtomPropagateRestart,
		AtomPropagateStartFailure, AtomPinsStopWhenUnneeded,
		AtomAddCannotBeActiveWithoutQueue, AtomDefaultTargetDependencies,
	},
	UpheldBy: {
		AtomStartSteadily, AtomDefaultTargetDependencies,
		AtomPinsStopWhenUnneeded,
	},
	ConsistsOf: {
		AtomPropagateStop, AtomPropagateRestart,
	},
	Conflicts: {
		AtomPullInStop, AtomRetroActiveStopOnStart,
	},
	ConflictedBy: {
		AtomPullInStopIgnored, AtomRetroActiveStopOnStart,
		AtomPropagateStopFailure,
	},
	PropagatesStopTo: {
		AtomRetroActiveStopOnStop, AtomPropagateStop,
	},
	Before:             {AtomBefore},
	After:              {AtomAfter},
	OnSuccess:          {AtomOnSuccess},
	OnFailure:          {AtomOnFailure},
	Triggers:           {AtomTriggers},
	TriggeredBy:        {AtomTriggeredBy},
	PropagatesReloadTo: {AtomPropagatesReloadTo},
	JoinsNamespaceOf:   {AtomJoinsNamespaceOf},
	References:         {AtomReferences},
	ReferencedBy:       {AtomReferences},
	InSlice:            {AtomInSlice},
	SliceOf:            {AtomSliceOf},
}

// atomRelations is the reverse view, built once at init from relationAtoms
// so the two can never drift.
var atomRelations = func() map[Atom][]Relation {
	m := make(map[Atom][]Relation)
	for _, r := range Relations() {
		for _, a := range relationAtoms[r] {
			m[a] = append(m[a], r)
		}
	}
	return m
}()

// Atoms returns the atoms relation r contributes.
func (r Relation) Atoms() []Atom {
	return relationAtoms[r]
}

// HasAtom reports whether relation r contributes atom a.
func (r Relation) HasAtom(a Atom) bool {
	for _, x := range relationAtoms[r] {
		if x == a {
			return true
		}
	}
	return false
}

// RelationsFor returns every relation that can witness atom a.
func RelationsFor(a Atom) []Relation {
	return atomRelations[a]
}
