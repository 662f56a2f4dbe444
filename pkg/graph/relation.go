package graph

// Relation is a directed, typed dependency edge between two units. The set
// is closed: every relation has a defined inverse and the graph stores both
// directions.
type Relation string

const (
	Requires             Relation = "Requires"
	Requisite            Relation = "Requisite"
	Wants                Relation = "Wants"
	BindsTo              Relation = "BindsTo"
	PartOf               Relation = "PartOf"
	Upholds              Relation = "Upholds"
	RequiredBy           Relation = "RequiredBy"
	RequisiteOf          Relation = "RequisiteOf"
	WantedBy             Relation = "WantedBy"
	BoundBy              Relation = "BoundBy"
	ConsistsOf           Relation = "ConsistsOf"
	UpheldBy             Relation = "UpheldBy"
	Conflicts            Relation = "Conflicts"
	ConflictedBy         Relation = "ConflictedBy"
	Before               Relation = "Before"
	After                Relation = "After"
	OnSuccess            Relation = "OnSuccess"
	OnSuccessOf          Relation = "OnSuccessOf"
	OnFailure            Relation = "OnFailure"
	OnFailureOf          Relation = "OnFailureOf"
	Triggers             Relation = "Triggers"
	TriggeredBy          Relation = "TriggeredBy"
	PropagatesReloadTo   Relation = "PropagatesReloadTo"
	ReloadPropagatedFrom Relation = "ReloadPropagatedFrom"
	PropagatesStopTo     Relation = "PropagatesStopTo"
	StopPropagatedFrom   Relation = "StopPropagatedFrom"
	JoinsNamespaceOf     Relation = "JoinsNamespaceOf"
	References           Relation = "References"
	ReferencedBy         Relation = "ReferencedBy"
	InSlice              Relation = "InSlice"
	SliceOf              Relation = "SliceOf"
)

// inverses pairs each relation with its mirror. JoinsNamespaceOf is its own
// inverse.
var inverses = map[Relation]Relation{
	Requires:             RequiredBy,
	Requisite:            RequisiteOf,
	Wants:                WantedBy,
	BindsTo:              BoundBy,
	PartOf:               ConsistsOf,
	Upholds:              UpheldBy,
	RequiredBy:           Requires,
	RequisiteOf:          Requisite,
	WantedBy:             Wants,
	BoundBy:              BindsTo,
	ConsistsOf:           PartOf,
	UpheldBy:             Upholds,
	Conflicts:            ConflictedBy,
	ConflictedBy:         Conflicts,
	Before:               After,
	After:                Before,
	OnSuccess:            OnSuccessOf,
	OnSuccessOf:          OnSuccess,
	OnFailure:            OnFailureOf,
	OnFailureOf:          OnFailure,
	Triggers:             TriggeredBy,
	TriggeredBy:          Triggers,
	PropagatesReloadTo:   ReloadPropagatedFrom,
	ReloadPropagatedFrom: PropagatesReloadTo,
	PropagatesStopTo:     StopPropagatedFrom,
	StopPropagatedFrom:   PropagatesStopTo,
	JoinsNamespaceOf:     JoinsNamespaceOf,
	References:           ReferencedBy,
	ReferencedBy:         References,
	InSlice:              SliceOf,
	SliceOf:              InSlice,
}

// Inverse returns the mirror relation.
func (r Relation) Inverse() Relation {
	inv, ok := inverses[r]
	if !ok {
		panic("graph: unknown relation " + string(r))
	}
	return inv
}

// Known reports whether r belongs to the closed relation set.
func Known(r Relation) bool {
	_, ok := inverses[r]
	return ok
}

// Relations returns every relation in the closed set, in a stable order.
func Relations() []Relation {
	return []Relation{
		Requires, Requisite, Wants, BindsTo, PartOf, Upholds,
		RequiredBy, RequisiteOf, WantedBy, BoundBy, ConsistsOf, UpheldBy,
		Conflicts, ConflictedBy, Before, After,
		OnSuccess, OnSuccessOf, OnFailure, OnFailureOf,
		Triggers, TriggeredBy,
		PropagatesReloadTo, ReloadPropagatedFrom,
		PropagatesStopTo, StopPropagatedFrom,
		JoinsNamespaceOf, References, ReferencedBy, InSlice, SliceOf,
	}
}
