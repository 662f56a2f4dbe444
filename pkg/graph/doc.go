/*
Package graph implements the dependency algebra of the Burrow core: the
closed set of directed unit relations, their inverses, the reduction of
relations to behavioral atoms, and the edge store that maintains both
directions of every dependency.

The relation-to-atom mapping is a compile-time constant. The reverse
(atom-to-relations) view is derived from it at init, so the two tables
cannot drift apart.
*/
package graph
