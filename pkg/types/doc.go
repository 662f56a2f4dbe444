/*
Package types holds the shared vocabulary of the Burrow core: unit kinds,
load and active states, per-kind sub-state machines with their fixed
active-state projections, job kinds, modes, stages and results, and the
tagged error taxonomy.

Every enum here is a closed set. State machines dispatch over them with
plain switch statements; no reflection and no registration.
*/
package types
