/*
Package job is the transaction planner and run queue.

A request (unit, kind, mode) is seeded into a stage table and expanded
through the dependency graph's atoms: Start pulls in starts, verifies and
conflicting stops; Stop propagates stops; Restart propagates try-restarts;
Reload propagates try-reloads. Isolate and Trigger modes add their stop
side effects after expansion. The stage is then verified: no unit may hold
both a start and a stop suspend, and collisions with live jobs must be
mergeable or the mode must allow replacement. On success the stage commits
atomically into the live table; on any failure it is discarded whole.

The run queue starts waiting jobs whose unit is idle and whose ordering
(After/Before atoms) is satisfied, and completion is fed back from unit
active-state edges. A failed job cancels dependent jobs with result
Dependency along the failure-propagation atoms.
*/
package job
