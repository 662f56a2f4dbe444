/*
Package reliability is the crash-recovery substrate: at-most-one-step loss
across manager crashes and re-executions.

All mutable core state mirrors into named tables, each a three-tier
structure: an authoritative in-memory cache, pending add/del sets, and the
on-disk copy in one of two alternating arenas under reliability.mdb/{a,b}.
The bflag file names the current arena; Compact copies the live arena
across, flips the flag atomically and removes the previous one. Keys and
values are msgpack-encoded.

Breadcrumbs (the last frame and last unit) are written through before any
side-effecting step and cleared after it, so recovery knows exactly which
step was in flight. The pending fd table keeps socket units' listen
descriptors alive across execve by clearing their close-on-exec flags;
the notify socket is not kept in it.

Recovery walks the registered stations through input_rebuild,
db_compensate, db_map and make_consistent, then clears the breadcrumbs.
*/
package reliability
