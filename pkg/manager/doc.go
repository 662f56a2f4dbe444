/*
Package manager hosts the Burrow event loop.

One goroutine owns all core state: the unit registry, the job engine and
the reliability store. Auxiliary goroutines only convert I/O into loop
events — the signal relay, the notify socket reader, the command channel
acceptor, per-fd socket pollers and the one-second tick that drives the
mountinfo diff and path watches. State transitions run to completion
between two loop iterations; partial state is never observable.

SIGCHLD drains the reaper, SIGHUP schedules a reload (clear in-memory
state, replay the store, re-read unit files), SIGTERM/SIGINT shut down,
SIGUSR1/SIGUSR2 dump units and jobs to the log. Re-exec commits the
store, clears close-on-exec on every pending fd and execve's the binary
with --deserialize; the successor reclaims the fds through the store's
pending table.
*/
package manager
