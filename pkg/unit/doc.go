/*
Package unit holds the unit model: the Unit entity, the registry that owns
identity, pid attribution and the dependency graph, and the per-kind
lifecycle state machines (service, mount, socket, target, path, timer).

The service machine is the archetype. Each state that owns a control
command list (ExecStartPre, ExecStart, ...) spawns the first command on
entry and records it as the control command; SIGCHLD for that pid either
advances to the next command in the list or transitions to the next state.
The mapping from sub-state to unit active-state is a fixed pure function.

State machines reach the outside world only through the Hooks callbacks
(spawn, kill, timers, job enqueue). The manager wires them; tests
substitute fakes and drive the machines synchronously.
*/
package unit
