/*
Package exec is the execution substrate: it forks child processes with a
fully specified environment and returns their pid, or fails without leaking
resources.

Go offers no hook between fork and exec, so the child setup sequence runs
in a re-exec wrapper: Spawn forks the burrow binary itself with the hidden
exec-wrap argv and the setup Spec msgpack-encoded in an environment
variable. The wrapper applies, in order: signal-mask reset, cgroup attach,
runtime/state directory creation, umask, chroot, chdir, SELinux exec
context, environment files, resource limits, setresgid then setresuid,
LISTEN_FDS/WATCHDOG environment, fd flag fixup, $VAR argv expansion, and
finally execve. Any failure exits 1, which the parent's SIGCHLD path
reports as a spawn failure.

Passed fds are handed to ForkExec at slots 3..n+2 directly, so no fd
shifting dance is needed in the child.
*/
package exec
