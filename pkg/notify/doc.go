// Package notify implements the manager side of the readiness protocol: a
// unix-datagram socket with SO_PASSCRED enabled, parsing newline-separated
// KEY=VALUE messages and attributing them to the sender pid.
package notify
