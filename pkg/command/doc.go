// Package command is the local control channel: a unix stream socket
// carrying msgpack-encoded requests from the burrow CLI to the daemon and
// status or event-stream responses back.
package command
