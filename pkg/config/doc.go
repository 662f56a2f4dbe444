// Package config loads the daemon configuration file. Unit files are
// handled separately by pkg/unitfile; this covers only the manager's own
// settings (logging, data directory, socket paths, default timeouts).
package config
