/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	jobLog := log.WithComponent("job-engine")
	jobLog.Info().Str("unit", "sshd.service").Msg("job enqueued")

Unit and job context:

	log.WithUnit("sshd.service").Warn().Msg("start rate limited")
	log.WithJob(id.String()).Debug().Msg("job merged")

When Burrow runs as PID 1 the console writer is the default so early boot
messages stay readable on the system console; switch to JSON once a log
collector is up.
*/
package log
