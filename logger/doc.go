// Package logger builds the zap logger shared by the sandbox, the monitor
// and the command line runner.
//
// Logs always go to stderr: the codejail binary prints the execution result
// as JSON on stdout and the two streams must not mix. Every logger is named
// under "codejail", so callers that add their own Named scope show up as
// "codejail.sandbox" or "codejail.monitor".
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("sandbox ready", zap.String("backend", "native"))
//	log.Error("execution failed", zap.Error(err))
package logger
