// Package main is the entry point of the codejail command.
//
// codejail runs one piece of untrusted code inside a sandbox and prints the
// ExecutionResult as JSON on stdout. Native runs are tracked by the execution
// monitor, which writes one session log per run to the configured log
// directory.
//
//	codejail [--config dir] [--timeout 5s] [--session id] [--workdir files.tar.gz] <file|->
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
