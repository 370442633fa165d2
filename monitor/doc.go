// Package monitor observes running executions and records their timelines.
//
// An ExecutionTracker follows one process: it keeps an ordered list of
// ExecutionEvents and a bounded history of ResourceUsage snapshots read through
// a UsageProbe (procfs on Linux). A RealTimeMonitor polls every registered
// tracker from a single background goroutine, records END when a process
// exits, and raises a RESOURCE_WARNING plus one Alert per observer when a
// snapshot exceeds a threshold. Observers run on their own goroutines so a
// slow observer cannot stall the loop.
//
// The ExecutionLogger buffers each session's events and writes one JSON
// document per ended session. ExecutionMonitor is the facade over all of it:
//
//	mon, err := monitor.NewFromConfig(logger, cfg)
//	mon.StartMonitoring()
//	defer mon.Close()
//
//	tracker, err := mon.StartExecutionTracking(cmd.Process.Pid, "job-42")
//	...
//	summary, err := mon.StopExecutionTracking("job-42")
package monitor
