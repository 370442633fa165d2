// Package sandbox provides contained execution of untrusted code snippets.
//
// A SecureCodeExecutor runs one code string at a time inside a throwaway
// isolated directory. It runs the code either as a native child process in its
// own session, with rlimits applied to the child after it starts, or through a
// ContainerRunner that shells out to Docker or Podman with the network
// disabled and a read-only root filesystem. Whatever the code does, the outcome
// comes back as an ExecutionResult; errors are returned only for
// misconfiguration such as requesting container mode with no runtime present.
//
// The FileAccessController, NetworkController and SystemCallInterceptor express
// the path, domain and syscall policy of an executor. The SandboxManager keeps
// a registry of executors keyed by execution id.
//
// Usage:
//
//	manager, err := sandbox.NewManagerFromConfig(logger, cfg)
//	executor, err := manager.CreateExecutor("job-42")
//	result, err := executor.ExecuteCode(ctx, "print('Hello, World!')", 10*time.Second)
//	defer manager.TerminateExecution("job-42")
package sandbox
