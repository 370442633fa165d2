package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codejail/config"
	"github.com/isdmx/codejail/logger"
	"github.com/isdmx/codejail/monitor"
	"github.com/isdmx/codejail/sandbox"
)

// Exit codes
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

type options struct {
	configDir string
	timeout   time.Duration
	session   string
	workdir   string
	source    string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("codejail", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configDir, "config", "c", "", "directory containing config.yaml")
	fs.DurationVarP(&opts.timeout, "timeout", "t", 0, "wall-clock limit, overrides sandbox.timeout_sec")
	fs.StringVarP(&opts.session, "session", "s", "", "execution id, generated when empty")
	fs.StringVarP(&opts.workdir, "workdir", "w", "", "tar.gz archive extracted into the sandbox before the run")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: codejail [flags] <file|->")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return options{}, errors.New("exactly one source file is required")
	}
	if opts.timeout < 0 {
		return options{}, fmt.Errorf("timeout must not be negative, got: %s", opts.timeout)
	}
	opts.source = fs.Arg(0)
	return opts, nil
}

func readSource(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read code from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read code: %w", err)
	}
	return string(data), nil
}

func newManager(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (*sandbox.SandboxManager, error) {
	manager, err := sandbox.NewManagerFromConfig(log.Named("sandbox"), cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return manager.CleanupAll()
		},
	})
	return manager, nil
}

func newMonitor(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (*monitor.ExecutionMonitor, error) {
	mon, err := monitor.NewFromConfig(log.Named("monitor"), cfg)
	if err != nil {
		return nil, err
	}
	mon.AddAlertObserver(monitor.AlertFunc(func(alert monitor.Alert) {
		log.Warn("resource alert",
			zap.String("session_id", alert.Tracker.SessionID()),
			zap.String("message", alert.Message))
	}))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			mon.StartMonitoring()
			return nil
		},
		OnStop: func(context.Context) error {
			return mon.Close()
		},
	})
	return mon, nil
}

type runner struct {
	opts    options
	log     *zap.Logger
	manager *sandbox.SandboxManager
	monitor *monitor.ExecutionMonitor
	stdin   io.Reader
	stdout  io.Writer
}

func (r *runner) run(ctx context.Context) int {
	code, err := readSource(r.opts.source, r.stdin)
	if err != nil {
		r.log.Error("failed to load code", zap.Error(err))
		return exitUsage
	}

	var archive []byte
	if r.opts.workdir != "" {
		if archive, err = os.ReadFile(r.opts.workdir); err != nil {
			r.log.Error("failed to read workdir archive", zap.String("path", r.opts.workdir), zap.Error(err))
			return exitUsage
		}
	}

	executor, err := r.manager.CreateExecutor(r.opts.session, sandbox.WithProcessObserver(r.monitor))
	if err != nil {
		r.log.Error("failed to create executor", zap.Error(err))
		return exitUsage
	}
	defer func() {
		if err := r.manager.TerminateExecution(executor.ID()); err != nil {
			r.log.Warn("failed to terminate execution", zap.String("execution_id", executor.ID()), zap.Error(err))
		}
	}()

	result, err := executor.Execute(ctx, sandbox.ExecuteRequest{
		Code:    code,
		Timeout: r.opts.timeout,
		Workdir: archive,
	})
	if err != nil {
		r.log.Error("execution failed", zap.String("execution_id", executor.ID()), zap.Error(err))
		return exitFailed
	}

	enc := json.NewEncoder(r.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		r.log.Error("failed to write result", zap.Error(err))
		return exitFailed
	}
	if !result.Success {
		return exitFailed
	}
	return exitOK
}

func register(lc fx.Lifecycle, shutdowner fx.Shutdowner, r *runner) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				code := r.run(ctx)
				if err := shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					r.log.Error("failed to shut down", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			// interrupts a running execution; the sandbox kills its process group
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(exitOK)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	app := fx.New(
		fx.Supply(opts),
		fx.Provide(
			func(o options) (*config.Config, error) {
				return config.NewFromPath(o.configDir)
			},
			logger.NewFromConfig,
			newManager,
			newMonitor,
			func(o options, log *zap.Logger, manager *sandbox.SandboxManager, mon *monitor.ExecutionMonitor) *runner {
				return &runner{
					opts:    o,
					log:     log,
					manager: manager,
					monitor: mon,
					stdin:   os.Stdin,
					stdout:  os.Stdout,
				}
			},
		),
		fx.Invoke(register),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)

	// Run exits with the code passed to Shutdown
	app.Run()
}
