package procpool

import (
	"context"
	"regexp"
	"time"
)

// ProcessLaunchSpec describes how to spawn one hosted process.
type ProcessLaunchSpec struct {
	// Path is the program to run, resolved with exec.LookPath semantics.
	Path string
	// Args are the program's arguments, not including argv[0].
	Args []string
	// Env, if non-nil, replaces the child's environment entirely. A nil
	// Env inherits the current process's environment.
	Env []string
	// Dir is the child's working directory; empty means inherit.
	Dir string
}

// Shell lets a ProcessManager run one submission synchronously against its
// hosting process: in OnStartup, before that process joins the pool, and in
// Terminate, while it is being stopped. It is only valid for the duration
// of the OnStartup or Terminate call it is passed to.
type Shell interface {
	// Execute runs t to completion on the hosting process and blocks
	// until it does. t is ordinarily a *Submission[T] value, which
	// satisfies Task automatically.
	Execute(ctx context.Context, t Task) error
}

// ProcessManager is the user-supplied per-process policy: how to launch a
// process, how to detect that it has finished starting up, and how to ask
// it to terminate in an orderly fashion. The pool never constructs
// processes or interprets their output on its own; every hosted process
// is started and stopped through its ProcessManager.
type ProcessManager interface {
	// NewProcess returns the launch configuration for a fresh process
	// instance. Called once per executor.
	NewProcess() (ProcessLaunchSpec, error)

	// StartsUpInstantly reports whether the process is usable as soon as
	// it is spawned, with no startup banner to wait for. When true,
	// IsStartedUp is never consulted.
	StartsUpInstantly() bool

	// IsStartedUp is consulted for every line the process emits during
	// startup, on both stdout and stderr, until it returns true. Only
	// called when StartsUpInstantly returns false.
	IsStartedUp(line string, stdout bool) bool

	// OnStartup, if the manager needs to run a one-time initialization
	// submission, is invoked exactly once per executor, after startup
	// has been verified and before the executor is declared idle. A
	// failure aborts the executor with StartupFailedError.
	OnStartup(ctx context.Context, shell Shell) error

	// Terminate asks the process to exit through its own protocol (e.g.
	// writing an exit command). It returns true on success; false (or a
	// timeout) falls back to forced destruction.
	Terminate(ctx context.Context, shell Shell) bool
}

// BaseProcessManager implements the optional parts of ProcessManager
// (OnStartup/Terminate as no-ops) so embedders only need to supply
// NewProcess, StartsUpInstantly and IsStartedUp.
type BaseProcessManager struct{}

func (BaseProcessManager) OnStartup(context.Context, Shell) error  { return nil }
func (BaseProcessManager) Terminate(context.Context, Shell) bool   { return false }

// SimpleProcessManager is a generic, directly instantiable ProcessManager
// built from a launch spec plus a startup/termination predicate — the one
// building block the original library's preset factories are themselves
// constructed from. It is not a preset for any particular program; callers
// needing e.g. a shell or REPL preset build one of these once and reuse it.
type SimpleProcessManager struct {
	BaseProcessManager

	// Launch returns the spec for a fresh process. Required.
	Launch func() (ProcessLaunchSpec, error)

	// StartedUpPattern, if set, is matched against every startup line on
	// either stream; a match means the process is ready. If nil, the
	// process is assumed to start up instantly.
	StartedUpPattern *regexp.Regexp

	// Init, if set, runs once via Shell.Execute before the executor
	// joins the pool.
	Init func(ctx context.Context, shell Shell) error

	// TerminateCommand, if set, is written to the process as an orderly
	// shutdown request; TerminateTimeout bounds how long to wait for it
	// to take effect before the executor falls back to a forced kill.
	TerminateCommand *Command
	TerminateTimeout time.Duration
}

func (m *SimpleProcessManager) NewProcess() (ProcessLaunchSpec, error) { return m.Launch() }

func (m *SimpleProcessManager) StartsUpInstantly() bool { return m.StartedUpPattern == nil }

func (m *SimpleProcessManager) IsStartedUp(line string, _ bool) bool {
	if m.StartedUpPattern == nil {
		return true
	}
	return m.StartedUpPattern.MatchString(line)
}

func (m *SimpleProcessManager) OnStartup(ctx context.Context, shell Shell) error {
	if m.Init == nil {
		return nil
	}
	return m.Init(ctx, shell)
}

func (m *SimpleProcessManager) Terminate(ctx context.Context, shell Shell) bool {
	if m.TerminateCommand == nil {
		return false
	}
	timeout := m.TerminateTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sub := NewSimpleSubmission(m.TerminateCommand)
	return shell.Execute(tctx, sub) == nil
}
