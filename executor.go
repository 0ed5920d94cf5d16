package procpool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/viktorc/procpool/internal/metrics"
	"github.com/viktorc/procpool/internal/procgroup"
)

// processState is a ProcessExecutor's position in its lifecycle state
// machine: starting -> idle <-> busy, and idle|busy -> stopping -> stopped.
type processState int32

const (
	executorStarting processState = iota
	executorIdle
	executorBusy
	executorStopping
	executorStopped
)

func (s processState) String() string {
	switch s {
	case executorStarting:
		return "starting"
	case executorIdle:
		return "idle"
	case executorBusy:
		return "busy"
	case executorStopping:
		return "stopping"
	case executorStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// lineEvent is one line of output from a hosted process, tagged with the
// stream it arrived on.
type lineEvent struct {
	line   string
	stdout bool
}

// processExecutor supervises one hosted OS process: it owns the process
// handle, its two stream readers, and runs at most one submission at a
// time. Its state, current submission and cancel flags are guarded by
// pool.mu, so that the pool's dispatcher can reason about every executor
// "as if single-threaded" per the concurrency model; the only lock of its
// own, keepaliveMu, guards just the keep-alive timer.
type processExecutor struct {
	id      string
	pool    *Pool
	manager ProcessManager
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logger  *slog.Logger

	lines  chan lineEvent
	exited chan struct{}
	exitErr error

	state processState
	cur   Task

	coopCancel bool
	forceCancel bool

	keepaliveMu    sync.Mutex
	keepaliveTimer *time.Timer
}

// shellImpl is the Shell a ProcessManager sees from OnStartup/Terminate: a
// capability to run one Task synchronously against this executor's
// process, bypassing the pool queue entirely.
type shellImpl struct {
	e *processExecutor
}

func (s *shellImpl) Execute(ctx context.Context, t Task) error {
	t.onStartedHook()
	_, _, err := s.e.runTaskBody(ctx, t)
	return err
}

// newProcessExecutor spawns a fresh process, verifies startup, runs any
// configured initial submission, and leaves the executor idle. ctx governs
// the whole sequence — cancelling it (e.g. construction interrupted)
// aborts the spawn and destroys whatever was started.
func newProcessExecutor(ctx context.Context, p *Pool) (*processExecutor, error) {
	manager, err := p.opts.ManagerFactory()
	if err != nil {
		return nil, &StartupFailedError{Cause: err}
	}
	spec, err := manager.NewProcess()
	if err != nil {
		return nil, &StartupFailedError{Cause: err}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	procgroup.Configure(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &StartupFailedError{Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartupFailedError{Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &StartupFailedError{Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &StartupFailedError{Cause: err}
	}

	e := &processExecutor{
		id:      uuid.New().String(),
		pool:    p,
		manager: manager,
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan lineEvent, 256),
		exited:  make(chan struct{}),
		state:   executorStarting,
	}
	e.logger = p.logger.With("executor_id", e.id)

	var g errgroup.Group
	g.Go(func() error { return e.readStream(stdout, true) })
	g.Go(func() error { return e.readStream(stderr, false) })
	go func() {
		_ = g.Wait()
		e.exitErr = cmd.Wait()
		close(e.exited)
	}()

	e.logger.Debug("process spawned", "path", spec.Path, "args", spec.Args)

	if !manager.StartsUpInstantly() {
		if err := e.awaitStartup(ctx); err != nil {
			e.destroyDuringStartup()
			return nil, &StartupFailedError{Cause: err}
		}
	}

	select {
	case <-ctx.Done():
		e.destroyDuringStartup()
		return nil, ErrInterrupted
	default:
	}

	if err := manager.OnStartup(ctx, &shellImpl{e: e}); err != nil {
		e.destroyDuringStartup()
		return nil, &StartupFailedError{Cause: err}
	}

	p.mu.Lock()
	e.state = executorIdle
	p.mu.Unlock()
	e.armKeepAlive()

	e.logger.Debug("executor idle")
	return e, nil
}

// readStream scans r line by line, pushing each line onto e.lines. I/O
// errors are demoted to EOF, per the stream reader's contract — fatality
// is decided from the process exit code, not from a read error.
func (e *processExecutor) readStream(r io.Reader, stdout bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		e.lines <- lineEvent{line: sc.Text(), stdout: stdout}
	}
	return nil
}

func (e *processExecutor) awaitStartup(ctx context.Context) error {
	for {
		select {
		case ev := <-e.lines:
			if e.manager.IsStartedUp(ev.line, ev.stdout) {
				return nil
			}
		case <-e.exited:
			return fmt.Errorf("process exited before startup completed: %w", e.exitErr)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// destroyDuringStartup is used when startup or the initial submission
// fails: the process is killed and its readers joined, but there is no
// pool bookkeeping to update yet since the executor never joined the pool.
func (e *processExecutor) destroyDuringStartup() {
	if !e.hasExited() {
		procgroup.Kill(e.cmd)
	}
	<-e.exited
	_ = e.stdin.Close()
}

func (e *processExecutor) hasExited() bool {
	select {
	case <-e.exited:
		return true
	default:
		return false
	}
}

// runSubmission runs t to completion (or failure, or cancellation) and
// reports the outcome back to the pool. It always runs on its own
// goroutine, started by the dispatcher right after assigning t.
func (e *processExecutor) runSubmission(t Task) {
	e.pool.mu.Lock()
	e.state = executorBusy
	e.cur = t
	e.coopCancel = false
	e.pool.runningOwner[t.ID()] = e
	e.pool.mu.Unlock()
	e.disarmKeepAlive()

	e.logger.Debug("submission started", "submission_id", t.ID())
	t.onStartedHook()
	status, fatal, _ := e.runTaskBody(context.Background(), t)
	e.logger.Debug("submission finished", "submission_id", t.ID(), "status", status.String())

	e.pool.mu.Lock()
	delete(e.pool.runningOwner, t.ID())
	e.cur = nil
	e.pool.mu.Unlock()

	switch status {
	case Done:
		if t.cancelProcessAfter() {
			e.pool.retireExecutor(e, true)
		} else {
			e.becomeIdle()
		}
	case Cancelled:
		e.pool.bumpMetric(func(m *metrics.Collectors) { m.SubmissionsCancelled.Inc() })
		e.pool.mu.Lock()
		forced := e.forceCancel
		e.coopCancel = false
		e.pool.mu.Unlock()
		if forced {
			e.pool.retireExecutor(e, false)
		} else {
			e.becomeIdle()
		}
	case Failed:
		e.pool.bumpMetric(func(m *metrics.Collectors) { m.SubmissionsFailed.Inc() })
		if fatal {
			e.pool.retireExecutor(e, false)
		} else {
			e.becomeIdle()
		}
	}
}

// runTaskBody drives t's commands over stdin/stdout/stderr. fatal reports
// whether the outcome is fatal to the hosting process — a write failure,
// the process exiting and a forced cancel are; a CommandErrorTermination,
// a cooperative cancel and an error from the submission's Result are not.
func (e *processExecutor) runTaskBody(ctx context.Context, t Task) (status Status, fatal bool, err error) {
	for _, c := range t.commands() {
		e.pool.mu.Lock()
		coop, force := e.coopCancel, e.forceCancel
		e.pool.mu.Unlock()
		if force {
			t.cancel(true)
			return Cancelled, true, ErrCancelled
		}
		if coop {
			t.cancel(false)
			return Cancelled, false, ErrCancelled
		}

		if werr := e.writeInstruction(c.Instruction); werr != nil {
			err = fmt.Errorf("%w: %v", ErrWriteFailed, werr)
			t.fail(err)
			return Failed, true, err
		}

		completed, cerr := e.runCommand(ctx, c)
		if cerr != nil {
			if errors.Is(cerr, ErrProcessExitedDuringSubmission) {
				e.pool.mu.Lock()
				forced := e.forceCancel
				e.pool.mu.Unlock()
				if forced {
					t.cancel(true)
					return Cancelled, true, ErrCancelled
				}
			}
			t.fail(cerr)
			return Failed, !errors.Is(cerr, ErrCommandErrorTermination), cerr
		}
		if !completed {
			err = ErrProcessExitedDuringSubmission
			t.fail(err)
			return Failed, true, err
		}
	}

	t.onFinishedHook()
	if serr := t.succeed(); serr != nil {
		return Failed, false, serr
	}
	return Done, false, nil
}

// runCommand reads lines until c.IsComplete fires, c.IsErrorTermination
// fires, the process exits, or ctx ends.
func (e *processExecutor) runCommand(ctx context.Context, c *Command) (completed bool, err error) {
	for {
		select {
		case ev := <-e.lines:
			c.recordLine(ev.line, ev.stdout)
			if c.isErrorTermination(ev.line, ev.stdout) {
				return false, fmt.Errorf("%w: %q", ErrCommandErrorTermination, ev.line)
			}
			if c.isComplete(ev.line, ev.stdout) {
				return true, nil
			}
		case <-e.exited:
			return false, ErrProcessExitedDuringSubmission
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (e *processExecutor) writeInstruction(instruction string) error {
	_, err := io.WriteString(e.stdin, instruction+"\n")
	return err
}

func (e *processExecutor) becomeIdle() {
	e.pool.mu.Lock()
	e.state = executorIdle
	e.pool.mu.Unlock()
	e.armKeepAlive()
	e.pool.onExecutorIdle(e)
}

// requestCooperativeCancel marks the current submission for cancellation
// without touching the process: the in-flight command is allowed to
// finish, no further commands start.
func (e *processExecutor) requestCooperativeCancel() {
	e.pool.mu.Lock()
	e.coopCancel = true
	e.pool.mu.Unlock()
}

// requestForceCancel marks the current submission cancelled and destroys
// the hosting process immediately.
func (e *processExecutor) requestForceCancel() {
	e.pool.mu.Lock()
	e.forceCancel = true
	e.pool.mu.Unlock()
	if !e.hasExited() {
		procgroup.Kill(e.cmd)
	}
}

// stopNow tears an idle-or-already-failed executor down: attempts orderly
// termination if requested and the process is still alive, falls back to
// a forced kill, then closes stdin and joins the reader/wait goroutine
// before reporting itself stopped to the pool.
func (e *processExecutor) stopNow(orderly bool) {
	e.pool.mu.Lock()
	e.state = executorStopping
	e.pool.mu.Unlock()
	e.disarmKeepAlive()
	e.logger.Debug("executor stopping", "orderly", orderly)

	if orderly && !e.hasExited() {
		ctx, cancel := context.WithTimeout(context.Background(), e.pool.opts.TerminationGrace)
		ok := e.manager.Terminate(ctx, &shellImpl{e: e})
		cancel()
		if !ok && !e.hasExited() {
			procgroup.Kill(e.cmd)
		}
	} else if !e.hasExited() {
		procgroup.Kill(e.cmd)
	}

	<-e.exited
	_ = e.stdin.Close()

	e.pool.mu.Lock()
	e.state = executorStopped
	e.pool.mu.Unlock()
	e.logger.Debug("executor stopped")
	e.pool.onExecutorStopped(e)
}

func (e *processExecutor) armKeepAlive() {
	ka := e.pool.opts.KeepAlive
	if ka <= 0 {
		return
	}
	e.keepaliveMu.Lock()
	defer e.keepaliveMu.Unlock()
	if e.keepaliveTimer != nil {
		e.keepaliveTimer.Stop()
	}
	e.keepaliveTimer = time.AfterFunc(ka, func() {
		e.pool.onKeepAliveExpired(e)
	})
}

func (e *processExecutor) disarmKeepAlive() {
	e.keepaliveMu.Lock()
	defer e.keepaliveMu.Unlock()
	if e.keepaliveTimer != nil {
		e.keepaliveTimer.Stop()
		e.keepaliveTimer = nil
	}
}
