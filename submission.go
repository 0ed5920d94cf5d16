package procpool

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Status is a SubmissionHandle's lifecycle state. Terminal states
// (Done, Failed, Cancelled) are sticky: once reached, they never change.
type Status int32

const (
	Pending Status = iota
	Running
	Done
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) isTerminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

// Task is the pool's generics-erased view of a Submission[T]. It is
// implemented only by *Submission[T] in this package; a sealed interface
// so ProcessManager implementations can pass submissions through Shell.Execute
// without this package having to know T at the call site.
type Task interface {
	ID() string
	commands() []*Command
	cancelProcessAfter() bool
	onStartedHook()
	onFinishedHook()
	succeed() error
	fail(err error)
	cancel(force bool) bool
	status() Status
}

// resultState holds the shared terminal-state bookkeeping for a
// Submission[T], independent of T. The first transition wins; later calls
// are no-ops, which is what makes Cancel idempotent (P7).
type resultState struct {
	mu       sync.Mutex
	done     chan struct{}
	terminal bool
	st       Status
	err      error
}

func newResultState() *resultState {
	return &resultState{done: make(chan struct{}), st: Pending}
}

func (r *resultState) setRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.terminal {
		r.st = Running
	}
}

// transition performs the first terminal transition; it reports whether
// this call was the one that made it happen.
func (r *resultState) transition(st Status, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false
	}
	r.terminal = true
	r.st = st
	r.err = err
	close(r.done)
	return true
}

func (r *resultState) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

func (r *resultState) isTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

// Submission is an ordered, non-empty sequence of Commands targeting one
// process, plus lifecycle hooks and an optional typed result. Commands
// execute strictly in order on the same process; a Submission never
// migrates between processes.
type Submission[T any] struct {
	// Commands is the ordered, non-empty list of instructions to run.
	Commands []*Command

	// CancelProcessAfter, when true, retires the hosting process once
	// this submission finishes, so it is never reused.
	CancelProcessAfter bool

	// OnStarted, if set, is called once the submission is dispatched to
	// an executor, before its first command is written.
	OnStarted func()

	// OnFinished, if set, is called once every command has completed
	// successfully, before the result is computed.
	OnFinished func()

	// Result, if set, computes the submission's value after all
	// commands complete. If nil, the zero value of T is used.
	Result func() (T, error)

	submissionID string
	state        *resultState
	result       T
}

// NewSubmission builds a Submission from a non-empty ordered list of
// commands.
func NewSubmission[T any](commands ...*Command) *Submission[T] {
	return &Submission[T]{
		Commands:     commands,
		submissionID: uuid.New().String(),
		state:        newResultState(),
	}
}

// NewSimpleSubmission builds a result-less Submission wrapping the given
// commands — the shape most callers need, and the one the original
// library's test suite issues most of its work through.
func NewSimpleSubmission(commands ...*Command) *Submission[struct{}] {
	return NewSubmission[struct{}](commands...)
}

func (s *Submission[T]) ID() string               { return s.submissionID }
func (s *Submission[T]) commands() []*Command     { return s.Commands }
func (s *Submission[T]) cancelProcessAfter() bool { return s.CancelProcessAfter }
func (s *Submission[T]) status() Status           { return s.state.status() }

func (s *Submission[T]) onStartedHook() {
	s.state.setRunning()
	if s.OnStarted != nil {
		s.OnStarted()
	}
}

func (s *Submission[T]) onFinishedHook() {
	if s.OnFinished != nil {
		s.OnFinished()
	}
}

func (s *Submission[T]) succeed() error {
	var res T
	var err error
	if s.Result != nil {
		res, err = s.Result()
	}
	if err != nil {
		s.state.transition(Failed, &SubmissionFailedError{SubmissionID: s.submissionID, Cause: err})
		return err
	}
	s.result = res
	s.state.transition(Done, nil)
	return nil
}

func (s *Submission[T]) fail(err error) {
	s.state.transition(Failed, &SubmissionFailedError{SubmissionID: s.submissionID, Cause: err})
}

func (s *Submission[T]) cancel(force bool) bool {
	_ = force // cooperative vs. forced only changes how the caller got here
	return s.state.transition(Cancelled, ErrCancelled)
}

// handle returns the caller-visible handle for this submission. It is only
// meaningful after the submission has been given to Submit; calling it
// before that is harmless but the handle will never leave Pending.
func (s *Submission[T]) handle(p *Pool) *SubmissionHandle[T] {
	return &SubmissionHandle[T]{sub: s, pool: p}
}

// SubmissionHandle is the caller-visible handle for a submission in
// flight. It outlives the submission's execution.
type SubmissionHandle[T any] struct {
	sub  *Submission[T]
	pool *Pool
}

// ID returns the submission's unique identifier.
func (h *SubmissionHandle[T]) ID() string { return h.sub.ID() }

// Status returns the submission's current lifecycle state.
func (h *SubmissionHandle[T]) Status() Status { return h.sub.state.status() }

// IsDone reports whether the submission has reached any terminal state.
func (h *SubmissionHandle[T]) IsDone() bool { return h.sub.state.isTerminal() }

// IsCancelled reports whether the submission's terminal state is Cancelled.
func (h *SubmissionHandle[T]) IsCancelled() bool { return h.sub.state.status() == Cancelled }

// Wait blocks until the submission reaches a terminal state or ctx is
// done. A nil ctx is treated as context.Background (no deadline).
func (h *SubmissionHandle[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.sub.state.done:
		return h.sub.result, h.sub.state.err
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, ErrTimeout
		}
		return zero, ErrInterrupted
	}
}

// Cancel requests that the submission be cancelled. With force=false the
// submission is marked cancelled at once, the currently running command
// (if any) is allowed to finish and no further commands start; the hosting
// process survives. With force=true the hosting process is destroyed
// immediately. Only the first call performs the terminal transition; a
// later call never changes the outcome, and returns an error once the
// submission is no longer queued or running.
func (h *SubmissionHandle[T]) Cancel(force bool) error {
	return h.pool.cancelSubmission(h.sub.ID(), force)
}
