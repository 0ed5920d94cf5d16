package procpool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/viktorc/procpool/internal/metrics"
	"github.com/viktorc/procpool/internal/procconfig"
	"github.com/viktorc/procpool/internal/queue"
)

// Options configures a Pool. Min, Max and Reserve follow the pool sizing
// policy: the pool never holds fewer than Min live executors, never more
// than Max, and treats Reserve of them as a standing idle buffer it tries
// not to shrink below even when there is nothing queued.
type Options struct {
	// ManagerFactory builds one ProcessManager per executor. Required.
	ManagerFactory func() (ProcessManager, error)

	// Min is the floor on live executors; the pool never drops below it
	// while running.
	Min int

	// Max is the ceiling on live executors.
	Max int

	// Reserve is how many idle executors the pool tries to keep on hand
	// even when the queue is empty. Must be strictly less than Max.
	Reserve int

	// KeepAlive bounds how long a surplus idle executor (idle count above
	// Reserve, active count above Min) is kept before being retired. Zero
	// disables idle retirement entirely.
	KeepAlive time.Duration

	// TerminationGrace bounds how long an orderly ProcessManager.Terminate
	// call is given before the executor falls back to a forced kill.
	// Defaults to 2 seconds.
	TerminationGrace time.Duration

	// Verbose turns on debug-level structured logging of pool and executor
	// lifecycle events. Ignored if Logger is set.
	Verbose bool

	// Logger, if set, receives structured lifecycle events regardless of
	// Verbose. If nil, a default is built from Verbose: a debug-level text
	// logger on stderr when true, a discard logger when false.
	Logger *slog.Logger

	// Metrics, if set, is kept up to date with pool-level gauges and
	// counters on every dispatch and lifecycle transition. The pool never
	// serves these itself — mount Collectors.HTTPHandler() on your own
	// server.
	Metrics *metrics.Collectors

	// Name labels this pool's log lines and, if Metrics is set separately,
	// has no further effect (Metrics already carries its own pool label).
	Name string
}

// LoadSizing overlays Min/Max/Reserve/KeepAlive/Verbose from a procconfig
// file onto o. If the file sets no field, or sets every field to zero, o is
// left unchanged; otherwise all five fields are taken from the file, and a
// field the file does not mention is set to zero (fields are not merged one
// by one). Present mainly so a cmd/ frontend can let
// an operator tune pool sizing without a recompile.
func (o *Options) LoadSizing(path string) error {
	f, err := procconfig.Load(path)
	if err != nil {
		return err
	}
	if f.IsZero() {
		return nil
	}
	o.Min = f.Min
	o.Max = f.Max
	o.Reserve = f.Reserve
	o.KeepAlive = time.Duration(f.KeepAliveMs) * time.Millisecond
	o.Verbose = f.Verbose
	return nil
}

func validate(o Options) error {
	switch {
	case o.ManagerFactory == nil:
		return &ConfigurationError{Reason: "ManagerFactory is required"}
	case o.Min < 0:
		return &ConfigurationError{Reason: "Min must not be negative"}
	case o.Max < 1:
		return &ConfigurationError{Reason: "Max must be at least 1"}
	case o.Min > o.Max:
		return &ConfigurationError{Reason: "Min must not exceed Max"}
	case o.Reserve < 0:
		return &ConfigurationError{Reason: "Reserve must not be negative"}
	case o.Reserve >= o.Max:
		return &ConfigurationError{Reason: "Reserve must be strictly less than Max"}
	default:
		return nil
	}
}

func normalize(o *Options) {
	if o.KeepAlive < 0 {
		o.KeepAlive = 0
	}
	if o.TerminationGrace <= 0 {
		o.TerminationGrace = 2 * time.Second
	}
	if o.Logger == nil {
		if o.Verbose {
			o.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		} else {
			o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
	}
	if o.Name != "" {
		o.Logger = o.Logger.With("pool", o.Name)
	}
}

// Pool manages a bounded set of hosted OS processes and dispatches queued
// Submissions to them in FIFO order. All decision-making — which executor
// runs next, when to grow, when to retire an idle executor — happens under
// mu, so the dispatcher behaves as a single logical actor even though the
// work it hands out runs concurrently.
type Pool struct {
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	executors    map[string]*processExecutor
	runningOwner map[string]*processExecutor
	queued       *queue.Queue[Task]
	shuttingDown bool
	terminated   bool
	terminatedCh chan struct{}
}

// New builds a Pool and blocks until its initial complement of executors
// (max(Min, Reserve) of them) is up and idle. If ctx is done before that
// happens, every executor spawned so far is destroyed and New returns
// ctx.Err()'s procpool equivalent.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}
	normalize(&opts)

	p := &Pool{
		opts:         opts,
		logger:       opts.Logger,
		executors:    make(map[string]*processExecutor),
		runningOwner: make(map[string]*processExecutor),
		queued:       queue.New[Task](),
		terminatedCh: make(chan struct{}),
	}

	initial := opts.Min
	if opts.Reserve > initial {
		initial = opts.Reserve
	}
	if err := p.spawnInitial(ctx, initial); err != nil {
		return nil, err
	}
	p.logger.Info("pool started", "executors", initial, "min", opts.Min, "max", opts.Max, "reserve", opts.Reserve)
	return p, nil
}

func (p *Pool) spawnInitial(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	spawned := make([]*processExecutor, n)
	var errsMu sync.Mutex
	var errs []error
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			e, err := newProcessExecutor(gctx, p)
			if err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
				return err
			}
			spawned[i] = e
			return nil
		})
	}
	_ = g.Wait()
	// Every executor that actually failed to start contributes its own
	// cause here, not just whichever one errgroup happened to return first.
	werr := multierr.Combine(errs...)
	if werr != nil {
		for _, e := range spawned {
			if e != nil {
				go e.stopNow(false)
			}
		}
		for _, e := range spawned {
			if e != nil {
				<-e.exited
			}
		}
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return werr
	}
	for _, e := range spawned {
		p.executors[e.id] = e
		p.bumpMetric(func(m *metrics.Collectors) { m.ExecutorsSpawned.Inc() })
	}
	p.refreshGauges()
	return nil
}

// Submit enqueues s and returns a handle for tracking it. It is a free
// function, not a Pool method, because Go methods cannot themselves be
// generic — s's type parameter has to live on the function.
func Submit[T any](p *Pool, s *Submission[T]) (*SubmissionHandle[T], error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, ErrRejectedExecution
	}
	p.queued.Enqueue(s)
	p.mu.Unlock()

	p.logger.Debug("submission queued", "submission_id", s.ID())
	p.dispatch()
	return s.handle(p), nil
}

// dispatch is the pool's sizing-and-assignment policy, run after every
// event that might change what it would decide: a submission arriving, an
// executor going idle, an executor stopping, or keep-alive expiry.
func (p *Pool) dispatch() {
	p.mu.Lock()

	// Step 1: once shutdown has drained (nothing queued, nothing busy),
	// every idle executor is surplus — stop it.
	var toStop []*processExecutor
	if p.shuttingDown && p.queued.Len() == 0 && len(p.runningOwner) == 0 {
		for _, e := range p.executors {
			if e.state == executorIdle {
				e.state = executorStopping
				toStop = append(toStop, e)
			}
		}
	}

	// Step 2: pair queued submissions with idle executors.
	for p.queued.Len() > 0 {
		e := p.pickIdleLocked()
		if e == nil {
			break
		}
		t, ok := p.queued.Dequeue()
		if !ok {
			break
		}
		p.mu.Unlock()
		go e.runSubmission(t)
		p.mu.Lock()
	}

	// Step 3: grow if there is still unmet demand, the standing idle
	// reserve has been eaten into, or the live count has fallen below Min,
	// as long as there's headroom and the pool isn't winding down.
	live := p.liveCountLocked()
	idle := p.idleCountLocked()
	wantReserve := p.opts.Reserve
	if headroom := p.opts.Max - live; headroom < wantReserve {
		wantReserve = headroom
	}
	needsGrowth := !p.shuttingDown && live < p.opts.Max && (p.queued.Len() > 0 || idle < wantReserve || live < p.opts.Min)
	p.mu.Unlock()

	for _, e := range toStop {
		go e.stopNow(true)
	}
	if needsGrowth {
		go p.growBy(1)
	}
	p.refreshGauges()
}

func (p *Pool) pickIdleLocked() *processExecutor {
	for _, e := range p.executors {
		if e.state == executorIdle {
			e.state = executorBusy
			return e
		}
	}
	return nil
}

func (p *Pool) liveCountLocked() int {
	n := 0
	for _, e := range p.executors {
		if e.state != executorStopped {
			n++
		}
	}
	return n
}

func (p *Pool) idleCountLocked() int {
	n := 0
	for _, e := range p.executors {
		if e.state == executorIdle {
			n++
		}
	}
	return n
}

func (p *Pool) growBy(n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		e, err := newProcessExecutor(ctx, p)
		if err != nil {
			p.logger.Warn("failed to grow pool", "error", err)
			return
		}
		p.mu.Lock()
		if p.liveCountLocked() >= p.opts.Max {
			// Another launch reached the ceiling first; discard this one.
			p.mu.Unlock()
			e.disarmKeepAlive()
			e.destroyDuringStartup()
			break
		}
		p.executors[e.id] = e
		p.mu.Unlock()
		p.bumpMetric(func(m *metrics.Collectors) { m.ExecutorsSpawned.Inc() })
		p.logger.Debug("pool grew", "executor_id", e.id)
	}
	p.dispatch()
}

// onExecutorIdle is called by an executor once it has finished a
// submission (or startup) and settled into the idle state. It only re-runs
// dispatch; whether this executor is retirement-eligible surplus per the
// keep-alive policy is decided by its own timer (onKeepAliveExpired), not
// here, to avoid a thundering-herd retirement check on every dispatch.
func (p *Pool) onExecutorIdle(e *processExecutor) {
	p.dispatch()
}

func (p *Pool) onExecutorStopped(e *processExecutor) {
	p.mu.Lock()
	delete(p.executors, e.id)
	remaining := len(p.executors)
	p.mu.Unlock()
	p.bumpMetric(func(m *metrics.Collectors) { m.ExecutorsRetired.Inc() })
	p.refreshGauges()

	p.mu.Lock()
	shuttingDown := p.shuttingDown
	p.mu.Unlock()
	if shuttingDown && remaining == 0 {
		p.mu.Lock()
		if !p.terminated {
			p.terminated = true
			close(p.terminatedCh)
		}
		p.mu.Unlock()
		p.logger.Info("pool terminated")
		return
	}
	p.dispatch()
}

// retireExecutor removes e from service: orderly asks it to terminate if
// orderly is true, otherwise goes straight to a forced kill. Runs
// asynchronously since the caller is usually e's own runSubmission
// goroutine, which must not block on its own teardown.
func (p *Pool) retireExecutor(e *processExecutor, orderly bool) {
	go e.stopNow(orderly)
}

// onKeepAliveExpired is an executor's own keep-alive timer firing. The
// pool decides, under its single lock, whether this executor is still
// surplus (idle count above Reserve, live count above Min); if the
// situation changed since the timer was armed, the executor is spared and
// the timer rearmed.
func (p *Pool) onKeepAliveExpired(e *processExecutor) {
	p.mu.Lock()
	if e.state != executorIdle {
		p.mu.Unlock()
		return
	}
	idle := p.idleCountLocked()
	live := p.liveCountLocked()
	if idle <= p.opts.Reserve || live <= p.opts.Min {
		p.mu.Unlock()
		e.armKeepAlive()
		return
	}
	e.state = executorStopping
	p.mu.Unlock()

	p.logger.Debug("retiring idle executor past keep-alive", "executor_id", e.id)
	go e.stopNow(true)
}

// cancelSubmission implements SubmissionHandle.Cancel. A still-queued
// submission is simply removed from the queue and marked cancelled; a
// running one is forwarded to the executor currently running it, and a
// cooperative cancel also marks it cancelled at once.
func (p *Pool) cancelSubmission(id string, force bool) error {
	p.mu.Lock()
	if t, ok := p.queued.Remove(id); ok {
		p.mu.Unlock()
		t.cancel(force)
		p.refreshGauges()
		return nil
	}
	owner, ok := p.runningOwner[id]
	var running Task
	if ok {
		running = owner.cur
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("procpool: unknown or already-finished submission %q", id)
	}
	if force {
		owner.requestForceCancel()
	} else {
		owner.requestCooperativeCancel()
		running.cancel(false)
	}
	return nil
}

// Shutdown stops accepting new submissions and lets every queued and
// running submission finish naturally; once the last executor goes idle
// with nothing left to do, it is retired and the pool terminates.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	noExecutors := len(p.executors) == 0
	p.mu.Unlock()

	p.logger.Info("pool shutting down (orderly)")
	if noExecutors {
		p.mu.Lock()
		if !p.terminated {
			p.terminated = true
			close(p.terminatedCh)
		}
		p.mu.Unlock()
		return
	}
	p.dispatch()
}

// ForceShutdown stops accepting new submissions, cancels and destroys
// every executor immediately regardless of what it is doing, and returns
// the queued submissions that never got to run. Running submissions are
// forcibly cancelled rather than returned, since they did start.
func (p *Pool) ForceShutdown() []Task {
	p.mu.Lock()
	p.shuttingDown = true
	drained := p.queued.Drain()
	var all, stopDirectly []*processExecutor
	for _, e := range p.executors {
		all = append(all, e)
		// Busy executors tear themselves down once their forced-killed
		// process surfaces as an exit in their own command loop; stopping
		// them here too would race two stopNow calls on one executor.
		if e.state != executorBusy {
			e.state = executorStopping
			stopDirectly = append(stopDirectly, e)
		}
	}
	noExecutors := len(p.executors) == 0
	p.mu.Unlock()

	for _, t := range drained {
		t.cancel(true)
	}
	for _, e := range all {
		e.requestForceCancel()
	}
	for _, e := range stopDirectly {
		go e.stopNow(false)
	}

	p.logger.Warn("pool force-shutting down", "abandoned_queued", len(drained), "destroyed_executors", len(all))

	if noExecutors {
		p.mu.Lock()
		if !p.terminated {
			p.terminated = true
			close(p.terminatedCh)
		}
		p.mu.Unlock()
	}
	return drained
}

// IsShutdown reports whether Shutdown or ForceShutdown has been called.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shuttingDown
}

// IsTerminated reports whether every executor has fully stopped following
// a shutdown.
func (p *Pool) IsTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// AwaitTermination blocks until the pool terminates or ctx is done,
// reporting which happened.
func (p *Pool) AwaitTermination(ctx context.Context) bool {
	select {
	case <-p.terminatedCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// NumProcesses reports the number of live (non-stopped) executors.
func (p *Pool) NumProcesses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCountLocked()
}

// NumIdleProcesses reports the number of executors currently idle.
func (p *Pool) NumIdleProcesses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleCountLocked()
}

// NumQueuedSubmissions reports the number of submissions waiting for an
// executor.
func (p *Pool) NumQueuedSubmissions() int {
	return p.queued.Len()
}

// NumExecutingSubmissions reports the number of submissions currently
// running on some executor.
func (p *Pool) NumExecutingSubmissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runningOwner)
}

// Min, Max, Reserve and KeepAlive report the sizing parameters this pool
// was constructed with.
func (p *Pool) Min() int                  { return p.opts.Min }
func (p *Pool) Max() int                  { return p.opts.Max }
func (p *Pool) Reserve() int              { return p.opts.Reserve }
func (p *Pool) KeepAlive() time.Duration  { return p.opts.KeepAlive }

func (p *Pool) bumpMetric(f func(*metrics.Collectors)) {
	if p.opts.Metrics != nil {
		f(p.opts.Metrics)
	}
}

func (p *Pool) refreshGauges() {
	if p.opts.Metrics == nil {
		return
	}
	p.mu.Lock()
	live := p.liveCountLocked()
	idle := p.idleCountLocked()
	p.mu.Unlock()
	m := p.opts.Metrics
	m.Processes.Set(float64(live))
	m.IdleProcesses.Set(float64(idle))
	m.BusyProcesses.Set(float64(live - idle))
	m.QueuedSubmissions.Set(float64(p.queued.Len()))
}
