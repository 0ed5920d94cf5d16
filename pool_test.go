package procpool_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/viktorc/procpool"
)

// echoManagerFactory builds a ProcessManager around a tiny shell read/echo
// loop: every line written to stdin comes back on stdout prefixed with
// "ECHO: ". It starts up instantly and has no orderly termination command,
// so executors hosting it are always retired via a forced kill.
func echoManagerFactory() (procpool.ProcessManager, error) {
	return &procpool.SimpleProcessManager{
		Launch: func() (procpool.ProcessLaunchSpec, error) {
			return procpool.ProcessLaunchSpec{
				Path: "/bin/sh",
				Args: []string{"-c", `while IFS= read -r line; do echo "ECHO: $line"; done`},
			}, nil
		},
	}, nil
}

func newEchoCommand(text string) *procpool.Command {
	return procpool.NewStandardCommand(text, regexp.MustCompile(`^ECHO: `))
}

func TestPool_SubmitAndWait_RunsCommandToCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := procpool.New(ctx, procpool.Options{
		ManagerFactory: echoManagerFactory,
		Min:            1,
		Max:            1,
		Reserve:        0,
	})
	require.NoError(t, err)
	defer pool.Shutdown()

	cmd := newEchoCommand("hello")
	sub := procpool.NewSimpleSubmission(cmd)
	handle, err := procpool.Submit(pool, sub)
	require.NoError(t, err)

	_, err = handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, procpool.Done, handle.Status())
	require.Len(t, cmd.StdoutLines(), 1)
	assert.Equal(t, "ECHO: hello", cmd.StdoutLines()[0])
}

func TestPool_Submit_TypedResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := procpool.New(ctx, procpool.Options{
		ManagerFactory: echoManagerFactory,
		Min:            1,
		Max:            1,
		Reserve:        0,
	})
	require.NoError(t, err)
	defer pool.Shutdown()

	cmd := newEchoCommand("typed")
	sub := procpool.NewSubmission[string](cmd)
	sub.Result = func() (string, error) {
		lines := cmd.StdoutLines()
		if len(lines) == 0 {
			return "", errors.New("no output")
		}
		return strings.TrimPrefix(lines[0], "ECHO: "), nil
	}

	handle, err := procpool.Submit(pool, sub)
	require.NoError(t, err)

	v, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "typed", v)
}

func TestPool_MultipleSubmissions_ShareOneExecutorInFIFOOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := procpool.New(ctx, procpool.Options{
		ManagerFactory: echoManagerFactory,
		Min:            1,
		Max:            1,
		Reserve:        0,
	})
	require.NoError(t, err)
	defer pool.Shutdown()

	var handles []*procpool.SubmissionHandle[struct{}]
	for i := 0; i < 5; i++ {
		sub := procpool.NewSimpleSubmission(newEchoCommand(fmt.Sprintf("line-%d", i)))
		h, err := procpool.Submit(pool, sub)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	for i, h := range handles {
		_, err := h.Wait(ctx)
		require.NoError(t, err, "submission %d", i)
		assert.Equal(t, procpool.Done, h.Status())
	}
}

func TestPool_GrowsToServeQueuedSubmissions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := procpool.New(ctx, procpool.Options{
		ManagerFactory: echoManagerFactory,
		Min:            1,
		Max:            3,
		Reserve:        0,
	})
	require.NoError(t, err)
	defer pool.Shutdown()

	var handles []*procpool.SubmissionHandle[struct{}]
	for i := 0; i < 3; i++ {
		sub := procpool.NewSimpleSubmission(newEchoCommand(fmt.Sprintf("grow-%d", i)))
		h, err := procpool.Submit(pool, sub)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := h.Wait(ctx)
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, pool.NumProcesses(), 1)
	assert.LessOrEqual(t, pool.NumProcesses(), 3)
}

func TestPool_CooperativeCancel_LeavesProcessAlive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := procpool.New(ctx, procpool.Options{
		ManagerFactory: echoManagerFactory,
		Min:            1,
		Max:            1,
		Reserve:        0,
	})
	require.NoError(t, err)
	defer pool.Shutdown()

	before := pool.NumProcesses()

	blocker := procpool.NewCommand("blocker", func(_ *procpool.Command, _ string, _ bool) bool {
		return false // never completes on its own
	})
	sub := procpool.NewSimpleSubmission(blocker)
	handle, err := procpool.Submit(pool, sub)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return handle.Status() == procpool.Running
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, handle.Cancel(false))

	_, err = handle.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, procpool.ErrCancelled))
	assert.Equal(t, before, pool.NumProcesses())
}

func TestPool_ForcedCancel_DestroysProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := procpool.New(ctx, procpool.Options{
		ManagerFactory: echoManagerFactory,
		Min:            1,
		Max:            1,
		Reserve:        0,
	})
	require.NoError(t, err)
	defer pool.Shutdown()

	blocker := procpool.NewCommand("blocker", func(_ *procpool.Command, _ string, _ bool) bool {
		return false
	})
	sub := procpool.NewSimpleSubmission(blocker)
	handle, err := procpool.Submit(pool, sub)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return handle.Status() == procpool.Running
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, handle.Cancel(true))

	_, err = handle.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, procpool.ErrCancelled))
}

func TestPool_CancelQueuedSubmission_NeverRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := procpool.New(ctx, procpool.Options{
		ManagerFactory: echoManagerFactory,
		Min:            1,
		Max:            1,
		Reserve:        0,
	})
	require.NoError(t, err)
	defer pool.Shutdown()

	blocker := procpool.NewCommand("blocker", func(_ *procpool.Command, _ string, _ bool) bool {
		return false
	})
	occupying, err := procpool.Submit(pool, procpool.NewSimpleSubmission(blocker))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return occupying.Status() == procpool.Running
	}, time.Second, 10*time.Millisecond)

	queued := procpool.NewSimpleSubmission(newEchoCommand("never"))
	handle, err := procpool.Submit(pool, queued)
	require.NoError(t, err)
	assert.Equal(t, procpool.Pending, handle.Status())

	require.NoError(t, handle.Cancel(false))

	_, err = handle.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, procpool.ErrCancelled))

	require.NoError(t, occupying.Cancel(true))
}

func TestPool_RejectsSubmissionsAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := procpool.New(ctx, procpool.Options{
		ManagerFactory: echoManagerFactory,
		Min:            1,
		Max:            1,
		Reserve:        0,
	})
	require.NoError(t, err)

	pool.Shutdown()
	assert.True(t, pool.IsShutdown())

	_, err = procpool.Submit(pool, procpool.NewSimpleSubmission(newEchoCommand("late")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, procpool.ErrRejectedExecution))

	require.True(t, pool.AwaitTermination(ctx))
	assert.True(t, pool.IsTerminated())
}

func TestPool_ForceShutdown_ReturnsNeverProcessedSubmissions(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := procpool.New(ctx, procpool.Options{
		ManagerFactory: echoManagerFactory,
		Min:            1,
		Max:            1,
		Reserve:        0,
	})
	require.NoError(t, err)

	blocker := procpool.NewCommand("blocker", func(_ *procpool.Command, _ string, _ bool) bool {
		return false
	})
	running, err := procpool.Submit(pool, procpool.NewSimpleSubmission(blocker))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return running.Status() == procpool.Running
	}, time.Second, 10*time.Millisecond)

	queued, err := procpool.Submit(pool, procpool.NewSimpleSubmission(newEchoCommand("abandoned")))
	require.NoError(t, err)

	abandoned := pool.ForceShutdown()
	require.Len(t, abandoned, 1)
	assert.Equal(t, queued.ID(), abandoned[0].ID())

	require.True(t, pool.AwaitTermination(ctx))
	assert.True(t, pool.IsTerminated())
}

func TestNew_RejectsInvalidConfiguration(t *testing.T) {
	cases := []struct {
		name string
		opts procpool.Options
	}{
		{"nil manager factory", procpool.Options{Min: 0, Max: 1}},
		{"max below one", procpool.Options{ManagerFactory: echoManagerFactory, Min: 0, Max: 0}},
		{"min above max", procpool.Options{ManagerFactory: echoManagerFactory, Min: 2, Max: 1}},
		{"reserve at max", procpool.Options{ManagerFactory: echoManagerFactory, Min: 0, Max: 1, Reserve: 1}},
		{"negative reserve", procpool.Options{ManagerFactory: echoManagerFactory, Min: 0, Max: 2, Reserve: -1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := procpool.New(context.Background(), tc.opts)
			require.Error(t, err)
			var cfgErr *procpool.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestNew_InterruptedConstructionAbortsAndReportsInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := procpool.New(ctx, procpool.Options{
		ManagerFactory: func() (procpool.ProcessManager, error) {
			return &procpool.SimpleProcessManager{
				Launch: func() (procpool.ProcessLaunchSpec, error) {
					return procpool.ProcessLaunchSpec{Path: "/bin/sh", Args: []string{"-c", "sleep 5"}}, nil
				},
				StartedUpPattern: regexp.MustCompile(`never-matches`),
			}, nil
		},
		Min:     1,
		Max:     1,
		Reserve: 0,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, procpool.ErrInterrupted)
}
