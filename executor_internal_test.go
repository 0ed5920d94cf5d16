package procpool

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viktorc/procpool/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoManager() (ProcessManager, error) {
	return &SimpleProcessManager{
		Launch: func() (ProcessLaunchSpec, error) {
			return ProcessLaunchSpec{
				Path: "/bin/sh",
				Args: []string{"-c", `while IFS= read -r line; do echo "ECHO: $line"; done`},
			}, nil
		},
	}, nil
}

func TestExecutor_CommandErrorTermination_LeavesProcessReusable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := &Pool{
		opts:         Options{ManagerFactory: echoManager, Max: 1, TerminationGrace: 2 * time.Second},
		logger:       discardLogger(),
		executors:    make(map[string]*processExecutor),
		runningOwner: make(map[string]*processExecutor),
		queued:       queue.New[Task](),
	}

	e, err := newProcessExecutor(ctx, p)
	require.NoError(t, err)
	defer e.stopNow(false)

	failing := NewCommand("trigger error", func(_ *Command, _ string, _ bool) bool { return false })
	failing.WithErrorTermination(func(_ *Command, line string, _ bool) bool {
		return line == "ECHO: trigger error"
	})
	sub := NewSimpleSubmission(failing)

	status, fatal, _ := e.runTaskBody(ctx, sub)
	assert.Equal(t, Failed, status)
	assert.False(t, fatal, "a CommandErrorTermination must not be fatal to the process")
	assert.False(t, e.hasExited())

	ok := NewCommand("still alive", func(_ *Command, line string, _ bool) bool {
		return line == "ECHO: still alive"
	})
	sub2 := NewSimpleSubmission(ok)
	status2, _, err2 := e.runTaskBody(ctx, sub2)
	require.NoError(t, err2)
	assert.Equal(t, Done, status2)
}

func TestExecutor_WriteFailed_IsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := &Pool{
		opts:         Options{ManagerFactory: echoManager, Max: 1, TerminationGrace: 2 * time.Second},
		logger:       discardLogger(),
		executors:    make(map[string]*processExecutor),
		runningOwner: make(map[string]*processExecutor),
		queued:       queue.New[Task](),
	}

	e, err := newProcessExecutor(ctx, p)
	require.NoError(t, err)

	require.NoError(t, e.stdin.Close())

	sub := NewSimpleSubmission(NewCommand("x", func(_ *Command, _ string, _ bool) bool { return true }))
	status, fatal, _ := e.runTaskBody(ctx, sub)
	assert.Equal(t, Failed, status)
	assert.True(t, fatal)

	e.stopNow(false)
}

func TestStandardCommand_MatchesAnyStream(t *testing.T) {
	cmd := NewStandardCommand("ping", regexp.MustCompile(`^pong$`))
	assert.True(t, cmd.isComplete("pong", false))
	assert.False(t, cmd.isComplete("pang", true))
}

