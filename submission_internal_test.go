package procpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultState_FirstTransitionWins(t *testing.T) {
	rs := newResultState()

	ok1 := rs.transition(Done, nil)
	ok2 := rs.transition(Failed, errors.New("too late"))

	require.True(t, ok1)
	require.False(t, ok2)
	assert.Equal(t, Done, rs.status())
	assert.Nil(t, rs.err)
}

func TestResultState_SetRunningNoOpAfterTerminal(t *testing.T) {
	rs := newResultState()
	rs.transition(Cancelled, ErrCancelled)
	rs.setRunning()
	assert.Equal(t, Cancelled, rs.status())
}

func TestSubmission_Succeed_ComputesResult(t *testing.T) {
	sub := NewSubmission[int](NewCommand("x", alwaysCompleteCmd))
	sub.Result = func() (int, error) { return 42, nil }

	err := sub.succeed()
	require.NoError(t, err)
	assert.Equal(t, Done, sub.status())

	h := sub.handle(nil)
	v, werr := h.Wait(context.Background())
	require.NoError(t, werr)
	assert.Equal(t, 42, v)
}

func TestSubmission_Succeed_PropagatesResultError(t *testing.T) {
	boom := errors.New("boom")
	sub := NewSubmission[int](NewCommand("x", alwaysCompleteCmd))
	sub.Result = func() (int, error) { return 0, boom }

	err := sub.succeed()
	require.Error(t, err)
	assert.Equal(t, Failed, sub.status())
}

func TestSubmission_Cancel_Idempotent(t *testing.T) {
	sub := NewSimpleSubmission(NewCommand("x", alwaysCompleteCmd))

	first := sub.cancel(false)
	second := sub.cancel(true)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, Cancelled, sub.status())
}

func TestSubmission_Fail_WrapsCause(t *testing.T) {
	sub := NewSimpleSubmission(NewCommand("x", alwaysCompleteCmd))
	sub.fail(ErrWriteFailed)

	h := sub.handle(nil)
	_, err := h.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriteFailed))

	var sfe *SubmissionFailedError
	require.True(t, errors.As(err, &sfe))
	assert.Equal(t, sub.ID(), sfe.SubmissionID)
}

func TestSubmissionHandle_Wait_DeadlineExceededBecomesErrTimeout(t *testing.T) {
	sub := NewSimpleSubmission(NewCommand("x", alwaysCompleteCmd))
	h := sub.handle(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSubmissionHandle_Wait_CancelledContextBecomesErrInterrupted(t *testing.T) {
	sub := NewSimpleSubmission(NewCommand("x", alwaysCompleteCmd))
	h := sub.handle(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
}

func alwaysCompleteCmd(_ *Command, _ string, _ bool) bool { return true }
