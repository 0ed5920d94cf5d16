package procpool

import (
	"regexp"
	"sync"
)

// CompletionFunc is evaluated once per output line received while a
// Command is running. It is called after the line has been appended to the
// command's buffer, so it may inspect the full accumulated output via cmd.
// The first call that returns true ends the command.
type CompletionFunc func(cmd *Command, line string, stdout bool) bool

// Command is a single instruction written to a process's stdin plus the
// predicates that decide when the instruction's output is complete or
// signals an error. Output lines are accumulated on the Command itself and
// retained across the Command's lifetime until Reset is called explicitly
// — the executor never resets a Command on the caller's behalf.
type Command struct {
	// Instruction is the line written to the process's stdin, without a
	// trailing newline — the executor appends one.
	Instruction string

	// IsComplete reports whether the command has finished. Required.
	IsComplete CompletionFunc

	// IsErrorTermination, if set, reports whether the command should
	// abort with a CommandErrorTermination error. Checked before
	// IsComplete on each line.
	IsErrorTermination CompletionFunc

	mu     sync.Mutex
	stdout []string
	stderr []string
}

// NewCommand builds a Command from an instruction and a completion
// predicate.
func NewCommand(instruction string, isComplete CompletionFunc) *Command {
	return &Command{Instruction: instruction, IsComplete: isComplete}
}

// WithErrorTermination attaches an error-termination predicate and returns
// the same Command for chaining.
func (c *Command) WithErrorTermination(fn CompletionFunc) *Command {
	c.IsErrorTermination = fn
	return c
}

// NewStandardCommand builds a Command whose completion is decided by
// matching each line, from either stream, against a regular expression —
// the common case covered by the original library's "standard command"
// and used by most of this package's own tests.
func NewStandardCommand(instruction string, completionPattern *regexp.Regexp) *Command {
	return NewCommand(instruction, func(_ *Command, line string, _ bool) bool {
		return completionPattern.MatchString(line)
	})
}

// recordLine appends line to the appropriate buffer. Called by the executor
// exactly once per line received, before the completion predicates run.
func (c *Command) recordLine(line string, stdout bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stdout {
		c.stdout = append(c.stdout, line)
	} else {
		c.stderr = append(c.stderr, line)
	}
}

// StdoutLines returns a copy of the stdout lines observed so far.
func (c *Command) StdoutLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.stdout))
	copy(out, c.stdout)
	return out
}

// StderrLines returns a copy of the stderr lines observed so far.
func (c *Command) StderrLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.stderr))
	copy(out, c.stderr)
	return out
}

// Reset clears both output buffers. Never called by the executor; callers
// decide when a Command's history is no longer needed, e.g. before reusing
// the same Command across submissions.
func (c *Command) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdout = nil
	c.stderr = nil
}

func (c *Command) isErrorTermination(line string, stdout bool) bool {
	if c.IsErrorTermination == nil {
		return false
	}
	return c.IsErrorTermination(c, line, stdout)
}

func (c *Command) isComplete(line string, stdout bool) bool {
	return c.IsComplete(c, line, stdout)
}
