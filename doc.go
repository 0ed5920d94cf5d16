// Package procpool manages a fleet of long-running, interactive OS
// processes and dispatches ordered command submissions to them over their
// standard streams.
//
// A Pool owns a set of executors, each supervising one child process. A
// Submission is an ordered, non-empty list of Commands; commands within a
// submission always run on the same process, in order. The pool grows and
// shrinks the fleet between min and max according to demand, keeps reserve
// processes warm, retires idle processes past their keep-alive deadline,
// and supports both cooperative and forced cancellation of a running
// submission.
//
// The pool never interprets command payloads — it writes instruction lines
// to a process's stdin and hands every line it reads back on stdout/stderr
// to caller-supplied predicates that decide when a command is complete.
package procpool
