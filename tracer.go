package bpfcov

import (
	"context"

	"cdr.dev/slog"
)

// TracerOpts contains all of the configuration options for the tracer. All
// are optional.
type TracerOpts struct {
	// OnMapFD is called for every map creation syscall whose resulting file
	// descriptor was duplicated out of the traced process. The callee owns
	// the descriptor and must close it (handing it to a PinStore counts as
	// closing it).
	//
	// Returning an error aborts the trace and kills the traced program: a
	// coverage map that cannot be handled makes the whole run useless.
	//
	// If unspecified, duplicated descriptors are closed and discarded.
	OnMapFD func(ctx context.Context, fd int) error

	// Log receives leveled diagnostics, including one line per completed
	// syscall at debug level. The zero value discards everything.
	Log slog.Logger
}

// Tracer supervises a single execution of a target program, observing every
// syscall it makes until it terminates.
type Tracer interface {
	// Trace runs the program to completion and reports how it terminated.
	// It may only be called once. The calling goroutine is locked to its OS
	// thread for the duration of the trace.
	Trace(ctx context.Context) (*TraceResult, error)
}

// TraceOutcome describes how a traced program reached its end.
type TraceOutcome int

const (
	// OutcomeExited means termination was observed directly from the wait
	// status. A normal exit carries the program's own exit code, death by
	// signal carries 128 plus the signal number.
	OutcomeExited TraceOutcome = iota
	// OutcomeProbeLost means the traced process disappeared between a
	// syscall entry and the matching exit stop, so the exit status was
	// recovered from the entry-side register snapshot instead (the status
	// argument of the final exit syscall).
	OutcomeProbeLost
)

func (o TraceOutcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeProbeLost:
		return "probe-lost"
	}

	return "unknown"
}

// TraceResult is the terminal state of a trace.
type TraceResult struct {
	Outcome    TraceOutcome `json:"outcome"`
	ExitStatus int          `json:"exit_status"`
}

// SyscallEvent is a single syscall observed in the traced process: the
// syscall number, the six argument registers, and the result register. The
// result is only meaningful once the syscall's exit stop has been seen.
type SyscallEvent struct {
	Num  uint64    `json:"num"`
	Args [6]uint64 `json:"args"`
	Ret  int64     `json:"ret"`
}
