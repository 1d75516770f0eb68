//go:build linux && amd64
// +build linux,amd64

package bpfcov

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"cdr.dev/slog"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// IsMapCreate reports whether the event is a bpf() syscall asking the kernel
// to create a map. Only the syscall number and the command in the first
// argument register are consulted, the map's attributes are settled later
// from the duplicated descriptor.
func (e SyscallEvent) IsMapCreate() bool {
	return e.Num == unix.SYS_BPF && e.Args[0] == unix.BPF_MAP_CREATE
}

// eventFromRegs decodes an entry-side register snapshot. The result register
// still holds garbage at this point and gets filled in at the exit stop.
func eventFromRegs(regs *unix.PtraceRegs) SyscallEvent {
	return SyscallEvent{
		Num:  regs.Orig_rax,
		Args: [6]uint64{regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9},
	}
}

type tracer struct {
	program string
	args    []string

	onMapFD func(ctx context.Context, fd int) error
	log     slog.Logger

	traceOnce sync.Once
}

var _ Tracer = &tracer{}

// New creates a Tracer that will execute the program with the given
// arguments under syscall tracing. The program is looked up in PATH at exec
// time and reaches the child as its argv[0], unchanged. The traced program
// inherits this process's stdio and environment.
func New(program string, args []string, opts *TracerOpts) (Tracer, error) {
	if opts == nil {
		opts = &TracerOpts{}
	}
	if program == "" {
		return nil, xerrors.New("no program specified")
	}

	return &tracer{
		program: program,
		args:    args,

		onMapFD: opts.OnMapFD,
		log:     opts.Log,
	}, nil
}

func (t *tracer) Trace(ctx context.Context) (*TraceResult, error) {
	var (
		didTrace bool
		res      *TraceResult
		traceErr error
	)
	t.traceOnce.Do(func() {
		didTrace = true
		res, traceErr = t.trace(ctx)
	})

	if !didTrace {
		return nil, xerrors.New("tracer has already been run")
	}
	return res, traceErr
}

func (t *tracer) trace(ctx context.Context) (*TraceResult, error) {
	// Every ptrace request against the child must come from the OS thread
	// that spawned it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command(t.program, t.args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	err := cmd.Start()
	if err != nil {
		return nil, xerrors.Errorf("start traced program %q: %w", t.program, err)
	}
	pid := cmd.Process.Pid

	// If we bail out mid-trace the child is still alive and stopped. Kill
	// and reap it so a failed trace doesn't leave a frozen process behind.
	ok := false
	defer func() {
		if !ok {
			// Best effort.
			_ = unix.Kill(pid, unix.SIGKILL)
			_, _ = unix.Wait4(pid, nil, 0, nil)
		}
	}()

	// Sync with the stop the child delivers once it has finished exec.
	status, err := waitStop(pid)
	if err != nil {
		return nil, xerrors.Errorf("wait for initial stop of process %d: %w", pid, err)
	}
	if !status.Stopped() {
		return nil, xerrors.Errorf("process %d did not stop after exec (wait status %#x)", pid, uint32(status))
	}

	// Make sure the child cannot outlive us no matter how we exit.
	err = unix.PtraceSetOptions(pid, unix.PTRACE_O_EXITKILL)
	if err != nil {
		return nil, xerrors.Errorf("set trace options on process %d: %w", pid, err)
	}

	// resume lets the child run to its next syscall stop. If it terminates
	// instead, the terminal result is returned.
	resume := func() (*TraceResult, error) {
		err := unix.PtraceSyscall(pid, 0)
		if err != nil {
			return nil, xerrors.Errorf("resume process %d: %w", pid, err)
		}
		status, err = waitStop(pid)
		if err != nil {
			return nil, xerrors.Errorf("wait for process %d: %w", pid, err)
		}
		if status.Exited() {
			return &TraceResult{
				Outcome:    OutcomeExited,
				ExitStatus: status.ExitStatus(),
			}, nil
		}
		if status.Signaled() {
			return &TraceResult{
				Outcome:    OutcomeExited,
				ExitStatus: 128 + int(status.Signal()),
			}, nil
		}
		return nil, nil
	}

	var (
		regs      unix.PtraceRegs
		lastEntry SyscallEvent
	)
	for {
		err = ctx.Err()
		if err != nil {
			return nil, xerrors.Errorf("trace canceled: %w", err)
		}

		// Syscall entry stop.
		res, err := resume()
		if err != nil {
			return nil, err
		}
		if res != nil {
			ok = true
			return res, nil
		}
		err = unix.PtraceGetRegs(pid, &regs)
		if err != nil {
			return nil, xerrors.Errorf("read entry registers of process %d: %w", pid, err)
		}
		ev := eventFromRegs(&regs)
		lastEntry = ev
		isMapCreate := ev.IsMapCreate()

		// Matching syscall exit stop.
		res, err = resume()
		if err != nil {
			return nil, err
		}
		if res != nil {
			ok = true
			return res, nil
		}
		err = unix.PtraceGetRegs(pid, &regs)
		if err != nil {
			if xerrors.Is(err, unix.ESRCH) {
				// The process vanished inside the syscall, so there is no
				// exit stop left to read. The entry snapshot still holds
				// the status argument of its final exit syscall.
				ok = true
				t.log.Debug(ctx, "traced process gone at syscall exit", slog.F("pid", pid))
				return &TraceResult{
					Outcome:    OutcomeProbeLost,
					ExitStatus: int(lastEntry.Args[0] & 0xff),
				}, nil
			}
			return nil, xerrors.Errorf("read exit registers of process %d: %w", pid, err)
		}
		ev.Ret = int64(regs.Rax)
		t.log.Debug(ctx, "syscall", slog.F("event", ev))

		if !isMapCreate || ev.Ret == 0 {
			continue
		}

		// The new descriptor lives in the child, not in this process.
		// Losing the duplication race against process exit is not fatal, it
		// just means nothing to pin.
		fd, err := DupRemoteFD(pid, int(ev.Ret))
		if err != nil {
			t.log.Debug(ctx, "skipping map fd", slog.F("pid", pid), slog.Error(err))
			continue
		}
		err = t.handleMapFD(ctx, fd)
		if err != nil {
			return nil, xerrors.Errorf("handle created map fd: %w", err)
		}
	}
}

func (t *tracer) handleMapFD(ctx context.Context, fd int) error {
	if t.onMapFD == nil {
		_ = unix.Close(fd)
		return nil
	}

	return t.onMapFD(ctx, fd)
}

// waitStop blocks until the child changes state, retrying interrupted
// waits.
func waitStop(pid int) (unix.WaitStatus, error) {
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		return status, err
	}
}
