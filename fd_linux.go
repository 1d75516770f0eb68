//go:build linux
// +build linux

package bpfcov

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// DupRemoteFD duplicates an open file descriptor out of another process into
// this one, addressing the target process by pid. The returned descriptor is
// owned by the caller. The pid handle used for the duplication never
// outlives the call.
//
// This needs a kernel with pidfd_getfd (5.6+) and ptrace access to the
// target process.
func DupRemoteFD(pid, remoteFD int) (int, error) {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return -1, xerrors.Errorf("open pidfd for process %d: %w", pid, err)
	}
	defer unix.Close(pidfd)

	fd, err := unix.PidfdGetfd(pidfd, remoteFD, 0)
	if err != nil {
		return -1, xerrors.Errorf("duplicate fd %d from process %d: %w", remoteFD, pid, err)
	}

	return fd, nil
}
