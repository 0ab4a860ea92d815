//go:build !windows

package proctree

import (
	"errors"
	"fmt"
	"syscall"
)

// SignalGroup sends sig to every member of the process group. An
// already-gone group is not an error; a protected group is refused.
func (k *Killer) SignalGroup(pgid int32, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	if k.protectedGroup(pgid) {
		return fmt.Errorf("%w: group %d", ErrProtected, pgid)
	}
	err := syscall.Kill(int(-pgid), sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Kill force-kills a single process. Used for tree stragglers that escaped
// their original group; protected PIDs are refused.
func (k *Killer) Kill(pid int32) error {
	if pid <= 0 {
		return nil
	}
	if k.protectedPID(pid) {
		return fmt.Errorf("%w: pid %d", ErrProtected, pid)
	}
	err := syscall.Kill(int(pid), syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
