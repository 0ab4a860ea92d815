//go:build windows

package proctree

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// SignalGroup has no process-group delivery on Windows; callers fall back to
// killing the direct child.
func (k *Killer) SignalGroup(_ int32, _ syscall.Signal) error {
	return errors.New("process group signalling not supported on windows")
}

// Kill force-kills a single process by pid; protected PIDs are refused.
func (k *Killer) Kill(pid int32) error {
	if pid <= 0 {
		return nil
	}
	if k.protectedPID(pid) {
		return fmt.Errorf("%w: pid %d", ErrProtected, pid)
	}
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
