package proctree

import (
	"errors"
)

// ErrProtected is returned when a signal would hit the pipeline's own
// ancestry. Callers treat it as a hard bug indicator, not a transient
// failure.
var ErrProtected = errors.New("refusing to signal a protected process")

// Killer delivers signals to job trees while refusing to touch anything in
// the protected set. All group and straggler kills go through it.
type Killer struct {
	protected *ProtectedSet
}

// NewKiller creates a killer guarding the given set. A nil set disables the
// refusal checks; production callers always pass one.
func NewKiller(protected *ProtectedSet) *Killer {
	return &Killer{protected: protected}
}

func (k *Killer) protectedPID(pid int32) bool {
	return k.protected != nil && k.protected.Contains(pid)
}

func (k *Killer) protectedGroup(pgid int32) bool {
	return k.protected != nil && k.protected.ContainsGroup(pgid)
}
