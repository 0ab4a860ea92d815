package locking

import (
	"os"
	"sort"
	"strings"
)

// HeldLocksEnv names the environment variable carrying the locks a parent
// pipeline already holds. Child processes that re-enter the pipeline parse
// it and treat those locks as their own, so a job that shells back into the
// tool never deadlocks against its parent.
const HeldLocksEnv = "SEQPIPE_HELD_LOCKS"

// inheritedLocks parses the held-locks marker from the environment.
func inheritedLocks() map[string]bool {
	raw := os.Getenv(HeldLocksEnv)
	if raw == "" {
		return nil
	}
	locks := make(map[string]bool)
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			locks[name] = true
		}
	}
	return locks
}

// ChildEnv returns the KEY=VALUE entry to inject into spawned jobs: the
// union of inherited locks and locks this process holds right now. Returns
// "" when there is nothing to pass down.
func (m *Manager) ChildEnv() string {
	names := map[string]bool{}
	for name := range m.inherited {
		names[name] = true
	}
	for _, name := range m.HeldNames() {
		names[name] = true
	}
	if len(names) == 0 {
		return ""
	}
	list := make([]string, 0, len(names))
	for name := range names {
		list = append(list, name)
	}
	sort.Strings(list)
	return HeldLocksEnv + "=" + strings.Join(list, ",")
}
