package deadlock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/fsutil"
)

// FSStore keeps one JSON edge file per waiter in a shared directory, so
// unrelated pipeline processes see each other's waits. Files are written
// atomically; corrupt, expired and dead-waiter files are garbage-collected
// during snapshots.
type FSStore struct {
	dir string
	ttl time.Duration
}

// NewFSStore creates a store rooted at dir. Edges older than ttl are treated
// as leftovers from crashed waiters.
func NewFSStore(dir string, ttl time.Duration) (*FSStore, error) {
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating deadlock dir: %w", err)
	}
	return &FSStore{dir: dir, ttl: ttl}, nil
}

// Put records or replaces the waiter's edge.
func (s *FSStore) Put(edge Edge) error {
	data, err := json.Marshal(edge)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path(edge.WaiterPID), data, 0o644)
}

// Remove deletes the waiter's edge.
func (s *FSStore) Remove(waiterPID int) error {
	err := os.Remove(s.path(waiterPID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Snapshot returns the live edges. Entries that are unparsable, older than
// the TTL or whose waiter process is gone are deleted on the way through:
// crashed waiters cannot clean up after themselves.
func (s *FSStore) Snapshot() ([]Edge, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	var edges []Edge
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		full := filepath.Join(s.dir, entry.Name())
		data, err := fsutil.ReadFileScoped(full)
		if err != nil {
			continue
		}
		var edge Edge
		if err := json.Unmarshal(data, &edge); err != nil {
			_ = os.Remove(full)
			continue
		}
		if s.ttl > 0 && now.Sub(edge.RecordedAt) > s.ttl {
			_ = os.Remove(full)
			continue
		}
		if gone(edge.WaiterPID) {
			_ = os.Remove(full)
			continue
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

func (s *FSStore) path(waiterPID int) string {
	return filepath.Join(s.dir, strconv.Itoa(waiterPID)+".json")
}

func gone(pid int) bool {
	if pid <= 0 {
		return true
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		// Cannot tell; keep the edge rather than hiding a real wait.
		return false
	}
	return !exists
}

var _ EdgeStore = (*FSStore)(nil)
