package locking

import (
	"encoding/json"
	"os"
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/fsutil"
)

// Holder is the metadata written into a lock file at acquisition. Waiters
// read it to find who they are waiting for, judge staleness and feed the
// deadlock detector.
type Holder struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	PGID       int       `json:"pgid,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	Scope      string    `json:"scope,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	MaxHoldMS  int64     `json:"max_hold_ms,omitempty"`
}

// Age returns how long the holder has held the lock.
func (h *Holder) Age() time.Duration {
	if h.AcquiredAt.IsZero() {
		return 0
	}
	return time.Since(h.AcquiredAt)
}

// readHolder parses a lock file's metadata. A lock file that exists but is
// empty or unparsable (the writer may be between create and write, or may
// have crashed there) falls back to the file's mtime with an unknown PID.
func readHolder(path string) (*Holder, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, err
	}
	var h Holder
	if len(data) == 0 || json.Unmarshal(data, &h) != nil || h.PID <= 0 {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, statErr
		}
		return &Holder{AcquiredAt: info.ModTime().UTC()}, nil
	}
	return &h, nil
}
