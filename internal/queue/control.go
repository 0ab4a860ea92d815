package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/fsutil"
)

// Control file names under the queue directory.
const (
	pausedFile = "paused"
	stopFile   = "stop"
)

// Marker records who requested a control action and when, so status output
// can show provenance.
type Marker struct {
	By string    `json:"by"`
	At time.Time `json:"at"`
}

// Control reads and writes the cross-process control files that pause or
// stop a running processor from another terminal. Writes are atomic; the
// processor polls (and watches) the directory between jobs.
type Control struct {
	dir string
}

// NewControl creates a control handle over the queue directory.
func NewControl(dir string) *Control {
	return &Control{dir: dir}
}

// Dir returns the control directory.
func (c *Control) Dir() string { return c.dir }

// Pause writes the pause marker. The processor finishes the current job,
// then idles until Resume.
func (c *Control) Pause() error {
	return c.write(pausedFile)
}

// Resume removes the pause marker.
func (c *Control) Resume() error {
	return c.remove(pausedFile)
}

// RequestStop writes the stop marker. The processor exits after the current
// job.
func (c *Control) RequestStop() error {
	return c.write(stopFile)
}

// ClearStop removes the stop marker. The processor clears it on startup so a
// stale request cannot kill a fresh instance.
func (c *Control) ClearStop() error {
	return c.remove(stopFile)
}

// Paused reports the pause marker and its provenance.
func (c *Control) Paused() (bool, Marker) {
	return c.read(pausedFile)
}

// StopRequested reports the stop marker and its provenance.
func (c *Control) StopRequested() (bool, Marker) {
	return c.read(stopFile)
}

func (c *Control) write(name string) error {
	if err := fsutil.EnsureDir(c.dir); err != nil {
		return err
	}
	data, err := json.Marshal(newMarker())
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(c.dir, name), data, 0o644)
}

func (c *Control) remove(name string) error {
	err := os.Remove(filepath.Join(c.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Control) read(name string) (bool, Marker) {
	data, err := fsutil.ReadFileScoped(filepath.Join(c.dir, name))
	if err != nil {
		return false, Marker{}
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt marker still takes effect; provenance is best effort.
		return true, Marker{}
	}
	return true, m
}

func newMarker() Marker {
	by := os.Getenv("USER")
	if by == "" {
		by = fmt.Sprintf("pid-%d", os.Getpid())
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		by += "@" + host
	}
	return Marker{By: by, At: time.Now().UTC()}
}
