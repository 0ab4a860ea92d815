package diagnostics

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
)

// Default headroom thresholds for preflight checks.
const (
	DefaultMinFreeMemoryMB = 256
	DefaultMinFreeDiskMB   = 200
)

// CheckStatus classifies one preflight check.
type CheckStatus string

const (
	CheckOK   CheckStatus = "ok"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// Check is one preflight result.
type Check struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail"`
}

// PreflightResult contains the results of pre-execution health checks.
type PreflightResult struct {
	Checks []Check `json:"checks"`
}

// OK reports whether no check failed. Warnings do not block.
func (r PreflightResult) OK() bool {
	for _, c := range r.Checks {
		if c.Status == CheckFail {
			return false
		}
	}
	return true
}

// Failures returns the failed checks.
func (r PreflightResult) Failures() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if c.Status == CheckFail {
			failed = append(failed, c)
		}
	}
	return failed
}

// RunPreflight performs pre-execution health checks: memory headroom, disk
// space under the state directory, and state directory writability.
// Thresholds of 0 fall back to the package defaults.
func RunPreflight(stateDir string, minFreeMemoryMB, minFreeDiskMB uint64) PreflightResult {
	if minFreeMemoryMB == 0 {
		minFreeMemoryMB = DefaultMinFreeMemoryMB
	}
	if minFreeDiskMB == 0 {
		minFreeDiskMB = DefaultMinFreeDiskMB
	}

	var result PreflightResult
	result.Checks = append(result.Checks, checkMemory(minFreeMemoryMB))
	result.Checks = append(result.Checks, checkDisk(stateDir, minFreeDiskMB))
	result.Checks = append(result.Checks, checkStateDir(stateDir))
	return result
}

// JobPreflight checks one job right before its spawn: the binary must
// resolve, and a configured memory limit should fit in what the system has
// available. Findings are advisory; the spawn proceeds either way and a bad
// command fails naturally with exit 127.
func JobPreflight(job *core.Job) PreflightResult {
	var result PreflightResult
	result.Checks = append(result.Checks, checkBinary(job))
	if job.MemoryLimit > 0 {
		result.Checks = append(result.Checks, checkLimitHeadroom(job.MemoryLimit))
	}
	return result
}

func checkBinary(job *core.Job) Check {
	check := Check{Name: "binary"}
	if len(job.Command) == 0 || job.Command[0] == "" {
		check.Status = CheckFail
		check.Detail = "empty command"
		return check
	}

	name := job.Command[0]
	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err != nil {
			check.Status = CheckWarn
			check.Detail = fmt.Sprintf("%s: %v", name, err)
			return check
		}
		check.Status = CheckOK
		check.Detail = name
		return check
	}

	path, err := exec.LookPath(name)
	if err != nil {
		check.Status = CheckWarn
		check.Detail = fmt.Sprintf("%q not found in PATH", name)
		return check
	}
	check.Status = CheckOK
	check.Detail = path
	return check
}

func checkLimitHeadroom(limit uint64) Check {
	check := Check{Name: "memory_limit"}
	vm, err := mem.VirtualMemory()
	if err != nil {
		check.Status = CheckWarn
		check.Detail = fmt.Sprintf("cannot read memory stats: %v", err)
		return check
	}
	if limit > vm.Available {
		check.Status = CheckWarn
		check.Detail = fmt.Sprintf("limit %d bytes exceeds %d bytes available; the job may be killed by the OS first", limit, vm.Available)
		return check
	}
	check.Status = CheckOK
	check.Detail = fmt.Sprintf("limit %d bytes within %d bytes available", limit, vm.Available)
	return check
}

func checkMemory(minFreeMB uint64) Check {
	check := Check{Name: "memory"}
	vm, err := mem.VirtualMemory()
	if err != nil {
		check.Status = CheckWarn
		check.Detail = fmt.Sprintf("cannot read memory stats: %v", err)
		return check
	}

	freeMB := vm.Available / (1 << 20)
	switch {
	case freeMB < minFreeMB:
		check.Status = CheckFail
		check.Detail = fmt.Sprintf("%d MB available, minimum %d MB", freeMB, minFreeMB)
	case freeMB < minFreeMB*3/2:
		// Approaching the threshold
		check.Status = CheckWarn
		check.Detail = fmt.Sprintf("%d MB available, close to minimum %d MB", freeMB, minFreeMB)
	default:
		check.Status = CheckOK
		check.Detail = fmt.Sprintf("%d MB available", freeMB)
	}
	return check
}

func checkDisk(stateDir string, minFreeMB uint64) Check {
	check := Check{Name: "disk"}
	probe := stateDir
	if _, err := os.Stat(probe); err != nil {
		// State dir may not exist yet on first run; measure its parent.
		probe = filepath.Dir(stateDir)
	}
	usage, err := disk.Usage(probe)
	if err != nil {
		check.Status = CheckWarn
		check.Detail = fmt.Sprintf("cannot read disk stats for %s: %v", probe, err)
		return check
	}

	freeMB := usage.Free / (1 << 20)
	switch {
	case freeMB < minFreeMB:
		check.Status = CheckFail
		check.Detail = fmt.Sprintf("%d MB free on %s, minimum %d MB", freeMB, probe, minFreeMB)
	case freeMB < minFreeMB*3/2:
		check.Status = CheckWarn
		check.Detail = fmt.Sprintf("%d MB free on %s, close to minimum %d MB", freeMB, probe, minFreeMB)
	default:
		check.Status = CheckOK
		check.Detail = fmt.Sprintf("%d MB free", freeMB)
	}
	return check
}

func checkStateDir(stateDir string) Check {
	check := Check{Name: "state_dir"}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		check.Status = CheckFail
		check.Detail = fmt.Sprintf("cannot create %s: %v", stateDir, err)
		return check
	}

	probe, err := os.CreateTemp(stateDir, ".preflight-*")
	if err != nil {
		check.Status = CheckFail
		check.Detail = fmt.Sprintf("%s is not writable: %v", stateDir, err)
		return check
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	check.Status = CheckOK
	check.Detail = fmt.Sprintf("%s is writable", stateDir)
	return check
}
