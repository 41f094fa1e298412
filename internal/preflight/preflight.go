// Package preflight runs the checks that must pass before a fix touches a
// target: the directory exists, there is room for the payload and backups,
// and the game is not running with its files locked.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/gamefix/internal/logging"
)

var log = logging.L("preflight")

// Check names.
const (
	CheckTargetRoot = "target_root"
	CheckDiskSpace  = "disk_space"
	CheckRunning    = "running_processes"
)

// ErrPreflightFailed indicates a pre-flight check failed before a fix could be applied.
type ErrPreflightFailed struct {
	Check   string
	Message string
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}

// Options configures which pre-flight checks to run.
type Options struct {
	// MinFreeBytes is the free space required on the target volume; 0 skips the check.
	MinFreeBytes uint64
	// CheckRunning fails when a process runs an executable from the target root.
	CheckRunning bool
}

// Result captures the outcome of all pre-flight checks.
type Result struct {
	OK     bool
	Checks []Check
}

// Check is one individual check result.
type Check struct {
	Name    string
	Passed  bool
	Message string
}

// FirstError returns the first failed check as an ErrPreflightFailed, or nil if all passed.
func (r Result) FirstError() error {
	for _, check := range r.Checks {
		if !check.Passed {
			return &ErrPreflightFailed{Check: check.Name, Message: check.Message}
		}
	}
	return nil
}

// RunningProcess is a process and the executable it was started from.
type RunningProcess struct {
	PID  int32
	Name string
	Exe  string
}

// listProcesses is replaced in tests.
var listProcesses = func(ctx context.Context) ([]RunningProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RunningProcess, 0, len(procs))
	for _, p := range procs {
		exe, err := p.ExeWithContext(ctx)
		if err != nil || exe == "" {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		out = append(out, RunningProcess{PID: p.Pid, Name: name, Exe: exe})
	}
	return out, nil
}

// Run runs all enabled pre-flight checks against root. Checks after a failed
// target_root check are skipped.
func Run(ctx context.Context, root string, opts Options) Result {
	result := Result{OK: true}
	add := func(check Check) {
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.OK = false
		}
	}

	rootCheck := checkTargetRoot(root)
	add(rootCheck)
	if !rootCheck.Passed {
		return result
	}
	if opts.MinFreeBytes > 0 {
		add(checkDiskSpace(ctx, root, opts.MinFreeBytes))
	}
	if opts.CheckRunning {
		add(checkRunning(ctx, root))
	}

	if !result.OK {
		log.Warnw("preflight failed", "root", root, logging.KeyError, result.FirstError())
	}
	return result
}

func checkTargetRoot(root string) Check {
	check := Check{Name: CheckTargetRoot}
	info, err := os.Stat(root)
	switch {
	case err != nil:
		check.Message = fmt.Sprintf("target directory is not accessible: %v", err)
	case !info.IsDir():
		check.Message = fmt.Sprintf("%s is not a directory", root)
	default:
		check.Passed = true
		check.Message = root
	}
	return check
}

func checkDiskSpace(ctx context.Context, root string, minFree uint64) Check {
	check := Check{Name: CheckDiskSpace}

	usage, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		check.Message = fmt.Sprintf("failed to check disk space on %s: %v", root, err)
		return check
	}

	const mb = 1024 * 1024
	if usage.Free < minFree {
		check.Message = fmt.Sprintf("insufficient disk space: %d MB free, minimum %d MB required", usage.Free/mb, minFree/mb)
		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("%d MB free", usage.Free/mb)
	return check
}

func checkRunning(ctx context.Context, root string) Check {
	check := Check{Name: CheckRunning}

	procs, err := listProcesses(ctx)
	if err != nil {
		check.Message = fmt.Sprintf("failed to list processes: %v", err)
		return check
	}

	base, err := filepath.Abs(root)
	if err != nil {
		check.Message = err.Error()
		return check
	}
	var running []string
	for _, p := range procs {
		if isUnder(base, p.Exe) {
			running = append(running, fmt.Sprintf("%s (pid %d)", p.Name, p.PID))
		}
	}
	if len(running) > 0 {
		check.Message = "close the game before applying fixes: " + strings.Join(running, ", ")
		return check
	}

	check.Passed = true
	return check
}

func isUnder(base, p string) bool {
	rel, err := filepath.Rel(base, filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
