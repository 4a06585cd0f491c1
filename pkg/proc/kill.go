// Package proc force-terminates processes by image name or by process tree.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Killer terminates every process whose image matches name.
type Killer interface {
	KillByName(ctx context.Context, name string) error
}

// OSKiller shells out to the platform kill utility: taskkill on Windows,
// pkill elsewhere. Finding no matching process is not an error.
type OSKiller struct {
	// Timeout bounds a single kill invocation.
	// Default: 10s
	Timeout time.Duration
}

func (k OSKiller) KillByName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("process name is required")
	}
	timeout := k.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		image := name
		if !strings.HasSuffix(strings.ToLower(image), ".exe") {
			image += ".exe"
		}
		cmd = exec.CommandContext(ctx, "taskkill", "/F", "/T", "/IM", image)
	} else {
		cmd = exec.CommandContext(ctx, "pkill", "-9", "-x", name)
	}
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if noMatch(err, out) {
		return nil
	}
	return fmt.Errorf("kill %s: %w: %s", name, err, strings.TrimSpace(string(out)))
}

// noMatch recognises the "nothing to kill" exit of each utility.
func noMatch(err error, out []byte) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if runtime.GOOS == "windows" {
		// taskkill exits 128 when the image is not running.
		return exitErr.ExitCode() == 128 || strings.Contains(string(out), "not found")
	}
	return exitErr.ExitCode() == 1
}
