package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/roundtrip/pkg/doctype"
	"github.com/3leaps/roundtrip/pkg/proc"
)

// DefaultStrayProcesses are killed by name after a local conversion times
// out while no other conversion is running.
var DefaultStrayProcesses = []string{"soffice.bin", "soffice"}

// LocalConfig configures a Local backend.
type LocalConfig struct {
	// Executable is the office suite binary (e.g. soffice).
	Executable string

	// Killer removes stray converter processes after a timeout.
	Killer proc.Killer

	// StrayProcesses are the image names force-killed after a timeout when
	// no other conversion is in flight.
	// Default: DefaultStrayProcesses
	StrayProcesses []string
}

// Local converts documents with a headless office suite subprocess. Each
// conversion runs in its own process group; a timeout kills that group only.
type Local struct {
	exe    string
	killer proc.Killer
	strays []string

	mu       sync.Mutex
	inFlight int
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	exe := strings.TrimSpace(cfg.Executable)
	if exe == "" {
		return nil, errors.New("local converter executable is required")
	}
	resolved, err := exec.LookPath(exe)
	if err != nil {
		return nil, fmt.Errorf("local converter executable: %w", err)
	}
	strays := cfg.StrayProcesses
	if strays == nil {
		strays = DefaultStrayProcesses
	}
	return &Local{exe: resolved, killer: cfg.Killer, strays: strays}, nil
}

func (l *Local) Name() string {
	return "local"
}

// Convert runs `<exe> --headless --convert-to <format> --outdir <tmp> <src>`
// with a private user profile, then moves the result to dest.
func (l *Local) Convert(ctx context.Context, src, dest, format string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return &ConvertError{Backend: l.Name(), Source: src, Err: err}
	}
	outDir, err := os.MkdirTemp(filepath.Dir(dest), ".convert-*")
	if err != nil {
		return &ConvertError{Backend: l.Name(), Source: src, Err: err}
	}
	defer func() { _ = os.RemoveAll(outDir) }()

	profile, err := os.MkdirTemp("", "roundtrip-profile-*")
	if err != nil {
		return &ConvertError{Backend: l.Name(), Source: src, Err: err}
	}
	defer func() { _ = os.RemoveAll(profile) }()

	cmd := exec.CommandContext(ctx, l.exe,
		"-env:UserInstallation="+fileURL(profile),
		"--headless", "--norestore",
		"--convert-to", format,
		"--outdir", outDir,
		src)
	proc.Isolate(cmd)
	cmd.Cancel = func() error { return proc.KillTree(cmd) }
	cmd.WaitDelay = 5 * time.Second

	l.begin()
	out, runErr := cmd.CombinedOutput()
	l.end(ctx, ctx.Err() != nil)

	if ctx.Err() != nil {
		return &ConvertError{Backend: l.Name(), Source: src, Err: ctx.Err()}
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && exitErr.ExitCode() == -1 {
		return &ConvertError{
			Backend: l.Name(),
			Source:  src,
			Err:     fmt.Errorf("%w: %v", ErrInterrupted, runErr),
		}
	}
	if runErr != nil {
		return &ConvertError{
			Backend: l.Name(),
			Source:  src,
			Err:     fmt.Errorf("%w: %v: %s", ErrRejected, runErr, strings.TrimSpace(string(out))),
		}
	}

	produced := filepath.Join(outDir, doctype.ConvertedName(filepath.Base(src), format))
	if _, err := os.Stat(produced); err != nil {
		return &ConvertError{
			Backend: l.Name(),
			Source:  src,
			Err:     fmt.Errorf("%w: no output produced: %s", ErrRejected, strings.TrimSpace(string(out))),
		}
	}
	if err := os.Rename(produced, dest); err != nil {
		return &ConvertError{Backend: l.Name(), Source: src, Err: fmt.Errorf("move output: %w", err)}
	}
	return nil
}

// Probe checks that the executable is still present.
func (l *Local) Probe(ctx context.Context) error {
	if _, err := os.Stat(l.exe); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return nil
}

func (l *Local) begin() {
	l.mu.Lock()
	l.inFlight++
	l.mu.Unlock()
}

// end releases a conversion slot. A timed-out conversion that was the last
// one running also sweeps stray suite processes by name; new conversions
// wait on mu until the sweep is done.
func (l *Local) end(ctx context.Context, timedOut bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight--
	if timedOut && l.inFlight == 0 {
		l.killStrays(ctx)
	}
}

func (l *Local) killStrays(ctx context.Context) {
	if l.killer == nil {
		return
	}
	for _, name := range l.strays {
		_ = l.killer.KillByName(context.WithoutCancel(ctx), name)
	}
}

func fileURL(dir string) string {
	p := filepath.ToSlash(dir)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "file://" + p
}
