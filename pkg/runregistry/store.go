// Package runregistry keeps one JSON record per harness run so operators
// can list past runs and spot ones that died without finishing.
package runregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Store persists and loads RunRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

// NewRunID returns a fresh random run id.
func NewRunID() string {
	return uuid.New().String()
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("run registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *Store) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(runDir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}

	if err := os.Rename(tmpName, s.RunPath(runID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads a run. A record that claims running but whose process is gone
// is rewritten as unknown.
func (s *Store) Get(runID string) (*RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	b, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	if record.State == RunStateRunning && record.PID > 0 && !isProcessAlive(record.PID) {
		record.State = RunStateUnknown
		now := time.Now().UTC()
		record.LastHeartbeat = &now
		_ = s.Write(&record)
	}

	return &record, nil
}

// List returns every readable run, newest first.
func (s *Store) List() ([]RunRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return runSortTime(out[i]).After(runSortTime(out[j]))
	})
	return out, nil
}

func runSortTime(r RunRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
