package runregistry

import "time"

// RunState is the lifecycle state of a run.
//
// These values are persisted in run.json.
type RunState string

const (
	RunStateRunning     RunState = "running"
	RunStateSuccess     RunState = "success"
	RunStatePartial     RunState = "partial"
	RunStateFailed      RunState = "failed"
	RunStateInterrupted RunState = "interrupted"
	RunStateUnknown     RunState = "unknown"
)

// Terminal reports whether s is a final state.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateSuccess, RunStatePartial, RunStateFailed, RunStateInterrupted:
		return true
	default:
		return false
	}
}

// Counts is the aggregate progress of a run across all file types.
type Counts struct {
	Total             int64 `json:"total"`
	Tested            int64 `json:"tested"`
	FailOpen          int64 `json:"fail_open"`
	FailConvert       int64 `json:"fail_convert"`
	FailOpenConverted int64 `json:"fail_open_converted"`
	Succeeded         int64 `json:"succeeded"`
}

// RunRecord is the persistent record written to run.json.
type RunRecord struct {
	RunID       string   `json:"run_id"`
	State       RunState `json:"state"`
	Application string   `json:"application"`
	BaseDir     string   `json:"base_dir"`
	Stages      int      `json:"stages"`
	FileTypes   []string `json:"file_types,omitempty"`
	PID         int      `json:"pid,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	Counts     *Counts `json:"counts,omitempty"`
	ReportPath string  `json:"report_path,omitempty"`
	Error      string  `json:"error,omitempty"`
}
