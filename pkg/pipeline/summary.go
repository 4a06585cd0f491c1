package pipeline

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/3leaps/roundtrip/pkg/doctype"
)

// Stage names a pipeline stage in outcomes and logs.
type Stage string

const (
	StageOpenOriginal  Stage = "open_original"
	StageConvert       Stage = "convert"
	StageOpenConverted Stage = "open_converted"
)

// Result is the outcome class of one stage for one file.
type Result string

const (
	ResultPass    Result = "pass"
	ResultFail    Result = "fail"
	ResultTimeout Result = "timeout"
	ResultOutage  Result = "outage"
	// ResultCached marks an open skipped because an earlier run proved it.
	ResultCached Result = "cached"
)

// Outcome is one stage result for one file.
type Outcome struct {
	RunID   string
	Item    doctype.WorkItem
	Stage   Stage
	Result  Result
	Tries   int
	Elapsed time.Duration
	Err     error
}

// Recorder receives every stage outcome. Implementations must be safe for
// concurrent use and must not block for long.
type Recorder interface {
	Record(ctx context.Context, o Outcome)
}

type typeCounters struct {
	total             atomic.Int64
	tested            atomic.Int64
	knownFailures     atomic.Int64
	failOpen          atomic.Int64
	failConvert       atomic.Int64
	outages           atomic.Int64
	passedAfterRetry  atomic.Int64
	failOpenConverted atomic.Int64
	succeeded         atomic.Int64
}

// TypeStats are the counts of one file type.
type TypeStats struct {
	FileType string `json:"file_type"`

	// Total is the number of corpus files with a tested extension.
	Total int64 `json:"total"`

	// Tested counts files admitted this run plus files skipped as known
	// open failures.
	Tested int64 `json:"tested"`

	// FailOpen counts originals that failed to open this run plus known
	// open failures.
	FailOpen      int64 `json:"fail_open"`
	KnownFailures int64 `json:"known_failures"`

	FailConvert       int64 `json:"fail_convert"`
	Outages           int64 `json:"outages"`
	PassedAfterRetry  int64 `json:"passed_after_retry"`
	FailOpenConverted int64 `json:"fail_open_converted"`

	// Succeeded counts files that passed the last stage run.
	Succeeded int64 `json:"succeeded"`
}

// Summary contains aggregate statistics from a completed run.
type Summary struct {
	RunID       string              `json:"run_id"`
	Application doctype.Application `json:"application"`
	Stages      int                 `json:"stages"`
	Types       []TypeStats         `json:"types"`
	Duration    time.Duration       `json:"duration"`

	// Interrupted is true when the run ended early.
	Interrupted bool `json:"interrupted"`
}

// Totals sums the per-type stats.
func (s *Summary) Totals() TypeStats {
	t := TypeStats{FileType: "all"}
	for _, ts := range s.Types {
		t.Total += ts.Total
		t.Tested += ts.Tested
		t.FailOpen += ts.FailOpen
		t.KnownFailures += ts.KnownFailures
		t.FailConvert += ts.FailConvert
		t.Outages += ts.Outages
		t.PassedAfterRetry += ts.PassedAfterRetry
		t.FailOpenConverted += ts.FailOpenConverted
		t.Succeeded += ts.Succeeded
	}
	return t
}

func (o *Orchestrator) typeStats() []TypeStats {
	out := make([]TypeStats, 0, len(o.cfg.FileTypes))
	for _, ft := range o.cfg.FileTypes {
		c := o.counters[ft]
		known := c.knownFailures.Load()
		out = append(out, TypeStats{
			FileType:          ft,
			Total:             c.total.Load(),
			Tested:            c.tested.Load() + known,
			FailOpen:          c.failOpen.Load() + known,
			KnownFailures:     known,
			FailConvert:       c.failConvert.Load(),
			Outages:           c.outages.Load(),
			PassedAfterRetry:  c.passedAfterRetry.Load(),
			FailOpenConverted: c.failOpenConverted.Load(),
			Succeeded:         c.succeeded.Load(),
		})
	}
	return out
}

func (o *Orchestrator) buildSummary(d time.Duration) *Summary {
	return &Summary{
		RunID:       o.cfg.RunID,
		Application: o.cfg.Application,
		Stages:      o.cfg.Stages,
		Types:       o.typeStats(),
		Duration:    d,
	}
}

// Snapshot is a point-in-time view of a running pipeline.
type Snapshot struct {
	RunID         string      `json:"run_id"`
	Application   string      `json:"application"`
	Stages        int         `json:"stages"`
	ConvertQueue  int         `json:"convert_queue"`
	VerifyQueue   int         `json:"verify_queue"`
	Stage1Done    bool        `json:"stage1_done"`
	Stage2Done    bool        `json:"stage2_done"`
	Stage3Done    bool        `json:"stage3_done"`
	Types         []TypeStats `json:"types"`
	CapturedAtUTC time.Time   `json:"captured_at"`
}

// Snapshot reports live progress. It is safe to call while Run executes.
func (o *Orchestrator) Snapshot() Snapshot {
	types := o.typeStats()
	sort.Slice(types, func(i, j int) bool { return types[i].FileType < types[j].FileType })
	return Snapshot{
		RunID:         o.cfg.RunID,
		Application:   o.cfg.Application.String(),
		Stages:        o.cfg.Stages,
		ConvertQueue:  o.toConvert.len(),
		VerifyQueue:   o.toVerify.len(),
		Stage1Done:    o.stage1Done.Load(),
		Stage2Done:    o.stage2Done.Load(),
		Stage3Done:    o.stage3Done.Load(),
		Types:         types,
		CapturedAtUTC: time.Now().UTC(),
	}
}
