// Package pipeline runs the three-stage round-trip test over a corpus.
//
// The orchestrator coordinates three stages:
//   - Open original: opens each admitted document in the application under
//     test (single-threaded, the application has one live instance)
//   - Convert: converts documents to the target format (N workers)
//   - Open converted: opens each converted document (single-threaded,
//     starts once the first stage is done)
//
// Stages hand work items over two unbounded queues. A consumer ends when
// its upstream stage has finished and its queue is empty.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/roundtrip/pkg/converter"
	"github.com/3leaps/roundtrip/pkg/corpus"
	"github.com/3leaps/roundtrip/pkg/doctype"
	"github.com/3leaps/roundtrip/pkg/ledger"
	"github.com/3leaps/roundtrip/pkg/office"
)

// ErrOpenTimeout indicates an open exceeded OpenTimeout and was abandoned.
var ErrOpenTimeout = errors.New("open timed out")

// AppController drives the application under test.
type AppController interface {
	Start(ctx context.Context) error
	Quit(ctx context.Context) error
	// Recover restores a usable instance after a failed open.
	Recover(ctx context.Context, timedOut bool) error
	OpenThenClose(ctx context.Context, path, artifactPath string) error
}

// Converter converts one document.
type Converter interface {
	Convert(ctx context.Context, src, dest, format string) converter.Result
}

// RunConfig is the immutable configuration of one run.
type RunConfig struct {
	// RunID correlates logs, history rows and the run record.
	RunID string

	Application doctype.Application

	// FileTypes restricts the run to a subset of the application's types.
	// Default: all of Application.FileTypes()
	FileTypes []string

	Layout    corpus.Layout
	Admission *corpus.Admission

	// Stages truncates the pipeline after stage 1, 2 or 3.
	// Default: 3
	Stages int

	// PDF requests fixed-layout artifacts alongside every open and an
	// additional converter rendition of each original.
	PDF bool

	// Parallelism is the number of conversion workers.
	// Default: 4
	Parallelism int

	// OpenTimeout bounds one open-then-close in the application.
	// Default: 10s
	OpenTimeout time.Duration

	// PollInterval is slept by a consumer that found its queue empty.
	// Default: 100ms
	PollInterval time.Duration
}

// DefaultRunConfig returns defaults for the tunables of RunConfig.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Stages:       3,
		Parallelism:  4,
		OpenTimeout:  10 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// Orchestrator executes one run.
//
// Orchestrator is safe for single use only. Create a new Orchestrator for
// each run.
type Orchestrator struct {
	cfg      RunConfig
	app      AppController
	conv     Converter
	ledger   *ledger.Ledger
	recorder Recorder
	log      *zap.Logger

	toConvert workQueue
	toVerify  workQueue

	stage1Done atomic.Bool
	stage2Done atomic.Bool
	stage3Done atomic.Bool
	stage1Ch   chan struct{}

	counters map[string]*typeCounters
	started  atomic.Bool
	cancel   context.CancelCauseFunc
}

// New creates an orchestrator. conv may be nil when Stages is 1.
func New(cfg RunConfig, app AppController, conv Converter, l *ledger.Ledger, log *zap.Logger) *Orchestrator {
	def := DefaultRunConfig()
	if cfg.Stages < 1 || cfg.Stages > 3 {
		cfg.Stages = def.Stages
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if len(cfg.FileTypes) == 0 {
		cfg.FileTypes = cfg.Application.FileTypes()
	}
	if log == nil {
		log = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:      cfg,
		app:      app,
		conv:     conv,
		ledger:   l,
		log:      log.With(zap.String("run_id", cfg.RunID), zap.String("application", cfg.Application.String())),
		stage1Ch: make(chan struct{}),
		counters: make(map[string]*typeCounters, len(cfg.FileTypes)),
	}
	for _, ft := range cfg.FileTypes {
		o.counters[ft] = &typeCounters{}
	}
	return o
}

// WithRecorder attaches an outcome recorder.
// Returns the orchestrator for method chaining.
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	o.recorder = r
	return o
}

// Config returns the effective run configuration.
func (o *Orchestrator) Config() RunConfig {
	return o.cfg
}

// Run executes the configured stages and returns summary statistics.
//
// Per-file failures are recorded and never abort the run. Run returns an
// error when the application cannot be started or restarted, or when ctx
// is cancelled; the ledger is saved and a partial summary returned in
// both cases.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, errors.New("orchestrator already used")
	}
	if o.cfg.Stages >= 2 && o.conv == nil {
		return nil, errors.New("converter is required for stage 2")
	}
	if o.cfg.Admission == nil {
		adm, err := corpus.NewAdmission(corpus.AdmissionConfig{}, o.ledger)
		if err != nil {
			return nil, err
		}
		o.cfg.Admission = adm
	}

	startTime := time.Now()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.cancel = cancel

	o.ledger.Load(o.cfg.FileTypes)
	for _, ft := range o.cfg.FileTypes {
		if o.cfg.Stages >= 2 {
			o.ledger.ResetRunScoped(ft, ledger.FailConvert)
		}
		if o.cfg.Stages == 3 {
			o.ledger.ResetRunScoped(ft, ledger.FailOpenConverted)
		}
	}
	if o.cfg.Stages >= 2 {
		if err := o.cfg.Layout.EnsureOutputDirs(o.cfg.FileTypes); err != nil {
			return nil, err
		}
	}

	o.log.Info("Starting run",
		zap.Strings("file_types", o.cfg.FileTypes),
		zap.Int("stages", o.cfg.Stages),
		zap.Int("parallelism", o.cfg.Parallelism),
		zap.Bool("pdf", o.cfg.PDF))

	if err := o.app.Start(runCtx); err != nil {
		return nil, fmt.Errorf("start application: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.runOpenOriginal(runCtx)
	}()

	if o.cfg.Stages >= 2 {
		var workers sync.WaitGroup
		for i := 0; i < o.cfg.Parallelism; i++ {
			workers.Add(1)
			go func(worker int) {
				defer workers.Done()
				o.runConvertWorker(runCtx, worker)
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			workers.Wait()
			o.stage2Done.Store(true)
		}()
	}

	if o.cfg.Stages == 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runOpenConverted(runCtx)
		}()
	}

	wg.Wait()

	if err := o.app.Quit(context.WithoutCancel(ctx)); err != nil {
		o.log.Warn("Application quit failed", zap.Error(err))
	}
	if err := o.ledger.Save(); err != nil {
		o.log.Warn("Ledger save incomplete", zap.Error(err))
	}

	summary := o.buildSummary(time.Since(startTime))
	if cause := context.Cause(runCtx); cause != nil {
		summary.Interrupted = true
		return summary, cause
	}
	return summary, nil
}

// fail aborts the run with a fatal error.
func (o *Orchestrator) fail(err error) {
	o.log.Error("Aborting run", zap.Error(err))
	o.cancel(err)
}

func (o *Orchestrator) runOpenOriginal(ctx context.Context) {
	defer func() {
		o.stage1Done.Store(true)
		close(o.stage1Ch)
		o.log.Info("Stage open-original done")
	}()

	for _, ft := range o.cfg.FileTypes {
		if ctx.Err() != nil {
			return
		}
		records, err := o.cfg.Layout.Enumerate(ft)
		if err != nil {
			o.log.Error("Failed to enumerate corpus", zap.String("file_type", ft), zap.Error(err))
			continue
		}

		c := o.counters[ft]
		for _, d := range o.cfg.Admission.Select(records) {
			if d.Verdict == corpus.BadExtension || d.Verdict == corpus.LockFile {
				continue
			}
			c.total.Add(1)
			if d.Verdict == corpus.KnownFailure {
				c.knownFailures.Add(1)
			}
			if d.Verdict != corpus.Admitted {
				continue
			}

			if ctx.Err() != nil {
				return
			}
			o.openOriginal(ctx, d.Item())
		}
	}
}

func (o *Orchestrator) openOriginal(ctx context.Context, item doctype.WorkItem) {
	c := o.counters[item.Type]
	c.tested.Add(1)

	if !o.cfg.Application.IsNative(item.Type) {
		o.passStage(1, item)
		return
	}

	artifact := ""
	if o.cfg.PDF {
		artifact = o.cfg.Layout.OriginalArtifactPath(item)
	}
	if o.ledger.IsKnownPassOriginal(item.Type, item.Name) && (artifact == "" || corpus.Exists(artifact)) {
		o.record(ctx, Outcome{Item: item, Stage: StageOpenOriginal, Result: ResultCached})
		o.passStage(1, item)
		return
	}

	start := time.Now()
	err := o.openBounded(ctx, o.cfg.Layout.OriginalPath(item), artifact)
	elapsed := time.Since(start)
	o.ledger.AddTime(ledger.PhaseOpenOriginal, item.Type, elapsed.Milliseconds())

	if err != nil && ctx.Err() != nil {
		return
	}
	if err == nil || office.IsExportFailure(err) {
		if err != nil {
			o.log.Warn("Artifact export failed",
				zap.String("file_type", item.Type),
				zap.String("file", item.Name),
				zap.Error(err))
		}
		o.ledger.RecordPassOpenOriginal(item.Type, item.Name)
		o.record(ctx, Outcome{Item: item, Stage: StageOpenOriginal, Result: ResultPass, Elapsed: elapsed})
		o.passStage(1, item)
		return
	}

	c.failOpen.Add(1)
	o.ledger.RecordFailOpenOriginal(item.Type, item.Name)
	o.failOpenStage(ctx, StageOpenOriginal, item, elapsed, err)
}

func (o *Orchestrator) runConvertWorker(ctx context.Context, worker int) {
	o.drain(ctx, &o.toConvert, &o.stage1Done, func(item doctype.WorkItem) {
		o.convert(ctx, item)
	})
	o.log.Debug("Convert worker done", zap.Int("worker", worker))
}

func (o *Orchestrator) convert(ctx context.Context, item doctype.WorkItem) {
	c := o.counters[item.Type]
	target := o.cfg.Application.Target()
	src := o.cfg.Layout.OriginalPath(item)

	res := o.conv.Convert(ctx, src, o.cfg.Layout.ConvertedPath(item, target), target)
	o.ledger.AddTime(ledger.PhaseConvert, item.Type, res.Elapsed.Milliseconds())
	if !res.OK && ctx.Err() != nil {
		return
	}

	if res.OK {
		if res.Tries > 1 {
			c.passedAfterRetry.Add(1)
		}
		o.record(ctx, Outcome{Item: item, Stage: StageConvert, Result: ResultPass, Tries: res.Tries, Elapsed: res.Elapsed})
		if o.cfg.PDF {
			o.exportConverterArtifact(ctx, item, src)
		}
		o.passStage(2, item)
		return
	}

	c.failConvert.Add(1)
	result := ResultFail
	class := "file"
	if res.Outage {
		c.outages.Add(1)
		result = ResultOutage
		class = "outage"
	} else if converter.IsTimeout(res.Err) {
		result = ResultTimeout
	}
	o.ledger.RecordFailConvert(item.Type, item.Name)
	o.log.Warn("Conversion failed",
		zap.String("file_type", item.Type),
		zap.String("file", item.Name),
		zap.Duration("elapsed", res.Elapsed),
		zap.Int("tries", res.Tries),
		zap.String("failure_class", class),
		zap.Error(res.Err))
	o.record(ctx, Outcome{Item: item, Stage: StageConvert, Result: result, Tries: res.Tries, Elapsed: res.Elapsed, Err: res.Err})
}

// exportConverterArtifact asks the converter for its own PDF rendition of
// the original. Failures are logged only.
func (o *Orchestrator) exportConverterArtifact(ctx context.Context, item doctype.WorkItem, src string) {
	res := o.conv.Convert(ctx, src, o.cfg.Layout.ConverterArtifactPath(item), "pdf")
	if !res.OK {
		o.log.Warn("Converter PDF export failed",
			zap.String("file_type", item.Type),
			zap.String("file", item.Name),
			zap.Error(res.Err))
	}
}

func (o *Orchestrator) runOpenConverted(ctx context.Context) {
	defer func() {
		o.stage3Done.Store(true)
		o.log.Info("Stage open-converted done")
	}()

	select {
	case <-o.stage1Ch:
	case <-ctx.Done():
		return
	}

	o.drain(ctx, &o.toVerify, &o.stage2Done, func(item doctype.WorkItem) {
		o.openConverted(ctx, item)
	})
}

func (o *Orchestrator) openConverted(ctx context.Context, item doctype.WorkItem) {
	target := o.cfg.Application.Target()
	artifact := ""
	if o.cfg.PDF {
		artifact = o.cfg.Layout.ConvertedArtifactPath(item, target)
	}

	start := time.Now()
	err := o.openBounded(ctx, o.cfg.Layout.ConvertedPath(item, target), artifact)
	elapsed := time.Since(start)
	o.ledger.AddTime(ledger.PhaseOpenConverted, item.Type, elapsed.Milliseconds())

	if err != nil && ctx.Err() != nil {
		return
	}
	if err == nil || office.IsExportFailure(err) {
		if err != nil {
			o.log.Warn("Artifact export failed",
				zap.String("file_type", item.Type),
				zap.String("file", item.Name),
				zap.Error(err))
		}
		o.record(ctx, Outcome{Item: item, Stage: StageOpenConverted, Result: ResultPass, Elapsed: elapsed})
		o.passStage(3, item)
		return
	}

	o.counters[item.Type].failOpenConverted.Add(1)
	o.ledger.RecordFailOpenConverted(item.Type, item.Name)
	o.failOpenStage(ctx, StageOpenConverted, item, elapsed, err)
}

// passStage hands item to the next stage, or counts it as succeeded when
// stage is the last one run.
func (o *Orchestrator) passStage(stage int, item doctype.WorkItem) {
	if stage >= o.cfg.Stages {
		o.counters[item.Type].succeeded.Add(1)
		return
	}
	switch stage {
	case 1:
		o.toConvert.push(item)
	case 2:
		o.toVerify.push(item)
	}
}

// failOpenStage logs and records a failed open, then restores the
// application. An application that cannot be restored aborts the run.
func (o *Orchestrator) failOpenStage(ctx context.Context, stage Stage, item doctype.WorkItem, elapsed time.Duration, err error) {
	timedOut := errors.Is(err, ErrOpenTimeout)
	result := ResultFail
	if timedOut {
		result = ResultTimeout
	}
	o.log.Warn("Open failed",
		zap.String("stage", string(stage)),
		zap.String("file_type", item.Type),
		zap.String("file", item.Name),
		zap.Duration("elapsed", elapsed),
		zap.Bool("timed_out", timedOut),
		zap.Error(err))
	o.record(ctx, Outcome{Item: item, Stage: stage, Result: result, Elapsed: elapsed, Err: err})

	if rerr := o.app.Recover(ctx, timedOut); rerr != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(fmt.Errorf("restart application after %s: %w", item, rerr))
	}
}

// openBounded runs OpenThenClose and abandons it after OpenTimeout. The
// abandoned call keeps running until the application is restarted.
func (o *Orchestrator) openBounded(ctx context.Context, path, artifact string) error {
	octx, cancel := context.WithTimeout(ctx, o.cfg.OpenTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.app.OpenThenClose(octx, path, artifact) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(octx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %w", ErrOpenTimeout, o.cfg.OpenTimeout, err)
		}
		return err
	case <-octx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrOpenTimeout, o.cfg.OpenTimeout)
	}
}

// drain consumes q until upstream is done and q is empty. The done flag is
// read only after a failed pop, and one more pop follows before exiting,
// so items pushed just before the flag was set are never lost.
func (o *Orchestrator) drain(ctx context.Context, q *workQueue, upstream *atomic.Bool, fn func(doctype.WorkItem)) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := q.pop()
		if !ok {
			if upstream.Load() {
				if item, ok = q.pop(); !ok {
					return
				}
			} else {
				select {
				case <-ctx.Done():
					return
				case <-time.After(o.cfg.PollInterval):
				}
				continue
			}
		}
		fn(item)
	}
}

func (o *Orchestrator) record(ctx context.Context, out Outcome) {
	if o.recorder == nil {
		return
	}
	out.RunID = o.cfg.RunID
	o.recorder.Record(context.WithoutCancel(ctx), out)
}
