package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/roundtrip/internal/config"
	"github.com/3leaps/roundtrip/internal/observability"
	"github.com/3leaps/roundtrip/internal/server"
	"github.com/3leaps/roundtrip/internal/server/handlers"
	"github.com/3leaps/roundtrip/pkg/converter"
	"github.com/3leaps/roundtrip/pkg/corpus"
	"github.com/3leaps/roundtrip/pkg/history"
	"github.com/3leaps/roundtrip/pkg/ledger"
	"github.com/3leaps/roundtrip/pkg/office"
	"github.com/3leaps/roundtrip/pkg/pipeline"
	"github.com/3leaps/roundtrip/pkg/proc"
	"github.com/3leaps/roundtrip/pkg/report"
	"github.com/3leaps/roundtrip/pkg/runregistry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the round-trip pipeline over the corpus",
	Long: `Open every admitted original in the application, convert the files that
opened to the application's target format and open the converted files.

Known open failures from earlier runs are skipped, and originals that
already opened are not opened again, so an interrupted run can simply be
restarted.

Example:
  roundtrip run -a word -b /data/corpus
  roundtrip run -a excel --stages 1
  roundtrip run --config roundtrip.yaml --status-addr 127.0.0.1:8089
  roundtrip run --dry-run`,
	RunE: runRun,
}

var (
	runDryRun     bool
	runReportPath string
)

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.BoolVar(&runDryRun, "dry-run", false, "Print the effective configuration as YAML and exit")
	f.StringVar(&runReportPath, "report", "", "CSV report path (default <base>/report-<application>.csv)")
	f.Int("stages", 0, "Stop after stage 1, 2 or 3")
	f.Bool("pdf", false, "Export fixed-layout artifacts for every open and conversion")
	f.StringSlice("file-type", nil, "Restrict the run to these file types")
	f.Int("parallelism", 0, "Number of conversion workers")
	f.String("converter", "", "Converter backend: remote or local")
	f.String("converter-url", "", "Base URL of the remote conversion service")
	f.Int("sampling-period", 0, "Test every Nth file")
	f.Int("sampling-offset", 0, "Sampling offset within the period")
	f.String("history", "", "SQLite history database path")
	f.String("status-addr", "", "Serve /health and /status on this address")

	bind := map[string]string{
		"stages":          "stages",
		"pdf":             "pdf",
		"file-type":       "file_types",
		"parallelism":     "converter.parallelism",
		"converter":       "converter.backend",
		"converter-url":   "converter.base_url",
		"sampling-period": "sampling.period",
		"sampling-offset": "sampling.offset",
		"history":         "history.path",
		"status-addr":     "status.addr",
	}
	for flag, key := range bind {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

// runStatus is the /status body.
type runStatus struct {
	pipeline.Snapshot
	AppState string `json:"app_state"`
	Restarts int64  `json:"app_restarts"`
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if runDryRun {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}

	if len(cfg.App.BridgeCommand) == 0 {
		return exitError(foundry.ExitInvalidArgument, "Missing app.bridge_command",
			errors.New("the application is driven through a host bridge; set app.bridge_command"))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := runregistry.NewRunID()
	log := observability.CLILogger.With(zap.String("run_id", runID))

	led := ledger.New(cfg.BaseDir, log)
	adm, err := corpus.NewAdmission(cfg.AdmissionConfig(), led)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid admission filters", err)
	}

	killer := proc.OSKiller{}
	host := &office.ExecHost{Command: cfg.App.BridgeCommand, Log: log}
	app := office.New(cfg.Application, host, killer, cfg.ControllerConfig(), log)

	var (
		conv    pipeline.Converter
		gateway *converter.Gateway
	)
	if cfg.Stages >= 2 {
		backend, err := buildBackend(cfg, killer)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid converter configuration", err)
		}
		gateway = converter.NewGateway(backend, cfg.GatewayConfig(), log)
		conv = gateway
	}

	orch := pipeline.New(cfg.RunConfig(runID, adm), app, conv, led, log)

	var hist *history.Store
	if cfg.History.Path != "" {
		hist, err = history.Open(ctx, history.Config{Path: cfg.History.Path}, log)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to open history", err)
		}
		defer func() { _ = hist.Close() }()
		if err := hist.BeginRun(ctx, history.Run{
			RunID:       runID,
			Application: cfg.Application.String(),
			BaseDir:     cfg.BaseDir,
			Stages:      cfg.Stages,
			Status:      string(runregistry.RunStateRunning),
		}); err != nil {
			log.Warn("Failed to record run start", zap.Error(err))
		}
		orch.WithRecorder(hist)
	}

	tracker, err := runregistry.Begin(runregistry.NewStore(runsRootDir(cfg.BaseDir)), runregistry.RunRecord{
		RunID:       runID,
		Application: cfg.Application.String(),
		BaseDir:     cfg.BaseDir,
		Stages:      cfg.Stages,
		FileTypes:   cfg.SelectedFileTypes(),
	})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write run record", err)
	}
	stopHeartbeat := tracker.StartHeartbeat(ctx, runregistry.DefaultHeartbeatInterval, func() runregistry.Counts {
		return countsFromStats(orch.Snapshot().Types)
	})
	defer stopHeartbeat()

	if cfg.Status.Addr != "" {
		srv := server.New(cfg.Status.Addr, versionInfo.Version, func() any {
			return runStatus{Snapshot: orch.Snapshot(), AppState: app.State().String(), Restarts: app.Restarts()}
		}, log)
		srv.Health().RegisterChecker("application", handlers.CheckerFunc(func(context.Context) error {
			if s := app.State(); s != office.Running && s != office.Restarting {
				return fmt.Errorf("application is %s", s)
			}
			return nil
		}))
		if gateway != nil {
			srv.Health().RegisterChecker("converter", handlers.CheckerFunc(gateway.Healthy))
		}
		if _, err := srv.Start(ctx); err != nil {
			log.Warn("Status endpoint unavailable", zap.String("addr", cfg.Status.Addr), zap.Error(err))
		}
	}

	summary, runErr := orch.Run(ctx)
	stopHeartbeat()

	if summary == nil {
		finishRun(tracker, hist, runID, runregistry.RunStateFailed, nil, runErr, log)
		log.Error("Run failed", zap.Error(runErr))
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", runErr)
	}

	rows := report.FromSummary(summary)
	if err := report.WriteTable(cmd.OutOrStdout(), rows); err != nil {
		log.Warn("Failed to print report", zap.Error(err))
	}
	reportPath := runReportPath
	if reportPath == "" {
		reportPath = defaultReportPath(cfg)
	}
	if err := writeReportFile(reportPath, "csv", rows); err != nil {
		log.Warn("Failed to write report", zap.String("path", reportPath), zap.Error(err))
	} else {
		_ = tracker.Update(func(r *runregistry.RunRecord) { r.ReportPath = reportPath })
	}

	state := finalState(summary, runErr, ctx.Err() != nil)
	finishRun(tracker, hist, runID, state, summary, runErr, log)

	totals := summary.Totals()
	log.Info("Run finished",
		zap.String("state", string(state)),
		zap.Int64("tested", totals.Tested),
		zap.Int64("fail_open", totals.FailOpen),
		zap.Int64("fail_convert", totals.FailConvert),
		zap.Int64("fail_open_converted", totals.FailOpenConverted),
		zap.Int64("succeeded", totals.Succeeded),
		zap.Duration("duration", summary.Duration.Round(time.Millisecond)))

	switch state {
	case runregistry.RunStateInterrupted:
		return exitError(foundry.ExitSignalInt, "Run interrupted", runErr)
	case runregistry.RunStateFailed:
		return exitError(foundry.ExitExternalServiceUnavailable, "Run aborted", runErr)
	}
	return nil
}

func buildBackend(cfg *config.Config, killer proc.Killer) (converter.Backend, error) {
	switch cfg.Converter.Backend {
	case config.BackendLocal:
		return converter.NewLocal(converter.LocalConfig{Executable: cfg.Converter.LocalPath, Killer: killer})
	default:
		return converter.NewRemote(converter.RemoteConfig{
			BaseURL:            cfg.Converter.BaseURL,
			RateLimit:          cfg.Converter.RateLimit,
			InsecureSkipVerify: cfg.Converter.InsecureSkipVerify,
		})
	}
}

func runsRootDir(base string) string {
	return filepath.Join(base, ".roundtrip", "runs")
}

func defaultReportPath(cfg *config.Config) string {
	return filepath.Join(cfg.BaseDir, "report-"+cfg.Application.String()+".csv")
}

// finalState classifies a finished run.
func finalState(s *pipeline.Summary, runErr error, cancelled bool) runregistry.RunState {
	switch {
	case s.Interrupted && cancelled:
		return runregistry.RunStateInterrupted
	case runErr != nil:
		return runregistry.RunStateFailed
	}
	t := s.Totals()
	if t.FailOpen > 0 || t.FailConvert > 0 || t.FailOpenConverted > 0 {
		return runregistry.RunStatePartial
	}
	return runregistry.RunStateSuccess
}

func countsFromStats(types []pipeline.TypeStats) runregistry.Counts {
	var c runregistry.Counts
	for _, ts := range types {
		c.Total += ts.Total
		c.Tested += ts.Tested
		c.FailOpen += ts.FailOpen
		c.FailConvert += ts.FailConvert
		c.FailOpenConverted += ts.FailOpenConverted
		c.Succeeded += ts.Succeeded
	}
	return c
}

func finishRun(tracker *runregistry.Tracker, hist *history.Store, runID string, state runregistry.RunState, summary *pipeline.Summary, runErr error, log *zap.Logger) {
	var counts *runregistry.Counts
	if summary != nil {
		c := countsFromStats(summary.Types)
		counts = &c
	}
	if err := tracker.Finish(state, counts, runErr); err != nil {
		log.Warn("Failed to finalize run record", zap.Error(err))
	}
	if hist != nil {
		if err := hist.FinishRun(context.Background(), runID, string(state), summary); err != nil {
			log.Warn("Failed to record run end", zap.Error(err))
		}
	}
}
