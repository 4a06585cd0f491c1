package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/roundtrip/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run records",
	Long: `Inspect the records written for every run under <base>/.roundtrip/runs.

A record still marked running whose process is gone is reported as unknown.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old finished run records",
	RunE:  runRunsGC,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsGCCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	runsGCCmd.Flags().Duration("max-age", 7*24*time.Hour, "Delete finished runs older than this")
	runsGCCmd.Flags().Bool("dry-run", false, "Show how many runs would be deleted")
	runsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStore() *runregistry.Store {
	return runregistry.NewStore(runsRootDir(viper.GetString("base_dir")))
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	runs, err := runStore().List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}
	if jsonOutput {
		return writeIndentedJSON(out, runs)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tAPPLICATION\tSTAGES\tSTATE\tSTARTED\tENDED\tTESTED\tSUCCEEDED")
	for _, r := range runs {
		tested, succeeded := "-", "-"
		if r.Counts != nil {
			tested = fmt.Sprint(r.Counts.Tested)
			succeeded = fmt.Sprint(r.Counts.Succeeded)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			r.Application,
			r.Stages,
			r.State,
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
			tested,
			succeeded,
		)
	}
	return nil
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()
	store := runStore()

	runID, err := resolveRunID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Run not found", err)
	}
	rec, err := store.Get(runID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run", err)
	}
	if jsonOutput {
		return writeIndentedJSON(out, rec)
	}

	_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(out, "application=%s\n", rec.Application)
	_, _ = fmt.Fprintf(out, "stages=%d\n", rec.Stages)
	_, _ = fmt.Fprintf(out, "base_dir=%s\n", rec.BaseDir)
	if rec.PID != 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(out, "last_heartbeat=%s\n", rec.LastHeartbeat.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if c := rec.Counts; c != nil {
		_, _ = fmt.Fprintf(out, "tested=%d fail_open=%d fail_convert=%d fail_open_converted=%d succeeded=%d\n",
			c.Tested, c.FailOpen, c.FailConvert, c.FailOpenConverted, c.Succeeded)
	}
	if rec.ReportPath != "" {
		_, _ = fmt.Fprintf(out, "report_path=%s\n", rec.ReportPath)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	return nil
}

type runsGCResult struct {
	Deleted int    `json:"deleted"`
	DryRun  bool   `json:"dry_run"`
	MaxAge  string `json:"max_age"`
}

func runRunsGC(cmd *cobra.Command, _ []string) error {
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("--max-age must be > 0"))
	}

	store := runStore()
	runs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}

	now := time.Now().UTC()
	deleted := 0
	for _, r := range runs {
		if r.EndedAt == nil || now.Sub(r.EndedAt.UTC()) <= maxAge {
			continue
		}
		if !r.State.Terminal() && r.State != runregistry.RunStateUnknown {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(store.RunDir(r.RunID)); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to remove run", err)
			}
		}
		deleted++
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeIndentedJSON(out, runsGCResult{Deleted: deleted, DryRun: dryRun, MaxAge: maxAge.String()})
	}
	verb := "Deleted"
	if dryRun {
		verb = "Would delete"
	}
	_, _ = fmt.Fprintf(out, "%s %d run(s)\n", verb, deleted)
	return nil
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortRunID(runID string) string {
	runID = strings.TrimSpace(runID)
	if len(runID) <= 12 {
		return runID
	}
	return runID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveRunID accepts a full run ID or an unambiguous prefix.
func resolveRunID(store *runregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("run_id is required")
	}
	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	runs, err := store.List()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, input) {
			matches = append(matches, r.RunID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("run not found: %s", input)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("run id prefix is ambiguous (%d matches); use the full run_id", len(matches))
	}
}
