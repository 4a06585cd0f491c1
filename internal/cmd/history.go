package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/roundtrip/internal/observability"
	"github.com/3leaps/roundtrip/pkg/corpus"
	"github.com/3leaps/roundtrip/pkg/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the per-file outcome history",
	Long: `Print outcomes recorded in the SQLite history database.

Without --run the recorded runs are listed. History is only written when
history.path is configured for run.

Example:
  roundtrip history --history /data/history.db
  roundtrip history --history /data/history.db --run 3f2a --failed
  roundtrip history --history /data/history.db --type docx --name report.docx --json`,
	RunE: runHistory,
}

var (
	historyPath     string
	historyRunID    string
	historyFileType string
	historyName     string
	historyStage    string
	historyFailed   bool
	historyLimit    int
	historyJSON     bool
)

func init() {
	rootCmd.AddCommand(historyCmd)

	f := historyCmd.Flags()
	f.StringVar(&historyPath, "history", "", "History database path (default history.path)")
	f.StringVar(&historyRunID, "run", "", "Show outcomes of this run (full ID or prefix)")
	f.StringVar(&historyFileType, "type", "", "Only this file type")
	f.StringVar(&historyName, "name", "", "Only this file name")
	f.StringVar(&historyStage, "stage", "", "Only this stage: open_original, convert or open_converted")
	f.BoolVar(&historyFailed, "failed", false, "Only failures")
	f.IntVar(&historyLimit, "limit", 100, "Maximum rows (0 = no limit)")
	f.BoolVar(&historyJSON, "json", false, "Output as JSON")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	path := historyPath
	if path == "" {
		path = viper.GetString("history.path")
	}
	if path == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing history path",
			fmt.Errorf("set --history or history.path"))
	}
	if !corpus.Exists(path) {
		return exitError(foundry.ExitFileNotFound, "History database not found", fmt.Errorf("%s does not exist", path))
	}

	ctx := cmd.Context()
	store, err := history.Open(ctx, history.Config{Path: path}, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open history", err)
	}
	defer func() { _ = store.Close() }()

	out := cmd.OutOrStdout()

	if historyRunID == "" && historyFileType == "" && historyName == "" {
		runs, err := store.ListRuns(ctx, historyLimit)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
		}
		if historyJSON {
			return writeIndentedJSON(out, runs)
		}
		if len(runs) == 0 {
			_, _ = fmt.Fprintln(out, "No runs recorded")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "RUN ID\tAPPLICATION\tSTAGES\tSTATUS\tSTARTED\tENDED")
		for _, r := range runs {
			ended := "-"
			if !r.EndedAt.IsZero() {
				ended = r.EndedAt.UTC().Format(time.RFC3339)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				shortRunID(r.RunID), r.Application, r.Stages, r.Status,
				r.StartedAt.UTC().Format(time.RFC3339), ended)
		}
		return nil
	}

	runID := historyRunID
	if runID != "" {
		runID, err = resolveHistoryRunID(cmd, store, runID)
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "Run not found", err)
		}
	}

	rows, err := store.Outcomes(ctx, history.Query{
		RunID:      runID,
		FileType:   historyFileType,
		Name:       historyName,
		Stage:      historyStage,
		FailedOnly: historyFailed,
		Limit:      historyLimit,
	})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to query history", err)
	}
	if historyJSON {
		return writeIndentedJSON(out, rows)
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(out, "No outcomes found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "RUN ID\tTYPE\tNAME\tSTAGE\tRESULT\tTRIES\tELAPSED\tERROR")
	for _, r := range rows {
		errMsg := r.Error
		if errMsg == "" {
			errMsg = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortRunID(r.RunID), r.FileType, r.Name, r.Stage, r.Result, r.Tries,
			r.Elapsed.Round(time.Millisecond), errMsg)
	}
	return nil
}

// resolveHistoryRunID expands a run ID prefix against the recorded runs.
func resolveHistoryRunID(cmd *cobra.Command, store *history.Store, input string) (string, error) {
	runs, err := store.ListRuns(cmd.Context(), 0)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, r := range runs {
		if r.RunID == input {
			return input, nil
		}
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
