package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/roundtrip/internal/observability"
	"github.com/3leaps/roundtrip/pkg/corpus"
	"github.com/3leaps/roundtrip/pkg/ledger"
	"github.com/3leaps/roundtrip/pkg/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Build the compatibility report from the ledger",
	Long: `Rebuild the per-type report from the ledger files in the base directory
without opening or converting anything.

Only names that are still present in the corpus are counted.

Example:
  roundtrip report -a word -b /data/corpus
  roundtrip report -a excel --format csv --output report-excel.csv
  roundtrip report --format xlsx --output report.xlsx`,
	RunE: runReport,
}

var (
	reportFormat string
	reportOutput string
)

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVar(&reportFormat, "format", "table", "Output format: table, csv or xlsx")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "Write to this file instead of stdout")
}

func runReport(cmd *cobra.Command, _ []string) error {
	format := strings.ToLower(strings.TrimSpace(reportFormat))
	switch format {
	case "table", "csv", "xlsx":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid report format",
			fmt.Errorf("unknown format %q (expected table, csv or xlsx)", reportFormat))
	}
	if format == "xlsx" && reportOutput == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing --output",
			fmt.Errorf("xlsx output must be written to a file"))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	adm, err := corpus.NewAdmission(cfg.AdmissionConfig(), nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid admission filters", err)
	}
	led := ledger.New(cfg.BaseDir, observability.CLILogger)
	led.Load(cfg.SelectedFileTypes())
	rows, err := report.FromLedger(cfg.Application, cfg.SelectedFileTypes(), cfg.Layout(), adm, led)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read corpus", err)
	}

	if reportOutput == "" {
		return renderReport(cmd.OutOrStdout(), format, rows)
	}
	if err := writeReportFile(reportOutput, format, rows); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write report", err)
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", reportOutput)
	return nil
}

func renderReport(w io.Writer, format string, rows []report.Row) error {
	switch format {
	case "csv":
		return report.WriteCSV(w, rows)
	case "xlsx":
		return report.WriteXLSX(w, rows)
	default:
		return report.WriteTable(w, rows)
	}
}

// writeReportFile renders into memory first so a failed render never
// truncates an existing report.
func writeReportFile(path, format string, rows []report.Row) error {
	var buf bytes.Buffer
	if err := renderReport(&buf, format, rows); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
