package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if versionJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"version":    versionInfo.Version,
				"commit":     versionInfo.Commit,
				"build_date": versionInfo.BuildDate,
				"go":         runtime.Version(),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			})
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "roundtrip %s (commit %s, built %s, %s %s/%s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}
