package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/roundtrip/internal/config"
	"github.com/3leaps/roundtrip/internal/observability"
	"github.com/3leaps/roundtrip/pkg/fetch"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Mirror a corpus from an S3 bucket into the base directory",
	Long: `Download the documents under an S3 prefix into the corpus layout.

Each object lands in the directory named after its extension. Objects
whose extension is not tested for the selected application are ignored,
and files already present with the same size are skipped, so fetch can be
repeated.

Example:
  roundtrip fetch -a word -b /data/corpus --bucket corpora --prefix office/
  roundtrip fetch -a excel --bucket corpora --endpoint http://localhost:9000`,
	RunE: runFetch,
}

var (
	fetchBucket   string
	fetchPrefix   string
	fetchRegion   string
	fetchEndpoint string
	fetchProfile  string
)

func init() {
	rootCmd.AddCommand(fetchCmd)

	f := fetchCmd.Flags()
	f.StringVar(&fetchBucket, "bucket", "", "Source bucket (required)")
	f.StringVar(&fetchPrefix, "prefix", "", "Key prefix holding the file-type directories")
	f.StringVar(&fetchRegion, "region", "", "AWS region")
	f.StringVar(&fetchEndpoint, "endpoint", "", "Custom endpoint for S3-compatible storage")
	f.StringVar(&fetchProfile, "profile", "", "AWS shared config profile")
	_ = fetchCmd.MarkFlagRequired("bucket")
}

func runFetch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if !cfg.Application.Valid() {
		return exitError(foundry.ExitInvalidArgument, "Missing application", config.ErrInvalidApplication)
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot create base directory", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := observability.CLILogger
	fetcher, err := fetch.New(ctx, fetch.Config{
		Bucket:         fetchBucket,
		Prefix:         fetchPrefix,
		Region:         fetchRegion,
		Endpoint:       fetchEndpoint,
		Profile:        fetchProfile,
		ForcePathStyle: fetchEndpoint != "",
	}, cfg.Layout(), log)
	if err != nil {
		var cfgErr *fetch.ConfigError
		if errors.As(err, &cfgErr) {
			return exitError(foundry.ExitInvalidArgument, "Invalid fetch configuration", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize S3 client", err)
	}

	stats, err := fetcher.Mirror(ctx, cfg.Application)
	log.Info("Fetch finished",
		zap.String("bucket", fetchBucket),
		zap.Int("listed", stats.Listed),
		zap.Int("downloaded", stats.Downloaded),
		zap.Int("skipped", stats.Skipped),
		zap.Int("ignored", stats.Ignored),
		zap.Int64("bytes", stats.Bytes))
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return exitError(foundry.ExitSignalInt, "Fetch interrupted", err)
		case errors.Is(err, fetch.ErrBucketNotFound), errors.Is(err, fetch.ErrNotFound):
			return exitError(foundry.ExitFileNotFound, "Source not found", err)
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Fetch failed", err)
		}
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d downloaded, %d skipped, %d ignored (%d listed)\n",
		stats.Downloaded, stats.Skipped, stats.Ignored, stats.Listed)
	return nil
}
