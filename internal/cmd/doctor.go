package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/roundtrip/internal/config"
	"github.com/3leaps/roundtrip/internal/observability"
	"github.com/3leaps/roundtrip/pkg/converter"
	"github.com/3leaps/roundtrip/pkg/proc"
)

var (
	doctorProvider string
	doctorProfile  string
)

// doctorProbeTimeout bounds the converter capability probe.
const doctorProbeTimeout = 10 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the corpus, the application bridge and the
converter, and suggest fixes for common issues.

Examples:
  roundtrip doctor -a word -b /data/corpus   # Full environment check
  roundtrip doctor --provider s3             # Also check AWS credentials for fetch`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
	doctorCmd.Flags().StringVar(&doctorProfile, "profile", "", "AWS profile for provider checks")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	log.Info("=== roundtrip doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	d := &doctor{log: log, total: 6, healthy: true}
	if doctorProvider == "s3" {
		d.total++
	}

	d.checkEnvironment()
	d.checkConfig(cfg)
	d.checkCorpus(cfg)
	d.checkLedgerWritable(cfg)
	d.checkBridge(cfg)
	d.checkConverter(cmd.Context(), cfg)
	if doctorProvider == "s3" {
		d.checkAWSCredentials(cmd.Context(), doctorProfile)
	}

	log.Info("")
	if d.healthy {
		log.Info("✅ All checks passed! The environment is ready for a run.")
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if !d.healthy {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d check(s) failed", d.failed))
	}
	return nil
}

// doctor numbers and tallies checks.
type doctor struct {
	log     *zap.Logger
	num     int
	total   int
	failed  int
	healthy bool
}

func (d *doctor) prefix(what string) string {
	d.num++
	return fmt.Sprintf("[%d/%d] Checking %s...", d.num, d.total, what)
}

func (d *doctor) pass(what, detail string, fields ...zap.Field) {
	d.log.Info(d.prefix(what)+" ✅ "+detail, fields...)
}

func (d *doctor) warn(what, detail string, fields ...zap.Field) {
	d.log.Warn(d.prefix(what)+" ⚠️  "+detail, fields...)
}

func (d *doctor) fail(what, detail string, fields ...zap.Field) {
	d.log.Error(d.prefix(what)+" ❌ "+detail, fields...)
	d.failed++
	d.healthy = false
}

func (d *doctor) checkEnvironment() {
	d.pass("environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
		zap.String("go_version", runtime.Version()))
}

func (d *doctor) checkConfig(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		d.fail("configuration", "invalid", zap.Error(err))
		return
	}
	d.pass("configuration", cfg.Application.String(),
		zap.Int("stages", cfg.Stages),
		zap.Strings("file_types", cfg.SelectedFileTypes()))
}

func (d *doctor) checkCorpus(cfg *config.Config) {
	if !cfg.Application.Valid() {
		d.fail("corpus layout", "no application selected")
		return
	}
	layout := cfg.Layout()
	var missing []string
	files := 0
	for _, ft := range cfg.SelectedFileTypes() {
		if info, err := os.Stat(layout.SourceDir(ft)); err != nil || !info.IsDir() {
			missing = append(missing, ft)
			continue
		}
		records, err := layout.Enumerate(ft)
		if err != nil {
			d.fail("corpus layout", "cannot list "+layout.SourceDir(ft), zap.Error(err))
			return
		}
		files += len(records)
	}
	switch {
	case len(missing) == len(cfg.SelectedFileTypes()):
		d.fail("corpus layout", "no file-type directories under "+cfg.BaseDir, zap.Strings("missing", missing))
	case len(missing) > 0:
		d.warn("corpus layout", fmt.Sprintf("%d files, some directories missing", files), zap.Strings("missing", missing))
	default:
		d.pass("corpus layout", fmt.Sprintf("%d files", files), zap.String("base_dir", cfg.BaseDir))
	}
}

func (d *doctor) checkLedgerWritable(cfg *config.Config) {
	f, err := os.CreateTemp(cfg.BaseDir, ".roundtrip-doctor-*")
	if err != nil {
		d.fail("ledger directory", "not writable", zap.String("dir", cfg.BaseDir), zap.Error(err))
		return
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	d.pass("ledger directory", "writable", zap.String("dir", cfg.BaseDir))
}

func (d *doctor) checkBridge(cfg *config.Config) {
	if len(cfg.App.BridgeCommand) == 0 {
		d.fail("application bridge", "app.bridge_command is not set")
		return
	}
	path, err := exec.LookPath(cfg.App.BridgeCommand[0])
	if err != nil {
		d.fail("application bridge", "not found", zap.String("command", cfg.App.BridgeCommand[0]), zap.Error(err))
		return
	}
	d.pass("application bridge", path)
}

func (d *doctor) checkConverter(ctx context.Context, cfg *config.Config) {
	if cfg.Stages < 2 {
		d.pass("converter", "not needed for stage 1")
		return
	}
	backend, err := buildBackend(cfg, proc.OSKiller{})
	if err != nil {
		d.fail("converter", "misconfigured", zap.String("backend", cfg.Converter.Backend), zap.Error(err))
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
	defer cancel()
	if err := backend.Probe(probeCtx); err != nil {
		d.fail("converter", backend.Name()+" unreachable", zap.Error(err))
		if errors.Is(err, converter.ErrServiceUnavailable) {
			d.log.Info("  Check converter.base_url and that the conversion service is running.")
		}
		return
	}
	d.pass("converter", backend.Name()+" reachable")
}

func (d *doctor) checkAWSCredentials(ctx context.Context, profile string) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		d.fail("AWS credentials", "cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		d.fail("AWS credentials", "cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	d.pass("AWS credentials", "found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source))
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also pass --endpoint to fetch.")
	log.Info("")
}
