// Package config loads the harness configuration from defaults, an
// optional config file, ROUNDTRIP_ environment variables and runtime
// overrides, in increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/roundtrip/pkg/converter"
	"github.com/3leaps/roundtrip/pkg/corpus"
	"github.com/3leaps/roundtrip/pkg/doctype"
	"github.com/3leaps/roundtrip/pkg/office"
	"github.com/3leaps/roundtrip/pkg/pipeline"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROUNDTRIP"

// DefaultConfigName is looked up in the working directory when no config
// file is given.
const DefaultConfigName = "roundtrip.yaml"

// Converter backends.
const (
	BackendRemote = "remote"
	BackendLocal  = "local"
)

// Sentinel validation errors.
var (
	ErrInvalidApplication = errors.New("invalid application")
	ErrInvalidValue       = errors.New("invalid configuration value")
)

// Config is the decoded harness configuration.
type Config struct {
	Application doctype.Application `mapstructure:"application" yaml:"application"`
	BaseDir     string              `mapstructure:"base_dir" yaml:"base_dir"`
	Stages      int                 `mapstructure:"stages" yaml:"stages"`
	PDF         bool                `mapstructure:"pdf" yaml:"pdf"`
	FileTypes   []string            `mapstructure:"file_types" yaml:"file_types,omitempty"`

	Sampling     SamplingConfig `mapstructure:"sampling" yaml:"sampling"`
	Extensions   []string       `mapstructure:"extensions" yaml:"extensions"`
	LockPatterns []string       `mapstructure:"lock_patterns" yaml:"lock_patterns"`
	SkipList     []string       `mapstructure:"skip_list" yaml:"skip_list"`
	AllowList    []string       `mapstructure:"allow_list" yaml:"allow_list"`

	App       AppConfig       `mapstructure:"app" yaml:"app"`
	Converter ConverterConfig `mapstructure:"converter" yaml:"converter"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Status    StatusConfig    `mapstructure:"status" yaml:"status"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

type SamplingConfig struct {
	Period int `mapstructure:"period" yaml:"period"`
	Offset int `mapstructure:"offset" yaml:"offset"`
}

// AppConfig drives the application under test.
type AppConfig struct {
	// BridgeCommand is the host bridge argv; the application name is appended.
	BridgeCommand []string      `mapstructure:"bridge_command" yaml:"bridge_command"`
	OpenTimeout   time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	StartAttempts int           `mapstructure:"start_attempts" yaml:"start_attempts"`
	StartBackoff  time.Duration `mapstructure:"start_backoff" yaml:"start_backoff"`
	RestartPolicy string        `mapstructure:"restart_policy" yaml:"restart_policy"`
}

type ConverterConfig struct {
	Backend            string        `mapstructure:"backend" yaml:"backend"`
	BaseURL            string        `mapstructure:"base_url" yaml:"base_url"`
	LocalPath          string        `mapstructure:"local_path" yaml:"local_path"`
	Parallelism        int           `mapstructure:"parallelism" yaml:"parallelism"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ProbeAttempts      int           `mapstructure:"probe_attempts" yaml:"probe_attempts"`
	ProbeDelay         time.Duration `mapstructure:"probe_delay" yaml:"probe_delay"`
	RateLimit          float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type HistoryConfig struct {
	// Path of the SQLite history database. Empty disables history.
	Path string `mapstructure:"path" yaml:"path"`
}

type StatusConfig struct {
	// Addr is the listen address of the status endpoint. Empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("application", doctype.Word.String())
	v.SetDefault("base_dir", ".")
	v.SetDefault("stages", 3)
	v.SetDefault("pdf", false)
	v.SetDefault("file_types", []string{})

	v.SetDefault("sampling.period", 1)
	v.SetDefault("sampling.offset", 0)
	v.SetDefault("extensions", corpus.DefaultExtensions)
	v.SetDefault("lock_patterns", corpus.DefaultLockPatterns)
	v.SetDefault("skip_list", []string{})
	v.SetDefault("allow_list", []string{})

	v.SetDefault("app.bridge_command", []string{})
	v.SetDefault("app.open_timeout", "10s")
	v.SetDefault("app.start_attempts", 3)
	v.SetDefault("app.start_backoff", "10s")
	v.SetDefault("app.restart_policy", string(office.RestartAlways))

	v.SetDefault("converter.backend", BackendRemote)
	v.SetDefault("converter.base_url", "https://localhost:9980")
	v.SetDefault("converter.local_path", "soffice")
	v.SetDefault("converter.parallelism", 4)
	v.SetDefault("converter.timeout", "30s")
	v.SetDefault("converter.probe_attempts", 5)
	v.SetDefault("converter.probe_delay", "2s")
	v.SetDefault("converter.rate_limit", 0)
	v.SetDefault("converter.insecure_skip_verify", false)

	v.SetDefault("history.path", "")
	v.SetDefault("status.addr", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// EnvSpec maps an environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

var envPaths = []string{
	"application",
	"base_dir",
	"stages",
	"pdf",
	"file_types",
	"sampling.period",
	"sampling.offset",
	"extensions",
	"lock_patterns",
	"skip_list",
	"allow_list",
	"app.bridge_command",
	"app.open_timeout",
	"app.start_attempts",
	"app.start_backoff",
	"app.restart_policy",
	"converter.backend",
	"converter.base_url",
	"converter.local_path",
	"converter.parallelism",
	"converter.timeout",
	"converter.probe_attempts",
	"converter.probe_delay",
	"converter.rate_limit",
	"converter.insecure_skip_verify",
	"history.path",
	"status.addr",
	"logging.level",
	"logging.format",
}

// EnvSpecs lists every supported environment override, e.g.
// ROUNDTRIP_CONVERTER_BASE_URL for converter.base_url.
func EnvSpecs() []EnvSpec {
	specs := make([]EnvSpec, 0, len(envPaths))
	for _, p := range envPaths {
		specs = append(specs, EnvSpec{Name: EnvName(p), Path: p})
	}
	return specs
}

// EnvName returns the environment variable for a config key.
func EnvName(path string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// BindEnv binds every EnvSpec on v.
func BindEnv(v *viper.Viper) error {
	for _, spec := range EnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}
	return nil
}

// ReadFile merges a config file into v. An empty path looks for
// DefaultConfigName in the working directory and is not an error when
// absent.
func ReadFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		if _, err := os.Stat(DefaultConfigName); err != nil {
			return nil
		}
		path = DefaultConfigName
	}
	v.SetConfigFile(filepath.Clean(path))
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from defaults, the file named by ROUNDTRIP_CONFIG
// (or DefaultConfigName), the environment and overrides. The result is
// also retained for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)
	if err := ReadFile(v, os.Getenv(EnvPrefix+"_CONFIG")); err != nil {
		return nil, err
	}
	if err := BindEnv(v); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		setOverrides(v, "", o)
	}

	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

func setOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

// GetConfig returns the configuration from the last Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// FromViper decodes the settings held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		applicationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func applicationHook() mapstructure.DecodeHookFuncType {
	appType := reflect.TypeOf(doctype.Application(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != appType || from.Kind() != reflect.String {
			return data, nil
		}
		app, err := doctype.ParseApplication(data.(string))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidApplication, err)
		}
		return app, nil
	}
}

// Validate reports every fatal configuration problem.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...)))
	}

	if !c.Application.Valid() {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidApplication, int(c.Application)))
	}
	if strings.TrimSpace(c.BaseDir) == "" {
		invalid("base_dir is required")
	} else if info, err := os.Stat(c.BaseDir); err != nil || !info.IsDir() {
		invalid("base_dir %q is not a directory", c.BaseDir)
	}
	if c.Stages < 1 || c.Stages > 3 {
		invalid("stages must be 1, 2 or 3, got %d", c.Stages)
	}
	for _, ft := range c.FileTypes {
		if c.Application.Valid() && !c.Application.HasFileType(ft) {
			invalid("file type %q does not belong to %s", ft, c.Application)
		}
	}
	if c.Sampling.Period <= 0 {
		invalid("sampling.period must be positive, got %d", c.Sampling.Period)
	} else if c.Sampling.Offset < 0 || c.Sampling.Offset >= c.Sampling.Period {
		invalid("sampling.offset must be within [0, %d), got %d", c.Sampling.Period, c.Sampling.Offset)
	}
	for _, p := range c.LockPatterns {
		if !doublestar.ValidatePattern(p) {
			invalid("bad lock pattern %q", p)
		}
	}

	switch office.RestartPolicy(c.App.RestartPolicy) {
	case office.RestartAlways, office.RestartOnUnhealthy:
	default:
		invalid("app.restart_policy must be always or on-unhealthy, got %q", c.App.RestartPolicy)
	}
	if c.App.OpenTimeout <= 0 {
		invalid("app.open_timeout must be positive")
	}

	if c.Stages >= 2 {
		if c.Converter.Parallelism <= 0 {
			invalid("converter.parallelism must be positive, got %d", c.Converter.Parallelism)
		}
		switch c.Converter.Backend {
		case BackendRemote:
			if strings.TrimSpace(c.Converter.BaseURL) == "" {
				invalid("converter.base_url is required for the remote backend")
			}
		case BackendLocal:
			if strings.TrimSpace(c.Converter.LocalPath) == "" {
				invalid("converter.local_path is required for the local backend")
			}
		default:
			invalid("converter.backend must be remote or local, got %q", c.Converter.Backend)
		}
		if c.Converter.RateLimit < 0 {
			invalid("converter.rate_limit must not be negative")
		}
	}

	return errors.Join(errs...)
}

// SelectedFileTypes returns FileTypes or, when empty, every type of the
// application.
func (c *Config) SelectedFileTypes() []string {
	if len(c.FileTypes) > 0 {
		return c.FileTypes
	}
	return c.Application.FileTypes()
}

// Layout returns the corpus layout rooted at BaseDir.
func (c *Config) Layout() corpus.Layout {
	return corpus.NewLayout(c.BaseDir)
}

func (c *Config) AdmissionConfig() corpus.AdmissionConfig {
	return corpus.AdmissionConfig{
		SkipList:       c.SkipList,
		AllowList:      c.AllowList,
		Extensions:     c.Extensions,
		SamplingPeriod: c.Sampling.Period,
		SamplingOffset: c.Sampling.Offset,
		LockPatterns:   c.LockPatterns,
	}
}

// RunConfig converts c into the immutable pipeline configuration.
func (c *Config) RunConfig(runID string, adm *corpus.Admission) pipeline.RunConfig {
	rc := pipeline.DefaultRunConfig()
	rc.RunID = runID
	rc.Application = c.Application
	rc.FileTypes = c.SelectedFileTypes()
	rc.Layout = c.Layout()
	rc.Admission = adm
	rc.Stages = c.Stages
	rc.PDF = c.PDF
	rc.Parallelism = c.Converter.Parallelism
	rc.OpenTimeout = c.App.OpenTimeout
	return rc
}

// ControllerConfig returns the application controller settings.
func (c *Config) ControllerConfig() office.Config {
	oc := office.DefaultConfig()
	oc.StartAttempts = c.App.StartAttempts
	oc.StartBackoff = c.App.StartBackoff
	oc.Policy = office.RestartPolicy(c.App.RestartPolicy)
	return oc
}

// GatewayConfig returns the converter retry settings.
func (c *Config) GatewayConfig() converter.Config {
	gc := converter.DefaultConfig()
	gc.Timeout = c.Converter.Timeout
	gc.ProbeAttempts = c.Converter.ProbeAttempts
	gc.ProbeDelay = c.Converter.ProbeDelay
	return gc
}
