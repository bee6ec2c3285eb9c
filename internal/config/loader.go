// Package config loads jobrunner configuration.
//
// Precedence, highest first: runtime overrides passed to Load, JOBRUNNER_*
// environment variables, the config file, built-in defaults.
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

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/jobrunner/pkg/docker"
	"github.com/3leaps/jobrunner/pkg/executor"
	"github.com/3leaps/jobrunner/pkg/jobdef"
	"github.com/3leaps/jobrunner/pkg/manifest"
	"github.com/3leaps/jobrunner/pkg/netpolicy"
	"github.com/3leaps/jobrunner/pkg/proc"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "JOBRUNNER"

// AppName names the per-user application directories.
const AppName = "jobrunner"

// Config is the full configuration.
type Config struct {
	Runtime      RuntimeConfig   `mapstructure:"runtime"`
	Network      NetworkConfig   `mapstructure:"network"`
	Workspaces   WorkspaceConfig `mapstructure:"workspaces"`
	Logs         LogsConfig      `mapstructure:"logs"`
	Manifest     manifest.Layout `mapstructure:"manifest"`
	Outputs      OutputsConfig   `mapstructure:"outputs"`
	Checkouts    CheckoutConfig  `mapstructure:"checkouts"`
	PollInterval time.Duration   `mapstructure:"poll_interval"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

// RuntimeConfig configures the container runtime client.
type RuntimeConfig struct {
	Binary          string        `mapstructure:"binary"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CallsPerSecond  float64       `mapstructure:"calls_per_second"`
	ManagementLabel string        `mapstructure:"management_label"`
	ManagerImage    string        `mapstructure:"manager_image"`
	CPUs            string        `mapstructure:"cpus"`
	Memory          string        `mapstructure:"memory"`
}

// NetworkConfig configures network isolation for database jobs.
type NetworkConfig struct {
	Name        string `mapstructure:"name"`
	DummyDNS    string `mapstructure:"dummy_dns"`
	DatabaseURL string `mapstructure:"database_url"`
}

// WorkspaceConfig locates the privacy-tiered storage roots.
type WorkspaceConfig struct {
	HighPrivacyDir   string `mapstructure:"high_privacy_dir"`
	MediumPrivacyDir string `mapstructure:"medium_privacy_dir"`
}

// LogsConfig locates per-job logs and metadata.
type LogsConfig struct {
	JobLogDir string `mapstructure:"job_log_dir"`
	MaxLines  int    `mapstructure:"max_lines"`
}

// OutputsConfig sets default output limits.
type OutputsConfig struct {
	MaxFileSize       int64    `mapstructure:"max_file_size"`
	MaxCSVRows        int      `mapstructure:"max_csv_rows"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

// CheckoutConfig locates local study clones.
type CheckoutConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	CloneRoot string `mapstructure:"clone_root"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile names a config file that takes priority over JOBRUNNER_CONFIG
// and the search locations. An empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	configFile = strings.TrimSpace(path)
	configMu.Unlock()
}

// DefaultCloneRoot is the study clone cache under the user's application data
// directory.
func DefaultCloneRoot() string {
	return filepath.Join(gfconfig.GetAppDataDir(AppName), "repos")
}

// Defaults returns the built-in defaults keyed by viper path.
func Defaults() map[string]any {
	return map[string]any{
		"runtime.binary":                docker.DefaultBinary,
		"runtime.timeout":               proc.DefaultTimeout.String(),
		"runtime.calls_per_second":      0.0,
		"runtime.management_label":      docker.DefaultManagementLabel,
		"runtime.manager_image":         docker.DefaultManagerImage,
		"runtime.cpus":                  "",
		"runtime.memory":                "",
		"network.name":                  netpolicy.DefaultNetworkName,
		"network.dummy_dns":             netpolicy.DefaultDummyDNS,
		"network.database_url":          "",
		"workspaces.high_privacy_dir":   "workdir/high_privacy",
		"workspaces.medium_privacy_dir": "workdir/medium_privacy",
		"logs.job_log_dir":              "workdir/logs",
		"logs.max_lines":                5000,
		"manifest.metadata_dir":         manifest.DefaultMetadataDir,
		"manifest.name":                 manifest.DefaultName,
		"outputs.max_file_size":         jobdef.DefaultMaxFileSize,
		"outputs.max_csv_rows":          jobdef.DefaultMaxCSVRows,
		"outputs.allowed_extensions":    strings.Join(jobdef.DefaultAllowedExtensions, ","),
		"checkouts.enabled":             false,
		"checkouts.clone_root":          DefaultCloneRoot(),
		"poll_interval":                 "1s",
		"logging.level":                 "info",
		"logging.profile":               "structured",
	}
}

// SetDefaults registers Defaults on v.
func SetDefaults(v *viper.Viper) {
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}
}

// Load reads configuration. Later overrides win over earlier ones.
// The file named by SetConfigFile or JOBRUNNER_CONFIG, or jobrunner.yaml in the working
// directory or the user config directory, is read when present.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	if path := configFilePath(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		trimStringSliceHook(),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks values the components cannot default.
func (c *Config) Validate() error {
	var errs []error
	if c.Runtime.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("runtime.timeout must be positive"))
	}
	if c.Runtime.CallsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("runtime.calls_per_second must not be negative"))
	}
	if strings.TrimSpace(c.Workspaces.HighPrivacyDir) == "" {
		errs = append(errs, fmt.Errorf("workspaces.high_privacy_dir is required"))
	}
	if strings.TrimSpace(c.Logs.JobLogDir) == "" {
		errs = append(errs, fmt.Errorf("logs.job_log_dir is required"))
	}
	if c.Logs.MaxLines < 0 {
		errs = append(errs, fmt.Errorf("logs.max_lines must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DockerOptions converts the runtime section.
func (c *Config) DockerOptions() docker.Options {
	return docker.Options{
		Binary:          c.Runtime.Binary,
		Timeout:         c.Runtime.Timeout,
		ManagementLabel: c.Runtime.ManagementLabel,
		ManagerImage:    c.Runtime.ManagerImage,
	}
}

// ExecutorConfig converts the sections the executor needs.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		HighPrivacyDir:   c.Workspaces.HighPrivacyDir,
		MediumPrivacyDir: c.Workspaces.MediumPrivacyDir,
		JobLogDir:        c.Logs.JobLogDir,
		LogMaxLines:      c.Logs.MaxLines,
		CPUs:             c.Runtime.CPUs,
		Memory:           c.Runtime.Memory,
		Network: netpolicy.Policy{
			NetworkName: c.Network.Name,
			DummyDNS:    c.Network.DummyDNS,
		},
		DatabaseURL: c.Network.DatabaseURL,
		Limits: jobdef.OutputLimits{
			MaxFileSize:       c.Outputs.MaxFileSize,
			MaxCSVRows:        c.Outputs.MaxCSVRows,
			AllowedExtensions: c.Outputs.AllowedExtensions,
		},
		ManifestLayout: c.Manifest,
	}
}

type envSpec struct {
	Name string
	Path string
}

// getEnvSpecs lists short environment aliases in addition to the automatic
// JOBRUNNER_<SECTION>_<KEY> names.
func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_DOCKER", Path: "runtime.binary"},
		{Name: EnvPrefix + "_DATABASE_URL", Path: "network.database_url"},
		{Name: EnvPrefix + "_HIGH_PRIVACY_DIR", Path: "workspaces.high_privacy_dir"},
		{Name: EnvPrefix + "_MEDIUM_PRIVACY_DIR", Path: "workspaces.medium_privacy_dir"},
		{Name: EnvPrefix + "_JOB_LOG_DIR", Path: "logs.job_log_dir"},
	}
}

func configFilePath() string {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()
	if explicit != "" {
		return explicit
	}
	if p := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); p != "" {
		return p
	}
	candidates := []string{"jobrunner.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, AppName, "jobrunner.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// flatten maps a nested override map to dotted leaf keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func trimStringSliceHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		items, ok := data.([]string)
		if !ok {
			return data, nil
		}
		out := make([]string, 0, len(items))
		for _, s := range items {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
}
