package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/jobrunner/internal/config"
	"github.com/3leaps/jobrunner/internal/observability"
)

const serviceName = "jobrunner"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Run study jobs in isolated containers and maintain workspace manifests",
	Long: `jobrunner runs research jobs inside isolated containers, classifies their
outputs by privacy tier and records them in per-workspace manifests.

Configuration is read from --config, JOBRUNNER_CONFIG, ./jobrunner.yaml or the
user config directory, with JOBRUNNER_* environment variables on top.`,
	SilenceUsage:      true,
	PersistentPreRunE: initApp,
	PersistentPostRun: func(*cobra.Command, []string) { observability.Sync() },
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context. The exit code reflects the kind of failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./jobrunner.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose console logging")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// setDefaults registers config defaults on the global viper so flag bindings
// resolve against the same keys the loader uses.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// flagOverrides returns config overrides for persistent flags the user set.
func flagOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		overrides["logging"] = map[string]any{"level": viper.GetString("logging.level")}
	}
	return overrides
}

func initApp(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return err
	}
	observability.InitCLILogger(serviceName, cfg.Logging.Level, verbose)
	observability.CLILogger.Debug("Loaded config",
		zap.String("high_privacy_dir", cfg.Workspaces.HighPrivacyDir),
		zap.String("job_log_dir", cfg.Logs.JobLogDir),
		zap.String("runtime", cfg.Runtime.Binary))
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\ncommit=%s\nbuild_date=%s\n",
			serviceName, versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
		if v := crucible.GetVersion(); v.Gofulmen != "" {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "gofulmen=%s\ncrucible=%s\n", v.Gofulmen, v.Crucible)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
