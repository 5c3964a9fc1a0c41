package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/dyluth/opbalance/internal/logging"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
	envFile    string
	logLevel   string

	logCloser io.Closer
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "opbalance",
	Short: "opbalance - proposal weight tuning for MCMC runs",
	Long: `opbalance tunes how often an MCMC sampler picks each group of proposal
operators. Chains share a tab-separated ledger guarded by a sentinel lock;
each run records how efficiently every group mixed, and the next run picks
its weights from that record.

Typical flow:
  opbalance init            create the ledger
  opbalance start           claim or read this instance's weights
  opbalance analyze         commit efficiency measurements from trace logs
  opbalance persist         append the finished trial to the history
  opbalance show            inspect the ledger`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupEnvironment()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

// Execute runs the root command. Called once by main.main().
func Execute() error {
	// Errors are printed in colour by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "opbalance.yml", "Run configuration (.yml, .yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before anything else")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
}

// setupEnvironment loads the env file and installs a bootstrap logger. The
// configured logger replaces it once a command loads its configuration.
func setupEnvironment() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}
	_, err := initLogger(logging.DefaultConfig())
	return err
}

func initLogger(cfg logging.Config) (zerolog.Logger, error) {
	if logLevel != "" {
		// The flag beats both the file and the environment
		os.Setenv(logging.EnvLogLevel, logLevel)
	}
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
	logger, closer, err := logging.Init(cfg)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to configure logging: %w", err)
	}
	logCloser = closer
	return logger, nil
}
