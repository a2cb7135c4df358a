package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudtether/tether/internal/config"
	"github.com/cloudtether/tether/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	quiet     bool

	// Version info, set via SetVersion.
	appVersion string
	appCommit  string
	appDate    string

	// Loaded by initConfig before any command runs.
	appConfig     *config.Config
	appConfigFile string
	appLogger     *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Managed remote-access session supervisor",
	Long: `tether supervises broker-based remote access sessions: it creates and
monitors tunnels, reconnects them when they drop, diagnoses targets that
refuse connections, and fixes the failures it safely can.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && appLogger != nil {
		appLogger.Error("command failed", "error", err)
	} else if err != nil {
		fmt.Println("Error:", err)
	}
	return err
}

// SetVersion injects build-time version information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initConfig()
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .tether/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"suppress non-essential output")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	appConfig = cfg
	appConfigFile = loader.ConfigFile()

	level := cfg.Log.Level
	if rootCmd.PersistentFlags().Changed("log-level") {
		level = logLevel
	}
	format := cfg.Log.Format
	if rootCmd.PersistentFlags().Changed("log-format") {
		format = logFormat
	}
	if quiet {
		level = "error"
	}
	appLogger = logging.New(logging.Config{Level: level, Format: format})
	return nil
}
