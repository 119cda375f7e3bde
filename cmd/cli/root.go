// Package cli implements the nmapper command line: running the daemon,
// one-shot scans, schedule management, and snapshot diffing.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/TakashiAihara/nmapper-sub001/internal/logging"
)

var (
	cfgFile   string
	verbose   bool
	serverURL string
)

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "nmapper",
	Short: "Network device tracker",
	Long: `nmapper continuously maps a network: it runs scheduled nmap scans,
records each pass as an immutable snapshot, and reports devices that
joined, left, or changed between passes.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildTime),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Accept underscore spellings for multi-word flags.
	rootCmd.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./nmapper.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		"http://127.0.0.1:8080", "daemon API address")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
	if err := viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind server flag: %v\n", err)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("nmapper")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("NMAPPER")

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

func initLogging() {
	cfg := logging.DefaultConfig()
	if verbose {
		cfg.Level = "debug"
	}
	if level := viper.GetString("logging.level"); level != "" && !verbose {
		cfg.Level = logging.LogLevel(level)
	}
	if format := viper.GetString("logging.format"); format != "" {
		cfg.Format = logging.LogFormat(format)
	}

	logger, err := logging.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
		return
	}
	logging.SetDefault(logger)
}

// configPath returns the effective config file path for commands that
// load the full daemon configuration.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return "nmapper.yaml"
}
