// Package cmd implements the pestle command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/pestle/internal/config"
	"github.com/zjrosen/pestle/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "pestle",
	Short:   "A PowerShell test bridge for editor test explorers",
	Long:    `Pestle supervises a PowerShell interpreter, invokes Pester discovery and test runs against it, and turns the interpreter's stream output into a test tree and run results an editor can consume.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/pestle/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging (also PESTLE_DEBUG)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("verbosity", defaults.Verbosity)
	viper.SetDefault("debounce_interval", defaults.DebounceInterval)
	viper.SetDefault("stream_buffer", defaults.StreamBuffer)
	viper.SetDefault("report_skips_with_message", defaults.ReportSkipsWithMessage)
	viper.SetDefault("on_terminating_error", defaults.OnTerminatingError)
	viper.SetDefault("listener.enabled", defaults.Listener.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .pestle/config.yaml (current directory)
		// 2. ~/.config/pestle/config.yaml (user config)
		if _, err := os.Stat(".pestle/config.yaml"); err == nil {
			viper.SetConfigFile(".pestle/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "pestle"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// Continue on defaults when no config file exists anywhere.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// configFilePath returns the loaded config file, or the default user path
// when none was found.
func configFilePath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pestle/config.yaml"
	}
	return filepath.Join(home, ".config", "pestle", "config.yaml")
}

// initLogging starts the category logger when debug mode is on. The
// returned cleanup is safe to call unconditionally.
func initLogging(name string) (func(), error) {
	if os.Getenv("PESTLE_DEBUG") == "" && !debugFlag {
		return func() {}, nil
	}
	logPath := os.Getenv("PESTLE_LOG")
	if logPath == "" {
		logPath = name + ".log"
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	return cleanup, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
