// Package config provides configuration types, defaults, and persistence
// for pestle.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/pestle/internal/log"
	"github.com/zjrosen/pestle/internal/tracing"
)

// ListenerConfig holds side-channel listener settings.
type ListenerConfig struct {
	// Enabled starts the side-channel endpoint alongside the daemon.
	Enabled bool `mapstructure:"enabled"`

	// Name overrides the generated endpoint name. Leave empty to get a
	// unique per-instance name.
	Name string `mapstructure:"name"`
}

// HistoryConfig holds run-history persistence settings.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path of the SQLite database. Default: ~/.config/pestle/history.db
	Path string `mapstructure:"path"`
}

// Config holds all configuration options for pestle.
type Config struct {
	// PowerShellPath overrides executable resolution. Empty means resolve
	// pwsh from PATH (falling back to powershell.exe on Windows).
	PowerShellPath string `mapstructure:"powershell_path"`

	// Verbosity passed through to the test script.
	// Valid values: "None", "Normal", "Detailed", "Diagnostic"
	Verbosity string `mapstructure:"verbosity"`

	// DebounceInterval is the quiescence window for batching discovery
	// requests.
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`

	// StreamBuffer is the per-channel buffer size for decoded records.
	StreamBuffer int `mapstructure:"stream_buffer"`

	// ReportSkipsWithMessage surfaces skips that carry an explanatory
	// message as errors instead of silent skips.
	ReportSkipsWithMessage bool `mapstructure:"report_skips_with_message"`

	// OnTerminatingError selects recovery after a terminating script
	// error. Valid values: "fail-invocation" (default), "restart-process".
	OnTerminatingError string `mapstructure:"on_terminating_error"`

	Listener ListenerConfig `mapstructure:"listener"`
	Tracing  tracing.Config `mapstructure:"tracing"`
	History  HistoryConfig  `mapstructure:"history"`
}

// DefaultHistoryPath returns the default location of the history database.
func DefaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pestle", "history.db")
}

// DefaultTracesFilePath returns the default location for trace output.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pestle", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Verbosity:              "Normal",
		DebounceInterval:       300 * time.Millisecond,
		StreamBuffer:           64,
		ReportSkipsWithMessage: true,
		OnTerminatingError:     "fail-invocation",
		Listener: ListenerConfig{
			Enabled: true,
		},
		Tracing: tracing.DefaultConfig(),
		History: HistoryConfig{
			Enabled: false,
			Path:    "", // Derived from config dir at runtime
		},
	}
}

// Validate checks a loaded config for value errors.
func Validate(cfg Config) error {
	switch cfg.Verbosity {
	case "", "None", "Normal", "Detailed", "Diagnostic":
	default:
		return fmt.Errorf("verbosity must be \"None\", \"Normal\", \"Detailed\", or \"Diagnostic\", got %q", cfg.Verbosity)
	}

	switch cfg.OnTerminatingError {
	case "", "fail-invocation", "restart-process":
	default:
		return fmt.Errorf("on_terminating_error must be \"fail-invocation\" or \"restart-process\", got %q", cfg.OnTerminatingError)
	}

	if cfg.DebounceInterval < 0 {
		return fmt.Errorf("debounce_interval must not be negative, got %v", cfg.DebounceInterval)
	}
	if cfg.StreamBuffer < 0 {
		return fmt.Errorf("stream_buffer must not be negative, got %d", cfg.StreamBuffer)
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", cfg.Tracing.SampleRate)
	}
	if cfg.Tracing.Exporter != "" {
		switch cfg.Tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", cfg.Tracing.Exporter)
		}
	}
	if cfg.Tracing.Enabled {
		if cfg.Tracing.Exporter == "file" && cfg.Tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if cfg.Tracing.Exporter == "otlp" && cfg.Tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	if cfg.History.Enabled && cfg.History.Path == "" && DefaultHistoryPath() == "" {
		return fmt.Errorf("history.path is required when history is enabled and no home directory is available")
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# Pestle Configuration

# Path to the PowerShell executable.
# Default: resolve pwsh from PATH (powershell.exe fallback on Windows)
# powershell_path: /usr/local/bin/pwsh

# Verbosity passed to the test script: None, Normal, Detailed, Diagnostic
verbosity: Normal

# Quiescence window for batching discovery requests
debounce_interval: 300ms

# Surface skipped tests that carry a message as errors
report_skips_with_message: true

# Recovery after a terminating script error:
#   fail-invocation  - fail the invocation, keep the interpreter (default)
#   restart-process  - fail the invocation and replace the interpreter
on_terminating_error: fail-invocation

# Side-channel endpoint for scripts whose stdio is not captured
listener:
  enabled: true
  # name: pestle-debug   # Override the generated endpoint name

# Distributed tracing of discovery and run invocations
# tracing:
#   enabled: true
#   exporter: file                 # none, file, stdout, otlp
#   file_path: ~/.config/pestle/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0

# Persist run summaries to a local SQLite database
# history:
#   enabled: true
#   path: ~/.config/pestle/history.db
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
