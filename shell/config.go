package shell

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the engine settings. The zero value is not usable; start
// from DefaultConfig or load one from YAML.
type Config struct {
	// InterpreterPath overrides the adapter's default executable.
	InterpreterPath string

	// WorkingDir is the child's working directory; empty inherits ours.
	WorkingDir string

	// Environment is merged into the child's inherited environment.
	Environment map[string]string

	// DefaultTimeout applies to commands submitted without an explicit
	// timeout. Zero or negative disables the default deadline.
	DefaultTimeout time.Duration

	// AutoRestartOnTimeout restarts the interpreter process after a
	// command deadline expires.
	AutoRestartOnTimeout bool

	// StartupCommands run right after spawn; failures are logged and
	// ignored.
	StartupCommands []string

	// RestoreScriptPath and SessionSnapshotPath enable session restore on
	// start when both are set and the snapshot exists.
	RestoreScriptPath   string
	SessionSnapshotPath string

	// StopGracePeriod bounds how long Stop waits for the child to exit
	// before (optionally) terminating it.
	StopGracePeriod time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:       30 * time.Second,
		AutoRestartOnTimeout: true,
		StopGracePeriod:      5 * time.Second,
	}
}

// configFile is the YAML shape of a config; durations are strings in
// time.ParseDuration form ("30s", "1m30s").
type configFile struct {
	InterpreterPath      string            `yaml:"interpreter_path"`
	WorkingDir           string            `yaml:"working_dir"`
	Environment          map[string]string `yaml:"environment"`
	DefaultTimeout       string            `yaml:"default_timeout"`
	AutoRestartOnTimeout *bool             `yaml:"auto_restart_on_timeout"`
	StartupCommands      []string          `yaml:"startup_commands"`
	RestoreScriptPath    string            `yaml:"restore_script_path"`
	SessionSnapshotPath  string            `yaml:"session_snapshot_path"`
	StopGracePeriod      string            `yaml:"stop_grace_period"`
}

// LoadConfig reads a YAML config file, applying it on top of the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	var f configFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	if f.InterpreterPath != "" {
		cfg.InterpreterPath = f.InterpreterPath
	}
	if f.WorkingDir != "" {
		cfg.WorkingDir = f.WorkingDir
	}
	if len(f.Environment) > 0 {
		cfg.Environment = f.Environment
	}
	if f.DefaultTimeout != "" {
		d, err := time.ParseDuration(f.DefaultTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parsing default_timeout: %w", err)
		}
		cfg.DefaultTimeout = d
	}
	if f.AutoRestartOnTimeout != nil {
		cfg.AutoRestartOnTimeout = *f.AutoRestartOnTimeout
	}
	if len(f.StartupCommands) > 0 {
		cfg.StartupCommands = f.StartupCommands
	}
	cfg.RestoreScriptPath = f.RestoreScriptPath
	cfg.SessionSnapshotPath = f.SessionSnapshotPath
	if f.StopGracePeriod != "" {
		d, err := time.ParseDuration(f.StopGracePeriod)
		if err != nil {
			return cfg, fmt.Errorf("parsing stop_grace_period: %w", err)
		}
		cfg.StopGracePeriod = d
	}
	return cfg, nil
}
