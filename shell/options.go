package shell

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Option configures a Shell at construction time.
type Option func(s *Shell)

// WithLogger sets the logger; subcomponents derive named loggers from it.
func WithLogger(l *zap.Logger) Option {
	return func(s *Shell) {
		s.log = l.Named("shell").Sugar()
	}
}

// WithLogLevel raises the minimum level of the current logger.
func WithLogLevel(l zapcore.Level) Option {
	return func(s *Shell) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithConfig replaces the whole config.
func WithConfig(cfg Config) Option {
	return func(s *Shell) {
		s.cfg = cfg
	}
}

// WithAdapter selects the interpreter adapter (default PowerShell).
func WithAdapter(a Adapter) Option {
	return func(s *Shell) {
		s.adapter = a
	}
}

// WithInterpreterPath overrides the interpreter executable.
func WithInterpreterPath(path string) Option {
	return func(s *Shell) {
		s.cfg.InterpreterPath = path
	}
}

// WithWorkingDir sets the child's working directory.
func WithWorkingDir(dir string) Option {
	return func(s *Shell) {
		s.cfg.WorkingDir = dir
	}
}

// WithEnv merges extra environment variables into the child's
// environment.
func WithEnv(env map[string]string) Option {
	return func(s *Shell) {
		if s.cfg.Environment == nil {
			s.cfg.Environment = map[string]string{}
		}
		for k, v := range env {
			s.cfg.Environment[k] = v
		}
	}
}

// WithDefaultTimeout sets the per-command default deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Shell) {
		s.cfg.DefaultTimeout = d
	}
}

// WithAutoRestart controls restart-on-timeout.
func WithAutoRestart(enabled bool) Option {
	return func(s *Shell) {
		s.cfg.AutoRestartOnTimeout = enabled
	}
}

// WithStartupCommands sets commands to run right after spawn.
func WithStartupCommands(cmds ...string) Option {
	return func(s *Shell) {
		s.cfg.StartupCommands = append([]string(nil), cmds...)
	}
}

// WithSessionRestore enables session restore from a snapshot on start.
func WithSessionRestore(scriptPath, snapshotPath string) Option {
	return func(s *Shell) {
		s.cfg.RestoreScriptPath = scriptPath
		s.cfg.SessionSnapshotPath = snapshotPath
	}
}

// WithStopGracePeriod bounds how long Stop waits for the child to exit.
func WithStopGracePeriod(d time.Duration) Option {
	return func(s *Shell) {
		s.cfg.StopGracePeriod = d
	}
}
