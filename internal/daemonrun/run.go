// Package daemonrun hosts the resident worker process: it wires the full
// analysis pipeline together, enforces single-instance execution with a
// file lock, and runs until the process receives SIGINT or SIGTERM.
package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"formsight/internal/analysis"
	"formsight/internal/config"
	"formsight/internal/jobqueue"
	"formsight/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the formsight daemon runtime loop and blocks until the
// context is cancelled or a termination signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("formsight-%s.log", runID))

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update formsight.log link: %v\n", err)
	}

	lock := flock.New(LockPath(cfg))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another formsight daemon instance is already running")
	}
	defer func() { _ = lock.Unlock() }()

	pidPath := filepath.Join(cfg.Paths.LogDir, "formsight.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := jobqueue.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}
	defer store.Close()

	orch, err := analysis.New(signalCtx, cfg, logger, analysis.Deps{Store: store})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	if err := orch.Start(signalCtx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	profile := orch.Profile()
	logger.Info("formsight daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String(logging.FieldTier, string(profile.Tier)),
		logging.String("lock", LockPath(cfg)),
		logging.String("log", logPath),
	)

	transitions := make(chan os.Signal, 1)
	signal.Notify(transitions, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(transitions)

	for {
		select {
		case sig := <-transitions:
			switch sig {
			case syscall.SIGUSR1:
				orch.EnterBackground()
				logger.Info("daemon entering background",
					logging.String(logging.FieldEventType, "daemon_background"))
			case syscall.SIGUSR2:
				orch.EnterForeground()
				logger.Info("daemon entering foreground",
					logging.String(logging.FieldEventType, "daemon_foreground"))
			}
		case <-signalCtx.Done():
			logger.Info("formsight daemon shutting down")
			orch.Stop()
			return nil
		}
	}
}

// LockPath returns the single-instance lock file location for a config.
func LockPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "formsight.lock")
}

// ensureCurrentLogPointer keeps a stable formsight.log name pointing at the
// newest run's log file. Hard links are the fallback for filesystems that
// refuse symlinks.
func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "formsight.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err == nil {
		return nil
	}
	return fmt.Errorf("link log pointer for %s", target)
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
