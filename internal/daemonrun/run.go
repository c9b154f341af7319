package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"restune/internal/config"
	"restune/internal/daemon"
	"restune/internal/ipc"
	"restune/internal/logging"
	"restune/internal/metrics"
	"restune/internal/recovery"
	"restune/internal/registry"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the restune daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("restuned-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		Outputs:     []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.String("instance_id", uuid.NewString()))

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update restuned.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "restuned-*.log", Exclude: []string{logPath}},
	)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		logger.Error("load descriptors", logging.Error(err))
		return err
	}

	var store *recovery.Store
	if cfg.Recovery.Enabled {
		store, err = recovery.Open(cfg)
		if err != nil {
			logger.Error("open recovery store", logging.Error(err))
			return err
		}
	}

	comps, err := daemon.NewComponents(cfg, reg, store, metrics.New(), nil, logger)
	if err != nil {
		closeStore(store)
		return fmt.Errorf("build components: %w", err)
	}
	d, err := daemon.New(cfg, comps, logger)
	if err != nil {
		closeStore(store)
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.Paths.SocketPath, d,
		logging.WithComponentLevel(logger, "ipc", cfg.Logging.ComponentOverrides))
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	logger.Info("restune daemon ready",
		logging.String("socket", cfg.Paths.SocketPath),
		logging.String("metrics_bind", cfg.Paths.MetricsBind),
		logging.Int("resources", len(reg.Resources())),
		logging.Int("signals", len(reg.Signals())),
		logging.String(logging.FieldEventType, "daemon_ready"),
	)

	<-signalCtx.Done()
	logger.Info("restune daemon shutting down")
	return nil
}

// loadRegistry reads the descriptor file and freezes the registry. A missing
// file leaves the registry empty so only signals built into the engine work.
func loadRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New()
	path := cfg.Paths.DescriptorsPath
	if path != "" {
		summary, err := registry.LoadFile(path, reg)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logging.WarnWithContext(logger, "descriptor file not found", "descriptors_missing",
				logging.String("path", path),
				logging.String(logging.FieldErrorHint, "write resource descriptors to descriptors_path"),
				logging.String(logging.FieldImpact, "every tune request fails with unknown_resource"),
			)
		case err != nil:
			return nil, err
		default:
			logger.Info("descriptors loaded",
				logging.String("path", path),
				logging.Int("resources", summary.Resources),
				logging.Int("signals", summary.Signals),
				logging.String(logging.FieldEventType, "descriptors_loaded"),
			)
		}
	}
	reg.Freeze()
	return reg, nil
}

func closeStore(store *recovery.Store) {
	if store != nil {
		_ = store.Close()
	}
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "restuned.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
