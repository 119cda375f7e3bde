// Package daemon wires the subsystems into a long-running process: the
// dispatch queue, scheduler, snapshot store, diff engine, and HTTP API.
// Scan results flow through one pipeline: execution completes, a
// snapshot is recorded, and the diff against the previous snapshot is
// delivered to registered observers.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/TakashiAihara/nmapper-sub001/internal/api"
	"github.com/TakashiAihara/nmapper-sub001/internal/config"
	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/diff"
	"github.com/TakashiAihara/nmapper-sub001/internal/dispatch"
	"github.com/TakashiAihara/nmapper-sub001/internal/logging"
	"github.com/TakashiAihara/nmapper-sub001/internal/metrics"
	"github.com/TakashiAihara/nmapper-sub001/internal/scanning"
	"github.com/TakashiAihara/nmapper-sub001/internal/scheduler"
	"github.com/TakashiAihara/nmapper-sub001/internal/storage"
)

const pidFilePermissions = 0o644

// SnapshotFunc observes every snapshot recorded from a successful scan.
type SnapshotFunc func(*devices.NetworkSnapshot)

// DiffFunc observes the diff between each new snapshot and its
// predecessor. It is not called for the first snapshot.
type DiffFunc func(*diff.SnapshotDiff)

// Daemon is the composed long-running service.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  *logging.Logger
	metrics *metrics.Metrics

	store     *storage.Store
	queue     *dispatch.Queue
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	differ    *diff.Engine
	executor  *scanning.NmapExecutor

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	onSnapshot  []SnapshotFunc
	onDiff      []DiffFunc
	lastSnap    *devices.NetworkSnapshot
	pidFilePath string
}

// New creates a daemon from validated configuration.
func New(cfg *config.Config, version string) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		cfg:     cfg,
		version: version,
		logger:  logging.Default().WithComponent("daemon"),
		metrics: metrics.New(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// OnSnapshot registers an observer for recorded snapshots. Observers
// must be registered before Start.
func (d *Daemon) OnSnapshot(fn SnapshotFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSnapshot = append(d.onSnapshot, fn)
}

// OnDiff registers an observer for snapshot diffs. Observers must be
// registered before Start.
func (d *Daemon) OnDiff(fn DiffFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDiff = append(d.onDiff, fn)
}

// Start brings up all subsystems and blocks until shutdown completes.
func (d *Daemon) Start() error {
	if err := d.cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	d.logger.Info("starting daemon", "version", d.version)

	if d.cfg.Daemon.WorkDir != "" {
		if err := os.MkdirAll(d.cfg.Daemon.WorkDir, 0o755); err != nil {
			return fmt.Errorf("failed to create working directory: %w", err)
		}
		if err := os.Chdir(d.cfg.Daemon.WorkDir); err != nil {
			return fmt.Errorf("failed to change to working directory: %w", err)
		}
	}
	if err := d.createPIDFile(); err != nil {
		return err
	}

	if d.cfg.Storage.Database != "" {
		store, err := storage.Connect(d.ctx, d.cfg.Storage, d.metrics)
		if err != nil {
			d.cleanup()
			return err
		}
		d.store = store
	} else {
		d.logger.Warn("no database configured, snapshots will not be persisted")
	}

	d.differ = diff.NewEngine(d.metrics)

	d.executor = scanning.NewNmapExecutor(
		scanning.EnrichersFromConfig(d.cfg.Scanning.Enrichment)...)

	d.queue = dispatch.NewQueue(dispatch.Config{
		MaxConcurrent:  d.cfg.Scanning.MaxConcurrentScans,
		MaxQueueSize:   d.cfg.Scanning.MaxQueueSize,
		DefaultTimeout: d.cfg.Scanning.DefaultTimeout,
		HistorySize:    d.cfg.Scanning.HistorySize,
	}, d.executor, d.handleCompletion, d.metrics)

	var schedStore scheduler.Store
	if d.store != nil {
		schedStore = d.store
	}
	d.scheduler = scheduler.New(d.cfg.Scanning, d.queue, schedStore, d.metrics)
	if err := d.scheduler.Start(d.ctx); err != nil {
		d.cleanup()
		return err
	}

	if d.cfg.API.Enabled {
		d.apiServer = api.New(d.cfg.API, d.queue, d.scheduler, d.store,
			d.differ, d.metrics, d.version)
		go func() {
			if err := d.apiServer.Start(d.ctx); err != nil {
				d.logger.Error("API server error", "error", err.Error())
				d.cancel()
			}
		}()
	}

	d.setupSignalHandlers()
	d.logger.Info("daemon started")

	<-d.ctx.Done()
	d.shutdown()
	close(d.done)
	return nil
}

// Stop initiates shutdown and waits for it to complete.
func (d *Daemon) Stop() {
	d.cancel()
	select {
	case <-d.done:
	case <-time.After(d.cfg.Daemon.ShutdownTimeout + 5*time.Second):
		d.logger.Error("shutdown wait timed out")
	}
}

// handleCompletion is the single result pipeline: every successful
// execution becomes a snapshot, and each snapshot is diffed against its
// predecessor before observers are notified.
func (d *Daemon) handleCompletion(exec *dispatch.Execution) {
	if d.metrics != nil {
		status := "success"
		if !exec.Success {
			status = "failure"
		}
		d.metrics.RecordScan(string(exec.Request.Profile), status,
			exec.Duration(), exec.DevicesFound())
	}
	if !exec.Success {
		return
	}

	snap := devices.NewSnapshot(exec.Devices, devices.ScanMetadata{
		ScanType: exec.Request.Profile,
		Duration: exec.Duration(),
	})
	d.recordSnapshot(snap)
}

func (d *Daemon) recordSnapshot(snap *devices.NetworkSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var previous *devices.NetworkSnapshot
	if d.store != nil {
		if err := d.store.SaveSnapshot(ctx, snap); err != nil {
			d.logger.Error("failed to persist snapshot",
				"snapshot_id", snap.ID.String(),
				"error", err.Error())
		}
		prev, err := d.store.PreviousSnapshot(ctx, snap)
		if err == nil {
			previous = prev
		}
		if d.cfg.Scanning.HistorySize > 0 {
			if _, err := d.store.PruneSnapshots(ctx, d.cfg.Scanning.HistorySize); err != nil {
				d.logger.Warn("snapshot pruning failed", "error", err.Error())
			}
		}
	} else {
		d.mu.Lock()
		previous = d.lastSnap
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.lastSnap = snap
	snapshotObservers := append([]SnapshotFunc(nil), d.onSnapshot...)
	diffObservers := append([]DiffFunc(nil), d.onDiff...)
	d.mu.Unlock()

	for _, fn := range snapshotObservers {
		fn(snap)
	}

	if previous == nil {
		return
	}
	result, err := d.differ.Compute(previous, snap)
	if err != nil {
		d.logger.Error("failed to compute snapshot diff",
			"snapshot_id", snap.ID.String(),
			"error", err.Error())
		return
	}
	if result.Summary.TotalChanges > 0 {
		d.logger.Info("network changed",
			"devices_added", result.Summary.DevicesAdded,
			"devices_removed", result.Summary.DevicesRemoved,
			"devices_changed", result.Summary.DevicesChanged,
			"total_changes", result.Summary.TotalChanges)
	}
	for _, fn := range diffObservers {
		fn(result)
	}
}

// shutdown stops subsystems in dependency order: no new firings, then
// drain in-flight scans, then release storage.
func (d *Daemon) shutdown() {
	d.logger.Info("shutting down")

	d.scheduler.Stop()
	if d.apiServer != nil {
		if err := d.apiServer.Stop(); err != nil {
			d.logger.Error("API server shutdown error", "error", err.Error())
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(),
		d.cfg.Daemon.ShutdownTimeout)
	defer cancel()
	if err := d.queue.Stop(drainCtx); err != nil {
		d.logger.Warn("dispatch queue did not drain in time",
			"error", err.Error())
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error("failed to close storage", "error", err.Error())
		}
	}
	d.cleanup()
	d.logger.Info("daemon stopped")
}

func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-d.ctx.Done():
				signal.Stop(sigChan)
				return
			case sig := <-sigChan:
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					d.logger.Info("received shutdown signal", "signal", sig.String())
					d.cancel()
					return
				case syscall.SIGHUP:
					d.logger.Info("received SIGHUP, reloading configuration")
					d.reloadConfiguration()
				}
			}
		}
	}()
}

// reloadConfiguration re-reads the config file and applies the settings
// that can change at runtime. Structural settings such as the queue
// size require a restart and are logged when they differ.
func (d *Daemon) reloadConfiguration() {
	if d.cfg.Path == "" {
		d.logger.Warn("no config file to reload")
		return
	}
	fresh, err := config.Load(d.cfg.Path)
	if err != nil {
		d.logger.Error("configuration reload failed", "error", err.Error())
		return
	}
	if err := fresh.Validate(); err != nil {
		d.logger.Error("reloaded configuration is invalid", "error", err.Error())
		return
	}

	if fresh.Logging.Level != d.cfg.Logging.Level {
		logger, logErr := logging.New(fresh.Logging)
		if logErr == nil {
			logging.SetDefault(logger)
			d.logger = logging.Default().WithComponent("daemon")
			d.logger.Info("log level changed", "level", fresh.Logging.Level)
		}
	}
	if fresh.Scanning.MaxConcurrentScans != d.cfg.Scanning.MaxConcurrentScans ||
		fresh.Scanning.MaxQueueSize != d.cfg.Scanning.MaxQueueSize {
		d.logger.Warn("queue sizing changes require a restart")
	}

	d.cfg.Scanning.Retry = fresh.Scanning.Retry
	d.cfg.Scanning.Enrichment = fresh.Scanning.Enrichment
	if d.scheduler != nil {
		d.scheduler.SetRetryPolicy(fresh.Scanning.Retry)
	}
	if d.executor != nil {
		d.executor.SetEnrichers(scanning.EnrichersFromConfig(fresh.Scanning.Enrichment)...)
	}
	d.logger.Info("configuration reloaded")
}

func (d *Daemon) createPIDFile() error {
	if d.cfg.Daemon.PIDFile == "" {
		return nil
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.cfg.Daemon.PIDFile, []byte(pid+"\n"), pidFilePermissions); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	d.pidFilePath = d.cfg.Daemon.PIDFile
	return nil
}

func (d *Daemon) cleanup() {
	if d.pidFilePath != "" {
		if err := os.Remove(d.pidFilePath); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("failed to remove PID file", "error", err.Error())
		}
		d.pidFilePath = ""
	}
}
