// Package daemon runs the taskvault pipeline in the background: it holds the
// vault lock, drives the orchestrator and scheduler on timers, watches the
// inbox and serves CLI requests over a Unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/events"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/setup"
	"github.com/msageha/taskvault/internal/uds"
)

type Daemon struct {
	layout  setup.Layout
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	rt       *Runtime

	// kick asks the pipeline loop for an immediate pass.
	kick chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once
	done     chan struct{}
}

// New creates a daemon logging to the vault's daemon.log.
func New(layout setup.Layout, cfg model.Config) (*Daemon, error) {
	logPath := layout.DaemonLog()
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(layout, cfg, logFile, logFile), nil
}

func newDaemon(layout setup.Layout, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level))
	return &Daemon{
		layout:   layout,
		config:   cfg,
		logger:   logger.With("daemon"),
		logFile:  closer,
		fileLock: lock.NewFileLock(layout.DaemonLock()),
		server:   uds.NewServer(layout.Socket(), logger.With("uds")),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Run starts the daemon and blocks until a signal or a shutdown request stops
// it. A second signal exits immediately.
func (d *Daemon) Run() error {
	go d.waitSignals()
	return d.run()
}

func (d *Daemon) run() error {
	defer close(d.done)
	defer d.closeLog()

	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer func() { _ = d.fileLock.Unlock() }()
	d.logger.Infof("daemon_starting pid=%d vault=%s backend=%s", os.Getpid(), d.layout.Root, d.config.Store.Backend)

	rt, err := OpenRuntime(d.layout, d.config, d.logger.With("runtime"))
	if err != nil {
		return err
	}
	d.rt = rt
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			d.logger.Errorf("runtime_close_failed error=%v", err)
		}
	}()

	repairs, err := rt.Engine.Reconcile(d.ctx)
	if err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	d.logger.Infof("startup_reconcile repairs=%d", len(repairs))

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", d.layout.Socket())

	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error { return d.pipelineLoop(gctx) })
	g.Go(func() error { return d.schedulerLoop(gctx) })
	g.Go(func() error { return rt.Inbox.Run(gctx) })
	d.logger.Infof("daemon_ready")

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	<-gctx.Done()
	d.Shutdown()
	d.server.Stop()

	timeout := d.config.Daemon.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case err = <-waitErr:
		d.logger.Infof("all loops drained")
	case <-time.After(timeout):
		d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		err = nil
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		d.logger.Errorf("daemon_stopped error=%v", err)
		return err
	}
	d.logger.Infof("daemon_stopped")
	return nil
}

// pipelineLoop runs an engine pass on every tick, on every kick and whenever
// an admission, transition or approval resolution may have unblocked work.
// Ticks also rescan the inbox for files the watcher left behind.
func (d *Daemon) pipelineLoop(ctx context.Context) error {
	interval := d.config.Polling.Interval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wake, unsubscribe := d.rt.Bus.Wake(events.EventTaskAdmitted, events.EventTaskTransition, events.EventApprovalResolved)
	defer unsubscribe()

	for {
		if err := d.step(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.rescan(ctx); err != nil {
				return err
			}
		case <-d.kick:
		case <-wake:
		}
	}
}

// rescan picks up inbox files that were unsettled when the watcher saw them
// or whose admission failed.
func (d *Daemon) rescan(ctx context.Context) error {
	n, err := d.rt.Inbox.Scan(ctx)
	if err != nil {
		if fatal(ctx, err) {
			d.logger.Errorf("inbox_rescan_fatal error=%v", err)
			return err
		}
		d.logger.Warnf("inbox_rescan_failed error=%v", err)
		return nil
	}
	if n > 0 {
		d.logger.Infof("inbox_rescan admitted=%d", n)
	}
	return nil
}

func (d *Daemon) step(ctx context.Context) error {
	rep, err := d.rt.Engine.Step(ctx)
	if err != nil {
		if fatal(ctx, err) {
			d.logger.Errorf("pipeline_fatal error=%v", err)
			return err
		}
		d.logger.Warnf("pipeline_pass_failed error=%v", err)
		return nil
	}
	if n := rep.Total(); n > 0 || rep.ApprovalsResolved > 0 || rep.Errors > 0 {
		d.logger.Infof("pipeline_pass transitions=%d approvals_resolved=%d errors=%d",
			n, rep.ApprovalsResolved, rep.Errors)
	}
	return nil
}

func (d *Daemon) schedulerLoop(ctx context.Context) error {
	interval := d.config.Scheduler.Tick()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			fired, err := d.rt.Scheduler.Tick(ctx, now)
			if err != nil {
				if fatal(ctx, err) {
					d.logger.Errorf("scheduler_fatal error=%v", err)
					return err
				}
				d.logger.Warnf("scheduler_tick_failed error=%v", err)
			}
			if fired > 0 {
				d.logger.Infof("scheduler_tick fired=%d", fired)
			}
		}
	}
}

// fatal reports whether err must stop the daemon. Cancellation is a normal
// stop; an audit write failure leaves transitions unrecorded and is fatal.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, audit.ErrWrite)
}

// Kick requests an immediate pipeline pass without blocking.
func (d *Daemon) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-d.done:
		return
	}
	d.Shutdown()

	select {
	case <-sigCh:
		d.logger.Warnf("received second signal, forcing exit")
		os.Exit(1)
	case <-d.done:
	}
}

// Shutdown stops the loops; Run returns once they drain. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")
		d.cancel()
	})
}

// Done is closed when Run has returned.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
