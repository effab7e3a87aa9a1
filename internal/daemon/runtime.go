package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/msageha/taskvault/internal/approval"
	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/collab"
	"github.com/msageha/taskvault/internal/events"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/metrics"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/notify"
	"github.com/msageha/taskvault/internal/orchestrator"
	"github.com/msageha/taskvault/internal/scheduler"
	"github.com/msageha/taskvault/internal/scoring"
	"github.com/msageha/taskvault/internal/setup"
	"github.com/msageha/taskvault/internal/source"
	"github.com/msageha/taskvault/internal/store"
)

// Runtime is the wired set of components behind one vault. The daemon owns
// one for its lifetime; CLI commands open a short-lived one under the vault
// lock when no daemon is running.
type Runtime struct {
	Layout    setup.Layout
	Config    model.Config
	Store     store.Store
	Audit     *audit.Logger
	Reader    *audit.Reader
	Metrics   *metrics.Recorder
	Bus       *events.Bus
	Notifier  *notify.Router
	Policy    approval.Policy
	Approvals *approval.Workflow
	Engine    *orchestrator.Engine
	Scheduler *scheduler.Scheduler
	Inbox     *source.Inbox

	now func() time.Time
}

// OpenRuntime builds every component for layout. Close releases them.
func OpenRuntime(layout setup.Layout, cfg model.Config, logger *logging.Logger) (*Runtime, error) {
	rt := &Runtime{
		Layout: layout,
		Config: cfg,
		Reader: audit.NewReader(layout.AuditLog()),
		Bus:    events.NewBus(0),
		Policy: approval.PolicyFromConfig(cfg.Approval),
		now:    time.Now,
	}

	var err error
	if rt.Store, err = store.Open(layout.Root, cfg.Store); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if rt.Audit, err = audit.Open(layout.AuditLog(), cfg.Audit.MaxSizeBytes); err != nil {
		_ = rt.Store.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if rt.Metrics, err = metrics.New(cfg.Metrics.Enabled); err != nil {
		rt.closeQuietly()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	rt.Notifier = NewNotifier(cfg.Notify, logger.With("notify"))
	for _, ch := range append(append([]string(nil), cfg.Approval.Channels...), cfg.Approval.EscalationChannels...) {
		if !rt.Notifier.Has(ch) {
			logger.Warnf("notify_channel_unavailable channel=%s", ch)
		}
	}

	planner, executor, err := NewCollaborators(cfg.Collaborators, rt.Policy)
	if err != nil {
		rt.closeQuietly()
		return nil, err
	}

	rt.Approvals = approval.New(rt.Store, rt.Audit, rt.Notifier, logger.With("approval"), approval.OptionsFromConfig(cfg.Approval))
	rt.Engine = orchestrator.New(orchestrator.Deps{
		Store:       rt.Store,
		Audit:       rt.Audit,
		AuditReader: rt.Reader,
		Scorer:      scoring.New(cfg.Scoring.MaxContentBytes, nil),
		Planner:     planner,
		Executor:    executor,
		Approvals:   rt.Approvals,
		Policy:      rt.Policy,
		Metrics:     rt.Metrics,
		Bus:         rt.Bus,
		Logger:      logger.With("orchestrator"),
	}, orchestrator.OptionsFromConfig(cfg))
	rt.Scheduler = scheduler.New(rt.Store, rt.Audit, scheduler.AdmitHandler(rt.Engine), rt.Metrics,
		logger.With("scheduler"), scheduler.OptionsFromConfig(cfg))
	if rt.Inbox, err = source.NewInbox(layout.Inbox(), layout.Root, rt.Engine, logger.With("inbox")); err != nil {
		rt.closeQuietly()
		return nil, err
	}
	return rt, nil
}

// NewNotifier registers the log channel and every channel cfg enables.
func NewNotifier(cfg model.NotifyConfig, logger *logging.Logger) *notify.Router {
	r := notify.NewRouter()
	r.Register("log", notify.NewLog(logger))
	if cfg.Desktop {
		r.Register("desktop", notify.Desktop{Title: "taskvault"})
	}
	if cfg.Webhook.URL != "" {
		r.Register("webhook", notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout()))
	}
	if cfg.Telegram.TokenEnv != "" && cfg.Telegram.ChatID != 0 {
		if token := os.Getenv(cfg.Telegram.TokenEnv); token != "" {
			r.Register("telegram", notify.NewTelegram(token, cfg.Telegram.ChatID))
		} else {
			logger.Warnf("telegram_disabled reason=\"%s is not set\"", cfg.Telegram.TokenEnv)
		}
	}
	return r
}

// NewCollaborators returns command-backed collaborators where a command is
// configured and the built-in ones otherwise.
func NewCollaborators(cfg model.CollaboratorsConfig, policy approval.Policy) (collab.Planner, collab.Executor, error) {
	var (
		planner  collab.Planner  = collab.TemplatePlanner{Sensitive: policy.Sensitive}
		executor collab.Executor = collab.NoopExecutor{}
	)
	if len(cfg.Planner.Command) > 0 {
		p, err := collab.NewCommandPlanner(cfg.Planner, policy.Sensitive)
		if err != nil {
			return nil, nil, err
		}
		planner = p
	}
	if len(cfg.Executor.Command) > 0 {
		x, err := collab.NewCommandExecutor(cfg.Executor)
		if err != nil {
			return nil, nil, err
		}
		executor = x
	}
	return planner, executor, nil
}

// SetClock points every time-dependent component at now.
func (rt *Runtime) SetClock(now func() time.Time) {
	rt.now = now
	rt.Audit.SetClock(now)
	rt.Engine.SetClock(now)
}

func (rt *Runtime) Close(ctx context.Context) error {
	rt.Bus.Close()
	var errs []error
	if err := rt.Metrics.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
	}
	if err := rt.Audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit log: %w", err))
	}
	if err := rt.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func (rt *Runtime) closeQuietly() {
	if rt.Metrics != nil {
		_ = rt.Metrics.Shutdown(context.Background())
	}
	_ = rt.Audit.Close()
	_ = rt.Store.Close()
}

// WithLocalRuntime runs fn against a runtime opened under the daemon lock, so
// it never races a running daemon. It fails with lock.ErrLocked when one is
// running.
func WithLocalRuntime(ctx context.Context, layout setup.Layout, cfg model.Config, logger *logging.Logger, fn func(*Runtime) error) error {
	fl := lock.NewFileLock(layout.DaemonLock())
	if err := fl.TryLock(); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	rt, err := OpenRuntime(layout, cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(rt)
	if err := rt.Close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
