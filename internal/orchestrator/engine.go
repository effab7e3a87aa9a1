// Package orchestrator is the task state machine: it admits events, moves
// tasks through scoring, planning, approval and execution, and repairs the
// store after a crash.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/taskvault/internal/approval"
	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/collab"
	"github.com/msageha/taskvault/internal/events"
	"github.com/msageha/taskvault/internal/ledger"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/metrics"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/scoring"
	"github.com/msageha/taskvault/internal/store"
)

const actor = "orchestrator"

// errClaimLost means another worker moved the task first.
var errClaimLost = errors.New("claim lost")

var ErrNotArchivable = errors.New("only failed tasks can be archived")

// Deps are the collaborators the engine drives. AuditReader is only needed by
// Reconcile; Metrics and Bus may be nil.
type Deps struct {
	Store       store.Store
	Audit       audit.Recorder
	AuditReader *audit.Reader
	Scorer      *scoring.Scorer
	Planner     collab.Planner
	Executor    collab.Executor
	Approvals   *approval.Workflow
	Policy      approval.Policy
	Metrics     *metrics.Recorder
	Bus         *events.Bus
	Logger      *logging.Logger
}

type Options struct {
	PlanningMaxRetries int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
}

func OptionsFromConfig(cfg model.Config) Options {
	return Options{
		PlanningMaxRetries: cfg.Planning.MaxRetries,
		BackoffBase:        cfg.Retry.Base(),
		BackoffCap:         cfg.Retry.Cap(),
	}
}

type Engine struct {
	store     store.Store
	audit     audit.Recorder
	reader    *audit.Reader
	ledger    *ledger.Ledger
	scorer    *scoring.Scorer
	planner   collab.Planner
	executor  collab.Executor
	approvals *approval.Workflow
	policy    approval.Policy
	metrics   *metrics.Recorder
	bus       *events.Bus
	logger    *logging.Logger
	opts      Options

	locks *lock.MutexMap
	// passMu keeps Step and Reconcile from interleaving.
	passMu sync.Mutex
	now    func() time.Time
}

func New(d Deps, opts Options) *Engine {
	return &Engine{
		store:     d.Store,
		audit:     d.Audit,
		reader:    d.AuditReader,
		ledger:    ledger.New(d.Store),
		scorer:    d.Scorer,
		planner:   d.Planner,
		executor:  d.Executor,
		approvals: d.Approvals,
		policy:    d.Policy,
		metrics:   d.Metrics,
		bus:       d.Bus,
		logger:    d.Logger,
		opts:      opts,
		locks:     lock.NewMutexMap(),
		now:       time.Now,
	}
}

// SetClock replaces the time source; tests drive timeouts and backoff with it.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// Admit creates an intake task for ev unless the same (source, external id)
// was admitted before, in which case it returns the existing task id.
func (e *Engine) Admit(ctx context.Context, ev model.Event) (model.Admission, error) {
	if ev.Source == "" || ev.ExternalID == "" {
		return model.Admission{}, fmt.Errorf("%w: source and external_id are required", model.ErrTransientIngest)
	}
	taskID, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return model.Admission{}, err
	}
	now := e.clock()

	res, err := e.ledger.Admit(ctx, ev, taskID, now)
	if err != nil {
		return model.Admission{}, err
	}
	if !res.Admitted {
		e.metrics.TaskDuplicate(ctx)
		e.logger.Infof("admission_duplicate source=%s external_id=%s task=%s", ev.Source, ev.ExternalID, res.TaskID)
		return model.Admission{TaskID: res.TaskID, Admitted: false}, nil
	}

	if err := e.materialize(ctx, res.Entry, false); err != nil {
		return model.Admission{}, err
	}
	e.metrics.TaskAdmitted(ctx)
	e.bus.Publish(events.EventTaskAdmitted, map[string]any{"task_id": taskID})
	e.logger.Infof("admitted task=%s source=%s external_id=%s", taskID, ev.Source, ev.ExternalID)
	return model.Admission{TaskID: taskID, Admitted: true}, nil
}

// materialize writes the intake record for a ledger entry and its
// task_created audit entry.
func (e *Engine) materialize(ctx context.Context, entry model.LedgerEntry, reconciled bool) error {
	task := model.TaskRecord{
		SchemaVersion: 1,
		FileType:      model.FileTypeTask,
		ID:            entry.TaskID,
		Source:        entry.Source,
		ExternalID:    entry.ExternalID,
		CreatedAt:     entry.AdmittedAt,
		UpdatedAt:     entry.AdmittedAt,
		Status:        model.TaskIntake,
		Revision:      1,
		Content:       entry.Event.Content,
		Metadata:      entry.Event.Metadata,
	}
	if err := store.CreateYAML(ctx, e.store, model.CollectionFor(model.TaskIntake), task.ID, task); err != nil {
		return fmt.Errorf("%w: create task %s: %w", model.ErrPersistence, task.ID, err)
	}
	details := map[string]any{
		"revision":    1,
		"source":      entry.Source,
		"external_id": entry.ExternalID,
	}
	if reconciled {
		details["reconciled"] = true
	}
	_, err := e.record(audit.Entry{
		Timestamp: e.clock(),
		EventType: "task_created",
		TaskID:    task.ID,
		Details:   details,
	})
	return err
}

// transition moves task to status to, bumps its revision and audits the edge.
// The caller holds the task's lock. mutate, if set, edits the record before it
// is written.
//
// The record is rewritten with its target state in the source collection
// first and moved second, so a crash in between leaves a record that already
// carries everything the move would have published; Reconcile finishes it.
func (e *Engine) transition(ctx context.Context, task *model.TaskRecord, to model.TaskStatus, mutate func(*model.TaskRecord), details map[string]any) error {
	from := task.Status
	if err := model.ValidateTaskTransition(from, to); err != nil {
		return err
	}

	now := e.clock()
	next := *task
	next.PrevStatus = from
	next.Status = to
	next.Revision++
	next.UpdatedAt = now
	if mutate != nil {
		mutate(&next)
	}

	err := store.ReplaceYAML(ctx, e.store, model.CollectionFor(from), task.ID, next)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errClaimLost
	case err != nil:
		return fmt.Errorf("%w: write %s before move: %w", model.ErrPersistence, task.ID, err)
	}
	err = e.store.Move(ctx, task.ID, model.CollectionFor(from), model.CollectionFor(to))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errClaimLost
	case err != nil:
		return fmt.Errorf("%w: move %s %s→%s: %w", model.ErrPersistence, task.ID, from, to, err)
	}
	*task = next

	d := map[string]any{
		"from":     string(from),
		"to":       string(to),
		"revision": task.Revision,
	}
	for k, v := range details {
		d[k] = v
	}
	if _, err := e.record(audit.Entry{
		Timestamp: now,
		EventType: "task_transition",
		TaskID:    task.ID,
		Details:   d,
	}); err != nil {
		return err
	}

	e.metrics.Transition(ctx, string(from), string(to))
	e.bus.Publish(events.EventTaskTransition, map[string]any{
		"task_id": task.ID,
		"from":    string(from),
		"to":      string(to),
	})
	e.logger.Infof("transition task=%s from=%s to=%s revision=%d", task.ID, from, to, task.Revision)

	if model.IsTaskTerminal(to) {
		if err := e.retirePlans(ctx, task.ID, ""); err != nil {
			e.logger.Warnf("plan_retire_failed task=%s error=%v", task.ID, err)
		}
	}
	return nil
}

func (e *Engine) record(entry audit.Entry) (audit.Entry, error) {
	entry.Actor = actor
	return e.audit.Record(entry)
}

func (e *Engine) readTask(ctx context.Context, status model.TaskStatus, id string) (model.TaskRecord, error) {
	return store.ReadYAML[model.TaskRecord](ctx, e.store, model.CollectionFor(status), id, model.FileTypeTask)
}

// Get returns the current record of taskID wherever it is.
func (e *Engine) Get(ctx context.Context, taskID string) (model.TaskRecord, error) {
	coll, err := store.Locate(ctx, e.store, taskID, model.StateCollections()...)
	if err != nil {
		return model.TaskRecord{}, err
	}
	return store.ReadYAML[model.TaskRecord](ctx, e.store, coll, taskID, model.FileTypeTask)
}

// List returns every task in status, highest priority first.
func (e *Engine) List(ctx context.Context, status model.TaskStatus) ([]model.TaskRecord, error) {
	var tasks []model.TaskRecord
	for id, err := range e.store.List(ctx, model.CollectionFor(status)) {
		if err != nil {
			return tasks, err
		}
		t, err := e.readTask(ctx, status, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	sortByPriority(tasks)
	return tasks, nil
}

func sortByPriority(tasks []model.TaskRecord) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].PriorityScore != tasks[j].PriorityScore {
			return tasks[i].PriorityScore > tasks[j].PriorityScore
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// Archive moves a failed task to archived on operator request.
func (e *Engine) Archive(ctx context.Context, taskID, reason string) (model.TaskRecord, error) {
	e.locks.Lock(taskID)
	defer e.locks.Unlock(taskID)

	task, err := e.readTask(ctx, model.TaskFailed, taskID)
	if errors.Is(err, store.ErrNotFound) {
		if current, gerr := e.Get(ctx, taskID); gerr == nil {
			return current, fmt.Errorf("%w: %s is %s", ErrNotArchivable, taskID, current.Status)
		}
		return task, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	if err != nil {
		return task, err
	}
	if reason == "" {
		reason = "archived by operator"
	}
	err = e.transition(ctx, &task, model.TaskArchived, func(t *model.TaskRecord) {
		t.Reason = reason
	}, map[string]any{"reason": reason})
	if errors.Is(err, errClaimLost) {
		return task, fmt.Errorf("task %s moved concurrently: %w", taskID, store.ErrNotFound)
	}
	return task, err
}
