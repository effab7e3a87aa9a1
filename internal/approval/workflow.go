// Package approval gates sensitive actions behind a human decision with an
// escalation reminder and a hard timeout.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/notify"
	"github.com/msageha/taskvault/internal/store"
)

var (
	ErrNoPending       = errors.New("no pending approval")
	ErrAlreadyDecided  = errors.New("approval already decided")
	ErrInvalidDecision = errors.New("decision must be approved or rejected")
)

const actor = "approval"

type Options struct {
	Timeout            time.Duration
	Escalate           time.Duration
	Channels           []string
	EscalationChannels []string
}

func OptionsFromConfig(cfg model.ApprovalConfig) Options {
	return Options{
		Timeout:            cfg.Timeout(),
		Escalate:           cfg.Escalate(),
		Channels:           cfg.Channels,
		EscalationChannels: cfg.EscalationChannels,
	}
}

// Workflow owns the approvals_pending, approvals_resolved and decisions
// collections. Records are keyed by task id, so a task has at most one
// pending request and one counted decision.
type Workflow struct {
	store    store.Store
	audit    audit.Recorder
	notifier notify.Notifier
	logger   *logging.Logger
	opts     Options
	locks    *lock.MutexMap
}

// New builds a workflow. rec and n may be nil for read/decide-only use from the CLI.
func New(s store.Store, rec audit.Recorder, n notify.Notifier, logger *logging.Logger, opts Options) *Workflow {
	return &Workflow{
		store:    s,
		audit:    rec,
		notifier: n,
		logger:   logger,
		opts:     opts,
		locks:    lock.NewMutexMap(),
	}
}

// Request opens an approval for taskID and sends the initial notification.
// Requesting again for a task that already has a pending request returns the
// existing one unchanged.
func (w *Workflow) Request(ctx context.Context, taskID, actionDescription string, now time.Time) (model.ApprovalRequest, error) {
	w.locks.Lock(taskID)
	defer w.locks.Unlock(taskID)

	existing, err := w.readPending(ctx, taskID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.ApprovalRequest{}, err
	}

	id, err := model.GenerateID(model.IDTypeApproval)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	now = now.UTC()
	req := model.ApprovalRequest{
		SchemaVersion:     1,
		FileType:          model.FileTypeApproval,
		ID:                id,
		TaskID:            taskID,
		ActionDescription: actionDescription,
		RequestedAt:       now,
		EscalateAt:        now.Add(w.opts.Escalate),
		TimeoutAt:         now.Add(w.opts.Timeout),
		Status:            model.ApprovalPending,
	}
	if err := store.CreateYAML(ctx, w.store, model.CollApprovalsPending, taskID, req); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return w.readPending(ctx, taskID)
		}
		return model.ApprovalRequest{}, fmt.Errorf("%w: create approval: %w", model.ErrPersistence, err)
	}

	if _, err := w.record(audit.Entry{
		Timestamp: now,
		EventType: "approval_requested",
		Details: map[string]any{
			"approval_id": req.ID,
			"task_id":     taskID,
			"escalate_at": req.EscalateAt.Format(time.RFC3339),
			"timeout_at":  req.TimeoutAt.Format(time.RFC3339),
		},
	}); err != nil {
		return req, err
	}

	msg := fmt.Sprintf("approval %s needed for task %s: %s (expires %s)",
		req.ID, taskID, actionDescription, req.TimeoutAt.Format(time.RFC3339))
	req.NotificationsSent = append(req.NotificationsSent, w.send(ctx, w.opts.Channels, msg, false, now)...)
	if err := store.ReplaceYAML(ctx, w.store, model.CollApprovalsPending, taskID, req); err != nil {
		return req, fmt.Errorf("%w: record notifications: %w", model.ErrPersistence, err)
	}

	w.logger.Infof("approval_requested approval=%s task=%s timeout_at=%s", req.ID, taskID, req.TimeoutAt.Format(time.RFC3339))
	return req, nil
}

// Decide records a human verdict. Only the first decision for a task counts;
// whether it beats the timeout is settled by Check.
func (w *Workflow) Decide(ctx context.Context, taskID string, status model.ApprovalStatus, decidedBy, note string, now time.Time) (model.Decision, error) {
	if status != model.ApprovalApproved && status != model.ApprovalRejected {
		return model.Decision{}, ErrInvalidDecision
	}
	if _, err := w.readPending(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Decision{}, fmt.Errorf("%w for task %s", ErrNoPending, taskID)
		}
		return model.Decision{}, err
	}

	dec := model.Decision{
		SchemaVersion: 1,
		FileType:      model.FileTypeDecision,
		TaskID:        taskID,
		Status:        status,
		DecidedBy:     decidedBy,
		Note:          note,
		DecidedAt:     now.UTC(),
	}
	if err := store.CreateYAML(ctx, w.store, model.CollDecisions, taskID, dec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return model.Decision{}, fmt.Errorf("%w for task %s", ErrAlreadyDecided, taskID)
		}
		return model.Decision{}, fmt.Errorf("%w: write decision: %w", model.ErrPersistence, err)
	}
	return dec, nil
}

// Check resolves every pending request whose decision has arrived or whose
// timeout has passed, and escalates the ones past their escalation time. It
// returns the requests it resolved.
func (w *Workflow) Check(ctx context.Context, now time.Time) ([]model.ApprovalRequest, error) {
	ids, err := store.ListAll(ctx, w.store, model.CollApprovalsPending)
	if err != nil {
		return nil, err
	}

	var resolved []model.ApprovalRequest
	for _, taskID := range ids {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		req, done, err := w.checkOne(ctx, taskID, now.UTC())
		if err != nil {
			if errors.Is(err, audit.ErrWrite) {
				return resolved, err
			}
			w.logger.Warnf("approval_check_failed task=%s error=%v", taskID, err)
			continue
		}
		if done {
			resolved = append(resolved, req)
		}
	}
	return resolved, nil
}

func (w *Workflow) checkOne(ctx context.Context, taskID string, now time.Time) (model.ApprovalRequest, bool, error) {
	if !w.locks.TryLock(taskID) {
		return model.ApprovalRequest{}, false, nil
	}
	defer w.locks.Unlock(taskID)

	req, err := w.readPending(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return req, false, nil
	}
	if err != nil {
		return req, false, err
	}

	// A terminal status still in the pending collection means a crash between
	// resolution and the move; finish the move without re-auditing.
	if model.IsApprovalTerminal(req.Status) {
		return req, true, w.finishMove(ctx, taskID)
	}

	dec, err := store.ReadYAML[model.Decision](ctx, w.store, model.CollDecisions, taskID, model.FileTypeDecision)
	switch {
	case err == nil:
		if req.TimeoutAt.Before(dec.DecidedAt) {
			return w.resolve(ctx, req, model.ApprovalExpired, &dec, now)
		}
		return w.resolve(ctx, req, dec.Status, &dec, now)
	case !errors.Is(err, store.ErrNotFound):
		return req, false, err
	}

	if !now.Before(req.TimeoutAt) {
		return w.resolve(ctx, req, model.ApprovalExpired, nil, now)
	}
	if req.EscalatedAt == nil && !now.Before(req.EscalateAt) {
		return req, false, w.escalate(ctx, req, now)
	}
	return req, false, nil
}

func (w *Workflow) resolve(ctx context.Context, req model.ApprovalRequest, status model.ApprovalStatus, dec *model.Decision, now time.Time) (model.ApprovalRequest, bool, error) {
	if err := model.ValidateApprovalTransition(req.Status, status); err != nil {
		return req, false, err
	}
	req.Status = status
	req.ResolvedAt = &now
	if dec != nil {
		decidedAt := dec.DecidedAt
		req.DecidedBy = dec.DecidedBy
		req.Note = dec.Note
		req.DecidedAt = &decidedAt
	}
	if err := store.ReplaceYAML(ctx, w.store, model.CollApprovalsPending, req.TaskID, req); err != nil {
		return req, false, fmt.Errorf("%w: resolve approval: %w", model.ErrPersistence, err)
	}

	details := map[string]any{
		"approval_id": req.ID,
		"task_id":     req.TaskID,
		"status":      string(status),
	}
	if dec != nil {
		details["decided_by"] = dec.DecidedBy
		details["decided_at"] = dec.DecidedAt.Format(time.RFC3339Nano)
	}
	if _, err := w.record(audit.Entry{Timestamp: now, EventType: "approval_resolved", Details: details}); err != nil {
		return req, false, err
	}
	if err := w.finishMove(ctx, req.TaskID); err != nil {
		return req, false, err
	}

	w.logger.Infof("approval_resolved approval=%s task=%s status=%s", req.ID, req.TaskID, status)
	return req, true, nil
}

func (w *Workflow) finishMove(ctx context.Context, taskID string) error {
	err := w.store.Move(ctx, taskID, model.CollApprovalsPending, model.CollApprovalsResolved)
	switch {
	case err == nil, errors.Is(err, store.ErrNotFound):
		return nil
	case errors.Is(err, store.ErrAlreadyExists):
		// Already resolved earlier; the pending copy is debris.
		return w.store.Delete(ctx, model.CollApprovalsPending, taskID)
	}
	return fmt.Errorf("%w: move approval: %w", model.ErrPersistence, err)
}

func (w *Workflow) escalate(ctx context.Context, req model.ApprovalRequest, now time.Time) error {
	msg := fmt.Sprintf("escalation: approval %s for task %s is still pending: %s (expires %s)",
		req.ID, req.TaskID, req.ActionDescription, req.TimeoutAt.Format(time.RFC3339))
	req.NotificationsSent = append(req.NotificationsSent, w.send(ctx, w.opts.EscalationChannels, msg, true, now)...)
	req.EscalatedAt = &now
	if err := store.ReplaceYAML(ctx, w.store, model.CollApprovalsPending, req.TaskID, req); err != nil {
		return fmt.Errorf("%w: record escalation: %w", model.ErrPersistence, err)
	}
	if _, err := w.record(audit.Entry{
		Timestamp: now,
		EventType: "approval_escalated",
		Details: map[string]any{
			"approval_id": req.ID,
			"task_id":     req.TaskID,
			"channels":    strings.Join(w.opts.EscalationChannels, ","),
		},
	}); err != nil {
		return err
	}
	w.logger.Warnf("approval_escalated approval=%s task=%s", req.ID, req.TaskID)
	return nil
}

// send notifies every channel; failures are recorded, never fatal.
func (w *Workflow) send(ctx context.Context, channels []string, msg string, escalation bool, now time.Time) []model.NotificationAttempt {
	attempts := make([]model.NotificationAttempt, 0, len(channels))
	for _, ch := range channels {
		a := model.NotificationAttempt{Channel: ch, SentAt: now, Escalation: escalation}
		if w.notifier == nil {
			a.Error = "no notifier configured"
		} else if err := w.notifier.Notify(ctx, ch, msg); err != nil {
			a.Error = err.Error()
			w.logger.Warnf("notify_failed channel=%s error=%v", ch, err)
		}
		attempts = append(attempts, a)
	}
	return attempts
}

func (w *Workflow) record(e audit.Entry) (audit.Entry, error) {
	if w.audit == nil {
		return e, nil
	}
	e.Actor = actor
	return w.audit.Record(e)
}

func (w *Workflow) readPending(ctx context.Context, taskID string) (model.ApprovalRequest, error) {
	return store.ReadYAML[model.ApprovalRequest](ctx, w.store, model.CollApprovalsPending, taskID, model.FileTypeApproval)
}

// Resolved returns the resolved request for taskID, if any.
func (w *Workflow) Resolved(ctx context.Context, taskID string) (model.ApprovalRequest, bool, error) {
	req, err := store.ReadYAML[model.ApprovalRequest](ctx, w.store, model.CollApprovalsResolved, taskID, model.FileTypeApproval)
	if errors.Is(err, store.ErrNotFound) {
		return req, false, nil
	}
	if err != nil {
		return req, false, err
	}
	return req, true, nil
}

// Get looks a request up by approval id or by task id, pending first.
func (w *Workflow) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	if strings.HasPrefix(id, string(model.IDTypeApproval)+"_") {
		for _, coll := range []string{model.CollApprovalsPending, model.CollApprovalsResolved} {
			reqs, err := w.list(ctx, coll)
			if err != nil {
				return model.ApprovalRequest{}, err
			}
			for _, r := range reqs {
				if r.ID == id {
					return r, nil
				}
			}
		}
		return model.ApprovalRequest{}, fmt.Errorf("approval %s: %w", id, store.ErrNotFound)
	}

	req, err := w.readPending(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.ReadYAML[model.ApprovalRequest](ctx, w.store, model.CollApprovalsResolved, id, model.FileTypeApproval)
	}
	return req, err
}

func (w *Workflow) ListPending(ctx context.Context) ([]model.ApprovalRequest, error) {
	return w.list(ctx, model.CollApprovalsPending)
}

// ListResolved returns resolved requests, oldest resolution first.
func (w *Workflow) ListResolved(ctx context.Context) ([]model.ApprovalRequest, error) {
	out, err := w.list(ctx, model.CollApprovalsResolved)
	if err != nil {
		return out, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Settled(), out[j].Settled()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

func (w *Workflow) list(ctx context.Context, coll string) ([]model.ApprovalRequest, error) {
	var out []model.ApprovalRequest
	for taskID, err := range w.store.List(ctx, coll) {
		if err != nil {
			return out, err
		}
		req, err := store.ReadYAML[model.ApprovalRequest](ctx, w.store, coll, taskID, model.FileTypeApproval)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, req)
	}
	return out, nil
}

// Reconcile moves requests that were resolved but never left the pending
// collection and returns their task ids.
func (w *Workflow) Reconcile(ctx context.Context) ([]string, error) {
	reqs, err := w.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	var moved []string
	for _, req := range reqs {
		if !model.IsApprovalTerminal(req.Status) {
			continue
		}
		w.locks.Lock(req.TaskID)
		err := w.finishMove(ctx, req.TaskID)
		w.locks.Unlock(req.TaskID)
		if err != nil {
			return moved, err
		}
		moved = append(moved, req.TaskID)
	}
	return moved, nil
}
