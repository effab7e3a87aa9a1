package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/events"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/store"
)

// StepReport counts what one Step did. Transitions are keyed "from->to".
type StepReport struct {
	Transitions       map[string]int `json:"transitions"`
	ApprovalsResolved int            `json:"approvals_resolved"`
	Errors            int            `json:"errors"`

	mu sync.Mutex
}

func (r *StepReport) count(from, to model.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Transitions == nil {
		r.Transitions = make(map[string]int)
	}
	r.Transitions[string(from)+"->"+string(to)]++
}

func (r *StepReport) failed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors++
}

// Total is the number of transitions made.
func (r *StepReport) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Transitions {
		n += c
	}
	return n
}

// Step runs one pass of the pipeline: approval timers first, then every
// stage concurrently. Only fatal errors (audit write failures, cancellation)
// are returned; per-task failures are logged and counted.
func (e *Engine) Step(ctx context.Context) (*StepReport, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	rep := &StepReport{}
	now := e.clock()

	resolved, err := e.approvals.Check(ctx, now)
	if err != nil {
		return rep, err
	}
	for _, req := range resolved {
		rep.ApprovalsResolved++
		e.metrics.ApprovalResolved(ctx, string(req.Status))
		e.bus.Publish(events.EventApprovalResolved, map[string]any{
			"task_id":     req.TaskID,
			"approval_id": req.ID,
			"status":      string(req.Status),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.stage(gctx, rep, model.TaskIntake, e.scoreTask) })
	g.Go(func() error { return e.claimScored(gctx, rep) })
	g.Go(func() error { return e.stage(gctx, rep, model.TaskPlanning, e.retryPlanning) })
	g.Go(func() error { return e.stage(gctx, rep, model.TaskAwaitingApproval, e.consumeApproval) })
	g.Go(func() error { return e.stage(gctx, rep, model.TaskExecuting, e.resumeExecution) })
	return rep, g.Wait()
}

type taskFunc func(ctx context.Context, rep *StepReport, task *model.TaskRecord) error

// stage applies fn to every task in status that no other worker holds.
func (e *Engine) stage(ctx context.Context, rep *StepReport, status model.TaskStatus, fn taskFunc) error {
	ids, err := store.ListAll(ctx, e.store, model.CollectionFor(status))
	if err != nil {
		return fmt.Errorf("list %s: %w", status, err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.withTask(ctx, rep, status, id, fn); err != nil {
			return err
		}
	}
	return nil
}

// withTask locks id, re-reads it from status and runs fn. It returns only
// fatal errors.
func (e *Engine) withTask(ctx context.Context, rep *StepReport, status model.TaskStatus, id string, fn taskFunc) error {
	if !e.locks.TryLock(id) {
		return nil
	}
	defer e.locks.Unlock(id)

	task, err := e.readTask(ctx, status, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err == nil && task.Status != status {
		// Written for its next state but never moved; Reconcile finishes it.
		e.logger.Debugf("stage_skip task=%s collection=%s status=%s", id, status, task.Status)
		return nil
	}
	if err == nil {
		err = fn(ctx, rep, &task)
	}
	return e.triage(rep, status, id, err)
}

func (e *Engine) triage(rep *StepReport, status model.TaskStatus, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errClaimLost):
		e.logger.Debugf("claim_lost task=%s status=%s", id, status)
		return nil
	case errors.Is(err, audit.ErrWrite), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	rep.failed()
	e.logger.Errorf("stage_failed task=%s status=%s error=%v", id, status, err)
	return nil
}

// scoreTask: intake → scored, or intake → archived when the content cannot be scored.
func (e *Engine) scoreTask(ctx context.Context, rep *StepReport, task *model.TaskRecord) error {
	score, err := e.scorer.Score(task.Content, task.Metadata)
	if err != nil {
		if !errors.Is(err, model.ErrMalformedContent) {
			return err
		}
		reason := "unscorable content: " + err.Error()
		if err := e.transition(ctx, task, model.TaskArchived, func(t *model.TaskRecord) {
			t.Reason = reason
			t.LastError = err.Error()
		}, map[string]any{"reason": reason}); err != nil {
			return err
		}
		rep.count(model.TaskIntake, model.TaskArchived)
		return nil
	}

	if err := e.transition(ctx, task, model.TaskScored, func(t *model.TaskRecord) {
		t.PriorityScore = score
	}, map[string]any{"priority_score": score}); err != nil {
		return err
	}
	rep.count(model.TaskIntake, model.TaskScored)
	return nil
}

// claimScored moves scored tasks into planning, highest priority first, and
// plans each one while still holding its lock.
func (e *Engine) claimScored(ctx context.Context, rep *StepReport) error {
	tasks, err := e.List(ctx, model.TaskScored)
	if err != nil {
		return fmt.Errorf("list scored: %w", err)
	}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.withTask(ctx, rep, model.TaskScored, t.ID, func(ctx context.Context, rep *StepReport, task *model.TaskRecord) error {
			if err := e.transition(ctx, task, model.TaskPlanning, nil, nil); err != nil {
				return err
			}
			rep.count(model.TaskScored, model.TaskPlanning)
			return e.plan(ctx, rep, task)
		}); err != nil {
			return err
		}
	}
	return nil
}

// retryPlanning picks up planning tasks whose next attempt is due, including
// ones a crash left behind.
func (e *Engine) retryPlanning(ctx context.Context, rep *StepReport, task *model.TaskRecord) error {
	if task.NextAttemptAt != nil && e.clock().Before(*task.NextAttemptAt) {
		return nil
	}
	return e.plan(ctx, rep, task)
}

// plan asks the planner for a plan. Failures back off and retry until the
// attempt budget is spent, then the task fails.
func (e *Engine) plan(ctx context.Context, rep *StepReport, task *model.TaskRecord) error {
	res, err := e.planner.GeneratePlan(ctx, task.Content, task.Metadata)
	if err == nil && len(res.Steps) == 0 {
		err = fmt.Errorf("%w: planner returned no steps", model.ErrPlanningFailure)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.planningFailed(ctx, rep, task, err)
	}

	now := e.clock()
	planID, err := model.GenerateID(model.IDTypePlan)
	if err != nil {
		return err
	}
	plan := model.PlanRecord{
		SchemaVersion:     1,
		FileType:          model.FileTypePlan,
		ID:                planID,
		TaskID:            task.ID,
		Steps:             res.Steps,
		RequiresApproval:  res.RequiresApproval,
		ActionDescription: res.ActionDescription,
		CreatedAt:         now,
	}
	if plan.ActionDescription == "" {
		plan.ActionDescription = "execute plan for task " + task.ID
	}
	reason := e.policy.Reason(sensitiveText(task, plan), task.Metadata)
	if res.RequiresApproval && reason == "" {
		reason = "requested by planner"
	}
	if reason != "" {
		plan.RequiresApproval = true
		plan.ApprovalReason = reason
	}
	if err := store.CreateYAML(ctx, e.store, model.CollPlans, planID, plan); err != nil {
		return fmt.Errorf("%w: write plan: %w", model.ErrPersistence, err)
	}
	if err := e.retirePlans(ctx, task.ID, planID); err != nil {
		return err
	}

	clearRetry := func(t *model.TaskRecord) {
		t.PlanID = planID
		t.NextAttemptAt = nil
		t.LastError = ""
	}

	if !plan.RequiresApproval {
		if err := e.transition(ctx, task, model.TaskExecuting, clearRetry, map[string]any{"plan_id": planID}); err != nil {
			return err
		}
		rep.count(model.TaskPlanning, model.TaskExecuting)
		return e.execute(ctx, rep, task)
	}

	// The request exists before the task is visible as awaiting approval, so
	// the awaiting stage never sees a task without one.
	req, err := e.approvals.Request(ctx, task.ID, plan.ActionDescription, now)
	if err != nil {
		return err
	}
	if err := e.transition(ctx, task, model.TaskAwaitingApproval, func(t *model.TaskRecord) {
		clearRetry(t)
		t.ApprovalID = req.ID
	}, map[string]any{
		"plan_id":         planID,
		"approval_id":     req.ID,
		"approval_reason": plan.ApprovalReason,
	}); err != nil {
		return err
	}
	rep.count(model.TaskPlanning, model.TaskAwaitingApproval)
	return nil
}

func (e *Engine) planningFailed(ctx context.Context, rep *StepReport, task *model.TaskRecord, cause error) error {
	task.PlanAttempts++
	task.LastError = cause.Error()

	if task.PlanAttempts > e.opts.PlanningMaxRetries {
		reason := fmt.Sprintf("planning failed after %d attempts", task.PlanAttempts)
		if err := e.transition(ctx, task, model.TaskFailed, func(t *model.TaskRecord) {
			t.Reason = reason
			t.NextAttemptAt = nil
		}, map[string]any{"reason": reason, "error": cause.Error()}); err != nil {
			return err
		}
		rep.count(model.TaskPlanning, model.TaskFailed)
		return nil
	}

	next := e.clock().Add(model.Backoff(e.opts.BackoffBase, e.opts.BackoffCap, task.PlanAttempts))
	task.NextAttemptAt = &next
	task.UpdatedAt = e.clock()
	if err := store.ReplaceYAML(ctx, e.store, model.CollectionFor(model.TaskPlanning), task.ID, task); err != nil {
		return fmt.Errorf("%w: record planning retry: %w", model.ErrPersistence, err)
	}
	e.logger.Warnf("planning_retry task=%s attempt=%d next_attempt=%s error=%v",
		task.ID, task.PlanAttempts, next.Format(time.RFC3339), cause)
	return nil
}

// activePlans returns the readable active plans of taskID, oldest first.
func (e *Engine) activePlans(ctx context.Context, taskID string) ([]model.PlanRecord, error) {
	ids, err := store.ListAll(ctx, e.store, model.CollPlans)
	if err != nil {
		return nil, err
	}
	var plans []model.PlanRecord
	for _, id := range ids {
		p, err := store.ReadYAML[model.PlanRecord](ctx, e.store, model.CollPlans, id, model.FileTypePlan)
		if err != nil || p.TaskID != taskID {
			continue
		}
		plans = append(plans, p)
	}
	sortPlans(plans)
	return plans, nil
}

func sortPlans(plans []model.PlanRecord) {
	sort.SliceStable(plans, func(i, j int) bool {
		if !plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].CreatedAt.Before(plans[j].CreatedAt)
		}
		return plans[i].ID < plans[j].ID
	})
}

// retirePlans moves every active plan of taskID except keep to plans_archive.
// An empty keep retires them all.
func (e *Engine) retirePlans(ctx context.Context, taskID, keep string) error {
	plans, err := e.activePlans(ctx, taskID)
	if err != nil {
		return err
	}
	for _, p := range plans {
		if p.ID == keep {
			continue
		}
		if err := e.archivePlan(ctx, p.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) archivePlan(ctx context.Context, planID string) error {
	err := e.store.Move(ctx, planID, model.CollPlans, model.CollPlansArchive)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: archive plan %s: %w", model.ErrPersistence, planID, err)
	}
	return nil
}

func sensitiveText(task *model.TaskRecord, plan model.PlanRecord) string {
	parts := append([]string{task.Content, plan.ActionDescription}, plan.Steps...)
	return strings.Join(parts, "\n")
}

// consumeApproval acts on a resolved approval: approved tasks execute,
// rejected and expired ones are archived.
func (e *Engine) consumeApproval(ctx context.Context, rep *StepReport, task *model.TaskRecord) error {
	req, ok, err := e.approvals.Resolved(ctx, task.ID)
	if err != nil || !ok {
		return err
	}
	details := map[string]any{
		"approval_id":     req.ID,
		"approval_status": string(req.Status),
	}

	if req.Status == model.ApprovalApproved {
		if err := e.transition(ctx, task, model.TaskExecuting, nil, details); err != nil {
			return err
		}
		rep.count(model.TaskAwaitingApproval, model.TaskExecuting)
		return e.execute(ctx, rep, task)
	}

	reason := "approval " + string(req.Status)
	details["reason"] = reason
	if err := e.transition(ctx, task, model.TaskArchived, func(t *model.TaskRecord) {
		t.Reason = reason
	}, details); err != nil {
		return err
	}
	rep.count(model.TaskAwaitingApproval, model.TaskArchived)
	return nil
}

// resumeExecution handles executing tasks no worker holds: ones with a
// recorded outcome are finished, the rest are executed (again).
func (e *Engine) resumeExecution(ctx context.Context, rep *StepReport, task *model.TaskRecord) error {
	if task.Outcome != nil {
		return e.finish(ctx, rep, task)
	}
	return e.execute(ctx, rep, task)
}

// execute runs the plan once, records the outcome on the task and then moves
// it to done or failed. Execution failures are never retried.
func (e *Engine) execute(ctx context.Context, rep *StepReport, task *model.TaskRecord) error {
	plan, err := e.readPlan(ctx, task.PlanID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		task.Outcome = &model.Outcome{Success: false, Error: "plan " + task.PlanID + " not found", RecordedAt: e.clock()}
		return e.recordOutcome(ctx, rep, task)
	}

	res, err := e.executor.Execute(ctx, plan)
	if ctx.Err() != nil {
		// Shutdown mid-execution: leave the task for the next pass.
		return ctx.Err()
	}
	outcome := &model.Outcome{Success: res.Success, Result: res.Result, RecordedAt: e.clock()}
	if err != nil {
		outcome.Success = false
		outcome.Error = fmt.Errorf("%w: %w", model.ErrExecutionFailure, err).Error()
	} else if !res.Success {
		outcome.Error = fmt.Sprintf("%v: executor reported failure", model.ErrExecutionFailure)
	}
	task.Outcome = outcome
	return e.recordOutcome(ctx, rep, task)
}

func (e *Engine) recordOutcome(ctx context.Context, rep *StepReport, task *model.TaskRecord) error {
	task.UpdatedAt = e.clock()
	if err := store.ReplaceYAML(ctx, e.store, model.CollectionFor(model.TaskExecuting), task.ID, task); err != nil {
		return fmt.Errorf("%w: record outcome: %w", model.ErrPersistence, err)
	}
	return e.finish(ctx, rep, task)
}

func (e *Engine) finish(ctx context.Context, rep *StepReport, task *model.TaskRecord) error {
	o := task.Outcome
	if o.Success {
		if err := e.transition(ctx, task, model.TaskDone, nil, map[string]any{"result": o.Result}); err != nil {
			return err
		}
		rep.count(model.TaskExecuting, model.TaskDone)
		return nil
	}
	if err := e.transition(ctx, task, model.TaskFailed, func(t *model.TaskRecord) {
		t.LastError = o.Error
		t.Reason = "execution failed"
	}, map[string]any{"error": o.Error}); err != nil {
		return err
	}
	rep.count(model.TaskExecuting, model.TaskFailed)
	return nil
}

func (e *Engine) readPlan(ctx context.Context, planID string) (model.PlanRecord, error) {
	if planID == "" {
		return model.PlanRecord{}, store.ErrNotFound
	}
	p, err := store.ReadYAML[model.PlanRecord](ctx, e.store, model.CollPlans, planID, model.FileTypePlan)
	if errors.Is(err, store.ErrNotFound) {
		return store.ReadYAML[model.PlanRecord](ctx, e.store, model.CollPlansArchive, planID, model.FileTypePlan)
	}
	return p, err
}
