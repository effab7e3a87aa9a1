package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/store"
)

// Repair kinds reported by Reconcile.
const (
	RepairTempFiles      = "temp_files"
	RepairDuplicate      = "duplicate"
	RepairCorrupt        = "corrupt"
	RepairStatusMismatch = "status_mismatch"
	RepairMoveCompleted  = "move_completed"
	RepairMissingAudit   = "missing_audit"
	RepairRematerialized = "rematerialized"
	RepairCompleted      = "execution_completed"
	RepairRequeued       = "requeued"
	RepairApprovalMoved  = "approval_moved"
	RepairPlanRetired    = "plan_retired"
)

const requeueReason = "requeued after interrupted execution"

type Repair struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id,omitempty"`
	Detail string `json:"detail"`
}

type reconciler struct {
	e       *Engine
	repairs []Repair
	// settled holds each readable task as it stands after its repairs.
	settled map[string]model.TaskRecord
}

func (r *reconciler) add(kind, taskID, detail string) error {
	r.repairs = append(r.repairs, Repair{Kind: kind, TaskID: taskID, Detail: detail})
	r.e.logger.Warnf("reconcile_repair kind=%s task=%s detail=%q", kind, taskID, detail)
	_, err := r.e.record(audit.Entry{
		Timestamp: r.e.clock(),
		EventType: "reconcile_repair",
		Details: map[string]any{
			"kind":    kind,
			"task_id": taskID,
			"detail":  detail,
		},
	})
	return err
}

// Reconcile inspects the store for the debris of interrupted operations and
// repairs it. Running it again right after finds nothing to do.
func (e *Engine) Reconcile(ctx context.Context) ([]Repair, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	r := &reconciler{e: e, settled: make(map[string]model.TaskRecord)}

	rec, err := e.store.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("store recover: %w", err)
	}
	if rec.TempFilesRemoved > 0 {
		if err := r.add(RepairTempFiles, "", fmt.Sprintf("removed %d temp files", rec.TempFilesRemoved)); err != nil {
			return r.repairs, err
		}
	}

	locations := make(map[string][]model.TaskStatus)
	for _, st := range model.TaskStatuses {
		ids, err := store.ListAll(ctx, e.store, model.CollectionFor(st))
		if err != nil {
			return r.repairs, err
		}
		for _, id := range ids {
			locations[id] = append(locations[id], st)
		}
	}

	ids := make([]string, 0, len(locations))
	for id := range locations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if len(locations[id]) > 1 {
			kept, err := r.dedupe(ctx, id, locations[id])
			if err != nil {
				return r.repairs, err
			}
			locations[id] = []model.TaskStatus{kept}
		}
	}

	audited, err := e.auditedRevisions()
	if err != nil {
		return r.repairs, err
	}

	corrupt := make(map[string]bool)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return r.repairs, err
		}
		bad, err := r.task(ctx, id, locations[id][0], audited)
		if err != nil {
			return r.repairs, err
		}
		if bad {
			corrupt[id] = true
		}
	}

	quarantined, err := quarantinedTasks(ctx, e.store)
	if err != nil {
		return r.repairs, err
	}
	for entry, err := range e.ledger.Entries(ctx) {
		if err != nil {
			e.logger.Warnf("reconcile_ledger_unreadable error=%v", err)
			continue
		}
		if _, ok := locations[entry.TaskID]; ok || corrupt[entry.TaskID] || quarantined[entry.TaskID] {
			continue
		}
		if audited[entry.TaskID] > 0 {
			// Created once already; its record was lost after that, not before.
			continue
		}
		if err := e.materialize(ctx, entry, true); err != nil {
			return r.repairs, err
		}
		locations[entry.TaskID] = []model.TaskStatus{model.TaskIntake}
		if err := r.add(RepairRematerialized, entry.TaskID,
			fmt.Sprintf("intake record recreated from ledger %s/%s", entry.Source, entry.ExternalID)); err != nil {
			return r.repairs, err
		}
	}

	if err := r.plans(ctx); err != nil {
		return r.repairs, err
	}

	moved, err := e.approvals.Reconcile(ctx)
	if err != nil {
		return r.repairs, err
	}
	for _, taskID := range moved {
		if err := r.add(RepairApprovalMoved, taskID, "resolved approval moved out of pending"); err != nil {
			return r.repairs, err
		}
	}
	return r.repairs, nil
}

// dedupe keeps the most advanced copy of id and quarantines the others.
func (r *reconciler) dedupe(ctx context.Context, id string, statuses []model.TaskStatus) (model.TaskStatus, error) {
	kept := statuses[0]
	for _, st := range statuses[1:] {
		if model.TaskRank(st) >= model.TaskRank(kept) {
			kept = st
		}
	}
	for _, st := range statuses {
		if st == kept {
			continue
		}
		qid, err := store.Quarantine(ctx, r.e.store, model.CollectionFor(st), id, r.e.clock())
		if err != nil {
			return kept, err
		}
		if err := r.add(RepairDuplicate, id, fmt.Sprintf("kept %s copy, quarantined %s copy as %s", kept, st, qid)); err != nil {
			return kept, err
		}
	}
	return kept, nil
}

// task repairs one record found in collection st. It reports whether the
// record was unreadable and quarantined.
func (r *reconciler) task(ctx context.Context, id string, st model.TaskStatus, audited map[string]int) (bool, error) {
	e := r.e
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	task, err := e.readTask(ctx, st, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		qid, qerr := store.Quarantine(ctx, e.store, model.CollectionFor(st), id, e.clock())
		if qerr != nil {
			return false, qerr
		}
		return true, r.add(RepairCorrupt, id, fmt.Sprintf("unreadable %s record quarantined as %s: %v", st, qid, err))
	}

	defer func() { r.settled[id] = task }()

	switch {
	case task.Status != st && task.PrevStatus == st && model.ValidateTaskTransition(st, task.Status) == nil:
		// Crash between the rewrite and the move: the record already holds its next state.
		to := task.Status
		if err := e.store.Move(ctx, id, model.CollectionFor(st), model.CollectionFor(to)); err != nil {
			return false, fmt.Errorf("%w: finish move of %s: %w", model.ErrPersistence, id, err)
		}
		if audited == nil || task.Revision > audited[id] {
			if err := e.emitTransition(&task, true); err != nil {
				return false, err
			}
		}
		if err := r.add(RepairMoveCompleted, id, fmt.Sprintf("move %s->%s completed", st, to)); err != nil {
			return false, err
		}
		st = to
	case task.Status != st:
		// The record sits somewhere its own status does not explain: the
		// collection is the truth, and what the lost rewrite carried is rebuilt.
		from := task.Status
		task.PrevStatus = from
		task.Status = st
		task.Revision++
		task.UpdatedAt = e.clock()
		if err := e.restoreFields(ctx, &task); err != nil {
			return false, err
		}
		if err := store.ReplaceYAML(ctx, e.store, model.CollectionFor(st), id, task); err != nil {
			return false, fmt.Errorf("%w: fix status of %s: %w", model.ErrPersistence, id, err)
		}
		if err := e.emitTransition(&task, true); err != nil {
			return false, err
		}
		if err := r.add(RepairStatusMismatch, id, fmt.Sprintf("status %s corrected to %s", from, st)); err != nil {
			return false, err
		}
	case audited != nil && task.Revision > audited[id]:
		// Crash between the move and its audit entry.
		if err := e.emitTransition(&task, true); err != nil {
			return false, err
		}
		if err := r.add(RepairMissingAudit, id, fmt.Sprintf("re-emitted audit for revision %d", task.Revision)); err != nil {
			return false, err
		}
	}

	if st != model.TaskExecuting {
		return false, nil
	}
	if task.Outcome != nil {
		rep := &StepReport{}
		if err := e.finish(ctx, rep, &task); err != nil {
			return false, err
		}
		return false, r.add(RepairCompleted, id, fmt.Sprintf("recorded outcome applied (success=%t)", task.Outcome.Success))
	}
	if task.Reason == requeueReason {
		return false, nil
	}
	task.Reason = requeueReason
	if err := store.ReplaceYAML(ctx, e.store, model.CollectionFor(st), id, task); err != nil {
		return false, fmt.Errorf("%w: mark requeue of %s: %w", model.ErrPersistence, id, err)
	}
	if _, err := e.record(audit.Entry{
		Timestamp: e.clock(),
		EventType: "reconcile_requeue",
		TaskID:    id,
		Details:   map[string]any{"revision": task.Revision, "plan_id": task.PlanID},
	}); err != nil {
		return false, err
	}
	return false, r.add(RepairRequeued, id, "execution interrupted without an outcome; will run again")
}

// restoreFields rebuilds what the rewrite of a transition into task.Status
// would have set: the priority score, the plan and the approval request.
func (e *Engine) restoreFields(ctx context.Context, task *model.TaskRecord) error {
	st := task.Status
	if st != model.TaskIntake && st != model.TaskArchived && task.PriorityScore == 0 {
		if score, err := e.scorer.Score(task.Content, task.Metadata); err == nil {
			task.PriorityScore = score
		}
	}
	if task.PlanID == "" && model.TaskRank(st) >= model.TaskRank(model.TaskAwaitingApproval) {
		plans, err := e.activePlans(ctx, task.ID)
		if err != nil {
			return err
		}
		if len(plans) > 0 {
			task.PlanID = plans[len(plans)-1].ID
			task.NextAttemptAt = nil
		}
	}
	if task.ApprovalID == "" && st == model.TaskAwaitingApproval {
		req, err := e.approvals.Get(ctx, task.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		task.ApprovalID = req.ID
	}
	return nil
}

// plans keeps at most one active plan per task, and none for tasks that have
// reached a terminal state.
func (r *reconciler) plans(ctx context.Context) error {
	e := r.e
	ids, err := store.ListAll(ctx, e.store, model.CollPlans)
	if err != nil {
		return err
	}
	byTask := make(map[string][]model.PlanRecord)
	for _, id := range ids {
		p, err := store.ReadYAML[model.PlanRecord](ctx, e.store, model.CollPlans, id, model.FileTypePlan)
		if err != nil {
			e.logger.Warnf("reconcile_plan_unreadable plan=%s error=%v", id, err)
			continue
		}
		byTask[p.TaskID] = append(byTask[p.TaskID], p)
	}

	taskIDs := make([]string, 0, len(byTask))
	for id := range byTask {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	for _, taskID := range taskIDs {
		task, ok := r.settled[taskID]
		if !ok {
			continue
		}
		plans := byTask[taskID]
		sortPlans(plans)

		keep := ""
		if !model.IsTaskTerminal(task.Status) {
			keep = plans[len(plans)-1].ID
			for _, p := range plans {
				if p.ID == task.PlanID {
					keep = p.ID
				}
			}
		}
		for _, p := range plans {
			if p.ID == keep {
				continue
			}
			if err := e.archivePlan(ctx, p.ID); err != nil {
				return err
			}
			detail := fmt.Sprintf("plan %s archived, superseded by %s", p.ID, keep)
			if keep == "" {
				detail = fmt.Sprintf("plan %s archived, task is %s", p.ID, task.Status)
			}
			if err := r.add(RepairPlanRetired, taskID, detail); err != nil {
				return err
			}
		}
	}
	return nil
}

// quarantinedTasks returns the ids of records moved to quarantine. Quarantine
// ids start with the record id followed by a dot.
func quarantinedTasks(ctx context.Context, s store.Store) (map[string]bool, error) {
	ids, err := store.ListAll(ctx, s, model.CollQuarantine)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, qid := range ids {
		if id, _, ok := strings.Cut(qid, "."); ok {
			out[id] = true
		}
	}
	return out, nil
}

// emitTransition writes the audit entry for the task's current revision.
func (e *Engine) emitTransition(task *model.TaskRecord, reconciled bool) error {
	entry := audit.Entry{
		Timestamp: e.clock(),
		TaskID:    task.ID,
		Details:   map[string]any{"revision": task.Revision, "reconciled": reconciled},
	}
	if task.Revision <= 1 {
		entry.EventType = "task_created"
		entry.Details["source"] = task.Source
		entry.Details["external_id"] = task.ExternalID
	} else {
		entry.EventType = "task_transition"
		entry.Details["from"] = string(task.PrevStatus)
		entry.Details["to"] = string(task.Status)
	}
	_, err := e.record(entry)
	return err
}

// auditedRevisions maps each task to the highest revision its trail records.
func (e *Engine) auditedRevisions() (map[string]int, error) {
	if e.reader == nil {
		return nil, nil
	}
	revs := make(map[string]int)
	for entry, err := range e.reader.Entries(0) {
		if err != nil {
			return nil, fmt.Errorf("read audit trail: %w", err)
		}
		if entry.TaskID == "" || (entry.EventType != "task_created" && entry.EventType != "task_transition") {
			continue
		}
		if rev, ok := audit.IntDetail(entry.Details, "revision"); ok && rev > revs[entry.TaskID] {
			revs[entry.TaskID] = rev
		}
	}
	return revs, nil
}
