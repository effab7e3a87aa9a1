package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskvault/internal/ledger"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/store"
	tvyaml "github.com/msageha/taskvault/internal/yaml"
)

func kinds(repairs []Repair) []string {
	out := make([]string, len(repairs))
	for i, r := range repairs {
		out[i] = r.Kind
	}
	return out
}

func (f *fixture) reconcile(t *testing.T) []Repair {
	t.Helper()
	repairs, err := f.engine.Reconcile(context.Background())
	require.NoError(t, err)
	return repairs
}

// writePlan stores a plan for taskID and returns its id.
func (f *fixture) writePlan(t *testing.T, taskID string) string {
	t.Helper()
	id, err := model.GenerateID(model.IDTypePlan)
	require.NoError(t, err)
	require.NoError(t, store.CreateYAML(context.Background(), f.store, model.CollPlans, id, model.PlanRecord{
		SchemaVersion: 1,
		FileType:      model.FileTypePlan,
		ID:            id,
		TaskID:        taskID,
		Steps:         []string{"send report"},
		CreatedAt:     t0,
	}))
	return id
}

// executingTask writes a task straight into executing, as if the daemon died
// mid-execution. Its trail is complete up to the executing transition.
func (f *fixture) executingTask(t *testing.T, extID string, outcome *model.Outcome) string {
	t.Helper()
	ctx := context.Background()
	id := f.admit(t, extID, "send the weekly report")
	task := f.task(t, id)

	for _, to := range []model.TaskStatus{model.TaskScored, model.TaskPlanning, model.TaskExecuting} {
		if to == model.TaskExecuting {
			task.PlanID = f.writePlan(t, id)
		}
		require.NoError(t, f.engine.transition(ctx, &task, to, nil, nil))
	}
	if outcome != nil {
		task.Outcome = outcome
		require.NoError(t, store.ReplaceYAML(ctx, f.store, model.CollectionFor(model.TaskExecuting), id, task))
	}
	return id
}

func TestReconcile_CleanVaultNeedsNothing(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "m1", "pay invoice #42")
	f.admit(t, "m2", "summarise notes")
	f.drain(t)

	assert.Empty(t, f.reconcile(t))
}

func TestReconcile_StatusMismatchAfterMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.admit(t, "m1", "summarise notes")

	// Crash after the claim, before the record was rewritten.
	require.NoError(t, f.store.Move(ctx, id, model.CollectionFor(model.TaskIntake), model.CollectionFor(model.TaskScored)))

	assert.Equal(t, []string{RepairStatusMismatch}, kinds(f.reconcile(t)))
	task := f.task(t, id)
	assert.Equal(t, model.TaskScored, task.Status)
	assert.Equal(t, model.TaskIntake, task.PrevStatus)
	assert.Equal(t, 2, task.Revision)
	assert.Positive(t, task.PriorityScore, "the score the lost rewrite carried is recomputed")
	assert.Equal(t, []string{"task_created", "intake->scored"}, f.trail(t, id))

	entries, err := f.reader.ForTask(id)
	require.NoError(t, err)
	assert.Equal(t, true, entries[1].Details["reconciled"])

	assert.Empty(t, f.reconcile(t))

	f.drain(t)
	assert.Equal(t, model.TaskDone, f.task(t, id).Status)
}

func TestReconcile_MissingAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.admit(t, "m1", "summarise notes")

	// Crash after the rewrite, before the audit append.
	task := f.task(t, id)
	require.NoError(t, f.store.Move(ctx, id, model.CollectionFor(model.TaskIntake), model.CollectionFor(model.TaskScored)))
	task.PrevStatus, task.Status, task.Revision = model.TaskIntake, model.TaskScored, 2
	require.NoError(t, store.ReplaceYAML(ctx, f.store, model.CollectionFor(model.TaskScored), id, task))

	assert.Equal(t, []string{RepairMissingAudit}, kinds(f.reconcile(t)))
	assert.Equal(t, 2, f.task(t, id).Revision)
	assert.Equal(t, []string{"task_created", "intake->scored"}, f.trail(t, id))
	assert.Empty(t, f.reconcile(t))
}

func TestReconcile_DuplicateKeepsMostAdvancedCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.admit(t, "m1", "summarise notes")

	task := f.task(t, id)
	require.NoError(t, f.engine.transition(ctx, &task, model.TaskScored, nil, nil))
	// A stale intake copy reappears next to the scored one.
	stale := task
	stale.Status, stale.PrevStatus, stale.Revision = model.TaskIntake, "", 1
	require.NoError(t, store.CreateYAML(ctx, f.store, model.CollectionFor(model.TaskIntake), id, stale))

	repairs := f.reconcile(t)
	assert.Equal(t, []string{RepairDuplicate}, kinds(repairs))
	assert.Equal(t, id, repairs[0].TaskID)

	coll, err := store.Locate(ctx, f.store, id, model.StateCollections()...)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionFor(model.TaskScored), coll)
	ok, err := store.Exists(ctx, f.store, model.CollectionFor(model.TaskIntake), id)
	require.NoError(t, err)
	assert.False(t, ok)

	quarantined, err := store.ListAll(ctx, f.store, model.CollQuarantine)
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
	assert.Empty(t, f.reconcile(t))
}

func TestReconcile_RematerializesLedgerEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := model.GenerateID(model.IDTypeTask)
	require.NoError(t, err)

	// Crash after the ledger write, before the intake record.
	ev := model.Event{Source: "inbox", ExternalID: "m1", Content: "summarise notes"}
	_, err = ledger.New(f.store).Admit(ctx, ev, id, t0)
	require.NoError(t, err)

	repairs := f.reconcile(t)
	assert.Equal(t, []string{RepairRematerialized}, kinds(repairs))
	task := f.task(t, id)
	assert.Equal(t, model.TaskIntake, task.Status)
	assert.Equal(t, "summarise notes", task.Content)
	assert.Equal(t, []string{"task_created"}, f.trail(t, id))
	assert.Empty(t, f.reconcile(t))

	// Redelivery still resolves to the rematerialized task.
	adm, err := f.engine.Admit(ctx, ev)
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.Equal(t, id, adm.TaskID)
}

func TestReconcile_ExecutingWithOutcomeIsFinished(t *testing.T) {
	f := newFixture(t)
	id := f.executingTask(t, "m1", &model.Outcome{Success: true, Result: "sent", RecordedAt: t0})

	assert.Equal(t, []string{RepairCompleted}, kinds(f.reconcile(t)))
	task := f.task(t, id)
	assert.Equal(t, model.TaskDone, task.Status)
	assert.Zero(t, f.executor.count())
	assert.Equal(t, "executing->done", f.trail(t, id)[4])
}

func TestReconcile_ExecutingWithoutOutcomeRequeuedOnce(t *testing.T) {
	f := newFixture(t)
	id := f.executingTask(t, "m1", nil)

	repairs := f.reconcile(t)
	assert.Equal(t, []string{RepairRequeued}, kinds(repairs))
	assert.Equal(t, requeueReason, f.task(t, id).Reason)
	assert.Empty(t, f.reconcile(t))

	entries, err := f.reader.ForTask(id)
	require.NoError(t, err)
	requeues := 0
	for _, e := range entries {
		if e.EventType == "reconcile_requeue" {
			requeues++
		}
	}
	assert.Equal(t, 1, requeues)

	f.drain(t)
	assert.Equal(t, model.TaskDone, f.task(t, id).Status)
	assert.Equal(t, 1, f.executor.count())
}

func TestReconcile_MovesResolvedApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.admit(t, "m1", "pay invoice #42")
	f.drain(t)

	// Crash after the resolution was written, before the request moved.
	req, err := f.approvals.Get(ctx, id)
	require.NoError(t, err)
	resolvedAt := t0.Add(25 * time.Hour)
	req.Status, req.ResolvedAt = model.ApprovalExpired, &resolvedAt
	require.NoError(t, store.ReplaceYAML(ctx, f.store, model.CollApprovalsPending, id, req))

	repairs := f.reconcile(t)
	assert.Equal(t, []string{RepairApprovalMoved}, kinds(repairs))
	assert.Equal(t, id, repairs[0].TaskID)
	assert.Empty(t, f.reconcile(t))

	f.drain(t)
	assert.Equal(t, model.TaskArchived, f.task(t, id).Status)
}

func TestReconcile_RemovesTempFilesAndQuarantinesCorruptRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	records := filepath.Join(f.vault, "records")

	require.NoError(t, os.WriteFile(filepath.Join(records, "intake", tvyaml.TempPrefix+"123"), []byte("partial"), 0o644))
	corruptID := "task_1700000000_0badc0de"
	require.NoError(t, os.WriteFile(filepath.Join(records, "scored", corruptID+".yaml"), []byte("::: [not yaml"), 0o644))

	repairs := f.reconcile(t)
	assert.Equal(t, []string{RepairTempFiles, RepairCorrupt}, kinds(repairs))
	assert.Equal(t, corruptID, repairs[1].TaskID)

	_, err := os.Stat(filepath.Join(records, "intake", tvyaml.TempPrefix+"123"))
	assert.True(t, os.IsNotExist(err))
	quarantined, err := store.ListAll(ctx, f.store, model.CollQuarantine)
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
	assert.Empty(t, f.reconcile(t))
}

func TestReconcile_StatusMismatchRestoresPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.admit(t, "m1", "send the weekly report")
	task := f.task(t, id)
	require.NoError(t, f.engine.transition(ctx, &task, model.TaskScored, nil, nil))
	require.NoError(t, f.engine.transition(ctx, &task, model.TaskPlanning, nil, nil))
	planID := f.writePlan(t, id)

	// The record reached executing without the fields its rewrite would have set.
	require.NoError(t, f.store.Move(ctx, id, model.CollectionFor(model.TaskPlanning), model.CollectionFor(model.TaskExecuting)))

	assert.Equal(t, []string{RepairStatusMismatch, RepairRequeued}, kinds(f.reconcile(t)))
	assert.Equal(t, planID, f.task(t, id).PlanID)
	assert.Empty(t, f.reconcile(t))

	f.drain(t)
	task = f.task(t, id)
	assert.Equal(t, model.TaskDone, task.Status)
	assert.Equal(t, 1, f.executor.count())
}

func TestReconcile_FinishesInterruptedMoveIntoExecuting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.admit(t, "m1", "send the weekly report")
	task := f.task(t, id)
	require.NoError(t, f.engine.transition(ctx, &task, model.TaskScored, nil, nil))
	require.NoError(t, f.engine.transition(ctx, &task, model.TaskPlanning, nil, nil))
	planID := f.writePlan(t, id)

	// Crash after the record was rewritten for executing, before it moved.
	next := task
	next.PrevStatus, next.Status, next.Revision, next.PlanID = model.TaskPlanning, model.TaskExecuting, task.Revision+1, planID
	require.NoError(t, store.ReplaceYAML(ctx, f.store, model.CollectionFor(model.TaskPlanning), id, next))

	rep, err := f.engine.Step(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Total(), "stages leave a half-moved record to reconciliation")
	assert.Zero(t, f.executor.count())

	assert.Equal(t, []string{RepairMoveCompleted, RepairRequeued}, kinds(f.reconcile(t)))
	task = f.task(t, id)
	assert.Equal(t, model.TaskExecuting, task.Status)
	assert.Equal(t, planID, task.PlanID)
	assert.Equal(t, next.Revision, task.Revision)
	assert.Empty(t, f.reconcile(t))

	f.drain(t)
	assert.Equal(t, model.TaskDone, f.task(t, id).Status)
	assert.Equal(t, 1, f.executor.count())
	assert.Equal(t, []string{
		"task_created", "intake->scored", "scored->planning", "planning->executing", "reconcile_requeue", "executing->done",
	}, f.trail(t, id))
}

func TestReconcile_FinishesInterruptedScoring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.admit(t, "m1", "pay invoice #42")

	task := f.task(t, id)
	next := task
	next.PrevStatus, next.Status, next.Revision, next.PriorityScore = model.TaskIntake, model.TaskScored, 2, 7.2
	require.NoError(t, store.ReplaceYAML(ctx, f.store, model.CollectionFor(model.TaskIntake), id, next))

	assert.Equal(t, []string{RepairMoveCompleted}, kinds(f.reconcile(t)))
	task = f.task(t, id)
	assert.Equal(t, model.TaskScored, task.Status)
	assert.Equal(t, 7.2, task.PriorityScore)
	assert.Equal(t, 2, task.Revision)
	assert.Equal(t, []string{"task_created", "intake->scored"}, f.trail(t, id))
	assert.Empty(t, f.reconcile(t))
}

func TestTransition_WritesRecordBeforeMoving(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.admit(t, "m1", "summarise notes")
	task := f.task(t, id)

	require.NoError(t, f.engine.transition(ctx, &task, model.TaskScored, func(tr *model.TaskRecord) {
		tr.PriorityScore = 4.5
	}, nil))
	assert.Equal(t, model.TaskScored, task.Status)
	assert.Equal(t, 2, task.Revision)

	stored := f.task(t, id)
	assert.Equal(t, model.TaskScored, stored.Status)
	assert.Equal(t, 4.5, stored.PriorityScore)

	// A stale copy whose record is gone loses the claim.
	stale := task
	stale.Status = model.TaskIntake
	assert.ErrorIs(t, f.engine.transition(ctx, &stale, model.TaskScored, nil, nil), errClaimLost)
}

func TestReconcile_CorruptAdmittedTaskStaysQuarantined(t *testing.T) {
	f := newFixture(t)
	id := f.admit(t, "m1", "summarise notes")
	path := filepath.Join(f.vault, "records", "intake", id+".yaml")
	require.NoError(t, os.WriteFile(path, []byte("::: [not yaml"), 0o644))

	assert.Equal(t, []string{RepairCorrupt}, kinds(f.reconcile(t)))
	assert.Empty(t, f.reconcile(t))
	assert.Equal(t, []string{"task_created"}, f.trail(t, id))
	_, err := f.engine.Get(context.Background(), id)
	assert.Error(t, err)
}

func TestReconcile_LostRecordOfCreatedTaskNotRecreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.admit(t, "m1", "summarise notes")
	require.NoError(t, f.store.Delete(ctx, model.CollectionFor(model.TaskIntake), id))

	assert.Empty(t, f.reconcile(t))
	assert.Equal(t, []string{"task_created"}, f.trail(t, id))
}

func TestPlans_RetiredWhenTaskFinishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.admit(t, "m1", "send the weekly report")
	f.drain(t)

	task := f.task(t, id)
	require.Equal(t, model.TaskDone, task.Status)
	active, err := store.ListAll(ctx, f.store, model.CollPlans)
	require.NoError(t, err)
	assert.Empty(t, active)
	archived, err := store.ListAll(ctx, f.store, model.CollPlansArchive)
	require.NoError(t, err)
	assert.Equal(t, []string{task.PlanID}, archived)
}

func TestReconcile_RetiresExtraActivePlans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	waiting := f.admit(t, "m1", "pay invoice #42")
	finished := f.admit(t, "m2", "send the weekly report")
	f.drain(t)

	task := f.task(t, waiting)
	require.Equal(t, model.TaskAwaitingApproval, task.Status)
	// Crash after a plan was written, before older ones were archived.
	extra := f.writePlan(t, waiting)
	leftover := f.writePlan(t, finished)

	repairs := f.reconcile(t)
	assert.Equal(t, []string{RepairPlanRetired, RepairPlanRetired}, kinds(repairs))
	active, err := store.ListAll(ctx, f.store, model.CollPlans)
	require.NoError(t, err)
	assert.Equal(t, []string{task.PlanID}, active)
	for _, id := range []string{extra, leftover} {
		ok, err := store.Exists(ctx, f.store, model.CollPlansArchive, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
	assert.Empty(t, f.reconcile(t))
}
