package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Snapshot(t *testing.T) {
	r, err := New(true)
	require.NoError(t, err)
	defer func() { _ = r.Shutdown(context.Background()) }()
	ctx := context.Background()

	r.TaskAdmitted(ctx)
	r.TaskAdmitted(ctx)
	r.TaskDuplicate(ctx)
	r.Transition(ctx, "intake", "scored")
	r.Transition(ctx, "intake", "scored")
	r.Transition(ctx, "scored", "planning")
	r.ApprovalResolved(ctx, "expired")
	r.JobRun(ctx, "ok")

	points, err := r.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, []Point{
		{Name: "taskvault.approvals.resolved", Attributes: "status=expired", Value: 1},
		{Name: "taskvault.jobs.runs", Attributes: "result=ok", Value: 1},
		{Name: "taskvault.tasks.admitted", Value: 2},
		{Name: "taskvault.tasks.duplicates", Value: 1},
		{Name: "taskvault.tasks.transitions", Attributes: "from=intake,to=scored", Value: 2},
		{Name: "taskvault.tasks.transitions", Attributes: "from=scored,to=planning", Value: 1},
	}, points)
}

func TestRecorder_Disabled(t *testing.T) {
	r, err := New(false)
	require.NoError(t, err)
	r.TaskAdmitted(context.Background())

	points, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, points)
	assert.NoError(t, r.Shutdown(context.Background()))
}

func TestRecorder_NilIsSafe(t *testing.T) {
	var r *Recorder
	r.TaskAdmitted(context.Background())
	r.Transition(context.Background(), "a", "b")
	points, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, points)
}
