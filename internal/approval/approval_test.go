package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/notify"
	"github.com/msageha/taskvault/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type memRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memRecorder) Record(e audit.Entry) (audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Seq = uint64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memRecorder) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.EventType
	}
	return out
}

type sentMsg struct {
	channel string
	message string
}

type fixture struct {
	wf    *Workflow
	store store.Store
	rec   *memRecorder
	mu    sync.Mutex
	sent  []sentMsg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenFS(t.TempDir(), model.AllCollections()...)
	require.NoError(t, err)

	f := &fixture{store: s, rec: &memRecorder{}}
	router := notify.NewRouter()
	capture := notify.Func(func(_ context.Context, ch, msg string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sent = append(f.sent, sentMsg{ch, msg})
		return nil
	})
	router.Register("primary", capture)
	router.Register("oncall", capture)

	f.wf = New(s, f.rec, router, logging.Discard(), Options{
		Timeout:            24 * time.Hour,
		Escalate:           12 * time.Hour,
		Channels:           []string{"primary"},
		EscalationChannels: []string{"oncall", "missing"},
	})
	return f
}

func (f *fixture) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func TestRequest_CreatesPendingAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.wf.Request(ctx, "task_1", "pay invoice #42", t0)
	require.NoError(t, err)
	assert.True(t, model.ValidateID(req.ID))
	assert.Equal(t, model.ApprovalPending, req.Status)
	assert.Equal(t, t0.Add(12*time.Hour), req.EscalateAt)
	assert.Equal(t, t0.Add(24*time.Hour), req.TimeoutAt)

	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "primary", msgs[0].channel)
	assert.Contains(t, msgs[0].message, "task_1")

	stored, err := f.wf.Get(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, stored.NotificationsSent, 1)
	assert.Empty(t, stored.NotificationsSent[0].Error)

	byID, err := f.wf.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "task_1", byID.TaskID)

	// Re-request is a no-op returning the same request.
	again, err := f.wf.Request(ctx, "task_1", "pay invoice #42", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID)
	assert.Len(t, f.messages(), 1)
	assert.Equal(t, []string{"approval_requested"}, f.rec.types())
}

func TestDecide_FirstDecisionWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.wf.Request(ctx, "task_1", "transfer", t0)
	require.NoError(t, err)

	_, err = f.wf.Decide(ctx, "task_1", model.ApprovalApproved, "alice", "ok", t0.Add(time.Hour))
	require.NoError(t, err)

	_, err = f.wf.Decide(ctx, "task_1", model.ApprovalRejected, "bob", "", t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	_, err = f.wf.Decide(ctx, "task_1", model.ApprovalExpired, "bob", "", t0)
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = f.wf.Decide(ctx, "task_404", model.ApprovalApproved, "alice", "", t0)
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestCheck_DecisionResolves(t *testing.T) {
	for _, status := range []model.ApprovalStatus{model.ApprovalApproved, model.ApprovalRejected} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.wf.Request(ctx, "task_1", "pay", t0)
			require.NoError(t, err)
			_, err = f.wf.Decide(ctx, "task_1", status, "alice", "note", t0.Add(time.Hour))
			require.NoError(t, err)

			resolved, err := f.wf.Check(ctx, t0.Add(2*time.Hour))
			require.NoError(t, err)
			require.Len(t, resolved, 1)
			assert.Equal(t, status, resolved[0].Status)
			assert.Equal(t, "alice", resolved[0].DecidedBy)

			got, ok, err := f.wf.Resolved(ctx, "task_1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, status, got.Status)
			require.NotNil(t, got.ResolvedAt)

			pending, err := f.wf.ListPending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
			assert.Equal(t, []string{"approval_requested", "approval_resolved"}, f.rec.types())
		})
	}
}

func TestListResolved_OldestResolutionFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"task_expires", "task_approved", "task_open"} {
		_, err := f.wf.Request(ctx, id, "pay", t0)
		require.NoError(t, err)
	}
	_, err := f.wf.Decide(ctx, "task_approved", model.ApprovalApproved, "alice", "", t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.wf.Check(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = f.wf.Decide(ctx, "task_open", model.ApprovalRejected, "bob", "", t0.Add(25*time.Hour))
	require.NoError(t, err, "decisions are recorded until Check resolves the request")

	// Expiry and the late rejection resolve in the same pass.
	_, err = f.wf.Check(ctx, t0.Add(30*time.Hour))
	require.NoError(t, err)

	got, err := f.wf.ListResolved(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "task_approved", got[0].TaskID)
	assert.Equal(t, model.ApprovalApproved, got[0].Status)
	assert.Equal(t, "alice", got[0].DecidedBy)
	assert.Equal(t, t0.Add(2*time.Hour), got[0].Settled())
	assert.Equal(t, []string{"task_expires", "task_open"}, []string{got[1].TaskID, got[2].TaskID}, "ties fall back to task id")
	assert.Equal(t, model.ApprovalExpired, got[1].Status)
	assert.Equal(t, model.ApprovalExpired, got[2].Status, "decided after the timeout")

	pending, err := f.wf.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListResolved_Empty(t *testing.T) {
	f := newFixture(t)
	_, err := f.wf.Request(context.Background(), "task_1", "pay", t0)
	require.NoError(t, err)

	got, err := f.wf.ListResolved(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCheck_TimeoutPrecedence(t *testing.T) {
	tests := []struct {
		name      string
		decidedAt time.Time
		want      model.ApprovalStatus
	}{
		{"decided before timeout", t0.Add(23 * time.Hour), model.ApprovalApproved},
		{"decided exactly at timeout", t0.Add(24 * time.Hour), model.ApprovalApproved},
		{"decided after timeout", t0.Add(24*time.Hour + time.Second), model.ApprovalExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.wf.Request(ctx, "task_1", "pay", t0)
			require.NoError(t, err)
			_, err = f.wf.Decide(ctx, "task_1", model.ApprovalApproved, "alice", "", tt.decidedAt)
			require.NoError(t, err)

			resolved, err := f.wf.Check(ctx, t0.Add(48*time.Hour))
			require.NoError(t, err)
			require.Len(t, resolved, 1)
			assert.Equal(t, tt.want, resolved[0].Status)
		})
	}
}

func TestCheck_ExpiresWithoutDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.wf.Request(ctx, "task_1", "pay", t0)
	require.NoError(t, err)

	resolved, err := f.wf.Check(ctx, t0.Add(24*time.Hour-time.Second))
	require.NoError(t, err)
	assert.Empty(t, resolved)

	resolved, err = f.wf.Check(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, model.ApprovalExpired, resolved[0].Status)

	// Nothing left to resolve; a late decision is refused.
	resolved, err = f.wf.Check(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, resolved)
	_, err = f.wf.Decide(ctx, "task_1", model.ApprovalApproved, "alice", "", t0.Add(25*time.Hour))
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestCheck_EscalatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.wf.Request(ctx, "task_1", "pay", t0)
	require.NoError(t, err)

	_, err = f.wf.Check(ctx, t0.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Len(t, f.messages(), 1)

	_, err = f.wf.Check(ctx, t0.Add(12*time.Hour))
	require.NoError(t, err)
	_, err = f.wf.Check(ctx, t0.Add(13*time.Hour))
	require.NoError(t, err)

	msgs := f.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "oncall", msgs[1].channel)
	assert.Contains(t, msgs[1].message, "escalation")

	req, err := f.wf.Get(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, req.Status)
	require.NotNil(t, req.EscalatedAt)
	assert.True(t, t0.Add(12*time.Hour).Equal(*req.EscalatedAt))

	// One attempt per escalation channel; the unknown one records its error.
	require.Len(t, req.NotificationsSent, 3)
	assert.True(t, req.NotificationsSent[1].Escalation)
	assert.NotEmpty(t, req.NotificationsSent[2].Error)

	assert.Equal(t, []string{"approval_requested", "approval_escalated"}, f.rec.types())
}

func TestNotificationFailureDoesNotBlockTimers(t *testing.T) {
	s, err := store.OpenFS(t.TempDir(), model.AllCollections()...)
	require.NoError(t, err)
	failing := notify.Func(func(context.Context, string, string) error { return errors.New("smtp down") })
	wf := New(s, &memRecorder{}, failing, logging.Discard(), Options{
		Timeout: time.Hour, Escalate: 30 * time.Minute,
		Channels: []string{"mail"}, EscalationChannels: []string{"mail"},
	})
	ctx := context.Background()

	req, err := wf.Request(ctx, "task_1", "pay", t0)
	require.NoError(t, err)
	require.Len(t, req.NotificationsSent, 1)
	assert.Equal(t, "smtp down", req.NotificationsSent[0].Error)

	_, err = wf.Check(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	resolved, err := wf.Check(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, model.ApprovalExpired, resolved[0].Status)
}

func TestReconcile_MovesResolvedLeftInPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.wf.Request(ctx, "task_1", "pay", t0)
	require.NoError(t, err)

	// Simulate a crash after the status write but before the move.
	req.Status = model.ApprovalRejected
	require.NoError(t, store.ReplaceYAML(ctx, f.store, model.CollApprovalsPending, "task_1", req))

	moved, err := f.wf.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task_1"}, moved)

	got, ok, err := f.wf.Resolved(ctx, "task_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.ApprovalRejected, got.Status)

	moved, err = f.wf.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, moved)
}

func TestPolicy_Reason(t *testing.T) {
	p := PolicyFromConfig(model.ApprovalConfig{
		SensitiveKeywords: []string{"Payment", "pay", " delete ", ""},
		AmountThreshold:   100,
	})

	tests := []struct {
		text     string
		metadata map[string]string
		want     string
	}{
		{"pay invoice #42", nil, "sensitive keyword: pay"},
		{"Schedule PAYMENT run", nil, "sensitive keyword: payment"},
		{"repay the loan", nil, ""},
		{"order lunch", map[string]string{"amount": "150"}, "amount 150 exceeds 100"},
		{"order lunch", map[string]string{"amount": "100"}, ""},
		{"order lunch", map[string]string{"amount": "lots"}, ""},
		{"summarise notes", nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Reason(tt.text, tt.metadata), tt.text)
		assert.Equal(t, tt.want != "", p.Sensitive(tt.text, tt.metadata), tt.text)
	}
}
