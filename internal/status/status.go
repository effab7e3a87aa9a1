// Package status builds the read-only dashboard projection of a vault from
// its collections and audit trail.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/template"
	"time"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/store"
	"github.com/msageha/taskvault/internal/uds"
)

// BacklogThreshold is the intake+scored depth above which health is "warning".
const BacklogThreshold = 10

const (
	HealthOK      = "ok"
	HealthWarning = "warning"
)

type Snapshot struct {
	GeneratedAt      time.Time         `json:"generated_at"`
	Daemon           DaemonStatus      `json:"daemon"`
	Health           string            `json:"health"`
	Warnings         []string          `json:"warnings,omitempty"`
	Counts           []CollectionCount `json:"counts"`
	PendingApprovals []PendingApproval `json:"pending_approvals"`
	Jobs             []Job             `json:"jobs"`
	Failed           []FailedTask      `json:"failed"`
	Recent           []AuditEvent      `json:"recent"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
}

type CollectionCount struct {
	Collection string `json:"collection"`
	Records    int    `json:"records"`
}

type PendingApproval struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Action      string    `json:"action"`
	RequestedAt time.Time `json:"requested_at"`
	EscalateAt  time.Time `json:"escalate_at"`
	TimeoutAt   time.Time `json:"timeout_at"`
	Escalated   bool      `json:"escalated"`
}

type Job struct {
	ID         string          `json:"id"`
	Spec       string          `json:"spec"`
	Status     model.JobStatus `json:"status"`
	NextRun    time.Time       `json:"next_run"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
}

type FailedTask struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AuditEvent struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	EventType string    `json:"event_type"`
	TaskID    string    `json:"task_id,omitempty"`
}

// Collect reads the current state of s and the last recent entries of the
// audit trail. reader may be nil. Unreadable records are reported as
// warnings, not errors.
func Collect(ctx context.Context, s store.Store, reader *audit.Reader, now time.Time, recent int) (Snapshot, error) {
	snap := Snapshot{
		GeneratedAt:      now.UTC(),
		Health:           HealthOK,
		PendingApprovals: []PendingApproval{},
		Jobs:             []Job{},
		Failed:           []FailedTask{},
		Recent:           []AuditEvent{},
	}

	backlog := 0
	for _, coll := range model.AllCollections() {
		ids, err := store.ListAll(ctx, s, coll)
		if err != nil {
			return snap, fmt.Errorf("count %s: %w", coll, err)
		}
		snap.Counts = append(snap.Counts, CollectionCount{Collection: coll, Records: len(ids)})
		if coll == model.CollectionFor(model.TaskIntake) || coll == model.CollectionFor(model.TaskScored) {
			backlog += len(ids)
		}
	}
	if backlog > BacklogThreshold {
		snap.warn("backlog of %d tasks in intake and scored exceeds %d", backlog, BacklogThreshold)
	}

	if err := eachRecord(ctx, s, model.CollApprovalsPending, model.FileTypeApproval, &snap, func(r model.ApprovalRequest) {
		snap.PendingApprovals = append(snap.PendingApprovals, PendingApproval{
			ID:          r.ID,
			TaskID:      r.TaskID,
			Action:      r.ActionDescription,
			RequestedAt: r.RequestedAt,
			EscalateAt:  r.EscalateAt,
			TimeoutAt:   r.TimeoutAt,
			Escalated:   r.EscalatedAt != nil,
		})
	}); err != nil {
		return snap, err
	}
	sort.Slice(snap.PendingApprovals, func(i, j int) bool {
		a, b := snap.PendingApprovals[i], snap.PendingApprovals[j]
		if !a.TimeoutAt.Equal(b.TimeoutAt) {
			return a.TimeoutAt.Before(b.TimeoutAt)
		}
		return a.TaskID < b.TaskID
	})

	if err := eachRecord(ctx, s, model.CollJobs, model.FileTypeJob, &snap, func(j model.ScheduledJob) {
		snap.Jobs = append(snap.Jobs, Job{
			ID:         j.ID,
			Spec:       j.IntervalSpec,
			Status:     j.Status,
			NextRun:    j.NextRun,
			RetryCount: j.RetryCount,
			MaxRetries: j.MaxRetries,
			LastError:  j.LastError,
		})
	}); err != nil {
		return snap, err
	}
	sort.Slice(snap.Jobs, func(i, j int) bool {
		a, b := snap.Jobs[i], snap.Jobs[j]
		if !a.NextRun.Equal(b.NextRun) {
			return a.NextRun.Before(b.NextRun)
		}
		return a.ID < b.ID
	})

	if err := eachRecord(ctx, s, model.CollectionFor(model.TaskFailed), model.FileTypeTask, &snap, func(t model.TaskRecord) {
		snap.Failed = append(snap.Failed, FailedTask{
			ID:        t.ID,
			Reason:    t.Reason,
			LastError: t.LastError,
			UpdatedAt: t.UpdatedAt,
		})
	}); err != nil {
		return snap, err
	}
	sort.Slice(snap.Failed, func(i, j int) bool {
		a, b := snap.Failed[i], snap.Failed[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})

	if reader != nil && recent > 0 {
		entries, err := reader.Tail(recent)
		if err != nil {
			return snap, fmt.Errorf("read audit trail: %w", err)
		}
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			snap.Recent = append(snap.Recent, AuditEvent{
				Seq:       e.Seq,
				Timestamp: e.Timestamp,
				Actor:     e.Actor,
				EventType: e.EventType,
				TaskID:    e.TaskID,
			})
		}
	}
	return snap, nil
}

func (s *Snapshot) warn(format string, args ...any) {
	s.Health = HealthWarning
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

func eachRecord[T any](ctx context.Context, s store.Store, coll, fileType string, snap *Snapshot, fn func(T)) error {
	ids, err := store.ListAll(ctx, s, coll)
	if err != nil {
		return fmt.Errorf("list %s: %w", coll, err)
	}
	for _, id := range ids {
		rec, err := store.ReadYAML[T](ctx, s, coll, id, fileType)
		if err != nil {
			snap.warn("unreadable record %s/%s: %v", coll, id, err)
			continue
		}
		fn(rec)
	}
	return nil
}

// CheckDaemon pings the daemon's control socket.
func CheckDaemon(sockPath string) DaemonStatus {
	client := uds.NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	return DaemonStatus{Running: client.Ping()}
}

var textTemplate = template.Must(template.New("status").Funcs(template.FuncMap{
	"ts": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
}).Parse(`taskvault status  {{ ts .GeneratedAt }}
daemon:  {{ if .Daemon.Running }}running{{ else }}stopped{{ end }}
health:  {{ .Health }}
{{- range .Warnings }}
  ! {{ . }}
{{- end }}

COLLECTION           RECORDS
{{- range .Counts }}
{{ printf "%-20s" .Collection }} {{ .Records }}
{{- end }}

PENDING APPROVALS
{{- range .PendingApprovals }}
{{ .TaskID }}  escalate {{ ts .EscalateAt }}  timeout {{ ts .TimeoutAt }}{{ if .Escalated }}  escalated{{ end }}
  {{ .Action }}
{{- else }}
  none
{{- end }}

JOBS
{{- range .Jobs }}
{{ .ID }}  {{ .Status }}  {{ .Spec }}  next {{ ts .NextRun }}  retries {{ .RetryCount }}/{{ .MaxRetries }}
{{- else }}
  none
{{- end }}

FAILED TASKS
{{- range .Failed }}
{{ .ID }}  {{ .Reason }}{{ if .LastError }}: {{ .LastError }}{{ end }}
{{- else }}
  none
{{- end }}

RECENT AUDIT
{{- range .Recent }}
{{ printf "%6d" .Seq }}  {{ ts .Timestamp }}  {{ .EventType }}{{ if .TaskID }}  {{ .TaskID }}{{ end }}
{{- else }}
  none
{{- end }}
`))

// Render writes the human-readable view of snap.
func Render(w io.Writer, snap Snapshot) error {
	return textTemplate.Execute(w, snap)
}

// RenderJSON writes snap as indented JSON.
func RenderJSON(w io.Writer, snap Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
