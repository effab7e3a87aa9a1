package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/taskvault/internal/metrics"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/orchestrator"
	"github.com/msageha/taskvault/internal/scheduler"
	"github.com/msageha/taskvault/internal/status"
)

// ErrInvalidParams marks a request the caller must fix before retrying.
var ErrInvalidParams = errors.New("invalid parameters")

// Operations shared by the socket handlers and the CLI's local mode. Each
// takes the same parameters whichever path carries it.

type DecideParams struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	DecidedBy string `json:"decided_by"`
	Note      string `json:"note,omitempty"`
}

type ArchiveParams struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

type JobAddParams struct {
	Spec     string            `json:"spec"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type JobRemoveParams struct {
	ID string `json:"id"`
}

type JobRunParams struct {
	ID string `json:"id"`
}

// JobRunResult names the task source a manual run admitted under.
type JobRunResult struct {
	JobID      string `json:"job_id"`
	Run        string `json:"run"`
	ExternalID string `json:"external_id"`
}

type StatusParams struct {
	Recent int `json:"recent"`
}

// ScanResult sums the pipeline passes a scan ran.
type ScanResult struct {
	Admitted          int            `json:"admitted"`
	Passes            int            `json:"passes"`
	Transitions       map[string]int `json:"transitions"`
	ApprovalsResolved int            `json:"approvals_resolved"`
	Errors            int            `json:"errors"`
}

func (r ScanResult) Total() int {
	n := 0
	for _, c := range r.Transitions {
		n += c
	}
	return n
}

// maxScanPasses bounds a scan; tasks waiting on backoff or a human stop it
// sooner.
const maxScanPasses = 20

func (rt *Runtime) Decide(ctx context.Context, p DecideParams) (model.Decision, error) {
	if p.TaskID == "" {
		return model.Decision{}, fmt.Errorf("%w: task_id is required", ErrInvalidParams)
	}
	if p.DecidedBy == "" {
		return model.Decision{}, fmt.Errorf("%w: decided_by is required", ErrInvalidParams)
	}
	return rt.Approvals.Decide(ctx, p.TaskID, model.ApprovalStatus(p.Status), p.DecidedBy, p.Note, rt.now())
}

func (rt *Runtime) Archive(ctx context.Context, p ArchiveParams) (model.TaskRecord, error) {
	if p.TaskID == "" {
		return model.TaskRecord{}, fmt.Errorf("%w: task_id is required", ErrInvalidParams)
	}
	return rt.Engine.Archive(ctx, p.TaskID, p.Reason)
}

func (rt *Runtime) AddJob(ctx context.Context, p JobAddParams) (model.ScheduledJob, error) {
	if _, err := scheduler.ParseSpec(p.Spec); err != nil {
		return model.ScheduledJob{}, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return rt.Scheduler.Add(ctx, p.Spec, p.Content, p.Metadata, rt.now())
}

func (rt *Runtime) RemoveJob(ctx context.Context, p JobRemoveParams) error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidParams)
	}
	return rt.Scheduler.Remove(ctx, p.ID)
}

// RunJob admits a job's content now, outside its schedule.
func (rt *Runtime) RunJob(ctx context.Context, p JobRunParams) (JobRunResult, error) {
	if p.ID == "" {
		return JobRunResult{}, fmt.Errorf("%w: id is required", ErrInvalidParams)
	}
	run, err := rt.Scheduler.RunNow(ctx, p.ID, rt.now())
	if err != nil {
		return JobRunResult{}, err
	}
	return JobRunResult{JobID: p.ID, Run: run.Key(), ExternalID: scheduler.ExternalID(p.ID, run)}, nil
}

// Scan admits whatever waits in the inbox, then runs pipeline passes until
// one makes no progress.
func (rt *Runtime) Scan(ctx context.Context) (ScanResult, error) {
	res := ScanResult{Transitions: make(map[string]int)}
	admitted, err := rt.Inbox.Scan(ctx)
	res.Admitted = admitted
	if err != nil {
		return res, err
	}
	for res.Passes < maxScanPasses {
		rep, err := rt.Engine.Step(ctx)
		res.Passes++
		if rep != nil {
			for k, v := range rep.Transitions {
				res.Transitions[k] += v
			}
			res.ApprovalsResolved += rep.ApprovalsResolved
			res.Errors += rep.Errors
		}
		if err != nil {
			return res, err
		}
		if rep.Total() == 0 && rep.ApprovalsResolved == 0 {
			break
		}
	}
	return res, nil
}

func (rt *Runtime) Status(ctx context.Context, p StatusParams) (status.Snapshot, error) {
	recent := p.Recent
	if recent <= 0 {
		recent = 10
	}
	return status.Collect(ctx, rt.Store, rt.Reader, rt.now(), recent)
}

func (rt *Runtime) Reconcile(ctx context.Context) ([]orchestrator.Repair, error) {
	return rt.Engine.Reconcile(ctx)
}

func (rt *Runtime) MetricsSnapshot(ctx context.Context) ([]metrics.Point, error) {
	return rt.Metrics.Snapshot(ctx)
}
