// Package scheduler runs recurring jobs by feeding their payloads into the
// same admission path as external events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/metrics"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/source"
	"github.com/msageha/taskvault/internal/store"
)

// SourceName is the event source of scheduler-admitted tasks.
const SourceName = "scheduler"

// Run identifies one firing of a job: the slot it was due at, or the time an
// operator asked for it.
type Run struct {
	Slot   time.Time `json:"slot"`
	Manual bool      `json:"manual"`
}

// Key names the run within its job. Manual runs never share a key with a
// scheduled slot.
func (r Run) Key() string {
	key := r.Slot.UTC().Format(time.RFC3339)
	if r.Manual {
		return "manual@" + key
	}
	return key
}

// Handler runs one firing of job.
type Handler func(ctx context.Context, job model.ScheduledJob, run Run) error

// AdmitHandler admits the job's payload as an event. The external id names
// the run, so firing one slot twice yields one task.
func AdmitHandler(a source.Admitter) Handler {
	return func(ctx context.Context, job model.ScheduledJob, run Run) error {
		meta := make(map[string]string, len(job.Metadata)+2)
		maps.Copy(meta, job.Metadata)
		meta["job_id"] = job.ID
		if run.Manual {
			meta["run"] = "manual"
		}
		_, err := a.Admit(ctx, model.Event{
			Source:     SourceName,
			ExternalID: ExternalID(job.ID, run),
			Content:    job.Content,
			Metadata:   meta,
		})
		return err
	}
}

// ExternalID is the event id AdmitHandler uses for run of jobID.
func ExternalID(jobID string, run Run) string {
	return jobID + "@" + run.Key()
}

type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func OptionsFromConfig(cfg model.Config) Options {
	return Options{
		MaxRetries:  cfg.Scheduler.MaxRetries,
		BackoffBase: cfg.Retry.Base(),
		BackoffCap:  cfg.Retry.Cap(),
	}
}

type Scheduler struct {
	store   store.Store
	audit   audit.Recorder
	handler Handler
	metrics *metrics.Recorder
	logger  *logging.Logger
	opts    Options
	locks   *lock.MutexMap
}

// New builds a scheduler. rec, handler and m may be nil for CLI use (Add,
// Remove, List); Tick requires a handler.
func New(s store.Store, rec audit.Recorder, handler Handler, m *metrics.Recorder, logger *logging.Logger, opts Options) *Scheduler {
	return &Scheduler{
		store:   s,
		audit:   rec,
		handler: handler,
		metrics: m,
		logger:  logger,
		opts:    opts,
		locks:   lock.NewMutexMap(),
	}
}

// Add registers a job whose first run is the first slot after now.
func (s *Scheduler) Add(ctx context.Context, spec, content string, metadata map[string]string, now time.Time) (model.ScheduledJob, error) {
	sched, err := ParseSpec(spec)
	if err != nil {
		return model.ScheduledJob{}, err
	}
	if content == "" {
		return model.ScheduledJob{}, fmt.Errorf("%w: job content is empty", model.ErrMalformedContent)
	}
	id, err := model.GenerateID(model.IDTypeJob)
	if err != nil {
		return model.ScheduledJob{}, err
	}
	now = now.UTC()
	job := model.ScheduledJob{
		SchemaVersion: 1,
		FileType:      model.FileTypeJob,
		ID:            id,
		IntervalSpec:  spec,
		Content:       content,
		Metadata:      metadata,
		Status:        model.JobActive,
		CreatedAt:     now,
		NextRun:       sched.Next(now).UTC(),
		MaxRetries:    s.opts.MaxRetries,
	}
	if err := store.CreateYAML(ctx, s.store, model.CollJobs, id, job); err != nil {
		return model.ScheduledJob{}, fmt.Errorf("%w: create job: %w", model.ErrPersistence, err)
	}
	if _, err := s.record(audit.Entry{
		Timestamp: now,
		EventType: "job_added",
		Details:   map[string]any{"job_id": id, "interval_spec": spec},
	}); err != nil {
		return job, err
	}
	return job, nil
}

func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	if err := s.store.Delete(ctx, model.CollJobs, id); err != nil {
		return err
	}
	_, err := s.record(audit.Entry{EventType: "job_removed", Details: map[string]any{"job_id": id}})
	return err
}

func (s *Scheduler) Get(ctx context.Context, id string) (model.ScheduledJob, error) {
	return store.ReadYAML[model.ScheduledJob](ctx, s.store, model.CollJobs, id, model.FileTypeJob)
}

// List returns every job ordered by next run.
func (s *Scheduler) List(ctx context.Context) ([]model.ScheduledJob, error) {
	var jobs []model.ScheduledJob
	for id, err := range s.store.List(ctx, model.CollJobs) {
		if err != nil {
			return jobs, err
		}
		job, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].NextRun.Equal(jobs[j].NextRun) {
			return jobs[i].NextRun.Before(jobs[j].NextRun)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// Tick fires every active job due at now and returns how many ran.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	if s.handler == nil {
		return 0, errors.New("scheduler has no handler")
	}
	ids, err := store.ListAll(ctx, s.store, model.CollJobs)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		ran, err := s.fire(ctx, id, now.UTC())
		if err != nil {
			if errors.Is(err, audit.ErrWrite) || errors.Is(err, model.ErrPersistence) {
				return fired, err
			}
			s.logger.Warnf("job_skipped job=%s error=%v", id, err)
			continue
		}
		if ran {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, id string, now time.Time) (bool, error) {
	if !s.locks.TryLock(id) {
		return false, nil
	}
	defer s.locks.Unlock(id)

	job, err := s.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.Status != model.JobActive || now.Before(job.NextRun) {
		return false, nil
	}
	sched, err := ParseSpec(job.IntervalSpec)
	if err != nil {
		return false, err
	}

	// Persist the next slot before running so a crash mid-run cannot replay it.
	slot := job.NextRun
	next := sched.Next(now).UTC()
	job.LastRun = &now
	job.NextRun = next
	if err := store.ReplaceYAML(ctx, s.store, model.CollJobs, id, job); err != nil {
		return false, fmt.Errorf("%w: persist next run: %w", model.ErrPersistence, err)
	}

	runErr := s.handler(ctx, job, Run{Slot: slot})
	if runErr == nil {
		if job.RetryCount > 0 || job.LastError != "" {
			job.RetryCount = 0
			job.LastError = ""
			if err := store.ReplaceYAML(ctx, s.store, model.CollJobs, id, job); err != nil {
				return true, fmt.Errorf("%w: reset retries: %w", model.ErrPersistence, err)
			}
		}
		s.metrics.JobRun(ctx, "ok")
		s.logger.Infof("job_run job=%s slot=%s next_run=%s", id, slot.Format(time.RFC3339), next.Format(time.RFC3339))
		return true, nil
	}
	if errors.Is(runErr, audit.ErrWrite) {
		return true, runErr
	}

	job.RetryCount++
	job.LastError = runErr.Error()
	failed := job.RetryCount > job.MaxRetries
	if failed {
		job.Status = model.JobFailed
	} else {
		job.NextRun = next.Add(model.Backoff(s.opts.BackoffBase, s.opts.BackoffCap, job.RetryCount))
	}
	if err := store.ReplaceYAML(ctx, s.store, model.CollJobs, id, job); err != nil {
		return true, fmt.Errorf("%w: record job failure: %w", model.ErrPersistence, err)
	}

	if !failed {
		s.metrics.JobRun(ctx, "retry")
		s.logger.Warnf("job_retry job=%s attempt=%d next_run=%s error=%v",
			id, job.RetryCount, job.NextRun.Format(time.RFC3339), runErr)
		return true, nil
	}

	s.metrics.JobRun(ctx, "failed")
	s.logger.Errorf("job_failed job=%s retries=%d error=%v", id, job.RetryCount, runErr)
	if _, err := s.record(audit.Entry{
		Timestamp: now,
		EventType: "job_failed",
		Details: map[string]any{
			"job_id":      id,
			"retry_count": job.RetryCount,
			"error":       fmt.Errorf("%w: %w", model.ErrSchedulerJob, runErr).Error(),
		},
	}); err != nil {
		return true, err
	}
	return true, nil
}

// RunNow fires job id once, outside its schedule. The job's next_run and
// retry state are left as they are.
func (s *Scheduler) RunNow(ctx context.Context, id string, now time.Time) (Run, error) {
	if s.handler == nil {
		return Run{}, errors.New("scheduler has no handler")
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	job, err := s.Get(ctx, id)
	if err != nil {
		return Run{}, err
	}
	run := Run{Slot: now.UTC(), Manual: true}
	runErr := s.handler(ctx, job, run)
	if errors.Is(runErr, audit.ErrWrite) {
		return run, runErr
	}

	details := map[string]any{"job_id": id, "run": run.Key()}
	result := "manual"
	if runErr != nil {
		result = "manual_failed"
		details["error"] = fmt.Errorf("%w: %w", model.ErrSchedulerJob, runErr).Error()
	}
	s.metrics.JobRun(ctx, result)
	if _, err := s.record(audit.Entry{Timestamp: run.Slot, EventType: "job_run_manual", Details: details}); err != nil {
		return run, err
	}
	if runErr != nil {
		s.logger.Warnf("job_run_manual_failed job=%s error=%v", id, runErr)
		return run, fmt.Errorf("%w: %w", model.ErrSchedulerJob, runErr)
	}
	s.logger.Infof("job_run_manual job=%s run=%s", id, run.Key())
	return run, nil
}

func (s *Scheduler) record(e audit.Entry) (audit.Entry, error) {
	if s.audit == nil {
		return e, nil
	}
	e.Actor = "scheduler"
	return s.audit.Record(e)
}
