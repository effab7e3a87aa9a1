package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/msageha/taskvault/internal/approval"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/orchestrator"
	"github.com/msageha/taskvault/internal/store"
	"github.com/msageha/taskvault/internal/uds"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle("shutdown", func(*uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("scan", func(*uds.Request) *uds.Response {
		return d.respond(d.rt.Scan(d.ctx))
	})

	d.server.Handle("status", func(req *uds.Request) *uds.Response {
		var p StatusParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		snap, err := d.rt.Status(d.ctx, p)
		snap.Daemon.Running = true
		return d.respond(snap, err)
	})

	d.server.Handle("metrics", func(*uds.Request) *uds.Response {
		return d.respond(d.rt.MetricsSnapshot(d.ctx))
	})

	d.server.Handle("reconcile", func(*uds.Request) *uds.Response {
		repairs, err := d.rt.Reconcile(d.ctx)
		if err == nil {
			d.Kick()
		}
		return d.respond(repairs, err)
	})

	d.server.Handle("decide", func(req *uds.Request) *uds.Response {
		var p DecideParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		dec, err := d.rt.Decide(d.ctx, p)
		if err == nil {
			d.logger.Infof("decision_recorded task=%s status=%s by=%s", p.TaskID, p.Status, p.DecidedBy)
			d.Kick()
		}
		return d.respond(dec, err)
	})

	d.server.Handle("archive", func(req *uds.Request) *uds.Response {
		var p ArchiveParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		return d.respond(d.rt.Archive(d.ctx, p))
	})

	d.server.Handle("jobs_list", func(*uds.Request) *uds.Response {
		jobs, err := d.rt.Scheduler.List(d.ctx)
		if jobs == nil {
			jobs = []model.ScheduledJob{}
		}
		return d.respond(jobs, err)
	})

	d.server.Handle("jobs_add", func(req *uds.Request) *uds.Response {
		var p JobAddParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		return d.respond(d.rt.AddJob(d.ctx, p))
	})

	d.server.Handle("jobs_remove", func(req *uds.Request) *uds.Response {
		var p JobRemoveParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		if err := d.rt.RemoveJob(d.ctx, p); err != nil {
			return d.respond(nil, err)
		}
		return uds.SuccessResponse(map[string]string{"removed": p.ID})
	})

	d.server.Handle("jobs_run", func(req *uds.Request) *uds.Response {
		var p JobRunParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		res, err := d.rt.RunJob(d.ctx, p)
		if err == nil {
			d.Kick()
		}
		return d.respond(res, err)
	})
}

// respond turns an operation result into a response. Fatal errors also stop
// the daemon.
func (d *Daemon) respond(data any, err error) *uds.Response {
	if err == nil {
		return uds.SuccessResponse(data)
	}
	if fatal(d.ctx, err) {
		d.logger.Errorf("handler_fatal error=%v", err)
		go d.Shutdown()
	}
	return uds.ErrorResponse(errorCode(err), err.Error())
}

// errorCode maps an operation error to a protocol error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParams),
		errors.Is(err, approval.ErrInvalidDecision),
		errors.Is(err, model.ErrMalformedContent):
		return uds.ErrCodeValidation
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, approval.ErrNoPending):
		return uds.ErrCodeNotFound
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, orchestrator.ErrNotArchivable):
		return uds.ErrCodeConflict
	case errors.Is(err, context.Canceled):
		return uds.ErrCodeShuttingDown
	default:
		return uds.ErrCodeInternal
	}
}
