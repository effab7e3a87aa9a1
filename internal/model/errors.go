package model

import "errors"

// Error taxonomy. Admission conflicts are reported through Admission.Admitted
// and approval expiry through ApprovalExpired; neither is an error.
var (
	// ErrTransientIngest marks a malformed inbound event; the source retries, the core does not.
	ErrTransientIngest = errors.New("transient ingest error")
	// ErrMalformedContent marks task content the scorer cannot evaluate.
	ErrMalformedContent = errors.New("malformed content")
	// ErrPlanningFailure marks a reasoning collaborator failure.
	ErrPlanningFailure = errors.New("planning failure")
	// ErrExecutionFailure marks an action collaborator failure. Never retried automatically.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrPersistence marks a failed record-store write or move.
	ErrPersistence = errors.New("persistence failure")
	// ErrSchedulerJob marks a failed scheduled job run.
	ErrSchedulerJob = errors.New("scheduled job failure")
)
