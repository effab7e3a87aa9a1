package model

import "time"

// Record file types, checked against the schema header on every read.
const (
	FileTypeTask     = "task"
	FileTypePlan     = "plan"
	FileTypeApproval = "approval"
	FileTypeDecision = "decision"
	FileTypeJob      = "job"
	FileTypeLedger   = "ledger"
)

// Event is the normalized output of a perception source.
type Event struct {
	Source     string            `yaml:"source" json:"source"`
	ExternalID string            `yaml:"external_id" json:"external_id"`
	Content    string            `yaml:"content" json:"content"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Admission is the outcome of admitting an Event. A redelivered event yields
// Admitted=false and the task id created by the first delivery.
type Admission struct {
	TaskID   string `json:"task_id"`
	Admitted bool   `json:"admitted"`
}

type TaskRecord struct {
	SchemaVersion int               `yaml:"schema_version" json:"schema_version"`
	FileType      string            `yaml:"file_type" json:"file_type"`
	ID            string            `yaml:"id" json:"id"`
	Source        string            `yaml:"source" json:"source"`
	ExternalID    string            `yaml:"external_id" json:"external_id"`
	CreatedAt     time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `yaml:"updated_at" json:"updated_at"`
	PriorityScore float64           `yaml:"priority_score" json:"priority_score"`
	Status        TaskStatus        `yaml:"status" json:"status"`
	PrevStatus    TaskStatus        `yaml:"prev_status,omitempty" json:"prev_status,omitempty"`
	Revision      int               `yaml:"revision" json:"revision"`
	Content       string            `yaml:"content" json:"content"`
	Metadata      map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	PlanID        string     `yaml:"plan_id,omitempty" json:"plan_id,omitempty"`
	PlanAttempts  int        `yaml:"plan_attempts,omitempty" json:"plan_attempts,omitempty"`
	NextAttemptAt *time.Time `yaml:"next_attempt_at,omitempty" json:"next_attempt_at,omitempty"`
	LastError     string     `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	ApprovalID    string     `yaml:"approval_id,omitempty" json:"approval_id,omitempty"`
	Outcome       *Outcome   `yaml:"outcome,omitempty" json:"outcome,omitempty"`
	Reason        string     `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Outcome is what the action collaborator reported for an executed task.
type Outcome struct {
	Success    bool      `yaml:"success" json:"success"`
	Result     string    `yaml:"result,omitempty" json:"result,omitempty"`
	Error      string    `yaml:"error,omitempty" json:"error,omitempty"`
	RecordedAt time.Time `yaml:"recorded_at" json:"recorded_at"`
}

// PlanRecord is immutable once written; superseded plans move to the archive collection.
type PlanRecord struct {
	SchemaVersion     int       `yaml:"schema_version" json:"schema_version"`
	FileType          string    `yaml:"file_type" json:"file_type"`
	ID                string    `yaml:"id" json:"id"`
	TaskID            string    `yaml:"task_id" json:"task_id"`
	Steps             []string  `yaml:"steps" json:"steps"`
	RequiresApproval  bool      `yaml:"requires_approval" json:"requires_approval"`
	ApprovalReason    string    `yaml:"approval_reason,omitempty" json:"approval_reason,omitempty"`
	ActionDescription string    `yaml:"action_description,omitempty" json:"action_description,omitempty"`
	CreatedAt         time.Time `yaml:"created_at" json:"created_at"`
}

type NotificationAttempt struct {
	Channel    string    `yaml:"channel" json:"channel"`
	SentAt     time.Time `yaml:"sent_at" json:"sent_at"`
	Escalation bool      `yaml:"escalation,omitempty" json:"escalation,omitempty"`
	Error      string    `yaml:"error,omitempty" json:"error,omitempty"`
}

// ApprovalRequest is stored under its task id so at most one can be pending per task.
type ApprovalRequest struct {
	SchemaVersion     int                   `yaml:"schema_version" json:"schema_version"`
	FileType          string                `yaml:"file_type" json:"file_type"`
	ID                string                `yaml:"id" json:"id"`
	TaskID            string                `yaml:"task_id" json:"task_id"`
	ActionDescription string                `yaml:"action_description" json:"action_description"`
	RequestedAt       time.Time             `yaml:"requested_at" json:"requested_at"`
	EscalateAt        time.Time             `yaml:"escalate_at" json:"escalate_at"`
	TimeoutAt         time.Time             `yaml:"timeout_at" json:"timeout_at"`
	Status            ApprovalStatus        `yaml:"status" json:"status"`
	NotificationsSent []NotificationAttempt `yaml:"notifications_sent,omitempty" json:"notifications_sent,omitempty"`
	EscalatedAt       *time.Time            `yaml:"escalated_at,omitempty" json:"escalated_at,omitempty"`
	DecidedBy         string                `yaml:"decided_by,omitempty" json:"decided_by,omitempty"`
	Note              string                `yaml:"note,omitempty" json:"note,omitempty"`
	DecidedAt         *time.Time            `yaml:"decided_at,omitempty" json:"decided_at,omitempty"`
	ResolvedAt        *time.Time            `yaml:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

// Settled is when the request was resolved, or when it was raised if it
// is still open.
func (r ApprovalRequest) Settled() time.Time {
	if r.ResolvedAt != nil {
		return *r.ResolvedAt
	}
	return r.RequestedAt
}

// Decision is a human verdict written by the CLI; only the first one per task counts.
type Decision struct {
	SchemaVersion int            `yaml:"schema_version" json:"schema_version"`
	FileType      string         `yaml:"file_type" json:"file_type"`
	TaskID        string         `yaml:"task_id" json:"task_id"`
	Status        ApprovalStatus `yaml:"status" json:"status"`
	DecidedBy     string         `yaml:"decided_by" json:"decided_by"`
	Note          string         `yaml:"note,omitempty" json:"note,omitempty"`
	DecidedAt     time.Time      `yaml:"decided_at" json:"decided_at"`
}

type ScheduledJob struct {
	SchemaVersion int               `yaml:"schema_version" json:"schema_version"`
	FileType      string            `yaml:"file_type" json:"file_type"`
	ID            string            `yaml:"id" json:"id"`
	IntervalSpec  string            `yaml:"interval_spec" json:"interval_spec"`
	Content       string            `yaml:"content" json:"content"`
	Metadata      map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Status        JobStatus         `yaml:"status" json:"status"`
	CreatedAt     time.Time         `yaml:"created_at" json:"created_at"`
	LastRun       *time.Time        `yaml:"last_run,omitempty" json:"last_run,omitempty"`
	NextRun       time.Time         `yaml:"next_run" json:"next_run"`
	RetryCount    int               `yaml:"retry_count" json:"retry_count"`
	MaxRetries    int               `yaml:"max_retries" json:"max_retries"`
	LastError     string            `yaml:"last_error,omitempty" json:"last_error,omitempty"`
}

type LedgerEntry struct {
	SchemaVersion int       `yaml:"schema_version" json:"schema_version"`
	FileType      string    `yaml:"file_type" json:"file_type"`
	Source        string    `yaml:"source" json:"source"`
	ExternalID    string    `yaml:"external_id" json:"external_id"`
	TaskID        string    `yaml:"task_id" json:"task_id"`
	AdmittedAt    time.Time `yaml:"admitted_at" json:"admitted_at"`
	Event         Event     `yaml:"event" json:"event"`
}
