package domain

import "time"

// JobStatus represents the runtime state of a queued unit of work.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final one.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartial || s == JobFailed
}

// Job is the runtime-facing unit of queued work. It wraps one
// processing request and binds to a session once a worker picks it up.
// The session outlives the job record for audit and resume purposes.
type Job struct {
	ID           string    `db:"id"            json:"job_id"`
	Status       JobStatus `db:"status"        json:"status"`
	InputPath    string    `db:"input_path"    json:"input_path"`
	OutputDir    string    `db:"output_dir"    json:"output_dir"`
	RequestHash  string    `db:"request_hash"  json:"request_hash,omitempty"`
	SessionID    string    `db:"session_id"    json:"session_id,omitempty"`
	RequeueCount int       `db:"requeue_count" json:"requeue_count"`
	Reason       string    `db:"reason"        json:"reason,omitempty"`

	CreatedAt  time.Time  `db:"-" json:"created_at"`
	StartedAt  *time.Time `db:"-" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"-" json:"finished_at,omitempty"`
}

// Job event types, written on every status transition.
const (
	EventEnqueued  = "enqueued"
	EventStarted   = "started"
	EventRequeued  = "requeued"
	EventCompleted = "completed"
	EventPartial   = "partial"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
	EventReconcile = "reconciled"
)

// JobEvent is an append-only audit trail entry. Events are never
// mutated, only appended.
type JobEvent struct {
	ID        string    `db:"id"         json:"id"`
	JobID     string    `db:"job_id"     json:"job_id"`
	EventType string    `db:"event_type" json:"event_type"`
	Message   string    `db:"message"    json:"message,omitempty"`
	Payload   string    `db:"payload"    json:"payload,omitempty"`
	EventTime time.Time `db:"-"          json:"event_time"`
}
