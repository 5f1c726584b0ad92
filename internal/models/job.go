package models

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Job lifecycle states persisted in Postgres.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobError   = "error"
)

// Task states. A task is created queued, becomes sent while leased,
// and finishes as ok or error. An expired lease drops it back to queued.
const (
	TaskQueued = "queued"
	TaskSent   = "sent"
	TaskOK     = "ok"
	TaskError  = "error"
)

// Job kinds.
const (
	KindFetch   = "fetch"
	KindAnalyze = "analyze"
	KindSend    = "send"
)

// Job represents a batch of work owned by one client.
type Job struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Priority   int            `json:"priority"`
	BatchSize  int            `json:"batch_size"`
	Extra      map[string]any `json:"extra,omitempty"`
	TotalItems int            `json:"total_items"`
	Status     string         `json:"status"`
	ClientID   string         `json:"client_id"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Task is one item of a job's work, leased and resolved independently.
// CorrelationID ties the task back to the request chain that spawned
// it; chained jobs inherit it from their parent. Kind is denormalized
// from the owning job when a task is leased so executors need no
// second lookup.
type Task struct {
	JobID          string         `json:"job_id"`
	TaskID         string         `json:"task_id"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Kind           string         `json:"kind,omitempty"`
	AccountID      *string        `json:"account_id,omitempty"`
	Username       string         `json:"username"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         string         `json:"status"`
	Error          *string        `json:"error,omitempty"`
	ClientID       string         `json:"client_id"`
	Attempts       int            `json:"attempts"`
	LeaseTTL       int            `json:"lease_ttl"`
	LeasedBy       *string        `json:"leased_by,omitempty"`
	LeasedAt       *time.Time     `json:"leased_at,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Summary aggregates task counts by state for one job.
// Queued+Sent+OK+Error always equals the job's total_items.
type Summary struct {
	Queued int `json:"queued"`
	Sent   int `json:"sent"`
	OK     int `json:"ok"`
	Error  int `json:"error"`
}

// Finished reports whether no task remains queued or sent.
func (s Summary) Finished() bool {
	return s.Queued == 0 && s.Sent == 0
}

// Result is what an executor reports back for one task. Items carries
// discovered destinations for fetch tasks.
type Result struct {
	OK    bool
	Error string
	Steps []string
	Items []string
}

// NewJobID mints a fresh job identifier.
func NewJobID() string {
	u := uuid.New()
	return "job:" + hex.EncodeToString(u[:])
}

// DeriveJobID deterministically derives a follow-on job id from a parent
// job, so re-deriving after a restart yields the same id.
func DeriveJobID(parentID, suffix string) string {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(parentID+"/"+suffix))
	return "job:" + hex.EncodeToString(u[:])
}

// TaskID builds the canonical task identifier within a job.
func TaskID(jobID, kind, username string) string {
	return jobID + ":" + kind + ":" + username
}
