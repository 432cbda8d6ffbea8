package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// TransferJob statuses. The lifecycle is
// pending -> preparing -> {queued | blocked_quota} -> running -> terminal.
const (
	JobStatusPending      = "pending"
	JobStatusPreparing    = "preparing"
	JobStatusQueued       = "queued"
	JobStatusBlockedQuota = "blocked_quota"
	JobStatusRunning      = "running"
	JobStatusDone         = "done"
	JobStatusDoneSkipped  = "done_skipped"
	JobStatusFailed       = "failed"
	JobStatusPartial      = "partial"
	JobStatusCancelled    = "cancelled"
)

// TransferJobItem statuses.
const (
	ItemStatusQueued  = "queued"
	ItemStatusRunning = "running"
	ItemStatusDone    = "done"
	ItemStatusFailed  = "failed"
	ItemStatusSkipped = "skipped"
)

// Usage settlement states for a job. Settlement is the pending->settled
// gate that makes CompleteUsage idempotent.
const (
	UsageStatePending = "pending"
	UsageStateSettled = "settled"
)

// TransferJob is one user-initiated request to move a set of items from a
// source provider account to a target one. Progress counters only ever
// increase.
type TransferJob struct {
	ID               string     `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	SourceProvider   string     `json:"source_provider" db:"source_provider"`
	SourceAccountID  string     `json:"source_account_id" db:"source_account_id"`
	TargetProvider   string     `json:"target_provider" db:"target_provider"`
	TargetAccountID  string     `json:"target_account_id" db:"target_account_id"`
	TargetFolder     string     `json:"target_folder" db:"target_folder"`
	Status           string     `json:"status" db:"status"`
	RequestedItems   StringList `json:"requested_items" db:"requested_items"`
	TotalItems       int        `json:"total_items" db:"total_items"`
	CompletedItems   int        `json:"completed_items" db:"completed_items"`
	FailedItems      int        `json:"failed_items" db:"failed_items"`
	SkippedItems     int        `json:"skipped_items" db:"skipped_items"`
	TotalBytes       int64      `json:"total_bytes" db:"total_bytes"`
	TransferredBytes int64      `json:"transferred_bytes" db:"transferred_bytes"`
	UsageState       string     `json:"usage_state" db:"usage_state"`
	CancelRequested  bool       `json:"cancel_requested" db:"cancel_requested"`
	ErrorMsg         string     `json:"error_msg,omitempty" db:"error_msg"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Metadata         Metadata   `json:"metadata,omitempty" db:"metadata"`
}

// TransferJobItem is one file within a job. Items are processed in Position
// order.
type TransferJobItem struct {
	ID               string     `json:"id" db:"id"`
	JobID            string     `json:"job_id" db:"job_id"`
	Position         int        `json:"position" db:"position"`
	SourceItemID     string     `json:"source_item_id" db:"source_item_id"`
	SourceName       string     `json:"source_name" db:"source_name"`
	SizeBytes        int64      `json:"size_bytes" db:"size_bytes"`
	Status           string     `json:"status" db:"status"`
	ErrorMessage     string     `json:"error_message,omitempty" db:"error_message"`
	TargetItemID     string     `json:"target_item_id,omitempty" db:"target_item_id"`
	TargetWebURL     string     `json:"target_web_url,omitempty" db:"target_web_url"`
	BytesTransferred int64      `json:"bytes_transferred" db:"bytes_transferred"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminalJobStatus reports whether a job status admits no further
// transitions.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusDone, JobStatusDoneSkipped, JobStatusFailed,
		JobStatusPartial, JobStatusCancelled, JobStatusBlockedQuota:
		return true
	}
	return false
}

// FinalJobStatus derives the terminal status from per-item outcomes once
// every item has been processed. Skipped items are neutral: they neither
// fail a job nor make it partial.
func FinalJobStatus(done, failed, skipped int) string {
	total := done + failed + skipped
	switch {
	case total == 0:
		return JobStatusDoneSkipped
	case skipped == total:
		return JobStatusDoneSkipped
	case failed == total:
		return JobStatusFailed
	case failed == 0:
		return JobStatusDone
	case done == 0:
		return JobStatusFailed
	default:
		return JobStatusPartial
	}
}

// StringList is a JSONB-persisted list of strings.
type StringList []string

// Value implements driver.Valuer for database storage.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for database retrieval.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, l)
}

// Metadata is a JSONB-persisted string map attached to a job.
type Metadata map[string]string

// Value implements driver.Valuer for database storage.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		m = Metadata{}
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, m)
}
