package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, user_id, source_provider, source_account_id, target_provider,
	       target_account_id, target_folder, status, requested_items,
	       total_items, completed_items, failed_items, skipped_items,
	       total_bytes, transferred_bytes, usage_state, cancel_requested,
	       error_msg, created_at, started_at, completed_at, metadata`

func scanJob(row pgx.Row) (*models.TransferJob, error) {
	var job models.TransferJob
	err := row.Scan(
		&job.ID, &job.UserID, &job.SourceProvider, &job.SourceAccountID,
		&job.TargetProvider, &job.TargetAccountID, &job.TargetFolder,
		&job.Status, &job.RequestedItems,
		&job.TotalItems, &job.CompletedItems, &job.FailedItems, &job.SkippedItems,
		&job.TotalBytes, &job.TransferredBytes, &job.UsageState, &job.CancelRequested,
		&job.ErrorMsg, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob persists a new transfer job header. No provider calls happen
// here; the job starts pending with the raw requested item list.
func (r *Repository) CreateJob(ctx context.Context, job *models.TransferJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.UsageState == "" {
		job.UsageState = models.UsageStatePending
	}

	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO transfer_jobs
		 (id, user_id, source_provider, source_account_id, target_provider,
		  target_account_id, target_folder, status, requested_items, usage_state, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at`,
		job.ID, job.UserID, job.SourceProvider, job.SourceAccountID,
		job.TargetProvider, job.TargetAccountID, job.TargetFolder,
		job.Status, job.RequestedItems, job.UsageState, job.Metadata,
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a transfer job by ID.
func (r *Repository) GetJob(ctx context.Context, id string) (*models.TransferJob, error) {
	job, err := scanJob(r.db.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transfer_jobs WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetUserJobs lists a user's jobs, newest first.
func (r *Repository) GetUserJobs(ctx context.Context, userID string, limit, offset int) ([]*models.TransferJob, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM transfer_jobs
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.TransferJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// TransitionJob moves a job from an expected status to a new one. The
// conditional WHERE is the compare-and-swap: it returns false when the job
// was not in the expected status, typically because another worker already
// advanced it. started_at and completed_at are stamped on the transitions
// that first reach them and never move afterwards.
func (r *Repository) TransitionJob(ctx context.Context, jobID, from, to string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE transfer_jobs
		 SET status = $3,
		     started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
		     completed_at = CASE WHEN $4 AND completed_at IS NULL THEN NOW() ELSE completed_at END
		 WHERE id = $1 AND status = $2`,
		jobID, from, to, models.IsTerminalJobStatus(to),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetJobTotals records the aggregate computed during prepare.
func (r *Repository) SetJobTotals(ctx context.Context, jobID string, totalItems int, totalBytes int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE transfer_jobs SET total_items = $2, total_bytes = $3 WHERE id = $1`,
		jobID, totalItems, totalBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to set job totals: %w", err)
	}
	return nil
}

// SetJobError records a job-level failure message.
func (r *Repository) SetJobError(ctx context.Context, jobID, msg string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE transfer_jobs SET error_msg = $2 WHERE id = $1`,
		jobID, msg,
	)
	if err != nil {
		return fmt.Errorf("failed to set job error: %w", err)
	}
	return nil
}

// MarkJobFailed lands a job on failed from whatever non-terminal status it
// is in, recording why. This bypasses the usual compare-and-swap because it
// runs when the queue has given up redelivering the job and no worker will
// ever advance it.
func (r *Repository) MarkJobFailed(ctx context.Context, jobID, msg string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE transfer_jobs
		 SET status = $2, error_msg = $3,
		     completed_at = COALESCE(completed_at, NOW())
		 WHERE id = $1 AND status IN ($4, $5, $6, $7)`,
		jobID, models.JobStatusFailed, msg,
		models.JobStatusPending, models.JobStatusPreparing,
		models.JobStatusQueued, models.JobStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateJobItems materializes the per-item rows for a prepared job in one
// transaction.
func (r *Repository) CreateJobItems(ctx context.Context, items []*models.TransferJobItem) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		if item.Status == "" {
			item.Status = models.ItemStatusQueued
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO transfer_job_items
			 (id, job_id, position, source_item_id, source_name, size_bytes, status, error_message)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.ID, item.JobID, item.Position, item.SourceItemID,
			item.SourceName, item.SizeBytes, item.Status, item.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("failed to insert job item: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetJobItems lists a job's items in creation order.
func (r *Repository) GetJobItems(ctx context.Context, jobID string) ([]*models.TransferJobItem, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, job_id, position, source_item_id, source_name, size_bytes,
		        status, error_message, target_item_id, target_web_url,
		        bytes_transferred, started_at, completed_at
		 FROM transfer_job_items
		 WHERE job_id = $1
		 ORDER BY position`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job items: %w", err)
	}
	defer rows.Close()

	var items []*models.TransferJobItem
	for rows.Next() {
		var item models.TransferJobItem
		err := rows.Scan(
			&item.ID, &item.JobID, &item.Position, &item.SourceItemID,
			&item.SourceName, &item.SizeBytes, &item.Status, &item.ErrorMessage,
			&item.TargetItemID, &item.TargetWebURL, &item.BytesTransferred,
			&item.StartedAt, &item.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job item: %w", err)
		}
		items = append(items, &item)
	}
	return items, nil
}

// StartItem moves an item from queued to running. False means the item was
// already picked up.
func (r *Repository) StartItem(ctx context.Context, itemID string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE transfer_job_items SET status = $2, started_at = NOW()
		 WHERE id = $1 AND status = $3`,
		itemID, models.ItemStatusRunning, models.ItemStatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("failed to start item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishItem records an item's terminal outcome and bumps the job's
// progress counters in the same transaction. Counters only ever increase.
func (r *Repository) FinishItem(ctx context.Context, item *models.TransferJobItem) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE transfer_job_items
		 SET status = $2, error_message = $3, target_item_id = $4,
		     target_web_url = $5, bytes_transferred = $6, completed_at = NOW()
		 WHERE id = $1`,
		item.ID, item.Status, item.ErrorMessage, item.TargetItemID,
		item.TargetWebURL, item.BytesTransferred,
	)
	if err != nil {
		return fmt.Errorf("failed to finish item: %w", err)
	}

	var completedDelta, failedDelta, skippedDelta int
	switch item.Status {
	case models.ItemStatusDone:
		completedDelta = 1
	case models.ItemStatusFailed:
		failedDelta = 1
	case models.ItemStatusSkipped:
		skippedDelta = 1
	}

	_, err = tx.Exec(ctx,
		`UPDATE transfer_jobs
		 SET completed_items = completed_items + $2,
		     failed_items = failed_items + $3,
		     skipped_items = skipped_items + $4
		 WHERE id = $1`,
		item.JobID, completedDelta, failedDelta, skippedDelta,
	)
	if err != nil {
		return fmt.Errorf("failed to bump job counters: %w", err)
	}

	return tx.Commit(ctx)
}

// AddTransferredBytes bumps the job's transferred byte counter. Called
// incrementally as chunks land so pollers see live progress.
func (r *Repository) AddTransferredBytes(ctx context.Context, jobID string, delta int64) error {
	if delta <= 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE transfer_jobs SET transferred_bytes = transferred_bytes + $2 WHERE id = $1`,
		jobID, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to add transferred bytes: %w", err)
	}
	return nil
}

// RequestCancel sets the cooperative cancel flag. The orchestrator consults
// it between items only.
func (r *Repository) RequestCancel(ctx context.Context, jobID string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE transfer_jobs SET cancel_requested = TRUE WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// CancelIfNotStarted terminates a job that has not begun running. Returns
// false when the job is past the point of direct cancellation; the
// cooperative flag handles it from there.
func (r *Repository) CancelIfNotStarted(ctx context.Context, jobID string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE transfer_jobs
		 SET status = $2, completed_at = NOW()
		 WHERE id = $1 AND status IN ($3, $4)`,
		jobID, models.JobStatusCancelled, models.JobStatusPending, models.JobStatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IsCancelRequested reads the cooperative cancel flag.
func (r *Repository) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT cancel_requested FROM transfer_jobs WHERE id = $1`, jobID,
	).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, models.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// ListStuckJobs returns ids of jobs sitting in the given status for longer
// than the threshold. The sweeper requeues them.
func (r *Repository) ListStuckJobs(ctx context.Context, status string, olderThan time.Duration, limit int) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id FROM transfer_jobs
		 WHERE status = $1 AND created_at < NOW() - $2::interval
		 ORDER BY created_at
		 LIMIT $3`,
		status, fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
