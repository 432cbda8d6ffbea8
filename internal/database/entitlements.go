package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
	"github.com/jackc/pgx/v5"
)

const entitlementColumns = `user_id, plan, plan_class, slot_total, slot_used,
	       lifetime_item_count, lifetime_byte_used, lifetime_byte_limit,
	       monthly_item_count, monthly_item_limit, monthly_byte_used, monthly_byte_limit,
	       max_item_bytes, period_start, created_at, updated_at`

func scanEntitlement(row pgx.Row) (*models.EntitlementRecord, error) {
	var e models.EntitlementRecord
	err := row.Scan(
		&e.UserID, &e.Plan, &e.PlanClass, &e.SlotTotal, &e.SlotUsed,
		&e.LifetimeItemCount, &e.LifetimeByteUsed, &e.LifetimeByteLimit,
		&e.MonthlyItemCount, &e.MonthlyItemLimit, &e.MonthlyByteUsed, &e.MonthlyByteLimit,
		&e.MaxItemBytes, &e.PeriodStart, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntitlement retrieves a user's entitlement record.
func (r *Repository) GetEntitlement(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	e, err := scanEntitlement(r.db.Pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1`,
		userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return e, nil
}

// EnsureEntitlement creates the entitlement record on the given plan if the
// user has none, then returns the current record. Existing records are
// never overwritten.
func (r *Repository) EnsureEntitlement(ctx context.Context, userID string, plan models.Plan) (*models.EntitlementRecord, error) {
	e := models.NewEntitlement(userID, plan, time.Now().UTC())
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO entitlements
		 (user_id, plan, plan_class, slot_total, slot_used,
		  lifetime_item_count, lifetime_byte_used, lifetime_byte_limit,
		  monthly_item_count, monthly_item_limit, monthly_byte_used, monthly_byte_limit,
		  max_item_bytes, period_start)
		 VALUES ($1, $2, $3, $4, 0, 0, 0, $5, 0, $6, 0, $7, $8, $9)
		 ON CONFLICT (user_id) DO NOTHING`,
		e.UserID, e.Plan, e.PlanClass, e.SlotTotal,
		e.LifetimeByteLimit, e.MonthlyItemLimit, e.MonthlyByteLimit,
		e.MaxItemBytes, e.PeriodStart,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure entitlement: %w", err)
	}
	return r.GetEntitlement(ctx, userID)
}

// CompleteJobUsage settles a job's usage in a single transaction: the
// pending to settled flip, the entitlement insert for first-time users,
// and the counter increment commit together or not at all, so a failed
// attempt leaves the job settleable by the retry. The job row lock is the
// idempotency gate: a second call finds usage_state already settled and
// gets ErrAlreadySettled without touching a counter. When expectedUser is
// non-empty the ownership check runs before anything mutates.
func (r *Repository) CompleteJobUsage(ctx context.Context, jobID, expectedUser string, bytes, items int64, plan models.Plan, now time.Time) (string, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID, usageState string
	err = tx.QueryRow(ctx,
		`SELECT user_id, usage_state FROM transfer_jobs WHERE id = $1 FOR UPDATE`,
		jobID,
	).Scan(&userID, &usageState)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock job: %w", err)
	}

	if expectedUser != "" && userID != expectedUser {
		return "", fmt.Errorf("job %s belongs to %s, not %s", jobID, userID, expectedUser)
	}
	if usageState == models.UsageStateSettled {
		return userID, models.ErrAlreadySettled
	}

	ne := models.NewEntitlement(userID, plan, now)
	_, err = tx.Exec(ctx,
		`INSERT INTO entitlements
		 (user_id, plan, plan_class, slot_total, slot_used,
		  lifetime_item_count, lifetime_byte_used, lifetime_byte_limit,
		  monthly_item_count, monthly_item_limit, monthly_byte_used, monthly_byte_limit,
		  max_item_bytes, period_start)
		 VALUES ($1, $2, $3, $4, 0, 0, 0, $5, 0, $6, 0, $7, $8, $9)
		 ON CONFLICT (user_id) DO NOTHING`,
		ne.UserID, ne.Plan, ne.PlanClass, ne.SlotTotal,
		ne.LifetimeByteLimit, ne.MonthlyItemLimit, ne.MonthlyByteLimit,
		ne.MaxItemBytes, ne.PeriodStart,
	)
	if err != nil {
		return "", fmt.Errorf("failed to ensure entitlement: %w", err)
	}

	e, err := scanEntitlement(tx.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1 FOR UPDATE`,
		userID,
	))
	if err != nil {
		return "", fmt.Errorf("failed to lock entitlement: %w", err)
	}

	e.ApplyUsage(now, bytes, items)

	_, err = tx.Exec(ctx,
		`UPDATE entitlements
		 SET lifetime_item_count = $2, lifetime_byte_used = $3,
		     monthly_item_count = $4, monthly_byte_used = $5,
		     period_start = $6, updated_at = NOW()
		 WHERE user_id = $1`,
		userID, e.LifetimeItemCount, e.LifetimeByteUsed,
		e.MonthlyItemCount, e.MonthlyByteUsed, e.PeriodStart,
	)
	if err != nil {
		return "", fmt.Errorf("failed to update usage: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE transfer_jobs SET usage_state = $2 WHERE id = $1`,
		jobID, models.UsageStateSettled,
	)
	if err != nil {
		return "", fmt.Errorf("failed to settle usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit usage settlement: %w", err)
	}
	return userID, nil
}

// SetSlotUsed overwrites the slot counter with the reconciled distinct
// count. Only the sweeper calls this.
func (r *Repository) SetSlotUsed(ctx context.Context, userID string, count int) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE entitlements SET slot_used = $2, updated_at = NOW()
		 WHERE user_id = $1 AND slot_used <> $2`,
		userID, count,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reconcile slot_used: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
