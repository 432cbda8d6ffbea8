package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/ledger"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const slotColumns = `id, user_id, provider, external_account_id, external_account_label,
	       slot_number, plan_at_connection, connected_at, disconnected_at, expires_at, active`

func scanSlot(row pgx.Row) (*models.SlotRecord, error) {
	var slot models.SlotRecord
	err := row.Scan(
		&slot.ID, &slot.UserID, &slot.Provider, &slot.ExternalAccountID,
		&slot.ExternalAccountLabel, &slot.SlotNumber, &slot.PlanAtConnection,
		&slot.ConnectedAt, &slot.DisconnectedAt, &slot.ExpiresAt, &slot.Active,
	)
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

// ConnectAccount records or reactivates a provider account connection in a
// single transaction. The per-user entitlement row is locked first so two
// concurrent connects for the same user serialize and cannot both allocate
// the last slot.
func (r *Repository) ConnectAccount(ctx context.Context, p ledger.ConnectParams) (*ledger.ConnectResult, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var slotUsed, slotTotal int
	err = tx.QueryRow(ctx,
		`SELECT slot_used, slot_total FROM entitlements WHERE user_id = $1 FOR UPDATE`,
		p.UserID,
	).Scan(&slotUsed, &slotTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock entitlement: %w", err)
	}

	existing, err := scanSlot(tx.QueryRow(ctx,
		`SELECT `+slotColumns+`
		 FROM account_slots
		 WHERE user_id = $1 AND provider = $2 AND external_account_id = $3`,
		p.UserID, p.Provider, p.ExternalAccountID,
	))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up slot: %w", err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		existing = nil
	}

	decision, err := ledger.DecideConnection(existing, slotUsed, slotTotal)
	if err != nil {
		return nil, err
	}

	result := &ledger.ConnectResult{}
	now := time.Now().UTC()

	switch decision {
	case ledger.DecisionRefresh:
		// Already connected: refresh the label only.
		_, err = tx.Exec(ctx,
			`UPDATE account_slots SET external_account_label = $2 WHERE id = $1`,
			existing.ID, p.Email,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh slot: %w", err)
		}
		existing.ExternalAccountLabel = p.Email
		result.Slot = existing

	case ledger.DecisionReactivate:
		err = tx.QueryRow(ctx,
			`UPDATE account_slots
			 SET active = TRUE, disconnected_at = NULL, external_account_label = $2
			 WHERE id = $1
			 RETURNING `+slotColumns,
			existing.ID, p.Email,
		).Scan(
			&existing.ID, &existing.UserID, &existing.Provider, &existing.ExternalAccountID,
			&existing.ExternalAccountLabel, &existing.SlotNumber, &existing.PlanAtConnection,
			&existing.ConnectedAt, &existing.DisconnectedAt, &existing.ExpiresAt, &existing.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to reactivate slot: %w", err)
		}
		result.Slot = existing
		result.Reactivated = true

	case ledger.DecisionAllocate:
		var nextNumber int
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(slot_number), 0) + 1 FROM account_slots WHERE user_id = $1`,
			p.UserID,
		).Scan(&nextNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to compute next slot number: %w", err)
		}

		slot := &models.SlotRecord{
			ID:                   uuid.New().String(),
			UserID:               p.UserID,
			Provider:             p.Provider,
			ExternalAccountID:    p.ExternalAccountID,
			ExternalAccountLabel: p.Email,
			SlotNumber:           nextNumber,
			PlanAtConnection:     p.Plan,
			ConnectedAt:          now,
			Active:               true,
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO account_slots
			 (id, user_id, provider, external_account_id, external_account_label,
			  slot_number, plan_at_connection, connected_at, active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)`,
			slot.ID, slot.UserID, slot.Provider, slot.ExternalAccountID,
			slot.ExternalAccountLabel, slot.SlotNumber, slot.PlanAtConnection, slot.ConnectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert slot: %w", err)
		}

		// Guarded increment: the WHERE clause closes the race even if the
		// row lock above is ever bypassed.
		tag, err := tx.Exec(ctx,
			`UPDATE entitlements SET slot_used = slot_used + 1, updated_at = NOW()
			 WHERE user_id = $1 AND slot_used < slot_total`,
			p.UserID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to increment slot_used: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, models.ErrSlotLimitReached
		}
		result.Slot = slot
		result.Allocated = true
	}

	// Upsert the live connection record alongside the ledger entry.
	_, err = tx.Exec(ctx,
		`INSERT INTO cloud_accounts (id, user_id, provider, external_account_id, email, connected, connected_at)
		 VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		 ON CONFLICT (user_id, provider, external_account_id)
		 DO UPDATE SET connected = TRUE, disconnected_at = NULL, email = EXCLUDED.email`,
		uuid.New().String(), p.UserID, p.Provider, p.ExternalAccountID, p.Email, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit connect: %w", err)
	}
	return result, nil
}

// DisconnectAccount soft-disconnects the account and its ledger slot.
// Idempotent: a second call finds no active rows and changes nothing.
func (r *Repository) DisconnectAccount(ctx context.Context, userID, provider, externalID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE account_slots
		 SET active = FALSE, disconnected_at = NOW()
		 WHERE user_id = $1 AND provider = $2 AND external_account_id = $3 AND active`,
		userID, provider, externalID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate slot: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE cloud_accounts
		 SET connected = FALSE, disconnected_at = NOW()
		 WHERE user_id = $1 AND provider = $2 AND external_account_id = $3 AND connected`,
		userID, provider, externalID,
	)
	if err != nil {
		return fmt.Errorf("failed to disconnect account: %w", err)
	}

	return tx.Commit(ctx)
}

// FindSlot retrieves the ledger record for an exact (user, provider,
// normalized external id) triple, or nil when the account was never seen.
func (r *Repository) FindSlot(ctx context.Context, userID, provider, externalID string) (*models.SlotRecord, error) {
	slot, err := scanSlot(r.db.Pool.QueryRow(ctx,
		`SELECT `+slotColumns+`
		 FROM account_slots
		 WHERE user_id = $1 AND provider = $2 AND external_account_id = $3`,
		userID, provider, externalID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find slot: %w", err)
	}
	return slot, nil
}

// GetUserSlots lists a user's ledger records in slot order.
func (r *Repository) GetUserSlots(ctx context.Context, userID string) ([]*models.SlotRecord, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+slotColumns+` FROM account_slots WHERE user_id = $1 ORDER BY slot_number`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	var slots []*models.SlotRecord
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// CountDistinctEverConnected returns the number of distinct accounts the
// user has ever connected, active or not. Used to reconcile slot_used.
func (r *Repository) CountDistinctEverConnected(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM account_slots WHERE user_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count slots: %w", err)
	}
	return count, nil
}

// RepairSlotFlags forces active = FALSE on any ledger row that has a
// disconnected_at timestamp, restoring the active <=> not-disconnected
// invariant. Safe to run repeatedly.
func (r *Repository) RepairSlotFlags(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE account_slots SET active = FALSE WHERE disconnected_at IS NOT NULL AND active`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to repair slot flags: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListUsersWithSlots returns every user id present in the ledger. Used by
// the sweeper's slot_used reconciliation pass.
func (r *Repository) ListUsersWithSlots(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT DISTINCT user_id FROM account_slots`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, nil
}

// TransferOwnership reassigns a provider account, and its ledger slot if it
// has one, from expectedOldUser to newUser. The account row is locked for
// the duration; a mismatched current owner aborts with ErrOwnerChanged and
// no mutation.
func (r *Repository) TransferOwnership(ctx context.Context, provider, externalID, newUser, expectedOldUser string) (accountID, slotID string, err error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentOwner string
	err = tx.QueryRow(ctx,
		`SELECT id, user_id FROM cloud_accounts
		 WHERE provider = $1 AND external_account_id = $2
		 FOR UPDATE`,
		provider, externalID,
	).Scan(&accountID, &currentOwner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", models.ErrAccountNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to lock account: %w", err)
	}

	if currentOwner != expectedOldUser {
		return "", "", models.ErrOwnerChanged
	}

	_, err = tx.Exec(ctx,
		`UPDATE cloud_accounts SET user_id = $2 WHERE id = $1`,
		accountID, newUser,
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to reassign account: %w", err)
	}

	// Move the ledger entry to the new owner, renumbering it so slot
	// numbers stay unique and monotonic per user.
	var nextNumber int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(slot_number), 0) + 1 FROM account_slots WHERE user_id = $1`,
		newUser,
	).Scan(&nextNumber)
	if err != nil {
		return "", "", fmt.Errorf("failed to compute next slot number: %w", err)
	}

	err = tx.QueryRow(ctx,
		`UPDATE account_slots SET user_id = $2, slot_number = $3
		 WHERE user_id = $1 AND provider = $4 AND external_account_id = $5
		 RETURNING id`,
		expectedOldUser, newUser, nextNumber, provider, externalID,
	).Scan(&slotID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Account had no ledger entry; nothing more to move.
		slotID = ""
	} else if err != nil {
		return "", "", fmt.Errorf("failed to reassign slot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", "", fmt.Errorf("failed to commit ownership transfer: %w", err)
	}
	return accountID, slotID, nil
}
