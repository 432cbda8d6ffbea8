package ownership

import (
	"context"
	"errors"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/logging"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/metrics"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// Store defines the single persistence operation the protocol needs. The
// implementation must lock the account row, compare the current owner
// against expectedOldUser, and reassign the account and its ledger slot in
// one transaction.
type Store interface {
	TransferOwnership(ctx context.Context, provider, externalID, newUser, expectedOldUser string) (accountID, slotID string, err error)
}

// Result reports a successful transfer.
type Result struct {
	AccountID string `json:"account_id"`
	SlotID    string `json:"slot_id,omitempty"`
}

// Service reassigns a provider account between users when two users claim
// the same external account.
type Service struct {
	store  Store
	logger *logging.Logger
}

// NewService creates a new ownership transfer service
func NewService(store Store, logger *logging.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Transfer moves the account (and its ledger slot, if any) from
// expectedOldUser to newUser. A stale expectedOldUser fails with
// ErrOwnerChanged and no mutation; the caller must re-read and retry
// deliberately rather than overwrite.
func (s *Service) Transfer(ctx context.Context, provider, externalID, newUser, expectedOldUser string) (*Result, error) {
	normalized := models.NormalizeExternalID(externalID)

	accountID, slotID, err := s.store.TransferOwnership(ctx, provider, normalized, newUser, expectedOldUser)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrAccountNotFound):
			metrics.OwnershipTransfersTotal.WithLabelValues("account_not_found").Inc()
		case errors.Is(err, models.ErrOwnerChanged):
			metrics.OwnershipTransfersTotal.WithLabelValues("owner_changed").Inc()
			s.logger.WithProvider(provider).
				WithField("expected_owner", expectedOldUser).
				Warn("Ownership transfer aborted, owner changed")
		default:
			metrics.OwnershipTransfersTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.OwnershipTransfersTotal.WithLabelValues("success").Inc()
	s.logger.WithProvider(provider).
		WithField("account_id", accountID).
		WithField("new_owner", newUser).
		Info("Account ownership transferred")

	return &Result{AccountID: accountID, SlotID: slotID}, nil
}
