package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/logging"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/metrics"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// Store defines the persistence operations the slot ledger needs. Each
// method is atomic; ConnectAccount in particular runs the whole safe-passage
// sequence in one transaction.
type Store interface {
	ConnectAccount(ctx context.Context, p ConnectParams) (*ConnectResult, error)
	DisconnectAccount(ctx context.Context, userID, provider, externalID string) error
	FindSlot(ctx context.Context, userID, provider, externalID string) (*models.SlotRecord, error)
	GetUserSlots(ctx context.Context, userID string) ([]*models.SlotRecord, error)
	CountDistinctEverConnected(ctx context.Context, userID string) (int, error)
}

// Service is the slot ledger: the historical record of every provider
// account a user has ever connected.
type Service struct {
	store  Store
	logger *logging.Logger
}

// NewService creates a new ledger service
func NewService(store Store, logger *logging.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// RecordOrReactivateConnection applies the safe-passage rule for one
// connect attempt. A historically-known account is reactivated (or
// refreshed) without touching slot_used; a brand-new account allocates the
// next slot number and increments slot_used, or fails with
// ErrSlotLimitReached when the plan's slots are exhausted.
func (s *Service) RecordOrReactivateConnection(ctx context.Context, userID, provider, externalID, email, plan string) (*ConnectResult, error) {
	normalized := models.NormalizeExternalID(externalID)
	if normalized == "" {
		return nil, fmt.Errorf("external account id is empty")
	}

	result, err := s.store.ConnectAccount(ctx, ConnectParams{
		UserID:            userID,
		Provider:          provider,
		ExternalAccountID: normalized,
		Email:             email,
		Plan:              plan,
	})
	if err != nil {
		if errors.Is(err, models.ErrSlotLimitReached) {
			metrics.SlotConnectsTotal.WithLabelValues("rejected").Inc()
			s.logger.WithUserID(userID).WithProvider(provider).Warn("Connect rejected, slot limit reached")
		}
		return nil, err
	}

	outcome := "refreshed"
	switch {
	case result.Allocated:
		outcome = "allocated"
	case result.Reactivated:
		outcome = "reactivated"
	}
	metrics.SlotConnectsTotal.WithLabelValues(outcome).Inc()
	s.logger.WithUserID(userID).WithProvider(provider).
		WithField("slot_number", result.Slot.SlotNumber).
		WithField("outcome", outcome).
		Info("Account connected")

	return result, nil
}

// Disconnect soft-disconnects an account. The ledger record stays forever;
// only its active flag flips. Idempotent.
func (s *Service) Disconnect(ctx context.Context, userID, provider, externalID string) error {
	normalized := models.NormalizeExternalID(externalID)
	if err := s.store.DisconnectAccount(ctx, userID, provider, normalized); err != nil {
		return err
	}
	metrics.SlotDisconnectsTotal.Inc()
	s.logger.WithUserID(userID).WithProvider(provider).Info("Account disconnected")
	return nil
}

// HasSeen reports whether the user has ever connected this exact account.
func (s *Service) HasSeen(ctx context.Context, userID, provider, externalID string) (bool, error) {
	slot, err := s.store.FindSlot(ctx, userID, provider, models.NormalizeExternalID(externalID))
	if err != nil {
		return false, err
	}
	return slot != nil, nil
}

// ListSlots returns the user's full ledger in slot order.
func (s *Service) ListSlots(ctx context.Context, userID string) ([]*models.SlotRecord, error) {
	return s.store.GetUserSlots(ctx, userID)
}

// CountDistinctEverConnected returns the number of distinct accounts the
// user has ever connected. The sweeper uses it to heal a drifted slot_used.
func (s *Service) CountDistinctEverConnected(ctx context.Context, userID string) (int, error) {
	return s.store.CountDistinctEverConnected(ctx, userID)
}
