package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/logging"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// memStore is an in-memory ledger store. ConnectAccount mirrors the
// transactional sequence the Postgres store runs: look up the historical
// record, apply the safe-passage decision, then mutate.
type memStore struct {
	slots     map[string]*models.SlotRecord // keyed user|provider|externalID
	slotUsed  map[string]int
	slotTotal int
}

func newMemStore(slotTotal int) *memStore {
	return &memStore{
		slots:     make(map[string]*models.SlotRecord),
		slotUsed:  make(map[string]int),
		slotTotal: slotTotal,
	}
}

func slotKey(userID, provider, externalID string) string {
	return fmt.Sprintf("%s|%s|%s", userID, provider, externalID)
}

func (m *memStore) ConnectAccount(ctx context.Context, p ConnectParams) (*ConnectResult, error) {
	existing := m.slots[slotKey(p.UserID, p.Provider, p.ExternalAccountID)]

	decision, err := DecideConnection(existing, m.slotUsed[p.UserID], m.slotTotal)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch decision {
	case DecisionRefresh:
		return &ConnectResult{Slot: existing}, nil
	case DecisionReactivate:
		existing.Active = true
		existing.DisconnectedAt = nil
		existing.ConnectedAt = now
		return &ConnectResult{Slot: existing, Reactivated: true}, nil
	default:
		slot := &models.SlotRecord{
			ID:                uuid.New().String(),
			UserID:            p.UserID,
			Provider:          p.Provider,
			ExternalAccountID: p.ExternalAccountID,
			SlotNumber:        m.nextSlotNumber(p.UserID),
			PlanAtConnection:  p.Plan,
			ConnectedAt:       now,
			Active:            true,
		}
		m.slots[slotKey(p.UserID, p.Provider, p.ExternalAccountID)] = slot
		m.slotUsed[p.UserID]++
		return &ConnectResult{Slot: slot, Allocated: true}, nil
	}
}

func (m *memStore) nextSlotNumber(userID string) int {
	max := 0
	for _, s := range m.slots {
		if s.UserID == userID && s.SlotNumber > max {
			max = s.SlotNumber
		}
	}
	return max + 1
}

func (m *memStore) DisconnectAccount(ctx context.Context, userID, provider, externalID string) error {
	if slot := m.slots[slotKey(userID, provider, externalID)]; slot != nil && slot.Active {
		now := time.Now()
		slot.Active = false
		slot.DisconnectedAt = &now
	}
	return nil
}

func (m *memStore) FindSlot(ctx context.Context, userID, provider, externalID string) (*models.SlotRecord, error) {
	return m.slots[slotKey(userID, provider, externalID)], nil
}

func (m *memStore) GetUserSlots(ctx context.Context, userID string) ([]*models.SlotRecord, error) {
	var out []*models.SlotRecord
	for _, s := range m.slots {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) CountDistinctEverConnected(ctx context.Context, userID string) (int, error) {
	n := 0
	for _, s := range m.slots {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	return logger
}

func TestConnectAllocatesUpToSlotTotal(t *testing.T) {
	store := newMemStore(2)
	svc := NewService(store, testLogger(t))
	ctx := context.Background()

	first, err := svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-a", "a@example.com", "free")
	require.NoError(t, err)
	assert.True(t, first.Allocated)
	assert.Equal(t, 1, first.Slot.SlotNumber)

	second, err := svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDropbox, "acct-b", "b@example.com", "free")
	require.NoError(t, err)
	assert.True(t, second.Allocated)
	assert.Equal(t, 2, second.Slot.SlotNumber)

	_, err = svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-c", "c@example.com", "free")
	assert.ErrorIs(t, err, models.ErrSlotLimitReached)
	assert.Equal(t, 2, store.slotUsed["user-1"])
}

func TestReconnectPassesThroughFullSlots(t *testing.T) {
	store := newMemStore(2)
	svc := NewService(store, testLogger(t))
	ctx := context.Background()

	_, err := svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-a", "", "free")
	require.NoError(t, err)
	_, err = svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-b", "", "free")
	require.NoError(t, err)

	// Disconnect one account; the counter must not move.
	require.NoError(t, svc.Disconnect(ctx, "user-1", models.ProviderDrive, "acct-a"))
	assert.Equal(t, 2, store.slotUsed["user-1"])

	// Reconnecting the known account succeeds even though slot_used is at
	// the limit, and reuses the original slot.
	result, err := svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-a", "", "free")
	require.NoError(t, err)
	assert.True(t, result.Reactivated)
	assert.False(t, result.Allocated)
	assert.Equal(t, 1, result.Slot.SlotNumber)
	assert.True(t, result.Slot.Active)
	assert.Nil(t, result.Slot.DisconnectedAt)
	assert.Equal(t, 2, store.slotUsed["user-1"])

	// A brand-new account is still rejected.
	_, err = svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-c", "", "free")
	assert.ErrorIs(t, err, models.ErrSlotLimitReached)
}

func TestConnectIsIdempotentWhileActive(t *testing.T) {
	store := newMemStore(2)
	svc := NewService(store, testLogger(t))
	ctx := context.Background()

	_, err := svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-a", "", "free")
	require.NoError(t, err)

	again, err := svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-a", "", "free")
	require.NoError(t, err)
	assert.False(t, again.Allocated)
	assert.False(t, again.Reactivated)
	assert.Equal(t, 1, store.slotUsed["user-1"])
}

func TestConnectNormalizesExternalID(t *testing.T) {
	store := newMemStore(2)
	svc := NewService(store, testLogger(t))
	ctx := context.Background()

	_, err := svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-a", "", "free")
	require.NoError(t, err)

	// Same account with incidental whitespace must not allocate again.
	result, err := svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, " acct-a\t", "", "free")
	require.NoError(t, err)
	assert.False(t, result.Allocated)
	assert.Equal(t, 1, store.slotUsed["user-1"])

	_, err = svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "   ", "", "free")
	assert.Error(t, err)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	store := newMemStore(2)
	svc := NewService(store, testLogger(t))
	ctx := context.Background()

	_, err := svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-a", "", "free")
	require.NoError(t, err)

	require.NoError(t, svc.Disconnect(ctx, "user-1", models.ProviderDrive, "acct-a"))
	require.NoError(t, svc.Disconnect(ctx, "user-1", models.ProviderDrive, "acct-a"))

	slot, err := store.FindSlot(ctx, "user-1", models.ProviderDrive, "acct-a")
	require.NoError(t, err)
	assert.False(t, slot.Active)
	assert.NotNil(t, slot.DisconnectedAt)
}

func TestHasSeenSurvivesDisconnect(t *testing.T) {
	store := newMemStore(2)
	svc := NewService(store, testLogger(t))
	ctx := context.Background()

	seen, err := svc.HasSeen(ctx, "user-1", models.ProviderDrive, "acct-a")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = svc.RecordOrReactivateConnection(ctx, "user-1", models.ProviderDrive, "acct-a", "", "free")
	require.NoError(t, err)
	require.NoError(t, svc.Disconnect(ctx, "user-1", models.ProviderDrive, "acct-a"))

	seen, err = svc.HasSeen(ctx, "user-1", models.ProviderDrive, "acct-a")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestDecideConnection(t *testing.T) {
	active := &models.SlotRecord{Active: true}
	inactive := &models.SlotRecord{Active: false}

	tests := []struct {
		name     string
		existing *models.SlotRecord
		used     int
		total    int
		want     ConnectDecision
		wantErr  error
	}{
		{name: "new account with room", existing: nil, used: 0, total: 2, want: DecisionAllocate},
		{name: "new account at limit", existing: nil, used: 2, total: 2, wantErr: models.ErrSlotLimitReached},
		{name: "active account at limit", existing: active, used: 2, total: 2, want: DecisionRefresh},
		{name: "inactive account at limit", existing: inactive, used: 2, total: 2, want: DecisionReactivate},
		{name: "inactive account with room", existing: inactive, used: 1, total: 2, want: DecisionReactivate},
		{name: "zero slot plan", existing: nil, used: 0, total: 0, wantErr: models.ErrSlotLimitReached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecideConnection(tt.existing, tt.used, tt.total)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
