package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/logging"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/metrics"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// Check reasons surfaced to callers and the UI layer.
const (
	ReasonOK                = "ok"
	ReasonReconnection      = "reconnection"
	ReasonSlotLimitReached  = "slot_limit_reached"
	ReasonItemTooLarge      = "item_too_large"
	ReasonByteQuotaExceeded = "byte_quota_exceeded"
	ReasonItemQuotaExceeded = "item_quota_exceeded"
)

// CheckResult is the outcome of an entitlement pre-check.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Store defines the persistence operations the accounter needs.
// CompleteJobUsage must be atomic: the pending to settled flip and the
// counter increment land together or not at all, and a replay surfaces
// ErrAlreadySettled.
type Store interface {
	GetEntitlement(ctx context.Context, userID string) (*models.EntitlementRecord, error)
	EnsureEntitlement(ctx context.Context, userID string, plan models.Plan) (*models.EntitlementRecord, error)
	CompleteJobUsage(ctx context.Context, jobID, expectedUser string, bytes, items int64, plan models.Plan, now time.Time) (string, error)
	FindSlot(ctx context.Context, userID, provider, externalID string) (*models.SlotRecord, error)
}

// Accounter meters slots and usage against a user's plan.
type Accounter struct {
	store   Store
	catalog *Catalog
	logger  *logging.Logger
	now     func() time.Time
}

// NewAccounter creates a new accounter
func NewAccounter(store Store, catalog *Catalog, logger *logging.Logger) *Accounter {
	return &Accounter{
		store:   store,
		catalog: catalog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EnsureEntitlement creates the user's entitlement record on the given
// plan if missing, and returns the current record either way.
func (a *Accounter) EnsureEntitlement(ctx context.Context, userID, planID string) (*models.EntitlementRecord, error) {
	return a.store.EnsureEntitlement(ctx, userID, a.catalog.Get(planID))
}

// GetEntitlement returns the user's entitlement record.
func (a *Accounter) GetEntitlement(ctx context.Context, userID string) (*models.EntitlementRecord, error) {
	return a.store.GetEntitlement(ctx, userID)
}

// CheckSlotAvailable reports whether a connect attempt for this exact
// account could succeed: always for a historically-seen account
// (reconnection), otherwise only while slot_used < slot_total. This is an
// advisory pre-check for the UI; the authoritative evaluation happens
// inside the ledger's connect transaction.
func (a *Accounter) CheckSlotAvailable(ctx context.Context, userID, provider, externalID string) (CheckResult, error) {
	slot, err := a.store.FindSlot(ctx, userID, provider, models.NormalizeExternalID(externalID))
	if err != nil {
		return CheckResult{}, err
	}
	if slot != nil {
		return CheckResult{Allowed: true, Reason: ReasonReconnection}, nil
	}

	ent, err := a.store.GetEntitlement(ctx, userID)
	if errors.Is(err, models.ErrEntitlementNotFound) {
		// No record means no slots consumed yet.
		return CheckResult{Allowed: true, Reason: ReasonOK}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}
	if ent.SlotUsed >= ent.SlotTotal {
		return CheckResult{Allowed: false, Reason: ReasonSlotLimitReached}, nil
	}
	return CheckResult{Allowed: true, Reason: ReasonOK}, nil
}

// CheckQuota reports whether one item of the given size fits the user's
// per-item cap and remaining byte quota.
func (a *Accounter) CheckQuota(ctx context.Context, userID string, itemSizeBytes int64) (CheckResult, error) {
	return a.CheckTransfer(ctx, userID, []int64{itemSizeBytes})
}

// CheckTransfer checks a whole batch of item sizes against the plan:
// every item must fit max_item_bytes, and the aggregate must fit the
// remaining byte and item quota of the authoritative counter.
func (a *Accounter) CheckTransfer(ctx context.Context, userID string, sizes []int64) (CheckResult, error) {
	ent, err := a.store.GetEntitlement(ctx, userID)
	if errors.Is(err, models.ErrEntitlementNotFound) {
		ent, err = a.store.EnsureEntitlement(ctx, userID, a.catalog.Default())
	}
	if err != nil {
		return CheckResult{}, err
	}

	var totalBytes int64
	for _, size := range sizes {
		if ent.MaxItemBytes > 0 && size > ent.MaxItemBytes {
			metrics.QuotaRejectionsTotal.WithLabelValues(ReasonItemTooLarge).Inc()
			return CheckResult{Allowed: false, Reason: ReasonItemTooLarge}, nil
		}
		totalBytes += size
	}

	usage := ent.Usage(a.now())
	if usage.WouldExceedBytes(totalBytes) {
		metrics.QuotaRejectionsTotal.WithLabelValues(ReasonByteQuotaExceeded).Inc()
		return CheckResult{Allowed: false, Reason: ReasonByteQuotaExceeded}, nil
	}
	if usage.WouldExceedItems(int64(len(sizes))) {
		metrics.QuotaRejectionsTotal.WithLabelValues(ReasonItemQuotaExceeded).Inc()
		return CheckResult{Allowed: false, Reason: ReasonItemQuotaExceeded}, nil
	}
	return CheckResult{Allowed: true, Reason: ReasonOK}, nil
}

// CompleteUsage settles a job's usage exactly once. The first call flips
// the job's usage state and increments the plan-appropriate counters in a
// single store transaction, so a failure leaves the job settleable and a
// retry still counts the usage; any later call returns alreadyCompleted
// without touching a counter. A missing entitlement record is created on
// the default plan rather than failing the completion.
func (a *Accounter) CompleteUsage(ctx context.Context, jobID, userID string, bytesUsed, items int64) (alreadyCompleted bool, err error) {
	settledUser, err := a.store.CompleteJobUsage(ctx, jobID, userID, bytesUsed, items, a.catalog.Default(), a.now())
	if errors.Is(err, models.ErrAlreadySettled) {
		metrics.UsageSettlementsTotal.WithLabelValues("duplicate").Inc()
		a.logger.WithJobID(jobID).Debug("Usage already settled, skipping")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	metrics.UsageSettlementsTotal.WithLabelValues("settled").Inc()
	a.logger.WithJobID(jobID).WithUserID(settledUser).
		WithField("bytes_used", bytesUsed).
		WithField("items", items).
		Info("Usage settled")
	return false, nil
}
