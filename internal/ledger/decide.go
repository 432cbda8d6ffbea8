package ledger

import (
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// ConnectDecision is the outcome of the safe-passage rule for one connect
// attempt.
type ConnectDecision int

const (
	// DecisionRefresh: the account is already connected, nothing to change.
	DecisionRefresh ConnectDecision = iota
	// DecisionReactivate: the account was seen before and is inactive.
	// Reactivation never touches slot_used.
	DecisionReactivate
	// DecisionAllocate: the account was never seen; a new slot is needed.
	DecisionAllocate
)

// DecideConnection applies the safe-passage rule: a historically-known
// account passes regardless of the slot counter, a brand-new account only
// passes while slot_used < slot_total. The caller must evaluate and act on
// the decision inside a single transaction.
func DecideConnection(existing *models.SlotRecord, slotUsed, slotTotal int) (ConnectDecision, error) {
	if existing != nil {
		if existing.Active {
			return DecisionRefresh, nil
		}
		return DecisionReactivate, nil
	}
	if slotUsed >= slotTotal {
		return 0, models.ErrSlotLimitReached
	}
	return DecisionAllocate, nil
}

// ConnectParams carries one connect attempt. ExternalAccountID must already
// be normalized.
type ConnectParams struct {
	UserID            string
	Provider          string
	ExternalAccountID string
	Email             string
	Plan              string
}

// ConnectResult reports what the connect attempt did to the ledger.
type ConnectResult struct {
	Slot        *models.SlotRecord `json:"slot"`
	Allocated   bool               `json:"allocated"`
	Reactivated bool               `json:"reactivated"`
}
