package models

import (
	"time"
)

// PlanClass selects which usage counters are authoritative for a plan.
type PlanClass string

const (
	// PlanClassFree uses lifetime counters that never reset.
	PlanClassFree PlanClass = "free"
	// PlanClassPaid uses monthly counters that reset on period rollover.
	PlanClassPaid PlanClass = "paid"
)

// Plan describes the limits attached to a plan identifier. A zero limit
// means unlimited.
type Plan struct {
	ID                string    `json:"id" mapstructure:"id"`
	Class             PlanClass `json:"class" mapstructure:"class"`
	SlotTotal         int       `json:"slot_total" mapstructure:"slot_total"`
	LifetimeByteLimit int64     `json:"lifetime_byte_limit" mapstructure:"lifetime_byte_limit"`
	MonthlyByteLimit  int64     `json:"monthly_byte_limit" mapstructure:"monthly_byte_limit"`
	MonthlyItemLimit  int64     `json:"monthly_item_limit" mapstructure:"monthly_item_limit"`
	MaxItemBytes      int64     `json:"max_item_bytes" mapstructure:"max_item_bytes"`
}

// EntitlementRecord is the per-user plan record. Exactly one of the
// lifetime/monthly counter pairs is authoritative, chosen by PlanClass;
// SlotUsed counts distinct ever-connected accounts and never decrements
// on disconnect.
type EntitlementRecord struct {
	UserID            string    `json:"user_id" db:"user_id"`
	Plan              string    `json:"plan" db:"plan"`
	PlanClass         PlanClass `json:"plan_class" db:"plan_class"`
	SlotTotal         int       `json:"slot_total" db:"slot_total"`
	SlotUsed          int       `json:"slot_used" db:"slot_used"`
	LifetimeItemCount int64     `json:"lifetime_item_count" db:"lifetime_item_count"`
	LifetimeByteUsed  int64     `json:"lifetime_byte_used" db:"lifetime_byte_used"`
	LifetimeByteLimit int64     `json:"lifetime_byte_limit" db:"lifetime_byte_limit"`
	MonthlyItemCount  int64     `json:"monthly_item_count" db:"monthly_item_count"`
	MonthlyItemLimit  int64     `json:"monthly_item_limit" db:"monthly_item_limit"`
	MonthlyByteUsed   int64     `json:"monthly_byte_used" db:"monthly_byte_used"`
	MonthlyByteLimit  int64     `json:"monthly_byte_limit" db:"monthly_byte_limit"`
	MaxItemBytes      int64     `json:"max_item_bytes" db:"max_item_bytes"`
	PeriodStart       time.Time `json:"period_start" db:"period_start"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// UsageCounter is the single authoritative usage view for an entitlement:
// lifetime numbers for free plans, current-period numbers for paid plans.
type UsageCounter struct {
	Class     PlanClass `json:"class"`
	BytesUsed int64     `json:"bytes_used"`
	ByteLimit int64     `json:"byte_limit"`
	ItemCount int64     `json:"item_count"`
	ItemLimit int64     `json:"item_limit"`
}

// PeriodFor truncates t to the start of its billing period (calendar month).
func PeriodFor(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RolloverDue reports whether the monthly counters are stale at time now.
// Only meaningful for paid plans.
func (e *EntitlementRecord) RolloverDue(now time.Time) bool {
	return e.PlanClass == PlanClassPaid && e.PeriodStart.Before(PeriodFor(now))
}

// Rollover resets the monthly counters for the period containing now.
// No-op for free plans and for records already in the current period.
func (e *EntitlementRecord) Rollover(now time.Time) {
	if !e.RolloverDue(now) {
		return
	}
	e.MonthlyByteUsed = 0
	e.MonthlyItemCount = 0
	e.PeriodStart = PeriodFor(now)
}

// Usage returns the authoritative counter for the entitlement, rolling the
// monthly period first when due.
func (e *EntitlementRecord) Usage(now time.Time) UsageCounter {
	e.Rollover(now)
	if e.PlanClass == PlanClassPaid {
		return UsageCounter{
			Class:     PlanClassPaid,
			BytesUsed: e.MonthlyByteUsed,
			ByteLimit: e.MonthlyByteLimit,
			ItemCount: e.MonthlyItemCount,
			ItemLimit: e.MonthlyItemLimit,
		}
	}
	return UsageCounter{
		Class:     PlanClassFree,
		BytesUsed: e.LifetimeByteUsed,
		ByteLimit: e.LifetimeByteLimit,
		ItemCount: e.LifetimeItemCount,
		ItemLimit: 0,
	}
}

// ApplyUsage adds completed usage to the counter pair selected by the plan
// class. The other pair is never touched.
func (e *EntitlementRecord) ApplyUsage(now time.Time, bytes, items int64) {
	e.Rollover(now)
	if e.PlanClass == PlanClassPaid {
		e.MonthlyByteUsed += bytes
		e.MonthlyItemCount += items
		return
	}
	e.LifetimeByteUsed += bytes
	e.LifetimeItemCount += items
}

// WouldExceedBytes reports whether adding bytes would cross the byte limit.
// A zero limit means unlimited.
func (c UsageCounter) WouldExceedBytes(bytes int64) bool {
	return c.ByteLimit > 0 && c.BytesUsed+bytes > c.ByteLimit
}

// WouldExceedItems reports whether adding items would cross the item limit.
func (c UsageCounter) WouldExceedItems(items int64) bool {
	return c.ItemLimit > 0 && c.ItemCount+items > c.ItemLimit
}

// NewEntitlement builds a fresh entitlement record for a user on the given
// plan.
func NewEntitlement(userID string, plan Plan, now time.Time) *EntitlementRecord {
	return &EntitlementRecord{
		UserID:            userID,
		Plan:              plan.ID,
		PlanClass:         plan.Class,
		SlotTotal:         plan.SlotTotal,
		LifetimeByteLimit: plan.LifetimeByteLimit,
		MonthlyByteLimit:  plan.MonthlyByteLimit,
		MonthlyItemLimit:  plan.MonthlyItemLimit,
		MaxItemBytes:      plan.MaxItemBytes,
		PeriodStart:       PeriodFor(now),
	}
}
