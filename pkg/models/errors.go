package models

import "errors"

// Domain sentinels shared by the service layer and the persistence layer.
// Conflict errors are returned, never silently resolved.
var (
	// ErrAccountNotFound is returned when a provider account row does not
	// exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrOwnerChanged is returned by the ownership transfer protocol when
	// the account's current owner no longer matches the caller's expected
	// owner.
	ErrOwnerChanged = errors.New("account owner changed")

	// ErrSlotLimitReached is returned when connecting a brand-new account
	// would exceed the plan's slot total.
	ErrSlotLimitReached = errors.New("slot limit reached")

	// ErrAlreadySettled is returned when usage completion has already been
	// recorded for a job.
	ErrAlreadySettled = errors.New("usage already settled")

	// ErrQuotaExceeded is returned when a transfer would cross the plan's
	// byte or item quota.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrItemTooLarge is returned when a single item exceeds the plan's
	// per-item byte cap.
	ErrItemTooLarge = errors.New("item exceeds per-item size limit")

	// ErrJobNotFound is returned when a transfer job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrEntitlementNotFound is returned when a user has no entitlement
	// record.
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrTooManyItems is returned when a job requests more items than the
	// configured per-job cap.
	ErrTooManyItems = errors.New("too many items in job")

	// ErrNoItems is returned when a job is created with an empty item list.
	ErrNoItems = errors.New("job has no items")

	// ErrInvalidTransition is returned when a job is not in the status a
	// phase expects, typically because another worker advanced it first.
	ErrInvalidTransition = errors.New("invalid job status transition")
)
