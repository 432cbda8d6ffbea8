package models

import (
	"strings"
	"time"
	"unicode"
)

// Provider identifiers for the supported cloud storage backends.
const (
	ProviderDrive    = "drive"
	ProviderOneDrive = "onedrive"
	ProviderDropbox  = "dropbox"
	ProviderS3       = "s3"
)

// CloudAccount represents a currently-linked provider account. It is the
// live connection record; the historical view lives in SlotRecord.
type CloudAccount struct {
	ID                string     `json:"id" db:"id"`
	UserID            string     `json:"user_id" db:"user_id"`
	Provider          string     `json:"provider" db:"provider"`
	ExternalAccountID string     `json:"external_account_id" db:"external_account_id"`
	Email             string     `json:"email" db:"email"`
	Connected         bool       `json:"connected" db:"connected"`
	ConnectedAt       time.Time  `json:"connected_at" db:"connected_at"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty" db:"disconnected_at"`
}

// SlotRecord is one entry in the slot ledger: the append/reactivate-only
// history of every (user, provider, external account) connection. Records
// are never hard-deleted; disconnecting flips Active to false and a
// reconnection of the same external account flips it back without
// allocating a new slot.
type SlotRecord struct {
	ID                   string     `json:"id" db:"id"`
	UserID               string     `json:"user_id" db:"user_id"`
	Provider             string     `json:"provider" db:"provider"`
	ExternalAccountID    string     `json:"external_account_id" db:"external_account_id"`
	ExternalAccountLabel string     `json:"external_account_label" db:"external_account_label"`
	SlotNumber           int        `json:"slot_number" db:"slot_number"`
	PlanAtConnection     string     `json:"plan_at_connection" db:"plan_at_connection"`
	ConnectedAt          time.Time  `json:"connected_at" db:"connected_at"`
	DisconnectedAt       *time.Time `json:"disconnected_at,omitempty" db:"disconnected_at"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Active               bool       `json:"active" db:"active"`
}

// NormalizeExternalID strips incidental whitespace from a provider account
// id. All ledger comparisons and unique constraints operate on the
// normalized form, so "abc123 " and "abc123" name the same account.
func NormalizeExternalID(id string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, id)
}
