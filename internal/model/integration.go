package model

import "time"

// IntegrationState is the coarse derived health of an owner's integration.
type IntegrationState string

const (
	StateNoConsent      IntegrationState = "NO_CONSENT"
	StateNoAccounts     IntegrationState = "NO_ACCOUNTS"
	StateSessionOK      IntegrationState = "SESSION_OK"
	StateSessionStale   IntegrationState = "SESSION_STALE"
	StateSessionInvalid IntegrationState = "SESSION_INVALID"
)

// IntegrationCounts is the raw input the state is derived from.
type IntegrationCounts struct {
	HasConsent    bool `json:"has_consent"`
	AccountsCount int  `json:"accounts_count"`
	SessionsCount int  `json:"sessions_count"`
	OKCount       int  `json:"ok_count"`
	StaleCount    int  `json:"stale_count"`
	InvalidCount  int  `json:"invalid_count"`
}

// StateDetails pairs the derived state with its inputs for UI consumption.
type StateDetails struct {
	State  IntegrationState  `json:"state"`
	Counts IntegrationCounts `json:"counts"`
}

// StateTransition is a trivial equality diff between two resolutions.
type StateTransition struct {
	Prev    IntegrationState `json:"prev"`
	Next    IntegrationState `json:"next"`
	Changed bool             `json:"changed"`
}

// IntegrationSnapshot persists the last observed state so transitions can be
// detected; it is not the primary truth.
type IntegrationSnapshot struct {
	OwnerID        string           `json:"owner_id"`
	LastState      IntegrationState `json:"last_state"`
	StateChangedAt time.Time        `json:"state_changed_at"`
	TelegramChatID int64            `json:"telegram_chat_id,omitempty"`
}
