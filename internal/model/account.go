package model

import "time"

// Account is a linked platform account owned by one tenant.
type Account struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Consent records whether the owner accepted the data-collection terms.
// Session ingestion is refused until it is accepted.
type Consent struct {
	OwnerID    string    `json:"owner_id"`
	Accepted   bool      `json:"accepted"`
	AcceptedAt time.Time `json:"accepted_at,omitempty"`
}
