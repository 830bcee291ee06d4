package model

import "time"

// SessionStatus is the health of a stored session. INVALID is terminal and
// may only be set by the registry itself when decryption fails.
type SessionStatus string

const (
	SessionStatusOK      SessionStatus = "OK"
	SessionStatusStale   SessionStatus = "STALE"
	SessionStatusExpired SessionStatus = "EXPIRED"
	SessionStatusInvalid SessionStatus = "INVALID"
)

// Stale reasons recorded by the registry.
const (
	StaleReasonExpired       = "EXPIRED"
	StaleReasonDecryptFailed = "DECRYPT_FAILED"
)

// CookiePayload is the decrypted session secret. A session is structurally
// valid when both the auth token and the CSRF token are present.
type CookiePayload struct {
	AuthToken string            `json:"auth_token"`
	CSRFToken string            `json:"csrf_token"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// EncryptedCookies is the opaque triple produced by the encryption boundary.
type EncryptedCookies struct {
	Enc string `json:"enc"`
	IV  string `json:"iv"`
	Tag string `json:"tag"`
}

// Session is one versioned row in an account's session lineage. At most one
// row per account has IsActive set; superseded rows are deactivated, never
// deleted.
type Session struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	OwnerID       string           `json:"owner_id"`
	Version       int              `json:"version"`
	IsActive      bool             `json:"is_active"`
	Status        SessionStatus    `json:"status"`
	StaleReason   string           `json:"stale_reason,omitempty"`
	RiskScore     int              `json:"risk_score"`
	Cookies       EncryptedCookies `json:"cookies"`
	UserAgent     string           `json:"user_agent,omitempty"`
	LastSyncAt    time.Time        `json:"last_sync_at"`
	LastOkAt      time.Time        `json:"last_ok_at,omitempty"`
	LastAbortAt   time.Time        `json:"last_abort_at,omitempty"`
	StaleAt       time.Time        `json:"stale_at,omitempty"`
	SupersededAt  time.Time        `json:"superseded_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// SessionCounts summarizes active sessions for one owner.
type SessionCounts struct {
	Total   int `json:"total"`
	OK      int `json:"ok"`
	Stale   int `json:"stale"`
	Invalid int `json:"invalid"`
}

// IngestResult reports the outcome of a session ingestion.
type IngestResult struct {
	SessionID           string        `json:"session_id"`
	Version             int           `json:"version"`
	Status              SessionStatus `json:"status"`
	StaleReason         string        `json:"stale_reason,omitempty"`
	PreviousDeactivated bool          `json:"previous_deactivated"`
}
