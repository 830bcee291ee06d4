package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/connections-core/internal/model"
	"github.com/example/connections-core/internal/repository"
)

// Cipher is the external encryption boundary around session secrets.
type Cipher interface {
	Encrypt(plaintext []byte) (model.EncryptedCookies, error)
	Decrypt(c model.EncryptedCookies) ([]byte, error)
}

// Abort reasons signalling that the collector infrastructure itself is
// down. Aborts carrying one of these must not touch the session: an
// unreachable collector says nothing about the credential.
const (
	AbortReasonCollectorUnavailable = "COLLECTOR_UNAVAILABLE"
	AbortReasonCollectorTimeout     = "COLLECTOR_TIMEOUT"
	AbortReasonProxyError           = "PROXY_ERROR"
)

var infrastructureAbortReasons = map[string]bool{
	AbortReasonCollectorUnavailable: true,
	AbortReasonCollectorTimeout:     true,
	AbortReasonProxyError:           true,
}

// IngestMetadata carries optional attributes of the ingested session.
type IngestMetadata struct {
	UserAgent string
	RiskScore int
}

const historyLimitMax = 50

// SessionService owns the versioned single-active-session-per-account
// state machine. INVALID is produced in exactly one place: the decrypt
// failure path in GetDecryptedCookies. No other method, exported or not,
// writes that status.
type SessionService struct {
	sessions repository.SessionRepository
	accounts repository.AccountRepository
	consents repository.ConsentRepository
	cipher   Cipher

	now func() time.Time
}

func NewSessionService(sessions repository.SessionRepository, accounts repository.AccountRepository, consents repository.ConsentRepository, cipher Cipher) *SessionService {
	return &SessionService{
		sessions: sessions,
		accounts: accounts,
		consents: consents,
		cipher:   cipher,
		now:      time.Now,
	}
}

// Ingest stores a new session version for the account, deactivating every
// previously-active row. Steps run in a fixed order: consent, account
// existence, ownership, cookie classification, encryption, deactivation
// sweep, insert. The ownership check must stay ahead of anything that
// trusts the account.
func (s *SessionService) Ingest(ctx context.Context, ownerID, accountID string, cookies model.CookiePayload, meta IngestMetadata) (*model.IngestResult, error) {
	consent, err := s.consents.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConsentRequired
		}
		return nil, err
	}
	if !consent.Accepted {
		return nil, ErrConsentRequired
	}

	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if account.OwnerID != ownerID {
		return nil, ErrAccountOwnershipViolation
	}

	// Ingestion can only yield OK or STALE, never INVALID.
	status, staleReason := classifyCookies(cookies)

	plaintext, err := json.Marshal(cookies)
	if err != nil {
		return nil, err
	}
	enc, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt session: %w", err)
	}

	now := s.now().UTC()
	deactivated, err := s.sessions.DeactivateActive(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	maxVersion, err := s.sessions.MaxVersion(ctx, accountID)
	if err != nil {
		return nil, err
	}

	session := &model.Session{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		OwnerID:     ownerID,
		Version:     maxVersion + 1,
		IsActive:    true,
		Status:      status,
		StaleReason: staleReason,
		RiskScore:   meta.RiskScore,
		Cookies:     enc,
		UserAgent:   meta.UserAgent,
		LastSyncAt:  now,
		CreatedAt:   now,
	}
	if status == model.SessionStatusOK {
		session.LastOkAt = now
	}
	if err := s.sessions.Insert(ctx, session); err != nil {
		return nil, err
	}
	return &model.IngestResult{
		SessionID:           session.ID,
		Version:             session.Version,
		Status:              session.Status,
		StaleReason:         session.StaleReason,
		PreviousDeactivated: deactivated > 0,
	}, nil
}

// classifyCookies derives the initial status from structural validity.
func classifyCookies(c model.CookiePayload) (model.SessionStatus, string) {
	missing := []string{}
	if strings.TrimSpace(c.AuthToken) == "" {
		missing = append(missing, "auth_token")
	}
	if strings.TrimSpace(c.CSRFToken) == "" {
		missing = append(missing, "csrf_token")
	}
	if len(missing) == 0 {
		return model.SessionStatusOK, ""
	}
	return model.SessionStatusStale, "missing " + strings.Join(missing, ", ")
}

// GetDecryptedCookies loads and decrypts the active session for the
// account. A decrypt failure downgrades the session to INVALID before the
// error is surfaced, so the next read sees a consistent terminal state.
// This is the only path that produces INVALID.
func (s *SessionService) GetDecryptedCookies(ctx context.Context, ownerID, accountID string) (*model.CookiePayload, error) {
	session, err := s.sessions.ActiveByAccount(ctx, ownerID, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	switch session.Status {
	case model.SessionStatusInvalid:
		return nil, ErrSessionInvalid
	case model.SessionStatusExpired:
		return nil, ErrSessionExpired
	}
	plaintext, err := s.cipher.Decrypt(session.Cookies)
	if err != nil {
		if setErr := s.sessions.SetStatus(ctx, session.ID, model.SessionStatusInvalid,
			model.StaleReasonDecryptFailed, s.now().UTC(), false); setErr != nil {
			log.Println("mark session invalid:", setErr)
		}
		return nil, ErrSessionDecryptFailed
	}
	var cookies model.CookiePayload
	if err := json.Unmarshal(plaintext, &cookies); err != nil {
		return nil, err
	}
	return &cookies, nil
}

// GetActive returns the active session for the account, scoped by owner.
func (s *SessionService) GetActive(ctx context.Context, ownerID, accountID string) (*model.Session, error) {
	session, err := s.sessions.ActiveByAccount(ctx, ownerID, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

// History returns the most recent session versions, newest first.
func (s *SessionService) History(ctx context.Context, ownerID, accountID string, limit int) ([]*model.Session, error) {
	if limit <= 0 || limit > historyLimitMax {
		limit = historyLimitMax
	}
	return s.sessions.History(ctx, ownerID, accountID, limit)
}

// MarkStale lets the cookie consumer report a runtime failure. It can only
// ever set STALE and never resurrects an INVALID session.
func (s *SessionService) MarkStale(ctx context.Context, sessionID, reason string) error {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return s.sessions.SetStatus(ctx, sessionID, model.SessionStatusStale, reason, s.now().UTC(), true)
}

// RecordAbort applies an external collector abort to the account's active
// session. Session-expired aborts move it to EXPIRED; infrastructure
// failures leave it untouched; everything else downgrades to STALE.
func (s *SessionService) RecordAbort(ctx context.Context, ownerID, accountID, reason string, sessionExpired bool) error {
	session, err := s.sessions.ActiveByAccount(ctx, ownerID, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	now := s.now().UTC()
	if sessionExpired {
		return s.sessions.SetStatus(ctx, session.ID, model.SessionStatusExpired, model.StaleReasonExpired, now, true)
	}
	if infrastructureAbortReasons[reason] {
		// Not the credential's fault; leave status alone.
		return nil
	}
	if err := s.sessions.TouchAbort(ctx, session.ID, now); err != nil {
		return err
	}
	return s.sessions.SetStatus(ctx, session.ID, model.SessionStatusStale, reason, now, true)
}
