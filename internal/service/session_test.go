package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/connections-core/internal/model"
	"github.com/example/connections-core/internal/repository"
)

// fakeCipher stores the plaintext verbatim so tests can force decrypt
// failures without real key material.
type fakeCipher struct {
	failDecrypt bool
}

func (c *fakeCipher) Encrypt(plaintext []byte) (model.EncryptedCookies, error) {
	return model.EncryptedCookies{Enc: string(plaintext), IV: "iv", Tag: "tag"}, nil
}

func (c *fakeCipher) Decrypt(enc model.EncryptedCookies) ([]byte, error) {
	if c.failDecrypt {
		return nil, errors.New("authentication failed")
	}
	return []byte(enc.Enc), nil
}

func newSessionFixture(t *testing.T) (*SessionService, *repository.Memory, *fakeCipher) {
	t.Helper()
	store := repository.NewMemory()
	ctx := context.Background()
	if err := store.Consents().Save(ctx, &model.Consent{OwnerID: "o1", Accepted: true}); err != nil {
		t.Fatalf("seed consent: %v", err)
	}
	if err := store.Accounts().Save(ctx, &model.Account{ID: "acc1", OwnerID: "o1", Username: "primary"}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	cipher := &fakeCipher{}
	svc := NewSessionService(store.Sessions(), store.Accounts(), store.Consents(), cipher)
	base := time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	return svc, store, cipher
}

func validCookies() model.CookiePayload {
	return model.CookiePayload{AuthToken: "tok", CSRFToken: "csrf"}
}

func TestIngestConsentRequired(t *testing.T) {
	svc, store, _ := newSessionFixture(t)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, "o2", "acc1", validCookies(), IngestMetadata{}); !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("expected consent error, got %v", err)
	}

	// A consent that exists but was not accepted is not consent.
	store.Consents().Save(ctx, &model.Consent{OwnerID: "o2", Accepted: false})
	if _, err := svc.Ingest(ctx, "o2", "acc1", validCookies(), IngestMetadata{}); !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("expected consent error, got %v", err)
	}
}

func TestIngestAccountChecks(t *testing.T) {
	svc, store, _ := newSessionFixture(t)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, "o1", "missing", validCookies(), IngestMetadata{}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account-not-found, got %v", err)
	}

	store.Consents().Save(ctx, &model.Consent{OwnerID: "o2", Accepted: true})
	if _, err := svc.Ingest(ctx, "o2", "acc1", validCookies(), IngestMetadata{}); !errors.Is(err, ErrAccountOwnershipViolation) {
		t.Fatalf("expected ownership violation, got %v", err)
	}
}

func TestIngestVersionsAndRotation(t *testing.T) {
	svc, store, _ := newSessionFixture(t)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, "o1", "acc1", validCookies(), IngestMetadata{UserAgent: "ua"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if first.Version != 1 || first.Status != model.SessionStatusOK || first.PreviousDeactivated {
		t.Fatalf("unexpected first ingest: %+v", first)
	}

	second, err := svc.Ingest(ctx, "o1", "acc1", validCookies(), IngestMetadata{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if second.Version != 2 || !second.PreviousDeactivated {
		t.Fatalf("unexpected second ingest: %+v", second)
	}

	active, err := svc.GetActive(ctx, "o1", "acc1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != second.SessionID {
		t.Fatalf("active session is not the newest")
	}

	history, err := svc.History(ctx, "o1", "acc1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Version != 2 || history[1].Version != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}
	activeCount := 0
	for _, s := range history {
		if s.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active session, got %d", activeCount)
	}

	old, _ := store.Sessions().GetByID(ctx, first.SessionID)
	if old.IsActive || old.SupersededAt.IsZero() {
		t.Fatalf("superseded session not deactivated: %+v", old)
	}
}

func TestIngestMissingAuthTokenIsStale(t *testing.T) {
	svc, _, _ := newSessionFixture(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, "o1", "acc1", model.CookiePayload{CSRFToken: "csrf"}, IngestMetadata{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Status != model.SessionStatusStale {
		t.Fatalf("expected STALE, got %s", res.Status)
	}
	if !strings.Contains(res.StaleReason, "auth_token") {
		t.Fatalf("stale reason should name auth_token: %q", res.StaleReason)
	}
}

func TestIngestMissingBothTokens(t *testing.T) {
	svc, _, _ := newSessionFixture(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, "o1", "acc1", model.CookiePayload{}, IngestMetadata{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !strings.Contains(res.StaleReason, "auth_token") || !strings.Contains(res.StaleReason, "csrf_token") {
		t.Fatalf("stale reason should name both tokens: %q", res.StaleReason)
	}
}

func TestGetDecryptedCookiesRoundtrip(t *testing.T) {
	svc, _, _ := newSessionFixture(t)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, "o1", "acc1", validCookies(), IngestMetadata{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	cookies, err := svc.GetDecryptedCookies(ctx, "o1", "acc1")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if cookies.AuthToken != "tok" || cookies.CSRFToken != "csrf" {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}

	if _, err := svc.GetDecryptedCookies(ctx, "o1", "other"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestDecryptFailureIsTheOnlyInvalidPath(t *testing.T) {
	svc, store, cipher := newSessionFixture(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, "o1", "acc1", validCookies(), IngestMetadata{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// No combination of external inputs may produce INVALID.
	if err := svc.MarkStale(ctx, res.SessionID, "rate limited"); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if err := svc.RecordAbort(ctx, "o1", "acc1", "SOME_FAILURE", false); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := svc.Ingest(ctx, "o1", "acc1", model.CookiePayload{}, IngestMetadata{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	active, _ := svc.GetActive(ctx, "o1", "acc1")
	if active.Status == model.SessionStatusInvalid {
		t.Fatalf("external inputs produced INVALID")
	}

	// The decrypt failure path is the sole producer.
	cipher.failDecrypt = true
	if _, err := svc.GetDecryptedCookies(ctx, "o1", "acc1"); !errors.Is(err, ErrSessionDecryptFailed) {
		t.Fatalf("expected decrypt failure, got %v", err)
	}
	active, _ = store.Sessions().GetByID(ctx, active.ID)
	if active.Status != model.SessionStatusInvalid || active.StaleReason != model.StaleReasonDecryptFailed {
		t.Fatalf("session not downgraded to INVALID: %+v", active)
	}

	// The next read sees the terminal state, not another decrypt attempt.
	cipher.failDecrypt = false
	if _, err := svc.GetDecryptedCookies(ctx, "o1", "acc1"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}

	// INVALID is terminal: MarkStale must not resurrect it.
	if err := svc.MarkStale(ctx, active.ID, "late report"); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	after, _ := store.Sessions().GetByID(ctx, active.ID)
	if after.Status != model.SessionStatusInvalid {
		t.Fatalf("INVALID was resurrected to %s", after.Status)
	}
}

func TestRecordAbort(t *testing.T) {
	svc, store, _ := newSessionFixture(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, "o1", "acc1", validCookies(), IngestMetadata{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Infrastructure failure leaves the session untouched.
	if err := svc.RecordAbort(ctx, "o1", "acc1", AbortReasonCollectorUnavailable, false); err != nil {
		t.Fatalf("abort: %v", err)
	}
	s, _ := store.Sessions().GetByID(ctx, res.SessionID)
	if s.Status != model.SessionStatusOK || !s.LastAbortAt.IsZero() {
		t.Fatalf("infra abort must not touch the session: %+v", s)
	}

	// An ordinary failure downgrades to STALE and stamps the abort.
	if err := svc.RecordAbort(ctx, "o1", "acc1", "CHALLENGE_PAGE", false); err != nil {
		t.Fatalf("abort: %v", err)
	}
	s, _ = store.Sessions().GetByID(ctx, res.SessionID)
	if s.Status != model.SessionStatusStale || s.StaleReason != "CHALLENGE_PAGE" || s.LastAbortAt.IsZero() {
		t.Fatalf("unexpected session after abort: %+v", s)
	}

	// A session-expired abort is terminal for collection purposes.
	if err := svc.RecordAbort(ctx, "o1", "acc1", "logged out", true); err != nil {
		t.Fatalf("abort: %v", err)
	}
	s, _ = store.Sessions().GetByID(ctx, res.SessionID)
	if s.Status != model.SessionStatusExpired || s.StaleReason != model.StaleReasonExpired {
		t.Fatalf("expected EXPIRED: %+v", s)
	}
	if _, err := svc.GetDecryptedCookies(ctx, "o1", "acc1"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestMarkStaleUnknownSession(t *testing.T) {
	svc, _, _ := newSessionFixture(t)
	if err := svc.MarkStale(context.Background(), "nope", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
