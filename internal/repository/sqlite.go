package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/connections-core/internal/model"
	_ "modernc.org/sqlite"
)

// SQLite is the embedded single-file Store used when no DATABASE_URL is
// configured. Same single-statement discipline as the Postgres store.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS quotas (
		owner_id TEXT PRIMARY KEY,
		accounts_linked INTEGER NOT NULL DEFAULT 0,
		base_posts_per_hour INTEGER NOT NULL,
		boost_multiplier REAL NOT NULL,
		hard_cap_per_hour INTEGER NOT NULL DEFAULT 0,
		hard_cap_per_day INTEGER NOT NULL DEFAULT 0,
		used_this_hour INTEGER NOT NULL DEFAULT 0,
		used_today INTEGER NOT NULL DEFAULT 0,
		planned_this_hour INTEGER NOT NULL DEFAULT 0,
		hour_window_started_at INTEGER NOT NULL DEFAULT 0,
		day_window_started_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		is_active INTEGER NOT NULL,
		status TEXT NOT NULL,
		stale_reason TEXT NOT NULL DEFAULT '',
		risk_score INTEGER NOT NULL DEFAULT 0,
		enc TEXT NOT NULL,
		iv TEXT NOT NULL,
		tag TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		last_sync_at INTEGER NOT NULL DEFAULT 0,
		last_ok_at INTEGER NOT NULL DEFAULT 0,
		last_abort_at INTEGER NOT NULL DEFAULT 0,
		stale_at INTEGER NOT NULL DEFAULT 0,
		superseded_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_account_active ON sessions(account_id, is_active);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS consents (
		owner_id TEXT PRIMARY KEY,
		accepted INTEGER NOT NULL,
		accepted_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		type TEXT NOT NULL,
		query TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		cooldown_until INTEGER NOT NULL DEFAULT 0,
		cooldown_reason TEXT NOT NULL DEFAULT '',
		last_planned_at INTEGER NOT NULL DEFAULT 0,
		cooldown_min INTEGER NOT NULL DEFAULT 0,
		max_posts_per_run INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS queue_tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_queue_tasks_owner_status ON queue_tasks(owner_id, status);
	CREATE TABLE IF NOT EXISTS integration_snapshots (
		owner_id TEXT PRIMARY KEY,
		last_state TEXT NOT NULL,
		state_changed_at INTEGER NOT NULL DEFAULT 0,
		telegram_chat_id INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

func (s *SQLite) Quotas() QuotaRepository             { return &liteQuotas{db: s.db} }
func (s *SQLite) Sessions() SessionRepository         { return &liteSessions{db: s.db} }
func (s *SQLite) Accounts() AccountRepository         { return &liteAccounts{db: s.db} }
func (s *SQLite) Consents() ConsentRepository         { return &liteConsents{db: s.db} }
func (s *SQLite) Targets() TargetRepository           { return &liteTargets{db: s.db} }
func (s *SQLite) Tasks() TaskRepository               { return &liteTasks{db: s.db} }
func (s *SQLite) Integrations() IntegrationRepository { return &liteIntegrations{db: s.db} }
func (s *SQLite) Close() error                        { return s.db.Close() }

type liteQuotas struct {
	db *sql.DB
}

func (r *liteQuotas) Get(ctx context.Context, ownerID string) (*model.Quota, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT owner_id, accounts_linked, base_posts_per_hour, boost_multiplier,
	       hard_cap_per_hour, hard_cap_per_day, used_this_hour, used_today,
	       planned_this_hour, hour_window_started_at, day_window_started_at
	FROM quotas WHERE owner_id=?`, ownerID)
	var q model.Quota
	var hourStart, dayStart int64
	if err := row.Scan(&q.OwnerID, &q.AccountsLinked, &q.BasePostsPerHour, &q.BoostMultiplier,
		&q.HardCapPerHour, &q.HardCapPerDay, &q.UsedThisHour, &q.UsedToday,
		&q.PlannedThisHour, &hourStart, &dayStart); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	q.HourWindowStartedAt = timeFromUnix(hourStart)
	q.DayWindowStartedAt = timeFromUnix(dayStart)
	return &q, nil
}

func (r *liteQuotas) Create(ctx context.Context, q *model.Quota) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO quotas (owner_id, accounts_linked, base_posts_per_hour, boost_multiplier,
	                    hard_cap_per_hour, hard_cap_per_day, used_this_hour, used_today,
	                    planned_this_hour, hour_window_started_at, day_window_started_at)
	VALUES (?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT (owner_id) DO NOTHING`,
		q.OwnerID, q.AccountsLinked, q.BasePostsPerHour, q.BoostMultiplier,
		q.HardCapPerHour, q.HardCapPerDay, q.UsedThisHour, q.UsedToday,
		q.PlannedThisHour, unixOrZero(q.HourWindowStartedAt), unixOrZero(q.DayWindowStartedAt))
	return err
}

func (r *liteQuotas) SetCaps(ctx context.Context, ownerID string, accountsLinked, capHour, capDay int) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE quotas SET accounts_linked=?, hard_cap_per_hour=?, hard_cap_per_day=?
	WHERE owner_id=?`, accountsLinked, capHour, capDay, ownerID)
	return err
}

func (r *liteQuotas) ResetHourWindow(ctx context.Context, ownerID string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE quotas SET used_this_hour=0, planned_this_hour=0, hour_window_started_at=?
	WHERE owner_id=?`, startedAt.Unix(), ownerID)
	return err
}

func (r *liteQuotas) ResetDayWindow(ctx context.Context, ownerID string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE quotas SET used_today=0, day_window_started_at=?
	WHERE owner_id=?`, startedAt.Unix(), ownerID)
	return err
}

func (r *liteQuotas) AddPlanned(ctx context.Context, ownerID string, delta int) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE quotas SET planned_this_hour=planned_this_hour+?
	WHERE owner_id=?`, delta, ownerID)
	return err
}

func (r *liteQuotas) ApplyConsume(ctx context.Context, ownerID string, amount int) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE quotas SET used_this_hour=used_this_hour+?, used_today=used_today+?,
	       planned_this_hour=planned_this_hour-?
	WHERE owner_id=?`, amount, amount, amount, ownerID)
	return err
}

type liteSessions struct {
	db *sql.DB
}

func (r *liteSessions) Insert(ctx context.Context, s *model.Session) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO sessions (`+sessionCols+`)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.AccountID, s.OwnerID, s.Version, s.IsActive, s.Status, s.StaleReason,
		s.RiskScore, s.Cookies.Enc, s.Cookies.IV, s.Cookies.Tag, s.UserAgent,
		unixOrZero(s.LastSyncAt), unixOrZero(s.LastOkAt), unixOrZero(s.LastAbortAt),
		unixOrZero(s.StaleAt), unixOrZero(s.SupersededAt), unixOrZero(s.CreatedAt))
	return err
}

func (r *liteSessions) GetByID(ctx context.Context, sessionID string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *liteSessions) ActiveByAccount(ctx context.Context, ownerID, accountID string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT `+sessionCols+` FROM sessions
	WHERE owner_id=? AND account_id=? AND is_active=1`, ownerID, accountID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *liteSessions) History(ctx context.Context, ownerID, accountID string, limit int) ([]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+sessionCols+` FROM sessions
	WHERE owner_id=? AND account_id=?
	ORDER BY version DESC LIMIT ?`, ownerID, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *liteSessions) DeactivateActive(ctx context.Context, accountID string, supersededAt time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
	UPDATE sessions SET is_active=0, superseded_at=?
	WHERE account_id=? AND is_active=1`, supersededAt.Unix(), accountID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *liteSessions) MaxVersion(ctx context.Context, accountID string) (int, error) {
	var v int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM sessions WHERE account_id=?`, accountID).Scan(&v)
	return v, err
}

func (r *liteSessions) SetStatus(ctx context.Context, sessionID string, status model.SessionStatus, reason string, at time.Time, guardInvalid bool) error {
	q := `UPDATE sessions SET status=?, stale_reason=?, stale_at=? WHERE id=?`
	if guardInvalid {
		q += ` AND status <> 'INVALID'`
	}
	_, err := r.db.ExecContext(ctx, q, status, reason, at.Unix(), sessionID)
	return err
}

func (r *liteSessions) TouchAbort(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_abort_at=? WHERE id=?`, at.Unix(), sessionID)
	return err
}

func (r *liteSessions) CountLinked(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM sessions
	WHERE owner_id=? AND is_active=1 AND status IN ('OK','STALE')`, ownerID).Scan(&n)
	return n, err
}

func (r *liteSessions) CountsByOwner(ctx context.Context, ownerID string) (model.SessionCounts, error) {
	var c model.SessionCounts
	err := r.db.QueryRowContext(ctx, `
	SELECT COUNT(*),
	       COALESCE(SUM(CASE WHEN status='OK' THEN 1 ELSE 0 END), 0),
	       COALESCE(SUM(CASE WHEN status='STALE' THEN 1 ELSE 0 END), 0),
	       COALESCE(SUM(CASE WHEN status='INVALID' THEN 1 ELSE 0 END), 0)
	FROM sessions WHERE owner_id=? AND is_active=1`, ownerID).
		Scan(&c.Total, &c.OK, &c.Stale, &c.Invalid)
	return c, err
}

type liteAccounts struct {
	db *sql.DB
}

func (r *liteAccounts) Get(ctx context.Context, accountID string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, username, created_at FROM accounts WHERE id=?`, accountID)
	var a model.Account
	var created int64
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Username, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.CreatedAt = timeFromUnix(created)
	return &a, nil
}

func (r *liteAccounts) Save(ctx context.Context, a *model.Account) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO accounts (id, owner_id, username, created_at)
	VALUES (?,?,?,?)
	ON CONFLICT (id) DO UPDATE SET owner_id=excluded.owner_id, username=excluded.username`,
		a.ID, a.OwnerID, a.Username, unixOrZero(a.CreatedAt))
	return err
}

func (r *liteAccounts) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE owner_id=?`, ownerID).Scan(&n)
	return n, err
}

func (r *liteAccounts) Owners(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT owner_id FROM accounts ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		out = append(out, owner)
	}
	return out, rows.Err()
}

type liteConsents struct {
	db *sql.DB
}

func (r *liteConsents) Get(ctx context.Context, ownerID string) (*model.Consent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT owner_id, accepted, accepted_at FROM consents WHERE owner_id=?`, ownerID)
	var c model.Consent
	var accepted int64
	if err := row.Scan(&c.OwnerID, &c.Accepted, &accepted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.AcceptedAt = timeFromUnix(accepted)
	return &c, nil
}

func (r *liteConsents) Save(ctx context.Context, c *model.Consent) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO consents (owner_id, accepted, accepted_at)
	VALUES (?,?,?)
	ON CONFLICT (owner_id) DO UPDATE SET accepted=excluded.accepted, accepted_at=excluded.accepted_at`,
		c.OwnerID, c.Accepted, unixOrZero(c.AcceptedAt))
	return err
}

type liteTargets struct {
	db *sql.DB
}

func (r *liteTargets) Get(ctx context.Context, targetID string) (*model.Target, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+targetCols+` FROM targets WHERE id=?`, targetID)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (r *liteTargets) Save(ctx context.Context, t *model.Target) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO targets (`+targetCols+`)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT (id) DO UPDATE SET
	    type=excluded.type,
	    query=excluded.query,
	    enabled=excluded.enabled,
	    priority=excluded.priority,
	    cooldown_until=excluded.cooldown_until,
	    cooldown_reason=excluded.cooldown_reason,
	    cooldown_min=excluded.cooldown_min,
	    max_posts_per_run=excluded.max_posts_per_run`,
		t.ID, t.OwnerID, t.Type, t.Query, t.Enabled, t.Priority,
		unixOrZero(t.CooldownUntil), t.CooldownReason, unixOrZero(t.LastPlannedAt),
		t.CooldownMin, t.MaxPostsPerRun, unixOrZero(t.CreatedAt))
	return err
}

func (r *liteTargets) ListByOwner(ctx context.Context, ownerID string) ([]*model.Target, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+targetCols+` FROM targets WHERE owner_id=? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *liteTargets) SetLastPlanned(ctx context.Context, targetID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE targets SET last_planned_at=? WHERE id=?`, at.Unix(), targetID)
	return err
}

type liteTasks struct {
	db *sql.DB
}

func (r *liteTasks) Insert(ctx context.Context, t *model.QueueTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
	INSERT INTO queue_tasks (id, owner_id, target_id, type, payload, status, priority, created_at)
	VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.TargetID, t.Type, string(payload), t.Status, t.Priority,
		unixOrZero(t.CreatedAt))
	return err
}

func (r *liteTasks) PendingTargetIDs(ctx context.Context, ownerID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT DISTINCT target_id FROM queue_tasks
	WHERE owner_id=? AND status IN ('PENDING','RUNNING')`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

type liteIntegrations struct {
	db *sql.DB
}

func (r *liteIntegrations) Get(ctx context.Context, ownerID string) (*model.IntegrationSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT owner_id, last_state, state_changed_at, telegram_chat_id
	FROM integration_snapshots WHERE owner_id=?`, ownerID)
	var s model.IntegrationSnapshot
	var changed int64
	if err := row.Scan(&s.OwnerID, &s.LastState, &changed, &s.TelegramChatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.StateChangedAt = timeFromUnix(changed)
	return &s, nil
}

func (r *liteIntegrations) Upsert(ctx context.Context, s *model.IntegrationSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO integration_snapshots (owner_id, last_state, state_changed_at, telegram_chat_id)
	VALUES (?,?,?,?)
	ON CONFLICT (owner_id) DO UPDATE SET
	    last_state=excluded.last_state,
	    state_changed_at=excluded.state_changed_at,
	    telegram_chat_id=excluded.telegram_chat_id`,
		s.OwnerID, s.LastState, unixOrZero(s.StateChangedAt), s.TelegramChatID)
	return err
}
