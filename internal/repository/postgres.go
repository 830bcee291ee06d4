package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/connections-core/internal/model"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres is the Store backed by a Postgres database. Every mutating
// method is one statement, so the no-transactions contract holds.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, err
	}
	s := &Postgres{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) init() error {
	_, err := s.db.Exec(`
        CREATE TABLE IF NOT EXISTS quotas (
            owner_id TEXT PRIMARY KEY,
            accounts_linked INTEGER NOT NULL DEFAULT 0,
            base_posts_per_hour INTEGER NOT NULL,
            boost_multiplier DOUBLE PRECISION NOT NULL,
            hard_cap_per_hour INTEGER NOT NULL DEFAULT 0,
            hard_cap_per_day INTEGER NOT NULL DEFAULT 0,
            used_this_hour INTEGER NOT NULL DEFAULT 0,
            used_today INTEGER NOT NULL DEFAULT 0,
            planned_this_hour INTEGER NOT NULL DEFAULT 0,
            hour_window_started_at BIGINT NOT NULL DEFAULT 0,
            day_window_started_at BIGINT NOT NULL DEFAULT 0
        );
        CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            account_id TEXT NOT NULL,
            owner_id TEXT NOT NULL,
            version INTEGER NOT NULL,
            is_active BOOLEAN NOT NULL,
            status TEXT NOT NULL,
            stale_reason TEXT NOT NULL DEFAULT '',
            risk_score INTEGER NOT NULL DEFAULT 0,
            enc TEXT NOT NULL,
            iv TEXT NOT NULL,
            tag TEXT NOT NULL,
            user_agent TEXT NOT NULL DEFAULT '',
            last_sync_at BIGINT NOT NULL DEFAULT 0,
            last_ok_at BIGINT NOT NULL DEFAULT 0,
            last_abort_at BIGINT NOT NULL DEFAULT 0,
            stale_at BIGINT NOT NULL DEFAULT 0,
            superseded_at BIGINT NOT NULL DEFAULT 0,
            created_at BIGINT NOT NULL DEFAULT 0
        );
        CREATE INDEX IF NOT EXISTS idx_sessions_account_active ON sessions(account_id, is_active);
        CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
        CREATE TABLE IF NOT EXISTS accounts (
            id TEXT PRIMARY KEY,
            owner_id TEXT NOT NULL,
            username TEXT NOT NULL DEFAULT '',
            created_at BIGINT NOT NULL DEFAULT 0
        );
        CREATE TABLE IF NOT EXISTS consents (
            owner_id TEXT PRIMARY KEY,
            accepted BOOLEAN NOT NULL,
            accepted_at BIGINT NOT NULL DEFAULT 0
        );
        CREATE TABLE IF NOT EXISTS targets (
            id TEXT PRIMARY KEY,
            owner_id TEXT NOT NULL,
            type TEXT NOT NULL,
            query TEXT NOT NULL,
            enabled BOOLEAN NOT NULL,
            priority INTEGER NOT NULL DEFAULT 0,
            cooldown_until BIGINT NOT NULL DEFAULT 0,
            cooldown_reason TEXT NOT NULL DEFAULT '',
            last_planned_at BIGINT NOT NULL DEFAULT 0,
            cooldown_min INTEGER NOT NULL DEFAULT 0,
            max_posts_per_run INTEGER NOT NULL DEFAULT 0,
            created_at BIGINT NOT NULL DEFAULT 0
        );
        CREATE TABLE IF NOT EXISTS queue_tasks (
            id TEXT PRIMARY KEY,
            owner_id TEXT NOT NULL,
            target_id TEXT NOT NULL,
            type TEXT NOT NULL,
            payload JSONB NOT NULL,
            status TEXT NOT NULL,
            priority TEXT NOT NULL,
            created_at BIGINT NOT NULL DEFAULT 0
        );
        CREATE INDEX IF NOT EXISTS idx_queue_tasks_owner_status ON queue_tasks(owner_id, status);
        CREATE TABLE IF NOT EXISTS integration_snapshots (
            owner_id TEXT PRIMARY KEY,
            last_state TEXT NOT NULL,
            state_changed_at BIGINT NOT NULL DEFAULT 0,
            telegram_chat_id BIGINT NOT NULL DEFAULT 0
        )`)
	return err
}

func (s *Postgres) Quotas() QuotaRepository             { return &pgQuotas{db: s.db} }
func (s *Postgres) Sessions() SessionRepository         { return &pgSessions{db: s.db} }
func (s *Postgres) Accounts() AccountRepository         { return &pgAccounts{db: s.db} }
func (s *Postgres) Consents() ConsentRepository         { return &pgConsents{db: s.db} }
func (s *Postgres) Targets() TargetRepository           { return &pgTargets{db: s.db} }
func (s *Postgres) Tasks() TaskRepository               { return &pgTasks{db: s.db} }
func (s *Postgres) Integrations() IntegrationRepository { return &pgIntegrations{db: s.db} }
func (s *Postgres) Close() error                        { return s.db.Close() }

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

type pgQuotas struct {
	db *sql.DB
}

func (r *pgQuotas) Get(ctx context.Context, ownerID string) (*model.Quota, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT owner_id, accounts_linked, base_posts_per_hour, boost_multiplier,
               hard_cap_per_hour, hard_cap_per_day, used_this_hour, used_today,
               planned_this_hour, hour_window_started_at, day_window_started_at
        FROM quotas WHERE owner_id=$1`, ownerID)
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

func (r *pgQuotas) Create(ctx context.Context, q *model.Quota) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO quotas (owner_id, accounts_linked, base_posts_per_hour, boost_multiplier,
                            hard_cap_per_hour, hard_cap_per_day, used_this_hour, used_today,
                            planned_this_hour, hour_window_started_at, day_window_started_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (owner_id) DO NOTHING`,
		q.OwnerID, q.AccountsLinked, q.BasePostsPerHour, q.BoostMultiplier,
		q.HardCapPerHour, q.HardCapPerDay, q.UsedThisHour, q.UsedToday,
		q.PlannedThisHour, unixOrZero(q.HourWindowStartedAt), unixOrZero(q.DayWindowStartedAt))
	return err
}

func (r *pgQuotas) SetCaps(ctx context.Context, ownerID string, accountsLinked, capHour, capDay int) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE quotas SET accounts_linked=$2, hard_cap_per_hour=$3, hard_cap_per_day=$4
        WHERE owner_id=$1`, ownerID, accountsLinked, capHour, capDay)
	return err
}

func (r *pgQuotas) ResetHourWindow(ctx context.Context, ownerID string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE quotas SET used_this_hour=0, planned_this_hour=0, hour_window_started_at=$2
        WHERE owner_id=$1`, ownerID, startedAt.Unix())
	return err
}

func (r *pgQuotas) ResetDayWindow(ctx context.Context, ownerID string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE quotas SET used_today=0, day_window_started_at=$2
        WHERE owner_id=$1`, ownerID, startedAt.Unix())
	return err
}

func (r *pgQuotas) AddPlanned(ctx context.Context, ownerID string, delta int) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE quotas SET planned_this_hour=planned_this_hour+$2
        WHERE owner_id=$1`, ownerID, delta)
	return err
}

func (r *pgQuotas) ApplyConsume(ctx context.Context, ownerID string, amount int) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE quotas SET used_this_hour=used_this_hour+$2, used_today=used_today+$2,
               planned_this_hour=planned_this_hour-$2
        WHERE owner_id=$1`, ownerID, amount)
	return err
}

type pgSessions struct {
	db *sql.DB
}

const sessionCols = `id, account_id, owner_id, version, is_active, status, stale_reason,
        risk_score, enc, iv, tag, user_agent, last_sync_at, last_ok_at, last_abort_at,
        stale_at, superseded_at, created_at`

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var s model.Session
	var lastSync, lastOk, lastAbort, staleAt, superseded, created int64
	if err := row.Scan(&s.ID, &s.AccountID, &s.OwnerID, &s.Version, &s.IsActive, &s.Status,
		&s.StaleReason, &s.RiskScore, &s.Cookies.Enc, &s.Cookies.IV, &s.Cookies.Tag,
		&s.UserAgent, &lastSync, &lastOk, &lastAbort, &staleAt, &superseded, &created); err != nil {
		return nil, err
	}
	s.LastSyncAt = timeFromUnix(lastSync)
	s.LastOkAt = timeFromUnix(lastOk)
	s.LastAbortAt = timeFromUnix(lastAbort)
	s.StaleAt = timeFromUnix(staleAt)
	s.SupersededAt = timeFromUnix(superseded)
	s.CreatedAt = timeFromUnix(created)
	return &s, nil
}

func (r *pgSessions) Insert(ctx context.Context, s *model.Session) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO sessions (`+sessionCols+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		s.ID, s.AccountID, s.OwnerID, s.Version, s.IsActive, s.Status, s.StaleReason,
		s.RiskScore, s.Cookies.Enc, s.Cookies.IV, s.Cookies.Tag, s.UserAgent,
		unixOrZero(s.LastSyncAt), unixOrZero(s.LastOkAt), unixOrZero(s.LastAbortAt),
		unixOrZero(s.StaleAt), unixOrZero(s.SupersededAt), unixOrZero(s.CreatedAt))
	return err
}

func (r *pgSessions) GetByID(ctx context.Context, sessionID string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=$1`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *pgSessions) ActiveByAccount(ctx context.Context, ownerID, accountID string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+sessionCols+` FROM sessions
        WHERE owner_id=$1 AND account_id=$2 AND is_active`, ownerID, accountID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *pgSessions) History(ctx context.Context, ownerID, accountID string, limit int) ([]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+sessionCols+` FROM sessions
        WHERE owner_id=$1 AND account_id=$2
        ORDER BY version DESC LIMIT $3`, ownerID, accountID, limit)
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

func (r *pgSessions) DeactivateActive(ctx context.Context, accountID string, supersededAt time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE sessions SET is_active=FALSE, superseded_at=$2
        WHERE account_id=$1 AND is_active`, accountID, supersededAt.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *pgSessions) MaxVersion(ctx context.Context, accountID string) (int, error) {
	var v int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM sessions WHERE account_id=$1`, accountID).Scan(&v)
	return v, err
}

func (r *pgSessions) SetStatus(ctx context.Context, sessionID string, status model.SessionStatus, reason string, at time.Time, guardInvalid bool) error {
	q := `UPDATE sessions SET status=$2, stale_reason=$3, stale_at=$4 WHERE id=$1`
	if guardInvalid {
		q += ` AND status <> 'INVALID'`
	}
	_, err := r.db.ExecContext(ctx, q, sessionID, status, reason, at.Unix())
	return err
}

func (r *pgSessions) TouchAbort(ctx context.Context, sessionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_abort_at=$2 WHERE id=$1`, sessionID, at.Unix())
	return err
}

func (r *pgSessions) CountLinked(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM sessions
        WHERE owner_id=$1 AND is_active AND status IN ('OK','STALE')`, ownerID).Scan(&n)
	return n, err
}

func (r *pgSessions) CountsByOwner(ctx context.Context, ownerID string) (model.SessionCounts, error) {
	var c model.SessionCounts
	err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COUNT(*) FILTER (WHERE status='OK'),
               COUNT(*) FILTER (WHERE status='STALE'),
               COUNT(*) FILTER (WHERE status='INVALID')
        FROM sessions WHERE owner_id=$1 AND is_active`, ownerID).
		Scan(&c.Total, &c.OK, &c.Stale, &c.Invalid)
	return c, err
}

type pgAccounts struct {
	db *sql.DB
}

func (r *pgAccounts) Get(ctx context.Context, accountID string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, username, created_at FROM accounts WHERE id=$1`, accountID)
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

func (r *pgAccounts) Save(ctx context.Context, a *model.Account) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO accounts (id, owner_id, username, created_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (id) DO UPDATE SET owner_id=EXCLUDED.owner_id, username=EXCLUDED.username`,
		a.ID, a.OwnerID, a.Username, unixOrZero(a.CreatedAt))
	return err
}

func (r *pgAccounts) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE owner_id=$1`, ownerID).Scan(&n)
	return n, err
}

func (r *pgAccounts) Owners(ctx context.Context) ([]string, error) {
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

type pgConsents struct {
	db *sql.DB
}

func (r *pgConsents) Get(ctx context.Context, ownerID string) (*model.Consent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT owner_id, accepted, accepted_at FROM consents WHERE owner_id=$1`, ownerID)
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

func (r *pgConsents) Save(ctx context.Context, c *model.Consent) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO consents (owner_id, accepted, accepted_at)
        VALUES ($1,$2,$3)
        ON CONFLICT (owner_id) DO UPDATE SET accepted=EXCLUDED.accepted, accepted_at=EXCLUDED.accepted_at`,
		c.OwnerID, c.Accepted, unixOrZero(c.AcceptedAt))
	return err
}

type pgTargets struct {
	db *sql.DB
}

const targetCols = `id, owner_id, type, query, enabled, priority, cooldown_until,
        cooldown_reason, last_planned_at, cooldown_min, max_posts_per_run, created_at`

func scanTarget(row interface{ Scan(...any) error }) (*model.Target, error) {
	var t model.Target
	var until, planned, created int64
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Type, &t.Query, &t.Enabled, &t.Priority,
		&until, &t.CooldownReason, &planned, &t.CooldownMin, &t.MaxPostsPerRun, &created); err != nil {
		return nil, err
	}
	t.CooldownUntil = timeFromUnix(until)
	t.LastPlannedAt = timeFromUnix(planned)
	t.CreatedAt = timeFromUnix(created)
	return &t, nil
}

func (r *pgTargets) Get(ctx context.Context, targetID string) (*model.Target, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+targetCols+` FROM targets WHERE id=$1`, targetID)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (r *pgTargets) Save(ctx context.Context, t *model.Target) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO targets (`+targetCols+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (id) DO UPDATE SET
            type=EXCLUDED.type,
            query=EXCLUDED.query,
            enabled=EXCLUDED.enabled,
            priority=EXCLUDED.priority,
            cooldown_until=EXCLUDED.cooldown_until,
            cooldown_reason=EXCLUDED.cooldown_reason,
            cooldown_min=EXCLUDED.cooldown_min,
            max_posts_per_run=EXCLUDED.max_posts_per_run`,
		t.ID, t.OwnerID, t.Type, t.Query, t.Enabled, t.Priority,
		unixOrZero(t.CooldownUntil), t.CooldownReason, unixOrZero(t.LastPlannedAt),
		t.CooldownMin, t.MaxPostsPerRun, unixOrZero(t.CreatedAt))
	return err
}

func (r *pgTargets) ListByOwner(ctx context.Context, ownerID string) ([]*model.Target, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+targetCols+` FROM targets WHERE owner_id=$1 ORDER BY created_at`, ownerID)
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

func (r *pgTargets) SetLastPlanned(ctx context.Context, targetID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE targets SET last_planned_at=$2 WHERE id=$1`, targetID, at.Unix())
	return err
}

type pgTasks struct {
	db *sql.DB
}

func (r *pgTasks) Insert(ctx context.Context, t *model.QueueTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
        INSERT INTO queue_tasks (id, owner_id, target_id, type, payload, status, priority, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.OwnerID, t.TargetID, t.Type, string(payload), t.Status, t.Priority,
		unixOrZero(t.CreatedAt))
	return err
}

func (r *pgTasks) PendingTargetIDs(ctx context.Context, ownerID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT DISTINCT target_id FROM queue_tasks
        WHERE owner_id=$1 AND status IN ('PENDING','RUNNING')`, ownerID)
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

type pgIntegrations struct {
	db *sql.DB
}

func (r *pgIntegrations) Get(ctx context.Context, ownerID string) (*model.IntegrationSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT owner_id, last_state, state_changed_at, telegram_chat_id
        FROM integration_snapshots WHERE owner_id=$1`, ownerID)
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

func (r *pgIntegrations) Upsert(ctx context.Context, s *model.IntegrationSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO integration_snapshots (owner_id, last_state, state_changed_at, telegram_chat_id)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (owner_id) DO UPDATE SET
            last_state=EXCLUDED.last_state,
            state_changed_at=EXCLUDED.state_changed_at,
            telegram_chat_id=EXCLUDED.telegram_chat_id`,
		s.OwnerID, s.LastState, unixOrZero(s.StateChangedAt), s.TelegramChatID)
	return err
}
