package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "adsbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// dialect captures the few differences between the supported SQL engines.
type dialect struct {
	name   string
	dollar bool // postgres-style $n placeholders
}

var (
	dialectSQLite   = dialect{name: "sqlite"}
	dialectPostgres = dialect{name: "postgres", dollar: true}
)

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrations); err != nil {
		return fmt.Errorf("storage: migrate %s: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) Close() error { return s.db.Close() }

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- accounts ----

func (s *sqlStore) ListAccounts(ctx context.Context, owner int64) ([]Account, error) {
	rows, err := s.query(ctx,
		`SELECT id, owner_id, phone, username, session, active, banned, retire_reason, created_at, retired_at
		 FROM accounts WHERE owner_id = ? ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			a              Account
			active, banned int
			created, ret   int64
		)
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Phone, &a.Username, &a.Session,
			&active, &banned, &a.RetireReason, &created, &ret); err != nil {
			return nil, err
		}
		a.Active, a.Banned = active != 0, banned != 0
		a.CreatedAt, a.RetiredAt = fromMS(created), fromMS(ret)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutAccount(ctx context.Context, a Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO accounts(id, owner_id, phone, username, session, active, banned, retire_reason, created_at, retired_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(owner_id, id) DO UPDATE SET
		   phone=excluded.phone, username=excluded.username, session=excluded.session,
		   active=excluded.active, banned=excluded.banned, retire_reason=excluded.retire_reason,
		   retired_at=excluded.retired_at`,
		a.ID, a.OwnerID, a.Phone, a.Username, a.Session, b2i(a.Active), b2i(a.Banned),
		a.RetireReason, ms(a.CreatedAt), ms(a.RetiredAt))
	return err
}

func (s *sqlStore) RetireAccount(ctx context.Context, owner, id int64, reason string, at time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE accounts SET active = 0, banned = 1, retire_reason = ?, retired_at = ?
		 WHERE owner_id = ? AND id = ?`, reason, ms(at), owner, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *sqlStore) DeleteAccount(ctx context.Context, owner, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM accounts WHERE owner_id = ? AND id = ?`, owner, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- groups ----

func (s *sqlStore) ListGroups(ctx context.Context, owner int64) ([]Group, error) {
	rows, err := s.query(ctx,
		`SELECT g.owner_id, g.chat_id, g.kind, g.access_hash, g.title, g.added_at
		 FROM target_groups g
		 WHERE g.owner_id = ? AND NOT EXISTS (
		   SELECT 1 FROM group_blacklist b WHERE b.owner_id = g.owner_id AND b.group_id = g.chat_id)
		 ORDER BY g.added_at, g.chat_id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var (
			g     Group
			kind  string
			added int64
		)
		if err := rows.Scan(&g.OwnerID, &g.ChatID, &kind, &g.AccessHash, &g.Title, &added); err != nil {
			return nil, err
		}
		g.Kind, g.AddedAt = GroupKind(kind), fromMS(added)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutGroup(ctx context.Context, g Group) error {
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now()
	}
	if g.Kind == "" {
		g.Kind = KindChannel
	}
	_, err := s.exec(ctx,
		`INSERT INTO target_groups(owner_id, chat_id, kind, access_hash, title, added_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(owner_id, chat_id) DO UPDATE SET
		   kind=excluded.kind, access_hash=excluded.access_hash, title=excluded.title`,
		g.OwnerID, g.ChatID, string(g.Kind), g.AccessHash, g.Title, ms(g.AddedAt))
	return err
}

func (s *sqlStore) DeleteGroup(ctx context.Context, owner, chatID int64) error {
	res, err := s.exec(ctx, `DELETE FROM target_groups WHERE owner_id = ? AND chat_id = ?`, owner, chatID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// ---- settings, cursor, run state ----

func (s *sqlStore) GetSettings(ctx context.Context, owner int64) (Settings, error) {
	var (
		st              Settings
		cd, gd, ct, upd int64
	)
	err := s.queryRow(ctx,
		`SELECT owner_id, cycle_delay_ms, group_delay_ms, window_size, cycle_timeout_ms, mode, updated_at
		 FROM settings WHERE owner_id = ?`, owner).
		Scan(&st.OwnerID, &cd, &gd, &st.WindowSize, &ct, &st.Mode, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{OwnerID: owner}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	st.CycleDelay = time.Duration(cd) * time.Millisecond
	st.GroupMessageDelay = time.Duration(gd) * time.Millisecond
	st.CycleTimeout = time.Duration(ct) * time.Millisecond
	st.UpdatedAt = fromMS(upd)
	return st, nil
}

func (s *sqlStore) PutSettings(ctx context.Context, st Settings) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO settings(owner_id, cycle_delay_ms, group_delay_ms, window_size, cycle_timeout_ms, mode, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET
		   cycle_delay_ms=excluded.cycle_delay_ms, group_delay_ms=excluded.group_delay_ms,
		   window_size=excluded.window_size, cycle_timeout_ms=excluded.cycle_timeout_ms,
		   mode=excluded.mode, updated_at=excluded.updated_at`,
		st.OwnerID, st.CycleDelay.Milliseconds(), st.GroupMessageDelay.Milliseconds(), st.WindowSize,
		st.CycleTimeout.Milliseconds(), st.Mode, ms(st.UpdatedAt))
	return err
}

func (s *sqlStore) GetCursor(ctx context.Context, owner int64) (Cursor, error) {
	c := Cursor{OwnerID: owner}
	var upd int64
	err := s.queryRow(ctx,
		`SELECT cycle_index, account_cursor, updated_at FROM rotation_cursor WHERE owner_id = ?`, owner).
		Scan(&c.CycleIndex, &c.AccountCursor, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return Cursor{}, err
	}
	c.UpdatedAt = fromMS(upd)
	return c, nil
}

func (s *sqlStore) PutCursor(ctx context.Context, c Cursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO rotation_cursor(owner_id, cycle_index, account_cursor, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET
		   cycle_index=excluded.cycle_index, account_cursor=excluded.account_cursor, updated_at=excluded.updated_at`,
		c.OwnerID, c.CycleIndex, c.AccountCursor, ms(c.UpdatedAt))
	return err
}

func (s *sqlStore) GetRunState(ctx context.Context, owner int64) (RunState, error) {
	st := RunState{OwnerID: owner}
	var running, paused int
	var upd int64
	err := s.queryRow(ctx,
		`SELECT running, paused, run_id, updated_at FROM run_state WHERE owner_id = ?`, owner).
		Scan(&running, &paused, &st.RunID, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return RunState{}, err
	}
	st.Running, st.Paused, st.UpdatedAt = running != 0, paused != 0, fromMS(upd)
	return st, nil
}

func (s *sqlStore) PutRunState(ctx context.Context, st RunState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO run_state(owner_id, running, paused, run_id, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET
		   running=excluded.running, paused=excluded.paused, run_id=excluded.run_id, updated_at=excluded.updated_at`,
		st.OwnerID, b2i(st.Running), b2i(st.Paused), st.RunID, ms(st.UpdatedAt))
	return err
}

func (s *sqlStore) ListRunning(ctx context.Context) ([]RunState, error) {
	rows, err := s.query(ctx,
		`SELECT owner_id, paused, run_id, updated_at FROM run_state WHERE running = 1 ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunState
	for rows.Next() {
		st := RunState{Running: true}
		var paused int
		var upd int64
		if err := rows.Scan(&st.OwnerID, &paused, &st.RunID, &upd); err != nil {
			return nil, err
		}
		st.Paused, st.UpdatedAt = paused != 0, fromMS(upd)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ---- suspensions and blacklist ----

func (s *sqlStore) PutSuspension(ctx context.Context, sp Suspension) error {
	_, err := s.exec(ctx,
		`INSERT INTO group_suspensions(owner_id, group_id, reason, expires_at) VALUES(?,?,?,?)
		 ON CONFLICT(owner_id, group_id) DO UPDATE SET reason=excluded.reason, expires_at=excluded.expires_at`,
		sp.OwnerID, sp.GroupID, sp.Reason, ms(sp.ExpiresAt))
	return err
}

func (s *sqlStore) ListSuspensions(ctx context.Context, owner int64, now time.Time) ([]Suspension, error) {
	rows, err := s.query(ctx,
		`SELECT owner_id, group_id, reason, expires_at FROM group_suspensions
		 WHERE owner_id = ? AND expires_at > ? ORDER BY expires_at`, owner, ms(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Suspension
	for rows.Next() {
		var sp Suspension
		var exp int64
		if err := rows.Scan(&sp.OwnerID, &sp.GroupID, &sp.Reason, &exp); err != nil {
			return nil, err
		}
		sp.ExpiresAt = fromMS(exp)
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteSuspension(ctx context.Context, owner, group int64) error {
	_, err := s.exec(ctx, `DELETE FROM group_suspensions WHERE owner_id = ? AND group_id = ?`, owner, group)
	return err
}

func (s *sqlStore) PruneSuspensions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM group_suspensions WHERE expires_at <= ?`, ms(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) AddBlacklist(ctx context.Context, e BlacklistEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO group_blacklist(owner_id, group_id, reason, at) VALUES(?,?,?,?)
		 ON CONFLICT(owner_id, group_id) DO UPDATE SET reason=excluded.reason, at=excluded.at`,
		e.OwnerID, e.GroupID, e.Reason, ms(e.At))
	return err
}

func (s *sqlStore) ListBlacklist(ctx context.Context, owner int64) ([]BlacklistEntry, error) {
	rows, err := s.query(ctx,
		`SELECT owner_id, group_id, reason, at FROM group_blacklist WHERE owner_id = ? ORDER BY at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BlacklistEntry
	for rows.Next() {
		var e BlacklistEntry
		var at int64
		if err := rows.Scan(&e.OwnerID, &e.GroupID, &e.Reason, &at); err != nil {
			return nil, err
		}
		e.At = fromMS(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) RemoveBlacklist(ctx context.Context, owner, group int64) error {
	res, err := s.exec(ctx, `DELETE FROM group_blacklist WHERE owner_id = ? AND group_id = ?`, owner, group)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// ---- analytics and send log ----

func (s *sqlStore) RecordSend(ctx context.Context, l SendLog) (err error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.At.IsZero() {
		l.At = time.Now()
	}
	sent, failed := 0, 0
	if l.Status == SendOK {
		sent = 1
	} else {
		failed = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	steps := []struct {
		q    string
		args []any
	}{
		{`INSERT INTO send_log(id, owner_id, account_id, group_id, message_index, status, err, at)
		  VALUES(?,?,?,?,?,?,?,?)`,
			[]any{l.ID, l.OwnerID, l.AccountID, l.GroupID, l.MessageIndex, string(l.Status), l.Error, ms(l.At)}},
		{`INSERT INTO analytics(owner_id, sent, failed, updated_at) VALUES(?,?,?,?)
		  ON CONFLICT(owner_id) DO UPDATE SET
		    sent=analytics.sent+excluded.sent, failed=analytics.failed+excluded.failed, updated_at=excluded.updated_at`,
			[]any{l.OwnerID, sent, failed, ms(l.At)}},
		{`INSERT INTO analytics_counters(owner_id, scope, key_id, sent, failed) VALUES(?,'group',?,?,?)
		  ON CONFLICT(owner_id, scope, key_id) DO UPDATE SET
		    sent=analytics_counters.sent+excluded.sent, failed=analytics_counters.failed+excluded.failed`,
			[]any{l.OwnerID, l.GroupID, sent, failed}},
		{`INSERT INTO analytics_counters(owner_id, scope, key_id, sent, failed) VALUES(?,'account',?,?,?)
		  ON CONFLICT(owner_id, scope, key_id) DO UPDATE SET
		    sent=analytics_counters.sent+excluded.sent, failed=analytics_counters.failed+excluded.failed`,
			[]any{l.OwnerID, l.AccountID, sent, failed}},
	}
	for _, st := range steps {
		if _, err = tx.ExecContext(ctx, s.d.rebind(st.q), st.args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) bumpTotals(ctx context.Context, owner int64, column string) error {
	_, err := s.exec(ctx,
		`INSERT INTO analytics(owner_id, `+column+`, updated_at) VALUES(?,1,?)
		 ON CONFLICT(owner_id) DO UPDATE SET `+column+`=analytics.`+column+`+1, updated_at=excluded.updated_at`,
		owner, ms(time.Now()))
	return err
}

func (s *sqlStore) RecordCycle(ctx context.Context, owner int64) error {
	return s.bumpTotals(ctx, owner, "cycles")
}

func (s *sqlStore) RecordRunStart(ctx context.Context, owner int64) error {
	return s.bumpTotals(ctx, owner, "broadcasts")
}

func (s *sqlStore) GetStats(ctx context.Context, owner int64) (Stats, error) {
	st := Stats{OwnerID: owner}
	var upd int64
	err := s.queryRow(ctx,
		`SELECT sent, failed, broadcasts, cycles, updated_at FROM analytics WHERE owner_id = ?`, owner).
		Scan(&st.Sent, &st.Failed, &st.Broadcasts, &st.Cycles, &upd)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Stats{}, err
	}
	st.UpdatedAt = fromMS(upd)

	rows, err := s.query(ctx,
		`SELECT scope, key_id, sent, failed FROM analytics_counters
		 WHERE owner_id = ? ORDER BY sent DESC, key_id`, owner)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			scope string
			c     Counter
		)
		if err := rows.Scan(&scope, &c.Key, &c.Sent, &c.Failed); err != nil {
			return Stats{}, err
		}
		if scope == "group" {
			st.Groups = append(st.Groups, c)
		} else {
			st.Accounts = append(st.Accounts, c)
		}
	}
	return st, rows.Err()
}

func (s *sqlStore) PruneSendLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM send_log WHERE at < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) ListOwners(ctx context.Context) ([]int64, error) {
	rows, err := s.query(ctx,
		`SELECT DISTINCT owner_id FROM accounts
		 UNION SELECT owner_id FROM analytics ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- dedup ----

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms(until))
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var v int64
	err := s.queryRow(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMS(v), true, nil
}
