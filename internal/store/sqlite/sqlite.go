package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/vigil/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances(
			id TEXT PRIMARY KEY,
			instance_type TEXT NOT NULL,
			machine_id TEXT NOT NULL,
			status TEXT NOT NULL,
			hostname TEXT NOT NULL,
			process_id INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NULL,
			last_heartbeat TIMESTAMP NOT NULL,
			missed_heartbeats INTEGER NOT NULL DEFAULT 0,
			commands_processed INTEGER NOT NULL DEFAULT 0,
			errors_encountered INTEGER NOT NULL DEFAULT 0,
			last_error_message TEXT NULL,
			last_error_at TIMESTAMP NULL,
			environment TEXT NOT NULL DEFAULT ''
		);`,
		// the active-uniqueness invariant: enforced by the store, not by
		// read-then-write in the application
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_instances_active
			ON instances(instance_type, machine_id)
			WHERE status IN ('starting','healthy','degraded','stopping');`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_heartbeat ON instances(last_heartbeat);`,
		`CREATE TABLE IF NOT EXISTS health_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			previous_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			reason TEXT NOT NULL,
			uptime_seconds REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_health_history_instance ON health_history(instance_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) CreateInstance(ctx context.Context, inst store.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances(id, instance_type, machine_id, status, hostname, process_id,
			started_at, stopped_at, last_heartbeat, missed_heartbeats,
			commands_processed, errors_encountered, last_error_message, last_error_at, environment)
		VALUES(?, ?, ?, ?, ?, ?, ?, NULL, ?, 0, 0, 0, NULL, NULL, ?);`,
		inst.ID, inst.InstanceType, inst.MachineID, string(inst.Status), inst.Hostname, inst.ProcessID,
		inst.StartedAt.UTC(), inst.LastHeartbeat.UTC(), inst.Environment)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateActive
		}
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO health_history(instance_id, previous_status, new_status, reason, uptime_seconds, created_at)
		VALUES(?, '', ?, 'registered', 0, ?);`,
		inst.ID, string(inst.Status), inst.StartedAt.UTC())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DB) Transition(ctx context.Context, id string, to store.Status, reason string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	var cur string
	var startedAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT status, started_at FROM instances WHERE id=?;`, id).
		Scan(&cur, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if store.Status(cur).Terminal() {
		// terminal statuses never re-enter; a duplicate crash write from a
		// second monitor lands here
		return false, nil
	}
	at = at.UTC()
	if to.Terminal() {
		_, err = tx.ExecContext(ctx, `UPDATE instances SET status=?, stopped_at=? WHERE id=?;`,
			string(to), at, id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE instances SET status=? WHERE id=?;`, string(to), id)
	}
	if err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO health_history(instance_id, previous_status, new_status, reason, uptime_seconds, created_at)
		VALUES(?, ?, ?, ?, ?, ?);`,
		id, cur, string(to), reason, at.Sub(startedAt).Seconds(), at)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *DB) RecordHeartbeat(ctx context.Context, id string, hb store.Heartbeat) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET last_heartbeat=?, commands_processed=?, errors_encountered=?, missed_heartbeats=0
		WHERE id=? AND last_heartbeat<=? AND status IN ('starting','healthy','degraded','stopping');`,
		hb.At.UTC(), hb.CommandsProcessed, hb.ErrorsEncountered, id, hb.At.UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// stale retry or terminal record is absorbed; only a missing row
		// is an error
		var one int
		err = s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id=?;`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *DB) RecordFault(ctx context.Context, id string, msg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET last_error_message=?, last_error_at=? WHERE id=?;`,
		msg, at.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) IncrementMissedHeartbeats(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`UPDATE instances SET missed_heartbeats=missed_heartbeats+1 WHERE id=?;`, id); err != nil {
		return 0, err
	}
	var n int
	err = tx.QueryRowContext(ctx, `SELECT missed_heartbeats FROM instances WHERE id=?;`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

const instanceCols = `id, instance_type, machine_id, status, hostname, process_id,
	started_at, stopped_at, last_heartbeat, missed_heartbeats,
	commands_processed, errors_encountered, last_error_message, last_error_at, environment`

func (s *DB) GetInstance(ctx context.Context, id string) (store.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM instances WHERE id=?;`, id)
	return scanInstance(row)
}

func (s *DB) ActiveInstance(ctx context.Context, instanceType, machineID string) (store.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceCols+` FROM instances
		WHERE instance_type=? AND machine_id=?
			AND status IN ('starting','healthy','degraded','stopping');`,
		instanceType, machineID)
	return scanInstance(row)
}

func (s *DB) ActiveInstances(ctx context.Context) ([]store.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceCols+` FROM instances
		WHERE status IN ('starting','healthy','degraded','stopping')
		ORDER BY started_at;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInstances(rows)
}

func (s *DB) StaleActive(ctx context.Context, cutoff time.Time) ([]store.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceCols+` FROM instances
		WHERE status IN ('starting','healthy','degraded','stopping') AND last_heartbeat < ?
		ORDER BY last_heartbeat;`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInstances(rows)
}

func (s *DB) History(ctx context.Context, instanceID string, limit int) ([]store.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, previous_status, new_status, reason, uptime_seconds, created_at
		FROM health_history
		WHERE instance_id=?
		ORDER BY id DESC
		LIMIT ?;`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHistory(rows)
}

func (s *DB) RecentHistory(ctx context.Context, limit int) ([]store.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, previous_status, new_status, reason, uptime_seconds, created_at
		FROM health_history
		ORDER BY id DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHistory(rows)
}

func (s *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	cut := olderThan.UTC()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM health_history WHERE instance_id IN (
			SELECT id FROM instances
			WHERE status IN ('stopped','crashed') AND stopped_at IS NOT NULL AND stopped_at < ?
		);`, cut); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM instances
		WHERE status IN ('stopped','crashed') AND stopped_at IS NOT NULL AND stopped_at < ?;`, cut)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "(2067)")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (store.Instance, error) {
	var i store.Instance
	var status string
	err := row.Scan(&i.ID, &i.InstanceType, &i.MachineID, &status, &i.Hostname, &i.ProcessID,
		&i.StartedAt, &i.StoppedAt, &i.LastHeartbeat, &i.MissedHeartbeats,
		&i.CommandsProcessed, &i.ErrorsEncountered, &i.LastErrorMessage, &i.LastErrorAt, &i.Environment)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, err
	}
	i.Status = store.Status(status)
	return i, nil
}

func scanInstances(rows *sql.Rows) ([]store.Instance, error) {
	out := make([]store.Instance, 0)
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func scanHistory(rows *sql.Rows) ([]store.HistoryEntry, error) {
	out := make([]store.HistoryEntry, 0)
	for rows.Next() {
		var h store.HistoryEntry
		var prev, next string
		if err := rows.Scan(&h.ID, &h.InstanceID, &prev, &next, &h.Reason, &h.UptimeSeconds, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.PreviousStatus = store.Status(prev)
		h.NewStatus = store.Status(next)
		out = append(out, h)
	}
	return out, rows.Err()
}
