package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/vigil/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances(
			id TEXT PRIMARY KEY,
			instance_type TEXT NOT NULL,
			machine_id TEXT NOT NULL,
			status TEXT NOT NULL,
			hostname TEXT NOT NULL,
			process_id INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			missed_heartbeats INTEGER NOT NULL DEFAULT 0,
			commands_processed BIGINT NOT NULL DEFAULT 0,
			errors_encountered BIGINT NOT NULL DEFAULT 0,
			last_error_message TEXT NULL,
			last_error_at TIMESTAMPTZ NULL,
			environment TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_instances_active
			ON instances(instance_type, machine_id)
			WHERE status IN ('starting','healthy','degraded','stopping');`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_heartbeat ON instances(last_heartbeat);`,
		`CREATE TABLE IF NOT EXISTS health_history(
			id BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			previous_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			reason TEXT NOT NULL,
			uptime_seconds DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_health_history_instance ON health_history(instance_id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) CreateInstance(ctx context.Context, inst store.Instance) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances(id, instance_type, machine_id, status, hostname, process_id,
			started_at, stopped_at, last_heartbeat, missed_heartbeats,
			commands_processed, errors_encountered, last_error_message, last_error_at, environment)
		VALUES($1,$2,$3,$4,$5,$6,$7,NULL,$8,0,0,0,NULL,NULL,$9);`,
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
		VALUES($1, '', $2, 'registered', 0, $3);`,
		inst.ID, string(inst.Status), inst.StartedAt.UTC())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *DB) Transition(ctx context.Context, id string, to store.Status, reason string, at time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	var cur string
	var startedAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT status, started_at FROM instances WHERE id=$1 FOR UPDATE;`, id).
		Scan(&cur, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if store.Status(cur).Terminal() {
		return false, nil
	}
	at = at.UTC()
	if to.Terminal() {
		_, err = tx.ExecContext(ctx, `UPDATE instances SET status=$1, stopped_at=$2 WHERE id=$3;`,
			string(to), at, id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE instances SET status=$1 WHERE id=$2;`, string(to), id)
	}
	if err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO health_history(instance_id, previous_status, new_status, reason, uptime_seconds, created_at)
		VALUES($1,$2,$3,$4,$5,$6);`,
		id, cur, string(to), reason, at.Sub(startedAt).Seconds(), at)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *DB) RecordHeartbeat(ctx context.Context, id string, hb store.Heartbeat) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET last_heartbeat=$1, commands_processed=$2, errors_encountered=$3, missed_heartbeats=0
		WHERE id=$4 AND last_heartbeat<=$1
			AND status IN ('starting','healthy','degraded','stopping');`,
		hb.At.UTC(), hb.CommandsProcessed, hb.ErrorsEncountered, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err = p.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id=$1;`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (p *DB) RecordFault(ctx context.Context, id string, msg string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE instances SET last_error_message=$1, last_error_at=$2 WHERE id=$3;`,
		msg, at.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *DB) IncrementMissedHeartbeats(ctx context.Context, id string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		UPDATE instances SET missed_heartbeats=missed_heartbeats+1
		WHERE id=$1
		RETURNING missed_heartbeats;`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return n, err
}

const instanceCols = `id, instance_type, machine_id, status, hostname, process_id,
	started_at, stopped_at, last_heartbeat, missed_heartbeats,
	commands_processed, errors_encountered, last_error_message, last_error_at, environment`

func (p *DB) GetInstance(ctx context.Context, id string) (store.Instance, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM instances WHERE id=$1;`, id)
	return scanInstance(row)
}

func (p *DB) ActiveInstance(ctx context.Context, instanceType, machineID string) (store.Instance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+instanceCols+` FROM instances
		WHERE instance_type=$1 AND machine_id=$2
			AND status IN ('starting','healthy','degraded','stopping');`,
		instanceType, machineID)
	return scanInstance(row)
}

func (p *DB) ActiveInstances(ctx context.Context) ([]store.Instance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instanceCols+` FROM instances
		WHERE status IN ('starting','healthy','degraded','stopping')
		ORDER BY started_at;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInstances(rows)
}

func (p *DB) StaleActive(ctx context.Context, cutoff time.Time) ([]store.Instance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instanceCols+` FROM instances
		WHERE status IN ('starting','healthy','degraded','stopping') AND last_heartbeat < $1
		ORDER BY last_heartbeat;`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInstances(rows)
}

func (p *DB) History(ctx context.Context, instanceID string, limit int) ([]store.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, instance_id, previous_status, new_status, reason, uptime_seconds, created_at
		FROM health_history
		WHERE instance_id=$1
		ORDER BY id DESC
		LIMIT $2;`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHistory(rows)
}

func (p *DB) RecentHistory(ctx context.Context, limit int) ([]store.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, instance_id, previous_status, new_status, reason, uptime_seconds, created_at
		FROM health_history
		ORDER BY id DESC
		LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHistory(rows)
}

func (p *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	cut := olderThan.UTC()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM health_history WHERE instance_id IN (
			SELECT id FROM instances
			WHERE status IN ('stopped','crashed') AND stopped_at IS NOT NULL AND stopped_at < $1
		);`, cut); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM instances
		WHERE status IN ('stopped','crashed') AND stopped_at IS NOT NULL AND stopped_at < $1;`, cut)
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
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
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
