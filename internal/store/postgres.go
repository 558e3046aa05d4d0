package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jackc/pgx/v5/pgxpool"

	"soilwatch/internal/config"
	"soilwatch/internal/domain"
)

// PostgresStore backs the telemetry log, the device registry and the
// persisted alert states. Readings land in a TimescaleDB hypertable; the
// rest are plain tables queried by device id.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ── Readings ────────────────────────────────────────────────

const insertReadingSQL = `
	INSERT INTO readings
		(device_id, metric, value, unit, device_time, received_at, seq)
	VALUES
		($1, $2, $3, $4, $5, $6, NULLIF($7, 0))
`

// AppendReading inserts a reading into the append-only log. When the
// reading carries a sequence number and the same (device, metric, seq)
// was already claimed, nothing is written and inserted is false — the
// duplicate is the caller's idempotent no-op.
//
// TimescaleDB only allows unique indexes that include the partition
// column, so the dedup claim lives in the plain reading_seqs table and
// commits in the same transaction as the hypertable row.
func (s *PostgresStore) AppendReading(ctx context.Context, r *domain.Reading) (inserted bool, err error) {
	if r.Seq == 0 {
		_, err := s.pool.Exec(ctx, insertReadingSQL,
			r.DeviceID, r.Metric, r.Value, r.Unit, r.DeviceTime, r.ReceivedAt, r.Seq,
		)
		if err != nil {
			return false, domain.WrapErr(domain.KindStorageUnavailable, "insert reading", err)
		}
		return true, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, domain.WrapErr(domain.KindStorageUnavailable, "begin insert", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO reading_seqs (device_id, metric, seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id, metric, seq) DO NOTHING
	`, r.DeviceID, r.Metric, r.Seq)
	if err != nil {
		return false, domain.WrapErr(domain.KindStorageUnavailable, "claim seq", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, insertReadingSQL,
		r.DeviceID, r.Metric, r.Value, r.Unit, r.DeviceTime, r.ReceivedAt, r.Seq,
	); err != nil {
		return false, domain.WrapErr(domain.KindStorageUnavailable, "insert reading", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, domain.WrapErr(domain.KindStorageUnavailable, "commit insert", err)
	}
	return true, nil
}

// LatestReading returns the newest stored reading for a device metric.
func (s *PostgresStore) LatestReading(ctx context.Context, deviceID, metric string) (*domain.Reading, error) {
	query := `
		SELECT device_id, metric, value, unit, device_time, received_at, COALESCE(seq, 0)
		FROM readings
		WHERE device_id = $1 AND metric = $2
		ORDER BY received_at DESC
		LIMIT 1
	`
	var r domain.Reading
	err := s.pool.QueryRow(ctx, query, deviceID, metric).Scan(
		&r.DeviceID, &r.Metric, &r.Value, &r.Unit, &r.DeviceTime, &r.ReceivedAt, &r.Seq,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "no readings for %s/%s", deviceID, metric)
	}
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageUnavailable, "latest reading", err)
	}
	return &r, nil
}

// LatestReadings returns the newest reading per metric for a device.
func (s *PostgresStore) LatestReadings(ctx context.Context, deviceID string) ([]domain.Reading, error) {
	query := `
		SELECT DISTINCT ON (metric)
			device_id, metric, value, unit, device_time, received_at, COALESCE(seq, 0)
		FROM readings
		WHERE device_id = $1
		ORDER BY metric, received_at DESC
	`
	rows, err := s.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageUnavailable, "latest readings", err)
	}
	defer rows.Close()

	var out []domain.Reading
	for rows.Next() {
		var r domain.Reading
		if err := rows.Scan(&r.DeviceID, &r.Metric, &r.Value, &r.Unit, &r.DeviceTime, &r.ReceivedAt, &r.Seq); err != nil {
			return nil, domain.WrapErr(domain.KindStorageUnavailable, "scan reading", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Devices ─────────────────────────────────────────────────

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*domain.Device, error) {
	query := `
		SELECT id, type, name, location, pending, active, muted, created_at, last_seen_at
		FROM devices
		WHERE id = $1
	`
	var d domain.Device
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.Type, &d.Name, &d.Location, &d.Pending, &d.Active, &d.Muted, &d.CreatedAt, &d.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "device %s not found", id)
	}
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageUnavailable, "get device", err)
	}
	return &d, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]domain.Device, error) {
	query := `
		SELECT id, type, name, location, pending, active, muted, created_at, last_seen_at
		FROM devices
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageUnavailable, "list devices", err)
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.Type, &d.Name, &d.Location, &d.Pending, &d.Active, &d.Muted, &d.CreatedAt, &d.LastSeenAt); err != nil {
			return nil, domain.WrapErr(domain.KindStorageUnavailable, "scan device", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDevice writes the full device row. Auto-registration and operator
// edits both go through this; the registry serializes writers per device.
func (s *PostgresStore) UpsertDevice(ctx context.Context, d *domain.Device) error {
	query := `
		INSERT INTO devices
			(id, type, name, location, pending, active, muted, created_at, last_seen_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			name = EXCLUDED.name,
			location = EXCLUDED.location,
			pending = EXCLUDED.pending,
			active = EXCLUDED.active,
			muted = EXCLUDED.muted,
			last_seen_at = EXCLUDED.last_seen_at
	`
	_, err := s.pool.Exec(ctx, query,
		d.ID, d.Type, d.Name, d.Location, d.Pending, d.Active, d.Muted, d.CreatedAt, d.LastSeenAt,
	)
	if err != nil {
		return domain.WrapErr(domain.KindStorageUnavailable, "upsert device", err)
	}
	return nil
}

// TouchLastSeen bumps last_seen_at without rewriting the row.
func (s *PostgresStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices SET last_seen_at = $2 WHERE id = $1 AND last_seen_at < $2`,
		id, at,
	)
	if err != nil {
		return domain.WrapErr(domain.KindStorageUnavailable, "touch last seen", err)
	}
	return nil
}

// ── Threshold rules ─────────────────────────────────────────

func (s *PostgresStore) ListRules(ctx context.Context, deviceID string) ([]domain.ThresholdRule, error) {
	query := `
		SELECT id, device_id, metric, op, bound, upper_bound,
		       debounce_seconds, min_readings, cooldown_seconds
		FROM threshold_rules
		WHERE device_id = $1
		ORDER BY metric, id
	`
	rows, err := s.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageUnavailable, "list rules", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *PostgresStore) ListAllRules(ctx context.Context) ([]domain.ThresholdRule, error) {
	query := `
		SELECT id, device_id, metric, op, bound, upper_bound,
		       debounce_seconds, min_readings, cooldown_seconds
		FROM threshold_rules
		ORDER BY device_id, metric, id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageUnavailable, "list all rules", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows pgx.Rows) ([]domain.ThresholdRule, error) {
	var out []domain.ThresholdRule
	for rows.Next() {
		var r domain.ThresholdRule
		var debounceSec, cooldownSec int64
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Metric, &r.Op, &r.Bound, &r.UpperBound,
			&debounceSec, &r.MinReadings, &cooldownSec); err != nil {
			return nil, domain.WrapErr(domain.KindStorageUnavailable, "scan rule", err)
		}
		r.Debounce = time.Duration(debounceSec) * time.Second
		r.Cooldown = time.Duration(cooldownSec) * time.Second
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddRule(ctx context.Context, r *domain.ThresholdRule) error {
	query := `
		INSERT INTO threshold_rules
			(id, device_id, metric, op, bound, upper_bound,
			 debounce_seconds, min_readings, cooldown_seconds)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.DeviceID, r.Metric, string(r.Op), r.Bound, r.UpperBound,
		int64(r.Debounce/time.Second), r.MinReadings, int64(r.Cooldown/time.Second),
	)
	if err != nil {
		return domain.WrapErr(domain.KindStorageUnavailable, "add rule", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, deviceID, ruleID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM threshold_rules WHERE device_id = $1 AND id = $2`,
		deviceID, ruleID,
	)
	if err != nil {
		return domain.WrapErr(domain.KindStorageUnavailable, "delete rule", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.KindNotFound, "rule %s not found for device %s", ruleID, deviceID)
	}
	return nil
}

// ── Alert states ────────────────────────────────────────────

// GetAlertState loads the persisted state for one (device, rule) pair.
// KindNotFound means the pair has never been evaluated.
func (s *PostgresStore) GetAlertState(ctx context.Context, deviceID, ruleID string) (*domain.AlertState, error) {
	query := `
		SELECT device_id, rule_id, status, since, breach_count,
		       COALESCE(last_notified_at, 'epoch'::timestamptz), notified, updated_at
		FROM alert_states
		WHERE device_id = $1 AND rule_id = $2
	`
	var st domain.AlertState
	err := s.pool.QueryRow(ctx, query, deviceID, ruleID).Scan(
		&st.DeviceID, &st.RuleID, &st.Status, &st.Since, &st.BreachCount,
		&st.LastNotifiedAt, &st.Notified, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "no alert state for %s/%s", deviceID, ruleID)
	}
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageUnavailable, "get alert state", err)
	}
	if st.LastNotifiedAt.Unix() == 0 {
		st.LastNotifiedAt = time.Time{}
	}
	return &st, nil
}

func (s *PostgresStore) SaveAlertState(ctx context.Context, st *domain.AlertState) error {
	query := `
		INSERT INTO alert_states
			(device_id, rule_id, status, since, breach_count, last_notified_at, notified, updated_at)
		VALUES
			($1, $2, $3, $4, $5, NULLIF($6, 'epoch'::timestamptz), $7, $8)
		ON CONFLICT (device_id, rule_id) DO UPDATE SET
			status = EXCLUDED.status,
			since = EXCLUDED.since,
			breach_count = EXCLUDED.breach_count,
			last_notified_at = EXCLUDED.last_notified_at,
			notified = EXCLUDED.notified,
			updated_at = EXCLUDED.updated_at
	`
	lastNotified := st.LastNotifiedAt
	if lastNotified.IsZero() {
		lastNotified = time.Unix(0, 0).UTC()
	}
	_, err := s.pool.Exec(ctx, query,
		st.DeviceID, st.RuleID, string(st.Status), st.Since, st.BreachCount,
		lastNotified, st.Notified, st.UpdatedAt,
	)
	if err != nil {
		return domain.WrapErr(domain.KindStorageUnavailable, "save alert state", err)
	}
	return nil
}

func (s *PostgresStore) ListAlertStates(ctx context.Context, deviceID string) ([]domain.AlertState, error) {
	query := `
		SELECT device_id, rule_id, status, since, breach_count,
		       COALESCE(last_notified_at, 'epoch'::timestamptz), notified, updated_at
		FROM alert_states
		WHERE device_id = $1
		ORDER BY rule_id
	`
	rows, err := s.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageUnavailable, "list alert states", err)
	}
	defer rows.Close()
	return scanAlertStates(rows)
}

// ListActiveAlerts returns every non-NORMAL state across devices.
func (s *PostgresStore) ListActiveAlerts(ctx context.Context) ([]domain.AlertState, error) {
	query := `
		SELECT device_id, rule_id, status, since, breach_count,
		       COALESCE(last_notified_at, 'epoch'::timestamptz), notified, updated_at
		FROM alert_states
		WHERE status <> 'NORMAL'
		ORDER BY device_id, rule_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageUnavailable, "list active alerts", err)
	}
	defer rows.Close()
	return scanAlertStates(rows)
}

func scanAlertStates(rows pgx.Rows) ([]domain.AlertState, error) {
	var out []domain.AlertState
	for rows.Next() {
		var st domain.AlertState
		if err := rows.Scan(&st.DeviceID, &st.RuleID, &st.Status, &st.Since, &st.BreachCount,
			&st.LastNotifiedAt, &st.Notified, &st.UpdatedAt); err != nil {
			return nil, domain.WrapErr(domain.KindStorageUnavailable, "scan alert state", err)
		}
		if st.LastNotifiedAt.Unix() == 0 {
			st.LastNotifiedAt = time.Time{}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
