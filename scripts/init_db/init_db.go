package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found — using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "soilwatch_user"),
		dbGetEnv("DB_PASSWORD", "soilwatch_password"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "soilwatch"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to TimescaleDB...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	// Run all steps in order
	step1_extensions(ctx, conn)
	step2_readings_table(ctx, conn)
	step3_devices_table(ctx, conn)
	step4_rules_and_states(ctx, conn)
	step5_indexes(ctx, conn)
	step6_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run scripts/seed_redis/seed_redis.go")
}

// ─────────────────────────────────────────────────────────────
// Step 1 — Extensions
// ─────────────────────────────────────────────────────────────
func step1_extensions(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: Extensions ──────────────────────────")

	// TimescaleDB — required for hypertable
	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;",
		"timescaledb extension",
	)
}

// ─────────────────────────────────────────────────────────────
// Step 2 — readings table (append-only telemetry log)
// ─────────────────────────────────────────────────────────────
func step2_readings_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: readings table ──────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS readings (

			-- Identity
			device_id    TEXT             NOT NULL,
			metric       TEXT             NOT NULL,

			-- Measurement
			value        DOUBLE PRECISION NOT NULL,
			unit         TEXT             NOT NULL DEFAULT '',

			-- Device-reported time — device clocks drift, never trust
			-- this for ordering
			device_time  TIMESTAMPTZ      NOT NULL,

			-- Server receipt time — TimescaleDB partitions by this
			received_at  TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			-- Optional per-device sequence number for dedup.
			-- NULL means the device did not send one.
			seq          BIGINT
		);
	`, "readings table created")

	// Convert to TimescaleDB hypertable — partitions into time chunks
	// so recent-data queries only touch the latest chunk
	execOrFatal(ctx, conn, `
		SELECT create_hypertable(
			'readings',
			'received_at',
			if_not_exists => TRUE
		);
	`, "readings converted to hypertable")

	// Dedup ledger for sequenced submissions. Hypertable unique indexes
	// must include received_at, which would defeat the dedup, so the
	// claim lives in this plain table instead. AppendReading inserts
	// here and into readings in one transaction.
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS reading_seqs (
			device_id TEXT   NOT NULL,
			metric    TEXT   NOT NULL,
			seq       BIGINT NOT NULL,
			PRIMARY KEY (device_id, metric, seq)
		);
	`, "reading_seqs dedup table created")
}

// ─────────────────────────────────────────────────────────────
// Step 3 — devices table (registry)
// ─────────────────────────────────────────────────────────────
func step3_devices_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: devices table ───────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS devices (

			id           TEXT        PRIMARY KEY,

			-- Must match domain.DeviceType constants:
			-- soil-moisture | air-quality | appliance-status
			type         TEXT        NOT NULL,

			name         TEXT        NOT NULL DEFAULT '',
			location     TEXT        NOT NULL DEFAULT '',

			-- Auto-registered devices stay pending until an operator
			-- confirms the type
			pending      BOOLEAN     NOT NULL DEFAULT false,
			active       BOOLEAN     NOT NULL DEFAULT true,
			muted        BOOLEAN     NOT NULL DEFAULT false,

			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

			CONSTRAINT chk_device_type CHECK (
				type IN ('soil-moisture', 'air-quality', 'appliance-status')
			)
		);
	`, "devices table created")
}

// ─────────────────────────────────────────────────────────────
// Step 4 — threshold_rules and alert_states tables
// ─────────────────────────────────────────────────────────────
func step4_rules_and_states(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: rules and alert states ──────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS threshold_rules (

			id               TEXT             PRIMARY KEY,
			device_id        TEXT             NOT NULL REFERENCES devices(id),
			metric           TEXT             NOT NULL,

			-- Must match domain.RuleOp constants: below | above | outside
			op               TEXT             NOT NULL,

			bound            DOUBLE PRECISION NOT NULL,

			-- Only meaningful for op = 'outside'
			upper_bound      DOUBLE PRECISION NOT NULL DEFAULT 0,

			-- Durations stored as whole seconds
			debounce_seconds BIGINT           NOT NULL DEFAULT 0,
			min_readings     INT              NOT NULL DEFAULT 0,
			cooldown_seconds BIGINT           NOT NULL DEFAULT 0,

			CONSTRAINT chk_rule_op CHECK (
				op IN ('below', 'above', 'outside')
			)
		);
	`, "threshold_rules table created")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS alert_states (

			device_id        TEXT        NOT NULL,
			rule_id          TEXT        NOT NULL,

			-- Must match domain.AlertStatus constants:
			-- NORMAL | BREACHING | ALERTED
			status           TEXT        NOT NULL,

			-- When the current status was entered
			since            TIMESTAMPTZ NOT NULL,

			breach_count     INT         NOT NULL DEFAULT 0,

			-- NULL means no notification was ever sent for this pair
			last_notified_at TIMESTAMPTZ,

			-- Whether the current ALERTED episode was actually delivered
			notified         BOOLEAN     NOT NULL DEFAULT false,

			updated_at       TIMESTAMPTZ NOT NULL,

			PRIMARY KEY (device_id, rule_id),

			CONSTRAINT chk_alert_status CHECK (
				status IN ('NORMAL', 'BREACHING', 'ALERTED')
			)
		);
	`, "alert_states table created")
}

// ─────────────────────────────────────────────────────────────
// Step 5 — Indexes
// ─────────────────────────────────────────────────────────────
func step5_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_readings_device_metric_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_readings_device_metric_time
				  ON readings (device_id, metric, received_at DESC);`,
			why: "query: latest reading per device metric",
		},
		{
			name: "idx_rules_device_metric",
			sql: `CREATE INDEX IF NOT EXISTS idx_rules_device_metric
				  ON threshold_rules (device_id, metric);`,
			why: "query: rules matching an incoming reading",
		},
		{
			name: "idx_alert_states_active",
			sql: `CREATE INDEX IF NOT EXISTS idx_alert_states_active
				  ON alert_states (device_id, rule_id)
				  WHERE status <> 'NORMAL';`,
			why: "query: active alerts only (partial index)",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-40s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 6 — Verify everything was created
// ─────────────────────────────────────────────────────────────
func step6_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 6: Verification ────────────────────────")

	// Check tables exist
	tables := []string{"readings", "reading_seqs", "devices", "threshold_rules", "alert_states"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	// Check hypertable
	var hypertableName string
	err := conn.QueryRow(ctx, `
		SELECT hypertable_name
		FROM timescaledb_information.hypertables
		WHERE hypertable_name = 'readings'
	`).Scan(&hypertableName)
	if err != nil {
		log.Fatalf("readings is not a hypertable: %v", err)
	}
	fmt.Printf("  ✓ hypertable: %s (time partitioned)\n", hypertableName)

	// Check indexes
	var indexCount int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename IN ('readings', 'threshold_rules', 'alert_states')
		AND (indexname LIKE 'idx_%' OR indexname LIKE 'uq_%')
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED — %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
