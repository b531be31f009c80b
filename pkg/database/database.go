package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/protei/callflow/pkg/identity"
	"github.com/protei/callflow/pkg/volte"
)

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// DB wraps the connection and the persistence operations for correlated
// results.
type DB struct {
	conn   *sql.DB
	config Config
}

// New opens a connection, verifies it and applies the schema.
func New(config Config) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(config.MaxConns)
	conn.SetMaxIdleConns(config.MaxIdle)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, config: config}

	if err := db.applySchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) applySchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS call_flows (
			flow_id VARCHAR(128) PRIMARY KEY,
			flow_type VARCHAR(64) NOT NULL,
			caller_msisdn VARCHAR(32),
			callee_msisdn VARCHAR(32),
			caller_imsi VARCHAR(16),
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			setup_time_ms DOUBLE PRECISION,
			ring_time_ms DOUBLE PRECISION,
			call_duration_ms DOUBLE PRECISION,
			estimated_mos DOUBLE PRECISION,
			flow_json JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_flows_caller ON call_flows (caller_msisdn)`,
		`CREATE INDEX IF NOT EXISTS idx_call_flows_imsi ON call_flows (caller_imsi)`,
		`CREATE INDEX IF NOT EXISTS idx_call_flows_start ON call_flows (start_time)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			primary_key VARCHAR(64) PRIMARY KEY,
			imsi VARCHAR(16),
			msisdn VARCHAR(32),
			imei VARCHAR(16),
			apn VARCHAR(128),
			first_seen TIMESTAMPTZ,
			last_seen TIMESTAMPTZ,
			identity_json JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscribers_imsi ON subscribers (imsi)`,
		`CREATE INDEX IF NOT EXISTS idx_subscribers_msisdn ON subscribers (msisdn)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// PersistFlow upserts one correlated call flow.
func (db *DB) PersistFlow(ctx context.Context, flow *volte.CallFlow) error {
	flowJSON, err := json.Marshal(volte.FlowJSON(flow))
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.FlowID, err)
	}

	query := `
		INSERT INTO call_flows (
			flow_id, flow_type, caller_msisdn, callee_msisdn, caller_imsi,
			start_time, end_time, setup_time_ms, ring_time_ms,
			call_duration_ms, estimated_mos, flow_json, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (flow_id) DO UPDATE SET
			flow_type = EXCLUDED.flow_type,
			end_time = EXCLUDED.end_time,
			setup_time_ms = EXCLUDED.setup_time_ms,
			ring_time_ms = EXCLUDED.ring_time_ms,
			call_duration_ms = EXCLUDED.call_duration_ms,
			estimated_mos = EXCLUDED.estimated_mos,
			flow_json = EXCLUDED.flow_json,
			updated_at = NOW()
	`

	_, err = db.conn.ExecContext(ctx, query,
		flow.FlowID, string(flow.Type),
		flow.Caller.MSISDN, flow.Callee.MSISDN, flow.Caller.IMSI,
		flow.StartTime, flow.EndTime,
		nullFloat(flow.Stats.SetupTimeMs), nullFloat(flow.Stats.RingTimeMs),
		nullFloat(flow.Stats.CallDurationMs), nullFloat(flow.Stats.EstimatedMOS),
		flowJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to persist flow %s: %w", flow.FlowID, err)
	}
	return nil
}

// PersistSubscriber upserts one subscriber context keyed by its primary
// identifier.
func (db *DB) PersistSubscriber(ctx context.Context, sub *identity.SubscriberIdentity) error {
	identityJSON, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscriber: %w", err)
	}

	var imsi, msisdn, imei string
	if sub.IMSI != nil {
		imsi = sub.IMSI.Digits
	}
	if sub.MSISDN != nil {
		msisdn = sub.MSISDN.International
	}
	if sub.IMEI != nil {
		imei = sub.IMEI.IMEI
	}

	query := `
		INSERT INTO subscribers (
			primary_key, imsi, msisdn, imei, apn,
			first_seen, last_seen, identity_json, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (primary_key) DO UPDATE SET
			imsi = EXCLUDED.imsi,
			msisdn = EXCLUDED.msisdn,
			imei = EXCLUDED.imei,
			apn = EXCLUDED.apn,
			last_seen = EXCLUDED.last_seen,
			identity_json = EXCLUDED.identity_json,
			updated_at = NOW()
	`

	_, err = db.conn.ExecContext(ctx, query,
		sub.PrimaryKey(), imsi, msisdn, imei, sub.APN,
		sub.FirstSeen, sub.LastSeen, identityJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to persist subscriber %s: %w", sub.PrimaryKey(), err)
	}
	return nil
}

// FlowsByMSISDN loads flows for a subscriber number within the window.
func (db *DB) FlowsByMSISDN(ctx context.Context, msisdn string, start, end time.Time) ([]json.RawMessage, error) {
	query := `
		SELECT flow_json FROM call_flows
		WHERE (caller_msisdn = $1 OR callee_msisdn = $1)
		  AND start_time >= $2 AND end_time <= $3
		ORDER BY start_time
	`

	rows, err := db.conn.QueryContext(ctx, query, msisdn, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var raw json.RawMessage
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

func nullFloat(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
