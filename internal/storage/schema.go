package storage

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS assets (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL DEFAULT '',
    district           TEXT NOT NULL DEFAULT '',
    state              TEXT NOT NULL DEFAULT '',
    latitude           DOUBLE PRECISION,
    longitude          DOUBLE PRECISION,
    construction_year  INTEGER NOT NULL DEFAULT 0,
    structure_type     TEXT NOT NULL DEFAULT '',
    baseline_frequency NUMERIC NOT NULL,
    baseline_amplitude NUMERIC NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS baseline_states (
    asset_id     TEXT PRIMARY KEY REFERENCES assets (id) ON DELETE CASCADE,
    shi          NUMERIC NOT NULL,
    confidence   NUMERIC NOT NULL,
    status       TEXT NOT NULL,
    sample_count BIGINT NOT NULL,
    last_updated TIMESTAMPTZ,
    history      JSONB NOT NULL DEFAULT '[]',
    saved_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alerts (
    id              TEXT PRIMARY KEY,
    asset_id        TEXT NOT NULL,
    severity        TEXT NOT NULL,
    message         TEXT NOT NULL,
    shi_at_time     NUMERIC NOT NULL,
    status          TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    acknowledged_at TIMESTAMPTZ,
    resolved_at     TIMESTAMPTZ,
    fingerprint     TEXT NOT NULL DEFAULT '',
    anchor_ref      TEXT NOT NULL DEFAULT '',
    audit           JSONB NOT NULL DEFAULT '[]'
);

CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_per_severity
    ON alerts (asset_id, severity) WHERE status <> 'RESOLVED';

CREATE INDEX IF NOT EXISTS alerts_created_at ON alerts (created_at DESC);
`

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
