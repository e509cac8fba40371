package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"bridgewatch/internal/domain"
)

const (
	upsertAssetSQL = `INSERT INTO assets (
        id,
        name,
        district,
        state,
        latitude,
        longitude,
        construction_year,
        structure_type,
        baseline_frequency,
        baseline_amplitude,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now()
    )
    ON CONFLICT (id) DO UPDATE
    SET
        name               = EXCLUDED.name,
        district           = EXCLUDED.district,
        state              = EXCLUDED.state,
        latitude           = EXCLUDED.latitude,
        longitude          = EXCLUDED.longitude,
        construction_year  = EXCLUDED.construction_year,
        structure_type     = EXCLUDED.structure_type,
        baseline_frequency = EXCLUDED.baseline_frequency,
        baseline_amplitude = EXCLUDED.baseline_amplitude,
        updated_at         = now();`

	listAssetsSQL = `SELECT
        id,
        name,
        district,
        state,
        latitude,
        longitude,
        construction_year,
        structure_type,
        baseline_frequency,
        baseline_amplitude
    FROM assets
    ORDER BY id;`

	upsertStateSQL = `INSERT INTO baseline_states (
        asset_id,
        shi,
        confidence,
        status,
        sample_count,
        last_updated,
        history,
        saved_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (asset_id) DO UPDATE
    SET
        shi          = EXCLUDED.shi,
        confidence   = EXCLUDED.confidence,
        status       = EXCLUDED.status,
        sample_count = EXCLUDED.sample_count,
        last_updated = EXCLUDED.last_updated,
        history      = EXCLUDED.history,
        saved_at     = EXCLUDED.saved_at
    WHERE baseline_states.sample_count <= EXCLUDED.sample_count;`

	selectStatesSQL = `SELECT
        asset_id,
        shi,
        confidence,
        status,
        sample_count,
        last_updated,
        history,
        saved_at
    FROM baseline_states`

	listStatesSQL = selectStatesSQL + ` ORDER BY asset_id;`
	getStateSQL   = selectStatesSQL + ` WHERE asset_id = $1;`

	upsertAlertSQL = `INSERT INTO alerts (
        id,
        asset_id,
        severity,
        message,
        shi_at_time,
        status,
        created_at,
        updated_at,
        acknowledged_at,
        resolved_at,
        fingerprint,
        anchor_ref,
        audit
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (id) DO UPDATE
    SET
        message         = EXCLUDED.message,
        shi_at_time     = EXCLUDED.shi_at_time,
        status          = EXCLUDED.status,
        updated_at      = EXCLUDED.updated_at,
        acknowledged_at = EXCLUDED.acknowledged_at,
        resolved_at     = EXCLUDED.resolved_at,
        fingerprint     = EXCLUDED.fingerprint,
        anchor_ref      = EXCLUDED.anchor_ref,
        audit           = EXCLUDED.audit
    WHERE alerts.updated_at <= EXCLUDED.updated_at
      AND (alerts.status <> 'RESOLVED' OR EXCLUDED.status = 'RESOLVED');`

	selectAlertsSQL = `SELECT
        id,
        asset_id,
        severity,
        message,
        shi_at_time,
        status,
        created_at,
        updated_at,
        acknowledged_at,
        resolved_at,
        fingerprint,
        anchor_ref,
        audit
    FROM alerts`

	listOpenAlertsSQL   = selectAlertsSQL + ` WHERE status <> 'RESOLVED' ORDER BY created_at DESC;`
	listRecentAlertsSQL = selectAlertsSQL + ` ORDER BY created_at DESC LIMIT $1;`

	deleteResolvedBeforeSQL = `DELETE FROM alerts WHERE status = 'RESOLVED' AND resolved_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store aggregates access to assets, baseline checkpoints and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertAsset persists or updates an asset.
func (s *Store) UpsertAsset(ctx context.Context, asset domain.Asset) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertAssetSQL,
		asset.ID,
		asset.Name,
		asset.District,
		asset.State,
		asset.Location.Latitude,
		asset.Location.Longitude,
		asset.ConstructionYear,
		asset.StructureType,
		decimal.NewFromFloat(asset.BaselineFrequency).String(),
		decimal.NewFromFloat(asset.BaselineAmplitude).String(),
	)
	if execErr != nil {
		return fmt.Errorf("upsert asset: %w", execErr)
	}
	return nil
}

// ListAssets lists every provisioned asset.
func (s *Store) ListAssets(ctx context.Context) ([]domain.Asset, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAssetsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list assets: %w", queryErr)
	}
	defer rows.Close()

	assets := make([]domain.Asset, 0)
	for rows.Next() {
		var (
			asset        domain.Asset
			lat, lon     sql.NullFloat64
			freqStr, amp string
		)
		if err := rows.Scan(
			&asset.ID,
			&asset.Name,
			&asset.District,
			&asset.State,
			&lat,
			&lon,
			&asset.ConstructionYear,
			&asset.StructureType,
			&freqStr,
			&amp,
		); err != nil {
			return nil, err
		}
		asset.Location = domain.Location{Latitude: lat.Float64, Longitude: lon.Float64}
		if asset.BaselineFrequency, err = parseFloat(freqStr); err != nil {
			return nil, fmt.Errorf("parse baseline frequency: %w", err)
		}
		if asset.BaselineAmplitude, err = parseFloat(amp); err != nil {
			return nil, fmt.Errorf("parse baseline amplitude: %w", err)
		}
		assets = append(assets, asset)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return assets, nil
}

// SaveStates writes a batch of checkpoints. Older checkpoints never
// overwrite newer ones.
func (s *Store) SaveStates(ctx context.Context, records []StateRecord) error {
	if len(records) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		history, err := json.Marshal(historyOrEmpty(rec.State.History))
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		savedAt := rec.SavedAt
		if savedAt.IsZero() {
			savedAt = time.Now().UTC()
		}
		batch.Queue(upsertStateSQL,
			rec.AssetID,
			decimal.NewFromFloat(rec.State.SHI).String(),
			decimal.NewFromFloat(rec.State.Confidence).String(),
			string(rec.State.Status),
			rec.State.SampleCount,
			nullableTime(rec.State.LastUpdated),
			history,
			savedAt,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("save baseline state: %w", err)
		}
	}
	return nil
}

// LoadStates loads every persisted checkpoint.
func (s *Store) LoadStates(ctx context.Context) ([]StateRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listStatesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load baseline states: %w", queryErr)
	}
	defer rows.Close()

	records := make([]StateRecord, 0)
	for rows.Next() {
		rec, scanErr := scanState(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// LoadState loads one checkpoint.
func (s *Store) LoadState(ctx context.Context, assetID string) (StateRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return StateRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, getStateSQL, assetID)
	if queryErr != nil {
		return StateRecord{}, fmt.Errorf("load baseline state: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return StateRecord{}, rows.Err()
		}
		return StateRecord{}, fmt.Errorf("%w: baseline state %s", ErrNotFound, assetID)
	}
	return scanState(rows)
}

// UpsertAlert persists an alert. Stale or regressing writes are ignored so
// out-of-order asynchronous saves cannot move an alert backwards.
func (s *Store) UpsertAlert(ctx context.Context, alert domain.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	audit, err := json.Marshal(auditOrEmpty(alert.Audit))
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}

	_, execErr := pool.Exec(ctx, upsertAlertSQL,
		alert.ID,
		alert.AssetID,
		string(alert.Severity),
		alert.Message,
		decimal.NewFromFloat(alert.SHIAtTime).String(),
		string(alert.Status),
		alert.CreatedAt,
		alert.UpdatedAt,
		alert.AcknowledgedAt,
		alert.ResolvedAt,
		alert.Fingerprint,
		alert.AnchorRef,
		audit,
	)
	if execErr != nil {
		return fmt.Errorf("upsert alert: %w", execErr)
	}
	return nil
}

// ListOpenAlerts lists unresolved alerts, newest first.
func (s *Store) ListOpenAlerts(ctx context.Context) ([]domain.Alert, error) {
	return s.queryAlerts(ctx, listOpenAlertsSQL)
}

// ListRecentAlerts lists most recent alerts regardless of status.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]domain.Alert, error) {
	return s.queryAlerts(ctx, listRecentAlertsSQL, limit)
}

// DeleteResolvedBefore prunes resolved alerts older than the cutoff.
func (s *Store) DeleteResolvedBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteResolvedBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete resolved alerts: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]domain.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]domain.Alert, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanState(rows pgx.Rows) (StateRecord, error) {
	var (
		rec         StateRecord
		shiStr      string
		confStr     string
		status      string
		lastUpdated *time.Time
		history     json.RawMessage
	)
	if err := rows.Scan(
		&rec.AssetID,
		&shiStr,
		&confStr,
		&status,
		&rec.State.SampleCount,
		&lastUpdated,
		&history,
		&rec.SavedAt,
	); err != nil {
		return StateRecord{}, err
	}

	var err error
	if rec.State.SHI, err = parseFloat(shiStr); err != nil {
		return StateRecord{}, fmt.Errorf("parse shi: %w", err)
	}
	if rec.State.Confidence, err = parseFloat(confStr); err != nil {
		return StateRecord{}, fmt.Errorf("parse confidence: %w", err)
	}
	rec.State.Status = domain.Status(status)
	if lastUpdated != nil {
		rec.State.LastUpdated = *lastUpdated
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.State.History); err != nil {
			return StateRecord{}, fmt.Errorf("decode history: %w", err)
		}
	}
	return rec, nil
}

func scanAlert(rows pgx.Rows) (domain.Alert, error) {
	var (
		alert    domain.Alert
		severity string
		status   string
		shiStr   string
		audit    json.RawMessage
	)
	if err := rows.Scan(
		&alert.ID,
		&alert.AssetID,
		&severity,
		&alert.Message,
		&shiStr,
		&status,
		&alert.CreatedAt,
		&alert.UpdatedAt,
		&alert.AcknowledgedAt,
		&alert.ResolvedAt,
		&alert.Fingerprint,
		&alert.AnchorRef,
		&audit,
	); err != nil {
		return domain.Alert{}, err
	}

	alert.Severity = domain.Severity(severity)
	alert.Status = domain.AlertStatus(status)
	shi, err := parseFloat(shiStr)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("parse shi_at_time: %w", err)
	}
	alert.SHIAtTime = shi
	if len(audit) > 0 {
		if err := json.Unmarshal(audit, &alert.Audit); err != nil {
			return domain.Alert{}, fmt.Errorf("decode audit: %w", err)
		}
	}
	return alert, nil
}

func parseFloat(v string) (float64, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func historyOrEmpty(h []domain.HistoryPoint) []domain.HistoryPoint {
	if h == nil {
		return []domain.HistoryPoint{}
	}
	return h
}

func auditOrEmpty(a []domain.AuditRecord) []domain.AuditRecord {
	if a == nil {
		return []domain.AuditRecord{}
	}
	return a
}

// IsNotFound reports whether err means the row is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
