package storage

import (
	"context"
	"errors"
	"time"

	"bridgewatch/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// StateRecord is a persisted BaselineState checkpoint.
type StateRecord struct {
	AssetID string
	State   domain.BaselineState
	SavedAt time.Time
}

// AssetStore defines operations for the asset registry.
type AssetStore interface {
	UpsertAsset(ctx context.Context, asset domain.Asset) error
	ListAssets(ctx context.Context) ([]domain.Asset, error)
}

// StateStore defines load/save of baseline checkpoints.
type StateStore interface {
	SaveStates(ctx context.Context, records []StateRecord) error
	LoadStates(ctx context.Context) ([]StateRecord, error)
	LoadState(ctx context.Context, assetID string) (StateRecord, error)
}

// AlertStore defines operations for alert persistence.
type AlertStore interface {
	UpsertAlert(ctx context.Context, alert domain.Alert) error
	ListOpenAlerts(ctx context.Context) ([]domain.Alert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]domain.Alert, error)
	DeleteResolvedBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is the full persistence collaborator.
type Repository interface {
	AssetStore
	StateStore
	AlertStore
}
