package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bridgewatch/internal/domain"
)

// Memory is an in-process Repository used by replay, simulate and tests.
type Memory struct {
	mu     sync.RWMutex
	assets map[string]domain.Asset
	states map[string]StateRecord
	alerts map[string]domain.Alert
	locks  map[int64]bool
}

// NewMemory builds an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		assets: make(map[string]domain.Asset),
		states: make(map[string]StateRecord),
		alerts: make(map[string]domain.Alert),
		locks:  make(map[int64]bool),
	}
}

// UpsertAsset stores an asset.
func (m *Memory) UpsertAsset(_ context.Context, asset domain.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[asset.ID] = asset
	return nil
}

// ListAssets lists assets ordered by id.
func (m *Memory) ListAssets(_ context.Context) ([]domain.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Asset, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveStates stores checkpoints, ignoring ones older than what is held.
func (m *Memory) SaveStates(_ context.Context, records []StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if cur, ok := m.states[rec.AssetID]; ok && cur.State.SampleCount > rec.State.SampleCount {
			continue
		}
		if rec.SavedAt.IsZero() {
			rec.SavedAt = time.Now().UTC()
		}
		rec.State = rec.State.Clone()
		m.states[rec.AssetID] = rec
	}
	return nil
}

// LoadStates returns every checkpoint ordered by asset id.
func (m *Memory) LoadStates(_ context.Context) ([]StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StateRecord, 0, len(m.states))
	for _, rec := range m.states {
		rec.State = rec.State.Clone()
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

// LoadState returns one checkpoint.
func (m *Memory) LoadState(_ context.Context, assetID string) (StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.states[assetID]
	if !ok {
		return StateRecord{}, fmt.Errorf("%w: baseline state %s", ErrNotFound, assetID)
	}
	rec.State = rec.State.Clone()
	return rec, nil
}

// UpsertAlert stores an alert with the same ordering guard as Store.
func (m *Memory) UpsertAlert(_ context.Context, alert domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.alerts[alert.ID]; ok {
		if cur.UpdatedAt.After(alert.UpdatedAt) {
			return nil
		}
		if !cur.Open() && alert.Open() {
			return nil
		}
	}
	m.alerts[alert.ID] = alert.Clone()
	return nil
}

// ListOpenAlerts lists unresolved alerts, newest first.
func (m *Memory) ListOpenAlerts(_ context.Context) ([]domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Alert, 0)
	for _, a := range m.alerts {
		if a.Open() {
			out = append(out, a.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListRecentAlerts lists up to limit alerts, newest first.
func (m *Memory) ListRecentAlerts(_ context.Context, limit int) ([]domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a.Clone())
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteResolvedBefore prunes resolved alerts older than the cutoff.
func (m *Memory) DeleteResolvedBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, a := range m.alerts {
		if a.ResolvedAt != nil && a.ResolvedAt.Before(olderThan) {
			delete(m.alerts, id)
			n++
		}
	}
	return n, nil
}

// TryAdvisoryLock emulates a process-local advisory lock.
func (m *Memory) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}, true, nil
}

func sortNewestFirst(alerts []domain.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

var (
	_ Repository     = (*Memory)(nil)
	_ AdvisoryLocker = (*Memory)(nil)
)
