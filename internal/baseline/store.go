// Package baseline holds per-asset signatures and scoring state.
package baseline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"bridgewatch/internal/domain"
)

// DefaultHistoryCapacity bounds the rolling SHI history per asset.
const DefaultHistoryCapacity = 32

// Store owns every BaselineState. Each asset has its own lock so updates
// for different assets never contend; the outer lock only guards the index.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	capacity int
}

type entry struct {
	mu    sync.Mutex
	asset domain.Asset
	state domain.BaselineState
	dirty bool
}

// Checkpoint is a persisted snapshot of one asset.
type Checkpoint struct {
	Asset domain.Asset
	State domain.BaselineState
}

// New constructs an empty store.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &Store{entries: make(map[string]*entry), capacity: capacity}
}

// Capacity returns the history bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// Register provisions an asset with the initial state.
func (s *Store) Register(asset domain.Asset) error {
	if asset.ID == "" {
		return fmt.Errorf("register asset: id is required")
	}
	if err := checkSignature(asset.BaselineFrequency, asset.BaselineAmplitude); err != nil {
		return fmt.Errorf("register asset %s: %w", asset.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[asset.ID]; ok {
		return fmt.Errorf("register asset %s: %w", asset.ID, domain.ErrAssetExists)
	}
	s.entries[asset.ID] = &entry{asset: asset, state: domain.InitialState()}
	return nil
}

// Restore seeds a previously persisted state for a registered asset.
func (s *Store) Restore(assetID string, state domain.BaselineState) error {
	e, err := s.lookup(assetID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	restored := state.Clone()
	restored.SHI = domain.Clamp(restored.SHI, domain.MinSHI, domain.MaxSHI)
	restored.Confidence = domain.Clamp(restored.Confidence, domain.MinConfidence, domain.MaxConfidence)
	if !restored.Status.Valid() {
		restored.Status = domain.StatusHealthy
	}
	sort.SliceStable(restored.History, func(i, j int) bool {
		return restored.History[i].Timestamp.Before(restored.History[j].Timestamp)
	})
	if len(restored.History) > s.capacity {
		restored.History = append([]domain.HistoryPoint(nil), restored.History[len(restored.History)-s.capacity:]...)
	}
	e.state = restored
	return nil
}

// Has reports whether the asset is provisioned.
func (s *Store) Has(assetID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[assetID]
	return ok
}

// IDs lists provisioned assets in lexical order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Get returns a copy of the asset's current state.
func (s *Store) Get(assetID string) (domain.BaselineState, error) {
	e, err := s.lookup(assetID)
	if err != nil {
		return domain.BaselineState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// Asset returns the asset's static metadata and baseline.
func (s *Store) Asset(assetID string) (domain.Asset, error) {
	e, err := s.lookup(assetID)
	if err != nil {
		return domain.Asset{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.asset, nil
}

// ApplyUpdate replaces score and confidence and appends to the history.
func (s *Store) ApplyUpdate(assetID string, score, confidence float64, ts time.Time) (domain.BaselineState, error) {
	var out domain.BaselineState
	err := s.Do(assetID, func(tx *Txn) error {
		out = tx.Apply(score, confidence, ts)
		return nil
	})
	return out, err
}

// Recalibrate replaces the baseline signature, keeping the accumulated state.
func (s *Store) Recalibrate(assetID string, frequency, amplitude float64) (domain.Asset, error) {
	if err := checkSignature(frequency, amplitude); err != nil {
		return domain.Asset{}, fmt.Errorf("recalibrate %s: %w", assetID, err)
	}
	var out domain.Asset
	err := s.Do(assetID, func(tx *Txn) error {
		tx.e.asset.BaselineFrequency = frequency
		tx.e.asset.BaselineAmplitude = amplitude
		tx.e.dirty = true
		out = tx.e.asset
		return nil
	})
	return out, err
}

// Do runs fn while holding the asset's lock.
func (s *Store) Do(assetID string, fn func(tx *Txn) error) error {
	e, err := s.lookup(assetID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&Txn{e: e, capacity: s.capacity})
}

// Dirty returns snapshots of assets changed since the last call and clears their flag.
func (s *Store) Dirty() []Checkpoint {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Checkpoint, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.dirty {
			out = append(out, Checkpoint{Asset: e.asset, State: e.state.Clone()})
			e.dirty = false
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset.ID < out[j].Asset.ID })
	return out
}

// MarkDirty flags assets whose checkpoint failed so the next pass retries them.
func (s *Store) MarkDirty(assetIDs ...string) {
	for _, id := range assetIDs {
		e, err := s.lookup(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
	}
}

func (s *Store) lookup(assetID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[assetID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAsset, assetID)
	}
	return e, nil
}

func checkSignature(frequency, amplitude float64) error {
	if !(frequency > 0) {
		return fmt.Errorf("%w: frequency must be > 0", domain.ErrInvalidSignature)
	}
	if !(amplitude > 0) {
		return fmt.Errorf("%w: amplitude must be > 0", domain.ErrInvalidSignature)
	}
	return nil
}

// Txn is the view of one asset inside its critical section.
type Txn struct {
	e        *entry
	capacity int
}

// Asset returns the asset's metadata.
func (t *Txn) Asset() domain.Asset {
	return t.e.asset
}

// State returns a copy of the current state.
func (t *Txn) State() domain.BaselineState {
	return t.e.state.Clone()
}

// Apply clamps and stores a new score, appending it to the rolling history.
// Timestamps never move backwards: an older ts is raised to the last recorded one.
func (t *Txn) Apply(score, confidence float64, ts time.Time) domain.BaselineState {
	st := &t.e.state
	st.SHI = domain.Clamp(score, domain.MinSHI, domain.MaxSHI)
	st.Confidence = domain.Clamp(confidence, domain.MinConfidence, domain.MaxConfidence)

	ts = ts.UTC()
	if n := len(st.History); n > 0 && ts.Before(st.History[n-1].Timestamp) {
		ts = st.History[n-1].Timestamp
	}
	if ts.Before(st.LastUpdated) {
		ts = st.LastUpdated
	}

	st.History = append(st.History, domain.HistoryPoint{Timestamp: ts, SHI: st.SHI})
	if len(st.History) > t.capacity {
		copy(st.History, st.History[len(st.History)-t.capacity:])
		st.History = st.History[:t.capacity]
	}
	st.SampleCount++
	st.LastUpdated = ts
	t.e.dirty = true
	return st.Clone()
}

// SetStatus records the classified band.
func (t *Txn) SetStatus(status domain.Status) {
	if t.e.state.Status != status {
		t.e.state.Status = status
		t.e.dirty = true
	}
}
