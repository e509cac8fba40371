// Package alerting owns alert rules, their lifecycle and notification sinks.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bridgewatch/internal/domain"
)

// DefaultResolvedLimit bounds resolved alerts retained in memory per asset.
const DefaultResolvedLimit = 200

// Notary fingerprints a lifecycle transition and schedules its anchoring.
type Notary interface {
	Notarize(ctx context.Context, alert domain.Alert, event domain.AuditEvent, snap domain.Snapshot, at time.Time) string
}

// TransitionKind describes what happened to an alert during evaluation.
type TransitionKind string

const (
	KindCreated      TransitionKind = "created"
	KindRefreshed    TransitionKind = "refreshed"
	KindAcknowledged TransitionKind = "acknowledged"
	KindResolved     TransitionKind = "resolved"
	KindAnchored     TransitionKind = "anchored"
)

// Transition is an alert change the caller should persist and publish.
type Transition struct {
	Kind  TransitionKind
	Alert domain.Alert
}

// Evaluation is the classifier and trend output for one asset update.
type Evaluation struct {
	AssetID   string
	Previous  domain.Status
	Current   domain.Status
	Declining bool
	Decline   float64
	Window    int
	Snapshot  domain.Snapshot
	At        time.Time
}

// Filter narrows ListOpen. Empty fields match everything.
type Filter struct {
	AssetID  string
	Severity domain.Severity
	Status   domain.AlertStatus
}

// Options configure the rule engine.
type Options struct {
	ResolvedLimit int
	Notary        Notary
	Now           func() time.Time
	NewID         func() string
}

// Engine owns every alert and is the only writer of lifecycle transitions.
// At most one unresolved alert exists per (asset, severity).
type Engine struct {
	mu     sync.RWMutex
	assets map[string]*assetAlerts
	index  map[string]string

	resolvedLimit int
	notary        Notary
	now           func() time.Time
	newID         func() string
	logger        zerolog.Logger
}

type assetAlerts struct {
	mu       sync.Mutex
	open     map[domain.Severity]*domain.Alert
	byID     map[string]*domain.Alert
	resolved []*domain.Alert
}

// NewEngine constructs the rule engine.
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	if opts.ResolvedLimit <= 0 {
		opts.ResolvedLimit = DefaultResolvedLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine{
		assets:        make(map[string]*assetAlerts),
		index:         make(map[string]string),
		resolvedLimit: opts.ResolvedLimit,
		notary:        opts.Notary,
		now:           opts.Now,
		newID:         opts.NewID,
		logger:        logger.With().Str("component", "alert_engine").Logger(),
	}
}

// Evaluate applies the alerting rules to one classified update.
//
//   - CRITICAL band creates or refreshes a CRITICAL alert.
//   - CAUTION band creates or refreshes a HIGH alert.
//   - HEALTHY resolves every open alert, unless the asset stays HEALTHY while
//     still declining; a return from a worse band always resolves.
//   - A flagged decline while HEALTHY or MONITOR creates or refreshes a MEDIUM alert.
func (e *Engine) Evaluate(ctx context.Context, ev Evaluation) []Transition {
	aa := e.forAsset(ev.AssetID)
	aa.mu.Lock()
	defer aa.mu.Unlock()

	var out []Transition

	switch ev.Current {
	case domain.StatusCritical:
		out = append(out, e.upsert(ctx, aa, ev, domain.SeverityCritical))
	case domain.StatusCaution:
		out = append(out, e.upsert(ctx, aa, ev, domain.SeverityHigh))
	}

	returned := ev.Previous.Valid() && ev.Previous != domain.StatusHealthy
	if ev.Current == domain.StatusHealthy && (returned || !ev.Declining) {
		for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium} {
			alert, ok := aa.open[sev]
			if !ok {
				continue
			}
			e.resolve(ctx, aa, alert, ev.Snapshot, ev.At)
			e.logger.Info().Str("alert_id", alert.ID).Str("asset_id", ev.AssetID).
				Str("severity", string(sev)).Msg("alert auto-resolved: asset HEALTHY")
			out = append(out, Transition{Kind: KindResolved, Alert: alert.Clone()})
		}
	}

	if ev.Declining && (ev.Current == domain.StatusHealthy || ev.Current == domain.StatusMonitor) {
		out = append(out, e.upsert(ctx, aa, ev, domain.SeverityMedium))
	}

	return out
}

func (e *Engine) upsert(ctx context.Context, aa *assetAlerts, ev Evaluation, sev domain.Severity) Transition {
	msg := message(sev, ev)
	if existing, ok := aa.open[sev]; ok {
		existing.SHIAtTime = ev.Snapshot.SHI
		existing.Message = msg
		existing.UpdatedAt = ev.At
		e.logger.Debug().Str("alert_id", existing.ID).Str("asset_id", ev.AssetID).
			Str("severity", string(sev)).Float64("shi", ev.Snapshot.SHI).Msg("open alert refreshed")
		return Transition{Kind: KindRefreshed, Alert: existing.Clone()}
	}

	alert := &domain.Alert{
		ID:        e.newID(),
		AssetID:   ev.AssetID,
		Severity:  sev,
		Message:   msg,
		SHIAtTime: ev.Snapshot.SHI,
		Status:    domain.AlertPending,
		CreatedAt: ev.At,
		UpdatedAt: ev.At,
	}
	e.audit(ctx, alert, domain.EventCreated, ev.Snapshot, ev.At)

	aa.open[sev] = alert
	aa.byID[alert.ID] = alert
	e.mu.Lock()
	e.index[alert.ID] = ev.AssetID
	e.mu.Unlock()

	e.logger.Info().Str("alert_id", alert.ID).Str("asset_id", ev.AssetID).
		Str("severity", string(sev)).Float64("shi", ev.Snapshot.SHI).Msg("alert created")
	return Transition{Kind: KindCreated, Alert: alert.Clone()}
}

// AssetOf returns the asset an alert belongs to.
func (e *Engine) AssetOf(alertID string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	assetID, ok := e.index[alertID]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrAlertNotFound, alertID)
	}
	return assetID, nil
}

// Get returns a copy of one alert.
func (e *Engine) Get(alertID string) (domain.Alert, error) {
	aa, err := e.lookup(alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	aa.mu.Lock()
	defer aa.mu.Unlock()
	alert, ok := aa.byID[alertID]
	if !ok {
		return domain.Alert{}, fmt.Errorf("%w: %s", domain.ErrAlertNotFound, alertID)
	}
	return alert.Clone(), nil
}

// Acknowledge moves a PENDING alert to ACKNOWLEDGED. Acknowledging an
// already acknowledged alert is a no-op; a resolved alert is rejected.
func (e *Engine) Acknowledge(ctx context.Context, alertID string, snap domain.Snapshot) (domain.Alert, bool, error) {
	aa, err := e.lookup(alertID)
	if err != nil {
		return domain.Alert{}, false, err
	}
	aa.mu.Lock()
	defer aa.mu.Unlock()

	alert, ok := aa.byID[alertID]
	if !ok {
		return domain.Alert{}, false, fmt.Errorf("%w: %s", domain.ErrAlertNotFound, alertID)
	}
	if alert.Status == domain.AlertAcknowledged {
		return alert.Clone(), false, nil
	}
	if !domain.CanTransition(alert.Status, domain.AlertAcknowledged) {
		return alert.Clone(), false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, alert.Status, domain.AlertAcknowledged)
	}

	at := e.now().UTC()
	alert.Status = domain.AlertAcknowledged
	alert.AcknowledgedAt = &at
	alert.UpdatedAt = at
	e.audit(ctx, alert, domain.EventAcknowledged, snap, at)

	e.logger.Info().Str("alert_id", alert.ID).Str("asset_id", alert.AssetID).Msg("alert acknowledged")
	return alert.Clone(), true, nil
}

// Resolve closes an open alert on operator request.
func (e *Engine) Resolve(ctx context.Context, alertID string, snap domain.Snapshot) (domain.Alert, error) {
	aa, err := e.lookup(alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	aa.mu.Lock()
	defer aa.mu.Unlock()

	alert, ok := aa.byID[alertID]
	if !ok {
		return domain.Alert{}, fmt.Errorf("%w: %s", domain.ErrAlertNotFound, alertID)
	}
	if !domain.CanTransition(alert.Status, domain.AlertResolved) {
		return alert.Clone(), fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, alert.Status, domain.AlertResolved)
	}

	e.resolve(ctx, aa, alert, snap, e.now().UTC())
	e.logger.Info().Str("alert_id", alert.ID).Str("asset_id", alert.AssetID).Msg("alert resolved by operator")
	return alert.Clone(), nil
}

func (e *Engine) resolve(ctx context.Context, aa *assetAlerts, alert *domain.Alert, snap domain.Snapshot, at time.Time) {
	resolvedAt := at
	alert.Status = domain.AlertResolved
	alert.ResolvedAt = &resolvedAt
	alert.UpdatedAt = at
	e.audit(ctx, alert, domain.EventResolved, snap, at)

	if current, ok := aa.open[alert.Severity]; ok && current.ID == alert.ID {
		delete(aa.open, alert.Severity)
	}
	aa.resolved = append(aa.resolved, alert)
	if over := len(aa.resolved) - e.resolvedLimit; over > 0 {
		evicted := aa.resolved[:over]
		aa.resolved = append([]*domain.Alert(nil), aa.resolved[over:]...)
		e.mu.Lock()
		for _, old := range evicted {
			delete(aa.byID, old.ID)
			delete(e.index, old.ID)
		}
		e.mu.Unlock()
	}
}

// AttachAnchor records the ledger reference returned for a fingerprint.
func (e *Engine) AttachAnchor(alertID, fingerprint, ref string) (domain.Alert, error) {
	aa, err := e.lookup(alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	aa.mu.Lock()
	defer aa.mu.Unlock()

	alert, ok := aa.byID[alertID]
	if !ok {
		return domain.Alert{}, fmt.Errorf("%w: %s", domain.ErrAlertNotFound, alertID)
	}
	found := false
	for i := range alert.Audit {
		if alert.Audit[i].Fingerprint == fingerprint {
			alert.Audit[i].AnchorRef = ref
			found = true
		}
	}
	if !found {
		return alert.Clone(), fmt.Errorf("fingerprint %s not recorded on alert %s", fingerprint, alertID)
	}
	if alert.Fingerprint == fingerprint {
		alert.AnchorRef = ref
	}
	return alert.Clone(), nil
}

// ListOpen returns unresolved alerts, newest first.
func (e *Engine) ListOpen(filter Filter) []domain.Alert {
	e.mu.RLock()
	groups := make([]*assetAlerts, 0, len(e.assets))
	for assetID, aa := range e.assets {
		if filter.AssetID != "" && filter.AssetID != assetID {
			continue
		}
		groups = append(groups, aa)
	}
	e.mu.RUnlock()

	out := make([]domain.Alert, 0)
	for _, aa := range groups {
		aa.mu.Lock()
		for _, alert := range aa.open {
			if filter.Severity != "" && alert.Severity != filter.Severity {
				continue
			}
			if filter.Status != "" && alert.Status != filter.Status {
				continue
			}
			out = append(out, alert.Clone())
		}
		aa.mu.Unlock()
	}
	sortAlerts(out)
	return out
}

// History returns the retained resolved alerts for an asset, newest first.
func (e *Engine) History(assetID string) []domain.Alert {
	e.mu.RLock()
	aa, ok := e.assets[assetID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	aa.mu.Lock()
	defer aa.mu.Unlock()
	out := make([]domain.Alert, 0, len(aa.resolved))
	for _, alert := range aa.resolved {
		out = append(out, alert.Clone())
	}
	sortAlerts(out)
	return out
}

// Restore loads persisted unresolved alerts at startup. When more than one
// open alert exists for the same (asset, severity) the newest wins.
func (e *Engine) Restore(alerts []domain.Alert) int {
	restored := 0
	for _, a := range alerts {
		if !a.Open() {
			continue
		}
		aa := e.forAsset(a.AssetID)
		aa.mu.Lock()
		cur, ok := aa.open[a.Severity]
		if ok && !a.CreatedAt.After(cur.CreatedAt) {
			aa.mu.Unlock()
			continue
		}
		alert := a.Clone()
		aa.open[a.Severity] = &alert
		aa.byID[alert.ID] = &alert
		e.mu.Lock()
		if ok {
			delete(aa.byID, cur.ID)
			delete(e.index, cur.ID)
			restored--
		}
		e.index[alert.ID] = a.AssetID
		e.mu.Unlock()
		aa.mu.Unlock()
		restored++
	}
	return restored
}

func (e *Engine) audit(ctx context.Context, alert *domain.Alert, event domain.AuditEvent, snap domain.Snapshot, at time.Time) {
	if e.notary == nil {
		return
	}
	fp := e.notary.Notarize(ctx, alert.Clone(), event, snap, at)
	if fp == "" {
		return
	}
	alert.Fingerprint = fp
	alert.AnchorRef = ""
	alert.Audit = append(alert.Audit, domain.AuditRecord{Event: event, Fingerprint: fp, At: at})
}

func (e *Engine) forAsset(assetID string) *assetAlerts {
	e.mu.RLock()
	aa, ok := e.assets[assetID]
	e.mu.RUnlock()
	if ok {
		return aa
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if aa, ok = e.assets[assetID]; ok {
		return aa
	}
	aa = &assetAlerts{
		open: make(map[domain.Severity]*domain.Alert),
		byID: make(map[string]*domain.Alert),
	}
	e.assets[assetID] = aa
	return aa
}

func (e *Engine) lookup(alertID string) (*assetAlerts, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	assetID, ok := e.index[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlertNotFound, alertID)
	}
	return e.assets[assetID], nil
}

func sortAlerts(alerts []domain.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

func message(sev domain.Severity, ev Evaluation) string {
	score := decimal.NewFromFloat(ev.Snapshot.SHI).StringFixed(1)
	switch sev {
	case domain.SeverityCritical:
		return fmt.Sprintf("SHI %s in CRITICAL band: severe structural integrity compromise, emergency inspection required", score)
	case domain.SeverityHigh:
		return fmt.Sprintf("SHI %s in CAUTION band: schedule detailed inspection", score)
	default:
		drop := decimal.NewFromFloat(ev.Decline).StringFixed(1)
		return fmt.Sprintf("SHI declining: %s point drop over last %d readings (now %s)", drop, ev.Window, score)
	}
}
