// Package engine runs samples through the scoring and alerting pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bridgewatch/internal/alerting"
	"bridgewatch/internal/baseline"
	"bridgewatch/internal/classifier"
	"bridgewatch/internal/domain"
	"bridgewatch/internal/estimator"
	"bridgewatch/internal/metrics"
	"bridgewatch/internal/notary"
	"bridgewatch/internal/storage"
	"bridgewatch/internal/trend"
	"bridgewatch/internal/validator"
	"bridgewatch/internal/worker"
)

// QueueOptions size one of the background queues. Workers is ignored for
// writes.
type QueueOptions struct {
	Workers        int
	Size           int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
}

// Options wire the pipeline. Repository, Anchor and Notifier are optional.
type Options struct {
	Validation      validator.Options
	Estimator       estimator.Options
	Margin          float64
	TrendWindow     int
	TrendDecline    float64
	HistoryCapacity int
	ResolvedLimit   int

	Anchor        notary.Anchor
	Notary        QueueOptions
	Repository    storage.Repository
	Writes        QueueOptions
	Notifier      alerting.Notifier
	Notifications QueueOptions

	Now   func() time.Time
	NewID func() string
}

// AssetView is the query-side view of one asset.
type AssetView struct {
	Asset domain.Asset         `json:"asset"`
	State domain.BaselineState `json:"state"`
}

// BootstrapStats summarises what was loaded at startup.
type BootstrapStats struct {
	Assets int
	States int
	Alerts int
}

// Stats reports the background queues.
type Stats struct {
	Notary        worker.Stats `json:"notary"`
	Writes        worker.Stats `json:"writes"`
	Notifications worker.Stats `json:"notifications"`
}

type write struct {
	alert *domain.Alert
	asset *domain.Asset
}

// Engine runs validated samples through estimation, classification, trend
// detection and alerting. Work for one asset is serialized under that
// asset's lock; different assets proceed in parallel.
type Engine struct {
	store      *baseline.Store
	validator  *validator.Validator
	estimator  *estimator.Estimator
	classifier *classifier.Classifier
	trend      *trend.Detector
	alerts     *alerting.Engine
	notary     *notary.Notarizer

	repo          storage.Repository
	writes        *worker.Queue[write]
	notifier      alerting.Notifier
	notifications *worker.Queue[alerting.Notification]

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	now    func() time.Time
	logger zerolog.Logger
}

// New constructs the engine and starts its background queues.
func New(opts Options, logger zerolog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Validation.Now == nil {
		opts.Validation.Now = opts.Now
	}

	e := &Engine{
		store:      baseline.New(opts.HistoryCapacity),
		estimator:  estimator.New(opts.Estimator),
		classifier: classifier.New(opts.Margin),
		trend:      trend.New(opts.TrendWindow, opts.TrendDecline),
		repo:       opts.Repository,
		notifier:   opts.Notifier,
		now:        opts.Now,
		logger:     logger.With().Str("component", "engine").Logger(),
	}
	e.validator = validator.New(e.store, opts.Validation)
	e.notary = notary.New(notary.Options{
		Anchor:         opts.Anchor,
		Workers:        opts.Notary.Workers,
		QueueSize:      opts.Notary.Size,
		InitialBackoff: opts.Notary.InitialBackoff,
		MaxBackoff:     opts.Notary.MaxBackoff,
		MaxAttempts:    opts.Notary.MaxAttempts,
		AttemptTimeout: opts.Notary.AttemptTimeout,
		OnAnchored:     e.anchored,
	}, logger)
	e.alerts = alerting.NewEngine(alerting.Options{
		ResolvedLimit: opts.ResolvedLimit,
		Notary:        e.notary,
		Now:           opts.Now,
		NewID:         opts.NewID,
	}, logger)

	if e.repo != nil {
		e.writes = worker.New(worker.Config[write]{
			Name:           "writes",
			Handler:        e.persist,
			// One writer keeps rows for the same alert in submission order.
			Workers:        1,
			Size:           opts.Writes.Size,
			InitialBackoff: opts.Writes.InitialBackoff,
			MaxBackoff:     opts.Writes.MaxBackoff,
			MaxAttempts:    opts.Writes.MaxAttempts,
			AttemptTimeout: opts.Writes.AttemptTimeout,
		}, logger)
	}
	if e.notifier != nil {
		e.notifications = worker.New(worker.Config[alerting.Notification]{
			Name:           "notifications",
			Handler:        e.deliver,
			Workers:        opts.Notifications.Workers,
			Size:           opts.Notifications.Size,
			InitialBackoff: opts.Notifications.InitialBackoff,
			MaxBackoff:     opts.Notifications.MaxBackoff,
			MaxAttempts:    opts.Notifications.MaxAttempts,
			AttemptTimeout: opts.Notifications.AttemptTimeout,
			OnDrop: func(n alerting.Notification, err error) {
				metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
			},
		}, logger)
	}
	return e
}

// Bootstrap registers the configured assets and reloads persisted assets,
// states and open alerts. A persisted signature wins over the configured one
// so recalibrations survive restarts.
func (e *Engine) Bootstrap(ctx context.Context, configured []domain.Asset) (BootstrapStats, error) {
	var stats BootstrapStats

	assets := make(map[string]domain.Asset, len(configured))
	order := make([]string, 0, len(configured))
	fresh := make(map[string]bool, len(configured))
	for _, a := range configured {
		if _, ok := assets[a.ID]; !ok {
			order = append(order, a.ID)
		}
		assets[a.ID] = a
		fresh[a.ID] = true
	}

	if e.repo != nil {
		persisted, err := e.repo.ListAssets(ctx)
		if err != nil {
			return stats, fmt.Errorf("load assets: %w", err)
		}
		for _, a := range persisted {
			if _, ok := assets[a.ID]; !ok {
				order = append(order, a.ID)
			}
			assets[a.ID] = a
			delete(fresh, a.ID)
		}
	}

	for _, id := range order {
		a := assets[id]
		if err := e.store.Register(a); err != nil {
			if errors.Is(err, domain.ErrAssetExists) {
				continue
			}
			return stats, err
		}
		stats.Assets++
		if fresh[id] && e.repo != nil {
			if err := e.repo.UpsertAsset(ctx, a); err != nil {
				return stats, fmt.Errorf("persist asset %s: %w", id, err)
			}
		}
	}

	if e.repo == nil {
		return stats, nil
	}

	records, err := e.repo.LoadStates(ctx)
	if err != nil {
		return stats, fmt.Errorf("load states: %w", err)
	}
	for _, rec := range records {
		if err := e.store.Restore(rec.AssetID, rec.State); err != nil {
			e.logger.Warn().Err(err).Str("asset_id", rec.AssetID).Msg("skip persisted state")
			continue
		}
		stats.States++
	}

	open, err := e.repo.ListOpenAlerts(ctx)
	if err != nil {
		return stats, fmt.Errorf("load open alerts: %w", err)
	}
	stats.Alerts = e.alerts.Restore(open)

	e.logger.Info().Int("assets", stats.Assets).Int("states", stats.States).
		Int("alerts", stats.Alerts).Msg("engine bootstrapped")
	return stats, nil
}

// RegisterAsset provisions a new asset at runtime.
func (e *Engine) RegisterAsset(ctx context.Context, asset domain.Asset) error {
	if err := e.store.Register(asset); err != nil {
		return err
	}
	if e.repo != nil {
		if err := e.repo.UpsertAsset(ctx, asset); err != nil {
			return fmt.Errorf("persist asset %s: %w", asset.ID, err)
		}
	}
	return nil
}

// Ingest validates one sample and folds it into its asset's state.
// Rejections carry a reason code; see domain.ReasonCode.
func (e *Engine) Ingest(ctx context.Context, raw domain.Sample) (domain.BaselineState, error) {
	start := time.Now()
	if err := e.enter(); err != nil {
		metrics.SamplesTotal.WithLabelValues("rejected", domain.ReasonEngineClosed).Inc()
		return domain.BaselineState{}, err
	}
	defer e.inflight.Done()

	sample, err := e.validator.Validate(raw)
	if err != nil {
		reason := domain.ReasonCode(err)
		metrics.SamplesTotal.WithLabelValues("rejected", reason).Inc()
		e.logger.Debug().Err(err).Str("asset_id", raw.AssetID).Str("device_id", raw.DeviceID).
			Str("reason", reason).Msg("sample rejected")
		return domain.BaselineState{}, err
	}

	var (
		out      domain.BaselineState
		previous domain.Status
		result   estimator.Result
	)
	err = e.store.Do(sample.AssetID, func(tx *baseline.Txn) error {
		asset := tx.Asset()
		prior := tx.State()
		previous = prior.Status

		result = e.estimator.Estimate(sample, asset, prior)
		st := tx.Apply(result.Score, result.Confidence, sample.Timestamp)
		status := e.classifier.Classify(st.SHI, prior.Status)
		tx.SetStatus(status)
		st.Status = status

		decline := e.trend.Decline(st.History)
		transitions := e.alerts.Evaluate(ctx, alerting.Evaluation{
			AssetID:   sample.AssetID,
			Previous:  prior.Status,
			Current:   status,
			Declining: e.trend.DetectDecline(st.History),
			Decline:   decline,
			Window:    e.trend.Window(),
			Snapshot:  snapshot(sample.AssetID, st),
			At:        st.LastUpdated,
		})
		e.dispatch(asset, st, transitions)
		out = st
		return nil
	})
	if err != nil {
		// The asset vanished between validation and the update.
		err = domain.NewSampleError(domain.ReasonCode(err), sample.AssetID, err)
		metrics.SamplesTotal.WithLabelValues("rejected", domain.ReasonCode(err)).Inc()
		return domain.BaselineState{}, err
	}

	metrics.SamplesTotal.WithLabelValues("accepted", "").Inc()
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	metrics.AssetSHI.WithLabelValues(sample.AssetID).Set(out.SHI)
	metrics.AssetConfidence.WithLabelValues(sample.AssetID).Set(out.Confidence)

	log := e.logger.Debug()
	if previous != out.Status {
		metrics.StatusTransitions.WithLabelValues(string(previous), string(out.Status)).Inc()
		log = e.logger.Info()
	}
	log.Str("asset_id", sample.AssetID).
		Str("device_id", sample.DeviceID).
		Float64("candidate", result.Candidate).
		Float64("alpha", result.Alpha).
		Float64("shi", out.SHI).
		Float64("confidence", out.Confidence).
		Str("status", string(out.Status)).
		Str("previous", string(previous)).
		Int64("samples", out.SampleCount).
		Msg("sample recorded")
	return out, nil
}

// GetAssetState returns the asset and a consistent copy of its state.
func (e *Engine) GetAssetState(assetID string) (AssetView, error) {
	var view AssetView
	err := e.store.Do(assetID, func(tx *baseline.Txn) error {
		view = AssetView{Asset: tx.Asset(), State: tx.State()}
		return nil
	})
	return view, err
}

// ListAssets returns every provisioned asset, ordered by id.
func (e *Engine) ListAssets() []AssetView {
	ids := e.store.IDs()
	out := make([]AssetView, 0, len(ids))
	for _, id := range ids {
		view, err := e.GetAssetState(id)
		if err != nil {
			continue
		}
		out = append(out, view)
	}
	return out
}

// ListOpenAlerts returns unresolved alerts matching filter, newest first.
func (e *Engine) ListOpenAlerts(filter alerting.Filter) []domain.Alert {
	return e.alerts.ListOpen(filter)
}

// GetAlert returns one alert, open or recently resolved.
func (e *Engine) GetAlert(alertID string) (domain.Alert, error) {
	return e.alerts.Get(alertID)
}

// AlertHistory returns the asset's alerts, open and recently resolved.
func (e *Engine) AlertHistory(assetID string) []domain.Alert {
	return e.alerts.History(assetID)
}

// Acknowledge marks an alert as seen by an operator.
func (e *Engine) Acknowledge(ctx context.Context, alertID string) (domain.Alert, error) {
	if err := e.enter(); err != nil {
		return domain.Alert{}, err
	}
	defer e.inflight.Done()

	var out domain.Alert
	err := e.operate(alertID, func(name string, snap domain.Snapshot) error {
		alert, changed, err := e.alerts.Acknowledge(ctx, alertID, snap)
		out = alert
		if err != nil {
			return err
		}
		if changed {
			e.publishFor(name, alerting.Transition{Kind: alerting.KindAcknowledged, Alert: alert}, snap, alert.UpdatedAt)
		}
		return nil
	})
	return out, err
}

// Resolve closes an alert on operator request.
func (e *Engine) Resolve(ctx context.Context, alertID string) (domain.Alert, error) {
	if err := e.enter(); err != nil {
		return domain.Alert{}, err
	}
	defer e.inflight.Done()

	var out domain.Alert
	err := e.operate(alertID, func(name string, snap domain.Snapshot) error {
		alert, err := e.alerts.Resolve(ctx, alertID, snap)
		out = alert
		if err != nil {
			return err
		}
		e.publishFor(name, alerting.Transition{Kind: alerting.KindResolved, Alert: alert}, snap, alert.UpdatedAt)
		return nil
	})
	return out, err
}

// Recalibrate replaces an asset's baseline signature, keeping its state.
func (e *Engine) Recalibrate(ctx context.Context, assetID string, frequency, amplitude float64) (domain.Asset, error) {
	asset, err := e.store.Recalibrate(assetID, frequency, amplitude)
	if err != nil {
		return domain.Asset{}, err
	}
	e.logger.Info().Str("asset_id", assetID).
		Float64("frequency", frequency).
		Float64("amplitude", amplitude).
		Msg("baseline recalibrated")
	e.submit(write{asset: &asset})
	return asset, nil
}

// Checkpoint saves every state changed since the previous checkpoint.
// Failed assets are retried on the next call.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	start := time.Now()
	dirty := e.store.Dirty()
	if len(dirty) == 0 {
		return nil
	}

	savedAt := e.now().UTC()
	records := make([]storage.StateRecord, 0, len(dirty))
	ids := make([]string, 0, len(dirty))
	for _, cp := range dirty {
		records = append(records, storage.StateRecord{AssetID: cp.Asset.ID, State: cp.State, SavedAt: savedAt})
		ids = append(ids, cp.Asset.ID)
	}
	if err := e.repo.SaveStates(ctx, records); err != nil {
		e.store.MarkDirty(ids...)
		return fmt.Errorf("save checkpoint: %w", err)
	}

	metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	metrics.CheckpointAssets.Add(float64(len(records)))
	e.logger.Debug().Int("assets", len(records)).Dur("took", time.Since(start)).Msg("checkpoint saved")
	return nil
}

// PruneAlerts deletes persisted alerts resolved longer than retention ago.
func (e *Engine) PruneAlerts(ctx context.Context, retention time.Duration) (int64, error) {
	if e.repo == nil || retention <= 0 {
		return 0, nil
	}
	n, err := e.repo.DeleteResolvedBefore(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	if n > 0 {
		e.logger.Info().Int64("deleted", n).Msg("resolved alerts pruned")
	}
	return n, nil
}

// Stats reports the background queues.
func (e *Engine) Stats() Stats {
	stats := Stats{Notary: e.notary.Stats()}
	if e.writes != nil {
		stats.Writes = e.writes.Stats()
	}
	if e.notifications != nil {
		stats.Notifications = e.notifications.Stats()
	}
	return stats
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close stops accepting work, waits for in-flight updates, writes a final
// checkpoint and drains the background queues until ctx expires.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()

	var errs []error
	if err := e.Checkpoint(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.notary.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close notary: %w", err))
	}
	if e.notifications != nil {
		if err := e.notifications.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop notifications: %w", err))
		}
	}
	if e.writes != nil {
		if err := e.writes.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop writes: %w", err))
		}
	}
	e.logger.Info().Msg("engine closed")
	return errors.Join(errs...)
}

func (e *Engine) enter() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return domain.ErrEngineClosed
	}
	e.inflight.Add(1)
	return nil
}

// operate runs an operator action under the alert's asset lock so it is
// ordered with that asset's score updates.
func (e *Engine) operate(alertID string, fn func(assetName string, snap domain.Snapshot) error) error {
	assetID, err := e.alerts.AssetOf(alertID)
	if err != nil {
		return err
	}
	if !e.store.Has(assetID) {
		// Alert restored for an asset that is no longer provisioned.
		return fn("", domain.Snapshot{AssetID: assetID})
	}
	return e.store.Do(assetID, func(tx *baseline.Txn) error {
		return fn(tx.Asset().Name, snapshot(assetID, tx.State()))
	})
}

func (e *Engine) dispatch(asset domain.Asset, st domain.BaselineState, transitions []alerting.Transition) {
	snap := snapshot(asset.ID, st)
	for _, tr := range transitions {
		e.publishFor(asset.Name, tr, snap, st.LastUpdated)
	}
}

func (e *Engine) publishFor(assetName string, tr alerting.Transition, snap domain.Snapshot, at time.Time) {
	metrics.AlertTransitions.WithLabelValues(string(tr.Alert.Severity), string(tr.Kind)).Inc()

	alert := tr.Alert
	e.submit(write{alert: &alert})

	if e.notifications == nil || tr.Kind == alerting.KindRefreshed {
		return
	}
	note := alerting.Notification{
		Kind:       tr.Kind,
		Alert:      tr.Alert,
		AssetName:  assetName,
		Snapshot:   snap,
		OccurredAt: at,
	}
	if err := e.notifications.Submit(note); err != nil {
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("notification not queued")
	}
}

func (e *Engine) submit(w write) {
	if e.writes == nil {
		return
	}
	if err := e.writes.Submit(w); err != nil {
		ev := e.logger.Error().Err(err)
		if w.alert != nil {
			ev = ev.Str("alert_id", w.alert.ID)
		}
		if w.asset != nil {
			ev = ev.Str("asset_id", w.asset.ID)
		}
		ev.Msg("write not queued")
	}
}

func (e *Engine) persist(ctx context.Context, w write) error {
	if w.asset != nil {
		if err := e.repo.UpsertAsset(ctx, *w.asset); err != nil {
			return fmt.Errorf("upsert asset %s: %w", w.asset.ID, err)
		}
	}
	if w.alert != nil {
		if err := e.repo.UpsertAlert(ctx, *w.alert); err != nil {
			return fmt.Errorf("upsert alert %s: %w", w.alert.ID, err)
		}
	}
	return nil
}

func (e *Engine) deliver(ctx context.Context, note alerting.Notification) error {
	if err := e.notifier.Notify(ctx, note); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	return nil
}

func (e *Engine) anchored(rec notary.Record, ref string) {
	attach := func() error {
		alert, err := e.alerts.AttachAnchor(rec.AlertID, rec.Fingerprint.Hex(), ref)
		if err != nil {
			return err
		}
		metrics.AlertTransitions.WithLabelValues(string(alert.Severity), string(alerting.KindAnchored)).Inc()
		e.submit(write{alert: &alert})
		return nil
	}

	var err error
	if e.store.Has(rec.Snapshot.AssetID) {
		// Under the asset lock so the write is queued behind any refresh of the same alert.
		err = e.store.Do(rec.Snapshot.AssetID, func(*baseline.Txn) error { return attach() })
	} else {
		err = attach()
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("alert_id", rec.AlertID).Msg("anchor not attached")
	}
}

func snapshot(assetID string, st domain.BaselineState) domain.Snapshot {
	return domain.Snapshot{
		AssetID:     assetID,
		SHI:         st.SHI,
		Confidence:  st.Confidence,
		Status:      st.Status,
		SampleCount: st.SampleCount,
	}
}
