package notary

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"bridgewatch/internal/alerting"
	"bridgewatch/internal/domain"
	"bridgewatch/internal/metrics"
	"bridgewatch/internal/worker"
)

// Anchor submits a fingerprint to an external ledger and returns its reference.
type Anchor interface {
	Anchor(ctx context.Context, rec Record) (string, error)
}

// Options configure the notarizer and its retry queue.
type Options struct {
	Anchor         Anchor
	Workers        int
	QueueSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
	// OnAnchored receives the ledger reference once a record is anchored.
	OnAnchored func(rec Record, ref string)
}

// Notarizer computes fingerprints synchronously and anchors them in the background.
type Notarizer struct {
	queue      *worker.Queue[Record]
	anchor     Anchor
	onAnchored func(rec Record, ref string)
	logger     zerolog.Logger
}

// New builds a notarizer. Without an Anchor only fingerprints are produced.
func New(opts Options, logger zerolog.Logger) *Notarizer {
	n := &Notarizer{
		anchor:     opts.Anchor,
		onAnchored: opts.OnAnchored,
		logger:     logger.With().Str("component", "notarizer").Logger(),
	}
	if opts.Anchor != nil {
		n.queue = worker.New(worker.Config[Record]{
			Name:           "notary",
			Handler:        n.handle,
			Workers:        opts.Workers,
			Size:           opts.QueueSize,
			InitialBackoff: opts.InitialBackoff,
			MaxBackoff:     opts.MaxBackoff,
			MaxAttempts:    opts.MaxAttempts,
			AttemptTimeout: opts.AttemptTimeout,
			OnDrop:         n.dropped,
		}, logger)
	}
	return n
}

// Notarize returns the hex fingerprint for the transition and queues it for anchoring.
func (n *Notarizer) Notarize(ctx context.Context, alert domain.Alert, event domain.AuditEvent, snap domain.Snapshot, at time.Time) string {
	if snap.AssetID == "" {
		snap.AssetID = alert.AssetID
	}
	req := Request{
		AlertID:  alert.ID,
		Event:    event,
		Severity: alert.Severity,
		At:       at.UTC(),
		Snapshot: snap,
	}

	fp, err := Fingerprint(req)
	if err != nil {
		n.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("fingerprint failed")
		return ""
	}

	if n.queue != nil {
		if err := n.queue.Submit(Record{Request: req, Fingerprint: fp}); err != nil {
			metrics.NotarizationsTotal.WithLabelValues("dropped").Inc()
			n.logger.Error().Err(err).
				Str("alert_id", alert.ID).
				Str("fingerprint", fp.Hex()).
				Msg("anchoring not queued")
		}
	}
	return fp.Hex()
}

// Close drains pending anchoring jobs until ctx expires.
func (n *Notarizer) Close(ctx context.Context) error {
	if n.queue == nil {
		return nil
	}
	return n.queue.Stop(ctx)
}

// Stats reports the anchoring queue counters.
func (n *Notarizer) Stats() worker.Stats {
	if n.queue == nil {
		return worker.Stats{}
	}
	return n.queue.Stats()
}

func (n *Notarizer) handle(ctx context.Context, rec Record) error {
	ref, err := n.anchor.Anchor(ctx, rec)
	if err != nil {
		metrics.NotarizationsTotal.WithLabelValues("retry").Inc()
		if !errors.Is(err, domain.ErrNotarizationUnavailable) {
			return worker.Permanent(err)
		}
		return err
	}

	metrics.NotarizationsTotal.WithLabelValues("anchored").Inc()
	n.logger.Info().
		Str("alert_id", rec.AlertID).
		Str("event", string(rec.Event)).
		Str("fingerprint", rec.Fingerprint.Hex()).
		Str("ref", ref).
		Msg("fingerprint anchored")

	if n.onAnchored != nil {
		n.onAnchored(rec, ref)
	}
	return nil
}

func (n *Notarizer) dropped(rec Record, err error) {
	metrics.NotarizationsTotal.WithLabelValues("dropped").Inc()
	n.logger.Error().Err(err).
		Str("alert_id", rec.AlertID).
		Str("event", string(rec.Event)).
		Str("fingerprint", rec.Fingerprint.Hex()).
		Msg("anchoring abandoned")
}

var _ alerting.Notary = (*Notarizer)(nil)
