// Package validator rejects samples that must not reach the estimator.
package validator

import (
	"fmt"
	"math"
	"strings"
	"time"

	"bridgewatch/internal/domain"
)

// AssetResolver answers whether an asset id is provisioned.
type AssetResolver interface {
	Has(assetID string) bool
}

// Options bound the accepted client timestamps.
type Options struct {
	MaxClockSkew     time.Duration
	RetentionHorizon time.Duration
	Now              func() time.Time
}

// Validator rejects samples that must never reach the estimator.
type Validator struct {
	assets AssetResolver
	opts   Options
}

// New constructs a Validator. Zero options fall back to 5m skew and 24h retention.
func New(assets AssetResolver, opts Options) *Validator {
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = 5 * time.Minute
	}
	if opts.RetentionHorizon <= 0 {
		opts.RetentionHorizon = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Validator{assets: assets, opts: opts}
}

// Validate checks raw and returns a normalised copy. It has no side effects.
func (v *Validator) Validate(raw domain.Sample) (domain.Sample, error) {
	sample := raw
	sample.DeviceID = strings.TrimSpace(raw.DeviceID)
	sample.AssetID = strings.TrimSpace(raw.AssetID)

	if sample.DeviceID == "" {
		return domain.Sample{}, domain.NewSampleError(domain.ReasonMissingDevice, "device id is required", nil)
	}
	if sample.AssetID == "" {
		return domain.Sample{}, domain.NewSampleError(domain.ReasonMissingAsset, "asset id is required", nil)
	}
	if !finite(sample.Frequency) || sample.Frequency <= 0 {
		return domain.Sample{}, domain.NewSampleError(domain.ReasonInvalidFrequency,
			fmt.Sprintf("frequency must be > 0, got %v", sample.Frequency), nil)
	}
	if !finite(sample.Amplitude) || sample.Amplitude < 0 {
		return domain.Sample{}, domain.NewSampleError(domain.ReasonInvalidAmplitude,
			fmt.Sprintf("amplitude must be >= 0, got %v", sample.Amplitude), nil)
	}
	if sample.Location != nil && !sample.Location.Valid() {
		return domain.Sample{}, domain.NewSampleError(domain.ReasonInvalidLocation, "geolocation out of range", nil)
	}
	if v.assets == nil || !v.assets.Has(sample.AssetID) {
		return domain.Sample{}, domain.NewSampleError(domain.ReasonUnknownAsset, sample.AssetID, domain.ErrUnknownAsset)
	}

	now := v.opts.Now()
	if sample.Timestamp.After(now.Add(v.opts.MaxClockSkew)) {
		return domain.Sample{}, domain.NewSampleError(domain.ReasonClockSkew,
			fmt.Sprintf("timestamp %s ahead of server time", sample.Timestamp.UTC().Format(time.RFC3339)), nil)
	}
	if sample.Timestamp.Before(now.Add(-v.opts.RetentionHorizon)) {
		return domain.Sample{}, domain.NewSampleError(domain.ReasonStaleSample,
			fmt.Sprintf("timestamp %s older than retention horizon", sample.Timestamp.UTC().Format(time.RFC3339)), nil)
	}

	sample.Timestamp = sample.Timestamp.UTC()
	return sample, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
