// Package estimator fuses validated samples into a Structural Health Index.
//
// A sample is compared against the asset's baseline signature. Frequency
// drift in either direction and amplitude growth both count as distress;
// a quieter bridge is not penalised. The candidate score is blended into
// the prior score with an exponential moving average whose weight grows
// with the asset's sample count, so a single reading cannot swing a score
// that many contributors have already agreed on.
package estimator

import (
	"math"

	"bridgewatch/internal/domain"
)

// Options tune the estimator. Zero values take the documented defaults.
type Options struct {
	FrequencyWeight       float64
	AmplitudeWeight       float64
	AlphaMin              float64
	AlphaMax              float64
	AlphaTau              float64
	ConfidenceCap         float64
	ConfidenceCountScale  float64
	ConfidenceSpreadScale float64
}

// DefaultOptions returns w1=0.4, w2=0.6, alpha 0.1 -> 0.5 over ~20 samples, confidence cap 0.99.
func DefaultOptions() Options {
	return Options{
		FrequencyWeight:       0.4,
		AmplitudeWeight:       0.6,
		AlphaMin:              0.1,
		AlphaMax:              0.5,
		AlphaTau:              20,
		ConfidenceCap:         0.99,
		ConfidenceCountScale:  10,
		ConfidenceSpreadScale: 10,
	}
}

// Result carries the new score plus the intermediate terms for logging.
type Result struct {
	Score              float64
	Confidence         float64
	Candidate          float64
	Penalty            float64
	Alpha              float64
	FrequencyDeviation float64
	AmplitudeDeviation float64
}

// Estimator is stateless and safe for concurrent use.
type Estimator struct {
	opts Options
}

// New constructs an Estimator, filling unset options from DefaultOptions.
func New(opts Options) *Estimator {
	def := DefaultOptions()
	if opts.FrequencyWeight <= 0 && opts.AmplitudeWeight <= 0 {
		opts.FrequencyWeight = def.FrequencyWeight
		opts.AmplitudeWeight = def.AmplitudeWeight
	}
	if opts.AlphaMin <= 0 {
		opts.AlphaMin = def.AlphaMin
	}
	if opts.AlphaMax <= 0 {
		opts.AlphaMax = def.AlphaMax
	}
	if opts.AlphaMax < opts.AlphaMin {
		opts.AlphaMax = opts.AlphaMin
	}
	if opts.AlphaTau <= 0 {
		opts.AlphaTau = def.AlphaTau
	}
	if opts.ConfidenceCap <= 0 || opts.ConfidenceCap > 1 {
		opts.ConfidenceCap = def.ConfidenceCap
	}
	if opts.ConfidenceCountScale <= 0 {
		opts.ConfidenceCountScale = def.ConfidenceCountScale
	}
	if opts.ConfidenceSpreadScale <= 0 {
		opts.ConfidenceSpreadScale = def.ConfidenceSpreadScale
	}
	return &Estimator{opts: opts}
}

// Options returns the effective configuration.
func (e *Estimator) Options() Options {
	return e.opts
}

// Estimate computes the asset's next score and confidence from one sample.
// Identical inputs always produce bit-identical outputs.
func (e *Estimator) Estimate(sample domain.Sample, asset domain.Asset, prior domain.BaselineState) Result {
	freqDev := FrequencyDeviation(sample.Frequency, asset.BaselineFrequency)
	ampDev := AmplitudeDeviation(sample.Amplitude, asset.BaselineAmplitude)

	penalty := e.opts.FrequencyWeight*freqDev + e.opts.AmplitudeWeight*ampDev
	candidate := domain.MaxSHI - math.Min(domain.MaxSHI, penalty*100)
	candidate = domain.Clamp(candidate, domain.MinSHI, domain.MaxSHI)

	alpha := e.Alpha(prior.SampleCount)
	priorScore := domain.Clamp(prior.SHI, domain.MinSHI, domain.MaxSHI)
	score := alpha*candidate + (1-alpha)*priorScore
	score = domain.Clamp(score, domain.MinSHI, domain.MaxSHI)

	return Result{
		Score:              score,
		Confidence:         e.confidence(prior, score),
		Candidate:          candidate,
		Penalty:            penalty,
		Alpha:              alpha,
		FrequencyDeviation: freqDev,
		AmplitudeDeviation: ampDev,
	}
}

// Alpha is the EMA weight given to a new sample when the asset already has
// priorCount samples. The first sample replaces the provisioning default of
// SHI 100 outright; from the second on alpha rises from AlphaMin toward AlphaMax.
func (e *Estimator) Alpha(priorCount int64) float64 {
	if priorCount <= 0 {
		return 1
	}
	decay := math.Exp(-float64(priorCount-1) / e.opts.AlphaTau)
	return e.opts.AlphaMax - (e.opts.AlphaMax-e.opts.AlphaMin)*decay
}

// confidence grows with sample count and shrinks with the spread of recent scores.
func (e *Estimator) confidence(prior domain.BaselineState, score float64) float64 {
	count := float64(prior.SampleCount + 1)
	countFactor := count / (count + e.opts.ConfidenceCountScale)

	scores := prior.Scores()
	scores = append(scores, score)
	spreadFactor := 1 / (1 + StdDev(scores)/e.opts.ConfidenceSpreadScale)

	conf := math.Min(e.opts.ConfidenceCap, countFactor*spreadFactor)
	return domain.Clamp(conf, domain.MinConfidence, domain.MaxConfidence)
}

// FrequencyDeviation is |observed - baseline| / baseline, saturating at 1.
func FrequencyDeviation(observed, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return math.Min(1, math.Abs(observed-baseline)/baseline)
}

// AmplitudeDeviation is max(0, observed - baseline) / baseline, saturating at 1.
func AmplitudeDeviation(observed, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return math.Min(1, math.Max(0, observed-baseline)/baseline)
}

// StdDev is the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}
