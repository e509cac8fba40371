// Package classifier maps SHI scores to health bands with hysteresis.
package classifier

import "bridgewatch/internal/domain"

// Band lower bounds. A score belongs to the best band whose bound it meets.
const (
	HealthyFloor = 80.0
	MonitorFloor = 60.0
	CautionFloor = 40.0
)

// DefaultMargin is the hysteresis applied before an asset may improve a band.
const DefaultMargin = 3.0

// Classifier maps scores to health bands. Worsening applies at once;
// improving requires clearing the better band's floor by Margin.
type Classifier struct {
	margin float64
}

// New constructs a Classifier. A negative margin is treated as zero.
func New(margin float64) *Classifier {
	if margin < 0 {
		margin = 0
	}
	return &Classifier{margin: margin}
}

// Margin returns the configured hysteresis.
func (c *Classifier) Margin() float64 {
	return c.margin
}

// Band returns the nominal band for score with no hysteresis.
func Band(score float64) domain.Status {
	switch {
	case score >= HealthyFloor:
		return domain.StatusHealthy
	case score >= MonitorFloor:
		return domain.StatusMonitor
	case score >= CautionFloor:
		return domain.StatusCaution
	default:
		return domain.StatusCritical
	}
}

// Floor returns the lower threshold of status.
func Floor(status domain.Status) float64 {
	switch status {
	case domain.StatusHealthy:
		return HealthyFloor
	case domain.StatusMonitor:
		return MonitorFloor
	case domain.StatusCaution:
		return CautionFloor
	default:
		return 0
	}
}

var bands = []domain.Status{domain.StatusHealthy, domain.StatusMonitor, domain.StatusCaution, domain.StatusCritical}

// Classify returns the band for score given the asset's previous band.
func (c *Classifier) Classify(score float64, previous domain.Status) domain.Status {
	nominal := Band(score)
	if !previous.Valid() || !previous.WorseThan(nominal) {
		return nominal
	}

	// Walk from the nominal band back towards the previous one and take the
	// first band whose floor the score clears by more than the margin.
	for rank := nominal.Rank(); rank < previous.Rank(); rank++ {
		if score > Floor(bands[rank])+c.margin {
			return bands[rank]
		}
	}
	return previous
}
