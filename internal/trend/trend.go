// Package trend flags sustained score decline across recent history.
package trend

import "bridgewatch/internal/domain"

// Defaults: a fitted drop of 15 points across the last 6 recorded scores.
const (
	DefaultWindow  = 6
	MinWindow      = 5
	DefaultDecline = 15.0
)

const epsilon = 1e-9

// Detector flags sustained decline before a score crosses a band boundary.
type Detector struct {
	window  int
	decline float64
}

// New constructs a Detector. A zero window takes DefaultWindow and smaller
// ones are raised to MinWindow; a non-positive decline takes DefaultDecline.
func New(window int, decline float64) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	if window < MinWindow {
		window = MinWindow
	}
	if decline <= 0 {
		decline = DefaultDecline
	}
	return &Detector{window: window, decline: decline}
}

// Window returns the number of points inspected.
func (d *Detector) Window() int {
	return d.window
}

// DetectDecline reports whether the last window points fall, on average, by
// at least the configured amount. The least-squares slope across the window
// stands in for "monotonic on average" so one noisy uptick does not hide a
// steady slide. The net change across the window must also be negative.
func (d *Detector) DetectDecline(history []domain.HistoryPoint) bool {
	return d.Decline(history) >= d.decline-epsilon
}

// Decline returns the fitted drop across the window, or 0 when there is not
// enough history or the window is not falling.
func (d *Detector) Decline(history []domain.HistoryPoint) float64 {
	if len(history) < d.window {
		return 0
	}
	pts := history[len(history)-d.window:]
	if pts[len(pts)-1].SHI >= pts[0].SHI {
		return 0
	}

	n := float64(len(pts))
	xMean := (n - 1) / 2
	var yMean float64
	for _, p := range pts {
		yMean += p.SHI
	}
	yMean /= n

	var num, den float64
	for i, p := range pts {
		dx := float64(i) - xMean
		num += dx * (p.SHI - yMean)
		den += dx * dx
	}
	slope := num / den
	if slope >= 0 {
		return 0
	}
	return -slope * (n - 1)
}
