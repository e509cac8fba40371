package classifier

import (
	"testing"

	"bridgewatch/internal/domain"
)

func TestBand(t *testing.T) {
	tests := []struct {
		score float64
		want  domain.Status
	}{
		{100, domain.StatusHealthy},
		{80, domain.StatusHealthy},
		{79.99, domain.StatusMonitor},
		{60, domain.StatusMonitor},
		{59.9, domain.StatusCaution},
		{40, domain.StatusCaution},
		{39.9, domain.StatusCritical},
		{0, domain.StatusCritical},
	}
	for _, tt := range tests {
		if got := Band(tt.score); got != tt.want {
			t.Errorf("Band(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestClassifyHysteresis(t *testing.T) {
	c := New(DefaultMargin)

	tests := []struct {
		name     string
		score    float64
		previous domain.Status
		want     domain.Status
	}{
		{"critical to 81 stays out of healthy", 81, domain.StatusCritical, domain.StatusMonitor},
		{"critical at exactly 83 stays out of healthy", 83, domain.StatusCritical, domain.StatusMonitor},
		{"critical above 83 recovers", 83.5, domain.StatusCritical, domain.StatusHealthy},
		{"critical at 42 stays critical", 42, domain.StatusCritical, domain.StatusCritical},
		{"critical at 43.1 to caution", 43.1, domain.StatusCritical, domain.StatusCaution},
		{"monitor at 81 holds", 81, domain.StatusMonitor, domain.StatusMonitor},
		{"monitor at 90 recovers", 90, domain.StatusMonitor, domain.StatusHealthy},
		{"healthy drops to 35 immediately", 35, domain.StatusHealthy, domain.StatusCritical},
		{"healthy drops to 79.9 immediately", 79.9, domain.StatusHealthy, domain.StatusMonitor},
		{"caution drops to 39 immediately", 39, domain.StatusCaution, domain.StatusCritical},
		{"unknown previous uses nominal", 50, domain.Status(""), domain.StatusCaution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.score, tt.previous); got != tt.want {
				t.Fatalf("Classify(%v, %s) = %s, want %s", tt.score, tt.previous, got, tt.want)
			}
		})
	}
}

func TestClassifyWithoutMargin(t *testing.T) {
	c := New(0)
	if got := c.Classify(80.01, domain.StatusCritical); got != domain.StatusHealthy {
		t.Fatalf("margin=0 时应直接恢复, 实际 %s", got)
	}
}
