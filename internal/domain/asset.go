// Package domain defines the shared records and errors of the health engine.
package domain

import (
	"math"
	"time"
)

// Location is a WGS84 coordinate.
type Location struct {
	Latitude  float64 `json:"latitude" mapstructure:"latitude"`
	Longitude float64 `json:"longitude" mapstructure:"longitude"`
}

// Valid reports whether the coordinate is inside WGS84 bounds.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

// Asset is a monitored bridge and its reference vibration signature.
type Asset struct {
	ID                string   `json:"id" mapstructure:"id"`
	Name              string   `json:"name" mapstructure:"name"`
	Location          Location `json:"location" mapstructure:"location"`
	District          string   `json:"district,omitempty" mapstructure:"district"`
	State             string   `json:"state,omitempty" mapstructure:"state"`
	ConstructionYear  int      `json:"construction_year,omitempty" mapstructure:"construction_year"`
	StructureType     string   `json:"structure_type,omitempty" mapstructure:"structure_type"`
	BaselineFrequency float64  `json:"baseline_frequency" mapstructure:"baseline_frequency"`
	BaselineAmplitude float64  `json:"baseline_amplitude" mapstructure:"baseline_amplitude"`
}

// HistoryPoint is one entry of the rolling SHI history.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	SHI       float64   `json:"shi"`
}

// BaselineState is the aggregate health of one asset.
type BaselineState struct {
	SHI         float64        `json:"shi"`
	Confidence  float64        `json:"confidence"`
	Status      Status         `json:"status"`
	SampleCount int64          `json:"sample_count"`
	LastUpdated time.Time      `json:"last_updated"`
	History     []HistoryPoint `json:"history"`
}

// InitialState is the state of a freshly provisioned asset.
func InitialState() BaselineState {
	return BaselineState{SHI: MaxSHI, Confidence: 0, Status: StatusHealthy}
}

// Clone returns a deep copy safe to hand out of a critical section.
func (s BaselineState) Clone() BaselineState {
	out := s
	if s.History != nil {
		out.History = make([]HistoryPoint, len(s.History))
		copy(out.History, s.History)
	}
	return out
}

// Scores returns the SHI values of the history, oldest first.
func (s BaselineState) Scores() []float64 {
	out := make([]float64, len(s.History))
	for i, p := range s.History {
		out[i] = p.SHI
	}
	return out
}

// Score bounds.
const (
	MinSHI        = 0.0
	MaxSHI        = 100.0
	MinConfidence = 0.0
	MaxConfidence = 1.0
)

// Clamp limits v to [lo, hi]; NaN collapses to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
