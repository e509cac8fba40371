package domain

import "time"

// Sample is one crowdsourced vibration reading. It is never persisted.
type Sample struct {
	DeviceID  string    `json:"deviceId"`
	AssetID   string    `json:"assetId"`
	Frequency float64   `json:"frequency"`
	Amplitude float64   `json:"amplitude"`
	Timestamp time.Time `json:"timestamp"`
	Location  *Location `json:"geolocation,omitempty"`
}
