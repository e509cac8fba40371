package domain

import (
	"fmt"
	"strings"
)

// Status is the discrete health band of an asset.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusMonitor  Status = "MONITOR"
	StatusCaution  Status = "CAUTION"
	StatusCritical Status = "CRITICAL"
)

// Rank orders bands from best (0) to worst (3).
func (s Status) Rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusMonitor:
		return 1
	case StatusCaution:
		return 2
	case StatusCritical:
		return 3
	default:
		return -1
	}
}

// WorseThan reports whether s is a more severe band than other.
func (s Status) WorseThan(other Status) bool {
	return s.Rank() > other.Rank()
}

// Valid reports whether s is one of the four bands.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// ParseStatus accepts band names case-insensitively.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Severity is the alert tier.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

// ParseSeverity accepts tier names case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium:
		return s, nil
	}
	return "", fmt.Errorf("unknown severity %q", v)
}

// AlertStatus is the alert lifecycle position.
type AlertStatus string

const (
	AlertPending      AlertStatus = "PENDING"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

// CanTransition reports whether from -> to is a legal forward move.
// PENDING may skip straight to RESOLVED; nothing leaves RESOLVED.
func CanTransition(from, to AlertStatus) bool {
	switch from {
	case AlertPending:
		return to == AlertAcknowledged || to == AlertResolved
	case AlertAcknowledged:
		return to == AlertResolved
	default:
		return false
	}
}

// ParseAlertStatus accepts lifecycle names case-insensitively.
func ParseAlertStatus(v string) (AlertStatus, error) {
	s := AlertStatus(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case AlertPending, AlertAcknowledged, AlertResolved:
		return s, nil
	}
	return "", fmt.Errorf("unknown alert status %q", v)
}
