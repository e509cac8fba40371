package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSample marks malformed or out-of-range sensor input.
	ErrInvalidSample = errors.New("invalid sample")
	// ErrUnknownAsset marks an identifier that does not resolve to a provisioned asset.
	ErrUnknownAsset = errors.New("unknown asset")
	// ErrInvalidTransition marks an illegal alert lifecycle change.
	ErrInvalidTransition = errors.New("invalid alert transition")
	// ErrAlertNotFound marks an alert identifier the engine never issued.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrNotarizationUnavailable marks an unreachable anchoring transport.
	ErrNotarizationUnavailable = errors.New("notarization unavailable")
	// ErrEngineClosed is returned once shutdown has started.
	ErrEngineClosed = errors.New("engine closed")
	// ErrAssetExists is returned when provisioning an id twice.
	ErrAssetExists = errors.New("asset already registered")
	// ErrInvalidSignature marks a non-positive baseline frequency or amplitude.
	ErrInvalidSignature = errors.New("invalid baseline signature")
)

// Reason codes reported at the ingestion boundary.
const (
	ReasonMalformed        = "malformed"
	ReasonMissingDevice    = "missing_device"
	ReasonMissingAsset     = "missing_asset"
	ReasonUnknownAsset     = "unknown_asset"
	ReasonInvalidFrequency = "invalid_frequency"
	ReasonInvalidAmplitude = "invalid_amplitude"
	ReasonInvalidLocation  = "invalid_location"
	ReasonClockSkew        = "clock_skew"
	ReasonStaleSample      = "stale_sample"
	ReasonEngineClosed     = "engine_closed"
	ReasonInternal         = "internal_error"
)

// SampleError describes why a sample was rejected.
type SampleError struct {
	Code   string
	Detail string
	cause  error
}

// NewSampleError builds a rejection; cause may be nil.
func NewSampleError(code, detail string, cause error) *SampleError {
	return &SampleError{Code: code, Detail: detail, cause: cause}
}

func (e *SampleError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid sample: %s", e.Code)
	}
	return fmt.Sprintf("invalid sample: %s: %s", e.Code, e.Detail)
}

// Unwrap exposes ErrInvalidSample and, when present, the underlying cause.
func (e *SampleError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrInvalidSample}
	}
	return []error{ErrInvalidSample, e.cause}
}

// ReasonCode extracts the rejection code carried by err.
func ReasonCode(err error) string {
	var se *SampleError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrUnknownAsset):
		return ReasonUnknownAsset
	case errors.Is(err, ErrEngineClosed):
		return ReasonEngineClosed
	default:
		return ReasonInternal
	}
}
