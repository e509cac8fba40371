package domain

import "time"

// AuditEvent names a notarized alert transition.
type AuditEvent string

const (
	EventCreated      AuditEvent = "CREATED"
	EventAcknowledged AuditEvent = "ACKNOWLEDGED"
	EventResolved     AuditEvent = "RESOLVED"
)

// AuditRecord binds one lifecycle transition to its fingerprint.
type AuditRecord struct {
	Event       AuditEvent `json:"event"`
	Fingerprint string     `json:"fingerprint"`
	At          time.Time  `json:"at"`
	AnchorRef   string     `json:"anchor_ref,omitempty"`
}

// Alert is an actionable record about a degraded asset.
type Alert struct {
	ID             string        `json:"id"`
	AssetID        string        `json:"asset_id"`
	Severity       Severity      `json:"severity"`
	Message        string        `json:"message"`
	SHIAtTime      float64       `json:"shi_at_time"`
	Status         AlertStatus   `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	Fingerprint    string        `json:"fingerprint,omitempty"`
	AnchorRef      string        `json:"anchor_ref,omitempty"`
	Audit          []AuditRecord `json:"audit,omitempty"`
}

// Open reports whether the alert has not been resolved.
func (a Alert) Open() bool {
	return a.Status != AlertResolved
}

// Clone returns a deep copy.
func (a Alert) Clone() Alert {
	out := a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	if a.Audit != nil {
		out.Audit = make([]AuditRecord, len(a.Audit))
		copy(out.Audit, a.Audit)
	}
	return out
}

// Snapshot is the asset state bound into an audit fingerprint.
type Snapshot struct {
	AssetID     string  `json:"asset_id"`
	SHI         float64 `json:"shi"`
	Confidence  float64 `json:"confidence"`
	Status      Status  `json:"status"`
	SampleCount int64   `json:"sample_count"`
}
