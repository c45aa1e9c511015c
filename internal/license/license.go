package license

import (
	"math"
	"strings"
	"time"
)

// Status represents the lifecycle state of a license.
// Transitions are monotonic: pending -> active -> expired. No transition reverses.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// SecondsPerDay is the fixed day length used for days_remaining math.
const SecondsPerDay = 86400

// Metadata holds the client-reported device attributes stored alongside a
// binding. Every field is independently optional; merges are per-field and
// never overwrite a stored value with an absent one.
type Metadata struct {
	SystemVersion *string `json:"device_systemVersion,omitempty"`
	Model         *string `json:"device_model,omitempty"`
	IDFV          *string `json:"device_IDFV,omitempty"`
	SerialNumber  *string `json:"device_serialNumber,omitempty"`
	UUID          *string `json:"device_UUID,omitempty"`
	MACAddress    *string `json:"device_macAddress,omitempty"`
}

// Merge applies incoming metadata over m with COALESCE semantics: a provided
// incoming field replaces the stored one, an absent field leaves it untouched.
// Concurrent merges are commutative per field.
func (m *Metadata) Merge(in Metadata) {
	if in.SystemVersion != nil {
		m.SystemVersion = in.SystemVersion
	}
	if in.Model != nil {
		m.Model = in.Model
	}
	if in.IDFV != nil {
		m.IDFV = in.IDFV
	}
	if in.SerialNumber != nil {
		m.SerialNumber = in.SerialNumber
	}
	if in.UUID != nil {
		m.UUID = in.UUID
	}
	if in.MACAddress != nil {
		m.MACAddress = in.MACAddress
	}
}

// License is one row of the licenses table: a single-use code bound to at
// most one device for a fixed validity window.
type License struct {
	Code              string     `json:"code"`
	Status            Status     `json:"status"`
	DeviceID          *string    `json:"device_id,omitempty"`
	DeviceFingerprint *string    `json:"device_fingerprint,omitempty"`
	Metadata          Metadata   `json:"metadata"`
	LastIP            *string    `json:"last_ip,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ExpiredAt reports whether the license validity window has passed at the
// given instant. The boundary itself is still valid: expiry begins strictly
// after expires_at.
func (l *License) ExpiredAt(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// BoundTo reports whether the license is bound to the device with the given
// fingerprint. Unbound licenses match nothing.
func (l *License) BoundTo(fingerprint string) bool {
	return l.DeviceFingerprint != nil && *l.DeviceFingerprint == fingerprint
}

// CanonicalCode normalizes a client-supplied license code to its stored form:
// surrounding whitespace stripped, uppercased.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// DaysRemaining returns ceil((expiresAt - now) / 86400s): 0 exactly at
// expiry, 1 one second before. Callers are expected to have rejected already
// expired licenses, but a past expiresAt still yields a non-positive count
// rather than panicking.
func DaysRemaining(expiresAt, now time.Time) int {
	return int(math.Ceil(expiresAt.Sub(now).Seconds() / SecondsPerDay))
}
