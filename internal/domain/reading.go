package domain

import (
	"math"
	"time"
)

// Reading is a single sensor measurement. Readings are append-only: once
// stored they are never mutated or deleted.
type Reading struct {
	DeviceID string  `json:"device_id"`
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit,omitempty"`

	// DeviceTime is the device-supplied clock, ReceivedAt the server
	// clock. Both are retained because device clocks drift.
	DeviceTime time.Time `json:"device_time"`
	ReceivedAt time.Time `json:"received_at"`

	// Seq is an optional device-assigned sequence number used for
	// duplicate detection. Zero means "not supplied".
	Seq int64 `json:"seq,omitempty"`
}

const maxDeviceIDLen = 64

// ValidDeviceID reports whether id is a plausible device identifier:
// non-empty, bounded, and limited to [a-zA-Z0-9._-].
func ValidDeviceID(id string) bool {
	if id == "" || len(id) > maxDeviceIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// Validate checks the reading against ingestion rules. maxSkew bounds how
// far in the future the device clock may run relative to now.
func (r *Reading) Validate(now time.Time, maxSkew time.Duration) error {
	if !ValidDeviceID(r.DeviceID) {
		return Errorf(KindValidation, "invalid device id %q", r.DeviceID)
	}
	if r.Metric == "" {
		return Errorf(KindValidation, "metric is required")
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return Errorf(KindValidation, "value must be finite")
	}
	if r.DeviceTime.IsZero() {
		return Errorf(KindValidation, "device timestamp is required")
	}
	if r.DeviceTime.After(now.Add(maxSkew)) {
		return Errorf(KindValidation, "device timestamp %s is too far in the future", r.DeviceTime.Format(time.RFC3339))
	}
	if r.Seq < 0 {
		return Errorf(KindValidation, "sequence number must be non-negative")
	}
	return nil
}
