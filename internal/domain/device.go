package domain

import "time"

type DeviceType string

const (
	DeviceSoilMoisture    DeviceType = "soil-moisture"
	DeviceAirQuality      DeviceType = "air-quality"
	DeviceApplianceStatus DeviceType = "appliance-status"
)

func (t DeviceType) Valid() bool {
	switch t {
	case DeviceSoilMoisture, DeviceAirQuality, DeviceApplianceStatus:
		return true
	default:
		return false
	}
}

// recognizedMetrics lists the metric names a device of a given type may
// report. Readings for other metrics are rejected at ingestion.
var recognizedMetrics = map[DeviceType]map[string]bool{
	DeviceSoilMoisture: {
		"moisture":        true,
		"raw_value":       true,
		"battery_voltage": true,
	},
	DeviceAirQuality: {
		"pm25":            true,
		"pm10":            true,
		"co2":             true,
		"temperature":     true,
		"humidity":        true,
		"battery_voltage": true,
	},
	DeviceApplianceStatus: {
		"power_watts":     true,
		"on":              true,
		"battery_voltage": true,
	},
}

func (t DeviceType) Recognizes(metric string) bool {
	return recognizedMetrics[t][metric]
}

type Device struct {
	ID       string     `json:"id"`
	Type     DeviceType `json:"type"`
	Name     string     `json:"name"`
	Location string     `json:"location,omitempty"`

	// Pending marks a device that auto-registered on first reading and
	// has not been confirmed by an operator yet.
	Pending bool `json:"pending"`

	// Active is the soft lifecycle flag. Deactivated devices keep their
	// historical readings attributable; they are never hard-deleted.
	Active bool `json:"active"`

	// Muted suppresses notification delivery for this device. Alert
	// state transitions still happen while muted.
	Muted bool `json:"muted"`

	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
