package domain

import "time"

type AlertStatus string

const (
	StatusNormal    AlertStatus = "NORMAL"
	StatusBreaching AlertStatus = "BREACHING"
	StatusAlerted   AlertStatus = "ALERTED"
)

// AlertState is the per-(device, rule) evaluation state. It is the only
// mutable state gating notification emission and it is persisted so a
// restart neither re-alerts nor silently drops an active alert.
type AlertState struct {
	DeviceID string      `json:"device_id"`
	RuleID   string      `json:"rule_id"`
	Status   AlertStatus `json:"status"`

	// Since is when the current status was entered.
	Since time.Time `json:"since"`

	// BreachCount counts violating readings since entering BREACHING,
	// including the one that entered it.
	BreachCount int `json:"breach_count"`

	// LastNotifiedAt is when a fire notification was last dispatched for
	// this rule; it anchors the cooldown.
	LastNotifiedAt time.Time `json:"last_notified_at"`

	// Notified records whether the current ALERTED episode was actually
	// dispatched. A clear is only announced when its fire was.
	Notified bool `json:"notified"`

	UpdatedAt time.Time `json:"updated_at"`
}

type EventKind string

const (
	EventFire  EventKind = "fire"
	EventClear EventKind = "clear"
)

// Event is an alert transition the dispatcher must deliver to operators.
type Event struct {
	ID       string    `json:"id"`
	Kind     EventKind `json:"kind"`
	DeviceID string    `json:"device_id"`
	RuleID   string    `json:"rule_id"`
	Metric   string    `json:"metric"`
	Value    float64   `json:"value"`
	Unit     string    `json:"unit,omitempty"`
	Rule     string    `json:"rule,omitempty"`
	At       time.Time `json:"at"`
}
