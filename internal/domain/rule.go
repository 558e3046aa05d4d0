package domain

import "time"

type RuleOp string

const (
	OpBelow   RuleOp = "below"
	OpAbove   RuleOp = "above"
	OpOutside RuleOp = "outside"
)

func (o RuleOp) Valid() bool {
	switch o {
	case OpBelow, OpAbove, OpOutside:
		return true
	default:
		return false
	}
}

// ThresholdRule describes when a metric value counts as breaching for one
// device. Rules are owned by the registry and only change through explicit
// operator action.
type ThresholdRule struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Metric   string `json:"metric"`

	Op    RuleOp  `json:"op"`
	Bound float64 `json:"bound"`
	// UpperBound is only meaningful for OpOutside: breach when the value
	// falls outside [Bound, UpperBound].
	UpperBound float64 `json:"upper_bound,omitempty"`

	// Debounce is how long a breach must persist before alerting.
	// MinReadings is the minimum number of violating readings within that
	// window (at least 2: the one entering the breach plus one confirming).
	Debounce    time.Duration `json:"debounce"`
	MinReadings int           `json:"min_readings"`

	// Cooldown is the minimum time between repeated alert notifications
	// for this rule.
	Cooldown time.Duration `json:"cooldown"`
}

// Violates reports whether value breaches the rule.
func (r *ThresholdRule) Violates(value float64) bool {
	switch r.Op {
	case OpBelow:
		return value < r.Bound
	case OpAbove:
		return value > r.Bound
	case OpOutside:
		return value < r.Bound || value > r.UpperBound
	default:
		return false
	}
}

func (r *ThresholdRule) Validate() error {
	if !ValidDeviceID(r.DeviceID) {
		return Errorf(KindValidation, "invalid device id %q", r.DeviceID)
	}
	if r.Metric == "" {
		return Errorf(KindValidation, "rule metric is required")
	}
	if !r.Op.Valid() {
		return Errorf(KindValidation, "invalid rule op %q", r.Op)
	}
	if r.Op == OpOutside && r.UpperBound <= r.Bound {
		return Errorf(KindValidation, "outside rule needs upper bound > lower bound")
	}
	if r.Debounce < 0 || r.Cooldown < 0 {
		return Errorf(KindValidation, "debounce and cooldown must be non-negative")
	}
	if r.MinReadings < 0 {
		return Errorf(KindValidation, "min readings must be non-negative")
	}
	return nil
}
