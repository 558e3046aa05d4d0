package domain

import (
	"testing"
	"time"
)

func TestViolates(t *testing.T) {
	tests := []struct {
		name  string
		rule  ThresholdRule
		value float64
		want  bool
	}{
		{"below breaches under bound", ThresholdRule{Op: OpBelow, Bound: 20}, 15, true},
		{"below exact bound is fine", ThresholdRule{Op: OpBelow, Bound: 20}, 20, false},
		{"below above bound is fine", ThresholdRule{Op: OpBelow, Bound: 20}, 25, false},
		{"above breaches over bound", ThresholdRule{Op: OpAbove, Bound: 80}, 90, true},
		{"above exact bound is fine", ThresholdRule{Op: OpAbove, Bound: 80}, 80, false},
		{"outside breaches under range", ThresholdRule{Op: OpOutside, Bound: 10, UpperBound: 30}, 5, true},
		{"outside breaches over range", ThresholdRule{Op: OpOutside, Bound: 10, UpperBound: 30}, 35, true},
		{"outside inside range is fine", ThresholdRule{Op: OpOutside, Bound: 10, UpperBound: 30}, 20, false},
		{"outside range edges are fine", ThresholdRule{Op: OpOutside, Bound: 10, UpperBound: 30}, 10, false},
		{"unknown op never breaches", ThresholdRule{Op: "between", Bound: 10}, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Violates(tt.value); got != tt.want {
				t.Errorf("Violates(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestRuleValidate(t *testing.T) {
	valid := ThresholdRule{
		ID:       "r1",
		DeviceID: "sensor-1",
		Metric:   "soil_moisture",
		Op:       OpBelow,
		Bound:    20,
		Debounce: 10 * time.Minute,
		Cooldown: time.Hour,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ThresholdRule)
	}{
		{"empty device id", func(r *ThresholdRule) { r.DeviceID = "" }},
		{"empty metric", func(r *ThresholdRule) { r.Metric = "" }},
		{"bad op", func(r *ThresholdRule) { r.Op = "near" }},
		{"outside with inverted range", func(r *ThresholdRule) { r.Op = OpOutside; r.UpperBound = r.Bound - 1 }},
		{"negative debounce", func(r *ThresholdRule) { r.Debounce = -time.Second }},
		{"negative cooldown", func(r *ThresholdRule) { r.Cooldown = -time.Second }},
		{"negative min readings", func(r *ThresholdRule) { r.MinReadings = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := valid
			tt.mutate(&rule)
			err := rule.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !IsKind(err, KindValidation) {
				t.Errorf("error kind = %q, want %q", KindOf(err), KindValidation)
			}
		})
	}
}
