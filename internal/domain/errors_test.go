package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := Errorf(KindUnknownDevice, "device %s not registered", "sensor-9")
	if KindOf(err) != KindUnknownDevice {
		t.Errorf("KindOf = %q, want %q", KindOf(err), KindUnknownDevice)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain error should carry no kind")
	}
	if KindOf(nil) != "" {
		t.Error("nil error should carry no kind")
	}
}

func TestWrapErrPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapErr(KindStorageUnavailable, "insert reading", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
	if !IsKind(err, KindStorageUnavailable) {
		t.Errorf("kind = %q, want %q", KindOf(err), KindStorageUnavailable)
	}

	// Kind survives another layer of wrapping.
	outer := fmt.Errorf("submit: %w", err)
	if !IsKind(outer, KindStorageUnavailable) {
		t.Error("kind lost through fmt.Errorf wrapping")
	}
}
