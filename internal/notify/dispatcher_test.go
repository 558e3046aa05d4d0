package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"soilwatch/internal/domain"
)

type scriptedSender struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (s *scriptedSender) Send(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, text)
	if s.failures > 0 {
		s.failures--
		return errors.New("telegram: bad gateway")
	}
	return nil
}

type fakeDevices struct {
	muted map[string]bool
	names map[string]string
}

func (f *fakeDevices) IsMuted(deviceID string) bool { return f.muted[deviceID] }

func (f *fakeDevices) DisplayName(deviceID string) string {
	if name, ok := f.names[deviceID]; ok {
		return name
	}
	return deviceID
}

func fireEvent() *domain.Event {
	return &domain.Event{
		ID:       "ev-1",
		Kind:     domain.EventFire,
		DeviceID: "sensor-1",
		Metric:   "moisture",
		Value:    14.2,
		Unit:     "%",
		Rule:     "below 20",
		At:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func testDispatcher(sender Sender, devices Devices) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		Sender:     sender,
		Recipients: []int64{100},
		Devices:    devices,
		QueueSize:  8,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	sender := &scriptedSender{failures: 2}
	d := testDispatcher(sender, &fakeDevices{})

	d.deliver(context.Background(), fireEvent())

	if len(sender.calls) != 3 {
		t.Fatalf("sender called %d times, want 3 (two failures then success)", len(sender.calls))
	}
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	sender := &scriptedSender{failures: 10}
	d := testDispatcher(sender, &fakeDevices{})

	d.deliver(context.Background(), fireEvent())

	if len(sender.calls) != 3 {
		t.Fatalf("sender called %d times, want exactly MaxRetries", len(sender.calls))
	}
}

func TestDeliverSkipsMutedDevice(t *testing.T) {
	sender := &scriptedSender{}
	d := testDispatcher(sender, &fakeDevices{muted: map[string]bool{"sensor-1": true}})

	d.deliver(context.Background(), fireEvent())

	if len(sender.calls) != 0 {
		t.Fatalf("muted device still notified: %v", sender.calls)
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		Sender:    &scriptedSender{},
		QueueSize: 1,
	})

	// Queue holds one event; the rest must drop instead of blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Enqueue(fireEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestFireMessageFormat(t *testing.T) {
	d := testDispatcher(&scriptedSender{}, &fakeDevices{names: map[string]string{"sensor-1": "North Bed"}})

	text := d.format(fireEvent())

	for _, want := range []string{"🚨 ALERT 🚨", "North Bed", "moisture", "14.2 %", "below 20"} {
		if !strings.Contains(text, want) {
			t.Errorf("fire message missing %q:\n%s", want, text)
		}
	}
}

func TestClearMessageFormat(t *testing.T) {
	d := testDispatcher(&scriptedSender{}, &fakeDevices{})

	ev := fireEvent()
	ev.Kind = domain.EventClear
	ev.Value = 25.0
	text := d.format(ev)

	if !strings.Contains(text, "✅ CLEARED") {
		t.Errorf("clear message missing marker:\n%s", text)
	}
	if !strings.Contains(text, "25.0") {
		t.Errorf("clear message missing recovered value:\n%s", text)
	}
}

func TestSendSystemPrefixesInfoMarker(t *testing.T) {
	sender := &scriptedSender{}
	d := testDispatcher(sender, &fakeDevices{})

	d.SendSystem(context.Background(), "soilwatch is up and watching")

	if len(sender.calls) != 1 {
		t.Fatalf("sender called %d times, want 1", len(sender.calls))
	}
	if !strings.HasPrefix(sender.calls[0], "ℹ️ ") {
		t.Errorf("system message missing info marker: %q", sender.calls[0])
	}
}
