package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"soilwatch/internal/domain"
	"soilwatch/internal/logger"
	"soilwatch/internal/metrics"
)

// Sender delivers one text message to one chat. The Telegram sender
// implements it; tests use a fake.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Devices is the slice of the registry the dispatcher needs: mute state
// and display names for message formatting.
type Devices interface {
	IsMuted(deviceID string) bool
	DisplayName(deviceID string) string
}

// AlertPublisher mirrors events to subscribers besides chat (Redis
// pub/sub for dashboards). Optional.
type AlertPublisher interface {
	PublishAlertEvent(ctx context.Context, ev *domain.Event) error
}

type DispatcherConfig struct {
	Sender     Sender
	Recipients []int64
	Devices    Devices
	Publisher  AlertPublisher
	QueueSize  int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Dispatcher delivers alert events to operator chats asynchronously.
// Enqueue never blocks the evaluation path; delivery retries with
// exponential backoff and bounded attempts. Permanent delivery failure
// is logged and counted but never rolls back an alert state: the
// condition is real whether or not anybody was told.
type Dispatcher struct {
	cfg   DispatcherConfig
	queue chan *domain.Event
	log   zerolog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	return &Dispatcher{
		cfg:   cfg,
		queue: make(chan *domain.Event, cfg.QueueSize),
		log:   logger.WithComponent("dispatcher"),
	}
}

// Enqueue hands an event over for delivery without blocking. A full
// queue drops the event; the drop is counted and logged so the episode
// can be reconciled from the persisted alert state.
func (d *Dispatcher) Enqueue(ev *domain.Event) {
	select {
	case d.queue <- ev:
	default:
		metrics.NotificationsSent.WithLabelValues("dropped").Inc()
		d.log.Error().
			Str("event_id", ev.ID).
			Str("device_id", ev.DeviceID).
			Str("kind", string(ev.Kind)).
			Msg("notification queue full, event dropped")
	}
}

// Run consumes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(ctx, ev)

		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev *domain.Event) {
	if d.cfg.Publisher != nil {
		if err := d.cfg.Publisher.PublishAlertEvent(ctx, ev); err != nil {
			d.log.Warn().Err(err).Str("event_id", ev.ID).Msg("alert publish failed")
		}
	}

	if d.cfg.Devices != nil && d.cfg.Devices.IsMuted(ev.DeviceID) {
		metrics.NotificationsSent.WithLabelValues("muted").Inc()
		d.log.Info().
			Str("event_id", ev.ID).
			Str("device_id", ev.DeviceID).
			Str("kind", string(ev.Kind)).
			Msg("device muted, notification suppressed")
		return
	}

	text := d.format(ev)
	for _, chatID := range d.cfg.Recipients {
		d.sendWithRetry(ctx, chatID, text, ev)
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, chatID int64, text string, ev *domain.Event) {
	delay := d.cfg.BaseDelay
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		err := d.cfg.Sender.Send(ctx, chatID, text)
		if err == nil {
			metrics.NotificationsSent.WithLabelValues("sent").Inc()
			return
		}

		d.log.Warn().Err(err).
			Int64("chat_id", chatID).
			Str("event_id", ev.ID).
			Int("attempt", attempt).
			Msg("notification send failed")

		if attempt == d.cfg.MaxRetries {
			break
		}
		metrics.NotifyRetries.Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			metrics.NotificationsSent.WithLabelValues("failed").Inc()
			return
		}
		delay *= 2
		if delay > d.cfg.MaxDelay {
			delay = d.cfg.MaxDelay
		}
	}

	metrics.NotificationsSent.WithLabelValues("failed").Inc()
	d.log.Error().
		Int64("chat_id", chatID).
		Str("event_id", ev.ID).
		Str("device_id", ev.DeviceID).
		Msg("notification permanently failed, alert state unchanged")
}

// SendSystem pushes a plain operational message (startup notice and the
// like) to every recipient, single attempt.
func (d *Dispatcher) SendSystem(ctx context.Context, text string) {
	for _, chatID := range d.cfg.Recipients {
		if err := d.cfg.Sender.Send(ctx, chatID, "ℹ️ "+text); err != nil {
			d.log.Warn().Err(err).Int64("chat_id", chatID).Msg("system message send failed")
		}
	}
}

func (d *Dispatcher) format(ev *domain.Event) string {
	name := ev.DeviceID
	if d.cfg.Devices != nil {
		name = d.cfg.Devices.DisplayName(ev.DeviceID)
	}

	unit := ev.Unit
	if unit != "" {
		unit = " " + unit
	}
	at := ev.At.UTC().Format("2006-01-02 15:04 UTC")

	switch ev.Kind {
	case domain.EventFire:
		return fmt.Sprintf("🚨 ALERT 🚨\n\nDevice: %s\n%s is %.1f%s (%s)\nSince: %s",
			name, ev.Metric, ev.Value, unit, ev.Rule, at)
	case domain.EventClear:
		return fmt.Sprintf("✅ CLEARED\n\nDevice: %s\n%s back to %.1f%s (was %s)\nAt: %s",
			name, ev.Metric, ev.Value, unit, ev.Rule, at)
	default:
		return fmt.Sprintf("Device %s: %s %s = %.1f%s", name, ev.Kind, ev.Metric, ev.Value, unit)
	}
}
