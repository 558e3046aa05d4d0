package pipeline

import (
	"context"
	"time"

	"soilwatch/internal/domain"
	"soilwatch/internal/logger"
)

// LiveStore caches the latest reading per device for the query fast path
// and publishes it for subscribers. RedisStore implements it.
type LiveStore interface {
	UpdateLiveState(ctx context.Context, r *domain.Reading) error
}

// Broadcaster pushes readings to connected dashboard clients.
type Broadcaster interface {
	BroadcastReading(r *domain.Reading)
}

// LiveWriter mirrors accepted readings into the hot-path state. It
// batches on a short ticker so a burst of submissions does not turn into
// a burst of round trips per reading.
type LiveWriter struct {
	ch   <-chan *domain.Reading
	live LiveStore
	hub  Broadcaster
}

func NewLiveWriter(ch <-chan *domain.Reading, live LiveStore, hub Broadcaster) *LiveWriter {
	return &LiveWriter{ch: ch, live: live, hub: hub}
}

func (w *LiveWriter) Run(ctx context.Context) {
	batch := make([]*domain.Reading, 0, 100)
	ticker := time.NewTicker(50 * time.Millisecond) // 50ms keeps dashboards feeling live
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-w.ch:
			if !ok {
				w.flush(ctx, batch)
				return
			}
			batch = append(batch, r)
			if len(batch) >= 100 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			w.flush(ctx, batch)
			return
		}
	}
}

func (w *LiveWriter) flush(ctx context.Context, batch []*domain.Reading) {
	log := logger.WithComponent("live_writer")
	for _, r := range batch {
		if w.live != nil {
			if err := w.live.UpdateLiveState(ctx, r); err != nil {
				log.Warn().Err(err).Str("device_id", r.DeviceID).Msg("live state update failed")
			}
		}
		if w.hub != nil {
			w.hub.BroadcastReading(r)
		}
	}
}
