package pipeline

import (
	"github.com/rs/zerolog"

	"soilwatch/internal/domain"
	"soilwatch/internal/logger"
	"soilwatch/internal/metrics"
)

// Fanout distributes accepted readings to the downstream consumers over
// buffered channels. Dispatch never blocks the ingestion path: when a
// consumer falls behind its channel drops, and the drop is counted for
// reconciliation.
type Fanout struct {
	EvalChan chan *domain.Reading
	LiveChan chan *domain.Reading
	log      zerolog.Logger
}

func NewFanout(evalSize, liveSize int) *Fanout {
	return &Fanout{
		EvalChan: make(chan *domain.Reading, evalSize),
		LiveChan: make(chan *domain.Reading, liveSize),
		log:      logger.WithComponent("fanout"),
	}
}

func (f *Fanout) Forward(r *domain.Reading) {
	select {
	case f.EvalChan <- r:
	default:
		metrics.ChannelDrops.WithLabelValues("eval").Inc()
		f.log.Warn().
			Str("device_id", r.DeviceID).
			Str("metric", r.Metric).
			Msg("eval channel full, reading stored but not evaluated")
	}

	select {
	case f.LiveChan <- r:
	default:
		metrics.ChannelDrops.WithLabelValues("live").Inc()
	}
}

// Close releases the consumers once ingestion has stopped.
func (f *Fanout) Close() {
	close(f.EvalChan)
	close(f.LiveChan)
}
