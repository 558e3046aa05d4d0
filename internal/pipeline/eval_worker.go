package pipeline

import (
	"context"
	"sync"

	"soilwatch/internal/domain"
	"soilwatch/internal/logger"
	"soilwatch/internal/metrics"
)

// Evaluator is the evaluation engine contract consumed by the workers.
type Evaluator interface {
	HandleReading(ctx context.Context, r *domain.Reading) error
}

// EvalWorkers drains the eval channel into the evaluation engine. Several
// workers run in parallel; the engine serializes per (device, rule) key
// itself, so cross-device readings evaluate concurrently while readings
// for the same key never race.
type EvalWorkers struct {
	ch      <-chan *domain.Reading
	engine  Evaluator
	workers int
	wg      sync.WaitGroup
}

func NewEvalWorkers(ch <-chan *domain.Reading, engine Evaluator, workers int) *EvalWorkers {
	if workers <= 0 {
		workers = 1
	}
	return &EvalWorkers{ch: ch, engine: engine, workers: workers}
}

func (w *EvalWorkers) Run(ctx context.Context) {
	log := logger.WithComponent("eval_worker")
	log.Info().Int("workers", w.workers).Msg("evaluation workers started")

	// Workers exit on channel close only, so readings queued at shutdown
	// are still evaluated once the fanout closes.
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for r := range w.ch {
				if err := w.engine.HandleReading(ctx, r); err != nil {
					metrics.EvalErrors.Inc()
					log.Error().Err(err).
						Str("device_id", r.DeviceID).
						Str("metric", r.Metric).
						Msg("evaluation failed, reading remains stored for reconciliation")
				}
			}
		}()
	}
}

func (w *EvalWorkers) Wait() {
	w.wg.Wait()
}
