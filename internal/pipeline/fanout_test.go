package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"soilwatch/internal/domain"
)

func testReading(id string) *domain.Reading {
	return &domain.Reading{
		DeviceID:   id,
		Metric:     "moisture",
		Value:      42,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestForwardNeverBlocks(t *testing.T) {
	f := NewFanout(1, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			f.Forward(testReading("probe-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward blocked on full channels")
	}

	// The first reading made it onto each channel, the rest dropped.
	if len(f.EvalChan) != 1 || len(f.LiveChan) != 1 {
		t.Errorf("channel depths = %d/%d, want 1/1", len(f.EvalChan), len(f.LiveChan))
	}
}

type countingEvaluator struct {
	mu      sync.Mutex
	handled []string
}

func (c *countingEvaluator) HandleReading(_ context.Context, r *domain.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled = append(c.handled, r.DeviceID)
	return nil
}

func TestEvalWorkersDrainUntilClose(t *testing.T) {
	f := NewFanout(16, 16)
	eval := &countingEvaluator{}
	workers := NewEvalWorkers(f.EvalChan, eval, 3)
	workers.Run(context.Background())

	for i := 0; i < 8; i++ {
		f.Forward(testReading("probe-1"))
	}
	f.Close()
	workers.Wait()

	eval.mu.Lock()
	defer eval.mu.Unlock()
	if len(eval.handled) != 8 {
		t.Errorf("handled %d readings, want 8", len(eval.handled))
	}
}

func TestEvalWorkersDrainQueuedReadingsAfterCancel(t *testing.T) {
	f := NewFanout(16, 16)
	eval := &countingEvaluator{}
	workers := NewEvalWorkers(f.EvalChan, eval, 2)

	ctx, cancel := context.WithCancel(context.Background())
	workers.Run(ctx)

	for i := 0; i < 8; i++ {
		f.Forward(testReading("probe-2"))
	}

	// Cancellation must not abandon readings already queued; workers
	// stop only once the channel closes.
	cancel()
	f.Close()
	workers.Wait()

	eval.mu.Lock()
	defer eval.mu.Unlock()
	if len(eval.handled) != 8 {
		t.Errorf("handled %d readings after cancel, want 8", len(eval.handled))
	}
}
