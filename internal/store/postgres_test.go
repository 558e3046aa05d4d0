package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"soilwatch/internal/config"
	"soilwatch/internal/domain"
)

// These tests need a provisioned TimescaleDB (scripts/init_db) and are
// skipped otherwise. Set SOILWATCH_TEST_DB=1 to run them.
func testStore(t *testing.T) *PostgresStore {
	t.Helper()
	if os.Getenv("SOILWATCH_TEST_DB") == "" {
		t.Skip("SOILWATCH_TEST_DB not set")
	}
	s, err := NewPostgresStore(context.Background(), config.Load())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testReading(deviceID string, seq int64) *domain.Reading {
	now := time.Now().UTC()
	return &domain.Reading{
		DeviceID:   deviceID,
		Metric:     "moisture",
		Value:      17.5,
		Unit:       "%",
		DeviceTime: now,
		ReceivedAt: now,
		Seq:        seq,
	}
}

func TestAppendReadingSeqDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	deviceID := fmt.Sprintf("dedup-test-%d", time.Now().UnixNano())

	inserted, err := s.AppendReading(ctx, testReading(deviceID, 7))
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if !inserted {
		t.Fatal("first append: expected inserted=true")
	}

	// Same (device, metric, seq) again: no new row, no error.
	retry := testReading(deviceID, 7)
	retry.Value = 99.0
	inserted, err = s.AppendReading(ctx, retry)
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if inserted {
		t.Fatal("duplicate append: expected inserted=false")
	}

	got, err := s.LatestReading(ctx, deviceID, "moisture")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.Value != 17.5 {
		t.Errorf("latest value = %v, want the first submission's 17.5", got.Value)
	}

	// A different seq is a new reading.
	inserted, err = s.AppendReading(ctx, testReading(deviceID, 8))
	if err != nil {
		t.Fatalf("next seq append: %v", err)
	}
	if !inserted {
		t.Fatal("next seq append: expected inserted=true")
	}
}

func TestAppendReadingWithoutSeqNeverDeduplicates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	deviceID := fmt.Sprintf("noseq-test-%d", time.Now().UnixNano())

	for i := 0; i < 2; i++ {
		inserted, err := s.AppendReading(ctx, testReading(deviceID, 0))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if !inserted {
			t.Fatalf("append %d: expected inserted=true", i)
		}
	}

	all, err := s.LatestReadings(ctx, deviceID)
	if err != nil {
		t.Fatalf("latest readings: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("latest readings = %d metrics, want 1", len(all))
	}
}
