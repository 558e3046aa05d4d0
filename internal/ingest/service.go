package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"soilwatch/internal/domain"
	"soilwatch/internal/logger"
	"soilwatch/internal/metrics"
)

// ReadingStore is the durable append-only log contract.
type ReadingStore interface {
	AppendReading(ctx context.Context, r *domain.Reading) (inserted bool, err error)
}

// Registry resolves and auto-creates devices for incoming readings.
type Registry interface {
	EnsureDevice(ctx context.Context, id, metric string) (*domain.Device, error)
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

// Forwarder hands an accepted reading to the downstream pipeline
// (evaluation, live state). Forwarding failures never fail the
// submission: the reading is already durable.
type Forwarder interface {
	Forward(r *domain.Reading)
}

// Submission is one reading submission over the ingestion boundary.
type Submission struct {
	DeviceID   string    `json:"device_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	DeviceTime time.Time `json:"device_time"`
	Seq        int64     `json:"seq,omitempty"`
}

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
)

type Result struct {
	Status  Status
	Reading *domain.Reading
}

// Service validates submissions, writes them durably, and forwards
// accepted readings downstream. The durable write always precedes
// evaluation: a reading that was never stored must never alert.
type Service struct {
	store    ReadingStore
	registry Registry
	forward  Forwarder
	maxSkew  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(store ReadingStore, registry Registry, forward Forwarder, maxSkew time.Duration) *Service {
	return &Service{
		store:    store,
		registry: registry,
		forward:  forward,
		maxSkew:  maxSkew,
		now:      time.Now,
		log:      logger.WithComponent("ingest"),
	}
}

// Submit processes one reading submission.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Result, error) {
	now := s.now().UTC()
	r := &domain.Reading{
		DeviceID:   sub.DeviceID,
		Metric:     sub.Metric,
		Value:      sub.Value,
		Unit:       sub.Unit,
		DeviceTime: sub.DeviceTime,
		ReceivedAt: now,
		Seq:        sub.Seq,
	}

	if err := r.Validate(now, s.maxSkew); err != nil {
		metrics.ReadingsTotal.WithLabelValues(string(domain.KindValidation)).Inc()
		return nil, err
	}

	device, err := s.registry.EnsureDevice(ctx, r.DeviceID, r.Metric)
	if err != nil {
		metrics.ReadingsTotal.WithLabelValues(string(domain.KindOf(err))).Inc()
		return nil, err
	}
	if !device.Active {
		metrics.ReadingsTotal.WithLabelValues(string(domain.KindValidation)).Inc()
		return nil, domain.Errorf(domain.KindValidation, "device %s is deactivated", r.DeviceID)
	}
	// Pending devices haven't had their type confirmed, so any metric is
	// provisionally accepted until an operator sorts them out.
	if !device.Pending && !device.Type.Recognizes(r.Metric) {
		metrics.ReadingsTotal.WithLabelValues(string(domain.KindValidation)).Inc()
		return nil, domain.Errorf(domain.KindValidation,
			"metric %q is not recognized for device type %s", r.Metric, device.Type)
	}

	inserted, err := s.store.AppendReading(ctx, r)
	if err != nil {
		metrics.ReadingsTotal.WithLabelValues(string(domain.KindStorageUnavailable)).Inc()
		return nil, err
	}
	if !inserted {
		// Same (device, metric, seq) seen before: idempotent no-op, no
		// second row and no second evaluation.
		metrics.ReadingsTotal.WithLabelValues(string(domain.KindDuplicate)).Inc()
		s.log.Debug().
			Str("device_id", r.DeviceID).
			Str("metric", r.Metric).
			Int64("seq", r.Seq).
			Msg("duplicate submission ignored")
		return &Result{Status: StatusDuplicate, Reading: r}, nil
	}

	// The reading is durable from here on. Everything below is
	// best-effort and must not fail the submission.
	if err := s.registry.TouchLastSeen(ctx, r.DeviceID, now); err != nil {
		s.log.Warn().Err(err).Str("device_id", r.DeviceID).Msg("failed to update last seen")
	}
	s.forward.Forward(r)

	metrics.ReadingsTotal.WithLabelValues("accepted").Inc()
	return &Result{Status: StatusAccepted, Reading: r}, nil
}
