package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"soilwatch/internal/domain"
	"soilwatch/internal/logger"
	"soilwatch/internal/metrics"
)

// Store is the persistence contract the registry needs. PostgresStore
// implements it; tests supply an in-memory fake.
type Store interface {
	GetDevice(ctx context.Context, id string) (*domain.Device, error)
	ListDevices(ctx context.Context) ([]domain.Device, error)
	UpsertDevice(ctx context.Context, d *domain.Device) error
	TouchLastSeen(ctx context.Context, id string, at time.Time) error

	ListAllRules(ctx context.Context) ([]domain.ThresholdRule, error)
	AddRule(ctx context.Context, r *domain.ThresholdRule) error
	DeleteRule(ctx context.Context, deviceID, ruleID string) error
}

// Registry maps device ids to metadata and threshold rules. Reads are
// served from an in-memory cache warmed at startup; writes go through the
// store and update the cache under a per-device lock so interleaved
// operator edits cannot clobber each other.
type Registry struct {
	store        Store
	autoRegister bool
	now          func() time.Time
	log          zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*domain.Device
	rules   map[string][]domain.ThresholdRule // by device id

	writeLocks sync.Map // device id -> *sync.Mutex
}

func New(store Store, autoRegister bool) *Registry {
	return &Registry{
		store:        store,
		autoRegister: autoRegister,
		now:          time.Now,
		log:          logger.WithComponent("registry"),
		devices:      make(map[string]*domain.Device),
		rules:        make(map[string][]domain.ThresholdRule),
	}
}

// Load warms the cache from the store. Called once at startup.
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	rules, err := r.store.ListAllRules(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]*domain.Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.devices[d.ID] = &d
	}
	r.rules = make(map[string][]domain.ThresholdRule)
	for _, rule := range rules {
		r.rules[rule.DeviceID] = append(r.rules[rule.DeviceID], rule)
	}

	r.log.Info().
		Int("devices", len(devices)).
		Int("rules", len(rules)).
		Msg("registry loaded")
	return nil
}

func (r *Registry) lockDevice(id string) func() {
	raw, _ := r.writeLocks.LoadOrStore(id, &sync.Mutex{})
	mu := raw.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Get returns the cached device, or KindNotFound.
func (r *Registry) Get(id string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "device %s not found", id)
	}
	cp := *d
	return &cp, nil
}

func (r *Registry) List() []domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// inferType guesses a device type from the first metric a self-registered
// device reports. Pending devices carry the guess until an operator
// confirms or corrects it.
func inferType(metric string) domain.DeviceType {
	switch metric {
	case "pm25", "pm10", "co2", "temperature", "humidity":
		return domain.DeviceAirQuality
	case "power_watts", "on":
		return domain.DeviceApplianceStatus
	default:
		return domain.DeviceSoilMoisture
	}
}

// EnsureDevice returns the device for an incoming reading, auto-creating
// a pending record on first sighting when auto-registration is enabled.
// Valid telemetry is never discarded while the registry catches up.
func (r *Registry) EnsureDevice(ctx context.Context, id, metric string) (*domain.Device, error) {
	if d, err := r.Get(id); err == nil {
		return d, nil
	}

	if !r.autoRegister {
		return nil, domain.Errorf(domain.KindUnknownDevice, "device %s is not registered", id)
	}

	unlock := r.lockDevice(id)
	defer unlock()

	// Re-check under the lock: a concurrent submission may have won.
	if d, err := r.Get(id); err == nil {
		return d, nil
	}

	now := r.now().UTC()
	d := &domain.Device{
		ID:         id,
		Type:       inferType(metric),
		Name:       id,
		Pending:    true,
		Active:     true,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := r.store.UpsertDevice(ctx, d); err != nil {
		return nil, err
	}
	r.cacheDevice(d)

	metrics.DevicesAutoRegistered.Inc()
	r.log.Info().
		Str("device_id", id).
		Str("type", string(d.Type)).
		Str("metric", metric).
		Msg("device auto-registered as pending")

	cp := *d
	return &cp, nil
}

// Create registers a device explicitly (operator action). The device
// starts confirmed, not pending.
func (r *Registry) Create(ctx context.Context, d *domain.Device) error {
	if !domain.ValidDeviceID(d.ID) {
		return domain.Errorf(domain.KindValidation, "invalid device id %q", d.ID)
	}
	if !d.Type.Valid() {
		return domain.Errorf(domain.KindValidation, "invalid device type %q", d.Type)
	}

	unlock := r.lockDevice(d.ID)
	defer unlock()

	if _, err := r.Get(d.ID); err == nil {
		return domain.Errorf(domain.KindValidation, "device %s already exists", d.ID)
	}

	now := r.now().UTC()
	if d.Name == "" {
		d.Name = d.ID
	}
	d.Pending = false
	d.Active = true
	d.CreatedAt = now
	d.LastSeenAt = now

	if err := r.store.UpsertDevice(ctx, d); err != nil {
		return err
	}
	r.cacheDevice(d)
	return nil
}

// Deactivate soft-deletes a device. Historical readings stay attributable.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	return r.updateDevice(ctx, id, func(d *domain.Device) {
		d.Active = false
	})
}

func (r *Registry) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Errorf(domain.KindValidation, "new name is required")
	}
	return r.updateDevice(ctx, id, func(d *domain.Device) {
		d.Name = name
		d.Pending = false
	})
}

func (r *Registry) SetMuted(ctx context.Context, id string, muted bool) error {
	return r.updateDevice(ctx, id, func(d *domain.Device) {
		d.Muted = muted
	})
}

// IsMuted is the dispatcher's pre-delivery check. Unknown devices are not
// muted.
func (r *Registry) IsMuted(deviceID string) bool {
	d, err := r.Get(deviceID)
	return err == nil && d.Muted
}

// DisplayName returns the operator-facing name for a device, falling
// back to the raw id.
func (r *Registry) DisplayName(deviceID string) string {
	d, err := r.Get(deviceID)
	if err != nil || d.Name == "" {
		return deviceID
	}
	return d.Name
}

func (r *Registry) updateDevice(ctx context.Context, id string, mutate func(*domain.Device)) error {
	unlock := r.lockDevice(id)
	defer unlock()

	d, err := r.Get(id)
	if err != nil {
		return err
	}
	mutate(d)
	if err := r.store.UpsertDevice(ctx, d); err != nil {
		return err
	}
	r.cacheDevice(d)
	return nil
}

// TouchLastSeen records device liveness on an accepted reading. Failures
// only cost staleness reporting, so the error is the caller's to log.
func (r *Registry) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	if err := r.store.TouchLastSeen(ctx, id, at); err != nil {
		return err
	}
	r.mu.Lock()
	if d, ok := r.devices[id]; ok && at.After(d.LastSeenAt) {
		d.LastSeenAt = at
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) cacheDevice(d *domain.Device) {
	cp := *d
	r.mu.Lock()
	r.devices[cp.ID] = &cp
	r.mu.Unlock()
}

// ── Rules ───────────────────────────────────────────────────

// RulesFor returns the device's rules for one metric. Called on every
// evaluated reading, so it serves from cache.
func (r *Registry) RulesFor(deviceID, metric string) []domain.ThresholdRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ThresholdRule
	for _, rule := range r.rules[deviceID] {
		if rule.Metric == metric {
			out = append(out, rule)
		}
	}
	return out
}

func (r *Registry) Rules(deviceID string) []domain.ThresholdRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.ThresholdRule(nil), r.rules[deviceID]...)
}

func (r *Registry) AddRule(ctx context.Context, rule *domain.ThresholdRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	unlock := r.lockDevice(rule.DeviceID)
	defer unlock()

	if _, err := r.Get(rule.DeviceID); err != nil {
		return err
	}
	if err := r.store.AddRule(ctx, rule); err != nil {
		return err
	}

	r.mu.Lock()
	r.rules[rule.DeviceID] = append(r.rules[rule.DeviceID], *rule)
	r.mu.Unlock()

	r.log.Info().
		Str("device_id", rule.DeviceID).
		Str("rule_id", rule.ID).
		Str("metric", rule.Metric).
		Str("op", string(rule.Op)).
		Float64("bound", rule.Bound).
		Msg("threshold rule added")
	return nil
}

func (r *Registry) RemoveRule(ctx context.Context, deviceID, ruleID string) error {
	unlock := r.lockDevice(deviceID)
	defer unlock()

	if err := r.store.DeleteRule(ctx, deviceID, ruleID); err != nil {
		return err
	}

	r.mu.Lock()
	rules := r.rules[deviceID]
	for i, rule := range rules {
		if rule.ID == ruleID {
			r.rules[deviceID] = append(rules[:i], rules[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return nil
}
