package evaluate

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"soilwatch/internal/domain"
	"soilwatch/internal/logger"
	"soilwatch/internal/metrics"
)

// StateStore persists per-(device, rule) alert states. Get returns
// KindNotFound for a pair that has never been evaluated.
type StateStore interface {
	GetAlertState(ctx context.Context, deviceID, ruleID string) (*domain.AlertState, error)
	SaveAlertState(ctx context.Context, st *domain.AlertState) error
}

// RuleSource supplies the threshold rules matching a device metric.
type RuleSource interface {
	RulesFor(deviceID, metric string) []domain.ThresholdRule
}

// Dispatcher receives fire/clear events for delivery. Enqueue must not
// block: notification delivery runs on its own failure budget.
type Dispatcher interface {
	Enqueue(ev *domain.Event)
}

// Engine drives the per-(device, rule) alert state machine:
//
//	NORMAL -> BREACHING   value violates the rule (no notification)
//	BREACHING -> ALERTED  violation persisted past the debounce window,
//	                      confirmed by a further violating reading
//	BREACHING -> NORMAL   recovery before debounce elapsed (noise)
//	ALERTED -> NORMAL     recovery, clear notification
//
// State is read from and written back to the store on every evaluation,
// so a restart resumes exactly where the last reading left off. A
// per-key mutex serializes the read-modify-write; different keys
// evaluate fully in parallel.
type Engine struct {
	states     StateStore
	rules      RuleSource
	dispatch   Dispatcher
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger

	locks sync.Map // "device/rule" -> *sync.Mutex
}

func NewEngine(states StateStore, rules RuleSource, dispatch Dispatcher, staleAfter time.Duration) *Engine {
	return &Engine{
		states:     states,
		rules:      rules,
		dispatch:   dispatch,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        logger.WithComponent("evaluate"),
	}
}

// HandleReading evaluates one stored reading against every rule on its
// metric. Rules evaluate independently: one reading can fire a low-bound
// rule while a high-bound rule on the same metric stays NORMAL.
func (e *Engine) HandleReading(ctx context.Context, r *domain.Reading) error {
	var firstErr error
	for _, rule := range e.rules.RulesFor(r.DeviceID, r.Metric) {
		if err := e.evaluateRule(ctx, r, &rule); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) evaluateRule(ctx context.Context, r *domain.Reading, rule *domain.ThresholdRule) error {
	unlock := e.lock(r.DeviceID, rule.ID)
	defer unlock()

	now := r.ReceivedAt
	if now.IsZero() {
		now = e.now().UTC()
	}

	st, err := e.states.GetAlertState(ctx, r.DeviceID, rule.ID)
	if domain.IsKind(err, domain.KindNotFound) {
		st = &domain.AlertState{
			DeviceID: r.DeviceID,
			RuleID:   rule.ID,
			Status:   domain.StatusNormal,
			Since:    now,
		}
	} else if err != nil {
		return err
	}

	// Staleness policy: a BREACHING episode older than the configured
	// window is treated as stale and reset before evaluating. Disabled
	// by default; gaps then have no effect on state.
	if e.staleAfter > 0 && st.Status == domain.StatusBreaching && now.Sub(st.UpdatedAt) > e.staleAfter {
		e.log.Info().
			Str("device_id", st.DeviceID).
			Str("rule_id", st.RuleID).
			Time("stale_since", st.UpdatedAt).
			Msg("stale breaching state reset")
		st.Status = domain.StatusNormal
		st.Since = now
		st.BreachCount = 0
	}

	violates := rule.Violates(r.Value)
	prev := st.Status
	var events []*domain.Event

	switch st.Status {
	case domain.StatusNormal:
		if violates {
			st.Status = domain.StatusBreaching
			st.Since = now
			st.BreachCount = 1
		}

	case domain.StatusBreaching:
		if !violates {
			// Recovered before debounce: a noise spike, nobody told.
			st.Status = domain.StatusNormal
			st.Since = now
			st.BreachCount = 0
			break
		}
		st.BreachCount++
		if now.Sub(st.Since) >= rule.Debounce && st.BreachCount >= minReadings(rule) {
			st.Status = domain.StatusAlerted
			st.Since = now
			if onCooldown(st, rule, now) {
				st.Notified = false
				metrics.CooldownSuppressed.Inc()
				e.log.Warn().
					Str("device_id", st.DeviceID).
					Str("rule_id", st.RuleID).
					Time("last_notified", st.LastNotifiedAt).
					Msg("alert fired within cooldown, notification suppressed")
			} else {
				st.Notified = true
				st.LastNotifiedAt = now
				events = append(events, newEvent(domain.EventFire, r, rule, now))
			}
		}

	case domain.StatusAlerted:
		if violates {
			// A fire suppressed by cooldown is delivered once the
			// cooldown elapses while the condition still holds.
			if !st.Notified && !onCooldown(st, rule, now) {
				st.Notified = true
				st.LastNotifiedAt = now
				events = append(events, newEvent(domain.EventFire, r, rule, now))
			}
			break
		}
		wasNotified := st.Notified
		st.Status = domain.StatusNormal
		st.Since = now
		st.BreachCount = 0
		st.Notified = false
		if wasNotified {
			events = append(events, newEvent(domain.EventClear, r, rule, now))
		}
	}

	st.UpdatedAt = now

	// Persist before dispatching: the state record is the source of
	// truth and must not claim less than what was announced.
	if err := e.states.SaveAlertState(ctx, st); err != nil {
		return err
	}

	if st.Status != prev {
		metrics.Transitions.WithLabelValues(string(prev), string(st.Status)).Inc()
		e.log.Info().
			Str("device_id", st.DeviceID).
			Str("rule_id", st.RuleID).
			Str("metric", r.Metric).
			Float64("value", r.Value).
			Str("from", string(prev)).
			Str("to", string(st.Status)).
			Msg("alert state transition")
	}

	for _, ev := range events {
		e.dispatch.Enqueue(ev)
	}
	return nil
}

// minReadings is the effective minimum count of violating readings before
// ALERTED. The floor is 2: the reading entering BREACHING plus at least
// one confirming reading, so a single sample never alerts.
func minReadings(rule *domain.ThresholdRule) int {
	if rule.MinReadings > 2 {
		return rule.MinReadings
	}
	return 2
}

func onCooldown(st *domain.AlertState, rule *domain.ThresholdRule, now time.Time) bool {
	return rule.Cooldown > 0 &&
		!st.LastNotifiedAt.IsZero() &&
		now.Sub(st.LastNotifiedAt) < rule.Cooldown
}

func newEvent(kind domain.EventKind, r *domain.Reading, rule *domain.ThresholdRule, at time.Time) *domain.Event {
	return &domain.Event{
		ID:       uuid.New().String(),
		Kind:     kind,
		DeviceID: r.DeviceID,
		RuleID:   rule.ID,
		Metric:   r.Metric,
		Value:    r.Value,
		Unit:     r.Unit,
		Rule:     describeRule(rule),
		At:       at,
	}
}

func describeRule(rule *domain.ThresholdRule) string {
	switch rule.Op {
	case domain.OpBelow:
		return "below " + formatFloat(rule.Bound)
	case domain.OpAbove:
		return "above " + formatFloat(rule.Bound)
	case domain.OpOutside:
		return "outside " + formatFloat(rule.Bound) + ".." + formatFloat(rule.UpperBound)
	default:
		return string(rule.Op)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func (e *Engine) lock(deviceID, ruleID string) func() {
	key := deviceID + "/" + ruleID
	raw, _ := e.locks.LoadOrStore(key, &sync.Mutex{})
	mu := raw.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
