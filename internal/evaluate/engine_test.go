package evaluate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"soilwatch/internal/domain"
)

// memStateStore keeps alert states in memory. Shared across engines in
// the restart tests.
type memStateStore struct {
	mu      sync.Mutex
	states  map[string]domain.AlertState
	saveErr error
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]domain.AlertState)}
}

func (m *memStateStore) GetAlertState(_ context.Context, deviceID, ruleID string) (*domain.AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[deviceID+"/"+ruleID]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "no alert state for %s/%s", deviceID, ruleID)
	}
	copied := st
	return &copied, nil
}

func (m *memStateStore) SaveAlertState(_ context.Context, st *domain.AlertState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.states[st.DeviceID+"/"+st.RuleID] = *st
	return nil
}

type staticRules struct {
	rules []domain.ThresholdRule
}

func (s *staticRules) RulesFor(deviceID, metric string) []domain.ThresholdRule {
	var out []domain.ThresholdRule
	for _, r := range s.rules {
		if r.DeviceID == deviceID && r.Metric == metric {
			out = append(out, r)
		}
	}
	return out
}

type captureDispatch struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (c *captureDispatch) Enqueue(ev *domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureDispatch) kinds() []domain.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func reading(value float64, at time.Time) *domain.Reading {
	return &domain.Reading{
		DeviceID:   "sensor-1",
		Metric:     "moisture",
		Value:      value,
		Unit:       "%",
		DeviceTime: at,
		ReceivedAt: at,
	}
}

func moistureRule() domain.ThresholdRule {
	return domain.ThresholdRule{
		ID:       "r1",
		DeviceID: "sensor-1",
		Metric:   "moisture",
		Op:       domain.OpBelow,
		Bound:    20,
		Debounce: 10 * time.Minute,
		Cooldown: time.Hour,
	}
}

func newTestEngine(store StateStore, rules []domain.ThresholdRule, dispatch Dispatcher) *Engine {
	return NewEngine(store, &staticRules{rules: rules}, dispatch, 0)
}

func feed(t *testing.T, e *Engine, readings ...*domain.Reading) {
	t.Helper()
	for _, r := range readings {
		if err := e.HandleReading(context.Background(), r); err != nil {
			t.Fatalf("HandleReading(%v at %s): %v", r.Value, r.ReceivedAt, err)
		}
	}
}

func stateOf(t *testing.T, store *memStateStore, ruleID string) domain.AlertState {
	t.Helper()
	st, ok := store.states["sensor-1/"+ruleID]
	if !ok {
		t.Fatalf("no state stored for rule %s", ruleID)
	}
	return st
}

func TestSingleViolationDoesNotAlert(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	e := newTestEngine(store, []domain.ThresholdRule{moistureRule()}, dispatch)

	feed(t, e, reading(15, t0))

	st := stateOf(t, store, "r1")
	if st.Status != domain.StatusBreaching {
		t.Errorf("status = %s, want BREACHING", st.Status)
	}
	if len(dispatch.events) != 0 {
		t.Errorf("got %d events, want none before debounce", len(dispatch.events))
	}
}

func TestDebouncedFireHappensOnce(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	e := newTestEngine(store, []domain.ThresholdRule{moistureRule()}, dispatch)

	// Sustained breach sampled every 4 minutes against a 10 minute window.
	feed(t, e,
		reading(15, t0),
		reading(14, t0.Add(4*time.Minute)),
		reading(13, t0.Add(8*time.Minute)),
	)
	if len(dispatch.events) != 0 {
		t.Fatalf("alert fired before debounce window elapsed")
	}

	feed(t, e, reading(12, t0.Add(12*time.Minute)))

	st := stateOf(t, store, "r1")
	if st.Status != domain.StatusAlerted {
		t.Fatalf("status = %s, want ALERTED", st.Status)
	}
	if got := dispatch.kinds(); len(got) != 1 || got[0] != domain.EventFire {
		t.Fatalf("events = %v, want exactly one fire", got)
	}

	// Further violating readings while ALERTED stay silent.
	feed(t, e, reading(11, t0.Add(16*time.Minute)))
	if len(dispatch.events) != 1 {
		t.Errorf("repeated violation re-fired while ALERTED")
	}
}

func TestRecoveryBeforeDebounceIsSilent(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	e := newTestEngine(store, []domain.ThresholdRule{moistureRule()}, dispatch)

	feed(t, e,
		reading(15, t0),
		reading(25, t0.Add(2*time.Minute)),
	)

	st := stateOf(t, store, "r1")
	if st.Status != domain.StatusNormal {
		t.Errorf("status = %s, want NORMAL after recovery", st.Status)
	}
	if st.BreachCount != 0 {
		t.Errorf("breach count = %d, want 0 after recovery", st.BreachCount)
	}
	if len(dispatch.events) != 0 {
		t.Errorf("noise spike produced %d events", len(dispatch.events))
	}
}

func TestClearNotificationAfterRecovery(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	e := newTestEngine(store, []domain.ThresholdRule{moistureRule()}, dispatch)

	feed(t, e,
		reading(15, t0),
		reading(14, t0.Add(5*time.Minute)),
		reading(13, t0.Add(11*time.Minute)), // fire
		reading(25, t0.Add(20*time.Minute)), // clear
	)

	st := stateOf(t, store, "r1")
	if st.Status != domain.StatusNormal {
		t.Fatalf("status = %s, want NORMAL", st.Status)
	}
	got := dispatch.kinds()
	if len(got) != 2 || got[0] != domain.EventFire || got[1] != domain.EventClear {
		t.Fatalf("events = %v, want [fire clear]", got)
	}
}

func TestCooldownSuppressesRefireAndDefersIt(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	e := newTestEngine(store, []domain.ThresholdRule{moistureRule()}, dispatch)

	// First episode: fire then clear.
	feed(t, e,
		reading(15, t0),
		reading(14, t0.Add(5*time.Minute)),
		reading(13, t0.Add(11*time.Minute)),
		reading(25, t0.Add(15*time.Minute)),
	)
	if got := dispatch.kinds(); len(got) != 2 {
		t.Fatalf("first episode events = %v", got)
	}

	// Second episode reaches ALERTED while still inside the 1h cooldown
	// from the first fire: state transitions, notification is held back.
	feed(t, e,
		reading(15, t0.Add(20*time.Minute)),
		reading(14, t0.Add(25*time.Minute)),
		reading(13, t0.Add(31*time.Minute)),
	)
	st := stateOf(t, store, "r1")
	if st.Status != domain.StatusAlerted {
		t.Fatalf("status = %s, want ALERTED despite cooldown", st.Status)
	}
	if st.Notified {
		t.Fatal("suppressed fire marked notified")
	}
	if len(dispatch.events) != 2 {
		t.Fatalf("cooldown did not suppress the second fire: %v", dispatch.kinds())
	}

	// Condition still holds once the cooldown has elapsed: the held-back
	// fire is delivered.
	feed(t, e, reading(12, t0.Add(11*time.Minute).Add(61*time.Minute)))
	got := dispatch.kinds()
	if len(got) != 3 || got[2] != domain.EventFire {
		t.Fatalf("deferred fire missing: %v", got)
	}
	st = stateOf(t, store, "r1")
	if !st.Notified {
		t.Error("deferred fire not marked notified")
	}
}

func TestClearOnlyWhenFireWasDelivered(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	e := newTestEngine(store, []domain.ThresholdRule{moistureRule()}, dispatch)

	// Episode one: normal fire and clear.
	feed(t, e,
		reading(15, t0),
		reading(14, t0.Add(11*time.Minute)),
		reading(25, t0.Add(15*time.Minute)),
	)
	// Episode two alerts within cooldown (suppressed) and recovers while
	// still suppressed: no clear for a fire nobody saw.
	feed(t, e,
		reading(15, t0.Add(20*time.Minute)),
		reading(14, t0.Add(31*time.Minute)),
		reading(25, t0.Add(35*time.Minute)),
	)

	got := dispatch.kinds()
	if len(got) != 2 || got[0] != domain.EventFire || got[1] != domain.EventClear {
		t.Fatalf("events = %v, want only the first episode's [fire clear]", got)
	}
	st := stateOf(t, store, "r1")
	if st.Status != domain.StatusNormal {
		t.Errorf("status = %s, want NORMAL", st.Status)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	rules := []domain.ThresholdRule{moistureRule()}

	e1 := newTestEngine(store, rules, dispatch)
	feed(t, e1,
		reading(15, t0),
		reading(14, t0.Add(5*time.Minute)),
	)

	// A fresh engine over the same store picks the episode up where the
	// previous process left it: the next confirming reading past the
	// window fires.
	e2 := newTestEngine(store, rules, dispatch)
	feed(t, e2, reading(13, t0.Add(11*time.Minute)))

	if got := dispatch.kinds(); len(got) != 1 || got[0] != domain.EventFire {
		t.Fatalf("events after restart = %v, want one fire", got)
	}
}

func TestRulesEvaluateIndependently(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	low := moistureRule()
	high := domain.ThresholdRule{
		ID:       "r2",
		DeviceID: "sensor-1",
		Metric:   "moisture",
		Op:       domain.OpAbove,
		Bound:    80,
		Debounce: 10 * time.Minute,
	}
	e := newTestEngine(store, []domain.ThresholdRule{low, high}, dispatch)

	feed(t, e, reading(15, t0))

	if st := stateOf(t, store, "r1"); st.Status != domain.StatusBreaching {
		t.Errorf("low rule status = %s, want BREACHING", st.Status)
	}
	if st := stateOf(t, store, "r2"); st.Status != domain.StatusNormal {
		t.Errorf("high rule status = %s, want NORMAL", st.Status)
	}
}

func TestSingleReadingNeverAlertsEvenWithoutDebounce(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	rule := moistureRule()
	rule.Debounce = 0
	rule.MinReadings = 0
	e := newTestEngine(store, []domain.ThresholdRule{rule}, dispatch)

	feed(t, e, reading(15, t0))
	if len(dispatch.events) != 0 {
		t.Fatal("single reading alerted")
	}

	feed(t, e, reading(14, t0.Add(time.Minute)))
	if got := dispatch.kinds(); len(got) != 1 || got[0] != domain.EventFire {
		t.Fatalf("events = %v, want one fire after confirming reading", got)
	}
}

func TestSaveFailureBlocksDispatch(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	rule := moistureRule()
	rule.Debounce = 0
	e := newTestEngine(store, []domain.ThresholdRule{rule}, dispatch)

	feed(t, e, reading(15, t0))

	store.saveErr = errors.New("connection reset")
	err := e.HandleReading(context.Background(), reading(14, t0.Add(time.Minute)))
	if err == nil {
		t.Fatal("expected save error to propagate")
	}
	if len(dispatch.events) != 0 {
		t.Error("event dispatched although state was never persisted")
	}
}

func TestStaleBreachingStateResets(t *testing.T) {
	store := newMemStateStore()
	dispatch := &captureDispatch{}
	e := NewEngine(store, &staticRules{rules: []domain.ThresholdRule{moistureRule()}}, dispatch, time.Hour)

	feed(t, e, reading(15, t0))

	// A violating reading after a long silence starts a fresh episode
	// instead of counting the gap toward the debounce window.
	feed(t, e, reading(14, t0.Add(3*time.Hour)))

	st := stateOf(t, store, "r1")
	if st.Status != domain.StatusBreaching {
		t.Fatalf("status = %s, want BREACHING", st.Status)
	}
	if st.BreachCount != 1 {
		t.Errorf("breach count = %d, want 1 after stale reset", st.BreachCount)
	}
	if len(dispatch.events) != 0 {
		t.Errorf("stale episode produced events: %v", dispatch.kinds())
	}
}
