package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"soilwatch/internal/domain"
	"soilwatch/internal/ingest"
	"soilwatch/internal/transport/ws"
)

// Ingestor accepts reading submissions from devices.
type Ingestor interface {
	Submit(ctx context.Context, sub ingest.Submission) (*ingest.Result, error)
}

// RegistryAPI is the device and rule management surface.
type RegistryAPI interface {
	Get(id string) (*domain.Device, error)
	List() []domain.Device
	Create(ctx context.Context, d *domain.Device) error
	Deactivate(ctx context.Context, id string) error
	Rename(ctx context.Context, id, name string) error
	SetMuted(ctx context.Context, id string, muted bool) error
	Rules(deviceID string) []domain.ThresholdRule
	AddRule(ctx context.Context, rule *domain.ThresholdRule) error
	RemoveRule(ctx context.Context, deviceID, ruleID string) error
}

// LatestSource answers latest-reading queries.
type LatestSource interface {
	LatestReading(ctx context.Context, deviceID, metric string) (*domain.Reading, error)
	LatestReadings(ctx context.Context, deviceID string) ([]domain.Reading, error)
}

// AlertSource reads persisted alert states.
type AlertSource interface {
	ListActiveAlerts(ctx context.Context) ([]domain.AlertState, error)
	ListAlertStates(ctx context.Context, deviceID string) ([]domain.AlertState, error)
}

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	ingestor Ingestor
	registry RegistryAPI
	latest   LatestSource
	alerts   AlertSource
	db       Pinger
	hub      *ws.Hub
}

func NewHandler(ingestor Ingestor, registry RegistryAPI, latest LatestSource, alerts AlertSource, db Pinger, hub *ws.Hub) *Handler {
	return &Handler{
		ingestor: ingestor,
		registry: registry,
		latest:   latest,
		alerts:   alerts,
		db:       db,
		hub:      hub,
	}
}

// SubmitReading handles POST /api/v1/readings.
func (h *Handler) SubmitReading(w http.ResponseWriter, r *http.Request) {
	var sub ingest.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(domain.KindValidation), "invalid JSON: "+err.Error())
		return
	}

	result, err := h.ingestor.Submit(r.Context(), sub)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Status == ingest.StatusDuplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"status":      result.Status,
		"device_id":   result.Reading.DeviceID,
		"metric":      result.Reading.Metric,
		"received_at": result.Reading.ReceivedAt,
	})
}

// ListDevices handles GET /api/v1/devices.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"devices": h.registry.List()})
}

// GetDevice handles GET /api/v1/devices/{id}.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, device)
}

type createDeviceRequest struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Location string `json:"location,omitempty"`
}

// CreateDevice handles POST /api/v1/devices.
func (h *Handler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(domain.KindValidation), "invalid JSON: "+err.Error())
		return
	}
	device := &domain.Device{
		ID:       req.ID,
		Type:     domain.DeviceType(req.Type),
		Name:     req.Name,
		Location: req.Location,
		Active:   true,
	}
	if err := h.registry.Create(r.Context(), device); err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, device)
}

// DeactivateDevice handles POST /api/v1/devices/{id}/deactivate.
func (h *Handler) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.registry.Deactivate(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"device_id": id, "status": "deactivated"})
}

type renameRequest struct {
	Name string `json:"name"`
}

// RenameDevice handles POST /api/v1/devices/{id}/rename.
func (h *Handler) RenameDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(domain.KindValidation), "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, string(domain.KindValidation), "name must not be empty")
		return
	}
	if err := h.registry.Rename(r.Context(), id, req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"device_id": id, "name": req.Name})
}

// SetMuted handles POST /api/v1/devices/{id}/mute and /unmute.
func (h *Handler) SetMuted(muted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := h.registry.SetMuted(r.Context(), id, muted); err != nil {
			writeDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"device_id": id, "muted": muted})
	}
}

// LatestByDevice handles GET /api/v1/devices/{id}/latest. With ?metric=
// it returns a single reading, otherwise the latest per metric.
func (h *Handler) LatestByDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.registry.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}

	if metric := r.URL.Query().Get("metric"); metric != "" {
		reading, err := h.latest.LatestReading(r.Context(), id, metric)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, reading)
		return
	}

	readings, err := h.latest.LatestReadings(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"device_id": id, "readings": readings})
}

// ListRules handles GET /api/v1/devices/{id}/rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.registry.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"device_id": id, "rules": h.registry.Rules(id)})
}

type addRuleRequest struct {
	Metric      string  `json:"metric"`
	Op          string  `json:"op"`
	Bound       float64 `json:"bound"`
	UpperBound  float64 `json:"upper_bound,omitempty"`
	Debounce    string  `json:"debounce,omitempty"`
	MinReadings int     `json:"min_readings,omitempty"`
	Cooldown    string  `json:"cooldown,omitempty"`
}

// AddRule handles POST /api/v1/devices/{id}/rules.
func (h *Handler) AddRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req addRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(domain.KindValidation), "invalid JSON: "+err.Error())
		return
	}

	rule := &domain.ThresholdRule{
		DeviceID:    id,
		Metric:      req.Metric,
		Op:          domain.RuleOp(req.Op),
		Bound:       req.Bound,
		UpperBound:  req.UpperBound,
		MinReadings: req.MinReadings,
	}
	var err error
	if rule.Debounce, err = parseOptionalDuration(req.Debounce); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(domain.KindValidation), "invalid debounce: "+err.Error())
		return
	}
	if rule.Cooldown, err = parseOptionalDuration(req.Cooldown); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(domain.KindValidation), "invalid cooldown: "+err.Error())
		return
	}

	if err := h.registry.AddRule(r.Context(), rule); err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// DeleteRule handles DELETE /api/v1/devices/{id}/rules/{ruleID}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.registry.RemoveRule(r.Context(), vars["id"], vars["ruleID"]); err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"rule_id": vars["ruleID"], "status": "deleted"})
}

// AlertStatesByDevice handles GET /api/v1/devices/{id}/alerts.
func (h *Handler) AlertStatesByDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.registry.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}
	states, err := h.alerts.ListAlertStates(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"device_id": id, "states": states})
}

// ActiveAlerts handles GET /api/v1/alerts.
func (h *Handler) ActiveAlerts(w http.ResponseWriter, r *http.Request) {
	states, err := h.alerts.ListActiveAlerts(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"alerts": states})
}

// Live handles GET /api/v1/live, upgrading to a websocket that streams
// accepted readings as they arrive.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	ws.Serve(h.hub, w, r)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"db":     err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, map[string]string{"error": kind, "message": message})
}

// writeDomainError maps an error's kind to an HTTP status and a
// machine-readable body.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindUnknownDevice, domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindDuplicate:
		status = http.StatusConflict
	case domain.KindStorageUnavailable:
		status = http.StatusServiceUnavailable
	case domain.KindUnauthorized:
		status = http.StatusUnauthorized
	}
	if kind == "" {
		kind = "internal"
	}
	writeJSONError(w, status, string(kind), err.Error())
}
