package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"soilwatch/internal/auth"
)

// NewRouter wires all routes and middleware. Device credentials guard
// the ingestion boundary, operator credentials guard management routes,
// and read-only queries plus health and metrics stay open.
func NewRouter(h *Handler, a *auth.Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.Use(Recovery, Logging)

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	ingest := api.PathPrefix("/readings").Subrouter()
	ingest.Use(DeviceAuth(a))
	ingest.HandleFunc("", h.SubmitReading).Methods(http.MethodPost)

	api.HandleFunc("/devices", h.ListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", h.GetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/latest", h.LatestByDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/rules", h.ListRules).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/alerts", h.AlertStatesByDevice).Methods(http.MethodGet)
	api.HandleFunc("/alerts", h.ActiveAlerts).Methods(http.MethodGet)
	api.HandleFunc("/live", h.Live).Methods(http.MethodGet)

	admin := api.NewRoute().Subrouter()
	admin.Use(OperatorAuth(a))
	admin.HandleFunc("/devices", h.CreateDevice).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/deactivate", h.DeactivateDevice).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/rename", h.RenameDevice).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/mute", h.SetMuted(true)).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/unmute", h.SetMuted(false)).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/rules", h.AddRule).Methods(http.MethodPost)
	admin.HandleFunc("/devices/{id}/rules/{ruleID}", h.DeleteRule).Methods(http.MethodDelete)

	return r
}
