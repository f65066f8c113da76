package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fleetcheck/validator-server-go/internal/engine"
	apperrors "github.com/fleetcheck/validator-server-go/internal/errors"
	"github.com/fleetcheck/validator-server-go/internal/httputil"
	"github.com/fleetcheck/validator-server-go/internal/model"
)

// SessionHandler exposes the validation engine to the field app.
type SessionHandler struct {
	manager *engine.Manager
}

func NewSessionHandler(manager *engine.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/{workOrderID}/{appointmentID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Put("/device", h.AssignDevice)
		r.Post("/discard", h.Discard)

		r.Post("/polling/start", h.pollingAction(h.manager.StartPolling))
		r.Post("/polling/pause", h.pollingAction(h.manager.PausePolling))
		r.Post("/polling/resume", h.pollingAction(h.manager.ResumePolling))
		r.Post("/polling/stop", h.pollingAction(h.manager.StopPolling))

		r.Post("/confirm", h.Confirm)
		r.Post("/commands/{kind}", h.SendCommand)
		r.Post("/commands/{kind}/confirm", h.ConfirmCommand)
	})

	return r
}

func sessionKey(r *http.Request) string {
	return model.SessionKeyFor(chi.URLParam(r, "workOrderID"), chi.URLParam(r, "appointmentID"))
}

type assignDeviceRequest struct {
	ESN             string `json:"esn"`
	RequireIgnition *bool  `json:"requireIgnition,omitempty"`
	RequirePanic    *bool  `json:"requirePanic,omitempty"`
}

// PUT /v1/sessions/{workOrderID}/{appointmentID}/device
func (h *SessionHandler) AssignDevice(w http.ResponseWriter, r *http.Request) {
	var req assignDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.ESN == "" {
		httputil.WriteError(w, apperrors.MissingRequired("esn"))
		return
	}

	// Profiles default to the full installation; the scheduler system
	// sends false for installs without an ignition tap or panic button.
	profile := model.InstallProfile{RequireIgnition: true, RequirePanic: true}
	if req.RequireIgnition != nil {
		profile.RequireIgnition = *req.RequireIgnition
	}
	if req.RequirePanic != nil {
		profile.RequirePanic = *req.RequirePanic
	}

	sess, err := h.manager.AssignDevice(
		r.Context(),
		chi.URLParam(r, "workOrderID"),
		chi.URLParam(r, "appointmentID"),
		req.ESN,
		profile,
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to assign device")
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// GET /v1/sessions/{workOrderID}/{appointmentID}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.manager.Session(r.Context(), sessionKey(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /v1/sessions/{workOrderID}/{appointmentID}/discard
func (h *SessionHandler) Discard(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Discard(r.Context(), sessionKey(r)); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

// pollingAction adapts a manager polling method into a handler.
func (h *SessionHandler) pollingAction(fn func(ctx context.Context, key string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), sessionKey(r)); err != nil {
			httputil.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type confirmRequest struct {
	Kind     string `json:"kind"`
	Accepted bool   `json:"accepted"`
}

// POST /v1/sessions/{workOrderID}/{appointmentID}/confirm
func (h *SessionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	kind, ok := model.ParseQuestionKind(req.Kind)
	if !ok {
		httputil.WriteError(w, apperrors.InvalidInput("kind", req.Kind))
		return
	}

	if err := h.manager.Confirm(r.Context(), sessionKey(r), kind, req.Accepted); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/sessions/{workOrderID}/{appointmentID}/commands/{kind}
func (h *SessionHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	kind, ok := model.ParseCommandKind(chi.URLParam(r, "kind"))
	if !ok {
		httputil.WriteError(w, apperrors.InvalidInput("kind", chi.URLParam(r, "kind")))
		return
	}

	if err := h.manager.SendCommand(r.Context(), sessionKey(r), kind); err != nil {
		log.Warn().Err(err).Str("command", string(kind)).Msg("command send rejected")
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "awaitingAck"})
}

type confirmCommandRequest struct {
	Accepted bool `json:"accepted"`
}

// POST /v1/sessions/{workOrderID}/{appointmentID}/commands/{kind}/confirm
func (h *SessionHandler) ConfirmCommand(w http.ResponseWriter, r *http.Request) {
	kind, ok := model.ParseCommandKind(chi.URLParam(r, "kind"))
	if !ok {
		httputil.WriteError(w, apperrors.InvalidInput("kind", chi.URLParam(r, "kind")))
		return
	}

	var req confirmCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	if err := h.manager.ConfirmCommand(r.Context(), sessionKey(r), kind, req.Accepted); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
