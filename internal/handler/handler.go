// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the activity engine.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Shivanand-hulikatti/activity-signup/internal/logging"
	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/service"
	"github.com/go-chi/chi/v5"
)

// ActivityHandler holds all HTTP handlers for the activity API.
type ActivityHandler struct {
	engine *service.Engine
}

// NewActivityHandler constructs an ActivityHandler.
func NewActivityHandler(engine *service.Engine) *ActivityHandler {
	return &ActivityHandler{engine: engine}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

// writeServiceError maps engine errors onto status codes. Unexpected errors
// are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch service.KindOf(err) {
	case service.KindValidation:
		status = http.StatusBadRequest
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindPermission:
		status = http.StatusForbidden
	case service.KindConflict:
		status = http.StatusConflict
	default:
		if logger := logging.FromContext(r.Context()); logger != nil {
			logger.ErrorContext(r.Context(), "request failed", "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{
			Error: "internal server error",
			Kind:  service.KindUnknown.String(),
		})
		return
	}
	writeJSON(w, status, model.ErrorResponse{Error: err.Error(), Kind: service.ErrorKind(err)})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ─── Profiles ─────────────────────────────────────────────────────────────────

// CreateProfile handles POST /profiles
// Creates the caller's profile with the initial reputation score.
func (h *ActivityHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req model.CreateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	profile, err := h.engine.Ledger.CreateProfile(r.Context(), UserID(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, profile)
}

// EditProfile handles PUT /profiles
// Only the caller's own profile can be edited.
func (h *ActivityHandler) EditProfile(w http.ResponseWriter, r *http.Request) {
	var req model.EditProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	profile, err := h.engine.Ledger.EditProfile(r.Context(), UserID(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// GetProfile handles GET /profiles/{userID}
func (h *ActivityHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.Ledger.Profile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ─── Activities ───────────────────────────────────────────────────────────────

// CreateActivity handles POST /activities
// The caller becomes the owner and first host.
func (h *ActivityHandler) CreateActivity(w http.ResponseWriter, r *http.Request) {
	var req model.CreateActivityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	activity, err := h.engine.Activities.CreateActivity(r.Context(), UserID(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, activity)
}

// ListActivities handles GET /activities?keyword=
// Returns a JSON array of activities still open for registration.
func (h *ActivityHandler) ListActivities(w http.ResponseWriter, r *http.Request) {
	activities, err := h.engine.Activities.ListActivities(r.Context(), r.URL.Query().Get("keyword"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// Return an empty array rather than null for better client compatibility.
	if activities == nil {
		activities = []model.Activity{}
	}

	writeJSON(w, http.StatusOK, activities)
}

// GetActivity handles GET /activities/{id}
func (h *ActivityHandler) GetActivity(w http.ResponseWriter, r *http.Request) {
	detail, err := h.engine.Activities.GetActivity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// EditActivity handles PUT /activities/{id}
// The whole edit is rejected when any field is invalid.
func (h *ActivityHandler) EditActivity(w http.ResponseWriter, r *http.Request) {
	var req model.EditActivityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	activity, err := h.engine.Activities.EditActivity(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, activity)
}

// Participants handles GET /activities/{id}/participants
func (h *ActivityHandler) Participants(w http.ResponseWriter, r *http.Request) {
	members, err := h.engine.Activities.Participants(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if members == nil {
		members = []model.Membership{}
	}
	writeJSON(w, http.StatusOK, members)
}

// Status handles GET /activities/{id}/status
func (h *ActivityHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Activities.Status(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ─── Admission ────────────────────────────────────────────────────────────────

// Join handles POST /activities/{id}/join
func (h *ActivityHandler) Join(w http.ResponseWriter, r *http.Request) {
	membership, err := h.engine.Admission.Join(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, membership)
}

// Leave handles DELETE /activities/{id}/join
func (h *ActivityHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Admission.Leave(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Check-in ─────────────────────────────────────────────────────────────────

type checkInCodeResponse struct {
	CheckInCode string `json:"check_in_code"`
}

// SetCheckIn handles PUT /activities/{id}/checkin?status=open|close
// Opening returns the freshly generated code.
func (h *ActivityHandler) SetCheckIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	activityID := chi.URLParam(r, "id")

	switch strings.ToLower(r.URL.Query().Get("status")) {
	case "open":
		code, err := h.engine.CheckIn.Open(ctx, UserID(ctx), activityID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, checkInCodeResponse{CheckInCode: code})
	case "close":
		if err := h.engine.CheckIn.Close(ctx, UserID(ctx), activityID); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusBadRequest, "status must be open or close")
	}
}

// CheckInCode handles GET /activities/{id}/checkin
func (h *ActivityHandler) CheckInCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.engine.CheckIn.Code(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkInCodeResponse{CheckInCode: code})
}

// CheckIn handles POST /activities/{id}/checkin
func (h *ActivityHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req model.CheckInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.engine.CheckIn.CheckIn(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.CheckInCode); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Hosts ────────────────────────────────────────────────────────────────────

// EditHosts handles PUT /activities/{id}/hosts/{action}
// action is grant or remove. Targets are processed in order and the first
// failure stops the batch.
func (h *ActivityHandler) EditHosts(w http.ResponseWriter, r *http.Request) {
	var req model.HostEditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "user_ids must not be empty")
		return
	}

	ctx := r.Context()
	var err error
	switch chi.URLParam(r, "action") {
	case "grant":
		err = h.engine.Hosts.Grant(ctx, UserID(ctx), chi.URLParam(r, "id"), req.UserIDs...)
	case "remove":
		err = h.engine.Hosts.Remove(ctx, UserID(ctx), chi.URLParam(r, "id"), req.UserIDs...)
	default:
		writeError(w, http.StatusNotFound, "unknown host action")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Admin ────────────────────────────────────────────────────────────────────

// RunSweep handles POST /admin/sweep
// Runs one reconciliation sweep and reports the penalties applied.
func (h *ActivityHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Sweep.Run(r.Context())
	if err != nil && !errors.Is(err, service.ErrSweepRunning) && result != (model.SweepResult{}) {
		// Some activities failed; the rest were reconciled.
		if logger := logging.FromContext(r.Context()); logger != nil {
			logger.WarnContext(r.Context(), "sweep finished with failures", "error", err)
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
