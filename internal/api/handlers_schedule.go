package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	apperrors "github.com/payment-scheduler/internal/errors"
	"github.com/payment-scheduler/internal/service"
	"github.com/payment-scheduler/internal/types"
)

type executorRequest struct {
	ExecutorID string `json:"executorId"`
}

type failRequest struct {
	ErrorMessage string `json:"errorMessage"`
}

// claimResponse is returned by the claim endpoint
type claimResponse struct {
	ScheduleID string    `json:"scheduleId"`
	ClaimedBy  string    `json:"claimedBy"`
	ClaimedAt  time.Time `json:"claimedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// processingResponse is returned by the process endpoint
type processingResponse struct {
	ScheduleID        string               `json:"scheduleId"`
	ProcessingBy      string               `json:"processingBy"`
	ProcessingStarted time.Time            `json:"processingStarted"`
	Status            types.ScheduleStatus `json:"status"`
	ExpiresAt         time.Time            `json:"expiresAt"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Username = CallerFrom(r.Context()).UserID

	p, err := s.schedules.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.schedules.ListByOwner(r.Context(), CallerFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": list,
		"count":     len(list),
	})
}

func (s *Server) handleListDue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, apperrors.NewInvalidParameterError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	list, err := s.schedules.ListDue(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": list,
		"count":     len(list),
	})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	p, err := s.schedules.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	records, err := s.schedules.ListExecutions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"executions": records,
		"count":      len(records),
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	executorID, err := executorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	lease, err := s.schedules.Claim(r.Context(), mux.Vars(r)["id"], executorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, claimResponse{
		ScheduleID: lease.ScheduleID,
		ClaimedBy:  lease.Holder,
		ClaimedAt:  lease.LeasedAt,
		ExpiresAt:  lease.ExpiresAt,
	})
}

func (s *Server) handleStartProcessing(w http.ResponseWriter, r *http.Request) {
	executorID, err := executorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	lease, err := s.schedules.StartProcessing(r.Context(), mux.Vars(r)["id"], executorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, processingResponse{
		ScheduleID:        lease.ScheduleID,
		ProcessingBy:      lease.Holder,
		ProcessingStarted: lease.LeasedAt,
		Status:            lease.Status,
		ExpiresAt:         lease.ExpiresAt,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req service.CompleteRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.ScheduleID = mux.Vars(r)["id"]
	if executor := CallerFrom(r.Context()).ExecutorID; executor != "" {
		req.ExecutorID = executor
	}

	res, err := s.schedules.CompleteExecution(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.schedules.MarkFailed(r.Context(), mux.Vars(r)["id"], req.ErrorMessage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleForceUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		writeError(w, r, apperrors.NewForbiddenError("force update requires the admin token"))
		return
	}

	var req service.ForceUpdateRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.ScheduleID = mux.Vars(r)["id"]
	req.Actor = CallerFrom(r.Context()).UserID

	res, err := s.schedules.ForceUpdate(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, err := s.schedules.Cancel(r.Context(), mux.Vars(r)["id"], CallerFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.schedules.SweepStuck(r.Context(), CallerFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// executorFrom takes the executor id from the header, falling back to the body
func executorFrom(r *http.Request) (string, error) {
	if id := CallerFrom(r.Context()).ExecutorID; id != "" {
		return id, nil
	}
	var body executorRequest
	if err := parseJSONBody(r, &body); err != nil {
		return "", err
	}
	return body.ExecutorID, nil
}
