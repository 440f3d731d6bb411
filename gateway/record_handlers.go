package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/store"
)

type postPlanRequest struct {
	UserID string          `json:"user_id"`
	Plan   json.RawMessage `json:"plan"`
}

type postExerciseRequest struct {
	Date      string `json:"date"`
	UserID    string `json:"user_id"`
	RatedPain *int   `json:"rated_pain"`
}

func (s *Server) handlePostPlan(w http.ResponseWriter, r *http.Request) {
	var req postPlanRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Plan and user_id are required."})
		return
	}
	if req.UserID == "" || len(req.Plan) == 0 || string(req.Plan) == "null" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Plan and user_id are required."})
		return
	}

	rec, err := s.deps.Store.SavePlan(r.Context(), req.UserID, req.Plan)
	if err != nil {
		if errors.IsInvalid(err) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid plan.", "error": publicError(err)})
			return
		}
		s.recordFailure(err)
		s.logger.Error("Error sending plan", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Error sending plan", "error": publicError(err)})
		return
	}

	s.logger.Info("Plan stored", "user_id", rec.UserID, "id", rec.ID)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Success sending plan", "data": []*store.Plan{rec}})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	rec, err := s.deps.Store.LatestPlan(r.Context(), userID)
	switch status := statusFor(err); status {
	case http.StatusOK:
		writeJSON(w, http.StatusOK, map[string]any{"plan": rec.Plan})
	case http.StatusNotFound:
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "No plan found for this user.", "data": nil})
	case http.StatusBadRequest:
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "User ID is required.", "data": nil})
	default:
		s.recordFailure(err)
		s.logger.Error("Error getting plan", "user_id", userID, "error", err)
		writeJSON(w, status, map[string]any{"message": "Error getting plan", "error": publicError(err)})
	}
}

func (s *Server) handlePostExerciseData(w http.ResponseWriter, r *http.Request) {
	var req postExerciseRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "message": "Failed to send exercise data", "error": publicError(err),
		})
		return
	}
	if req.UserID == "" || req.RatedPain == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "message": "Missing required parameters",
		})
		return
	}

	_, err := s.deps.Store.SaveExerciseData(r.Context(), store.ExerciseData{
		UserID:    req.UserID,
		Date:      req.Date,
		RatedPain: *req.RatedPain,
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.recordFailure(err)
			s.logger.Error("Failed to send exercise data", "user_id", req.UserID, "error", err)
		}
		writeJSON(w, status, map[string]any{
			"success": false, "message": "Failed to send exercise data", "error": publicError(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Exercise data sent successfully"})
}

func (s *Server) handleGetExerciseData(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	q := r.URL.Query()
	rawStart, rawEnd := q.Get("start_date"), q.Get("end_date")
	if userID == "" || rawStart == "" || rawEnd == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Missing required parameters"})
		return
	}

	start, err := parseDate(rawStart, false)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid start_date"})
		return
	}
	end, err := parseDate(rawEnd, true)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid end_date"})
		return
	}
	if end.Before(start) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "end_date is before start_date"})
		return
	}

	recs, err := s.deps.Store.ExerciseDataRange(r.Context(), userID, start, end)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.recordFailure(err)
			s.logger.Error("Exercise data query failed", "user_id", userID, "error", err)
		}
		writeJSON(w, status, map[string]any{"message": publicError(err)})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetExerciseDataByID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["exerciseId"]

	rec, err := s.deps.Store.ExerciseData(r.Context(), id)
	switch status := statusFor(err); status {
	case http.StatusOK:
		writeJSON(w, http.StatusOK, rec)
	case http.StatusNotFound:
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Exercise data not found"})
	case http.StatusBadRequest:
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Missing required parameter: exerciseId"})
	default:
		s.recordFailure(err)
		s.logger.Error("Exercise data lookup failed", "id", id, "error", err)
		writeJSON(w, status, map[string]any{"message": publicError(err)})
	}
}

// parseDate accepts RFC3339 or YYYY-MM-DD. A bare date used as an end bound
// covers the whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q is neither RFC3339 nor YYYY-MM-DD", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
