package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/service"
	"github.com/lifecycle-mailer/internal/types"
)

// handleCreateUser handles POST /api/users - Create a new user
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req service.CreateUserInput
	if err := parseJSONBody(w, r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	user, err := s.userService.CreateUser(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

// handleListUsers handles GET /api/users
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.userService.ListUsers(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []*models.User{}
	}
	respondJSON(w, http.StatusOK, users)
}

// handleGetUser handles GET /api/users/:id - Get user by ID
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.userService.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// handleUpdateSubscription handles PUT /api/users/:id/subscription
func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status types.SubscriptionStatus `json:"status"`
	}
	if err := parseJSONBody(w, r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	user, err := s.userService.UpdateSubscriptionStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// handleUpdatePlan handles PUT /api/users/:id/plan
func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan types.Plan `json:"plan"`
	}
	if err := parseJSONBody(w, r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	user, err := s.userService.UpdatePlan(r.Context(), mux.Vars(r)["id"], req.Plan)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// handleRecordActivity handles POST /api/users/:id/activity
func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	user, err := s.userService.RecordActivity(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// handleCompleteOnboarding handles POST /api/users/:id/onboarding/complete
func (s *Server) handleCompleteOnboarding(w http.ResponseWriter, r *http.Request) {
	user, err := s.userService.CompleteOnboarding(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}
