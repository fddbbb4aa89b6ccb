package api

import (
	"net/http"

	"github.com/google/uuid"
	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/service"
)

// handleSendTransactional handles POST /api/emails/transactional
func (s *Server) handleSendTransactional(w http.ResponseWriter, r *http.Request) {
	var req service.SendTransactionalInput
	if err := parseJSONBody(w, r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	if req.Email == "" {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("email", "email is required"))
		return
	}
	if req.TransactionalID == "" {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("transactionalId", "transactionalId is required"))
		return
	}
	if req.UserID != "" {
		// the log row references users(id), so an unknown user is refused before sending
		if _, err := uuid.Parse(req.UserID); err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("userId", "userId must be a UUID"))
			return
		}
		if _, err := s.userService.GetUser(r.Context(), req.UserID); err != nil {
			respondServiceError(w, r, err)
			return
		}
	}

	result := s.emailService.SendTransactional(r.Context(), req)
	if !result.Success {
		respondJSON(w, http.StatusBadGateway, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
