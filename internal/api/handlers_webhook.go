package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/service"
)

// webhook responses use the provider-facing {"error": "..."} shape
type webhookError struct {
	Error string `json:"error"`
}

// handleLoopsWebhook handles POST /loops-webhook - provider delivery callbacks
func (s *Server) handleLoopsWebhook(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, webhookError{Error: "Invalid JSON body"})
		return
	}

	var payload service.WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		respondJSON(w, http.StatusBadRequest, webhookError{Error: "Invalid JSON body"})
		return
	}

	outcome, err := s.webhookService.HandleEvent(r.Context(), payload, raw)
	if err != nil {
		logger.WithError(err).WithField("event", payload.EventName).Error("webhook handling failed")
		respondJSON(w, http.StatusInternalServerError, webhookError{Error: "Internal server error"})
		return
	}

	switch outcome {
	case service.OutcomeIgnored:
		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
	case service.OutcomeMissingID:
		respondJSON(w, http.StatusBadRequest, webhookError{Error: "Missing email.id"})
	default:
		respondJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
