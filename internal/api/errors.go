package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondServiceError categorizes err and writes it. Server-side failures are
// logged with their cause and answered with a generic message.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetHTTPStatusCode(err)
	catErr := apperrors.Categorize(err)
	if !apperrors.IsUserError(err) {
		logging.FromContext(r.Context()).WithError(err).Error("request failed")
		respondError(w, status, catErr.Code, "An internal error occurred", nil)
		return
	}
	respondJSON(w, status, ErrorResponse{Error: *catErr.ToServiceError()})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperrors.NewInvalidBodyError(err)
	}
	return nil
}

const maxJSONBody = 1 << 20
