package api

import (
	"net/http"
	"strconv"

	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/service"
	"github.com/lifecycle-mailer/internal/types"
)

// handleDashboardSummary handles GET /api/dashboard/summary
func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.dashboardService.Summary(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleDashboardDaily handles GET /api/dashboard/daily?days=N
func (s *Server) handleDashboardDaily(w http.ResponseWriter, r *http.Request) {
	days, err := parseDays(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	series, err := s.dashboardService.DailySeries(r.Context(), days)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, series)
}

// handleDashboardEvents handles GET /api/dashboard/events?days=N
func (s *Server) handleDashboardEvents(w http.ResponseWriter, r *http.Request) {
	days, err := parseDays(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	stats, err := s.dashboardService.EventStats(r.Context(), days)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleDashboardFunnel handles GET /api/dashboard/funnel
func (s *Server) handleDashboardFunnel(w http.ResponseWriter, r *http.Request) {
	funnel, err := s.dashboardService.Funnel(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, funnel)
}

// handleDashboardLogs handles GET /api/dashboard/logs?eventName=&status=&limit=
func (s *Server) handleDashboardLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.EmailLogFilter{
		EventName: query.Get("eventName"),
		Status:    types.EmailStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("limit", "must be an integer"))
			return
		}
		filter.Limit = limit
	}

	logs, err := s.dashboardService.RecentLogs(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.EmailLog{}
	}
	respondJSON(w, http.StatusOK, logs)
}

// handleDashboardEventNames handles GET /api/dashboard/event-names
func (s *Server) handleDashboardEventNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.dashboardService.EventNames(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, names)
}

// parseDays reads the optional days window. Zero or absent means the default.
func parseDays(r *http.Request) (int, error) {
	daysStr := r.URL.Query().Get("days")
	if daysStr == "" {
		return service.DefaultDashboardDays, nil
	}
	days, err := strconv.Atoi(daysStr)
	if err != nil || days < 0 {
		return 0, apperrors.NewInvalidParameterError("days", "must be a non-negative integer")
	}
	return service.NormalizeDays(days), nil
}
