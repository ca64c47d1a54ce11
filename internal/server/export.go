package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
)

type exportRequest struct {
	Limit        int    `json:"limit"`
	StartTimeUTC string `json:"start_time_utc"`
	EndTimeUTC   string `json:"end_time_utc"`
	Operation    string `json:"operation"`
}

type dryRunRequest struct {
	Limit int `json:"limit"`
}

// Export triggers a manual export. Without an explicit range it
// exports the last fully elapsed hour.
func (s *Server) Export(c *gin.Context) {
	var req exportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	op := exportdomain.Operation(req.Operation)
	if req.Operation == "" {
		op = exportdomain.OperationExport
	}

	start, end, err := s.parseRange(req.StartTimeUTC, req.EndTimeUTC)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.exportSvc.ExportRange(c.Request.Context(), exportdomain.ExportRequest{
		Start:     start,
		End:       end,
		Operation: op,
		Limit:     req.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := "completed"
	if summary.FailedCount > 0 {
		status = "completed_with_failures"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"message": fmt.Sprintf("exported %d window(s), %d failed",
			summary.SentCount, summary.FailedCount),
		"windows": summary.Windows,
	})
}

// DryRun translates recent usage without sending anything.
func (s *Server) DryRun(c *gin.Context) {
	var req dryRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	data, err := s.exportSvc.DryRun(c.Request.Context(), req.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "dry_run_completed",
		"dry_run_data": data,
	})
}

// ExportStatus lists recent window outcomes, newest first.
func (s *Server) ExportStatus(c *gin.Context) {
	states, err := s.exportSvc.RecentWindows(c.Request.Context(), 50)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	windows := make([]gin.H, 0, len(states))
	for _, state := range states {
		entry := gin.H{
			"window_start":    state.WindowStart.UTC().Format(time.RFC3339),
			"outcome":         state.Outcome,
			"record_count":    state.RecordCount,
			"total_cost":      state.TotalCost.String(),
			"retryable":       state.Retryable,
			"last_attempt_at": state.LastAttemptAt.UTC().Format(time.RFC3339),
		}
		if state.Reason != "" {
			entry["reason"] = state.Reason
		}
		if state.ExportedAt != nil {
			entry["exported_at"] = state.ExportedAt.UTC().Format(time.RFC3339)
		}
		windows = append(windows, entry)
	}
	c.JSON(http.StatusOK, gin.H{"windows": windows})
}

// parseRange resolves the requested export range. Both bounds default
// to the last fully elapsed hour when omitted; a half-specified range
// is rejected.
func (s *Server) parseRange(startRaw, endRaw string) (time.Time, time.Time, error) {
	if startRaw == "" && endRaw == "" {
		end := s.clock.Now().UTC().Truncate(time.Hour)
		return end.Add(-time.Hour), end, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, exportdomain.ErrInvalidRange
	}

	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, exportdomain.ErrInvalidRange
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, exportdomain.ErrInvalidRange
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, exportdomain.ErrInvalidRange
	}
	return start.UTC(), end.UTC(), nil
}
