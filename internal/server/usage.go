package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

func (s *Server) IngestUsage(c *gin.Context) {
	var req usagedomain.CreateIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	record, err := s.usageSvc.Ingest(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":          record.ID.String(),
		"recorded_at": record.RecordedAt,
		"provider":    record.Provider,
		"model":       record.Model,
	})
}
