package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/meterline/internal/observability/context"
)

// ExportAuthRequired authenticates requests with the static export
// bearer token. An unset token disables the surface entirely rather
// than leaving it open.
func (s *Server) ExportAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.cfg.ExportAuthToken
		if expected == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), "token", "export_api")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
