package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth runs GET /health. Liveness only: no admission, no
// dependency checks.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}
