package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fathomlabs/fathom/pkg/models"
)

// handleListHistory runs GET /history with clamped paging, newest first.
func (s *Server) handleListHistory(c *gin.Context) {
	limit, offset := historyParams(c)
	ctx := c.Request.Context()

	items, err := s.store.ListHistory(ctx, limit, offset)
	if err != nil {
		s.respondError(c, nil, err)
		return
	}
	total, err := s.store.CountHistory(ctx)
	if err != nil {
		s.respondError(c, nil, err)
		return
	}
	if items == nil {
		items = []models.HistoryItem{}
	}
	c.JSON(http.StatusOK, HistoryResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleDeleteSession runs DELETE /history/:id. Deleting a session
// cascades to its phases and report, detaches its error entries, and
// drops any deep job still waiting for a stream connection.
func (s *Server) handleDeleteSession(c *gin.Context) {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		s.respondError(c, nil, err)
		return
	}

	deleted, err := s.store.DeleteSession(c.Request.Context(), sessionID)
	if err != nil {
		s.respondError(c, &sessionID, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, ErrorBody{Error: codeNotFound, Message: "session not found"})
		return
	}
	s.registry.Remove(sessionID)
	c.JSON(http.StatusOK, DeleteResponse{Deleted: true, ID: sessionID})
}
