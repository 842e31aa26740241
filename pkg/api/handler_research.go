package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fathomlabs/fathom/pkg/models"
)

// handleStartResearch runs POST /research. Quick and standard modes
// execute synchronously and return the finished payload; deep mode is
// accepted with 202 and delivers results over the session's stream.
// Cache hits for any mode return the earlier payload without creating a
// session.
func (s *Server) handleStartResearch(c *gin.Context) {
	var req ResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	query, mode, err := validateResearchRequest(req)
	if err != nil {
		s.respondError(c, nil, err)
		return
	}

	if cached, ok := s.researcher.Lookup(query, mode); ok {
		c.JSON(http.StatusOK, researchResponse(&cached, true))
		return
	}

	if mode == models.ModeDeep {
		sessionID, err := s.researcher.StartDeep(c.Request.Context(), query)
		if err != nil {
			s.respondError(c, nil, err)
			return
		}
		c.JSON(http.StatusAccepted, DeepAcceptedResponse{
			SessionID: sessionID,
			Mode:      models.ModeDeep,
			Status:    models.StatusRunning,
		})
		return
	}

	result, err := s.researcher.Run(c.Request.Context(), query, mode)
	if err != nil {
		s.respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, researchResponse(result, false))
}

// handleGetSession runs GET /research/:id and returns the session
// snapshot with its report and phase audit trail.
func (s *Server) handleGetSession(c *gin.Context) {
	sessionID, err := sessionIDParam(c)
	if err != nil {
		s.respondError(c, nil, err)
		return
	}

	ctx := c.Request.Context()
	sess, report, err := s.store.GetSessionWithReport(ctx, sessionID)
	if err != nil {
		s.respondError(c, &sessionID, err)
		return
	}
	phases, err := s.store.ListPhases(ctx, sessionID)
	if err != nil {
		s.respondError(c, &sessionID, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess, report, phases))
}
