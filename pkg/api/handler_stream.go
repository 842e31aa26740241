package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/fathomlabs/fathom/pkg/events"
	"github.com/fathomlabs/fathom/pkg/jobs"
	"github.com/fathomlabs/fathom/pkg/models"
)

// progressBuffer sizes the channel between the pipeline and the stream
// writer. The deep pipeline emits at most a dozen phase events, so the
// callback never blocks on a live connection.
const progressBuffer = 16

// deepOutcome carries the pipeline result to the streaming loop.
type deepOutcome struct {
	result *models.ResearchResult
	err    error
}

// handleStreamSession runs GET /research/:id/stream.
//
// Completed sessions answer with plain JSON; there is no stream left to
// replay. Failed sessions get a stream whose only event is the recorded
// error. Running sessions with a pending deep job execute the pipeline on
// this request's goroutine, streaming progress until the terminal event;
// running sessions without a job (claimed by an earlier connection, or
// lost to a restart) get a stream error instead.
func (s *Server) handleStreamSession(c *gin.Context) {
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

	switch sess.Status {
	case models.StatusCompleted:
		c.JSON(http.StatusOK, completedResponse(sess, report))
		return
	case models.StatusFailed:
		s.openStream(c)
		message, err := s.store.LatestErrorMessage(ctx, sessionID)
		if err != nil || message == "" {
			message = "research failed"
		}
		s.writeEvent(c, events.EventError, events.ErrorPayload{Message: message})
		return
	}

	job, ok := s.registry.Claim(sessionID)
	if !ok {
		s.openStream(c)
		s.writeEvent(c, events.EventError, events.ErrorPayload{
			Message: "no pending research job for this session",
		})
		return
	}
	s.streamDeepRun(c, job)
}

// streamDeepRun executes a claimed deep job and relays its progress over
// the open stream. The pipeline runs on the request's context: when the
// client disconnects, in-flight LLM and search calls are cancelled, the
// remaining events are dropped, and the session stays running.
func (s *Server) streamDeepRun(c *gin.Context, job jobs.Job) {
	ctx := c.Request.Context()
	s.openStream(c)

	progressCh := make(chan events.PhasePayload, progressBuffer)
	outcomeCh := make(chan deepOutcome, 1)

	go func() {
		result, err := s.researcher.ExecuteDeep(ctx, job, func(p events.PhasePayload) {
			select {
			case progressCh <- p:
			case <-ctx.Done():
			}
		})
		outcomeCh <- deepOutcome{result: result, err: err}
	}()

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away. The pipeline shares this context and
			// unwinds on its own; the buffered outcome send cannot leak.
			return
		case p := <-progressCh:
			s.writeEvent(c, events.EventPhase, p)
		case out := <-outcomeCh:
			// Progress the pipeline emitted just before returning is
			// still buffered; it must hit the wire ahead of the
			// terminal frame.
			s.drainProgress(c, progressCh)
			s.writeTerminal(c, ctx, out)
			return
		case <-heartbeat.C:
			s.writePing(c)
		}
	}
}

func (s *Server) drainProgress(c *gin.Context, progressCh <-chan events.PhasePayload) {
	for {
		select {
		case p := <-progressCh:
			s.writeEvent(c, events.EventPhase, p)
		default:
			return
		}
	}
}

// writeTerminal emits the stream's final frame. Cancelled runs get
// nothing: the client is gone and the session keeps its running status.
func (s *Server) writeTerminal(c *gin.Context, ctx context.Context, out deepOutcome) {
	if ctx.Err() != nil || errors.Is(out.err, context.Canceled) {
		return
	}
	if out.err != nil {
		s.writeEvent(c, events.EventError, events.ErrorPayload{Message: out.err.Error()})
		return
	}
	s.writeEvent(c, events.EventComplete, events.CompleteFromResult(out.result))
}

// openStream commits the SSE response headers before the first event.
func (s *Server) openStream(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
}

// writeEvent renders one SSE frame and flushes it to the client.
func (s *Server) writeEvent(c *gin.Context, name string, payload any) {
	c.Render(-1, sse.Event{Event: name, Data: payload})
	c.Writer.Flush()
}

// writePing emits a comment frame; SSE clients ignore it, proxies see
// traffic.
func (s *Server) writePing(c *gin.Context) {
	_, _ = c.Writer.WriteString(": ping\n\n")
	c.Writer.Flush()
}
