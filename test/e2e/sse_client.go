package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/pkg/events"
)

// SSEFrame is one parsed server-sent event.
type SSEFrame struct {
	Event string
	Data  string
}

// StreamClient reads a research progress stream frame by frame. Comment
// frames (heartbeat pings) are counted but not delivered.
type StreamClient struct {
	cancel context.CancelFunc
	resp   *http.Response
	frames chan SSEFrame
	pings  atomic.Int64

	closeOnce sync.Once
}

// OpenStream connects to the session's SSE stream and starts reading.
// The connection is torn down via t.Cleanup; tests that simulate a client
// disconnect call Close explicitly.
func (app *TestApp) OpenStream(t *testing.T, sessionID string) *StreamClient {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, app.BaseURL+"/research/"+sessionID+"/stream", nil)
	if err != nil {
		cancel()
		require.NoError(t, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		require.NoError(t, err)
	}
	require.Equal(t, http.StatusOK, resp.StatusCode, "stream connect for session %s", sessionID)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := &StreamClient{
		cancel: cancel,
		resp:   resp,
		frames: make(chan SSEFrame, 64),
	}
	go sc.readLoop()
	t.Cleanup(sc.Close)
	return sc
}

// Close disconnects the client. Safe to call more than once.
func (sc *StreamClient) Close() {
	sc.closeOnce.Do(func() {
		sc.cancel()
		_ = sc.resp.Body.Close()
	})
}

// Next returns the next non-comment frame, or ok=false when the timeout
// elapses or the stream ends.
func (sc *StreamClient) Next(timeout time.Duration) (SSEFrame, bool) {
	select {
	case frame, ok := <-sc.frames:
		return frame, ok
	case <-time.After(timeout):
		return SSEFrame{}, false
	}
}

// ReadUntilTerminal collects frames until a terminal event ("complete" or
// "error") arrives and returns everything read, terminal included.
func (sc *StreamClient) ReadUntilTerminal(t *testing.T, timeout time.Duration) []SSEFrame {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var frames []SSEFrame
	for {
		frame, ok := sc.Next(time.Until(deadline))
		require.True(t, ok, "stream ended without a terminal event (frames so far: %d)", len(frames))
		frames = append(frames, frame)
		if frame.Event == events.EventComplete || frame.Event == events.EventError {
			return frames
		}
	}
}

// PingCount returns the number of heartbeat comment frames seen so far.
func (sc *StreamClient) PingCount() int {
	return int(sc.pings.Load())
}

// readLoop parses the SSE wire format: "event:"/"data:" lines accumulate
// into a frame, a blank line dispatches it, ":" lines are comments.
func (sc *StreamClient) readLoop() {
	defer close(sc.frames)

	reader := bufio.NewReader(sc.resp.Body)
	var frame SSEFrame
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if frame != (SSEFrame{}) {
				sc.frames <- frame
				frame = SSEFrame{}
			}
		case strings.HasPrefix(line, ":"):
			sc.pings.Add(1)
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if frame.Data != "" {
				frame.Data += "\n"
			}
			frame.Data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}

		if err != nil {
			return
		}
	}
}

// decodePhase unmarshals a "phase" frame payload.
func decodePhase(t *testing.T, frame SSEFrame) events.PhasePayload {
	t.Helper()
	require.Equal(t, events.EventPhase, frame.Event)
	var payload events.PhasePayload
	require.NoError(t, json.Unmarshal([]byte(frame.Data), &payload))
	return payload
}

// decodeComplete unmarshals a "complete" frame payload.
func decodeComplete(t *testing.T, frame SSEFrame) events.CompletePayload {
	t.Helper()
	require.Equal(t, events.EventComplete, frame.Event)
	var payload events.CompletePayload
	require.NoError(t, json.Unmarshal([]byte(frame.Data), &payload))
	return payload
}

// decodeError unmarshals an "error" frame payload.
func decodeError(t *testing.T, frame SSEFrame) events.ErrorPayload {
	t.Helper()
	require.Equal(t, events.EventError, frame.Event)
	var payload events.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(frame.Data), &payload))
	return payload
}
