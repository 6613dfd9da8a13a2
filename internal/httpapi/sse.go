package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/events"
	"github.com/devboard/devboard/internal/events/bus"
)

// HeartbeatInterval is the SSE keep-alive period.
const HeartbeatInterval = 15 * time.Second

// sseFrame is one server-sent event ready to write.
type sseFrame struct {
	event string
	data  []byte
}

// busHandler adapts a plain callback to the bus handler signature.
func busHandler(fn func(*bus.Event)) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		fn(event)
		return nil
	}
}

// StreamIssue handles GET /api/v1/issues/:issueId/stream. It relays the
// issue's execution events as SSE: `log`, `state`, `done` (settled),
// `issue-updated` and `changes-summary`, with a comment heartbeat every 15s.
func (h *Handler) StreamIssue(c *gin.Context) {
	issueID := c.Param("issueId")

	if _, err := h.store.GetIssue(c.Request.Context(), issueID); err != nil {
		h.respondError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// Subscribers must not block the bus; frames drop when the client lags.
	frames := make(chan sseFrame, 256)
	push := func(event string, data interface{}) {
		payload, err := json.Marshal(data)
		if err != nil {
			return
		}
		select {
		case frames <- sseFrame{event: event, data: payload}:
		default:
			h.logger.Warn("sse client lagging, dropping frame",
				zap.String("issue_id", issueID), zap.String("event", event))
		}
	}

	subs := make([]bus.Subscription, 0, 5)
	addSub := func(subject, eventName string, filter func(*bus.Event) bool) {
		sub, err := h.bus.Subscribe(subject, busHandler(func(event *bus.Event) {
			if filter != nil && !filter(event) {
				return
			}
			push(eventName, event.Data)
		}))
		if err != nil {
			h.logger.Warn("sse subscribe failed", zap.String("subject", subject), zap.Error(err))
			return
		}
		subs = append(subs, sub)
	}

	addSub(events.BuildExecutionLogSubject(issueID), "log", nil)
	addSub(events.BuildExecutionStateSubject(issueID), "state", nil)
	addSub(events.BuildExecutionSettledSubject(issueID), "done", nil)
	addSub(events.BuildIssueUpdatedSubject(issueID), "issue-updated", nil)
	addSub(events.ChangesSummary, "changes-summary", func(event *bus.Event) bool {
		if data, ok := event.Data.(*events.ChangesSummaryData); ok {
			return data.IssueID == issueID
		}
		return true
	})

	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	fmt.Fprintf(c.Writer, ": connected\n\n")
	flusher.Flush()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		case frame := <-frames:
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", frame.event, frame.data)
			flusher.Flush()
		}
	}
}
