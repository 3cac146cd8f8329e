package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/middleware"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/service"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/metrics"
)

const (
	streamBuffer    = 64
	replayPageLimit = 100
)

// StreamHandler serves a conversation's change feed as server-sent events.
type StreamHandler struct {
	messages  *service.MessageService
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(msgSvc *service.MessageService, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{messages: msgSvc, heartbeat: heartbeat, logger: log}
}

// ReplayCompleteEvent marks the end of catch-up replay on a stream.
type ReplayCompleteEvent struct {
	LastMessageID string `json:"last_message_id,omitempty"`
	MessageCount  int    `json:"message_count"`
}

// sseWriter frames events on an open response. Events that carry a message
// are tagged with its id so EventSource reconnects send it back as
// Last-Event-ID.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseWriter) send(event, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// resumePoint picks the replay cursor: ?after= wins over the Last-Event-ID
// header a browser sends on reconnect.
func resumePoint(r *http.Request) string {
	if after := r.URL.Query().Get("after"); after != "" {
		return after
	}
	return r.Header.Get("Last-Event-ID")
}

// Stream handles GET /api/v1/conversations/{id}/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := pathID("conversation", conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The subscription delivers serially, so overflowed needs no lock.
	events := make(chan model.ConversationEvent, streamBuffer)
	overflow := make(chan struct{})
	overflowed := false
	sub, err := h.messages.Subscribe(ctx, conversationID, userID, func(e model.ConversationEvent) {
		if overflowed {
			return
		}
		select {
		case events <- e:
		default:
			overflowed = true
			close(overflow)
		}
	})
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	out := sseWriter{w: w, f: flusher}
	_ = out.send("connected", "", map[string]string{"conversation_id": conversationID})

	// Replay runs after subscribing so nothing committed in between is lost.
	// A message committed in that gap is both replayed and queued live; the
	// live copy is dropped. Live events arrive in commit order, so the first
	// created message not in the replayed set ends the overlap.
	var replayed map[string]struct{}
	if after := resumePoint(r); after != "" {
		var ok bool
		if replayed, ok = h.replay(r, out, conversationID, userID, after); !ok {
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("conversation_id", conversationID))
			return

		case e := <-events:
			id := ""
			if e.Message != nil {
				id = e.Message.ID
			}
			if replayed != nil && e.Type == model.EventMessageCreated {
				if _, dup := replayed[id]; dup {
					continue
				}
				replayed = nil
			}
			if err := out.send(string(e.Type), id, e); err != nil {
				return
			}

		case <-overflow:
			metrics.NotificationsDropped.WithLabelValues("sse_overflow").Inc()
			_ = out.send("error", "", &model.ErrorEvent{
				Code:    "slow_consumer",
				Message: "stream fell behind; reconnect with ?after=",
			})
			return

		case <-heartbeat.C:
			if err := out.send("heartbeat", "", &model.HeartbeatEvent{Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

// replay sends every message after the cursor and returns the ids it sent.
func (h *StreamHandler) replay(r *http.Request, out sseWriter, conversationID, userID, after string) (map[string]struct{}, bool) {
	sent := make(map[string]struct{})
	done := ReplayCompleteEvent{}
	page := store.Page{After: after, Limit: replayPageLimit}
	for {
		resp, err := h.messages.List(r.Context(), conversationID, userID, page)
		if err != nil {
			h.logger.Error("failed to replay messages",
				zap.String("conversation_id", conversationID), zap.Error(err))
			_ = out.send("error", "", &model.ErrorEvent{
				Code:    "replay_error",
				Message: "Failed to replay messages",
			})
			return nil, false
		}
		for i := range resp.Messages {
			msg := &resp.Messages[i]
			if err := out.send("message", msg.ID, msg); err != nil {
				return nil, false
			}
			sent[msg.ID] = struct{}{}
			done.LastMessageID = msg.ID
			done.MessageCount++
		}
		if !resp.HasMore || len(resp.Messages) == 0 {
			break
		}
		page.After = done.LastMessageID
	}

	_ = out.send("replay_complete", done.LastMessageID, &done)
	return sent, true
}
