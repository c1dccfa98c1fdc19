package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oxdn/community/internal/activity"
	"github.com/oxdn/community/internal/errs"
	"github.com/oxdn/community/internal/presence"
	"github.com/oxdn/community/internal/realtime"
	"go.uber.org/zap"
)

const (
	streamEventSnapshot = "snapshot"
	streamEventChange   = "change"
	streamBufferSize    = 32

	websocketWriteTimeout = 10 * time.Second
	websocketMessageLimit = 4096
)

// newUpgrader accepts browser handshakes from the request's own origin and, when origins are
// configured, from those origins. Clients that send no Origin header are accepted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if allowsAnyOrigin(allowedOrigins) {
		// gorilla's default check enforces same origin.
		return upgrader
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[normalizeOrigin(origin)] = struct{}{}
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed[normalizeOrigin(origin)]; ok {
			return true
		}
		parsed, err := url.Parse(origin)
		return err == nil && strings.EqualFold(parsed.Host, r.Host)
	}
	return upgrader
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}

// streamMessage is one frame sent over a websocket.
type streamMessage struct {
	Type   string                `json:"type"`
	Record *activity.Record      `json:"record,omitempty"`
	Event  *realtime.ChangeEvent `json:"event,omitempty"`
	Error  string                `json:"error,omitempty"`
}

type clientMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// changeStream buffers listener callbacks for a single connection. Events that do not fit
// are dropped; the client recovers on its next snapshot.
type changeStream struct {
	listener *realtime.Listener
	events   chan realtime.ChangeEvent
}

func (h *httpHandler) openChangeStream(ctx context.Context, filter realtime.Filter) (*changeStream, error) {
	stream := &changeStream{events: make(chan realtime.ChangeEvent, streamBufferSize)}
	onChange := func(event realtime.ChangeEvent) {
		select {
		case stream.events <- event:
		default:
			h.logger.Warn("realtime stream backlog full, dropping event",
				zap.String("table", event.Table),
				zap.String("user_id", event.UserID))
		}
	}
	cfg := realtime.ListenerConfig{Logger: h.logger}
	var (
		listener *realtime.Listener
		err      error
	)
	if filter.UserID != "" {
		listener, err = realtime.ListenUser(ctx, h.feed, filter.Table, filter.UserID, onChange, cfg)
	} else {
		listener, err = realtime.Listen(ctx, h.feed, filter, onChange, cfg)
	}
	if err != nil {
		return nil, err
	}
	stream.listener = listener
	return stream, nil
}

func (h *httpHandler) handleActivityStream(c *gin.Context) {
	userID := currentUserID(c)
	record, err := h.activity.GetActivity(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.serveEventStream(c, realtime.Filter{Table: activity.TableName, UserID: userID}, record)
}

func (h *httpHandler) handlePresenceStream(c *gin.Context) {
	views, err := h.presence.ListActive(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if views == nil {
		views = []presence.View{}
	}
	h.serveEventStream(c, realtime.Filter{Table: activity.TableName}, presenceResponsePayload{Users: views})
}

func (h *httpHandler) serveEventStream(c *gin.Context, filter realtime.Filter, snapshot any) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	ctx := c.Request.Context()
	stream, err := h.openChangeStream(ctx, filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer stream.listener.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := writeServerSentEvent(c.Writer, streamEventSnapshot, snapshot); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.listener.Done():
			return
		case event := <-stream.events:
			if err := writeServerSentEvent(c.Writer, streamEventChange, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeServerSentEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// handleWebSocket streams the caller's activity changes and accepts status updates from
// the client.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	userID := currentUserID(c)
	record, err := h.activity.GetActivity(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.openChangeStream(ctx, realtime.Filter{Table: activity.TableName, UserID: userID})
	if err != nil {
		h.logger.Error("websocket subscription failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer stream.listener.Stop()

	outbound := make(chan streamMessage, streamBufferSize)
	outbound <- streamMessage{Type: streamEventSnapshot, Record: &record}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.websocketWritePump(ctx, conn, stream, outbound)
	}()

	h.websocketReadPump(ctx, conn, userID, outbound)
	cancel()
	<-writerDone
}

func (h *httpHandler) websocketReadPump(ctx context.Context, conn *websocket.Conn, userID string, outbound chan<- streamMessage) {
	conn.SetReadLimit(websocketMessageLimit)
	for {
		var message clientMessage
		if err := conn.ReadJSON(&message); err != nil {
			return
		}
		if message.Type != "status" {
			continue
		}
		if _, err := h.activity.SetStatus(ctx, userID, message.Status); err != nil {
			select {
			case outbound <- streamMessage{Type: "error", Error: errs.Reason(err, "status_rejected")}:
			default:
			}
			h.logger.Debug("websocket status update rejected", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func (h *httpHandler) websocketWritePump(ctx context.Context, conn *websocket.Conn, stream *changeStream, outbound <-chan streamMessage) {
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	write := func(message any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
		return conn.WriteJSON(message) == nil
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(websocketWriteTimeout))
			return
		case <-stream.listener.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "realtime feed unavailable"),
				time.Now().Add(websocketWriteTimeout))
			_ = conn.Close()
			return
		case message := <-outbound:
			if !write(message) {
				_ = conn.Close()
				return
			}
		case event := <-stream.events:
			eventCopy := event
			if !write(streamMessage{Type: streamEventChange, Event: &eventCopy}) {
				_ = conn.Close()
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(websocketWriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
