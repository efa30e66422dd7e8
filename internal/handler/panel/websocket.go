package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	alertpanel "github.com/jwalitptl/alerts-api/internal/panel"
	"github.com/jwalitptl/alerts-api/internal/session"
	apperrors "github.com/jwalitptl/alerts-api/pkg/errors"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	viewBuffer     = 8
)

// Client messages.
const (
	MessageMarkRead = "mark_read"
	MessagePing     = "ping"
)

// Server messages.
const (
	MessageView  = "view"
	MessageAck   = "ack"
	MessagePong  = "pong"
	MessageError = "error"
)

type ClientMessage struct {
	Type string `json:"type"`
	ID   int64  `json:"id,omitempty"`
}

type ServerMessage struct {
	Type    string           `json:"type"`
	View    *alertpanel.View `json:"view,omitempty"`
	ID      int64            `json:"id,omitempty"`
	Code    int              `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

// StreamPanel upgrades to a WebSocket and pushes every rebuilt view of the
// client's panel, starting with the current one. Clicking a notification is
// sent back as a mark_read message.
//
// Endpoint: GET /api/v1/panel/ws?token=JWT
func (h *Handler) StreamPanel(c *gin.Context) {
	s, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.log.Warn("websocket upgrade failed", "client_id", s.ClientID, "error", err.Error())
		return
	}
	defer conn.Close()

	log := h.log.WithFields(map[string]interface{}{"client_id": s.ClientID})
	log.Debug("panel stream opened")

	views := make(chan alertpanel.View, viewBuffer)
	unsubscribe := s.Panel.Subscribe(func(v alertpanel.View) {
		pushLatest(views, v)
	})
	defer unsubscribe()
	pushLatest(views, s.Panel.View())

	replies := make(chan ServerMessage)
	writerDone := make(chan struct{})
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(writerDone)
		h.writeLoop(conn, views, replies, stop)
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Aggregator.Refresh()
			case <-stop:
				return
			}
		}
	}()

	h.readLoop(c.Request.Context(), conn, s, replies, writerDone)
	close(stop)
	wg.Wait()
	log.Debug("panel stream closed")
}

// pushLatest queues v, discarding the oldest queued view when the client is
// slow. Only the latest view matters to the client.
func pushLatest(views chan alertpanel.View, v alertpanel.View) {
	for {
		select {
		case views <- v:
			return
		default:
		}
		select {
		case <-views:
		default:
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, views <-chan alertpanel.View, replies <-chan ServerMessage, stop <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	write := func(msg ServerMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	for {
		var err error
		select {
		case v := <-views:
			err = write(ServerMessage{Type: MessageView, View: &v})
		case msg := <-replies:
			err = write(msg)
		case <-ticker.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		case <-stop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
		if err != nil {
			// Unblocks the reader.
			_ = conn.Close()
			return
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, s *session.Session, replies chan<- ServerMessage, writerDone <-chan struct{}) {
	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	reply := func(msg ServerMessage) bool {
		select {
		case replies <- msg:
			return true
		case <-writerDone:
			return false
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("panel stream read failed", "client_id", s.ClientID, "error", err.Error())
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			if !reply(ServerMessage{Type: MessageError, Code: http.StatusBadRequest, Message: "invalid message"}) {
				return
			}
			continue
		}

		var out ServerMessage
		switch msg.Type {
		case MessageMarkRead:
			out = h.markRead(ctx, s.ClientID, msg.ID)
		case MessagePing:
			out = ServerMessage{Type: MessagePong}
		default:
			out = ServerMessage{Type: MessageError, Code: http.StatusBadRequest, Message: "unknown message type: " + msg.Type}
		}
		if !reply(out) {
			return
		}
	}
}

func (h *Handler) markRead(ctx context.Context, clientID, id int64) ServerMessage {
	if _, err := h.notifications.MarkAsRead(ctx, clientID, id); err != nil {
		status := http.StatusInternalServerError
		message := "internal server error"
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			status = appErr.StatusCode()
			message = appErr.Message
		}
		return ServerMessage{Type: MessageError, ID: id, Code: status, Message: message}
	}
	return ServerMessage{Type: MessageAck, ID: id}
}
