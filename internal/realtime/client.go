package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/onair-audio/backend/internal/auth"
	"github.com/onair-audio/backend/internal/chat"
	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/internal/moderation"
	"github.com/onair-audio/backend/internal/session"
	"github.com/onair-audio/backend/pkg/errs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Client represents a single WebSocket connection in a broadcast session.
type Client struct {
	ID          string
	BroadcastID uuid.UUID
	UserID      uuid.UUID
	DisplayName string
	Role        models.Role

	hub    *Hub
	sess   *session.Session
	conn   *websocket.Conn
	send   chan WSMessage
	frames chan []byte
	logger *zap.Logger

	closeOnce sync.Once
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token
// carries identity and role; join is validated before the upgrade so
// rejections come back as proper HTTP statuses.
func ServeWs(hub *Hub, coord *session.Coordinator, logger *zap.Logger, validate func(token string) (*auth.Claims, error), frameQueueDepth int) gin.HandlerFunc {
	return func(c *gin.Context) {
		broadcastIDStr := c.Query("broadcast_id")
		token := c.Query("token")
		if broadcastIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "broadcast_id and token required"})
			return
		}
		broadcastID, err := uuid.Parse(broadcastIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid broadcast_id"})
			return
		}
		claims, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		sess, err := coord.Open(c.Request.Context(), broadcastID)
		if err != nil {
			c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error(), "code": string(errs.CodeOf(err))})
			return
		}
		connection := &models.Connection{
			ID:          uuid.New().String(),
			BroadcastID: broadcastID,
			UserID:      claims.UserID,
			DisplayName: claims.DisplayName,
			Role:        claims.Role,
			JoinedAt:    time.Now(),
			Device:      c.Request.UserAgent(),
			Location:    c.ClientIP(),
		}
		if err := sess.Join(connection); err != nil {
			c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error(), "code": string(errs.CodeOf(err))})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			sess.Leave(connection.ID)
			return
		}

		client := &Client{
			ID:          connection.ID,
			BroadcastID: broadcastID,
			UserID:      claims.UserID,
			DisplayName: claims.DisplayName,
			Role:        claims.Role,
			hub:         hub,
			sess:        sess,
			conn:        conn,
			send:        make(chan WSMessage, 256),
			frames:      make(chan []byte, frameQueueDepth),
			logger:      logger,
		}
		hub.Register(client)
		client.sendEvent("session_state", sess.Snapshot())
		go client.writePump()
		client.readPump()
	}
}

// queueFrame enqueues one downstream audio frame, dropping the oldest queued
// frame when the consumer has fallen behind. Stalled listeners resume with
// current frames; there is no backlog replay.
func (c *Client) queueFrame(frame []byte) {
	for {
		select {
		case c.frames <- frame:
			return
		default:
			select {
			case <-c.frames:
			default:
			}
		}
	}
}

// sendEvent queues a control message for this client only.
func (c *Client) sendEvent(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

func (c *Client) sendError(err error) {
	c.sendEvent("error", gin.H{
		"code":    string(errs.CodeOf(err)),
		"message": err.Error(),
	})
}

// evict tells the client why it is being disconnected, then closes the
// socket. The read pump's teardown handles the rest.
func (c *Client) evict(reason string) {
	c.sendEvent("evicted", gin.H{"reason": reason})
	c.closeOnce.Do(func() {
		time.AfterFunc(200*time.Millisecond, func() { _ = c.conn.Close() })
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.sess.Leave(c.ID)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		if msgType == websocket.BinaryMessage {
			c.handleAudioFrame(data)
			continue
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(errs.InvalidParameter("malformed message"))
			continue
		}
		c.handleControl(msg)
	}
}

func (c *Client) handleAudioFrame(data []byte) {
	sourceID, seq, payload, err := decodeUpstreamFrame(data)
	if err != nil {
		c.sendError(errs.InvalidParameter("malformed audio frame"))
		return
	}
	if err := c.sess.PushAudio(c.ID, sourceID, seq, payload); err != nil {
		c.sendError(err)
	}
}

func (c *Client) handleControl(msg WSMessage) {
	switch msg.Event {
	case "start_broadcast":
		if err := c.sess.Start(c.ID); err != nil {
			c.sendError(err)
		}
	case "stop_broadcast":
		if _, err := c.sess.Stop(c.ID); err != nil {
			c.sendError(err)
		}
	case "attach_source":
		c.handleAttachSource(msg.Data)
	case "detach_source":
		var p struct {
			SourceID uuid.UUID `json:"source_id"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.sendError(errs.InvalidParameter("malformed payload"))
			return
		}
		if err := c.sess.DetachSource(c.ID, p.SourceID); err != nil {
			c.sendError(err)
		}
	case "set_gain":
		var p struct {
			SourceID uuid.UUID `json:"source_id"`
			Gain     int       `json:"gain"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.sendError(errs.InvalidParameter("malformed payload"))
			return
		}
		if err := c.sess.SetSourceGain(c.ID, p.SourceID, p.Gain); err != nil {
			c.sendError(err)
		}
	case "set_muted":
		var p struct {
			SourceID uuid.UUID `json:"source_id"`
			Muted    bool      `json:"muted"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.sendError(errs.InvalidParameter("malformed payload"))
			return
		}
		if err := c.sess.SetSourceMuted(c.ID, p.SourceID, p.Muted); err != nil {
			c.sendError(err)
		}
	case "chat_send":
		var p struct {
			Content string             `json:"content"`
			Type    models.MessageType `json:"type"`
			ReplyTo *uuid.UUID         `json:"reply_to"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.sendError(errs.InvalidParameter("malformed payload"))
			return
		}
		if _, err := c.sess.PostChat(c.ID, p.Content, p.Type, p.ReplyTo); err != nil {
			c.sendError(err)
		}
	case "chat_react":
		var p struct {
			MessageID uuid.UUID         `json:"message_id"`
			Kind      chat.ReactionKind `json:"kind"`
			Emoji     string            `json:"emoji"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.sendError(errs.InvalidParameter("malformed payload"))
			return
		}
		if _, err := c.sess.React(c.ID, p.MessageID, p.Kind, p.Emoji); err != nil {
			c.sendError(err)
		}
	case "moderate":
		c.handleModerate(msg.Data)
	case "leave":
		// Graceful leave: close the socket and let the read pump's
		// teardown unregister the connection.
		c.closeOnce.Do(func() { _ = c.conn.Close() })
	case "state":
		c.sendEvent("session_state", c.sess.Snapshot())
	default:
		// ignore
	}
}

func (c *Client) handleAttachSource(data json.RawMessage) {
	var p struct {
		SourceID uuid.UUID         `json:"source_id"`
		Type     models.SourceType `json:"type"`
		Gain     *int              `json:"gain"`
		Priority int               `json:"priority"`
		Muted    bool              `json:"muted"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError(errs.InvalidParameter("malformed payload"))
		return
	}
	gain := 100
	if p.Gain != nil {
		gain = *p.Gain
	}
	src := models.AudioSource{
		ID:       p.SourceID,
		Type:     p.Type,
		Gain:     gain,
		Priority: p.Priority,
		Muted:    p.Muted,
	}
	attached, err := c.sess.AttachSource(c.ID, src)
	if err != nil {
		c.sendError(err)
		return
	}
	c.sendEvent("source_attached", attached)
}

func (c *Client) handleModerate(data json.RawMessage) {
	var p struct {
		Action     models.ActionType `json:"action"`
		TargetUser uuid.UUID         `json:"target_user"`
		TargetMsg  *uuid.UUID        `json:"target_msg"`
		Reason     string            `json:"reason"`
		DurationMS int64             `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError(errs.InvalidParameter("malformed payload"))
		return
	}
	var dur *time.Duration
	if p.DurationMS > 0 {
		d := time.Duration(p.DurationMS) * time.Millisecond
		dur = &d
	}
	target := moderation.Target{UserID: p.TargetUser, MessageID: p.TargetMsg}
	if _, err := c.sess.Moderate(c.ID, target, p.Action, p.Reason, dur); err != nil {
		c.sendError(err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case frame := <-c.frames:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
