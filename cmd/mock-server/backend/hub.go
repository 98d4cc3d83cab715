package backend

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// frame is the wire unit on both push paths.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type queuedFrame struct {
	seq     uint64
	payload json.RawMessage
}

// maxQueuedFrames bounds the poll replay buffer.
const maxQueuedFrames = 256

// Hub fans events out to websocket clients and queues them for the poll
// endpoint. Websocket clients must authenticate within the handshake window
// before they receive anything.
type Hub struct {
	logger   *zap.Logger
	jwt      *JWTService
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	queue   []queuedFrame
	nextSeq uint64
}

type wsClient struct {
	conn          *websocket.Conn
	writeMu       sync.Mutex
	authenticated bool
}

func (c *wsClient) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// NewHub creates an empty hub.
func NewHub(jwt *JWTService, logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger.Named("hub"),
		jwt:     jwt,
		clients: make(map[*wsClient]struct{}),
		nextSeq: 1,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Broadcast pushes one event to every authenticated websocket client and
// queues it for pollers.
func (h *Hub) Broadcast(event string, data any) {
	payload, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		h.logger.Error("failed to encode frame", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.queue = append(h.queue, queuedFrame{seq: h.nextSeq, payload: payload})
	h.nextSeq++
	if len(h.queue) > maxQueuedFrames {
		h.queue = h.queue[len(h.queue)-maxQueuedFrames:]
	}
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.authenticated {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.write(payload); err != nil {
			h.logger.Debug("dropping dead client", zap.Error(err))
			c.conn.Close()
		}
	}
	h.logger.Info("event broadcast",
		zap.String("event", event),
		zap.Int("clients", len(targets)))
}

// HandleSocket upgrades the connection and runs the read loop. The first
// frame must be an authenticate frame carrying a valid token.
func (h *Hub) HandleSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		if gjson.GetBytes(payload, "event").String() != "authenticate" {
			continue
		}
		token := gjson.GetBytes(payload, "data").String()
		if _, err := h.jwt.ValidateToken(token); err != nil {
			reply, _ := json.Marshal(frame{Event: "authentication-error", Data: "invalid token"})
			_ = client.write(reply)
			continue
		}

		h.mu.Lock()
		client.authenticated = true
		h.mu.Unlock()
		reply, _ := json.Marshal(frame{Event: "authenticated"})
		_ = client.write(reply)
	}
}

// HandlePoll serves queued frames past the caller's cursor.
func (h *Hub) HandlePoll(c *gin.Context) {
	if !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "unauthorized"})
		return
	}

	var after uint64
	if cursor := c.Query("cursor"); cursor != "" {
		after, _ = strconv.ParseUint(cursor, 10, 64)
	}

	h.mu.Lock()
	last := after
	events := make([]json.RawMessage, 0)
	for _, q := range h.queue {
		if q.seq > after {
			events = append(events, q.payload)
			last = q.seq
		}
	}
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"cursor": strconv.FormatUint(last, 10),
		"events": events,
	})
}

// HandlePollSend accepts outbound frames from the polling transport. The
// handshake frame is acknowledged and everything else ignored; pollers are
// authenticated per request by their bearer token.
func (h *Hub) HandlePollSend(c *gin.Context) {
	if !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "unauthorized"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Hub) authorized(c *gin.Context) bool {
	header := c.GetHeader("Authorization")
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}
	_, err := h.jwt.ValidateToken(parts[1])
	return err == nil
}
