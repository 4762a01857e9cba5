package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/gatechat/gatechat/internal/chatlog"
	"github.com/gatechat/gatechat/internal/gate"
)

const (
	sendBuffer      = 64
	broadcastBuffer = 256
	writeTimeout    = 5 * time.Second
)

// Hub fans chat-room traffic out to every connected listener. There is
// a single shared room; entry is gated by the permission check, both at
// connect time and again on every send.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	incoming   chan incomingMessage
	broadcast  chan chatlog.Message
	clients    map[*Client]struct{}
	gate       *gate.Gate
	messages   *chatlog.Service
	count      atomic.Int64
}

func NewHub(g *gate.Gate, messages *chatlog.Service) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan incomingMessage, 256),
		broadcast:  make(chan chatlog.Message, broadcastBuffer),
		clients:    make(map[*Client]struct{}),
		gate:       g,
		messages:   messages,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close(websocket.StatusGoingAway, "server shutdown")
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			h.count.Add(-1)
			c.close(websocket.StatusNormalClosure, "bye")
		case msg := <-h.incoming:
			h.handleIncoming(ctx, msg)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) ClientCount() int64 {
	return h.count.Load()
}

// NotifyMessage queues a stored message for fan-out. Safe to call from
// any goroutine; drops the event when the hub is saturated rather than
// blocking the caller.
func (h *Hub) NotifyMessage(msg chatlog.Message) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.gate == nil || h.messages == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	username := strings.TrimSpace(r.URL.Query().Get("username"))
	decision, err := h.gate.VerifyPermission(r.Context(), username)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !decision.Permitted {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"permitted": false,
			"reasons":   decision.Reasons,
		})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &Client{
		conn:     conn,
		hub:      h,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, sendBuffer),
		username: username,
	}

	h.register <- client

	go client.writeLoop()

	h.sendHistory(ctx, client)

	// The request context is canceled as soon as this handler returns,
	// so the read loop must run here rather than in a goroutine.
	client.readLoop()
}

type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once
	username  string
}

func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister <- c
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		msg, err := decodeIncoming(data)
		if err != nil {
			c.sendError("invalid_message", err.Error())
			continue
		}
		c.hub.incoming <- incomingMessage{client: c, msg: msg}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.hub.unregister <- c
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		_ = c.conn.Close(status, reason)
	})
}

func (c *Client) sendEvent(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Client) sendError(code, message string) {
	c.sendEvent(errorEvent{Type: "error", Code: code, Message: message})
}

type incomingMessage struct {
	client *Client
	msg    inboundMessage
}

type inboundMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Encrypt  bool   `json:"encrypt"`
	Password string `json:"password"`
}

type outboundMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Encrypted bool   `json:"encrypted"`
	SentAt    string `json:"sent_at"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeIncoming(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, err
	}
	msg.Type = strings.TrimSpace(msg.Type)
	return msg, nil
}

func (h *Hub) handleIncoming(ctx context.Context, incoming incomingMessage) {
	switch incoming.msg.Type {
	case "message.send":
		h.handleSend(ctx, incoming.client, incoming.msg)
	default:
		incoming.client.sendError("unsupported_type", "unsupported message type")
	}
}

func (h *Hub) handleSend(ctx context.Context, sender *Client, msg inboundMessage) {
	if sender == nil || sender.username == "" {
		return
	}

	// The policy may have changed since the connection was accepted;
	// re-check on every send.
	decision, err := h.gate.VerifyPermission(ctx, sender.username)
	if err != nil {
		sender.sendError("server_error", "permission check failed")
		return
	}
	if !decision.Permitted {
		sender.sendError("permission_denied", strings.Join(decision.Reasons, "; "))
		return
	}

	stored, err := h.messages.Send(ctx, sender.username, msg.Content, msg.Encrypt, msg.Password)
	if err != nil {
		sender.sendError("invalid_message", err.Error())
		return
	}
	h.fanOut(stored)
}

func (h *Hub) fanOut(msg chatlog.Message) {
	event := outboundMessage{
		Type:      "message.new",
		ID:        msg.ID,
		Author:    msg.AuthorID,
		Content:   msg.Content,
		Encrypted: msg.Encrypted,
		SentAt:    msg.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	for client := range h.clients {
		client.sendEvent(event)
	}
}

func (h *Hub) sendHistory(ctx context.Context, client *Client) {
	if client == nil {
		return
	}

	msgs, err := h.messages.List(ctx)
	if err != nil {
		client.sendError("server_error", "failed to load history")
		return
	}

	for _, msg := range msgs {
		client.sendEvent(outboundMessage{
			Type:      "message.history",
			ID:        msg.ID,
			Author:    msg.AuthorID,
			Content:   msg.Content,
			Encrypted: msg.Encrypted,
			SentAt:    msg.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
}
