package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-chat/internal/config"
	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/pkg/log"
)

const (
	defaultSendBuffer = 256
	defaultInboxSize  = 64
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
)

// MessageHandler handles one inbound frame of a client.
type MessageHandler func(ctx context.Context, c *Client, message []byte)

type Client struct {
	ID      string
	Hub     *Hub
	Conn    *websocket.Conn
	Send    chan []byte
	Session *domain.Session

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	config    config.WebSocketConfig
}

func NewClient(id string, hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = (cfg.PongWait * 9) / 10
	}
	return &Client{
		ID:      id,
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		Session: domain.NewSession(id),
		inbox:   make(chan []byte, inboxSize),
		closed:  make(chan struct{}),
		config:  cfg,
	}
}

// ReadPump moves inbound frames into the client's mailbox until the
// connection fails. It owns the mailbox and closes it on return.
func (c *Client) ReadPump() {
	defer func() {
		c.markClosed()
		close(c.inbox)
		c.Conn.Close()
	}()

	if c.config.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldConnectionID, c.ID).Msg("websocket read error")
			}
			return
		}

		c.Session.UpdateActivity()

		if !c.Enqueue(message) {
			return
		}
	}
}

// Enqueue places a frame in the mailbox, waiting for room when the
// mailbox is full. It reports false once the client is closed.
func (c *Client) Enqueue(message []byte) bool {
	if c.isClosed() {
		return false
	}
	select {
	case c.inbox <- message:
		return true
	case <-c.closed:
		return false
	}
}

// Process runs the client's event loop: frames are handled one at a time
// in arrival order. Frames still queued when the connection closes are
// dropped; the frame being handled runs to completion.
func (c *Client) Process(ctx context.Context, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.inbox:
			if !ok || c.isClosed() {
				return
			}
			handler(ctx, c, message)
		}
	}
}

// CloseInbox ends Process for clients that have no read pump.
func (c *Client) CloseInbox() {
	c.markClosed()
	close(c.inbox)
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues a message for this client only.
func (c *Client) SendMessage(message interface{}) error {
	_, err := c.Hub.SendTo(c, message)
	return err
}

// Reject closes a connection that was never admitted, sending a close
// frame with the given code and reason first.
func (c *Client) Reject(code int, reason string) {
	c.Session.Close()
	if c.Conn == nil {
		return
	}
	deadline := time.Now().Add(c.config.WriteWait)
	c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.Conn.Close()
}
