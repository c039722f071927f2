package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatdelivery/internal/config"
	"github.com/teris-io/shortid"
	"golang.org/x/time/rate"
)

const inboundQueueSize = 64

type Client struct {
	id         string
	userId     string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *slog.Logger
	cfg        config.WebsocketConfig
	limiter    *rate.Limiter
	send       chan *ServerMessage
	inbound    chan *ClientMessage
	// activeChat is guarded by the chat server's rooms lock
	activeChat string
	ctx        context.Context
	cancel     context.CancelFunc
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(userId string, conn *websocket.Conn, cs *ChatServer, l *slog.Logger) *Client {
	id := shortid.MustGenerate()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := cs.wsCfg

	return &Client{
		id:         id,
		userId:     userId,
		conn:       conn,
		chatServer: cs,
		log:        l.With("conn_id", id, "user_id", userId),
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.EventBurst),
		send:       make(chan *ServerMessage, cfg.SendBufferSize),
		inbound:    make(chan *ClientMessage, inboundQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) pingInterval() time.Duration {
	return (c.cfg.PongWait * 9) / 10
}

func (c *Client) Write() {
	ticker := time.NewTicker(c.pingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error("failed to serialize message", "error", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws: read", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("error parsing message", "error", err)
			c.queueMessage(ErrInvalidMessage(0, ""))
			continue
		}
		if err := validate.Struct(&msg); err != nil {
			c.queueMessage(ErrInvalidMessage(msg.Id, "missing event"))
			continue
		}
		msg.client = c

		// acks resolve pending emits and are never queued or rate limited
		if msg.Event == EventAck {
			c.handleAck(&msg)
			continue
		}

		if !c.limiter.Allow() {
			if msg.Event != EventTyping {
				c.queueMessage(ErrTooManyRequests(msg.Id))
			}
			continue
		}

		select {
		case c.inbound <- &msg:
		default:
			c.log.Warn("inbound queue full", "event", msg.Event)
			c.queueMessage(ErrServiceUnavailable(msg.Id))
		}
	}
}

// Process runs the client's events in arrival order until the client stops.
func (c *Client) Process() {
	for {
		select {
		case msg := <-c.inbound:
			c.chatServer.handle(c.ctx, msg)
		case <-c.stop:
			return
		}
	}
}

func (c *Client) handleAck(msg *ClientMessage) {
	var ack AckPayload
	if err := msg.decodePayload(&ack); err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id, "invalid ack"))
		return
	}
	c.chatServer.resolveAck(c, ack.AckId)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", "error", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		c.cancel()
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.deRegisterClient(c)
	c.stopClient()
}
