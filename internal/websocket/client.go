package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/davidmoltin/bizflow/internal/monitor"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// Client streams one execution's events to one WebSocket connection
type Client struct {
	id     string
	conn   *websocket.Conn
	sub    *monitor.Subscription
	send   chan []byte
	logger *logger.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewClient creates a client for an open connection and subscription
func NewClient(conn *websocket.Conn, sub *monitor.Subscription, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	return &Client{
		id:     id,
		conn:   conn,
		sub:    sub,
		send:   make(chan []byte, 16),
		logger: log.With(logger.String("client_id", id), logger.String("execution_id", sub.ExecutionID.String())),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close stops both pumps
func (c *Client) Close() {
	c.closeOnce.Do(c.cancel)
}

// Done is closed once the client stops
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// enqueue queues a control or snapshot message, dropping it when the
// queue is full
func (c *Client) enqueue(msgType MessageType, data interface{}) {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		c.logger.Error("failed to build message", logger.Err(err))
		return
	}
	payload, _ := msg.ToJSON()
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("send channel full, dropping message", logger.String("type", string(msgType)))
	}
}

// readPump reads client messages until the peer goes away
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", logger.Err(err))
			}
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.enqueue(MessageTypeError, ErrorData{Code: "PARSE_ERROR", Message: "Invalid message format"})
			continue
		}
		if msg.Type == MessageTypePing {
			c.enqueue(MessageTypePong, nil)
		}
	}
}

// writePump writes queued messages and subscription events. It ends the
// stream after a final execution event.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	// the snapshot is queued before the pumps start and goes out first
	for len(c.send) > 0 {
		if err := c.write(<-c.send); err != nil {
			return
		}
	}

	for {
		select {
		case <-c.ctx.Done():
			c.writeClose()
			return

		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				return
			}

		case event, ok := <-c.sub.Events():
			if !ok {
				c.writeClose()
				return
			}
			msg, err := NewMessage(MessageTypeEvent, event)
			if err != nil {
				c.logger.Error("failed to encode event", logger.Err(err))
				continue
			}
			payload, _ := msg.ToJSON()
			if err := c.write(payload); err != nil {
				return
			}
			if isFinal(event) {
				c.writeClose()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) writeClose() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
}
