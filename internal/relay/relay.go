// Package relay maintains the WebSocket connection to the message
// relay: the hosted endpoint that forwards the user's messages from
// their devices to this agent and carries replies back.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// reconnectBase is the first retry delay; doubles up to reconnectMax.
	reconnectBase = time.Second
	reconnectMax  = time.Minute

	writeTimeout = 10 * time.Second
)

// InboundMessage is a user message routed through the relay.
type InboundMessage struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Response reports the outcome of processing one message.
type Response struct {
	MessageID string   `json:"message_id"`
	Success   bool     `json:"success"`
	Response  string   `json:"response,omitempty"`
	Error     string   `json:"error,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// wireMessage is the generic relay frame.
type wireMessage struct {
	Type         string            `json:"type"`
	DeviceID     string            `json:"device_id,omitempty"`
	Token        string            `json:"token,omitempty"`
	Description  string            `json:"description,omitempty"`
	MessageID    string            `json:"message_id,omitempty"`
	Message      *InboundMessage   `json:"message,omitempty"`
	Text         string            `json:"text,omitempty"`
	HighPriority bool              `json:"high_priority,omitempty"`
	Response     *Response         `json:"response,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Handler receives routed messages. Called from the read loop; long
// work must move to its own goroutine so reads keep draining.
type Handler func(msg InboundMessage)

// Client is a reconnecting relay connection.
type Client struct {
	url         string
	token       string
	deviceID    string
	description string
	handler     Handler
	logger      *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
}

// New creates a relay client. The description tells the relay what
// kinds of requests to route here. The handler may be nil for
// send-only use.
func New(relayURL, token, deviceID, description string, handler Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:         relayURL,
		token:       token,
		deviceID:    deviceID,
		description: description,
		handler:     handler,
		logger:      logger.With("component", "relay"),
	}
}

// Run connects and keeps the connection alive until ctx is cancelled,
// reconnecting with doubling backoff after any failure.
func (c *Client) Run(ctx context.Context) error {
	delay := reconnectBase
	for {
		registered, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			// The session was healthy; start the backoff over.
			delay = reconnectBase
		}
		c.logger.Warn("relay connection lost, reconnecting", "error", err, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// connectAndRead dials, registers, and reads until the connection
// drops. registered reports whether the handshake completed, so the
// caller can reset its backoff.
func (c *Client) connectAndRead(ctx context.Context) (registered bool, err error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return false, fmt.Errorf("parse relay URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to relay", "url", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	if err := c.register(conn); err != nil {
		return false, err
	}
	c.logger.Info("registered with relay", "device", c.deviceID)

	// Close the socket when ctx is cancelled so the blocking read
	// returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	return true, c.readLoop(conn)
}

func (c *Client) register(conn *websocket.Conn) error {
	reg := wireMessage{Type: "register", DeviceID: c.deviceID, Token: c.token, Description: c.description}
	if err := conn.WriteJSON(&reg); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	var resp wireMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read register response: %w", err)
	}
	if resp.Type != "registered" {
		if resp.Error != "" {
			return fmt.Errorf("relay rejected registration: %s", resp.Error)
		}
		return fmt.Errorf("expected registered, got %s", resp.Type)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("relay closed connection")
			}
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case "message":
			if msg.Message == nil {
				c.logger.Warn("message frame without payload")
				continue
			}
			c.logger.Debug("message received", "id", msg.Message.ID)
			if c.handler != nil {
				c.handler(*msg.Message)
			}

		case "ping":
			c.send(&wireMessage{Type: "pong"})

		default:
			c.logger.Debug("unhandled relay frame", "type", msg.Type)
		}
	}
}

// SendAck acknowledges receipt of a message before processing starts.
func (c *Client) SendAck(messageID string) error {
	return c.send(&wireMessage{Type: "ack", MessageID: messageID})
}

// SendResponse reports the final outcome of a processed message.
func (c *Client) SendResponse(resp Response) error {
	return c.send(&wireMessage{Type: "response", MessageID: resp.MessageID, Response: &resp})
}

// SendNotification pushes a mid-turn agent message to the user's
// devices. High priority marks questions that block the task.
func (c *Client) SendNotification(text string, highPriority bool) error {
	return c.send(&wireMessage{Type: "notification", Text: text, HighPriority: highPriority})
}

// send writes one frame under the write lock. gorilla/websocket allows
// only one concurrent writer.
func (c *Client) send(msg *wireMessage) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("relay not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Type, err)
	}
	return nil
}

// Close tears down the current connection, if any.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
