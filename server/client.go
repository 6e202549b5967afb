package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Client represents one WebSocket connection bound to a logical client
// identity — either the peer-supplied client_id from the upgrade query string
// or a synthetic per-connection identity for anonymous peers.
type Client struct {
	server    *Server
	conn      *websocket.Conn
	sendMsg   chan interface{}
	id        string // connection id, for logs
	clientID  string // logical identity, keys subscriptions
	anonymous bool
	limiter   *rate.Limiter
	closeOnce sync.Once // Defensive: prevents double-close panics
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.server.disconnectClient(c)
		c.conn.Close()
	}()

	// Configure connection limits and timeouts per Gorilla best practices
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.server.logger.Debugw("Read pump started", "connection_id", c.id, "client_id", c.clientID)

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			break
		}

		if !c.limiter.Allow() {
			c.server.logger.Warnw("Client exceeded message rate limit",
				"connection_id", c.id,
				"client_id", c.clientID,
			)
			c.server.sendError(c, "Rate limit exceeded", "")
			continue
		}

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error",
				"error", err.Error(),
				"connection_id", c.id,
				"message_size", len(messageBytes),
			)
			c.server.sendError(c, "Invalid JSON", "")
			continue
		}

		c.routeMessage(&msg)
	}
}

// handleReadError logs WebSocket read errors. Close errors are logged at info
// level; errors other than the expected closure codes (going away, abnormal,
// no status) are also logged as warnings.
func (c *Client) handleReadError(err error) {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		c.server.logger.Infow("WebSocket closed",
			"connection_id", c.id,
			"client_id", c.clientID,
			"code", closeErr.Code,
			"text", closeErr.Text,
		)
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			"connection_id", c.id,
			"client_id", c.clientID,
			"error", err,
		)
	}
}

// routeMessage dispatches incoming WebSocket messages to appropriate handlers.
// Malformed or unknown frames get an error reply; the transport stays open.
func (c *Client) routeMessage(msg *Message) {
	switch msg.Type {
	case "create_job":
		c.server.handleCreateJob(c, msg)
	case "get_status":
		c.server.handleGetStatus(c, msg)
	case "cancel_job":
		c.server.handleCancelJob(c, msg)
	case "get_client_jobs":
		c.server.handleGetClientJobs(c, msg)
	case "ping":
		// Deadline already refreshed by the pong handler
	default:
		c.server.logger.Debugw("Unknown message type",
			"type", msg.Type,
			"connection_id", c.id,
		)
		c.server.sendError(c, "Unknown message type: "+msg.Type, msg.RequestID)
	}
}

// writePump writes queued messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.server.logger.Debugw("Write pump started", "connection_id", c.id, "client_id", c.clientID)

	for {
		select {
		case <-c.server.ctx.Done():
			c.server.logger.Debugw("Write pump stopping due to server shutdown", "connection_id", c.id)
			return
		case msg, ok := <-c.sendMsg:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Warnw("Message write error",
					"error", err.Error(),
					"connection_id", c.id,
					"client_id", c.clientID,
				)
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

// close safely closes the client's send channel using sync.Once to prevent
// double-close panics. Called from the broadcast worker goroutine
// (single-writer model), or directly once the server context is done and the
// worker has stopped.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.sendMsg != nil {
			close(c.sendMsg)
		}
	})
}
