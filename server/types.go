package server

import "time"

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 256
	// sendQueueSize is the per-client outbound message buffer
	sendQueueSize = 256
	// broadcastQueueSize buffers requests into the broadcast worker
	broadcastQueueSize = 1024
)

// Message is an inbound protocol frame. The type field discriminates;
// the remaining fields are populated per type.
type Message struct {
	Type      string                 `json:"type"`
	TaskType  string                 `json:"task_type,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// broadcastRequest is the unit of work for the broadcast worker, which owns
// every send into (and close of) client channels.
type broadcastRequest struct {
	reqType string                 // "job" (fan-out), "message" (direct), "close"
	jobID   string                 // for "job"
	msg     map[string]interface{} // for "job" and "message"
	client  *Client                // for "message" and "close"
}
