package server

// This file contains HTTP handler methods for the Server:
// - WebSocket upgrade (HandleWebSocket)
// - Health checks (HandleHealth)
// - Rendered artifact fetch (HandleImage)

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Inbound message rate limit per connection; generous enough for interactive
// clients, tight enough to stop a runaway loop.
const (
	clientMessageRate  = rate.Limit(50)
	clientMessageBurst = 100
)

// HandleWebSocket upgrades the connection and binds it to the client identity
// from the client_id query parameter. Absent a client_id the connection is
// anonymous: it can subscribe, but under a synthetic identity that does not
// survive disconnect.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.subs.ConnectionCount() >= MaxClients {
		s.logger.Warnw("Max clients reached, rejecting connection",
			"remote_addr", r.RemoteAddr,
			"max_clients", MaxClients,
		)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed",
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	anonymous := clientID == ""
	if anonymous {
		clientID = "conn-" + uuid.NewString()
	}

	client := &Client{
		server:    s,
		conn:      conn,
		sendMsg:   make(chan interface{}, sendQueueSize),
		id:        uuid.NewString(),
		clientID:  clientID,
		anonymous: anonymous,
		limiter:   rate.NewLimiter(clientMessageRate, clientMessageBurst),
	}

	if evicted := s.subs.Connect(client); evicted != nil {
		s.logger.Infow("Supplanting previous connection for client",
			"client_id", clientID,
			"old_connection_id", evicted.id,
			"new_connection_id", client.id,
		)
		// Graceful close; WriteControl is safe alongside the old write pump.
		evicted.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "superseded by new connection"),
			time.Now().Add(writeWait),
		)
		evicted.conn.Close()
		connectedClients.Dec()
	}

	connectedClients.Inc()
	s.logger.Infow("Client connected",
		"connection_id", client.id,
		"client_id", clientID,
		"anonymous", anonymous,
		"total_clients", s.subs.ConnectionCount(),
	)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
}

// HandleHealth reports server liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleImage serves a rendered artifact by filename from the output
// directory. Path traversal is rejected; misses are 404s.
func (s *Server) HandleImage(w http.ResponseWriter, r *http.Request) {
	filename := strings.TrimPrefix(r.URL.Path, "/api/image/")
	if filename == "" || strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}

	path := filepath.Join(s.outputDir, filename)
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}
