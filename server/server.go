// Package server hosts the WebSocket hub: connection lifecycle, the
// subscription manager, the protocol handler and the broadcast worker that
// bridges job executor goroutines onto client connections.
package server

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/renderq/renderq/config"
	"github.com/renderq/renderq/jobs"
)

// Server owns the transport side of the system. All state the protocol
// touches — the registry and the subscription indexes — is held as explicit
// values wired in at construction.
type Server struct {
	cfg      config.ServerConfig
	registry *jobs.Registry
	subs     *SubscriptionManager

	// broadcastReq funnels every client channel send (and close) through the
	// single broadcast worker goroutine. Executor goroutines post here via the
	// registry's broadcast callback; protocol handlers post direct replies.
	// One queue means per-job production order survives all the way to each
	// subscriber's write pump.
	broadcastReq chan *broadcastRequest

	outputDir string

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

// New creates a server wired to a registry. The registry's broadcast callback
// is installed here: events produced on executor goroutines are posted onto
// the broadcast queue and drained by the worker.
func New(cfg *config.Config, registry *jobs.Registry, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:          cfg.Server,
		registry:     registry,
		subs:         NewSubscriptionManager(),
		broadcastReq: make(chan *broadcastRequest, broadcastQueueSize),
		outputDir:    cfg.T2I.OutputDir,
		ctx:          ctx,
		cancel:       cancel,
		logger:       log.Named("server"),
	}

	registry.SetBroadcastCallback(s.BroadcastToJob)
	return s
}

// Start launches the broadcast worker.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBroadcastWorker()
	}()
}

// BroadcastToJob is the registry's broadcast sink. Safe to call from any
// goroutine: it only posts onto the broadcast queue. The send blocks when the
// queue is full rather than dropping — lifecycle events are not idempotent and
// every subscriber is owed exactly one terminal broadcast.
func (s *Server) BroadcastToJob(jobID string, msg map[string]interface{}) {
	req := &broadcastRequest{reqType: "job", jobID: jobID, msg: msg}
	select {
	case s.broadcastReq <- req:
	case <-s.ctx.Done():
	}
}

// sendToClient queues a direct reply through the broadcast worker.
func (s *Server) sendToClient(c *Client, msg map[string]interface{}) {
	req := &broadcastRequest{reqType: "message", client: c, msg: msg}
	select {
	case s.broadcastReq <- req:
	case <-s.ctx.Done():
	}
}

// runBroadcastWorker drains the broadcast queue. It is the only goroutine
// that sends into or closes client channels.
func (s *Server) runBroadcastWorker() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Broadcast worker stopping due to server shutdown")
			return
		case req := <-s.broadcastReq:
			switch req.reqType {
			case "close":
				req.client.close()
			case "message":
				s.deliver(req.client, req.msg)
			case "job":
				s.fanOut(req.jobID, req.msg)
			}
		}
	}
}

// fanOut delivers a job event to every live subscriber. Subscribers carrying a
// correlation token get their own copy with request_id injected; the shared
// message is never mutated.
func (s *Server) fanOut(jobID string, msg map[string]interface{}) {
	targets, skipped := s.subs.Subscribers(jobID)

	for _, target := range targets {
		out := msg
		if target.requestID != "" {
			tagged := make(map[string]interface{}, len(msg)+1)
			for k, v := range msg {
				tagged[k] = v
			}
			tagged["request_id"] = target.requestID
			out = tagged
		}
		s.deliver(target.client, out)
	}

	broadcastSends.Add(float64(len(targets)))
	s.logger.Debugw("Broadcast delivered",
		"job_id", jobID,
		"delivered", len(targets),
		"skipped_disconnected", skipped,
	)
}

// deliver enqueues a message onto a client's send channel. A full queue means
// the client can't keep up; evict the connection so the peer can reconnect and
// catch up. Subscriptions under a real client identity are kept; those of an
// anonymous connection go with it.
func (s *Server) deliver(c *Client, msg interface{}) {
	select {
	case c.sendMsg <- msg:
	default:
		s.removeSlowClient(c)
	}
}

// removeSlowClient evicts a client whose send queue is full.
// IMPORTANT: only called from the broadcast worker, so closing channels
// directly is safe (single-writer invariant maintained).
func (s *Server) removeSlowClient(c *Client) {
	if !s.subs.Disconnect(c) {
		return // Already removed
	}
	connectedClients.Dec()
	c.close()
	c.conn.Close()

	s.logger.Warnw("Client send queue full, removing client",
		"connection_id", c.id,
		"client_id", c.clientID,
	)
}

// disconnectClient tears down a connection after its read pump exits.
// Subscriptions under a real client identity stay in place for reconnection.
func (s *Server) disconnectClient(c *Client) {
	if s.subs.Disconnect(c) {
		connectedClients.Dec()
		s.logger.Infow("Client disconnected",
			"connection_id", c.id,
			"client_id", c.clientID,
			"total_clients", s.subs.ConnectionCount(),
		)
	}

	// Channel close goes through the worker to keep the single-writer model.
	req := &broadcastRequest{reqType: "close", client: c}
	select {
	case s.broadcastReq <- req:
	case <-s.ctx.Done():
		c.close()
	}
}

// Shutdown stops the HTTP listener, the broadcast worker and all pumps.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("Server shutting down")

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Shutdown timeout, goroutines may still be exiting")
	}

	return httpErr
}
