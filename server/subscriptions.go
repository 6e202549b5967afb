package server

import "sync"

// SubscriptionManager binds live connections to logical client identities and
// client identities to job subscriptions. Subscriptions are keyed by identity,
// not by transport handle, so a reconnecting client inherits everything it
// subscribed to before the drop. Only an explicit unsubscribe (or, for
// anonymous synthetic identities, the disconnect itself) removes state.
//
// The mutex guards O(1) map updates only; no I/O happens under it.
type SubscriptionManager struct {
	mu sync.RWMutex

	// Live connections.
	active map[*Client]struct{}

	// clientID -> current connection (at most one) and its inverse.
	clientConn map[string]*Client
	connClient map[*Client]string

	// jobID -> clientID -> correlation token ("" when none).
	jobSubs map[string]map[string]string

	// clientID -> set of subscribed job ids (inverse of jobSubs).
	clientJobs map[string]map[string]struct{}
}

// NewSubscriptionManager creates an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		active:     make(map[*Client]struct{}),
		clientConn: make(map[string]*Client),
		connClient: make(map[*Client]string),
		jobSubs:    make(map[string]map[string]string),
		clientJobs: make(map[string]map[string]struct{}),
	}
}

// Connect registers a connection under its client identity. If the identity
// already has a live connection, that connection is removed from the indexes
// and returned so the caller can close its transport. The supplanted
// connection's subscriptions are untouched — they belong to the identity.
func (m *SubscriptionManager) Connect(c *Client) (evicted *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.clientConn[c.clientID]; ok && prior != c {
		delete(m.active, prior)
		delete(m.connClient, prior)
		evicted = prior
	}

	m.active[c] = struct{}{}
	m.clientConn[c.clientID] = c
	m.connClient[c] = c.clientID
	return evicted
}

// Disconnect removes a connection from the indexes, preserving subscriptions
// keyed by a real client identity. Synthetic identities die with their
// connection, so their subscriptions are dropped here. Returns false if the
// connection was already removed (e.g. it was supplanted).
func (m *SubscriptionManager) Disconnect(c *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connClient[c]; !ok {
		return false
	}

	delete(m.active, c)
	delete(m.connClient, c)
	if m.clientConn[c.clientID] == c {
		delete(m.clientConn, c.clientID)
	}

	if c.anonymous {
		for jobID := range m.clientJobs[c.clientID] {
			m.dropSubscriptionLocked(jobID, c.clientID)
		}
		delete(m.clientJobs, c.clientID)
	}
	return true
}

// Subscribe binds the connection's client identity to a job id. The latest
// correlation token wins when a subscription already exists.
func (m *SubscriptionManager) Subscribe(jobID string, c *Client, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.jobSubs[jobID]
	if subs == nil {
		subs = make(map[string]string)
		m.jobSubs[jobID] = subs
	}
	subs[c.clientID] = requestID

	jobSet := m.clientJobs[c.clientID]
	if jobSet == nil {
		jobSet = make(map[string]struct{})
		m.clientJobs[c.clientID] = jobSet
	}
	jobSet[jobID] = struct{}{}
}

// Unsubscribe removes the connection's client identity from a job id.
func (m *SubscriptionManager) Unsubscribe(jobID string, c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropSubscriptionLocked(jobID, c.clientID)
	if jobSet, ok := m.clientJobs[c.clientID]; ok {
		delete(jobSet, jobID)
		if len(jobSet) == 0 {
			delete(m.clientJobs, c.clientID)
		}
	}
}

func (m *SubscriptionManager) dropSubscriptionLocked(jobID, clientID string) {
	if subs, ok := m.jobSubs[jobID]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(m.jobSubs, jobID)
		}
	}
}

// subscriberTarget is one resolved delivery target for a broadcast.
type subscriberTarget struct {
	client    *Client
	requestID string
}

// Subscribers resolves the live delivery targets for a job id. Subscriptions
// whose identity has no current connection are counted but skipped — they are
// not buffered; the client catches up via get_client_jobs on reconnect.
func (m *SubscriptionManager) Subscribers(jobID string) (targets []subscriberTarget, skipped int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for clientID, requestID := range m.jobSubs[jobID] {
		conn, ok := m.clientConn[clientID]
		if !ok {
			skipped++
			continue
		}
		targets = append(targets, subscriberTarget{client: conn, requestID: requestID})
	}
	return targets, skipped
}

// SubscriberCount returns the number of subscriptions for a job id.
func (m *SubscriptionManager) SubscriberCount(jobID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobSubs[jobID])
}

// ConnectionCount returns the number of live connections.
func (m *SubscriptionManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// ClientID returns the identity bound to a connection, or "" if the
// connection is not registered.
func (m *SubscriptionManager) ClientID(c *Client) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connClient[c]
}
