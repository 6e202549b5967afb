package server

// End-to-end protocol tests: a real Server behind httptest, driven over real
// WebSocket connections with the gorilla dialer. Handlers are gated on
// channels so lifecycle timing is deterministic.

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"net/http/httptest"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderq/renderq/config"
	"github.com/renderq/renderq/jobs"
)

type gatedHandler struct {
	gate      chan struct{}
	started   chan struct{}
	result    map[string]interface{}
	execCount atomic.Int32
}

func (h *gatedHandler) DeriveID(params map[string]interface{}) (string, error) {
	return jobs.DeriveParamsID(params)
}

func (h *gatedHandler) Execute(ctx context.Context, params map[string]interface{}, sink jobs.EventSink) (map[string]interface{}, error) {
	h.execCount.Add(1)
	if h.started != nil {
		h.started <- struct{}{}
	}
	if h.gate != nil {
		<-h.gate
	}
	if h.result != nil {
		return h.result, nil
	}
	return map[string]interface{}{"ok": true}, nil
}

type cachingGated struct {
	gatedHandler
	cacheDir string
}

func (h *cachingGated) CachePolicy() jobs.CachePolicy {
	return jobs.DefaultCachePolicy(h.cacheDir)
}

func newProtocolTest(t *testing.T, maxConcurrency int) (*jobs.Registry, *httptest.Server) {
	t.Helper()

	reg := jobs.NewRegistry(context.Background(), maxConcurrency, zap.NewNop().Sugar())
	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"http://localhost"}},
		Jobs:   config.JobsConfig{MaxConcurrency: maxConcurrency, CacheDir: t.TempDir()},
		T2I:    config.T2IConfig{OutputDir: t.TempDir()},
	}
	s := New(cfg, reg, zap.NewNop().Sugar())
	s.Start()

	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		ts.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	})
	return reg, ts
}

func dial(t *testing.T, ts *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	if clientID != "" {
		u += "?client_id=" + clientID
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readStatusFrame skips job_progress frames until a job_status (or error)
// arrives.
func readStatusFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if frame["type"] != "job_progress" {
			return frame
		}
	}
	t.Fatal("no job_status frame within 50 frames")
	return nil
}

// awaitStatus reads frames until a job_status with the wanted status arrives.
func awaitStatus(t *testing.T, conn *websocket.Conn, want string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == "job_status" && frame["status"] == want {
			return frame
		}
	}
	t.Fatalf("did not observe job_status %q", want)
	return nil
}

func TestCreateJobDedupAndPerSubscriberCorrelation(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)

	filler := &gatedHandler{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	target := &gatedHandler{}
	reg.Register("F", filler)
	reg.Register("T", target)

	// Occupy the single permit so the target job stays pending.
	connF := dial(t, ts, "filler")
	send(t, connF, map[string]interface{}{"type": "create_job", "task_type": "F", "params": map[string]interface{}{"hold": true}})
	readStatusFrame(t, connF)
	<-filler.started

	params := map[string]interface{}{"x": float64(1)}
	wantID, err := jobs.DeriveParamsID(params)
	require.NoError(t, err)

	conn1 := dial(t, ts, "c1")
	conn2 := dial(t, ts, "c2")

	send(t, conn1, map[string]interface{}{"type": "create_job", "task_type": "T", "params": params, "request_id": "r1"})
	frame := readStatusFrame(t, conn1)
	assert.Equal(t, "job_status", frame["type"])
	assert.Equal(t, wantID, frame["job_id"])
	assert.Equal(t, "pending", frame["status"])
	assert.Equal(t, "r1", frame["request_id"])

	send(t, conn2, map[string]interface{}{"type": "create_job", "task_type": "T", "params": params, "request_id": "r2"})
	frame = readStatusFrame(t, conn2)
	assert.Equal(t, wantID, frame["job_id"])
	assert.Equal(t, "pending", frame["status"])
	assert.Equal(t, "r2", frame["request_id"])

	// Release the filler; the deduplicated job executes exactly once and each
	// subscriber sees one processing and one completed, tagged with its own
	// correlation token.
	close(filler.gate)

	for conn, rid := range map[*websocket.Conn]string{conn1: "r1", conn2: "r2"} {
		frame = readStatusFrame(t, conn)
		assert.Equal(t, "processing", frame["status"])
		assert.Equal(t, rid, frame["request_id"])

		frame = readStatusFrame(t, conn)
		assert.Equal(t, "completed", frame["status"])
		assert.Equal(t, rid, frame["request_id"])
		assert.NotNil(t, frame["result"])
	}

	assert.Equal(t, int32(1), target.execCount.Load())
}

func TestCreateJobRepeatAfterCompletionReplaysResult(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	h := &gatedHandler{result: map[string]interface{}{"filename": "done.png"}}
	reg.Register("T", h)

	params := map[string]interface{}{"x": float64(1)}

	conn := dial(t, ts, "c1")
	send(t, conn, map[string]interface{}{"type": "create_job", "task_type": "T", "params": params})
	awaitStatus(t, conn, "completed")

	// A third create_job with the same params replies completed immediately,
	// carrying the result, with no processing broadcast.
	conn2 := dial(t, ts, "c2")
	send(t, conn2, map[string]interface{}{"type": "create_job", "task_type": "T", "params": params, "request_id": "r3"})
	frame := readStatusFrame(t, conn2)
	assert.Equal(t, "completed", frame["status"])
	assert.Equal(t, "r3", frame["request_id"])
	result, ok := frame["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "done.png", result["filename"])
	assert.Equal(t, int32(1), h.execCount.Load())
}

func TestCreateJobServedFromDiskCache(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	h := &cachingGated{cacheDir: t.TempDir()}
	reg.Register("T", h)

	params := map[string]interface{}{"prompt": "replay"}
	id, err := jobs.DeriveParamsID(params)
	require.NoError(t, err)

	policy := h.CachePolicy()
	blob, err := policy.Serialize(map[string]interface{}{"filename": "old.png"})
	require.NoError(t, err)
	require.NoError(t, jobs.WriteCache(jobs.CachePath(id, policy.Suffix, policy.Dir), blob))

	conn := dial(t, ts, "c1")
	send(t, conn, map[string]interface{}{"type": "create_job", "task_type": "T", "params": params})
	frame := readStatusFrame(t, conn)
	assert.Equal(t, "completed", frame["status"])
	result, ok := frame["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "old.png", result["filename"])
	assert.Equal(t, int32(0), h.execCount.Load())
}

func TestCancelPendingJobViaProtocol(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	filler := &gatedHandler{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	victim := &gatedHandler{}
	reg.Register("F", filler)
	reg.Register("B", victim)

	connF := dial(t, ts, "filler")
	send(t, connF, map[string]interface{}{"type": "create_job", "task_type": "F", "params": map[string]interface{}{"hold": true}})
	readStatusFrame(t, connF)
	<-filler.started

	conn := dial(t, ts, "c1")
	send(t, conn, map[string]interface{}{"type": "create_job", "task_type": "B", "params": map[string]interface{}{"n": float64(2)}, "request_id": "rb"})
	frame := readStatusFrame(t, conn)
	require.Equal(t, "pending", frame["status"])
	jobID := frame["job_id"].(string)

	send(t, conn, map[string]interface{}{"type": "cancel_job", "job_id": jobID})
	frame = readStatusFrame(t, conn)
	assert.Equal(t, "job_status", frame["type"])
	assert.Equal(t, "cancelled", frame["status"])
	assert.Equal(t, "rb", frame["request_id"]) // delivered via the create_job subscription

	close(filler.gate)
	assert.Equal(t, int32(0), victim.execCount.Load())
}

func TestCancelRunningJobViaProtocol(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	filler := &gatedHandler{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	h := &gatedHandler{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	reg.Register("F", filler)
	reg.Register("T", h)

	// Hold the permit so the target's pending reply lands before execution.
	connF := dial(t, ts, "filler")
	send(t, connF, map[string]interface{}{"type": "create_job", "task_type": "F", "params": map[string]interface{}{"hold": true}})
	readStatusFrame(t, connF)
	<-filler.started

	conn := dial(t, ts, "c1")
	send(t, conn, map[string]interface{}{"type": "create_job", "task_type": "T", "params": map[string]interface{}{"n": float64(1)}})
	frame := readStatusFrame(t, conn)
	require.Equal(t, "pending", frame["status"])
	jobID := frame["job_id"].(string)

	close(filler.gate)
	<-h.started
	frame = readStatusFrame(t, conn)
	require.Equal(t, "processing", frame["status"])

	send(t, conn, map[string]interface{}{"type": "cancel_job", "job_id": jobID})

	// The handler returns normally, but the cancel flag wins: the terminal
	// broadcast says cancelled, not completed or failed.
	time.Sleep(50 * time.Millisecond)
	close(h.gate)
	frame = readStatusFrame(t, conn)
	assert.Equal(t, "cancelled", frame["status"])
}

func TestCancelJobErrors(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	h := &gatedHandler{}
	reg.Register("T", h)

	conn := dial(t, ts, "c1")

	send(t, conn, map[string]interface{}{"type": "cancel_job", "job_id": "missing", "request_id": "r1"})
	frame := readStatusFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["message"], "Job not found")
	assert.Equal(t, "r1", frame["request_id"])

	send(t, conn, map[string]interface{}{"type": "create_job", "task_type": "T", "params": map[string]interface{}{"n": float64(1)}})
	jobID := readStatusFrame(t, conn)["job_id"].(string)
	awaitStatus(t, conn, "completed")

	send(t, conn, map[string]interface{}{"type": "cancel_job", "job_id": jobID, "request_id": "r2"})
	frame = readStatusFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["message"], "cannot be cancelled")
	assert.Contains(t, frame["message"], "completed")
}

func TestReconnectResume(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	h := &gatedHandler{gate: make(chan struct{}), started: make(chan struct{}, 1), result: map[string]interface{}{"filename": "resumed.png"}}
	reg.Register("T", h)

	conn := dial(t, ts, "k1")
	send(t, conn, map[string]interface{}{"type": "create_job", "task_type": "T", "params": map[string]interface{}{"n": float64(5)}})
	frame := readStatusFrame(t, conn)
	jobID := frame["job_id"].(string)
	<-h.started

	// Drop the transport mid-job.
	conn.Close()

	// Reconnect under the same identity and enumerate owned jobs.
	conn2 := dial(t, ts, "k1")
	send(t, conn2, map[string]interface{}{"type": "get_client_jobs", "request_id": "rj"})
	frame = readStatusFrame(t, conn2)
	require.Equal(t, "client_jobs", frame["type"])
	assert.Equal(t, "rj", frame["request_id"])
	jobsList, ok := frame["jobs"].([]interface{})
	require.True(t, ok)
	require.Len(t, jobsList, 1)
	entry := jobsList[0].(map[string]interface{})
	assert.Equal(t, jobID, entry["job_id"])
	assert.Equal(t, "processing", entry["status"])

	// The terminal broadcast lands on the new connection.
	close(h.gate)
	frame = readStatusFrame(t, conn2)
	assert.Equal(t, "completed", frame["status"])
	assert.Equal(t, jobID, frame["job_id"])
}

func TestSupplantClosesPriorConnection(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	filler := &gatedHandler{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	h := &gatedHandler{}
	reg.Register("F", filler)
	reg.Register("T", h)

	connF := dial(t, ts, "filler")
	send(t, connF, map[string]interface{}{"type": "create_job", "task_type": "F", "params": map[string]interface{}{"hold": true}})
	readStatusFrame(t, connF)
	<-filler.started

	conn1 := dial(t, ts, "k2")
	send(t, conn1, map[string]interface{}{"type": "create_job", "task_type": "T", "params": map[string]interface{}{"n": float64(6)}})
	require.Equal(t, "pending", readStatusFrame(t, conn1)["status"])

	// Second connection with the same client_id supplants the first.
	conn2 := dial(t, ts, "k2")

	conn1.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn1.ReadMessage()
		if err != nil {
			break // server closed the supplanted transport
		}
	}

	// All future broadcasts for k2's subscriptions reach the new connection
	// without resubscribing.
	close(filler.gate)
	frame := readStatusFrame(t, conn2)
	assert.Equal(t, "processing", frame["status"])
	frame = readStatusFrame(t, conn2)
	assert.Equal(t, "completed", frame["status"])
}

func TestGetStatusSubscribesOtherClients(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	h := &gatedHandler{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	reg.Register("T", h)

	owner := dial(t, ts, "owner")
	send(t, owner, map[string]interface{}{"type": "create_job", "task_type": "T", "params": map[string]interface{}{"n": float64(7)}})
	jobID := readStatusFrame(t, owner)["job_id"].(string)
	<-h.started

	watcher := dial(t, ts, "watcher")
	send(t, watcher, map[string]interface{}{"type": "get_status", "job_id": jobID, "request_id": "rw"})
	frame := readStatusFrame(t, watcher)
	assert.Equal(t, "processing", frame["status"])
	assert.Equal(t, "rw", frame["request_id"])

	close(h.gate)
	frame = readStatusFrame(t, watcher)
	assert.Equal(t, "completed", frame["status"])
	assert.Equal(t, "rw", frame["request_id"])
}

func TestProtocolErrors(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	reg.Register("T", &gatedHandler{})

	conn := dial(t, ts, "")

	// Unknown task type.
	send(t, conn, map[string]interface{}{"type": "create_job", "task_type": "nope", "request_id": "r1"})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Unknown task_type: nope", frame["message"])
	assert.Equal(t, "r1", frame["request_id"])

	// Missing task type.
	send(t, conn, map[string]interface{}{"type": "create_job"})
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Missing task_type", frame["message"])

	// Unknown message type does not close the transport.
	send(t, conn, map[string]interface{}{"type": "bogus"})
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["message"], "Unknown message type")

	// Malformed JSON.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Invalid JSON", frame["message"])

	// Unknown job id on get_status.
	send(t, conn, map[string]interface{}{"type": "get_status", "job_id": "missing", "request_id": "r2"})
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["message"], "Job not found")
	assert.Equal(t, "r2", frame["request_id"])

	// get_client_jobs requires a real client identity.
	send(t, conn, map[string]interface{}{"type": "get_client_jobs", "request_id": "r3"})
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["message"], "No client_id")
	assert.Equal(t, "r3", frame["request_id"])

	// The connection is still usable after all of the above.
	send(t, conn, map[string]interface{}{"type": "create_job", "task_type": "T", "params": map[string]interface{}{"n": float64(1)}})
	frame = readStatusFrame(t, conn)
	assert.Equal(t, "job_status", frame["type"])
}

func TestRequestIDStrippedFromParamsBeforeDedup(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	reg.Register("T", &gatedHandler{})

	// Identity must ignore a request_id smuggled inside params.
	params := map[string]interface{}{"x": float64(1)}
	wantID, err := jobs.DeriveParamsID(params)
	require.NoError(t, err)

	conn := dial(t, ts, "c1")
	send(t, conn, map[string]interface{}{
		"type":      "create_job",
		"task_type": "T",
		"params":    map[string]interface{}{"x": float64(1), "request_id": "rp"},
	})
	frame := readStatusFrame(t, conn)
	assert.Equal(t, wantID, frame["job_id"])
	assert.Equal(t, "rp", frame["request_id"]) // adopted as the correlation token
}

func TestSharedBroadcastNotMutatedByInjection(t *testing.T) {
	reg, ts := newProtocolTest(t, 1)
	filler := &gatedHandler{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	h := &gatedHandler{}
	reg.Register("F", filler)
	reg.Register("T", h)

	connF := dial(t, ts, "filler")
	send(t, connF, map[string]interface{}{"type": "create_job", "task_type": "F", "params": map[string]interface{}{"hold": true}})
	readStatusFrame(t, connF)
	<-filler.started

	tagged := dial(t, ts, "tagged")
	plain := dial(t, ts, "plain")

	params := map[string]interface{}{"n": float64(42)}
	send(t, tagged, map[string]interface{}{"type": "create_job", "task_type": "T", "params": params, "request_id": "rt"})
	readStatusFrame(t, tagged)
	send(t, plain, map[string]interface{}{"type": "create_job", "task_type": "T", "params": params})
	readStatusFrame(t, plain)

	close(filler.gate)

	frame := readStatusFrame(t, tagged)
	assert.Equal(t, "processing", frame["status"])
	assert.Equal(t, "rt", frame["request_id"])

	frame = readStatusFrame(t, plain)
	assert.Equal(t, "processing", frame["status"])
	_, hasRequestID := frame["request_id"]
	assert.False(t, hasRequestID)
}

func TestHealthAndImageEndpoints(t *testing.T) {
	_, ts := newProtocolTest(t, 1)

	resp, err := ts.Client().Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/api/image/nope.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/api/image/..%2Fsecret")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEqual(t, 200, resp.StatusCode)
}
