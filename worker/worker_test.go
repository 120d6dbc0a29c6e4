package worker

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/mcpflow/transport"
	"github.com/BaSui01/mcpflow/types"
)

var supAddr = types.NewAddress(types.RoleSupervisor, "intelligence")

// startWorker serves w on a loopback listener and returns a connected
// socket client.
func startWorker(t *testing.T, w *Worker) *transport.SocketClient {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := transport.DialSocket(context.Background(), transport.SocketConfig{
		Endpoint: lis.Addr().String(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func taskMsg(t *testing.T, w *Worker, req types.TaskRequest, ttl time.Duration) *types.MCPMessage {
	t.Helper()
	msg := types.NewMessage(types.TypeTaskRequest, supAddr, w.Address())
	msg.TTL = ttl
	msg.Context.UserID = "alice"
	msg, err := msg.WithPayload(req)
	require.NoError(t, err)
	return msg
}

func TestWorker_ExecutesTask(t *testing.T) {
	t.Parallel()

	w := New(DefaultConfig("vision-1"), nil)
	require.NoError(t, w.Register("vision.*", func(_ context.Context, req *types.TaskRequest, _ ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		assert.Equal(t, "vision.classify", req.Type)
		return json.RawMessage(`{"label":"cat"}`), types.TaskMetrics{CostUnits: 2}, nil
	}))
	client := startWorker(t, w)

	reply, err := client.Send(context.Background(),
		taskMsg(t, w, types.TaskRequest{Type: "vision.classify"}, 2*time.Second))
	require.NoError(t, err)
	require.Equal(t, types.TypeTaskResponse, reply.Type)

	var resp types.TaskResponse
	require.NoError(t, reply.DecodePayload(&resp))
	assert.Equal(t, types.TaskCompleted, resp.Status)
	assert.JSONEq(t, `{"label":"cat"}`, string(resp.Result))
	assert.Equal(t, 2.0, resp.Metrics.CostUnits)
	assert.Positive(t, resp.Metrics.Duration, "runtime fills in measured duration")
}

func TestWorker_PingPong(t *testing.T) {
	t.Parallel()

	w := New(DefaultConfig("vision-1"), nil)
	client := startWorker(t, w)

	ping := types.NewMessage(types.TypePing, supAddr, w.Address())
	ping.TTL = time.Second
	reply, err := client.Send(context.Background(), ping)
	require.NoError(t, err)
	assert.Equal(t, types.TypePong, reply.Type)
}

func TestWorker_UnknownTaskType(t *testing.T) {
	t.Parallel()

	w := New(DefaultConfig("vision-1"), nil)
	require.NoError(t, w.Register("vision.*", func(context.Context, *types.TaskRequest, ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		return json.RawMessage(`{}`), types.TaskMetrics{}, nil
	}))
	client := startWorker(t, w)

	reply, err := client.Send(context.Background(),
		taskMsg(t, w, types.TaskRequest{Type: "audio.transcribe"}, time.Second))
	require.NoError(t, err)
	require.Equal(t, types.TypeTaskError, reply.Type)

	var resp types.TaskResponse
	require.NoError(t, reply.DecodePayload(&resp))
	assert.Equal(t, types.ErrNotFound, resp.ErrorCode)
}

func TestWorker_ExecutionDeadline(t *testing.T) {
	t.Parallel()

	w := New(DefaultConfig("vision-1"), nil)
	require.NoError(t, w.Register("vision.*", func(ctx context.Context, _ *types.TaskRequest, _ ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		<-ctx.Done()
		return nil, types.TaskMetrics{}, ctx.Err()
	}))
	client := startWorker(t, w)

	req := types.TaskRequest{
		Type:        "vision.classify",
		Constraints: types.Constraints{MaxExecutionTime: 50 * time.Millisecond},
	}
	reply, err := client.Send(context.Background(), taskMsg(t, w, req, 5*time.Second))
	require.NoError(t, err, "the worker reports the timeout before the envelope ttl expires")
	require.Equal(t, types.TypeTaskError, reply.Type)

	var resp types.TaskResponse
	require.NoError(t, reply.DecodePayload(&resp))
	assert.Equal(t, types.ErrTimeout, resp.ErrorCode)
	assert.Equal(t, types.TaskFailed, resp.Status)
}

func TestWorker_PanicIsolatedToTask(t *testing.T) {
	t.Parallel()

	w := New(DefaultConfig("vision-1"), nil)
	require.NoError(t, w.Register("vision.explode", func(context.Context, *types.TaskRequest, ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		panic("boom")
	}))
	require.NoError(t, w.Register("vision.*", func(context.Context, *types.TaskRequest, ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		return json.RawMessage(`{"ok":true}`), types.TaskMetrics{}, nil
	}))
	client := startWorker(t, w)

	reply, err := client.Send(context.Background(),
		taskMsg(t, w, types.TaskRequest{Type: "vision.explode"}, time.Second))
	require.NoError(t, err)
	require.Equal(t, types.TypeTaskError, reply.Type)
	var resp types.TaskResponse
	require.NoError(t, reply.DecodePayload(&resp))
	assert.Equal(t, types.ErrInternal, resp.ErrorCode)

	// The connection and sibling handlers survive the panic.
	reply, err = client.Send(context.Background(),
		taskMsg(t, w, types.TaskRequest{Type: "vision.classify"}, time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.TypeTaskResponse, reply.Type)
}

func TestWorker_ProgressReports(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	w := New(DefaultConfig("vision-1"), nil)
	require.NoError(t, w.Register("vision.*", func(_ context.Context, _ *types.TaskRequest, report ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		report("loading", 0.25)
		report("inference", 0.75)
		<-release
		return json.RawMessage(`{}`), types.TaskMetrics{}, nil
	}))
	client := startWorker(t, w)

	var mu sync.Mutex
	var stages []string
	client.OnProgress(func(msg *types.MCPMessage) {
		var p types.ProgressUpdate
		if msg.DecodePayload(&p) == nil {
			mu.Lock()
			stages = append(stages, p.Stage)
			if len(stages) == 2 {
				close(release)
			}
			mu.Unlock()
		}
	})

	reply, err := client.Send(context.Background(),
		taskMsg(t, w, types.TaskRequest{Type: "vision.classify"}, 2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.TypeTaskResponse, reply.Type, "progress frames never consume the response waiter")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"loading", "inference"}, stages)
}

func TestWorker_ShutdownCancelsRunningTask(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	w := New(DefaultConfig("vision-1"), nil)
	require.NoError(t, w.Register("vision.*", func(ctx context.Context, _ *types.TaskRequest, _ ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		close(started)
		<-ctx.Done()
		return nil, types.TaskMetrics{}, ctx.Err()
	}))
	client := startWorker(t, w)

	msg := taskMsg(t, w, types.TaskRequest{Type: "vision.classify"}, 5*time.Second)
	done := make(chan *types.MCPMessage, 1)
	go func() {
		reply, err := client.Send(context.Background(), msg)
		if err == nil {
			done <- reply
		}
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("task never started")
	}

	shutdown := types.NewMessage(types.TypeShutdown, supAddr, w.Address())
	shutdown.CorrelationID = msg.CorrelationID
	shutdown.TTL = time.Second
	require.NoError(t, client.Publish(context.Background(), shutdown))

	select {
	case reply := <-done:
		require.Equal(t, types.TypeTaskError, reply.Type)
		var resp types.TaskResponse
		require.NoError(t, reply.DecodePayload(&resp))
		assert.Equal(t, types.ErrCancelled, resp.ErrorCode)
		assert.Equal(t, types.TaskCancelled, resp.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled task never replied")
	}
}

func TestWorker_ShutdownCancelsSurvivorOfSharedCorrelation(t *testing.T) {
	t.Parallel()

	quickStarted := make(chan struct{})
	quickRelease := make(chan struct{})
	slowStarted := make(chan struct{})
	w := New(DefaultConfig("vision-1"), nil)
	require.NoError(t, w.Register("vision.quick", func(context.Context, *types.TaskRequest, ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		close(quickStarted)
		<-quickRelease
		return json.RawMessage(`{}`), types.TaskMetrics{}, nil
	}))
	require.NoError(t, w.Register("vision.*", func(ctx context.Context, _ *types.TaskRequest, _ ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		close(slowStarted)
		<-ctx.Done()
		return nil, types.TaskMetrics{}, ctx.Err()
	}))
	client := startWorker(t, w)

	quick := taskMsg(t, w, types.TaskRequest{Type: "vision.quick"}, 5*time.Second)
	slow := taskMsg(t, w, types.TaskRequest{Type: "vision.classify"}, 5*time.Second)
	slow.CorrelationID = quick.CorrelationID

	quickDone := make(chan *types.MCPMessage, 1)
	go func() {
		reply, err := client.Send(context.Background(), quick)
		if err == nil {
			quickDone <- reply
		}
	}()
	select {
	case <-quickStarted:
	case <-time.After(time.Second):
		t.Fatal("first task never started")
	}

	slowDone := make(chan *types.MCPMessage, 1)
	go func() {
		reply, err := client.Send(context.Background(), slow)
		if err == nil {
			slowDone <- reply
		}
	}()
	select {
	case <-slowStarted:
	case <-time.After(time.Second):
		t.Fatal("second task never started")
	}

	// The first task finishes while its sibling, sharing the correlation
	// id, is still running.
	close(quickRelease)
	select {
	case reply := <-quickDone:
		assert.Equal(t, types.TypeTaskResponse, reply.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("first task never replied")
	}

	shutdown := types.NewMessage(types.TypeShutdown, supAddr, w.Address())
	shutdown.CorrelationID = quick.CorrelationID
	shutdown.TTL = time.Second
	require.NoError(t, client.Publish(context.Background(), shutdown))

	select {
	case reply := <-slowDone:
		require.Equal(t, types.TypeTaskError, reply.Type, "shutdown cancels the task that is still running")
		var resp types.TaskResponse
		require.NoError(t, reply.DecodePayload(&resp))
		assert.Equal(t, types.ErrCancelled, resp.ErrorCode)
		assert.Equal(t, types.TaskCancelled, resp.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("surviving task never cancelled")
	}
}

func TestWorker_DiscardsExpiredRequests(t *testing.T) {
	t.Parallel()

	w := New(DefaultConfig("vision-1"), nil)
	require.NoError(t, w.Register("vision.*", func(context.Context, *types.TaskRequest, ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		return json.RawMessage(`{}`), types.TaskMetrics{}, nil
	}))
	client := startWorker(t, w)

	msg := taskMsg(t, w, types.TaskRequest{Type: "vision.classify"}, time.Second)
	msg.Timestamp = time.Now().Add(-time.Minute)
	err := client.Publish(context.Background(), msg)
	require.Error(t, err, "expired envelopes are refused at the sending side")
	assert.Equal(t, types.ErrExpired, types.GetErrorCode(err))
}

func TestWorker_AnnouncePublishesHeartbeat(t *testing.T) {
	t.Parallel()

	w := New(DefaultConfig("vision-1"), nil)
	require.NoError(t, w.Register("vision.*", func(context.Context, *types.TaskRequest, ProgressFunc) (json.RawMessage, types.TaskMetrics, error) {
		return json.RawMessage(`{}`), types.TaskMetrics{}, nil
	}))

	published := make(chan *types.MCPMessage, 1)
	carrier := transport.NewInProc(nil)
	carrier.Register(supAddr, func(_ context.Context, msg *types.MCPMessage) (*types.MCPMessage, error) {
		published <- msg
		return nil, nil
	})

	require.NoError(t, w.Announce(context.Background(), carrier, supAddr, "127.0.0.1:9000"))

	select {
	case msg := <-published:
		assert.Equal(t, types.TypeHeartbeat, msg.Type)
		var ann types.HeartbeatAnnounce
		require.NoError(t, msg.DecodePayload(&ann))
		assert.Equal(t, w.Address(), ann.Address)
		assert.Equal(t, []string{"vision.*"}, ann.Prefixes)
		assert.Equal(t, "127.0.0.1:9000", ann.Endpoint)
	case <-time.After(time.Second):
		t.Fatal("heartbeat never published")
	}
}
