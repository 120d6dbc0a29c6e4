// Package worker implements the Tier-2 runtime: a framed-socket server
// that executes registered task handlers and reports results, progress,
// and liveness back to its supervisor.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/codec"
	"github.com/BaSui01/mcpflow/registry"
	"github.com/BaSui01/mcpflow/transport"
	"github.com/BaSui01/mcpflow/types"
)

// ProgressFunc reports intermediate progress to the requesting tier.
// Reports are fire-and-forget; a lost progress frame never fails a task.
type ProgressFunc func(stage string, fraction float64)

// TaskFunc executes one task. The context carries the effective deadline
// (the tighter of envelope TTL and max_execution_time); handlers must
// stop work when it fires. Returned metrics should report cost truthfully
// so the supervisor can settle the reservation; a zero Duration is filled
// in by the runtime.
type TaskFunc func(ctx context.Context, req *types.TaskRequest, report ProgressFunc) (json.RawMessage, types.TaskMetrics, error)

// Config tunes one worker instance.
type Config struct {
	// Name identifies the worker ("vision-1").
	Name string `yaml:"name" json:"name"`
	// DefaultExecutionTime bounds a task whose request carries no
	// max_execution_time constraint.
	DefaultExecutionTime time.Duration `yaml:"default_execution_time" json:"default_execution_time"`
	// HeartbeatInterval paces HEARTBEAT announcements to the supervisor.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// Codec encodes envelopes on the wire. Defaults to codec.JSON().
	Codec codec.Codec `yaml:"-" json:"-"`
}

// DefaultConfig returns the defaults for name.
func DefaultConfig(name string) Config {
	return Config{
		Name:                 name,
		DefaultExecutionTime: 30 * time.Second,
		HeartbeatInterval:    10 * time.Second,
	}
}

// Worker is the Tier-2 runtime.
type Worker struct {
	cfg      Config
	address  types.Address
	handlers *registry.Registry
	logger   *zap.Logger

	mu    sync.Mutex
	funcs map[string]TaskFunc // keyed by pattern

	inflightMu sync.Mutex
	inflight   map[string][]*runningTask // keyed by correlation id
}

// runningTask identifies one in-flight execution so untrack removes
// exactly the finishing task, not a sibling sharing the correlation id.
type runningTask struct {
	cancel context.CancelFunc
}

// New creates a worker.
func New(cfg Config, logger *zap.Logger) *Worker {
	if cfg.DefaultExecutionTime <= 0 {
		cfg.DefaultExecutionTime = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		address:  types.NewAddress(types.RoleWorker, cfg.Name),
		handlers: registry.New(logger),
		logger:   logger.With(zap.String("component", "worker"), zap.String("worker", cfg.Name)),
		funcs:    make(map[string]TaskFunc),
		inflight: make(map[string][]*runningTask),
	}
}

// Address returns the worker's logical address.
func (w *Worker) Address() types.Address { return w.address }

// Register binds fn to a task-type pattern (exact or namespace wildcard).
func (w *Worker) Register(pattern string, fn TaskFunc) error {
	if fn == nil {
		return types.NewError(types.ErrConstraintInvalid, "nil handler for pattern "+pattern)
	}
	if err := w.handlers.Register(registry.Registration{Pattern: pattern, Address: w.address}); err != nil {
		return err
	}
	w.mu.Lock()
	w.funcs[pattern] = fn
	w.mu.Unlock()
	return nil
}

// Prefixes returns the registered patterns, for heartbeat announcements.
func (w *Worker) Prefixes() []string {
	regs := w.handlers.List()
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.Pattern)
	}
	return out
}

func (w *Worker) lookup(taskType string) (TaskFunc, error) {
	reg, err := w.handlers.Resolve(taskType)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	fn := w.funcs[reg.Pattern]
	w.mu.Unlock()
	if fn == nil {
		return nil, types.NewError(types.ErrNotFound, "no handler for task type "+taskType)
	}
	return fn, nil
}

// Serve accepts supervisor connections on lis until ctx is cancelled.
func (w *Worker) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()
	w.logger.Info("worker serving", zap.String("endpoint", lis.Addr().String()))

	var wg sync.WaitGroup
	for {
		conn, err := lis.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.serveConn(ctx, conn)
		}()
	}
}

// ListenAndServe listens on addr ("host:port") and serves.
func (w *Worker) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return types.NewError(types.ErrServiceUnavailable, "listen "+addr).WithCause(err)
	}
	return w.Serve(ctx, lis)
}

// session is one supervisor connection. Writes share a frame writer under
// a mutex because task goroutines reply concurrently.
type session struct {
	worker *Worker
	conn   net.Conn

	mu     sync.Mutex
	writer *codec.FrameWriter
}

func (w *Worker) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s := &session{worker: w, conn: conn, writer: codec.NewFrameWriter(conn)}
	reader := codec.NewFrameReader(conn)

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Debug("connection closed", zap.Error(err))
			}
			return
		}
		msg, err := w.cfg.Codec.Decode(frame)
		if err != nil {
			w.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		w.dispatch(ctx, s, msg)
	}
}

func (s *session) send(msg *types.MCPMessage) {
	data, err := s.worker.cfg.Codec.Encode(msg)
	if err != nil {
		s.worker.logger.Error("encode reply", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.WriteFrame(data); err != nil {
		s.worker.logger.Warn("write reply", zap.Error(err))
	}
}

func (w *Worker) dispatch(ctx context.Context, s *session, msg *types.MCPMessage) {
	if err := msg.Validate(); err != nil {
		w.logger.Warn("dropping malformed message", zap.Error(err))
		return
	}

	switch msg.Type {
	case types.TypePing:
		s.send(msg.Reply(types.TypePong))
	case types.TypeShutdown:
		w.cancelCorrelation(msg.CorrelationID)
	case types.TypeTaskRequest:
		go w.runTask(ctx, s, msg)
	default:
		w.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
}

// errorReply builds the terminal TASK_ERROR envelope for a request that
// failed before execution.
func errorReply(msg *types.MCPMessage, err error) *types.MCPMessage {
	reply := msg.Reply(types.TypeTaskError)
	reply, _ = reply.WithPayload(types.TaskResponse{
		Status:       types.TaskFailed,
		ErrorCode:    types.GetErrorCode(err),
		ErrorMessage: err.Error(),
	})
	return reply
}

// runTask executes one task request and always replies terminally.
func (w *Worker) runTask(ctx context.Context, s *session, msg *types.MCPMessage) {
	// An envelope that expired in transit must not execute; the sender
	// already timed out its waiter.
	if msg.Expired(time.Now()) {
		w.logger.Warn("discarding expired request", zap.String("id", msg.ID))
		return
	}

	var req types.TaskRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.send(errorReply(msg, err))
		return
	}
	if err := req.Validate(); err != nil {
		s.send(errorReply(msg, err))
		return
	}

	fn, err := w.lookup(req.Type)
	if err != nil {
		s.send(errorReply(msg, err))
		return
	}

	deadline := msg.Deadline()
	maxExec := req.Constraints.MaxExecutionTime
	if maxExec <= 0 {
		maxExec = w.cfg.DefaultExecutionTime
	}
	if byExec := time.Now().Add(maxExec); byExec.Before(deadline) {
		deadline = byExec
	}
	tctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	rt := &runningTask{cancel: cancel}
	w.track(msg.CorrelationID, rt)
	defer w.untrack(msg.CorrelationID, rt)

	report := func(stage string, fraction float64) {
		progress := msg.Reply(types.TypeTaskProgress)
		progress, perr := progress.WithPayload(types.ProgressUpdate{Stage: stage, Fraction: fraction})
		if perr == nil {
			s.send(progress)
		}
	}

	started := time.Now()
	result, metrics, err := w.execute(tctx, fn, &req, report)
	if metrics.Duration <= 0 {
		metrics.Duration = time.Since(started)
	}

	if err != nil {
		code := types.GetErrorCode(err)
		if tctx.Err() != nil {
			// Distinguish cancellation from deadline expiry.
			if ctx.Err() != nil || context.Cause(tctx) == context.Canceled {
				code = types.ErrCancelled
			} else {
				code = types.ErrTimeout
			}
		}
		w.logger.Info("task failed",
			zap.String("task_type", req.Type),
			zap.String("code", string(code)),
			zap.Duration("duration", metrics.Duration),
		)
		reply := msg.Reply(types.TypeTaskError)
		status := types.TaskFailed
		if code == types.ErrCancelled {
			status = types.TaskCancelled
		}
		reply, _ = reply.WithPayload(types.TaskResponse{
			Status:       status,
			Metrics:      metrics,
			ErrorCode:    code,
			ErrorMessage: err.Error(),
		})
		s.send(reply)
		return
	}

	w.logger.Debug("task completed",
		zap.String("task_type", req.Type),
		zap.Duration("duration", metrics.Duration),
	)
	reply := msg.Reply(types.TypeTaskResponse)
	reply, _ = reply.WithPayload(types.TaskResponse{
		Status:  types.TaskCompleted,
		Result:  result,
		Metrics: metrics,
	})
	s.send(reply)
}

// execute isolates handler panics to the failing task.
func (w *Worker) execute(ctx context.Context, fn TaskFunc, req *types.TaskRequest, report ProgressFunc) (result json.RawMessage, metrics types.TaskMetrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panic",
				zap.String("task_type", req.Type),
				zap.Any("panic", r),
			)
			err = types.NewError(types.ErrInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return fn(ctx, req, report)
}

func (w *Worker) track(correlationID string, rt *runningTask) {
	w.inflightMu.Lock()
	w.inflight[correlationID] = append(w.inflight[correlationID], rt)
	w.inflightMu.Unlock()
}

func (w *Worker) untrack(correlationID string, rt *runningTask) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	tasks := w.inflight[correlationID]
	for i, candidate := range tasks {
		if candidate == rt {
			tasks = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	if len(tasks) == 0 {
		delete(w.inflight, correlationID)
	} else {
		w.inflight[correlationID] = tasks
	}
}

// cancelCorrelation aborts every running task of one exchange.
func (w *Worker) cancelCorrelation(correlationID string) {
	w.inflightMu.Lock()
	tasks := w.inflight[correlationID]
	delete(w.inflight, correlationID)
	w.inflightMu.Unlock()

	for _, rt := range tasks {
		rt.cancel()
	}
	if len(tasks) > 0 {
		w.logger.Info("cancelled running tasks",
			zap.String("correlation_id", correlationID),
			zap.Int("count", len(tasks)),
		)
	}
}

// Announce publishes one HEARTBEAT carrying the worker's patterns so the
// supervisor hot-registers it.
func (w *Worker) Announce(ctx context.Context, carrier transport.Transport, supervisor types.Address, endpoint string) error {
	msg := types.NewMessage(types.TypeHeartbeat, w.address, supervisor)
	msg.TTL = 5 * time.Second
	msg, err := msg.WithPayload(types.HeartbeatAnnounce{
		Address:  w.address,
		Prefixes: w.Prefixes(),
		Endpoint: endpoint,
	})
	if err != nil {
		return err
	}
	return carrier.Publish(ctx, msg)
}

// StartHeartbeats announces periodically until ctx is cancelled.
func (w *Worker) StartHeartbeats(ctx context.Context, carrier transport.Transport, supervisor types.Address, endpoint string) {
	go func() {
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			if err := w.Announce(ctx, carrier, supervisor, endpoint); err != nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
