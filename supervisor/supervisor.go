// Package supervisor implements the Tier-1 engine: it admits inbound
// task requests through a bounded priority queue, enforces permissions
// and budget, resolves workers through the registry, and dispatches with
// retry and crash recovery.
//
// A request moves through received → budget_checked → dispatched →
// completed | failed | timed_out | cancelled. Unregistered task types are
// rejected before any budget reservation is made, so a denial for a typo
// never consumes headroom.
package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/audit"
	"github.com/BaSui01/mcpflow/budget"
	"github.com/BaSui01/mcpflow/internal/channel"
	"github.com/BaSui01/mcpflow/internal/metrics"
	"github.com/BaSui01/mcpflow/registry"
	"github.com/BaSui01/mcpflow/transport"
	"github.com/BaSui01/mcpflow/types"
)

// TransportProvider yields the transport that reaches a resolved worker.
// In-process workers share one dispatch table; socket workers get a
// framed client per endpoint.
type TransportProvider interface {
	TransportFor(reg registry.Registration) (transport.Transport, error)
}

// TransportProviderFunc adapts a function to a TransportProvider.
type TransportProviderFunc func(reg registry.Registration) (transport.Transport, error)

// TransportFor implements TransportProvider.
func (f TransportProviderFunc) TransportFor(reg registry.Registration) (transport.Transport, error) {
	return f(reg)
}

// Config tunes one supervisor instance.
type Config struct {
	// Name identifies the supervisor ("intelligence", "storage", ...).
	Name string `yaml:"name" json:"name"`
	// QueueCapacity bounds each priority band of the inbound queue.
	// A full band rejects with RESOURCE_DENY(queue_full).
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`
	// Concurrency is the number of dispatch workers draining the queue.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// DefaultExecutionTime bounds a dispatch when the request carries no
	// max_execution_time constraint.
	DefaultExecutionTime time.Duration `yaml:"default_execution_time" json:"default_execution_time"`
	// RetryBaseDelay / RetryMaxDelay shape the exponential backoff.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
}

// DefaultConfig returns the defaults for name.
func DefaultConfig(name string) Config {
	return Config{
		Name:                 name,
		QueueCapacity:        64,
		Concurrency:          8,
		DefaultExecutionTime: 30 * time.Second,
		RetryBaseDelay:       50 * time.Millisecond,
		RetryMaxDelay:        2 * time.Second,
	}
}

// Supervisor is the Tier-1 engine.
type Supervisor struct {
	cfg      Config
	address  types.Address
	registry *registry.Registry
	budget   *budget.Manager
	provider TransportProvider
	checker  CapabilityChecker
	sink     *audit.Sink
	stats    *metrics.Collector
	logger   *zap.Logger

	queue *channel.PriorityQueue[*workItem]

	mu       sync.Mutex
	inflight map[string][]*inflight // keyed by correlation id

	runCtx  context.Context
	runStop context.CancelFunc
	wg      sync.WaitGroup

	// nowFunc and sleepFunc are swapped in tests.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

type workItem struct {
	ctx    context.Context
	msg    *types.MCPMessage
	result chan *types.MCPMessage
}

type inflight struct {
	cancel        context.CancelFunc
	reservationID string
	worker        types.Address
	carrier       transport.Transport
	requestID     string
}

// New creates a supervisor. registry, budgetMgr and provider are required;
// checker defaults to AllowAll, sink and stats may be nil.
func New(cfg Config, reg *registry.Registry, budgetMgr *budget.Manager, provider TransportProvider, opts ...Option) *Supervisor {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.DefaultExecutionTime <= 0 {
		cfg.DefaultExecutionTime = 30 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 50 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 2 * time.Second
	}

	s := &Supervisor{
		cfg:      cfg,
		address:  types.NewAddress(types.RoleSupervisor, cfg.Name),
		registry: reg,
		budget:   budgetMgr,
		provider: provider,
		checker:  AllowAll{},
		logger:   zap.NewNop(),
		queue:    channel.NewPriorityQueue[*workItem](cfg.QueueCapacity),
		inflight: make(map[string][]*inflight),
		nowFunc:  time.Now,
		sleepFunc: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(
		zap.String("component", "supervisor"),
		zap.String("supervisor", cfg.Name),
	)
	return s
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCapabilityChecker sets the permission checker.
func WithCapabilityChecker(c CapabilityChecker) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.checker = c
		}
	}
}

// WithAuditSink sets the terminal-state audit sink.
func WithAuditSink(sink *audit.Sink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Supervisor) { s.stats = c }
}

// Address returns the supervisor's logical address.
func (s *Supervisor) Address() types.Address { return s.address }

// Prefixes returns the task-type stems this supervisor currently serves,
// derived from its registry. The orchestrator uses these to build its
// routing table.
func (s *Supervisor) Prefixes() []string {
	regs := s.registry.List()
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.Pattern)
	}
	return out
}

// Start launches the dispatch workers. It must be called before Handle
// receives task traffic.
func (s *Supervisor) Start(ctx context.Context) {
	s.runCtx, s.runStop = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.run()
	}
	s.logger.Info("supervisor started", zap.Int("concurrency", s.cfg.Concurrency))
}

// Close stops the dispatch workers and cancels all in-flight requests.
func (s *Supervisor) Close() error {
	if s.runStop != nil {
		s.runStop()
	}
	s.mu.Lock()
	for _, flights := range s.inflight {
		for _, f := range flights {
			f.cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Supervisor) run() {
	defer s.wg.Done()
	for {
		item, err := s.queue.Pop(s.runCtx)
		if err != nil {
			return
		}
		if s.stats != nil {
			s.stats.SetQueueDepth(s.cfg.Name, s.queue.Depth())
		}
		item.result <- s.process(item.ctx, item.msg)
	}
}

// Handle is the supervisor's transport.Handler. Control messages are
// answered inline; task requests go through the bounded queue so a
// saturated supervisor sheds load instead of accumulating it.
func (s *Supervisor) Handle(ctx context.Context, msg *types.MCPMessage) (*types.MCPMessage, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.Expired(s.nowFunc()) {
		return nil, types.NewError(types.ErrExpired, "message "+msg.ID+" expired on arrival")
	}

	switch msg.Type {
	case types.TypePing:
		return msg.Reply(types.TypePong), nil
	case types.TypeHeartbeat:
		return nil, s.handleHeartbeat(msg)
	case types.TypeShutdown:
		return nil, s.handleShutdown(ctx, msg)
	case types.TypeTaskProgress:
		s.logProgress(msg)
		return nil, nil
	case types.TypeStreamStart, types.TypeStreamData, types.TypeStreamEnd:
		// Stream frames pass through untouched; consumers subscribe on
		// their transport's interim callback.
		s.logger.Debug("stream frame",
			zap.String("type", string(msg.Type)),
			zap.String("correlation_id", msg.CorrelationID),
		)
		return nil, nil
	case types.TypeTaskRequest:
		// handled below
	default:
		return nil, types.NewError(types.ErrMalformedMessage,
			"supervisor cannot handle message type "+string(msg.Type))
	}

	item := &workItem{ctx: ctx, msg: msg, result: make(chan *types.MCPMessage, 1)}
	if !s.queue.TryPush(int(msg.Priority), item) {
		s.logger.Warn("inbound queue full, shedding request",
			zap.String("correlation_id", msg.CorrelationID))
		if s.stats != nil {
			s.stats.ObserveDenial(string(types.DenyQueueFull))
		}
		return s.resourceDeny(msg, types.DenyQueueFull, "supervisor queue full"), nil
	}
	if s.stats != nil {
		s.stats.SetQueueDepth(s.cfg.Name, s.queue.Depth())
	}

	select {
	case reply := <-item.result:
		return reply, nil
	case <-ctx.Done():
		return nil, types.NewError(types.ErrCancelled, "caller abandoned request "+msg.ID).WithCause(ctx.Err())
	}
}

// process runs the full task pipeline for one TASK_REQUEST and always
// produces a terminal reply envelope.
func (s *Supervisor) process(ctx context.Context, msg *types.MCPMessage) *types.MCPMessage {
	started := s.nowFunc()

	var req types.TaskRequest
	if err := msg.DecodePayload(&req); err != nil {
		return s.taskError(msg, req.Type, err, 0, started)
	}
	if err := req.Validate(); err != nil {
		return s.taskError(msg, req.Type, err, 0, started)
	}

	if err := s.checker.Allowed(ctx, msg.Context, req.Type); err != nil {
		s.logger.Info("permission denied",
			zap.String("user_id", msg.Context.UserID),
			zap.String("task_type", req.Type),
		)
		return s.taskError(msg, req.Type, err, 0, started)
	}

	// Resolution precedes reservation: a request nobody can serve must
	// not debit the user's budget.
	reg, err := s.registry.Resolve(req.Type)
	if err != nil {
		return s.taskError(msg, req.Type, err, 0, started)
	}

	grant, err := s.budget.CheckAndReserve(ctx, msg.Context.UserID, req.Constraints)
	if err != nil {
		code := types.GetErrorCode(err)
		if s.stats != nil {
			s.stats.ObserveDenial(string(types.DenialReasonFor(code)))
		}
		if code == types.ErrRateLimited {
			return s.resourceDeny(msg, types.DenyRateLimited, err.Error())
		}
		return s.taskError(msg, req.Type, err, 0, started)
	}

	resp, retries, dispatchErr := s.dispatch(ctx, msg, &req, reg, grant)
	elapsed := s.nowFunc().Sub(started)

	if dispatchErr != nil {
		s.release(grant, budget.Usage{Duration: elapsed})
		return s.taskError(msg, req.Type, dispatchErr, retries, started)
	}

	var result types.TaskResponse
	if err := resp.DecodePayload(&result); err != nil {
		s.release(grant, budget.Usage{Duration: elapsed})
		return s.taskError(msg, req.Type, err, retries, started)
	}

	s.release(grant, budget.Usage{
		Duration:    result.Metrics.Duration,
		MemoryBytes: result.Metrics.MemoryBytes,
		CostUnits:   result.Metrics.CostUnits,
	})

	status := string(result.Status)
	s.audit(msg, req.Type, status, elapsed, result.Metrics.CostUnits, retries, result.ErrorCode)
	if s.stats != nil {
		s.stats.ObserveMessage(string(msg.Type), status)
		s.stats.ObserveDispatch(taskPrefix(req.Type), elapsed)
	}

	reply := msg.Reply(resp.Type)
	reply.Payload = resp.Payload
	reply.RetryCount = retries
	return reply
}

// dispatch sends the task to a worker, retrying transient failures with
// exponential backoff. The worker envelope keeps the same id across
// attempts so delivery stays idempotent under at_least_once redelivery;
// only retry_count and timestamp change per attempt.
func (s *Supervisor) dispatch(ctx context.Context, msg *types.MCPMessage, req *types.TaskRequest, reg registry.Registration, grant budget.Grant) (*types.MCPMessage, int, error) {
	wmsg := types.NewMessage(types.TypeTaskRequest, s.address, reg.Address)
	wmsg.CorrelationID = msg.CorrelationID
	wmsg.ParentID = msg.ID
	wmsg.Context = msg.Context
	wmsg.Payload = msg.Payload
	wmsg.Priority = msg.Priority
	wmsg.DeliveryMode = msg.DeliveryMode
	wmsg.MaxRetries = msg.MaxRetries

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fl := &inflight{
		cancel:        cancel,
		reservationID: grant.ReservationID,
		requestID:     wmsg.ID,
	}
	s.track(msg.CorrelationID, fl)
	defer s.untrack(msg.CorrelationID, fl)

	for attempt := 0; ; attempt++ {
		if cerr := dctx.Err(); cerr != nil {
			return nil, attempt, types.NewError(types.ErrCancelled, "dispatch cancelled for "+msg.ID).WithCause(cerr)
		}

		carrier, err := s.provider.TransportFor(reg)
		if err != nil {
			return nil, attempt, types.NewError(types.ErrServiceUnavailable,
				"no transport for worker "+reg.Address.String()).WithCause(err)
		}
		fl.worker = reg.Address
		fl.carrier = carrier

		// The envelope TTL re-arms for every attempt: a timed-out attempt
		// must not consume the patience of the retries after it. The
		// caller's overall deadline rides on ctx.
		ttl := msg.TTL
		if maxExec := s.maxExecution(req); maxExec < ttl {
			ttl = maxExec
		}
		wmsg.Timestamp = s.nowFunc()
		wmsg.TTL = ttl
		wmsg.RetryCount = attempt

		resp, err := carrier.Send(dctx, wmsg)
		if err == nil {
			return resp, attempt, nil
		}

		code := types.GetErrorCode(err)
		if code == types.ErrWorkerCrash {
			// Evict the crashed worker and try a healthy replacement.
			s.registry.MarkUnhealthy(reg.Address)
		}
		if dctx.Err() != nil {
			return nil, attempt, types.NewError(types.ErrCancelled, "dispatch cancelled for "+msg.ID).WithCause(dctx.Err())
		}
		if !s.shouldRetry(msg, code, attempt) {
			return nil, attempt, err
		}

		if s.stats != nil {
			s.stats.ObserveRetry(string(code))
		}
		s.logger.Warn("dispatch attempt failed, retrying",
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("worker", reg.Address.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if code == types.ErrWorkerCrash {
			replacement, rerr := s.registry.Resolve(req.Type)
			if rerr != nil {
				return nil, attempt, types.NewError(types.ErrWorkerCrash,
					"no healthy worker remains for "+req.Type).WithCause(err)
			}
			reg = replacement
		}

		if serr := s.sleepFunc(dctx, s.backoff(attempt)); serr != nil {
			return nil, attempt, types.NewError(types.ErrCancelled, "dispatch cancelled for "+msg.ID).WithCause(serr)
		}
	}
}

// shouldRetry applies the delivery-mode contract: at_most_once never
// redelivers, everything else retries transient codes up to max_retries.
func (s *Supervisor) shouldRetry(msg *types.MCPMessage, code types.ErrorCode, attempt int) bool {
	if msg.DeliveryMode == types.AtMostOnce {
		return false
	}
	if attempt >= msg.MaxRetries {
		return false
	}
	switch code {
	case types.ErrTimeout, types.ErrWorkerCrash, types.ErrServiceUnavailable:
		return true
	}
	return false
}

// backoff returns the delay before retry attempt+1: exponential growth
// from the base, capped, with half-width jitter to avoid thundering herds.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBaseDelay << uint(attempt)
	if d > s.cfg.RetryMaxDelay || d <= 0 {
		d = s.cfg.RetryMaxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (s *Supervisor) maxExecution(req *types.TaskRequest) time.Duration {
	if req.Constraints.MaxExecutionTime > 0 {
		return req.Constraints.MaxExecutionTime
	}
	return s.cfg.DefaultExecutionTime
}

// handleHeartbeat hot-registers the announcing worker for its prefixes.
func (s *Supervisor) handleHeartbeat(msg *types.MCPMessage) error {
	var ann types.HeartbeatAnnounce
	if err := msg.DecodePayload(&ann); err != nil {
		return err
	}
	if ann.Address.IsZero() {
		return types.NewError(types.ErrMalformedMessage, "heartbeat missing worker address")
	}
	for _, prefix := range ann.Prefixes {
		err := s.registry.Register(registry.Registration{
			Pattern:      prefix,
			Capabilities: ann.Capabilities,
			Address:      ann.Address,
			Endpoint:     ann.Endpoint,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// handleShutdown cancels every in-flight dispatch for the shutdown's
// correlation id, forwards the shutdown to the affected workers, and
// refunds the reservations. Unknown correlation ids are a no-op.
func (s *Supervisor) handleShutdown(ctx context.Context, msg *types.MCPMessage) error {
	s.mu.Lock()
	flights := s.inflight[msg.CorrelationID]
	delete(s.inflight, msg.CorrelationID)
	s.mu.Unlock()

	for _, f := range flights {
		f.cancel()
		s.release(budget.Grant{ReservationID: f.reservationID}, budget.Usage{})
		if f.carrier != nil && !f.worker.IsZero() {
			fwd := types.NewMessage(types.TypeShutdown, s.address, f.worker)
			fwd.CorrelationID = msg.CorrelationID
			fwd.ParentID = f.requestID
			fwd.Context = msg.Context
			fwd.TTL = time.Second
			if err := f.carrier.Publish(ctx, fwd); err != nil {
				s.logger.Warn("forward shutdown downstream",
					zap.String("worker", f.worker.String()), zap.Error(err))
			}
		}
	}
	if len(flights) > 0 {
		s.logger.Info("cancelled in-flight work",
			zap.String("correlation_id", msg.CorrelationID),
			zap.Int("count", len(flights)),
		)
	}
	return nil
}

func (s *Supervisor) logProgress(msg *types.MCPMessage) {
	var p types.ProgressUpdate
	if err := msg.DecodePayload(&p); err != nil {
		return
	}
	s.logger.Debug("task progress",
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("stage", p.Stage),
		zap.Float64("fraction", p.Fraction),
	)
}

func (s *Supervisor) track(correlationID string, f *inflight) {
	s.mu.Lock()
	s.inflight[correlationID] = append(s.inflight[correlationID], f)
	s.mu.Unlock()
}

func (s *Supervisor) untrack(correlationID string, f *inflight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flights := s.inflight[correlationID]
	for i, cur := range flights {
		if cur == f {
			flights = append(flights[:i], flights[i+1:]...)
			break
		}
	}
	if len(flights) == 0 {
		delete(s.inflight, correlationID)
	} else {
		s.inflight[correlationID] = flights
	}
}

func (s *Supervisor) release(grant budget.Grant, usage budget.Usage) {
	// Release is fire-and-forget for the request path; ledger errors are
	// logged, the caller already has its terminal answer.
	if err := s.budget.Release(context.Background(), grant.ReservationID, usage); err != nil {
		s.logger.Error("release reservation",
			zap.String("reservation_id", grant.ReservationID), zap.Error(err))
	}
}

// taskError builds the TASK_ERROR reply for err and records the terminal
// transition.
func (s *Supervisor) taskError(msg *types.MCPMessage, taskType string, err error, retries int, started time.Time) *types.MCPMessage {
	code := types.GetErrorCode(err)
	status := statusFor(code)
	elapsed := s.nowFunc().Sub(started)

	s.audit(msg, taskType, status, elapsed, 0, retries, code)
	if s.stats != nil {
		s.stats.ObserveMessage(string(msg.Type), status)
	}
	s.logger.Info("task failed",
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("task_type", taskType),
		zap.String("code", string(code)),
		zap.Int("retries", retries),
	)

	reply := msg.Reply(types.TypeTaskError)
	reply.RetryCount = retries
	reply, _ = reply.WithPayload(types.TaskResponse{
		Status:       taskStatusFor(code),
		ErrorCode:    code,
		ErrorMessage: errMessage(err),
	})
	return reply
}

// resourceDeny builds the RESOURCE_DENY reply used for admission-level
// rejections (rate limit, queue overflow) where no task was attempted.
func (s *Supervisor) resourceDeny(msg *types.MCPMessage, reason types.DenialReason, detail string) *types.MCPMessage {
	reply := msg.Reply(types.TypeResourceDeny)
	reply, _ = reply.WithPayload(types.ResourceDenial{Reason: reason, Message: detail})
	return reply
}

func (s *Supervisor) audit(msg *types.MCPMessage, taskType, status string, elapsed time.Duration, cost float64, retries int, code types.ErrorCode) {
	if s.sink == nil {
		return
	}
	if status == string(types.TaskCompleted) {
		code = ""
	}
	s.sink.Emit(audit.Record{
		Timestamp:     s.nowFunc().UTC(),
		CorrelationID: msg.CorrelationID,
		Sender:        msg.Sender.String(),
		Recipient:     s.address.String(),
		TaskType:      taskType,
		Status:        status,
		DurationMS:    elapsed.Milliseconds(),
		CostUnits:     cost,
		RetryCount:    retries,
		ErrorKind:     code,
	})
}

// statusFor maps a terminal error code onto the audit status vocabulary.
func statusFor(code types.ErrorCode) string {
	switch code {
	case types.ErrTimeout, types.ErrExpired:
		return "timed_out"
	case types.ErrCancelled:
		return string(types.TaskCancelled)
	default:
		return string(types.TaskFailed)
	}
}

func taskStatusFor(code types.ErrorCode) types.TaskStatus {
	if code == types.ErrCancelled {
		return types.TaskCancelled
	}
	return types.TaskFailed
}

func errMessage(err error) string {
	var e *types.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// taskPrefix returns the first namespace segment of a task type, used as
// a low-cardinality metrics label.
func taskPrefix(taskType string) string {
	if i := strings.IndexByte(taskType, '.'); i > 0 {
		return taskType[:i]
	}
	return taskType
}
