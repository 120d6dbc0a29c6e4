// Package orchestrator implements the Tier-0 entry point. It owns the
// routing table from task-type prefixes to supervisor addresses, mints
// the envelope for each top-level request, and exposes sequential and
// parallel composition over the supervisor tier.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/registry"
	"github.com/BaSui01/mcpflow/transport"
	"github.com/BaSui01/mcpflow/types"
)

// SupervisorInfo is what the orchestrator needs to know about a
// supervisor to route to it.
type SupervisorInfo interface {
	Address() types.Address
	Prefixes() []string
}

// Config tunes one orchestrator instance.
type Config struct {
	// Name identifies the orchestrator in envelope sender addresses.
	Name string `yaml:"name" json:"name"`
	// DefaultTTL bounds a submission that specifies no TTL of its own.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// DefaultConfig returns the defaults for name.
func DefaultConfig(name string) Config {
	return Config{Name: name, DefaultTTL: 60 * time.Second}
}

// Orchestrator is the Tier-0 router.
type Orchestrator struct {
	cfg     Config
	address types.Address
	routes  *registry.Registry
	carrier transport.Transport
	logger  *zap.Logger
}

// New creates an orchestrator sending over carrier (typically the shared
// in-process transport the supervisors are registered on).
func New(cfg Config, carrier transport.Transport, logger *zap.Logger) *Orchestrator {
	if cfg.Name == "" {
		cfg.Name = "root"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		address: types.NewAddress(types.RoleOrchestrator, cfg.Name),
		routes:  registry.New(logger),
		carrier: carrier,
		logger:  logger.With(zap.String("component", "orchestrator")),
	}
}

// Address returns the orchestrator's logical address.
func (o *Orchestrator) Address() types.Address { return o.address }

// AddRoute binds a task-type pattern to a supervisor address.
func (o *Orchestrator) AddRoute(pattern string, addr types.Address) error {
	return o.routes.Register(registry.Registration{Pattern: pattern, Address: addr})
}

// RegisterSupervisor adds routes for every prefix the supervisor serves.
func (o *Orchestrator) RegisterSupervisor(sup SupervisorInfo) error {
	for _, prefix := range sup.Prefixes() {
		if err := o.AddRoute(prefix, sup.Address()); err != nil {
			return err
		}
	}
	return nil
}

// SubmitOption customizes one submission.
type SubmitOption func(*submitOpts)

type submitOpts struct {
	ttl          time.Duration
	priority     types.Priority
	deliveryMode types.DeliveryMode
	maxRetries   int
	userID       string
	sessionID    string
	authToken    string
	attrs        map[string]string
}

// WithTTL bounds the whole exchange. Zero falls back to the configured
// default.
func WithTTL(ttl time.Duration) SubmitOption {
	return func(s *submitOpts) { s.ttl = ttl }
}

// WithPriority sets the envelope priority.
func WithPriority(p types.Priority) SubmitOption {
	return func(s *submitOpts) { s.priority = p }
}

// WithDelivery sets the redelivery contract and retry budget.
func WithDelivery(mode types.DeliveryMode, maxRetries int) SubmitOption {
	return func(s *submitOpts) { s.deliveryMode = mode; s.maxRetries = maxRetries }
}

// WithUser attributes the exchange to a user and session; the user id is
// the budget accounting key downstream.
func WithUser(userID, sessionID string) SubmitOption {
	return func(s *submitOpts) { s.userID = userID; s.sessionID = sessionID }
}

// WithAuthorization attaches a bearer token for capability checking.
func WithAuthorization(token string) SubmitOption {
	return func(s *submitOpts) { s.authToken = token }
}

// WithAttribute sets an arbitrary propagated context attribute.
func WithAttribute(key, value string) SubmitOption {
	return func(s *submitOpts) {
		if s.attrs == nil {
			s.attrs = make(map[string]string)
		}
		s.attrs[key] = value
	}
}

// Submit routes one task request to its supervisor and waits for the
// terminal response. The returned TaskResponse is always populated when
// the exchange reached a terminal state; err carries the structured
// failure for anything other than successful completion.
func (o *Orchestrator) Submit(ctx context.Context, req types.TaskRequest, opts ...SubmitOption) (types.TaskResponse, error) {
	msg, err := o.buildEnvelope(ctx, req, opts...)
	if err != nil {
		return types.TaskResponse{}, err
	}
	return o.send(ctx, msg)
}

// buildEnvelope validates, routes, and mints the envelope for req. A
// fresh correlation id starts the exchange; sub-requests inherit it
// downstream.
func (o *Orchestrator) buildEnvelope(ctx context.Context, req types.TaskRequest, opts ...SubmitOption) (*types.MCPMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var so submitOpts
	so.priority = types.PriorityNormal
	so.deliveryMode = types.AtLeastOnce
	so.maxRetries = 2
	for _, opt := range opts {
		opt(&so)
	}
	if so.ttl <= 0 {
		so.ttl = o.cfg.DefaultTTL
	}

	// Deadlines are hierarchical: a submission may not outlive the
	// caller's own deadline. Rejecting at construction keeps a doomed
	// request from reserving budget downstream.
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); so.ttl > remaining {
			return nil, types.NewError(types.ErrConstraintInvalid,
				"ttl exceeds caller deadline")
		}
	}

	// Routing is fail-closed: an unroutable type is refused here rather
	// than guessed at.
	route, err := o.routes.Resolve(req.Type)
	if err != nil {
		return nil, types.NewError(types.ErrServiceUnavailable,
			"no supervisor route for task type "+req.Type).WithCause(err)
	}

	msg := types.NewMessage(types.TypeTaskRequest, o.address, route.Address)
	msg.TTL = so.ttl
	msg.Priority = so.priority
	msg.DeliveryMode = so.deliveryMode
	msg.MaxRetries = so.maxRetries
	msg.Context = types.MessageContext{
		UserID:    so.userID,
		SessionID: so.sessionID,
	}
	if so.authToken != "" {
		msg.Context = msg.Context.WithAttribute("authorization", "Bearer "+so.authToken)
	}
	for k, v := range so.attrs {
		msg.Context = msg.Context.WithAttribute(k, v)
	}
	return msg.WithPayload(req)
}

func (o *Orchestrator) send(ctx context.Context, msg *types.MCPMessage) (types.TaskResponse, error) {
	reply, err := o.carrier.Send(ctx, msg)
	if err != nil {
		return types.TaskResponse{}, err
	}

	switch reply.Type {
	case types.TypeTaskResponse:
		var resp types.TaskResponse
		if derr := reply.DecodePayload(&resp); derr != nil {
			return types.TaskResponse{}, derr
		}
		return resp, nil
	case types.TypeTaskError:
		var resp types.TaskResponse
		if derr := reply.DecodePayload(&resp); derr != nil {
			return types.TaskResponse{}, derr
		}
		return resp, types.NewError(resp.ErrorCode, resp.ErrorMessage)
	case types.TypeResourceDeny:
		var denial types.ResourceDenial
		if derr := reply.DecodePayload(&denial); derr != nil {
			return types.TaskResponse{}, derr
		}
		return types.TaskResponse{Status: types.TaskFailed},
			types.NewError(codeForDenial(denial.Reason), denial.Message)
	default:
		return types.TaskResponse{}, types.NewError(types.ErrInternal,
			"unexpected reply type "+string(reply.Type))
	}
}

func codeForDenial(reason types.DenialReason) types.ErrorCode {
	switch reason {
	case types.DenyRateLimited:
		return types.ErrRateLimited
	case types.DenyConstraintInvalid:
		return types.ErrConstraintInvalid
	case types.DenyQueueFull:
		return types.ErrServiceUnavailable
	default:
		return types.ErrBudgetExceeded
	}
}

// Cancel broadcasts a SHUTDOWN for correlationID to every routed
// supervisor so in-flight work is cancelled and reservations refunded.
func (o *Orchestrator) Cancel(ctx context.Context, correlationID string) error {
	seen := make(map[types.Address]bool)
	var firstErr error
	for _, route := range o.routes.List() {
		if seen[route.Address] {
			continue
		}
		seen[route.Address] = true

		msg := types.NewMessage(types.TypeShutdown, o.address, route.Address)
		msg.CorrelationID = correlationID
		msg.TTL = 5 * time.Second
		if err := o.carrier.Publish(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ping checks liveness of one supervisor address.
func (o *Orchestrator) Ping(ctx context.Context, addr types.Address) error {
	msg := types.NewMessage(types.TypePing, o.address, addr)
	msg.TTL = 5 * time.Second
	reply, err := o.carrier.Send(ctx, msg)
	if err != nil {
		return err
	}
	if reply == nil || reply.Type != types.TypePong {
		return types.NewError(types.ErrInternal, "unexpected ping reply from "+addr.String())
	}
	return nil
}
