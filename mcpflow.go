// Package mcpflow provides a top-level convenience entry point for running
// the orchestration stack in a single process.
//
// Usage:
//
//	import "github.com/BaSui01/mcpflow"
//
//	stack, err := mcpflow.New(mcpflow.WithLogger(logger))
//	stack.Start(ctx)
//	defer stack.Close()
//
//	stack.Registry.Register(registry.Registration{Pattern: "vision.*", Address: workerAddr})
//	stack.Bus.Register(workerAddr, myHandler)
//	resp, err := stack.Orchestrator.Submit(ctx, req, orchestrator.WithUser("u-1", "s-1"))
//
// This wires one orchestrator and one supervisor over the in-process
// transport; workers register handlers directly on [Stack.Bus]. Deployments
// with out-of-process workers run cmd/mcpflowd instead.
package mcpflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/budget"
	"github.com/BaSui01/mcpflow/orchestrator"
	"github.com/BaSui01/mcpflow/registry"
	"github.com/BaSui01/mcpflow/supervisor"
	"github.com/BaSui01/mcpflow/transport"
)

// Stack is a fully wired single-process orchestration stack.
type Stack struct {
	Registry     *registry.Registry
	Budget       *budget.Manager
	Supervisor   *supervisor.Supervisor
	Orchestrator *orchestrator.Orchestrator
	// Bus is the in-process transport; local workers register here.
	Bus *transport.InProc
}

type options struct {
	logger  *zap.Logger
	caps    budget.Caps
	ledger  budget.Ledger
	checker supervisor.CapabilityChecker
	supCfg  supervisor.Config
	orchCfg orchestrator.Config
}

// Option configures the stack created by [New].
type Option func(*options)

// WithLogger sets a custom zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCaps overrides the default budget caps.
func WithCaps(caps budget.Caps) Option {
	return func(o *options) { o.caps = caps }
}

// WithLedger installs a shared ledger (e.g. [budget.RedisLedger]) instead
// of the default in-memory one.
func WithLedger(l budget.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithCapabilityChecker installs a permission gate for dispatch.
func WithCapabilityChecker(c supervisor.CapabilityChecker) Option {
	return func(o *options) { o.checker = c }
}

// WithSupervisorConfig overrides the supervisor tuning.
func WithSupervisorConfig(cfg supervisor.Config) Option {
	return func(o *options) { o.supCfg = cfg }
}

// WithOrchestratorConfig overrides the orchestrator tuning.
func WithOrchestratorConfig(cfg orchestrator.Config) Option {
	return func(o *options) { o.orchCfg = cfg }
}

// New wires a stack. Nothing runs until [Stack.Start].
func New(opts ...Option) (*Stack, error) {
	o := options{
		logger:  zap.NewNop(),
		caps:    budget.DefaultCaps(),
		supCfg:  supervisor.DefaultConfig("main"),
		orchCfg: orchestrator.DefaultConfig("root"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	reg := registry.New(o.logger)
	bus := transport.NewInProc(o.logger)
	mgr := budget.NewManager(o.caps, o.ledger, o.logger)

	supOpts := []supervisor.Option{supervisor.WithLogger(o.logger)}
	if o.checker != nil {
		supOpts = append(supOpts, supervisor.WithCapabilityChecker(o.checker))
	}
	sup := supervisor.New(o.supCfg, reg, mgr,
		supervisor.TransportProviderFunc(func(registry.Registration) (transport.Transport, error) {
			return bus, nil
		}),
		supOpts...,
	)
	bus.Register(sup.Address(), sup.Handle)

	orch := orchestrator.New(o.orchCfg, bus, o.logger)
	if err := orch.AddRoute("*", sup.Address()); err != nil {
		return nil, err
	}

	return &Stack{
		Registry:     reg,
		Budget:       mgr,
		Supervisor:   sup,
		Orchestrator: orch,
		Bus:          bus,
	}, nil
}

// Start launches the supervisor's dispatch workers.
func (s *Stack) Start(ctx context.Context) {
	s.Supervisor.Start(ctx)
}

// Close stops the supervisor and the in-process transport.
func (s *Stack) Close() error {
	err := s.Supervisor.Close()
	if cerr := s.Bus.Close(); err == nil {
		err = cerr
	}
	return err
}
