package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/trace"
	"github.com/BaSui01/mcpflow/types"
)

// InProc is the Tier0↔Tier1 transport: a dispatch table of handlers keyed
// by logical address. Send never runs the handler on the caller's
// goroutine; the handler executes in its own goroutine and the caller
// awaits the result under the envelope deadline.
type InProc struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
	logger   *zap.Logger
}

// NewInProc creates an empty in-process transport.
func NewInProc(logger *zap.Logger) *InProc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProc{
		handlers: make(map[string]Handler),
		logger:   logger.With(zap.String("component", "transport.inproc")),
	}
}

// Register binds a handler to an address. Re-binding replaces the handler.
func (t *InProc) Register(addr types.Address, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[addr.String()] = h
}

// Deregister removes the handler for addr.
func (t *InProc) Deregister(addr types.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, addr.String())
}

func (t *InProc) lookup(addr types.Address) (Handler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, types.NewError(types.ErrServiceUnavailable, "transport closed")
	}
	h, ok := t.handlers[addr.String()]
	if !ok {
		return nil, types.NewError(types.ErrServiceUnavailable, "no handler bound to "+addr.String())
	}
	return h, nil
}

// Send dispatches msg to its recipient and waits for the reply.
func (t *InProc) Send(ctx context.Context, msg *types.MCPMessage) (*types.MCPMessage, error) {
	if err := checkSendable(msg); err != nil {
		return nil, err
	}
	h, err := t.lookup(msg.Recipient)
	if err != nil {
		return nil, err
	}
	trace.Propagate(msg)

	deadline := msg.Deadline()
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	hctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type result struct {
		resp *types.MCPMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			// One bad payload must not take down sibling requests:
			// handler panics terminate only this task.
			if r := recover(); r != nil {
				t.logger.Error("handler panic",
					zap.String("recipient", msg.Recipient.String()),
					zap.Any("panic", r),
				)
				done <- result{err: types.NewError(types.ErrInternal, fmt.Sprintf("handler panic: %v", r))}
			}
		}()
		resp, err := h(hctx, msg)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "send cancelled").WithCause(ctx.Err())
		}
		return nil, types.NewError(types.ErrTimeout,
			fmt.Sprintf("no response from %s within ttl %s", msg.Recipient, msg.TTL))
	}
}

// Publish dispatches msg without waiting for a response.
func (t *InProc) Publish(ctx context.Context, msg *types.MCPMessage) error {
	if err := checkSendable(msg); err != nil {
		return err
	}
	h, err := t.lookup(msg.Recipient)
	if err != nil {
		return err
	}
	trace.Propagate(msg)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("publish handler panic", zap.Any("panic", r))
			}
		}()
		if _, err := h(context.WithoutCancel(ctx), msg); err != nil {
			t.logger.Debug("publish handler error",
				zap.String("type", string(msg.Type)),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Close marks the transport closed; further sends fail.
func (t *InProc) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
