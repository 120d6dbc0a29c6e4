// Package transport delivers MCP envelopes between tiers. Two carriers
// are provided: an in-process dispatch table for Orchestrator↔Supervisor
// traffic and framed socket clients (TCP, WebSocket) for
// Supervisor↔Worker traffic.
//
// Every Send and Publish stamps a child span onto the outgoing message via
// the trace propagator; callers never manage trace ids themselves.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/mcpflow/types"
)

// nowFunc is swapped in tests to exercise expiry without sleeping.
var nowFunc = time.Now

// Handler processes one inbound envelope and optionally returns a reply.
// A nil reply with nil error means the message needed no response.
type Handler func(ctx context.Context, msg *types.MCPMessage) (*types.MCPMessage, error)

// Transport sends envelopes to their recipient.
type Transport interface {
	// Send delivers msg and waits for the correlated response. The wait
	// is bounded by the envelope TTL; expiry yields a TIMEOUT error and
	// cleans up the response waiter.
	Send(ctx context.Context, msg *types.MCPMessage) (*types.MCPMessage, error)
	// Publish delivers msg without waiting for a response. Used for
	// HEARTBEAT, TASK_PROGRESS and other fire-and-forget traffic.
	Publish(ctx context.Context, msg *types.MCPMessage) error
	// Close releases the transport. In-flight Sends fail with
	// WORKER_CRASH.
	Close() error
}

// checkSendable validates the envelope and rejects messages whose TTL has
// already elapsed; an expired message must never be executed.
func checkSendable(msg *types.MCPMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Expired(nowFunc()) {
		return types.NewError(types.ErrExpired, "message "+msg.ID+" expired before send")
	}
	return nil
}

// pendingMap tracks response waiters keyed by request id. Shared by the
// socket carriers.
type pendingMap struct {
	mu      sync.Mutex
	waiters map[string]chan *types.MCPMessage
}

func newPendingMap() *pendingMap {
	return &pendingMap{waiters: make(map[string]chan *types.MCPMessage)}
}

// add registers a waiter for requestID.
func (p *pendingMap) add(requestID string) chan *types.MCPMessage {
	ch := make(chan *types.MCPMessage, 1)
	p.mu.Lock()
	p.waiters[requestID] = ch
	p.mu.Unlock()
	return ch
}

// remove drops the waiter so an abandoned Send cannot leak.
func (p *pendingMap) remove(requestID string) {
	p.mu.Lock()
	delete(p.waiters, requestID)
	p.mu.Unlock()
}

// resolve delivers a response to the waiter registered for its parent id.
// Responses for unknown parents (late arrivals after timeout) are dropped.
func (p *pendingMap) resolve(resp *types.MCPMessage) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.ParentID]
	if ok {
		delete(p.waiters, resp.ParentID)
	}
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

// failAll aborts every waiter with err, used on connection loss.
func (p *pendingMap) failAll() []chan *types.MCPMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	chans := make([]chan *types.MCPMessage, 0, len(p.waiters))
	for id, ch := range p.waiters {
		delete(p.waiters, id)
		chans = append(chans, ch)
	}
	return chans
}
