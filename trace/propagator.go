// Package trace owns the trace_id / span_id fields of message contexts.
// No other package may read or write them directly; everything goes
// through StartSpan / Inject / Extract so the tracing backend stays
// swappable.
package trace

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/BaSui01/mcpflow/types"
)

// SpanContext identifies one span within a distributed trace. Ids use the
// W3C trace-context widths: 16-byte trace id, 8-byte span id, hex encoded.
type SpanContext struct {
	TraceID string
	SpanID  string
}

// IsValid reports whether both ids are present.
func (sc SpanContext) IsValid() bool { return sc.TraceID != "" && sc.SpanID != "" }

// NewTrace starts a brand-new trace with a root span.
func NewTrace() SpanContext {
	return SpanContext{TraceID: randHex(16), SpanID: randHex(8)}
}

// StartSpan derives a child: same trace id, fresh span id. A zero parent
// starts a new trace.
func StartSpan(parent SpanContext) SpanContext {
	if !parent.IsValid() {
		return NewTrace()
	}
	return SpanContext{TraceID: parent.TraceID, SpanID: randHex(8)}
}

// Inject writes the span context into the message. The message context is
// treated as immutable by every other package; this is the single write
// point for trace fields.
func Inject(sc SpanContext, msg *types.MCPMessage) {
	msg.Context.TraceID = sc.TraceID
	msg.Context.SpanID = sc.SpanID
}

// Extract reconstructs a span context from a received message, suitable
// for starting a child span on the receiving side.
func Extract(msg *types.MCPMessage) SpanContext {
	return SpanContext{TraceID: msg.Context.TraceID, SpanID: msg.Context.SpanID}
}

// Propagate stamps msg with a child span of whatever trace the message
// already carries. Transports call this on every send so callers never
// manage tracing manually.
func Propagate(msg *types.MCPMessage) SpanContext {
	child := StartSpan(Extract(msg))
	Inject(child, msg)
	return child
}

func randHex(n int) string {
	b := make([]byte, n)
	// crypto/rand never fails on supported platforms; an all-zero id is
	// still well-formed if it somehow does.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
