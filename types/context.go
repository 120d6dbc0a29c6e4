package types

// MessageContext carries the propagated per-exchange fields: the calling
// user and session, the distributed trace identifiers, and arbitrary
// string attributes.
//
// A context is immutable once attached to a message. Children derive a new
// span id while keeping the same trace id; derivation happens only in the
// trace package, never here.
type MessageContext struct {
	UserID     string            `json:"user_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	TraceID    string            `json:"trace_id,omitempty"`
	SpanID     string            `json:"span_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// WithAttribute returns a copy of the context with the attribute set.
// The receiver is not modified.
func (c MessageContext) WithAttribute(key, value string) MessageContext {
	attrs := make(map[string]string, len(c.Attributes)+1)
	for k, v := range c.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	c.Attributes = attrs
	return c
}

// Attribute returns the attribute value for key, or "".
func (c MessageContext) Attribute(key string) string {
	return c.Attributes[key]
}
