package types

import (
	"testing"
	"time"
)

func supervisorAddr() Address { return NewAddress(RoleSupervisor, "intelligence") }
func orchestratorAddr() Address {
	return NewAddress(RoleOrchestrator, "main")
}

func TestNewMessage_IDsAreSortable(t *testing.T) {
	t.Parallel()

	prev := NewMessage(TypePing, orchestratorAddr(), supervisorAddr())
	for i := 0; i < 50; i++ {
		time.Sleep(time.Millisecond)
		next := NewMessage(TypePing, orchestratorAddr(), supervisorAddr())
		if next.ID <= prev.ID {
			t.Fatalf("expected time-ordered ids, got %s after %s", next.ID, prev.ID)
		}
		prev = next
	}
}

func TestNewMessage_CorrelationDefaultsToID(t *testing.T) {
	t.Parallel()

	m := NewMessage(TypeTaskRequest, orchestratorAddr(), supervisorAddr())
	if m.CorrelationID != m.ID {
		t.Fatalf("root message must start its own exchange")
	}
}

func TestReply_LinksParentAndCorrelation(t *testing.T) {
	t.Parallel()

	req := NewMessage(TypeTaskRequest, orchestratorAddr(), supervisorAddr())
	req.TTL = time.Second
	req.Context = MessageContext{UserID: "u1", TraceID: "t1", SpanID: "s1"}

	resp := req.Reply(TypeTaskResponse)
	if resp.ParentID != req.ID {
		t.Fatalf("parent_id mismatch: %s != %s", resp.ParentID, req.ID)
	}
	if resp.CorrelationID != req.CorrelationID {
		t.Fatalf("correlation_id must be stable across the exchange")
	}
	if resp.Sender != req.Recipient || resp.Recipient != req.Sender {
		t.Fatalf("reply must swap sender and recipient")
	}
	if resp.Context.TraceID != "t1" {
		t.Fatalf("context must carry over on reply")
	}
}

func TestValidate_RejectsBadEnvelopes(t *testing.T) {
	t.Parallel()

	base := func() *MCPMessage {
		m := NewMessage(TypePing, orchestratorAddr(), supervisorAddr())
		m.TTL = time.Second
		return m
	}

	cases := []struct {
		name   string
		mutate func(*MCPMessage)
	}{
		{"missing id", func(m *MCPMessage) { m.ID = "" }},
		{"missing correlation", func(m *MCPMessage) { m.CorrelationID = "" }},
		{"missing sender", func(m *MCPMessage) { m.Sender = Address{} }},
		{"missing recipient", func(m *MCPMessage) { m.Recipient = Address{} }},
		{"unknown type", func(m *MCPMessage) { m.Type = "BOGUS" }},
		{"zero ttl", func(m *MCPMessage) { m.TTL = 0 }},
		{"negative ttl", func(m *MCPMessage) { m.TTL = -time.Second }},
		{"task request without payload", func(m *MCPMessage) { m.Type = TypeTaskRequest }},
		{"response without parent", func(m *MCPMessage) {
			m.Type = TypeTaskResponse
			m.Payload = []byte(`{}`)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := base()
			tc.mutate(m)
			err := m.Validate()
			if err == nil {
				t.Fatalf("expected validation failure")
			}
			if GetErrorCode(err) != ErrMalformedMessage {
				t.Fatalf("expected MALFORMED_MESSAGE, got %s", GetErrorCode(err))
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	m := NewMessage(TypePing, orchestratorAddr(), supervisorAddr())
	m.TTL = 100 * time.Millisecond

	if m.Expired(m.Timestamp.Add(50 * time.Millisecond)) {
		t.Fatalf("message expired before its deadline")
	}
	if !m.Expired(m.Timestamp.Add(100 * time.Millisecond)) {
		t.Fatalf("message must expire exactly at deadline")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	req := NewMessage(TypeTaskRequest, orchestratorAddr(), supervisorAddr())
	req.TTL = time.Second
	if _, err := req.WithPayload(&TaskRequest{Type: "vision.classify"}); err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	var decoded TaskRequest
	if err := req.DecodePayload(&decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Type != "vision.classify" {
		t.Fatalf("payload round trip lost task type")
	}
}
