package codec

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/mcpflow/types"
)

func sampleMessage(t *testing.T) *types.MCPMessage {
	t.Helper()
	m := types.NewMessage(types.TypeTaskRequest,
		types.NewAddress(types.RoleSupervisor, "intelligence"),
		types.NewAddress(types.RoleWorker, "vision"))
	m.TTL = 5 * time.Second
	m.Context = types.MessageContext{UserID: "u1", TraceID: "trace", SpanID: "span"}
	_, err := m.WithPayload(&types.TaskRequest{Type: "vision.classify"})
	require.NoError(t, err)
	return m
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	t.Parallel()
	c := JSON()

	msg := sampleMessage(t)
	data, err := c.Encode(msg)
	require.NoError(t, err)

	back, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, msg.CorrelationID, back.CorrelationID)
	assert.Equal(t, msg.Sender, back.Sender)
	assert.Equal(t, msg.TTL, back.TTL)
	assert.Equal(t, msg.Context.TraceID, back.Context.TraceID)
}

func TestJSONCodec_RejectsInvalidEnvelope(t *testing.T) {
	t.Parallel()
	c := JSON()

	msg := sampleMessage(t)
	msg.CorrelationID = ""
	_, err := c.Encode(msg)
	require.Error(t, err)
	assert.Equal(t, types.ErrMalformedMessage, types.GetErrorCode(err))
}

func TestJSONCodec_VersionGate(t *testing.T) {
	t.Parallel()
	c := JSON()

	msg := sampleMessage(t)
	data, err := c.Encode(msg)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))

	// Same major, newer minor: accepted.
	doc["v"] = json.RawMessage(`"1.9"`)
	minorBump, err := json.Marshal(doc)
	require.NoError(t, err)
	_, err = c.Decode(minorBump)
	assert.NoError(t, err)

	// Different major: rejected, not silently field-dropped.
	doc["v"] = json.RawMessage(`"2.0"`)
	majorBump, err := json.Marshal(doc)
	require.NoError(t, err)
	_, err = c.Decode(majorBump)
	require.Error(t, err)
	assert.Equal(t, types.ErrMalformedMessage, types.GetErrorCode(err))
}

func TestJSONCodec_RejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := JSON().Decode([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, types.ErrMalformedMessage, types.GetErrorCode(err))
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteFrame([]byte("hello")))
	require.NoError(t, fw.WriteFrame([]byte{}))
	require.NoError(t, fw.WriteFrame([]byte("world")))

	fr := NewFrameReader(&buf)
	for _, want := range []string{"hello", "", "world"} {
		got, err := fr.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := fr.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestFrameReader_Truncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteFrame([]byte("truncate me")))

	short := buf.Bytes()[:buf.Len()-3]
	fr := NewFrameReader(bytes.NewReader(short))
	_, err := fr.ReadFrame()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
