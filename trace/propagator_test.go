package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/mcpflow/types"
)

func TestStartSpan_KeepsTraceDerivesSpan(t *testing.T) {
	t.Parallel()

	root := NewTrace()
	require.True(t, root.IsValid())
	assert.Len(t, root.TraceID, 32)
	assert.Len(t, root.SpanID, 16)

	child := StartSpan(root)
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.NotEqual(t, root.SpanID, child.SpanID)
}

func TestStartSpan_ZeroParentStartsTrace(t *testing.T) {
	t.Parallel()

	sc := StartSpan(SpanContext{})
	assert.True(t, sc.IsValid())
}

func TestInjectExtractRoundTrip(t *testing.T) {
	t.Parallel()

	msg := types.NewMessage(types.TypePing,
		types.NewAddress(types.RoleOrchestrator, "main"),
		types.NewAddress(types.RoleSupervisor, "system"))
	msg.TTL = time.Second

	sc := NewTrace()
	Inject(sc, msg)
	assert.Equal(t, sc, Extract(msg))
}

func TestPropagate_ChainsSpans(t *testing.T) {
	t.Parallel()

	msg := types.NewMessage(types.TypePing,
		types.NewAddress(types.RoleOrchestrator, "main"),
		types.NewAddress(types.RoleSupervisor, "system"))
	msg.TTL = time.Second

	first := Propagate(msg)
	second := Propagate(msg)
	assert.Equal(t, first.TraceID, second.TraceID)
	assert.NotEqual(t, first.SpanID, second.SpanID)
	assert.Equal(t, second, Extract(msg))
}

func TestTraceparentRoundTrip(t *testing.T) {
	t.Parallel()

	sc := NewTrace()
	header := Traceparent(sc)
	assert.Equal(t, sc, ParseTraceparent(header))

	assert.Equal(t, SpanContext{}, ParseTraceparent("garbage"))
	assert.Equal(t, "", Traceparent(SpanContext{}))
}

func TestOTelConversionRoundTrip(t *testing.T) {
	t.Parallel()

	sc := NewTrace()
	osc := OTelSpanContext(sc)
	require.True(t, osc.IsValid())
	assert.Equal(t, sc, FromOTelSpanContext(osc))
}
