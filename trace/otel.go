package trace

import (
	"encoding/hex"
	"fmt"
	"strings"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// Bridging to W3C traceparent / OpenTelemetry. The core never depends on
// the OTel SDK; this file only converts identifier formats so spans
// emitted here stitch with spans recorded by an OTLP pipeline.

// Traceparent renders the span context as a W3C traceparent header value
// (version 00, sampled).
func Traceparent(sc SpanContext) string {
	if !sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-01", sc.TraceID, sc.SpanID)
}

// ParseTraceparent parses a W3C traceparent header value. Malformed values
// yield a zero SpanContext.
func ParseTraceparent(header string) SpanContext {
	parts := strings.Split(header, "-")
	if len(parts) != 4 || len(parts[1]) != 32 || len(parts[2]) != 16 {
		return SpanContext{}
	}
	return SpanContext{TraceID: parts[1], SpanID: parts[2]}
}

// OTelSpanContext converts to an OpenTelemetry SpanContext so receiving
// code can parent SDK spans under the propagated ids.
func OTelSpanContext(sc SpanContext) oteltrace.SpanContext {
	tid, err := oteltrace.TraceIDFromHex(sc.TraceID)
	if err != nil {
		return oteltrace.SpanContext{}
	}
	sid, err := oteltrace.SpanIDFromHex(sc.SpanID)
	if err != nil {
		return oteltrace.SpanContext{}
	}
	return oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: oteltrace.FlagsSampled,
		Remote:     true,
	})
}

// FromOTelSpanContext converts an OpenTelemetry SpanContext into the
// propagator's representation.
func FromOTelSpanContext(osc oteltrace.SpanContext) SpanContext {
	if !osc.IsValid() {
		return SpanContext{}
	}
	tid := osc.TraceID()
	sid := osc.SpanID()
	return SpanContext{
		TraceID: hex.EncodeToString(tid[:]),
		SpanID:  hex.EncodeToString(sid[:]),
	}
}
