// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	internaljson "github.com/forrstprotocol/forrst-go/internal/json"
)

// TracingOptions are the wire options of urn:forrst:ext:tracing. They carry
// the caller's trace so the server's span joins it.
type TracingOptions struct {
	TraceID string            `json:"trace_id,omitempty"`
	SpanID  string            `json:"span_id,omitempty"`
	Baggage map[string]string `json:"baggage,omitempty"`
}

// The tracing extension opens a server span around every invocation,
// joining the caller's trace when the request declares one, and reports the
// trace ids and span duration in the response.
type tracingExtension struct {
	tracer trace.Tracer
}

// NewTracingExtension returns the tracing extension. A nil provider uses
// the global one.
func NewTracingExtension(tp trace.TracerProvider) Extension {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &tracingExtension{tracer: tp.Tracer("github.com/forrstprotocol/forrst-go/forrst")}
}

func (*tracingExtension) URN() string        { return ExtTracing }
func (*tracingExtension) Priority() Priority { return PriorityTracing }
func (*tracingExtension) Unconditional()     {}

type tracingState struct {
	span         trace.Span
	parentSpanID string
}

func (e *tracingExtension) Before(ctx context.Context, inv *Invocation) (context.Context, error) {
	st := &tracingState{}
	if raw := inv.ExtensionOptions(ExtTracing); raw != nil {
		var opts TracingOptions
		if err := internaljson.Unmarshal(raw, &opts); err != nil {
			return nil, extNotApplicable(ExtTracing, "malformed options")
		}
		if opts.TraceID != "" && opts.SpanID != "" {
			traceID, err := trace.TraceIDFromHex(opts.TraceID)
			if err != nil {
				return nil, extNotApplicable(ExtTracing, "malformed trace_id")
			}
			spanID, err := trace.SpanIDFromHex(opts.SpanID)
			if err != nil {
				return nil, extNotApplicable(ExtTracing, "malformed span_id")
			}
			parent := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     spanID,
				TraceFlags: trace.FlagsSampled,
				Remote:     true,
			})
			ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
			st.parentSpanID = opts.SpanID
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("forrst.function", inv.Function.URN),
		attribute.String("forrst.version", inv.Function.Version),
		attribute.String("forrst.request_id", inv.Request.ID),
	}
	if caller := inv.CallContext().Caller(); caller != "" {
		attrs = append(attrs, attribute.String("forrst.caller", caller))
	}
	ctx, span := e.tracer.Start(ctx, inv.Function.URN,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
	st.span = span
	inv.SetLocal(ExtTracing, st)
	return ctx, nil
}

func (e *tracingExtension) After(ctx context.Context, inv *Invocation, result any, errs []*Error) {
	st, ok := inv.Local(ExtTracing).(*tracingState)
	if !ok {
		return
	}
	if len(errs) > 0 {
		st.span.SetStatus(codes.Error, errs[0].Message)
		st.span.SetAttributes(attribute.String("forrst.error_code", string(errs[0].Code)))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()

	sc := st.span.SpanContext()
	data := map[string]any{
		"duration": millis(inv.Elapsed()),
	}
	if sc.HasTraceID() {
		data["trace_id"] = sc.TraceID().String()
		data["span_id"] = sc.SpanID().String()
	}
	if st.parentSpanID != "" {
		data["parent_span_id"] = st.parentSpanID
	}
	inv.SetExtensionData(ExtTracing, data)
}
