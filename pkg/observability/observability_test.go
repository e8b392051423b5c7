// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoOpTracerReturnsUsableSpans(t *testing.T) {
	tr := NewNoOpTracer()
	ctx, span := tr.StartSpan(context.Background(), SpanLLMCompletion,
		WithAttribute(AttrLLMProvider, "anthropic"),
		WithSpanKind("llm"))
	require.NotNil(t, span)
	require.Equal(t, SpanLLMCompletion, span.Name)
	require.Equal(t, "anthropic", span.Attributes[AttrLLMProvider])
	require.Equal(t, "llm", span.Attributes["span.kind"])

	// Instrumented code must be able to use the span unconditionally.
	span.SetAttribute(AttrLLMModel, "m")
	span.AddEvent("started", nil)
	tr.EndSpan(span)
	tr.RecordMetric(MetricLLMCalls, 1, nil)
	require.NoError(t, tr.Flush(ctx))
}

func TestSpanRecordError(t *testing.T) {
	span := &Span{Name: "x"}
	span.RecordError(nil)
	require.Equal(t, StatusUnset, span.Status.Code)

	span.RecordError(errors.New("boom"))
	require.Equal(t, StatusError, span.Status.Code)
	require.Equal(t, "boom", span.Status.Message)
	require.Equal(t, "boom", span.Attributes[AttrErrorMessage])
}

func TestSpanContextRoundTrip(t *testing.T) {
	require.Nil(t, SpanFromContext(context.Background()))
	span := &Span{SpanID: "s1"}
	ctx := ContextWithSpan(context.Background(), span)
	require.Same(t, span, SpanFromContext(ctx))
}
