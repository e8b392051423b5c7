// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability provides in-process tracing and metrics for the
// kernel: provider calls, routing decisions, delegation fan-outs,
// compaction passes and workflow transitions are all wrapped in spans so
// cost and latency can be attributed per agent and per turn. Spans either
// stay in memory (EmbeddedTracer) or are discarded (NoOpTracer); there is
// no network exporter.
package observability

import (
	"context"
	"time"
)

// Tracer instruments kernel operations. Implementations must be safe for
// concurrent use.
type Tracer interface {
	// StartSpan creates a span and returns a context carrying it; the
	// span is linked to any parent already in ctx.
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span)

	// EndSpan completes a span, computes its duration, and hands it to
	// the backing store. Call via defer after StartSpan.
	EndSpan(span *Span)

	// RecordMetric records a point-in-time value with labels: token
	// counts, costs, latencies, queue depths.
	RecordMetric(name string, value float64, labels map[string]string)

	// RecordEvent records a standalone event not tied to a span.
	RecordEvent(ctx context.Context, name string, attributes map[string]interface{})

	// Flush forces export of anything buffered; called on shutdown.
	Flush(ctx context.Context) error
}

// StatusCode is the final status of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusUnset:
		return "unset"
	default:
		return "unknown"
	}
}

// Status is the final status of a span with an optional message.
type Status struct {
	Code    StatusCode
	Message string
}

// Event is a point-in-time occurrence within a span.
type Event struct {
	Timestamp  time.Time
	Name       string
	Attributes map[string]interface{}
}

// Span is one unit of work with timing and metadata. Spans form a tree
// via ParentID.
type Span struct {
	TraceID  string
	SpanID   string
	ParentID string

	Name       string
	Attributes map[string]interface{}

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Events []Event
	Status Status
}

// SetAttribute sets a key-value attribute on the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]interface{})
	}
	s.Attributes[key] = value
}

// AddEvent appends a timestamped event to the span.
func (s *Span) AddEvent(name string, attrs map[string]interface{}) {
	s.Events = append(s.Events, Event{
		Timestamp:  time.Now(),
		Name:       name,
		Attributes: attrs,
	})
}

// RecordError marks the span failed and records the error's text.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.Status = Status{Code: StatusError, Message: err.Error()}
	s.SetAttribute(AttrErrorMessage, err.Error())
	s.SetAttribute(AttrErrorType, "error")
}

// SpanOption configures a span at StartSpan time.
type SpanOption func(*Span)

// WithAttribute sets one attribute.
func WithAttribute(key string, value interface{}) SpanOption {
	return func(s *Span) { s.SetAttribute(key, value) }
}

// WithSpanKind sets the span.kind attribute. Common values:
// "conversation", "llm", "delegation", "workflow", "storage".
func WithSpanKind(kind string) SpanOption {
	return func(s *Span) { s.SetAttribute("span.kind", kind) }
}

// WithParentSpanID explicitly overrides the parent span id.
func WithParentSpanID(parentID string) SpanOption {
	return func(s *Span) { s.ParentID = parentID }
}

// SpanFromContext retrieves the current span from ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanContextKey).(*Span); ok {
		return span
	}
	return nil
}

// ContextWithSpan returns a new context with span attached.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey, span)
}

type contextKey string

const spanContextKey contextKey = "ali.span"

// Span names used across the kernel. One vocabulary, so stored traces
// from different components aggregate cleanly.
const (
	SpanAgentConversation = "agent.conversation"
	SpanAgentTurn         = "agent.turn"

	SpanLLMCompletion = "llm.completion"
	SpanLLMStream     = "llm.stream"

	SpanRouterRoute     = "router.route"
	SpanOrchestration   = "orchestrator.process"
	SpanDelegation      = "orchestrator.delegate"
	SpanPlanExecution   = "orchestrator.plan"
	SpanConvergence     = "orchestrator.converge"
	SpanCompaction      = "compactor.compact"
	SpanWorkflowRun     = "workflow.run"
	SpanWorkflowNode    = "workflow.node"
	SpanBusPublish      = "bus.publish"
	SpanFabricSearch    = "fabric.find_similar"
	SpanPlanClaim       = "plandb.claim"
	SpanCheckpointWrite = "compactor.checkpoint"
)

// Attribute keys.
const (
	AttrSessionID = "session.id"
	AttrAgentID   = "agent.id"
	AttrAgentRole = "agent.role"

	AttrLLMProvider = "llm.provider"
	AttrLLMModel    = "llm.model"

	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// Metric names.
const (
	MetricLLMCalls        = "llm.calls"
	MetricLLMErrors       = "llm.errors"
	MetricLLMLatency      = "llm.latency_ms"
	MetricLLMTokensInput  = "llm.tokens.input"
	MetricLLMTokensOutput = "llm.tokens.output"
	MetricLLMCost         = "llm.cost_usd"

	MetricDelegationLegs  = "delegation.legs"
	MetricCompactionRuns  = "compaction.runs"
	MetricBusDelivered    = "bus.delivered"
	MetricBudgetExceeded  = "cost.budget_exceeded"
	MetricSessionSpendUSD = "cost.session_spend_usd"
)
