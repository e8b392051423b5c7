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

package llm

import (
	"context"
	"fmt"
	"time"

	llmtypes "github.com/ali-kernel/ali/pkg/llm/types"
	"github.com/ali-kernel/ali/pkg/observability"
	"github.com/ali-kernel/ali/pkg/shuttle"
)

// InstrumentedProvider wraps any LLMProvider so every call leaves a span
// (request shape, usage, cost, latency, stop reason) and the standard
// llm.* metrics behind. Streaming calls additionally measure time to
// first token and throughput. The wrapper is transparent; callers keep
// the plain LLMProvider surface.
type InstrumentedProvider struct {
	provider llmtypes.LLMProvider
	tracer   observability.Tracer
}

// NewInstrumentedProvider wraps provider with the given tracer.
func NewInstrumentedProvider(provider llmtypes.LLMProvider, tracer observability.Tracer) *InstrumentedProvider {
	return &InstrumentedProvider{provider: provider, tracer: tracer}
}

// Name returns the underlying provider id.
func (p *InstrumentedProvider) Name() string { return p.provider.Name() }

// Model returns the underlying model id.
func (p *InstrumentedProvider) Model() string { return p.provider.Model() }

// labels returns the provider/model label set every metric carries.
func (p *InstrumentedProvider) labels() map[string]string {
	return map[string]string{
		observability.AttrLLMProvider: p.provider.Name(),
		observability.AttrLLMModel:    p.provider.Model(),
	}
}

// beginSpan opens the call span and stamps the request shape onto it.
func (p *InstrumentedProvider) beginSpan(ctx context.Context, messages []llmtypes.Message, tools []shuttle.Tool) *observability.Span {
	_, span := p.tracer.StartSpan(ctx, observability.SpanLLMCompletion)
	span.SetAttribute(observability.AttrLLMProvider, p.provider.Name())
	span.SetAttribute(observability.AttrLLMModel, p.provider.Model())
	span.SetAttribute("llm.messages.count", len(messages))
	span.SetAttribute("llm.tools.count", len(tools))
	if len(tools) > 0 {
		toolNames := make([]string, len(tools))
		for i, tool := range tools {
			toolNames[i] = tool.Name()
		}
		span.SetAttribute("llm.tools.names", toolNames)
	}
	return span
}

// markFailed stamps the error onto the span and bumps the error counter.
func (p *InstrumentedProvider) markFailed(span *observability.Span, err error, errLabels map[string]string) {
	span.Status = observability.Status{Code: observability.StatusError, Message: err.Error()}
	span.SetAttribute(observability.AttrErrorType, fmt.Sprintf("%T", err))
	span.SetAttribute(observability.AttrErrorMessage, err.Error())
	p.tracer.RecordMetric(observability.MetricLLMErrors, 1, errLabels)
}

// markCompleted stamps the reply's usage onto the span and emits the
// standard call/latency/token/cost metrics.
func (p *InstrumentedProvider) markCompleted(span *observability.Span, resp *llmtypes.LLMResponse, duration time.Duration) {
	span.Status = observability.Status{Code: observability.StatusOK}
	span.SetAttribute("llm.tokens.input", resp.Usage.InputTokens)
	span.SetAttribute("llm.tokens.output", resp.Usage.OutputTokens)
	span.SetAttribute("llm.tokens.total", resp.Usage.TotalTokens)
	span.SetAttribute("llm.cost.usd", resp.Usage.CostUSD)
	span.SetAttribute("llm.stop_reason", resp.StopReason)
	span.SetAttribute("llm.duration_ms", duration.Milliseconds())
	span.SetAttribute("llm.content.length", len(resp.Content))
	if len(resp.ToolCalls) > 0 {
		span.SetAttribute("llm.tool_calls.count", len(resp.ToolCalls))
		toolCallNames := make([]string, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			toolCallNames[i] = tc.Name
		}
		span.SetAttribute("llm.tool_calls.names", toolCallNames)
	}

	p.tracer.RecordMetric(observability.MetricLLMCalls, 1, p.labels())
	p.tracer.RecordMetric(observability.MetricLLMLatency, float64(duration.Milliseconds()), p.labels())
	p.tracer.RecordMetric(observability.MetricLLMTokensInput, float64(resp.Usage.InputTokens), p.labels())
	p.tracer.RecordMetric(observability.MetricLLMTokensOutput, float64(resp.Usage.OutputTokens), p.labels())
	p.tracer.RecordMetric(observability.MetricLLMCost, resp.Usage.CostUSD, p.labels())
}

// Chat forwards one turn to the wrapped provider under a span.
func (p *InstrumentedProvider) Chat(ctx context.Context, messages []llmtypes.Message, tools []shuttle.Tool) (*llmtypes.LLMResponse, error) {
	span := p.beginSpan(ctx, messages, tools)
	defer p.tracer.EndSpan(span)

	span.AddEvent("llm.call.started", map[string]interface{}{
		"provider": p.provider.Name(),
		"model":    p.provider.Model(),
		"messages": len(messages),
		"tools":    len(tools),
	})

	start := time.Now()
	resp, err := p.provider.Chat(ctx, messages, tools)
	duration := time.Since(start)

	if err != nil {
		span.AddEvent("llm.call.failed", map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
		})
		errLabels := p.labels()
		errLabels[observability.AttrErrorType] = fmt.Sprintf("%T", err)
		p.markFailed(span, err, errLabels)
		return nil, err
	}

	p.markCompleted(span, resp, duration)
	span.AddEvent("llm.call.completed", map[string]interface{}{
		"duration_ms":   duration.Milliseconds(),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"cost_usd":      resp.Usage.CostUSD,
		"stop_reason":   resp.StopReason,
		"tool_calls":    len(resp.ToolCalls),
	})
	return resp, nil
}

// ChatStream forwards one streaming turn under a span, measuring time to
// first token and chunk throughput on top of the standard metrics. Fails
// when the wrapped provider cannot stream.
func (p *InstrumentedProvider) ChatStream(ctx context.Context, messages []llmtypes.Message, tools []shuttle.Tool, tokenCallback llmtypes.TokenCallback) (*llmtypes.LLMResponse, error) {
	streamingProvider, ok := p.provider.(llmtypes.StreamingLLMProvider)
	if !ok {
		return nil, NewProviderError(ErrInvalidRequest,
			fmt.Sprintf("provider %s does not support streaming", p.provider.Name()))
	}

	span := p.beginSpan(ctx, messages, tools)
	defer p.tracer.EndSpan(span)
	span.SetAttribute("llm.streaming", true)

	span.AddEvent("stream.started", map[string]interface{}{
		"provider": p.provider.Name(),
		"model":    p.provider.Model(),
		"messages": len(messages),
		"tools":    len(tools),
	})

	start := time.Now()
	var ttft time.Duration
	tokenCount := 0
	firstTokenReceived := false

	instrumentedCallback := func(token string) {
		if !firstTokenReceived {
			ttft = time.Since(start)
			firstTokenReceived = true
			span.AddEvent("stream.first_token", map[string]interface{}{
				"ttft_ms": ttft.Milliseconds(),
			})
			p.tracer.RecordMetric("llm.streaming.ttft_ms", float64(ttft.Milliseconds()), p.labels())
		}
		tokenCount++
		if tokenCallback != nil {
			tokenCallback(token)
		}
	}

	resp, err := streamingProvider.ChatStream(ctx, messages, tools, instrumentedCallback)
	duration := time.Since(start)

	if err != nil {
		span.AddEvent("stream.failed", map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
			"tokens":      tokenCount,
		})
		p.markFailed(span, err, p.labels())
		return nil, err
	}

	p.markCompleted(span, resp, duration)
	span.SetAttribute("llm.ttft_ms", ttft.Milliseconds())
	span.SetAttribute("llm.streaming.chunks", tokenCount)

	if duration.Seconds() > 0 {
		throughput := float64(resp.Usage.OutputTokens) / duration.Seconds()
		span.SetAttribute("llm.streaming.throughput", throughput)
		p.tracer.RecordMetric("llm.streaming.throughput", throughput, p.labels())
	}

	span.AddEvent("stream.completed", map[string]interface{}{
		"duration_ms":   duration.Milliseconds(),
		"ttft_ms":       ttft.Milliseconds(),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"cost_usd":      resp.Usage.CostUSD,
		"stop_reason":   resp.StopReason,
		"tool_calls":    len(resp.ToolCalls),
		"chunks":        tokenCount,
	})
	p.tracer.RecordMetric("llm.streaming.chunks.total", float64(tokenCount), p.labels())

	return resp, nil
}

var (
	_ llmtypes.LLMProvider          = (*InstrumentedProvider)(nil)
	_ llmtypes.StreamingLLMProvider = (*InstrumentedProvider)(nil)
)
