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

// Package openai talks to the OpenAI Chat Completions API: chat, SSE
// streaming with incremental tool-call assembly, and translation between
// shuttle tools and OpenAI function definitions.
package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ali-kernel/ali/pkg/llm"
	llmtypes "github.com/ali-kernel/ali/pkg/llm/types"
	"github.com/ali-kernel/ali/pkg/shuttle"
)

// Defaults, overridable via OPENAI_DEFAULT_MODEL / OPENAI_API_ENDPOINT or
// the ALI_LLM_OPENAI_* variables.
const (
	DefaultOpenAIModel       = "gpt-4.1"
	DefaultOpenAIEndpoint    = "https://api.openai.com/v1/chat/completions"
	DefaultOpenAITimeout     = 60 * time.Second
	DefaultOpenAIMaxTokens   = 4096
	DefaultOpenAITemperature = 1.0
)

// One rate limiter per process, shared by every OpenAI client.
var (
	globalRateLimiter     *llm.RateLimiter
	globalRateLimiterOnce sync.Once
)

// Client is the OpenAI backend of the provider abstraction.
type Client struct {
	apiKey      string
	model       string
	endpoint    string
	httpClient  *http.Client
	maxTokens   int
	temperature float64
	rateLimiter *llm.RateLimiter
}

// Config holds the OpenAI client settings. Zero values fall back to the
// package defaults.
type Config struct {
	APIKey            string
	Model             string
	Endpoint          string
	Timeout           time.Duration
	MaxTokens         int
	Temperature       float64
	RateLimiterConfig llm.RateLimiterConfig
}

// NewClient creates an OpenAI client.
func NewClient(config Config) *Client {
	if config.Model == "" {
		if envModel := os.Getenv("OPENAI_DEFAULT_MODEL"); envModel != "" {
			config.Model = envModel
		} else if envModel := os.Getenv("ALI_LLM_OPENAI_MODEL"); envModel != "" {
			config.Model = envModel
		} else {
			config.Model = DefaultOpenAIModel
		}
	}
	if config.Endpoint == "" {
		if envEndpoint := os.Getenv("OPENAI_API_ENDPOINT"); envEndpoint != "" {
			config.Endpoint = envEndpoint
		} else if envEndpoint := os.Getenv("ALI_LLM_OPENAI_ENDPOINT"); envEndpoint != "" {
			config.Endpoint = envEndpoint
		} else {
			config.Endpoint = DefaultOpenAIEndpoint
		}
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultOpenAITimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultOpenAIMaxTokens
	}
	if config.Temperature == 0 {
		config.Temperature = DefaultOpenAITemperature
	}

	var rateLimiter *llm.RateLimiter
	if config.RateLimiterConfig.Enabled {
		globalRateLimiterOnce.Do(func() {
			globalRateLimiter = llm.NewRateLimiter(config.RateLimiterConfig)
		})
		rateLimiter = globalRateLimiter
	}

	return &Client{
		apiKey:      config.APIKey,
		model:       config.Model,
		endpoint:    config.Endpoint,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		rateLimiter: rateLimiter,
		httpClient:  &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider id.
func (c *Client) Name() string { return "openai" }

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

func (c *Client) doer() llm.Doer {
	return llm.WrapDoer(c.httpClient, c.rateLimiter)
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

func (c *Client) buildRequest(messages []llmtypes.Message, tools []shuttle.Tool, stream bool) *ChatCompletionRequest {
	req := &ChatCompletionRequest{
		Model:       c.model,
		Messages:    c.convertMessages(messages),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      stream,
	}
	if apiTools := c.convertTools(tools); len(apiTools) > 0 {
		req.Tools = apiTools
		req.ToolChoice = "auto"
	}
	return req
}

// Chat sends one conversation turn and returns the reply.
func (c *Client) Chat(ctx context.Context, messages []llmtypes.Message, tools []shuttle.Tool) (*llmtypes.LLMResponse, error) {
	req := c.buildRequest(messages, tools, false)

	var resp ChatCompletionResponse
	if err := llm.CallJSON(ctx, c.doer(), c.endpoint, c.headers(), req, &resp); err != nil {
		return nil, err
	}
	// The API sometimes reports faults in a 200 body's error object.
	if resp.Error != nil {
		return nil, vendorError(resp.Error)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewProviderError(llm.ErrUnknown, "reply carried no choices")
	}
	return c.convertResponse(&resp), nil
}

// vendorError maps an OpenAI error object onto the shared taxonomy.
func vendorError(e *OpenAIError) error {
	kind := llm.ErrUnknown
	switch e.Type {
	case "invalid_request_error":
		kind = llm.ErrInvalidRequest
	case "authentication_error":
		kind = llm.ErrAuth
	case "insufficient_quota":
		kind = llm.ErrQuota
	case "rate_limit_error":
		kind = llm.ErrRateLimit
	case "server_error":
		kind = llm.ErrOverloaded
	}
	code, _ := e.Code.(string)
	switch code {
	case "invalid_api_key", "account_deactivated":
		kind = llm.ErrAuth
	case "context_length_exceeded":
		kind = llm.ErrContextLength
	case "model_not_found":
		kind = llm.ErrModelNotFound
	}
	return llm.NewProviderError(kind, e.Message, llm.WithProviderCode(code))
}

// convertMessages translates conversation messages to the Chat
// Completions shape: tool results as tool-role messages, images as
// image_url content parts.
func (c *Client) convertMessages(messages []llmtypes.Message) []ChatMessage {
	var apiMessages []ChatMessage

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			apiMessages = append(apiMessages, ChatMessage{Role: msg.Role, Content: msg.Content})

		case "user":
			if len(msg.ContentBlocks) > 0 {
				var content []map[string]interface{}
				for _, block := range msg.ContentBlocks {
					switch block.Type {
					case "text":
						content = append(content, map[string]interface{}{"type": "text", "text": block.Text})
					case "image":
						if block.Image != nil {
							imageURL := block.Image.Source.URL
							if block.Image.Source.Type == "base64" {
								imageURL = fmt.Sprintf("data:%s;base64,%s",
									block.Image.Source.MediaType, block.Image.Source.Data)
							}
							content = append(content, map[string]interface{}{
								"type":      "image_url",
								"image_url": map[string]interface{}{"url": imageURL},
							})
						}
					}
				}
				apiMessages = append(apiMessages, ChatMessage{Role: "user", Content: content})
			} else {
				apiMessages = append(apiMessages, ChatMessage{Role: msg.Role, Content: msg.Content})
			}

		case "assistant":
			apiMsg := ChatMessage{Role: "assistant"}
			if msg.Content != "" {
				apiMsg.Content = msg.Content
			}
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Input)
				if err != nil {
					argsJSON = []byte("{}")
				}
				apiMsg.ToolCalls = append(apiMsg.ToolCalls, ToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: FunctionCall{Name: tc.Name, Arguments: string(argsJSON)},
				})
			}
			apiMessages = append(apiMessages, apiMsg)

		case "tool":
			apiMessages = append(apiMessages, ChatMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolUseID,
			})
		}
	}

	return apiMessages
}

// convertTools translates shuttle tools into function definitions.
func (c *Client) convertTools(tools []shuttle.Tool) []Tool {
	var apiTools []Tool
	for _, tool := range tools {
		apiTool := Tool{
			Type: "function",
			Function: FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
			},
		}
		if schema := tool.InputSchema(); schema != nil {
			params := map[string]interface{}{"type": schema.Type}
			if schema.Type == "" {
				params["type"] = "object"
			}
			if schema.Properties != nil {
				params["properties"] = c.convertSchemaProperties(schema.Properties)
			}
			if len(schema.Required) > 0 {
				params["required"] = schema.Required
			}
			apiTool.Function.Parameters = params
		}
		apiTools = append(apiTools, apiTool)
	}
	return apiTools
}

func (c *Client) convertSchemaProperties(props map[string]*shuttle.JSONSchema) map[string]interface{} {
	if props == nil {
		return nil
	}
	result := make(map[string]interface{})
	for key, schema := range props {
		propMap := map[string]interface{}{"type": schema.Type}
		if schema.Description != "" {
			propMap["description"] = schema.Description
		}
		if schema.Enum != nil {
			propMap["enum"] = schema.Enum
		}
		if schema.Default != nil {
			propMap["default"] = schema.Default
		}
		if schema.Properties != nil {
			propMap["properties"] = c.convertSchemaProperties(schema.Properties)
		}
		if schema.Items != nil {
			itemMap := map[string]interface{}{"type": schema.Items.Type}
			if schema.Items.Description != "" {
				itemMap["description"] = schema.Items.Description
			}
			propMap["items"] = itemMap
		}
		result[key] = propMap
	}
	return result
}

// stopReasonFor maps a finish_reason onto the shared stop-reason
// vocabulary the orchestrator branches on.
func stopReasonFor(finishReason string) string {
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "content_filter"
	default:
		return finishReason
	}
}

// convertResponse flattens the first choice into text plus tool calls.
func (c *Client) convertResponse(resp *ChatCompletionResponse) *llmtypes.LLMResponse {
	choice := resp.Choices[0]
	llmResp := &llmtypes.LLMResponse{
		StopReason: stopReasonFor(choice.FinishReason),
		Usage: llmtypes.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
			CostUSD:      c.calculateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		},
		Metadata: map[string]interface{}{
			"model":         resp.Model,
			"finish_reason": choice.FinishReason,
		},
	}

	if str, ok := choice.Message.Content.(string); ok {
		llmResp.Content = str
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			input = map[string]interface{}{"_raw": tc.Function.Arguments}
		}
		llmResp.ToolCalls = append(llmResp.ToolCalls, llmtypes.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return llmResp
}

// calculateCost prices a call from the current list rates. The model
// registry's pricing supersedes this at the cost-controller layer; this
// figure only seeds the per-response usage snapshot.
func (c *Client) calculateCost(inputTokens, outputTokens int) float64 {
	inputCostPerM, outputCostPerM := 2.50, 10.00
	switch c.model {
	case "gpt-4o-mini":
		inputCostPerM, outputCostPerM = 0.15, 0.60
	case "gpt-4-turbo", "gpt-4-turbo-preview":
		inputCostPerM, outputCostPerM = 10.00, 30.00
	case "gpt-4", "gpt-4-0613":
		inputCostPerM, outputCostPerM = 30.00, 60.00
	case "gpt-3.5-turbo", "gpt-3.5-turbo-0125":
		inputCostPerM, outputCostPerM = 0.50, 1.50
	case "o1-preview":
		inputCostPerM, outputCostPerM = 15.00, 60.00
	case "o1-mini":
		inputCostPerM, outputCostPerM = 3.00, 12.00
	}
	return float64(inputTokens)*inputCostPerM/1_000_000 + float64(outputTokens)*outputCostPerM/1_000_000
}

// ChatStream streams a reply token by token over SSE. Tool-call argument
// fragments arrive interleaved across chunks and are reassembled per
// index before the final parse. tokenCallback runs on the read loop and
// must not block.
func (c *Client) ChatStream(ctx context.Context, messages []llmtypes.Message,
	tools []shuttle.Tool, tokenCallback llmtypes.TokenCallback) (*llmtypes.LLMResponse, error) {

	req := c.buildRequest(messages, tools, true)

	httpResp, err := llm.OpenStream(ctx, c.doer(), c.endpoint, c.headers(), req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var contentBuffer strings.Builder
	usage := llmtypes.Usage{}
	var finishReason string
	tokenCount := 0
	toolCallMap := make(map[int]*llmtypes.ToolCall) // assembled by tool call index

	scanner := bufio.NewScanner(httpResp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")
		if jsonData == "[DONE]" {
			break
		}

		var chunk ChatCompletionStreamChunk
		if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
			// Malformed chunks are skipped; the stream keeps going.
			continue
		}

		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]

			if str, ok := choice.Delta.Content.(string); ok && str != "" {
				contentBuffer.WriteString(str)
				tokenCount++
				if tokenCallback != nil {
					tokenCallback(str)
				}
			}

			for _, tcDelta := range choice.Delta.ToolCalls {
				idx := tcDelta.Index
				if _, exists := toolCallMap[idx]; !exists {
					toolCallMap[idx] = &llmtypes.ToolCall{
						ID:    tcDelta.ID,
						Name:  tcDelta.Function.Name,
						Input: make(map[string]interface{}),
					}
				}
				if tcDelta.Function.Arguments != "" {
					tc := toolCallMap[idx]
					if existingArgs, ok := tc.Input["_args"].(string); ok {
						tc.Input["_args"] = existingArgs + tcDelta.Function.Arguments
					} else {
						tc.Input["_args"] = tcDelta.Function.Arguments
					}
				}
			}

			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}

		// Cancellation aborts at the next chunk boundary.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, llm.StreamReadError(err)
	}

	var toolCalls []llmtypes.ToolCall
	for _, tc := range toolCallMap {
		if argsStr, ok := tc.Input["_args"].(string); ok {
			var parsedArgs map[string]interface{}
			if err := json.Unmarshal([]byte(argsStr), &parsedArgs); err != nil {
				parsedArgs = map[string]interface{}{"_raw": argsStr}
			}
			tc.Input = parsedArgs
		}
		toolCalls = append(toolCalls, *tc)
	}

	if usage.TotalTokens == 0 {
		// Input tokens are not reported mid-stream.
		usage.OutputTokens = tokenCount
		usage.TotalTokens = tokenCount
	}
	usage.CostUSD = c.calculateCost(usage.InputTokens, usage.OutputTokens)

	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(int64(usage.InputTokens + usage.OutputTokens))
	}

	return &llmtypes.LLMResponse{
		Content:    contentBuffer.String(),
		StopReason: stopReasonFor(finishReason),
		Usage:      usage,
		ToolCalls:  toolCalls,
		Metadata: map[string]interface{}{
			"model":         c.model,
			"finish_reason": finishReason,
			"streaming":     true,
		},
	}, nil
}

var (
	_ llmtypes.LLMProvider          = (*Client)(nil)
	_ llmtypes.StreamingLLMProvider = (*Client)(nil)
)
