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

// Package ollama talks to a local Ollama daemon's /api/chat endpoint:
// chat, newline-delimited-JSON streaming, and native tool calling for
// models that support it (with a prompt-engineering fallback for those
// that don't).
package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ali-kernel/ali/pkg/llm"
	llmtypes "github.com/ali-kernel/ali/pkg/llm/types"
	"github.com/ali-kernel/ali/pkg/shuttle"
)

// One rate limiter per process, shared by every Ollama client.
var (
	globalRateLimiter     *llm.RateLimiter
	globalRateLimiterOnce sync.Once
)

// Client is the Ollama backend of the provider abstraction. Local models
// are free, so every usage snapshot carries zero cost.
type Client struct {
	endpoint    string
	model       string
	httpClient  *http.Client
	maxTokens   int
	temperature float64
	toolMode    ToolMode
	rateLimiter *llm.RateLimiter
}

// Model families with native tool calling (Ollama v0.12.3+). Matched as
// prefixes so versioned tags like llama3.1:8b resolve too.
var toolSupportedModels = map[string]bool{
	"llama3.3":      true,
	"llama3.2":      true,
	"llama3.1":      true,
	"qwen2.5":       true,
	"qwen2.5-coder": true,
	"mistral":       true,
	"mixtral":       true,
	"deepseek-r1":   true,
	"functionary":   true,
}

// ToolMode selects how tool definitions reach the model.
type ToolMode string

const (
	// ToolModeAuto probes the model name against the known-support table.
	ToolModeAuto ToolMode = "auto"
	// ToolModeNative always sends the native tools field.
	ToolModeNative ToolMode = "native"
	// ToolModePrompt never sends tools; callers inline them in prompts.
	ToolModePrompt ToolMode = "prompt"
)

// Config holds the Ollama client settings.
type Config struct {
	Endpoint          string        // default http://localhost:11434
	Model             string        // e.g. llama3.1, mistral, qwen2.5-coder
	MaxTokens         int           // default sized to the model, see defaultMaxTokens
	Temperature       float64       // default 0.8
	Timeout           time.Duration // default 120s; local inference is slow
	ToolMode          ToolMode      // default auto
	RateLimiterConfig llm.RateLimiterConfig
}

// defaultMaxTokens sizes the output budget to the model's parameter
// count: big models can fill a longer window usefully, small ones mostly
// ramble past 4k.
func defaultMaxTokens(model string) int {
	modelLower := strings.ToLower(model)
	switch {
	case strings.Contains(modelLower, "70b"), strings.Contains(modelLower, "72b"),
		strings.Contains(modelLower, "405b"),
		strings.Contains(modelLower, "claude"), strings.Contains(modelLower, "gpt-4"):
		return 8192
	case strings.Contains(modelLower, "13b"), strings.Contains(modelLower, "14b"),
		strings.Contains(modelLower, "20b"), strings.Contains(modelLower, "32b"):
		return 6144
	default:
		return 4096
	}
}

// NewClient creates an Ollama client.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.1"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens(cfg.Model)
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.8
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.ToolMode == "" {
		cfg.ToolMode = ToolModeAuto
	}

	var rateLimiter *llm.RateLimiter
	if cfg.RateLimiterConfig.Enabled {
		globalRateLimiterOnce.Do(func() {
			globalRateLimiter = llm.NewRateLimiter(cfg.RateLimiterConfig)
		})
		rateLimiter = globalRateLimiter
	}

	return &Client{
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		toolMode:    cfg.ToolMode,
		rateLimiter: rateLimiter,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider id.
func (c *Client) Name() string { return "ollama" }

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

func (c *Client) doer() llm.Doer {
	return llm.WrapDoer(c.httpClient, c.rateLimiter)
}

func (c *Client) chatURL() string { return c.endpoint + "/api/chat" }

// supportsNativeTools resolves the effective tool mode for this model.
func (c *Client) supportsNativeTools() bool {
	switch c.toolMode {
	case ToolModeNative:
		return true
	case ToolModePrompt:
		return false
	}
	for baseModel := range toolSupportedModels {
		if strings.HasPrefix(c.model, baseModel) {
			return true
		}
	}
	return false
}

func (c *Client) buildRequest(messages []llmtypes.Message, tools []shuttle.Tool, stream bool) chatRequest {
	req := chatRequest{
		Model:    c.model,
		Messages: c.convertMessages(messages),
		Stream:   stream,
		Options: map[string]interface{}{
			"temperature": c.temperature,
			"num_predict": c.maxTokens,
		},
	}
	if c.supportsNativeTools() && len(tools) > 0 {
		req.Tools = c.convertTools(tools)
	}
	return req
}

// Chat sends one conversation turn and returns the reply.
func (c *Client) Chat(ctx context.Context, messages []llmtypes.Message, tools []shuttle.Tool) (*llmtypes.LLMResponse, error) {
	req := c.buildRequest(messages, tools, false)

	var resp chatResponse
	if err := llm.CallJSON(ctx, c.doer(), c.chatURL(), nil, req, &resp); err != nil {
		return nil, err
	}
	return c.convertResponse(&resp), nil
}

func (c *Client) convertTools(tools []shuttle.Tool) []ollamaTool {
	ollamaTools := make([]ollamaTool, len(tools))
	for i, tool := range tools {
		ollamaTools[i] = ollamaTool{
			Type: "function",
			Function: ollamaFunction{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.InputSchema(),
			},
		}
	}
	return ollamaTools
}

// convertMessages translates conversation messages. Images ride in the
// separate base64 images array; tool results fall back to user turns
// when the model has no native tool role.
func (c *Client) convertMessages(messages []llmtypes.Message) []ollamaMessage {
	var apiMessages []ollamaMessage

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			apiMessages = append(apiMessages, ollamaMessage{Role: "system", Content: msg.Content})

		case "user":
			if len(msg.ContentBlocks) > 0 {
				var textParts []string
				var images []string
				for _, block := range msg.ContentBlocks {
					switch block.Type {
					case "text":
						textParts = append(textParts, block.Text)
					case "image":
						if block.Image != nil && block.Image.Source.Type == "base64" {
							images = append(images, block.Image.Source.Data)
						}
					}
				}
				apiMessages = append(apiMessages, ollamaMessage{
					Role:    "user",
					Content: strings.Join(textParts, "\n"),
					Images:  images,
				})
			} else {
				apiMessages = append(apiMessages, ollamaMessage{Role: msg.Role, Content: msg.Content})
			}

		case "assistant":
			apiMessages = append(apiMessages, ollamaMessage{Role: msg.Role, Content: msg.Content})

		case "tool":
			if c.supportsNativeTools() {
				apiMessages = append(apiMessages, ollamaMessage{Role: "tool", Content: msg.Content})
			} else {
				apiMessages = append(apiMessages, ollamaMessage{
					Role:    "user",
					Content: "Tool result: " + msg.Content,
				})
			}
		}
	}

	return apiMessages
}

// cleanJSONString strips the backtick fencing and "json" language marker
// local models habitually wrap tool arguments in.
func cleanJSONString(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '`' && s[len(s)-1] == '`' {
		s = s[1 : len(s)-1]
	}
	if strings.HasPrefix(s, "json") && len(s) > 4 &&
		(s[4] == '\n' || s[4] == '\r' || s[4] == ' ' || s[4] == '\t') {
		s = strings.TrimSpace(s[4:])
	}
	return s
}

// parseToolArguments normalizes arguments that arrive as either a JSON
// string or an already-decoded map.
func parseToolArguments(raw interface{}) map[string]interface{} {
	switch args := raw.(type) {
	case string:
		var params map[string]interface{}
		if err := json.Unmarshal([]byte(cleanJSONString(args)), &params); err == nil {
			return params
		}
		return map[string]interface{}{}
	case map[string]interface{}:
		return args
	default:
		return map[string]interface{}{}
	}
}

func (c *Client) convertResponse(resp *chatResponse) *llmtypes.LLMResponse {
	var toolCalls []llmtypes.ToolCall
	for _, tc := range resp.Message.ToolCalls {
		toolCalls = append(toolCalls, llmtypes.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: parseToolArguments(tc.Function.Arguments),
		})
	}

	return &llmtypes.LLMResponse{
		Content:    resp.Message.Content,
		ToolCalls:  toolCalls,
		StopReason: "stop",
		Usage: llmtypes.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
			TotalTokens:  resp.PromptEvalCount + resp.EvalCount,
		},
		Metadata: map[string]interface{}{
			"model":         resp.Model,
			"eval_duration": resp.EvalDuration,
			"native_tools":  c.supportsNativeTools(),
			"tool_mode":     string(c.toolMode),
		},
	}
}

// ChatStream streams a reply as newline-delimited JSON chunks.
// tokenCallback runs on the read loop and must not block.
func (c *Client) ChatStream(ctx context.Context, messages []llmtypes.Message,
	tools []shuttle.Tool, tokenCallback llmtypes.TokenCallback) (*llmtypes.LLMResponse, error) {

	req := c.buildRequest(messages, tools, true)

	httpResp, err := llm.OpenStream(ctx, c.doer(), c.chatURL(), nil, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var contentBuffer strings.Builder
	var toolCalls []llmtypes.ToolCall
	var lastResponse chatResponse // final chunk carries the counters

	scanner := bufio.NewScanner(httpResp.Body)
	for scanner.Scan() {
		var chunk chatResponse
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			// Malformed lines are skipped; the stream keeps going.
			continue
		}

		if chunk.Message.Content != "" {
			contentBuffer.WriteString(chunk.Message.Content)
			if tokenCallback != nil {
				tokenCallback(chunk.Message.Content)
			}
		}
		for _, tc := range chunk.Message.ToolCalls {
			toolCalls = append(toolCalls, llmtypes.ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: parseToolArguments(tc.Function.Arguments),
			})
		}
		if chunk.Done {
			lastResponse = chunk
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

	return &llmtypes.LLMResponse{
		Content:    contentBuffer.String(),
		ToolCalls:  toolCalls,
		StopReason: "stop",
		Usage: llmtypes.Usage{
			InputTokens:  lastResponse.PromptEvalCount,
			OutputTokens: lastResponse.EvalCount,
			TotalTokens:  lastResponse.PromptEvalCount + lastResponse.EvalCount,
		},
		Metadata: map[string]interface{}{
			"model":         lastResponse.Model,
			"eval_duration": lastResponse.EvalDuration,
			"native_tools":  c.supportsNativeTools(),
			"tool_mode":     string(c.toolMode),
			"streaming":     true,
		},
	}, nil
}

// Wire shapes for /api/chat.

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Tools    []ollamaTool           `json:"tools,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Parameters  *shuttle.JSONSchema `json:"parameters"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"` // base64, vision models only
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function ollamaFunctionCall `json:"function"`
}

type ollamaFunctionCall struct {
	Name      string      `json:"name"`
	Arguments interface{} `json:"arguments"` // string or decoded map
}

type chatResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	TotalDuration   int64         `json:"total_duration"`
	LoadDuration    int64         `json:"load_duration"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	EvalDuration    int64         `json:"eval_duration"`
}

var (
	_ llmtypes.LLMProvider          = (*Client)(nil)
	_ llmtypes.StreamingLLMProvider = (*Client)(nil)
)
