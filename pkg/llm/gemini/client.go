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

// Package gemini talks to the Google Gemini generateContent API: chat,
// SSE streaming, and translation between shuttle tools and Gemini
// function declarations. Gemini has no system role and no tool-call ids;
// both quirks are papered over here.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ali-kernel/ali/pkg/llm"
	llmtypes "github.com/ali-kernel/ali/pkg/llm/types"
	"github.com/ali-kernel/ali/pkg/shuttle"
)

// One rate limiter per process, shared by every Gemini client.
var (
	globalRateLimiter     *llm.RateLimiter
	globalRateLimiterOnce sync.Once
)

// Client is the Gemini backend of the provider abstraction.
type Client struct {
	apiKey      string
	model       string
	httpClient  *http.Client
	maxTokens   int
	temperature float64
	rateLimiter *llm.RateLimiter
}

// Config holds the Gemini client settings.
type Config struct {
	// APIKey is required; issued at https://makersuite.google.com/.
	APIKey string

	// Model defaults to gemini-2.5-flash, the price/performance pick.
	// gemini-2.5-pro and gemini-3-pro-preview trade cost for reasoning.
	Model string

	MaxTokens         int           // default 8192
	Temperature       float64       // default 1.0
	Timeout           time.Duration // default 60s
	RateLimiterConfig llm.RateLimiterConfig
}

// NewClient creates a Gemini client.
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = "gemini-2.5-flash"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 8192
	}
	if config.Temperature == 0 {
		config.Temperature = 1.0
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
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
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		rateLimiter: rateLimiter,
		httpClient:  &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider id.
func (c *Client) Name() string { return "gemini" }

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

func (c *Client) doer() llm.Doer {
	return llm.WrapDoer(c.httpClient, c.rateLimiter)
}

// apiURL builds the per-model endpoint; the key rides as a query
// parameter per Gemini convention.
func (c *Client) apiURL(stream bool) string {
	if stream {
		return fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse",
			c.model, c.apiKey)
	}
	return fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s",
		c.model, c.apiKey)
}

func (c *Client) buildRequest(messages []llmtypes.Message, tools []shuttle.Tool) *GenerateContentRequest {
	req := &GenerateContentRequest{
		Contents: convertMessages(messages),
		GenerationConfig: GenerationConfig{
			Temperature:     c.temperature,
			MaxOutputTokens: c.maxTokens,
		},
	}
	if decls := convertTools(tools); len(decls) > 0 {
		req.Tools = []Tool{{FunctionDeclarations: decls}}
	}
	return req
}

// vendorError maps a Gemini error object onto the shared taxonomy using
// its HTTP-style status code.
func vendorError(e *APIError) error {
	return llm.NewProviderError(llm.ClassifyHTTPStatus(e.Code), e.Message,
		llm.WithHTTPStatus(e.Code), llm.WithProviderCode(e.Status))
}

// Chat sends one conversation turn and returns the reply.
func (c *Client) Chat(ctx context.Context, messages []llmtypes.Message, tools []shuttle.Tool) (*llmtypes.LLMResponse, error) {
	req := c.buildRequest(messages, tools)

	var resp GenerateContentResponse
	if err := llm.CallJSON(ctx, c.doer(), c.apiURL(false), nil, req, &resp); err != nil {
		return nil, err
	}
	// Some faults arrive as a 200 body carrying an error object.
	if resp.Error != nil {
		return nil, vendorError(resp.Error)
	}
	return c.convertResponse(&resp), nil
}

// stopReasonFor maps Gemini finish reasons onto the shared stop-reason
// vocabulary.
func stopReasonFor(finishReason string) string {
	switch finishReason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return finishReason
	}
}

func (c *Client) convertResponse(resp *GenerateContentResponse) *llmtypes.LLMResponse {
	llmResp := &llmtypes.LLMResponse{
		Usage: llmtypes.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
			CostUSD:      c.calculateCost(resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount),
		},
		Metadata: map[string]interface{}{
			"provider": "gemini",
			"model":    c.model,
		},
	}

	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		llmResp.StopReason = stopReasonFor(candidate.FinishReason)

		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				llmResp.Content += part.Text
			}
			if part.FunctionCall != nil {
				llmResp.StopReason = "tool_use"
				llmResp.ToolCalls = append(llmResp.ToolCalls, llmtypes.ToolCall{
					ID:    part.FunctionCall.Name, // no call ids on this API
					Name:  part.FunctionCall.Name,
					Input: part.FunctionCall.Args,
				})
			}
		}
	}

	return llmResp
}

// calculateCost prices a call from the current list rates (see
// https://ai.google.dev/pricing). The model registry's pricing supersedes
// this at the cost-controller layer; this figure only seeds the
// per-response usage snapshot.
func (c *Client) calculateCost(inputTokens, outputTokens int) float64 {
	inputCostPerM, outputCostPerM := 0.30, 2.50 // Flash rates, also the fallback
	switch c.model {
	case "gemini-3-pro-preview", "gemini-3-pro":
		inputCostPerM, outputCostPerM = 3.00, 15.00
	case "gemini-2.5-pro":
		inputCostPerM, outputCostPerM = 1.875, 12.50
	}
	return float64(inputTokens)*inputCostPerM/1_000_000 + float64(outputTokens)*outputCostPerM/1_000_000
}

// convertMessages translates conversation messages. System turns become
// prefixed user turns, assistant turns map to the "model" role, and tool
// results become function responses.
func convertMessages(messages []llmtypes.Message) []Content {
	var contents []Content

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			contents = append(contents, Content{
				Role:  "user",
				Parts: []Part{{Text: "System instruction: " + msg.Content}},
			})

		case "user":
			if len(msg.ContentBlocks) > 0 {
				var parts []Part
				for _, block := range msg.ContentBlocks {
					switch block.Type {
					case "text":
						parts = append(parts, Part{Text: block.Text})
					case "image":
						// Only inline base64 data; this API takes no image URLs.
						if block.Image != nil && block.Image.Source.Type == "base64" {
							parts = append(parts, Part{
								InlineData: &InlineData{
									MimeType: block.Image.Source.MediaType,
									Data:     block.Image.Source.Data,
								},
							})
						}
					}
				}
				contents = append(contents, Content{Role: "user", Parts: parts})
			} else {
				contents = append(contents, Content{Role: "user", Parts: []Part{{Text: msg.Content}}})
			}

		case "assistant":
			parts := []Part{}
			if msg.Content != "" {
				parts = append(parts, Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, Part{
					FunctionCall: &FunctionCall{Name: tc.Name, Args: tc.Input},
				})
			}
			contents = append(contents, Content{Role: "model", Parts: parts})

		case "tool":
			contents = append(contents, Content{
				Role: "function",
				Parts: []Part{{
					FunctionResponse: &FunctionResponse{
						Name:     msg.ToolUseID,
						Response: map[string]interface{}{"result": msg.Content},
					},
				}},
			})
		}
	}

	return contents
}

func convertTools(tools []shuttle.Tool) []FunctionDeclaration {
	var declarations []FunctionDeclaration
	for _, tool := range tools {
		decl := FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
		}
		if schema := tool.InputSchema(); schema != nil {
			params := Schema{
				Type:       schema.Type,
				Properties: convertSchemaProperties(schema.Properties),
				Required:   schema.Required,
			}
			if params.Type == "" {
				params.Type = "object"
			}
			decl.Parameters = params
		}
		declarations = append(declarations, decl)
	}
	return declarations
}

func convertSchemaProperties(props map[string]*shuttle.JSONSchema) map[string]Schema {
	if props == nil {
		return nil
	}
	result := make(map[string]Schema)
	for key, schema := range props {
		s := Schema{
			Type:        schema.Type,
			Description: schema.Description,
			Enum:        schema.Enum,
		}
		if schema.Properties != nil {
			s.Properties = convertSchemaProperties(schema.Properties)
		}
		if schema.Items != nil {
			s.Items = &Schema{Type: schema.Items.Type, Description: schema.Items.Description}
		}
		result[key] = s
	}
	return result
}

// ChatStream streams a reply token by token over SSE via
// :streamGenerateContent. tokenCallback runs on the read loop and must
// not block.
func (c *Client) ChatStream(ctx context.Context, messages []llmtypes.Message,
	tools []shuttle.Tool, tokenCallback llmtypes.TokenCallback) (*llmtypes.LLMResponse, error) {

	req := c.buildRequest(messages, tools)

	httpResp, err := llm.OpenStream(ctx, c.doer(), c.apiURL(true), nil, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var contentBuffer strings.Builder
	usage := llmtypes.Usage{}
	var finishReason string
	tokenCount := 0
	var toolCalls []llmtypes.ToolCall

	scanner := bufio.NewScanner(httpResp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var chunk GenerateContentResponse
		if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
			// Malformed chunks are skipped; the stream keeps going.
			continue
		}
		if chunk.Error != nil {
			return nil, vendorError(chunk.Error)
		}

		if len(chunk.Candidates) > 0 {
			candidate := chunk.Candidates[0]
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					contentBuffer.WriteString(part.Text)
					tokenCount++
					if tokenCallback != nil {
						tokenCallback(part.Text)
					}
				}
				if part.FunctionCall != nil {
					toolCalls = append(toolCalls, llmtypes.ToolCall{
						ID:    part.FunctionCall.Name,
						Name:  part.FunctionCall.Name,
						Input: part.FunctionCall.Args,
					})
				}
			}
			if candidate.FinishReason != "" {
				finishReason = candidate.FinishReason
			}
		}

		if chunk.UsageMetadata.TotalTokenCount > 0 {
			usage.InputTokens = chunk.UsageMetadata.PromptTokenCount
			usage.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
			usage.TotalTokens = chunk.UsageMetadata.TotalTokenCount
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

	if usage.TotalTokens == 0 {
		usage.OutputTokens = tokenCount
		usage.TotalTokens = tokenCount
	}
	usage.CostUSD = c.calculateCost(usage.InputTokens, usage.OutputTokens)

	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(int64(usage.InputTokens + usage.OutputTokens))
	}

	stopReason := stopReasonFor(finishReason)
	if len(toolCalls) > 0 {
		stopReason = "tool_use"
	}

	return &llmtypes.LLMResponse{
		Content:    contentBuffer.String(),
		StopReason: stopReason,
		Usage:      usage,
		ToolCalls:  toolCalls,
		Metadata: map[string]interface{}{
			"provider":  "gemini",
			"model":     c.model,
			"streaming": true,
		},
	}, nil
}

var (
	_ llmtypes.LLMProvider          = (*Client)(nil)
	_ llmtypes.StreamingLLMProvider = (*Client)(nil)
)
