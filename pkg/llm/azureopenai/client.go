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

// Package azureopenai talks to Azure OpenAI deployments. The wire dialect
// is OpenAI's (the openai package's types are reused), but routing is per
// deployment, auth is api-key or Entra bearer token, and tool schemas get
// an extra sanitation pass for Azure's stricter validation.
package azureopenai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ali-kernel/ali/pkg/llm"
	"github.com/ali-kernel/ali/pkg/llm/openai"
	llmtypes "github.com/ali-kernel/ali/pkg/llm/types"
	"github.com/ali-kernel/ali/pkg/shuttle"
)

// One rate limiter per process, shared by every Azure OpenAI client.
var (
	globalRateLimiter     *llm.RateLimiter
	globalRateLimiterOnce sync.Once
)

// Client is the Azure OpenAI backend of the provider abstraction.
type Client struct {
	endpoint     string // https://{resource}.openai.azure.com
	deploymentID string // deployment name, not model name
	apiVersion   string

	// Exactly one of these authenticates the request.
	apiKey     string
	entraToken string

	httpClient  *http.Client
	maxTokens   int
	temperature float64
	modelName   string // for pricing; inferred from the deployment when unset
	rateLimiter *llm.RateLimiter

	toolNameMap map[string]string // sanitized name -> original name
}

// Config holds the Azure OpenAI client settings.
type Config struct {
	// Endpoint is required: https://{resource-name}.openai.azure.com.
	Endpoint string

	// DeploymentID is required: the deployment name, not the model name.
	DeploymentID string

	// APIVersion defaults to 2024-10-21.
	APIVersion string

	// One of APIKey (portal key) or EntraToken (Microsoft Entra ID
	// bearer) is required.
	APIKey     string
	EntraToken string

	// ModelName drives pricing; when empty it is inferred from the
	// deployment id.
	ModelName string

	MaxTokens         int           // default 4096
	Temperature       float64       // default 1.0
	Timeout           time.Duration // default 60s
	RateLimiterConfig llm.RateLimiterConfig
}

// NewClient creates an Azure OpenAI client. Unlike the other backends
// this constructor can fail: endpoint, deployment and a credential are
// all mandatory.
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, llm.NewProviderError(llm.ErrInvalidRequest, "endpoint is required")
	}
	if config.DeploymentID == "" {
		return nil, llm.NewProviderError(llm.ErrInvalidRequest, "deployment ID is required")
	}
	if config.APIKey == "" && config.EntraToken == "" {
		return nil, llm.NewProviderError(llm.ErrAuth, "either APIKey or EntraToken must be provided")
	}

	if config.APIVersion == "" {
		config.APIVersion = "2024-10-21"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Temperature == 0 {
		config.Temperature = 1.0
	}

	modelName := config.ModelName
	if modelName == "" {
		modelName = inferModelFromDeployment(config.DeploymentID)
	}

	var rateLimiter *llm.RateLimiter
	if config.RateLimiterConfig.Enabled {
		globalRateLimiterOnce.Do(func() {
			globalRateLimiter = llm.NewRateLimiter(config.RateLimiterConfig)
		})
		rateLimiter = globalRateLimiter
	}

	return &Client{
		endpoint:     config.Endpoint,
		deploymentID: config.DeploymentID,
		apiVersion:   config.APIVersion,
		apiKey:       config.APIKey,
		entraToken:   config.EntraToken,
		maxTokens:    config.MaxTokens,
		temperature:  config.Temperature,
		modelName:    modelName,
		rateLimiter:  rateLimiter,
		httpClient:   &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name returns the provider id.
func (c *Client) Name() string { return "azure-openai" }

// Model returns the deployment id, which is what addresses a model here.
func (c *Client) Model() string { return c.deploymentID }

func (c *Client) doer() llm.Doer {
	return llm.WrapDoer(c.httpClient, c.rateLimiter)
}

// apiURL builds the deployment-scoped chat-completions URL.
func (c *Client) apiURL() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, url.PathEscape(c.deploymentID), url.QueryEscape(c.apiVersion))
}

func (c *Client) headers() map[string]string {
	if c.apiKey != "" {
		return map[string]string{"api-key": c.apiKey}
	}
	return map[string]string{"Authorization": "Bearer " + c.entraToken}
}

// buildRequest assembles the wire request: shared OpenAI conversion, the
// Azure schema-sanitation pass, and the max_tokens vs
// max_completion_tokens split.
func (c *Client) buildRequest(messages []llmtypes.Message, tools []shuttle.Tool, stream bool) *openai.ChatCompletionRequest {
	c.toolNameMap = make(map[string]string)
	apiTools := SanitizeToolSchemas(convertTools(tools, c.toolNameMap))

	req := &openai.ChatCompletionRequest{
		Model:       c.deploymentID, // ignored by Azure, kept for parity
		Messages:    convertMessages(messages),
		Temperature: c.temperature,
		Stream:      stream,
	}
	if c.usesMaxCompletionTokens() {
		req.MaxCompletionTokens = c.maxTokens
	} else {
		req.MaxTokens = c.maxTokens
	}
	if len(apiTools) > 0 {
		req.Tools = apiTools
		req.ToolChoice = "auto"
	}
	return req
}

// vendorError maps an Azure/OpenAI error object onto the shared taxonomy.
func vendorError(e *openai.OpenAIError) error {
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
	}
	code, _ := e.Code.(string)
	switch code {
	case "invalid_api_key", "401":
		kind = llm.ErrAuth
	case "context_length_exceeded":
		kind = llm.ErrContextLength
	case "DeploymentNotFound":
		kind = llm.ErrModelNotFound
	}
	return llm.NewProviderError(kind, e.Message, llm.WithProviderCode(code))
}

// Chat sends one conversation turn and returns the reply.
func (c *Client) Chat(ctx context.Context, messages []llmtypes.Message, tools []shuttle.Tool) (*llmtypes.LLMResponse, error) {
	req := c.buildRequest(messages, tools, false)

	var resp openai.ChatCompletionResponse
	if err := llm.CallJSON(ctx, c.doer(), c.apiURL(), c.headers(), req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, vendorError(resp.Error)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewProviderError(llm.ErrUnknown, "reply carried no choices")
	}
	return c.convertResponse(&resp), nil
}

// stopReasonFor maps a finish_reason onto the shared stop-reason
// vocabulary.
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

// convertResponse flattens the first choice into text plus tool calls,
// restoring original tool names.
func (c *Client) convertResponse(resp *openai.ChatCompletionResponse) *llmtypes.LLMResponse {
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
			"deployment":    c.deploymentID,
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
			Name:  llm.ReverseToolName(c.toolNameMap, tc.Function.Name),
			Input: input,
		})
	}
	return llmResp
}

// calculateCost prices a call at the pay-as-you-go list rates (they vary
// by region; these are indicative). The model registry's pricing
// supersedes this at the cost-controller layer.
func (c *Client) calculateCost(inputTokens, outputTokens int) float64 {
	inputCostPerM, outputCostPerM := 2.50, 10.00 // gpt-4o rates, also the fallback
	switch c.modelName {
	case "gpt-4o-mini":
		inputCostPerM, outputCostPerM = 0.15, 0.60
	case "gpt-4-turbo", "gpt-4-turbo-preview":
		inputCostPerM, outputCostPerM = 10.00, 30.00
	case "gpt-4", "gpt-4-0613":
		inputCostPerM, outputCostPerM = 30.00, 60.00
	case "gpt-35-turbo", "gpt-3.5-turbo": // Azure spells it gpt-35-turbo
		inputCostPerM, outputCostPerM = 0.50, 1.50
	}
	return float64(inputTokens)*inputCostPerM/1_000_000 + float64(outputTokens)*outputCostPerM/1_000_000
}

// usesMaxCompletionTokens decides which token-cap field this deployment
// takes: API versions 2024-08-01+ and current models want
// max_completion_tokens; only the legacy gpt-4/gpt-35 generation still
// wants max_tokens. Defaults to the new field for unknown models.
func (c *Client) usesMaxCompletionTokens() bool {
	if c.apiVersion >= "2024-08-01" {
		return true
	}
	modelLower := strings.ToLower(c.modelName)
	for _, oldModel := range []string{"gpt-4-0613", "gpt-4-32k", "gpt-35-turbo", "gpt-3.5-turbo"} {
		if strings.Contains(modelLower, oldModel) {
			return false
		}
	}
	return true
}

// inferModelFromDeployment guesses the underlying model from a deployment
// id like "gpt-4o-prod" so pricing has something to key on. Falls back to
// the deployment id itself.
func inferModelFromDeployment(deploymentID string) string {
	known := []string{
		"gpt-4o-mini",
		"gpt-4o",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-35-turbo",
		"gpt-3.5-turbo",
	}
	idLower := strings.ToLower(deploymentID)
	for _, model := range known {
		if strings.Contains(idLower, model) {
			return model
		}
	}
	return deploymentID
}

// convertMessages translates conversation messages into the shared
// OpenAI wire shape, sanitizing tool names in assistant turns.
func convertMessages(messages []llmtypes.Message) []openai.ChatMessage {
	var apiMessages []openai.ChatMessage

	for _, msg := range messages {
		switch msg.Role {
		case "system", "user":
			apiMessages = append(apiMessages, openai.ChatMessage{Role: msg.Role, Content: msg.Content})

		case "assistant":
			apiMsg := openai.ChatMessage{Role: "assistant"}
			if msg.Content != "" {
				apiMsg.Content = msg.Content
			}
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Input)
				if err != nil {
					argsJSON = []byte("{}")
				}
				apiMsg.ToolCalls = append(apiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.FunctionCall{
						Name:      llm.SanitizeToolName(tc.Name),
						Arguments: string(argsJSON),
					},
				})
			}
			apiMessages = append(apiMessages, apiMsg)

		case "tool":
			apiMessages = append(apiMessages, openai.ChatMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolUseID,
			})
		}
	}

	return apiMessages
}

// convertTools translates shuttle tools, sanitizing names to Azure's
// ^[a-zA-Z0-9_.\-]+$ pattern and remembering the mapping for the reverse
// direction.
func convertTools(tools []shuttle.Tool, nameMap map[string]string) []openai.Tool {
	var apiTools []openai.Tool
	for _, tool := range tools {
		originalName := tool.Name()
		sanitizedName := llm.SanitizeToolName(originalName)
		if nameMap != nil {
			nameMap[sanitizedName] = originalName
		}

		apiTool := openai.Tool{
			Type: "function",
			Function: openai.FunctionDef{
				Name:        sanitizedName,
				Description: tool.Description(),
			},
		}
		if schema := tool.InputSchema(); schema != nil {
			params := map[string]interface{}{"type": schema.Type}
			if schema.Type == "" {
				params["type"] = "object"
			}
			if schema.Properties != nil {
				params["properties"] = convertSchemaProperties(schema.Properties)
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

func convertSchemaProperties(props map[string]*shuttle.JSONSchema) map[string]interface{} {
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
			propMap["properties"] = convertSchemaProperties(schema.Properties)
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

// ChatStream streams a reply token by token over SSE, reassembling
// tool-call argument fragments per index. tokenCallback runs on the read
// loop and must not block.
func (c *Client) ChatStream(ctx context.Context, messages []llmtypes.Message,
	tools []shuttle.Tool, tokenCallback llmtypes.TokenCallback) (*llmtypes.LLMResponse, error) {

	req := c.buildRequest(messages, tools, true)

	httpResp, err := llm.OpenStream(ctx, c.doer(), c.apiURL(), c.headers(), req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var contentBuffer strings.Builder
	usage := llmtypes.Usage{}
	var finishReason string
	tokenCount := 0
	toolCallMap := make(map[int]*llmtypes.ToolCall)

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

		var chunk openai.ChatCompletionStreamChunk
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
						Name:  llm.ReverseToolName(c.toolNameMap, tcDelta.Function.Name),
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
			"deployment":    c.deploymentID,
			"finish_reason": finishReason,
			"streaming":     true,
		},
	}, nil
}

var (
	_ llmtypes.LLMProvider          = (*Client)(nil)
	_ llmtypes.StreamingLLMProvider = (*Client)(nil)
)
