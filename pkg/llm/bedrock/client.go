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
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ali-kernel/ali/pkg/llm"
	llmtypes "github.com/ali-kernel/ali/pkg/llm/types"
	"github.com/ali-kernel/ali/pkg/shuttle"
)

// One rate limiter per process: every agent hitting Bedrock coordinates
// through it, since AWS throttles per account, not per caller.
var (
	globalRateLimiter     *llm.RateLimiter
	globalRateLimiterOnce sync.Once
)

// Client is the Bedrock backend of the provider abstraction, speaking
// Anthropic's message dialect over the InvokeModel API.
type Client struct {
	client      *bedrockruntime.Client
	modelID     string
	region      string
	maxTokens   int
	temperature float64
	toolNameMap map[string]string // sanitized name -> original; Bedrock wants ^[a-zA-Z0-9_-]{1,64}$
	rateLimiter *llm.RateLimiter
}

// getOrCreateGlobalRateLimiter returns the process-wide limiter, created
// from the first caller's config; later configs are ignored.
func getOrCreateGlobalRateLimiter(config llm.RateLimiterConfig) *llm.RateLimiter {
	globalRateLimiterOnce.Do(func() {
		if config.Logger == nil {
			config = llm.DefaultRateLimiterConfig()
		}
		globalRateLimiter = llm.NewRateLimiter(config)
	})
	return globalRateLimiter
}

// Config holds the Bedrock client settings. Credentials resolve in
// order: explicit keys, named profile, then the default AWS chain (IAM
// role, env vars, shared config).
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Profile         string // from ~/.aws/config

	ModelID     string
	MaxTokens   int     // default 4096
	Temperature float64 // default 1.0

	RateLimiterConfig llm.RateLimiterConfig
}

// Defaults, overridable via AWS_BEDROCK_MODEL_ID / AWS_DEFAULT_REGION or
// the ALI_LLM_BEDROCK_* variables. The us.* model prefix selects the
// cross-region inference profile.
const (
	DefaultBedrockModelID     = "us.anthropic.claude-sonnet-4-5-20250929-v1:0"
	DefaultBedrockRegion      = "us-west-2"
	DefaultBedrockMaxTokens   = 4096
	DefaultBedrockTemperature = 1.0
)

// applyDefaults fills unset fields from the AWS_* / ALI_LLM_BEDROCK_*
// environment variables, then the package defaults.
func (cfg *Config) applyDefaults() {
	if cfg.ModelID == "" {
		if envModel := os.Getenv("AWS_BEDROCK_MODEL_ID"); envModel != "" {
			cfg.ModelID = envModel
		} else if envModel := os.Getenv("ALI_LLM_BEDROCK_MODEL_ID"); envModel != "" {
			cfg.ModelID = envModel
		} else {
			cfg.ModelID = DefaultBedrockModelID
		}
	}
	if cfg.Region == "" {
		if envRegion := os.Getenv("AWS_DEFAULT_REGION"); envRegion != "" {
			cfg.Region = envRegion
		} else if envRegion := os.Getenv("ALI_LLM_BEDROCK_REGION"); envRegion != "" {
			cfg.Region = envRegion
		} else {
			cfg.Region = DefaultBedrockRegion
		}
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultBedrockMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultBedrockTemperature
	}
}

// loadAWSConfig resolves credentials in precedence order: explicit keys,
// named profile, then the default chain.
func loadAWSConfig(cfg Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	case cfg.Profile != "":
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return aws.Config{}, llm.NewProviderError(llm.ErrNotInitialized, "load AWS config: "+err.Error(), llm.WithCause(err))
	}
	return awsCfg, nil
}

// buildRateLimiter layers the caller's overrides onto the defaults and
// resolves the process-wide limiter. Nil when disabled.
func buildRateLimiter(cfg Config) *llm.RateLimiter {
	if !cfg.RateLimiterConfig.Enabled {
		return nil
	}
	rlCfg := llm.DefaultRateLimiterConfig()
	if cfg.RateLimiterConfig.Logger != nil {
		rlCfg.Logger = cfg.RateLimiterConfig.Logger
	}
	if cfg.RateLimiterConfig.RequestsPerSecond > 0 {
		rlCfg.RequestsPerSecond = cfg.RateLimiterConfig.RequestsPerSecond
	}
	if cfg.RateLimiterConfig.TokensPerMinute > 0 {
		rlCfg.TokensPerMinute = cfg.RateLimiterConfig.TokensPerMinute
	}
	if cfg.RateLimiterConfig.BurstCapacity > 0 {
		rlCfg.BurstCapacity = cfg.RateLimiterConfig.BurstCapacity
	}
	if cfg.RateLimiterConfig.MinDelay > 0 {
		rlCfg.MinDelay = cfg.RateLimiterConfig.MinDelay
	}
	if cfg.RateLimiterConfig.MaxRetries > 0 {
		rlCfg.MaxRetries = cfg.RateLimiterConfig.MaxRetries
	}
	if cfg.RateLimiterConfig.RetryBackoff > 0 {
		rlCfg.RetryBackoff = cfg.RateLimiterConfig.RetryBackoff
	}
	if cfg.RateLimiterConfig.QueueTimeout > 0 {
		rlCfg.QueueTimeout = cfg.RateLimiterConfig.QueueTimeout
	}
	return getOrCreateGlobalRateLimiter(rlCfg)
}

// NewClient creates a Bedrock client over the InvokeModel API.
func NewClient(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	awsCfg, err := loadAWSConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		client:      bedrockruntime.NewFromConfig(awsCfg),
		modelID:     cfg.ModelID,
		region:      cfg.Region,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		toolNameMap: make(map[string]string),
		rateLimiter: buildRateLimiter(cfg),
	}, nil
}

// Name returns the provider id.
func (c *Client) Name() string { return "bedrock" }

// Model returns the configured model id.
func (c *Client) Model() string { return c.modelID }

// debugDump pretty-prints a request or reply body when ALI_DEBUG_BEDROCK
// is set.
func debugDump(label string, body []byte) {
	if os.Getenv("ALI_DEBUG_BEDROCK") != "1" {
		return
	}
	var pretty map[string]interface{}
	_ = json.Unmarshal(body, &pretty)
	prettyJSON, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Printf("\n=== BEDROCK %s ===\n%s\n=== END %s ===\n\n", label, prettyJSON, label)
}

// invoke runs one InvokeModel call, behind the rate limiter when one is
// configured.
func (c *Client) invoke(ctx context.Context, body []byte) (*bedrockruntime.InvokeModelOutput, error) {
	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
	}
	if c.rateLimiter != nil {
		result, err := c.rateLimiter.Do(ctx, func(ctx context.Context) (interface{}, error) {
			return c.client.InvokeModel(ctx, input)
		})
		if err != nil {
			return nil, classifyAWSError("bedrock invocation", err)
		}
		return result.(*bedrockruntime.InvokeModelOutput), nil
	}
	output, err := c.client.InvokeModel(ctx, input)
	if err != nil {
		return nil, classifyAWSError("bedrock invocation", err)
	}
	return output, nil
}

// Chat sends one conversation turn over InvokeModel. The request rides
// Anthropic's message shape with the fixed bedrock-2023-05-31 version
// marker; system turns go into the separate system field.
func (c *Client) Chat(ctx context.Context, messages []llmtypes.Message, tools []shuttle.Tool) (*llmtypes.LLMResponse, error) {
	systemPrompt, apiMessages := c.convertMessages(messages)
	if len(apiMessages) == 0 {
		return nil, llm.NewProviderError(llm.ErrInvalidRequest, "no valid messages to send")
	}

	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        c.maxTokens,
		"temperature":       c.temperature,
		"messages":          apiMessages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(tools) > 0 {
		request["tools"] = c.convertTools(tools)
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, llm.NewProviderError(llm.ErrInvalidRequest, "marshal request: "+err.Error(), llm.WithCause(err))
	}
	debugDump("REQUEST", body)

	output, err := c.invoke(ctx, body)
	if err != nil {
		return nil, err
	}
	debugDump("RESPONSE", output.Body)

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return nil, llm.NewProviderError(llm.ErrUnknown, "undecodable reply: "+err.Error(), llm.WithCause(err))
	}

	llmResp := c.convertResponse(&response)
	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(int64(response.Usage.InputTokens + response.Usage.OutputTokens))
	}
	return llmResp, nil
}

// convertMessages translates conversation messages to the Anthropic
// message shape Bedrock expects, collecting system turns for the
// request's separate system field. Empty text blocks are dropped;
// Bedrock rejects them.
func (c *Client) convertMessages(messages []llmtypes.Message) (string, []map[string]interface{}) {
	var systemPrompts []string
	var apiMessages []map[string]interface{}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if msg.Content != "" {
				systemPrompts = append(systemPrompts, msg.Content)
			}

		case "user":
			if len(msg.ContentBlocks) > 0 {
				var content []map[string]interface{}
				for _, block := range msg.ContentBlocks {
					switch block.Type {
					case "text":
						if block.Text != "" {
							content = append(content, map[string]interface{}{
								"type": "text",
								"text": block.Text,
							})
						}
					case "image":
						if block.Image != nil {
							imageBlock := map[string]interface{}{
								"type": "image",
								"source": map[string]interface{}{
									"type":       block.Image.Source.Type,
									"media_type": block.Image.Source.MediaType,
								},
							}
							if block.Image.Source.Type == "base64" {
								imageBlock["source"].(map[string]interface{})["data"] = block.Image.Source.Data
							} else if block.Image.Source.Type == "url" {
								imageBlock["source"].(map[string]interface{})["url"] = block.Image.Source.URL
							}
							content = append(content, imageBlock)
						}
					}
				}
				if len(content) > 0 {
					apiMessages = append(apiMessages, map[string]interface{}{
						"role":    "user",
						"content": content,
					})
				}
			} else if msg.Content != "" {
				apiMessages = append(apiMessages, map[string]interface{}{
					"role": "user",
					"content": []map[string]interface{}{
						{"type": "text", "text": msg.Content},
					},
				})
			}

		case "assistant":
			var content []map[string]interface{}

			if msg.Content != "" {
				content = append(content, map[string]interface{}{
					"type": "text",
					"text": msg.Content,
				})
			}

			for _, tc := range msg.ToolCalls {
				// Input must be an object, never null.
				input := tc.Input
				if input == nil {
					input = map[string]interface{}{}
				}
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  llm.SanitizeToolName(tc.Name),
					"input": input,
				})
			}

			if len(content) > 0 {
				apiMessages = append(apiMessages, map[string]interface{}{
					"role":    "assistant",
					"content": content,
				})
			}

		case "tool":
			apiMessages = append(apiMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type":        "tool_result",
						"tool_use_id": msg.ToolUseID,
						"content":     msg.Content,
					},
				},
			})
		}
	}

	return strings.Join(systemPrompts, "\n\n"), apiMessages
}

// convertTools translates shuttle tools, sanitizing names to Bedrock's
// pattern and remembering the mapping for the reverse direction.
func (c *Client) convertTools(tools []shuttle.Tool) []map[string]interface{} {
	var apiTools []map[string]interface{}
	c.toolNameMap = make(map[string]string)

	for _, tool := range tools {
		originalName := tool.Name()
		sanitizedName := llm.SanitizeToolName(originalName)
		c.toolNameMap[sanitizedName] = originalName

		apiTool := map[string]interface{}{
			"name":        sanitizedName,
			"description": tool.Description(),
		}

		schema := tool.InputSchema()
		if schema != nil {
			schemaType := schema.Type
			if schemaType == "" {
				schemaType = "object"
			}

			apiTool["input_schema"] = map[string]interface{}{
				"type":       schemaType,
				"properties": convertSchemaProperties(schema.Properties),
				"required":   schema.Required,
			}
		}

		apiTools = append(apiTools, apiTool)
	}

	return apiTools
}

// convertSchemaProperties flattens tool schema properties to the wire
// map shape.
func convertSchemaProperties(props map[string]*shuttle.JSONSchema) map[string]interface{} {
	if props == nil {
		return nil
	}

	result := make(map[string]interface{})
	for key, schema := range props {
		propMap := make(map[string]interface{})
		propMap["type"] = schema.Type

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
			propMap["items"] = convertSchemaItem(schema.Items)
		}

		result[key] = propMap
	}
	return result
}

// convertSchemaItem flattens an array item schema.
func convertSchemaItem(item *shuttle.JSONSchema) map[string]interface{} {
	itemMap := make(map[string]interface{})
	itemMap["type"] = item.Type

	if item.Description != "" {
		itemMap["description"] = item.Description
	}
	if item.Enum != nil {
		itemMap["enum"] = item.Enum
	}
	if item.Properties != nil {
		itemMap["properties"] = convertSchemaProperties(item.Properties)
	}

	return itemMap
}

// convertResponse flattens the reply's content blocks into text plus
// tool calls, restoring original tool names.
func (c *Client) convertResponse(resp *bedrockResponse) *llmtypes.LLMResponse {
	llmResp := &llmtypes.LLMResponse{
		StopReason: resp.StopReason,
		Usage: llmtypes.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			CostUSD:      c.calculateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		},
		Metadata: map[string]interface{}{
			"model":       c.modelID,
			"stop_reason": resp.StopReason,
		},
	}

	// Extract content and tool calls
	for _, block := range resp.Content {
		blockType, _ := block["type"].(string)
		switch blockType {
		case "text":
			if text, ok := block["text"].(string); ok {
				llmResp.Content += text
			}

		case "tool_use":
			toolCall := llmtypes.ToolCall{}
			if id, ok := block["id"].(string); ok {
				toolCall.ID = id
			}
			if sanitizedName, ok := block["name"].(string); ok {
				toolCall.Name = llm.ReverseToolName(c.toolNameMap, sanitizedName)
			}
			if input, ok := block["input"].(map[string]interface{}); ok {
				toolCall.Input = input
			}
			llmResp.ToolCalls = append(llmResp.ToolCalls, toolCall)
		}
	}

	return llmResp
}

// calculateCost prices a call from the model family's list rates
// (region-dependent; indicative). The model registry's pricing
// supersedes this at the cost-controller layer.
func (c *Client) calculateCost(inputTokens, outputTokens int) float64 {
	inputPricePerMillion, outputPricePerMillion := 3.0, 15.0 // Sonnet rates, also the fallback
	switch {
	case strings.Contains(c.modelID, "claude-haiku-4"):
		inputPricePerMillion, outputPricePerMillion = 0.8, 4.0
	case strings.Contains(c.modelID, "claude-opus-4"):
		inputPricePerMillion, outputPricePerMillion = 15.0, 75.0
	}
	return float64(inputTokens)*inputPricePerMillion/1_000_000 + float64(outputTokens)*outputPricePerMillion/1_000_000
}

// bedrockResponse is the Anthropic-compatible reply envelope.
type bedrockResponse struct {
	ID         string                   `json:"id"`
	Type       string                   `json:"type"`
	Role       string                   `json:"role"`
	Content    []map[string]interface{} `json:"content"`
	Model      string                   `json:"model"`
	StopReason string                   `json:"stop_reason"`
	Usage      bedrockUsage             `json:"usage"`
}

type bedrockUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// bedrockStreamChunk is one event of the Anthropic-style stream framing
// (message_start, content_block_start/delta/stop, message_delta/stop).
type bedrockStreamChunk struct {
	Type  string `json:"type"` // message_start, content_block_start, content_block_delta, content_block_stop, message_delta, message_stop
	Index int    `json:"index,omitempty"`

	// For content_block_start events
	ContentBlock struct {
		Type string `json:"type"` // text, tool_use
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`

	// For content_block_delta events
	Delta struct {
		Type string `json:"type"`           // text_delta, input_json_delta
		Text string `json:"text,omitempty"` // For text_delta and input_json_delta (JSON string chunks)
	} `json:"delta,omitempty"`

	// For message_stop events
	StopReason string `json:"stop_reason,omitempty"`

	// For message_delta and message_stop events
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// Chat rides InvokeModel. ChatStream (converse_stream.go) answers through
// Chat as well and returns the whole reply in one piece; its token
// callback is not invoked.
var (
	_ llmtypes.LLMProvider          = (*Client)(nil)
	_ llmtypes.StreamingLLMProvider = (*Client)(nil)
)

// classifyAWSError normalizes an AWS SDK failure into the shared error
// taxonomy so the retry layer sees throttling and auth faults for what
// they are. Anything unrecognized stays an untyped wrap and is not
// retried.
func classifyAWSError(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ThrottlingException") || strings.Contains(msg, "TooManyRequests"):
		return llm.NewProviderError(llm.ErrRateLimit, op+": "+msg, llm.WithCause(err))
	case strings.Contains(msg, "ServiceUnavailable") || strings.Contains(msg, "ModelNotReady"):
		return llm.NewProviderError(llm.ErrOverloaded, op+": "+msg, llm.WithCause(err))
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "UnrecognizedClient") || strings.Contains(msg, "ExpiredToken"):
		return llm.NewProviderError(llm.ErrAuth, op+": "+msg, llm.WithCause(err))
	case strings.Contains(msg, "ResourceNotFound"):
		return llm.NewProviderError(llm.ErrModelNotFound, op+": "+msg, llm.WithCause(err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
