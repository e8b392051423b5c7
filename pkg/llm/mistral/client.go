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

// Package mistral is the Mistral AI backend. The API is
// OpenAI-compatible, so the transport is the openai client pointed at
// Mistral's endpoint; only provider identity and pricing differ.
package mistral

import (
	"context"
	"time"

	"github.com/ali-kernel/ali/pkg/llm"
	"github.com/ali-kernel/ali/pkg/llm/openai"
	llmtypes "github.com/ali-kernel/ali/pkg/llm/types"
	"github.com/ali-kernel/ali/pkg/shuttle"
)

const mistralEndpoint = "https://api.mistral.ai/v1/chat/completions"

// Client is the Mistral backend of the provider abstraction.
type Client struct {
	openai *openai.Client
	model  string
}

// Config holds the Mistral client settings.
type Config struct {
	// APIKey is required; issued at https://console.mistral.ai/.
	APIKey string

	// Model defaults to mistral-large-latest. The open-* models trade
	// quality for cost; mistral-small-latest sits in between.
	Model string

	MaxTokens         int           // default 4096
	Temperature       float64       // default 1.0
	Timeout           time.Duration // default 60s
	RateLimiterConfig llm.RateLimiterConfig
}

// NewClient creates a Mistral client.
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = "mistral-large-latest"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Temperature == 0 {
		config.Temperature = 1.0
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	return &Client{
		model: config.Model,
		openai: openai.NewClient(openai.Config{
			APIKey:            config.APIKey,
			Model:             config.Model,
			Endpoint:          mistralEndpoint,
			MaxTokens:         config.MaxTokens,
			Temperature:       config.Temperature,
			Timeout:           config.Timeout,
			RateLimiterConfig: config.RateLimiterConfig,
		}),
	}
}

// Name returns the provider id.
func (c *Client) Name() string { return "mistral" }

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

// rebrand swaps the wrapped client's provider identity and pricing for
// Mistral's on a completed response.
func (c *Client) rebrand(resp *llmtypes.LLMResponse) *llmtypes.LLMResponse {
	resp.Usage.CostUSD = c.calculateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]interface{})
	}
	resp.Metadata["provider"] = "mistral"
	return resp
}

// Chat sends one conversation turn through the OpenAI-compatible wire.
func (c *Client) Chat(ctx context.Context, messages []llmtypes.Message, tools []shuttle.Tool) (*llmtypes.LLMResponse, error) {
	resp, err := c.openai.Chat(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	return c.rebrand(resp), nil
}

// ChatStream streams one conversation turn through the OpenAI-compatible
// wire.
func (c *Client) ChatStream(ctx context.Context, messages []llmtypes.Message,
	tools []shuttle.Tool, tokenCallback llmtypes.TokenCallback) (*llmtypes.LLMResponse, error) {
	resp, err := c.openai.ChatStream(ctx, messages, tools, tokenCallback)
	if err != nil {
		return nil, err
	}
	return c.rebrand(resp), nil
}

// calculateCost prices a call from Mistral's list rates (see
// https://mistral.ai/technology/#pricing). The model registry's pricing
// supersedes this at the cost-controller layer.
func (c *Client) calculateCost(inputTokens, outputTokens int) float64 {
	inputCostPerM, outputCostPerM := 4.00, 12.00 // large rates, also the fallback
	switch c.model {
	case "open-mistral-7b", "mistral-tiny-2312":
		inputCostPerM, outputCostPerM = 0.25, 0.25
	case "open-mixtral-8x7b", "mistral-small-2312":
		inputCostPerM, outputCostPerM = 0.70, 0.70
	case "open-mixtral-8x22b":
		inputCostPerM, outputCostPerM = 2.00, 6.00
	case "mistral-small-latest", "mistral-small-2402":
		inputCostPerM, outputCostPerM = 1.00, 3.00
	case "mistral-medium-latest", "mistral-medium-2312":
		inputCostPerM, outputCostPerM = 2.70, 8.10
	}
	return float64(inputTokens)*inputCostPerM/1_000_000 + float64(outputTokens)*outputCostPerM/1_000_000
}

var (
	_ llmtypes.LLMProvider          = (*Client)(nil)
	_ llmtypes.StreamingLLMProvider = (*Client)(nil)
)
