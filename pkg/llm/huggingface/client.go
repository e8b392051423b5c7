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

// Package huggingface is the HuggingFace Inference Router backend. The
// router speaks the OpenAI chat-completions dialect, so the transport is
// the openai client pointed at router.huggingface.co; only provider
// identity and pricing differ.
package huggingface

import (
	"context"
	"time"

	"github.com/ali-kernel/ali/pkg/llm"
	"github.com/ali-kernel/ali/pkg/llm/openai"
	llmtypes "github.com/ali-kernel/ali/pkg/llm/types"
	"github.com/ali-kernel/ali/pkg/shuttle"
)

const routerEndpoint = "https://router.huggingface.co/v1/chat/completions"

// Client is the HuggingFace backend of the provider abstraction.
type Client struct {
	openai *openai.Client
	model  string
}

// Config holds the HuggingFace client settings.
type Config struct {
	// Token is required (HuggingFace terminology for what every other
	// provider calls an API key); issued at
	// https://huggingface.co/settings/tokens.
	Token string

	// Model defaults to meta-llama/Meta-Llama-3.1-70B-Instruct. Any
	// chat-capable model hosted behind the router works.
	Model string

	MaxTokens         int           // default 4096
	Temperature       float64       // default 1.0
	Timeout           time.Duration // default 60s
	RateLimiterConfig llm.RateLimiterConfig
}

// NewClient creates a HuggingFace client.
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = "meta-llama/Meta-Llama-3.1-70B-Instruct"
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
			APIKey:            config.Token,
			Model:             config.Model,
			Endpoint:          routerEndpoint,
			MaxTokens:         config.MaxTokens,
			Temperature:       config.Temperature,
			Timeout:           config.Timeout,
			RateLimiterConfig: config.RateLimiterConfig,
		}),
	}
}

// Name returns the provider id.
func (c *Client) Name() string { return "huggingface" }

// Model returns the configured model id.
func (c *Client) Model() string { return c.model }

// rebrand swaps the wrapped client's provider identity and pricing for
// HuggingFace's on a completed response.
func (c *Client) rebrand(resp *llmtypes.LLMResponse) *llmtypes.LLMResponse {
	resp.Usage.CostUSD = c.calculateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]interface{})
	}
	resp.Metadata["provider"] = "huggingface"
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

// calculateCost prices a call with rough per-model estimates. Actual
// rates depend on which inference provider the router selects for the
// model, so these figures are indicative; the model registry's pricing
// supersedes them at the cost-controller layer.
func (c *Client) calculateCost(inputTokens, outputTokens int) float64 {
	inputCostPerM, outputCostPerM := 1.00, 1.00 // conservative fallback
	switch c.model {
	case "meta-llama/Meta-Llama-3.1-70B-Instruct", "meta-llama/Llama-3.1-70B-Instruct":
		inputCostPerM, outputCostPerM = 0.80, 0.80
	case "meta-llama/Meta-Llama-3.1-8B-Instruct", "meta-llama/Llama-3.1-8B-Instruct":
		inputCostPerM, outputCostPerM = 0.20, 0.20
	case "mistralai/Mixtral-8x7B-Instruct-v0.1", "mistralai/Mixtral-8x22B-Instruct-v0.1":
		inputCostPerM, outputCostPerM = 0.60, 0.60
	case "Qwen/Qwen2.5-72B-Instruct", "Qwen/Qwen2.5-Coder-32B-Instruct":
		inputCostPerM, outputCostPerM = 0.80, 0.80
	case "google/gemma-2-9b-it", "google/gemma-2-27b-it":
		inputCostPerM, outputCostPerM = 0.30, 0.30
	}
	return float64(inputTokens)*inputCostPerM/1_000_000 + float64(outputTokens)*outputCostPerM/1_000_000
}

var (
	_ llmtypes.LLMProvider          = (*Client)(nil)
	_ llmtypes.StreamingLLMProvider = (*Client)(nil)
)
