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
package factory

import (
	"fmt"
	"strings"
	"sync"
)

// Tier buckets a model by relative capability/cost, used by the Intent
// Router to pick the cheapest model for routing prompts and by the
// Context Compactor to pick a cheap summarizer.
type Tier string

const (
	TierCheap   Tier = "cheap"
	TierMid     Tier = "mid"
	TierPremium Tier = "premium"
)

// ModelInfo is one row of the model registry.
type ModelInfo struct {
	ID                string
	DisplayName       string
	Provider          string
	InputCostPerM     float64 // USD per 1M input tokens
	OutputCostPerM    float64 // USD per 1M output tokens
	ThinkingCostPerM  float64 // USD per 1M thinking tokens, 0 if not applicable
	ContextWindow     int
	MaxOutput         int
	SupportsTools     bool
	SupportsVision    bool
	SupportsStreaming bool
	Tier              Tier
	ReleaseDate       string
	Deprecated        bool
}

// EstimateCost computes the dollar cost of one call. thinkingTokens is 0
// when the provider does not expose a reasoning-token count; the
// thinking-cost term is elided rather than estimated heuristically when
// the count is unavailable.
func (m ModelInfo) EstimateCost(inputTokens, outputTokens, thinkingTokens int) float64 {
	cost := (float64(inputTokens)*m.InputCostPerM + float64(outputTokens)*m.OutputCostPerM) / 1e6
	if thinkingTokens > 0 && m.ThinkingCostPerM > 0 {
		cost += float64(thinkingTokens) * m.ThinkingCostPerM / 1e6
	}
	return cost
}

// ModelRegistry is a process-wide catalog of known models, keyed by
// "provider/model" or bare model id when unambiguous.
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]ModelInfo
}

var (
	globalRegistry     *ModelRegistry
	globalRegistryOnce sync.Once
)

// Models returns the process-wide registry, seeded with the builtin
// table. Register is last-write-wins, so an entry registered after
// seeding with the same id replaces the builtin one. This package loads
// no pricing file.
func Models() *ModelRegistry {
	globalRegistryOnce.Do(func() {
		globalRegistry = NewModelRegistry()
		for _, m := range builtinModels {
			globalRegistry.Register(m)
		}
	})
	return globalRegistry
}

// NewModelRegistry creates an empty registry (used in tests to avoid the
// process-wide singleton).
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{models: make(map[string]ModelInfo)}
}

// Register inserts or replaces an entry, keyed both by its bare id and by
// "provider/id" so callers can address it either way.
func (r *ModelRegistry) Register(m ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
	r.models[namespaced(m.Provider, m.ID)] = m
}

// Lookup finds a model by bare id or "provider/model" namespaced id.
func (r *ModelRegistry) Lookup(id string) (ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.models[id]; ok {
		return m, nil
	}
	if _, model, ok := strings.Cut(id, "/"); ok {
		if m, ok := r.models[model]; ok {
			return m, nil
		}
	}
	return ModelInfo{}, fmt.Errorf("factory: model not registered: %s", id)
}

// List returns every distinct model (de-duplicated across its two keys).
func (r *ModelRegistry) List() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		if seen[namespaced(m.Provider, m.ID)] {
			continue
		}
		seen[namespaced(m.Provider, m.ID)] = true
		out = append(out, m)
	}
	return out
}

// Cheapest returns the lowest-input-cost model among those flagged
// available, used by the Intent Router's cheap-routing-model pick. Tier
// is not considered.
func (r *ModelRegistry) Cheapest(available map[string]bool) (ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best ModelInfo
	found := false
	for id, ok := range available {
		if !ok {
			continue
		}
		m, err := r.Lookup(id)
		if err != nil {
			continue
		}
		if !found || m.InputCostPerM < best.InputCostPerM {
			best = m
			found = true
		}
	}
	return best, found
}

func namespaced(provider, id string) string {
	return provider + "/" + id
}

// builtinModels is the compile-time pricing table. An entry holds until
// a later Register call with the same id replaces it, see the doc
// comment on Models().
var builtinModels = []ModelInfo{
	{ID: "claude-sonnet-4-5-20250929", DisplayName: "Claude Sonnet 4.5", Provider: "anthropic",
		InputCostPerM: 3.0, OutputCostPerM: 15.0, ContextWindow: 200000, MaxOutput: 8192,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true, Tier: TierPremium, ReleaseDate: "2025-09-29"},
	{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Provider: "anthropic",
		InputCostPerM: 0.8, OutputCostPerM: 4.0, ContextWindow: 200000, MaxOutput: 8192,
		SupportsTools: true, SupportsVision: false, SupportsStreaming: true, Tier: TierCheap, ReleaseDate: "2024-10-22"},
	{ID: "us.anthropic.claude-sonnet-4-5-20250929-v1:0", DisplayName: "Claude Sonnet 4.5 (Bedrock)", Provider: "bedrock",
		InputCostPerM: 3.0, OutputCostPerM: 15.0, ContextWindow: 200000, MaxOutput: 8192,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true, Tier: TierPremium, ReleaseDate: "2025-09-29"},
	{ID: "gpt-4o", DisplayName: "GPT-4o", Provider: "openai",
		InputCostPerM: 2.5, OutputCostPerM: 10.0, ContextWindow: 128000, MaxOutput: 16384,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true, Tier: TierPremium, ReleaseDate: "2024-05-13"},
	{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: "openai",
		InputCostPerM: 0.15, OutputCostPerM: 0.6, ContextWindow: 128000, MaxOutput: 16384,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true, Tier: TierCheap, ReleaseDate: "2024-07-18"},
	{ID: "gemini-2.0-flash-exp", DisplayName: "Gemini 2.0 Flash", Provider: "gemini",
		InputCostPerM: 0.1, OutputCostPerM: 0.4, ContextWindow: 1000000, MaxOutput: 8192,
		SupportsTools: true, SupportsVision: true, SupportsStreaming: true, Tier: TierCheap, ReleaseDate: "2024-12-11"},
	{ID: "mistral-large-latest", DisplayName: "Mistral Large", Provider: "mistral",
		InputCostPerM: 2.0, OutputCostPerM: 6.0, ContextWindow: 128000, MaxOutput: 8192,
		SupportsTools: true, SupportsVision: false, SupportsStreaming: true, Tier: TierMid, ReleaseDate: "2024-11-01"},
	{ID: "llama3.2", DisplayName: "Llama 3.2 (local)", Provider: "ollama",
		InputCostPerM: 0, OutputCostPerM: 0, ContextWindow: 128000, MaxOutput: 8192,
		SupportsTools: true, SupportsVision: false, SupportsStreaming: true, Tier: TierCheap, ReleaseDate: "2024-09-25"},
	{ID: "meta-llama/Llama-3.1-70B-Instruct", DisplayName: "Llama 3.1 70B", Provider: "huggingface",
		InputCostPerM: 0.35, OutputCostPerM: 0.4, ContextWindow: 128000, MaxOutput: 4096,
		SupportsTools: false, SupportsVision: false, SupportsStreaming: true, Tier: TierMid, ReleaseDate: "2024-07-23"},
}
