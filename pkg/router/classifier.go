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

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ali-kernel/ali/internal/log"
	"github.com/ali-kernel/ali/pkg/types"
)

// WithLLMClassifier installs a cheap model consulted when no pattern
// clears the score threshold. The provider should be configured with a
// fast, low-cost model; classification failures fall back to the static
// fallback role, never to an error.
func WithLLMClassifier(provider types.LLMProvider) Option {
	return func(r *Router) { r.classifier = provider }
}

// classifierVerdict is the JSON shape the routing prompt asks for.
type classifierVerdict struct {
	Agent      string  `json:"agent"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

const classifierTimeout = 10 * time.Second

// classify asks the cheap model to pick an addressee from the pattern
// table. Returns false when the call fails, times out, or names an agent
// that isn't in the table.
func (r *Router) classify(input string) (Route, bool) {
	if r.classifier == nil {
		return Route{}, false
	}

	var roster strings.Builder
	for _, p := range r.patterns {
		fmt.Fprintf(&roster, "- %s (role: %s)\n", p.Intent, p.Role)
	}
	prompt := fmt.Sprintf(`You route user requests to agents. Active agents:
%s
Reply with only a JSON object: {"agent": "<name from the list>", "intent": "<short label>", "confidence": <0.0-1.0>}

User request: %s`, roster.String(), input)

	ctx, cancel := context.WithTimeout(context.Background(), classifierTimeout)
	defer cancel()
	resp, err := r.classifier.Chat(ctx, []types.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		log.Debug("router: llm classification failed", zap.Error(err))
		return Route{}, false
	}

	verdict := parseVerdict(resp.Content)
	if verdict == nil {
		return Route{}, false
	}
	for _, p := range r.patterns {
		if strings.EqualFold(p.Intent, verdict.Agent) {
			return Route{
				Intent:     p.Intent,
				Role:       p.Role,
				Confidence: verdict.Confidence,
				Fallback:   true,
				ModelUsed:  r.classifier.Model(),
			}, true
		}
	}
	log.Debug("router: llm named unknown agent", zap.String("agent", verdict.Agent))
	return Route{}, false
}

// parseVerdict extracts the verdict object from the model's reply,
// tolerating fenced code blocks and surrounding prose.
func parseVerdict(content string) *classifierVerdict {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start == -1 || end <= start {
		return nil
	}
	var v classifierVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return nil
	}
	if v.Agent == "" || v.Confidence < 0 || v.Confidence > 1 {
		return nil
	}
	return &v
}
