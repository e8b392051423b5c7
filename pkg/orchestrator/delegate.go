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

// The flat delegation path: Ali's free-form reply may embed a JSON
// envelope naming a set of {agent, reason} delegations with no ordering
// dependencies (the full task-DAG path is handled in plan.go). The shape
// is fork-join: parse a structured directive out of the coordinator's
// reply, fan out concurrently, then run a single convergence call over
// the fanned-out results.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ali-kernel/ali/pkg/types"
)

// Delegation names one agent Ali wants to consult and why.
type Delegation struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
}

type delegationEnvelope struct {
	Delegations []Delegation `json:"delegations"`
}

// delegationFence is the marker Ali's system prompt instructs it to wrap a
// delegation envelope in, so free-form prose around the JSON doesn't need
// to be stripped by a full parser.
const delegationFence = "```delegate"

// ParseDelegations extracts a delegation envelope from reply, if present.
// The envelope must appear inside a ```delegate ... ``` fenced block; any
// parse failure is treated as "no delegation" rather than an error, since a
// malformed directive should fall through to treating reply as Ali's
// direct answer.
func ParseDelegations(reply string) ([]Delegation, bool) {
	start := strings.Index(reply, delegationFence)
	if start == -1 {
		return nil, false
	}
	body := reply[start+len(delegationFence):]
	end := strings.Index(body, "```")
	if end == -1 {
		return nil, false
	}
	body = strings.TrimSpace(body[:end])

	var env delegationEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil || len(env.Delegations) == 0 {
		return nil, false
	}
	return env.Delegations, true
}

const convergenceSystemSuffix = "\n\nYou previously decided to consult other agents. Their responses " +
	"follow. Synthesize one final answer for the user; do not simply list their replies."

// runDelegation executes the delegation path end to end: resolve each
// named agent, drop the lowest-priority delegations until the remainder
// fits the budget, fan out in parallel (index-stable), replace any leg
// failure that survives the retry policy with a short error marker rather
// than failing the whole turn, and finally ask ali to converge the results into one answer.
func (o *Orchestrator) runDelegation(ctx context.Context, ali *types.ManagedAgent, userInput string, delegations []Delegation) (string, error) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.delegate")
	defer o.tracer.EndSpan(span)

	type resolved struct {
		agent  *types.ManagedAgent
		reason string
	}
	var legs []resolved
	for _, d := range delegations {
		a, ok := o.registry.FindByName(d.Agent)
		if !ok || !a.Active {
			continue
		}
		legs = append(legs, resolved{agent: a, reason: d.Reason})
	}
	if len(legs) == 0 {
		return "", fmt.Errorf("orchestrator: no resolvable delegation targets among %d proposed", len(delegations))
	}

	// Budget admission: drop from the tail (lowest priority, per the order
	// Ali proposed them in) until the remainder is affordable or empty.
	for len(legs) > 0 && !o.canAffordLegs(len(legs)) {
		legs = legs[:len(legs)-1]
	}
	if len(legs) == 0 {
		return "I couldn't afford to consult any agents within the remaining budget, so here's my own answer:\n\n" +
			(func() string {
				reply, err := o.runAgentTurn(ctx, ali, userInput)
				if err != nil {
					return "(unable to produce a fallback answer: " + err.Error() + ")"
				}
				return reply
			})(), nil
	}

	reasonByAgent := make(map[string]string, len(legs))
	agents := make([]*types.ManagedAgent, len(legs))
	for i, l := range legs {
		agents[i] = l.agent
		reasonByAgent[l.agent.ID] = l.reason
	}

	results := o.registry.ExecuteParallel(ctx, agents, func(ctx context.Context, a *types.ManagedAgent) (string, error) {
		reason := reasonByAgent[a.ID]
		prompt := userInput
		if reason != "" {
			prompt = fmt.Sprintf("Context from the coordinating agent: %s\n\nOriginal request: %s", reason, userInput)
		}
		out, err := o.runAgentTurn(ctx, a, prompt)
		if err != nil {
			// A leg's failure becomes a marker, not a fatal error for
			// the whole turn.
			return fmt.Sprintf("[error consulting %s: %v]", a.DisplayName, err), nil
		}
		return out, nil
	})

	if span != nil {
		span.SetAttribute("delegation.leg_count", len(legs))
	}

	// Every leg is recorded to persistence, independent of the final
	// convergence call.
	var b strings.Builder
	for i, r := range results {
		o.persistTurn(ctx, types.Message{
			ID: uuid.NewString(), Role: "assistant", AgentID: agents[i].ID,
			Content: r.Output, ParentID: ali.ID, Timestamp: time.Now(),
		})
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", agents[i].DisplayName, r.Output)
	}

	converged, err := o.runAgentTurn(ctx, ali, b.String()+convergenceSystemSuffix+"\n\nOriginal user request: "+userInput)
	if err != nil {
		return "", fmt.Errorf("orchestrator: convergence: %w", err)
	}
	return converged, nil
}
