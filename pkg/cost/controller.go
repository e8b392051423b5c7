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

// Package cost implements the process-singleton spend ledger:
// session/lifetime totals, per-agent attribution, and the budget
// admission gate the orchestrator consults before issuing provider calls.
package cost

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ali-kernel/ali/internal/log"
	"github.com/ali-kernel/ali/pkg/llm/factory"
)

// RollupSink persists daily cost rollups. pkg/persistence's Store satisfies
// this interface; Controller takes it as an injected dependency to avoid an
// import cycle (persistence needs pkg/types, not pkg/cost).
type RollupSink interface {
	UpsertDailyRollup(date string, inputTokens, outputTokens int64, costUSD float64, calls int64) error
}

// AgentSpend is one row of the TopAgents leaderboard.
type AgentSpend struct {
	AgentID string
	CostUSD float64
	Tokens  int64
}

// Controller is the process-singleton cost ledger. All mutation goes
// through mu so that observed spend is monotonically non-decreasing
// under any goroutine interleaving.
type Controller struct {
	mu sync.Mutex

	budgetLimitUSD  float64
	sessionSpendUSD float64
	lifetimeSpendUSD float64
	inputTokens     int64
	outputTokens    int64
	budgetExceeded  bool
	sessionStart    time.Time

	agents map[string]*AgentSpend

	dailyInputTokens  int64
	dailyOutputTokens int64
	dailyCostUSD      float64
	dailyCalls        int64

	sink RollupSink
}

// NewController creates a cost controller with the given budget cap in USD.
// A limit of 0 disables the gate.
func NewController(budgetLimitUSD float64) *Controller {
	return &Controller{
		budgetLimitUSD: budgetLimitUSD,
		sessionStart:   time.Now(),
		agents:         make(map[string]*AgentSpend),
	}
}

// SetRollupSink wires the persistence layer that daily rollups are upserted
// to on shutdown or session end.
func (c *Controller) SetRollupSink(sink RollupSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// RecordUsage folds a completed call's token usage into session and
// lifetime totals using the triggering model's current pricing, and
// returns the incremental cost charged.
func (c *Controller) RecordUsage(model factory.ModelInfo, inputTokens, outputTokens, thinkingTokens int) float64 {
	cost := model.EstimateCost(inputTokens, outputTokens, thinkingTokens)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionSpendUSD += cost
	c.lifetimeSpendUSD += cost
	c.inputTokens += int64(inputTokens)
	c.outputTokens += int64(outputTokens)
	c.dailyInputTokens += int64(inputTokens)
	c.dailyOutputTokens += int64(outputTokens)
	c.dailyCostUSD += cost
	c.dailyCalls++

	if c.budgetLimitUSD > 0 && c.sessionSpendUSD > c.budgetLimitUSD {
		c.budgetExceeded = true
	}

	log.Debug("cost: recorded usage",
		zap.Float64("cost_usd", cost),
		zap.Float64("session_spend_usd", c.sessionSpendUSD),
		zap.Bool("budget_exceeded", c.budgetExceeded))
	return cost
}

// RecordAgentUsage mirrors RecordUsage but also credits the named agent's
// own accumulator, for TopAgents attribution.
func (c *Controller) RecordAgentUsage(agentID string, model factory.ModelInfo, inputTokens, outputTokens, thinkingTokens int) float64 {
	cost := c.RecordUsage(model, inputTokens, outputTokens, thinkingTokens)

	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		a = &AgentSpend{AgentID: agentID}
		c.agents[agentID] = a
	}
	a.CostUSD += cost
	a.Tokens += int64(inputTokens + outputTokens)
	return cost
}

// CanAfford projects the cost of estTurns additional calls at the given
// average token shape against the remaining budget.
func (c *Controller) CanAfford(model factory.ModelInfo, estTurns, avgInputTokens, avgOutputTokens int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.budgetLimitUSD <= 0 {
		return true
	}
	projected := model.EstimateCost(avgInputTokens*estTurns, avgOutputTokens*estTurns, 0)
	return c.sessionSpendUSD+projected <= c.budgetLimitUSD
}

// CheckBudget returns false (and latches BudgetExceeded) once cumulative
// session spend has crossed the limit. Once set, the flag stays set until
// ClearBudgetExceeded is called — it is a soft gate: in-flight calls
// complete, only new calls are refused (enforced by the orchestrator, not
// here).
func (c *Controller) CheckBudget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.budgetLimitUSD > 0 && c.sessionSpendUSD > c.budgetLimitUSD {
		c.budgetExceeded = true
	}
	return !c.budgetExceeded
}

// BudgetExceeded reports the latched flag without re-evaluating spend.
func (c *Controller) BudgetExceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budgetExceeded
}

// ClearBudgetExceeded clears the latch, e.g. after the user raises the
// limit interactively via /cost.
func (c *Controller) ClearBudgetExceeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budgetExceeded = false
}

// SetBudgetLimit updates the cap, e.g. from /cost <budget>.
func (c *Controller) SetBudgetLimit(limitUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budgetLimitUSD = limitUSD
}

// BudgetLimit returns the current cap.
func (c *Controller) BudgetLimit() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budgetLimitUSD
}

// SessionSpend returns cumulative spend since Controller creation.
func (c *Controller) SessionSpend() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionSpendUSD
}

// LifetimeSpend returns all-time cumulative spend.
func (c *Controller) LifetimeSpend() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifetimeSpendUSD
}

// TokenUsage returns cumulative input/output token counts for the session.
func (c *Controller) TokenUsage() (input, output int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputTokens, c.outputTokens
}

// TopAgents returns the k agents with the largest cumulative cost,
// descending.
func (c *Controller) TopAgents(k int) []AgentSpend {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AgentSpend, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CostUSD > out[j].CostUSD })
	if k >= 0 && k < len(out) {
		out = out[:k]
	}
	return out
}

// FlushDailyRollup upserts the accumulated-today counters to the rollup
// sink and resets them. Called at session end or shutdown.
func (c *Controller) FlushDailyRollup(date string) error {
	c.mu.Lock()
	sink := c.sink
	in, out, cost, calls := c.dailyInputTokens, c.dailyOutputTokens, c.dailyCostUSD, c.dailyCalls
	c.dailyInputTokens, c.dailyOutputTokens, c.dailyCostUSD, c.dailyCalls = 0, 0, 0, 0
	c.mu.Unlock()

	if sink == nil || calls == 0 {
		return nil
	}
	return sink.UpsertDailyRollup(date, in, out, cost, calls)
}

// SessionStart returns the time the controller was created.
func (c *Controller) SessionStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionStart
}
