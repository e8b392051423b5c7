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

// Package orchestrator owns the route → plan → delegate → converge
// pipeline, wiring together the intent router, task decomposer, agent
// registry, cost controller, message bus and persistence behind the
// public surface cmd/ali calls into.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ali-kernel/ali/internal/log"
	"github.com/ali-kernel/ali/pkg/bus"
	"github.com/ali-kernel/ali/pkg/compactor"
	"github.com/ali-kernel/ali/pkg/cost"
	"github.com/ali-kernel/ali/pkg/fabric"
	"github.com/ali-kernel/ali/pkg/llm"
	"github.com/ali-kernel/ali/pkg/llm/factory"
	"github.com/ali-kernel/ali/pkg/observability"
	"github.com/ali-kernel/ali/pkg/plandb"
	"github.com/ali-kernel/ali/pkg/registry"
	"github.com/ali-kernel/ali/pkg/router"
	"github.com/ali-kernel/ali/pkg/shuttle"
	"github.com/ali-kernel/ali/pkg/types"
)

// PersistenceSink is the subset of pkg/persistence's Store the orchestrator
// writes conversation turns through.
type PersistenceSink interface {
	SaveMessage(ctx context.Context, sessionID string, msg types.Message) error
}

// OnMessage is invoked for every turn, user or agent, saved by the
// orchestrator. OnCostUpdate fires after each provider call's cost is
// recorded. OnAgentSpawn is stored by SetCallbacks, but the orchestrator
// registers no agents itself, so nothing invokes it. The other two are
// invoked on the goroutine that performs the action; consumers must not
// block within them.
type (
	OnMessage    func(types.Message)
	OnCostUpdate func(sessionSpendUSD float64, budgetExceeded bool)
	OnAgentSpawn func(*types.ManagedAgent)
)

// Config bundles the process's shared-resource singletons plus the
// naming conventions the
// pipeline needs: which registered agent is Ali (the chief of staff) and
// which model backs cheap internal calls (routing, summarization).
type Config struct {
	Registry   *registry.Registry
	Router     *router.Router
	Cost       *cost.Controller
	Plans      *plandb.Store // optional durable mirror for executed plans
	Fabric     *fabric.Graph // optional semantic memory of past turns
	Bus        *bus.Bus
	Store      PersistenceSink
	Compactor  *compactor.Compactor
	Models     *factory.ModelRegistry
	Session    *types.Session // live conversation; enables compaction and context building
	Tracer     observability.Tracer
	Logger     *zap.Logger
	AliName    string // display name of the orchestrator agent, e.g. "Ali"
	SessionID  string
	BudgetUSD  float64
	AvgInputTokens  int // used for budget admission projections
	AvgOutputTokens int
}

// Orchestrator drives user turns end to end.
type Orchestrator struct {
	mu sync.RWMutex

	registry  *registry.Registry
	router    *router.Router
	cost      *cost.Controller
	plans     *plandb.Store
	fabric    *fabric.Graph
	bus       *bus.Bus
	store     PersistenceSink
	compactor *compactor.Compactor
	models    *factory.ModelRegistry
	tracer    observability.Tracer
	logger    *zap.Logger

	aliName   string
	sessionID string
	conv      *types.Session

	avgInputTokens  int
	avgOutputTokens int

	onMessage    OnMessage
	onCostUpdate OnCostUpdate
	onAgentSpawn OnAgentSpawn
}

// New constructs an Orchestrator. Init(budgetLimit) should be called before
// the first Process if the budget cap needs to differ from cfg.BudgetUSD.
func New(cfg Config) *Orchestrator {
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Logger()
	}
	if cfg.AliName == "" {
		cfg.AliName = "Ali"
	}
	if cfg.AvgInputTokens <= 0 {
		cfg.AvgInputTokens = 500
	}
	if cfg.AvgOutputTokens <= 0 {
		cfg.AvgOutputTokens = 500
	}
	o := &Orchestrator{
		registry:        cfg.Registry,
		router:          cfg.Router,
		cost:            cfg.Cost,
		plans:           cfg.Plans,
		fabric:          cfg.Fabric,
		bus:             cfg.Bus,
		store:           cfg.Store,
		compactor:       cfg.Compactor,
		models:          cfg.Models,
		tracer:          cfg.Tracer,
		logger:          cfg.Logger,
		aliName:         cfg.AliName,
		sessionID:       cfg.SessionID,
		conv:            cfg.Session,
		avgInputTokens:  cfg.AvgInputTokens,
		avgOutputTokens: cfg.AvgOutputTokens,
	}
	if o.cost != nil && cfg.BudgetUSD > 0 {
		o.cost.SetBudgetLimit(cfg.BudgetUSD)
	}
	return o
}

// Init (re)sets the budget cap.
func (o *Orchestrator) Init(budgetLimitUSD float64) {
	if o.cost != nil {
		o.cost.SetBudgetLimit(budgetLimitUSD)
	}
}

// SetCallbacks installs the optional progress hooks.
func (o *Orchestrator) SetCallbacks(onMessage OnMessage, onCost OnCostUpdate, onSpawn OnAgentSpawn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onMessage = onMessage
	o.onCostUpdate = onCost
	o.onAgentSpawn = onSpawn
}

func (o *Orchestrator) emitMessage(msg types.Message) {
	o.mu.RLock()
	cb := o.onMessage
	o.mu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}

func (o *Orchestrator) emitCost() {
	o.mu.RLock()
	cb := o.onCostUpdate
	o.mu.RUnlock()
	if cb == nil || o.cost == nil {
		return
	}
	cb(o.cost.SessionSpend(), o.cost.BudgetExceeded())
}

const budgetExceededMessage = "I've hit the session budget cap and can't start new work until it's raised (see /cost)."

// Process is the production pipeline: route the input to an addressee,
// then run that agent (possibly fanning out delegated
// subtasks through Ali), and return the final synthesized text.
func (o *Orchestrator) Process(ctx context.Context, userInput string) (string, error) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.process")
	defer o.tracer.EndSpan(span)

	if o.cost != nil && !o.cost.CheckBudget() {
		return budgetExceededMessage, nil
	}

	// Compaction runs opportunistically before the context for this
	// turn's provider calls is assembled.
	o.maybeCompact(ctx)
	prompt := o.buildTurnContext(ctx, o.withRecalledMemories(userInput))

	o.persistTurn(ctx, types.Message{
		ID: uuid.NewString(), Role: "user", Content: userInput, Timestamp: time.Now(),
	})

	route := o.router.Route(userInput)
	if span != nil {
		span.SetAttribute("route.intent", route.Intent)
		span.SetAttribute("route.role", string(route.Role))
	}

	target, ok := o.registry.FindByName(route.Intent)
	if !ok || route.Role == types.RoleOrchestrator || target.Role == types.RoleOrchestrator {
		final, err := o.processViaAli(ctx, prompt)
		if err == nil {
			o.rememberTurn(ctx, userInput, final)
		}
		return final, err
	}

	output, err := o.runAgentTurn(ctx, target, prompt)
	if err != nil {
		return "", err
	}
	o.persistTurn(ctx, types.Message{
		ID: uuid.NewString(), Role: "assistant", AgentID: target.ID, Content: output, Timestamp: time.Now(),
	})
	o.rememberTurn(ctx, userInput, output)
	return output, nil
}

// maybeCompact folds the conversation's older messages into a checkpoint
// when the session has outgrown its token threshold. Best-effort; a
// failed compaction leaves the session as it was.
func (o *Orchestrator) maybeCompact(ctx context.Context) {
	if o.compactor == nil || o.conv == nil {
		return
	}
	if !o.compactor.ShouldCompact(o.conv) {
		return
	}
	if err := o.compactor.Compact(ctx, o.sessionID, o.conv); err != nil {
		log.Warn("orchestrator: compaction failed", zap.Error(err))
	}
}

// buildTurnContext assembles (latest checkpoint summary + uncompacted
// tail + current input) for this turn's provider calls. Without a
// compactor or session the raw input passes through.
func (o *Orchestrator) buildTurnContext(ctx context.Context, userInput string) string {
	if o.compactor == nil || o.conv == nil {
		return userInput
	}
	built, err := o.compactor.BuildContext(ctx, o.sessionID, "", o.conv, userInput)
	if err != nil {
		log.Warn("orchestrator: build context failed", zap.Error(err))
		return userInput
	}
	return built
}

// withRecalledMemories prepends the most similar past-turn essences to the
// input so agents can pick up threads from earlier sessions. No fabric,
// no change.
func (o *Orchestrator) withRecalledMemories(userInput string) string {
	if o.fabric == nil {
		return userInput
	}
	hits := o.fabric.FindSimilar(fabric.SynthesizeEmbedding(userInput), 3)
	var recalled []string
	for _, h := range hits {
		if h.Score < 0.35 {
			continue
		}
		if n, ok := o.fabric.GetNode(h.Node.ID); ok {
			recalled = append(recalled, n.Essence)
			o.fabric.Release(h.Node.ID)
		}
	}
	if len(recalled) == 0 {
		return userInput
	}
	return "Possibly relevant from earlier conversations:\n- " +
		strings.Join(recalled, "\n- ") + "\n\n" + userInput
}

// rememberTurn records a completed turn as a memory node and links it to
// its nearest existing neighbor, so future turns can recall it. Failures
// are logged, never surfaced; memory is best-effort.
func (o *Orchestrator) rememberTurn(ctx context.Context, userInput, answer string) {
	if o.fabric == nil {
		return
	}
	essence := userInput
	if len(essence) > 200 {
		essence = essence[:200]
	}
	if answer != "" {
		tail := answer
		if len(tail) > 120 {
			tail = tail[:120]
		}
		essence += " => " + tail
	}
	emb := fabric.SynthesizeEmbedding(essence)
	neighbors := o.fabric.FindSimilar(emb, 1)
	node, err := o.fabric.CreateNode(ctx, types.TagMemory, essence, emb, 0, 0)
	if err != nil {
		log.Warn("orchestrator: memory node create failed", zap.Error(err))
		return
	}
	if len(neighbors) > 0 && neighbors[0].Score > 0.5 {
		if err := o.fabric.Connect(ctx, node.ID, neighbors[0].Node.ID, neighbors[0].Score, "recalls"); err != nil {
			log.Warn("orchestrator: memory connect failed", zap.Error(err))
		}
	}
}

// processViaAli runs the chief-of-staff agent and, if its reply contains a
// delegation or plan directive, drives that path to convergence.
func (o *Orchestrator) processViaAli(ctx context.Context, userInput string) (string, error) {
	ali, ok := o.registry.FindByName(o.aliName)
	if !ok {
		return "", fmt.Errorf("orchestrator: no agent registered as %q", o.aliName)
	}

	reply, err := o.runAgentTurn(ctx, ali, userInput)
	if err != nil {
		return "", err
	}

	if proposals, ok := ParseProposal(reply); ok {
		final, err := o.runPlan(ctx, ali, userInput, proposals)
		if err != nil {
			return "", err
		}
		o.persistTurn(ctx, types.Message{ID: uuid.NewString(), Role: "assistant", AgentID: ali.ID, Content: final, Timestamp: time.Now()})
		return final, nil
	}

	if delegations, ok := ParseDelegations(reply); ok {
		final, err := o.runDelegation(ctx, ali, userInput, delegations)
		if err != nil {
			return "", err
		}
		o.persistTurn(ctx, types.Message{ID: uuid.NewString(), Role: "assistant", AgentID: ali.ID, Content: final, Timestamp: time.Now()})
		return final, nil
	}

	o.persistTurn(ctx, types.Message{ID: uuid.NewString(), Role: "assistant", AgentID: ali.ID, Content: reply, Timestamp: time.Now()})
	return reply, nil
}

// ParallelAnalyze skips the router and fans out directly to the named
// agents.
func (o *Orchestrator) ParallelAnalyze(ctx context.Context, userInput string, agentNames []string) (string, error) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.parallel_analyze")
	defer o.tracer.EndSpan(span)

	var agents []*types.ManagedAgent
	for _, name := range agentNames {
		if a, ok := o.registry.FindByName(name); ok && a.Active {
			agents = append(agents, a)
		}
	}
	if len(agents) == 0 {
		return "", fmt.Errorf("orchestrator: no active agents among %v", agentNames)
	}

	results := o.registry.ExecuteParallel(ctx, agents, func(ctx context.Context, a *types.ManagedAgent) (string, error) {
		return o.runAgentTurn(ctx, a, userInput)
	})

	return joinLegResults(agents, results), nil
}

func joinLegResults(agents []*types.ManagedAgent, results []registry.TaskResult) string {
	out := ""
	for i, r := range results {
		label := agents[i].DisplayName
		if r.Err != nil {
			out += fmt.Sprintf("[%s] error: %v\n\n", label, r.Err)
			continue
		}
		out += fmt.Sprintf("[%s] %s\n\n", label, r.Output)
	}
	return out
}

// Status renders a short human-readable snapshot for the CLI's /status
// command.
func (o *Orchestrator) Status() string {
	if o.cost == nil {
		return "cost controller not configured"
	}
	in, out := o.cost.TokenUsage()
	return fmt.Sprintf("session spend: $%.4f / $%.4f budget exceeded=%v tokens in=%d out=%d agents=%d",
		o.cost.SessionSpend(), o.cost.BudgetLimit(), o.cost.BudgetExceeded(), in, out, len(o.registry.All()))
}

// Shutdown flushes the daily cost rollup for today. Safe to call multiple
// times.
func (o *Orchestrator) Shutdown() error {
	if o.cost == nil {
		return nil
	}
	return o.cost.FlushDailyRollup(time.Now().Format("2006-01-02"))
}

// persistTurn saves a message (best-effort; a persistence failure is
// logged, not fatal to the turn already in flight) and fires onMessage.
func (o *Orchestrator) persistTurn(ctx context.Context, msg types.Message) {
	if o.store != nil {
		if err := o.store.SaveMessage(ctx, o.sessionID, msg); err != nil {
			log.Warn("orchestrator: save message failed", zap.Error(err))
		}
	}
	if o.conv != nil {
		o.conv.AddMessage(msg)
	}
	o.emitMessage(msg)
}

// runAgentTurn issues one provider call on behalf of agent, under the
// default retry policy, recording cost/usage and honoring the budget
// gate. Delegation legs turn a failure into a brief error marker string;
// direct single-agent turns still return the error to the caller.
func (o *Orchestrator) runAgentTurn(ctx context.Context, agent *types.ManagedAgent, prompt string) (string, error) {
	if o.cost != nil && !o.cost.CheckBudget() {
		return "", fmt.Errorf("orchestrator: budget exceeded")
	}

	messages := []types.Message{
		{ID: uuid.NewString(), Role: "system", Content: agent.SystemPrompt, Timestamp: time.Now()},
		{ID: uuid.NewString(), Role: "user", Content: prompt, Timestamp: time.Now()},
	}

	var tools []shuttle.Tool
	if agent.Tools != nil {
		tools = agent.Tools.ListTools()
	}

	var resp *types.LLMResponse
	err := llm.Do(ctx, llm.DefaultRetryPolicy(), func(ctx context.Context) error {
		var callErr error
		resp, callErr = agent.Provider.Chat(ctx, messages, tools)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: agent %s: %w", agent.DisplayName, err)
	}

	if o.cost != nil && o.models != nil {
		if model, lookupErr := o.models.Lookup(agent.Provider.Model()); lookupErr == nil {
			o.cost.RecordAgentUsage(agent.ID, model, resp.Usage.InputTokens, resp.Usage.OutputTokens, 0)
			agent.RecordUsage(resp.Usage)
			o.emitCost()
		}
	}
	return resp.Content, nil
}

// canAffordLegs reports whether estTurns additional delegation legs fit
// within the remaining budget, using the orchestrator's configured average
// token shape and the cheapest model known (delegation legs are typically
// routed to non-premium agents).
func (o *Orchestrator) canAffordLegs(estTurns int) bool {
	if o.cost == nil || o.models == nil {
		return true
	}
	model, ok := o.models.Cheapest(nil)
	if !ok {
		return true
	}
	return o.cost.CanAfford(model, estTurns, o.avgInputTokens, o.avgOutputTokens)
}
