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

package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ali-kernel/ali/internal/log"
	"github.com/ali-kernel/ali/pkg/observability"
)

// AgentRunner issues one agent turn on behalf of an action node and
// returns the agent's reply. The engine does not know about providers or
// the registry; the orchestrator (or a test stub) supplies this.
type AgentRunner func(ctx context.Context, agentName, prompt string) (string, error)

// CheckpointSink receives every checkpoint the engine takes. May be nil.
type CheckpointSink func(workflowID string, cp Checkpoint)

// Engine drives workflows to a terminal or paused state.
type Engine struct {
	runner AgentRunner
	tracer observability.Tracer
	logger *zap.Logger
	sink   CheckpointSink

	// maxSteps bounds a single Run against graphs that loop through
	// decision edges forever.
	maxSteps int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTracer sets the span sink.
func WithTracer(t observability.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithCheckpointSink registers a callback for every checkpoint taken.
func WithCheckpointSink(sink CheckpointSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithMaxSteps overrides the per-run transition bound (default 256).
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) { e.maxSteps = n }
}

// NewEngine creates an engine that executes action nodes through runner.
func NewEngine(runner AgentRunner, opts ...EngineOption) *Engine {
	e := &Engine{
		runner:   runner,
		tracer:   observability.NewNoOpTracer(),
		logger:   log.Logger(),
		maxSteps: 256,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the workflow from its entry node (or from Current when
// resuming a paused run) until it completes, fails, pauses on a
// human_input node, or the context is cancelled. A checkpoint is taken
// after every node transition.
func (e *Engine) Run(ctx context.Context, w *Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	ctx, span := e.tracer.StartSpan(ctx, "workflow.run")
	defer e.tracer.EndSpan(span)
	if span != nil {
		span.SetAttribute("workflow.name", w.Name)
		span.SetAttribute("workflow.nodes", fmt.Sprintf("%d", len(w.Nodes)))
	}

	w.mu.Lock()
	current := w.Current
	if current == "" || w.Status == StatusPending {
		current = w.Entry
	}
	w.Status = StatusRunning
	w.mu.Unlock()

	e.logger.Info("workflow started",
		zap.String("workflow", w.Name),
		zap.String("entry", current))

	for steps := 0; current != ""; steps++ {
		if steps >= e.maxSteps {
			e.finish(w, StatusFailed)
			return fmt.Errorf("workflow %s: exceeded %d transitions", w.Name, e.maxSteps)
		}
		if err := ctx.Err(); err != nil {
			e.finish(w, StatusCancelled)
			return err
		}

		node, ok := w.Nodes[current]
		if !ok {
			e.finish(w, StatusFailed)
			return fmt.Errorf("workflow %s: node %q not found", w.Name, current)
		}

		w.mu.Lock()
		w.Current = current
		w.mu.Unlock()

		next, paused, err := e.dispatch(ctx, w, node)
		if err != nil {
			e.finish(w, StatusFailed)
			e.takeCheckpoint(w, node.Name)
			return fmt.Errorf("workflow %s: node %q: %w", w.Name, node.Name, err)
		}
		e.takeCheckpoint(w, node.Name)
		if paused {
			e.logger.Info("workflow paused for human input",
				zap.String("workflow", w.Name),
				zap.String("node", node.Name))
			return nil
		}
		current = next
	}

	e.finish(w, StatusCompleted)
	e.logger.Info("workflow completed", zap.String("workflow", w.Name))
	return nil
}

// Resume continues a paused workflow after human input has been written
// into state. The paused node's successor is taken, not the node itself.
func (e *Engine) Resume(ctx context.Context, w *Workflow, inputKey, inputValue string) error {
	w.mu.Lock()
	if w.Status != StatusPaused {
		status := w.Status
		w.mu.Unlock()
		return fmt.Errorf("workflow %s: cannot resume from status %s", w.Name, status)
	}
	if inputKey != "" {
		w.State[inputKey] = inputValue
	}
	node, ok := w.Nodes[w.Current]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("workflow %s: paused node %q not found", w.Name, w.Current)
	}
	w.Current = node.next()
	if w.Current == "" {
		w.mu.Unlock()
		e.finish(w, StatusCompleted)
		return nil
	}
	w.Status = StatusRunning
	w.mu.Unlock()
	return e.Run(ctx, w)
}

func (e *Engine) finish(w *Workflow, status Status) {
	w.mu.Lock()
	w.Status = status
	w.mu.Unlock()
}

func (e *Engine) takeCheckpoint(w *Workflow, node string) {
	cp := w.checkpoint(node)
	if e.sink != nil {
		e.sink(w.ID, cp)
	}
}

// dispatch executes one node and returns the successor name, or
// paused=true when the run must stop and wait for human input.
func (e *Engine) dispatch(ctx context.Context, w *Workflow, node *Node) (next string, paused bool, err error) {
	ctx, span := e.tracer.StartSpan(ctx, "workflow.node."+string(node.Type))
	defer e.tracer.EndSpan(span)
	if span != nil {
		span.SetAttribute("node.name", node.Name)
	}

	switch node.Type {
	case NodeAction:
		return node.next(), false, e.runAction(ctx, w, node)
	case NodeDecision:
		next, err := e.runDecision(w, node)
		return next, false, err
	case NodeHumanInput:
		e.finish(w, StatusPaused)
		return "", true, nil
	case NodeParallel:
		return node.next(), false, e.runParallel(ctx, w, node)
	case NodeConverge:
		return node.next(), false, e.runConverge(w, node)
	case NodeSubgraph:
		return node.next(), false, e.runSubgraph(ctx, w, node)
	default:
		return "", false, fmt.Errorf("unknown node type %q", node.Type)
	}
}

func (e *Engine) runAction(ctx context.Context, w *Workflow, node *Node) error {
	prompt := interpolate(node.Prompt, w.StateSnapshot())
	out, err := e.runner(ctx, node.AgentName, prompt)
	if err != nil {
		return fmt.Errorf("agent %s: %w", node.AgentName, err)
	}
	w.Set(outputKey(node), out)
	return nil
}

func (e *Engine) runDecision(w *Workflow, node *Node) (string, error) {
	state := w.StateSnapshot()
	for _, edge := range node.Edges {
		if edge.Condition == "" {
			continue
		}
		ok, err := EvaluateCondition(edge.Condition, state)
		if err != nil {
			return "", err
		}
		if ok {
			e.logger.Debug("decision branch taken",
				zap.String("node", node.Name),
				zap.String("condition", edge.Condition),
				zap.String("to", edge.To))
			return edge.To, nil
		}
	}
	if node.Fallback == "" {
		return "", fmt.Errorf("no edge condition held and no fallback")
	}
	return node.Fallback, nil
}

// runParallel fans the branch nodes out to sub-workers and joins them all
// before the parent may transition. Each branch must be an action node;
// its output lands in state under the branch's output key. Branch failures
// are recorded as error markers, not propagated, so sibling branches keep
// their results.
func (e *Engine) runParallel(ctx context.Context, w *Workflow, node *Node) error {
	state := w.StateSnapshot()
	results := make([]string, len(node.Branches))
	errs := make([]error, len(node.Branches))

	var wg sync.WaitGroup
	for i, name := range node.Branches {
		branch, ok := w.Nodes[name]
		if !ok || branch.Type != NodeAction {
			return fmt.Errorf("branch %q is not an action node", name)
		}
		wg.Add(1)
		go func(i int, branch *Node) {
			defer wg.Done()
			prompt := interpolate(branch.Prompt, state)
			out, err := e.runner(ctx, branch.AgentName, prompt)
			results[i], errs[i] = out, err
		}(i, branch)
	}
	wg.Wait()

	for i, name := range node.Branches {
		branch := w.Nodes[name]
		if errs[i] != nil {
			e.logger.Warn("parallel branch failed",
				zap.String("branch", name),
				zap.Error(errs[i]))
			w.Set(outputKey(branch), fmt.Sprintf("[branch %s failed: %v]", name, errs[i]))
			continue
		}
		w.Set(outputKey(branch), results[i])
	}
	return nil
}

func (e *Engine) runConverge(w *Workflow, node *Node) error {
	keys := node.Merge
	if len(keys) == 0 {
		return fmt.Errorf("converge node has no merge keys")
	}
	var b strings.Builder
	for _, k := range keys {
		v, _ := w.Get(k)
		fmt.Fprintf(&b, "[%s]\n%s\n\n", k, v)
	}
	w.Set(outputKey(node), strings.TrimRight(b.String(), "\n"))
	return nil
}

func (e *Engine) runSubgraph(ctx context.Context, w *Workflow, node *Node) error {
	sub := node.Subgraph
	if err := e.Run(ctx, sub); err != nil {
		return fmt.Errorf("subgraph %s: %w", sub.Name, err)
	}
	for _, k := range node.Exports {
		if v, ok := sub.Get(k); ok {
			w.Set(k, v)
		}
	}
	return nil
}

func outputKey(n *Node) string {
	if n.OutputKey != "" {
		return n.OutputKey
	}
	return n.Name
}

// interpolate replaces {{key}} placeholders with state values; unknown
// keys are left in place so the agent sees what was missing.
func interpolate(prompt string, state map[string]string) string {
	out := prompt
	for k, v := range state {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}
