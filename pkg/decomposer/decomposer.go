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

// Package decomposer turns an LLM's
// free-form subtask proposal into a validated forward-only DAG of
// types.Task, rejecting cycles, and exposes the readiness/execution
// queries the orchestrator drives the plan with.
//
// Proposals are untrusted structured output: everything is validated
// before a single task is created, and readiness is derived rather than
// stored so it can never go stale.
package decomposer

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ali-kernel/ali/pkg/types"
)

// ProposedTask is the shape an LLM is prompted to emit for each subtask.
type ProposedTask struct {
	Key           string   `json:"key"` // caller-local identifier, e.g. "t1"
	Description   string   `json:"description"`
	RequiredRole  string   `json:"required_role"`
	Prerequisites []string `json:"prerequisites"` // keys of tasks that must complete first
}

// ParseProposal unmarshals the LLM's JSON subtask array.
func ParseProposal(raw string) ([]ProposedTask, error) {
	var proposals []ProposedTask
	if err := json.Unmarshal([]byte(raw), &proposals); err != nil {
		return nil, fmt.Errorf("decomposer: parse proposal: %w", err)
	}
	return proposals, nil
}

// BuildPlan validates proposals as a forward-only DAG (every prerequisite
// key resolves to an earlier task in the list, no cycles) and materializes an
// types.ExecutionPlan with real task ids.
func BuildPlan(goal string, budgetUSD float64, proposals []ProposedTask) (*types.ExecutionPlan, error) {
	if len(proposals) == 0 {
		return nil, fmt.Errorf("decomposer: empty task proposal")
	}

	keyToID := make(map[string]string, len(proposals))
	position := make(map[string]int, len(proposals))
	seen := make(map[string]bool, len(proposals))
	for i, p := range proposals {
		if p.Key == "" {
			return nil, fmt.Errorf("decomposer: task missing key")
		}
		if seen[p.Key] {
			return nil, fmt.Errorf("decomposer: duplicate task key %q", p.Key)
		}
		seen[p.Key] = true
		position[p.Key] = i
		keyToID[p.Key] = uuid.NewString()
	}

	adjacency := make(map[string][]string, len(proposals)) // key -> prerequisite keys
	for i, p := range proposals {
		for _, dep := range p.Prerequisites {
			if _, ok := keyToID[dep]; !ok {
				return nil, fmt.Errorf("decomposer: task %q depends on unknown task %q", p.Key, dep)
			}
			if position[dep] >= i {
				return nil, fmt.Errorf("decomposer: task %q depends on later task %q", p.Key, dep)
			}
		}
		adjacency[p.Key] = p.Prerequisites
	}

	if cyc := findCycle(adjacency); cyc != nil {
		return nil, fmt.Errorf("decomposer: cyclic dependency detected: %v", cyc)
	}

	plan := &types.ExecutionPlan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Tasks:     make(map[string]*types.Task, len(proposals)),
		BudgetUSD: budgetUSD,
	}
	for _, p := range proposals {
		prereqIDs := make([]string, 0, len(p.Prerequisites))
		for _, dep := range p.Prerequisites {
			prereqIDs = append(prereqIDs, keyToID[dep])
		}
		id := keyToID[p.Key]
		plan.Tasks[id] = &types.Task{
			ID:            id,
			Description:   p.Description,
			Status:        types.TaskPending,
			RequiredRole:  types.AgentRole(p.RequiredRole),
			Prerequisites: prereqIDs,
		}
	}
	return plan, nil
}

// findCycle runs a DFS cycle check over the key-keyed adjacency (prior to
// id materialization, so failures report the LLM's own task keys).
func findCycle(adjacency map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(adjacency))
	var path []string

	var visit func(node string) []string
	visit = func(node string) []string {
		color[node] = gray
		path = append(path, node)
		for _, dep := range adjacency[node] {
			switch color[dep] {
			case gray:
				return append(append([]string{}, path...), dep)
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	for node := range adjacency {
		if color[node] == white {
			if cyc := visit(node); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// TaskPrerequisitesMet reports whether every prerequisite of task t has
// reached types.TaskCompleted.
func TaskPrerequisitesMet(plan *types.ExecutionPlan, t *types.Task) bool {
	for _, depID := range t.Prerequisites {
		dep, ok := plan.Tasks[depID]
		if !ok || dep.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// TaskGetReady returns every pending task whose prerequisites are all met,
// in a deterministic topological order (Kahn's algorithm, ties broken by
// task id) so callers can fan out execution without re-deriving order.
func TaskGetReady(plan *types.ExecutionPlan) []*types.Task {
	inDegree := make(map[string]int, len(plan.Tasks))
	dependents := make(map[string][]string, len(plan.Tasks))
	for id, t := range plan.Tasks {
		if t.Status != types.TaskPending {
			continue
		}
		remaining := 0
		for _, depID := range t.Prerequisites {
			if dep, ok := plan.Tasks[depID]; ok && dep.Status != types.TaskCompleted {
				remaining++
				dependents[depID] = append(dependents[depID], id)
			}
		}
		inDegree[id] = remaining
	}

	var ready []*types.Task
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, plan.Tasks[id])
		}
	}
	sortTasksByID(ready)
	return ready
}

func sortTasksByID(tasks []*types.Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j-1].ID > tasks[j].ID; j-- {
			tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
		}
	}
}

// TaskExecutePlan runs fn for every ready task, in waves: each wave is the
// current TaskGetReady() set, executed via the supplied concurrency
// function, after which statuses are expected to have been updated by fn
// before the next wave is computed. Returns the first error encountered,
// if any, after completing the wave it occurred in.
func TaskExecutePlan(plan *types.ExecutionPlan, fn func(*types.Task) error, runWave func([]*types.Task, func(*types.Task) error) error) error {
	for {
		ready := TaskGetReady(plan)
		if len(ready) == 0 {
			break
		}
		if err := runWave(ready, fn); err != nil {
			return err
		}
		if plan.AllTerminal() {
			break
		}
	}
	return nil
}
