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

// The planned path: when Ali's reply proposes a task DAG instead of a
// flat delegation list, build a types.ExecutionPlan via pkg/decomposer
// and drive it wave by wave, assigning each ready task to the
// best-matching agent via Registry.SelectForTask (resolve the ready set,
// run it, recompute readiness, repeat until terminal).
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ali-kernel/ali/internal/log"
	"github.com/ali-kernel/ali/pkg/decomposer"
	"github.com/ali-kernel/ali/pkg/plandb"
	"github.com/ali-kernel/ali/pkg/types"
)

// planFence is the marker Ali's system prompt instructs it to wrap a task
// proposal array in, mirroring delegationFence's convention.
const planFence = "```plan"

// ParseProposal extracts a JSON task-proposal array from reply, if present,
// inside a ```plan ... ``` fenced block. A malformed or absent block is
// reported as "no proposal" rather than an error, so the caller falls
// through to the simpler delegation path.
func ParseProposal(reply string) ([]decomposer.ProposedTask, bool) {
	start := strings.Index(reply, planFence)
	if start == -1 {
		return nil, false
	}
	body := reply[start+len(planFence):]
	end := strings.Index(body, "```")
	if end == -1 {
		return nil, false
	}
	body = strings.TrimSpace(body[:end])

	proposals, err := decomposer.ParseProposal(body)
	if err != nil || len(proposals) == 0 {
		return nil, false
	}
	return proposals, true
}

// runPlan builds and executes the DAG proposed by ali, wave by wave, then
// asks ali to converge the completed tasks' results into one final answer.
func (o *Orchestrator) runPlan(ctx context.Context, ali *types.ManagedAgent, userInput string, proposals []decomposer.ProposedTask) (string, error) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.plan")
	defer o.tracer.EndSpan(span)

	budget := 0.0
	if o.cost != nil {
		budget = o.cost.BudgetLimit() - o.cost.SessionSpend()
	}
	plan, err := decomposer.BuildPlan(userInput, budget, proposals)
	if err != nil {
		return "", fmt.Errorf("orchestrator: build plan: %w", err)
	}
	if span != nil {
		span.SetAttribute("plan.task_count", len(plan.Tasks))
	}

	durablePlanID, durableIDs := o.mirrorPlan(ctx, userInput, plan)

	err = decomposer.TaskExecutePlan(plan, func(t *types.Task) error {
		if id, ok := durableIDs[t.ID]; ok {
			if res, claimErr := o.plans.ClaimTask(ctx, id, o.aliName); claimErr != nil || res != plandb.ClaimOK {
				log.Warn("orchestrator: durable claim failed",
					zap.String("task", t.Description), zap.Error(claimErr))
			}
		}
		runErr := o.runTask(ctx, plan, t)
		if id, ok := durableIDs[t.ID]; ok {
			var dbErr error
			if t.Status == types.TaskCompleted {
				dbErr = o.plans.CompleteTask(ctx, id, t.Result)
			} else {
				dbErr = o.plans.FailTask(ctx, id, t.Result)
			}
			if dbErr != nil {
				log.Warn("orchestrator: durable task update failed", zap.Error(dbErr))
			}
		}
		return runErr
	}, runWaveConcurrently)
	if err != nil {
		return "", fmt.Errorf("orchestrator: execute plan: %w", err)
	}

	final, err := o.convergePlan(ctx, ali, userInput, plan)
	if err == nil && o.plans != nil && durablePlanID != "" {
		if _, statusErr := o.plans.RefreshPlanStatus(ctx, durablePlanID); statusErr != nil {
			log.Warn("orchestrator: refresh plan status failed", zap.Error(statusErr))
		} else if resultErr := o.plans.SetPlanResult(ctx, durablePlanID, final); resultErr != nil {
			log.Warn("orchestrator: set plan result failed", zap.Error(resultErr))
		}
	}
	return final, err
}

// mirrorPlan writes the in-memory plan into the durable plan store so a
// concurrent inspector (or a future session) can see what ran and how it
// ended. Returns the durable plan id plus in-memory task id → durable
// task id; empty when no plan store is configured or the mirror write
// failed (the in-memory plan still executes either way).
func (o *Orchestrator) mirrorPlan(ctx context.Context, goal string, plan *types.ExecutionPlan) (string, map[string]string) {
	if o.plans == nil {
		return "", nil
	}
	planID, err := o.plans.CreatePlan(ctx, goal, o.sessionID)
	if err != nil {
		log.Warn("orchestrator: durable plan create failed", zap.Error(err))
		return "", nil
	}
	ids := make(map[string]string, len(plan.Tasks))
	for _, t := range plan.Tasks {
		id, err := o.plans.AddTask(ctx, planID, t.Description, "", 0, t.ParentTaskID)
		if err != nil {
			log.Warn("orchestrator: durable task create failed", zap.Error(err))
			continue
		}
		ids[t.ID] = id
	}
	return planID, ids
}

// runWaveConcurrently runs fn over every task in wave concurrently,
// collecting the first error (if any) after all tasks in the wave finish.
// A wave completes before the next is computed.
func runWaveConcurrently(wave []*types.Task, fn func(*types.Task) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(wave))
	for i, t := range wave {
		wg.Add(1)
		go func(i int, t *types.Task) {
			defer wg.Done()
			errs[i] = fn(t)
		}(i, t)
	}
	wg.Wait()
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// runTask assigns t to the best-matching active agent for its required
// role (or any agent if no role was specified), runs the turn, and updates
// t's status/result in place. A failure marks the task failed rather than
// aborting the whole plan; TaskGetReady will simply never unblock its
// dependents, and the plan converges over whatever did complete.
func (o *Orchestrator) runTask(ctx context.Context, plan *types.ExecutionPlan, t *types.Task) error {
	t.Status = types.TaskInProgress

	candidates := o.registry.SelectForTask(t.Description, 0)
	var assignee *types.ManagedAgent
	for _, a := range candidates {
		if t.RequiredRole == "" || a.Role == t.RequiredRole {
			assignee = a
			break
		}
	}
	if assignee == nil && len(candidates) > 0 {
		assignee = candidates[0]
	}
	if assignee == nil {
		t.Status = types.TaskFailed
		t.Result = "no agent available for this task"
		return nil
	}
	t.AssigneeID = assignee.ID

	out, err := o.runAgentTurn(ctx, assignee, t.Description)
	if err != nil {
		t.Status = types.TaskFailed
		t.Result = fmt.Sprintf("error: %v", err)
		return nil
	}
	t.Status = types.TaskCompleted
	t.Result = out
	return nil
}

// convergePlan asks ali to synthesize one final answer from every
// completed (or failed) task's result.
func (o *Orchestrator) convergePlan(ctx context.Context, ali *types.ManagedAgent, userInput string, plan *types.ExecutionPlan) (string, error) {
	var b strings.Builder
	for _, t := range plan.Tasks {
		fmt.Fprintf(&b, "=== task: %s (%s) ===\n%s\n\n", t.Description, t.Status, t.Result)
	}
	prompt := b.String() + convergenceSystemSuffix + "\n\nOriginal user request: " + userInput
	return o.runAgentTurn(ctx, ali, prompt)
}
