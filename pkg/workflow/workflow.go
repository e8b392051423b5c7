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

// Package workflow runs user-defined DAGs of typed nodes: action nodes call
// an agent, decision nodes branch on a condition over the workflow state,
// parallel nodes fan out and join, converge nodes merge the fanned-out
// outputs, human_input nodes pause the run, and subgraph nodes run a nested
// workflow. State snapshots are written between transitions so a paused or
// crashed run can resume from its latest checkpoint.
package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeType discriminates how the engine dispatches a node.
type NodeType string

const (
	NodeAction     NodeType = "action"
	NodeDecision   NodeType = "decision"
	NodeHumanInput NodeType = "human_input"
	NodeSubgraph   NodeType = "subgraph"
	NodeParallel   NodeType = "parallel"
	NodeConverge   NodeType = "converge"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Edge connects a node to a successor. Condition is only consulted on
// edges leaving a decision node; an empty condition never matches and the
// decision falls through to the node's Fallback.
type Edge struct {
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Node is one vertex of the workflow graph.
//
// Action nodes name an agent and a prompt template; `{{key}}` placeholders
// in the prompt are replaced from the workflow state before the call, and
// the agent's reply is stored back into state under OutputKey (default:
// the node name). Decision nodes evaluate each outgoing edge's condition
// in order and follow the first that holds. Parallel nodes fan out to
// Branches concurrently; each branch's output lands in state under the
// branch node's OutputKey. Converge nodes concatenate the outputs of the
// named Merge keys. Subgraph nodes run a nested workflow sharing no state
// with the parent except the keys listed in Exports.
type Node struct {
	Name      string    `json:"name"`
	Type      NodeType  `json:"type"`
	AgentName string    `json:"agent,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	OutputKey string    `json:"output_key,omitempty"`
	Edges     []Edge    `json:"edges,omitempty"`
	Fallback  string    `json:"fallback,omitempty"`
	Branches  []string  `json:"branches,omitempty"`
	Merge     []string  `json:"merge,omitempty"`
	Subgraph  *Workflow `json:"subgraph,omitempty"`
	Exports   []string  `json:"exports,omitempty"`
}

// next returns the unconditional successor of a non-decision node, or ""
// when the node is terminal.
func (n *Node) next() string {
	if len(n.Edges) > 0 {
		return n.Edges[0].To
	}
	return n.Fallback
}

// Checkpoint is a snapshot of the run state taken between transitions.
type Checkpoint struct {
	ID        string            `json:"id"`
	NodeName  string            `json:"node"`
	Status    Status            `json:"status"`
	State     map[string]string `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
}

// Workflow owns the graph, the string-keyed state, and the checkpoint
// trail for one run. A running workflow is owned by a single worker at any
// moment; the mutex only guards state reads from outside observers.
type Workflow struct {
	mu sync.RWMutex

	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Entry       string            `json:"entry"`
	Nodes       map[string]*Node  `json:"nodes"`
	State       map[string]string `json:"state"`
	Status      Status            `json:"status"`
	Current     string            `json:"current"`
	Checkpoints []Checkpoint      `json:"checkpoints"`
}

// New creates an empty pending workflow.
func New(name, entry string) *Workflow {
	return &Workflow{
		ID:     uuid.NewString(),
		Name:   name,
		Entry:  entry,
		Nodes:  make(map[string]*Node),
		State:  make(map[string]string),
		Status: StatusPending,
	}
}

// AddNode registers a node. Duplicate names replace the earlier node.
func (w *Workflow) AddNode(n *Node) *Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Nodes[n.Name] = n
	return w
}

// Set writes one state entry.
func (w *Workflow) Set(key, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.State[key] = value
}

// Get reads one state entry.
func (w *Workflow) Get(key string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.State[key]
	return v, ok
}

// StateSnapshot returns a copy of the current state map.
func (w *Workflow) StateSnapshot() map[string]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]string, len(w.State))
	for k, v := range w.State {
		out[k] = v
	}
	return out
}

// Validate checks the graph before a run: the entry node must exist, every
// edge must point at a known node, and every action node must name an
// agent.
func (w *Workflow) Validate() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if _, ok := w.Nodes[w.Entry]; !ok {
		return fmt.Errorf("workflow %s: entry node %q not found", w.Name, w.Entry)
	}
	for _, n := range w.Nodes {
		for _, e := range n.Edges {
			if _, ok := w.Nodes[e.To]; !ok {
				return fmt.Errorf("workflow %s: node %q edge targets unknown node %q", w.Name, n.Name, e.To)
			}
		}
		if n.Fallback != "" {
			if _, ok := w.Nodes[n.Fallback]; !ok {
				return fmt.Errorf("workflow %s: node %q fallback targets unknown node %q", w.Name, n.Name, n.Fallback)
			}
		}
		for _, b := range n.Branches {
			if _, ok := w.Nodes[b]; !ok {
				return fmt.Errorf("workflow %s: node %q branch targets unknown node %q", w.Name, n.Name, b)
			}
		}
		if n.Type == NodeAction && n.AgentName == "" {
			return fmt.Errorf("workflow %s: action node %q has no agent", w.Name, n.Name)
		}
		if n.Type == NodeSubgraph && n.Subgraph == nil {
			return fmt.Errorf("workflow %s: subgraph node %q has no subgraph", w.Name, n.Name)
		}
	}
	return nil
}

// checkpoint appends a snapshot of the current state.
func (w *Workflow) checkpoint(node string) Checkpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := Checkpoint{
		ID:        uuid.NewString(),
		NodeName:  node,
		Status:    w.Status,
		State:     make(map[string]string, len(w.State)),
		CreatedAt: time.Now(),
	}
	for k, v := range w.State {
		cp.State[k] = v
	}
	w.Checkpoints = append(w.Checkpoints, cp)
	return cp
}

// RestoreFromCheckpoint rewinds the workflow to the named checkpoint: the
// state map is replaced by the snapshot and the current node is reset so a
// subsequent Run resumes there.
func (w *Workflow) RestoreFromCheckpoint(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cp := range w.Checkpoints {
		if cp.ID != id {
			continue
		}
		w.State = make(map[string]string, len(cp.State))
		for k, v := range cp.State {
			w.State[k] = v
		}
		w.Current = cp.NodeName
		w.Status = StatusPaused
		return nil
	}
	return fmt.Errorf("workflow %s: checkpoint %s not found", w.Name, id)
}

// MarshalSnapshot serializes the workflow (graph, state, checkpoints) to
// JSON for durable storage.
func (w *Workflow) MarshalSnapshot() ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return json.Marshal(w)
}

// UnmarshalSnapshot restores a workflow previously serialized with
// MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("workflow: decode snapshot: %w", err)
	}
	if w.Nodes == nil {
		w.Nodes = make(map[string]*Node)
	}
	if w.State == nil {
		w.State = make(map[string]string)
	}
	return &w, nil
}
