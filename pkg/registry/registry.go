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

// Package registry holds the agent roster: a name/id-indexed map of
// types.ManagedAgent, a YAML definitions-directory loader with fsnotify
// hot-reload, relevance-ranked selection for a task, and index-stable
// parallel execution across a chosen subset of agents.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ali-kernel/ali/internal/log"
	"github.com/ali-kernel/ali/pkg/types"
)

// Definition is the on-disk YAML shape for an agent definition file.
type Definition struct {
	Name           string `yaml:"name"`
	Role           string `yaml:"role"`
	SystemPrompt   string `yaml:"system_prompt"`
	Specialization string `yaml:"specialization"`
}

// ReloadCallback is invoked whenever a definitions file is (re)loaded.
type ReloadCallback func(agent *types.ManagedAgent)

// Registry is the process-wide agent registry singleton.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*types.ManagedAgent
	byName   map[string]*types.ManagedAgent
	order    []string // insertion order of ids, for stable iteration

	definitionsDir string
	onReload       ReloadCallback

	logger *zap.Logger
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[string]*types.ManagedAgent),
		byName: make(map[string]*types.ManagedAgent),
		logger: log.Logger(),
	}
}

// Add registers an agent, indexed by both id and display name.
func (r *Registry) Add(agent *types.ManagedAgent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[agent.ID]; exists {
		return fmt.Errorf("registry: agent id %q already registered", agent.ID)
	}
	r.byID[agent.ID] = agent
	r.byName[agent.DisplayName] = agent
	r.order = append(r.order, agent.ID)
	return nil
}

// Remove unregisters an agent by id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byName, agent.DisplayName)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// FindByName returns the agent registered under name, if any.
func (r *Registry) FindByName(name string) (*types.ManagedAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// FindByID returns the agent registered under id, if any.
func (r *Registry) FindByID(id string) (*types.ManagedAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// All returns every registered agent in insertion order.
func (r *Registry) All() []*types.ManagedAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ManagedAgent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// LoadDefinitions parses every *.yaml/*.yml file in dir and registers (or
// updates) the corresponding agent. Existing agents matched by name keep
// their id and runtime state; only Role/SystemPrompt/Specialization refresh.
func (r *Registry) LoadDefinitions(dir string) error {
	r.definitionsDir = dir
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("registry: read definitions dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.loadDefinitionFile(filepath.Join(dir, e.Name())); err != nil {
			r.logger.Error("registry: failed to load definition", zap.String("file", e.Name()), zap.Error(err))
		}
	}
	return nil
}

func (r *Registry) loadDefinitionFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if def.Name == "" {
		return fmt.Errorf("%s: missing name", path)
	}

	r.mu.Lock()
	agent, exists := r.byName[def.Name]
	if !exists {
		agent = types.NewManagedAgent(def.Name, def.Name, types.AgentRole(def.Role), def.SystemPrompt)
		agent.Specialization = def.Specialization
		r.byID[agent.ID] = agent
		r.byName[agent.DisplayName] = agent
		r.order = append(r.order, agent.ID)
	} else {
		agent.Role = types.AgentRole(def.Role)
		agent.Specialization = def.Specialization
		agent.UpdatePrompt(def.SystemPrompt)
	}
	callback := r.onReload
	r.mu.Unlock()

	if callback != nil {
		callback(agent)
	}
	return nil
}

// SetReloadCallback registers a hook fired after each definition (re)load.
func (r *Registry) SetReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// Watch starts an fsnotify watch on the definitions directory and blocks,
// reloading on every create/write event, until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	if r.definitionsDir == "" {
		return fmt.Errorf("registry: no definitions directory loaded")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: new watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.definitionsDir); err != nil {
		return fmt.Errorf("registry: watch dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if err := r.loadDefinitionFile(event.Name); err != nil {
				r.logger.Error("registry: hot reload failed", zap.String("file", event.Name), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("registry: watcher error", zap.Error(err))
		}
	}
}

// candidate pairs an agent with its relevance score for SelectForTask.
type candidate struct {
	agent *types.ManagedAgent
	score int
}

// SelectForTask ranks active agents by relevance to taskDescription: each
// keyword found in the specialization adds 3, on top of the 1 it adds when
// found anywhere in the role, specialization or system prompt. Ties break by registration order so
// results are deterministic.
func (r *Registry) SelectForTask(taskDescription string, limit int) []*types.ManagedAgent {
	words := keywordsOf(taskDescription)

	r.mu.RLock()
	candidates := make([]candidate, 0, len(r.order))
	for _, id := range r.order {
		a := r.byID[id]
		if !a.Active {
			continue
		}
		candidates = append(candidates, candidate{agent: a, score: relevance(a, words)})
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]*types.ManagedAgent, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, candidates[i].agent)
	}
	return out
}

func keywordsOf(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, strings.Trim(f, ".,!?:;"))
		}
	}
	return out
}

func relevance(a *types.ManagedAgent, words []string) int {
	score := 0
	haystack := strings.ToLower(string(a.Role) + " " + a.Specialization + " " + a.SystemPrompt)
	for _, w := range words {
		if strings.Contains(strings.ToLower(a.Specialization), w) {
			score += 3
		}
		if strings.Contains(haystack, w) {
			score++
		}
	}
	return score
}

// TaskResult pairs an agent's id with the outcome of its delegated work.
type TaskResult struct {
	AgentID string
	Output  string
	Err     error
}

// ExecuteParallel runs fn concurrently for each agent and returns results
// index-aligned with agents: agents[i]'s result is always
// results[i], regardless of completion order.
func (r *Registry) ExecuteParallel(ctx context.Context, agents []*types.ManagedAgent, fn func(context.Context, *types.ManagedAgent) (string, error)) []TaskResult {
	results := make([]TaskResult, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a *types.ManagedAgent) {
			defer wg.Done()
			out, err := fn(ctx, a)
			results[i] = TaskResult{AgentID: a.ID, Output: out, Err: err}
		}(i, a)
	}
	wg.Wait()
	return results
}
