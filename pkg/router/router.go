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

// Package router chooses the addressee for raw user input: a pattern
// table scored by
// fuzzy matching, an LRU cache over recent inputs, and a cheapest-model
// LLM fallback for inputs that match nothing well enough.
//
// Fuzzy scoring uses github.com/sahilm/fuzzy; the LRU cache is a small
// container/list + map pair rather than a dependency of its own.
package router

import (
	"container/list"
	"sort"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/ali-kernel/ali/pkg/llm/factory"
	"github.com/ali-kernel/ali/pkg/types"
)

// Pattern is one routable intent: a name, the agent role it should be
// delegated to, and the trigger phrases fuzzy-matched against user input.
type Pattern struct {
	Intent   string
	Role     types.AgentRole
	Triggers []string
}

// patternSource adapts a flattened trigger list to fuzzy.Source.
type patternSource struct {
	triggers []string
}

func (s patternSource) String(i int) string { return s.triggers[i] }
func (s patternSource) Len() int            { return len(s.triggers) }

// Route is the router's decision for one input.
type Route struct {
	Intent     string
	Role       types.AgentRole
	Score      int
	Confidence float64 // in [0,1]; set by the LLM classification stage
	Fallback   bool    // true when no pattern cleared the threshold
	ModelUsed  string  // populated only when Fallback
}

const defaultMinScore = 1 // sahilm/fuzzy: any matched rune yields score > 0

// Router is the process-wide intent router singleton.
type Router struct {
	mu       sync.Mutex
	patterns []Pattern
	minScore int

	cache      *lru
	models     *factory.ModelRegistry
	fallback   types.AgentRole // who handles unmatched input, e.g. orchestrator "Ali"
	classifier types.LLMProvider // optional cheap-model stage behind the pattern table
}

// Option configures a Router at construction.
type Option func(*Router)

func WithMinScore(score int) Option { return func(r *Router) { r.minScore = score } }

func WithModelRegistry(m *factory.ModelRegistry) Option {
	return func(r *Router) { r.models = m }
}

func WithFallbackRole(role types.AgentRole) Option {
	return func(r *Router) { r.fallback = role }
}

// New constructs a router over the given pattern table.
func New(patterns []Pattern, cacheSize int, opts ...Option) *Router {
	r := &Router{
		patterns: patterns,
		minScore: defaultMinScore,
		cache:    newLRU(cacheSize),
		models:   factory.Models(),
		fallback: types.RoleOrchestrator,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies input against the pattern table, consulting (and
// updating) the LRU cache first.
func (r *Router) Route(input string) Route {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache.get(input); ok {
		return cached
	}

	route := r.match(input)
	r.cache.put(input, route)
	return route
}

func (r *Router) match(input string) Route {
	// Flatten (intent, role) x triggers, matching within each pattern
	// independently so the best trigger's score represents its pattern.
	type best struct {
		pattern Pattern
		score   int
	}
	var bests []best
	for _, p := range r.patterns {
		top, matched := 0, false
		for _, trigger := range p.Triggers {
			matches := fuzzy.Find(trigger, []string{input})
			if len(matches) == 0 {
				continue
			}
			if !matched || matches[0].Score > top {
				top, matched = matches[0].Score, true
			}
		}
		if !matched {
			continue
		}
		bests = append(bests, best{pattern: p, score: top})
	}

	if len(bests) == 0 {
		return r.fallbackRoute(input)
	}

	sort.SliceStable(bests, func(i, j int) bool { return bests[i].score > bests[j].score })
	winner := bests[0]
	if winner.score < r.minScore {
		return r.fallbackRoute(input)
	}
	return Route{Intent: winner.pattern.Intent, Role: winner.pattern.Role, Score: winner.score}
}

// fallbackRoute is used when nothing in the pattern table clears
// minScore: first the cheap-model classification stage if one is
// installed, else delegate to the fallback role.
func (r *Router) fallbackRoute(input string) Route {
	if route, ok := r.classify(input); ok {
		return route
	}
	model := ""
	if r.models != nil {
		if m, ok := r.models.Cheapest(nil); ok {
			model = m.ID
		}
	}
	return Route{Intent: "general", Role: r.fallback, Fallback: true, ModelUsed: model}
}

// --- a minimal LRU cache over recent routing decisions ---

type lru struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value Route
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = 1
	}
	return &lru{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lru) get(key string) (Route, bool) {
	el, ok := c.items[key]
	if !ok {
		return Route{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lru) put(key string, value Route) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}
