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

// Package fabric is the in-memory semantic graph: a sharded store
// of SemanticNode vertices connected by weighted Relation edges, supporting
// ref-counted retrieval, idempotent connection, cosine-similarity search,
// and an LRU-ish eviction policy, write-through to persistence.
//
// Unlike internal/csync's containers, which guard all their data with one
// lock, the graph is split over a fixed number of cache-line-padded shards
// because the graph workload (many small, independent nodes addressed by a
// well-distributed id) benefits from lock-striping in a way a single
// global map would not.
package fabric

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ali-kernel/ali/pkg/types"
)

// shardCount must be a power of two so index derivation is a cheap mask.
const shardCount = 16

// cacheLinePad sizes padding to push each shard's mutex+map onto its own
// cache line, avoiding false sharing between goroutines touching different
// shards concurrently.
type cacheLinePad [64]byte

type shard struct {
	mu    sync.RWMutex
	nodes map[types.SemanticId]*types.SemanticNode
	_     cacheLinePad
}

// PersistenceSink is the write-through target for node/relation mutations.
// pkg/persistence.Store satisfies this.
type PersistenceSink interface {
	SaveSemanticNode(ctx context.Context, n *types.SemanticNode) error
	SaveSemanticRelation(ctx context.Context, from, to types.SemanticId, strength float32, kind string) error
}

// Graph is the process-wide semantic fabric singleton.
type Graph struct {
	shards   [shardCount]*shard
	counter  atomic.Uint32 // per-process SemanticId counter
	sink     PersistenceSink
	maxNodes int
}

// Option configures a Graph at construction.
type Option func(*Graph)

// WithPersistence wires a write-through sink; every CreateNode/Connect also
// persists. Nil (the default) keeps the graph purely in-memory.
func WithPersistence(sink PersistenceSink) Option {
	return func(g *Graph) { g.sink = sink }
}

// WithMaxNodes sets the eviction trigger threshold. The default (0) means
// no automatic eviction; callers may still call Evict explicitly.
//
// The eviction policy is fixed (zero-refcount, oldest-last-accessed):
// the simplest defensible rule, in preference to a configurable scoring
// function nothing needs yet. See DESIGN.md.
func WithMaxNodes(n int) Option {
	return func(g *Graph) { g.maxNodes = n }
}

// NewGraph constructs an empty graph.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{}
	for i := range g.shards {
		g.shards[i] = &shard{nodes: make(map[types.SemanticId]*types.SemanticNode)}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) shardFor(id types.SemanticId) *shard {
	return g.shards[uint64(id)&(shardCount-1)]
}

// NextCounter returns the next per-process counter value for SemanticId
// construction, safe under concurrent callers; parallel id generation
// never collides within one process.
func (g *Graph) NextCounter() uint16 {
	return uint16(g.counter.Add(1) & 0xFFFF)
}

// CreateNode allocates a new node with a fresh id and inserts it.
func (g *Graph) CreateNode(ctx context.Context, tag types.SemanticTypeTag, essence string, embedding types.Embedding, creator, contextID types.SemanticId) (*types.SemanticNode, error) {
	now := time.Now()
	id := types.NewSemanticId(now.UnixMilli(), tag, g.NextCounter())
	n := &types.SemanticNode{
		ID:           id,
		Essence:      essence,
		Embedding:    embedding,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  0,
		CreatorID:    creator,
		ContextID:    contextID,
		RefCount:     0,
	}
	sh := g.shardFor(id)
	sh.mu.Lock()
	sh.nodes[id] = n
	sh.mu.Unlock()

	if g.sink != nil {
		if err := g.sink.SaveSemanticNode(ctx, n); err != nil {
			return nil, err
		}
	}
	if g.maxNodes > 0 {
		g.maybeEvict()
	}
	return n, nil
}

// GetNode returns a ref-counted handle to a node: RefCount is incremented
// and LastAccessed/AccessCount updated. Callers must call Release when done.
func (g *Graph) GetNode(id types.SemanticId) (*types.SemanticNode, bool) {
	sh := g.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n, ok := sh.nodes[id]
	if !ok {
		return nil, false
	}
	n.RefCount++
	n.AccessCount++
	n.LastAccessed = time.Now()
	return n, true
}

// Release decrements a node's ref count, making it eligible for eviction
// once it reaches zero.
func (g *Graph) Release(id types.SemanticId) {
	sh := g.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if n, ok := sh.nodes[id]; ok && n.RefCount > 0 {
		n.RefCount--
	}
}

// Connect creates (or strengthens) a bidirectional relation between two
// nodes. Idempotent: calling it again with a different strength updates
// rather than duplicates the edge. Shard locks are always taken in
// ascending shard index order to prevent lock-order-inversion deadlocks
// when the two nodes fall in different shards.
func (g *Graph) Connect(ctx context.Context, a, b types.SemanticId, strength float32, kind string) error {
	shA, shB := g.shardFor(a), g.shardFor(b)
	if shA == shB {
		shA.mu.Lock()
		defer shA.mu.Unlock()
		connectLocked(shA.nodes, a, b, strength)
	} else {
		first, second := shA, shB
		if uint64(a)&(shardCount-1) > uint64(b)&(shardCount-1) {
			first, second = shB, shA
		}
		first.mu.Lock()
		defer first.mu.Unlock()
		second.mu.Lock()
		defer second.mu.Unlock()
		upsertRelation(shA.nodes, a, b, strength)
		upsertRelation(shB.nodes, b, a, strength)
	}

	if g.sink != nil {
		if err := g.sink.SaveSemanticRelation(ctx, a, b, strength, kind); err != nil {
			return err
		}
		if err := g.sink.SaveSemanticRelation(ctx, b, a, strength, kind); err != nil {
			return err
		}
	}
	return nil
}

func connectLocked(nodes map[types.SemanticId]*types.SemanticNode, a, b types.SemanticId, strength float32) {
	upsertRelation(nodes, a, b, strength)
	upsertRelation(nodes, b, a, strength)
}

func upsertRelation(nodes map[types.SemanticId]*types.SemanticNode, from, to types.SemanticId, strength float32) {
	n, ok := nodes[from]
	if !ok {
		return
	}
	for i, r := range n.Relations {
		if r.NeighborID == to {
			n.Relations[i].Strength = strength
			return
		}
	}
	n.Relations = append(n.Relations, types.Relation{NeighborID: to, Strength: strength})
}

// Similarity is one ranked match from FindSimilar.
type Similarity struct {
	Node  *types.SemanticNode
	Score float32
}

// FindSimilar ranks every resident node by cosine similarity to query and
// returns the top k.
func (g *Graph) FindSimilar(query types.Embedding, k int) []Similarity {
	var all []Similarity
	for _, sh := range g.shards {
		sh.mu.RLock()
		for _, n := range sh.nodes {
			all = append(all, Similarity{Node: n, Score: cosine(query, n.Embedding)})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	return all
}

func cosine(a, b types.Embedding) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Len reports the total number of resident nodes across all shards.
func (g *Graph) Len() int {
	n := 0
	for _, sh := range g.shards {
		sh.mu.RLock()
		n += len(sh.nodes)
		sh.mu.RUnlock()
	}
	return n
}

// maybeEvict drops zero-refcount nodes, oldest LastAccessed first, until
// the graph is back at or under maxNodes.
func (g *Graph) maybeEvict() {
	over := g.Len() - g.maxNodes
	if over <= 0 {
		return
	}
	g.Evict(over)
}

// Evict removes up to n eligible (RefCount == 0) nodes, oldest-accessed
// first, and returns the number actually removed.
func (g *Graph) Evict(n int) int {
	type candidate struct {
		id   types.SemanticId
		last time.Time
	}
	var candidates []candidate
	for _, sh := range g.shards {
		sh.mu.RLock()
		for id, node := range sh.nodes {
			if node.RefCount == 0 {
				candidates = append(candidates, candidate{id: id, last: node.LastAccessed})
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].last.Before(candidates[j].last) })

	removed := 0
	for _, c := range candidates {
		if removed >= n {
			break
		}
		sh := g.shardFor(c.id)
		sh.mu.Lock()
		if node, ok := sh.nodes[c.id]; ok && node.RefCount == 0 {
			delete(sh.nodes, c.id)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

// SynthesizeEmbedding derives a deterministic embedding from text by
// feature-hashing character trigrams into the fixed-dimension vector and
// normalizing to unit length. Not a learned embedding; good enough for
// similarity over short essences until a real encoder is plugged in, and
// stable across runs so persisted nodes keep matching.
func SynthesizeEmbedding(essence string) types.Embedding {
	var e types.Embedding
	if essence == "" {
		return e
	}
	b := []byte(essence)
	for i := 0; i+3 <= len(b); i++ {
		h := uint32(2166136261)
		for _, c := range b[i : i+3] {
			h ^= uint32(c)
			h *= 16777619
		}
		idx := h % uint32(types.EmbeddingDim)
		if h&(1<<31) != 0 {
			e[idx] -= 1
		} else {
			e[idx] += 1
		}
	}
	var norm float32
	for _, v := range e {
		norm += v * v
	}
	if norm > 0 {
		inv := 1 / float32(math.Sqrt(float64(norm)))
		for i := range e {
			e[i] *= inv
		}
	}
	return e
}
