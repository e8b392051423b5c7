// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types holds the data model shared by every layer of the kernel:
// the provider abstraction, the persistence layer, the semantic graph, the
// registry, and the orchestrator. Keeping these in one leaf package avoids
// import cycles between the packages that produce and consume them.
package types

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/ali-kernel/ali/pkg/observability"
	"github.com/ali-kernel/ali/pkg/shuttle"
)

// ============================================================================
// Provider Abstraction types
// ============================================================================

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ContentBlock is one piece of a multi-modal message.
type ContentBlock struct {
	Type  string // "text" or "image"
	Text  string
	Image *ImageContent
}

// ImageContent is an image attached to a message.
type ImageContent struct {
	Type   string
	Source ImageSource
}

// ImageSource carries the actual image bytes or a reference to them.
type ImageSource struct {
	Type      string // "base64" or "url"
	MediaType string
	Data      string
	URL       string
}

// Message is one turn of conversation, immutable once sent.
type Message struct {
	ID            string
	Role          string // user, assistant, tool
	Content       string
	ContentBlocks []ContentBlock
	ToolCalls     []ToolCall
	ToolUseID     string
	ToolResult    *shuttle.Result
	AgentID       string
	ParentID      string
	Timestamp     time.Time
	TokenCount    int
	CostUSD       float64
}

// Usage tracks token consumption and cost for one LLM call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
}

// LLMResponse is the result of a single provider call.
type LLMResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
	Metadata   map[string]interface{}
	Thinking   string
}

// LLMProvider is the uniform interface every backend (Anthropic, Bedrock,
// OpenAI, Azure OpenAI, Ollama, Mistral, Gemini, HuggingFace...) implements.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []shuttle.Tool) (*LLMResponse, error)
	Name() string
	Model() string
}

// TokenCallback receives streamed chunks. Must not block.
type TokenCallback func(token string)

// StreamingLLMProvider is implemented by providers that can stream tokens.
type StreamingLLMProvider interface {
	LLMProvider
	ChatStream(ctx context.Context, messages []Message, tools []shuttle.Tool, cb TokenCallback) (*LLMResponse, error)
}

// SupportsStreaming reports whether provider implements StreamingLLMProvider.
func SupportsStreaming(provider LLMProvider) bool {
	_, ok := provider.(StreamingLLMProvider)
	return ok
}

// ============================================================================
// Agent execution plumbing
// ============================================================================

// ExecutionStage marks where in the pipeline a ProgressEvent originated.
type ExecutionStage string

const (
	StageIntentRouting  ExecutionStage = "intent_routing"
	StagePlanning       ExecutionStage = "planning"
	StageLLMGeneration  ExecutionStage = "llm_generation"
	StageToolExecution  ExecutionStage = "tool_execution"
	StageConvergence    ExecutionStage = "convergence"
	StageCompaction     ExecutionStage = "compaction"
	StageHumanInTheLoop ExecutionStage = "human_in_the_loop"
	StageCompleted      ExecutionStage = "completed"
	StageFailed         ExecutionStage = "failed"
)

// ProgressEvent is emitted as an agent turn advances, for the REPL (out of
// scope here) to render.
type ProgressEvent struct {
	Stage          ExecutionStage
	Progress       int32
	Message        string
	ToolName       string
	Timestamp      time.Time
	PartialContent string
	IsTokenStream  bool
	TokenCount     int32
	TTFT           int64
}

// ProgressCallback receives ProgressEvents. May be nil.
type ProgressCallback func(event ProgressEvent)

// Context extends context.Context with the session, tracer and progress
// sink an agent turn needs, without forcing every call site to thread three
// extra parameters through.
type Context interface {
	context.Context
	Session() *Session
	Tracer() observability.Tracer
	ProgressCallback() ProgressCallback
}

// Session is the flat, thread-safe conversation history for one agent turn
// chain. The Context Compactor (pkg/compactor) reduces this when token
// budget is exceeded and replaces the compacted range with a Checkpoint.
type Session struct {
	mu sync.RWMutex

	ID           string
	AgentID      string
	Messages     []Message
	CreatedAt    time.Time
	UpdatedAt    time.Time
	TotalCostUSD float64
	TotalTokens  int
}

// NewSession creates an empty session.
func NewSession(id, agentID string) *Session {
	now := time.Now()
	return &Session{ID: id, AgentID: agentID, CreatedAt: now, UpdatedAt: now}
}

// AddMessage appends a message and updates running totals.
func (s *Session) AddMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
	s.TotalCostUSD += msg.CostUSD
	s.TotalTokens += msg.TokenCount
}

// GetMessages returns a copy of the conversation history.
func (s *Session) GetMessages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// ReplaceMessages atomically swaps the message list, used by the compactor
// after it has folded a range of messages into a checkpoint summary.
func (s *Session) ReplaceMessages(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = msgs
	s.UpdatedAt = time.Now()
}

// MessageCount returns the number of messages currently held.
func (s *Session) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Messages)
}

// ============================================================================
// Agent registry types
// ============================================================================

// AgentRole is the fixed role a ManagedAgent was created with.
type AgentRole string

const (
	RoleOrchestrator AgentRole = "orchestrator"
	RoleAnalyst      AgentRole = "analyst"
	RoleCoder        AgentRole = "coder"
	RoleWriter       AgentRole = "writer"
	RoleCritic       AgentRole = "critic"
	RolePlanner      AgentRole = "planner"
	RoleExecutor     AgentRole = "executor"
	RoleMemory       AgentRole = "memory"
)

// ManagedAgent is a registered, addressable agent: a role, a system prompt,
// a toolset, and a running cost/token accumulator. Role is immutable after
// creation; the prompt may be rewritten and persisted.
type ManagedAgent struct {
	mu sync.RWMutex

	ID               string
	DisplayName      string
	Role             AgentRole
	SystemPrompt     string
	Specialization   string
	Active           bool
	Tools            *shuttle.Registry
	Provider         LLMProvider
	TotalTokens      int64
	TotalCostUSD     float64
	pendingMessages  []BusMessage
}

// NewManagedAgent constructs an active agent with an empty toolset.
func NewManagedAgent(id, displayName string, role AgentRole, systemPrompt string) *ManagedAgent {
	return &ManagedAgent{
		ID:           id,
		DisplayName:  displayName,
		Role:         role,
		SystemPrompt: systemPrompt,
		Active:       true,
		Tools:        shuttle.NewRegistry(),
	}
}

// RecordUsage folds a completed call's usage into the agent's accumulator.
func (a *ManagedAgent) RecordUsage(u Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.TotalTokens += int64(u.TotalTokens)
	a.TotalCostUSD += u.CostUSD
}

// UpdatePrompt rewrites the system prompt. Role and ID never change.
func (a *ManagedAgent) UpdatePrompt(prompt string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.SystemPrompt = prompt
}

// Snapshot returns a read-only copy of the agent's running totals.
func (a *ManagedAgent) Snapshot() (tokens int64, costUSD float64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.TotalTokens, a.TotalCostUSD
}

// Enqueue appends a bus message to this agent's pending FIFO.
func (a *ManagedAgent) Enqueue(msg BusMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingMessages = append(a.pendingMessages, msg)
}

// DrainPending removes and returns all pending bus messages, FIFO order.
func (a *ManagedAgent) DrainPending() []BusMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pendingMessages
	a.pendingMessages = nil
	return out
}

// ============================================================================
// Message bus types
// ============================================================================

// MessageType classifies a bus message for routing and display.
type MessageType string

const (
	MsgUserInput      MessageType = "user_input"
	MsgAgentThought   MessageType = "agent_thought"
	MsgAgentAction    MessageType = "agent_action"
	MsgAgentResponse  MessageType = "agent_response"
	MsgTaskDelegate   MessageType = "task_delegate"
	MsgTaskReport     MessageType = "task_report"
	MsgConvergence    MessageType = "convergence"
	MsgError          MessageType = "error"
)

// BusMessage is a threaded, immutable record on the message bus.
// RecipientID of "" means broadcast.
type BusMessage struct {
	ID          int64
	Type        MessageType
	SenderID    string
	RecipientID string
	Content     string
	Metadata    map[string]interface{}
	Timestamp   time.Time
	ParentID    int64 // 0 = no parent
	Usage       Usage
}

// ============================================================================
// Task / plan types
// ============================================================================

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskWaiting    TaskStatus = "waiting"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is one unit of delegated work.
type Task struct {
	ID             string
	Description    string
	AssigneeID     string
	Status         TaskStatus
	Result         string
	ParentTaskID   string
	RequiredRole   AgentRole
	Prerequisites  []string
	ValidationCriteria []string
	RetryBudget    int
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionPlan is the task graph produced for one delegated goal.
type ExecutionPlan struct {
	ID         string
	Goal       string
	Tasks      map[string]*Task
	IsComplete bool
	Result     string
	BudgetUSD  float64
	SpentUSD   float64
	CreatedAt  time.Time
}

// AllTerminal reports whether every task in the plan is completed or failed.
func (p *ExecutionPlan) AllTerminal() bool {
	for _, t := range p.Tasks {
		if t.Status != TaskCompleted && t.Status != TaskFailed {
			return false
		}
	}
	return true
}

// ============================================================================
// Checkpoint (compaction) types
// ============================================================================

// Checkpoint is a compressed summary replacing a contiguous range of
// messages in a session. Ranges for one session never overlap and
// checkpoint numbers increase strictly.
type Checkpoint struct {
	SessionID        string
	Number           int
	FromMessageID    string
	ToMessageID      string
	Summary          string
	OriginalTokens   int
	CompressedTokens int
	CostUSD          float64
	CreatedAt        time.Time
}

// ============================================================================
// File lock types
// ============================================================================

// LockKind is the mode a FileLock was acquired in.
type LockKind string

const (
	LockRead      LockKind = "read"
	LockWrite     LockKind = "write"
	LockExclusive LockKind = "exclusive"
)

// FileLock is an advisory lock on a logical path.
type FileLock struct {
	Path      string
	Kind      LockKind
	OwnerID   string
	AcquiredAt time.Time
	ExpiresAt  *time.Time
}

// Expired reports whether the lock's expiry has passed.
func (l *FileLock) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// ============================================================================
// Semantic graph types
// ============================================================================

// SemanticTypeTag identifies what kind of entity a SemanticId names.
type SemanticTypeTag uint8

const (
	TagConcept SemanticTypeTag = iota
	TagEntity
	TagRelation
	TagIntent
	TagAgent
	TagSpace
	TagEvent
	TagFeeling
	TagMemory
	TagPattern
)

// SemanticId is an opaque 64-bit id: 40 bits of monotonic-ish timestamp
// (milliseconds, masked), 8 bits of type tag, 16 bits of per-creator
// counter. Comparable; type tag recoverable by masking.
type SemanticId uint64

const (
	semTimestampBits = 40
	semTagBits       = 8
	semCounterBits   = 16
	semTimestampMask = (uint64(1) << semTimestampBits) - 1
	semTagMask       = (uint64(1) << semTagBits) - 1
	semCounterMask   = (uint64(1) << semCounterBits) - 1
)

// NewSemanticId packs a timestamp (milliseconds since epoch), a type tag
// and a per-creator counter into one id.
func NewSemanticId(unixMilli int64, tag SemanticTypeTag, counter uint16) SemanticId {
	ts := uint64(unixMilli) & semTimestampMask
	id := ts << (semTagBits + semCounterBits)
	id |= (uint64(tag) & semTagMask) << semCounterBits
	id |= uint64(counter) & semCounterMask
	return SemanticId(id)
}

// Tag extracts the type tag embedded in the id.
func (id SemanticId) Tag() SemanticTypeTag {
	return SemanticTypeTag((uint64(id) >> semCounterBits) & semTagMask)
}

// Counter extracts the per-creator counter embedded in the id.
func (id SemanticId) Counter() uint16 {
	return uint16(uint64(id) & semCounterMask)
}

// Timestamp extracts the embedded millisecond timestamp (lower 40 bits of
// the original value; wraps roughly every 34 years).
func (id SemanticId) Timestamp() int64 {
	return int64((uint64(id) >> (semTagBits + semCounterBits)) & semTimestampMask)
}

// EmbeddingDim is the fixed dimensionality of all stored embeddings.
const EmbeddingDim = 768

// Embedding is a fixed-dimension, cache-line-friendly vector of reduced
// precision floats, compared by cosine similarity.
type Embedding [EmbeddingDim]float32

// Bytes serializes the embedding to its little-endian wire form, used by
// the persistence layer's BLOB column.
func (e Embedding) Bytes() []byte {
	buf := make([]byte, EmbeddingDim*4)
	for i, v := range e {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// EmbeddingFromBytes deserializes an embedding from its wire form.
func EmbeddingFromBytes(b []byte) Embedding {
	var e Embedding
	for i := 0; i < EmbeddingDim && (i+1)*4 <= len(b); i++ {
		e[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return e
}

// Relation is a weighted edge from a SemanticNode to a neighbor.
type Relation struct {
	NeighborID SemanticId
	Strength   float32 // in [0,1]
}

// SemanticNode is one vertex in the in-memory semantic fabric.
type SemanticNode struct {
	ID           SemanticId
	Essence      string
	Embedding    Embedding
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	Relations    []Relation
	CreatorID    SemanticId
	ContextID    SemanticId
	RefCount     int32
}

// ============================================================================
// Utility
// ============================================================================

// SafeInt32 converts an int to int32, saturating instead of wrapping.
func SafeInt32(n int) int32 {
	const maxInt32 = 1<<31 - 1
	const minInt32 = -1 << 31
	if n > maxInt32 {
		return maxInt32
	}
	if n < minInt32 {
		return minInt32
	}
	return int32(n)
}
