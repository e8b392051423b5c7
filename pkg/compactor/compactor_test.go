// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package compactor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ali-kernel/ali/pkg/cost"
	"github.com/ali-kernel/ali/pkg/llm/factory"
	"github.com/ali-kernel/ali/pkg/shuttle"
	"github.com/ali-kernel/ali/pkg/types"
)

// stubSummarizer returns a fixed summary, recording the last prompt seen.
type stubSummarizer struct {
	mu       sync.Mutex
	lastCall string
}

func (s *stubSummarizer) Chat(ctx context.Context, messages []types.Message, tools []shuttle.Tool) (*types.LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCall = messages[len(messages)-1].Content
	return &types.LLMResponse{
		Content: "summary: " + messages[len(messages)-1].Content[:10],
		Usage:   types.Usage{InputTokens: 100, OutputTokens: 20},
	}, nil
}
func (s *stubSummarizer) Name() string  { return "stub" }
func (s *stubSummarizer) Model() string { return "stub-model" }

// memStore is an in-memory Store implementation for tests.
type memStore struct {
	mu          sync.Mutex
	checkpoints map[string][]types.Checkpoint
}

func newMemStore() *memStore {
	return &memStore{checkpoints: make(map[string][]types.Checkpoint)}
}

func (m *memStore) LoadMessageRange(ctx context.Context, sessionID, fromID, toID string) ([]types.Message, error) {
	return nil, nil
}

func (m *memStore) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.SessionID] = append(m.checkpoints[cp.SessionID], cp)
	return nil
}

func (m *memStore) LoadCheckpoints(ctx context.Context, sessionID string) ([]types.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Checkpoint, len(m.checkpoints[sessionID]))
	copy(out, m.checkpoints[sessionID])
	return out, nil
}

func (m *memStore) DeleteCheckpoint(ctx context.Context, sessionID string, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []types.Checkpoint
	for _, cp := range m.checkpoints[sessionID] {
		if cp.Number != number {
			kept = append(kept, cp)
		}
	}
	m.checkpoints[sessionID] = kept
	return nil
}

func sessionWithMessages(n int) *types.Session {
	s := types.NewSession("sess-1", "ali")
	for i := 0; i < n; i++ {
		s.AddMessage(types.Message{
			ID:        uuid.NewString(),
			Role:      "user",
			Content:   strings.Repeat("x", 20),
			Timestamp: time.Now(),
		})
	}
	return s
}

func TestCompactLeavesOnlyRecentMessages(t *testing.T) {
	store := newMemStore()
	summarizer := &stubSummarizer{}
	c := New(store, summarizer, factory.ModelInfo{ID: "stub"}, cost.NewController(0), Config{KeepRecent: 3})

	session := sessionWithMessages(10)
	require.NoError(t, c.Compact(context.Background(), "sess-1", session))

	assert.Len(t, session.GetMessages(), 3)

	checkpoints, err := store.LoadCheckpoints(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, 1, checkpoints[0].Number)
}

func TestCompactNoOpUnderKeepRecent(t *testing.T) {
	store := newMemStore()
	summarizer := &stubSummarizer{}
	c := New(store, summarizer, factory.ModelInfo{ID: "stub"}, cost.NewController(0), Config{KeepRecent: 10})

	session := sessionWithMessages(5)
	require.NoError(t, c.Compact(context.Background(), "sess-1", session))
	assert.Len(t, session.GetMessages(), 5)

	checkpoints, _ := store.LoadCheckpoints(context.Background(), "sess-1")
	assert.Empty(t, checkpoints)
}

// TestCheckpointCoverageNeverOverlaps: ranges are
// non-overlapping and checkpoint numbers increase strictly.
func TestCheckpointCoverageNeverOverlaps(t *testing.T) {
	store := newMemStore()
	summarizer := &stubSummarizer{}
	c := New(store, summarizer, factory.ModelInfo{ID: "stub"}, cost.NewController(0), Config{KeepRecent: 2, MaxCheckpoints: 100})

	session := sessionWithMessages(6)
	original := session.GetMessages()
	require.NoError(t, c.Compact(context.Background(), "sess-1", session))

	session.AddMessage(types.Message{ID: uuid.NewString(), Role: "user", Content: "more", Timestamp: time.Now()})
	session.AddMessage(types.Message{ID: uuid.NewString(), Role: "user", Content: "more2", Timestamp: time.Now()})
	session.AddMessage(types.Message{ID: uuid.NewString(), Role: "user", Content: "more3", Timestamp: time.Now()})
	require.NoError(t, c.Compact(context.Background(), "sess-1", session))

	checkpoints, err := store.LoadCheckpoints(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, 1, checkpoints[0].Number)
	assert.Equal(t, 2, checkpoints[1].Number)

	// The first pass covers messages 1..4; the second starts at message 5,
	// the first one the earlier pass left in the tail.
	assert.Equal(t, original[0].ID, checkpoints[0].FromMessageID)
	assert.Equal(t, original[3].ID, checkpoints[0].ToMessageID)
	assert.Equal(t, original[4].ID, checkpoints[1].FromMessageID)
}

func TestMergeOldestWhenCapExceeded(t *testing.T) {
	store := newMemStore()
	summarizer := &stubSummarizer{}
	c := New(store, summarizer, factory.ModelInfo{ID: "stub"}, cost.NewController(0), Config{KeepRecent: 1, MaxCheckpoints: 2})

	session := sessionWithMessages(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Compact(context.Background(), "sess-1", session))
		session.AddMessage(types.Message{ID: uuid.NewString(), Role: "user", Content: "more", Timestamp: time.Now()})
		session.AddMessage(types.Message{ID: uuid.NewString(), Role: "user", Content: "more2", Timestamp: time.Now()})
	}

	checkpoints, err := store.LoadCheckpoints(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(checkpoints), 2)
}

func TestBuildContextIncludesLatestCheckpointAndTail(t *testing.T) {
	store := newMemStore()
	summarizer := &stubSummarizer{}
	c := New(store, summarizer, factory.ModelInfo{ID: "stub"}, cost.NewController(0), Config{KeepRecent: 2})

	session := sessionWithMessages(5)
	require.NoError(t, c.Compact(context.Background(), "sess-1", session))

	ctx, err := c.BuildContext(context.Background(), "sess-1", "you are ali", session, "what now?")
	require.NoError(t, err)
	assert.Contains(t, ctx, "you are ali")
	assert.Contains(t, ctx, "Summary of earlier conversation")
	assert.Contains(t, ctx, "what now?")
}
