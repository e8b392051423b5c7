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

// Package compactor keeps a conversation inside its token budget: it
// watches a
// session's estimated token footprint, and once it crosses a configured
// threshold, folds everything but the most recent messages into a
// persisted Checkpoint summary produced by a cheap summarizer model.
// BuildContext then reassembles (system + latest checkpoint + uncompacted
// tail + new input) for the next provider call.
//
// The memory model is two-tier: a hot uncompacted tail of recent
// messages over a chain of compressed checkpoint summaries. Summaries
// come from a direct types.LLMProvider summarizer call costed through
// pkg/cost.
package compactor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ali-kernel/ali/internal/log"
	"github.com/ali-kernel/ali/pkg/cost"
	"github.com/ali-kernel/ali/pkg/llm"
	"github.com/ali-kernel/ali/pkg/llm/factory"
	"github.com/ali-kernel/ali/pkg/shuttle"
	"github.com/ali-kernel/ali/pkg/types"
)

// Store is the subset of pkg/persistence's Store the compactor depends on.
type Store interface {
	LoadMessageRange(ctx context.Context, sessionID, fromID, toID string) ([]types.Message, error)
	SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error
	LoadCheckpoints(ctx context.Context, sessionID string) ([]types.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, sessionID string, number int) error
}

// Config tunes the compaction thresholds, each defaulted in New.
type Config struct {
	TokenThreshold      int // trigger compaction once estimated tokens exceed this (default 80_000)
	KeepRecent          int // most recent messages always left uncompacted (default 10)
	MaxCheckpoints      int // checkpoints per session before the two oldest merge (default 5)
	SummaryBudgetTokens int // summary output budget (default 500); not passed to the summarizer call, whose output length is set by the provider
}

func (c Config) withDefaults() Config {
	if c.TokenThreshold <= 0 {
		c.TokenThreshold = 80_000
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = 10
	}
	if c.MaxCheckpoints <= 0 {
		c.MaxCheckpoints = 5
	}
	if c.SummaryBudgetTokens <= 0 {
		c.SummaryBudgetTokens = 500
	}
	return c
}

// Compactor is the process-wide context compactor.
type Compactor struct {
	store      Store
	summarizer types.LLMProvider
	model      factory.ModelInfo
	costCtl    *cost.Controller
	cfg        Config
	tokenizer  *llm.Tokenizer
}

// New constructs a Compactor. summarizer and model describe the cheap
// model used to produce checkpoint summaries.
func New(store Store, summarizer types.LLMProvider, model factory.ModelInfo, costCtl *cost.Controller, cfg Config) *Compactor {
	return &Compactor{
		store:      store,
		summarizer: summarizer,
		model:      model,
		costCtl:    costCtl,
		cfg:        cfg.withDefaults(),
		tokenizer:  llm.DefaultTokenizer(),
	}
}

// EstimateTokens sums the tokenizer's estimate across every message
// currently held in session, used both by ShouldCompact and by callers
// deciding whether a turn needs compaction before the next provider call.
func (c *Compactor) EstimateTokens(session *types.Session) int {
	total := 0
	for _, m := range session.GetMessages() {
		total += c.tokenizer.EstimateTokens(m.Content)
	}
	return total
}

// ShouldCompact reports whether the session's estimated token footprint
// exceeds the configured threshold.
func (c *Compactor) ShouldCompact(session *types.Session) bool {
	return c.EstimateTokens(session) > c.cfg.TokenThreshold
}

// Compact runs one compaction pass: summarizes every message but the most
// recent KeepRecent, persists a Checkpoint, and replaces the session's
// message list with just the uncompacted tail. A no-op if there are not
// more than KeepRecent messages to begin with.
func (c *Compactor) Compact(ctx context.Context, sessionID string, session *types.Session) error {
	messages := session.GetMessages()
	if len(messages) <= c.cfg.KeepRecent {
		return nil
	}

	splitAt := len(messages) - c.cfg.KeepRecent
	toCompact := messages[:splitAt]
	tail := messages[splitAt:]

	summary, usage, err := c.summarize(ctx, toCompact)
	if err != nil {
		return fmt.Errorf("compactor: summarize: %w", err)
	}

	costUSD := 0.0
	if c.costCtl != nil {
		costUSD = c.costCtl.RecordUsage(c.model, usage.InputTokens, usage.OutputTokens, 0)
	}

	originalTokens := 0
	for _, m := range toCompact {
		originalTokens += c.tokenizer.EstimateTokens(m.Content)
	}

	checkpoints, err := c.store.LoadCheckpoints(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("compactor: load checkpoints: %w", err)
	}
	number := 1
	if len(checkpoints) > 0 {
		number = checkpoints[len(checkpoints)-1].Number + 1
	}

	cp := types.Checkpoint{
		SessionID:        sessionID,
		Number:           number,
		FromMessageID:    toCompact[0].ID,
		ToMessageID:      toCompact[len(toCompact)-1].ID,
		Summary:          summary,
		OriginalTokens:   originalTokens,
		CompressedTokens: c.tokenizer.EstimateTokens(summary),
		CostUSD:          costUSD,
		CreatedAt:        time.Now(),
	}
	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("compactor: save checkpoint: %w", err)
	}

	if len(checkpoints)+1 > c.cfg.MaxCheckpoints {
		if err := c.mergeOldest(ctx, sessionID); err != nil {
			log.Warn("compactor: merge oldest checkpoints failed", zap.Error(err))
		}
	}

	session.ReplaceMessages(tail)
	log.Info("compactor: compacted session",
		zap.String("session_id", sessionID),
		zap.Int("messages_compressed", len(toCompact)),
		zap.Int("checkpoint_num", number))
	return nil
}

// mergeOldest collapses the two oldest checkpoints of a session into one,
// keeping checkpoint numbering monotonic and the range contiguous, once the
// per-session cap is exceeded. The merge is a plain
// concatenation rather than a second summarization pass, since the two
// summaries are already compressed text.
func (c *Compactor) mergeOldest(ctx context.Context, sessionID string) error {
	checkpoints, err := c.store.LoadCheckpoints(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(checkpoints) < 2 {
		return nil
	}
	oldest, second := checkpoints[0], checkpoints[1]

	merged := types.Checkpoint{
		SessionID:        sessionID,
		Number:           oldest.Number,
		FromMessageID:    oldest.FromMessageID,
		ToMessageID:      second.ToMessageID,
		Summary:          oldest.Summary + "\n\n" + second.Summary,
		OriginalTokens:   oldest.OriginalTokens + second.OriginalTokens,
		CompressedTokens: oldest.CompressedTokens + second.CompressedTokens,
		CostUSD:          oldest.CostUSD + second.CostUSD,
		CreatedAt:        second.CreatedAt,
	}
	if err := c.store.DeleteCheckpoint(ctx, sessionID, second.Number); err != nil {
		return err
	}
	if err := c.store.DeleteCheckpoint(ctx, sessionID, oldest.Number); err != nil {
		return err
	}
	return c.store.SaveCheckpoint(ctx, merged)
}

const summarizerSystemPrompt = `You are a conversation summarizer. Compress the following ` +
	`exchange into a short summary plus a bulleted list of key facts. Be concise and preserve ` +
	`names, numbers, and decisions verbatim.`

// summarize calls the cheap summarizer model over a bounded range of
// messages, returning its text and the usage the caller charges.
func (c *Compactor) summarize(ctx context.Context, messages []types.Message) (string, types.Usage, error) {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	req := []types.Message{
		{ID: uuid.NewString(), Role: "user", Content: b.String(), Timestamp: time.Now()},
	}

	var resp *types.LLMResponse
	err := llm.Do(ctx, llm.DefaultRetryPolicy(), func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.summarizer.Chat(ctx, append([]types.Message{
			{ID: uuid.NewString(), Role: "system", Content: summarizerSystemPrompt, Timestamp: time.Now()},
		}, req...), []shuttle.Tool{})
		return callErr
	})
	if err != nil {
		return "", types.Usage{}, err
	}
	return resp.Content, resp.Usage, nil
}

// BuildContext assembles the next provider call's context:
// system prompt, the latest checkpoint's summary (if any), the uncompacted
// tail currently held in session, and the new user input.
func (c *Compactor) BuildContext(ctx context.Context, sessionID, systemPrompt string, session *types.Session, userInput string) (string, error) {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}

	checkpoints, err := c.store.LoadCheckpoints(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("compactor: load checkpoints: %w", err)
	}
	if len(checkpoints) > 0 {
		latest := checkpoints[len(checkpoints)-1]
		b.WriteString("Summary of earlier conversation:\n")
		b.WriteString(latest.Summary)
		b.WriteString("\n\n")
	}

	for _, m := range session.GetMessages() {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	b.WriteString("\nuser: ")
	b.WriteString(userInput)
	return b.String(), nil
}
