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

// Package persistence is the primary SQLite-backed store: sessions, messages, agents, preferences, cost rollups, memories,
// checkpoints and the semantic graph's durable mirror. It opens one
// database handle per process, in WAL mode, with every write serialized
// behind a single mutex so readers never see SQLite BUSY churn.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/ali-kernel/ali/internal/sqlitedriver" // registers "sqlite3"
	"github.com/ali-kernel/ali/internal/log"
	"github.com/ali-kernel/ali/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_name TEXT,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	total_cost REAL NOT NULL DEFAULT 0,
	total_messages INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT,
	timestamp INTEGER NOT NULL,
	parent_id TEXT,
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

CREATE TABLE IF NOT EXISTS agents (
	name TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	system_prompt TEXT,
	context TEXT,
	color TEXT,
	tools_json TEXT
);

CREATE TABLE IF NOT EXISTS preferences (
	key TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS cost_daily (
	date TEXT PRIMARY KEY,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	calls INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	importance REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content, content='memories', content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	checkpoint_num INTEGER NOT NULL,
	from_msg_id TEXT,
	to_msg_id TEXT,
	messages_compressed INTEGER NOT NULL DEFAULT 0,
	summary TEXT,
	key_facts TEXT,
	original_tokens INTEGER NOT NULL DEFAULT 0,
	compressed_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, checkpoint_num)
);

CREATE TABLE IF NOT EXISTS semantic_nodes (
	id INTEGER PRIMARY KEY,
	type INTEGER NOT NULL,
	essence TEXT,
	embedding_blob BLOB,
	creator_id INTEGER,
	context_id INTEGER,
	importance REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS semantic_relations (
	from_id INTEGER NOT NULL,
	to_id INTEGER NOT NULL,
	strength REAL NOT NULL,
	relation_type TEXT,
	PRIMARY KEY (from_id, to_id)
);
`

// Store is the primary persistence handle. Safe for concurrent use: writes
// are serialized through mu, reads proceed concurrently via WAL.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if needed) and opens the primary database at path, in WAL
// mode, and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// ----------------------------------------------------------------------
// Sessions
// ----------------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, id, userName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_name, started_at, total_cost, total_messages) VALUES (?, ?, ?, 0, 0)`,
		id, userName, time.Now().UnixMilli())
	return err
}

func (s *Store) EndSession(ctx context.Context, id string, totalCost float64, totalMessages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, total_cost = ?, total_messages = ? WHERE id = ?`,
		time.Now().UnixMilli(), totalCost, totalMessages, id)
	return err
}

// ----------------------------------------------------------------------
// Messages
// ----------------------------------------------------------------------

// SaveMessage persists a message. Message inserts for one
// session are serialized by mu so the row order matches logical order.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, timestamp, parent_id, tokens_in, tokens_out)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, msg.Role, msg.Content, msg.Timestamp.UnixMilli(), msg.ParentID, msg.TokenCount, 0)
	return err
}

// LoadRecentMessages returns up to limit most recent messages for a
// session, oldest first, preserving content/role/timestamp/parent linkage.
func (s *Store) LoadRecentMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, timestamp, parent_id, tokens_in FROM messages
		 WHERE session_id = ? ORDER BY rowid DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		var tsMilli int64
		var parentID sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &tsMilli, &parentID, &m.TokenCount); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(tsMilli)
		m.ParentID = parentID.String
		out = append(out, m)
	}
	// reverse to ascending order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// LoadMessageRange returns messages with ids in [fromID, toID] inclusive,
// ordered ascending, used by the Context Compactor.
func (s *Store) LoadMessageRange(ctx context.Context, sessionID, fromID, toID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, timestamp, parent_id, tokens_in FROM messages
		 WHERE session_id = ? AND id >= ? AND id <= ? ORDER BY id ASC`, sessionID, fromID, toID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		var tsMilli int64
		var parentID sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &tsMilli, &parentID, &m.TokenCount); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(tsMilli)
		m.ParentID = parentID.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------
// Agents
// ----------------------------------------------------------------------

func (s *Store) UpsertAgent(ctx context.Context, name, role, systemPrompt, agentContext, color, toolsJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, role, system_prompt, context, color, tools_json) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET role=excluded.role, system_prompt=excluded.system_prompt,
			context=excluded.context, color=excluded.color, tools_json=excluded.tools_json`,
		name, role, systemPrompt, agentContext, color, toolsJSON)
	return err
}

// AgentRow is one persisted agent definition.
type AgentRow struct {
	Name, Role, SystemPrompt, Context, Color, ToolsJSON string
}

func (s *Store) LoadAgents(ctx context.Context) ([]AgentRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, role, system_prompt, context, color, tools_json FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentRow
	for rows.Next() {
		var r AgentRow
		if err := rows.Scan(&r.Name, &r.Role, &r.SystemPrompt, &r.Context, &r.Color, &r.ToolsJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------
// Preferences
// ----------------------------------------------------------------------

func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return err
}

func (s *Store) GetPreference(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// ----------------------------------------------------------------------
// Cost rollups — satisfies cost.RollupSink
// ----------------------------------------------------------------------

func (s *Store) UpsertDailyRollup(date string, inputTokens, outputTokens int64, costUSD float64, calls int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO cost_daily (date, input_tokens, output_tokens, cost, calls) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cost = cost + excluded.cost,
			calls = calls + excluded.calls`,
		date, inputTokens, outputTokens, costUSD, calls)
	if err != nil {
		log.Error("persistence: upsert daily rollup failed", zap.Error(err))
	}
	return err
}

// ----------------------------------------------------------------------
// Memories (full-text search)
// ----------------------------------------------------------------------

// Memory is one durable fact extracted by the agent or recorded by a user.
type Memory struct {
	ID         string
	Content    string
	Importance float64
	CreatedAt  time.Time
}

func (s *Store) SaveMemory(ctx context.Context, m Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, content, importance, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, m.Content, m.Importance, m.CreatedAt.UnixMilli())
	return err
}

// SearchMemories runs a full-text query over memory content via the fts5
// shadow table, ranked by match quality then importance.
func (s *Store) SearchMemories(ctx context.Context, query string, limit int) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.content, m.importance, m.created_at FROM memories m
		 JOIN memories_fts f ON f.rowid = m.rowid
		 WHERE memories_fts MATCH ?
		 ORDER BY f.rank, m.importance DESC LIMIT ?`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Content, &m.Importance, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------
// Checkpoints
// ----------------------------------------------------------------------

func (s *Store) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, checkpoint_num, from_msg_id, to_msg_id, messages_compressed,
			summary, key_facts, original_tokens, compressed_tokens, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.SessionID, cp.Number, cp.FromMessageID, cp.ToMessageID, 0,
		cp.Summary, "", cp.OriginalTokens, cp.CompressedTokens, cp.CostUSD, cp.CreatedAt.UnixMilli())
	return err
}

// LoadCheckpoints returns every checkpoint for a session, ordered by
// checkpoint number ascending (ranges are non-overlapping and strictly
// increasing).
func (s *Store) LoadCheckpoints(ctx context.Context, sessionID string) ([]types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_num, from_msg_id, to_msg_id, summary, original_tokens, compressed_tokens, cost, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY checkpoint_num ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Checkpoint
	for rows.Next() {
		var cp types.Checkpoint
		var createdAt int64
		cp.SessionID = sessionID
		if err := rows.Scan(&cp.Number, &cp.FromMessageID, &cp.ToMessageID, &cp.Summary,
			&cp.OriginalTokens, &cp.CompressedTokens, &cp.CostUSD, &createdAt); err != nil {
			return nil, err
		}
		cp.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoint removes a single checkpoint row, used when merging the
// two oldest checkpoints once a session hits its checkpoint cap.
func (s *Store) DeleteCheckpoint(ctx context.Context, sessionID string, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE session_id = ? AND checkpoint_num = ?`, sessionID, number)
	return err
}

// ----------------------------------------------------------------------
// Semantic graph write-through
// ----------------------------------------------------------------------

func (s *Store) SaveSemanticNode(ctx context.Context, n *types.SemanticNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob := n.Embedding.Bytes()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO semantic_nodes (id, type, essence, embedding_blob, creator_id, context_id, importance, created_at, last_accessed, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET essence=excluded.essence, embedding_blob=excluded.embedding_blob,
			last_accessed=excluded.last_accessed, access_count=excluded.access_count`,
		int64(n.ID), int(n.ID.Tag()), n.Essence, blob, int64(n.CreatorID), int64(n.ContextID),
		0.0, n.CreatedAt.UnixMilli(), n.LastAccessed.UnixMilli(), n.AccessCount)
	return err
}

func (s *Store) LoadSemanticNode(ctx context.Context, id types.SemanticId) (*types.SemanticNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT essence, embedding_blob, creator_id, context_id, created_at, last_accessed, access_count
		 FROM semantic_nodes WHERE id = ?`, int64(id))

	var n types.SemanticNode
	n.ID = id
	var blob []byte
	var creatorID, contextID int64
	var createdAt, lastAccessed int64
	if err := row.Scan(&n.Essence, &blob, &creatorID, &contextID, &createdAt, &lastAccessed, &n.AccessCount); err != nil {
		return nil, err
	}
	n.Embedding = types.EmbeddingFromBytes(blob)
	n.CreatorID = types.SemanticId(creatorID)
	n.ContextID = types.SemanticId(contextID)
	n.CreatedAt = time.UnixMilli(createdAt)
	n.LastAccessed = time.UnixMilli(lastAccessed)

	rels, err := s.loadRelations(ctx, id)
	if err != nil {
		return nil, err
	}
	n.Relations = rels
	return &n, nil
}

func (s *Store) loadRelations(ctx context.Context, from types.SemanticId) ([]types.Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT to_id, strength FROM semantic_relations WHERE from_id = ?`, int64(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Relation
	for rows.Next() {
		var toID int64
		var strength float64
		if err := rows.Scan(&toID, &strength); err != nil {
			return nil, err
		}
		out = append(out, types.Relation{NeighborID: types.SemanticId(toID), Strength: float32(strength)})
	}
	return out, rows.Err()
}

// SaveSemanticRelation idempotently upserts an edge (duplicate
// edges update strength rather than duplicating).
func (s *Store) SaveSemanticRelation(ctx context.Context, from, to types.SemanticId, strength float32, relationType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO semantic_relations (from_id, to_id, strength, relation_type) VALUES (?, ?, ?, ?)
		 ON CONFLICT(from_id, to_id) DO UPDATE SET strength=excluded.strength, relation_type=excluded.relation_type`,
		int64(from), int64(to), strength, relationType)
	return err
}
