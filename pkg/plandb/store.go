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

// Package plandb is the durable execution-plan store: a
// separate SQLite database (plans.db) holding plans and tasks, with an
// atomic claim/complete/fail transition protocol so multiple workers can
// coordinate over the same task set without double-executing a task.
package plandb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/ali-kernel/ali/internal/sqlitedriver" // registers "sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	description TEXT,
	context TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	result TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	description TEXT,
	assigned_agent TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	parent_task_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	output TEXT,
	error TEXT,
	blocked_by TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(plan_id, priority DESC, created_at ASC);
`

// Status is a plan or task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusWaiting    Status = "waiting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ClaimResult is the outcome of a ClaimTask attempt.
type ClaimResult string

const (
	ClaimOK   ClaimResult = "ok"
	ClaimBusy ClaimResult = "busy"
)

// Task mirrors one row of the tasks table.
type Task struct {
	ID            string
	PlanID        string
	Description   string
	AssignedAgent string
	Priority      int
	ParentTaskID  string
	Status        Status
	Output        string
	Error         string
	BlockedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the plan DB handle. Plan/task creation and status transitions
// are serialized by mu. ClaimTask does not take mu; it relies on the
// UPDATE...WHERE CAS for cross-process/goroutine safety.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the plan database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("plandb: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("plandb: busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("plandb: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreatePlan inserts a new plan and returns its id.
func (s *Store) CreatePlan(ctx context.Context, description, planContext string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (id, description, context, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, description, planContext, StatusPending, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// AddTask inserts a new task under a plan. agentID may be empty (unassigned).
func (s *Store) AddTask(ctx context.Context, planID, description, agentID string, priority int, parentTaskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, plan_id, description, assigned_agent, priority, parent_task_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, planID, description, agentID, priority, parentTaskID, StatusPending, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClaimTask atomically transitions a task from pending to in_progress,
// assigning it to agent. Exactly one caller wins a race on the same
// task: the UPDATE's WHERE clause only matches a row
// still in status='pending', so a concurrent claim affects zero rows and
// reports ClaimBusy without ever observing a partially-claimed task.
func (s *Store) ClaimTask(ctx context.Context, taskID, agentID string) (ClaimResult, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_agent = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusInProgress, agentID, time.Now().UnixMilli(), taskID, StatusPending)
	if err != nil {
		return ClaimBusy, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ClaimBusy, err
	}
	if n == 0 {
		return ClaimBusy, nil
	}
	return ClaimOK, nil
}

// CompleteTask transitions a task to completed with its output.
func (s *Store) CompleteTask(ctx context.Context, taskID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, output = ?, updated_at = ? WHERE id = ?`,
		StatusCompleted, output, time.Now().UnixMilli(), taskID)
	return err
}

// FailTask transitions a task to failed with an error message.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, errMsg, time.Now().UnixMilli(), taskID)
	return err
}

// BlockTask marks a task as waiting on another task's completion.
func (s *Store) BlockTask(ctx context.Context, taskID, blockedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, blocked_by = ?, updated_at = ? WHERE id = ?`,
		StatusWaiting, blockedBy, time.Now().UnixMilli(), taskID)
	return err
}

// GetNextTask returns the highest-priority task that is either unassigned
// or assigned to agent and still pending, breaking ties by creation order.
func (s *Store) GetNextTask(ctx context.Context, planID, agentID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, description, assigned_agent, priority, parent_task_id, status, output, error, blocked_by, created_at, updated_at
		 FROM tasks WHERE plan_id = ? AND status = ? AND (assigned_agent = '' OR assigned_agent IS NULL OR assigned_agent = ?)
		 ORDER BY priority DESC, created_at ASC LIMIT 1`,
		planID, StatusPending, agentID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var status string
	var createdAt, updatedAt int64
	var assigned, parentID, output, errMsg, blockedBy sql.NullString
	if err := row.Scan(&t.ID, &t.PlanID, &t.Description, &assigned, &t.Priority, &parentID, &status,
		&output, &errMsg, &blockedBy, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.AssignedAgent = assigned.String
	t.ParentTaskID = parentID.String
	t.Output = output.String
	t.Error = errMsg.String
	t.BlockedBy = blockedBy.String
	t.Status = Status(status)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

// Tasks returns every task belonging to a plan.
func (s *Store) Tasks(ctx context.Context, planID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, description, assigned_agent, priority, parent_task_id, status, output, error, blocked_by, created_at, updated_at
		 FROM tasks WHERE plan_id = ? ORDER BY priority DESC, created_at ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var status string
		var createdAt, updatedAt int64
		var assigned, parentID, output, errMsg, blockedBy sql.NullString
		if err := rows.Scan(&t.ID, &t.PlanID, &t.Description, &assigned, &t.Priority, &parentID, &status,
			&output, &errMsg, &blockedBy, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.AssignedAgent = assigned.String
		t.ParentTaskID = parentID.String
		t.Output = output.String
		t.Error = errMsg.String
		t.BlockedBy = blockedBy.String
		t.Status = Status(status)
		t.CreatedAt = time.UnixMilli(createdAt)
		t.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RefreshPlanStatus derives and persists the plan's status from its
// tasks: pending while any task is neither completed nor failed; once
// every task is terminal, failed if any task failed, else completed.
func (s *Store) RefreshPlanStatus(ctx context.Context, planID string) (Status, error) {
	tasks, err := s.Tasks(ctx, planID)
	if err != nil {
		return "", err
	}
	status := StatusCompleted
	anyFailed := false
	for _, t := range tasks {
		if t.Status != StatusCompleted && t.Status != StatusFailed {
			status = StatusPending
		}
		if t.Status == StatusFailed {
			anyFailed = true
		}
	}
	if status == StatusCompleted && anyFailed {
		status = StatusFailed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), planID)
	return status, err
}

// SetPlanResult stores the plan's final synthesized result text.
func (s *Store) SetPlanResult(ctx context.Context, planID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE plans SET result = ?, updated_at = ? WHERE id = ?`,
		result, time.Now().UnixMilli(), planID)
	return err
}

// PlanStatus returns the current persisted status for a plan.
func (s *Store) PlanStatus(ctx context.Context, planID string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM plans WHERE id = ?`, planID).Scan(&status)
	if err != nil {
		return "", err
	}
	return Status(status), nil
}
