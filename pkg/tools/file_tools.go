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

// Package tools provides the built-in shuttle tools agents ship with:
// sandboxed file access guarded by the advisory lock manager, so two
// agents running in parallel never interleave writes to the same file.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ali-kernel/ali/pkg/filelock"
	"github.com/ali-kernel/ali/pkg/shuttle"
	"github.com/ali-kernel/ali/pkg/types"
)

// Sandbox is the set of directories agents may touch. Empty means no
// file access at all; every tool call checks the resolved absolute path
// against the allowed roots.
type Sandbox struct {
	mu   sync.RWMutex
	dirs []string
}

// NewSandbox creates a sandbox over the given root directories.
func NewSandbox(dirs ...string) *Sandbox {
	s := &Sandbox{}
	for _, d := range dirs {
		s.Allow(d)
	}
	return s
}

// Allow adds a directory root. Relative paths are made absolute against
// the current working directory.
func (s *Sandbox) Allow(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.dirs {
		if existing == abs {
			return
		}
	}
	s.dirs = append(s.dirs, abs)
}

// Allowed returns the current roots.
func (s *Sandbox) Allowed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.dirs))
	copy(out, s.dirs)
	return out
}

// Resolve validates that path lies under an allowed root and returns its
// absolute form.
func (s *Sandbox) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("tools: resolve %s: %w", path, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, root := range s.dirs {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("tools: %s is outside the allowed directories (use /allow-dir)", path)
}

const lockWaitMs = 5000

// maxReadBytes bounds what a single read_file call returns, so one tool
// call cannot blow the next provider call's context.
const maxReadBytes = 256 * 1024

// ReadFileTool reads a file under the sandbox, holding a shared read lock
// for the duration of the read.
type ReadFileTool struct {
	sandbox *Sandbox
	locks   *filelock.Manager
	owner   string
}

// WriteFileTool writes a file under the sandbox, holding an exclusive
// write lock for the duration of the write.
type WriteFileTool struct {
	sandbox *Sandbox
	locks   *filelock.Manager
	owner   string
}

// ListDirTool lists a directory under the sandbox. No lock: listings are
// advisory snapshots.
type ListDirTool struct {
	sandbox *Sandbox
}

// NewFileTools builds the file toolset for one agent. owner scopes the
// lock ownership so the deadlock detector can name the culprit.
func NewFileTools(sandbox *Sandbox, locks *filelock.Manager, owner string) []shuttle.Tool {
	return []shuttle.Tool{
		&ReadFileTool{sandbox: sandbox, locks: locks, owner: owner},
		&WriteFileTool{sandbox: sandbox, locks: locks, owner: owner},
		&ListDirTool{sandbox: sandbox},
	}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a text file from an allowed directory." }

func (t *ReadFileTool) InputSchema() *shuttle.JSONSchema {
	return shuttle.NewObjectSchema("read_file parameters",
		map[string]*shuttle.JSONSchema{
			"path": shuttle.NewStringSchema("Path of the file to read"),
		}, []string{"path"})
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]interface{}) (*shuttle.Result, error) {
	started := time.Now()
	path, err := pathParam(params)
	if err != nil {
		return toolFailure("invalid_params", err), nil
	}
	abs, err := t.sandbox.Resolve(path)
	if err != nil {
		return toolFailure("forbidden", err), nil
	}

	handle, err := t.locks.Acquire(abs, types.LockRead, t.owner, lockWaitMs)
	if err != nil {
		return toolFailure("lock", err), nil
	}
	defer t.locks.Release(handle)

	data, err := os.ReadFile(abs)
	if err != nil {
		return toolFailure("io", err), nil
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return &shuttle.Result{
		Success:         true,
		Data:            string(data),
		Metadata:        map[string]interface{}{"path": abs, "truncated": truncated},
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}, nil
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write text to a file in an allowed directory, replacing its contents."
}

func (t *WriteFileTool) InputSchema() *shuttle.JSONSchema {
	return shuttle.NewObjectSchema("write_file parameters",
		map[string]*shuttle.JSONSchema{
			"path":    shuttle.NewStringSchema("Path of the file to write"),
			"content": shuttle.NewStringSchema("Full new contents of the file"),
		}, []string{"path", "content"})
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]interface{}) (*shuttle.Result, error) {
	started := time.Now()
	path, err := pathParam(params)
	if err != nil {
		return toolFailure("invalid_params", err), nil
	}
	content, _ := params["content"].(string)
	abs, err := t.sandbox.Resolve(path)
	if err != nil {
		return toolFailure("forbidden", err), nil
	}

	handle, err := t.locks.Acquire(abs, types.LockWrite, t.owner, lockWaitMs)
	if err != nil {
		return toolFailure("lock", err), nil
	}
	defer t.locks.Release(handle)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return toolFailure("io", err), nil
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return toolFailure("io", err), nil
	}
	return &shuttle.Result{
		Success:         true,
		Data:            fmt.Sprintf("wrote %d bytes", len(content)),
		Metadata:        map[string]interface{}{"path": abs},
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}, nil
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the entries of an allowed directory." }

func (t *ListDirTool) InputSchema() *shuttle.JSONSchema {
	return shuttle.NewObjectSchema("list_dir parameters",
		map[string]*shuttle.JSONSchema{
			"path": shuttle.NewStringSchema("Directory to list"),
		}, []string{"path"})
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]interface{}) (*shuttle.Result, error) {
	started := time.Now()
	path, err := pathParam(params)
	if err != nil {
		return toolFailure("invalid_params", err), nil
	}
	abs, err := t.sandbox.Resolve(path)
	if err != nil {
		return toolFailure("forbidden", err), nil
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return toolFailure("io", err), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return &shuttle.Result{
		Success:         true,
		Data:            names,
		Metadata:        map[string]interface{}{"path": abs},
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}, nil
}

func pathParam(params map[string]interface{}) (string, error) {
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return "", fmt.Errorf("tools: missing required parameter: path")
	}
	return path, nil
}

func toolFailure(code string, err error) *shuttle.Result {
	return &shuttle.Result{
		Success: false,
		Error:   &shuttle.Error{Code: code, Message: err.Error()},
	}
}
