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

// Package filelock implements an advisory file-lock manager:
// read/write/exclusive locks scoped by absolute path, with timeout
// semantics, all-or-nothing batch acquire, and waits-for-graph deadlock
// detection.
package filelock

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ali-kernel/ali/pkg/types"
)

// ErrKind is the typed error taxonomy for lock operations.
type ErrKind string

const (
	ErrBusy     ErrKind = "busy"
	ErrTimeout  ErrKind = "timeout"
	ErrDeadlock ErrKind = "deadlock"
	ErrInvalid  ErrKind = "invalid"
	ErrIO       ErrKind = "io"
	ErrInternal ErrKind = "internal"
)

// LockError is returned by every Manager operation that fails.
type LockError struct {
	Kind    ErrKind
	Message string
}

func (e *LockError) Error() string { return fmt.Sprintf("filelock: %s: %s", e.Kind, e.Message) }

func newErr(kind ErrKind, msg string) *LockError { return &LockError{Kind: kind, Message: msg} }

// Handle is returned by a successful Acquire; callers hold onto it to
// Release, Upgrade, or Downgrade.
type Handle = types.FileLock

type held struct {
	kind      types.LockKind
	ownerID   string
	acquired  time.Time
	expiresAt *time.Time
}

// Manager owns the lock inventory and the waits-for graph used for cycle
// detection. One instance per process.
type Manager struct {
	mu sync.Mutex

	locks map[string][]*held // path -> active holders

	// waitsFor[ownerA] contains ownerB if A is blocked (or about to
	// block) waiting on a lock B holds. Edges persist for the duration
	// of the wait so a later acquirer's cycle probe can see sleeping
	// waiters, and are cleared when the waiter wakes or is granted.
	waitsFor map[string]map[string]bool

	// wake is closed and replaced on every release/reap, waking every
	// blocked acquirer to re-evaluate its conflict set. A channel close
	// is used instead of sync.Cond so bounded waits can select against
	// a deadline timer.
	wake chan struct{}

	lastCycle []string
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		locks:    make(map[string][]*held),
		waitsFor: make(map[string]map[string]bool),
		wake:     make(chan struct{}),
	}
}

// broadcastLocked wakes every blocked acquirer. Callers hold mu.
func (m *Manager) broadcastLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func conflicts(a, b types.LockKind) bool {
	if a == types.LockRead && b == types.LockRead {
		return false
	}
	return true
}

// blockingOwners returns the owners currently holding a conflicting lock on path.
func (m *Manager) blockingOwners(path string, kind types.LockKind, requester string) []string {
	var owners []string
	for _, h := range m.locks[path] {
		if h.ownerID == requester {
			continue
		}
		if conflicts(kind, h.kind) {
			owners = append(owners, h.ownerID)
		}
	}
	return owners
}

// wouldCycle reports whether adding edges requester -> each of blockers
// would close a cycle in the waits-for graph, and if so returns the cycle.
func (m *Manager) wouldCycle(requester string, blockers []string) ([]string, bool) {
	// temporarily add edges, DFS for a cycle back to requester, then undo.
	added := make([]string, 0, len(blockers))
	for _, b := range blockers {
		if b == requester {
			continue
		}
		if m.waitsFor[requester] == nil {
			m.waitsFor[requester] = make(map[string]bool)
		}
		if !m.waitsFor[requester][b] {
			m.waitsFor[requester][b] = true
			added = append(added, b)
		}
	}
	defer func() {
		for _, b := range added {
			delete(m.waitsFor[requester], b)
		}
	}()

	visited := make(map[string]bool)
	var path []string
	var dfs func(node string) []string
	dfs = func(node string) []string {
		if node == requester && len(path) > 0 {
			return append(append([]string{}, path...), node)
		}
		if visited[node] {
			return nil
		}
		visited[node] = true
		path = append(path, node)
		for next := range m.waitsFor[node] {
			if cyc := dfs(next); cyc != nil {
				return cyc
			}
		}
		path = path[:len(path)-1]
		return nil
	}
	for next := range m.waitsFor[requester] {
		if cyc := dfs(next); cyc != nil {
			return cyc, true
		}
	}
	return nil, false
}

// Acquire attempts to take a lock. timeout semantics: 0 = try-lock
// (immediate busy on conflict), -1 = wait forever, positive = bounded wait.
func (m *Manager) Acquire(path string, kind types.LockKind, owner string, timeoutMs int) (*Handle, error) {
	return m.AcquireTimed(path, kind, owner, timeoutMs, 0)
}

// AcquireTimed is Acquire plus an expire_seconds after which the lock is
// eligible for reaper reclamation (0 = never expires).
func (m *Manager) AcquireTimed(path string, kind types.LockKind, owner string, timeoutMs int, expireSeconds int) (*Handle, error) {
	if path == "" || owner == "" {
		return nil, newErr(ErrInvalid, "path and owner are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	deadline, hasDeadline := deadlineFor(timeoutMs)

	for {
		blockers := m.blockingOwners(path, kind, owner)
		if len(blockers) == 0 {
			return m.grantLocked(path, kind, owner, expireSeconds), nil
		}

		if cyc, isCycle := m.wouldCycle(owner, blockers); isCycle {
			m.lastCycle = cyc
			return nil, newErr(ErrDeadlock, fmt.Sprintf("cycle: %v", cyc))
		}

		if timeoutMs == 0 {
			return nil, newErr(ErrBusy, "lock held")
		}

		if hasDeadline && !time.Now().Before(deadline) {
			return nil, newErr(ErrTimeout, "timed out waiting for lock")
		}

		// Record the wait edges so concurrent acquirers can detect a
		// cycle through this sleeping owner, then block until the next
		// release/reap broadcast or the deadline, whichever first.
		m.addWaitEdgesLocked(owner, blockers)
		wake := m.wake
		m.mu.Unlock()

		timedOut := false
		if hasDeadline {
			timer := time.NewTimer(time.Until(deadline))
			select {
			case <-wake:
			case <-timer.C:
				timedOut = true
			}
			timer.Stop()
		} else {
			<-wake
		}

		m.mu.Lock()
		m.clearWaitEdgesLocked(owner)
		if timedOut {
			// Deadlock takes precedence over timeout when both apply.
			if blockers := m.blockingOwners(path, kind, owner); len(blockers) > 0 {
				if cyc, isCycle := m.wouldCycle(owner, blockers); isCycle {
					m.lastCycle = cyc
					return nil, newErr(ErrDeadlock, fmt.Sprintf("cycle: %v", cyc))
				}
			}
			return nil, newErr(ErrTimeout, "timed out waiting for lock")
		}
	}
}

func (m *Manager) addWaitEdgesLocked(owner string, blockers []string) {
	if m.waitsFor[owner] == nil {
		m.waitsFor[owner] = make(map[string]bool)
	}
	for _, b := range blockers {
		if b != owner {
			m.waitsFor[owner][b] = true
		}
	}
}

func (m *Manager) clearWaitEdgesLocked(owner string) {
	delete(m.waitsFor, owner)
}

func deadlineFor(timeoutMs int) (time.Time, bool) {
	if timeoutMs <= 0 {
		return time.Time{}, false
	}
	return time.Now().Add(time.Duration(timeoutMs) * time.Millisecond), true
}

func (m *Manager) grantLocked(path string, kind types.LockKind, owner string, expireSeconds int) *Handle {
	var expiresAt *time.Time
	if expireSeconds > 0 {
		t := time.Now().Add(time.Duration(expireSeconds) * time.Second)
		expiresAt = &t
	}
	h := &held{kind: kind, ownerID: owner, acquired: time.Now(), expiresAt: expiresAt}
	m.locks[path] = append(m.locks[path], h)
	delete(m.waitsFor, owner)
	return &Handle{Path: path, Kind: kind, OwnerID: owner, AcquiredAt: h.acquired, ExpiresAt: expiresAt}
}

// Release drops a held lock. No-op if the handle no longer matches an
// active lock (e.g. already reaped).
func (m *Manager) Release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(h.Path, h.OwnerID, h.Kind)
}

func (m *Manager) releaseLocked(path, owner string, kind types.LockKind) {
	holders := m.locks[path]
	for i, hl := range holders {
		if hl.ownerID == owner && hl.kind == kind {
			m.locks[path] = append(holders[:i], holders[i+1:]...)
			break
		}
	}
	if len(m.locks[path]) == 0 {
		delete(m.locks, path)
	}
	m.broadcastLocked()
}

// Upgrade atomically transitions a read lock to write, honoring its own
// timeout (it may deadlock against another upgrader, same as Acquire).
func (m *Manager) Upgrade(h *Handle, timeoutMs int) (*Handle, error) {
	if h.Kind != types.LockRead {
		return nil, newErr(ErrInvalid, "can only upgrade a read lock")
	}
	// The read hold stays in place while the write is acquired (own holds
	// never block), so no other owner can slip in; on failure it is kept.
	nh, err := m.Acquire(h.Path, types.LockWrite, h.OwnerID, timeoutMs)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.releaseLocked(h.Path, h.OwnerID, types.LockRead)
	m.mu.Unlock()
	return nh, nil
}

// Downgrade atomically transitions a write lock to read. This never blocks:
// read is always compatible with the caller's own former write hold.
func (m *Manager) Downgrade(h *Handle) (*Handle, error) {
	if h.Kind == types.LockRead {
		return h, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(h.Path, h.OwnerID, h.Kind)
	return m.grantLocked(h.Path, types.LockRead, h.OwnerID, 0), nil
}

// AcquireBatch acquires every path in kind mode, all-or-nothing: paths are
// sorted lexicographically first to impose a global acquisition order,
// and if any acquire fails, every handle already taken in this batch
// is released before returning the error.
func (m *Manager) AcquireBatch(paths []string, kind types.LockKind, owner string, timeoutMs int) ([]*Handle, error) {
	sorted := append([]string{}, paths...)
	sort.Strings(sorted)

	var acquired []*Handle
	for _, p := range sorted {
		h, err := m.Acquire(p, kind, owner, timeoutMs)
		if err != nil {
			for _, a := range acquired {
				m.Release(a)
			}
			return nil, err
		}
		acquired = append(acquired, h)
	}
	return acquired, nil
}

// GetDeadlockCycle returns the owners on the most recently detected cycle,
// for diagnostics.
func (m *Manager) GetDeadlockCycle() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.lastCycle...)
}

// GetByOwner returns every lock currently held by owner, across all paths.
func (m *Manager) GetByOwner(owner string) []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Handle
	for path, holders := range m.locks {
		for _, h := range holders {
			if h.ownerID == owner {
				out = append(out, &Handle{Path: path, Kind: h.kind, OwnerID: h.ownerID, AcquiredAt: h.acquired, ExpiresAt: h.expiresAt})
			}
		}
	}
	return out
}

// ReapExpired releases every lock whose expiry has passed, returning the
// count reclaimed. Intended to run periodically or on demand.
func (m *Manager) ReapExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	reaped := 0
	for path, holders := range m.locks {
		kept := holders[:0]
		for _, h := range holders {
			if h.expiresAt != nil && now.After(*h.expiresAt) {
				reaped++
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(m.locks, path)
		} else {
			m.locks[path] = kept
		}
	}
	if reaped > 0 {
		m.broadcastLocked()
	}
	return reaped
}
