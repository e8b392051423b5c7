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

// Package bus is the in-process message bus: every agent has a FIFO
// pending queue, messages thread via ParentID, and delivery can be
// synchronous (Send/Broadcast, pulled via GetPending) or asynchronous
// (SendAsync with a completion callback).
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ali-kernel/ali/internal/log"
	"github.com/ali-kernel/ali/pkg/observability"
	"github.com/ali-kernel/ali/pkg/types"
)

const (
	spanBusSend      = "bus.send"
	spanBusBroadcast = "bus.broadcast"
)

// Bus is the process-wide message bus singleton.
type Bus struct {
	mu      sync.RWMutex
	pending map[string][]types.BusMessage // recipient id -> FIFO queue
	all     []types.BusMessage            // full history, for GetThread reconstruction

	nextID atomic.Int64

	tracer observability.Tracer
	logger *zap.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
}

// New constructs a Bus. tracer may be nil (defaults to a no-op).
func New(tracer observability.Tracer) *Bus {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Bus{
		pending: make(map[string][]types.BusMessage),
		tracer:  tracer,
		logger:  log.Logger(),
	}
}

func (b *Bus) assignID(msg *types.BusMessage) {
	if msg.ID == 0 {
		msg.ID = b.nextID.Add(1)
	}
}

// Send delivers msg to a single recipient's pending queue. RecipientID must
// be non-empty; use Broadcast for fan-out.
func (b *Bus) Send(ctx context.Context, msg types.BusMessage) (types.BusMessage, error) {
	if msg.RecipientID == "" {
		return msg, fmt.Errorf("bus: Send requires a RecipientID, use Broadcast")
	}
	_, span := b.tracer.StartSpan(ctx, spanBusSend)
	defer b.tracer.EndSpan(span)

	b.mu.Lock()
	b.assignID(&msg)
	b.pending[msg.RecipientID] = append(b.pending[msg.RecipientID], msg)
	b.all = append(b.all, msg)
	b.mu.Unlock()

	b.delivered.Add(1)
	return msg, nil
}

// Broadcast delivers msg to each of recipients plus the shared history;
// RecipientID is forced to "" on the stored record.
func (b *Bus) Broadcast(ctx context.Context, msg types.BusMessage, recipients []string) (types.BusMessage, error) {
	_, span := b.tracer.StartSpan(ctx, spanBusBroadcast)
	defer b.tracer.EndSpan(span)

	msg.RecipientID = ""
	b.mu.Lock()
	b.assignID(&msg)
	for _, r := range recipients {
		copy := msg
		copy.RecipientID = r
		b.pending[r] = append(b.pending[r], copy)
	}
	b.all = append(b.all, msg)
	b.mu.Unlock()

	b.delivered.Add(int64(len(recipients)))
	return msg, nil
}

// GetPending drains and returns every message queued for recipient, FIFO.
func (b *Bus) GetPending(recipientID string) []types.BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending[recipientID]
	delete(b.pending, recipientID)
	return out
}

// PeekPending returns the queued messages for recipient without draining.
func (b *Bus) PeekPending(recipientID string) []types.BusMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.BusMessage, len(b.pending[recipientID]))
	copy(out, b.pending[recipientID])
	return out
}

// SendAsync delivers msg in a new goroutine and invokes onDelivered (if
// non-nil) once the send completes, with the assigned message or an error.
func (b *Bus) SendAsync(ctx context.Context, msg types.BusMessage, onDelivered func(types.BusMessage, error)) {
	go func() {
		sent, err := b.Send(ctx, msg)
		if err != nil {
			b.dropped.Add(1)
			b.logger.Warn("bus: async send failed", zap.Error(err))
		}
		if onDelivered != nil {
			onDelivered(sent, err)
		}
	}()
}

// GetThread reconstructs the full parent chain (oldest first) ending at
// leafID by following ParentID links through the bus's history.
func (b *Bus) GetThread(leafID int64) []types.BusMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byID := make(map[int64]types.BusMessage, len(b.all))
	for _, m := range b.all {
		byID[m.ID] = m
	}

	var chain []types.BusMessage
	cur, ok := byID[leafID]
	for ok {
		chain = append(chain, cur)
		if cur.ParentID == 0 {
			break
		}
		cur, ok = byID[cur.ParentID]
	}
	// chain was built leaf-to-root; reverse to oldest-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Stats returns lifetime delivered/dropped counters.
func (b *Bus) Stats() (delivered, dropped int64) {
	return b.delivered.Load(), b.dropped.Load()
}
