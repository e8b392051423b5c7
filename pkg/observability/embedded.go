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

package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "github.com/ali-kernel/ali/internal/sqlitedriver"
)

// EmbeddedConfig configures the in-process tracer.
type EmbeddedConfig struct {
	// SQLitePath, when non-empty, makes Flush persist completed spans
	// and metrics to this database. Empty keeps everything in memory.
	SQLitePath string

	// MaxSpans bounds the in-memory ring of completed spans (default
	// 10000). The oldest spans are dropped first.
	MaxSpans int

	Logger *zap.Logger
}

// MetricPoint is one recorded metric sample.
type MetricPoint struct {
	Timestamp time.Time
	Name      string
	Value     float64
	Labels    map[string]string
}

// EmbeddedTracer keeps completed spans and metric points in a bounded
// in-memory buffer and, when configured with a SQLite path, persists them
// on Flush. It has no network exporter.
type EmbeddedTracer struct {
	mu      sync.Mutex
	spans   []*Span
	metrics []MetricPoint

	maxSpans int
	db       *sql.DB
	logger   *zap.Logger
}

// NewEmbeddedTracer creates an embedded tracer. When a path is configured
// the database is opened and its schema created here.
func NewEmbeddedTracer(cfg EmbeddedConfig) (*EmbeddedTracer, error) {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &EmbeddedTracer{maxSpans: cfg.MaxSpans, logger: logger}

	if cfg.SQLitePath != "" {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("observability: open %s: %w", cfg.SQLitePath, err)
		}
		if err := createTraceSchema(db); err != nil {
			db.Close()
			return nil, err
		}
		t.db = db
	}
	return t, nil
}

func createTraceSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS spans (
	span_id    TEXT PRIMARY KEY,
	trace_id   TEXT NOT NULL,
	parent_id  TEXT,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	duration_us INTEGER NOT NULL,
	attributes TEXT
);
CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id);
CREATE TABLE IF NOT EXISTS metrics (
	recorded_at INTEGER NOT NULL,
	name        TEXT NOT NULL,
	value       REAL NOT NULL,
	labels      TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics(name, recorded_at);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("observability: create schema: %w", err)
	}
	return nil
}

// StartSpan creates a span linked to any parent in ctx.
func (t *EmbeddedTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	span := &Span{
		SpanID:    uuid.NewString(),
		Name:      name,
		StartTime: time.Now(),
	}
	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	} else {
		span.TraceID = uuid.NewString()
	}
	for _, opt := range opts {
		opt(span)
	}
	return ContextWithSpan(ctx, span), span
}

// EndSpan stamps duration and appends the span to the ring.
func (t *EmbeddedTracer) EndSpan(span *Span) {
	if span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if span.Status.Code == StatusUnset {
		span.Status.Code = StatusOK
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = append(t.spans, span)
	if overflow := len(t.spans) - t.maxSpans; overflow > 0 {
		t.spans = t.spans[overflow:]
	}
}

// RecordMetric appends a metric point.
func (t *EmbeddedTracer) RecordMetric(name string, value float64, labels map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = append(t.metrics, MetricPoint{
		Timestamp: time.Now(),
		Name:      name,
		Value:     value,
		Labels:    labels,
	})
}

// RecordEvent attaches the event to the current span if one is in ctx,
// otherwise records it as a zero-valued metric point for visibility.
func (t *EmbeddedTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	if span := SpanFromContext(ctx); span != nil {
		span.AddEvent(name, attributes)
		return
	}
	t.RecordMetric("event."+name, 0, nil)
}

// Spans returns a copy of the completed-span buffer, oldest first.
func (t *EmbeddedTracer) Spans() []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Span, len(t.spans))
	copy(out, t.spans)
	return out
}

// Metrics returns a copy of the buffered metric points.
func (t *EmbeddedTracer) Metrics() []MetricPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MetricPoint, len(t.metrics))
	copy(out, t.metrics)
	return out
}

// Flush writes buffered spans and metrics to SQLite and clears both
// buffers. Without a configured database it does nothing.
func (t *EmbeddedTracer) Flush(ctx context.Context) error {
	if t.db == nil {
		return nil
	}

	t.mu.Lock()
	spans := t.spans
	metrics := t.metrics
	t.spans = nil
	t.metrics = nil
	t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("observability: begin flush: %w", err)
	}
	defer tx.Rollback()

	for _, s := range spans {
		attrs, _ := json.Marshal(s.Attributes)
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO spans(span_id, trace_id, parent_id, name, status, started_at, duration_us, attributes)
			 VALUES(?,?,?,?,?,?,?,?)`,
			s.SpanID, s.TraceID, s.ParentID, s.Name, s.Status.Code.String(),
			s.StartTime.UnixMicro(), s.Duration.Microseconds(), string(attrs)); err != nil {
			return fmt.Errorf("observability: flush span: %w", err)
		}
	}
	for _, m := range metrics {
		labels, _ := json.Marshal(m.Labels)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metrics(recorded_at, name, value, labels) VALUES(?,?,?,?)`,
			m.Timestamp.UnixMicro(), m.Name, m.Value, string(labels)); err != nil {
			return fmt.Errorf("observability: flush metric: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("observability: commit flush: %w", err)
	}
	t.logger.Debug("traces flushed",
		zap.Int("spans", len(spans)),
		zap.Int("metrics", len(metrics)))
	return nil
}

// Close flushes and releases the SQLite handle if any.
func (t *EmbeddedTracer) Close() error {
	if err := t.Flush(context.Background()); err != nil {
		return err
	}
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}
