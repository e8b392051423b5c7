// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ali-kernel/ali/pkg/llm/factory"
)

var testModel = factory.ModelInfo{ID: "stub", InputCostPerM: 1_000_000, OutputCostPerM: 1_000_000}

// TestCostMonotonicityUnderConcurrency: for any
// interleaving of RecordUsage calls, session spend never decreases and the
// sum of per-agent spends equals aggregate session spend.
func TestCostMonotonicityUnderConcurrency(t *testing.T) {
	c := NewController(0)
	const goroutines = 20
	const callsEach = 50

	var wg sync.WaitGroup
	agents := []string{"a", "b", "c"}
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			agent := agents[g%len(agents)]
			for i := 0; i < callsEach; i++ {
				c.RecordAgentUsage(agent, testModel, 1, 1, 0)
			}
		}(g)
	}
	wg.Wait()

	total := c.SessionSpend()
	var sumAgents float64
	for _, a := range c.TopAgents(-1) {
		sumAgents += a.CostUSD
	}
	assert.InDelta(t, total, sumAgents, 1e-6)
	assert.InDelta(t, float64(goroutines*callsEach)*2, total, 1e-6)
}

func TestBudgetGateLatchesAndClears(t *testing.T) {
	c := NewController(0.01)
	assert.True(t, c.CheckBudget())
	c.RecordUsage(factory.ModelInfo{InputCostPerM: 1, OutputCostPerM: 1}, 6000, 0, 0) // $0.006
	assert.True(t, c.CheckBudget())
	c.RecordUsage(factory.ModelInfo{InputCostPerM: 1, OutputCostPerM: 1}, 6000, 0, 0) // now $0.012 > $0.01
	assert.False(t, c.CheckBudget())
	assert.True(t, c.BudgetExceeded())

	c.ClearBudgetExceeded()
	assert.False(t, c.BudgetExceeded())
}

func TestBudgetStopScenario(t *testing.T) {
	// budget=0.01, stub charges 0.006/call.
	c := NewController(0.01)
	model := factory.ModelInfo{InputCostPerM: 1, OutputCostPerM: 0}
	c.RecordUsage(model, 6000, 0, 0)
	require.True(t, c.CheckBudget())
	assert.InDelta(t, 0.006, c.SessionSpend(), 1e-9)

	assert.False(t, c.CanAfford(model, 1, 6000, 0))
}

func TestTopAgentsOrdering(t *testing.T) {
	c := NewController(0)
	c.RecordAgentUsage("low", testModel, 1, 0, 0)
	c.RecordAgentUsage("high", testModel, 10, 0, 0)
	c.RecordAgentUsage("mid", testModel, 5, 0, 0)

	top := c.TopAgents(2)
	require.Len(t, top, 2)
	assert.Equal(t, "high", top[0].AgentID)
	assert.Equal(t, "mid", top[1].AgentID)
}

type fakeSink struct {
	date  string
	in    int64
	out   int64
	cost  float64
	calls int64
}

func (f *fakeSink) UpsertDailyRollup(date string, inputTokens, outputTokens int64, costUSD float64, calls int64) error {
	f.date, f.in, f.out, f.cost, f.calls = date, inputTokens, outputTokens, costUSD, calls
	return nil
}

func TestFlushDailyRollup(t *testing.T) {
	c := NewController(0)
	sink := &fakeSink{}
	c.SetRollupSink(sink)
	c.RecordUsage(testModel, 2, 3, 0)

	require.NoError(t, c.FlushDailyRollup("2026-07-29"))
	assert.Equal(t, "2026-07-29", sink.date)
	assert.Equal(t, int64(2), sink.in)
	assert.Equal(t, int64(3), sink.out)
	assert.Equal(t, int64(1), sink.calls)

	// Second flush with nothing new should not call the sink again.
	sink.calls = 0
	require.NoError(t, c.FlushDailyRollup("2026-07-30"))
	assert.Equal(t, int64(0), sink.calls)
}
