// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package plandb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "plans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestClaimTaskExactlyOneWinner: concurrent
// claimers on the same task, exactly one succeeds.
func TestClaimTaskExactlyOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	planID, err := s.CreatePlan(ctx, "goal", "")
	require.NoError(t, err)
	taskID, err := s.AddTask(ctx, planID, "do work", "", 0, "")
	require.NoError(t, err)

	const workers = 10
	results := make([]ClaimResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := s.ClaimTask(ctx, taskID, "agent")
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	oks := 0
	for _, r := range results {
		if r == ClaimOK {
			oks++
		}
	}
	require.Equal(t, 1, oks)
}

func TestGetNextTaskOrdersByPriorityThenCreation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	planID, err := s.CreatePlan(ctx, "goal", "")
	require.NoError(t, err)

	_, err = s.AddTask(ctx, planID, "low", "", 1, "")
	require.NoError(t, err)
	_, err = s.AddTask(ctx, planID, "high", "", 10, "")
	require.NoError(t, err)

	next, err := s.GetNextTask(ctx, planID, "agent")
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, "high", next.Description)
}

func TestGetNextTaskRespectsAssignment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	planID, err := s.CreatePlan(ctx, "goal", "")
	require.NoError(t, err)

	_, err = s.AddTask(ctx, planID, "for bob", "bob", 5, "")
	require.NoError(t, err)

	next, err := s.GetNextTask(ctx, planID, "alice")
	require.NoError(t, err)
	require.Nil(t, next)

	next, err = s.GetNextTask(ctx, planID, "bob")
	require.NoError(t, err)
	require.NotNil(t, next)
}

func TestRefreshPlanStatusDerivesFromTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	planID, err := s.CreatePlan(ctx, "goal", "")
	require.NoError(t, err)

	t1, err := s.AddTask(ctx, planID, "t1", "", 0, "")
	require.NoError(t, err)
	t2, err := s.AddTask(ctx, planID, "t2", "", 0, "")
	require.NoError(t, err)

	status, err := s.RefreshPlanStatus(ctx, planID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	require.NoError(t, s.CompleteTask(ctx, t1, "done"))
	status, err = s.RefreshPlanStatus(ctx, planID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	require.NoError(t, s.FailTask(ctx, t2, "boom"))
	status, err = s.RefreshPlanStatus(ctx, planID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
}
