// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ali-kernel/ali/pkg/types"
)

func TestSendIsFIFOPerRecipient(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	_, err := b.Send(ctx, types.BusMessage{Type: types.MsgAgentThought, RecipientID: "bob", Content: "first"})
	require.NoError(t, err)
	_, err = b.Send(ctx, types.BusMessage{Type: types.MsgAgentThought, RecipientID: "bob", Content: "second"})
	require.NoError(t, err)

	pending := b.GetPending("bob")
	require.Len(t, pending, 2)
	require.Equal(t, "first", pending[0].Content)
	require.Equal(t, "second", pending[1].Content)

	require.Empty(t, b.GetPending("bob"))
}

func TestSendRequiresRecipient(t *testing.T) {
	b := New(nil)
	_, err := b.Send(context.Background(), types.BusMessage{Content: "x"})
	require.Error(t, err)
}

func TestBroadcastFansOutToAllRecipients(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	_, err := b.Broadcast(ctx, types.BusMessage{Type: types.MsgConvergence, Content: "done"}, []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	require.Len(t, b.GetPending("alice"), 1)
	require.Len(t, b.GetPending("bob"), 1)
	require.Len(t, b.GetPending("carol"), 1)
}

func TestSendAsyncInvokesCallback(t *testing.T) {
	b := New(nil)
	done := make(chan types.BusMessage, 1)
	b.SendAsync(context.Background(), types.BusMessage{Type: types.MsgAgentResponse, RecipientID: "bob", Content: "hi"},
		func(m types.BusMessage, err error) {
			require.NoError(t, err)
			done <- m
		})

	select {
	case m := <-done:
		require.Equal(t, "hi", m.Content)
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestGetThreadReconstructsParentChain(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	root, err := b.Send(ctx, types.BusMessage{RecipientID: "bob", Content: "root"})
	require.NoError(t, err)

	mid, err := b.Send(ctx, types.BusMessage{RecipientID: "bob", Content: "mid", ParentID: root.ID})
	require.NoError(t, err)

	leaf, err := b.Send(ctx, types.BusMessage{RecipientID: "bob", Content: "leaf", ParentID: mid.ID})
	require.NoError(t, err)

	chain := b.GetThread(leaf.ID)
	require.Len(t, chain, 3)
	require.Equal(t, "root", chain[0].Content)
	require.Equal(t, "mid", chain[1].Content)
	require.Equal(t, "leaf", chain[2].Content)
}
