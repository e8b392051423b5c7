// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// harness runs a Server over in-memory pipes and exposes a line-oriented
// client side.
type harness struct {
	t      *testing.T
	in     io.WriteCloser
	out    *bufio.Scanner
	done   chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T, prompter Prompter) *harness {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	srv := NewServer(prompter, "ali", "test")
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, inR, outW) }()

	sc := bufio.NewScanner(outR)
	sc.Buffer(make([]byte, 0, 4096), MaxLineBytes)
	return &harness{t: t, in: inW, out: sc, done: done, cancel: cancel}
}

func (h *harness) send(line string) {
	_, err := io.WriteString(h.in, line+"\n")
	require.NoError(h.t, err)
}

func (h *harness) recv() Response {
	require.True(h.t, h.out.Scan(), "expected a response line")
	var resp Response
	require.NoError(h.t, json.Unmarshal(h.out.Bytes(), &resp))
	return resp
}

func (h *harness) recvRaw() map[string]json.RawMessage {
	require.True(h.t, h.out.Scan(), "expected a line")
	var m map[string]json.RawMessage
	require.NoError(h.t, json.Unmarshal(h.out.Bytes(), &m))
	return m
}

func (h *harness) close() {
	_ = h.in.Close()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("server did not exit on EOF")
	}
	h.cancel()
}

func echoPrompter(_ context.Context, sessionID, input string, _ func(string)) (string, error) {
	return "echo: " + input, nil
}

func TestInitializeHandshake(t *testing.T) {
	h := newHarness(t, PrompterFunc(echoPrompter))
	defer h.close()

	h.send(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	resp := h.recv()
	require.Nil(t, resp.Error)

	var result InitializeResult
	data, _ := json.Marshal(resp.Result)
	require.NoError(t, json.Unmarshal(data, &result))
	require.Equal(t, ProtocolVersion, result.ProtocolVersion)
	require.Equal(t, "ali", result.ServerName)
}

func TestSessionPromptRoundTrip(t *testing.T) {
	h := newHarness(t, PrompterFunc(echoPrompter))
	defer h.close()

	h.send(`{"jsonrpc":"2.0","id":1,"method":"session.new"}`)
	resp := h.recv()
	require.Nil(t, resp.Error)
	var ns NewSessionResult
	data, _ := json.Marshal(resp.Result)
	require.NoError(t, json.Unmarshal(data, &ns))
	require.NotEmpty(t, ns.SessionID)

	h.send(`{"jsonrpc":"2.0","id":2,"method":"session.prompt","params":{"sessionId":"` + ns.SessionID + `","prompt":"hi"}}`)
	resp = h.recv()
	require.Nil(t, resp.Error)
	var pr PromptResult
	data, _ = json.Marshal(resp.Result)
	require.NoError(t, json.Unmarshal(data, &pr))
	require.Equal(t, "echo: hi", pr.Text)
}

func TestPromptStreamsUpdateNotifications(t *testing.T) {
	streaming := PrompterFunc(func(_ context.Context, sessionID, input string, onChunk func(string)) (string, error) {
		onChunk("one ")
		onChunk("two")
		return "one two", nil
	})
	h := newHarness(t, streaming)
	defer h.close()

	h.send(`{"jsonrpc":"2.0","id":1,"method":"session.new"}`)
	resp := h.recv()
	var ns NewSessionResult
	data, _ := json.Marshal(resp.Result)
	require.NoError(t, json.Unmarshal(data, &ns))

	h.send(`{"jsonrpc":"2.0","id":2,"method":"session.prompt","params":{"sessionId":"` + ns.SessionID + `","prompt":"go"}}`)

	var chunks []string
	var final *PromptResult
	for final == nil {
		m := h.recvRaw()
		if method, ok := m["method"]; ok {
			require.Equal(t, `"session.update"`, string(method))
			var up UpdateParams
			require.NoError(t, json.Unmarshal(m["params"], &up))
			chunks = append(chunks, up.Chunk)
			continue
		}
		var pr PromptResult
		require.NoError(t, json.Unmarshal(m["result"], &pr))
		final = &pr
	}
	require.Equal(t, []string{"one ", "two"}, chunks)
	require.Equal(t, "one two", final.Text)
}

func TestCancelInterruptsInflightPrompt(t *testing.T) {
	started := make(chan struct{})
	blocking := PrompterFunc(func(ctx context.Context, sessionID, input string, _ func(string)) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newHarness(t, blocking)
	defer h.close()

	h.send(`{"jsonrpc":"2.0","id":1,"method":"session.new"}`)
	resp := h.recv()
	var ns NewSessionResult
	data, _ := json.Marshal(resp.Result)
	require.NoError(t, json.Unmarshal(data, &ns))

	h.send(`{"jsonrpc":"2.0","id":2,"method":"session.prompt","params":{"sessionId":"` + ns.SessionID + `","prompt":"forever"}}`)
	<-started
	h.send(`{"jsonrpc":"2.0","id":3,"method":"session.cancel","params":{"sessionId":"` + ns.SessionID + `"}}`)

	sawCancelAck := false
	sawCancelledResult := false
	for !(sawCancelAck && sawCancelledResult) {
		resp := h.recv()
		require.Nil(t, resp.Error)
		if resp.ID != nil && resp.ID.Num != nil && *resp.ID.Num == 3 {
			sawCancelAck = true
			continue
		}
		var pr PromptResult
		data, _ := json.Marshal(resp.Result)
		require.NoError(t, json.Unmarshal(data, &pr))
		require.True(t, pr.Cancelled)
		sawCancelledResult = true
	}
}

func TestUnknownMethodAndUnknownSession(t *testing.T) {
	h := newHarness(t, PrompterFunc(echoPrompter))
	defer h.close()

	h.send(`{"jsonrpc":"2.0","id":1,"method":"nope"}`)
	resp := h.recv()
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)

	h.send(`{"jsonrpc":"2.0","id":2,"method":"session.prompt","params":{"sessionId":"ghost","prompt":"x"}}`)
	resp = h.recv()
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeSessionNotFound, resp.Error.Code)
}

func TestParseErrorAndOversizeLine(t *testing.T) {
	h := newHarness(t, PrompterFunc(echoPrompter))

	h.send(`{not json`)
	resp := h.recv()
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeParseError, resp.Error.Code)

	// A line over the cap kills the read loop with a final diagnostic.
	// Written from a goroutine: the scanner stops consuming once it
	// overflows, so a synchronous pipe write would block forever.
	go func() {
		_, _ = io.WriteString(h.in, `{"jsonrpc":"2.0","id":9,"method":"initialize","params":{"pad":"`+strings.Repeat("x", MaxLineBytes)+`"}}`+"\n")
	}()
	resp = h.recv()
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeLineTooLong, resp.Error.Code)

	_ = h.in.Close()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after oversize line")
	}
	h.cancel()
}

func TestRequestIDRoundTrip(t *testing.T) {
	var id RequestID
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &id))
	require.Equal(t, "abc", id.String())

	var num RequestID
	require.NoError(t, json.Unmarshal([]byte(`42`), &num))
	out, err := json.Marshal(&num)
	require.NoError(t, err)
	require.True(t, bytes.Equal(out, []byte(`42`)))
}
