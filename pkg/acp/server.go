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

package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ali-kernel/ali/internal/csync"
	"github.com/ali-kernel/ali/internal/log"
)

// Prompter runs one user turn for a session. onChunk receives streamed
// output fragments and may be called from the turn's own goroutines; it
// must not block.
type Prompter interface {
	Prompt(ctx context.Context, sessionID, input string, onChunk func(string)) (string, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, sessionID, input string, onChunk func(string)) (string, error)

// Prompt implements Prompter.
func (f PrompterFunc) Prompt(ctx context.Context, sessionID, input string, onChunk func(string)) (string, error) {
	return f(ctx, sessionID, input, onChunk)
}

type session struct {
	mu     sync.Mutex
	cancel context.CancelFunc // non-nil while a prompt is in flight
}

// Server reads newline-delimited JSON-RPC requests from r and writes
// responses and notifications to w. Prompts run on their own goroutine so
// a session.cancel arriving mid-turn can interrupt them; writes are
// serialized behind a mutex so concurrent turns never interleave lines.
type Server struct {
	prompter Prompter
	name     string
	version  string
	logger   *zap.Logger

	writeMu sync.Mutex
	w       io.Writer

	sessions *csync.Map[string, *session]

	inflight sync.WaitGroup
}

// NewServer creates a protocol server for the given prompter.
func NewServer(prompter Prompter, serverName, serverVersion string) *Server {
	return &Server{
		prompter: prompter,
		name:     serverName,
		version:  serverVersion,
		logger:   log.Logger(),
		sessions: csync.NewMap[string, *session](),
	}
}

// Serve reads requests until r reaches EOF or ctx is cancelled, then waits
// for in-flight prompts to drain. A line over MaxLineBytes ends the read
// loop: Serve writes one CodeLineTooLong error and returns.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.w = w

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(ctx, line)
	}
	s.inflight.Wait()

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			// The offending line is unrecoverable mid-stream: report and
			// stop rather than resynchronize on garbage.
			s.writeResponse(&Response{JSONRPC: JSONRPCVersion, Error: &Error{
				Code:    CodeLineTooLong,
				Message: fmt.Sprintf("request line exceeds %d bytes", MaxLineBytes),
			}})
			return nil
		}
		return fmt.Errorf("acp: read: %w", err)
	}
	return nil
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(&Response{JSONRPC: JSONRPCVersion, Error: &Error{
			Code: CodeParseError, Message: "parse error",
		}})
		return
	}
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		s.writeResponse(&Response{JSONRPC: JSONRPCVersion, ID: req.ID, Error: &Error{
			Code: CodeInvalidRequest, Message: "invalid request",
		}})
		return
	}

	switch req.Method {
	case "initialize":
		s.reply(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerName:      s.name,
			ServerVersion:   s.version,
		})
	case "session.new":
		s.handleNewSession(req.ID)
	case "session.prompt":
		s.handlePrompt(ctx, &req)
	case "session.cancel":
		s.handleCancel(&req)
	default:
		s.replyError(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleNewSession(id *RequestID) {
	sid := uuid.NewString()
	s.sessions.Set(sid, &session{})
	s.logger.Debug("acp session created", zap.String("session_id", sid))
	s.reply(id, NewSessionResult{SessionID: sid})
}

func (s *Server) handlePrompt(ctx context.Context, req *Request) {
	var params PromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		s.replyError(req.ID, CodeInvalidParams, "session.prompt requires sessionId and prompt")
		return
	}

	sess, ok := s.sessions.Get(params.SessionID)
	if !ok {
		s.replyError(req.ID, CodeSessionNotFound, "unknown session: "+params.SessionID)
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	sess.mu.Lock()
	if sess.cancel != nil {
		sess.mu.Unlock()
		cancel()
		s.replyError(req.ID, CodeInvalidRequest, "session already has a prompt in flight")
		return
	}
	sess.cancel = cancel
	sess.mu.Unlock()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			sess.mu.Lock()
			sess.cancel = nil
			sess.mu.Unlock()
			cancel()
		}()

		onChunk := func(chunk string) {
			s.notify("session.update", UpdateParams{SessionID: params.SessionID, Chunk: chunk})
		}
		text, err := s.prompter.Prompt(turnCtx, params.SessionID, params.Prompt, onChunk)
		switch {
		case errors.Is(err, context.Canceled):
			s.reply(req.ID, PromptResult{SessionID: params.SessionID, Cancelled: true})
		case err != nil:
			s.replyError(req.ID, CodeInternalError, userFacing(err))
		default:
			s.reply(req.ID, PromptResult{SessionID: params.SessionID, Text: text})
		}
	}()
}

func (s *Server) handleCancel(req *Request) {
	var params CancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		s.replyError(req.ID, CodeInvalidParams, "session.cancel requires sessionId")
		return
	}
	sess, ok := s.sessions.Get(params.SessionID)
	if !ok {
		s.replyError(req.ID, CodeSessionNotFound, "unknown session: "+params.SessionID)
		return
	}
	sess.mu.Lock()
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.mu.Unlock()
	s.reply(req.ID, struct{}{})
}

func (s *Server) reply(id *RequestID, result interface{}) {
	s.writeResponse(&Response{JSONRPC: JSONRPCVersion, ID: id, Result: result})
}

func (s *Server) replyError(id *RequestID, code int, msg string) {
	s.writeResponse(&Response{JSONRPC: JSONRPCVersion, ID: id, Error: &Error{Code: code, Message: msg}})
}

func (s *Server) notify(method string, params interface{}) {
	data, err := json.Marshal(&Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params})
	if err != nil {
		s.logger.Warn("acp: marshal notification", zap.Error(err))
		return
	}
	s.writeLine(data)
}

func (s *Server) writeResponse(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("acp: marshal response", zap.Error(err))
		return
	}
	s.writeLine(data)
}

func (s *Server) writeLine(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		s.logger.Warn("acp: write", zap.Error(err))
		return
	}
	if _, err := s.w.Write([]byte("\n")); err != nil {
		s.logger.Warn("acp: write newline", zap.Error(err))
	}
}

// userFacing flattens an internal error chain to its first line so the
// client never sees a stack or a wrapped chain of prefixes.
func userFacing(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
