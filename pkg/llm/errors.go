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
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ErrorKind is the domain-stable error taxonomy every provider client
// normalizes its failures into, regardless of which vendor produced them.
type ErrorKind string

const (
	ErrAuth           ErrorKind = "auth"
	ErrRateLimit      ErrorKind = "rate_limit"
	ErrQuota          ErrorKind = "quota"
	ErrContextLength  ErrorKind = "context_length"
	ErrContentFilter  ErrorKind = "content_filter"
	ErrModelNotFound  ErrorKind = "model_not_found"
	ErrOverloaded     ErrorKind = "overloaded"
	ErrTimeout        ErrorKind = "timeout"
	ErrNetwork        ErrorKind = "network"
	ErrInvalidRequest ErrorKind = "invalid_request"
	ErrNotInitialized ErrorKind = "not_initialized"
	ErrUnknown        ErrorKind = "unknown"
)

// defaultRetryable: rate_limit, overloaded, timeout and network
// are retryable by default; everything else is not.
var defaultRetryable = map[ErrorKind]bool{
	ErrRateLimit:  true,
	ErrOverloaded: true,
	ErrTimeout:    true,
	ErrNetwork:    true,
}

// ProviderError is the normalized error every LLMProvider implementation
// returns at its boundary. The original vendor code and HTTP status are
// preserved for diagnostics; callers should branch on Kind, not on Message.
type ProviderError struct {
	Kind          ErrorKind
	Message       string
	ProviderCode  string
	HTTPStatus    int
	Retryable     bool
	RetryAfterMs  int64
	Cause         error
}

func (e *ProviderError) Error() string {
	if e.ProviderCode != "" {
		return fmt.Sprintf("%s: %s (provider code %s)", e.Kind, e.Message, e.ProviderCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError builds a ProviderError, defaulting Retryable from the
// taxonomy's standard classification unless the caller already decided.
func NewProviderError(kind ErrorKind, message string, opts ...ProviderErrorOption) *ProviderError {
	pe := &ProviderError{
		Kind:      kind,
		Message:   message,
		Retryable: defaultRetryable[kind],
	}
	for _, opt := range opts {
		opt(pe)
	}
	return pe
}

// ProviderErrorOption customizes a ProviderError at construction time.
type ProviderErrorOption func(*ProviderError)

func WithProviderCode(code string) ProviderErrorOption {
	return func(e *ProviderError) { e.ProviderCode = code }
}

func WithHTTPStatus(status int) ProviderErrorOption {
	return func(e *ProviderError) { e.HTTPStatus = status }
}

func WithRetryAfterMs(ms int64) ProviderErrorOption {
	return func(e *ProviderError) { e.RetryAfterMs = ms }
}

func WithCause(err error) ProviderErrorOption {
	return func(e *ProviderError) { e.Cause = err }
}

func WithRetryable(retryable bool) ProviderErrorOption {
	return func(e *ProviderError) { e.Retryable = retryable }
}

// ClassifyHTTPStatus maps an HTTP status code to the closest ErrorKind. Used
// by provider clients that cannot parse a vendor-specific error body.
func ClassifyHTTPStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 404:
		return ErrModelNotFound
	case status == 408:
		return ErrTimeout
	case status == 413 || status == 422:
		return ErrContextLength
	case status == 429:
		return ErrRateLimit
	case status == 402:
		return ErrQuota
	case status >= 500 && status < 600:
		return ErrOverloaded
	case status >= 400 && status < 500:
		return ErrInvalidRequest
	default:
		return ErrUnknown
	}
}

// AsProviderError unwraps err looking for a *ProviderError, the way call
// sites classify failures instead of string-matching messages.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// HTTPError converts a non-2xx provider response into a typed error: the
// status is classified to an ErrorKind, the body's first line becomes the
// message, and a Retry-After header (seconds) is carried through so the
// retry schedule can honor the server's hint.
func HTTPError(status int, retryAfterHeader string, body []byte) *ProviderError {
	msg := strings.TrimSpace(string(body))
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	opts := []ProviderErrorOption{WithHTTPStatus(status)}
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil && secs > 0 {
		opts = append(opts, WithRetryAfterMs(int64(secs)*1000))
	}
	return NewProviderError(ClassifyHTTPStatus(status), msg, opts...)
}

// TransportError wraps a transport-level failure (DNS, TLS, connection
// reset, timeout) as a retryable network error. Context cancellation
// passes through untouched so callers can distinguish a user interrupt
// from a flaky link.
func TransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewProviderError(ErrNetwork, err.Error(), WithCause(err))
}
