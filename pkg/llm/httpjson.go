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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// Doer issues one HTTP request. *http.Client satisfies it; RateLimitedDoer
// wraps one behind the shared rate limiter.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RateLimitedDoer funnels requests through a RateLimiter before handing
// them to the base Doer.
type RateLimitedDoer struct {
	Base    Doer
	Limiter *RateLimiter
}

// Do implements Doer.
func (d RateLimitedDoer) Do(req *http.Request) (*http.Response, error) {
	result, err := d.Limiter.Do(req.Context(), func(ctx context.Context) (interface{}, error) {
		return d.Base.Do(req.WithContext(ctx))
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// WrapDoer returns base behind limiter, or base unchanged when no limiter
// is configured.
func WrapDoer(base Doer, limiter *RateLimiter) Doer {
	if limiter == nil {
		return base
	}
	return RateLimitedDoer{Base: base, Limiter: limiter}
}

// CallJSON posts body as JSON to url and decodes a 2xx reply into out.
// Every failure comes back as a typed *ProviderError — malformed
// request/reply as invalid_request, transport faults as retryable network
// errors, non-2xx statuses classified by code with any Retry-After hint
// attached — except context cancellation, which passes through so callers
// can tell a user interrupt from a provider fault.
func CallJSON(ctx context.Context, doer Doer, url string, headers map[string]string, body, out interface{}) error {
	resp, err := postJSON(ctx, doer, url, headers, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return TransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HTTPError(resp.StatusCode, resp.Header.Get("Retry-After"), respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return NewProviderError(ErrInvalidRequest, "undecodable provider reply: "+err.Error(),
			WithHTTPStatus(resp.StatusCode), WithCause(err))
	}
	return nil
}

// OpenStream posts body and returns the raw 2xx response for the caller
// to consume as a server-sent-event stream. The caller owns closing the
// body. Failures are typed the same way as CallJSON.
func OpenStream(ctx context.Context, doer Doer, url string, headers map[string]string, body interface{}) (*http.Response, error) {
	resp, err := postJSON(ctx, doer, url, headers, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, HTTPError(resp.StatusCode, resp.Header.Get("Retry-After"), respBody)
	}
	return resp, nil
}

// StreamReadError types a failure that interrupted an in-flight stream
// read: a broken link mid-stream is retryable from the caller's side.
func StreamReadError(err error) error {
	return TransportError(err)
}

func postJSON(ctx context.Context, doer Doer, url string, headers map[string]string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, NewProviderError(ErrInvalidRequest, "marshal request: "+err.Error(), WithCause(err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, NewProviderError(ErrInvalidRequest, "build request: "+err.Error(), WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := doer.Do(req)
	if err != nil {
		return nil, TransportError(err)
	}
	return resp, nil
}
