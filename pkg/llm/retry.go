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
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ali-kernel/ali/internal/log"
)

// RetryPolicy is an exponential-backoff-with-jitter schedule.
// Defaults: 3 attempts, 1s base, 60s cap, 0.2 jitter factor.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryPolicy returns the default retry schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    1000 * time.Millisecond,
		MaxDelay:     60000 * time.Millisecond,
		JitterFactor: 0.2,
	}
}

// Delay computes the backoff for attempt n (1-indexed), decorrelated jitter
// applied around base*2^n, capped at MaxDelay. A non-zero retryAfter from
// the server overrides the computed delay when it is larger.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	raw := float64(p.BaseDelay) * float64(uint64(1)<<uint(attempt))
	if ceiling := float64(p.MaxDelay); raw > ceiling {
		raw = ceiling
	}
	jitter := raw * p.JitterFactor
	// decorrelated jitter: pick uniformly in [raw-jitter, raw+jitter]
	delta := (rand.Float64()*2 - 1) * jitter
	delay := time.Duration(raw + delta)
	if delay < 0 {
		delay = 0
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	return delay
}

// Bounds returns the theoretical [min, max] window Delay can produce for
// attempt n, used by the backoff property tests.
func (p RetryPolicy) Bounds(attempt int) (min, max time.Duration) {
	raw := float64(p.BaseDelay) * float64(uint64(1)<<uint(attempt))
	if c := float64(p.MaxDelay); raw > c {
		raw = c
	}
	lo := raw * (1 - p.JitterFactor)
	hi := raw * (1 + p.JitterFactor)
	if hi > float64(p.MaxDelay) {
		hi = float64(p.MaxDelay)
	}
	return time.Duration(lo), time.Duration(hi)
}

// Do runs fn under the retry policy, retrying only on errors classified as
// retryable ProviderErrors. It honors ctx cancellation between attempts.
func Do(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			pe, _ := AsProviderError(lastErr)
			var retryAfter time.Duration
			if pe != nil {
				retryAfter = time.Duration(pe.RetryAfterMs) * time.Millisecond
			}
			delay := policy.Delay(attempt, retryAfter)
			log.Debug("llm: retrying after backoff",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		pe, ok := AsProviderError(err)
		if !ok || !pe.Retryable {
			return err
		}
	}
	return lastErr
}
