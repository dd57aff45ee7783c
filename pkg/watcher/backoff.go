/*
Copyright 2024 The Orbit Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package watcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultReconnectBaseDelay = 1 * time.Second
	defaultReconnectMaxDelay  = 30 * time.Second
)

// ReconnectLimiter paces the watcher's list/watch reconnect attempts. A
// steady token-bucket limit protects the API server from tight reconnect
// loops, and consecutive failures add exponential backoff on top of it.
type ReconnectLimiter struct {
	limiter *rate.Limiter

	mu        sync.Mutex
	failures  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewReconnectLimiter creates a limiter allowing one reconnect per second
// with a small burst.
func NewReconnectLimiter() *ReconnectLimiter {
	return &ReconnectLimiter{
		limiter:   rate.NewLimiter(rate.Every(time.Second), 2),
		baseDelay: defaultReconnectBaseDelay,
		maxDelay:  defaultReconnectMaxDelay,
	}
}

// Wait blocks until the next reconnect attempt may proceed or the context
// is cancelled.
func (l *ReconnectLimiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	delay := l.currentDelay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordSuccess resets the failure backoff after a healthy connection.
func (l *ReconnectLimiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = 0
}

// RecordFailure grows the backoff applied to the next attempt.
func (l *ReconnectLimiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
}

func (l *ReconnectLimiter) currentDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failures == 0 {
		return 0
	}
	delay := l.baseDelay
	for i := 1; i < l.failures; i++ {
		delay *= 2
		if delay >= l.maxDelay {
			return l.maxDelay
		}
	}
	if delay > l.maxDelay {
		delay = l.maxDelay
	}
	return delay
}
