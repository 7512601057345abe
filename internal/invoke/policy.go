// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package invoke

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds retries of transient failures.
type Policy struct {
	// MaxAttempts counts the first try as attempt 1.
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the growing wait.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the wait after each failed attempt.
	BackoffMultiplier float64
	// Jitter spreads each wait by ±Jitter fraction.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        8 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

func (p Policy) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * p.BackoffMultiplier)
	if p.MaxBackoff > 0 && n > p.MaxBackoff {
		n = p.MaxBackoff
	}
	return n
}

func (p Policy) jittered(d time.Duration, rnd *rand.Rand) time.Duration {
	if p.Jitter <= 0 || rnd == nil {
		return d
	}
	f := 1 - p.Jitter + 2*p.Jitter*rnd.Float64()
	j := time.Duration(float64(d) * f)
	if j < 0 {
		return 0
	}
	return j
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
