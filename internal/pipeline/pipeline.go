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

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/mcpflow/internal/log"
)

// RetryPolicy bounds re-attempts of a step that failed retryably and the
// pause between them.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy retries a step up to three times with 2s/4s pauses.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     2 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

func (p RetryPolicy) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * p.Multiplier)
	if p.MaxBackoff > 0 && n > p.MaxBackoff {
		return p.MaxBackoff
	}
	return n
}

// Run statuses.
const (
	RunCompleted = "completed"
	RunAborted   = "aborted"
)

// Result is the overall outcome of a pipeline run. Final always carries the
// state as it stood when the run ended, including the per-attempt history.
type Result struct {
	Status    string
	AbortedAt string
	FailKind  FailKind
	Err       error
	Final     *State
}

// Aborted reports whether the run stopped before completing all steps.
func (r *Result) Aborted() bool { return r.Status == RunAborted }

// Pipeline runs steps strictly in order against a shared state. A step
// failure marked retryable is re-attempted per the Retry policy; any other
// failure aborts the run. Skipped steps are recorded and do not stop it.
type Pipeline struct {
	Steps []Step
	Retry RetryPolicy

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a pipeline over the given steps with the default retry policy.
func New(steps ...Step) *Pipeline {
	return &Pipeline{Steps: steps, Retry: DefaultRetryPolicy()}
}

// Run executes all steps. Successful outcomes merge their patch into st
// before the next step starts, so later steps observe earlier results.
// Context cancellation between steps or during a retry pause aborts the run.
func (p *Pipeline) Run(ctx context.Context, st *State) *Result {
	if st == nil {
		st = NewState(nil)
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry = DefaultRetryPolicy()
	}
	for _, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return p.aborted(st, step.Name(), FailTimeout, err)
		}
		if res := p.runStep(ctx, step, st); res != nil {
			return res
		}
	}
	return &Result{Status: RunCompleted, Final: st}
}

// runStep drives one step through its attempt loop. A nil result means the
// step ended in success or skip and the run moves on.
func (p *Pipeline) runStep(ctx context.Context, step Step, st *State) *Result {
	backoff := p.Retry.Backoff
	attempt := 0
	for {
		attempt++
		started := time.Now()
		out := step.Run(ctx, st)
		ended := time.Now()

		rec := StepRecord{
			StepName:  step.Name(),
			Attempt:   attempt,
			StartedAt: started,
			EndedAt:   ended,
		}

		switch {
		case out.Succeeded():
			rec.Status = StepOK
			st.History = append(st.History, rec)
			st.apply(out.patch)
			log.Info("step %s ok (attempt %d)\n", step.Name(), attempt)
			return nil
		case out.IsSkipped():
			rec.Status = StepSkipped
			rec.Reason = out.Reason()
			st.History = append(st.History, rec)
			log.Info("step %s skipped: %s\n", step.Name(), out.Reason())
			return nil
		}

		rec.Error = out.errString()
		if out.Retryable() && attempt < p.Retry.MaxAttempts {
			rec.Status = StepRetry
			st.History = append(st.History, rec)
			log.Info("step %s attempt %d/%d failed (%s), retrying in %v: %s\n",
				step.Name(), attempt, p.Retry.MaxAttempts, out.Kind(), backoff, rec.Error)
			if err := p.pause(ctx, backoff); err != nil {
				return p.aborted(st, step.Name(), FailTimeout, err)
			}
			backoff = p.Retry.next(backoff)
			continue
		}

		rec.Status = StepFailed
		st.History = append(st.History, rec)
		log.Error("step %s failed (%s) after %d attempt(s): %s\n",
			step.Name(), out.Kind(), attempt, rec.Error)
		err := out.Err()
		if err == nil {
			err = fmt.Errorf("step %s failed", step.Name())
		}
		return p.aborted(st, step.Name(), out.Kind(), fmt.Errorf("step %s: %w", step.Name(), err))
	}
}

func (p *Pipeline) aborted(st *State, stepName string, kind FailKind, err error) *Result {
	return &Result{
		Status:    RunAborted,
		AbortedAt: stepName,
		FailKind:  kind,
		Err:       err,
		Final:     st,
	}
}

func (p *Pipeline) pause(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
