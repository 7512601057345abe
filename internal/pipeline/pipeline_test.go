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
	"errors"
	"testing"
	"time"
)

// countingStep fails its first N runs and then succeeds with a patch.
type countingStep struct {
	name     string
	calls    int
	failures int
	kind     FailKind
	retry    bool
	patch    map[string]interface{}
}

func (s *countingStep) Name() string { return s.name }

func (s *countingStep) Run(ctx context.Context, st *State) Outcome {
	s.calls++
	if s.calls <= s.failures {
		return Failuref(s.kind, s.retry, "%s attempt %d failed", s.name, s.calls)
	}
	return Success(s.patch)
}

func TestPipelineRunMergesPatches(t *testing.T) {
	st := NewState(map[string]interface{}{"project": "demo"})
	first := StepFunc{StepName: "detect", Fn: func(ctx context.Context, st *State) Outcome {
		return Success(map[string]interface{}{"language": "python", "version": "0.1.0"})
	}}
	second := StepFunc{StepName: "release", Fn: func(ctx context.Context, st *State) Outcome {
		if st.GetString("language") != "python" {
			t.Errorf("second step should observe first step's patch, got %q", st.GetString("language"))
		}
		return Success(map[string]interface{}{"version": "0.1.1"})
	}}

	res := New(first, second).Run(context.Background(), st)
	if res.Aborted() {
		t.Fatalf("Run aborted: %v", res.Err)
	}
	if got := st.GetString("version"); got != "0.1.1" {
		t.Errorf("later patch should win, got %q", got)
	}
	if got := st.GetString("project"); got != "demo" {
		t.Errorf("seed value lost, got %q", got)
	}
	if len(st.History) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(st.History))
	}
}

func TestPipelineAbortsOnFailure(t *testing.T) {
	fail := &countingStep{name: "push", failures: 99, kind: FailValidation, retry: false}
	after := &countingStep{name: "release"}

	res := New(fail, after).Run(context.Background(), NewState(nil))
	if !res.Aborted() {
		t.Fatal("expected aborted run")
	}
	if res.AbortedAt != "push" || res.FailKind != FailValidation {
		t.Errorf("got abortedAt=%s kind=%s", res.AbortedAt, res.FailKind)
	}
	if fail.calls != 1 {
		t.Errorf("non-retryable failure should not retry, calls=%d", fail.calls)
	}
	if after.calls != 0 {
		t.Errorf("steps after the failure must not run, calls=%d", after.calls)
	}
}

func TestPipelineRetriesUntilSuccess(t *testing.T) {
	step := &countingStep{
		name: "push", failures: 2, kind: FailTransient, retry: true,
		patch: map[string]interface{}{"pushed": true},
	}
	p := New(step)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	st := NewState(nil)
	res := p.Run(context.Background(), st)
	if res.Aborted() {
		t.Fatalf("Run aborted: %v", res.Err)
	}
	if step.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", step.calls)
	}
	want := []StepStatus{StepRetry, StepRetry, StepOK}
	if len(st.History) != len(want) {
		t.Fatalf("history: got %d records", len(st.History))
	}
	for i, rec := range st.History {
		if rec.Status != want[i] {
			t.Errorf("history[%d]: got %s want %s", i, rec.Status, want[i])
		}
		if rec.Attempt != i+1 {
			t.Errorf("history[%d]: attempt %d", i, rec.Attempt)
		}
	}
	if !st.GetBool("pushed") {
		t.Error("patch from the final attempt not applied")
	}
}

func TestPipelineRetryExhausted(t *testing.T) {
	step := &countingStep{name: "wait-registry", failures: 99, kind: FailTransient, retry: true}
	p := New(step)
	p.Retry = RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond, Multiplier: 2}
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	st := NewState(nil)
	res := p.Run(context.Background(), st)
	if !res.Aborted() {
		t.Fatal("expected aborted run")
	}
	if step.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", step.calls)
	}
	last := st.History[len(st.History)-1]
	if last.Status != StepFailed {
		t.Errorf("last record: got %s", last.Status)
	}
}

func TestPipelineSkipContinues(t *testing.T) {
	skip := StepFunc{StepName: "icon", Fn: func(ctx context.Context, st *State) Outcome {
		return Skipped("icon generation disabled")
	}}
	after := &countingStep{name: "catalog"}

	st := NewState(nil)
	res := New(skip, after).Run(context.Background(), st)
	if res.Aborted() {
		t.Fatalf("Run aborted: %v", res.Err)
	}
	if after.calls != 1 {
		t.Errorf("step after a skip must run, calls=%d", after.calls)
	}
	if st.History[0].Status != StepSkipped || st.History[0].Reason == "" {
		t.Errorf("skip record: %+v", st.History[0])
	}
}

func TestPipelineContextCanceledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := StepFunc{StepName: "detect", Fn: func(ctx context.Context, st *State) Outcome {
		cancel()
		return Success(nil)
	}}
	after := &countingStep{name: "push"}

	res := New(first, after).Run(ctx, NewState(nil))
	if !res.Aborted() {
		t.Fatal("expected aborted run")
	}
	if res.FailKind != FailTimeout {
		t.Errorf("kind: got %s", res.FailKind)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err: got %v", res.Err)
	}
	if after.calls != 0 {
		t.Errorf("canceled run must not start the next step, calls=%d", after.calls)
	}
}

func TestPipelineContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	step := &countingStep{name: "push", failures: 99, kind: FailTransient, retry: true}
	p := New(step)
	p.Retry = RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Second, Multiplier: 2}

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res := p.Run(ctx, NewState(nil))
	if !res.Aborted() {
		t.Fatal("expected aborted run")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel should interrupt the pause, took %v", elapsed)
	}
	if step.calls != 1 {
		t.Errorf("expected a single attempt, got %d", step.calls)
	}
}

func TestRetryPolicyBackoffGrowth(t *testing.T) {
	p := RetryPolicy{Backoff: 2 * time.Second, Multiplier: 2, MaxBackoff: 5 * time.Second}
	if got := p.next(2 * time.Second); got != 4*time.Second {
		t.Errorf("next(2s): got %v", got)
	}
	if got := p.next(4 * time.Second); got != 5*time.Second {
		t.Errorf("next(4s) should cap, got %v", got)
	}
}

func TestWithCondition(t *testing.T) {
	inner := &countingStep{name: "stdio-probe", patch: map[string]interface{}{"probed": true}}
	step, err := WithCondition(inner, `language == "python"`)
	if err != nil {
		t.Fatalf("WithCondition: %v", err)
	}
	if step.Name() != "stdio-probe" {
		t.Errorf("name: %s", step.Name())
	}

	t.Run("met", func(t *testing.T) {
		st := NewState(map[string]interface{}{"language": "python"})
		if out := step.Run(context.Background(), st); !out.Succeeded() {
			t.Fatalf("expected inner to run, got %+v", out)
		}
	})

	t.Run("not met", func(t *testing.T) {
		st := NewState(map[string]interface{}{"language": "node"})
		if out := step.Run(context.Background(), st); !out.IsSkipped() {
			t.Fatalf("expected skip, got %+v", out)
		}
	})

	t.Run("unbound variable skips", func(t *testing.T) {
		if out := step.Run(context.Background(), NewState(nil)); !out.IsSkipped() {
			t.Fatalf("expected skip, got %+v", out)
		}
	})

	t.Run("bad expression rejected", func(t *testing.T) {
		if _, err := WithCondition(inner, `language ==`); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestDisabled(t *testing.T) {
	inner := &countingStep{name: "icon"}
	step := Disabled(inner, "disabled by config")
	if step.Name() != "icon" {
		t.Errorf("name: %s", step.Name())
	}
	out := step.Run(context.Background(), NewState(nil))
	if !out.IsSkipped() || out.Reason() != "disabled by config" {
		t.Errorf("outcome: %+v", out)
	}
	if inner.calls != 0 {
		t.Errorf("disabled step must not run inner, calls=%d", inner.calls)
	}
}
