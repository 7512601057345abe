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

package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/pipeline"
	"github.com/cloudwego/mcpflow/internal/project"
)

// Job statuses in the report.
const (
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobSkipped   = "skipped"
)

// JobResult is one project's entry in the run report. Index is the
// submission position, which the report preserves regardless of the
// order jobs finish in.
type JobResult struct {
	ID        string                `json:"id"`
	Index     int                   `json:"index"`
	Status    string                `json:"status"`
	AbortedAt string                `json:"aborted_at,omitempty"`
	FailKind  string                `json:"fail_kind,omitempty"`
	Error     string                `json:"error,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Steps     []pipeline.StepRecord `json:"steps,omitempty"`
	StartedAt time.Time             `json:"started_at"`
	Duration  time.Duration         `json:"duration"`
}

// Runner executes one pipeline per project. Workers<=1 runs jobs
// strictly in submission order with Delay between them; larger values
// use a semaphore-bounded pool. Either way one job's failure or panic
// never stops the others.
type Runner struct {
	Exec    func(ctx context.Context, p project.Project) *pipeline.Result
	Workers int
	Delay   time.Duration
	Limiter *rate.Limiter

	// Only restricts the run to the named project ids; Filter is a
	// boolean expression over id, kind and name. Excluded jobs appear
	// in the report as skipped.
	Only   []string
	Filter string

	// ReportPath, when set, rewrites the report file after every
	// finished job so an interrupted run still leaves a usable record.
	ReportPath string

	mu     sync.Mutex
	report *Report
}

// Run drives every project through Exec and returns the aggregate
// report. Context cancellation stops scheduling new jobs, lets running
// ones finish and marks the rest skipped.
func (r *Runner) Run(ctx context.Context, projects []project.Project) *Report {
	filter, ferr := r.compileFilter()
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Results:   make([]JobResult, len(projects)),
	}
	r.mu.Lock()
	r.report = report
	r.mu.Unlock()

	for i, p := range projects {
		report.Results[i] = JobResult{ID: p.ID, Index: i, Status: JobSkipped, Reason: "not started"}
	}

	if r.Workers <= 1 {
		r.runSequential(ctx, projects, filter, ferr)
	} else {
		r.runPool(ctx, projects, filter, ferr)
	}

	report.FinishedAt = time.Now()
	report.Summarize()
	r.save()
	log.Info("batch %s: %d succeeded, %d failed, %d skipped\n",
		report.RunID, report.Summary.Succeeded, report.Summary.Failed, report.Summary.Skipped)
	return report
}

func (r *Runner) runSequential(ctx context.Context, projects []project.Project, filter *govaluate.EvaluableExpression, ferr error) {
	for i, p := range projects {
		if ctx.Err() != nil {
			r.record(i, skippedResult(p, i, "canceled before start"))
			continue
		}
		if res, excluded := r.excluded(p, i, filter, ferr); excluded {
			r.record(i, res)
			continue
		}
		if !r.admit(ctx, p, i) {
			continue
		}
		r.record(i, r.runOne(ctx, i, p))
		if r.Delay > 0 && i < len(projects)-1 && ctx.Err() == nil {
			select {
			case <-time.After(r.Delay):
			case <-ctx.Done():
			}
		}
	}
}

func (r *Runner) runPool(ctx context.Context, projects []project.Project, filter *govaluate.EvaluableExpression, ferr error) {
	sem := make(chan struct{}, r.Workers)
	var wg sync.WaitGroup
	for i, p := range projects {
		if ctx.Err() != nil {
			r.record(i, skippedResult(p, i, "canceled before start"))
			continue
		}
		if res, excluded := r.excluded(p, i, filter, ferr); excluded {
			r.record(i, res)
			continue
		}
		if !r.admit(ctx, p, i) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, p project.Project) {
			defer wg.Done()
			defer func() { <-sem }()
			r.record(i, r.runOne(ctx, i, p))
		}(i, p)
	}
	wg.Wait()
}

// admit waits for the rate limiter slot; a canceled wait marks the job
// skipped and reports false.
func (r *Runner) admit(ctx context.Context, p project.Project, i int) bool {
	if r.Limiter == nil {
		return true
	}
	if err := r.Limiter.Wait(ctx); err != nil {
		r.record(i, skippedResult(p, i, "canceled before start"))
		return false
	}
	return true
}

// runOne executes a single job, converting a panic inside a step into a
// failed result so the batch survives.
func (r *Runner) runOne(ctx context.Context, idx int, p project.Project) (jr JobResult) {
	started := time.Now()
	jr = JobResult{ID: p.ID, Index: idx, StartedAt: started}
	defer func() {
		jr.Duration = time.Since(started)
		if rec := recover(); rec != nil {
			jr.Status = JobFailed
			jr.FailKind = string(pipeline.FailInternal)
			jr.Error = fmt.Sprintf("panic: %v", rec)
			log.Error("job %s panicked: %v\n", p.ID, rec)
		}
	}()

	res := r.Exec(ctx, p)
	if res.Final != nil {
		jr.Steps = res.Final.History
	}
	if res.Aborted() {
		jr.Status = JobFailed
		jr.AbortedAt = res.AbortedAt
		jr.FailKind = string(res.FailKind)
		if res.Err != nil {
			jr.Error = res.Err.Error()
		}
		return jr
	}
	jr.Status = JobSucceeded
	return jr
}

func (r *Runner) record(idx int, jr JobResult) {
	r.mu.Lock()
	r.report.Results[idx] = jr
	r.mu.Unlock()
	r.save()
}

// save rewrites the report file under the lock so every write is a
// complete, valid JSON document.
func (r *Runner) save() {
	if r.ReportPath == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := *r.report
	snapshot.Summarize()
	if err := SaveReport(r.ReportPath, &snapshot); err != nil {
		log.Error("save report %s: %v\n", r.ReportPath, err)
	}
}

func (r *Runner) compileFilter() (*govaluate.EvaluableExpression, error) {
	if r.Filter == "" {
		return nil, nil
	}
	expr, err := govaluate.NewEvaluableExpression(r.Filter)
	if err != nil {
		return nil, fmt.Errorf("parse filter %q: %w", r.Filter, err)
	}
	return expr, nil
}

// excluded decides whether the job is filtered out of this run. A broken
// filter expression excludes everything rather than silently running all
// jobs.
func (r *Runner) excluded(p project.Project, idx int, filter *govaluate.EvaluableExpression, ferr error) (JobResult, bool) {
	if ferr != nil {
		return skippedResult(p, idx, ferr.Error()), true
	}
	if len(r.Only) > 0 {
		found := false
		for _, id := range r.Only {
			if id == p.ID {
				found = true
				break
			}
		}
		if !found {
			return skippedResult(p, idx, "not in the requested id set"), true
		}
	}
	if filter != nil {
		v, err := filter.Evaluate(map[string]interface{}{
			"id":   p.ID,
			"kind": string(p.Kind),
			"name": p.Name,
		})
		if err != nil {
			return skippedResult(p, idx, fmt.Sprintf("filter %q: %v", r.Filter, err)), true
		}
		if ok, _ := v.(bool); !ok {
			return skippedResult(p, idx, fmt.Sprintf("filter %q not met", r.Filter)), true
		}
	}
	return JobResult{}, false
}

func skippedResult(p project.Project, idx int, reason string) JobResult {
	return JobResult{ID: p.ID, Index: idx, Status: JobSkipped, Reason: reason, StartedAt: time.Now()}
}
