// Copyright 2025 CloudWeGo Authors
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

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/cloudwego/mcpflow/internal/batch"
	"github.com/cloudwego/mcpflow/internal/config"
	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/project"
)

// runOptions carries the per-run CLI flags into the batch runner.
type runOptions struct {
	Workers int
	Delay   time.Duration
	Only    []string
	Skip    []string
	Filter  string
	Output  string
	DryRun  bool
}

// runJobs publishes the given projects and returns the process exit code:
// 0 when every job succeeded or was skipped, 1 otherwise.
func runJobs(ctx context.Context, cfg *config.Config, projects []project.Project, opts runOptions) int {
	pub := batch.NewPublisher(cfg)
	for _, name := range opts.Skip {
		pub.Skip[name] = true
	}

	if opts.DryRun {
		printPlan(pub, projects)
		return 0
	}

	runner := newRunner(cfg, pub, opts)
	report := runner.Run(ctx, projects)
	printJSON(report.Summary)
	if report.Summary.Failed > 0 {
		return 1
	}
	return 0
}

// runRetry loads a prior report and re-runs only its failed jobs.
func runRetry(ctx context.Context, cfg *config.Config, reportFile string, opts runOptions) int {
	prior, err := batch.LoadReport(reportFile)
	if err != nil {
		log.Error("%v\n", err)
		return 1
	}
	failed := prior.FailedIDs()
	if len(failed) == 0 {
		log.Info("report %s has no failed jobs, nothing to retry\n", reportFile)
		return 0
	}

	root := cfg.Batch.Root
	if root == "" {
		root = "."
	}
	projects, err := project.Discover(root)
	if err != nil {
		log.Error("%v\n", err)
		return 1
	}
	opts.Only = failed
	log.Info("retrying %d failed job(s) from %s\n", len(failed), reportFile)
	return runJobs(ctx, cfg, projects, opts)
}

// runWatch publishes new projects as they land under root, sequentially,
// until the context is canceled.
func runWatch(ctx context.Context, cfg *config.Config, root string, opts runOptions) error {
	pub := batch.NewPublisher(cfg)
	for _, name := range opts.Skip {
		pub.Skip[name] = true
	}
	runner := newRunner(cfg, pub, opts)

	queue := make(chan project.Project, 16)
	w := &batch.Watcher{
		Root: root,
		Enqueue: func(p project.Project) {
			select {
			case queue <- p:
			default:
				log.Error("watch queue full, dropping %s\n", p.ID)
			}
		},
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-queue:
				report := runner.Run(ctx, []project.Project{p})
				printJSON(report.Summary)
			}
		}
	}()
	return w.Run(ctx)
}

func newRunner(cfg *config.Config, pub *batch.Publisher, opts runOptions) *batch.Runner {
	workers := opts.Workers
	if workers == 0 {
		workers = cfg.Batch.Workers
	}
	delay := opts.Delay
	if delay == 0 {
		delay = cfg.Batch.Delay.Std()
	}
	filter := opts.Filter
	if filter == "" {
		filter = cfg.Batch.Filter
	}
	var limiter *rate.Limiter
	if cfg.Batch.RatePerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.Batch.RatePerMin)/60.0), 1)
	}
	return &batch.Runner{
		Exec:       pub.Publish,
		Workers:    workers,
		Delay:      delay,
		Limiter:    limiter,
		Only:       opts.Only,
		Filter:     filter,
		ReportPath: reportPath(opts.Output, cfg),
	}
}

func reportPath(flagOutput string, cfg *config.Config) string {
	if flagOutput != "" {
		return flagOutput
	}
	return cfg.Batch.Report
}

func printPlan(pub *batch.Publisher, projects []project.Project) {
	for _, p := range projects {
		fmt.Fprintf(os.Stdout, "%s (%s %s@%s)\n", p.ID, p.Kind, p.Name, p.Version)
		for _, s := range pub.Steps(p) {
			fmt.Fprintf(os.Stdout, "  - %s\n", s.Name())
		}
	}
}
