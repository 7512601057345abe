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
	"fmt"
	"time"

	"github.com/cloudwego/mcpflow/internal/utils"
)

// Summary is the derived per-status count of a run.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Report is the persisted record of one batch run, ordered by job
// submission. It feeds audits and partial re-runs.
type Report struct {
	RunID      string      `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Results    []JobResult `json:"results"`
	Summary    Summary     `json:"summary"`
}

// Summarize recomputes the counts from Results.
func (r *Report) Summarize() {
	s := Summary{Total: len(r.Results)}
	for _, jr := range r.Results {
		switch jr.Status {
		case JobSucceeded:
			s.Succeeded++
		case JobFailed:
			s.Failed++
		default:
			s.Skipped++
		}
	}
	r.Summary = s
}

// FailedIDs lists the jobs a retry run should pick up: everything that
// failed, plus jobs the previous run never got to.
func (r *Report) FailedIDs() []string {
	var ids []string
	for _, jr := range r.Results {
		if jr.Status == JobFailed || (jr.Status == JobSkipped && jr.Reason == "canceled before start") {
			ids = append(ids, jr.ID)
		}
	}
	return ids
}

// SaveReport writes the report as indented JSON.
func SaveReport(path string, r *Report) error {
	return utils.WriteJSONFile(path, r)
}

// LoadReport reads a report written by a previous run.
func LoadReport(path string) (*Report, error) {
	var r Report
	if err := utils.ReadJSONFile(path, &r); err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}
	return &r, nil
}
