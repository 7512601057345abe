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

import "fmt"

// FailKind classifies a step failure for reporting and for callers
// that map failures back onto transport classes.
type FailKind string

const (
	FailValidation FailKind = "validation"
	FailAuth       FailKind = "auth"
	FailTransient  FailKind = "transient"
	FailTimeout    FailKind = "timeout"
	FailConnection FailKind = "connection"
	FailInternal   FailKind = "internal"
)

// Outcome is the sole result of a step run: success with a state
// patch, a classified failure, or a skip. Steps never mutate State
// directly; everything they produce travels in the patch.
type Outcome struct {
	status    StepStatus
	patch     map[string]interface{}
	reason    string
	failKind  FailKind
	retryable bool
	err       error
}

// Success records the step's products. patch may be nil when the step
// only has side effects on remote systems.
func Success(patch map[string]interface{}) Outcome {
	return Outcome{status: StepOK, patch: patch}
}

// Failure aborts or retries the step depending on retryable.
func Failure(kind FailKind, err error, retryable bool) Outcome {
	return Outcome{status: StepFailed, failKind: kind, err: err, retryable: retryable}
}

// Failuref is Failure with a formatted message.
func Failuref(kind FailKind, retryable bool, format string, args ...interface{}) Outcome {
	return Failure(kind, fmt.Errorf(format, args...), retryable)
}

// Skipped records why the step did not run and lets the pipeline
// continue.
func Skipped(reason string) Outcome {
	return Outcome{status: StepSkipped, reason: reason}
}

func (o Outcome) Succeeded() bool { return o.status == StepOK }
func (o Outcome) IsSkipped() bool { return o.status == StepSkipped }
func (o Outcome) Retryable() bool { return o.retryable }
func (o Outcome) Kind() FailKind  { return o.failKind }
func (o Outcome) Err() error      { return o.err }
func (o Outcome) Reason() string  { return o.reason }

func (o Outcome) errString() string {
	if o.err == nil {
		return ""
	}
	return o.err.Error()
}
