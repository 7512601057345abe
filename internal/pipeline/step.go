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

import "context"

// Step is one unit of publishing work. Run reads the shared state and
// reports an Outcome; a successful step contributes its results as a
// patch instead of mutating the state directly.
type Step interface {
	Name() string
	Run(ctx context.Context, st *State) Outcome
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, st *State) Outcome
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Run(ctx context.Context, st *State) Outcome {
	return s.Fn(ctx, st)
}

// Disabled replaces a step with one that always reports Skipped, keeping
// the step visible in run history when configuration turns it off.
func Disabled(step Step, reason string) Step {
	return StepFunc{
		StepName: step.Name(),
		Fn: func(ctx context.Context, st *State) Outcome {
			return Skipped(reason)
		},
	}
}
