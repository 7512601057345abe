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

	"github.com/Knetic/govaluate"

	"github.com/cloudwego/mcpflow/internal/log"
)

type conditionalStep struct {
	inner Step
	expr  *govaluate.EvaluableExpression
	raw   string
}

// WithCondition gates a step behind a boolean expression evaluated against
// the current state values, e.g. `language == "python"`. A false or
// non-boolean result skips the step. An evaluation error (typically an
// unbound variable) also skips rather than aborts, and is logged.
func WithCondition(step Step, expr string) (Step, error) {
	ev, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("parse condition %q: %w", expr, err)
	}
	return &conditionalStep{inner: step, expr: ev, raw: expr}, nil
}

func (c *conditionalStep) Name() string { return c.inner.Name() }

func (c *conditionalStep) Run(ctx context.Context, st *State) Outcome {
	v, err := c.expr.Evaluate(st.Values())
	if err != nil {
		log.Error("step %s: evaluate condition %q: %v\n", c.inner.Name(), c.raw, err)
		return Skipped(fmt.Sprintf("condition %q failed to evaluate", c.raw))
	}
	ok, _ := v.(bool)
	if !ok {
		return Skipped(fmt.Sprintf("condition %q not met", c.raw))
	}
	return c.inner.Run(ctx, st)
}
