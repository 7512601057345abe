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

package brief

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/mcpflow/internal/log"
)

//go:embed repair.md
var promptRepair string

// Repair asks the model to fix a template payload the hub rejected. It is
// meant to run at most once per registration; callers re-submit the returned
// payload and give up on a second rejection.
func (g *Generator) Repair(ctx context.Context, payload map[string]interface{}, apiErr error) (map[string]interface{}, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode rejected payload: %w", err)
	}
	prompt := fmt.Sprintf("%s\nError response:\n%s\n\nRejected payload:\n%s\n", promptRepair, apiErr.Error(), data)

	raw, err := g.call(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("repair call: %w", err)
	}
	var out struct {
		Fixed map[string]interface{} `json:"fixed_template_data"`
	}
	if err := json.Unmarshal([]byte(cleanResponse(raw)), &out); err != nil {
		return nil, fmt.Errorf("repair answer is not valid JSON: %w", err)
	}
	if len(out.Fixed) == 0 {
		return nil, fmt.Errorf("repair answer carried no fixed payload")
	}
	log.Info("model proposed a repaired payload (%d fields)", len(out.Fixed))
	return out.Fixed, nil
}
