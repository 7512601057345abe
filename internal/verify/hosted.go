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

package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/streamrpc"
	"github.com/cloudwego/mcpflow/version"
)

type ToolVerdict struct {
	Tool   string `json:"tool"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HostedReport aggregates per-tool verdicts. OK requires at least half of
// the advertised tools to answer successfully.
type HostedReport struct {
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	PassRate float64       `json:"pass_rate"`
	OK       bool          `json:"ok"`
	Tools    []ToolVerdict `json:"tools"`
}

// HostedTools dials the published server's push endpoint and invokes every
// advertised tool once. Tools that declare required inputs run with the
// configured sample arguments, or are skipped when none are configured.
// Transport failures abort the whole check; a tool-level error only marks
// that tool.
func (v *Verifier) HostedTools(ctx context.Context, sseURL string) (*HostedReport, error) {
	c, err := v.dial(ctx, sseURL)
	if err != nil {
		return nil, fmt.Errorf("dial hosted server: %w", err)
	}
	defer c.Close()

	if err := c.Initialize(ctx, "mcpflow", version.Version); err != nil {
		return nil, fmt.Errorf("hosted handshake: %w", err)
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosted tools: %w", err)
	}
	if len(tools) == 0 {
		return nil, fmt.Errorf("hosted server advertises no tools")
	}

	report := &HostedReport{Total: len(tools)}
	for _, t := range tools {
		verdict := v.checkTool(ctx, c, t)
		switch verdict.Status {
		case VerdictOK:
			report.Passed++
		case VerdictSkipped:
			report.Skipped++
		case VerdictError:
			report.Failed++
		default:
			return nil, verdictErr(verdict)
		}
		report.Tools = append(report.Tools, verdict)
		log.Info("hosted tool %s: %s %s", t.Name, verdict.Status, verdict.Detail)
	}

	report.PassRate = float64(report.Passed) / float64(report.Total)
	report.OK = report.PassRate >= 0.5
	return report, nil
}

// checkTool returns a verdict, or one with an empty status when the failure
// is a transport problem the caller must surface.
func (v *Verifier) checkTool(ctx context.Context, c hostedConn, t streamrpc.ToolSpec) ToolVerdict {
	args := v.sampleArgs(t.Name)
	if args == nil && len(t.RequiredInputs()) > 0 {
		return ToolVerdict{
			Tool:   t.Name,
			Status: VerdictSkipped,
			Detail: fmt.Sprintf("requires %s and no sample arguments are configured", strings.Join(t.RequiredInputs(), ", ")),
		}
	}

	res, err := c.CallTool(ctx, t.Name, args)
	if err != nil {
		if streamrpc.KindOf(err) == streamrpc.ErrRemote {
			return ToolVerdict{Tool: t.Name, Status: VerdictError, Detail: err.Error()}
		}
		return ToolVerdict{Tool: t.Name, Detail: err.Error()}
	}
	if res.IsError {
		return ToolVerdict{Tool: t.Name, Status: VerdictError, Detail: clip(res.Text(), 200)}
	}
	return ToolVerdict{Tool: t.Name, Status: VerdictOK}
}

// sampleArgs returns the configured arguments for tool, an empty map when
// the tool is configured with none (forcing the call), or nil when the tool
// has no entry at all.
func (v *Verifier) sampleArgs(tool string) map[string]interface{} {
	sample, ok := v.cfg.SampleArgs[tool]
	if !ok {
		return nil
	}
	if sample == nil {
		sample = map[string]any{}
	}
	return sample
}

func verdictErr(tv ToolVerdict) error {
	return fmt.Errorf("call hosted tool %s: %s", tv.Tool, tv.Detail)
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "")
}
