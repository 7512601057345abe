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

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cloudwego/mcpflow/internal/batch"
	"github.com/cloudwego/mcpflow/internal/project"
	"github.com/cloudwego/mcpflow/internal/utils"
)

type Tool struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// NewTool wraps a typed handler into an MCP tool: arguments bind onto R,
// the response marshals to JSON text, and an error becomes an error
// result instead of a dropped call.
func NewTool[R any, T any](name string, desc string, schema json.RawMessage, handler func(ctx context.Context, req R) (*T, error)) Tool {
	return Tool{
		Tool: mcp.NewToolWithRawSchema(name, desc, schema),
		Handler: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var req R
			if err := request.BindArguments(&req); err != nil {
				return nil, err
			}
			var final string
			var isError bool
			if resp, err := handler(ctx, req); err != nil {
				isError = true
				final = err.Error()
			} else if js, err := utils.MarshalJSONBytes(resp); err != nil {
				isError = true
				final = err.Error()
			} else {
				final = string(js)
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(final),
				},
				IsError: isError,
			}, nil
		},
	}
}

const (
	ToolPublishProject = "publish_project"
	DescPublishProject = "Publish one MCP server project end to end: push its source, release the package, register it on the catalog and verify the published server. Returns the job result with per-step history."

	ToolBatchPublish = "batch_publish"
	DescBatchPublish = "Discover every project under a root directory and publish them all, isolating failures per project. Returns the aggregate run report."
)

type PublishProjectReq struct {
	Dir string `json:"dir" jsonschema:"required" jsonschema_description:"Path to the project directory"`
}

type BatchPublishReq struct {
	Root    string   `json:"root" jsonschema:"required" jsonschema_description:"Directory whose subdirectories are the projects to publish"`
	Workers int      `json:"workers,omitempty" jsonschema_description:"Concurrent jobs; 1 or less runs sequentially"`
	Only    []string `json:"only,omitempty" jsonschema_description:"Restrict the run to these project ids"`
}

var (
	SchemaPublishProject = utils.GetJSONSchema(PublishProjectReq{})
	SchemaBatchPublish   = utils.GetJSONSchema(BatchPublishReq{})
)

// PublisherOptions carries what the publish tools need at serve time.
type PublisherOptions struct {
	Publisher  *batch.Publisher
	ReportPath string
	Delay      int // seconds between sequential jobs
}

type publishTools struct {
	opts PublisherOptions
}

func getPublishTools(opts PublisherOptions) []Tool {
	pt := &publishTools{opts: opts}
	return []Tool{
		NewTool(ToolPublishProject, DescPublishProject, SchemaPublishProject, pt.PublishProject),
		NewTool(ToolBatchPublish, DescBatchPublish, SchemaBatchPublish, pt.BatchPublish),
	}
}

func (pt *publishTools) PublishProject(ctx context.Context, req PublishProjectReq) (*batch.JobResult, error) {
	if req.Dir == "" {
		return nil, fmt.Errorf("dir is required")
	}
	p, err := project.Detect(req.Dir)
	if err != nil {
		return nil, err
	}
	runner := pt.runner(1, nil)
	report := runner.Run(ctx, []project.Project{p})
	return &report.Results[0], nil
}

func (pt *publishTools) BatchPublish(ctx context.Context, req BatchPublishReq) (*batch.Report, error) {
	if req.Root == "" {
		return nil, fmt.Errorf("root is required")
	}
	projects, err := project.Discover(req.Root)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, fmt.Errorf("no projects under %s", req.Root)
	}
	runner := pt.runner(req.Workers, req.Only)
	return runner.Run(ctx, projects), nil
}

func (pt *publishTools) runner(workers int, only []string) *batch.Runner {
	return &batch.Runner{
		Exec:       pt.opts.Publisher.Publish,
		Workers:    workers,
		Delay:      time.Duration(pt.opts.Delay) * time.Second,
		Only:       only,
		ReportPath: pt.opts.ReportPath,
	}
}
