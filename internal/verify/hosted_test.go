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
	"strings"
	"testing"

	"github.com/cloudwego/mcpflow/internal/config"
	"github.com/cloudwego/mcpflow/internal/streamrpc"
)

type fakeHosted struct {
	tools   []streamrpc.ToolSpec
	results map[string]*streamrpc.ToolResult
	errs    map[string]error
	calls   map[string]map[string]interface{}
	closed  bool
}

func (f *fakeHosted) Initialize(ctx context.Context, name, version string) error { return nil }

func (f *fakeHosted) ListTools(ctx context.Context) ([]streamrpc.ToolSpec, error) {
	return f.tools, nil
}

func (f *fakeHosted) CallTool(ctx context.Context, name string, args map[string]interface{}) (*streamrpc.ToolResult, error) {
	if f.calls == nil {
		f.calls = map[string]map[string]interface{}{}
	}
	f.calls[name] = args
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	if res := f.results[name]; res != nil {
		return res, nil
	}
	return &streamrpc.ToolResult{Content: []streamrpc.ToolContent{{Type: "text", Text: "done"}}}, nil
}

func (f *fakeHosted) Close() error {
	f.closed = true
	return nil
}

func hostedVerifier(f *fakeHosted, cfg config.VerifyConfig) *Verifier {
	return &Verifier{
		cfg:  cfg,
		dial: func(ctx context.Context, sseURL string) (hostedConn, error) { return f, nil },
	}
}

func tool(name string, required ...string) streamrpc.ToolSpec {
	t := streamrpc.ToolSpec{Name: name}
	if len(required) > 0 {
		t.InputSchema = []byte(`{"type":"object","required":["` + strings.Join(required, `","`) + `"]}`)
	}
	return t
}

func TestHostedToolsAllPass(t *testing.T) {
	f := &fakeHosted{tools: []streamrpc.ToolSpec{tool("echo"), tool("now")}}
	rep, err := hostedVerifier(f, config.VerifyConfig{}).HostedTools(context.Background(), "http://hub/sse")
	if err != nil {
		t.Fatalf("HostedTools: %v", err)
	}
	if !rep.OK || rep.Passed != 2 || rep.Failed != 0 || rep.PassRate != 1 {
		t.Errorf("report: %+v", rep)
	}
	if !f.closed {
		t.Error("connection not closed")
	}
}

func TestHostedToolsSkipsRequiredWithoutSamples(t *testing.T) {
	f := &fakeHosted{tools: []streamrpc.ToolSpec{tool("echo"), tool("search", "query")}}
	rep, err := hostedVerifier(f, config.VerifyConfig{}).HostedTools(context.Background(), "http://hub/sse")
	if err != nil {
		t.Fatalf("HostedTools: %v", err)
	}
	if rep.Passed != 1 || rep.Skipped != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if !rep.OK {
		t.Error("half the tools passing should still count as ok")
	}
	var skipped *ToolVerdict
	for i := range rep.Tools {
		if rep.Tools[i].Tool == "search" {
			skipped = &rep.Tools[i]
		}
	}
	if skipped == nil || skipped.Status != VerdictSkipped || !strings.Contains(skipped.Detail, "query") {
		t.Errorf("search verdict: %+v", skipped)
	}
	if _, called := f.calls["search"]; called {
		t.Error("tool with unmet required inputs must not be called")
	}
}

func TestHostedToolsUsesSampleArgs(t *testing.T) {
	f := &fakeHosted{tools: []streamrpc.ToolSpec{tool("search", "query")}}
	cfg := config.VerifyConfig{SampleArgs: map[string]map[string]any{
		"search": {"query": "weather in berlin"},
	}}
	rep, err := hostedVerifier(f, cfg).HostedTools(context.Background(), "http://hub/sse")
	if err != nil {
		t.Fatalf("HostedTools: %v", err)
	}
	if rep.Passed != 1 {
		t.Errorf("report: %+v", rep)
	}
	if got := f.calls["search"]["query"]; got != "weather in berlin" {
		t.Errorf("args: got %v", f.calls["search"])
	}
}

func TestHostedToolsToolErrorsCount(t *testing.T) {
	f := &fakeHosted{
		tools: []streamrpc.ToolSpec{tool("a"), tool("b"), tool("c")},
		results: map[string]*streamrpc.ToolResult{
			"b": {IsError: true, Content: []streamrpc.ToolContent{{Type: "text", Text: "backend exploded"}}},
		},
		errs: map[string]error{
			"c": &streamrpc.RPCError{Kind: streamrpc.ErrRemote, Code: -32602, Message: "invalid params"},
		},
	}
	rep, err := hostedVerifier(f, config.VerifyConfig{}).HostedTools(context.Background(), "http://hub/sse")
	if err != nil {
		t.Fatalf("HostedTools: %v", err)
	}
	if rep.Passed != 1 || rep.Failed != 2 {
		t.Fatalf("report: %+v", rep)
	}
	if rep.OK {
		t.Error("a third passing must not be ok")
	}
}

func TestHostedToolsTransportFailureAborts(t *testing.T) {
	f := &fakeHosted{
		tools: []streamrpc.ToolSpec{tool("a"), tool("b")},
		errs: map[string]error{
			"a": &streamrpc.RPCError{Kind: streamrpc.ErrConnectionLost, Message: "stream dropped"},
		},
	}
	_, err := hostedVerifier(f, config.VerifyConfig{}).HostedTools(context.Background(), "http://hub/sse")
	if err == nil || !strings.Contains(err.Error(), "stream dropped") {
		t.Fatalf("err: %v", err)
	}
}

func TestHostedToolsRequiresTools(t *testing.T) {
	f := &fakeHosted{}
	_, err := hostedVerifier(f, config.VerifyConfig{}).HostedTools(context.Background(), "http://hub/sse")
	if err == nil || !strings.Contains(err.Error(), "no tools") {
		t.Fatalf("err: %v", err)
	}
}
