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

package icon

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/mcpflow/internal/config"
	"github.com/cloudwego/mcpflow/internal/project"
	"github.com/cloudwego/mcpflow/internal/streamrpc"
)

type fakeConn struct {
	result  *streamrpc.ToolResult
	callErr error
	tool    string
	args    map[string]interface{}
	inited  bool
	closed  bool
}

func (f *fakeConn) Initialize(ctx context.Context, name, version string) error {
	f.inited = true
	return nil
}

func (f *fakeConn) CallTool(ctx context.Context, name string, args map[string]interface{}) (*streamrpc.ToolResult, error) {
	f.tool, f.args = name, args
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.result, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type fakeUploader struct {
	name string
	data []byte
	err  error
}

func (f *fakeUploader) UploadIcon(ctx context.Context, name string, data []byte) (string, error) {
	f.name, f.data = name, data
	if f.err != nil {
		return "", f.err
	}
	return "/files/" + name, nil
}

func testGenerator(fc *fakeConn, up *fakeUploader) *Generator {
	g := New(config.IconConfig{Tool: "jimeng-v40-generate"}, up)
	g.dial = func(ctx context.Context) (conn, error) { return fc, nil }
	return g
}

func testProject() *project.Project {
	return &project.Project{
		ID:   "weather-mcp",
		Kind: project.KindNode,
		Name: "weather-mcp",
	}
}

func TestGenerateInlineImage(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	fc := &fakeConn{result: &streamrpc.ToolResult{Content: []streamrpc.ToolContent{
		{Type: "image", Data: base64.StdEncoding.EncodeToString(raw)},
	}}}
	up := &fakeUploader{}

	url, err := testGenerator(fc, up).Generate(context.Background(), testProject(), "Check forecasts")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if url != "/files/weather-mcp.png" {
		t.Errorf("url: got %s", url)
	}
	if !bytes.Equal(up.data, raw) {
		t.Errorf("uploaded bytes: got %v", up.data)
	}
	if up.name != "weather-mcp.png" {
		t.Errorf("uploaded name: got %s", up.name)
	}
	if fc.tool != "jimeng-v40-generate" {
		t.Errorf("tool: got %s", fc.tool)
	}
	if !fc.inited || !fc.closed {
		t.Errorf("handshake/close: inited=%v closed=%v", fc.inited, fc.closed)
	}
	prompt, _ := fc.args["prompt"].(string)
	if !strings.Contains(prompt, "weather-mcp") || !strings.Contains(prompt, "Check forecasts") {
		t.Errorf("prompt:\n%s", prompt)
	}
}

func TestGenerateDownloadsFromURL(t *testing.T) {
	raw := []byte("imagebytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(raw)
	}))
	defer srv.Close()

	fc := &fakeConn{result: &streamrpc.ToolResult{Content: []streamrpc.ToolContent{
		{Type: "text", Text: srv.URL + "/logo.png"},
	}}}
	up := &fakeUploader{}

	if _, err := testGenerator(fc, up).Generate(context.Background(), testProject(), ""); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !bytes.Equal(up.data, raw) {
		t.Errorf("uploaded bytes: got %q", up.data)
	}
}

func TestGenerateExtraArgsOverride(t *testing.T) {
	fc := &fakeConn{result: &streamrpc.ToolResult{Content: []streamrpc.ToolContent{
		{Type: "image", Data: base64.StdEncoding.EncodeToString([]byte("x"))},
	}}}
	up := &fakeUploader{}
	g := New(config.IconConfig{Args: map[string]string{"size": "512x512"}}, up)
	g.dial = func(ctx context.Context) (conn, error) { return fc, nil }

	if _, err := g.Generate(context.Background(), testProject(), ""); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if fc.args["size"] != "512x512" {
		t.Errorf("args: got %v", fc.args)
	}
	if fc.tool != "generate_image" {
		t.Errorf("default tool: got %s", fc.tool)
	}
}

func TestGenerateToolFailure(t *testing.T) {
	fc := &fakeConn{result: &streamrpc.ToolResult{
		IsError: true,
		Content: []streamrpc.ToolContent{{Type: "text", Text: "quota exceeded"}},
	}}
	_, err := testGenerator(fc, &fakeUploader{}).Generate(context.Background(), testProject(), "")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err: %v", err)
	}
}

func TestGenerateNoImageInResult(t *testing.T) {
	fc := &fakeConn{result: &streamrpc.ToolResult{Content: []streamrpc.ToolContent{
		{Type: "text", Text: "all done"},
	}}}
	_, err := testGenerator(fc, &fakeUploader{}).Generate(context.Background(), testProject(), "")
	if err == nil || !strings.Contains(err.Error(), "no image") {
		t.Fatalf("err: %v", err)
	}
}

func TestGenerateUploadFailure(t *testing.T) {
	fc := &fakeConn{result: &streamrpc.ToolResult{Content: []streamrpc.ToolContent{
		{Type: "image", Data: base64.StdEncoding.EncodeToString([]byte("x"))},
	}}}
	up := &fakeUploader{err: errors.New("storage down")}
	_, err := testGenerator(fc, up).Generate(context.Background(), testProject(), "")
	if err == nil || !strings.Contains(err.Error(), "store icon") {
		t.Fatalf("err: %v", err)
	}
}

func TestFirstURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare url", "https://img.example.com/a.png", "https://img.example.com/a.png"},
		{"url with trailing text", "https://img.example.com/a.png generated", "https://img.example.com/a.png"},
		{"json image_url", `{"image_url": "https://img.example.com/b.png"}`, "https://img.example.com/b.png"},
		{"json url", `{"url": "https://img.example.com/c.png"}`, "https://img.example.com/c.png"},
		{"prose", "here you go", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := firstURL(c.in); got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
		})
	}
}
