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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/project"
	"github.com/cloudwego/mcpflow/internal/streamrpc"
	"github.com/cloudwego/mcpflow/version"
)

const stdioProbeBudget = 30 * time.Second

type StdioReport struct {
	Command string   `json:"command"`
	Tools   []string `json:"tools"`
	Skipped bool     `json:"skipped"`
	Reason  string   `json:"reason,omitempty"`
}

// stdioPipe glues a child process's stdin and stdout into one stream.
type stdioPipe struct {
	io.WriteCloser
	io.ReadCloser
}

func (p stdioPipe) Close() error {
	p.WriteCloser.Close()
	return p.ReadCloser.Close()
}

// noopHandler drops server-initiated requests; the probe only ever plays
// client.
type noopHandler struct{}

func (noopHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {}

// StdioProbe launches the project's stdio command and speaks JSON-RPC over
// its pipes: initialize, then tools/list, within a 30s budget. A project
// with no launcher, or a launcher not installed on this machine, yields a
// skipped report rather than an error.
func (v *Verifier) StdioProbe(ctx context.Context, p *project.Project) (*StdioReport, error) {
	name, args, err := project.LaunchSpec(*p)
	if err != nil {
		return &StdioReport{Skipped: true, Reason: err.Error()}, nil
	}
	cmdline := strings.TrimSpace(name + " " + strings.Join(args, " "))
	if _, err := v.lookPath(name); err != nil {
		return &StdioReport{Command: cmdline, Skipped: true, Reason: fmt.Sprintf("launcher %s is not installed", name)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, stdioProbeBudget)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = p.Dir
	cmd.Env = os.Environ()
	for k, val := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+val)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmdline, err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	stream := jsonrpc2.NewBufferedStream(stdioPipe{stdin, stdout}, jsonrpc2.PlainObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, noopHandler{})
	defer conn.Close()

	initParams := map[string]interface{}{
		"protocolVersion": streamrpc.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "mcpflow", "version": version.Version},
	}
	var initRes json.RawMessage
	if err := conn.Call(ctx, "initialize", initParams, &initRes); err != nil {
		return nil, fmt.Errorf("stdio initialize: %w", err)
	}
	if err := conn.Notify(ctx, "notifications/initialized", map[string]interface{}{}); err != nil {
		return nil, fmt.Errorf("stdio initialized notification: %w", err)
	}

	var tools struct {
		Tools []streamrpc.ToolSpec `json:"tools"`
	}
	if err := conn.Call(ctx, "tools/list", map[string]interface{}{}, &tools); err != nil {
		return nil, fmt.Errorf("stdio tools/list: %w", err)
	}

	report := &StdioReport{Command: cmdline}
	for _, t := range tools.Tools {
		report.Tools = append(report.Tools, t.Name)
	}
	log.Info("stdio probe %s: %d tools over %q", p.ID, len(report.Tools), cmdline)
	return report, nil
}
