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

// Package verify checks a published server three ways: invoking its hosted
// tools over the hub's push endpoint, a conversational round trip through
// the hub chat channel, and a local stdio smoke test of the launch command.
package verify

import (
	"context"
	"io"
	"os/exec"

	"github.com/cloudwego/mcpflow/internal/config"
	"github.com/cloudwego/mcpflow/internal/hub"
	"github.com/cloudwego/mcpflow/internal/streamrpc"
)

// Verdict values for one checked tool.
const (
	VerdictOK      = "ok"
	VerdictError   = "error"
	VerdictSkipped = "skipped"
)

type dialogHub interface {
	SendDialogMessage(ctx context.Context, dialogID, content string) (string, error)
	OpenDialogEvents(ctx context.Context, dialogID string) (io.ReadCloser, error)
}

type hostedConn interface {
	Initialize(ctx context.Context, name, version string) error
	ListTools(ctx context.Context) ([]streamrpc.ToolSpec, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*streamrpc.ToolResult, error)
	Close() error
}

type Verifier struct {
	cfg  config.VerifyConfig
	chat config.ChatConfig
	hub  dialogHub

	dial     func(ctx context.Context, sseURL string) (hostedConn, error)
	lookPath func(file string) (string, error)
}

// New builds a Verifier. hubClient may be nil for callers that only run
// local checks; the chat round trip then reports an error instead of
// dereferencing a typed-nil interface.
func New(vcfg config.VerifyConfig, ccfg config.ChatConfig, hubClient *hub.Client) *Verifier {
	v := &Verifier{cfg: vcfg, chat: ccfg}
	if hubClient != nil {
		v.hub = hubClient
	}
	v.dial = func(ctx context.Context, sseURL string) (hostedConn, error) {
		return streamrpc.Dial(ctx, sseURL)
	}
	v.lookPath = exec.LookPath
	return v
}
