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

// Package icon produces a project logo by calling an imaging tool on a
// stream RPC MCP server, then stores the image on the hub.
package icon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/mcpflow/internal/config"
	"github.com/cloudwego/mcpflow/internal/invoke"
	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/project"
	"github.com/cloudwego/mcpflow/internal/streamrpc"
	"github.com/cloudwego/mcpflow/version"
)

// Uploader stores a generated image and returns its public URL.
type Uploader interface {
	UploadIcon(ctx context.Context, name string, data []byte) (string, error)
}

// conn is the slice of the stream RPC client the generator needs.
type conn interface {
	Initialize(ctx context.Context, name, version string) error
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*streamrpc.ToolResult, error)
	Close() error
}

// Generator dials the imaging service per call, so one dropped connection
// never poisons a whole batch.
type Generator struct {
	cfg config.IconConfig
	hub Uploader
	iv  *invoke.Invoker

	dial func(ctx context.Context) (conn, error)
}

func New(cfg config.IconConfig, hub Uploader) *Generator {
	g := &Generator{cfg: cfg, hub: hub, iv: invoke.New()}
	g.dial = func(ctx context.Context) (conn, error) {
		return streamrpc.Dial(ctx, cfg.SSEURL, streamrpc.WithCallTimeout(g.timeout()))
	}
	return g
}

func (g *Generator) timeout() time.Duration {
	if d := g.cfg.Timeout.Std(); d > 0 {
		return d
	}
	return 120 * time.Second
}

func (g *Generator) toolName() string {
	if g.cfg.Tool != "" {
		return g.cfg.Tool
	}
	return "generate_image"
}

// Generate renders a logo for p and returns the hub URL it was stored under.
func (g *Generator) Generate(ctx context.Context, p *project.Project, summary string) (string, error) {
	c, err := g.dial(ctx)
	if err != nil {
		return "", fmt.Errorf("dial imaging service: %w", err)
	}
	defer c.Close()
	if err := c.Initialize(ctx, "mcpflow", version.Version); err != nil {
		return "", fmt.Errorf("imaging handshake: %w", err)
	}

	args := map[string]interface{}{"prompt": buildPrompt(p, summary)}
	for k, v := range g.cfg.Args {
		args[k] = v
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()
	res, err := c.CallTool(callCtx, g.toolName(), args)
	if err != nil {
		return "", fmt.Errorf("imaging tool %s: %w", g.toolName(), err)
	}
	if res.IsError {
		return "", fmt.Errorf("imaging tool %s failed: %s", g.toolName(), res.Text())
	}

	img, err := g.fetch(ctx, res)
	if err != nil {
		return "", err
	}
	url, err := g.hub.UploadIcon(ctx, p.ID+".png", img)
	if err != nil {
		return "", fmt.Errorf("store icon: %w", err)
	}
	log.Info("icon for %s stored at %s", p.ID, url)
	return url, nil
}

// fetch turns the tool result into image bytes: inline base64 data is
// decoded, an image URL is downloaded.
func (g *Generator) fetch(ctx context.Context, res *streamrpc.ToolResult) ([]byte, error) {
	imgURL, b64, err := extract(res)
	if err != nil {
		return nil, err
	}
	if b64 != "" {
		data, derr := base64.StdEncoding.DecodeString(b64)
		if derr != nil {
			return nil, fmt.Errorf("decode inline image: %w", derr)
		}
		return data, nil
	}

	resp, err := g.iv.Do(ctx, &invoke.Request{Method: http.MethodGet, URL: imgURL})
	if err != nil {
		return nil, fmt.Errorf("download image %s: %w", imgURL, err)
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("image at %s is empty", imgURL)
	}
	return resp.Body, nil
}

// extract pulls the image location out of the tool result. Imaging servers
// answer in several shapes: an image content part with inline data, a text
// part that is the URL, or a text part holding JSON with an image_url field.
func extract(res *streamrpc.ToolResult) (imgURL, b64 string, err error) {
	for _, c := range res.Content {
		if c.Data != "" {
			return "", c.Data, nil
		}
		if c.Text == "" {
			continue
		}
		if u := firstURL(c.Text); u != "" {
			return u, "", nil
		}
	}
	return "", "", fmt.Errorf("tool result carried no image URL or data")
}

func firstURL(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		if i := strings.IndexAny(s, " \t\n\r"); i > 0 {
			return s[:i]
		}
		return s
	}
	var m map[string]interface{}
	if json.Unmarshal([]byte(s), &m) == nil {
		for _, k := range []string{"image_url", "url"} {
			if v, ok := m[k].(string); ok && v != "" {
				return v
			}
		}
	}
	return ""
}

var kindThemes = map[project.Kind]string{
	project.KindNode:   "JavaScript, Node.js, red, modern",
	project.KindPython: "Python, data tooling, blue and yellow",
	project.KindGo:     "Go, cloud tooling, light blue",
	project.KindJava:   "Java, enterprise, orange and blue",
}

func buildPrompt(p *project.Project, summary string) string {
	if summary == "" {
		summary = p.Description
	}
	if summary == "" {
		summary = "Software tool"
	}
	if len(summary) > 100 {
		summary = strings.ToValidUTF8(summary[:100], "")
	}
	theme, ok := kindThemes[p.Kind]
	if !ok {
		theme = "technology, modern"
	}
	return fmt.Sprintf(`Create a professional logo for "%s" - a %s package.
Description: %s
Theme: %s
Style: flat design, minimalist, modern
Colors: professional color scheme (2-3 colors)
Format: square 512x512, clean background
Must include: simple icon representing the package purpose`,
		p.Name, p.Kind, summary, theme)
}
