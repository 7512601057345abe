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

// Package brief generates the multilingual catalog copy (name, summary,
// description) for a project with a chat model, falling back to
// manifest-derived text when no model is available.
package brief

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/project"
)

//go:embed prompt.md
var promptBrief string

const promptSystem = "You write professional catalog copy for MCP (Model Context Protocol) servers. You always answer with a single valid JSON object and nothing else."

var langs = []string{"zh", "en", "ja"}

// Brief is the three-language catalog copy for one project.
type Brief struct {
	Names        map[string]string `json:"names"`
	Summaries    map[string]string `json:"summaries"`
	Descriptions map[string]string `json:"descriptions"`
}

// ChatModel is the slice of the eino chat model the generator needs.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Generator calls a chat model with per-attempt timeouts and retries
// transient transport failures.
type Generator struct {
	model   ChatModel
	retries int
	timeout time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewGenerator(cfg ModelConfig) (*Generator, error) {
	cfg = cfg.withDefaults()
	cm, err := NewChatModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("build chat model: %w", err)
	}
	return &Generator{model: cm, retries: cfg.Retries, timeout: cfg.Timeout}, nil
}

// Generate produces the brief for p. The model answer is cleaned of markdown
// fences and parsed as JSON; languages the model left out are filled from the
// English copy, then from manifest data.
func (g *Generator) Generate(ctx context.Context, p *project.Project, readme string) (*Brief, error) {
	raw, err := g.call(ctx, buildPrompt(p, readme))
	if err != nil {
		return nil, fmt.Errorf("brief for %s: %w", p.ID, err)
	}
	b, err := parseBrief(raw)
	if err != nil {
		return nil, fmt.Errorf("brief for %s: %w", p.ID, err)
	}
	b.complete(p)
	return b, nil
}

// Fallback builds a deterministic brief from manifest data alone.
func Fallback(p *project.Project) *Brief {
	b := &Brief{}
	b.complete(p)
	return b
}

func (g *Generator) call(ctx context.Context, prompt string) (string, error) {
	msgs := []*schema.Message{
		schema.SystemMessage(promptSystem),
		schema.UserMessage(prompt),
	}
	var lastErr error
	for attempt := 1; attempt <= g.retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := g.model.Generate(attemptCtx, msgs)
		cancel()
		if err == nil {
			if resp == nil || resp.Content == "" {
				return "", fmt.Errorf("model returned an empty message")
			}
			return resp.Content, nil
		}
		lastErr = err
		if !retryableLLM(err) || attempt == g.retries {
			break
		}
		// Exponential backoff: 2s, 4s, 8s.
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		log.Info("model call failed (attempt %d/%d), retrying in %v: %v", attempt, g.retries, backoff, err)
		if err := g.pause(ctx, backoff); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (g *Generator) pause(ctx context.Context, d time.Duration) error {
	if g.sleep != nil {
		return g.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryableLLM(err error) bool {
	s := err.Error()
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "timed out") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "read tcp") ||
		strings.Contains(s, "write tcp") ||
		strings.Contains(s, "EOF") ||
		strings.Contains(s, "temporary failure")
}

func buildPrompt(p *project.Project, readme string) string {
	var sb strings.Builder
	sb.WriteString(promptBrief)
	fmt.Fprintf(&sb, "\nPackage kind: %s\n", p.Kind)
	fmt.Fprintf(&sb, "Package name: %s\n", p.Name)
	if p.Version != "" {
		fmt.Fprintf(&sb, "Version: %s\n", p.Version)
	}
	if d := clip(p.Description, 500); d != "" {
		fmt.Fprintf(&sb, "Manifest description: %s\n", d)
	}
	if readme != "" {
		fmt.Fprintf(&sb, "\nREADME excerpt:\n%s\n", readme)
	}
	return sb.String()
}

func parseBrief(raw string) (*Brief, error) {
	cleaned := cleanResponse(raw)
	var b Brief
	err := json.Unmarshal([]byte(cleaned), &b)
	if err != nil {
		// Some models preface the object with text despite instructions.
		start, end := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}")
		if start >= 0 && end > start && json.Unmarshal([]byte(cleaned[start:end+1]), &b) == nil {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("model answer is not valid JSON: %w", err)
	}
	if b.Names["zh"] == "" && b.Names["en"] == "" && b.Names["ja"] == "" {
		return nil, fmt.Errorf("model answer carried no names")
	}
	return &b, nil
}

// cleanResponse removes markdown code fences from a model answer.
func cleanResponse(response string) string {
	response = strings.TrimSpace(response)
	for _, prefix := range []string{"```json", "```JSON", "```"} {
		if strings.HasPrefix(response, prefix) {
			response = strings.TrimPrefix(response, prefix)
			break
		}
	}
	if strings.HasSuffix(response, "```") {
		response = strings.TrimSuffix(response, "```")
	}
	return strings.TrimSpace(response)
}

// complete fills the languages the model left out: English first, then the
// manifest name and description, so every field ends up non-empty.
func (b *Brief) complete(p *project.Project) {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	summary := p.Description
	if summary == "" {
		summary = fmt.Sprintf("%s MCP server", name)
	}
	desc := p.Description
	if desc == "" {
		desc = fmt.Sprintf("%s is an MCP server distributed as a %s package.", name, p.Kind)
	}
	b.Names = fill(b.Names, name)
	b.Summaries = fill(b.Summaries, summary)
	b.Descriptions = fill(b.Descriptions, desc)
}

func fill(m map[string]string, fallback string) map[string]string {
	if m == nil {
		m = make(map[string]string, len(langs))
	}
	for _, lang := range langs {
		if m[lang] != "" {
			continue
		}
		if m["en"] != "" {
			m[lang] = m["en"]
		} else {
			m[lang] = fallback
		}
	}
	return m
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "")
}

// LoadReadme returns an excerpt of the project readme, or "" when absent.
func LoadReadme(dir string) string {
	for _, name := range []string{"README.md", "readme.md", "README.rst", "README.txt", "README"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		return clip(string(data), 2000)
	}
	return ""
}
