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

package hub

import (
	"context"
	"fmt"

	"github.com/cloudwego/mcpflow/internal/log"
)

// Package types the hub understands for launching a template.
const (
	PackageTypeNPX       = 1
	PackageTypeUVX       = 2
	PackageTypeContainer = 4
)

// Languages the catalog renders, in wire order.
var templateLangs = []string{"zh", "en", "ja"}

type Category struct {
	ID   string `json:"template_category_id"`
	Name string `json:"name"`
}

// TemplateArg is one configurable startup argument of a template.
type TemplateArg struct {
	Name         string `json:"arg_name"`
	DefaultValue string `json:"default_value"`
	Description  string `json:"description,omitempty"`
}

// Template is the catalog entry for one published server. The multilingual
// maps are keyed by language code.
type Template struct {
	SourceID     string
	CategoryID   string
	Names        map[string]string
	Summaries    map[string]string
	Descriptions map[string]string
	IconURL      string
	Command      string
	PackageType  int
	RepoURL      string
	Readme       string
	Args         []TemplateArg
}

// Wire returns the request payload for t, with the multilingual fields
// expanded to the platform's {lang, content} lists.
func (t *Template) Wire() map[string]interface{} {
	m := map[string]interface{}{
		"template_source_id":   t.SourceID,
		"template_category_id": t.CategoryID,
		"name":                 multiLang(t.Names),
		"summary":              multiLang(t.Summaries),
		"description":          multiLang(t.Descriptions),
		"logo_url":             t.IconURL,
		"command":              t.Command,
		"package_type":         t.PackageType,
		"repo_url":             t.RepoURL,
		"readme":               t.Readme,
	}
	if len(t.Args) > 0 {
		m["args"] = t.Args
	}
	return m
}

func multiLang(byLang map[string]string) []map[string]string {
	out := make([]map[string]string, 0, len(byLang))
	for _, lang := range templateLangs {
		if v, ok := byLang[lang]; ok && v != "" {
			out = append(out, map[string]string{"lang": lang, "content": v})
		}
	}
	return out
}

// Categories lists the catalog categories, fetching them once per client.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	c.mu.Lock()
	cached := c.categories
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var body struct {
		Categories []Category `json:"categories"`
	}
	if err := c.call(ctx, "/api/template/categories", map[string]string{}, &body); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.categories = body.Categories
	c.mu.Unlock()
	return body.Categories, nil
}

// CategoryByName resolves a category id by its display name.
func (c *Client) CategoryByName(ctx context.Context, name string) (string, error) {
	cats, err := c.Categories(ctx)
	if err != nil {
		return "", err
	}
	for _, cat := range cats {
		if cat.Name == name {
			return cat.ID, nil
		}
	}
	return "", fmt.Errorf("hub category %q not found among %d categories", name, len(cats))
}

// FindTemplate looks a template up by its source id.
func (c *Client) FindTemplate(ctx context.Context, sourceID string) (string, bool, error) {
	var body struct {
		Templates []struct {
			TemplateID string `json:"template_id"`
			SourceID   string `json:"template_source_id"`
		} `json:"templates"`
	}
	in := map[string]string{"template_source_id": sourceID}
	if err := c.call(ctx, "/api/template/query", in, &body); err != nil {
		return "", false, err
	}
	for _, t := range body.Templates {
		if t.SourceID == sourceID {
			return t.TemplateID, true, nil
		}
	}
	return "", false, nil
}

// CreateTemplate registers a new catalog entry and returns its id.
func (c *Client) CreateTemplate(ctx context.Context, t *Template) (string, error) {
	var body struct {
		TemplateID string `json:"template_id"`
	}
	if err := c.call(ctx, "/api/template/create", t.Wire(), &body); err != nil {
		return "", err
	}
	log.Info("hub: created template %s (source %s)\n", body.TemplateID, t.SourceID)
	return body.TemplateID, nil
}

// UpdateTemplate overwrites the catalog entry templateID with t.
func (c *Client) UpdateTemplate(ctx context.Context, templateID string, t *Template) error {
	in := t.Wire()
	in["template_id"] = templateID
	if err := c.call(ctx, "/api/template/update", in, nil); err != nil {
		return err
	}
	log.Info("hub: updated template %s (source %s)\n", templateID, t.SourceID)
	return nil
}

// UpsertTemplate creates the entry on first publish and updates it on any
// later one, keyed by the template source id. Returns the template id and
// whether it already existed. A failed update still reports the found id,
// so the caller can retarget a repaired payload at the same entry.
func (c *Client) UpsertTemplate(ctx context.Context, t *Template) (string, bool, error) {
	id, found, err := c.FindTemplate(ctx, t.SourceID)
	if err != nil {
		return "", false, err
	}
	if found {
		if err := c.UpdateTemplate(ctx, id, t); err != nil {
			return id, true, err
		}
		return id, true, nil
	}
	id, err = c.CreateTemplate(ctx, t)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

// PushRaw submits a raw wire payload, routing on the presence of
// template_id. It lets a repaired payload be re-submitted without a round
// trip through Template.
func (c *Client) PushRaw(ctx context.Context, wire map[string]interface{}) (string, error) {
	if id, _ := wire["template_id"].(string); id != "" {
		if err := c.call(ctx, "/api/template/update", wire, nil); err != nil {
			return "", err
		}
		return id, nil
	}
	var body struct {
		TemplateID string `json:"template_id"`
	}
	if err := c.call(ctx, "/api/template/create", wire, &body); err != nil {
		return "", err
	}
	return body.TemplateID, nil
}

// CreateDialog opens a chat channel bound to the template's hosted server
// and returns the dialog id used by the verification round trip.
func (c *Client) CreateDialog(ctx context.Context, templateID string) (string, error) {
	var body struct {
		DialogID string `json:"dialog_id"`
	}
	in := map[string]string{"template_id": templateID}
	if err := c.call(ctx, "/api/dialog/create", in, &body); err != nil {
		return "", err
	}
	return body.DialogID, nil
}

// SSEEndpoint is the hosted server's stream URL for a template.
func (c *Client) SSEEndpoint(templateID string) string {
	return fmt.Sprintf("%s/api/mcp/%s/sse", c.base, templateID)
}
