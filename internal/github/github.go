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

// Package github manages the source-host side of a publish: the org repo,
// the pushed tree and the release tag that triggers the publish workflow.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cloudwego/mcpflow/internal/auth"
	"github.com/cloudwego/mcpflow/internal/config"
	"github.com/cloudwego/mcpflow/internal/invoke"
	"github.com/cloudwego/mcpflow/internal/log"
)

var (
	// ErrOrgNotFound means the configured organization does not exist or
	// the token cannot see it.
	ErrOrgNotFound = errors.New("github organization not found")
	// ErrForbidden means the token lacks permission to create repos in
	// the organization.
	ErrForbidden = errors.New("github organization access forbidden")
)

// APIError is a non-2xx answer from the GitHub API with the message
// parsed out of the error body.
type APIError struct {
	Status  int
	Message string
	URL     string

	err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s (status %d, %s)", e.Message, e.Status, e.URL)
}

func (e *APIError) Unwrap() error { return e.err }

// Repo is the subset of repository metadata the pipeline needs.
type Repo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	CloneURL      string `json:"clone_url"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
}

type Client struct {
	base   string
	org    string
	branch string
	ignore map[string]bool
	iv     *invoke.Invoker
}

// NewClient builds a client for cfg. The token rides on every request as
// a bearer credential; extra invoker options are mainly for tests.
func NewClient(cfg config.GitHubConfig, opts ...invoke.Option) *Client {
	session := auth.NewSession("github", auth.CredentialsFunc(func(ctx context.Context) (string, error) {
		if cfg.Token == "" {
			return "", errors.New("github token not configured")
		}
		return cfg.Token, nil
	}))

	ignore := map[string]bool{".git": true, "node_modules": true, "__pycache__": true}
	for _, extra := range cfg.Ignore {
		ignore[extra] = true
	}

	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}

	all := append([]invoke.Option{
		invoke.WithAuth(invoke.AuthSpec{Session: session, Header: "Authorization", Scheme: "Bearer"}),
	}, opts...)
	return &Client{
		base:   strings.TrimRight(cfg.APIBase, "/"),
		org:    cfg.Org,
		branch: branch,
		ignore: ignore,
		iv:     invoke.New(all...),
	}
}

// EnsureRepo returns the org repo named name, creating it when absent.
// A missing org and a permission refusal surface as ErrOrgNotFound and
// ErrForbidden so the pipeline can abort without retrying.
func (c *Client) EnsureRepo(ctx context.Context, name string) (*Repo, error) {
	var repo Repo
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", c.org, name), nil, &repo)
	if err == nil {
		log.Info("github: reusing repo %s\n", repo.FullName)
		return c.withBranch(&repo), nil
	}
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusNotFound {
		return nil, err
	}

	in := map[string]interface{}{"name": name, "private": false, "auto_init": false}
	cerr := c.call(ctx, http.MethodPost, fmt.Sprintf("/orgs/%s/repos", c.org), in, &repo)
	if cerr == nil {
		log.Info("github: created repo %s/%s\n", c.org, name)
		return c.withBranch(&repo), nil
	}
	if errors.As(cerr, &ae) {
		switch ae.Status {
		case http.StatusNotFound:
			return nil, fmt.Errorf("create repo %s/%s: %w", c.org, name, ErrOrgNotFound)
		case http.StatusForbidden:
			return nil, fmt.Errorf("create repo %s/%s: %w", c.org, name, ErrForbidden)
		}
	}
	return nil, cerr
}

// TagRelease points refs/tags/<tag> at sha. A tag that already exists is
// success, so re-running a publish is harmless.
func (c *Client) TagRelease(ctx context.Context, repo, tag, sha string) error {
	in := map[string]interface{}{"ref": "refs/tags/" + tag, "sha": sha}
	err := c.call(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/refs", c.org, repo), in, nil)
	if err == nil {
		log.Info("github: tagged %s/%s %s at %s\n", c.org, repo, tag, short(sha))
		return nil
	}
	var ae *APIError
	if errors.As(err, &ae) && ae.Status == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(ae.Message), "already exists") {
		log.Info("github: tag %s already exists on %s/%s\n", tag, c.org, repo)
		return nil
	}
	return err
}

func (c *Client) withBranch(repo *Repo) *Repo {
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = c.branch
	}
	return repo
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	url := c.base + path
	if _, err := c.iv.JSON(ctx, method, url, in, out); err != nil {
		return wrapAPIError(err, url)
	}
	return nil
}

func wrapAPIError(err error, url string) error {
	var ce *invoke.CallError
	if !errors.As(err, &ce) {
		return err
	}
	msg := ce.Err.Error()
	var body struct {
		Message string `json:"message"`
	}
	if len(ce.Body) > 0 && json.Unmarshal(ce.Body, &body) == nil && body.Message != "" {
		msg = body.Message
	}
	return &APIError{Status: ce.Status, Message: msg, URL: url, err: err}
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
