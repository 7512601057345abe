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

// Package registry waits for a released package version to appear on its
// public registry. Publishing is asynchronous: the release tag triggers a
// build workflow, and the package shows up minutes later.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cloudwego/mcpflow/internal/config"
	"github.com/cloudwego/mcpflow/internal/invoke"
	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/project"
)

// NotAvailableError means the package did not appear within the poll
// budget. Retrying the whole wait later can still succeed.
type NotAvailableError struct {
	Kind       project.Kind
	Name       string
	Version    string
	LastStatus int
	Waited     time.Duration
}

func (e *NotAvailableError) Error() string {
	return fmt.Sprintf("%s package %s@%s not available after %v (last status %d)",
		e.Kind, e.Name, e.Version, e.Waited.Round(time.Second), e.LastStatus)
}

func (e *NotAvailableError) Temporary() bool { return true }

type Client struct {
	npmBase  string
	pypiBase string
	interval time.Duration
	budget   time.Duration
	iv       *invoke.Invoker
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func NewClient(cfg config.RegistryConfig, opts ...invoke.Option) *Client {
	all := append([]invoke.Option{invoke.WithClassifier(pollClassify)}, opts...)
	return &Client{
		npmBase:  cfg.NPMBase,
		pypiBase: cfg.PyPIBase,
		interval: cfg.PollInterval.Std(),
		budget:   cfg.PollBudget.Std(),
		iv:       invoke.New(all...),
		now:      time.Now,
	}
}

// pollClassify keeps 404 out of the transient bucket: a not-yet-published
// package is the poll loop's business, not a call failure worth backoff.
func pollClassify(resp *invoke.Response, err error) invoke.Class {
	if resp != nil && resp.Status == http.StatusNotFound {
		return invoke.ClassFatal
	}
	return invoke.DefaultClassify(resp, err)
}

// WaitAvailable polls the public registry until name@version resolves or
// the budget runs out. Kinds without a public registry return at once.
func (c *Client) WaitAvailable(ctx context.Context, kind project.Kind, name, version string) error {
	target, err := c.lookupURL(kind, name, version)
	if err != nil || target == "" {
		return err
	}

	start := c.now()
	lastStatus := 0
	for {
		_, cerr := c.iv.JSON(ctx, http.MethodGet, target, nil, nil)
		if cerr == nil {
			log.Info("registry: %s@%s available after %v\n", name, version, c.now().Sub(start).Round(time.Second))
			return nil
		}
		var ce *invoke.CallError
		if !errors.As(cerr, &ce) {
			return cerr
		}
		if ce.Status != http.StatusNotFound {
			return fmt.Errorf("check %s: %w", target, cerr)
		}
		lastStatus = ce.Status

		waited := c.now().Sub(start)
		if waited+c.interval > c.budget {
			return &NotAvailableError{Kind: kind, Name: name, Version: version, LastStatus: lastStatus, Waited: waited}
		}
		log.Debug("registry: %s@%s not there yet, %v/%v\n", name, version, waited.Round(time.Second), c.budget)
		if serr := c.pause(ctx, c.interval); serr != nil {
			return serr
		}
	}
}

func (c *Client) lookupURL(kind project.Kind, name, version string) (string, error) {
	switch kind {
	case project.KindNode:
		return fmt.Sprintf("%s/%s/%s", c.npmBase, url.PathEscape(name), version), nil
	case project.KindPython:
		return fmt.Sprintf("%s/%s/%s/json", c.pypiBase, url.PathEscape(name), version), nil
	case project.KindGo, project.KindJava:
		log.Debug("registry: no public wait for %s packages\n", kind)
		return "", nil
	default:
		return "", fmt.Errorf("unknown project kind %q", kind)
	}
}

func (c *Client) pause(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
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
