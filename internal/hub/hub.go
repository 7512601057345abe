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

// Package hub talks to the MCP catalog platform. Every response wraps its
// payload in a {err_code, err_message, body} envelope; a non-zero err_code
// is an application failure even on HTTP 200.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/cloudwego/mcpflow/internal/auth"
	"github.com/cloudwego/mcpflow/internal/config"
	"github.com/cloudwego/mcpflow/internal/invoke"
	"github.com/cloudwego/mcpflow/internal/log"
)

type envelope struct {
	ErrCode    int             `json:"err_code"`
	ErrMessage string          `json:"err_message"`
	Body       json.RawMessage `json:"body"`
}

// APIError is a non-zero envelope code from the hub.
type APIError struct {
	Code    int
	Message string

	err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub: %s (code %d)", e.Message, e.Code)
}

func (e *APIError) Unwrap() error { return e.err }

type Client struct {
	base    string
	session *auth.Session
	iv      *invoke.Invoker
	loginIV *invoke.Invoker
	stream  *http.Client

	mu         sync.Mutex
	categories []Category
}

// NewClient wires a hub client whose session key is acquired lazily with
// the configured phone and validation code, and re-acquired when the hub
// reports it expired.
func NewClient(cfg config.HubConfig, opts ...invoke.Option) *Client {
	c := &Client{base: strings.TrimRight(cfg.BaseURL, "/")}
	c.session = auth.NewSession("hub", auth.CredentialsFunc(func(ctx context.Context) (string, error) {
		return c.login(ctx, cfg.Phone, cfg.ValidationCode)
	}))
	// No overall timeout: this client carries long-lived event streams.
	c.stream = &http.Client{}

	c.loginIV = invoke.New(append([]invoke.Option{invoke.WithClassifier(classifyEnvelope)}, opts...)...)
	c.iv = invoke.New(append([]invoke.Option{
		invoke.WithClassifier(classifyEnvelope),
		invoke.WithAuth(invoke.AuthSpec{Session: c.session, Header: "token"}),
	}, opts...)...)
	return c
}

// Session exposes the hub credential session, so a caller can detect or
// force re-login.
func (c *Client) Session() *auth.Session { return c.session }

// classifyEnvelope adds envelope-level failures on top of the transport
// classification: an expired session asks for one re-login and replay,
// any other non-zero code stops the call.
func classifyEnvelope(resp *invoke.Response, err error) invoke.Class {
	if class := invoke.DefaultClassify(resp, err); class != invoke.ClassNone {
		return class
	}
	var env envelope
	if json.Unmarshal(resp.Body, &env) != nil || env.ErrCode == 0 {
		return invoke.ClassNone
	}
	if sessionExpired(env.ErrCode, env.ErrMessage) {
		return invoke.ClassAuthExpired
	}
	return invoke.ClassFatal
}

func sessionExpired(code int, msg string) bool {
	if code == http.StatusUnauthorized {
		return true
	}
	m := strings.ToLower(msg)
	return strings.Contains(m, "session expired") ||
		strings.Contains(m, "invalid session") ||
		strings.Contains(m, "not logged in")
}

func (c *Client) login(ctx context.Context, phone, code string) (string, error) {
	if phone == "" || code == "" {
		return "", errors.New("hub phone or validation code not configured")
	}
	var body struct {
		SessionKey string `json:"session_key"`
	}
	in := map[string]string{"phone_number": phone, "validation_code": code}
	if err := c.post(ctx, c.loginIV, "/api/user/login", in, &body); err != nil {
		return "", err
	}
	log.Info("hub: logged in as %s\n", maskPhone(phone))
	return body.SessionKey, nil
}

// post performs one enveloped call and decodes body into out.
func (c *Client) post(ctx context.Context, iv *invoke.Invoker, path string, in, out interface{}) error {
	var env envelope
	if _, err := iv.JSON(ctx, http.MethodPost, c.base+path, in, &env); err != nil {
		return wrapHubError(err)
	}
	if out != nil && len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, out); err != nil {
			return fmt.Errorf("decode %s body: %w", path, err)
		}
	}
	return nil
}

func (c *Client) call(ctx context.Context, path string, in, out interface{}) error {
	return c.post(ctx, c.iv, path, in, out)
}

func wrapHubError(err error) error {
	var ce *invoke.CallError
	if !errors.As(err, &ce) || len(ce.Body) == 0 {
		return err
	}
	var env envelope
	if json.Unmarshal(ce.Body, &env) != nil || env.ErrCode == 0 {
		return err
	}
	return &APIError{Code: env.ErrCode, Message: env.ErrMessage, err: err}
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
