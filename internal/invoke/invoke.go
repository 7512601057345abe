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

// Package invoke sends HTTP requests with outcome classification,
// session re-authentication and bounded retries of transient failures.
//
// Expired credentials trigger one session refresh followed by a single
// replay. Transient upstream failures back off exponentially up to the
// policy bound. Fatal outcomes return immediately. Every attempt is
// logged with its classification.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/cloudwego/mcpflow/internal/auth"
	"github.com/cloudwego/mcpflow/internal/log"
)

// Request is a replayable call description. Body is a byte slice, not
// a reader, so retries resend identical content.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// AuthSpec names the session whose token each attempt carries and how
// the token is placed on the request.
type AuthSpec struct {
	Session *auth.Session
	// Header is the header name, e.g. "token" or "Authorization".
	Header string
	// Scheme, when set, prefixes the token, e.g. "Bearer".
	Scheme string
}

// Classifier maps a call outcome onto a Class. resp is nil when the
// transport failed. Bodies are available, so envelope-style APIs can
// classify application codes carried inside 200 responses.
type Classifier func(resp *Response, err error) Class

// DefaultClassify treats 401 as expired credentials, 429 and 5xx as
// transient, other 4xx as fatal, and transport errors as transient
// unless the context itself is done.
func DefaultClassify(resp *Response, err error) Class {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ClassTimeout
		}
		return ClassTransient
	}
	switch {
	case resp.Status == http.StatusUnauthorized:
		return ClassAuthExpired
	case resp.Status == http.StatusTooManyRequests:
		return ClassTransient
	case resp.Status >= 500:
		return ClassTransient
	case resp.Status >= 400:
		return ClassFatal
	}
	return ClassNone
}

type Invoker struct {
	client   *http.Client
	policy   Policy
	classify Classifier
	authSpec *AuthSpec
	rnd      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Invoker)

func WithHTTPClient(c *http.Client) Option {
	return func(iv *Invoker) { iv.client = c }
}

func WithPolicy(p Policy) Option {
	return func(iv *Invoker) { iv.policy = p }
}

func WithClassifier(c Classifier) Option {
	return func(iv *Invoker) { iv.classify = c }
}

func WithAuth(spec AuthSpec) Option {
	return func(iv *Invoker) { iv.authSpec = &spec }
}

func New(opts ...Option) *Invoker {
	iv := &Invoker{
		client:   &http.Client{Timeout: 30 * time.Second},
		policy:   DefaultPolicy(),
		classify: DefaultClassify,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// Do performs req until it succeeds, exhausts the policy, or hits a
// terminal classification. On failure the returned error is always a
// *CallError.
func (iv *Invoker) Do(ctx context.Context, req *Request) (*Response, error) {
	attempt := 0
	reauthed := false
	backoff := iv.policy.InitialBackoff
	for {
		attempt++
		if err := ctx.Err(); err != nil {
			return nil, &CallError{Class: ClassTimeout, Attempts: attempt - 1, Err: err}
		}

		var usedToken string
		if iv.authSpec != nil {
			tok, err := iv.authSpec.Session.Token(ctx)
			if err != nil {
				return nil, &CallError{Class: ClassAuthExpired, Attempts: attempt, Err: err}
			}
			usedToken = tok
		}

		resp, err := iv.roundTrip(ctx, req, usedToken)
		class := iv.classify(resp, err)
		if class == ClassTimeout && ctx.Err() == nil {
			// The attempt timed out but the call as a whole may still
			// proceed, so treat it like any other transient failure.
			class = ClassTransient
		}

		switch class {
		case ClassNone:
			log.Debug("invoke %s %s: attempt=%d status=%d ok", req.Method, req.URL, attempt, resp.Status)
			return resp, nil

		case ClassAuthExpired:
			if iv.authSpec == nil || reauthed {
				log.Error("invoke %s %s: attempt=%d credentials rejected again, giving up", req.Method, req.URL, attempt)
				return nil, &CallError{Class: ClassFatal, Status: status(resp), Attempts: attempt, Body: respBody(resp), Err: outcomeErr(resp, err)}
			}
			reauthed = true
			iv.authSpec.Session.Invalidate(usedToken)
			log.Info("invoke %s %s: attempt=%d class=%s refreshing session and replaying once", req.Method, req.URL, attempt, class)
			if _, rerr := iv.authSpec.Session.Refresh(ctx); rerr != nil {
				return nil, &CallError{Class: ClassAuthExpired, Status: status(resp), Attempts: attempt, Err: rerr}
			}

		case ClassTransient:
			last := outcomeErr(resp, err)
			if attempt >= iv.policy.MaxAttempts {
				log.Error("invoke %s %s: attempt=%d class=%s giving up: %v", req.Method, req.URL, attempt, class, last)
				return nil, &CallError{Class: ClassTransient, Status: status(resp), Attempts: attempt, Body: respBody(resp), Err: last}
			}
			wait := iv.policy.jittered(backoff, iv.rnd)
			log.Info("invoke %s %s: attempt=%d class=%s status=%d retrying in %v: %v",
				req.Method, req.URL, attempt, class, status(resp), wait, last)
			if serr := iv.sleep(ctx, wait); serr != nil {
				return nil, &CallError{Class: ClassTimeout, Attempts: attempt, Err: serr}
			}
			backoff = iv.policy.next(backoff)

		case ClassTimeout:
			log.Error("invoke %s %s: attempt=%d deadline exceeded", req.Method, req.URL, attempt)
			return nil, &CallError{Class: ClassTimeout, Status: status(resp), Attempts: attempt, Err: outcomeErr(resp, err)}

		default: // ClassFatal
			log.Error("invoke %s %s: attempt=%d class=%s status=%d: %v",
				req.Method, req.URL, attempt, class, status(resp), outcomeErr(resp, err))
			return nil, &CallError{Class: ClassFatal, Status: status(resp), Attempts: attempt, Body: respBody(resp), Err: outcomeErr(resp, err)}
		}
	}
}

// JSON marshals in (when non-nil), performs the call and unmarshals a
// successful response body into out (when non-nil).
func (iv *Invoker) JSON(ctx context.Context, method, url string, in, out interface{}) (*Response, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}
	hdr := http.Header{}
	if body != nil {
		hdr.Set("Content-Type", "application/json")
	}
	hdr.Set("Accept", "application/json")

	resp, err := iv.Do(ctx, &Request{Method: method, URL: url, Header: hdr, Body: body})
	if err != nil {
		return nil, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("decode %s %s response: %w", method, url, err)
		}
	}
	return resp, nil
}

func (iv *Invoker) roundTrip(ctx context.Context, req *Request, token string) (*Response, error) {
	var rd io.Reader
	if req.Body != nil {
		rd = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if token != "" {
		v := token
		if iv.authSpec.Scheme != "" {
			v = iv.authSpec.Scheme + " " + token
		}
		hreq.Header.Set(iv.authSpec.Header, v)
	}

	hresp, err := iv.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()
	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{Status: hresp.StatusCode, Header: hresp.Header, Body: data}, nil
}

func status(resp *Response) int {
	if resp == nil {
		return 0
	}
	return resp.Status
}

func respBody(resp *Response) []byte {
	if resp == nil {
		return nil
	}
	return resp.Body
}

func outcomeErr(resp *Response, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected status %d: %s", resp.Status, snippet(resp.Body))
}

func snippet(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
