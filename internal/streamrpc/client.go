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

// Package streamrpc speaks JSON-RPC 2.0 over a server-push channel.
// Requests are POSTed to a per-session message endpoint announced by
// the server during the handshake; responses arrive asynchronously on
// the event stream and are matched to their caller by request id.
package streamrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudwego/mcpflow/internal/log"
)

// Frame is a JSON-RPC 2.0 message. Request ids are uuid strings.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

type FrameError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type ErrKind int

const (
	// ErrTimeout: no matching response arrived in time.
	ErrTimeout ErrKind = iota
	// ErrRemote: the server answered with a JSON-RPC error object.
	ErrRemote
	// ErrConnectionLost: the push channel dropped with the call in flight.
	ErrConnectionLost
	// ErrProtocol: handshake or framing violation.
	ErrProtocol
)

func (k ErrKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrRemote:
		return "remote"
	case ErrConnectionLost:
		return "connection_lost"
	case ErrProtocol:
		return "protocol"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type RPCError struct {
	Kind    ErrKind
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("streamrpc %s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("streamrpc %s: %s", e.Kind, e.Message)
}

// KindOf returns the kind carried by err, or ErrProtocol when err is
// not an RPCError.
func KindOf(err error) ErrKind {
	var re *RPCError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrProtocol
}

// Client is safe for concurrent calls. One listener goroutine owns the
// event stream and completes pending calls by id.
type Client struct {
	base        *url.URL
	httpc       *http.Client
	header      http.Header
	dialTimeout time.Duration
	callTimeout time.Duration

	endpoint *url.URL

	mu      sync.Mutex
	pending map[string]chan *Frame
	closed  bool

	lost     chan struct{}
	lostOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

type Option func(*Client)

// WithHTTPClient sets the client used for both the event stream and
// message POSTs. It must not carry an overall timeout, or the stream
// would be cut mid-session.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

func WithHeader(key, value string) Option {
	return func(cl *Client) { cl.header.Set(key, value) }
}

func WithDialTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.dialTimeout = d }
}

// WithCallTimeout bounds each Call when its context carries no sooner
// deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.callTimeout = d }
}

// Dial opens the event stream and waits for the endpoint handshake
// that names the session's message URL.
func Dial(ctx context.Context, baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	c := &Client{
		base:        base,
		httpc:       &http.Client{},
		header:      http.Header{},
		dialTimeout: 15 * time.Second,
		callTimeout: 90 * time.Second,
		pending:     map[string]chan *Frame{},
		lost:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// The stream must outlive the dial context, so the request gets
	// its own cancelable context tied to Close.
	sctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	req, err := http.NewRequestWithContext(sctx, http.MethodGet, baseURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpc.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream %s: %w", baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &RPCError{Kind: ErrProtocol, Message: fmt.Sprintf("stream rejected with status %d", resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, &RPCError{Kind: ErrProtocol, Message: fmt.Sprintf("not an event stream: content-type %q", ct)}
	}

	epCh := make(chan *url.URL, 1)
	go c.listen(resp.Body, epCh)

	select {
	case ep := <-epCh:
		c.endpoint = ep
		log.Debug("streamrpc: session endpoint %s", ep)
		return c, nil
	case <-time.After(c.dialTimeout):
		c.Close()
		return nil, &RPCError{Kind: ErrProtocol, Message: fmt.Sprintf("no endpoint handshake within %v", c.dialTimeout)}
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-c.done:
		c.Close()
		return nil, &RPCError{Kind: ErrProtocol, Message: "stream closed before handshake"}
	}
}

func (c *Client) listen(body io.ReadCloser, epCh chan<- *url.URL) {
	defer close(c.done)
	defer body.Close()
	r := NewEventReader(body)
	for {
		ev, err := r.Next()
		if err != nil {
			if err != io.EOF {
				log.Debug("streamrpc: stream read failed: %v", err)
			}
			c.failAll()
			return
		}
		switch ev.Name {
		case "endpoint":
			u, perr := url.Parse(strings.TrimSpace(ev.Data))
			if perr != nil {
				log.Error("streamrpc: bad endpoint %q: %v", ev.Data, perr)
				continue
			}
			select {
			case epCh <- c.base.ResolveReference(u):
			default: // repeated handshake, ignore
			}
		case "message":
			c.dispatch(ev.Data)
		default:
			log.Debug("streamrpc: ignoring %q event", ev.Name)
		}
	}
}

func (c *Client) dispatch(data string) {
	var f Frame
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		log.Info("streamrpc: discarding malformed frame: %v", err)
		return
	}
	if f.ID == "" {
		log.Debug("streamrpc: discarding notification %q", f.Method)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		log.Info("streamrpc: discarding frame with unmatched id %s", f.ID)
		return
	}
	ch <- &f
}

// Call sends method with params and blocks until the matched response,
// the timeout, the context, or connection loss.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan *Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &RPCError{Kind: ErrConnectionLost, Message: "client is closed"}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.post(ctx, &Frame{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.abandon(id, ch)
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		return result(f)
	case <-timer.C:
		if f := c.abandon(id, ch); f != nil {
			return result(f)
		}
		log.Info("streamrpc: %s timed out after %v, id %s abandoned", method, c.callTimeout, id)
		return nil, &RPCError{Kind: ErrTimeout, Message: fmt.Sprintf("no response to %s within %v", method, c.callTimeout)}
	case <-ctx.Done():
		if f := c.abandon(id, ch); f != nil {
			return result(f)
		}
		return nil, &RPCError{Kind: ErrTimeout, Message: fmt.Sprintf("%s: %v", method, ctx.Err())}
	case <-c.lost:
		if f := c.abandon(id, ch); f != nil {
			return result(f)
		}
		return nil, &RPCError{Kind: ErrConnectionLost, Message: fmt.Sprintf("stream closed with %s in flight", method)}
	}
}

// Notify sends a fire-and-forget frame carrying no id.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	return c.post(ctx, &Frame{JSONRPC: "2.0", Method: method, Params: params})
}

// abandon removes the pending entry; when the listener already took
// it, the delivered frame is returned so the caller still wins.
func (c *Client) abandon(id string, ch chan *Frame) *Frame {
	c.mu.Lock()
	_, present := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if present {
		return nil
	}
	select {
	case f := <-ch:
		return f
	default:
		return nil
	}
}

func (c *Client) post(ctx context.Context, f *Frame) error {
	if c.endpoint == nil {
		return &RPCError{Kind: ErrProtocol, Message: "no session endpoint"}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", f.Method, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	// 202 Accepted is the usual reply; any 2xx means queued.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RPCError{Kind: ErrProtocol, Message: fmt.Sprintf("message endpoint rejected %s with status %d", f.Method, resp.StatusCode)}
	}
	return nil
}

// Close drops the stream. Every pending call fails with
// ErrConnectionLost exactly once; later calls fail immediately.
func (c *Client) Close() error {
	c.failAll()
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return nil
}

func (c *Client) failAll() {
	c.mu.Lock()
	c.closed = true
	for id := range c.pending {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.lostOnce.Do(func() { close(c.lost) })
}

func result(f *Frame) (json.RawMessage, error) {
	if f.Error != nil {
		return nil, &RPCError{Kind: ErrRemote, Code: f.Error.Code, Message: f.Error.Message}
	}
	return f.Result, nil
}
