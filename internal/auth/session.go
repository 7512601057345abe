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

// Package auth caches one authentication token per remote identity and
// collapses concurrent acquisitions into a single upstream login.
package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cloudwego/mcpflow/internal/log"
)

// Credentials performs one upstream login and returns a fresh token.
type Credentials interface {
	Acquire(ctx context.Context) (string, error)
}

// CredentialsFunc adapts a function to the Credentials interface.
type CredentialsFunc func(ctx context.Context) (string, error)

func (f CredentialsFunc) Acquire(ctx context.Context) (string, error) { return f(ctx) }

// Session guards the token of a single identity. All methods are safe
// for concurrent use.
type Session struct {
	name  string
	creds Credentials

	mu    sync.Mutex
	token string
	gen   uint64

	sf singleflight.Group
}

func NewSession(name string, creds Credentials) *Session {
	return &Session{name: name, creds: creds}
}

// Token returns the cached token, acquiring one if none is cached.
// Concurrent callers share a single acquisition and all receive the
// same token or the same error.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" {
		tok := s.token
		s.mu.Unlock()
		return tok, nil
	}
	gen := s.gen
	s.mu.Unlock()
	return s.acquire(ctx, gen)
}

// Invalidate drops the cached token, but only when it still equals
// stale. A token acquired after the caller observed stale stays put.
func (s *Session) Invalidate(stale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stale != "" && s.token == stale {
		s.token = ""
		s.gen++
		log.Debug("auth %s: token invalidated", s.name)
	}
}

// Refresh discards any cached token and acquires a new one. Concurrent
// refreshes coalesce into one upstream login.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" {
		s.token = ""
		s.gen++
	}
	gen := s.gen
	s.mu.Unlock()
	return s.acquire(ctx, gen)
}

func (s *Session) acquire(ctx context.Context, gen uint64) (string, error) {
	key := fmt.Sprintf("acquire-%d", gen)
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		tok, err := s.creds.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("auth %s: %w", s.name, err)
		}
		if tok == "" {
			return nil, fmt.Errorf("auth %s: login returned an empty token", s.name)
		}
		s.mu.Lock()
		// A slow acquisition may finish after an Invalidate or Refresh
		// moved the session on; caching it would clobber the newer token.
		if s.gen == gen {
			s.token = tok
		}
		s.mu.Unlock()
		log.Debug("auth %s: token acquired (%d bytes)", s.name, len(tok))
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
