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

package batch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/project"
	"github.com/cloudwego/mcpflow/internal/utils"
)

// Watcher publishes projects as they appear under Root. A directory is
// enqueued once its manifest detects, after a settle delay that lets an
// unpacking or sync finish, and never twice.
type Watcher struct {
	Root    string
	Settle  time.Duration
	Enqueue func(p project.Project)

	mu      sync.Mutex
	seen    map[string]bool
	pending map[string]*time.Timer
}

// Run watches Root until ctx is done. Projects already present at start
// are remembered but not enqueued; only arrivals trigger work.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Settle <= 0 {
		w.Settle = 2 * time.Second
	}
	w.seen = map[string]bool{}
	w.pending = map[string]*time.Timer{}
	existing, err := project.Discover(w.Root)
	if err != nil {
		return err
	}
	for _, p := range existing {
		w.seen[p.ID] = true
	}

	err = utils.WatchDir(w.Root, func(op fsnotify.Op, file string) {
		if op&(fsnotify.Create|fsnotify.Write) == 0 {
			return
		}
		dir := w.projectDir(file)
		if dir == "" {
			return
		}
		w.bump(ctx, dir)
	})
	if err != nil {
		return err
	}

	log.Info("watching %s for new projects (%d already present)\n", w.Root, len(existing))
	<-ctx.Done()
	return ctx.Err()
}

// bump schedules a check of dir once its events quiet down for a full
// settle window. Every further event pushes the deadline out, so a long
// unpack is not probed halfway through.
func (w *Watcher) bump(ctx context.Context, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[dir]; ok {
		t.Reset(w.Settle)
		return
	}
	w.pending[dir] = time.AfterFunc(w.Settle, func() {
		w.mu.Lock()
		delete(w.pending, dir)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.check(dir)
	})
}

// projectDir maps an event path to the top-level directory under Root it
// belongs to.
func (w *Watcher) projectDir(file string) string {
	rel, err := filepath.Rel(w.Root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if top == "" || top == "." || strings.HasPrefix(top, ".") {
		return ""
	}
	return filepath.Join(w.Root, top)
}

func (w *Watcher) check(dir string) {
	p, err := project.Detect(dir)
	if err != nil {
		log.Debug("watch: %s not a project yet: %v\n", dir, err)
		return
	}
	w.mu.Lock()
	if w.seen[p.ID] {
		w.mu.Unlock()
		return
	}
	w.seen[p.ID] = true
	w.mu.Unlock()
	log.Info("watch: new project %s (%s)\n", p.ID, p.Kind)
	w.Enqueue(p)
}
