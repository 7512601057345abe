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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/mcpflow/internal/project"
)

func TestWatcherProjectDir(t *testing.T) {
	w := &Watcher{Root: "/srv/projects"}

	assert.Equal(t, filepath.Join("/srv/projects", "acme"), w.projectDir("/srv/projects/acme"))
	assert.Equal(t, filepath.Join("/srv/projects", "acme"), w.projectDir("/srv/projects/acme/package.json"))
	assert.Empty(t, w.projectDir("/srv/projects/.tmp-sync/x"), "dot dirs ignored")
	assert.Empty(t, w.projectDir("/elsewhere/acme"), "paths outside root ignored")
}

func TestWatcherEnqueuesDetectedProjectOnce(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "acme")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"),
		[]byte(`{"name":"acme","version":"1.0.0"}`), 0o644))

	var got []project.Project
	w := &Watcher{
		Root:    root,
		Enqueue: func(p project.Project) { got = append(got, p) },
		seen:    map[string]bool{},
	}

	w.check(dir)
	w.check(dir)

	require.Len(t, got, 1, "second event for the same project is a no-op")
	assert.Equal(t, "acme", got[0].ID)
	assert.Equal(t, project.KindNode, got[0].Kind)
}

func TestWatcherSettleExtendsWhileEventsKeepComing(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "acme")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"),
		[]byte(`{"name":"acme","version":"1.0.0"}`), 0o644))

	enqueued := make(chan project.Project, 1)
	w := &Watcher{
		Root:    root,
		Settle:  300 * time.Millisecond,
		Enqueue: func(p project.Project) { enqueued <- p },
		seen:    map[string]bool{},
		pending: map[string]*time.Timer{},
	}
	ctx := context.Background()

	w.bump(ctx, dir)
	time.Sleep(150 * time.Millisecond)
	w.bump(ctx, dir) // the unpack is still writing: deadline moves out

	w.mu.Lock()
	timers := len(w.pending)
	w.mu.Unlock()
	assert.Equal(t, 1, timers, "repeat events reuse one timer per directory")

	select {
	case <-enqueued:
		t.Fatal("enqueued while events were still arriving")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case p := <-enqueued:
		assert.Equal(t, "acme", p.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("project never enqueued after events settled")
	}
}

func TestWatcherIgnoresIncompleteDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "half-synced")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	called := false
	w := &Watcher{
		Root:    root,
		Enqueue: func(p project.Project) { called = true },
		seen:    map[string]bool{},
	}
	w.check(dir)
	assert.False(t, called, "a directory without a manifest is not a project yet")
}
