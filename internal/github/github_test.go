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

package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudwego/mcpflow/internal/config"
)

func testClient(srv *httptest.Server, extraIgnore ...string) *Client {
	return NewClient(config.GitHubConfig{
		APIBase: srv.URL,
		Org:     "acme",
		Token:   "test-token",
		Ignore:  extraIgnore,
	})
}

func wantAuth(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("Authorization: got %q", got)
	}
}

func TestEnsureRepoReusesExisting(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantAuth(t, r)
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/weather":
			fmt.Fprint(w, `{"name":"weather","full_name":"acme/weather","default_branch":"master","html_url":"https://x/acme/weather"}`)
		default:
			created = true
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	repo, err := testClient(srv).EnsureRepo(context.Background(), "weather")
	if err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	if repo.FullName != "acme/weather" || repo.DefaultBranch != "master" {
		t.Errorf("got %+v", repo)
	}
	if created {
		t.Error("existing repo must not be created again")
	}
}

func TestEnsureRepoCreates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/weather":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/orgs/acme/repos":
			var in map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in["name"] != "weather" {
				t.Errorf("create payload: %v (%v)", in, err)
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"name":"weather","full_name":"acme/weather"}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	repo, err := testClient(srv).EnsureRepo(context.Background(), "weather")
	if err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	if repo.DefaultBranch != "main" {
		t.Errorf("default branch fallback: got %q", repo.DefaultBranch)
	}
}

func TestEnsureRepoNamedErrors(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrOrgNotFound},
		{http.StatusForbidden, ErrForbidden},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"Not Found"}`)
				return
			}
			w.WriteHeader(tc.status)
			fmt.Fprint(w, `{"message":"no"}`)
		}))
		_, err := testClient(srv).EnsureRepo(context.Background(), "weather")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}

type pushRecorder struct {
	blobCount int
	treePaths []string
	treeModes []string
	parents   []interface{}
	refBody   map[string]interface{}
	patched   bool
}

func newPushServer(t *testing.T, rec *pushRecorder, head string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantAuth(t, r)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/weather/git/blobs":
			rec.blobCount++
			fmt.Fprintf(w, `{"sha":"blob-%d"}`, rec.blobCount)

		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/weather/git/trees":
			var in struct {
				Tree []treeEntry `json:"tree"`
			}
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Errorf("tree payload: %v", err)
			}
			for _, e := range in.Tree {
				rec.treePaths = append(rec.treePaths, e.Path)
				rec.treeModes = append(rec.treeModes, e.Mode)
			}
			fmt.Fprint(w, `{"sha":"tree-1"}`)

		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/weather/git/ref/heads/main":
			if head == "" {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"Not Found"}`)
				return
			}
			fmt.Fprintf(w, `{"ref":"refs/heads/main","object":{"sha":"%s"}}`, head)

		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/weather/git/commits":
			var in map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Errorf("commit payload: %v", err)
			}
			rec.parents, _ = in["parents"].([]interface{})
			if in["tree"] != "tree-1" {
				t.Errorf("commit tree: got %v", in["tree"])
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"sha":"commit-1"}`)

		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/weather/git/refs":
			json.NewDecoder(r.Body).Decode(&rec.refBody)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"ref":"x"}`)

		case r.Method == http.MethodPatch && r.URL.Path == "/repos/acme/weather/git/refs/heads/main":
			rec.patched = true
			json.NewDecoder(r.Body).Decode(&rec.refBody)
			fmt.Fprint(w, `{"ref":"x"}`)

		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
}

func writePushDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "run.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "node_modules", "dep"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node_modules", "dep", "skip.js"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestPushTreeInitialCommit(t *testing.T) {
	rec := &pushRecorder{}
	srv := newPushServer(t, rec, "")
	defer srv.Close()

	sha, err := testClient(srv, ".env").PushTree(context.Background(), "weather", writePushDir(t), "publish weather")
	if err != nil {
		t.Fatalf("PushTree: %v", err)
	}
	if sha != "commit-1" {
		t.Errorf("sha: got %s", sha)
	}
	if rec.blobCount != 2 {
		t.Errorf("blobs: got %d", rec.blobCount)
	}
	if len(rec.treePaths) != 2 || rec.treePaths[0] != "index.js" || rec.treePaths[1] != "src/run.sh" {
		t.Errorf("tree paths: %v", rec.treePaths)
	}
	if rec.treeModes[0] != "100644" || rec.treeModes[1] != "100755" {
		t.Errorf("tree modes: %v", rec.treeModes)
	}
	if len(rec.parents) != 0 {
		t.Errorf("initial commit parents: %v", rec.parents)
	}
	if rec.patched {
		t.Error("initial push must create the ref, not patch it")
	}
	if rec.refBody["ref"] != "refs/heads/main" || rec.refBody["sha"] != "commit-1" {
		t.Errorf("ref body: %v", rec.refBody)
	}
}

func TestPushTreeWithParent(t *testing.T) {
	rec := &pushRecorder{}
	srv := newPushServer(t, rec, "old-head")
	defer srv.Close()

	sha, err := testClient(srv, ".env").PushTree(context.Background(), "weather", writePushDir(t), "republish")
	if err != nil {
		t.Fatalf("PushTree: %v", err)
	}
	if sha != "commit-1" {
		t.Errorf("sha: got %s", sha)
	}
	if len(rec.parents) != 1 || rec.parents[0] != "old-head" {
		t.Errorf("parents: %v", rec.parents)
	}
	if !rec.patched {
		t.Error("existing branch must be force-updated")
	}
	if rec.refBody["force"] != true {
		t.Errorf("ref body: %v", rec.refBody)
	}
}

func TestPushTreeEmptyDir(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
	}))
	defer srv.Close()

	_, err := testClient(srv).PushTree(context.Background(), "weather", t.TempDir(), "m")
	if err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestTagRelease(t *testing.T) {
	t.Run("creates tag", func(t *testing.T) {
		var got map[string]interface{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"ref":"refs/tags/v1.0.0"}`)
		}))
		defer srv.Close()

		if err := testClient(srv).TagRelease(context.Background(), "weather", "v1.0.0", "commit-1"); err != nil {
			t.Fatalf("TagRelease: %v", err)
		}
		if got["ref"] != "refs/tags/v1.0.0" || got["sha"] != "commit-1" {
			t.Errorf("payload: %v", got)
		}
	})

	t.Run("already exists is success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message":"Reference already exists"}`)
		}))
		defer srv.Close()

		if err := testClient(srv).TagRelease(context.Background(), "weather", "v1.0.0", "commit-1"); err != nil {
			t.Fatalf("TagRelease: %v", err)
		}
	})

	t.Run("other 422 stays an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message":"Object does not exist"}`)
		}))
		defer srv.Close()

		err := testClient(srv).TagRelease(context.Background(), "weather", "v1.0.0", "bogus")
		var ae *APIError
		if !errors.As(err, &ae) || ae.Message != "Object does not exist" {
			t.Fatalf("err: %v", err)
		}
	})
}
