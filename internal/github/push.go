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
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cloudwego/mcpflow/internal/log"
)

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

type shaResponse struct {
	SHA string `json:"sha"`
}

type refResponse struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

type pushFile struct {
	abs  string
	rel  string
	mode string
}

// PushTree uploads every file under dir as one commit on the default
// branch via the git data API and returns the commit SHA. The whole tree
// replaces whatever the branch pointed at, so a re-push converges on the
// local directory contents.
func (c *Client) PushTree(ctx context.Context, repo, dir, message string) (string, error) {
	files, err := c.collectFiles(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("push %s: no files under %s", repo, dir)
	}
	log.Info("github: pushing %d files from %s to %s/%s\n", len(files), dir, c.org, repo)

	entries := make([]treeEntry, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.abs)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", f.rel, err)
		}
		var blob shaResponse
		in := map[string]interface{}{
			"content":  base64.StdEncoding.EncodeToString(data),
			"encoding": "base64",
		}
		if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/blobs", c.org, repo), in, &blob); err != nil {
			return "", fmt.Errorf("create blob for %s: %w", f.rel, err)
		}
		entries = append(entries, treeEntry{Path: f.rel, Mode: f.mode, Type: "blob", SHA: blob.SHA})
	}

	var tree shaResponse
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/trees", c.org, repo),
		map[string]interface{}{"tree": entries}, &tree); err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}

	parent, err := c.branchHead(ctx, repo)
	if err != nil {
		return "", err
	}

	commitIn := map[string]interface{}{"message": message, "tree": tree.SHA}
	if parent != "" {
		commitIn["parents"] = []string{parent}
	} else {
		commitIn["parents"] = []string{}
	}
	var commit shaResponse
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/commits", c.org, repo), commitIn, &commit); err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}

	if parent != "" {
		err = c.call(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", c.org, repo, c.branch),
			map[string]interface{}{"sha": commit.SHA, "force": true}, nil)
	} else {
		err = c.call(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/refs", c.org, repo),
			map[string]interface{}{"ref": "refs/heads/" + c.branch, "sha": commit.SHA}, nil)
	}
	if err != nil {
		return "", fmt.Errorf("update %s: %w", c.branch, err)
	}
	log.Info("github: pushed commit %s to %s/%s@%s\n", short(commit.SHA), c.org, repo, c.branch)
	return commit.SHA, nil
}

// branchHead returns the current head of the default branch, or "" when
// the branch does not exist yet.
func (c *Client) branchHead(ctx context.Context, repo string) (string, error) {
	var ref refResponse
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", c.org, repo, c.branch), nil, &ref)
	if err == nil {
		return ref.Object.SHA, nil
	}
	var ae *APIError
	if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
		return "", nil
	}
	return "", err
}

func (c *Client) collectFiles(dir string) ([]pushFile, error) {
	var files []pushFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && c.ignore[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if c.ignore[name] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		mode := "100644"
		if info.Mode()&0o111 != 0 {
			mode = "100755"
		}
		files = append(files, pushFile{abs: path, rel: filepath.ToSlash(rel), mode: mode})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}
