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

// Package project detects publishable MCP server projects on disk and
// derives the metadata the publishing pipeline needs from their manifests.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/vifraa/gopom"
	"golang.org/x/mod/modfile"

	"github.com/cloudwego/mcpflow/internal/log"
)

// Kind is the project runtime, inferred from the manifest present in the
// project directory.
type Kind string

const (
	KindNode   Kind = "node"
	KindPython Kind = "python"
	KindGo     Kind = "go"
	KindJava   Kind = "java"
)

// Project describes one publishable server. ID is the directory basename
// and doubles as the template source id on the hub.
type Project struct {
	ID          string            `json:"id"`
	Dir         string            `json:"dir"`
	Kind        Kind              `json:"kind"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

type packageJSON struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

type pyProject struct {
	Project struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Description string `toml:"description"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name        string `toml:"name"`
			Version     string `toml:"version"`
			Description string `toml:"description"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// Detect classifies dir by its manifest and fills in name and version.
// Manifests are checked in a fixed order, so a directory carrying both a
// package.json and a go.mod is treated as a node project.
func Detect(dir string) (Project, error) {
	p := Project{ID: filepath.Base(filepath.Clean(dir)), Dir: dir}

	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var m packageJSON
		if err := json.Unmarshal(data, &m); err != nil {
			return p, fmt.Errorf("parse %s/package.json: %w", p.ID, err)
		}
		if m.Name == "" {
			return p, fmt.Errorf("%s/package.json has no name", p.ID)
		}
		p.Kind, p.Name, p.Version, p.Description = KindNode, m.Name, m.Version, m.Description
		return p, nil
	}

	if data, err := os.ReadFile(filepath.Join(dir, "pyproject.toml")); err == nil {
		var m pyProject
		if err := toml.Unmarshal(data, &m); err != nil {
			return p, fmt.Errorf("parse %s/pyproject.toml: %w", p.ID, err)
		}
		name, version, desc := m.Project.Name, m.Project.Version, m.Project.Description
		if name == "" {
			name, version, desc = m.Tool.Poetry.Name, m.Tool.Poetry.Version, m.Tool.Poetry.Description
		}
		if name == "" {
			return p, fmt.Errorf("%s/pyproject.toml names no project", p.ID)
		}
		p.Kind, p.Name, p.Version, p.Description = KindPython, name, version, desc
		return p, nil
	}

	if data, err := os.ReadFile(filepath.Join(dir, "go.mod")); err == nil {
		f, err := modfile.Parse("go.mod", data, nil)
		if err != nil {
			return p, fmt.Errorf("parse %s/go.mod: %w", p.ID, err)
		}
		if f.Module == nil || f.Module.Mod.Path == "" {
			return p, fmt.Errorf("%s/go.mod declares no module", p.ID)
		}
		p.Kind, p.Name = KindGo, path.Base(f.Module.Mod.Path)
		return p, nil
	}

	if pomPath := filepath.Join(dir, "pom.xml"); fileExists(pomPath) {
		pom, err := gopom.Parse(pomPath)
		if err != nil {
			return p, fmt.Errorf("parse %s/pom.xml: %w", p.ID, err)
		}
		artifact := deref(pom.ArtifactID)
		if artifact == "" {
			return p, fmt.Errorf("%s/pom.xml names no artifact", p.ID)
		}
		version := deref(pom.Version)
		if version == "" && pom.Parent != nil {
			version = deref(pom.Parent.Version)
		}
		p.Kind, p.Name, p.Version = KindJava, artifact, version
		return p, nil
	}

	return p, fmt.Errorf("no manifest in %s (looked for package.json, pyproject.toml, go.mod, pom.xml)", dir)
}

// Discover enumerates the immediate subdirectories of root that detect as
// projects, in lexical order. Directories that do not detect are logged at
// debug level and skipped.
func Discover(root string) ([]Project, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	var projects []Project
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == "node_modules" {
			continue
		}
		p, err := Detect(filepath.Join(root, e.Name()))
		if err != nil {
			log.Debug("discover: skip %s: %v\n", e.Name(), err)
			continue
		}
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

// LaunchSpec resolves the stdio command used to probe the published package
// locally. An explicit Command on the project wins; otherwise node and
// python packages run via their registry launchers. Other kinds have no
// implicit launcher.
func LaunchSpec(p Project) (string, []string, error) {
	if p.Command != "" {
		return p.Command, p.Args, nil
	}
	switch p.Kind {
	case KindNode:
		return "npx", []string{"-y", p.Name}, nil
	case KindPython:
		return "uvx", []string{p.Name}, nil
	default:
		return "", nil, fmt.Errorf("no stdio launcher for %s project %s", p.Kind, p.ID)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// deref guards the pom fields gopom leaves nil when the element is absent.
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
