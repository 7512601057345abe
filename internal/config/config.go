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

// Package config loads the mcpflow YAML configuration file.
// Secrets may be left empty in the file and provided through the
// environment instead (MCPFLOW_HUB_CODE, GITHUB_TOKEN, MCPFLOW_MODEL_KEY).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "15s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Hub      HubConfig      `yaml:"hub"`
	GitHub   GitHubConfig   `yaml:"github"`
	Registry RegistryConfig `yaml:"registry"`
	Model    ModelConfig    `yaml:"model"`
	Icon     IconConfig     `yaml:"icon"`
	Chat     ChatConfig     `yaml:"chat"`
	Verify   VerifyConfig   `yaml:"verify"`
	Batch    BatchConfig    `yaml:"batch"`
	Scan     ScanConfig     `yaml:"scan"`
}

type HubConfig struct {
	BaseURL        string `yaml:"base_url"`
	Phone          string `yaml:"phone"`
	ValidationCode string `yaml:"validation_code"`
	CategoryName   string `yaml:"category"`
}

type GitHubConfig struct {
	APIBase string   `yaml:"api_base"`
	Org     string   `yaml:"org"`
	Token   string   `yaml:"token"`
	Branch  string   `yaml:"branch"`
	Ignore  []string `yaml:"ignore"`
}

type RegistryConfig struct {
	NPMBase      string   `yaml:"npm_base"`
	PyPIBase     string   `yaml:"pypi_base"`
	PollInterval Duration `yaml:"poll_interval"`
	PollBudget   Duration `yaml:"poll_budget"`
}

type ModelConfig struct {
	Type       string `yaml:"type"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	ByAzure    bool   `yaml:"by_azure"`
	APIVersion string `yaml:"api_version"`
}

type IconConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Required bool              `yaml:"required"`
	SSEURL   string            `yaml:"sse_url"`
	Tool     string            `yaml:"tool"`
	Args     map[string]string `yaml:"args"`
	Timeout  Duration          `yaml:"timeout"`
}

type ChatConfig struct {
	Enabled bool     `yaml:"enabled"`
	Prompt  string   `yaml:"prompt"`
	Timeout Duration `yaml:"timeout"`
}

type VerifyConfig struct {
	Hosted     bool                      `yaml:"hosted"`
	Stdio      bool                      `yaml:"stdio"`
	SampleArgs map[string]map[string]any `yaml:"sample_args"`
}

type BatchConfig struct {
	Root       string   `yaml:"root"`
	Workers    int      `yaml:"workers"`
	Delay      Duration `yaml:"delay"`
	RatePerMin int      `yaml:"rate_per_min"`
	Report     string   `yaml:"report"`
	Filter     string   `yaml:"filter"`
}

type ScanConfig struct {
	Allow []string `yaml:"allow"`
}

// Load reads path, applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration usable without a file, for actions
// that touch no remote service (probe, dry runs).
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if c.Hub.ValidationCode == "" {
		c.Hub.ValidationCode = os.Getenv("MCPFLOW_HUB_CODE")
	}
	if c.GitHub.Token == "" {
		c.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	if c.Model.APIKey == "" {
		c.Model.APIKey = os.Getenv("MCPFLOW_MODEL_KEY")
	}
}

func (c *Config) applyDefaults() {
	if c.GitHub.APIBase == "" {
		c.GitHub.APIBase = "https://api.github.com"
	}
	if c.GitHub.Branch == "" {
		c.GitHub.Branch = "main"
	}
	if c.Registry.NPMBase == "" {
		c.Registry.NPMBase = "https://registry.npmjs.org"
	}
	if c.Registry.PyPIBase == "" {
		c.Registry.PyPIBase = "https://pypi.org/pypi"
	}
	if c.Registry.PollInterval == 0 {
		c.Registry.PollInterval = Duration(15 * time.Second)
	}
	if c.Registry.PollBudget == 0 {
		c.Registry.PollBudget = Duration(180 * time.Second)
	}
	if c.Model.Type == "" {
		c.Model.Type = "openai"
	}
	if c.Icon.Tool == "" {
		c.Icon.Tool = "generate_image"
	}
	if c.Icon.Timeout == 0 {
		c.Icon.Timeout = Duration(120 * time.Second)
	}
	if c.Chat.Timeout == 0 {
		c.Chat.Timeout = Duration(60 * time.Second)
	}
	if c.Chat.Prompt == "" {
		c.Chat.Prompt = "Introduce yourself and list what you can do."
	}
	if c.Batch.Workers == 0 {
		c.Batch.Workers = 1
	}
	if c.Batch.Delay == 0 {
		c.Batch.Delay = Duration(3 * time.Second)
	}
	if c.Batch.Report == "" {
		c.Batch.Report = "publish-report.json"
	}
}
