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

package project

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cloudwego/mcpflow/internal/log"
)

// Severity levels for scan findings.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

// Finding is one secret-looking match. Match is redacted to its first and
// last four characters before it leaves this package.
type Finding struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Match    string `json:"match"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d %s (%s): %s", f.File, f.Line, f.Rule, f.Severity, f.Match)
}

type scanRule struct {
	name     string
	severity string
	re       *regexp.Regexp
}

var scanRules = []scanRule{
	{"aws-access-key", SeverityCritical, regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"aws-secret-key", SeverityCritical, regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*["']?[a-zA-Z0-9/+=]{40}["']?`)},
	{"github-token", SeverityCritical, regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"gitlab-token", SeverityCritical, regexp.MustCompile(`glpat-[A-Za-z0-9\-]{20,}`)},
	{"google-api-key", SeverityHigh, regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`)},
	{"stripe-key", SeverityCritical, regexp.MustCompile(`sk_(?:live|test)_[0-9a-zA-Z]{24,}`)},
	{"slack-token", SeverityHigh, regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}-[a-zA-Z0-9]{24}`)},
	{"aliyun-access-key", SeverityCritical, regexp.MustCompile(`LTAI[a-zA-Z0-9]{12,}`)},
	{"private-key-block", SeverityCritical, regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`)},
	{"database-url", SeverityCritical, regexp.MustCompile(`(?:mysql|postgresql|postgres|mongodb|redis|mssql)://[^:\s]+:[^@\s]+@[^\s]+`)},
	{"jwt-token", SeverityHigh, regexp.MustCompile(`eyJ[A-Za-z0-9\-_=]+\.eyJ[A-Za-z0-9\-_=]+\.[A-Za-z0-9\-_.+/=]+`)},
	{"bearer-token", SeverityHigh, regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-._~+/]{20,}=*`)},
	{"api-key-assignment", SeverityMedium, regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)\s*[:=]\s*["'][a-zA-Z0-9_\-]{20,}["']`)},
	{"secret-assignment", SeverityHigh, regexp.MustCompile(`(?i)secret[_-]?key\s*[:=]\s*["'][a-zA-Z0-9_\-]{20,}["']`)},
	{"password-assignment", SeverityHigh, regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*["'][^"']{8,}["']`)},
}

// Directories never descended into and file names never scanned.
var (
	scanSkipDirs = map[string]bool{
		".git": true, "node_modules": true, "__pycache__": true,
		"venv": true, ".venv": true, "env": true, "dist": true, "build": true,
		".tox": true, ".pytest_cache": true, ".mypy_cache": true,
	}
	scanSkipFiles = map[string]bool{
		"package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true,
		"poetry.lock": true, "Pipfile.lock": true, "go.sum": true,
		".env.example": true, ".env.template": true, ".env.sample": true,
	}
	scanSkipExts = map[string]bool{
		".pyc": true, ".so": true, ".dll": true, ".exe": true, ".class": true,
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".ico": true,
		".svg": true, ".pdf": true, ".zip": true, ".tar": true, ".gz": true,
		".mp3": true, ".mp4": true, ".ttf": true, ".woff": true, ".woff2": true,
		".map": true,
	}
)

// Lines carrying these markers are treated as placeholders, not leaks.
var scanPlaceholders = []string{
	"your_api_key", "your_secret", "your_password", "insert_key_here",
	"replace_with", "example", "sample", "xxx", "***",
}

const maxScanFileSize = 1 << 20

// ScanSecrets walks dir looking for committed credentials. File paths in
// findings are relative to dir. An allow entry suppresses findings whose
// path or matched text contains it.
func ScanSecrets(dir string, allow []string) ([]Finding, error) {
	var findings []Finding
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && (scanSkipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if scanSkipFiles[name] || scanSkipExts[filepath.Ext(name)] || strings.HasSuffix(name, ".min.js") {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxScanFileSize {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		found, err := scanFile(path, rel, allow)
		if err != nil {
			log.Debug("scan: skip unreadable %s: %v\n", rel, err)
			return nil
		}
		findings = append(findings, found...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return findings, nil
}

func scanFile(path, rel string, allow []string) ([]Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var findings []Finding
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxScanFileSize)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := sc.Text()
		if isPlaceholderLine(line) {
			continue
		}
		for _, rule := range scanRules {
			m := rule.re.FindString(line)
			if m == "" || isAllowed(rel, m, rule.name, allow) {
				continue
			}
			findings = append(findings, Finding{
				File:     rel,
				Line:     lineNum,
				Rule:     rule.name,
				Severity: rule.severity,
				Match:    redact(m),
			})
		}
	}
	return findings, sc.Err()
}

func isPlaceholderLine(line string) bool {
	l := strings.ToLower(line)
	for _, ph := range scanPlaceholders {
		if strings.Contains(l, ph) {
			return true
		}
	}
	return false
}

// isAllowed suppresses a match when the config allowlist names its rule,
// a path fragment, or a fragment of the matched text itself.
func isAllowed(rel, match, rule string, allow []string) bool {
	for _, a := range allow {
		if a == "" {
			continue
		}
		if a == rule || strings.Contains(rel, a) || strings.Contains(match, a) {
			return true
		}
	}
	return false
}

func redact(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
