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

// Package batch drives the publishing pipeline for one or many projects:
// it assembles the per-project step list, runs jobs with bounded
// concurrency, isolates failures and persists an incrementally updated
// run report.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/mcpflow/internal/brief"
	"github.com/cloudwego/mcpflow/internal/config"
	"github.com/cloudwego/mcpflow/internal/github"
	"github.com/cloudwego/mcpflow/internal/hub"
	"github.com/cloudwego/mcpflow/internal/icon"
	"github.com/cloudwego/mcpflow/internal/invoke"
	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/pipeline"
	"github.com/cloudwego/mcpflow/internal/project"
	"github.com/cloudwego/mcpflow/internal/registry"
	"github.com/cloudwego/mcpflow/internal/streamrpc"
	"github.com/cloudwego/mcpflow/internal/verify"
)

// Step names, in pipeline order.
const (
	StepScan     = "scan"
	StepRepo     = "repo"
	StepRelease  = "release"
	StepBrief    = "brief"
	StepIcon     = "icon"
	StepRegister = "register"
	StepVerify   = "verify"
	StepChat     = "chat"
	StepProbe    = "probe"
)

// catalog is the slice of the hub client the publisher needs.
type catalog interface {
	CategoryByName(ctx context.Context, name string) (string, error)
	UpsertTemplate(ctx context.Context, t *hub.Template) (string, bool, error)
	PushRaw(ctx context.Context, wire map[string]interface{}) (string, error)
	CreateDialog(ctx context.Context, templateID string) (string, error)
	SSEEndpoint(templateID string) string
}

type sourceHost interface {
	EnsureRepo(ctx context.Context, name string) (*github.Repo, error)
	PushTree(ctx context.Context, repo, dir, message string) (string, error)
	TagRelease(ctx context.Context, repo, tag, sha string) error
}

type registryWaiter interface {
	WaitAvailable(ctx context.Context, kind project.Kind, name, version string) error
}

type briefer interface {
	Generate(ctx context.Context, p *project.Project, readme string) (*brief.Brief, error)
	Repair(ctx context.Context, payload map[string]interface{}, apiErr error) (map[string]interface{}, error)
}

type iconMaker interface {
	Generate(ctx context.Context, p *project.Project, summary string) (string, error)
}

type checker interface {
	HostedTools(ctx context.Context, sseURL string) (*verify.HostedReport, error)
	ChatRoundTrip(ctx context.Context, dialogID string) (*verify.ChatReport, error)
	StdioProbe(ctx context.Context, p *project.Project) (*verify.StdioReport, error)
}

// Publisher builds and runs the publishing pipeline for one project. All
// collaborators sit behind narrow interfaces so tests can substitute them.
type Publisher struct {
	cfg      *config.Config
	hub      catalog
	gh       sourceHost
	reg      registryWaiter
	briefs   briefer
	icons    iconMaker
	verifier checker

	// Skip disables steps by name; they stay visible in history as
	// skipped.
	Skip map[string]bool
}

// NewPublisher wires the real platform clients from cfg. A missing model
// configuration is not an error: briefs fall back to manifest text.
func NewPublisher(cfg *config.Config) *Publisher {
	hubClient := hub.NewClient(cfg.Hub)
	pb := &Publisher{
		cfg:      cfg,
		hub:      hubClient,
		gh:       github.NewClient(cfg.GitHub),
		reg:      registry.NewClient(cfg.Registry),
		icons:    icon.New(cfg.Icon, hubClient),
		verifier: verify.New(cfg.Verify, cfg.Chat, hubClient),
		Skip:     map[string]bool{},
	}
	if cfg.Model.APIKey != "" || cfg.Model.Type == "ollama" {
		g, err := brief.NewGenerator(brief.ModelConfig{
			APIType:    brief.NewModelType(cfg.Model.Type),
			APIKey:     cfg.Model.APIKey,
			BaseURL:    cfg.Model.BaseURL,
			ModelName:  cfg.Model.Model,
			ByAzure:    cfg.Model.ByAzure,
			APIVersion: cfg.Model.APIVersion,
		})
		if err != nil {
			log.Error("model unavailable, briefs fall back to manifest text: %v\n", err)
		} else {
			pb.briefs = g
		}
	}
	return pb
}

// Steps assembles the pipeline for p. Optional stages that configuration
// turns off still appear, as always-skipped steps, so every report lists
// the same stages in the same order.
func (pb *Publisher) Steps(p project.Project) []pipeline.Step {
	steps := []pipeline.Step{
		pb.scanStep(p),
		pb.repoStep(p),
		pb.releaseStep(p),
		pb.briefStep(p),
		pb.iconStep(p),
		pb.registerStep(p),
		pb.verifyStep(p),
		pb.chatStep(p),
		pb.probeStep(p),
	}
	for i, s := range steps {
		if pb.Skip[s.Name()] {
			steps[i] = pipeline.Disabled(s, "skipped by flag")
		}
	}
	return steps
}

// Publish runs the full pipeline for p and returns its result.
func (pb *Publisher) Publish(ctx context.Context, p project.Project) *pipeline.Result {
	pl := pipeline.New(pb.Steps(p)...)
	st := pipeline.NewState(map[string]interface{}{
		"id":      p.ID,
		"dir":     p.Dir,
		"kind":    string(p.Kind),
		"name":    p.Name,
		"version": p.Version,
	})
	log.Info("publishing %s (%s %s@%s)\n", p.ID, p.Kind, p.Name, p.Version)
	return pl.Run(ctx, st)
}

func (pb *Publisher) scanStep(p project.Project) pipeline.Step {
	return pipeline.StepFunc{StepName: StepScan, Fn: func(ctx context.Context, st *pipeline.State) pipeline.Outcome {
		findings, err := project.ScanSecrets(p.Dir, pb.cfg.Scan.Allow)
		if err != nil {
			return pipeline.Failure(pipeline.FailInternal, fmt.Errorf("scan %s: %w", p.ID, err), false)
		}
		if len(findings) > 0 {
			for _, f := range findings {
				log.Error("secret in %s: %s\n", p.ID, f)
			}
			return pipeline.Failuref(pipeline.FailValidation, false,
				"%d potential secret(s) in %s, first: %s", len(findings), p.ID, findings[0])
		}
		return pipeline.Success(map[string]interface{}{"scanned": true})
	}}
}

func (pb *Publisher) repoStep(p project.Project) pipeline.Step {
	return pipeline.StepFunc{StepName: StepRepo, Fn: func(ctx context.Context, st *pipeline.State) pipeline.Outcome {
		repo, err := pb.gh.EnsureRepo(ctx, p.ID)
		if err != nil {
			return remoteFailure(err)
		}
		sha, err := pb.gh.PushTree(ctx, repo.Name, p.Dir, "publish "+p.Name+" "+p.Version)
		if err != nil {
			return remoteFailure(err)
		}
		return pipeline.Success(map[string]interface{}{
			"repo":      repo.Name,
			"repo_url":  repo.HTMLURL,
			"clone_url": repo.CloneURL,
			"commit":    sha,
		})
	}}
}

func (pb *Publisher) releaseStep(p project.Project) pipeline.Step {
	return pipeline.StepFunc{StepName: StepRelease, Fn: func(ctx context.Context, st *pipeline.State) pipeline.Outcome {
		repo := st.GetString("repo")
		sha := st.GetString("commit")
		if repo == "" || sha == "" {
			return pipeline.Failuref(pipeline.FailInternal, false, "release needs repo and commit from the repo step")
		}
		tag := releaseTag(p.Version)
		if err := pb.gh.TagRelease(ctx, repo, tag, sha); err != nil {
			return remoteFailure(err)
		}
		if err := pb.reg.WaitAvailable(ctx, p.Kind, p.Name, p.Version); err != nil {
			return remoteFailure(err)
		}
		return pipeline.Success(map[string]interface{}{"tag": tag, "released": true})
	}}
}

func (pb *Publisher) briefStep(p project.Project) pipeline.Step {
	return pipeline.StepFunc{StepName: StepBrief, Fn: func(ctx context.Context, st *pipeline.State) pipeline.Outcome {
		if pb.briefs == nil {
			b := brief.Fallback(&p)
			return pipeline.Success(briefPatch(b))
		}
		b, err := pb.briefs.Generate(ctx, &p, brief.LoadReadme(p.Dir))
		if err != nil {
			return remoteFailure(fmt.Errorf("generate brief for %s: %w", p.ID, err))
		}
		return pipeline.Success(briefPatch(b))
	}}
}

func briefPatch(b *brief.Brief) map[string]interface{} {
	return map[string]interface{}{
		"brief_names":        b.Names,
		"brief_summaries":    b.Summaries,
		"brief_descriptions": b.Descriptions,
	}
}

func (pb *Publisher) iconStep(p project.Project) pipeline.Step {
	return pipeline.StepFunc{StepName: StepIcon, Fn: func(ctx context.Context, st *pipeline.State) pipeline.Outcome {
		if !pb.cfg.Icon.Enabled {
			return pipeline.Skipped("icon generation disabled")
		}
		url, err := pb.icons.Generate(ctx, &p, stateLang(st, "brief_summaries", "en"))
		if err != nil {
			if pb.cfg.Icon.Required {
				return remoteFailure(fmt.Errorf("generate icon for %s: %w", p.ID, err))
			}
			log.Error("icon for %s failed, continuing without: %v\n", p.ID, err)
			return pipeline.Skipped("icon generation failed and is not required: " + err.Error())
		}
		return pipeline.Success(map[string]interface{}{"icon_url": url})
	}}
}

func (pb *Publisher) registerStep(p project.Project) pipeline.Step {
	return pipeline.StepFunc{StepName: StepRegister, Fn: func(ctx context.Context, st *pipeline.State) pipeline.Outcome {
		t, err := pb.buildTemplate(ctx, p, st)
		if err != nil {
			return pipeline.Failure(pipeline.FailInternal, err, false)
		}
		id, existed, err := pb.hub.UpsertTemplate(ctx, t)
		if err != nil {
			id, err = pb.repairAndPush(ctx, t, id, err)
			if err != nil {
				return remoteFailure(err)
			}
		}
		return pipeline.Success(map[string]interface{}{
			"template_id":      id,
			"template_existed": existed,
		})
	}}
}

// repairAndPush gives the model one chance to fix a payload the hub
// rejected for validation reasons; any other failure passes through.
// When the template already exists, templateID keeps the resubmission
// routed at that entry instead of creating a duplicate.
func (pb *Publisher) repairAndPush(ctx context.Context, t *hub.Template, templateID string, cause error) (string, error) {
	var apiErr *hub.APIError
	if pb.briefs == nil || !errors.As(cause, &apiErr) {
		return "", cause
	}
	wire := t.Wire()
	if templateID != "" {
		wire["template_id"] = templateID
	}
	fixed, rerr := pb.briefs.Repair(ctx, wire, apiErr)
	if rerr != nil {
		log.Error("payload repair failed: %v\n", rerr)
		return "", cause
	}
	if templateID != "" {
		// The model may drop fields it did not touch; the routing id
		// must survive the rewrite.
		fixed["template_id"] = templateID
	}
	id, perr := pb.hub.PushRaw(ctx, fixed)
	if perr != nil {
		return "", fmt.Errorf("repaired payload still rejected: %w", perr)
	}
	log.Info("template %s registered after payload repair\n", t.SourceID)
	return id, nil
}

func (pb *Publisher) buildTemplate(ctx context.Context, p project.Project, st *pipeline.State) (*hub.Template, error) {
	t := &hub.Template{
		SourceID:     p.ID,
		Names:        stateLangs(st, "brief_names"),
		Summaries:    stateLangs(st, "brief_summaries"),
		Descriptions: stateLangs(st, "brief_descriptions"),
		IconURL:      st.GetString("icon_url"),
		RepoURL:      st.GetString("repo_url"),
		Readme:       brief.LoadReadme(p.Dir),
	}
	if cmd, args, err := project.LaunchSpec(p); err == nil {
		t.Command = strings.TrimSpace(cmd + " " + strings.Join(args, " "))
	}
	switch p.Kind {
	case project.KindNode:
		t.PackageType = hub.PackageTypeNPX
	case project.KindPython:
		t.PackageType = hub.PackageTypeUVX
	default:
		t.PackageType = hub.PackageTypeContainer
	}
	if name := pb.cfg.Hub.CategoryName; name != "" {
		id, err := pb.hub.CategoryByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve category: %w", err)
		}
		t.CategoryID = id
	}
	return t, nil
}

func (pb *Publisher) verifyStep(p project.Project) pipeline.Step {
	return pipeline.StepFunc{StepName: StepVerify, Fn: func(ctx context.Context, st *pipeline.State) pipeline.Outcome {
		if !pb.cfg.Verify.Hosted {
			return pipeline.Skipped("hosted verification disabled")
		}
		templateID := st.GetString("template_id")
		if templateID == "" {
			return pipeline.Failuref(pipeline.FailInternal, false, "verify needs template_id from the register step")
		}
		report, err := pb.verifier.HostedTools(ctx, pb.hub.SSEEndpoint(templateID))
		if err != nil {
			return remoteFailure(fmt.Errorf("verify %s: %w", p.ID, err))
		}
		patch := map[string]interface{}{
			"verify_ok":        report.OK,
			"verify_pass_rate": report.PassRate,
		}
		if !report.OK {
			// The hosted server may still be warming up right after
			// registration, so a failed round is worth re-attempting.
			return pipeline.Failuref(pipeline.FailTransient, true,
				"hosted verification of %s passed %d/%d tools", p.ID, report.Passed, report.Total)
		}
		return pipeline.Success(patch)
	}}
}

func (pb *Publisher) chatStep(p project.Project) pipeline.Step {
	return pipeline.StepFunc{StepName: StepChat, Fn: func(ctx context.Context, st *pipeline.State) pipeline.Outcome {
		if !pb.cfg.Chat.Enabled {
			return pipeline.Skipped("chat round trip disabled")
		}
		templateID := st.GetString("template_id")
		if templateID == "" {
			return pipeline.Failuref(pipeline.FailInternal, false, "chat needs template_id from the register step")
		}
		dialogID, err := pb.hub.CreateDialog(ctx, templateID)
		if err != nil {
			return remoteFailure(err)
		}
		report, err := pb.verifier.ChatRoundTrip(ctx, dialogID)
		if err != nil {
			return remoteFailure(fmt.Errorf("chat round trip for %s: %w", p.ID, err))
		}
		return pipeline.Success(map[string]interface{}{"chat_reply": report.Reply})
	}}
}

func (pb *Publisher) probeStep(p project.Project) pipeline.Step {
	return pipeline.StepFunc{StepName: StepProbe, Fn: func(ctx context.Context, st *pipeline.State) pipeline.Outcome {
		if !pb.cfg.Verify.Stdio {
			return pipeline.Skipped("stdio probe disabled")
		}
		report, err := pb.verifier.StdioProbe(ctx, &p)
		if err != nil {
			return remoteFailure(fmt.Errorf("stdio probe of %s: %w", p.ID, err))
		}
		if report.Skipped {
			return pipeline.Skipped(report.Reason)
		}
		return pipeline.Success(map[string]interface{}{"probe_tools": report.Tools})
	}}
}

// remoteFailure maps a collaborator error onto a step outcome, keeping
// the transport classification so the pipeline retries only what can
// recover.
func remoteFailure(err error) pipeline.Outcome {
	var na *registry.NotAvailableError
	if errors.As(err, &na) {
		return pipeline.Failure(pipeline.FailTimeout, err, true)
	}
	var re *streamrpc.RPCError
	if errors.As(err, &re) {
		switch re.Kind {
		case streamrpc.ErrTimeout:
			return pipeline.Failure(pipeline.FailTimeout, err, true)
		case streamrpc.ErrConnectionLost:
			return pipeline.Failure(pipeline.FailConnection, err, true)
		default:
			return pipeline.Failure(pipeline.FailInternal, err, false)
		}
	}
	switch invoke.ClassOf(err) {
	case invoke.ClassAuthExpired:
		return pipeline.Failure(pipeline.FailAuth, err, false)
	case invoke.ClassTransient:
		return pipeline.Failure(pipeline.FailTransient, err, true)
	case invoke.ClassTimeout:
		return pipeline.Failure(pipeline.FailTimeout, err, true)
	case invoke.ClassFatal:
		return pipeline.Failure(pipeline.FailValidation, err, false)
	}
	return pipeline.Failure(pipeline.FailInternal, err, false)
}

func releaseTag(version string) string {
	if version == "" {
		return "v0.0.0"
	}
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}

// stateLangs reads a multilingual map back out of the state bag,
// tolerating both typed and JSON-decoded shapes.
func stateLangs(st *pipeline.State, key string) map[string]string {
	v, ok := st.Get(key)
	if !ok {
		return nil
	}
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

func stateLang(st *pipeline.State, key, lang string) string {
	return stateLangs(st, key)[lang]
}
