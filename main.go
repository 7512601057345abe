// Copyright 2025 CloudWeGo Authors
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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloudwego/mcpflow/internal/batch"
	"github.com/cloudwego/mcpflow/internal/config"
	"github.com/cloudwego/mcpflow/internal/log"
	"github.com/cloudwego/mcpflow/internal/mcpserver"
	"github.com/cloudwego/mcpflow/internal/project"
	"github.com/cloudwego/mcpflow/internal/utils"
	"github.com/cloudwego/mcpflow/internal/verify"
	"github.com/cloudwego/mcpflow/version"
)

const Usage = `mcpflow <Action> [Path] [Flags]
Action:
   publish      publish the single project at Path end to end
   batch        discover every project directory under Path and publish them all
   retry        re-run the failed jobs recorded in the report file at Path
   watch        watch Path and publish new project directories as they appear
   probe        smoke-test the project at Path over stdio, no remote calls
   mcp          run as an MCP server exposing publish/batch tools over stdio
   version      print the version of mcpflow
`

// StringArray collects a repeatable string flag.
type StringArray []string

func (s *StringArray) String() string { return strings.Join(*s, ",") }

func (s *StringArray) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	flags := flag.NewFlagSet("mcpflow", flag.ExitOnError)

	flagHelp := flags.Bool("h", false, "Show help message.")
	flagVerbose := flags.Bool("verbose", false, "Verbose mode.")
	flagConfig := flags.String("config", "mcpflow.yaml", "Configuration file path.")
	flagOutput := flags.String("o", "", "Report output path (overrides the configured one).")
	flagWorkers := flags.Int("workers", 0, "Concurrent jobs; 1 or less runs sequentially with a pacing delay.")
	flagDelay := flags.Duration("delay", 0, "Pause between sequential jobs.")
	flagFilter := flags.String("filter", "", `Job filter expression over id, kind and name, e.g. 'kind == "node"'.`)
	flagDryRun := flags.Bool("dry-run", false, "List the planned steps per job without calling any remote service.")

	var flagOnly StringArray
	flags.Var(&flagOnly, "only", "Restrict the run to this project id, repeatable.")
	var flagSkip StringArray
	flags.Var(&flagSkip, "skip", "Step name to skip, repeatable.")

	flags.Usage = func() {
		fmt.Fprint(os.Stderr, Usage)
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flags.PrintDefaults()
	}

	if len(os.Args) < 2 {
		flags.Usage()
		os.Exit(1)
	}
	action := strings.ToLower(os.Args[1])

	switch action {
	case "version":
		fmt.Fprintf(os.Stdout, "%s\n", version.Version)

	case "publish":
		path := parseArgsAndFlags(flags, flagHelp, flagVerbose)
		requirePath(flags, path)
		cfg := loadConfig(*flagConfig)
		opts := runOptions{
			Workers: *flagWorkers,
			Delay:   *flagDelay,
			Only:    flagOnly,
			Skip:    flagSkip,
			Filter:  *flagFilter,
			Output:  *flagOutput,
			DryRun:  *flagDryRun,
		}
		p, err := project.Detect(path)
		if err != nil {
			log.Error("%v\n", err)
			os.Exit(1)
		}
		os.Exit(runJobs(signalContext(), cfg, []project.Project{p}, opts))

	case "batch":
		path := parseArgsAndFlags(flags, flagHelp, flagVerbose)
		requirePath(flags, path)
		cfg := loadConfig(*flagConfig)
		opts := runOptions{
			Workers: *flagWorkers,
			Delay:   *flagDelay,
			Only:    flagOnly,
			Skip:    flagSkip,
			Filter:  *flagFilter,
			Output:  *flagOutput,
			DryRun:  *flagDryRun,
		}
		projects, err := project.Discover(path)
		if err != nil {
			log.Error("%v\n", err)
			os.Exit(1)
		}
		if len(projects) == 0 {
			log.Error("no projects under %s\n", path)
			os.Exit(1)
		}
		os.Exit(runJobs(signalContext(), cfg, projects, opts))

	case "retry":
		path := parseArgsAndFlags(flags, flagHelp, flagVerbose)
		requirePath(flags, path)
		cfg := loadConfig(*flagConfig)
		opts := runOptions{
			Workers: *flagWorkers,
			Delay:   *flagDelay,
			Skip:    flagSkip,
			Filter:  *flagFilter,
			Output:  *flagOutput,
			DryRun:  *flagDryRun,
		}
		os.Exit(runRetry(signalContext(), cfg, path, opts))

	case "watch":
		path := parseArgsAndFlags(flags, flagHelp, flagVerbose)
		requirePath(flags, path)
		cfg := loadConfig(*flagConfig)
		opts := runOptions{Skip: flagSkip, Output: *flagOutput}
		if err := runWatch(signalContext(), cfg, path, opts); err != nil && err != context.Canceled {
			log.Error("watch: %v\n", err)
			os.Exit(1)
		}

	case "probe":
		path := parseArgsAndFlags(flags, flagHelp, flagVerbose)
		requirePath(flags, path)
		p, err := project.Detect(path)
		if err != nil {
			log.Error("%v\n", err)
			os.Exit(1)
		}
		cfg := config.Default()
		v := verify.New(cfg.Verify, cfg.Chat, nil)
		report, err := v.StdioProbe(signalContext(), &p)
		if err != nil {
			log.Error("probe %s: %v\n", p.ID, err)
			os.Exit(1)
		}
		printJSON(report)
		if report.Skipped {
			os.Exit(1)
		}

	case "mcp":
		_ = parseArgsAndFlags(flags, flagHelp, flagVerbose)
		cfg := loadConfig(*flagConfig)
		svr := mcpserver.NewServer(mcpserver.ServerOptions{
			ServerName:    "mcpflow",
			ServerVersion: version.Version,
			PublisherOptions: mcpserver.PublisherOptions{
				Publisher:  batch.NewPublisher(cfg),
				ReportPath: reportPath(*flagOutput, cfg),
				Delay:      int(cfg.Batch.Delay.Std() / time.Second),
			},
		})
		if err := svr.ServeStdio(); err != nil {
			log.Error("Failed to run MCP server: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", action)
		flags.Usage()
		os.Exit(1)
	}
}

// parseArgsAndFlags reads the optional Path argument after the action,
// then parses the remaining flags. -h prints usage and exits.
func parseArgsAndFlags(flags *flag.FlagSet, flagHelp, flagVerbose *bool) string {
	args := os.Args[2:]
	path := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		path = args[0]
		args = args[1:]
	}
	_ = flags.Parse(args)
	if flagHelp != nil && *flagHelp {
		flags.Usage()
		os.Exit(0)
	}
	if flagVerbose != nil && *flagVerbose {
		log.SetLogLevel(log.DebugLevel)
	}
	return path
}

func requirePath(flags *flag.FlagSet, path string) {
	if path == "" {
		log.Error("Argument Path is required\n")
		flags.Usage()
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, falling back to built-in
// defaults plus environment variables when the default file is absent.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("config %s not found, using defaults\n", path)
			return config.Default()
		}
		log.Error("load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printJSON(v interface{}) {
	out, err := utils.MarshalJSONIndent(v)
	if err != nil {
		log.Error("encode output: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stdout, out)
}

// signalContext cancels on SIGINT/SIGTERM so a batch drains instead of
// dying mid-step.
func signalContext() context.Context {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx
}
