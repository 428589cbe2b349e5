// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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
	"io"
	"log/slog"
	"os"

	"github.com/alexandremahdhaoui/tunir/internal/metrics"
	"github.com/alexandremahdhaoui/tunir/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/tunir/internal/util/logging"
	"github.com/alexandremahdhaoui/tunir/pkg/execcontext"
	"github.com/alexandremahdhaoui/tunir/pkg/job"
	"github.com/alexandremahdhaoui/tunir/pkg/runner"
)

// Exit codes
const (
	exitPassed        = 0 // Job completed and passed
	exitFailed        = 1 // Job failed, or could not run
	exitConfigMissing = 2 // Job configuration or script not found
	exitNoJob         = 3 // Neither --job nor --multi given
)

func main() {
	gs := gracefulshutdown.New("tunir")
	gs.Shutdown(run(gs.Context(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitPassed
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	if cfg.Job == "" && cfg.Multi == "" {
		fmt.Fprintln(stderr, "Error: no job specified")
		printUsage(stderr)
		return exitNoJob
	}

	logOpts := logging.Options{Level: slog.LevelInfo, Writer: stderr}
	if cfg.Development {
		logOpts.Development = true
		logOpts.Level = slog.LevelDebug
	}
	log := logging.Setup(logOpts)

	reg := metrics.New()
	execCtx := execcontext.Empty()
	if cfg.Sudo {
		execCtx = execcontext.New(nil, []string{"sudo"})
	}

	r := runner.NewRunner(cfg.ConfigDir,
		runner.WithResultPath(cfg.ResultPath),
		runner.WithFormat(cfg.Format),
		runner.WithKeepAlive(cfg.Debug),
		runner.WithExecContext(execCtx),
		runner.WithRecorder(reg),
		runner.WithRetryNotify(reg.RetryNotify),
		runner.WithLibvirtURI(cfg.LibvirtURI),
		runner.WithPrivilegedPing(cfg.PrivilegedPing),
	)

	var report *job.Report
	if cfg.Multi != "" {
		log.Info("starting multihost run", "name", cfg.Multi, "configDir", cfg.ConfigDir)
		report, err = r.RunMultihost(ctx, cfg.Multi)
	} else {
		log.Info("starting job", "name", cfg.Job, "configDir", cfg.ConfigDir)
		report, err = r.RunJob(ctx, cfg.Job)
	}
	if err != nil {
		log.Error(err, "run failed")
	}

	if cfg.MetricsTextfile != "" {
		if werr := reg.WriteTextfile(cfg.MetricsTextfile); werr != nil {
			log.Error(werr, "failed to export metrics")
		}
	}

	if report != nil {
		if content, rerr := job.Render(report, cfg.Format); rerr == nil {
			_, _ = stdout.Write(content)
			fmt.Fprintln(stdout)
		}
		log.Info("job status", "passed", report.Passed())
	}

	return exitCode(report, err)
}

func exitCode(report *job.Report, err error) int {
	switch {
	case errors.Is(err, runner.ErrConfigMissing):
		return exitConfigMissing
	case err != nil, report == nil, !report.Passed():
		return exitFailed
	default:
		return exitPassed
	}
}
