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

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/tunir/pkg/transport"
	"k8s.io/utils/clock"
)

var (
	ErrDispatch    = errors.New("failed to dispatch command")
	ErrWriteReport = errors.New("failed to write report")
)

const engineSource = "engine"

// Executor runs a single command on a target. *transport.Executor
// implements it.
type Executor interface {
	Execute(ctx context.Context, target transport.Target, command string) (transport.Result, error)
}

// Recorder observes engine activity, e.g. for metrics.
type Recorder interface {
	CommandFinished(kind Kind, passed bool, d time.Duration)
	JobFinished(passed bool)
}

type noopRecorder struct{}

func (noopRecorder) CommandFinished(Kind, bool, time.Duration) {}
func (noopRecorder) JobFinished(bool)                          {}

// Engine runs a parsed script against one or more targets.
type Engine struct {
	executor Executor
	targets  map[string]transport.Target
	clock    clock.Clock
	writer   Writer
	recorder Recorder
	timeline *Timeline
}

type EngineOption func(*Engine)

// WithTarget sets the target of single target scripts.
func WithTarget(t transport.Target) EngineOption {
	return func(e *Engine) {
		e.targets[""] = t
	}
}

// WithTargets sets the named targets of multi target scripts.
func WithTargets(targets map[string]transport.Target) EngineOption {
	return func(e *Engine) {
		for name, t := range targets {
			e.targets[name] = t
		}
	}
}

func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithWriter sets where the report goes once the run ends.
func WithWriter(w Writer) EngineOption {
	return func(e *Engine) {
		e.writer = w
	}
}

func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = r
	}
}

func WithTimeline(t *Timeline) EngineOption {
	return func(e *Engine) {
		e.timeline = t
	}
}

func NewEngine(executor Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		executor: executor,
		targets:  make(map[string]transport.Target),
		clock:    clock.RealClock{},
		writer:   discardWriter{},
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes cmds in order and always writes the report before
// returning it.
//
// A gating failure, a timeout or a connection failure stops the run and is
// reflected in the report only; the returned error is nil. Any other
// dispatch error, or a failure to write the report, is returned alongside
// the report.
func (e *Engine) Run(ctx context.Context, cmds []Command) (report *Report, err error) {
	report = NewReport()
	report.StartTime = e.clock.Now()
	e.timeline.Record(engineSource, "job_started", "commands", strconv.Itoa(len(cmds)))

	defer func() {
		report.EndTime = e.clock.Now()
		e.timeline.Record(engineSource, "job_finished", "passed", strconv.FormatBool(report.Passed()))
		report.Events = e.timeline.Events()
		e.recorder.JobFinished(report.Passed())

		slog.Info("job finished",
			"passed", report.Passed(),
			"recorded", len(report.results),
			"timedOut", report.TimedOut,
			"connectionFailed", report.ConnectionFailed)

		if werr := e.writer.Write(report); werr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %v", ErrWriteReport, werr))
		}
	}()

	for _, cmd := range cmds {
		if cmd.Kind == Sleep {
			slog.Info("sleeping", "duration", cmd.Duration.String())
			if err := e.sleep(ctx, cmd.Duration); err != nil {
				return report, err
			}
			continue
		}

		target, ok := e.targets[cmd.Target]
		if !ok {
			return report, fmt.Errorf("%w: %w: no target named %q", ErrDispatch, ErrProtocol, cmd.Target)
		}

		slog.Info("executing command", "command", cmd.Text, "kind", cmd.Kind.String(), "target", target.Address())
		start := e.clock.Now()
		res, err := e.executor.Execute(ctx, target, cmd.Text)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrTimeout):
				report.TimedOut = true
				slog.Error("command timed out", "command", cmd.Line, "error", err.Error())
				return report, nil
			case transport.IsConnectionFailure(err):
				report.ConnectionFailed = true
				slog.Error("connection to target failed", "command", cmd.Line, "error", err.Error())
				return report, nil
			default:
				slog.Error("unexpected dispatch failure", "command", cmd.Line, "error", err.Error())
				return report, fmt.Errorf("%w: %q: %w", ErrDispatch, cmd.Line, err)
			}
		}

		passed := cmd.Passed(res.ReturnCode)
		elapsed := e.clock.Since(start)
		report.Record(CommandResult{
			Command:    cmd.Line,
			Kind:       cmd.Kind,
			Target:     cmd.Target,
			Output:     res.Output,
			ReturnCode: res.ReturnCode,
			Status:     passed,
			Duration:   elapsed,
		})
		e.recorder.CommandFinished(cmd.Kind, passed, elapsed)

		if !passed && cmd.Gating() {
			slog.Info("gating command failed, aborting job", "command", cmd.Line, "returnCode", res.ReturnCode)
			return report, nil
		}
	}

	report.Completed = true
	return report, nil
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}
