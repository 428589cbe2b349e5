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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

var ErrProtocol = errors.New("command protocol error")

const (
	ExpectedFailureMarker = "@@"
	AdvisoryMarker        = "##"
	SleepDirective        = "SLEEP"
)

// Kind classifies a script line. It is decided once, at parse time.
type Kind int

const (
	// Normal commands gate the job: a non-zero exit code aborts it.
	Normal Kind = iota
	// ExpectedFailure commands pass when they exit non-zero. A zero exit
	// code aborts the job.
	ExpectedFailure
	// Advisory commands are recorded and counted but never abort the job.
	Advisory
	// Sleep pauses the engine. Nothing is sent to a target.
	Sleep
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case ExpectedFailure:
		return "expected_failure"
	case Advisory:
		return "advisory"
	case Sleep:
		return "sleep"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Command is one parsed script line.
type Command struct {
	// Line is the trimmed source line, directive included. Reports are
	// keyed by it.
	Line string
	Kind Kind
	// Target names the host the command runs on. Empty in single target
	// scripts.
	Target string
	// Text is what actually runs on the target.
	Text string
	// Duration is only set for Sleep.
	Duration time.Duration
	LineNo   int
}

// Gating reports whether a failure of c aborts the job.
func (c Command) Gating() bool {
	return c.Kind == Normal || c.Kind == ExpectedFailure
}

// Passed derives the status of c from the exit code of its Text.
func (c Command) Passed(returnCode int) bool {
	if c.Kind == ExpectedFailure {
		return returnCode != 0
	}
	return returnCode == 0
}

// ParseOptions tunes ParseScript.
type ParseOptions struct {
	// Targets lists the valid target names. When set, every command must
	// name its target right after the directive, e.g. "@@ vm2 false".
	Targets []string
}

// LoadScript parses the script stored at path.
func LoadScript(path string, opts ParseOptions) ([]Command, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseScript(f, opts)
}

// ParseScript reads one command per line. Blank lines are skipped.
func ParseScript(r io.Reader, opts ParseOptions) ([]Command, error) {
	var cmds []Command

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, err := parseLine(line, opts)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		cmd.LineNo = lineNo
		cmds = append(cmds, cmd)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return cmds, nil
}

func parseLine(line string, opts ParseOptions) (Command, error) {
	cmd := Command{Line: line, Kind: Normal}

	rest := line
	switch {
	case strings.HasPrefix(line, ExpectedFailureMarker):
		cmd.Kind = ExpectedFailure
		rest = strings.TrimSpace(line[len(ExpectedFailureMarker):])
	case strings.HasPrefix(line, AdvisoryMarker):
		cmd.Kind = Advisory
		rest = strings.TrimSpace(line[len(AdvisoryMarker):])
	case line == SleepDirective || strings.HasPrefix(line, SleepDirective+" "):
		return parseSleep(cmd, line)
	}

	if len(opts.Targets) > 0 {
		target, text, _ := strings.Cut(rest, " ")
		if !slices.Contains(opts.Targets, target) {
			return Command{}, fmt.Errorf("%w: unknown target %q in %q (known: %s)",
				ErrProtocol, target, line, strings.Join(opts.Targets, ", "))
		}
		cmd.Target = target
		rest = strings.TrimSpace(text)
	}

	if rest == "" {
		return Command{}, fmt.Errorf("%w: empty command in %q", ErrProtocol, line)
	}
	cmd.Text = rest
	return cmd, nil
}

func parseSleep(cmd Command, line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Command{}, fmt.Errorf("%w: expected %q, got %q", ErrProtocol, SleepDirective+" <seconds>", line)
	}
	seconds, err := strconv.Atoi(fields[1])
	if err != nil || seconds < 0 {
		return Command{}, fmt.Errorf("%w: invalid sleep duration %q", ErrProtocol, fields[1])
	}
	cmd.Kind = Sleep
	cmd.Duration = time.Duration(seconds) * time.Second
	return cmd, nil
}
