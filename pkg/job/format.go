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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"

	// DefaultResultPath is where the report lands unless configured.
	DefaultResultPath = "/var/run/tunir/tunir_result.txt"

	timeoutMessage    = "Error: socket timeout in the last command."
	connectionMessage = "Error: SSH into the system failed."
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unsupported report format: %s", s)
	}
}

// Render serializes r in format f.
func Render(r *Report, f Format) ([]byte, error) {
	switch f {
	case FormatText, "":
		return []byte(formatText(r)), nil
	case FormatJSON:
		return formatJSON(r)
	default:
		return nil, fmt.Errorf("unsupported report format: %s", f)
	}
}

func formatText(r *Report) string {
	var sb strings.Builder

	for _, res := range r.results {
		sb.WriteString(fmt.Sprintf("command: %s\n", res.Command))
		sb.WriteString(fmt.Sprintf("status: %s\n", pyBool(res.Status)))
		sb.WriteString(res.Output)
		sb.WriteString("\n")
	}

	if r.TimedOut {
		sb.WriteString(timeoutMessage + "\n")
	}
	if r.ConnectionFailed {
		sb.WriteString(connectionMessage + "\n")
	}
	sb.WriteString("\n\n")

	adv := r.Advisory()
	sb.WriteString("Non gating tests status:\n")
	sb.WriteString(fmt.Sprintf("Total:%d\n", adv.Total))
	sb.WriteString(fmt.Sprintf("Passed:%d\n", adv.Passed))
	sb.WriteString(fmt.Sprintf("Failed:%d\n", adv.Failed))

	return sb.String()
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

type jsonReport struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	StartTime        time.Time       `json:"startTime"`
	EndTime          time.Time       `json:"endTime"`
	Duration         float64         `json:"durationSeconds"`
	TimedOut         bool            `json:"timedOut"`
	ConnectionFailed bool            `json:"connectionFailed"`
	Results          []CommandResult `json:"results"`
	Advisory         AdvisorySummary `json:"advisory"`
	Events           []Event         `json:"events,omitempty"`
}

func formatJSON(r *Report) ([]byte, error) {
	status := "failed"
	if r.Passed() {
		status = "passed"
	}
	results := r.results
	if results == nil {
		results = []CommandResult{}
	}

	data, err := json.MarshalIndent(jsonReport{
		ID:               r.ID,
		Status:           status,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		Duration:         r.EndTime.Sub(r.StartTime).Seconds(),
		TimedOut:         r.TimedOut,
		ConnectionFailed: r.ConnectionFailed,
		Results:          results,
		Advisory:         r.Advisory(),
		Events:           r.Events,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Writer persists a finished report.
type Writer interface {
	Write(r *Report) error
}

// FileWriter renders the report to Path, creating its parent directory.
type FileWriter struct {
	Path   string
	Format Format
}

// Write implements Writer.
func (w FileWriter) Write(r *Report) error {
	content, err := Render(r, w.Format)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	path := w.Path
	if path == "" {
		path = DefaultResultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	return nil
}

type discardWriter struct{}

func (discardWriter) Write(*Report) error { return nil }
