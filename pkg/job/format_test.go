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

//go:build unit

package job

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *Report {
	r := NewReport()
	r.StartTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.EndTime = r.StartTime.Add(1500 * time.Millisecond)
	r.Record(CommandResult{Command: "echo hi", Kind: Normal, Output: "hi\n", Status: true})
	r.Record(CommandResult{Command: "## false", Kind: Advisory, ReturnCode: 1, Status: false})
	r.Record(CommandResult{Command: "@@ false", Kind: ExpectedFailure, ReturnCode: 1, Status: true})
	r.Completed = true
	return r
}

func TestRender_Text(t *testing.T) {
	out, err := Render(sampleReport(), FormatText)
	require.NoError(t, err)

	want := "command: echo hi\nstatus: True\nhi\n\n" +
		"command: ## false\nstatus: False\n\n" +
		"command: @@ false\nstatus: True\n\n" +
		"\n\n" +
		"Non gating tests status:\nTotal:1\nPassed:0\nFailed:1\n"
	assert.Equal(t, want, string(out))
}

func TestRender_TextStickyFlags(t *testing.T) {
	r := NewReport()
	r.Record(CommandResult{Command: "echo a", Output: "a\n", Status: true})
	r.TimedOut = true
	r.ConnectionFailed = true

	out, err := Render(r, FormatText)
	require.NoError(t, err)

	want := "command: echo a\nstatus: True\na\n\n" +
		"Error: socket timeout in the last command.\n" +
		"Error: SSH into the system failed.\n" +
		"\n\n" +
		"Non gating tests status:\nTotal:0\nPassed:0\nFailed:0\n"
	assert.Equal(t, want, string(out))
}

func TestRender_JSON(t *testing.T) {
	r := sampleReport()
	r.Events = []Event{{Timestamp: r.StartTime, Source: "orchestrator", Event: "vm_booted", Details: map[string]string{"slot": "vm1"}}}

	out, err := Render(r, FormatJSON)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))

	assert.Equal(t, r.ID, got["id"])
	assert.Equal(t, "passed", got["status"])
	assert.InDelta(t, 1.5, got["durationSeconds"], 0.001)
	assert.Equal(t, map[string]any{"total": 1.0, "passed": 0.0, "failed": 1.0}, got["advisory"])

	results := got["results"].([]any)
	require.Len(t, results, 3)
	first := results[0].(map[string]any)
	assert.Equal(t, "echo hi", first["command"])
	assert.Equal(t, "normal", first["kind"])
	assert.Equal(t, "expected_failure", results[2].(map[string]any)["kind"])

	events := got["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "vm_booted", events[0].(map[string]any)["event"])
}

func TestRender_JSONEmpty(t *testing.T) {
	out, err := Render(NewReport(), FormatJSON)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, []any{}, got["results"])
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "text": FormatText, "JSON": FormatJSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)

	_, err = Render(NewReport(), Format("xml"))
	assert.Error(t, err)
}

func TestFileWriter_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "tunir", "result.json")
	require.NoError(t, FileWriter{Path: path, Format: FormatJSON}.Write(sampleReport()))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(b))
}

func TestReport_RecordOverwritesInPlace(t *testing.T) {
	r := NewReport()
	r.Record(CommandResult{Command: "## a", Kind: Advisory, Status: false})
	r.Record(CommandResult{Command: "b", Status: true})
	r.Record(CommandResult{Command: "## a", Kind: Advisory, Status: true})

	results := r.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "## a", results[0].Command)
	assert.True(t, results[0].Status)
	assert.Equal(t, AdvisorySummary{Total: 1, Passed: 1}, r.Advisory())
}

func TestTimeline(t *testing.T) {
	var nilTimeline *Timeline
	nilTimeline.Record("x", "y")
	assert.Nil(t, nilTimeline.Events())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tl := NewTimeline(func() time.Time { return now })
	tl.Record("orchestrator", "vm_booted", "slot", "vm1", "pid", "42", "dangling")

	events := tl.Events()
	require.Len(t, events, 1)
	assert.Equal(t, Event{
		Timestamp: now,
		Source:    "orchestrator",
		Event:     "vm_booted",
		Details:   map[string]string{"slot": "vm1", "pid": "42"},
	}, events[0])
}
