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
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandResult is the outcome of one dispatched command.
type CommandResult struct {
	Command    string        `json:"command"`
	Kind       Kind          `json:"kind"`
	Target     string        `json:"target,omitempty"`
	Output     string        `json:"output"`
	ReturnCode int           `json:"returnCode"`
	Status     bool          `json:"status"`
	Duration   time.Duration `json:"duration"`
}

// AdvisorySummary counts the advisory commands of a report.
type AdvisorySummary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Report accumulates the results of a single job run. It is created by
// Engine.Run and never reused.
type Report struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time

	// TimedOut is set when the last attempted command exceeded its timeout.
	TimedOut bool
	// ConnectionFailed is set when the last attempted command could not
	// reach its target.
	ConnectionFailed bool
	// Completed is set when every command was processed without a gating
	// failure.
	Completed bool

	Events []Event

	results []CommandResult
	index   map[string]int
}

func NewReport() *Report {
	return &Report{
		ID:    uuid.NewString(),
		index: make(map[string]int),
	}
}

// Record stores res under res.Command. A command recorded twice keeps its
// first position and the latest result.
func (r *Report) Record(res CommandResult) {
	if i, ok := r.index[res.Command]; ok {
		r.results[i] = res
		return
	}
	r.index[res.Command] = len(r.results)
	r.results = append(r.results, res)
}

// Results returns the recorded results in execution order.
func (r *Report) Results() []CommandResult {
	return slices.Clone(r.results)
}

// Advisory computes the advisory counters over the recorded results.
func (r *Report) Advisory() AdvisorySummary {
	var s AdvisorySummary
	for _, res := range r.results {
		if res.Kind != Advisory {
			continue
		}
		s.Total++
		if res.Status {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	return s
}

// Passed is the overall job status. Advisory failures never affect it.
func (r *Report) Passed() bool {
	return r.Completed
}

// Event is one entry of a Timeline.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Event     string            `json:"event"`
	Details   map[string]string `json:"details,omitempty"`
}

// Timeline collects lifecycle events from the orchestrator and the engine.
// The zero value is ready to use; a nil *Timeline discards events.
type Timeline struct {
	mu     sync.Mutex
	now    func() time.Time
	events []Event
}

func NewTimeline(now func() time.Time) *Timeline {
	return &Timeline{now: now}
}

// Record appends an event. details is read as key/value pairs.
func (t *Timeline) Record(source, event string, details ...string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now
	if t.now != nil {
		now = t.now
	}
	e := Event{Timestamp: now(), Source: source, Event: event}
	if len(details) > 1 {
		e.Details = make(map[string]string, len(details)/2)
		for i := 0; i+1 < len(details); i += 2 {
			e.Details[details[i]] = details[i+1]
		}
	}
	t.events = append(t.events, e)
}

// Events returns a copy of the recorded events.
func (t *Timeline) Events() []Event {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.events)
}
