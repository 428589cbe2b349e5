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

// Package metrics counts job and orchestration activity and exports it in
// the Prometheus text format.
package metrics

import (
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/tunir/pkg/job"
	"github.com/alexandremahdhaoui/tunir/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tunir"

// Registry holds every tunir collector. It satisfies job.Recorder and
// multihost.Recorder.
type Registry struct {
	reg *prometheus.Registry

	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	JobsTotal        *prometheus.CounterVec
	VMBootsTotal     prometheus.Counter
	DiscoveryFailure prometheus.Counter
	TransportRetries prometheus.Counter
}

// New returns a Registry backed by its own prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands executed, by kind and outcome",
		}, []string{"kind", "status"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent executing a command on its target",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		}, []string{"kind"}),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs run, by result",
		}, []string{"result"}),
		VMBootsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_boots_total",
			Help:      "Guests booted by the multihost orchestrator",
		}),
		DiscoveryFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_failures_total",
			Help:      "Guests whose address could not be discovered",
		}),
		TransportRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_retries_total",
			Help:      "Commands retried after a transient transport failure",
		}),
	}
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) CommandFinished(kind job.Kind, passed bool, d time.Duration) {
	r.CommandsTotal.WithLabelValues(kind.String(), statusLabel(passed)).Inc()
	r.CommandDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
}

func (r *Registry) JobFinished(passed bool) {
	r.JobsTotal.WithLabelValues(statusLabel(passed)).Inc()
}

func (r *Registry) VMBooted() {
	r.VMBootsTotal.Inc()
}

func (r *Registry) DiscoveryFailed() {
	r.DiscoveryFailure.Inc()
}

// RetryNotify counts transport retries. Pass it to transport.WithRetryNotify.
func (r *Registry) RetryNotify(transport.Target, string, error, time.Duration) {
	r.TransportRetries.Inc()
}

// WriteTextfile writes every metric to path, e.g. for the node_exporter
// textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}

func statusLabel(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}
