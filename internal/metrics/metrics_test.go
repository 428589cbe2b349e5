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

package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/tunir/pkg/job"
	"github.com/alexandremahdhaoui/tunir/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Recorders(t *testing.T) {
	r := New()

	r.CommandFinished(job.Normal, true, 2*time.Second)
	r.CommandFinished(job.Normal, true, time.Second)
	r.CommandFinished(job.Advisory, false, time.Second)
	r.CommandFinished(job.ExpectedFailure, true, time.Second)
	r.JobFinished(false)
	r.VMBooted()
	r.VMBooted()
	r.DiscoveryFailed()
	r.RetryNotify(transport.Target{Host: "10.0.0.2"}, "uptime", errors.New("reset"), time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.CommandsTotal.WithLabelValues("normal", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CommandsTotal.WithLabelValues("advisory", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CommandsTotal.WithLabelValues("expected_failure", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.JobsTotal.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.VMBootsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.DiscoveryFailure))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.TransportRetries))
	assert.Equal(t, 3, testutil.CollectAndCount(r.CommandDuration))
}

func TestRegistry_JobsTotal(t *testing.T) {
	r := New()
	r.JobFinished(true)

	expected := `
# HELP tunir_jobs_total Jobs run, by result
# TYPE tunir_jobs_total counter
tunir_jobs_total{result="passed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(r.Gatherer(), strings.NewReader(expected), "tunir_jobs_total"))
}

func TestRegistry_WriteTextfile(t *testing.T) {
	r := New()
	r.VMBooted()

	path := filepath.Join(t.TempDir(), "tunir.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tunir_vm_boots_total 1")

	err = r.WriteTextfile(filepath.Join(t.TempDir(), "missing", "tunir.prom"))
	assert.Error(t, err)
}
