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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/alexandremahdhaoui/tunir/pkg/job"
)

const (
	// ConfigDirEnvKey sets the default of --config-dir.
	ConfigDirEnvKey = "TUNIR_CONFIG_DIR"
	// LibvirtURIEnvKey sets the default of --libvirt-uri.
	LibvirtURIEnvKey = "TUNIR_LIBVIRT_URI"

	defaultConfigDir  = "./"
	defaultLibvirtURI = "qemu:///system"
)

// Config holds the command line of a tunir invocation.
type Config struct {
	Job             string
	Multi           string
	ConfigDir       string
	ResultPath      string
	Format          job.Format
	Debug           bool
	Development     bool
	MetricsTextfile string
	LibvirtURI      string
	PrivilegedPing  bool
	Sudo            bool
}

// parseFlags parses args. It returns flag.ErrHelp when usage was requested.
func parseFlags(args []string, stderr io.Writer) (*Config, error) {
	cfg := &Config{}
	var format string

	fs := flag.NewFlagSet("tunir", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }

	fs.StringVar(&cfg.Job, "job", "", "Name of the job to run (<config-dir>/<job>.json and <job>.txt)")
	fs.StringVar(&cfg.Multi, "multi", "", "Name of the multihost run (<config-dir>/<name>.cfg and <name>.txt)")
	fs.StringVar(&cfg.ConfigDir, "config-dir", getEnvOrDefault(ConfigDirEnvKey, defaultConfigDir),
		"Directory holding job configurations and scripts")
	fs.StringVar(&cfg.ResultPath, "result-path", "", "Where to write the report (default: "+job.DefaultResultPath+")")
	fs.StringVar(&format, "format", string(job.FormatText), "Report format: text or json")
	fs.BoolVar(&cfg.Debug, "debug", false, "Keep the VMs running after a multihost run")
	fs.BoolVar(&cfg.Development, "dev", false, "Human-readable debug logging")
	fs.StringVar(&cfg.MetricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file after the run")
	fs.StringVar(&cfg.LibvirtURI, "libvirt-uri", getEnvOrDefault(LibvirtURIEnvKey, defaultLibvirtURI),
		"libvirt connection URI for hypervisor = libvirt")
	fs.BoolVar(&cfg.PrivilegedPing, "privileged-ping", false, "Use raw ICMP sockets for the network sweep")
	fs.BoolVar(&cfg.Sudo, "sudo", false, "Run qemu, qemu-img and xorriso through sudo")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	f, err := job.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	cfg.Format = f

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid. A missing job is not an
// error here; it has its own exit code.
func (c *Config) Validate() error {
	var errs []error

	if c.Job != "" && c.Multi != "" {
		errs = append(errs, errors.New("--job and --multi are mutually exclusive"))
	}
	if c.ConfigDir == "" {
		errs = append(errs, errors.New("--config-dir cannot be empty"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: tunir (--job <name> | --multi <name>) [options]

Runs the commands of <name>.txt against a provisioned target and writes a
report.

Options:
  --job string              Single-target job: <config-dir>/<name>.json
  --multi string            Multihost run: <config-dir>/<name>.cfg
  --config-dir string       Configuration directory (default: %s)
  --result-path string      Report path (default: %s)
  --format string           Report format: text or json (default: text)
  --debug                   Keep VMs and their private key after the job
  --dev                     Human-readable debug logging
  --metrics-textfile string Write Prometheus metrics after the run
  --libvirt-uri string      libvirt URI (default: %s)
  --privileged-ping         Sweep with raw ICMP sockets
  --sudo                    Run local helpers through sudo

Environment Variables:
  %s   Default configuration directory
  %s  Default libvirt URI
  TUNIR_RESULT_PATH  Result path when --result-path is not set
  TUNIR_TIMEOUT      Per-command timeout of --job runs, in seconds

Exit Codes:
  0  Job completed and passed
  1  Job failed
  2  Job configuration missing
  3  No job specified
`, defaultConfigDir, job.DefaultResultPath, defaultLibvirtURI, ConfigDirEnvKey, LibvirtURIEnvKey)
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
