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

package provision

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/tunir/pkg/job"
	"github.com/alexandremahdhaoui/tunir/pkg/transport"
	"sigs.k8s.io/yaml"
)

var ErrInvalidConfig = errors.New("invalid job configuration")

const (
	TypeVM      = "vm"
	TypeBare    = "bare"
	TypeDocker  = "docker"
	TypeVagrant = "vagrant"
	TypeAWS     = "aws"

	// ResultPathEnvKey overrides JobConfig.ResultPath.
	ResultPathEnvKey = "TUNIR_RESULT_PATH"
	// TimeoutEnvKey overrides JobConfig.Timeout, in seconds.
	TimeoutEnvKey = "TUNIR_TIMEOUT"

	DefaultMemoryMB = 1024
)

// Number decodes from a JSON number or a numeric string, so both
// "port": 22 and "port": "22" are accepted.
type Number int

func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("expected an integer, got %s", data)
	}
	*n = Number(v)
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(n))
}

// JobConfig describes where and how a single-target job runs. It is filled
// in by a Provisioner and not modified once the job starts.
type JobConfig struct {
	// Type is one of vm, bare, docker, vagrant or aws.
	Type string `json:"type"`

	// Image is the qcow2 image of a vm job, the container image of a docker
	// job, or the address of a bare job when Host is empty.
	Image string `json:"image,omitempty"`

	Host     string `json:"host_string,omitempty"`
	Port     Number `json:"port,omitempty"`
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	// Key is the path of a private key file.
	Key string `json:"key,omitempty"`

	// Timeout bounds every command, in seconds.
	Timeout Number `json:"timeout,omitempty"`

	MemoryMB Number `json:"ram,omitempty"`
	VCPUs    Number `json:"vcpu,omitempty"`

	ResultPath string `json:"result_path,omitempty"`
}

// LoadJobConfig reads a JSON or YAML job configuration, applies defaults and
// environment overrides, and validates it.
func LoadJobConfig(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrInvalidConfig, path, err)
	}
	cfg, err := ParseJobConfig(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseJobConfig is LoadJobConfig on an in-memory document. lookupEnv
// resolves environment overrides and may be nil.
func ParseJobConfig(data []byte, lookupEnv func(string) (string, bool)) (*JobConfig, error) {
	cfg := &JobConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.applyDefaults()
	if lookupEnv != nil {
		if err := cfg.applyEnvironmentOverrides(lookupEnv); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *JobConfig) applyDefaults() {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.Port == 0 {
		c.Port = transport.DefaultPort
	}
	if c.Timeout == 0 {
		c.Timeout = Number(transport.DefaultTimeout / time.Second)
	}
	if c.ResultPath == "" {
		c.ResultPath = job.DefaultResultPath
	}
	if c.Type == TypeBare && c.Host == "" {
		c.Host = c.Image
	}
	if c.Type == TypeVM && c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
}

func (c *JobConfig) applyEnvironmentOverrides(lookupEnv func(string) (string, bool)) error {
	if val, ok := lookupEnv(ResultPathEnvKey); ok && val != "" {
		c.ResultPath = val
	}
	if val, ok := lookupEnv(TimeoutEnvKey); ok && val != "" {
		seconds, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s must be a number of seconds, got %q", ErrInvalidConfig, TimeoutEnvKey, val)
		}
		c.Timeout = Number(seconds)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *JobConfig) Validate() error {
	var errs []error

	switch c.Type {
	case TypeVM:
		if c.Image == "" {
			errs = append(errs, errors.New("image is required for vm jobs"))
		}
	case TypeBare:
		if c.Host == "" {
			errs = append(errs, errors.New("host_string or image is required for bare jobs"))
		}
	case TypeDocker:
		if c.Image == "" {
			errs = append(errs, errors.New("image is required for docker jobs"))
		}
	case TypeVagrant, TypeAWS:
	case "":
		errs = append(errs, errors.New("type cannot be empty"))
	default:
		errs = append(errs, fmt.Errorf("unsupported type %q", c.Type))
	}

	if c.User == "" {
		errs = append(errs, errors.New("user cannot be empty"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %d", c.Timeout))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// CommandTimeout returns Timeout as a duration.
func (c *JobConfig) CommandTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Target returns the transport target the job's commands run on.
func (c *JobConfig) Target() transport.Target {
	return transport.Target{
		Host:     c.Host,
		Port:     int(c.Port),
		User:     c.User,
		Password: c.Password,
		KeyPath:  c.Key,
		Timeout:  c.CommandTimeout(),
	}
}
