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

// Package runner wires configuration files to the job engine: it loads a
// job or multihost configuration from a config directory, provisions the
// targets and runs the matching script.
//
// For a job named "fedora" the directory holds fedora.json (or a YAML
// document under that name) and the script fedora.txt. A multihost run
// named "cluster" reads cluster.cfg and cluster.txt.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/tunir/pkg/cloudinit"
	"github.com/alexandremahdhaoui/tunir/pkg/execcontext"
	"github.com/alexandremahdhaoui/tunir/pkg/job"
	"github.com/alexandremahdhaoui/tunir/pkg/multihost"
	"github.com/alexandremahdhaoui/tunir/pkg/network"
	"github.com/alexandremahdhaoui/tunir/pkg/provision"
	"github.com/alexandremahdhaoui/tunir/pkg/transport"
	"github.com/alexandremahdhaoui/tunir/pkg/vmm"
	"libvirt.org/go/libvirt"
)

var (
	ErrConfigMissing = errors.New("job configuration is missing")
	ErrTargetFailed  = errors.New("target reported failure, job skipped")
	ErrBackend       = errors.New("failed to set up virtualization backend")
)

const (
	jobConfigExt   = ".json"
	multihostExt   = ".cfg"
	scriptExt      = ".txt"
	vmSlotName     = "vm1"
	defaultLibvirt = "qemu:///system"
)

// Recorder receives job and orchestration metrics.
type Recorder interface {
	job.Recorder
	multihost.Recorder
}

// Backend is what the orchestrator needs from the virtualization layer.
type Backend struct {
	Hypervisor vmm.Hypervisor
	Scanner    network.Scanner
	Stager     vmm.DiskStager
	Close      func() error
}

// BackendFactory builds a Backend for a multihost configuration.
type BackendFactory func(ctx context.Context, cfg *multihost.Config) (*Backend, error)

// Runner runs named jobs from a configuration directory.
type Runner struct {
	configDir   string
	resultPath  string
	format      job.Format
	keepAlive   bool
	execCtx     execcontext.Context
	registry    *provision.Registry
	recorder    Recorder
	executor    job.Executor
	backend     BackendFactory
	libvirtURI  string
	privileged  bool
	retryNotify transport.RetryNotify
	orchOpts    []multihost.Option
	networkCIDR func(ctx context.Context, uri, name string) (string, error)
}

type Option func(*Runner)

// WithResultPath overrides the result path of every job.
func WithResultPath(path string) Option {
	return func(r *Runner) {
		r.resultPath = path
	}
}

func WithFormat(f job.Format) Option {
	return func(r *Runner) {
		r.format = f
	}
}

// WithKeepAlive leaves multihost guests running after the job.
func WithKeepAlive(keep bool) Option {
	return func(r *Runner) {
		r.keepAlive = keep
	}
}

// WithExecContext sets the environment and prefix of local subprocesses.
func WithExecContext(execCtx execcontext.Context) Option {
	return func(r *Runner) {
		r.execCtx = execCtx
	}
}

func WithRegistry(reg *provision.Registry) Option {
	return func(r *Runner) {
		r.registry = reg
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithRetryNotify is called before every transport retry.
func WithRetryNotify(fn transport.RetryNotify) Option {
	return func(r *Runner) {
		r.retryNotify = fn
	}
}

// WithExecutor replaces the SSH executor, e.g. in tests.
func WithExecutor(e job.Executor) Option {
	return func(r *Runner) {
		r.executor = e
	}
}

// WithBackendFactory replaces the hypervisor and scanner construction.
func WithBackendFactory(f BackendFactory) Option {
	return func(r *Runner) {
		r.backend = f
	}
}

// WithLibvirtURI sets the libvirt connection URI. Defaults to qemu:///system.
func WithLibvirtURI(uri string) Option {
	return func(r *Runner) {
		r.libvirtURI = uri
	}
}

// WithPrivilegedPing makes the ping sweep use raw ICMP sockets.
func WithPrivilegedPing(privileged bool) Option {
	return func(r *Runner) {
		r.privileged = privileged
	}
}

// WithOrchestratorOptions are passed to every multihost.Orchestrator.
func WithOrchestratorOptions(opts ...multihost.Option) Option {
	return func(r *Runner) {
		r.orchOpts = append(r.orchOpts, opts...)
	}
}

func NewRunner(configDir string, opts ...Option) *Runner {
	r := &Runner{
		configDir:   configDir,
		format:      job.FormatText,
		execCtx:     execcontext.Empty(),
		registry:    provision.NewRegistry(),
		libvirtURI:  defaultLibvirt,
		networkCIDR: libvirtNetworkCIDR,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.backend == nil {
		r.backend = r.defaultBackend
	}
	if _, err := r.registry.Get(provision.TypeDocker); err != nil {
		r.registry.Register(provision.TypeDocker, provision.NewDocker(r.execCtx))
	}
	if r.executor == nil {
		var execOpts []transport.ExecutorOption
		if r.retryNotify != nil {
			execOpts = append(execOpts, transport.WithRetryNotify(r.retryNotify))
		}
		r.executor = transport.NewExecutor(transport.NewSSHRunner(), execOpts...)
	}
	return r
}

// RunJob runs the single-target job name. The report is nil when the job
// never started.
func (r *Runner) RunJob(ctx context.Context, name string) (*job.Report, error) {
	cfg, err := provision.LoadJobConfig(r.path(name, jobConfigExt))
	if err != nil {
		return nil, missing(err)
	}
	if r.resultPath != "" {
		cfg.ResultPath = r.resultPath
	}

	cmds, err := job.LoadScript(r.path(name, scriptExt), job.ParseOptions{})
	if err != nil {
		return nil, missing(err)
	}

	if cfg.Type == provision.TypeVM {
		return r.runVM(ctx, cfg, cmds)
	}
	return r.runProvisioned(ctx, cfg, cmds)
}

func (r *Runner) runProvisioned(ctx context.Context, cfg *provision.JobConfig, cmds []job.Command) (report *job.Report, err error) {
	p, err := r.registry.Get(cfg.Type)
	if err != nil {
		return nil, err
	}

	handle, provisioned, err := p.Provision(ctx, *cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := handle.Destroy(context.WithoutCancel(ctx)); derr != nil {
			slog.Error("failed to destroy target", "type", cfg.Type, "error", derr.Error())
			err = errors.Join(err, derr)
		}
	}()

	if handle.Failed() {
		return nil, fmt.Errorf("%w: %s", ErrTargetFailed, cfg.Type)
	}

	engine := job.NewEngine(r.executor, r.engineOptions(provisioned.ResultPath,
		job.WithTarget(provisioned.Target()))...)
	return engine.Run(ctx, cmds)
}

// runVM boots the job image as the only slot of a multihost run.
func (r *Runner) runVM(ctx context.Context, cfg *provision.JobConfig, cmds []job.Command) (*job.Report, error) {
	mcfg := &multihost.Config{
		General: multihost.General{
			MemoryMB:      int(cfg.MemoryMB),
			VCPUs:         int(cfg.VCPUs),
			Hypervisor:    multihost.HypervisorQEMU,
			Disk:          multihost.DiskCopy,
			SettleTimeout: multihost.DefaultSettleTimeout,
			ReadyTimeout:  multihost.DefaultReadyTimeout,
		},
		Slots: []multihost.Slot{{Name: vmSlotName, Image: cfg.Image, User: cfg.User}},
	}
	if err := mcfg.Validate(); err != nil {
		return nil, err
	}
	return r.orchestrate(ctx, mcfg, cmds, cfg.ResultPath, cfg.CommandTimeout())
}

// RunMultihost boots every slot of the multihost configuration name and
// runs its script.
func (r *Runner) RunMultihost(ctx context.Context, name string) (*job.Report, error) {
	cfg, err := multihost.LoadConfig(r.path(name, multihostExt))
	if err != nil {
		return nil, missing(err)
	}

	cmds, err := job.LoadScript(r.path(name, scriptExt), job.ParseOptions{Targets: cfg.SlotNames()})
	if err != nil {
		return nil, missing(err)
	}

	resultPath := r.resultPath
	if resultPath == "" {
		resultPath = os.Getenv(provision.ResultPathEnvKey)
	}
	if resultPath == "" {
		resultPath = job.DefaultResultPath
	}
	return r.orchestrate(ctx, cfg, cmds, resultPath, transport.DefaultTimeout)
}

func (r *Runner) orchestrate(
	ctx context.Context,
	cfg *multihost.Config,
	cmds []job.Command,
	resultPath string,
	commandTimeout time.Duration,
) (report *job.Report, err error) {
	backend, err := r.backend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if backend.Close != nil {
		defer func() {
			if cerr := backend.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("%w: closing: %w", ErrBackend, cerr))
			}
		}()
	}

	opts := []multihost.Option{
		multihost.WithKeepAlive(r.keepAlive),
		multihost.WithCommandTimeout(commandTimeout),
		multihost.WithSeedBuilder(cloudinit.NewSeedBuilder(r.execCtx)),
		multihost.WithEngineOptions(r.engineOptions(resultPath)...),
	}
	if backend.Stager != nil {
		opts = append(opts, multihost.WithDiskStager(backend.Stager))
	}
	if r.recorder != nil {
		opts = append(opts, multihost.WithRecorder(r.recorder))
	}
	opts = append(opts, r.orchOpts...)

	o := multihost.NewOrchestrator(cfg, backend.Hypervisor, backend.Scanner, r.executor, opts...)
	return o.Run(ctx, cmds)
}

func (r *Runner) engineOptions(resultPath string, extra ...job.EngineOption) []job.EngineOption {
	opts := []job.EngineOption{
		job.WithWriter(job.FileWriter{Path: resultPath, Format: r.format}),
	}
	if r.recorder != nil {
		opts = append(opts, job.WithRecorder(r.recorder))
	}
	return append(opts, extra...)
}

// missing marks errors caused by an absent file with ErrConfigMissing.
func missing(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrConfigMissing, err)
	}
	return err
}

func (r *Runner) path(name, ext string) string {
	return filepath.Join(r.configDir, name+ext)
}

// defaultBackend connects to qemu or libvirt and picks the discovery
// source: a lease file when configured, libvirt's own leases for libvirt
// guests, and a ping sweep otherwise. Without [general] cidr the sweep covers
// the subnet of [general] network, or DefaultCIDR.
func (r *Runner) defaultBackend(ctx context.Context, cfg *multihost.Config) (*Backend, error) {
	b := &Backend{Stager: vmm.CopyStager{}}
	if cfg.General.Disk == multihost.DiskOverlay {
		b.Stager = vmm.NewOverlayStager(r.execCtx)
	}

	var conn *libvirt.Connect
	switch cfg.General.Hypervisor {
	case multihost.HypervisorLibvirt:
		var err error
		conn, err = libvirt.NewConnect(r.libvirtURI)
		if err != nil {
			return nil, fmt.Errorf("%w: connecting to %s: %v", ErrBackend, r.libvirtURI, err)
		}
		b.Hypervisor = vmm.NewLibvirt(conn)
		b.Close = func() error {
			_, err := conn.Close()
			return err
		}
	default:
		b.Hypervisor = vmm.NewQEMU(vmm.WithExecContext(r.execCtx))
	}

	switch {
	case cfg.General.Leases != "":
		b.Scanner = network.NewLeaseFileScanner(cfg.General.Leases)
	case conn != nil:
		b.Scanner = network.NewLibvirtLeaseScanner(conn, cfg.General.Network)
	default:
		cidr := cfg.General.CIDR
		if cidr == "" && cfg.General.Network != "" {
			found, err := r.networkCIDR(ctx, r.libvirtURI, cfg.General.Network)
			if err != nil {
				slog.Warn("failed to read network subnet, sweeping default range",
					"network", cfg.General.Network, "cidr", network.DefaultCIDR, "error", err.Error())
			}
			cidr = found
		}
		if cidr == "" {
			cidr = network.DefaultCIDR
		}
		sweeper, err := network.NewPingSweeper(cidr, network.WithPrivileged(r.privileged))
		if err != nil {
			if b.Close != nil {
				_ = b.Close()
			}
			return nil, fmt.Errorf("%w: %w", ErrBackend, err)
		}
		b.Scanner = sweeper
	}

	slog.Info("virtualization backend ready",
		"hypervisor", cfg.General.Hypervisor,
		"disk", cfg.General.Disk,
		"scanner", fmt.Sprintf("%T", b.Scanner))
	return b, nil
}

// libvirtNetworkCIDR reads the IPv4 subnet of a libvirt network.
func libvirtNetworkCIDR(ctx context.Context, uri, name string) (string, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return "", fmt.Errorf("connecting to %s: %v", uri, err)
	}
	defer func() { _, _ = conn.Close() }()
	return network.NewLibvirtLeaseScanner(conn, name).CIDR(ctx)
}
