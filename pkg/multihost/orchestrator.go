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

package multihost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/tunir/pkg/cloudinit"
	"github.com/alexandremahdhaoui/tunir/pkg/job"
	"github.com/alexandremahdhaoui/tunir/pkg/network"
	"github.com/alexandremahdhaoui/tunir/pkg/sshkey"
	"github.com/alexandremahdhaoui/tunir/pkg/transport"
	"github.com/alexandremahdhaoui/tunir/pkg/vmm"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

var (
	ErrProvisionCredentials = errors.New("failed to provision credentials")
	ErrBuildSeed            = errors.New("failed to build seed image")
	ErrBootSlot             = errors.New("failed to boot slot")
	ErrDiscovery            = errors.New("failed to discover slot address")
	ErrNotReady             = errors.New("slot did not become reachable")
)

const (
	orchestratorSource = "orchestrator"

	defaultPollInterval  = 5 * time.Second
	defaultProbeInterval = 5 * time.Second
	probeCommand         = "true"
	consoleLogName       = "console.log"
	pidFileName          = "qemu.pid"
	privateKeyName       = "private.pem"

	// guestDirMode lets a hypervisor running as another user, such as
	// qemu under qemu:///system, traverse into run directories.
	guestDirMode = 0o755
)

// SeedBuilder packs cloud-init data into a seed image.
type SeedBuilder interface {
	Build(ctx context.Context, dir string, ud cloudinit.UserData, md cloudinit.MetaData) (string, error)
}

// KeyGenerator creates the keypair shared by every slot of a run.
type KeyGenerator func(bits int) (*sshkey.KeyPair, error)

// Recorder observes orchestration activity, e.g. for metrics.
type Recorder interface {
	VMBooted()
	DiscoveryFailed()
}

type noopRecorder struct{}

func (noopRecorder) VMBooted()        {}
func (noopRecorder) DiscoveryFailed() {}

// VM describes a booted and discovered slot.
type VM struct {
	Slot    string
	IP      string
	User    string
	Dir     string
	Process *vmm.Process
}

// Orchestrator boots every slot of a Config one after another, runs a job
// against all of them and tears everything down again.
type Orchestrator struct {
	config     *Config
	hypervisor vmm.Hypervisor
	scanner    network.Scanner
	executor   job.Executor
	probe      job.Executor

	stager     vmm.DiskStager
	seeds      SeedBuilder
	keygen     KeyGenerator
	recorder   Recorder
	clock      clock.Clock
	timeline   *job.Timeline
	engineOpts []job.EngineOption

	baseDir        string
	keepAlive      bool
	commandTimeout time.Duration
	pollInterval   time.Duration
	probeInterval  time.Duration
}

type Option func(*Orchestrator)

// WithDiskStager sets how slot images are staged. Defaults to copying.
func WithDiskStager(s vmm.DiskStager) Option {
	return func(o *Orchestrator) {
		o.stager = s
	}
}

func WithSeedBuilder(b SeedBuilder) Option {
	return func(o *Orchestrator) {
		o.seeds = b
	}
}

func WithKeyGenerator(g KeyGenerator) Option {
	return func(o *Orchestrator) {
		o.keygen = g
	}
}

// WithProbeExecutor sets the executor used for readiness probes.
// Defaults to the job executor.
func WithProbeExecutor(e job.Executor) Option {
	return func(o *Orchestrator) {
		o.probe = e
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

func WithTimeline(t *job.Timeline) Option {
	return func(o *Orchestrator) {
		o.timeline = t
	}
}

// WithEngineOptions are passed to the job engine, e.g. its writer.
func WithEngineOptions(opts ...job.EngineOption) Option {
	return func(o *Orchestrator) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// WithBaseDir sets where temporary directories are created.
func WithBaseDir(dir string) Option {
	return func(o *Orchestrator) {
		o.baseDir = dir
	}
}

// WithKeepAlive leaves guests running after the job. Temporary
// directories are removed regardless.
func WithKeepAlive(keep bool) Option {
	return func(o *Orchestrator) {
		o.keepAlive = keep
	}
}

func WithCommandTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.commandTimeout = d
	}
}

// WithPollIntervals sets the pause between network rescans and between
// readiness probes.
func WithPollIntervals(rescan, probe time.Duration) Option {
	return func(o *Orchestrator) {
		o.pollInterval = rescan
		o.probeInterval = probe
	}
}

func NewOrchestrator(
	cfg *Config,
	hypervisor vmm.Hypervisor,
	scanner network.Scanner,
	executor job.Executor,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		config:         cfg,
		hypervisor:     hypervisor,
		scanner:        scanner,
		executor:       executor,
		stager:         vmm.CopyStager{},
		seeds:          cloudinit.NewSeedBuilder(nil),
		keygen:         sshkey.Generate,
		recorder:       noopRecorder{},
		clock:          clock.RealClock{},
		commandTimeout: transport.DefaultTimeout,
		pollInterval:   defaultPollInterval,
		probeInterval:  defaultProbeInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.probe == nil {
		o.probe = o.executor
	}
	if o.timeline == nil {
		o.timeline = job.NewTimeline(o.clock.Now)
	}
	return o
}

// Run boots every slot, runs cmds and always tears down what it acquired
// before returning. The report is nil when the job never started.
func (o *Orchestrator) Run(ctx context.Context, cmds []job.Command) (report *job.Report, err error) {
	scope := NewScope()
	defer func() {
		slog.Info("tearing down", "resources", scope.Len())
		if cerr := scope.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	kp, err := o.keygen(sshkey.DefaultBits)
	if err != nil {
		return nil, errors.Join(err, ErrProvisionCredentials)
	}
	o.timeline.Record(orchestratorSource, "credentials_provisioned")
	if o.keepAlive {
		// Kept guests stay reachable by key after the run directories are gone.
		if path, err := o.keepKey(kp); err != nil {
			slog.Warn("failed to keep private key", "error", err.Error())
		} else {
			slog.Info("kept private key for guests left running", "path", path)
		}
	}

	seedDir, err := o.guestDir(scope, "tunir-seed-")
	if err != nil {
		return nil, errors.Join(err, ErrBuildSeed)
	}
	seed, err := o.seeds.Build(ctx, seedDir,
		cloudinit.NewDefaultUserData(kp.AuthorizedKey, o.config.Users()...),
		cloudinit.NewMetaData("", "", kp.AuthorizedKey))
	if err != nil {
		return nil, errors.Join(err, ErrBuildSeed)
	}
	o.timeline.Record(orchestratorSource, "seed_built", "path", seed)

	vms := make([]*VM, 0, len(o.config.Slots))
	for _, slot := range o.config.Slots {
		vm, err := o.bootSlot(ctx, scope, slot, seed)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}

	targets := make(map[string]transport.Target, len(vms))
	for _, vm := range vms {
		targets[vm.Slot] = transport.Target{
			Name:    vm.Slot,
			Host:    vm.IP,
			Port:    transport.DefaultPort,
			User:    vm.User,
			Signer:  kp.Signer,
			Timeout: o.commandTimeout,
		}
	}

	if err := o.awaitReady(ctx, targets); err != nil {
		return nil, err
	}
	// A single slot also serves commands that name no slot.
	if len(vms) == 1 {
		targets[""] = targets[vms[0].Slot]
	}

	opts := append([]job.EngineOption{
		job.WithTargets(targets),
		job.WithClock(o.clock),
		job.WithTimeline(o.timeline),
	}, o.engineOpts...)

	return job.NewEngine(o.executor, opts...).Run(ctx, cmds)
}

func (o *Orchestrator) keepKey(kp *sshkey.KeyPair) (string, error) {
	dir, err := os.MkdirTemp(o.baseDir, "tunir-key-")
	if err != nil {
		return "", err
	}
	return kp.WriteFiles(dir, privateKeyName)
}

// guestDir creates a scoped temporary directory readable by the hypervisor.
func (o *Orchestrator) guestDir(scope *Scope, pattern string) (string, error) {
	dir, err := scope.TempDir(o.baseDir, pattern)
	if err != nil {
		return "", err
	}
	if err := os.Chmod(dir, guestDirMode); err != nil {
		return "", err
	}
	return dir, nil
}

func (o *Orchestrator) bootSlot(ctx context.Context, scope *Scope, slot Slot, seed string) (*VM, error) {
	dir, err := o.guestDir(scope, "tunir-"+slot.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBootSlot, slot.Name, err)
	}

	slotSeed, err := vmm.CopyStager{}.Stage(ctx, seed, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBootSlot, slot.Name, err)
	}
	image, err := o.stager.Stage(ctx, slot.Image, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBootSlot, slot.Name, err)
	}

	before, err := o.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDiscovery, slot.Name, err)
	}

	bridge := o.config.General.Bridge
	if o.config.General.Hypervisor == HypervisorLibvirt {
		bridge = o.config.General.Network
	}

	p, err := o.hypervisor.Boot(ctx, vmm.BootConfig{
		Name:       slot.Name,
		Image:      image,
		Seed:       slotSeed,
		MemoryMB:   o.config.General.MemoryMB,
		VCPUs:      o.config.General.VCPUs,
		Bridge:     bridge,
		ConsoleLog: filepath.Join(dir, consoleLogName),
		PIDFile:    filepath.Join(dir, pidFileName),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBootSlot, slot.Name, err)
	}
	_ = scope.Defer("terminate "+slot.Name, func() error {
		if o.keepAlive {
			slog.Info("keeping guest alive", "slot", slot.Name, "pid", p.PID, "mac", p.MAC)
			return nil
		}
		o.timeline.Record(orchestratorSource, "vm_terminated", "slot", slot.Name)
		return o.hypervisor.Terminate(p)
	})
	o.recorder.VMBooted()
	o.timeline.Record(orchestratorSource, "vm_booted", "slot", slot.Name, "pid", strconv.Itoa(p.PID), "mac", p.MAC)

	ip, err := o.discover(ctx, slot.Name, before, p.MAC)
	if err != nil {
		o.recorder.DiscoveryFailed()
		o.timeline.Record(orchestratorSource, "discovery_failed", "slot", slot.Name, "error", err.Error())
		return nil, fmt.Errorf("%w: %s: %w", ErrDiscovery, slot.Name, err)
	}
	o.timeline.Record(orchestratorSource, "vm_discovered", "slot", slot.Name, "ip", ip)
	slog.Info("discovered slot address", "slot", slot.Name, "ip", ip, "pid", p.PID)

	return &VM{
		Slot:    slot.Name,
		IP:      ip,
		User:    slot.User,
		Dir:     dir,
		Process: p,
	}, nil
}

// discover rescans the network until exactly one new address shows up or
// the settle timeout elapses. When the scanner also resolves MAC addresses
// a lease for mac is used before falling back to the difference.
func (o *Orchestrator) discover(ctx context.Context, slot string, before network.AddressSet, mac string) (string, error) {
	settleCtx, cancel := context.WithTimeout(ctx, o.config.General.SettleTimeout)
	defer cancel()

	resolver, _ := o.scanner.(network.MACResolver)

	var (
		ip      string
		lastErr error
	)
	operation := func() error {
		if resolver != nil {
			leased, err := resolver.ResolveMAC(settleCtx, mac)
			if err == nil {
				ip = leased
				return nil
			}
		}

		after, err := o.scanner.Scan(settleCtx)
		if err != nil {
			lastErr = err
			return err
		}

		found, err := network.DiscoverNew(before, after)
		if err != nil {
			lastErr = err
			return err
		}
		ip = found
		return nil
	}

	notify := func(err error, next time.Duration) {
		slog.Debug("waiting for slot address", "slot", slot, "reason", err.Error(), "next", next.String())
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(o.pollInterval), settleCtx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if lastErr != nil {
			return "", lastErr
		}
		return "", err
	}
	return ip, nil
}

// awaitReady probes every target concurrently until it answers a command.
func (o *Orchestrator) awaitReady(ctx context.Context, targets map[string]transport.Target) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, target := range targets {
		g.Go(func() error {
			if err := o.probeTarget(gctx, target); err != nil {
				return fmt.Errorf("%w: %s (%s): %w", ErrNotReady, name, target.Address(), err)
			}
			o.timeline.Record(orchestratorSource, "vm_ready", "slot", name)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) probeTarget(ctx context.Context, target transport.Target) error {
	readyCtx, cancel := context.WithTimeout(ctx, o.config.General.ReadyTimeout)
	defer cancel()

	var lastErr error
	operation := func() error {
		_, err := o.probe.Execute(readyCtx, target, probeCommand)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, transport.ErrAuth) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(o.probeInterval), readyCtx)
	if err := backoff.Retry(operation, b); err != nil {
		if lastErr != nil && !errors.Is(err, transport.ErrAuth) {
			return errors.Join(err, lastErr)
		}
		return err
	}
	return nil
}
