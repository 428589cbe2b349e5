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

package network

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCIDR is the subnet of the default libvirt NAT network.
	DefaultCIDR = "192.168.122.0/24"

	defaultPingTimeout      = time.Second
	defaultSweepConcurrency = 64
)

// PingFunc reports whether ip answered a single echo request.
type PingFunc func(ctx context.Context, ip string) (bool, error)

// PingSweeper implements Scanner by pinging every host address of a CIDR.
type PingSweeper struct {
	prefix      netip.Prefix
	concurrency int
	timeout     time.Duration
	privileged  bool
	ping        PingFunc
}

type SweepOption func(*PingSweeper)

func WithConcurrency(n int) SweepOption {
	return func(s *PingSweeper) {
		s.concurrency = n
	}
}

func WithPingTimeout(d time.Duration) SweepOption {
	return func(s *PingSweeper) {
		s.timeout = d
	}
}

// WithPrivileged switches pro-bing to raw ICMP sockets, which requires
// CAP_NET_RAW. Unprivileged UDP pings need net.ipv4.ping_group_range.
func WithPrivileged(privileged bool) SweepOption {
	return func(s *PingSweeper) {
		s.privileged = privileged
	}
}

// WithPingFunc replaces the ICMP prober.
func WithPingFunc(fn PingFunc) SweepOption {
	return func(s *PingSweeper) {
		s.ping = fn
	}
}

func NewPingSweeper(cidr string, opts ...SweepOption) (*PingSweeper, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CIDR %q: %v", ErrScan, cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: only IPv4 networks are supported, got %q", ErrScan, cidr)
	}

	s := &PingSweeper{
		prefix:      prefix.Masked(),
		concurrency: defaultSweepConcurrency,
		timeout:     defaultPingTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ping == nil {
		s.ping = s.icmpPing
	}
	return s, nil
}

// Prefix returns the swept network.
func (s *PingSweeper) Prefix() netip.Prefix {
	return s.prefix
}

// Scan implements Scanner.
func (s *PingSweeper) Scan(ctx context.Context) (AddressSet, error) {
	var (
		mu    sync.Mutex
		found = NewAddressSet()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, addr := range hostAddrs(s.prefix) {
		ip := addr.String()
		g.Go(func() error {
			alive, err := s.ping(gctx, ip)
			if err != nil {
				return fmt.Errorf("%w: pinging %s: %v", ErrScan, ip, err)
			}
			if alive {
				mu.Lock()
				found.Add(ip)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

func (s *PingSweeper) icmpPing(ctx context.Context, ip string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return false, err
	}
	pinger.Count = 1
	pinger.Timeout = s.timeout
	pinger.SetPrivileged(s.privileged)

	if err := pinger.Run(); err != nil {
		return false, err
	}
	return pinger.Statistics().PacketsRecv > 0, nil
}

// hostAddrs lists the usable host addresses of p. The network and
// broadcast addresses are skipped for prefixes shorter than /31.
func hostAddrs(p netip.Prefix) []netip.Addr {
	var out []netip.Addr
	first := p.Addr()
	for a := first; p.Contains(a); a = a.Next() {
		out = append(out, a)
		if !a.Next().IsValid() {
			break
		}
	}
	if p.Bits() < 31 && len(out) >= 2 {
		out = out[1 : len(out)-1]
	}
	return out
}
