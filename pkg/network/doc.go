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

// Package network finds the address a freshly booted guest obtained.
//
// Discovery works by difference: the caller takes a snapshot of the
// reachable addresses before booting, takes another one once the guest
// settled, and DiscoverNew returns the single address that appeared.
//
// Three Scanner implementations are provided:
//
//   - PingSweeper: ICMP sweep of a CIDR using pro-bing
//   - LeaseFileScanner: parses a dnsmasq lease file
//   - LibvirtLeaseScanner: queries the DHCP leases of a libvirt network
//
// The lease based scanners also implement MACResolver, which lets callers
// resolve the address of a known MAC when the difference is ambiguous.
//
// # Example Usage
//
//	sweeper, err := network.NewPingSweeper(network.DefaultCIDR)
//	if err != nil {
//	    // handle error
//	}
//
//	before, _ := sweeper.Scan(ctx)
//	// boot the guest
//	after, _ := sweeper.Scan(ctx)
//
//	ip, err := network.DiscoverNew(before, after)
//	var amb *network.AmbiguityError
//	if errors.As(err, &amb) {
//	    // amb.Candidates holds zero or several addresses
//	}
package network
