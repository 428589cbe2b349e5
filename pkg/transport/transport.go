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

// Package transport runs one command against one addressed target.
//
// A Runner is the low-level capability (SSHRunner speaks SSH). An Executor
// wraps a Runner with an explicit retry Policy: transient connection failures
// are retried after a fixed delay, timeouts and authentication failures never
// are.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrTransient marks a connection or handshake level failure that may
	// succeed when attempted again.
	ErrTransient = errors.New("transient transport failure")
	// ErrTimeout marks a command that ran but exceeded its timeout.
	ErrTimeout = errors.New("command timed out")
	// ErrAuth marks a target that rejected every offered credential.
	ErrAuth = errors.New("authentication failed")
)

const (
	DefaultPort    = 22
	DefaultTimeout = 600 * time.Second
)

// Target is an addressed remote host.
type Target struct {
	// Name is the slot name in multihost runs, empty otherwise.
	Name     string
	Host     string
	Port     int
	User     string
	Password string
	// KeyPath points to a PEM private key on disk.
	KeyPath string
	// Signer is an in-memory key; it takes precedence over KeyPath.
	Signer ssh.Signer
	// Timeout bounds a single command. Zero disables the bound.
	Timeout time.Duration
}

// Address returns host:port, defaulting the port to 22.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Result is what a command produced on the target.
type Result struct {
	Command    string
	Output     string
	ReturnCode int
}

// Runner executes command on target once.
type Runner interface {
	Run(ctx context.Context, target Target, command string) (Result, error)
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsConnectionFailure reports whether err means the target could not be
// reached or logged into.
func IsConnectionFailure(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrAuth)
}
