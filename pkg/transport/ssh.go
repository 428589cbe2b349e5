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

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/tunir/pkg/sshkey"
	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 10 * time.Second

var errNoAuthMethod = errors.New("no authentication method configured")

// SSHRunner implements Runner over SSH. Every Run opens its own connection.
type SSHRunner struct {
	dialTimeout     time.Duration
	hostKeyCallback ssh.HostKeyCallback
}

type SSHRunnerOption func(*SSHRunner)

func WithDialTimeout(d time.Duration) SSHRunnerOption {
	return func(r *SSHRunner) {
		r.dialTimeout = d
	}
}

func WithHostKeyCallback(cb ssh.HostKeyCallback) SSHRunnerOption {
	return func(r *SSHRunner) {
		r.hostKeyCallback = cb
	}
}

func NewSSHRunner(opts ...SSHRunnerOption) *SSHRunner {
	r := &SSHRunner{
		dialTimeout: defaultDialTimeout,
		// Targets are ephemeral and get a fresh host key on every boot.
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements Runner.
func (r *SSHRunner) Run(ctx context.Context, target Target, command string) (Result, error) {
	result := Result{Command: command, ReturnCode: -1}

	config, err := r.clientConfig(target)
	if err != nil {
		return result, err
	}

	client, err := r.dial(ctx, target.Address(), config)
	if err != nil {
		return result, err
	}
	defer runFuncAndLogErr(client.Close)

	session, err := client.NewSession()
	if err != nil {
		return result, fmt.Errorf("%w: unable to create SSH session: %v", ErrTransient, err)
	}
	defer runFuncAndLogErr(session.Close)

	var out lockedBuffer
	session.Stdout = &out
	session.Stderr = &out

	runCtx := ctx
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		result.Output = out.String()
		return r.classifyRunErr(result, err)
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = client.Close()
		<-done
		result.Output = out.String()
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("%w: %q on %s after %s", ErrTimeout, command, target.Address(), target.Timeout)
	}
}

func (r *SSHRunner) classifyRunErr(result Result, err error) (Result, error) {
	if err == nil {
		result.ReturnCode = 0
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ReturnCode = exitErr.ExitStatus()
		return result, nil
	}

	return result, fmt.Errorf("%w: remote command failed: %v", ErrTransient, err)
}

func (r *SSHRunner) clientConfig(target Target) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch {
	case target.Signer != nil:
		auth = append(auth, ssh.PublicKeys(target.Signer))
	case target.KeyPath != "":
		signer, err := sshkey.LoadSigner(target.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		auth = append(auth, ssh.Password(target.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: %v for %s", ErrAuth, errNoAuthMethod, target.Address())
	}

	return &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: r.hostKeyCallback,
		Timeout:         r.dialTimeout,
		BannerCallback:  func(string) error { return nil },
	}, nil
}

func (r *SSHRunner) dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: r.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: unable to connect to %s: %v", ErrTransient, addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(r.dialTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrAuth, addr, err)
		}
		return nil, fmt.Errorf("%w: handshake with %s failed: %v", ErrTransient, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// isAuthError matches the error x/crypto/ssh returns once every auth method
// was rejected; the library exposes no typed error for it.
func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}

// lockedBuffer collects stdout and stderr, which the session copies from
// separate goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
