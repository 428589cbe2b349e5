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

// Package sshtest provides an in-process SSH server answering "exec"
// requests with a caller supplied Handler.
package sshtest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Handler returns the combined output and exit code for command. ctx is
// cancelled when the client connection goes away.
type Handler func(ctx context.Context, command string) (output string, exitCode int)

// Server is a minimal SSH server bound to 127.0.0.1.
type Server struct {
	handler       Handler
	authorizedKey ssh.PublicKey
	password      string
	dropFirst     int32

	listener    net.Listener
	connections atomic.Int32

	mu       sync.Mutex
	commands []string
}

type Option func(*Server)

// WithAuthorizedKey only accepts clients presenting key.
func WithAuthorizedKey(key ssh.PublicKey) Option {
	return func(s *Server) {
		s.authorizedKey = key
	}
}

// WithPassword only accepts clients presenting password.
func WithPassword(password string) Option {
	return func(s *Server) {
		s.password = password
	}
}

// WithDroppedConnections closes the first n TCP connections before the SSH
// handshake, which clients observe as a handshake failure.
func WithDroppedConnections(n int) Option {
	return func(s *Server) {
		s.dropFirst = int32(n)
	}
}

// NewServer starts a server that is closed when t finishes.
func NewServer(t testing.TB, handler Handler, opts ...Option) *Server {
	t.Helper()

	s := &Server{handler: handler}
	for _, opt := range opts {
		opt(s)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("building host signer: %v", err)
	}

	config := &ssh.ServerConfig{}
	if s.authorizedKey != nil {
		config.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), s.authorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	if s.password != "" {
		config.PasswordCallback = func(_ ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == s.password {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	if s.authorizedKey == nil && s.password == "" {
		config.NoClientAuth = true
	}
	config.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	s.listener = l
	t.Cleanup(func() { _ = l.Close() })

	go s.serve(config)
	return s
}

// Host returns the listening address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Connections counts accepted TCP connections, dropped ones included.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Commands returns every command received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *Server) serve(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		n := s.connections.Add(1)
		if n <= s.dropFirst {
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn, config)
	}
}

func (s *Server) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		_ = conn.Close()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = sconn.Wait()
		cancel()
	}()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ctx, ch, requests)
	}
}

func (s *Server) handleSession(ctx context.Context, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		output, code := s.handler(ctx, payload.Command)
		_, _ = ch.Write([]byte(output))
		status := struct{ Status uint32 }{uint32(code)}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
		return
	}
}
