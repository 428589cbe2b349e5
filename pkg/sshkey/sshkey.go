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

// Package sshkey generates the single RSA keypair shared by every VM of a
// multihost run and by the transport that connects to them.
package sshkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const DefaultBits = 2048

var (
	ErrGenerateKey   = errors.New("failed to generate RSA key")
	ErrBuildSigner   = errors.New("failed to build SSH signer")
	ErrWriteKeyFiles = errors.New("failed to write key files")
	ErrParseKey      = errors.New("failed to parse private key")
)

// KeyPair holds the generated material. AuthorizedKey is in
// authorized_keys format without the trailing newline.
type KeyPair struct {
	PrivatePEM    []byte
	AuthorizedKey string
	Signer        ssh.Signer
}

// Generate returns a new RSA keypair of the given size.
func Generate(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultBits
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("bits=%d", bits), ErrGenerateKey)
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, errors.Join(err, ErrBuildSigner)
	}

	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return &KeyPair{
		PrivatePEM:    privatePEM,
		AuthorizedKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))),
		Signer:        signer,
	}, nil
}

// WriteFiles stores the pair as <dir>/<name> (0600) and <dir>/<name>.pub and
// returns the private key path.
func (kp *KeyPair) WriteFiles(dir, name string) (string, error) {
	privatePath := filepath.Join(dir, name)
	if err := os.WriteFile(privatePath, kp.PrivatePEM, 0o600); err != nil {
		return "", errors.Join(err, ErrWriteKeyFiles)
	}
	if err := os.WriteFile(privatePath+".pub", []byte(kp.AuthorizedKey+"\n"), 0o644); err != nil {
		return "", errors.Join(err, ErrWriteKeyFiles)
	}
	return privatePath, nil
}

// LoadSigner reads a PEM encoded private key from path.
func LoadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(b)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), ErrParseKey)
	}
	return signer, nil
}
