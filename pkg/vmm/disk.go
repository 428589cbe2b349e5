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

package vmm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/tunir/pkg/execcontext"
)

// DiskStager places a private copy of a base image into a guest directory
// so that guests never write to the base image.
type DiskStager interface {
	Stage(ctx context.Context, src, dir string) (string, error)
}

// CopyStager copies the whole image.
type CopyStager struct{}

// Stage implements DiskStager.
func (CopyStager) Stage(ctx context.Context, src, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(src))
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("%w: copying %s: %v", ErrStageDisk, src, err)
	}
	return dst, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}

// OverlayStager creates a qcow2 overlay backed by the base image with
// qemu-img, which is instant regardless of the image size.
type OverlayStager struct {
	execCtx execcontext.Context
	binary  string
}

func NewOverlayStager(execCtx execcontext.Context) *OverlayStager {
	if execCtx == nil {
		execCtx = execcontext.Empty()
	}
	return &OverlayStager{execCtx: execCtx, binary: "qemu-img"}
}

// Stage implements DiskStager.
func (s *OverlayStager) Stage(ctx context.Context, src, dir string) (string, error) {
	base, err := filepath.Abs(src)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStageDisk, err)
	}
	name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + "-overlay.qcow2"
	dst := filepath.Join(dir, name)

	cmd := execcontext.Command(ctx, s.execCtx, s.binary,
		"create",
		"-f", "qcow2",
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", base),
		dst,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: %v: %s", ErrStageDisk, err, strings.TrimSpace(string(output)))
	}
	return dst, nil
}
