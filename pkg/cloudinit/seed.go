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

package cloudinit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/tunir/pkg/execcontext"
)

var (
	ErrCreateSeedDir  = errors.New("failed to create cloud-init config directory")
	ErrWriteUserData  = errors.New("failed to write user-data file")
	ErrWriteMetaData  = errors.New("failed to write meta-data file")
	ErrCreateSeedISO  = errors.New("failed to create cloud-init seed image")
	ErrRenderSeedData = errors.New("failed to render cloud-init seed data")
)

const (
	SeedImageName  = "seed.img"
	seedVolumeID   = "cidata"
	defaultISOTool = "xorriso"
)

// SeedBuilder packs user-data and meta-data into a NoCloud seed image.
type SeedBuilder struct {
	execCtx execcontext.Context
	tool    string
}

// SeedBuilderOption configures a SeedBuilder.
type SeedBuilderOption func(*SeedBuilder)

// WithISOTool overrides the xorriso binary used to build the image.
func WithISOTool(tool string) SeedBuilderOption {
	return func(b *SeedBuilder) {
		b.tool = tool
	}
}

func NewSeedBuilder(execCtx execcontext.Context, opts ...SeedBuilderOption) *SeedBuilder {
	if execCtx == nil {
		execCtx = execcontext.Empty()
	}
	b := &SeedBuilder{
		execCtx: execCtx,
		tool:    defaultISOTool,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build writes the seed image into dir and returns its path. The
// intermediate config directory is removed once the image exists.
func (b *SeedBuilder) Build(ctx context.Context, dir string, ud UserData, md MetaData) (string, error) {
	userData, err := ud.Render()
	if err != nil {
		return "", errors.Join(err, ErrRenderSeedData)
	}
	metaData, err := md.Render()
	if err != nil {
		return "", errors.Join(err, ErrRenderSeedData)
	}

	configDir := filepath.Join(dir, "cidata")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", errors.Join(err, ErrCreateSeedDir)
	}
	defer os.RemoveAll(configDir)

	if err := os.WriteFile(filepath.Join(configDir, "user-data"), []byte(userData), 0o644); err != nil {
		return "", errors.Join(err, ErrWriteUserData)
	}
	if err := os.WriteFile(filepath.Join(configDir, "meta-data"), []byte(metaData), 0o644); err != nil {
		return "", errors.Join(err, ErrWriteMetaData)
	}

	isoPath := filepath.Join(dir, SeedImageName)
	cmd := execcontext.Command(ctx, b.execCtx, b.tool,
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", seedVolumeID,
		"-J", "-R",
		configDir,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", errors.Join(err, fmt.Errorf("output: %s", output), ErrCreateSeedISO)
	}

	slog.Debug("built cloud-init seed image", "path", isoPath, "instanceID", md.InstanceID)
	return isoPath, nil
}
