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

//go:build unit

package multihost

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_ReleasesInReverseOrderOnce(t *testing.T) {
	s := NewScope()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.Defer(name, func() error {
			order = append(order, name)
			return nil
		}))
	}
	assert.Equal(t, 3, s.Len())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.Equal(t, 0, s.Len())
}

func TestScope_ContinuesAfterFailure(t *testing.T) {
	s := NewScope()
	var released []string
	_ = s.Defer("first", func() error { released = append(released, "first"); return nil })
	_ = s.Defer("broken", func() error { return errors.New("device busy") })
	_ = s.Defer("last", func() error { released = append(released, "last"); return errors.New("no such process") })

	err := s.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTeardown))
	assert.Contains(t, err.Error(), "broken: device busy")
	assert.Contains(t, err.Error(), "last: no such process")
	assert.Equal(t, []string{"last", "first"}, released)
}

func TestScope_DeferAfterClose(t *testing.T) {
	s := NewScope()
	require.NoError(t, s.Close())

	ran := false
	require.NoError(t, s.Defer("late", func() error { ran = true; return nil }))
	assert.True(t, ran)
}

func TestScope_ThreeProcessesTwoDirectories(t *testing.T) {
	base := t.TempDir()
	s := NewScope()

	var dirs []string
	for range 2 {
		dir, err := s.TempDir(base, "tunir-")
		require.NoError(t, err)
		require.DirExists(t, dir)
		dirs = append(dirs, dir)
	}

	terminated := map[int]int{}
	for pid := 1; pid <= 3; pid++ {
		_ = s.Defer("terminate", func() error {
			terminated[pid]++
			return nil
		})
	}

	// the job fails partway through; teardown still runs
	runJob := func() (err error) {
		defer func() { err = errors.Join(err, s.Close()) }()
		return errors.New("dispatch failed")
	}
	require.Error(t, runJob())

	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, terminated)
	for _, dir := range dirs {
		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err))
	}

	require.NoError(t, s.Close())
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, terminated)
}
