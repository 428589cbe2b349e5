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

package gracefulshutdown_test

import (
	"sync"
	"testing"

	"github.com/alexandremahdhaoui/tunir/internal/util/gracefulshutdown"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	gs := gracefulshutdown.NewWithExit("tunir", func(int) {})

	assert.NotNil(t, gs.Context())
	assert.NoError(t, gs.Context().Err())
}

func TestGracefulShutdown_Shutdown(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
	}{
		{name: "job passed", exitCode: 0},
		{name: "job failed", exitCode: 1},
		{name: "no job given", exitCode: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured int
			exitCalled := false
			gs := gracefulshutdown.NewWithExit("tunir", func(code int) {
				captured = code
				exitCalled = true
			})

			gs.Shutdown(tt.exitCode)

			assert.True(t, exitCalled)
			assert.Equal(t, tt.exitCode, captured)
			assert.Error(t, gs.Context().Err())
		})
	}
}

func TestGracefulShutdown_ShutdownIdempotency(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	gs := gracefulshutdown.NewWithExit("tunir", func(int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gs.Shutdown(i)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
