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
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryDelay is the pause before the single retry of a transient
// failure.
const DefaultRetryDelay = 30 * time.Second

// Policy decides how often and when a failed Run is attempted again.
type Policy struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts int
	Delay       time.Duration
	Retriable   func(error) bool
}

// DefaultPolicy retries a transient failure exactly once after 30 seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 2,
		Delay:       DefaultRetryDelay,
		Retriable:   IsTransient,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}

// RetryNotify is called before every retry with the error that caused it.
type RetryNotify func(target Target, command string, err error, delay time.Duration)

// Executor applies a Policy around a Runner.
type Executor struct {
	runner Runner
	policy Policy
	notify RetryNotify
}

type ExecutorOption func(*Executor)

func WithPolicy(p Policy) ExecutorOption {
	return func(e *Executor) {
		e.policy = p
	}
}

func WithRetryNotify(fn RetryNotify) ExecutorOption {
	return func(e *Executor) {
		e.notify = fn
	}
}

func NewExecutor(runner Runner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner: runner,
		policy: DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.Retriable == nil {
		e.policy.Retriable = IsTransient
	}
	return e
}

// Execute runs command on target. When every allowed attempt failed with a
// retriable error, the last error is returned unchanged.
func (e *Executor) Execute(ctx context.Context, target Target, command string) (Result, error) {
	var result Result

	operation := func() error {
		res, err := e.runner.Run(ctx, target, command)
		if err != nil {
			if e.policy.Retriable(err) {
				return err
			}
			result = res
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	notify := func(err error, delay time.Duration) {
		slog.Warn("transport failure, retrying",
			"target", target.Address(),
			"command", command,
			"delay", delay.String(),
			"error", err.Error())
		if e.notify != nil {
			e.notify(target, command, err, delay)
		}
	}

	if err := backoff.RetryNotify(operation, e.policy.backOff(ctx), notify); err != nil {
		return result, err
	}
	return result, nil
}
