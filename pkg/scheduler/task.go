/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package scheduler runs periodic background work with explicit lifecycle
// control. A tick that fires while the previous run is still in flight is
// skipped, so a slow run never overlaps with the next one.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Func is the work executed on every tick
type Func func(ctx context.Context)

// Task is a periodic timer bound to an owner's lifecycle
type Task struct {
	name     string
	interval time.Duration
	fn       Func
	logger   *zap.Logger
	onSkip   func(task string)

	mu       sync.Mutex
	parent   context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	trigger  chan struct{}

	runs     sync.WaitGroup
	inFlight atomic.Bool
	skipped  atomic.Uint64
	executed atomic.Uint64
}

// TaskOption customizes a Task
type TaskOption func(*Task)

// OnSkip registers a callback invoked with the task name whenever a tick is
// skipped because the previous run is still in flight
func OnSkip(fn func(task string)) TaskOption {
	return func(t *Task) { t.onSkip = fn }
}

// NewTask creates a stopped task
func NewTask(name string, interval time.Duration, fn Func, logger *zap.Logger, opts ...TaskOption) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name
func (t *Task) Name() string {
	return t.name
}

// Start begins ticking. Runs receive ctx, so cancelling ctx both stops the
// task and cancels in-flight work. Calling Start on a running task is a no-op.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked(ctx)
}

func (t *Task) startLocked(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	if t.interval <= 0 {
		t.logger.Warn("Task not started: non-positive interval",
			zap.String("task", t.name), zap.Duration("interval", t.interval))
		return
	}

	t.parent = ctx
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.loopDone = make(chan struct{})

	go t.loop(loopCtx, ctx, t.loopDone)

	t.logger.Debug("Task started", zap.String("task", t.name), zap.Duration("interval", t.interval))
}

// Stop halts ticking and waits for the ticker goroutine to exit. A run that is
// already executing is not interrupted; use Wait to block until it finishes.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Task) stopLocked() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.loopDone
	t.cancel = nil
	t.loopDone = nil

	t.logger.Debug("Task stopped", zap.String("task", t.name))
}

// Restart stops and starts the task so the next tick is a full interval away.
// A task that was never started stays stopped.
func (t *Task) Restart() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.parent == nil {
		return
	}
	t.stopLocked()
	t.startLocked(t.parent)
}

// Trigger requests an immediate run without waiting for the next tick. A
// trigger issued while the task is stopped fires when it next starts.
func (t *Task) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Running reports whether the ticker is active
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Wait blocks until every started run has returned
func (t *Task) Wait() {
	t.runs.Wait()
}

// Skipped returns how many ticks were dropped because a run was in flight
func (t *Task) Skipped() uint64 {
	return t.skipped.Load()
}

// Executed returns how many runs were started
func (t *Task) Executed() uint64 {
	return t.executed.Load()
}

func (t *Task) loop(loopCtx, runCtx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			t.run(runCtx)
		case <-t.trigger:
			t.run(runCtx)
		}
	}
}

func (t *Task) run(ctx context.Context) {
	if !t.inFlight.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		if t.onSkip != nil {
			t.onSkip(t.name)
		}
		t.logger.Debug("Skipping tick, previous run still in flight", zap.String("task", t.name))
		return
	}
	t.executed.Add(1)
	t.runs.Add(1)
	go func() {
		defer t.runs.Done()
		defer t.inFlight.Store(false)
		t.fn(ctx)
	}()
}
