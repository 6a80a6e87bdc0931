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

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTask_RunsPeriodically(t *testing.T) {
	var count atomic.Int32
	task := NewTask("periodic", 10*time.Millisecond, func(ctx context.Context) {
		count.Add(1)
	}, zap.NewNop())

	task.Start(context.Background())
	defer task.Stop()

	assert.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, task.Running())
}

func TestTask_SkipsOverlappingTicks(t *testing.T) {
	release := make(chan struct{})
	var count atomic.Int32
	task := NewTask("slow", 5*time.Millisecond, func(ctx context.Context) {
		count.Add(1)
		<-release
	}, nil)

	task.Start(context.Background())

	assert.Eventually(t, func() bool { return task.Skipped() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), count.Load())

	task.Stop()
	close(release)
	task.Wait()
	assert.Equal(t, uint64(1), task.Executed())
}

func TestTask_OnSkipReportsTaskName(t *testing.T) {
	release := make(chan struct{})
	var skippedBy atomic.Value
	var hookCalls atomic.Int32
	task := NewTask("busy", 5*time.Millisecond, func(ctx context.Context) {
		<-release
	}, nil, OnSkip(func(name string) {
		skippedBy.Store(name)
		hookCalls.Add(1)
	}))

	task.Start(context.Background())
	assert.Eventually(t, func() bool { return hookCalls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	task.Stop()
	close(release)
	task.Wait()
	assert.Equal(t, "busy", skippedBy.Load())
	assert.Equal(t, task.Skipped(), uint64(hookCalls.Load()))
}

func TestTask_StopHaltsTicks(t *testing.T) {
	var count atomic.Int32
	task := NewTask("stoppable", 5*time.Millisecond, func(ctx context.Context) {
		count.Add(1)
	}, nil)

	task.Start(context.Background())
	require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, time.Millisecond)
	task.Stop()
	task.Wait()
	assert.False(t, task.Running())

	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, count.Load())

	// Stop is idempotent
	task.Stop()
}

func TestTask_Trigger(t *testing.T) {
	ran := make(chan struct{}, 1)
	task := NewTask("manual", time.Hour, func(ctx context.Context) {
		ran <- struct{}{}
	}, nil)

	task.Start(context.Background())
	defer task.Stop()

	task.Trigger()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("triggered run did not execute")
	}
}

func TestTask_RestartFromWithinRun(t *testing.T) {
	var task *Task
	var count atomic.Int32
	task = NewTask("self-restart", 10*time.Millisecond, func(ctx context.Context) {
		if count.Add(1) == 1 {
			task.Restart()
		}
	}, nil)

	task.Start(context.Background())
	defer task.Stop()

	assert.Eventually(t, func() bool { return count.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, task.Running())
}

func TestTask_RestartWithoutStartIsNoop(t *testing.T) {
	task := NewTask("idle", time.Second, func(ctx context.Context) {}, nil)
	task.Restart()
	assert.False(t, task.Running())
}

func TestTask_NonPositiveIntervalDoesNotStart(t *testing.T) {
	task := NewTask("disabled", 0, func(ctx context.Context) {}, nil)
	task.Start(context.Background())
	assert.False(t, task.Running())
}

func TestTask_ParentCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var count atomic.Int32
	task := NewTask("parent", 5*time.Millisecond, func(ctx context.Context) {
		count.Add(1)
	}, nil)

	task.Start(ctx)
	require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, count.Load())
	task.Stop()
}
