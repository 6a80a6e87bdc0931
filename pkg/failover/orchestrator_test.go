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

package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/notify"
	"github.com/wso2/api-platform/resilience/pkg/session"
	"github.com/wso2/api-platform/resilience/pkg/storage"
	"github.com/wso2/api-platform/resilience/pkg/syncengine"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// calls records the order in which collaborators are invoked
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

func (c *calls) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakeEndpoints struct {
	calls      *calls
	candidates []connectivity.Endpoint
	healthy    map[string]bool
	current    string
	reconnect  func(ctx context.Context) error
}

func newFakeEndpoints(c *calls, urls ...string) *fakeEndpoints {
	f := &fakeEndpoints{calls: c, healthy: map[string]bool{}}
	for i, u := range urls {
		f.candidates = append(f.candidates, connectivity.Endpoint{URL: u, Priority: i + 1})
		f.healthy[u] = true
	}
	if len(urls) > 0 {
		f.current = urls[0]
	}
	return f
}

func (f *fakeEndpoints) Candidates() []connectivity.Endpoint {
	return append([]connectivity.Endpoint(nil), f.candidates...)
}

func (f *fakeEndpoints) Status() connectivity.Status {
	return connectivity.Status{State: connectivity.StateConnected, Endpoint: connectivity.Endpoint{URL: f.current}}
}

func (f *fakeEndpoints) SwitchTo(_ context.Context, ep connectivity.Endpoint) bool {
	f.calls.add("switch:" + ep.URL)
	if !f.healthy[ep.URL] {
		return false
	}
	f.current = ep.URL
	return true
}

func (f *fakeEndpoints) Reconnect(ctx context.Context) error {
	f.calls.add("reconnect")
	if f.reconnect != nil {
		return f.reconnect(ctx)
	}
	return nil
}

type fakeSession struct {
	calls *calls
	err   error
}

func (f *fakeSession) Revalidate(context.Context) error {
	f.calls.add("revalidate")
	return f.err
}

func (f *fakeSession) Status() session.Status {
	return session.Status{State: session.StateAuthenticated, Valid: true, Renewable: true}
}

type fakeSync struct {
	calls     *calls
	resumeErr error
	flush     *syncengine.FlushResult
	flushErr  error
}

func (f *fakeSync) Resume(context.Context) error {
	f.calls.add("resume")
	return f.resumeErr
}

func (f *fakeSync) FlushQueue(context.Context) (*syncengine.FlushResult, error) {
	f.calls.add("flush")
	if f.flushErr != nil {
		return nil, f.flushErr
	}
	if f.flush != nil {
		return f.flush, nil
	}
	return &syncengine.FlushResult{}, nil
}

func (f *fakeSync) Cursors(context.Context) (map[string]string, error) {
	return map[string]string{"parties": "c7"}, nil
}

func failoverConfig() config.FailoverConfig {
	return config.FailoverConfig{
		FailureThreshold:     3,
		HistorySize:          50,
		RecoveryBudget:       60 * time.Second,
		SnapshotInterval:     time.Hour,
		SnapshotMaxStaleness: 30 * time.Minute,
	}
}

type fixture struct {
	orch      *Orchestrator
	calls     *calls
	endpoints *fakeEndpoints
	session   *fakeSession
	sync      *fakeSync
	store     storage.Store
	clock     *fakeClock
}

func newFixture(t *testing.T, cfg config.FailoverConfig, urls ...string) *fixture {
	t.Helper()
	c := &calls{}
	f := &fixture{
		calls:     c,
		endpoints: newFakeEndpoints(c, urls...),
		session:   &fakeSession{calls: c},
		sync:      &fakeSync{calls: c},
		store:     storage.NewMemoryStore(),
		clock:     newFakeClock(),
	}
	f.orch = NewOrchestrator(cfg, f.endpoints, f.session, f.sync, f.store, zap.NewNop(),
		WithClock(f.clock.Now), WithSettingsFingerprint("fp-1"))
	return f
}

func (f *fixture) failChecks(n int, url string) {
	for i := 0; i < n; i++ {
		f.orch.OnHealthCheckFailure(context.Background(), connectivity.Endpoint{URL: url})
	}
}

func TestFailuresBelowThresholdDegradeOnly(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B", "C")

	f.failChecks(2, "A")
	assert.Equal(t, StatusDegraded, f.orch.Status())
	assert.Equal(t, 2, f.orch.ConsecutiveFailures())
	assert.Empty(t, f.calls.get())

	f.orch.OnHealthCheckSuccess(context.Background(), connectivity.Endpoint{URL: "A"})
	assert.Equal(t, StatusHealthy, f.orch.Status())
	assert.Zero(t, f.orch.ConsecutiveFailures())

	// the streak restarts after a success
	f.failChecks(2, "A")
	assert.Empty(t, f.calls.get())
}

func TestThreeFailuresSwitchToNextCandidate(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B", "C")

	f.failChecks(3, "A")

	assert.Equal(t, []string{"switch:B"}, f.calls.get())
	assert.Equal(t, StatusHealthy, f.orch.Status())
	assert.Zero(t, f.orch.ConsecutiveFailures())

	history, err := f.orch.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "A", history[0].From)
	assert.Equal(t, "B", history[0].To)
	assert.Equal(t, f.clock.Now(), history[0].Timestamp)
	assert.NotEmpty(t, history[0].Reason)
}

func TestFailoverSkipsUnhealthyCandidates(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B", "C")
	f.endpoints.healthy["B"] = false

	f.failChecks(3, "A")

	assert.Equal(t, []string{"switch:B", "switch:C"}, f.calls.get())
	history, err := f.orch.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "C", history[0].To)
}

func TestFailoverWrapsAroundFromLastCandidate(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B", "C")

	f.failChecks(3, "C")

	assert.Equal(t, []string{"switch:A"}, f.calls.get())
}

func TestFailoverExhaustedIsTerminal(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B", "C")
	f.endpoints.healthy["B"] = false
	f.endpoints.healthy["C"] = false

	var events []StatusEvent
	f.orch.Subscribe(notify.ObserverFunc[StatusEvent](func(e StatusEvent) { events = append(events, e) }))

	f.failChecks(3, "A")
	// A is failed; B and C are tried exactly once each
	assert.Equal(t, []string{"switch:B", "switch:C"}, f.calls.get())
	assert.Equal(t, StatusFailed, f.orch.Status())
	require.NotEmpty(t, events)
	assert.Equal(t, StatusFailed, events[len(events)-1].Status)

	f.failChecks(5, "A")
	assert.Len(t, f.calls.get(), 2, "no further failover while FAILED")

	f.orch.OnHealthCheckSuccess(context.Background(), connectivity.Endpoint{URL: "A"})
	assert.Equal(t, StatusFailed, f.orch.Status(), "FAILED needs explicit intervention")

	f.orch.Reset()
	assert.Equal(t, StatusHealthy, f.orch.Status())

	history, err := f.orch.History(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFailoverWithSingleCandidateFails(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A")
	f.failChecks(3, "A")
	assert.Empty(t, f.calls.get())
	assert.Equal(t, StatusFailed, f.orch.Status())
}

func TestHistoryIsCappedAndPersisted(t *testing.T) {
	cfg := failoverConfig()
	cfg.HistorySize = 2
	f := newFixture(t, cfg, "A", "B", "C")

	f.failChecks(3, "A")
	f.failChecks(3, "B")
	f.failChecks(3, "C")

	history, err := f.orch.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "B", history[0].From)
	assert.Equal(t, "C", history[1].From)
	assert.Equal(t, "A", history[1].To)

	reloaded := NewOrchestrator(cfg, f.endpoints, f.session, f.sync, f.store, zap.NewNop())
	require.NoError(t, reloaded.Start(context.Background()))
	defer reloaded.Stop()
	persisted, err := reloaded.History(context.Background())
	require.NoError(t, err)
	assert.Equal(t, history, persisted)
}

func TestRecoveryRunsStepsInOrder(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B")

	result, err := f.orch.PerformSystemRecovery(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Empty(t, result.FailedStep)
	assert.Equal(t, []string{"reconnect", "revalidate", "resume", "flush"}, f.calls.get())
	require.Len(t, result.Steps, 4)
	assert.Equal(t, StepNetwork, result.Steps[0].Step)
	assert.Equal(t, StepSync, result.Steps[3].Step)
	assert.Equal(t, StatusHealthy, f.orch.Status())

	snap, err := f.orch.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fp-1", snap.SettingsFingerprint)
}

func TestRecoveryAbortsOnFailingStep(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *fixture)
		wantStep  Step
		wantCalls []string
	}{
		{
			name: "network",
			setup: func(f *fixture) {
				f.endpoints.reconnect = func(context.Context) error { return connectivity.ErrNoHealthyEndpoint }
			},
			wantStep:  StepNetwork,
			wantCalls: []string{"reconnect"},
		},
		{
			name:      "session",
			setup:     func(f *fixture) { f.session.err = errors.New("store unavailable") },
			wantStep:  StepSession,
			wantCalls: []string{"reconnect", "revalidate"},
		},
		{
			name:      "data",
			setup:     func(f *fixture) { f.sync.resumeErr = errors.New("fetch failed") },
			wantStep:  StepData,
			wantCalls: []string{"reconnect", "revalidate", "resume"},
		},
		{
			name: "sync halted",
			setup: func(f *fixture) {
				f.sync.flush = &syncengine.FlushResult{Attempted: 1, Halted: true, Remaining: 3, HaltReason: "SERVER"}
			},
			wantStep:  StepSync,
			wantCalls: []string{"reconnect", "revalidate", "resume", "flush"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, failoverConfig(), "A", "B")
			tt.setup(f)

			result, err := f.orch.PerformSystemRecovery(context.Background())
			require.NoError(t, err)

			assert.Equal(t, OutcomeRecoveryFailed, result.Outcome)
			assert.Equal(t, tt.wantStep, result.FailedStep)
			assert.NotEmpty(t, result.Error)
			assert.Equal(t, tt.wantCalls, f.calls.get())
			assert.Equal(t, StatusFailed, f.orch.Status())
		})
	}
}

func TestRecoveryOverBudgetIsFallback(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B")
	f.endpoints.reconnect = func(context.Context) error {
		f.clock.Advance(61 * time.Second)
		return nil
	}

	result, err := f.orch.PerformSystemRecovery(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFallback, result.Outcome)
	assert.Equal(t, 61*time.Second, result.Elapsed)
	assert.Equal(t, []string{"reconnect", "revalidate", "resume", "flush"}, f.calls.get())
	assert.Equal(t, StatusDegraded, f.orch.Status())
}

func TestRecoveryClearsFailedStatus(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B")
	f.endpoints.healthy["B"] = false
	f.failChecks(3, "A")
	require.Equal(t, StatusFailed, f.orch.Status())

	result, err := f.orch.PerformSystemRecovery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, StatusHealthy, f.orch.Status())
}

func TestConcurrentRecoveryRejected(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B")
	entered := make(chan struct{})
	release := make(chan struct{})
	f.endpoints.reconnect = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan *RecoveryResult)
	go func() {
		result, _ := f.orch.PerformSystemRecovery(context.Background())
		done <- result
	}()
	<-entered

	_, err := f.orch.PerformSystemRecovery(context.Background())
	assert.ErrorIs(t, err, ErrRecoveryInProgress)
	assert.Equal(t, StatusRecovering, f.orch.Status())

	close(release)
	result := <-done
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestHealthFailuresIgnoredWhileRecovering(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B")
	f.endpoints.reconnect = func(context.Context) error {
		f.failChecks(3, "A")
		return nil
	}

	_, err := f.orch.PerformSystemRecovery(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, f.calls.get(), "switch:B")
}

func TestSnapshotStaleness(t *testing.T) {
	f := newFixture(t, failoverConfig(), "A", "B")
	ctx := context.Background()

	_, err := f.orch.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	snap, err := f.orch.CaptureSnapshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.True(t, snap.SessionValid)
	assert.Equal(t, "A", snap.Endpoint)
	assert.Equal(t, map[string]string{"parties": "c7"}, snap.Cursors)

	latest, err := f.orch.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, latest.Stale)

	f.clock.Advance(31 * time.Minute)

	reloaded := NewOrchestrator(failoverConfig(), f.endpoints, f.session, f.sync, f.store, zap.NewNop(), WithClock(f.clock.Now))
	latest, err = reloaded.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, latest.ID)
	assert.True(t, latest.Stale, "stale snapshots are flagged, not deleted")
}

func TestPeriodicSnapshot(t *testing.T) {
	cfg := failoverConfig()
	cfg.SnapshotInterval = 20 * time.Millisecond
	f := newFixture(t, cfg, "A")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.orch.Start(ctx))
	defer f.orch.Stop()

	require.Eventually(t, func() bool {
		_, err := f.orch.LatestSnapshot(ctx)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
