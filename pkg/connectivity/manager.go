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

package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/metrics"
	"github.com/wso2/api-platform/resilience/pkg/notify"
	"github.com/wso2/api-platform/resilience/pkg/scheduler"
	"github.com/wso2/api-platform/resilience/pkg/storage"
	"go.uber.org/zap"
)

// Manager owns endpoint discovery, the current endpoint and periodic health checks.
// It never picks a fallback endpoint on its own; health-check failures are
// reported to the registered HealthObserver which decides what to do.
type Manager struct {
	cfg        config.EndpointsConfig
	store      storage.Store
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	// initMu serializes discovery so lazy initialization runs once
	initMu      sync.Mutex
	initialized atomic.Bool

	mu         sync.RWMutex
	state      State
	current    Endpoint
	candidates []Endpoint
	observer   HealthObserver
	appliedSeq uint64
	// recordedSeq holds, per URL, the sequence of the last probe recorded
	recordedSeq map[string]uint64

	probeSeq   atomic.Uint64
	healthTask *scheduler.Task

	statusEvents   *notify.Broadcaster[StatusEvent]
	endpointEvents *notify.Broadcaster[EndpointChange]
}

// Option customizes a Manager
type Option func(*Manager)

// WithHTTPClient sets the client used for health probes
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager in the DISCONNECTED state. Candidates are
// expected in priority order (config.LoadConfig sorts them).
func NewManager(cfg config.EndpointsConfig, store storage.Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg,
		store:       store,
		httpClient:  &http.Client{},
		logger:      logger,
		now:         time.Now,
		state:       StateDisconnected,
		recordedSeq: make(map[string]uint64),
	}
	for _, c := range cfg.Candidates {
		m.candidates = append(m.candidates, Endpoint{URL: normalizeURL(c.URL), Priority: c.Priority})
	}
	for _, opt := range opts {
		opt(m)
	}
	m.statusEvents = notify.NewBroadcaster[StatusEvent]("connectivity.status", logger)
	m.endpointEvents = notify.NewBroadcaster[EndpointChange]("connectivity.endpoint", logger)
	m.healthTask = scheduler.NewTask("health-check", cfg.HealthCheckInterval, m.checkHealth, logger, scheduler.OnSkip(metrics.TickSkipped))
	metrics.SetState(metrics.ConnectivityState, AllStates, string(StateDisconnected))
	return m
}

// SetHealthObserver registers the receiver of health-check outcomes
func (m *Manager) SetHealthObserver(o HealthObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// Subscribe registers a status observer
func (m *Manager) Subscribe(o notify.Observer[StatusEvent]) notify.SubscriptionID {
	return m.statusEvents.Subscribe(o)
}

// Unsubscribe removes a status observer
func (m *Manager) Unsubscribe(id notify.SubscriptionID) {
	m.statusEvents.Unsubscribe(id)
}

// SubscribeEndpointChanges registers an observer of endpoint changes
func (m *Manager) SubscribeEndpointChanges(o notify.Observer[EndpointChange]) notify.SubscriptionID {
	return m.endpointEvents.Subscribe(o)
}

// UnsubscribeEndpointChanges removes an endpoint change observer
func (m *Manager) UnsubscribeEndpointChanges(id notify.SubscriptionID) {
	m.endpointEvents.Unsubscribe(id)
}

// Start initializes the manager if needed and starts the periodic health check
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	m.healthTask.Start(ctx)
	return nil
}

// Stop halts the periodic health check
func (m *Manager) Stop() {
	m.healthTask.Stop()
	m.healthTask.Wait()
}

// Initialize adopts the persisted endpoint when it still passes a probe,
// otherwise the first healthy candidate in priority order. When nothing is
// healthy the last candidate in priority order is adopted and the state
// becomes ERROR.
// Subsequent calls are no-ops.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.initialized.Load() {
		return nil
	}

	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.initialized.Load() {
		return nil
	}
	if len(m.candidates) == 0 {
		return ErrNoCandidates
	}

	m.transition(StateConnecting)

	persisted := m.loadPersisted(ctx)
	ep, healthy := m.discover(ctx, persisted)
	m.adopt(ctx, ep, healthy, "initialize")
	m.initialized.Store(true)

	if healthy {
		m.logger.Info("Endpoint selected", zap.String("endpoint", ep.URL))
	} else {
		m.logger.Error("No healthy endpoint found, falling back to lowest-priority candidate",
			zap.String("endpoint", ep.URL),
			zap.Int("candidates", len(m.candidates)))
	}
	return nil
}

// CurrentEndpoint returns the active endpoint, initializing lazily
func (m *Manager) CurrentEndpoint(ctx context.Context) (Endpoint, error) {
	if err := m.Initialize(ctx); err != nil {
		return Endpoint{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, nil
}

// State returns the current connectivity state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports whether the current endpoint is believed reachable
func (m *Manager) IsOnline() bool {
	return m.State() == StateConnected
}

// Candidates returns a copy of the candidate list with the latest probe results
func (m *Manager) Candidates() []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Endpoint, len(m.candidates))
	copy(out, m.candidates)
	return out
}

// Status returns a snapshot of the manager
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Endpoint, len(m.candidates))
	copy(out, m.candidates)
	return Status{State: m.state, Endpoint: m.current, Candidates: out}
}

// Probe performs a single bounded health check against endpoint. It never
// returns an error; any failure means unhealthy.
func (m *Manager) Probe(ctx context.Context, endpoint Endpoint, timeout time.Duration) bool {
	healthy, _, _ := m.probe(ctx, endpoint, timeout)
	return healthy
}

// probe stamps the check with a sequence number taken before the request is
// sent. The result is recorded only when no later probe of the same URL has
// been recorded already; applied reports whether that happened.
func (m *Manager) probe(ctx context.Context, endpoint Endpoint, timeout time.Duration) (healthy bool, seq uint64, applied bool) {
	seq = m.probeSeq.Add(1)
	if timeout <= 0 {
		timeout = m.cfg.ProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, normalizeURL(endpoint.URL)+m.cfg.HealthPath, nil)
	if err == nil {
		var resp *http.Response
		resp, err = m.httpClient.Do(req)
		if err == nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			healthy = resp.StatusCode < http.StatusBadRequest
			if !healthy {
				err = fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
			}
		}
	}

	if healthy {
		metrics.HealthChecksTotal.WithLabelValues("healthy").Inc()
	} else {
		metrics.HealthChecksTotal.WithLabelValues("unhealthy").Inc()
		m.logger.Debug("Endpoint probe failed", zap.String("endpoint", endpoint.URL), zap.Error(err))
	}

	applied = m.recordProbe(endpoint.URL, healthy, seq)
	return healthy, seq, applied
}

// SwitchTo probes endpoint and adopts it on success. On failure it returns
// false without changing any state.
func (m *Manager) SwitchTo(ctx context.Context, endpoint Endpoint) bool {
	endpoint.URL = normalizeURL(endpoint.URL)
	if !m.Probe(ctx, endpoint, 0) {
		m.logger.Warn("Endpoint switch rejected, probe failed", zap.String("endpoint", endpoint.URL))
		return false
	}

	m.adopt(ctx, m.candidateFor(endpoint), true, "switch")
	m.initialized.Store(true)
	m.healthTask.Restart()
	return true
}

// Reconnect re-runs discovery from the persisted endpoint down the candidate
// list. It returns ErrNoHealthyEndpoint when nothing passed a probe, in which
// case the state is ERROR.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if len(m.candidates) == 0 {
		return ErrNoCandidates
	}

	m.transition(StateReconnecting)

	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()
	if current.IsZero() {
		current = m.loadPersisted(ctx)
	}

	ep, healthy := m.discover(ctx, current)
	m.adopt(ctx, ep, healthy, "reconnect")
	m.initialized.Store(true)
	m.healthTask.Restart()

	if !healthy {
		return ErrNoHealthyEndpoint
	}
	return nil
}

func (m *Manager) loadPersisted(ctx context.Context) Endpoint {
	var ep Endpoint
	err := storage.GetJSON(ctx, m.store, storage.KeyCurrentEndpoint, &ep)
	if err != nil {
		if !storage.IsNotFoundError(err) {
			m.logger.Warn("Failed to load persisted endpoint", zap.Error(err))
		}
		return Endpoint{}
	}
	ep.URL = normalizeURL(ep.URL)
	return ep
}

// discover probes preferred first (when set), then every other candidate in
// priority order. It falls back to the lowest-priority candidate when none is
// healthy.
func (m *Manager) discover(ctx context.Context, preferred Endpoint) (Endpoint, bool) {
	if !preferred.IsZero() {
		if m.Probe(ctx, preferred, 0) {
			return m.candidateFor(preferred), true
		}
	}

	for _, c := range m.Candidates() {
		if c.URL == preferred.URL {
			continue
		}
		if m.Probe(ctx, c, 0) {
			return m.candidateFor(c), true
		}
	}

	candidates := m.Candidates()
	return candidates[len(candidates)-1], false
}

func (m *Manager) candidateFor(ep Endpoint) Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.candidates {
		if c.URL == ep.URL {
			return c
		}
	}
	return ep
}

func (m *Manager) recordProbe(url string, healthy bool, seq uint64) bool {
	url = normalizeURL(url)
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq <= m.recordedSeq[url] {
		m.logger.Debug("Discarding out-of-order probe result",
			zap.String("endpoint", url), zap.Uint64("seq", seq))
		return false
	}
	m.recordedSeq[url] = seq
	for i := range m.candidates {
		if m.candidates[i].URL == url {
			m.candidates[i].LastKnownHealthy = healthy
			m.candidates[i].LastCheckedAt = now
		}
	}
	if m.current.URL == url {
		m.current.LastKnownHealthy = healthy
		m.current.LastCheckedAt = now
	}
	return true
}

// adopt installs ep as the current endpoint. Healthy endpoints are persisted
// so restarts try them first.
func (m *Manager) adopt(ctx context.Context, ep Endpoint, healthy bool, reason string) {
	if healthy {
		if err := storage.PutJSON(ctx, m.store, storage.KeyCurrentEndpoint, ep); err != nil {
			m.logger.Warn("Failed to persist current endpoint", zap.String("endpoint", ep.URL), zap.Error(err))
		}
	}

	newState := StateError
	if healthy {
		newState = StateConnected
	}

	m.mu.Lock()
	previous := m.current
	m.current = ep
	// results of probes issued before this point describe an older selection
	m.appliedSeq = m.probeSeq.Load()
	event, changed := m.setStateLocked(newState)
	m.mu.Unlock()

	if previous.URL != ep.URL {
		metrics.EndpointSwitchesTotal.Inc()
		m.logger.Info("Current endpoint changed",
			zap.String("from", previous.URL),
			zap.String("to", ep.URL),
			zap.String("reason", reason))
		m.endpointEvents.Publish(EndpointChange{Previous: previous, Current: ep, Reason: reason, At: m.now()})
	}
	if changed {
		m.statusEvents.Publish(event)
	}
}

func (m *Manager) transition(newState State) {
	m.mu.Lock()
	event, changed := m.setStateLocked(newState)
	m.mu.Unlock()
	if changed {
		m.statusEvents.Publish(event)
	}
}

func (m *Manager) setStateLocked(newState State) (StatusEvent, bool) {
	old := m.state
	if old == newState {
		return StatusEvent{}, false
	}
	m.state = newState
	metrics.SetState(metrics.ConnectivityState, AllStates, string(newState))
	m.logger.Info("Connectivity state changed",
		zap.String("from", string(old)),
		zap.String("to", string(newState)),
		zap.String("endpoint", m.current.URL))

	return StatusEvent{
		State:     newState,
		Previous:  old,
		Endpoint:  m.current,
		Restored:  newState == StateConnected,
		Timestamp: m.now(),
	}, true
}

// checkHealth probes the current endpoint. Results that arrive after a newer
// probe was applied, or after the endpoint changed, are discarded.
func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.RLock()
	ep := m.current
	m.mu.RUnlock()
	if ep.IsZero() {
		return
	}

	healthy, seq, recorded := m.probe(ctx, ep, 0)

	m.mu.Lock()
	if !recorded || seq <= m.appliedSeq || m.current.URL != ep.URL {
		m.mu.Unlock()
		m.logger.Debug("Discarding stale health check result",
			zap.String("endpoint", ep.URL), zap.Uint64("seq", seq))
		return
	}
	m.appliedSeq = seq
	target := StateReconnecting
	if healthy {
		target = StateConnected
	}
	event, changed := m.setStateLocked(target)
	observer := m.observer
	m.mu.Unlock()

	if changed {
		m.statusEvents.Publish(event)
	}

	if observer == nil {
		return
	}
	if healthy {
		observer.OnHealthCheckSuccess(ctx, ep)
	} else {
		observer.OnHealthCheckFailure(ctx, ep)
	}
}

// CheckHealth runs one health check immediately
func (m *Manager) CheckHealth(ctx context.Context) {
	m.checkHealth(ctx)
}
