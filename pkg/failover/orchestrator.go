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
	"fmt"
	"sync"
	"time"

	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/metrics"
	"github.com/wso2/api-platform/resilience/pkg/notify"
	"github.com/wso2/api-platform/resilience/pkg/scheduler"
	"github.com/wso2/api-platform/resilience/pkg/storage"
	"go.uber.org/zap"
)

// Orchestrator owns the failover policy and the system recovery sequence
type Orchestrator struct {
	cfg         config.FailoverConfig
	endpoints   EndpointController
	session     SessionComponent
	sync        SyncComponent
	store       storage.Store
	logger      *zap.Logger
	now         func() time.Time
	fingerprint string

	mu            sync.Mutex
	status        Status
	failures      int
	history       []Record
	historyLoaded bool
	snapshot      *Snapshot

	recoverMu    sync.Mutex
	snapshotTask *scheduler.Task
	events       *notify.Broadcaster[StatusEvent]
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSettingsFingerprint sets the settings fingerprint recorded in snapshots
func WithSettingsFingerprint(fp string) Option {
	return func(o *Orchestrator) { o.fingerprint = fp }
}

// NewOrchestrator creates an orchestrator in HEALTHY status
func NewOrchestrator(cfg config.FailoverConfig, endpoints EndpointController, sess SessionComponent,
	syncer SyncComponent, store storage.Store, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		endpoints: endpoints,
		session:   sess,
		sync:      syncer,
		store:     store,
		logger:    logger,
		now:       time.Now,
		status:    StatusHealthy,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.events = notify.NewBroadcaster[StatusEvent]("failover", logger)
	o.snapshotTask = scheduler.NewTask("recovery-snapshot", cfg.SnapshotInterval, o.snapshotTick, logger, scheduler.OnSkip(metrics.TickSkipped))
	metrics.SetState(metrics.FailoverStatus, AllStatuses, string(StatusHealthy))
	return o
}

// Subscribe registers a status observer
func (o *Orchestrator) Subscribe(obs notify.Observer[StatusEvent]) notify.SubscriptionID {
	return o.events.Subscribe(obs)
}

// Unsubscribe removes a status observer
func (o *Orchestrator) Unsubscribe(id notify.SubscriptionID) {
	o.events.Unsubscribe(id)
}

// Start loads the failover history and starts periodic snapshots
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	err := o.ensureHistoryLocked(ctx)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.snapshotTask.Start(ctx)
	return nil
}

// Stop halts periodic snapshots
func (o *Orchestrator) Stop() {
	o.snapshotTask.Stop()
	o.snapshotTask.Wait()
}

// Status returns the current status
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// ConsecutiveFailures returns the current health-check failure streak
func (o *Orchestrator) ConsecutiveFailures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures
}

// OnHealthCheckFailure counts a failed health check of the current endpoint
// and fails over once the streak reaches the configured threshold.
func (o *Orchestrator) OnHealthCheckFailure(ctx context.Context, endpoint connectivity.Endpoint) {
	o.mu.Lock()
	switch o.status {
	case StatusFailed, StatusFailingOver, StatusRecovering:
		status := o.status
		o.mu.Unlock()
		o.logger.Debug("Ignoring health check failure", zap.String("status", string(status)))
		return
	}
	o.failures++
	failures := o.failures
	if failures < o.cfg.FailureThreshold {
		event, changed := o.setStatusLocked(StatusDegraded, fmt.Sprintf("%d consecutive health check failures", failures))
		o.mu.Unlock()
		o.logger.Warn("Health check failed",
			zap.String("endpoint", endpoint.URL),
			zap.Int("consecutive_failures", failures),
			zap.Int("threshold", o.cfg.FailureThreshold))
		if changed {
			o.events.Publish(event)
		}
		return
	}
	event, changed := o.setStatusLocked(StatusFailingOver, fmt.Sprintf("failing over from %s", endpoint.URL))
	o.mu.Unlock()
	if changed {
		o.events.Publish(event)
	}

	o.failover(ctx, endpoint, failures)
}

// OnHealthCheckSuccess resets the failure streak
func (o *Orchestrator) OnHealthCheckSuccess(_ context.Context, _ connectivity.Endpoint) {
	o.mu.Lock()
	o.failures = 0
	event, changed := StatusEvent{}, false
	if o.status == StatusDegraded {
		event, changed = o.setStatusLocked(StatusHealthy, "health check passed")
	}
	o.mu.Unlock()
	if changed {
		o.events.Publish(event)
	}
}

// Reset clears a FAILED status after external intervention
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.failures = 0
	event, changed := o.setStatusLocked(StatusHealthy, "reset")
	o.mu.Unlock()
	if changed {
		o.logger.Info("Failover status reset")
		o.events.Publish(event)
	}
}

// failover walks the candidates after the failed one, once around the list.
// The failed endpoint is never re-selected.
func (o *Orchestrator) failover(ctx context.Context, failed connectivity.Endpoint, failures int) {
	candidates := o.endpoints.Candidates()
	n := len(candidates)
	idx := -1
	for i, c := range candidates {
		if c.URL == failed.URL {
			idx = i
			break
		}
	}

	for i := 1; i <= n; i++ {
		next := candidates[((idx+i)%n+n)%n]
		if next.URL == failed.URL {
			continue
		}
		o.logger.Info("Trying failover candidate",
			zap.String("from", failed.URL),
			zap.String("to", next.URL))
		if !o.endpoints.SwitchTo(ctx, next) {
			continue
		}

		record := Record{
			Timestamp: o.now(),
			From:      failed.URL,
			To:        next.URL,
			Reason:    fmt.Sprintf("%d consecutive health check failures", failures),
		}
		o.mu.Lock()
		o.appendHistoryLocked(ctx, record)
		o.failures = 0
		event, changed := o.setStatusLocked(StatusHealthy, fmt.Sprintf("switched to %s", next.URL))
		o.mu.Unlock()

		metrics.FailoverAttemptsTotal.WithLabelValues("success").Inc()
		o.logger.Warn("Failed over to next endpoint",
			zap.String("from", record.From),
			zap.String("to", record.To),
			zap.String("reason", record.Reason))
		if changed {
			o.events.Publish(event)
		}
		return
	}

	o.mu.Lock()
	event, changed := o.setStatusLocked(StatusFailed, "no healthy endpoint among candidates")
	o.mu.Unlock()

	metrics.FailoverAttemptsTotal.WithLabelValues("exhausted").Inc()
	o.logger.Error("Failover exhausted every candidate, manual recovery required",
		zap.String("failed_endpoint", failed.URL),
		zap.Int("candidates", n))
	if changed {
		o.events.Publish(event)
	}
}

func (o *Orchestrator) setStatusLocked(status Status, message string) (StatusEvent, bool) {
	if o.status == status {
		return StatusEvent{}, false
	}
	event := StatusEvent{
		Status:    status,
		Previous:  o.status,
		Message:   message,
		Timestamp: o.now(),
	}
	o.logger.Info("Failover status changed",
		zap.String("from", string(o.status)),
		zap.String("to", string(status)),
		zap.String("message", message))
	o.status = status
	metrics.SetState(metrics.FailoverStatus, AllStatuses, string(status))
	return event, true
}
