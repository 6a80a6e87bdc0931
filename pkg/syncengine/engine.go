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

package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/resilience/pkg/clienterrors"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/metrics"
	"github.com/wso2/api-platform/resilience/pkg/notify"
	"github.com/wso2/api-platform/resilience/pkg/scheduler"
	"github.com/wso2/api-platform/resilience/pkg/storage"
	"go.uber.org/zap"
)

// Engine is the data synchronization engine
type Engine struct {
	cfg    config.SyncConfig
	remote Remote
	store  storage.Store
	online OnlineChecker
	logger *zap.Logger
	now    func() time.Time

	// mu guards the in-memory copies of the queue, conflicts and failures
	mu        sync.Mutex
	loaded    bool
	queue     []PendingMutation
	conflicts []SyncConflict
	failed    []FailedMutation

	// flushMu keeps replay strictly sequential
	flushMu sync.Mutex
	// syncMu serializes cache read-modify-write cycles
	syncMu sync.Mutex

	flushTask *scheduler.Task
	events    *notify.Broadcaster[Event]
}

// Option customizes an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a sync engine
func NewEngine(cfg config.SyncConfig, remote Remote, store storage.Store, online OnlineChecker, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		remote: remote,
		store:  store,
		online: online,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = notify.NewBroadcaster[Event]("sync", logger)
	e.flushTask = scheduler.NewTask("sync-flush", cfg.FlushInterval, e.flushTick, logger, scheduler.OnSkip(metrics.TickSkipped))
	return e
}

// Subscribe registers an engine event observer
func (e *Engine) Subscribe(o notify.Observer[Event]) notify.SubscriptionID {
	return e.events.Subscribe(o)
}

// Unsubscribe removes an engine event observer
func (e *Engine) Unsubscribe(id notify.SubscriptionID) {
	e.events.Unsubscribe(id)
}

// Start loads persisted state and starts the periodic flush
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	err := e.ensureLoadedLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.flushTask.Start(ctx)
	return nil
}

// Stop halts the periodic flush and waits for an in-flight one
func (e *Engine) Stop() {
	e.flushTask.Stop()
	e.flushTask.Wait()
}

// Notify receives connectivity status events. A restored connection
// schedules a flush without blocking the publisher.
func (e *Engine) Notify(event connectivity.StatusEvent) {
	if event.Restored {
		e.logger.Debug("Connectivity restored, scheduling queue flush", zap.String("endpoint", event.Endpoint.URL))
		e.flushTask.Trigger()
	}
}

// Resume reloads persisted engine state and incrementally resynchronizes
// every configured collection.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	e.loaded = false
	err := e.ensureLoadedLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	for _, name := range e.cfg.Collections {
		if _, err := e.SyncCollection(ctx, name, ModeIncremental); err != nil {
			return fmt.Errorf("failed to resync collection %s: %w", name, err)
		}
	}
	return nil
}

// QueueMutation appends m to the replay queue and applies it to the local
// cache. When the queue is full the oldest entry is dropped and a
// QUEUE_OVERFLOW event is published. A mutation whose key is already queued
// is ignored. When online, the queue is flushed immediately.
func (e *Engine) QueueMutation(ctx context.Context, m PendingMutation) error {
	if err := validateMutation(&m); err != nil {
		return err
	}
	m.QueuedAt = e.now()

	e.mu.Lock()
	if err := e.ensureLoadedLocked(ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	for _, q := range e.queue {
		if q.Key == m.Key {
			e.mu.Unlock()
			e.logger.Debug("Mutation already queued", zap.String("key", m.Key))
			return nil
		}
	}

	queue := append(append([]PendingMutation(nil), e.queue...), m)
	var dropped *PendingMutation
	if e.cfg.MaxQueueSize > 0 && len(queue) > e.cfg.MaxQueueSize {
		oldest := queue[0]
		dropped = &oldest
		queue = queue[1:]
	}
	if err := storage.PutJSON(ctx, e.store, storage.KeySyncQueue, queue); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to persist mutation queue: %w", err)
	}
	e.queue = queue
	depth := len(queue)
	if dropped != nil {
		e.recordFailedLocked(ctx, *dropped, clienterrors.KindQueueOverflow, "dropped: queue capacity exceeded")
	}
	e.mu.Unlock()

	metrics.SyncQueueDepth.Set(float64(depth))

	if dropped != nil {
		metrics.SyncQueueOverflowsTotal.Inc()
		e.logger.Warn("Mutation queue full, dropped oldest pending mutation",
			zap.String("dropped_key", dropped.Key),
			zap.String("collection", dropped.Collection),
			zap.Int("max_queue_size", e.cfg.MaxQueueSize))
		e.events.Publish(Event{
			Type:       EventQueueOverflow,
			Collection: dropped.Collection,
			Mutation:   dropped,
			Message:    fmt.Sprintf("queue capacity %d exceeded, oldest mutation dropped", e.cfg.MaxQueueSize),
			Timestamp:  e.now(),
		})
		e.markClean(ctx, *dropped)
	}

	if err := e.applyLocal(ctx, m); err != nil {
		e.logger.Warn("Failed to apply mutation to local cache",
			zap.String("key", m.Key), zap.String("collection", m.Collection), zap.Error(err))
	}

	if e.online != nil && e.online.IsOnline() {
		if _, err := e.FlushQueue(ctx); err != nil {
			e.logger.Warn("Immediate flush failed", zap.Error(err))
		}
	}
	return nil
}

// FlushQueue replays queued mutations in insertion order. A retryable (or
// AUTH) failure halts replay and keeps the mutation queued; any other failure
// drops the mutation, records it and continues with the next one.
func (e *Engine) FlushQueue(ctx context.Context) (*FlushResult, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if err := e.ensureLoadedLocked(ctx); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	pending := append([]PendingMutation(nil), e.queue...)
	e.mu.Unlock()

	result := &FlushResult{}
	for _, m := range pending {
		if !e.stillQueued(m.Key) {
			continue
		}
		result.Attempted++

		err := e.remote.SendMutation(ctx, m)
		if err == nil {
			if rmErr := e.removeFromQueue(ctx, m.Key); rmErr != nil {
				return result, rmErr
			}
			e.markClean(ctx, m)
			result.Succeeded++
			metrics.SyncMutationsTotal.WithLabelValues("success").Inc()
			continue
		}

		kind := clienterrors.KindOf(err)
		if kind.Retryable() || kind == clienterrors.KindAuth || ctx.Err() != nil {
			result.Halted = true
			result.HaltReason = err.Error()
			metrics.SyncMutationsTotal.WithLabelValues("deferred").Inc()
			e.logger.Info("Queue replay halted, mutation kept for next flush",
				zap.String("key", m.Key),
				zap.String("kind", string(kind)),
				zap.Error(err))
			break
		}

		failure := e.dropMutation(ctx, m, kind, err.Error())
		result.Dropped = append(result.Dropped, failure)
	}

	e.mu.Lock()
	result.Remaining = len(e.queue)
	e.mu.Unlock()
	metrics.SyncQueueDepth.Set(float64(result.Remaining))

	if result.Attempted > 0 {
		e.logger.Info("Queue flush completed",
			zap.Int("attempted", result.Attempted),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("dropped", len(result.Dropped)),
			zap.Int("remaining", result.Remaining),
			zap.Bool("halted", result.Halted))
		e.events.Publish(Event{
			Type:      EventFlushCompleted,
			Message:   fmt.Sprintf("%d of %d mutations delivered, %d remaining", result.Succeeded, result.Attempted, result.Remaining),
			Timestamp: e.now(),
		})
	}
	return result, nil
}

// Queue returns a copy of the pending mutations in replay order
func (e *Engine) Queue(ctx context.Context) ([]PendingMutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return append([]PendingMutation(nil), e.queue...), nil
}

// FailedMutations returns the most recent dropped mutations, oldest first
func (e *Engine) FailedMutations(ctx context.Context) ([]FailedMutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return append([]FailedMutation(nil), e.failed...), nil
}

// Cursors returns the persisted incremental cursor of every synced collection
func (e *Engine) Cursors(ctx context.Context) (map[string]string, error) {
	keys, err := e.store.Keys(ctx, storage.PrefixSyncCursor)
	if err != nil {
		return nil, err
	}
	cursors := make(map[string]string, len(keys))
	for _, k := range keys {
		var c string
		if err := storage.GetJSON(ctx, e.store, k, &c); err != nil {
			if storage.IsNotFoundError(err) {
				continue
			}
			return nil, err
		}
		cursors[k[len(storage.PrefixSyncCursor):]] = c
	}
	return cursors, nil
}

func (e *Engine) flushTick(ctx context.Context) {
	if e.online != nil && !e.online.IsOnline() {
		return
	}
	e.mu.Lock()
	empty := e.loaded && len(e.queue) == 0
	e.mu.Unlock()
	if empty {
		return
	}
	if _, err := e.FlushQueue(ctx); err != nil {
		e.logger.Warn("Scheduled flush failed", zap.Error(err))
	}
}

func (e *Engine) stillQueued(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.queue {
		if q.Key == key {
			return true
		}
	}
	return false
}

func (e *Engine) removeFromQueue(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeFromQueueLocked(ctx, func(m PendingMutation) bool { return m.Key == key })
}

func (e *Engine) removeFromQueueLocked(ctx context.Context, match func(PendingMutation) bool) error {
	queue := make([]PendingMutation, 0, len(e.queue))
	for _, q := range e.queue {
		if !match(q) {
			queue = append(queue, q)
		}
	}
	if len(queue) == len(e.queue) {
		return nil
	}
	if err := storage.PutJSON(ctx, e.store, storage.KeySyncQueue, queue); err != nil {
		return fmt.Errorf("failed to persist mutation queue: %w", err)
	}
	e.queue = queue
	return nil
}

func (e *Engine) dropMutation(ctx context.Context, m PendingMutation, kind clienterrors.Kind, reason string) FailedMutation {
	e.mu.Lock()
	if err := e.removeFromQueueLocked(ctx, func(q PendingMutation) bool { return q.Key == m.Key }); err != nil {
		e.logger.Error("Failed to remove dropped mutation from queue", zap.String("key", m.Key), zap.Error(err))
	}
	failure := e.recordFailedLocked(ctx, m, kind, reason)
	e.mu.Unlock()

	metrics.SyncMutationsTotal.WithLabelValues("dropped").Inc()
	e.logger.Warn("Mutation dropped",
		zap.String("key", m.Key),
		zap.String("collection", m.Collection),
		zap.String("kind", string(kind)),
		zap.String("reason", reason))
	e.events.Publish(Event{
		Type:       EventMutationDropped,
		Collection: m.Collection,
		Mutation:   &m,
		Message:    reason,
		Timestamp:  e.now(),
	})
	e.markClean(ctx, m)
	return failure
}

func (e *Engine) recordFailedLocked(ctx context.Context, m PendingMutation, kind clienterrors.Kind, reason string) FailedMutation {
	failure := FailedMutation{Mutation: m, Kind: kind, Error: reason, FailedAt: e.now()}
	e.failed = append(e.failed, failure)
	if limit := e.cfg.FailedHistory; limit > 0 && len(e.failed) > limit {
		e.failed = append([]FailedMutation(nil), e.failed[len(e.failed)-limit:]...)
	}
	if err := storage.PutJSON(ctx, e.store, storage.KeySyncFailed, e.failed); err != nil {
		e.logger.Error("Failed to persist failed mutations", zap.Error(err))
	}
	return failure
}

func (e *Engine) ensureLoadedLocked(ctx context.Context) error {
	if e.loaded {
		return nil
	}

	var queue []PendingMutation
	if err := loadJSON(ctx, e.store, storage.KeySyncQueue, &queue); err != nil {
		return fmt.Errorf("failed to load mutation queue: %w", err)
	}
	var conflicts []SyncConflict
	if err := loadJSON(ctx, e.store, storage.KeySyncConflicts, &conflicts); err != nil {
		return fmt.Errorf("failed to load conflicts: %w", err)
	}
	var failed []FailedMutation
	if err := loadJSON(ctx, e.store, storage.KeySyncFailed, &failed); err != nil {
		return fmt.Errorf("failed to load failed mutations: %w", err)
	}

	e.queue = queue
	e.conflicts = conflicts
	e.failed = failed
	e.loaded = true
	metrics.SyncQueueDepth.Set(float64(len(queue)))
	return nil
}

// loadJSON treats a missing key as an empty value
func loadJSON(ctx context.Context, store storage.Store, key string, out any) error {
	err := storage.GetJSON(ctx, store, key, out)
	if storage.IsNotFoundError(err) {
		return nil
	}
	return err
}

func validateMutation(m *PendingMutation) error {
	if m.Key == "" {
		m.Key = uuid.NewString()
	}
	switch m.Kind {
	case MutationCreate, MutationUpdate, MutationDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}
	if m.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidMutation)
	}
	if m.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidMutation)
	}
	if m.EntityID == "" && m.Kind != MutationCreate {
		return fmt.Errorf("%w: entity id is required for %s", ErrInvalidMutation, m.Kind)
	}
	return nil
}
