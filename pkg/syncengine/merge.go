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
	"sort"
	"time"

	"github.com/wso2/api-platform/resilience/pkg/clienterrors"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/metrics"
	"github.com/wso2/api-platform/resilience/pkg/storage"
	"go.uber.org/zap"
)

// collectionCache is the local copy of one collection keyed by entity id
type collectionCache map[string]CachedEntity

// SyncCollection fetches the server state of a collection and merges it into
// the local cache. Incremental mode resumes from the persisted cursor; full
// mode starts over and also evicts clean entities the server no longer has.
func (e *Engine) SyncCollection(ctx context.Context, name string, mode Mode) (*SyncResult, error) {
	if mode != ModeFull && mode != ModeIncremental {
		metrics.SyncCollectionsTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	e.mu.Lock()
	err := e.ensureLoadedLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	cursor := ""
	if mode == ModeIncremental {
		if err := loadJSON(ctx, e.store, storage.CursorKey(name), &cursor); err != nil {
			return nil, fmt.Errorf("failed to load cursor for collection %s: %w", name, err)
		}
	}

	entities, next, err := e.fetchAll(ctx, name, cursor)
	if err != nil {
		metrics.SyncCollectionsTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, err
	}

	result, err := e.merge(ctx, name, mode, entities, next)
	if err != nil {
		metrics.SyncCollectionsTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, err
	}
	metrics.SyncCollectionsTotal.WithLabelValues(string(mode), "success").Inc()

	e.logger.Info("Collection synchronized",
		zap.String("collection", name),
		zap.String("mode", string(mode)),
		zap.Int("fetched", result.Fetched),
		zap.Int("applied", result.Applied),
		zap.Int("removed", result.Removed),
		zap.Int("conflicts", result.Conflicts))
	e.events.Publish(Event{
		Type:       EventCollectionSynced,
		Collection: name,
		Message:    fmt.Sprintf("%d fetched, %d applied, %d conflicts", result.Fetched, result.Applied, result.Conflicts),
		Timestamp:  e.now(),
	})
	return result, nil
}

// fetchAll reads every page after cursor and returns the entities and the
// cursor to persist
func (e *Engine) fetchAll(ctx context.Context, name, cursor string) ([]Entity, string, error) {
	var entities []Entity
	for {
		page, err := e.remote.FetchPage(ctx, name, cursor, e.cfg.PageLimit)
		if err != nil {
			return nil, "", fmt.Errorf("failed to fetch collection %s: %w", name, err)
		}
		entities = append(entities, page.Entities...)

		next := cursor
		if page.NextCursor != "" {
			next = page.NextCursor
		}
		if !page.HasMore {
			return entities, next, nil
		}
		if next == cursor {
			e.logger.Warn("Server reported more pages without advancing the cursor, stopping",
				zap.String("collection", name), zap.String("cursor", cursor))
			return entities, next, nil
		}
		cursor = next
	}
}

func (e *Engine) merge(ctx context.Context, name string, mode Mode, entities []Entity, cursor string) (*SyncResult, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	cache, err := e.loadCache(ctx, name)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Collection: name, Mode: mode, Fetched: len(entities), Cursor: cursor}
	seen := make(map[string]struct{}, len(entities))
	var conflicted []string
	var manual []SyncConflict
	now := e.now()

	for _, server := range entities {
		seen[server.ID] = struct{}{}
		local, exists := cache[server.ID]

		switch {
		case !exists || !local.Dirty:
			applyServer(cache, server, now)
			result.Applied++
		case local.Revision == server.Revision:
			// local edit is based on the current server revision
		default:
			result.Conflicts++
			conflict := SyncConflict{
				Collection:    name,
				EntityID:      server.ID,
				ServerVersion: server,
				LocalVersion:  local,
				DetectedAt:    now,
			}
			metrics.SyncConflictsTotal.WithLabelValues(e.cfg.ConflictPolicy).Inc()
			switch e.cfg.ConflictPolicy {
			case config.ConflictPolicyClientWins:
				local.Revision = server.Revision
				local.UpdatedAt = now
				cache[server.ID] = local
			case config.ConflictPolicyManual:
				manual = append(manual, conflict)
			default:
				applyServer(cache, server, now)
				result.Applied++
				conflicted = append(conflicted, server.ID)
			}
			e.logger.Info("Sync conflict detected",
				zap.String("collection", name),
				zap.String("entity_id", server.ID),
				zap.String("server_revision", server.Revision),
				zap.String("local_revision", local.Revision),
				zap.String("policy", e.cfg.ConflictPolicy))
		}
	}

	if mode == ModeFull {
		for id, local := range cache {
			if _, ok := seen[id]; ok || local.Dirty {
				continue
			}
			delete(cache, id)
			result.Removed++
		}
	}

	if err := storage.PutJSON(ctx, e.store, storage.CacheKey(name), cache); err != nil {
		return nil, fmt.Errorf("failed to persist cache for collection %s: %w", name, err)
	}
	if err := storage.PutJSON(ctx, e.store, storage.CursorKey(name), cursor); err != nil {
		return nil, fmt.Errorf("failed to persist cursor for collection %s: %w", name, err)
	}

	if len(conflicted) > 0 {
		e.discardPending(ctx, name, conflicted)
	}
	if len(manual) > 0 {
		if err := e.holdConflicts(ctx, manual); err != nil {
			return nil, err
		}
		result.Pending = manual
	}
	return result, nil
}

// ResolveConflict settles a conflict held under the manual policy
func (e *Engine) ResolveConflict(ctx context.Context, collection, entityID string, resolution Resolution) error {
	if resolution != ResolveServer && resolution != ResolveClient {
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.mu.Lock()
	if err := e.ensureLoadedLocked(ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	idx := -1
	for i, c := range e.conflicts {
		if c.Collection == collection && c.EntityID == entityID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrConflictNotFound, collection, entityID)
	}
	conflict := e.conflicts[idx]
	e.mu.Unlock()

	cache, err := e.loadCache(ctx, collection)
	if err != nil {
		return err
	}
	now := e.now()
	switch resolution {
	case ResolveServer:
		applyServer(cache, conflict.ServerVersion, now)
	case ResolveClient:
		local, ok := cache[entityID]
		if !ok {
			local = conflict.LocalVersion
		}
		local.Revision = conflict.ServerVersion.Revision
		local.UpdatedAt = now
		cache[entityID] = local
	}
	if err := storage.PutJSON(ctx, e.store, storage.CacheKey(collection), cache); err != nil {
		return fmt.Errorf("failed to persist cache for collection %s: %w", collection, err)
	}
	if resolution == ResolveServer {
		e.discardPending(ctx, collection, []string{entityID})
	}

	e.mu.Lock()
	conflicts := make([]SyncConflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		if c.Collection != collection || c.EntityID != entityID {
			conflicts = append(conflicts, c)
		}
	}
	err = storage.PutJSON(ctx, e.store, storage.KeySyncConflicts, conflicts)
	if err == nil {
		e.conflicts = conflicts
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to persist conflicts: %w", err)
	}

	e.logger.Info("Sync conflict resolved",
		zap.String("collection", collection),
		zap.String("entity_id", entityID),
		zap.String("resolution", string(resolution)))
	return nil
}

// Conflicts returns the conflicts awaiting manual resolution
func (e *Engine) Conflicts(ctx context.Context) ([]SyncConflict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return append([]SyncConflict(nil), e.conflicts...), nil
}

// Entities returns the local cache of a collection ordered by id
func (e *Engine) Entities(ctx context.Context, collection string) ([]CachedEntity, error) {
	e.syncMu.Lock()
	cache, err := e.loadCache(ctx, collection)
	e.syncMu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]CachedEntity, 0, len(cache))
	for _, ent := range cache {
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// holdConflicts records manual-policy conflicts, replacing any earlier one
// for the same entity
func (e *Engine) holdConflicts(ctx context.Context, found []SyncConflict) error {
	e.mu.Lock()
	conflicts := append([]SyncConflict(nil), e.conflicts...)
	for _, c := range found {
		replaced := false
		for i := range conflicts {
			if conflicts[i].Collection == c.Collection && conflicts[i].EntityID == c.EntityID {
				conflicts[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			conflicts = append(conflicts, c)
		}
	}
	err := storage.PutJSON(ctx, e.store, storage.KeySyncConflicts, conflicts)
	if err == nil {
		e.conflicts = conflicts
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to persist conflicts: %w", err)
	}

	for _, c := range found {
		e.events.Publish(Event{
			Type:       EventConflict,
			Collection: c.Collection,
			Message:    fmt.Sprintf("entity %s awaits manual resolution", c.EntityID),
			Timestamp:  c.DetectedAt,
		})
	}
	return nil
}

// discardPending drops queued mutations of entities whose local edits lost a
// conflict. Callers hold syncMu.
func (e *Engine) discardPending(ctx context.Context, collection string, ids []string) {
	targets := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		targets[id] = struct{}{}
	}
	match := func(m PendingMutation) bool {
		if m.Collection != collection {
			return false
		}
		_, ok := targets[m.EntityID]
		return ok
	}

	e.mu.Lock()
	var dropped []PendingMutation
	for _, m := range e.queue {
		if match(m) {
			dropped = append(dropped, m)
		}
	}
	if len(dropped) == 0 {
		e.mu.Unlock()
		return
	}
	if err := e.removeFromQueueLocked(ctx, match); err != nil {
		e.mu.Unlock()
		e.logger.Error("Failed to remove superseded mutations", zap.String("collection", collection), zap.Error(err))
		return
	}
	for _, m := range dropped {
		e.recordFailedLocked(ctx, m, clienterrors.KindConflict, "superseded by server version")
	}
	depth := len(e.queue)
	e.mu.Unlock()

	metrics.SyncQueueDepth.Set(float64(depth))
	for i := range dropped {
		m := dropped[i]
		metrics.SyncMutationsTotal.WithLabelValues("dropped").Inc()
		e.logger.Warn("Mutation dropped after conflict",
			zap.String("key", m.Key), zap.String("collection", m.Collection), zap.String("entity_id", m.EntityID))
		e.events.Publish(Event{
			Type:       EventMutationDropped,
			Collection: m.Collection,
			Mutation:   &m,
			Message:    "superseded by server version",
			Timestamp:  e.now(),
		})
	}
}

// applyLocal writes a queued mutation into the cache as an unacknowledged edit
func (e *Engine) applyLocal(ctx context.Context, m PendingMutation) error {
	if m.EntityID == "" {
		return nil
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	cache, err := e.loadCache(ctx, m.Collection)
	if err != nil {
		return err
	}
	ent := cache[m.EntityID]
	ent.ID = m.EntityID
	ent.Dirty = true
	ent.UpdatedAt = e.now()
	if m.Kind == MutationDelete {
		ent.Deleted = true
	} else {
		ent.Deleted = false
		ent.Data = m.Payload
	}
	cache[m.EntityID] = ent
	return storage.PutJSON(ctx, e.store, storage.CacheKey(m.Collection), cache)
}

// markClean clears the dirty flag of an entity once no queued mutation
// targets it anymore. Acknowledged deletes are evicted.
func (e *Engine) markClean(ctx context.Context, m PendingMutation) {
	if m.EntityID == "" {
		return
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.mu.Lock()
	for _, q := range e.queue {
		if q.Collection == m.Collection && q.EntityID == m.EntityID {
			e.mu.Unlock()
			return
		}
	}
	e.mu.Unlock()

	cache, err := e.loadCache(ctx, m.Collection)
	if err != nil {
		e.logger.Warn("Failed to load cache", zap.String("collection", m.Collection), zap.Error(err))
		return
	}
	ent, ok := cache[m.EntityID]
	if !ok || !ent.Dirty {
		return
	}
	if ent.Deleted {
		delete(cache, m.EntityID)
	} else {
		ent.Dirty = false
		cache[m.EntityID] = ent
	}
	if err := storage.PutJSON(ctx, e.store, storage.CacheKey(m.Collection), cache); err != nil {
		e.logger.Warn("Failed to persist cache", zap.String("collection", m.Collection), zap.Error(err))
	}
}

func (e *Engine) loadCache(ctx context.Context, collection string) (collectionCache, error) {
	cache := collectionCache{}
	if err := loadJSON(ctx, e.store, storage.CacheKey(collection), &cache); err != nil {
		return nil, fmt.Errorf("failed to load cache for collection %s: %w", collection, err)
	}
	if cache == nil {
		cache = collectionCache{}
	}
	return cache, nil
}

func applyServer(cache collectionCache, server Entity, now time.Time) {
	if server.Deleted {
		delete(cache, server.ID)
		return
	}
	cache[server.ID] = CachedEntity{
		ID:        server.ID,
		Revision:  server.Revision,
		Data:      server.Data,
		UpdatedAt: now,
	}
}
