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

	"github.com/google/uuid"
	"github.com/wso2/api-platform/resilience/pkg/storage"
	"go.uber.org/zap"
)

// CaptureSnapshot records session validity, sync cursors and the settings
// fingerprint, and persists the result as the latest snapshot.
func (o *Orchestrator) CaptureSnapshot(ctx context.Context) (*Snapshot, error) {
	sessionStatus := o.session.Status()
	cursors, err := o.sync.Cursors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync cursors: %w", err)
	}

	snap := &Snapshot{
		ID:                  uuid.NewString(),
		CreatedAt:           o.now(),
		SessionState:        sessionStatus.State,
		SessionValid:        sessionStatus.Valid,
		SessionRenewable:    sessionStatus.Renewable,
		Endpoint:            o.endpoints.Status().Endpoint.URL,
		Cursors:             cursors,
		SettingsFingerprint: o.fingerprint,
	}
	if err := storage.PutJSON(ctx, o.store, storage.KeyRecoverySnapshot, snap); err != nil {
		return nil, fmt.Errorf("failed to persist recovery snapshot: %w", err)
	}

	o.mu.Lock()
	o.snapshot = snap
	o.mu.Unlock()

	o.logger.Debug("Recovery snapshot captured",
		zap.String("id", snap.ID),
		zap.Bool("session_valid", snap.SessionValid),
		zap.Int("cursors", len(snap.Cursors)))

	out := *snap
	return &out, nil
}

// LatestSnapshot returns the most recent snapshot. A snapshot older than the
// configured maximum staleness is returned with Stale set.
func (o *Orchestrator) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	o.mu.Lock()
	snap := o.snapshot
	o.mu.Unlock()

	if snap == nil {
		var stored Snapshot
		err := storage.GetJSON(ctx, o.store, storage.KeyRecoverySnapshot, &stored)
		if storage.IsNotFoundError(err) {
			return nil, ErrNoSnapshot
		}
		if err != nil {
			return nil, err
		}
		snap = &stored
		o.mu.Lock()
		if o.snapshot == nil {
			o.snapshot = snap
		}
		o.mu.Unlock()
	}

	out := *snap
	out.Stale = o.cfg.SnapshotMaxStaleness > 0 && o.now().Sub(out.CreatedAt) > o.cfg.SnapshotMaxStaleness
	return &out, nil
}

func (o *Orchestrator) snapshotTick(ctx context.Context) {
	if _, err := o.CaptureSnapshot(ctx); err != nil {
		o.logger.Warn("Failed to capture recovery snapshot", zap.Error(err))
	}
}
