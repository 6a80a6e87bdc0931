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

	"github.com/wso2/api-platform/resilience/pkg/storage"
	"go.uber.org/zap"
)

// History returns the recorded failovers, oldest first
func (o *Orchestrator) History(ctx context.Context) ([]Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.ensureHistoryLocked(ctx); err != nil {
		return nil, err
	}
	return append([]Record(nil), o.history...), nil
}

func (o *Orchestrator) ensureHistoryLocked(ctx context.Context) error {
	if o.historyLoaded {
		return nil
	}
	var history []Record
	err := storage.GetJSON(ctx, o.store, storage.KeyFailoverHistory, &history)
	if err != nil && !storage.IsNotFoundError(err) {
		return fmt.Errorf("failed to load failover history: %w", err)
	}
	o.history = o.trim(append(history, o.history...))
	o.historyLoaded = true
	return nil
}

// appendHistoryLocked adds a record to the capped ring and persists it.
// Persistence failures are logged; history is diagnostic only.
func (o *Orchestrator) appendHistoryLocked(ctx context.Context, record Record) {
	if err := o.ensureHistoryLocked(ctx); err != nil {
		o.logger.Warn("Failed to load failover history", zap.Error(err))
	}
	o.history = o.trim(append(o.history, record))
	if err := storage.PutJSON(ctx, o.store, storage.KeyFailoverHistory, o.history); err != nil {
		o.logger.Warn("Failed to persist failover history", zap.Error(err))
	}
}

func (o *Orchestrator) trim(history []Record) []Record {
	if limit := o.cfg.HistorySize; limit > 0 && len(history) > limit {
		return append([]Record(nil), history[len(history)-limit:]...)
	}
	return history
}
