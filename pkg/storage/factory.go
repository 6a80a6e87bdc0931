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

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wso2/api-platform/resilience/pkg/config"
	"go.uber.org/zap"
)

// New creates the Store selected by cfg.Type
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case config.StorageTypeMemory:
		logger.Warn("Using in-memory state store; session, queue and history will not survive restarts")
		return NewMemoryStore(), nil
	case config.StorageTypeSQLite:
		if err := ensureDir(cfg.SQLite.Path); err != nil {
			return nil, err
		}
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case config.StorageTypeBBolt:
		if err := ensureDir(cfg.BBolt.Path); err != nil {
			return nil, err
		}
		store, err := NewBBoltStore(cfg.BBolt.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("BBolt state store initialized", zap.String("database_path", cfg.BBolt.Path))
		return store, nil
	case config.StorageTypeRedis:
		return NewRedisStore(ctx, RedisOptions{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return nil
}
