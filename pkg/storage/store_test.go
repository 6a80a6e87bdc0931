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
	"testing"

	"github.com/wso2/api-platform/resilience/pkg/config"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "state.db"), logger)
	assert.NilError(t, err)
	boltStore, err := NewBBoltStore(filepath.Join(dir, "state.bolt"))
	assert.NilError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
		"bbolt":  boltStore,
	}

	// Redis is exercised only when a server is provided
	if addr := os.Getenv("RESILIENCE_TEST_REDIS_ADDR"); addr != "" {
		redisStore, err := NewRedisStore(context.Background(), RedisOptions{
			Address:   addr,
			KeyPrefix: fmt.Sprintf("test:%s:", t.Name()),
		}, logger)
		assert.NilError(t, err)
		stores["redis"] = redisStore
	}

	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStore_GetMissingKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "missing")
			assert.Assert(t, IsNotFoundError(err))
		})
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.NilError(t, s.Put(ctx, KeySession, []byte(`{"subject":"alice"}`)))

			got, err := s.Get(ctx, KeySession)
			assert.NilError(t, err)
			assert.Equal(t, string(got), `{"subject":"alice"}`)

			assert.NilError(t, s.Put(ctx, KeySession, []byte(`{"subject":"bob"}`)))
			got, err = s.Get(ctx, KeySession)
			assert.NilError(t, err)
			assert.Equal(t, string(got), `{"subject":"bob"}`)

			assert.NilError(t, s.Delete(ctx, KeySession))
			_, err = s.Get(ctx, KeySession)
			assert.Assert(t, IsNotFoundError(err))

			// deleting again is not an error
			assert.NilError(t, s.Delete(ctx, KeySession))
		})
	}
}

func TestStore_KeysByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.NilError(t, s.Put(ctx, CursorKey("restaurants"), []byte(`"c2"`)))
			assert.NilError(t, s.Put(ctx, CursorKey("parties"), []byte(`"c1"`)))
			assert.NilError(t, s.Put(ctx, CacheKey("parties"), []byte(`{}`)))
			assert.NilError(t, s.Put(ctx, KeySyncQueue, []byte(`[]`)))

			keys, err := s.Keys(ctx, PrefixSyncCursor)
			assert.NilError(t, err)
			assert.DeepEqual(t, keys, []string{"sync/cursor/parties", "sync/cursor/restaurants"})

			keys, err = s.Keys(ctx, "sync/")
			assert.NilError(t, err)
			assert.Check(t, is.Len(keys, 4))

			keys, err = s.Keys(ctx, "nothing/")
			assert.NilError(t, err)
			assert.Check(t, is.Len(keys, 0))
		})
	}
}

func TestStore_JSONHelpers(t *testing.T) {
	type record struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	ctx := context.Background()
	s := NewMemoryStore()

	assert.NilError(t, PutJSON(ctx, s, KeyFailoverHistory, []record{{From: "a", To: "b"}}))

	var out []record
	assert.NilError(t, GetJSON(ctx, s, KeyFailoverHistory, &out))
	assert.DeepEqual(t, out, []record{{From: "a", To: "b"}})

	err := GetJSON(ctx, s, KeyRecoverySnapshot, &out)
	assert.Assert(t, IsNotFoundError(err))

	assert.NilError(t, s.Put(ctx, KeySyncQueue, []byte("not-json")))
	err = GetJSON(ctx, s, KeySyncQueue, &out)
	assert.ErrorContains(t, err, "failed to decode value")
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	assert.NilError(t, s.Close())

	_, err := s.Get(context.Background(), "k")
	assert.Assert(t, IsClosedError(err))
	assert.Assert(t, IsClosedError(s.Put(context.Background(), "k", nil)))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := NewSQLiteStore(dbPath, zap.NewNop())
	assert.NilError(t, err)
	assert.NilError(t, s.Put(ctx, KeyCurrentEndpoint, []byte(`"https://b.example.com"`)))
	assert.NilError(t, s.Close())

	s, err = NewSQLiteStore(dbPath, zap.NewNop())
	assert.NilError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, KeyCurrentEndpoint)
	assert.NilError(t, err)
	assert.Equal(t, string(got), `"https://b.example.com"`)
}

func TestNewSQLiteStore_InvalidPath(t *testing.T) {
	_, err := NewSQLiteStore("/non/existent/path/state.db", zap.NewNop())
	assert.Assert(t, err != nil)
}

func TestNew_Factory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr string
	}{
		{name: "memory", cfg: config.StorageConfig{Type: config.StorageTypeMemory}},
		{name: "sqlite", cfg: config.StorageConfig{Type: config.StorageTypeSQLite,
			SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "nested", "state.db")}}},
		{name: "bbolt", cfg: config.StorageConfig{Type: config.StorageTypeBBolt,
			BBolt: config.BBoltConfig{Path: filepath.Join(dir, "nested", "state.bolt")}}},
		{name: "unknown", cfg: config.StorageConfig{Type: "etcd"}, wantErr: "unsupported storage type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(ctx, tt.cfg, zap.NewNop())
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			assert.NilError(t, err)
			defer s.Close()
			assert.NilError(t, s.Put(ctx, "k", []byte("v")))
		})
	}
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, escapeGlob("resilience:sync/cursor/"), "resilience:sync/cursor/")
	assert.Equal(t, escapeGlob("a*b?[c]"), `a\*b\?\[c\]`)
}
