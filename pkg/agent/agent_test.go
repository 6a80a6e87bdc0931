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

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/failover"
	"github.com/wso2/api-platform/resilience/pkg/session"
	"github.com/wso2/api-platform/resilience/pkg/storage"
	"github.com/wso2/api-platform/resilience/pkg/syncengine"
)

type backend struct {
	mu       sync.Mutex
	received []string
	auth     []string
}

func (b *backend) record(r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, r.Method+" "+r.URL.Path)
	b.auth = append(b.auth, r.Header.Get("Authorization"))
}

func (b *backend) authFor(entry string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.received {
		if r == entry {
			return b.auth[i]
		}
	}
	return ""
}

func newBackend(t *testing.T) (*httptest.Server, *backend) {
	t.Helper()
	b := &backend{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		var creds session.Credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Username != "alice" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"accessToken":"opaque-token","expiresIn":3600,"subject":"alice"}`)
	})
	mux.HandleFunc("GET /sync/collections/parties", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"entities":[{"id":"e-1","revision":"1","data":{"name":"one"}}],"nextCursor":"c1","hasMore":false}`)
	})
	mux.HandleFunc("PUT /parties/e-1", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, b
}

func writeConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	content := fmt.Sprintf(`
[logging]
level = "debug"

[storage]
type = "memory"

[endpoints]
health_check_interval = "1h"
probe_timeout = "2s"

[[endpoints.candidates]]
url = %q
priority = 1

[request]
max_retries = 0

[sync]
flush_interval = "1h"
collections = ["parties"]

[failover]
snapshot_interval = "1h"
snapshot_max_staleness = "2h"

[admin]
enabled = false
`, backendURL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestAgentEndToEnd(t *testing.T) {
	srv, b := newBackend(t)
	cfg := writeConfig(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := New(ctx, cfg, zap.NewNop(), WithStore(storage.NewMemoryStore()))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(context.Background())

	assert.Equal(t, connectivity.StateConnected, a.Connectivity().State())
	current, err := a.Connectivity().CurrentEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, current.URL)
	assert.Empty(t, a.AdminAddr())

	_, err = a.Session().Login(ctx, session.Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, session.StateAuthenticated, a.Session().State())

	require.NoError(t, a.Sync().QueueMutation(ctx, syncengine.PendingMutation{
		Key:        "k-1",
		Kind:       syncengine.MutationUpdate,
		Collection: "parties",
		EntityID:   "e-1",
		Endpoint:   "/parties/e-1",
		Payload:    json.RawMessage(`{"name":"renamed"}`),
	}))
	queue, err := a.Sync().Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue, "online mutations flush immediately")
	assert.Equal(t, "Bearer opaque-token", b.authFor("PUT /parties/e-1"))

	res, err := a.Sync().SyncCollection(ctx, "parties", syncengine.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, "c1", res.Cursor)

	entities, err := a.Sync().Entities(ctx, "parties")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "1", entities[0].Revision)
	assert.False(t, entities[0].Dirty)

	result, err := a.Failover().PerformSystemRecovery(ctx)
	require.NoError(t, err)
	assert.Equal(t, failover.OutcomeSuccess, result.Outcome)
	assert.Equal(t, failover.StatusHealthy, a.Failover().Status())

	snap, err := a.Failover().LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, snap.Endpoint)
	assert.Equal(t, "c1", snap.Cursors["parties"])
	assert.True(t, snap.SessionValid)
}

func TestAgentStartsWithUnreachableBackend(t *testing.T) {
	srv, _ := newBackend(t)
	cfg := writeConfig(t, srv.URL)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := New(ctx, cfg, zap.NewNop(), WithStore(storage.NewMemoryStore()))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(context.Background())

	assert.False(t, a.Connectivity().IsOnline())

	require.NoError(t, a.Sync().QueueMutation(ctx, syncengine.PendingMutation{
		Key:        "k-offline",
		Kind:       syncengine.MutationUpdate,
		Collection: "parties",
		EntityID:   "e-1",
		Endpoint:   "/parties/e-1",
	}))
	queue, err := a.Sync().Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1, "offline mutations stay queued")
	assert.Equal(t, "k-offline", queue[0].Key)
}
