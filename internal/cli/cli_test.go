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

package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/resilience/pkg/api"
	"github.com/wso2/api-platform/resilience/pkg/api/middleware"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/failover"
	"github.com/wso2/api-platform/resilience/pkg/session"
	"github.com/wso2/api-platform/resilience/pkg/syncengine"
)

type adminStub struct {
	mu       sync.Mutex
	requests []string
	bodies   []string
	handlers map[string]func(w http.ResponseWriter)
}

func newAdminStub(t *testing.T) (*httptest.Server, *adminStub) {
	t.Helper()
	stub := &adminStub{handlers: map[string]func(w http.ResponseWriter){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		key := r.Method + " " + r.URL.RequestURI()
		stub.mu.Lock()
		stub.requests = append(stub.requests, key)
		stub.bodies = append(stub.bodies, string(body))
		h, ok := stub.handlers[key]
		stub.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, middleware.ErrorResponse{Status: "error", Message: "no route " + key})
			return
		}
		h(w)
	}))
	t.Cleanup(srv.Close)
	return srv, stub
}

func (s *adminStub) on(key string, status int, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[key] = func(w http.ResponseWriter) { writeJSON(w, status, v) }
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--server", server))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusTable(t *testing.T) {
	srv, stub := newAdminStub(t)
	stub.on("GET /status", http.StatusOK, api.StatusResponse{
		Session: session.Status{State: session.StateAuthenticated, Subject: "alice", Valid: true},
		Connectivity: connectivity.Status{
			State:    connectivity.StateConnected,
			Endpoint: connectivity.Endpoint{URL: "https://a.example.com", Priority: 1, LastKnownHealthy: true},
			Candidates: []connectivity.Endpoint{
				{URL: "https://a.example.com", Priority: 1, LastKnownHealthy: true},
				{URL: "https://b.example.com", Priority: 2},
			},
		},
		Failover: api.FailoverStatus{Status: failover.StatusDegraded, ConsecutiveFailures: 2},
		Sync:     api.SyncStatus{QueueDepth: 3, Conflicts: 1},
	})

	out, err := runCLI(t, srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "AUTHENTICATED")
	assert.Contains(t, out, "CONNECTED")
	assert.Contains(t, out, "https://a.example.com")
	assert.Contains(t, out, "https://b.example.com")
	assert.Contains(t, out, "DEGRADED")
	assert.Contains(t, out, "consecutive failures: 2")
	assert.Contains(t, out, "3 queued")
}

func TestHistoryJSON(t *testing.T) {
	srv, stub := newAdminStub(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stub.on("GET /failover/history", http.StatusOK, []failover.Record{
		{Timestamp: at, From: "https://a", To: "https://b", Reason: "3 consecutive health check failures"},
	})

	out, err := runCLI(t, srv.URL, "history", "-o", "json")
	require.NoError(t, err)

	var got []failover.Record
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "https://b", got[0].To)
	assert.True(t, at.Equal(got[0].Timestamp))
}

func TestHistoryEmpty(t *testing.T) {
	srv, stub := newAdminStub(t)
	stub.on("GET /failover/history", http.StatusOK, []failover.Record{})

	out, err := runCLI(t, srv.URL, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No failovers recorded.")
}

func TestQueueYAML(t *testing.T) {
	srv, stub := newAdminStub(t)
	stub.on("GET /sync/queue", http.StatusOK, []syncengine.PendingMutation{
		{Key: "k-1", Kind: syncengine.MutationUpdate, Collection: "parties", EntityID: "p-1", Endpoint: "/parties/p-1"},
	})

	out, err := runCLI(t, srv.URL, "queue", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "key: k-1")
	assert.Contains(t, out, "collection: parties")
}

func TestQueueFlushReportsHalt(t *testing.T) {
	srv, stub := newAdminStub(t)
	stub.on("POST /sync/flush", http.StatusOK, syncengine.FlushResult{
		Attempted: 2, Succeeded: 1, Remaining: 1, Halted: true, HaltReason: "NETWORK: connection refused",
	})

	out, err := runCLI(t, srv.URL, "queue", "flush")
	require.NoError(t, err)
	assert.Contains(t, out, "Attempted: 2, succeeded: 1, dropped: 0, remaining: 1")
	assert.Contains(t, out, "Halted: NETWORK: connection refused")
}

func TestSyncPassesMode(t *testing.T) {
	srv, stub := newAdminStub(t)
	stub.on("POST /sync/collections/parties?mode=full", http.StatusOK, syncengine.SyncResult{
		Collection: "parties", Mode: syncengine.ModeFull, Fetched: 4, Applied: 4, Cursor: "c-9",
	})

	out, err := runCLI(t, srv.URL, "sync", "parties", "--mode", "full")
	require.NoError(t, err)
	assert.Contains(t, out, "c-9")
}

func TestRecoverFailedOutcome(t *testing.T) {
	srv, stub := newAdminStub(t)
	stub.on("POST /recovery", http.StatusServiceUnavailable, failover.RecoveryResult{
		Outcome:    failover.OutcomeRecoveryFailed,
		FailedStep: failover.StepSession,
		Error:      "refresh rejected",
		Steps: []failover.StepResult{
			{Step: failover.StepNetwork, Duration: time.Millisecond},
			{Step: failover.StepSession, Duration: time.Millisecond, Error: "refresh rejected"},
		},
	})

	out, err := runCLI(t, srv.URL, "recover")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery failed at step session")
	assert.Contains(t, out, "RECOVERY_FAILED")
	assert.Contains(t, out, "refresh rejected")
}

func TestRecoverSuccess(t *testing.T) {
	srv, stub := newAdminStub(t)
	stub.on("POST /recovery", http.StatusOK, failover.RecoveryResult{Outcome: failover.OutcomeSuccess})

	out, err := runCLI(t, srv.URL, "recover")
	require.NoError(t, err)
	assert.Contains(t, out, "Outcome: SUCCESS")
}

func TestResolveConflictSendsResolution(t *testing.T) {
	srv, stub := newAdminStub(t)
	stub.mu.Lock()
	stub.handlers["POST /sync/conflicts/parties/p-17/resolve"] = func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusNoContent)
	}
	stub.mu.Unlock()

	out, err := runCLI(t, srv.URL, "conflicts", "resolve", "parties", "p-17", "--resolution", "client")
	require.NoError(t, err)
	assert.Contains(t, out, "resolved in favour of client")

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.bodies, 1)
	assert.JSONEq(t, `{"resolution":"client"}`, stub.bodies[0])
}

func TestResolveConflictRequiresResolution(t *testing.T) {
	srv, stub := newAdminStub(t)

	_, err := runCLI(t, srv.URL, "conflicts", "resolve", "parties", "p-17")
	require.Error(t, err)
	assert.Empty(t, stub.requests)
}

func TestServerErrorMessage(t *testing.T) {
	srv, stub := newAdminStub(t)
	stub.on("GET /recovery/snapshot", http.StatusNotFound, middleware.ErrorResponse{
		Status: "error", Message: "no recovery snapshot available",
	})
	stub.on("POST /sync/flush", http.StatusBadGateway, middleware.ErrorResponse{
		Status: "error", Message: "upstream said no", Kind: "SERVER",
	})

	_, err := runCLI(t, srv.URL, "snapshot")
	require.Error(t, err)
	assert.Equal(t, "GET /recovery/snapshot failed (status 404): no recovery snapshot available", err.Error())

	_, err = runCLI(t, srv.URL, "queue", "flush")
	require.Error(t, err)
	assert.Equal(t, "POST /sync/flush failed (status 502, SERVER): upstream said no", err.Error())
}

func TestUnsupportedOutputFormat(t *testing.T) {
	srv, stub := newAdminStub(t)
	stub.on("GET /sync/conflicts", http.StatusOK, []syncengine.SyncConflict{})

	_, err := runCLI(t, srv.URL, "conflicts", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestAgentUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := runCLI(t, url, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach agent")
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "http://127.0.0.1:1", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, CliName+" version "))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, []string{"A", "LONGER"}, [][]string{{"value", "x"}})

	want := strings.Join([]string{
		"+-------+--------+",
		"| A     | LONGER |",
		"+-------+--------+",
		"| value | x      |",
		"+-------+--------+",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
}

func TestShortFlagsUnique(t *testing.T) {
	seen := make(map[string]string)
	for long, short := range shortFlags {
		if existing, ok := seen[short]; ok {
			t.Errorf("Duplicate short flag '%s' used for both '%s' and '%s'", short, existing, long)
		}
		seen[short] = long
	}
}
