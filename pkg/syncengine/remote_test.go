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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/resilience/pkg/clienterrors"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/requestclient"
	"go.uber.org/zap"
)

type fixedEndpoint string

func (f fixedEndpoint) CurrentEndpoint(context.Context) (connectivity.Endpoint, error) {
	return connectivity.Endpoint{URL: string(f)}, nil
}

func newRemote(t *testing.T, handler http.HandlerFunc) *HTTPRemote {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := requestclient.New(config.RequestConfig{
		Timeout:           time.Second,
		MaxRetries:        0,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 2,
	}, fixedEndpoint(srv.URL), zap.NewNop())
	return NewHTTPRemote(client, "/sync/collections")
}

func TestHTTPRemoteFetchPage(t *testing.T) {
	remote := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/sync/collections/parties", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"entities":[{"id":"e-1","revision":"r2","data":{"name":"x"}}],"nextCursor":"c2","hasMore":false}`))
	})

	page, err := remote.FetchPage(context.Background(), "parties", "c1", 20)
	require.NoError(t, err)
	require.Len(t, page.Entities, 1)
	assert.Equal(t, "e-1", page.Entities[0].ID)
	assert.Equal(t, "r2", page.Entities[0].Revision)
	assert.JSONEq(t, `{"name":"x"}`, string(page.Entities[0].Data))
	assert.Equal(t, "c2", page.NextCursor)
	assert.False(t, page.HasMore)
}

func TestHTTPRemoteFetchPageWithoutCursor(t *testing.T) {
	remote := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"entities":[]}`))
	})
	page, err := remote.FetchPage(context.Background(), "parties", "", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Entities)
}

func TestHTTPRemoteSendMutation(t *testing.T) {
	tests := []struct {
		name       string
		kind       MutationKind
		wantMethod string
		wantBody   string
	}{
		{name: "create", kind: MutationCreate, wantMethod: http.MethodPost, wantBody: `{"a":1}`},
		{name: "update", kind: MutationUpdate, wantMethod: http.MethodPut, wantBody: `{"a":1}`},
		{name: "delete", kind: MutationDelete, wantMethod: http.MethodDelete, wantBody: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotMethod, gotKey, gotBody string
			remote := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotKey = r.Header.Get(IdempotencyKeyHeader)
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				w.WriteHeader(http.StatusNoContent)
			})

			err := remote.SendMutation(context.Background(), PendingMutation{
				Key:        "m-1",
				Kind:       tt.kind,
				Collection: "parties",
				EntityID:   "e-1",
				Payload:    json.RawMessage(`{"a":1}`),
				Endpoint:   "/parties/e-1",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, gotMethod)
			assert.Equal(t, "m-1", gotKey)
			assert.Equal(t, tt.wantBody, gotBody)
		})
	}
}

func TestHTTPRemoteSendMutationClassifiesFailures(t *testing.T) {
	status := http.StatusConflict
	remote := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
	m := PendingMutation{Key: "m-1", Kind: MutationUpdate, Collection: "parties", EntityID: "e-1", Endpoint: "/parties/e-1"}

	err := remote.SendMutation(context.Background(), m)
	require.Error(t, err)
	assert.Equal(t, clienterrors.KindConflict, clienterrors.KindOf(err))

	status = http.StatusServiceUnavailable
	err = remote.SendMutation(context.Background(), m)
	require.Error(t, err)
	assert.True(t, clienterrors.IsRetryable(err))
}

func TestHTTPRemoteRejectsUnknownKind(t *testing.T) {
	remote := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	err := remote.SendMutation(context.Background(), PendingMutation{Kind: "patch", Endpoint: "/x"})
	assert.ErrorIs(t, err, ErrInvalidMutation)
}
