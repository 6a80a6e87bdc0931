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
	"net/http"
	"net/url"
	"strconv"

	"github.com/wso2/api-platform/resilience/pkg/requestclient"
)

// IdempotencyKeyHeader carries the mutation key so the server can deduplicate replays
const IdempotencyKeyHeader = "Idempotency-Key"

// HTTPRemote implements Remote on the resilient request client
type HTTPRemote struct {
	client          *requestclient.Client
	collectionsPath string
}

// NewHTTPRemote creates a remote fetching from collectionsPath/<name>
func NewHTTPRemote(client *requestclient.Client, collectionsPath string) *HTTPRemote {
	return &HTTPRemote{client: client, collectionsPath: collectionsPath}
}

// FetchPage reads one page of a collection. Reads are retried by the client.
func (r *HTTPRemote) FetchPage(ctx context.Context, collection, cursor string, limit int) (*Page, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := r.collectionsPath + "/" + url.PathEscape(collection)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := r.client.Execute(ctx, requestclient.Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return nil, err
	}
	var page Page
	if err := resp.DecodeJSON(&page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMutation delivers one mutation. It is not retried here; the queue
// keeps it for the next flush instead.
func (r *HTTPRemote) SendMutation(ctx context.Context, m PendingMutation) error {
	method, err := methodFor(m.Kind)
	if err != nil {
		return err
	}
	req := requestclient.Request{
		Method:  method,
		Path:    m.Endpoint,
		NoRetry: true,
		Headers: map[string]string{IdempotencyKeyHeader: m.Key},
	}
	if len(m.Payload) > 0 && m.Kind != MutationDelete {
		req.Body = m.Payload
		req.Headers["Content-Type"] = "application/json"
	}
	_, err = r.client.Execute(ctx, req)
	return err
}

func methodFor(kind MutationKind) (string, error) {
	switch kind {
	case MutationCreate:
		return http.MethodPost, nil
	case MutationUpdate:
		return http.MethodPut, nil
	case MutationDelete:
		return http.MethodDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, kind)
	}
}
