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
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/wso2/api-platform/resilience/pkg/api/middleware"
)

// adminClient talks to the admin API of a running agent
type adminClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAdminClient(server string) *adminClient {
	return &adminClient{
		baseURL:    strings.TrimSuffix(server, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *adminClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *adminClient) post(ctx context.Context, path string, in, out any, accept ...int) error {
	return c.do(ctx, http.MethodPost, path, in, out, accept...)
}

// do sends one request. 2xx responses and any status listed in accept are
// decoded into out; everything else becomes an error carrying the server message.
func (c *adminClient) do(ctx context.Context, method, path string, in, out any, accept ...int) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach agent at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok && !slices.Contains(accept, resp.StatusCode) {
		return formatHTTPError(method+" "+path, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func formatHTTPError(operation string, status int, body []byte) error {
	var errResp middleware.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		if errResp.Kind != "" {
			return fmt.Errorf("%s failed (status %d, %s): %s", operation, status, errResp.Kind, errResp.Message)
		}
		return fmt.Errorf("%s failed (status %d): %s", operation, status, errResp.Message)
	}
	return fmt.Errorf("%s failed (status %d): %s", operation, status, strings.TrimSpace(string(body)))
}
