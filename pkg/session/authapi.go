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

package session

import (
	"context"
	"net/http"

	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/requestclient"
)

// HTTPAuthAPI implements AuthAPI on the resilient request client
type HTTPAuthAPI struct {
	client *requestclient.Client
	cfg    config.SessionConfig
}

// NewHTTPAuthAPI creates an AuthAPI posting to the configured auth paths
func NewHTTPAuthAPI(client *requestclient.Client, cfg config.SessionConfig) *HTTPAuthAPI {
	return &HTTPAuthAPI{client: client, cfg: cfg}
}

// Login exchanges credentials for a token grant. Credentials are not replayed
// on failure.
func (a *HTTPAuthAPI) Login(ctx context.Context, creds Credentials) (*TokenGrant, error) {
	req, err := requestclient.NewJSONRequest(http.MethodPost, a.cfg.LoginPath, creds)
	if err != nil {
		return nil, err
	}
	req.Anonymous = true
	return a.grant(ctx, req)
}

// Refresh exchanges the refresh credential for a new grant
func (a *HTTPAuthAPI) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	req, err := requestclient.NewJSONRequest(http.MethodPost, a.cfg.RefreshPath, map[string]string{
		"refreshToken": refreshToken,
	})
	if err != nil {
		return nil, err
	}
	req.Anonymous = true
	req.Idempotent = true
	return a.grant(ctx, req)
}

// Logout notifies the server once; failures are returned for logging only
func (a *HTTPAuthAPI) Logout(ctx context.Context, accessToken string) error {
	req := requestclient.Request{
		Method:    http.MethodPost,
		Path:      a.cfg.LogoutPath,
		Anonymous: true,
		NoRetry:   true,
		Headers:   map[string]string{"Authorization": "Bearer " + accessToken},
	}
	_, err := a.client.Execute(ctx, req)
	return err
}

func (a *HTTPAuthAPI) grant(ctx context.Context, req requestclient.Request) (*TokenGrant, error) {
	resp, err := a.client.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	var grant TokenGrant
	if err := resp.DecodeJSON(&grant); err != nil {
		return nil, err
	}
	return &grant, nil
}
