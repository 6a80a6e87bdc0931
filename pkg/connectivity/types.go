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

// Package connectivity selects a reachable backend endpoint from a
// prioritized candidate list and watches its health.
package connectivity

import (
	"context"
	"errors"
	"strings"
	"time"
)

// State represents the connectivity state
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateError        State = "ERROR"
)

// AllStates lists every state, used for the state gauge
var AllStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
	string(StateReconnecting),
	string(StateError),
}

// ErrNoCandidates is returned when no endpoint candidates are configured
var ErrNoCandidates = errors.New("no endpoint candidates configured")

// ErrNoHealthyEndpoint is returned by Reconnect when no candidate passed a probe
var ErrNoHealthyEndpoint = errors.New("no healthy endpoint available")

// Endpoint is a candidate server base address
type Endpoint struct {
	URL              string    `json:"url" yaml:"url"`
	Priority         int       `json:"priority" yaml:"priority"`
	LastKnownHealthy bool      `json:"lastKnownHealthy" yaml:"lastKnownHealthy"`
	LastCheckedAt    time.Time `json:"lastCheckedAt,omitempty" yaml:"lastCheckedAt,omitempty"`
}

// IsZero reports whether no endpoint is set
func (e Endpoint) IsZero() bool {
	return e.URL == ""
}

// StatusEvent is published on every state change
type StatusEvent struct {
	State     State     `json:"state"`
	Previous  State     `json:"previous"`
	Endpoint  Endpoint  `json:"endpoint"`
	Restored  bool      `json:"restored"`
	Timestamp time.Time `json:"timestamp"`
}

// EndpointChange is published whenever the current endpoint changes
type EndpointChange struct {
	Previous Endpoint  `json:"previous"`
	Current  Endpoint  `json:"current"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Status is a read-only snapshot of the manager
type Status struct {
	State      State      `json:"state" yaml:"state"`
	Endpoint   Endpoint   `json:"endpoint" yaml:"endpoint"`
	Candidates []Endpoint `json:"candidates" yaml:"candidates"`
}

// EndpointSource resolves the active endpoint for consumers. Callers must not
// cache the result beyond the current operation.
type EndpointSource interface {
	CurrentEndpoint(ctx context.Context) (Endpoint, error)
}

// HealthObserver receives periodic health-check outcomes for the current endpoint
type HealthObserver interface {
	OnHealthCheckFailure(ctx context.Context, endpoint Endpoint)
	OnHealthCheckSuccess(ctx context.Context, endpoint Endpoint)
}

func normalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
