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

// Package failover decides when to move off an unhealthy endpoint and runs
// the ordered system recovery sequence.
package failover

import (
	"context"
	"errors"
	"time"

	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/session"
	"github.com/wso2/api-platform/resilience/pkg/syncengine"
)

// Status is the orchestrator status
type Status string

const (
	StatusHealthy     Status = "HEALTHY"
	StatusDegraded    Status = "DEGRADED"
	StatusFailingOver Status = "FAILING_OVER"
	StatusRecovering  Status = "RECOVERING"
	// StatusFailed is terminal until Reset or a successful recovery
	StatusFailed Status = "FAILED"
)

// AllStatuses lists every status, used for the status gauge
var AllStatuses = []string{
	string(StatusHealthy),
	string(StatusDegraded),
	string(StatusFailingOver),
	string(StatusRecovering),
	string(StatusFailed),
}

// Outcome is the result of a system recovery run
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFallback means every step passed but the run exceeded its budget
	OutcomeFallback       Outcome = "FALLBACK"
	OutcomeRecoveryFailed Outcome = "RECOVERY_FAILED"
)

// Step identifies a recovery step
type Step string

const (
	StepNetwork Step = "network"
	StepSession Step = "session"
	StepData    Step = "data"
	StepSync    Step = "sync"
)

// ErrNoSnapshot is returned when no recovery snapshot has been taken yet
var ErrNoSnapshot = errors.New("no recovery snapshot available")

// ErrRecoveryInProgress is returned when a recovery is requested while another runs
var ErrRecoveryInProgress = errors.New("recovery already in progress")

// Record is one completed failover
type Record struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	From      string    `json:"from" yaml:"from"`
	To        string    `json:"to" yaml:"to"`
	Reason    string    `json:"reason" yaml:"reason"`
}

// StepResult is the outcome of one recovery step
type StepResult struct {
	Step     Step          `json:"step" yaml:"step"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// RecoveryResult summarizes a PerformSystemRecovery run
type RecoveryResult struct {
	Outcome    Outcome       `json:"outcome" yaml:"outcome"`
	FailedStep Step          `json:"failedStep,omitempty" yaml:"failedStep,omitempty"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	Steps      []StepResult  `json:"steps" yaml:"steps"`
	StartedAt  time.Time     `json:"startedAt" yaml:"startedAt"`
	Elapsed    time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Snapshot is a periodic backup of recovery-relevant state. Stale is computed
// on read.
type Snapshot struct {
	ID                  string            `json:"id" yaml:"id"`
	CreatedAt           time.Time         `json:"createdAt" yaml:"createdAt"`
	SessionState        session.State     `json:"sessionState" yaml:"sessionState"`
	SessionValid        bool              `json:"sessionValid" yaml:"sessionValid"`
	SessionRenewable    bool              `json:"sessionRenewable" yaml:"sessionRenewable"`
	Endpoint            string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Cursors             map[string]string `json:"cursors,omitempty" yaml:"cursors,omitempty"`
	SettingsFingerprint string            `json:"settingsFingerprint" yaml:"settingsFingerprint"`
	Stale               bool              `json:"stale" yaml:"stale"`
}

// StatusEvent is published on every status change
type StatusEvent struct {
	Status    Status    `json:"status"`
	Previous  Status    `json:"previous"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EndpointController is the connectivity surface the orchestrator drives
type EndpointController interface {
	Candidates() []connectivity.Endpoint
	Status() connectivity.Status
	SwitchTo(ctx context.Context, endpoint connectivity.Endpoint) bool
	Reconnect(ctx context.Context) error
}

// SessionComponent is re-checked during recovery and read for snapshots
type SessionComponent interface {
	Revalidate(ctx context.Context) error
	Status() session.Status
}

// SyncComponent is resumed and flushed during recovery
type SyncComponent interface {
	Resume(ctx context.Context) error
	FlushQueue(ctx context.Context) (*syncengine.FlushResult, error)
	Cursors(ctx context.Context) (map[string]string, error)
}
