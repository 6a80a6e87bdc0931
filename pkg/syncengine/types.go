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

// Package syncengine merges server-side collection state into a local cache,
// resolves revision conflicts and replays mutations queued while offline.
package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/wso2/api-platform/resilience/pkg/clienterrors"
)

// Mode selects full or cursor-based synchronization
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// MutationKind is the operation a pending mutation performs
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Resolution picks the winning side of a manual conflict
type Resolution string

const (
	ResolveServer Resolution = "server"
	ResolveClient Resolution = "client"
)

// EventType classifies engine events
type EventType string

const (
	EventQueueOverflow    EventType = "QUEUE_OVERFLOW"
	EventMutationDropped  EventType = "MUTATION_DROPPED"
	EventConflict         EventType = "CONFLICT"
	EventCollectionSynced EventType = "COLLECTION_SYNCED"
	EventFlushCompleted   EventType = "FLUSH_COMPLETED"
)

var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrInvalidMutation  = errors.New("invalid mutation")
	ErrInvalidMode      = errors.New("invalid sync mode")
)

// PendingMutation is a write waiting for server acknowledgement
type PendingMutation struct {
	// Key is the caller-assigned idempotency key
	Key        string          `json:"key" yaml:"key"`
	Kind       MutationKind    `json:"kind" yaml:"kind"`
	Collection string          `json:"collection" yaml:"collection"`
	EntityID   string          `json:"entityId" yaml:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty" yaml:"-"`
	// Endpoint is the request path the mutation is sent to
	Endpoint string    `json:"endpoint" yaml:"endpoint"`
	QueuedAt time.Time `json:"queuedAt" yaml:"queuedAt"`
}

// Entity is one server-side record of a collection
type Entity struct {
	ID       string          `json:"id"`
	Revision string          `json:"revision"`
	Deleted  bool            `json:"deleted,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Page is one page of a collection fetch
type Page struct {
	Entities   []Entity `json:"entities"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// CachedEntity is the local copy of an entity. Revision is the server
// revision the local copy is based on; Dirty marks unacknowledged local edits.
type CachedEntity struct {
	ID        string          `json:"id"`
	Revision  string          `json:"revision"`
	Data      json.RawMessage `json:"data,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	Dirty     bool            `json:"dirty,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SyncConflict is a divergence between the server and an unacknowledged local edit
type SyncConflict struct {
	Collection    string       `json:"collection" yaml:"collection"`
	EntityID      string       `json:"entityId" yaml:"entityId"`
	ServerVersion Entity       `json:"serverVersion" yaml:"-"`
	LocalVersion  CachedEntity `json:"localVersion" yaml:"-"`
	DetectedAt    time.Time    `json:"detectedAt" yaml:"detectedAt"`
}

// SyncResult summarizes one SyncCollection pass
type SyncResult struct {
	Collection string         `json:"collection"`
	Mode       Mode           `json:"mode"`
	Fetched    int            `json:"fetched"`
	Applied    int            `json:"applied"`
	Removed    int            `json:"removed"`
	Conflicts  int            `json:"conflicts"`
	Pending    []SyncConflict `json:"pending,omitempty"`
	Cursor     string         `json:"cursor,omitempty"`
}

// FailedMutation records a mutation dropped from the queue
type FailedMutation struct {
	Mutation PendingMutation   `json:"mutation" yaml:"mutation"`
	Kind     clienterrors.Kind `json:"kind" yaml:"kind"`
	Error    string            `json:"error" yaml:"error"`
	FailedAt time.Time         `json:"failedAt" yaml:"failedAt"`
}

// FlushResult summarizes one FlushQueue pass
type FlushResult struct {
	Attempted  int              `json:"attempted" yaml:"attempted"`
	Succeeded  int              `json:"succeeded" yaml:"succeeded"`
	Dropped    []FailedMutation `json:"dropped,omitempty" yaml:"dropped,omitempty"`
	Remaining  int              `json:"remaining" yaml:"remaining"`
	Halted     bool             `json:"halted" yaml:"halted"`
	HaltReason string           `json:"haltReason,omitempty" yaml:"haltReason,omitempty"`
}

// Event is published for overflow warnings, dropped mutations, conflicts and sync passes
type Event struct {
	Type       EventType        `json:"type"`
	Collection string           `json:"collection,omitempty"`
	Mutation   *PendingMutation `json:"mutation,omitempty"`
	Message    string           `json:"message"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Remote is the server side of synchronization
type Remote interface {
	FetchPage(ctx context.Context, collection, cursor string, limit int) (*Page, error)
	SendMutation(ctx context.Context, m PendingMutation) error
}

// OnlineChecker reports whether the backend is currently reachable
type OnlineChecker interface {
	IsOnline() bool
}
