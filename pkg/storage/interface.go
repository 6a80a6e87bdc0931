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

// Package storage provides the persistent key-value state store used by the
// session, connectivity, failover and sync components.
package storage

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// Store is a durable key-value store. Keys are slash separated paths (see
// keys.go) and values are opaque bytes, JSON by convention.
//
// Implementations must be safe for concurrent use and must return
// ErrNotFound from Get when the key has never been written or was deleted.
type Store interface {
	// Get returns the value stored under key
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or replaces the value stored under key
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every stored key starting with prefix, in lexical order
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the underlying resources
	Close() error
}

// GetJSON reads key and decodes it into out
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode value for key %q: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and writes it under key
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value for key %q: %w", key, err)
	}
	return s.Put(ctx, key, data)
}
