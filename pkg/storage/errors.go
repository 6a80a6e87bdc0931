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

package storage

import "errors"

// Common storage errors - backend agnostic
var (
	// ErrNotFound is returned when a key has no stored value. Callers treat
	// it as an expected state, not a failure.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned when the store has already been closed
	ErrClosed = errors.New("store is closed")

	// ErrDatabaseUnavailable is returned when the backing database cannot be reached
	ErrDatabaseUnavailable = errors.New("database storage is unavailable")
)

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClosedError checks if an error is a closed store error
func IsClosedError(err error) bool {
	return errors.Is(err, ErrClosed)
}

func IsDatabaseUnavailableError(err error) bool {
	return errors.Is(err, ErrDatabaseUnavailable)
}
