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

// Well-known keys. Values stored under each key are JSON documents.
const (
	KeySession          = "session"
	KeyCurrentEndpoint  = "connectivity/endpoint"
	KeySyncQueue        = "sync/queue"
	KeySyncConflicts    = "sync/conflicts"
	KeySyncFailed       = "sync/failed"
	KeyFailoverHistory  = "failover/history"
	KeyRecoverySnapshot = "recovery/snapshot"

	PrefixSyncCursor = "sync/cursor/"
	PrefixSyncCache  = "sync/cache/"
)

// CursorKey returns the key holding the incremental sync cursor of a collection
func CursorKey(collection string) string {
	return PrefixSyncCursor + collection
}

// CacheKey returns the key holding the local cache of a collection
func CacheKey(collection string) string {
	return PrefixSyncCache + collection
}
