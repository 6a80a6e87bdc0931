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

// Package clienterrors defines the failure taxonomy shared by the request
// client, the session manager and the sync engine.
package clienterrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind classifies a failure for retry and propagation decisions
type Kind string

const (
	// KindNetwork is a transport-level failure
	KindNetwork Kind = "NETWORK"
	// KindTimeout means no response arrived within the bound
	KindTimeout Kind = "TIMEOUT"
	// KindAuth is a 401-class response or an invalid/expired credential
	KindAuth Kind = "AUTH"
	// KindServer is a 5xx-class (or throttling) response
	KindServer Kind = "SERVER"
	// KindConflict is a revision conflict
	KindConflict Kind = "CONFLICT"
	// KindValidation is a 4xx rejection that will not succeed on retry
	KindValidation Kind = "VALIDATION"
	// KindQueueOverflow means a pending mutation was dropped for capacity
	KindQueueOverflow Kind = "QUEUE_OVERFLOW"
	// KindUnknown is anything unclassified
	KindUnknown Kind = "UNKNOWN"
)

// Error is a classified failure carrying request diagnostics
type Error struct {
	Kind       Kind
	Endpoint   string
	Method     string
	Path       string
	StatusCode int
	Attempts   int
	Timestamp  time.Time
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Method == "" {
		if msg == "" {
			return string(e.Kind)
		}
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	target := e.Endpoint + e.Path
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s %s failed after %d attempt(s) (status %d): %s",
			e.Kind, e.Method, target, e.Attempts, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s %s failed after %d attempt(s): %s", e.Kind, e.Method, target, e.Attempts, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth retrying locally
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// Retryable reports whether failures of this kind are retried locally
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// New creates a classified error without request metadata
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Timestamp: time.Now()}
}

// Wrap creates a classified error around a cause
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err, Timestamp: time.Now()}
}

// KindOf returns the classification of err, or KindUnknown if err is not classified
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err)
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err should be retried locally
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// Classify maps a raw transport error onto the taxonomy
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	// caller cancellation is not a transport failure and must not be retried
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return KindNetwork
	}
	return KindUnknown
}

// ClassifyStatus maps a non-2xx HTTP status code onto the taxonomy
func ClassifyStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusUnauthorized:
		return KindAuth
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		return KindTimeout
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return KindServer
	case statusCode == http.StatusConflict, statusCode == http.StatusPreconditionFailed:
		return KindConflict
	case statusCode >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}
