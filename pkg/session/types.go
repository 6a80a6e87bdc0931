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

// Package session owns credential acquisition, persistence, expiry tracking
// and proactive renewal.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// State represents the session lifecycle state
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateAuthenticating  State = "AUTHENTICATING"
	StateAuthenticated   State = "AUTHENTICATED"
	StateRefreshing      State = "REFRESHING"
	StateRegistering     State = "REGISTERING"
	StateError           State = "ERROR"
)

// AllStates lists every state, used for the state gauge
var AllStates = []string{
	string(StateUnauthenticated),
	string(StateAuthenticating),
	string(StateAuthenticated),
	string(StateRefreshing),
	string(StateRegistering),
	string(StateError),
}

var (
	// ErrNotAuthenticated is returned when an operation needs a session and none exists
	ErrNotAuthenticated = errors.New("no active session")

	// ErrNoRefreshCredential is returned by Renew when the session cannot be renewed
	ErrNoRefreshCredential = errors.New("session has no refresh credential")

	// ErrInvalidGrant is returned when a token grant cannot form a complete session
	ErrInvalidGrant = errors.New("invalid token grant")

	// ErrInvalidTransition is returned for registration transitions from the wrong state
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Session is the authenticated identity plus credential material. It is
// either fully populated or absent.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Subject      string    `json:"subject"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Renewable reports whether a refresh credential is present
func (s *Session) Renewable() bool {
	return s.RefreshToken != ""
}

// complete reports whether every mandatory field is set
func (s *Session) complete() bool {
	return s.AccessToken != "" && !s.ExpiresAt.IsZero()
}

// Credentials are exchanged for a session on login
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenGrant is the server response to login and refresh
type TokenGrant struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Subject      string `json:"subject,omitempty"`
	// ExpiresIn is the lifetime in seconds, used when the access token is opaque
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

// AuthAPI talks to the backend's auth endpoints
type AuthAPI interface {
	Login(ctx context.Context, creds Credentials) (*TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
	Logout(ctx context.Context, accessToken string) error
}

// Identity is the read-only view of the current user handed to consumers
type Identity interface {
	// Subject returns the authenticated subject, if any
	Subject() (string, bool)
}

// Event is published on every state change
type Event struct {
	State     State     `json:"state"`
	Previous  State     `json:"previous"`
	Subject   string    `json:"subject,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is a read-only snapshot of the manager
type Status struct {
	State     State     `json:"state" yaml:"state"`
	Subject   string    `json:"subject,omitempty" yaml:"subject,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	Valid     bool      `json:"valid" yaml:"valid"`
	Renewable bool      `json:"renewable" yaml:"renewable"`
}

// newSession builds a session from a grant. Expiry comes from the access
// token's exp claim when it is a JWT, otherwise from the grant's lifetime.
// The access token signature is not verified; the server is the authority.
func newSession(grant *TokenGrant, now time.Time) (*Session, error) {
	if grant == nil || grant.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrInvalidGrant)
	}

	s := &Session{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		Subject:      grant.Subject,
		IssuedAt:     now,
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(grant.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.ExpiresAt = exp.Time
		}
		if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
			s.IssuedAt = iat.Time
		}
		if s.Subject == "" {
			if sub, err := claims.GetSubject(); err == nil {
				s.Subject = sub
			}
		}
	}

	if s.ExpiresAt.IsZero() && grant.ExpiresIn > 0 {
		s.ExpiresAt = now.Add(time.Duration(grant.ExpiresIn) * time.Second)
	}
	if s.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: cannot determine credential expiry", ErrInvalidGrant)
	}
	return s, nil
}
