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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wso2/api-platform/resilience/pkg/clienterrors"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/metrics"
	"github.com/wso2/api-platform/resilience/pkg/notify"
	"github.com/wso2/api-platform/resilience/pkg/scheduler"
	"github.com/wso2/api-platform/resilience/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const logoutNotifyTimeout = 5 * time.Second

// Manager owns the single current session. It is the only writer of the
// session; other components read it through Credential, Subject and Status.
type Manager struct {
	cfg    config.SessionConfig
	api    AuthAPI
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time

	initMu      sync.Mutex
	initialized atomic.Bool

	mu        sync.RWMutex
	state     State
	session   *Session
	lifecycle context.Context

	renewals    singleflight.Group
	renewalTask *scheduler.Task
	events      *notify.Broadcaster[Event]
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager in the UNAUTHENTICATED state
func NewManager(cfg config.SessionConfig, api AuthAPI, store storage.Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		api:       api,
		store:     store,
		logger:    logger,
		now:       time.Now,
		state:     StateUnauthenticated,
		lifecycle: context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = notify.NewBroadcaster[Event]("session", logger)
	m.renewalTask = scheduler.NewTask("session-renewal", cfg.RenewalInterval, m.renewalTick, logger, scheduler.OnSkip(metrics.TickSkipped))
	metrics.SetState(metrics.SessionState, AllStates, string(StateUnauthenticated))
	return m
}

// Subscribe registers a session event observer
func (m *Manager) Subscribe(o notify.Observer[Event]) notify.SubscriptionID {
	return m.events.Subscribe(o)
}

// Unsubscribe removes a session event observer
func (m *Manager) Unsubscribe(id notify.SubscriptionID) {
	m.events.Unsubscribe(id)
}

// Start binds background renewal to ctx and initializes the manager
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.lifecycle = ctx
	m.mu.Unlock()
	return m.Initialize(ctx)
}

// Stop halts the renewal timer and waits for an in-flight renewal
func (m *Manager) Stop() {
	m.renewalTask.Stop()
	m.renewalTask.Wait()
}

// Initialize loads the persisted session. A valid session becomes
// AUTHENTICATED; an expired one is renewed when it carries a refresh
// credential and discarded otherwise. Calls after the first completed one
// are no-ops.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.initialized.Load() {
		return nil
	}

	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.initialized.Load() {
		return nil
	}

	var s Session
	err := storage.GetJSON(ctx, m.store, storage.KeySession, &s)
	switch {
	case storage.IsNotFoundError(err):
		m.logger.Debug("No persisted session found")
		m.setState(StateUnauthenticated, "")
		m.initialized.Store(true)
		return nil
	case err != nil:
		return fmt.Errorf("failed to load persisted session: %w", err)
	}

	if !s.complete() {
		m.logger.Warn("Discarding incomplete persisted session")
		m.clearPersisted(ctx)
		m.setState(StateUnauthenticated, "")
		m.initialized.Store(true)
		return nil
	}

	if m.isValid(&s) {
		m.install(&s)
		m.setState(StateAuthenticated, "")
		m.startRenewal()
		m.initialized.Store(true)
		m.logger.Info("Restored persisted session",
			zap.String("subject", s.Subject),
			zap.Time("expires_at", s.ExpiresAt))
		return nil
	}

	m.initialized.Store(true)

	if s.Renewable() {
		m.logger.Info("Persisted session expired, renewing", zap.String("subject", s.Subject))
		m.install(&s)
		if err := m.Renew(ctx); err != nil {
			m.logger.Warn("Renewal of persisted session failed", zap.Error(err))
		}
		return nil
	}

	m.logger.Info("Persisted session expired and cannot be renewed", zap.String("subject", s.Subject))
	m.clearPersisted(ctx)
	m.setState(StateUnauthenticated, "")
	return nil
}

// Revalidate re-checks the current session. It initializes the manager on
// first use; afterwards an expired session is renewed, or logged out when it
// cannot be renewed.
func (m *Manager) Revalidate(ctx context.Context) error {
	if !m.initialized.Load() {
		return m.Initialize(ctx)
	}

	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()

	if s == nil || m.isValid(s) {
		return nil
	}
	if s.Renewable() {
		return m.Renew(ctx)
	}
	m.Logout(ctx)
	return nil
}

// Login exchanges credentials for a session
func (m *Manager) Login(ctx context.Context, creds Credentials) (*Session, error) {
	m.setState(StateAuthenticating, "")

	grant, err := m.api.Login(ctx, creds)
	if err != nil {
		m.logger.Warn("Login failed", zap.String("username", creds.Username), zap.Error(err))
		m.setState(StateError, err.Error())
		return nil, asClassified(err, clienterrors.KindUnknown)
	}

	s, err := newSession(grant, m.now())
	if err != nil {
		m.setState(StateError, err.Error())
		return nil, clienterrors.Wrap(clienterrors.KindAuth, err, "login returned an unusable credential")
	}

	if err := storage.PutJSON(ctx, m.store, storage.KeySession, s); err != nil {
		m.setState(StateError, err.Error())
		return nil, clienterrors.Wrap(clienterrors.KindUnknown, err, "failed to persist session")
	}

	m.install(s)
	m.initialized.Store(true)
	m.setState(StateAuthenticated, "")
	m.startRenewal()

	m.logger.Info("Login succeeded",
		zap.String("subject", s.Subject),
		zap.Time("expires_at", s.ExpiresAt))

	out := *s
	return &out, nil
}

// Logout ends the session. The server is notified on a best-effort basis and
// a failure there never prevents local cleanup.
func (m *Manager) Logout(ctx context.Context) {
	m.renewalTask.Stop()

	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()

	if s != nil {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutNotifyTimeout)
		if err := m.api.Logout(notifyCtx, s.AccessToken); err != nil {
			m.logger.Debug("Server logout notification failed", zap.Error(err))
		}
		cancel()
	}

	m.clear(ctx)
	m.logger.Info("Logged out")
}

// Invalidate drops the session after the server rejected its credential.
// The server is not notified.
func (m *Manager) Invalidate(ctx context.Context, cause error) {
	m.renewalTask.Stop()
	m.logger.Warn("Session invalidated", zap.Error(cause))
	m.clear(ctx)
}

// Renew obtains a new access credential with the refresh credential.
// Concurrent calls share one renewal. Any failure forces a logout.
func (m *Manager) Renew(ctx context.Context) error {
	_, err, _ := m.renewals.Do("renew", func() (any, error) {
		return nil, m.renew(ctx)
	})
	return err
}

func (m *Manager) renew(ctx context.Context) error {
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()

	if s == nil {
		return ErrNotAuthenticated
	}
	if !s.Renewable() {
		metrics.SessionRenewalsTotal.WithLabelValues("failure").Inc()
		m.Logout(ctx)
		return ErrNoRefreshCredential
	}

	m.mu.Lock()
	resumeState := StateAuthenticated
	if m.state == StateRegistering {
		resumeState = StateRegistering
	}
	event := m.setStateLocked(StateRefreshing, "")
	m.mu.Unlock()
	if event.State != "" {
		m.events.Publish(event)
	}

	grant, err := m.api.Refresh(ctx, s.RefreshToken)
	if err == nil {
		var renewed *Session
		renewed, err = newSession(grant, m.now())
		if err == nil {
			if renewed.RefreshToken == "" {
				renewed.RefreshToken = s.RefreshToken
			}
			if renewed.Subject == "" {
				renewed.Subject = s.Subject
			}
			err = storage.PutJSON(ctx, m.store, storage.KeySession, renewed)
			if err == nil {
				m.install(renewed)
				m.setState(resumeState, "")
				m.startRenewal()
				metrics.SessionRenewalsTotal.WithLabelValues("success").Inc()
				m.logger.Info("Session renewed",
					zap.String("subject", renewed.Subject),
					zap.Time("expires_at", renewed.ExpiresAt))
				return nil
			}
		}
	}

	metrics.SessionRenewalsTotal.WithLabelValues("failure").Inc()
	m.logger.Warn("Session renewal failed, forcing logout", zap.Error(err))
	m.Logout(ctx)
	return asClassified(err, clienterrors.KindAuth)
}

// BeginRegistration moves an authenticated session into the registration flow
func (m *Manager) BeginRegistration() error {
	return m.transitionFrom(StateAuthenticated, StateRegistering)
}

// CompleteRegistration ends the registration flow
func (m *Manager) CompleteRegistration() error {
	return m.transitionFrom(StateRegistering, StateAuthenticated)
}

func (m *Manager) transitionFrom(from, to State) error {
	m.mu.Lock()
	if m.state != from {
		current := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (current state %s)", ErrInvalidTransition, from, to, current)
	}
	event := m.setStateLocked(to, "")
	m.mu.Unlock()
	m.events.Publish(event)
	return nil
}

// Credential returns the current access credential
func (m *Manager) Credential(_ context.Context) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return "", false
	}
	return m.session.AccessToken, true
}

// Subject returns the authenticated subject
func (m *Manager) Subject() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return "", false
	}
	return m.session.Subject, true
}

// Session returns a copy of the current session
func (m *Manager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns a snapshot of the manager
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{State: m.state}
	if m.session != nil {
		st.Subject = m.session.Subject
		st.ExpiresAt = m.session.ExpiresAt
		st.Valid = m.isValid(m.session)
		st.Renewable = m.session.Renewable()
	}
	return st
}

// isValid applies the expiry buffer: a session within the buffer of its
// expiry is treated as already expired
func (m *Manager) isValid(s *Session) bool {
	return m.now().Before(s.ExpiresAt.Add(-m.cfg.ExpiryBuffer))
}

// renewDue reports whether renewal must happen on this tick. The lookahead
// of one interval guarantees renewal at or before ExpiresAt minus the threshold.
func (m *Manager) renewDue(s *Session) bool {
	remaining := s.ExpiresAt.Sub(m.now())
	return remaining <= m.cfg.RenewalThreshold+m.cfg.RenewalInterval
}

func (m *Manager) renewalTick(ctx context.Context) {
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()
	if s == nil || !m.renewDue(s) {
		return
	}
	if err := m.Renew(ctx); err != nil {
		m.logger.Warn("Scheduled renewal failed", zap.Error(err))
	}
}

func (m *Manager) startRenewal() {
	m.mu.RLock()
	ctx := m.lifecycle
	s := m.session
	m.mu.RUnlock()

	m.renewalTask.Start(ctx)
	if s != nil && m.renewDue(s) {
		m.renewalTask.Trigger()
	}
}

func (m *Manager) install(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

func (m *Manager) clear(ctx context.Context) {
	m.clearPersisted(ctx)
	m.mu.Lock()
	m.session = nil
	event := m.setStateLocked(StateUnauthenticated, "")
	m.mu.Unlock()
	if event.State != "" {
		m.events.Publish(event)
	}
}

func (m *Manager) clearPersisted(ctx context.Context) {
	if err := m.store.Delete(context.WithoutCancel(ctx), storage.KeySession); err != nil {
		m.logger.Error("Failed to clear persisted session", zap.Error(err))
	}
}

func (m *Manager) setState(state State, errMsg string) {
	m.mu.Lock()
	event := m.setStateLocked(state, errMsg)
	m.mu.Unlock()
	if event.State != "" {
		m.events.Publish(event)
	}
}

// setStateLocked returns a zero event when the state did not change, except
// for ERROR which is always published with its cause
func (m *Manager) setStateLocked(state State, errMsg string) Event {
	old := m.state
	if old == state && state != StateError {
		return Event{}
	}
	m.state = state
	metrics.SetState(metrics.SessionState, AllStates, string(state))
	m.logger.Debug("Session state changed",
		zap.String("from", string(old)),
		zap.String("to", string(state)))

	event := Event{State: state, Previous: old, Error: errMsg, Timestamp: m.now()}
	if m.session != nil {
		event.Subject = m.session.Subject
		event.ExpiresAt = m.session.ExpiresAt
	}
	return event
}

func asClassified(err error, fallback clienterrors.Kind) error {
	if err == nil {
		return nil
	}
	var ce *clienterrors.Error
	if errors.As(err, &ce) {
		return err
	}
	kind := clienterrors.Classify(err)
	if kind == clienterrors.KindUnknown {
		kind = fallback
	}
	return clienterrors.Wrap(kind, err, "")
}
