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

// Package agent assembles the resilience components from configuration and
// owns their start and stop order.
package agent

import (
	"context"
	"fmt"

	"github.com/wso2/api-platform/resilience/pkg/api"
	"github.com/wso2/api-platform/resilience/pkg/channel"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/failover"
	"github.com/wso2/api-platform/resilience/pkg/metrics"
	"github.com/wso2/api-platform/resilience/pkg/requestclient"
	"github.com/wso2/api-platform/resilience/pkg/session"
	"github.com/wso2/api-platform/resilience/pkg/storage"
	"github.com/wso2/api-platform/resilience/pkg/syncengine"
	"go.uber.org/zap"
)

// Version is reported in the info metric
var Version = "dev"

// Agent holds every resilience component
type Agent struct {
	cfg    *config.Config
	logger *zap.Logger

	store        storage.Store
	ownsStore    bool
	connectivity *connectivity.Manager
	client       *requestclient.Client
	session      *session.Manager
	sync         *syncengine.Engine
	failover     *failover.Orchestrator
	channel      *channel.Client
	admin        *api.Server
	metrics      *metrics.Server

	cancel context.CancelFunc
}

// Option customizes an Agent
type Option func(*options)

type options struct {
	store          storage.Store
	messageHandler channel.Handler
}

// WithStore uses an existing store instead of opening one from configuration.
// The caller keeps ownership of the store.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithMessageHandler receives realtime channel messages
func WithMessageHandler(h channel.Handler) Option {
	return func(o *options) { o.messageHandler = h }
}

// New builds the components. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Agent, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &Agent{cfg: cfg, logger: logger}

	if o.store != nil {
		a.store = o.store
	} else {
		store, err := storage.New(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		a.store = store
		a.ownsStore = true
	}

	a.connectivity = connectivity.NewManager(cfg.Endpoints, a.store, logger.Named("connectivity"))

	// the client needs the session for credentials and the session needs the
	// client for its auth calls; the credential source is attached afterwards
	a.client = requestclient.New(cfg.Request, a.connectivity, logger.Named("request"))
	a.session = session.NewManager(cfg.Session, session.NewHTTPAuthAPI(a.client, cfg.Session), a.store, logger.Named("session"))
	a.client.SetCredentialSource(a.session)

	a.sync = syncengine.NewEngine(cfg.Sync, syncengine.NewHTTPRemote(a.client, cfg.Sync.CollectionsPath),
		a.store, a.connectivity, logger.Named("sync"))
	a.connectivity.Subscribe(a.sync)

	a.failover = failover.NewOrchestrator(cfg.Failover, a.connectivity, a.session, a.sync, a.store,
		logger.Named("failover"), failover.WithSettingsFingerprint(cfg.Fingerprint()))
	a.connectivity.SetHealthObserver(a.failover)

	handler := o.messageHandler
	if handler == nil {
		handler = func(messageType int, payload []byte) {
			logger.Debug("Realtime message received", zap.Int("message_type", messageType), zap.Int("size", len(payload)))
		}
	}
	a.channel = channel.NewClient(cfg.Channel, a.connectivity, a.session, handler, logger.Named("channel"))
	a.connectivity.SubscribeEndpointChanges(a.channel)

	a.admin = api.NewServer(cfg.Admin, api.Services{
		Session:      a.session,
		Connectivity: a.connectivity,
		Failover:     a.failover,
		Sync:         a.sync,
		Channel:      a.channel,
	}, logger.Named("admin"))

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewServer(cfg.Metrics, logger.Named("metrics"))
	}
	return a, nil
}

// Start brings components up leaves first: connectivity, session, sync,
// failover, channel, then the admin and metrics servers.
func (a *Agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.metrics != nil {
		metrics.Info.WithLabelValues(Version, a.cfg.Storage.Type).Set(1)
		if err := a.metrics.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := a.connectivity.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity manager: %w", err)
	}
	if err := a.session.Start(ctx); err != nil {
		// an unreadable session is not fatal; the user can log in again
		a.logger.Error("Failed to restore session", zap.Error(err))
	}
	if err := a.sync.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	if err := a.failover.Start(ctx); err != nil {
		return fmt.Errorf("failed to start failover orchestrator: %w", err)
	}
	if err := a.channel.Start(ctx); err != nil {
		return fmt.Errorf("failed to start realtime channel: %w", err)
	}
	if err := a.admin.Start(); err != nil {
		return fmt.Errorf("failed to start admin API: %w", err)
	}

	metrics.SetUp(true)
	status := a.connectivity.Status()
	a.logger.Info("Resilience agent started",
		zap.String("endpoint", status.Endpoint.URL),
		zap.String("connectivity_state", string(status.State)),
		zap.String("session_state", string(a.session.State())))
	return nil
}

// Stop shuts components down in reverse start order
func (a *Agent) Stop(ctx context.Context) {
	metrics.SetUp(false)

	if err := a.admin.Stop(ctx); err != nil {
		a.logger.Error("Admin API forced to shutdown", zap.Error(err))
	}
	a.channel.Stop()
	a.failover.Stop()
	a.sync.Stop()
	a.session.Stop()
	a.connectivity.Stop()
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			a.logger.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.ownsStore {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close state store", zap.Error(err))
		}
	}
	a.logger.Info("Resilience agent stopped")
}

// Connectivity returns the connectivity manager
func (a *Agent) Connectivity() *connectivity.Manager { return a.connectivity }

// Client returns the resilient request client
func (a *Agent) Client() *requestclient.Client { return a.client }

// Session returns the session manager
func (a *Agent) Session() *session.Manager { return a.session }

// Sync returns the sync engine
func (a *Agent) Sync() *syncengine.Engine { return a.sync }

// Failover returns the failover orchestrator
func (a *Agent) Failover() *failover.Orchestrator { return a.failover }

// Channel returns the realtime channel client
func (a *Agent) Channel() *channel.Client { return a.channel }

// AdminAddr returns the bound admin API address, empty when disabled
func (a *Agent) AdminAddr() string { return a.admin.Addr() }
