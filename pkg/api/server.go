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

// Package api serves the local admin and diagnostics API. It is the explicit
// retry surface for a FAILED failover status.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wso2/api-platform/resilience/pkg/api/middleware"
	"github.com/wso2/api-platform/resilience/pkg/channel"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/failover"
	"github.com/wso2/api-platform/resilience/pkg/session"
	"github.com/wso2/api-platform/resilience/pkg/syncengine"
	"go.uber.org/zap"
)

// SessionService is the session surface exposed by the admin API
type SessionService interface {
	Status() session.Status
	Logout(ctx context.Context)
}

// ConnectivityService is the connectivity surface exposed by the admin API
type ConnectivityService interface {
	Status() connectivity.Status
}

// FailoverService is the failover surface exposed by the admin API
type FailoverService interface {
	Status() failover.Status
	ConsecutiveFailures() int
	History(ctx context.Context) ([]failover.Record, error)
	Reset()
	PerformSystemRecovery(ctx context.Context) (*failover.RecoveryResult, error)
	LatestSnapshot(ctx context.Context) (*failover.Snapshot, error)
}

// SyncService is the sync surface exposed by the admin API
type SyncService interface {
	Queue(ctx context.Context) ([]syncengine.PendingMutation, error)
	FailedMutations(ctx context.Context) ([]syncengine.FailedMutation, error)
	FlushQueue(ctx context.Context) (*syncengine.FlushResult, error)
	SyncCollection(ctx context.Context, name string, mode syncengine.Mode) (*syncengine.SyncResult, error)
	Conflicts(ctx context.Context) ([]syncengine.SyncConflict, error)
	ResolveConflict(ctx context.Context, collection, entityID string, resolution syncengine.Resolution) error
}

// ChannelService is the realtime channel surface exposed by the admin API
type ChannelService interface {
	Status() channel.Status
}

// Services groups the components served by the admin API
type Services struct {
	Session      SessionService
	Connectivity ConnectivityService
	Failover     FailoverService
	Sync         SyncService
	Channel      ChannelService
}

// Server is the admin HTTP server
type Server struct {
	cfg      config.AdminConfig
	services Services
	logger   *zap.Logger
	router   *gin.Engine
	srv      *http.Server
	listener net.Listener
}

// NewServer builds the router with correlation, error, logging and metrics middleware
func NewServer(cfg config.AdminConfig, services Services, logger *zap.Logger) *Server {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// CorrelationIDMiddleware goes first so later middleware see the id
	router.Use(middleware.CorrelationIDMiddleware(logger))
	router.Use(middleware.ErrorHandlingMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	s := &Server{cfg: cfg, services: services, logger: logger, router: router}
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving in the background. A disabled server does nothing.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("Admin API disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting admin API server", zap.String("address", listener.Addr().String()))
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin API server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, empty when not started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping admin API server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", s.health)
	r.GET("/status", s.status)

	r.GET("/failover/history", s.failoverHistory)
	r.POST("/failover/reset", s.failoverReset)
	r.POST("/recovery", s.runRecovery)
	r.GET("/recovery/snapshot", s.snapshot)

	r.GET("/sync/queue", s.syncQueue)
	r.GET("/sync/failed", s.syncFailed)
	r.POST("/sync/flush", s.syncFlush)
	r.POST("/sync/collections/:name", s.syncCollection)
	r.GET("/sync/conflicts", s.syncConflicts)
	r.POST("/sync/conflicts/:collection/:id/resolve", s.resolveConflict)

	r.POST("/session/logout", s.logout)
}
